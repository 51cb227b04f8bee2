package consultation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ResolveSlots returns the bookable slots of slotMinutes length for a lawyer
// on the civil date of `date` in the service location. The sequence is
// computed from a snapshot taken at call time; it is lazy, finite,
// restartable and ordered by start.
func (s *Service) ResolveSlots(ctx context.Context, lawyerID uuid.UUID, date time.Time, slotMinutes int) (iter.Seq[Slot], error) {
	if slotMinutes == 0 {
		slotMinutes = DefaultSlotMinutes
	}
	if slotMinutes < MinDurationMinutes || slotMinutes > MaxDurationMinutes {
		return nil, invalidInput("slot duration must be between %d and %d minutes", MinDurationMinutes, MaxDurationMinutes)
	}

	now := s.now().In(s.loc)
	y, m, d := date.In(s.loc).Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	ty, tm, td := now.Date()
	if day.Before(time.Date(ty, tm, td, 0, 0, 0, 0, s.loc)) {
		return nil, invalidInput("date %s is in the past", day.Format(DateLayout))
	}

	lawyer, err := s.lawyer(ctx, lawyerID)
	if err != nil {
		return nil, err
	}
	if !lawyer.Active {
		return nil, invalidInput("lawyer %s is not accepting consultations", lawyer.ID)
	}

	windows, err := s.windowsOn(ctx, lawyerID, day)
	if err != nil {
		return nil, err
	}
	open := openIntervals(windows, y, m, d, s.loc)
	if len(open) == 0 {
		return func(func(Slot) bool) {}, nil
	}

	existing, err := s.repo.ListActiveForLawyer(ctx, lawyerID, open[0].Start, open[len(open)-1].End)
	if err != nil {
		return nil, fmt.Errorf("list consultations for lawyer %s: %w", lawyerID, err)
	}
	booked := make([]Interval, 0, len(existing))
	for _, c := range existing {
		if c.Status.Active() {
			booked = append(booked, c.Interval())
		}
	}

	return generateSlots(open, booked, time.Duration(slotMinutes)*time.Minute, now), nil
}

// windowsOn returns the windows in effect on day: the date exception if one
// exists, otherwise the weekly template for that weekday.
func (s *Service) windowsOn(ctx context.Context, lawyerID uuid.UUID, day time.Time) ([]Window, error) {
	ex, err := s.repo.GetException(ctx, lawyerID, day.Format(DateLayout))
	switch {
	case err == nil:
		return ex.Windows, nil
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("get availability exception: %w", err)
	}

	tpl, err := s.repo.GetTemplate(ctx, lawyerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get availability template: %w", err)
	}
	return tpl.WindowsFor(day.Weekday()), nil
}

// openIntervals merges overlapping and adjacent available windows, removes
// the unavailable ones, and places the result on the given civil date.
func openIntervals(windows []Window, y int, m time.Month, d int, loc *time.Location) []Interval {
	var avail, blocked []Interval
	for _, w := range windows {
		if w.End <= w.Start {
			continue
		}
		iv := Interval{Start: w.Start.On(y, m, d, loc), End: w.End.On(y, m, d, loc)}
		if w.Available {
			avail = append(avail, iv)
		} else {
			blocked = append(blocked, iv)
		}
	}
	return subtract(merge(avail), merge(blocked))
}

func merge(ivs []Interval) []Interval {
	if len(ivs) == 0 {
		return nil
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start.Before(ivs[j].Start) })
	out := []Interval{ivs[0]}
	for _, iv := range ivs[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// subtract removes every interval in cut from the sorted, disjoint base.
func subtract(base, cut []Interval) []Interval {
	if len(cut) == 0 {
		return base
	}
	var out []Interval
	for _, b := range base {
		pieces := []Interval{b}
		for _, c := range cut {
			var next []Interval
			for _, p := range pieces {
				if !Overlaps(p, c) {
					next = append(next, p)
					continue
				}
				if p.Start.Before(c.Start) {
					next = append(next, Interval{Start: p.Start, End: c.Start})
				}
				if c.End.Before(p.End) {
					next = append(next, Interval{Start: c.End, End: p.End})
				}
			}
			pieces = next
		}
		out = append(out, pieces...)
	}
	return out
}

// generateSlots walks each open interval in steps of `step`. A candidate
// that overlaps a booking resumes the walk at the end of that booking;
// candidates starting before now are skipped.
func generateSlots(open, booked []Interval, step time.Duration, now time.Time) iter.Seq[Slot] {
	return func(yield func(Slot) bool) {
		for _, w := range open {
			start := w.Start
			for {
				cand := Interval{Start: start, End: start.Add(step)}
				if cand.End.After(w.End) {
					break
				}
				if until, blocked := blockedUntil(cand, booked); blocked {
					start = until
					continue
				}
				if cand.Start.Before(now) {
					start = cand.End
					continue
				}
				if !yield(Slot{Start: cand.Start, End: cand.End}) {
					return
				}
				start = cand.End
			}
		}
	}
}

func blockedUntil(cand Interval, booked []Interval) (time.Time, bool) {
	var until time.Time
	found := false
	for _, b := range booked {
		if Overlaps(cand, b) && b.End.After(until) {
			until = b.End
			found = true
		}
	}
	return until, found
}

// ---------------------------------------------------------------------------
// Template management
// ---------------------------------------------------------------------------

// GetAvailability returns the lawyer's weekly template. A lawyer without one
// gets an empty template.
func (s *Service) GetAvailability(ctx context.Context, lawyerID uuid.UUID) (*Template, error) {
	if _, err := s.lawyer(ctx, lawyerID); err != nil {
		return nil, err
	}
	tpl, err := s.repo.GetTemplate(ctx, lawyerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &Template{LawyerID: lawyerID, Weekly: map[time.Weekday][]Window{}}, nil
		}
		return nil, fmt.Errorf("get availability template: %w", err)
	}
	return tpl, nil
}

// SetAvailability replaces the lawyer's weekly template.
func (s *Service) SetAvailability(ctx context.Context, actor Actor, lawyerID uuid.UUID, weekly map[time.Weekday][]Window) (*Template, error) {
	if err := s.canManageAvailability(ctx, actor, lawyerID); err != nil {
		return nil, err
	}
	for day, ws := range weekly {
		if day < time.Sunday || day > time.Saturday {
			return nil, invalidInput("invalid weekday %d", day)
		}
		if err := validateWindows(ws); err != nil {
			return nil, err
		}
	}

	tpl := &Template{LawyerID: lawyerID, Weekly: weekly, UpdatedAt: s.now()}
	if err := s.repo.SaveTemplate(ctx, tpl); err != nil {
		return nil, fmt.Errorf("save availability template: %w", err)
	}
	return tpl, nil
}

// SetException replaces the windows for one calendar date. An empty window
// list makes the date unavailable.
func (s *Service) SetException(ctx context.Context, actor Actor, lawyerID uuid.UUID, date string, windows []Window) (*Exception, error) {
	if err := s.canManageAvailability(ctx, actor, lawyerID); err != nil {
		return nil, err
	}
	if _, err := time.ParseInLocation(DateLayout, date, s.loc); err != nil {
		return nil, invalidInput("date must be YYYY-MM-DD")
	}
	if err := validateWindows(windows); err != nil {
		return nil, err
	}
	if windows == nil {
		windows = []Window{}
	}

	ex := &Exception{LawyerID: lawyerID, Date: date, Windows: windows}
	if err := s.repo.SaveException(ctx, ex); err != nil {
		return nil, fmt.Errorf("save availability exception: %w", err)
	}
	return ex, nil
}

func (s *Service) canManageAvailability(ctx context.Context, actor Actor, lawyerID uuid.UUID) error {
	if actor.Role != RoleAdmin && actor.UserID != lawyerID {
		return forbidden("only the lawyer may change their availability")
	}
	_, err := s.lawyer(ctx, lawyerID)
	return err
}

func validateWindows(ws []Window) error {
	for _, w := range ws {
		if err := w.Validate(); err != nil {
			return invalidInput("%v", err)
		}
	}
	return nil
}
