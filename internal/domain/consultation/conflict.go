package consultation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Overlaps reports whether two half-open intervals share any instant.
// Back-to-back intervals do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// FindConflict returns the first active consultation in existing whose
// interval overlaps proposed, ignoring the one with id exclude.
func FindConflict(proposed Interval, existing []*Consultation, exclude uuid.UUID) *Consultation {
	for _, c := range existing {
		if c == nil || !c.Status.Active() {
			continue
		}
		if exclude != uuid.Nil && c.ID == exclude {
			continue
		}
		if Overlaps(proposed, c.Interval()) {
			return c
		}
	}
	return nil
}

// HasConflict is the read-only form of the conflict check used by callers
// that want to probe a slot without booking it. Writers repeat the check
// inside their unit of work.
func (s *Service) HasConflict(ctx context.Context, lawyerID uuid.UUID, start, end time.Time, exclude uuid.UUID) (bool, error) {
	if !end.After(start) {
		return false, invalidInput("end must be after start")
	}
	existing, err := s.repo.ListActiveForLawyer(ctx, lawyerID, start, end)
	if err != nil {
		return false, fmt.Errorf("list consultations for lawyer %s: %w", lawyerID, err)
	}
	return FindConflict(Interval{Start: start, End: end}, existing, exclude) != nil, nil
}
