package consultation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a consultation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no-show"
)

var validStatuses = map[Status]bool{
	StatusPending: true, StatusConfirmed: true, StatusInProgress: true,
	StatusCompleted: true, StatusCancelled: true, StatusNoShow: true,
}

// ActiveStatuses are the statuses that occupy a lawyer's calendar.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed, StatusInProgress}

func (s Status) Valid() bool { return validStatuses[s] }

// Active reports whether a consultation in this status blocks other bookings.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusInProgress
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type Modality string

const (
	ModalityText  Modality = "text"
	ModalityPhone Modality = "phone"
	ModalityVideo Modality = "video"
)

func (m Modality) Valid() bool {
	return m == ModalityText || m == ModalityPhone || m == ModalityVideo
}

// Role is the capacity in which an actor acts on a consultation.
type Role string

const (
	RoleClient Role = "client"
	RoleLawyer Role = "lawyer"
	RoleSystem Role = "system"
	RoleAdmin  Role = "admin"
)

// Actor is the authenticated identity performing an operation.
type Actor struct {
	UserID uuid.UUID
	Role   Role
}

// SystemActor is used for transitions driven by collaborators such as the
// payment provider.
var SystemActor = Actor{Role: RoleSystem}

const (
	MinDurationMinutes     = 15
	MaxDurationMinutes     = 180
	DefaultSlotMinutes     = 60
	MaxDescriptionLength   = 4000
	MaxCancelReasonLength  = 1000
	MaxCompletionNotesSize = 8000
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func NewInterval(start time.Time, minutes int) Interval {
	return Interval{Start: start, End: start.Add(time.Duration(minutes) * time.Minute)}
}

func (i Interval) Duration() time.Duration { return i.End.Sub(i.Start) }

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.Format(time.RFC3339), i.End.Format(time.RFC3339))
}

// Consultation maps to the consultations table.
type Consultation struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	ClientID        uuid.UUID  `db:"client_id" json:"client_id"`
	LawyerID        uuid.UUID  `db:"lawyer_id" json:"lawyer_id"`
	ScheduledAt     time.Time  `db:"scheduled_at" json:"scheduled_at"`
	DurationMinutes int        `db:"duration_minutes" json:"duration_minutes"`
	Modality        Modality   `db:"modality" json:"modality"`
	Status          Status     `db:"status" json:"status"`
	Description     string     `db:"description" json:"description"`
	SessionID       *string    `db:"session_id" json:"session_id,omitempty"`
	MeetingLink     *string    `db:"meeting_link" json:"meeting_link,omitempty"`
	CancelReason    *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CompletionNotes *string    `db:"completion_notes" json:"completion_notes,omitempty"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt         *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

func (c *Consultation) Interval() Interval {
	return NewInterval(c.ScheduledAt, c.DurationMinutes)
}

func (c *Consultation) EndsAt() time.Time { return c.Interval().End }

// IsParty reports whether userID is the bound client or lawyer.
func (c *Consultation) IsParty(userID uuid.UUID) bool {
	return userID != uuid.Nil && (userID == c.ClientID || userID == c.LawyerID)
}

// PartyRole returns the role userID holds on this consultation, or "" for
// third parties.
func (c *Consultation) PartyRole(userID uuid.UUID) Role {
	switch {
	case userID == uuid.Nil:
		return ""
	case userID == c.LawyerID:
		return RoleLawyer
	case userID == c.ClientID:
		return RoleClient
	}
	return ""
}

func (c *Consultation) clone() *Consultation {
	cp := *c
	return &cp
}

// User is the read-only view of a marketplace account.
type User struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Role        Role      `db:"role" json:"role"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Email       string    `db:"email" json:"email,omitempty"`
	Phone       string    `db:"phone" json:"phone,omitempty"`
	PushToken   string    `db:"push_token" json:"-"`
	Active      bool      `db:"active" json:"active"`
}

// ClockTime is a wall-clock time of day in minutes after midnight.
type ClockTime int

const minutesPerDay = 24 * 60

// ParseClockTime parses "HH:MM". "24:00" is accepted as end of day.
func ParseClockTime(s string) (ClockTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || len(s) != 5 {
		return 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	if h < 0 || m < 0 || m > 59 || h*60+m > minutesPerDay {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return ClockTime(h*60 + m), nil
}

func (t ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ClockTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("time of day must be a string: %w", err)
	}
	v, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// On returns the instant this wall-clock time falls on for the given civil
// date in loc.
func (t ClockTime) On(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, int(t)/60, int(t)%60, 0, 0, loc)
}

// Window is one entry of a weekly availability template.
type Window struct {
	Start     ClockTime `json:"start"`
	End       ClockTime `json:"end"`
	Available bool      `json:"available"`
}

func (w Window) Validate() error {
	if w.Start < 0 || w.End > minutesPerDay {
		return fmt.Errorf("window %s-%s is outside the day", w.Start, w.End)
	}
	if w.End <= w.Start {
		return fmt.Errorf("window %s-%s ends before it starts", w.Start, w.End)
	}
	return nil
}

// Template is a lawyer's recurring weekly availability.
type Template struct {
	LawyerID  uuid.UUID                 `json:"lawyer_id"`
	Weekly    map[time.Weekday][]Window `json:"-"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// WindowsFor returns the windows defined for a weekday, ordered by start.
func (t *Template) WindowsFor(day time.Weekday) []Window {
	if t == nil {
		return nil
	}
	ws := append([]Window(nil), t.Weekly[day]...)
	sort.Slice(ws, func(i, j int) bool { return ws[i].Start < ws[j].Start })
	return ws
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// ParseWeekday accepts full English weekday names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}

// WeeklyByName converts a weekday-keyed schedule to lowercase day names, the
// form used on the wire and in storage.
func WeeklyByName(weekly map[time.Weekday][]Window) map[string][]Window {
	out := make(map[string][]Window, len(weekly))
	for day, ws := range weekly {
		out[strings.ToLower(day.String())] = ws
	}
	return out
}

// WeeklyFromNames is the inverse of WeeklyByName.
func WeeklyFromNames(named map[string][]Window) (map[time.Weekday][]Window, error) {
	out := make(map[time.Weekday][]Window, len(named))
	for name, ws := range named {
		day, err := ParseWeekday(name)
		if err != nil {
			return nil, err
		}
		out[day] = ws
	}
	return out, nil
}

// Exception replaces the weekly template on one calendar date.
type Exception struct {
	LawyerID uuid.UUID `json:"lawyer_id"`
	Date     string    `json:"date"`
	Windows  []Window  `json:"windows"`
}

const DateLayout = "2006-01-02"

// Slot is a bookable interval returned by the availability resolver.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Credential grants one party access to a consultation's video channel.
// It is never persisted.
type Credential struct {
	ChannelID string    `json:"channel_id"`
	Token     string    `json:"token"`
	SubjectID uint32    `json:"subject_id"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BookingRequest is the input to Book.
type BookingRequest struct {
	LawyerID        uuid.UUID `json:"lawyer_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Modality        Modality  `json:"modality"`
	Description     string    `json:"description"`
}

func (r BookingRequest) Validate(now time.Time) error {
	if r.LawyerID == uuid.Nil {
		return invalidInput("lawyer_id is required")
	}
	if !r.Modality.Valid() {
		return invalidInput("modality must be one of text, phone, video")
	}
	if len(r.Description) > MaxDescriptionLength {
		return invalidInput("description exceeds %d characters", MaxDescriptionLength)
	}
	return validateSchedule(r.ScheduledAt, r.DurationMinutes, now)
}

// RescheduleRequest is the input to Reschedule.
type RescheduleRequest struct {
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

func (r RescheduleRequest) Validate(now time.Time) error {
	return validateSchedule(r.ScheduledAt, r.DurationMinutes, now)
}

func validateSchedule(start time.Time, minutes int, now time.Time) error {
	if start.IsZero() {
		return invalidInput("scheduled_at is required")
	}
	if !start.After(now) {
		return invalidInput("scheduled_at must be in the future")
	}
	if minutes < MinDurationMinutes || minutes > MaxDurationMinutes {
		return invalidInput("duration_minutes must be between %d and %d", MinDurationMinutes, MaxDurationMinutes)
	}
	return nil
}
