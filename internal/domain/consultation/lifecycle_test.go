package consultation

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

var allStatuses = []Status{StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow}

func TestCanTransition_Table(t *testing.T) {
	tests := []struct {
		from, to Status
		role     Role
		want     bool
	}{
		{StatusPending, StatusConfirmed, RoleSystem, true},
		{StatusPending, StatusConfirmed, RoleClient, false},
		{StatusPending, StatusConfirmed, RoleLawyer, false},
		{StatusPending, StatusCancelled, RoleClient, true},
		{StatusPending, StatusCancelled, RoleLawyer, true},
		{StatusPending, StatusCancelled, RoleSystem, true},
		{StatusPending, StatusInProgress, RoleClient, false},
		{StatusConfirmed, StatusInProgress, RoleClient, true},
		{StatusConfirmed, StatusInProgress, RoleLawyer, true},
		{StatusConfirmed, StatusCancelled, RoleClient, true},
		{StatusConfirmed, StatusCancelled, RoleSystem, false},
		{StatusConfirmed, StatusCompleted, RoleLawyer, true},
		{StatusConfirmed, StatusCompleted, RoleClient, false},
		{StatusConfirmed, StatusNoShow, RoleLawyer, true},
		{StatusConfirmed, StatusNoShow, RoleClient, false},
		{StatusInProgress, StatusCompleted, RoleLawyer, true},
		{StatusInProgress, StatusCompleted, RoleClient, false},
		{StatusInProgress, StatusCancelled, RoleClient, false},
	}
	for _, tt := range tests {
		name := string(tt.from) + "->" + string(tt.to) + "/" + string(tt.role)
		t.Run(name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to, tt.role); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTerminalStatuses_AreClosed(t *testing.T) {
	client, lawyer := uuid.New(), uuid.New()
	for _, from := range []Status{StatusCompleted, StatusCancelled, StatusNoShow} {
		if next := NextStatuses(from); len(next) != 0 {
			t.Errorf("%s has outgoing edges %v", from, next)
		}
		for _, to := range allStatuses {
			for _, actor := range []Actor{{UserID: client}, {UserID: lawyer}, SystemActor} {
				c := &Consultation{ID: uuid.New(), ClientID: client, LawyerID: lawyer, Status: from, ScheduledAt: testNow.Add(-time.Hour)}
				if actor.UserID == client {
					actor.Role = RoleClient
				} else if actor.UserID == lawyer {
					actor.Role = RoleLawyer
				}
				err := checkTransition(c, actor, to, testNow)
				expectKind(t, err, KindInvalidTransition)
			}
		}
	}
}

func TestNextStatuses(t *testing.T) {
	got := NextStatuses(StatusConfirmed)
	want := []Status{StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow}
	if len(got) != len(want) {
		t.Fatalf("NextStatuses(confirmed) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NextStatuses(confirmed)[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCheckTransition_Order(t *testing.T) {
	client, lawyer := uuid.New(), uuid.New()
	c := func(s Status) *Consultation {
		return &Consultation{ID: uuid.New(), ClientID: client, LawyerID: lawyer, Status: s, ScheduledAt: testNow.Add(time.Hour)}
	}
	asClient := Actor{UserID: client, Role: RoleClient}
	asLawyer := Actor{UserID: lawyer, Role: RoleLawyer}
	stranger := Actor{UserID: uuid.New(), Role: RoleLawyer}

	t.Run("third party is forbidden even on terminal", func(t *testing.T) {
		expectKind(t, checkTransition(c(StatusCompleted), stranger, StatusCancelled, testNow), KindForbidden)
	})
	t.Run("missing edge", func(t *testing.T) {
		expectKind(t, checkTransition(c(StatusPending), asLawyer, StatusCompleted, testNow), KindInvalidTransition)
	})
	t.Run("wrong role on edge", func(t *testing.T) {
		expectKind(t, checkTransition(c(StatusConfirmed), asClient, StatusCompleted, testNow), KindForbidden)
		expectKind(t, checkTransition(c(StatusPending), asClient, StatusConfirmed, testNow), KindForbidden)
	})
	t.Run("role follows the consultation, not the account", func(t *testing.T) {
		// A lawyer account booked as the client acts as client here.
		spoof := Actor{UserID: client, Role: RoleLawyer}
		expectKind(t, checkTransition(c(StatusConfirmed), spoof, StatusCompleted, testNow), KindForbidden)
	})
	t.Run("no-show before start", func(t *testing.T) {
		expectKind(t, checkTransition(c(StatusConfirmed), asLawyer, StatusNoShow, testNow), KindInvalidTransition)
	})
	t.Run("no-show at start", func(t *testing.T) {
		cc := c(StatusConfirmed)
		if err := checkTransition(cc, asLawyer, StatusNoShow, cc.ScheduledAt); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
	t.Run("system skips party check", func(t *testing.T) {
		if err := checkTransition(c(StatusPending), SystemActor, StatusConfirmed, testNow); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestApply_StampsTimes(t *testing.T) {
	c := &Consultation{Status: StatusConfirmed}
	apply(c, StatusInProgress, testNow)
	if c.StartedAt == nil || !c.StartedAt.Equal(testNow) {
		t.Fatalf("expected StartedAt to be stamped, got %v", c.StartedAt)
	}
	later := testNow.Add(40 * time.Minute)
	apply(c, StatusCompleted, later)
	if !c.StartedAt.Equal(testNow) {
		t.Error("StartedAt must not move")
	}
	if c.EndedAt == nil || !c.EndedAt.Equal(later) {
		t.Errorf("expected EndedAt %v, got %v", later, c.EndedAt)
	}
	if c.Status != StatusCompleted || !c.UpdatedAt.Equal(later) {
		t.Errorf("unexpected state %s updated %v", c.Status, c.UpdatedAt)
	}
}
