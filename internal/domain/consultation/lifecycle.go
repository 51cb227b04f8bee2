package consultation

import (
	"time"
)

// transitions lists, for each status, the statuses it may move to and the
// roles allowed to trigger each move. Terminal statuses have no entry.
var transitions = map[Status]map[Status][]Role{
	StatusPending: {
		StatusConfirmed: {RoleSystem},
		StatusCancelled: {RoleClient, RoleLawyer, RoleSystem},
	},
	StatusConfirmed: {
		StatusCancelled:  {RoleClient, RoleLawyer},
		StatusInProgress: {RoleClient, RoleLawyer},
		StatusCompleted:  {RoleLawyer},
		StatusNoShow:     {RoleLawyer},
	},
	StatusInProgress: {
		StatusCompleted: {RoleLawyer},
	},
}

// CanTransition reports whether role may move a consultation from one status
// to another, ignoring time-based guards.
func CanTransition(from, to Status, role Role) bool {
	for _, r := range transitions[from][to] {
		if r == role {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses reachable from s by any actor.
func NextStatuses(s Status) []Status {
	out := make([]Status, 0, len(transitions[s]))
	for _, to := range []Status{StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow} {
		if _, ok := transitions[s][to]; ok {
			out = append(out, to)
		}
	}
	return out
}

// checkTransition validates moving c to status `to` on behalf of actor.
// Third parties are rejected first, then unknown edges, then the role on the
// edge, then guards.
func checkTransition(c *Consultation, actor Actor, to Status, now time.Time) error {
	role := actor.Role
	if role != RoleSystem {
		role = c.PartyRole(actor.UserID)
		if role == "" {
			return forbidden("user is not a party to consultation %s", c.ID)
		}
	}

	if c.Status.Terminal() {
		return invalidTransition("consultation is %s", c.Status)
	}
	allowed, ok := transitions[c.Status][to]
	if !ok {
		return invalidTransition("cannot move from %s to %s", c.Status, to)
	}
	permitted := false
	for _, r := range allowed {
		if r == role {
			permitted = true
			break
		}
	}
	if !permitted {
		return forbidden("%s may not move a consultation from %s to %s", role, c.Status, to)
	}

	if to == StatusNoShow && now.Before(c.ScheduledAt) {
		return invalidTransition("no-show cannot be recorded before the scheduled start")
	}
	return nil
}

// apply moves c to status `to` and stamps the lifecycle timestamps.
func apply(c *Consultation, to Status, now time.Time) {
	c.Status = to
	c.UpdatedAt = now
	switch to {
	case StatusInProgress:
		if c.StartedAt == nil {
			t := now
			c.StartedAt = &t
		}
	case StatusCompleted, StatusNoShow:
		t := now
		c.EndedAt = &t
	}
}
