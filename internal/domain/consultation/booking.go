package consultation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lexconsult/lexconsult/internal/platform/notification"
)

// Book creates a pending consultation for the requesting client. At most one
// of several concurrent bookings for overlapping intervals with the same
// lawyer succeeds; the others get ErrSlotUnavailable and write nothing.
func (s *Service) Book(ctx context.Context, actor Actor, req BookingRequest) (*Consultation, error) {
	if actor.Role != RoleClient || actor.UserID == uuid.Nil {
		return nil, forbidden("only clients may book consultations")
	}
	now := s.now()
	if err := req.Validate(now); err != nil {
		return nil, err
	}
	if actor.UserID == req.LawyerID {
		return nil, invalidInput("client and lawyer must be different users")
	}
	lawyer, err := s.lawyer(ctx, req.LawyerID)
	if err != nil {
		return nil, err
	}
	if !lawyer.Active {
		return nil, invalidInput("lawyer %s is not accepting consultations", lawyer.ID)
	}

	c := &Consultation{
		ID:              uuid.New(),
		ClientID:        actor.UserID,
		LawyerID:        req.LawyerID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		Modality:        req.Modality,
		Status:          StatusPending,
		Description:     req.Description,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if c.Modality == ModalityVideo {
		sid := "sess_" + uuid.NewString()
		c.SessionID = &sid
	}

	err = s.withLawyerTx(ctx, c.LawyerID, func(tx LawyerTx) error {
		existing, err := tx.FindConflicting(ctx, c.Interval(), uuid.Nil)
		if err != nil {
			return fmt.Errorf("find conflicting consultations: %w", err)
		}
		if blocking := FindConflict(c.Interval(), existing, uuid.Nil); blocking != nil {
			return newError(KindSlotUnavailable, "lawyer is booked %s", blocking.Interval())
		}
		return tx.Insert(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("consultation_id", c.ID.String()).
		Str("lawyer_id", c.LawyerID.String()).
		Str("client_id", c.ClientID.String()).
		Time("scheduled_at", c.ScheduledAt).
		Int("duration_minutes", c.DurationMinutes).
		Msg("consultation booked")
	s.announce(ctx, c, "consultation.booked", notification.KindBooked, nil)
	return c, nil
}

// Reschedule moves a pending or confirmed consultation to a new interval.
// On conflict nothing changes.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id uuid.UUID, req RescheduleRequest) (*Consultation, error) {
	now := s.now()
	if err := req.Validate(now); err != nil {
		return nil, err
	}
	c, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated *Consultation
	err = s.withLawyerTx(ctx, c.LawyerID, func(tx LawyerTx) error {
		cur, err := s.getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !cur.IsParty(actor.UserID) {
			return forbidden("user is not a party to consultation %s", id)
		}
		if cur.Status != StatusPending && cur.Status != StatusConfirmed {
			return invalidTransition("a %s consultation cannot be rescheduled", cur.Status)
		}

		proposed := NewInterval(req.ScheduledAt, req.DurationMinutes)
		existing, err := tx.FindConflicting(ctx, proposed, cur.ID)
		if err != nil {
			return fmt.Errorf("find conflicting consultations: %w", err)
		}
		if blocking := FindConflict(proposed, existing, cur.ID); blocking != nil {
			return newError(KindSlotUnavailable, "lawyer is booked %s", blocking.Interval())
		}

		cur.ScheduledAt = req.ScheduledAt
		cur.DurationMinutes = req.DurationMinutes
		cur.UpdatedAt = now
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.announce(ctx, updated, "consultation.rescheduled", notification.KindRescheduled, nil)
	return updated, nil
}

// Cancel cancels a pending or confirmed consultation on behalf of a party.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Consultation, error) {
	if len(reason) > MaxCancelReasonLength {
		return nil, invalidInput("reason exceeds %d characters", MaxCancelReasonLength)
	}
	c, _, err := s.transition(ctx, actor, id, StatusCancelled, func(c *Consultation) {
		if reason != "" {
			r := reason
			c.CancelReason = &r
		}
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, c, "consultation.cancelled", notification.KindCancelled, map[string]string{"reason": reason})
	return c, nil
}

// Complete marks a confirmed or in-progress consultation as completed. Only
// the lawyer may do so.
func (s *Service) Complete(ctx context.Context, actor Actor, id uuid.UUID, notes string) (*Consultation, error) {
	if len(notes) > MaxCompletionNotesSize {
		return nil, invalidInput("notes exceed %d characters", MaxCompletionNotesSize)
	}
	c, _, err := s.transition(ctx, actor, id, StatusCompleted, func(c *Consultation) {
		if notes != "" {
			n := notes
			c.CompletionNotes = &n
		}
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, c, "consultation.completed", notification.KindCompleted, nil)
	return c, nil
}

// MarkNoShow records that the client did not attend. Only the lawyer may do
// so, and only once the scheduled start has passed.
func (s *Service) MarkNoShow(ctx context.Context, actor Actor, id uuid.UUID) (*Consultation, error) {
	c, _, err := s.transition(ctx, actor, id, StatusNoShow, nil)
	if err != nil {
		return nil, err
	}
	s.announce(ctx, c, "consultation.no-show", notification.KindNoShow, nil)
	return c, nil
}

// ConfirmPayment moves a pending consultation to confirmed. Redelivery of
// the same event after confirmation is a no-op.
func (s *Service) ConfirmPayment(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c, changed, err := s.transition(ctx, SystemActor, id, StatusConfirmed, nil)
	if err != nil {
		return nil, err
	}
	if changed {
		s.announce(ctx, c, "consultation.confirmed", notification.KindConfirmed, nil)
	}
	return c, nil
}

// FailPayment cancels a pending consultation whose payment failed or expired.
// An already cancelled consultation is left as is.
func (s *Service) FailPayment(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	const reason = "payment failed"
	c, changed, err := s.transition(ctx, SystemActor, id, StatusCancelled, func(c *Consultation) {
		r := reason
		c.CancelReason = &r
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.announce(ctx, c, "consultation.cancelled", notification.KindCancelled, map[string]string{"reason": reason})
	}
	return c, nil
}

// transition applies a lifecycle move under the lawyer's lock. For the
// system actor, a consultation that already reached or passed the target
// is returned unchanged with changed=false.
func (s *Service) transition(ctx context.Context, actor Actor, id uuid.UUID, to Status, mutate func(*Consultation)) (*Consultation, bool, error) {
	c, err := s.get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	var (
		result  *Consultation
		changed bool
	)
	err = s.withLawyerTx(ctx, c.LawyerID, func(tx LawyerTx) error {
		cur, err := s.getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if actor.Role == RoleSystem && alreadyReached(cur.Status, to) {
			result = cur
			return nil
		}

		now := s.now()
		if err := checkTransition(cur, actor, to, now); err != nil {
			return err
		}
		from := cur.Status
		apply(cur, to, now)
		if mutate != nil {
			mutate(cur)
		}
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}

		s.logger.Info().
			Str("consultation_id", cur.ID.String()).
			Str("from", string(from)).
			Str("to", string(to)).
			Str("actor_role", string(actor.Role)).
			Msg("consultation transitioned")
		result, changed = cur, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

// alreadyReached reports whether a consultation in status cur has already
// been through target, making a repeated system event redundant.
func alreadyReached(cur, target Status) bool {
	switch target {
	case StatusConfirmed:
		return cur == StatusConfirmed || cur == StatusInProgress || cur == StatusCompleted || cur == StatusNoShow
	case StatusCancelled:
		return cur == StatusCancelled
	}
	return false
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Get returns a consultation visible to actor.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Consultation, error) {
	c, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != RoleAdmin && !c.IsParty(actor.UserID) {
		return nil, forbidden("user is not a party to consultation %s", id)
	}
	return c, nil
}

// List returns the actor's consultations, newest first. An empty status
// lists all.
func (s *Service) List(ctx context.Context, actor Actor, status Status, limit, offset int) ([]*Consultation, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, invalidInput("unknown status %q", status)
	}
	if actor.UserID == uuid.Nil {
		return nil, 0, forbidden("missing user")
	}
	list, total, err := s.repo.ListByParty(ctx, actor.UserID, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list consultations: %w", err)
	}
	return list, total, nil
}

// CanView reports whether userID is a party to consultation id. It backs
// realtime topic authorization.
func (s *Service) CanView(ctx context.Context, userID, id uuid.UUID) bool {
	c, err := s.repo.Get(ctx, id)
	return err == nil && c.IsParty(userID)
}
