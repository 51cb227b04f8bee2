package consultation

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"

	"github.com/lexconsult/lexconsult/internal/platform/notification"
	"github.com/lexconsult/lexconsult/internal/platform/signaling"
)

// channelNamespace seeds deterministic channel ids.
var channelNamespace = uuid.MustParse("6f1c1d2e-3b9a-5e4f-8a7d-2c5b9e0f4a11")

// ChannelID derives the signaling channel for a consultation. Both parties
// compute the same value without coordination.
func ChannelID(consultationID uuid.UUID) string {
	return "consult-" + uuid.NewSHA1(channelNamespace, consultationID[:]).String()
}

// SubjectID maps a user id to the stable non-zero numeric id the signaling
// channel identifies participants by.
func SubjectID(userID uuid.UUID) uint32 {
	h := fnv.New32a()
	h.Write(userID[:])
	if v := h.Sum32(); v != 0 {
		return v
	}
	return 1
}

func checkEligible(c *Consultation) error {
	if c.Modality != ModalityVideo {
		return newError(KindNotEligible, "consultation %s is a %s consultation", c.ID, c.Modality)
	}
	if c.Status != StatusConfirmed && c.Status != StatusInProgress {
		return newError(KindNotEligible, "consultation %s is %s", c.ID, c.Status)
	}
	return nil
}

// IssueCredential returns a fresh video session credential for a party of a
// confirmed or in-progress video consultation. The first call moves a
// confirmed consultation to in-progress; later calls only mint new tokens.
func (s *Service) IssueCredential(ctx context.Context, actor Actor, id uuid.UUID) (*Credential, error) {
	if s.signaling == nil {
		return nil, fmt.Errorf("signaling provider is not configured")
	}

	c, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkEligible(c); err != nil {
		return nil, err
	}
	role := c.PartyRole(actor.UserID)
	if role == "" {
		return nil, forbidden("user is not a party to consultation %s", id)
	}

	channel := ChannelID(c.ID)
	started := false
	if c.Status == StatusConfirmed || (c.MeetingLink == nil && s.meetingBaseURL != "") {
		err = s.withLawyerTx(ctx, c.LawyerID, func(tx LawyerTx) error {
			cur, err := s.getForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := checkEligible(cur); err != nil {
				return err
			}

			changed := false
			if cur.Status == StatusConfirmed {
				if err := checkTransition(cur, actor, StatusInProgress, s.now()); err != nil {
					return err
				}
				apply(cur, StatusInProgress, s.now())
				changed, started = true, true
			}
			if cur.MeetingLink == nil && s.meetingBaseURL != "" {
				link := s.meetingBaseURL + "/" + channel
				cur.MeetingLink = &link
				cur.UpdatedAt = s.now()
				changed = true
			}
			if changed {
				if err := tx.Update(ctx, cur); err != nil {
					return err
				}
			}
			c = cur
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if started {
		s.logger.Info().Str("consultation_id", c.ID.String()).Str("started_by", string(role)).Msg("video session started")
		s.announce(ctx, c, "consultation.in-progress", notification.KindSessionStarted, nil)
	}

	expiresAt := s.now().Add(s.tokenTTL)
	subject := SubjectID(actor.UserID)
	token, err := s.signaling.IssueToken(ctx, signaling.Grant{
		ChannelID: channel,
		SubjectID: subject,
		Role:      string(role),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("issue channel token: %w", err)
	}

	return &Credential{
		ChannelID: channel,
		Token:     token,
		SubjectID: subject,
		Role:      role,
		ExpiresAt: expiresAt,
	}, nil
}
