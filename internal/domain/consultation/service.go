package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexconsult/lexconsult/internal/platform/lock"
	"github.com/lexconsult/lexconsult/internal/platform/notification"
	"github.com/lexconsult/lexconsult/internal/platform/signaling"
	"github.com/lexconsult/lexconsult/internal/platform/websocket"
)

const defaultTokenTTL = time.Hour

// Options carries the collaborators of a Service. Zero values fall back to
// in-process defaults; Notifier, Events and Signaling may be nil.
type Options struct {
	Locker         lock.Locker
	Notifier       notification.Notifier
	Events         websocket.EventPublisher
	Signaling      signaling.Provider
	Location       *time.Location
	TokenTTL       time.Duration
	MeetingBaseURL string
	Logger         zerolog.Logger
	Now            func() time.Time
}

// Service is the booking engine: slot resolution, booking, lifecycle
// transitions and session credentials.
type Service struct {
	repo           Repository
	locker         lock.Locker
	notifier       notification.Notifier
	events         websocket.EventPublisher
	signaling      signaling.Provider
	loc            *time.Location
	tokenTTL       time.Duration
	meetingBaseURL string
	logger         zerolog.Logger
	now            func() time.Time

	pending sync.WaitGroup
}

func NewService(repo Repository, opts Options) *Service {
	s := &Service{
		repo:           repo,
		locker:         opts.Locker,
		notifier:       opts.Notifier,
		events:         opts.Events,
		signaling:      opts.Signaling,
		loc:            opts.Location,
		tokenTTL:       opts.TokenTTL,
		meetingBaseURL: strings.TrimRight(opts.MeetingBaseURL, "/"),
		logger:         opts.Logger.With().Str("component", "consultation").Logger(),
		now:            opts.Now,
	}
	if s.locker == nil {
		s.locker = lock.NewLocalLocker()
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = defaultTokenTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Location is the zone availability templates are interpreted in.
func (s *Service) Location() *time.Location { return s.loc }

// Wait blocks until every notification and event dispatched so far has been
// handed to its collaborator.
func (s *Service) Wait() { s.pending.Wait() }

// withLawyerTx serializes fn against all other writes for the lawyer, first
// with the locker and then inside the repository's unit of work.
func (s *Service) withLawyerTx(ctx context.Context, lawyerID uuid.UUID, fn func(tx LawyerTx) error) error {
	release, err := s.locker.Acquire(ctx, "lawyer:"+lawyerID.String())
	if err != nil {
		return fmt.Errorf("lock lawyer %s: %w", lawyerID, err)
	}
	defer release()
	return s.repo.WithinLawyerTx(ctx, lawyerID, fn)
}

func (s *Service) get(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("consultation %s not found", id)
		}
		return nil, fmt.Errorf("get consultation %s: %w", id, err)
	}
	return c, nil
}

func (s *Service) getForUpdate(ctx context.Context, tx LawyerTx, id uuid.UUID) (*Consultation, error) {
	c, err := tx.GetForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("consultation %s not found", id)
		}
		return nil, fmt.Errorf("lock consultation %s: %w", id, err)
	}
	return c, nil
}

// lawyer returns the active lawyer account for id.
func (s *Service) lawyer(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := s.repo.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("lawyer %s not found", id)
		}
		return nil, fmt.Errorf("get lawyer %s: %w", id, err)
	}
	if u.Role != RoleLawyer {
		return nil, notFound("lawyer %s not found", id)
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// Announcements
// ---------------------------------------------------------------------------

// announce publishes the consultation's new state and notifies both
// parties in the background. Failures are logged, never returned.
func (s *Service) announce(ctx context.Context, c *Consultation, eventType string, kind notification.Kind, extra map[string]string) {
	snapshot := c.clone()
	ctx = context.WithoutCancel(ctx)

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.publish(ctx, snapshot, eventType)
		s.notifyParties(ctx, snapshot, kind, extra)
	}()
}

func (s *Service) publish(ctx context.Context, c *Consultation, eventType string) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		s.logger.Error().Err(err).Str("consultation_id", c.ID.String()).Msg("failed to marshal event")
		return
	}
	err = s.events.Publish(ctx, websocket.Event{
		Type:           eventType,
		Topic:          websocket.ConsultationTopic(c.ID.String()),
		ConsultationID: c.ID.String(),
		Status:         string(c.Status),
		Timestamp:      s.now(),
		Data:           data,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("consultation_id", c.ID.String()).Str("event", eventType).Msg("failed to publish event")
	}
}

func (s *Service) notifyParties(ctx context.Context, c *Consultation, kind notification.Kind, extra map[string]string) {
	if s.notifier == nil {
		return
	}
	client, err := s.repo.GetUser(ctx, c.ClientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("consultation_id", c.ID.String()).Msg("notification skipped: client lookup failed")
		return
	}
	lawyer, err := s.repo.GetUser(ctx, c.LawyerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("consultation_id", c.ID.String()).Msg("notification skipped: lawyer lookup failed")
		return
	}

	var g errgroup.Group
	for _, pair := range [][2]*User{{client, lawyer}, {lawyer, client}} {
		to, other := pair[0], pair[1]
		g.Go(func() error {
			return s.notifier.Notify(ctx, recipient(to), kind, s.templateData(c, other, extra))
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn().Err(err).
			Str("consultation_id", c.ID.String()).
			Str("kind", string(kind)).
			Msg("notification delivery failed")
	}
}

func recipient(u *User) notification.Recipient {
	return notification.Recipient{
		UserID:    u.ID.String(),
		Name:      u.DisplayName,
		Email:     u.Email,
		PushToken: u.PushToken,
	}
}

func (s *Service) templateData(c *Consultation, counterpart *User, extra map[string]string) map[string]string {
	data := map[string]string{
		"consultation_id": c.ID.String(),
		"counterpart":     counterpart.DisplayName,
		"modality":        string(c.Modality),
		"scheduled_at":    c.ScheduledAt.In(s.loc).Format("Mon Jan 2, 2006 15:04 MST"),
		"duration":        strconv.Itoa(c.DurationMinutes),
		"status":          string(c.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}
