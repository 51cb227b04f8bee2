package consultation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexconsult/lexconsult/internal/platform/notification"
	"github.com/lexconsult/lexconsult/internal/platform/signaling"
	"github.com/lexconsult/lexconsult/internal/platform/websocket"
)

// Monday 2 March 2026, 08:00 UTC.
var testNow = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

func at(day, hour, min int) time.Time {
	return time.Date(2026, time.March, day, hour, min, 0, 0, time.UTC)
}

// -- fakes --

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type notifyCall struct {
	To   notification.Recipient
	Kind notification.Kind
	Data map[string]string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, to notification.Recipient, kind notification.Kind, data map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{To: to, Kind: kind, Data: data})
	return n.err
}

func (n *recordingNotifier) kinds() map[notification.Kind]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := map[notification.Kind]int{}
	for _, c := range n.calls {
		out[c.Kind]++
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fakeSignaling struct {
	mu     sync.Mutex
	grants []signaling.Grant
	err    error
}

func (f *fakeSignaling) IssueToken(_ context.Context, g signaling.Grant) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.grants = append(f.grants, g)
	return fmt.Sprintf("tok-%s-%d", g.ChannelID, len(f.grants)), nil
}

// failingRepo wraps a Repository and fails selected calls.
type failingRepo struct {
	Repository
	getErr error
}

func (r *failingRepo) Get(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	return r.Repository.Get(ctx, id)
}

var errStoreDown = errors.New("store unreachable")

// -- harness --

type harness struct {
	svc      *Service
	repo     *MemoryRepository
	clock    *fakeClock
	notifier *recordingNotifier
	events   *recordingPublisher
	signal   *fakeSignaling

	lawyer  *User
	clientA *User
	clientB *User
	admin   *User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     NewMemoryRepository(),
		clock:    &fakeClock{now: testNow},
		notifier: &recordingNotifier{},
		events:   &recordingPublisher{},
		signal:   &fakeSignaling{},
	}
	h.lawyer = &User{ID: uuid.New(), Role: RoleLawyer, DisplayName: "Lena Lawyer", Email: "lena@example.com", Active: true}
	h.clientA = &User{ID: uuid.New(), Role: RoleClient, DisplayName: "Ann Client", Email: "ann@example.com", PushToken: "push-ann", Active: true}
	h.clientB = &User{ID: uuid.New(), Role: RoleClient, DisplayName: "Bob Client", Email: "bob@example.com", Active: true}
	h.admin = &User{ID: uuid.New(), Role: RoleAdmin, DisplayName: "Ada Admin", Active: true}
	for _, u := range []*User{h.lawyer, h.clientA, h.clientB, h.admin} {
		h.repo.PutUser(u)
	}

	h.svc = NewService(h.repo, Options{
		Notifier:       h.notifier,
		Events:         h.events,
		Signaling:      h.signal,
		Location:       time.UTC,
		MeetingBaseURL: "https://meet.lexconsult.test/",
		Logger:         zerolog.Nop(),
		Now:            h.clock.Now,
	})
	t.Cleanup(h.svc.Wait)
	return h
}

func (h *harness) as(u *User) Actor { return Actor{UserID: u.ID, Role: u.Role} }

func (h *harness) mondayTemplate(t *testing.T, windows ...Window) {
	t.Helper()
	if len(windows) == 0 {
		windows = []Window{{Start: 9 * 60, End: 12 * 60, Available: true}}
	}
	_, err := h.svc.SetAvailability(context.Background(), h.as(h.lawyer), h.lawyer.ID, map[time.Weekday][]Window{
		time.Monday: windows,
	})
	if err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}
}

func (h *harness) book(t *testing.T, client *User, start time.Time, minutes int, modality Modality) *Consultation {
	t.Helper()
	c, err := h.svc.Book(context.Background(), h.as(client), BookingRequest{
		LawyerID:        h.lawyer.ID,
		ScheduledAt:     start,
		DurationMinutes: minutes,
		Modality:        modality,
		Description:     "contract review",
	})
	if err != nil {
		t.Fatalf("Book(%s): %v", start.Format(time.RFC3339), err)
	}
	return c
}

func (h *harness) confirmed(t *testing.T, client *User, start time.Time, minutes int, modality Modality) *Consultation {
	t.Helper()
	c := h.book(t, client, start, minutes, modality)
	c, err := h.svc.ConfirmPayment(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	return c
}

func expectKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("expected %s error, got %v", want, err)
	}
}
