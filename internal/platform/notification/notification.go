// Package notification delivers consultation events to clients and lawyers
// over email and push, with template rendering and an in-memory delivery log.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Notification Types
// ---------------------------------------------------------------------------

// Channel is the medium used to deliver a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Kind identifies the consultation event being announced. Each kind has a
// built-in template of the same ID.
type Kind string

const (
	KindBooked         Kind = "consultation-booked"
	KindConfirmed      Kind = "consultation-confirmed"
	KindRescheduled    Kind = "consultation-rescheduled"
	KindCancelled      Kind = "consultation-cancelled"
	KindSessionStarted Kind = "consultation-session-started"
	KindCompleted      Kind = "consultation-completed"
	KindNoShow         Kind = "consultation-no-show"
)

// Recipient is the addressable view of a user.
type Recipient struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	PushToken string `json:"-"`
}

// Notifier is what the booking engine depends on.
type Notifier interface {
	Notify(ctx context.Context, to Recipient, kind Kind, data map[string]string) error
}

// Notification records one delivery attempt.
type Notification struct {
	ID        string            `json:"id"`
	Channel   Channel           `json:"channel"`
	UserID    string            `json:"user_id"`
	Kind      Kind              `json:"kind"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	SentAt    *time.Time        `json:"sent_at,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type PushSender interface {
	SendPush(ctx context.Context, token, title, body string, data map[string]string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines the subject and body for a notification kind.
type Template struct {
	ID      Kind   `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[Kind]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[Kind]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      KindBooked,
			Subject: "Consultation requested for {{scheduled_at}}",
			Body:    "Hi {{name}}, a {{modality}} consultation with {{counterpart}} has been requested for {{scheduled_at}} ({{duration}} minutes). It will be confirmed once payment is received.",
		},
		{
			ID:      KindConfirmed,
			Subject: "Consultation confirmed",
			Body:    "Hi {{name}}, your {{modality}} consultation with {{counterpart}} on {{scheduled_at}} is confirmed.",
		},
		{
			ID:      KindRescheduled,
			Subject: "Consultation moved to {{scheduled_at}}",
			Body:    "Hi {{name}}, your consultation with {{counterpart}} now starts at {{scheduled_at}} and lasts {{duration}} minutes.",
		},
		{
			ID:      KindCancelled,
			Subject: "Consultation cancelled",
			Body:    "Hi {{name}}, your consultation with {{counterpart}} on {{scheduled_at}} was cancelled. {{reason}}",
		},
		{
			ID:      KindSessionStarted,
			Subject: "Your consultation has started",
			Body:    "Hi {{name}}, {{counterpart}} has joined the video session. Open the app to join.",
		},
		{
			ID:      KindCompleted,
			Subject: "Consultation completed",
			Body:    "Hi {{name}}, your consultation with {{counterpart}} is complete.",
		},
		{
			ID:      KindNoShow,
			Subject: "Consultation marked as missed",
			Body:    "Hi {{name}}, your consultation with {{counterpart}} on {{scheduled_at}} was marked as a no-show.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement using the supplied data map. Keys
// present in the template but absent from data are left as-is.
func (e *TemplateEngine) Render(kind Kind, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[kind]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", kind)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, strings.TrimSpace(body), nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

const defaultHistorySize = 1000

// Dispatcher renders a kind's template and sends it on every channel the
// recipient can be reached on. It keeps a bounded history of deliveries.
type Dispatcher struct {
	email     EmailSender
	push      PushSender
	templates *TemplateEngine

	mu      sync.RWMutex
	history []*Notification
	limit   int
}

// NewDispatcher constructs a Dispatcher. Either sender may be nil to disable
// that channel.
func NewDispatcher(email EmailSender, push PushSender, tpl *TemplateEngine) *Dispatcher {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Dispatcher{
		email:     email,
		push:      push,
		templates: tpl,
		limit:     defaultHistorySize,
	}
}

// Notify implements Notifier. It returns the joined errors of every channel
// that failed.
func (d *Dispatcher) Notify(ctx context.Context, to Recipient, kind Kind, data map[string]string) error {
	merged := make(map[string]string, len(data)+1)
	for k, v := range data {
		merged[k] = v
	}
	if _, ok := merged["name"]; !ok {
		merged["name"] = to.Name
	}

	subject, body, err := d.templates.Render(kind, merged)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}

	var errs []error
	if d.email != nil && to.Email != "" {
		n := d.newNotification(ChannelEmail, to, kind, subject, body, data)
		errs = append(errs, d.deliver(n, d.email.SendEmail(ctx, to.Email, subject, body)))
	}
	if d.push != nil && to.PushToken != "" {
		n := d.newNotification(ChannelPush, to, kind, subject, body, data)
		errs = append(errs, d.deliver(n, d.push.SendPush(ctx, to.PushToken, subject, body, data)))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) newNotification(ch Channel, to Recipient, kind Kind, subject, body string, data map[string]string) *Notification {
	return &Notification{
		ID:        uuid.New().String(),
		Channel:   ch,
		UserID:    to.UserID,
		Kind:      kind,
		Subject:   subject,
		Body:      body,
		Data:      data,
		Status:    "pending",
		CreatedAt: time.Now().UTC(),
	}
}

func (d *Dispatcher) deliver(n *Notification, sendErr error) error {
	if sendErr != nil {
		n.Status = "failed"
		n.Error = sendErr.Error()
	} else {
		n.Status = "sent"
		sentAt := time.Now().UTC()
		n.SentAt = &sentAt
	}

	d.mu.Lock()
	d.history = append(d.history, n)
	if len(d.history) > d.limit {
		d.history = d.history[len(d.history)-d.limit:]
	}
	d.mu.Unlock()

	if sendErr != nil {
		return fmt.Errorf("%s notification: %w", n.Channel, sendErr)
	}
	return nil
}

// ListByUser returns the most recent deliveries to userID, newest first.
func (d *Dispatcher) ListByUser(userID string, limit int) []*Notification {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []*Notification
	for i := len(d.history) - 1; i >= 0 && len(result) < limit; i-- {
		if d.history[i].UserID == userID {
			result = append(result, d.history[i])
		}
	}
	return result
}

// Stats returns counts of deliveries grouped by status.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := make(map[string]int)
	for _, n := range d.history {
		stats[n.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes the delivery log to the authenticated user.
type Handler struct {
	dispatcher *Dispatcher
	userID     func(ctx context.Context) string
}

// NewHandler creates a Handler. userID extracts the caller's id from the
// request context.
func NewHandler(d *Dispatcher, userID func(ctx context.Context) string) *Handler {
	return &Handler{dispatcher: d, userID: userID}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.HandleList)
}

// HandleList handles GET /notifications.
func (h *Handler) HandleList(c echo.Context) error {
	uid := h.userID(c.Request().Context())
	if uid == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing user")
	}
	list := h.dispatcher.ListByUser(uid, 100)
	if list == nil {
		list = []*Notification{}
	}
	return c.JSON(http.StatusOK, list)
}
