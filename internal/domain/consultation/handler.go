package consultation

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lexconsult/lexconsult/internal/platform/auth"
	"github.com/lexconsult/lexconsult/internal/platform/payment"
	"github.com/lexconsult/lexconsult/pkg/pagination"
)

// maxWebhookBody bounds payment webhook payloads.
const maxWebhookBody = 64 << 10

type Handler struct {
	svc      *Service
	payments payment.Parser
	logger   zerolog.Logger
}

// NewHandler wires the booking engine to HTTP. payments may be nil, in which
// case the webhook route is not registered.
func NewHandler(svc *Service, payments payment.Parser, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, payments: payments, logger: logger.With().Str("component", "consultation_http").Logger()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/lawyers/:id/slots", h.ListSlots)
	api.GET("/lawyers/:id/availability", h.GetAvailability)

	// Role gates are attached per route so unknown paths still 404.
	lawyerOnly := auth.RequireRole(auth.RoleLawyer)
	api.PUT("/lawyers/:id/availability", h.SetAvailability, lawyerOnly)
	api.PUT("/lawyers/:id/availability/exceptions/:date", h.SetException, lawyerOnly)
	api.POST("/consultations/:id/complete", h.Complete, lawyerOnly)
	api.POST("/consultations/:id/no-show", h.MarkNoShow, lawyerOnly)

	api.POST("/consultations", h.Book, auth.RequireRole(auth.RoleClient))
	api.GET("/consultations", h.List)
	api.GET("/consultations/:id", h.Get)
	api.POST("/consultations/:id/reschedule", h.Reschedule)
	api.POST("/consultations/:id/cancel", h.Cancel)
	api.POST("/consultations/:id/session", h.IssueCredential)

	if h.payments != nil {
		api.POST("/payments/webhook", h.PaymentWebhook)
	}
}

// ErrorBody is the JSON shape of every domain error response.
type ErrorBody struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindSlotUnavailable, KindInvalidTransition:
		return http.StatusConflict
	case KindNotEligible:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c echo.Context, err error) error {
	var de *Error
	if errors.As(err, &de) {
		return c.JSON(StatusFor(de.Kind), ErrorBody{Error: de.Kind, Message: de.Message})
	}
	h.logger.Error().Err(err).
		Str("request_id", requestID(c)).
		Str("path", c.Request().URL.Path).
		Msg("request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

func requestID(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}

// actor resolves the authenticated caller.
func actor(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	uid, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	role := auth.PrimaryRole(auth.RolesFromContext(ctx))
	if role == "" {
		return Actor{}, echo.NewHTTPError(http.StatusForbidden, "no marketplace role")
	}
	return Actor{UserID: uid, Role: Role(role)}, nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, invalidInput("invalid id %q", c.Param("id"))
	}
	return id, nil
}

// decode reads a JSON body strictly. An empty body decodes to the zero value.
func decode(c echo.Context, v interface{}) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return invalidInput("unreadable request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalidInput("malformed request body: %v", err)
	}
	return nil
}

// -- Slots & availability --

func (h *Handler) ListSlots(c echo.Context) error {
	lawyerID, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	dateStr := c.QueryParam("date")
	if dateStr == "" {
		return h.fail(c, invalidInput("date is required"))
	}
	date, err := time.ParseInLocation(DateLayout, dateStr, h.svc.Location())
	if err != nil {
		return h.fail(c, invalidInput("date must be YYYY-MM-DD"))
	}
	minutes := 0
	if d := c.QueryParam("duration"); d != "" {
		if minutes, err = strconv.Atoi(d); err != nil {
			return h.fail(c, invalidInput("duration must be an integer number of minutes"))
		}
	}

	seq, err := h.svc.ResolveSlots(c.Request().Context(), lawyerID, date, minutes)
	if err != nil {
		return h.fail(c, err)
	}
	slots := []Slot{}
	for s := range seq {
		slots = append(slots, s)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"lawyer_id": lawyerID,
		"date":      dateStr,
		"slots":     slots,
	})
}

// availabilityBody is the wire form of a weekly template.
type availabilityBody struct {
	LawyerID  uuid.UUID           `json:"lawyer_id,omitempty"`
	Weekly    map[string][]Window `json:"weekly"`
	UpdatedAt *time.Time          `json:"updated_at,omitempty"`
}

func templateBody(t *Template) availabilityBody {
	body := availabilityBody{LawyerID: t.LawyerID, Weekly: WeeklyByName(t.Weekly)}
	if !t.UpdatedAt.IsZero() {
		at := t.UpdatedAt
		body.UpdatedAt = &at
	}
	return body
}

func (h *Handler) GetAvailability(c echo.Context) error {
	lawyerID, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	tpl, err := h.svc.GetAvailability(c.Request().Context(), lawyerID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, templateBody(tpl))
}

func (h *Handler) SetAvailability(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	lawyerID, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	var body struct {
		Weekly map[string][]Window `json:"weekly"`
	}
	if err := decode(c, &body); err != nil {
		return h.fail(c, err)
	}
	weekly, err := WeeklyFromNames(body.Weekly)
	if err != nil {
		return h.fail(c, invalidInput("%v", err))
	}
	tpl, err := h.svc.SetAvailability(c.Request().Context(), a, lawyerID, weekly)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, templateBody(tpl))
}

func (h *Handler) SetException(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	lawyerID, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	var body struct {
		Windows []Window `json:"windows"`
	}
	if err := decode(c, &body); err != nil {
		return h.fail(c, err)
	}
	ex, err := h.svc.SetException(c.Request().Context(), a, lawyerID, c.Param("date"), body.Windows)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, ex)
}

// -- Consultations --

func (h *Handler) Book(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req BookingRequest
	if err := decode(c, &req); err != nil {
		return h.fail(c, err)
	}
	created, err := h.svc.Book(c.Request().Context(), a, req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) Get(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	cons, err := h.svc.Get(c.Request().Context(), a, id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) List(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), a, Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) Reschedule(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req RescheduleRequest
	if err := decode(c, &req); err != nil {
		return h.fail(c, err)
	}
	updated, err := h.svc.Reschedule(c.Request().Context(), a, id, req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) Cancel(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(c, &body); err != nil {
		return h.fail(c, err)
	}
	updated, err := h.svc.Cancel(c.Request().Context(), a, id, body.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) Complete(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if err := decode(c, &body); err != nil {
		return h.fail(c, err)
	}
	updated, err := h.svc.Complete(c.Request().Context(), a, id, body.Notes)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	updated, err := h.svc.MarkNoShow(c.Request().Context(), a, id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) IssueCredential(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	cred, err := h.svc.IssueCredential(c.Request().Context(), a, id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, cred)
}

// -- Payments --

// PaymentWebhook applies a verified payment outcome. Events for unknown or
// already-settled consultations are acknowledged so the provider stops
// retrying; infrastructure failures return 500 so it retries.
func (h *Handler) PaymentWebhook(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	evt, err := h.payments.Parse(payload, c.Request().Header)
	switch {
	case errors.Is(err, payment.ErrInvalidSignature):
		h.logger.Warn().Str("request_id", requestID(c)).Msg("payment webhook signature rejected")
		return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
	case errors.Is(err, payment.ErrIgnored):
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	case errors.Is(err, payment.ErrMalformed):
		h.logger.Warn().Err(err).Str("request_id", requestID(c)).Msg("payment event has no usable consultation")
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	var cons *Consultation
	switch evt.Outcome {
	case payment.OutcomeSucceeded:
		cons, err = h.svc.ConfirmPayment(ctx, evt.ConsultationID)
	case payment.OutcomeFailed:
		cons, err = h.svc.FailPayment(ctx, evt.ConsultationID)
	default:
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	logEvt := func(e *zerolog.Event) *zerolog.Event {
		return e.Str("event_id", evt.ID).
			Str("provider", evt.Provider).
			Str("consultation_id", evt.ConsultationID.String()).
			Str("outcome", string(evt.Outcome))
	}
	if err != nil {
		if KindOf(err) != "" {
			logEvt(h.logger.Warn()).Err(err).Msg("payment event not applied")
			return c.JSON(http.StatusOK, map[string]string{"status": "ignored", "reason": string(KindOf(err))})
		}
		logEvt(h.logger.Error()).Err(err).Msg("payment event failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	logEvt(h.logger.Info()).Str("status", string(cons.Status)).Msg("payment event applied")
	return c.JSON(http.StatusOK, map[string]string{"status": string(cons.Status)})
}
