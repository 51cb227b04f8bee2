// Package payment turns payment-provider webhooks into consultation payment
// outcomes. Signature verification happens here; the booking engine only
// sees verified events.
package payment

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// Outcome is the result of a payment attempt for a consultation.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Event is a verified payment notification.
type Event struct {
	ID             string    `json:"id"`
	ConsultationID uuid.UUID `json:"consultation_id"`
	Outcome        Outcome   `json:"outcome"`
	Provider       string    `json:"provider"`
}

var (
	// ErrInvalidSignature means the payload was not signed by the provider.
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	// ErrIgnored means the event is authentic but irrelevant to bookings.
	ErrIgnored = errors.New("payment: event ignored")
	// ErrMalformed means the event is authentic but cannot be mapped to a consultation.
	ErrMalformed = errors.New("payment: malformed event")
)

// Parser verifies and decodes a webhook request body.
type Parser interface {
	Parse(payload []byte, header http.Header) (*Event, error)
}
