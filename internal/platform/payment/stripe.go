package payment

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// MetadataConsultationID is the PaymentIntent metadata key carrying the
// consultation id.
const MetadataConsultationID = "consultation_id"

// StripeParser handles Stripe PaymentIntent webhooks.
type StripeParser struct {
	secret string
}

func NewStripeParser(endpointSecret string) *StripeParser {
	return &StripeParser{secret: endpointSecret}
}

func (p *StripeParser) Parse(payload []byte, header http.Header) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), p.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var outcome Outcome
	switch ev.Type {
	case "payment_intent.succeeded":
		outcome = OutcomeSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		outcome = OutcomeFailed
	default:
		return nil, fmt.Errorf("%w: %s", ErrIgnored, ev.Type)
	}

	if ev.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformed, ev.ID)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: decode payment intent: %v", ErrMalformed, err)
	}
	id, err := uuid.Parse(pi.Metadata[MetadataConsultationID])
	if err != nil {
		return nil, fmt.Errorf("%w: payment intent %s has no valid %s", ErrMalformed, pi.ID, MetadataConsultationID)
	}

	return &Event{
		ID:             ev.ID,
		ConsultationID: id,
		Outcome:        outcome,
		Provider:       "stripe",
	}, nil
}
