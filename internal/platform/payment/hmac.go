package payment

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body for HMACParser.
const SignatureHeader = "X-Signature"

// SignPayload returns the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when signature matches the HMAC-SHA256 of
// payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// HMACParser handles a generic gateway that posts Event JSON signed with a
// shared secret.
type HMACParser struct {
	secret string
}

func NewHMACParser(secret string) *HMACParser {
	return &HMACParser{secret: secret}
}

func (p *HMACParser) Parse(payload []byte, header http.Header) (*Event, error) {
	if p.secret == "" || !VerifySignature(payload, p.secret, header.Get(SignatureHeader)) {
		return nil, ErrInvalidSignature
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch ev.Outcome {
	case OutcomeSucceeded, OutcomeFailed:
	default:
		return nil, fmt.Errorf("%w: outcome %q", ErrIgnored, ev.Outcome)
	}
	if ev.ID == "" || ev.ConsultationID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing event or consultation id", ErrMalformed)
	}
	ev.Provider = "hmac"
	return &ev, nil
}
