// Package signaling issues join tokens for the realtime audio/video channel
// that hosts video consultations.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Grant describes what a token lets its bearer do.
type Grant struct {
	ChannelID string
	SubjectID uint32
	Role      string
	ExpiresAt time.Time
}

// Provider turns a grant into an opaque token understood by the media
// server. Callers never inspect the token.
type Provider interface {
	IssueToken(ctx context.Context, g Grant) (string, error)
}

// Claims is the payload of tokens issued by JWTProvider.
type Claims struct {
	jwt.RegisteredClaims
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	Role    string `json:"role"`
}

// JWTProvider signs grants as HS256 JWTs with a secret shared with the
// media server.
type JWTProvider struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWTProvider(secret []byte, issuer string) (*JWTProvider, error) {
	if len(secret) < 16 {
		return nil, errors.New("signaling secret must be at least 16 bytes")
	}
	return &JWTProvider{secret: secret, issuer: issuer, now: time.Now}, nil
}

func (p *JWTProvider) IssueToken(_ context.Context, g Grant) (string, error) {
	if g.ChannelID == "" {
		return "", errors.New("channel id is required")
	}
	now := p.now()
	if !g.ExpiresAt.After(now) {
		return "", fmt.Errorf("grant for channel %s already expired", g.ChannelID)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   fmt.Sprintf("%d", g.SubjectID),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(g.ExpiresAt),
			ID:        uuid.NewString(),
		},
		Channel: g.ChannelID,
		UID:     g.SubjectID,
		Role:    g.Role,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign channel token: %w", err)
	}
	return token, nil
}

// Verify parses a token issued by this provider.
func (p *JWTProvider) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("verify channel token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid channel token")
	}
	return claims, nil
}
