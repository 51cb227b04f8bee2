package signaling

import (
	"context"
	"testing"
	"time"
)

func TestNewJWTProvider_ShortSecret(t *testing.T) {
	if _, err := NewJWTProvider([]byte("short"), "lexconsult"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestJWTProvider_IssueAndVerify(t *testing.T) {
	p, err := NewJWTProvider([]byte("0123456789abcdef0123"), "lexconsult")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	exp := time.Now().Add(time.Hour)
	token, err := p.IssueToken(context.Background(), Grant{
		ChannelID: "consult-abc",
		SubjectID: 42,
		Role:      "client",
		ExpiresAt: exp,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	claims, err := p.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Channel != "consult-abc" {
		t.Errorf("expected channel consult-abc, got %s", claims.Channel)
	}
	if claims.UID != 42 {
		t.Errorf("expected uid 42, got %d", claims.UID)
	}
	if claims.Role != "client" {
		t.Errorf("expected role client, got %s", claims.Role)
	}
	if claims.ExpiresAt.Unix() != exp.Unix() {
		t.Errorf("expected exp %d, got %d", exp.Unix(), claims.ExpiresAt.Unix())
	}
}

func TestJWTProvider_RejectsExpiredGrant(t *testing.T) {
	p, _ := NewJWTProvider([]byte("0123456789abcdef0123"), "")
	_, err := p.IssueToken(context.Background(), Grant{
		ChannelID: "consult-abc",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	if err == nil {
		t.Fatal("expected error for expired grant")
	}
}

func TestJWTProvider_RejectsMissingChannel(t *testing.T) {
	p, _ := NewJWTProvider([]byte("0123456789abcdef0123"), "")
	_, err := p.IssueToken(context.Background(), Grant{ExpiresAt: time.Now().Add(time.Hour)})
	if err == nil {
		t.Fatal("expected error for missing channel")
	}
}

func TestJWTProvider_VerifyWrongSecret(t *testing.T) {
	p1, _ := NewJWTProvider([]byte("0123456789abcdef0123"), "")
	p2, _ := NewJWTProvider([]byte("fedcba98765432100000"), "")
	token, err := p1.IssueToken(context.Background(), Grant{
		ChannelID: "c",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := p2.Verify(token); err == nil {
		t.Fatal("expected verification failure with a different secret")
	}
}
