package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"marketplace-calls/internal/config"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.VideoConfig{
		AccountSID: "AC123",
		APIKey:     "SK456",
		APISecret:  "secret",
		TokenTTL:   time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyRoomToken(t *testing.T) {
	m := newManager(t)
	now := time.Unix(1700000000, 0).UTC()

	tok, err := m.IssueRoomToken(now, "a@x.com", "call-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if strings.Count(tok, ".") != 2 {
		t.Fatalf("expected a compact JWT, got %q", tok)
	}

	claims, err := m.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Issuer != "SK456" || claims.Subject != "AC123" {
		t.Fatalf("unexpected issuer/subject: %+v", claims.RegisteredClaims)
	}
	if claims.Grants.Identity != "a@x.com" || claims.Grants.Video.Room != "call-1" {
		t.Fatalf("unexpected grants: %+v", claims.Grants)
	}
	if !strings.HasPrefix(claims.ID, "SK456-") {
		t.Fatalf("expected jti prefixed by the key, got %q", claims.ID)
	}

	if err := m.VerifyRoom(tok, "A@x.com", "call-1", now); err != nil {
		t.Fatalf("verify room: %v", err)
	}
	if err := m.VerifyRoom(tok, "a@x.com", "call-2", now); !errors.Is(err, ErrWrongRoom) {
		t.Fatalf("expected ErrWrongRoom, got %v", err)
	}
	if err := m.VerifyRoom(tok, "b@x.com", "call-1", now); !errors.Is(err, ErrWrongRoom) {
		t.Fatalf("expected ErrWrongRoom for another identity, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := newManager(t)
	now := time.Unix(1700000000, 0).UTC()
	tok, err := m.IssueRoomToken(now, "a@x.com", "call-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(tok, now.Add(2*time.Hour)); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	m := newManager(t)
	other, _ := NewManager(config.VideoConfig{AccountSID: "AC123", APIKey: "SK456", APISecret: "other"})
	now := time.Now()
	tok, err := other.IssueRoomToken(now, "a@x.com", "call-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(tok, now); err == nil {
		t.Fatalf("expected signature failure")
	}
}

func TestIssueRequiresIdentityAndRoom(t *testing.T) {
	m := newManager(t)
	if _, err := m.IssueRoomToken(time.Now(), " ", "call-1"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := NewManager(config.VideoConfig{}); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
}
