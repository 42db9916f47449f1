package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-0123456789"

func TestIssueAndVerify(t *testing.T) {
	iss, err := NewIssuer(testSecret)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, expiresAt, err := iss.Issue("usr_42")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if d := time.Until(expiresAt); d <= 23*time.Hour || d > DefaultSessionTTL {
		t.Fatalf("unexpected expiry window: %v", d)
	}
	userID, err := iss.UserID(token)
	if err != nil {
		t.Fatalf("UserID: %v", err)
	}
	if userID != "usr_42" {
		t.Fatalf("unexpected subject: %s", userID)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	iss, err := NewIssuer(testSecret, WithTTL(time.Hour), WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, _, err := iss.Issue("usr_1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clock = now.Add(59 * time.Minute)
	if _, err := iss.Verify(token); err != nil {
		t.Fatalf("token should still be valid: %v", err)
	}
	clock = now.Add(61 * time.Minute)
	if _, err := iss.Verify(token); !errors.Is(err, ErrExpiredOrInvalidSession) {
		t.Fatalf("expected ErrExpiredOrInvalidSession, got %v", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	a, _ := NewIssuer(testSecret)
	b, _ := NewIssuer("another-secret-abcdefgh")
	token, _, err := a.Issue("usr_1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Verify(token); !errors.Is(err, ErrExpiredOrInvalidSession) {
		t.Fatalf("expected rejection, got %v", err)
	}
	for _, bad := range []string{"", "   ", "not-a-jwt", token + "x"} {
		if _, err := a.Verify(bad); !errors.Is(err, ErrExpiredOrInvalidSession) {
			t.Fatalf("Verify(%q) expected rejection, got %v", bad, err)
		}
	}
}

func TestVerifyRejectsOverlongLifetime(t *testing.T) {
	iss, _ := NewIssuer(testSecret, WithTTL(time.Hour))
	now := time.Now().UTC()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    defaultIssuer,
		Subject:   "usr_1",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(365 * 24 * time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := iss.Verify(token); !errors.Is(err, ErrExpiredOrInvalidSession) {
		t.Fatalf("expected rejection of overlong token, got %v", err)
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	iss, _ := NewIssuer(testSecret)
	now := time.Now().UTC()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    defaultIssuer,
		Subject:   "usr_1",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := iss.Verify(token); !errors.Is(err, ErrExpiredOrInvalidSession) {
		t.Fatalf("expected rejection of alg=none, got %v", err)
	}
}

func TestNewIssuerValidatesSecret(t *testing.T) {
	if _, err := NewIssuer(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewIssuer("short"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithUser(context.Background(), " usr_7 ")
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "usr_7" {
		t.Fatalf("unexpected user id: %q, ok=%v", id, ok)
	}
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatal("expected no user in empty context")
	}
}
