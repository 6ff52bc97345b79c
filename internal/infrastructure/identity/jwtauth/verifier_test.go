package jwtauth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

func TestVerifyRoundTrip(t *testing.T) {
	v, err := NewVerifier("s3cret", "blociq")
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	token, err := v.Mint(domain.Identity{UserID: "user-1", Email: "pm@example.com"}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	id, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.UserID != "user-1" || id.Email != "pm@example.com" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v, _ := NewVerifier("s3cret", "blociq")
	other, _ := NewVerifier("different", "blociq")
	now := time.Now()

	expired, _ := v.Mint(domain.Identity{UserID: "user-1"}, -time.Hour, now.Add(-2*time.Hour))
	foreign, _ := other.Mint(domain.Identity{UserID: "user-1"}, time.Hour, now)
	noSubject, _ := v.Mint(domain.Identity{}, time.Hour, now)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"empty":      "",
		"garbage":    "not-a-jwt",
		"expired":    expired,
		"wrong key":  foreign,
		"no subject": noSubject,
		"alg none":   none,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), token); !domain.IsKind(err, domain.ErrUnauthorized) {
				t.Fatalf("expected unauthorized, got %v", err)
			}
		})
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(" ", ""); err == nil {
		t.Fatalf("expected error")
	}
}
