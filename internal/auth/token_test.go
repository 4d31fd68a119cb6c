package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestTokens(t *testing.T, opts ...TokenOption) *TokenService {
	t.Helper()
	svc, err := NewTokenService([]byte(testKey), opts...)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc
}

func TestTokenIssueAndValidate(t *testing.T) {
	svc := newTestTokens(t)
	token, exp, err := svc.Issue("user-42")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if d := time.Until(exp); d <= 29*time.Minute || d > 30*time.Minute {
		t.Fatalf("expected ~30m expiry, got %v", d)
	}
	sub, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if sub != "user-42" {
		t.Fatalf("unexpected subject %q", sub)
	}
}

func TestTokenExpired(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc := newTestTokens(t, WithTokenClock(clock))

	token, _, err := svc.IssueWithTTL("user-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueWithTTL: %v", err)
	}
	if _, err := svc.Validate(token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := svc.Validate(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for expired token, got %v", err)
	}
}

func TestTokenValidationFailuresAreUniform(t *testing.T) {
	svc := newTestTokens(t, WithTokenIssuer("ez4u"))
	valid, _, err := svc.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := newTestTokens(t)
	otherSvc, err := NewTokenService([]byte(strings.Repeat("z", 32)), WithTokenIssuer("ez4u"))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	foreign, _, _ := otherSvc.Issue("user-1")
	noIssuer, _, _ := other.Issue("user-1")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "ez4u",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-1", Issuer: "ez4u"})
	noExpToken, err := noExp.SignedString([]byte(testKey))
	if err != nil {
		t.Fatalf("sign noExp: %v", err)
	}

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"tampered":     valid[:len(valid)-2] + "xx",
		"foreign key":  foreign,
		"wrong issuer": noIssuer,
		"alg none":     unsigned,
		"no exp":       noExpToken,
	}
	for name, tok := range cases {
		if _, err := svc.Validate(tok); err != ErrUnauthorized {
			t.Fatalf("%s: expected bare ErrUnauthorized, got %v", name, err)
		}
	}
}

func TestLoadSigningKey(t *testing.T) {
	if _, _, err := LoadSigningKey("", false); err == nil {
		t.Fatal("expected error for missing production secret")
	}
	if _, _, err := LoadSigningKey("short", false); err == nil {
		t.Fatal("expected error for short production secret")
	}
	key, insecure, err := LoadSigningKey("", true)
	if err != nil || !insecure || string(key) != DevSigningKey {
		t.Fatalf("dev fallback: key=%q insecure=%v err=%v", key, insecure, err)
	}
	key, insecure, err = LoadSigningKey(testKey, false)
	if err != nil || insecure || string(key) != testKey {
		t.Fatalf("production key: key=%q insecure=%v err=%v", key, insecure, err)
	}
}
