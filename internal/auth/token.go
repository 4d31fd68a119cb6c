package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultTokenTTL is the lifetime of tokens issued by Issue.
	DefaultTokenTTL = 30 * time.Minute

	// DevSigningKey is only accepted when the service runs in development mode.
	DevSigningKey = "dev_secret_key_do_not_use_in_prod"

	minSigningKeyLength = 32
)

var errMissingSecret = errors.New("auth secret is not configured")

// LoadSigningKey resolves the HMAC key once at startup. Production requires an explicit
// secret of at least 32 bytes; development falls back to DevSigningKey. The second return
// value reports whether the insecure fallback was used.
func LoadSigningKey(secret string, devMode bool) ([]byte, bool, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		if !devMode {
			return nil, false, errMissingSecret
		}
		return []byte(DevSigningKey), true, nil
	}
	if !devMode && len(secret) < minSigningKeyLength {
		return nil, false, fmt.Errorf("auth secret must be at least %d bytes", minSigningKeyLength)
	}
	return []byte(secret), false, nil
}

// TokenOption configures TokenService.
type TokenOption func(*TokenService) error

// WithTokenTTL overrides DefaultTokenTTL.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl <= 0 {
			return errors.New("token ttl must be positive")
		}
		s.ttl = ttl
		return nil
	}
}

// WithTokenIssuer sets the iss claim and requires it on validation.
func WithTokenIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithTokenClock overrides the time source, mostly for tests.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn == nil {
			return errors.New("clock function is nil")
		}
		s.now = fn
		return nil
	}
}

// TokenService issues and validates HS256 bearer tokens carrying the user id as sub.
type TokenService struct {
	key    []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTokenService builds a TokenService around an explicit signing key.
func NewTokenService(key []byte, opts ...TokenOption) (*TokenService, error) {
	if len(key) == 0 {
		return nil, errMissingSecret
	}
	s := &TokenService{
		key: append([]byte(nil), key...),
		ttl: DefaultTokenTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TTL returns the default lifetime of issued tokens.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue signs a token for subject with the default TTL.
func (s *TokenService) Issue(subject string) (string, time.Time, error) {
	return s.IssueWithTTL(subject, s.ttl)
}

// IssueWithTTL signs a token for subject that expires after ttl.
func (s *TokenService) IssueWithTTL(subject string, ttl time.Duration) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	}
	now := s.now().UTC()
	expiresAt := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt.Truncate(time.Second), nil
}

// Validate checks signature, algorithm and expiry and returns the subject.
// Every failure is reported as ErrUnauthorized.
func (s *TokenService) Validate(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.issuer))
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return "", ErrUnauthorized
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrUnauthorized
	}
	return subject, nil
}
