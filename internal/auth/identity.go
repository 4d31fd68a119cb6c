package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	dummyDigestOnce sync.Once
	dummyDigest     string
)

// timingDigest is verified against when no identity exists so unknown subjects cost
// the same as wrong passwords.
func timingDigest() string {
	dummyDigestOnce.Do(func() {
		d, err := HashPassword("ez4u-timing-equaliser")
		if err == nil {
			dummyDigest = d
		}
	})
	return dummyDigest
}

// Resolver maps external identities to users.
type Resolver struct {
	store UserStore
}

// NewResolver constructs a Resolver over the user store.
func NewResolver(store UserStore) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("user store is required")
	}
	return &Resolver{store: store}, nil
}

// NormalizeIdentity trims provider and subject, lower-cases the provider, and lower-cases
// the subject of local identities (which are email addresses).
func NormalizeIdentity(provider, subject string) (string, string) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = ProviderLocal
	}
	subject = strings.TrimSpace(subject)
	if provider == ProviderLocal {
		subject = strings.ToLower(subject)
	}
	return provider, subject
}

// Resolve returns the user bound to (provider, subject) or ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, provider, subject string) (User, error) {
	provider, subject = NormalizeIdentity(provider, subject)
	if subject == "" {
		return User{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	ident, err := r.store.FindIdentity(ctx, provider, subject)
	if err != nil {
		return User{}, err
	}
	return r.store.GetUser(ctx, ident.UserID)
}

// Authenticate checks secret against the identity's password digest. Unknown identity,
// identity without a password and a wrong password all yield ErrUnauthorized.
// The returned user may be inactive; callers decide.
func (r *Resolver) Authenticate(ctx context.Context, provider, subject, secret string) (User, Identity, error) {
	provider, subject = NormalizeIdentity(provider, subject)
	ident, err := r.store.FindIdentity(ctx, provider, subject)
	switch {
	case errors.Is(err, ErrNotFound):
		VerifyPassword(secret, timingDigest())
		return User{}, Identity{}, ErrUnauthorized
	case err != nil:
		return User{}, Identity{}, err
	}
	if !ident.HasPassword() {
		VerifyPassword(secret, timingDigest())
		return User{}, Identity{}, ErrUnauthorized
	}
	if !VerifyPassword(secret, ident.PasswordHash) {
		return User{}, Identity{}, ErrUnauthorized
	}
	user, err := r.store.GetUser(ctx, ident.UserID)
	if errors.Is(err, ErrNotFound) {
		return User{}, Identity{}, ErrUnauthorized
	}
	if err != nil {
		return User{}, Identity{}, err
	}
	return user, ident, nil
}
