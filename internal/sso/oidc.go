// Package sso signs users in through external OpenID Connect providers. A verified ID
// token is mapped to the identity (provider, sub) and exchanged for a local access token.
package sso

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/config"
)

// Claims is the subset of ID token claims the service uses.
type Claims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Nonce         string `json:"nonce"`
}

// Provider is one configured OIDC relying-party registration.
type Provider struct {
	name     string
	verifier *oidc.IDTokenVerifier
	oauth2   *oauth2.Config
}

// NewProvider discovers the issuer and prepares the code flow.
func NewProvider(ctx context.Context, cfg config.OIDCProvider) (*Provider, error) {
	if cfg.Name == "" || cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, errors.New("oidc provider name, issuer and client id are required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider %s: %w", cfg.Name, err)
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
	}
	return NewProviderWithVerifier(cfg.Name, provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), oc), nil
}

// NewProviderWithVerifier assembles a provider from parts; tests use a static key set.
func NewProviderWithVerifier(name string, verifier *oidc.IDTokenVerifier, oc *oauth2.Config) *Provider {
	return &Provider{name: strings.ToLower(name), verifier: verifier, oauth2: oc}
}

// Name is the provider column stored on the user's identity.
func (p *Provider) Name() string { return p.name }

// AuthCodeURL is where the browser is sent to sign in.
func (p *Provider) AuthCodeURL(state, nonce string) string {
	return p.oauth2.AuthCodeURL(state, oidc.Nonce(nonce))
}

// Exchange redeems the authorization code and verifies the returned ID token.
func (p *Provider) Exchange(ctx context.Context, code, nonce string) (Claims, error) {
	if code == "" {
		return Claims{}, fmt.Errorf("%w: missing authorization code", auth.ErrInvalidInput)
	}
	token, err := p.oauth2.Exchange(ctx, code)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: code exchange failed", auth.ErrUnauthorized)
	}
	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return Claims{}, fmt.Errorf("%w: missing id_token in response", auth.ErrUnauthorized)
	}
	return p.VerifyIDToken(ctx, raw, nonce)
}

// VerifyIDToken checks signature, issuer, audience, expiry and nonce.
func (p *Provider) VerifyIDToken(ctx context.Context, raw, nonce string) (Claims, error) {
	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return Claims{}, auth.ErrUnauthorized
	}
	if nonce != "" && idToken.Nonce != nonce {
		return Claims{}, auth.ErrUnauthorized
	}
	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return Claims{}, auth.ErrUnauthorized
	}
	if claims.Subject == "" {
		claims.Subject = idToken.Subject
	}
	if claims.Subject == "" {
		return Claims{}, auth.ErrUnauthorized
	}
	return claims, nil
}

// IdentityLogin issues a local token for an externally verified identity.
type IdentityLogin interface {
	LoginIdentity(ctx context.Context, provider, subject string) (auth.LoginResult, error)
}

// Login verifies raw and logs in the identity bound to (provider, sub). An unknown
// identity is ErrUnauthorized; accounts are not provisioned on first sign-in.
func Login(ctx context.Context, p *Provider, logins IdentityLogin, raw, nonce string) (auth.LoginResult, Claims, error) {
	claims, err := p.VerifyIDToken(ctx, raw, nonce)
	if err != nil {
		return auth.LoginResult{}, Claims{}, err
	}
	res, err := logins.LoginIdentity(ctx, p.Name(), claims.Subject)
	if err != nil {
		return auth.LoginResult{}, claims, err
	}
	return res, claims, nil
}

// Registry indexes providers by name.
type Registry struct {
	providers map[string]*Provider
}

// NewRegistry builds a registry from already constructed providers.
func NewRegistry(providers ...*Provider) *Registry {
	r := &Registry{providers: make(map[string]*Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

// Discover constructs every configured provider.
func Discover(ctx context.Context, cfgs []config.OIDCProvider) (*Registry, error) {
	var providers []*Provider
	for _, cfg := range cfgs {
		p, err := NewProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return NewRegistry(providers...), nil
}

// Get returns the named provider or ErrNotFound.
func (r *Registry) Get(name string) (*Provider, error) {
	if r == nil {
		return nil, auth.ErrNotFound
	}
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return p, nil
}

// Names lists configured providers, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RandomValue returns a URL-safe random string for state and nonce values.
func RandomValue() (string, error) {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
