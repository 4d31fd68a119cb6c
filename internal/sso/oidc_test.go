package sso

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"ez4u.app/internal/auth"
)

const (
	testIssuer   = "https://idp.example.test"
	testClientID = "ez4u-web"
)

type idp struct {
	key *rsa.PrivateKey
}

func newIDP(t *testing.T) *idp {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &idp{key: key}
}

func (i *idp) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	raw, err := tok.SignedString(i.key)
	require.NoError(t, err)
	return raw
}

func (i *idp) claims(sub, nonce string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testClientID,
		"sub":   sub,
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
		"nonce": nonce,
		"email": "jane@acme.test",
	}
}

func (i *idp) provider(tokenURL string) *Provider {
	keys := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&i.key.PublicKey}}
	verifier := oidc.NewVerifier(testIssuer, keys, &oidc.Config{ClientID: testClientID})
	oc := &oauth2.Config{
		ClientID:     testClientID,
		ClientSecret: "secret",
		RedirectURL:  "https://ez4u.test/v1/auth/oidc/corp/callback",
		Endpoint:     oauth2.Endpoint{AuthURL: testIssuer + "/authorize", TokenURL: tokenURL},
		Scopes:       []string{oidc.ScopeOpenID, "email"},
	}
	return NewProviderWithVerifier("Corp", verifier, oc)
}

func TestVerifyIDToken(t *testing.T) {
	i := newIDP(t)
	p := i.provider("")
	ctx := context.Background()

	claims, err := p.VerifyIDToken(ctx, i.sign(t, i.claims("user-123", "n-1")), "n-1")
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, "jane@acme.test", claims.Email)
	assert.Equal(t, "corp", p.Name())

	_, err = p.VerifyIDToken(ctx, i.sign(t, i.claims("user-123", "n-1")), "other")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	wrongAud := i.claims("user-123", "")
	wrongAud["aud"] = "someone-else"
	_, err = p.VerifyIDToken(ctx, i.sign(t, wrongAud), "")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	expired := i.claims("user-123", "")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err = p.VerifyIDToken(ctx, i.sign(t, expired), "")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	other := newIDP(t)
	_, err = p.VerifyIDToken(ctx, other.sign(t, i.claims("user-123", "")), "")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestAuthCodeURLCarriesStateAndNonce(t *testing.T) {
	p := newIDP(t).provider("")
	u, err := url.Parse(p.AuthCodeURL("st-1", "n-1"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "st-1", q.Get("state"))
	assert.Equal(t, "n-1", q.Get("nonce"))
	assert.Equal(t, testClientID, q.Get("client_id"))
}

func TestExchange(t *testing.T) {
	i := newIDP(t)
	idToken := i.sign(t, i.claims("user-123", "n-1"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at",
			"token_type":   "Bearer",
			"expires_in":   300,
			"id_token":     idToken,
		})
	}))
	defer srv.Close()
	p := i.provider(srv.URL + "/token")

	claims, err := p.Exchange(context.Background(), "good-code", "n-1")
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.Subject)

	_, err = p.Exchange(context.Background(), "bad-code", "n-1")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = p.Exchange(context.Background(), "", "n-1")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}

type fakeLogins struct {
	provider, subject string
}

func (f *fakeLogins) LoginIdentity(_ context.Context, provider, subject string) (auth.LoginResult, error) {
	f.provider, f.subject = provider, subject
	if subject != "user-123" {
		return auth.LoginResult{}, auth.ErrUnauthorized
	}
	return auth.LoginResult{Token: "local-token", TokenType: "bearer"}, nil
}

func TestLoginMapsIdentity(t *testing.T) {
	i := newIDP(t)
	p := i.provider("")
	logins := &fakeLogins{}

	res, claims, err := Login(context.Background(), p, logins, i.sign(t, i.claims("user-123", "")), "")
	require.NoError(t, err)
	assert.Equal(t, "local-token", res.Token)
	assert.Equal(t, "corp", logins.provider)
	assert.Equal(t, "user-123", logins.subject)
	assert.Equal(t, "jane@acme.test", claims.Email)

	_, _, err = Login(context.Background(), p, logins, i.sign(t, i.claims("stranger", "")), "")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestRegistry(t *testing.T) {
	p := newIDP(t).provider("")
	reg := NewRegistry(p)
	got, err := reg.Get(" CORP ")
	require.NoError(t, err)
	assert.Same(t, p, got)
	_, err = reg.Get("github")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	assert.Equal(t, []string{"corp"}, reg.Names())

	var empty *Registry
	_, err = empty.Get("corp")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestRandomValue(t *testing.T) {
	a, err := RandomValue()
	require.NoError(t, err)
	b, err := RandomValue()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}
