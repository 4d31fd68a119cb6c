package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/rbac"
)

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]bool{
		"Bearer abc":  true,
		"bearer abc":  true,
		"Basic abc":   false,
		"Bearer   ":   false,
		"":            false,
		"  Bearer x ": true,
	}
	for header, ok := range cases {
		_, err := extractBearerToken(header)
		if (err == nil) != ok {
			t.Fatalf("header %q: ok=%v, err=%v", header, ok, err)
		}
	}
}

func TestRequestTokenPrefersCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set(authHeader, "Bearer from-header")
	req.AddCookie(&http.Cookie{Name: tokenCookie, Value: "from-cookie"})
	token, err := requestToken(req)
	if err != nil || token != "from-cookie" {
		t.Fatalf("expected cookie token, got %q (%v)", token, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set(authHeader, "Bearer from-header")
	token, err = requestToken(req)
	if err != nil || token != "from-header" {
		t.Fatalf("expected header token, got %q (%v)", token, err)
	}
}

func TestWithScopeRunsBeforeHandler(t *testing.T) {
	c := newTestAPI(t)
	called := false
	router := mux.NewRouter()
	router.Handle("/t/{tenantID}", c.api.withScope(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		scope, ok := rbac.ScopeFromContext(r.Context())
		if !ok || scope.TenantID() != mux.Vars(r)["tenantID"] {
			t.Errorf("scope missing or for the wrong tenant: %+v", scope)
		}
		w.WriteHeader(http.StatusOK)
	})))

	serve := func(email, slug string) int {
		req := httptest.NewRequest(http.MethodGet, "/t/"+c.tenants[slug], nil)
		if email != "" {
			req = req.WithContext(auth.ContextWithUser(req.Context(), auth.User{ID: c.users[email]}))
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := serve("", "acme"); code != http.StatusUnauthorized || called {
		t.Fatalf("expected 401 without user, got %d (called=%v)", code, called)
	}
	if code := serve("jane.smith@acme.com", "globex"); code != http.StatusForbidden || called {
		t.Fatalf("expected 403 for non-member, got %d (called=%v)", code, called)
	}
	if code := serve("jane.smith@acme.com", "acme"); code != http.StatusOK || !called {
		t.Fatalf("expected member to reach handler, got %d", code)
	}
}
