package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/rbac"
)

const (
	authHeader  = "Authorization"
	bearer      = "Bearer "
	tokenCookie = "access_token"
)

// withAuth resolves the caller from the access_token cookie, falling back to a bearer
// header. Every failure is the same 401.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token, err := requestToken(r)
		if err != nil {
			unauthorized(w, r)
			return
		}
		user, err := a.auth.CurrentUser(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				unauthorized(w, r)
				return
			}
			handleError(w, r, err)
			return
		}
		ctx := auth.ContextWithUser(r.Context(), user)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withScope authorizes the caller for the {tenantID} route variable before the handler
// runs. Handlers read the result with rbac.ScopeFromContext.
func (a *API) withScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			unauthorized(w, r)
			return
		}
		tenantID := mux.Vars(r)["tenantID"]
		decision, err := a.enforcer.AuthorizeScope(r.Context(), userID, tenantID)
		if err != nil {
			handleError(w, r, err)
			return
		}
		scope, err := decision.Scope()
		if err != nil {
			handleError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(rbac.ContextWithScope(r.Context(), scope)))
	})
}

// scopeFrom returns the scope installed by withScope; its absence is a wiring bug.
func scopeFrom(r *http.Request) (rbac.Scope, error) {
	scope, ok := rbac.ScopeFromContext(r.Context())
	if !ok {
		return rbac.Scope{}, errors.New("tenant scope missing from request context")
	}
	return scope, nil
}

// requireScoped fails unless the caller's scope carries perm.
func requireScoped(r *http.Request, perm string) (rbac.Scope, error) {
	scope, err := scopeFrom(r)
	if err != nil {
		return rbac.Scope{}, err
	}
	if err := scope.Require(perm); err != nil {
		return rbac.Scope{}, err
	}
	return scope, nil
}

// requireGlobal fails unless the caller holds perm through an active global grant.
func (a *API) requireGlobal(r *http.Request, perm string) (string, error) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return "", auth.ErrUnauthorized
	}
	allowed, err := a.enforcer.Engine().HasGlobalPermission(r.Context(), userID, perm)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", auth.ErrForbidden
	}
	return userID, nil
}

// requireTenantPermission checks perm in a tenant other than the routed one.
func (a *API) requireTenantPermission(r *http.Request, tenantID, perm string) error {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return auth.ErrUnauthorized
	}
	allowed, err := a.enforcer.Engine().HasPermission(r.Context(), userID, tenantID, perm)
	if err != nil {
		return err
	}
	if !allowed {
		return auth.ErrForbidden
	}
	return nil
}

func requestToken(r *http.Request) (string, error) {
	if c, err := r.Cookie(tokenCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	return extractBearerToken(r.Header.Get(authHeader))
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
