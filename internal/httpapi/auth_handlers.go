package httpapi

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"ez4u.app/internal/audit"
	"ez4u.app/internal/auth"
	"ez4u.app/internal/sso"
)

const (
	stateCookie    = "oidc_state"
	nonceCookie    = "oidc_nonce"
	oidcCookiePath = "/v1/auth/oidc/"
	oidcCookieTTL  = 10 * time.Minute
)

type loginRequest struct {
	Provider string `json:"provider"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	provider, subject := auth.NormalizeIdentity(req.Provider, req.Username)
	res, err := a.auth.Login(r.Context(), provider, subject, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrTooManyAttempts) {
			a.audit(r, audit.EventLoginFailed, map[string]any{
				"provider": provider,
				"subject":  subject,
				"reason":   loginFailureReason(err),
			})
		}
		handleError(w, r, err)
		return
	}
	a.completeLogin(w, r, res, provider)
}

func loginFailureReason(err error) string {
	if errors.Is(err, auth.ErrTooManyAttempts) {
		return "throttled"
	}
	return "rejected"
}

// completeLogin sets the session cookie and returns the token body.
func (a *API) completeLogin(w http.ResponseWriter, r *http.Request, res auth.LoginResult, provider string) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    res.Token,
		Path:     "/",
		Expires:  res.ExpiresAt,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	ctx := auth.ContextWithUser(r.Context(), auth.User{ID: res.User.ID, Email: res.User.Email})
	_ = audit.LogEvent(ctx, audit.EventLoginSucceeded, map[string]any{
		"provider": provider,
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		unauthorized(w, r)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) provider(r *http.Request) (*sso.Provider, error) {
	p, err := a.sso.Get(mux.Vars(r)["provider"])
	if err != nil {
		return nil, fmt.Errorf("%w: unknown identity provider", auth.ErrNotFound)
	}
	return p, nil
}

func (a *API) handleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	p, err := a.provider(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	state, err := sso.RandomValue()
	if err != nil {
		handleError(w, r, err)
		return
	}
	nonce, err := sso.RandomValue()
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.setFlowCookie(w, stateCookie, state)
	a.setFlowCookie(w, nonceCookie, nonce)
	http.Redirect(w, r, p.AuthCodeURL(state, nonce), http.StatusFound)
}

func (a *API) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	p, err := a.provider(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		unauthorized(w, r)
		return
	}
	stateC, err := r.Cookie(stateCookie)
	if err != nil || stateC.Value == "" ||
		subtle.ConstantTimeCompare([]byte(stateC.Value), []byte(q.Get("state"))) != 1 {
		writeError(w, r, http.StatusBadRequest, "invalid state")
		return
	}
	nonce := ""
	if c, err := r.Cookie(nonceCookie); err == nil {
		nonce = c.Value
	}
	a.clearFlowCookie(w, stateCookie)
	a.clearFlowCookie(w, nonceCookie)

	claims, err := p.Exchange(r.Context(), q.Get("code"), nonce)
	if err != nil {
		a.audit(r, audit.EventLoginFailed, map[string]any{"provider": p.Name(), "reason": "id_token"})
		handleError(w, r, err)
		return
	}
	res, err := a.auth.LoginIdentity(r.Context(), p.Name(), claims.Subject)
	if err != nil {
		a.audit(r, audit.EventLoginFailed, map[string]any{"provider": p.Name(), "subject": claims.Subject, "reason": "rejected"})
		handleError(w, r, err)
		return
	}
	a.completeLogin(w, r, res, p.Name())
}

type idTokenRequest struct {
	IDToken string `json:"id_token"`
	Nonce   string `json:"nonce"`
}

// handleOIDCToken exchanges an ID token obtained by the client for a local token.
func (a *API) handleOIDCToken(w http.ResponseWriter, r *http.Request) {
	p, err := a.provider(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req idTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.IDToken) == "" {
		writeError(w, r, http.StatusBadRequest, "id_token is required")
		return
	}
	res, claims, err := sso.Login(r.Context(), p, a.auth, req.IDToken, req.Nonce)
	if err != nil {
		a.audit(r, audit.EventLoginFailed, map[string]any{"provider": p.Name(), "subject": claims.Subject, "reason": "rejected"})
		handleError(w, r, err)
		return
	}
	a.completeLogin(w, r, res, p.Name())
}

func (a *API) setFlowCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     oidcCookiePath,
		MaxAge:   int(oidcCookieTTL / time.Second),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearFlowCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Path:     oidcCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// audit records an event; failures are logged by the audit package and never fail the request.
func (a *API) audit(r *http.Request, event string, fields map[string]any) {
	_ = audit.LogEvent(r.Context(), event, fields)
}
