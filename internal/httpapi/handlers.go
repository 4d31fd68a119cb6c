// Package httpapi is the JSON HTTP adapter over the auth, tenancy, rbac and resource
// services. Tenant-scoped routes are authorized before any handler reads tenant data.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/obs"
	"ez4u.app/internal/rbac"
	"ez4u.app/internal/resource"
	"ez4u.app/internal/sso"
	"ez4u.app/internal/tenancy"
)

const serviceName = "ez4u-api"

// Pinger is anything the readiness probe can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the backing services; nil members are skipped.
type ReadyProbe struct {
	Store    Pinger
	Throttle Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store != nil {
		if err := rp.Store.Ping(ctx); err != nil {
			return err
		}
	}
	if rp.Throttle != nil {
		if err := rp.Throttle.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the services the API is built on. SSO may be nil.
type Deps struct {
	Auth      *auth.Service
	Tenants   *tenancy.Graph
	Enforcer  *rbac.Enforcer
	Admin     *rbac.Admin
	Directory *rbac.Directory
	Resources *resource.Service
	SSO       *sso.Registry
	Ready     ReadyProbe
}

// Option tunes the API.
type Option func(*API)

// WithVersion sets the version reported by /healthz and /v1/info.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithCookieSecure marks auth cookies Secure.
func WithCookieSecure(secure bool) Option {
	return func(a *API) { a.cookieSecure = secure }
}

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithAllowedOrigins sets the CORS allow list. Localhost origins are always allowed.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) { a.origins = append(a.origins, origins...) }
}

// API is the HTTP layer.
type API struct {
	router *mux.Router

	auth      *auth.Service
	tenants   *tenancy.Graph
	enforcer  *rbac.Enforcer
	admin     *rbac.Admin
	directory *rbac.Directory
	resources *resource.Service
	sso       *sso.Registry

	readyProbe   ReadyProbe
	version      string
	cookieSecure bool
	rateBurst    int
	ratePerSec   float64
	maxBodyBytes int64
	origins      []string
}

// New wires the routes.
func New(deps Deps, opts ...Option) (*API, error) {
	if deps.Auth == nil || deps.Tenants == nil || deps.Enforcer == nil || deps.Admin == nil ||
		deps.Directory == nil || deps.Resources == nil {
		return nil, errors.New("httpapi: auth, tenants, enforcer, admin, directory and resources are required")
	}
	a := &API{
		router:       mux.NewRouter(),
		auth:         deps.Auth,
		tenants:      deps.Tenants,
		enforcer:     deps.Enforcer,
		admin:        deps.Admin,
		directory:    deps.Directory,
		resources:    deps.Resources,
		sso:          deps.SSO,
		readyProbe:   deps.Ready,
		version:      "dev",
		rateBurst:    50,
		ratePerSec:   20,
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.Use(obs.Instrument)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	// public
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/auth/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/logout", a.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/oidc/{provider}/login", a.handleOIDCLogin).Methods(http.MethodGet)
	r.HandleFunc("/v1/auth/oidc/{provider}/callback", a.handleOIDCCallback).Methods(http.MethodGet)
	r.HandleFunc("/v1/auth/oidc/{provider}/token", a.handleOIDCToken).Methods(http.MethodPost)

	// authenticated
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(a.withAuth)
	v1.HandleFunc("/auth/me", a.handleMe).Methods(http.MethodGet)
	v1.HandleFunc("/permissions", a.handleListPermissions).Methods(http.MethodGet)
	v1.HandleFunc("/global-roles", a.handleListGlobalRoles).Methods(http.MethodGet)
	v1.HandleFunc("/tenants", a.handleListTenants).Methods(http.MethodGet)
	v1.HandleFunc("/tenants", a.handleCreateTenant).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{tenantID}/scope", a.handleScope).Methods(http.MethodGet)

	v1.HandleFunc("/users", a.handleListUsers).Methods(http.MethodGet)
	v1.HandleFunc("/users", a.handleCreateUser).Methods(http.MethodPost)
	v1.HandleFunc("/users/{userID}", a.handleGetUser).Methods(http.MethodGet)
	v1.HandleFunc("/users/{userID}", a.handleUpdateUser).Methods(http.MethodPatch)
	v1.HandleFunc("/users/{userID}", a.handleDeleteUser).Methods(http.MethodDelete)
	v1.HandleFunc("/users/{userID}/global-roles", a.handleGrantGlobalRole).Methods(http.MethodPost)
	v1.HandleFunc("/users/{userID}/global-roles/{globalRoleID}", a.handleRevokeGlobalRole).Methods(http.MethodDelete)

	// tenant scoped
	t := v1.PathPrefix("/tenants/{tenantID}").Subrouter()
	t.Use(a.withScope)
	t.HandleFunc("", a.handleGetTenant).Methods(http.MethodGet)
	t.HandleFunc("", a.handleUpdateTenant).Methods(http.MethodPatch)
	t.HandleFunc("", a.handleDeleteTenant).Methods(http.MethodDelete)
	t.HandleFunc("/children", a.handleTenantChildren).Methods(http.MethodGet)
	t.HandleFunc("/ancestors", a.handleTenantAncestors).Methods(http.MethodGet)
	t.HandleFunc("/members", a.handleListMembers).Methods(http.MethodGet)
	t.HandleFunc("/members", a.handleAddMember).Methods(http.MethodPost)
	t.HandleFunc("/members/{userID}", a.handleUpdateMember).Methods(http.MethodPatch)
	t.HandleFunc("/members/{userID}", a.handleRemoveMember).Methods(http.MethodDelete)
	t.HandleFunc("/roles", a.handleListRoles).Methods(http.MethodGet)
	t.HandleFunc("/roles", a.handleCreateRole).Methods(http.MethodPost)
	t.HandleFunc("/roles/{roleID}/permissions", a.handleSetRolePermissions).Methods(http.MethodPut)
	t.HandleFunc("/roles/{roleID}", a.handleDeleteRole).Methods(http.MethodDelete)
	t.HandleFunc("/resources", a.handleListResources).Methods(http.MethodGet)
	t.HandleFunc("/resources/export", a.handleExportResources).Methods(http.MethodGet)
	t.HandleFunc("/resources/{resourceID}", a.handleGetResource).Methods(http.MethodGet)
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.origins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return otelhttp.NewHandler(h, serviceName)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorFields(w, r, code, msg, nil)
}

func writeErrorFields(w http.ResponseWriter, r *http.Request, code int, msg string, extra map[string]any) {
	payload := map[string]any{
		"error": msg,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if rid := requestIDFromRequest(r); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleError maps service errors onto status codes. Authentication failures always
// carry the same body.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		unauthorized(w, r)
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrConflict):
		extra := map[string]any{}
		if c, ok := auth.ConstraintOf(err); ok {
			extra["constraint"] = c
		}
		writeErrorFields(w, r, http.StatusConflict, err.Error(), extra)
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrTooManyAttempts):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, "too many attempts")
	default:
		obs.Logger().WithError(err).WithField("request_id", requestIDFromRequest(r)).
			WithField("path", r.URL.Path).Error("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="ez4u"`)
	writeError(w, r, http.StatusUnauthorized, "unauthorized")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// optionalString distinguishes an absent JSON field from an explicit null.
type optionalString struct {
	Set   bool
	Value *string
}

func (o *optionalString) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		o.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	o.Value = &s
	return nil
}
