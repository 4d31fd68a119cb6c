package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/obs"
)

var tracer = otel.Tracer("ez4u.app/internal/rbac")

// Decision is the outcome of AuthorizeScope.
type Decision struct {
	Allowed     bool     `json:"allowed"`
	UserID      string   `json:"user_id"`
	TenantID    string   `json:"tenant_id"`
	Member      bool     `json:"member"`
	ViaGlobal   bool     `json:"via_global"`
	Permissions []string `json:"permissions"`

	scope Scope
}

// Err returns ErrForbidden for a denied decision.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return auth.ErrForbidden
}

// Scope returns the data-access scope of an allowed decision.
func (d Decision) Scope() (Scope, error) {
	if !d.Allowed {
		return Scope{}, auth.ErrForbidden
	}
	return d.scope, nil
}

// Scope is proof that a user passed AuthorizeScope for one tenant. The zero value
// grants nothing; only the Enforcer produces usable scopes.
type Scope struct {
	userID      string
	tenantID    string
	permissions PermissionSet
}

// UserID of the scoped principal.
func (s Scope) UserID() string { return s.userID }

// TenantID every scoped query must filter on.
func (s Scope) TenantID() string { return s.tenantID }

// Valid reports whether s came from an allowed decision.
func (s Scope) Valid() bool { return s.tenantID != "" && s.userID != "" }

// Has reports whether the scope carries perm.
func (s Scope) Has(perm string) bool { return s.permissions.Has(perm) }

// Permissions returns the effective permissions, sorted.
func (s Scope) Permissions() []string { return s.permissions.Names() }

// Require fails with ErrForbidden unless the scope is valid and carries perm.
func (s Scope) Require(perm string) error {
	if !s.Valid() {
		return auth.ErrForbidden
	}
	if !s.Has(perm) {
		return fmt.Errorf("%w: missing %s", auth.ErrForbidden, perm)
	}
	return nil
}

type scopeContextKey struct{}

// ContextWithScope stores an authorized scope for downstream handlers.
func ContextWithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, s)
}

// ScopeFromContext returns the scope stored by ContextWithScope.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	s, ok := ctx.Value(scopeContextKey{}).(Scope)
	if !ok || !s.Valid() {
		return Scope{}, false
	}
	return s, true
}

// Enforcer decides whether a user may touch a tenant's data at all.
type Enforcer struct {
	engine *Engine
}

// NewEnforcer wraps the engine.
func NewEnforcer(engine *Engine) (*Enforcer, error) {
	if engine == nil {
		return nil, errors.New("rbac engine is required")
	}
	return &Enforcer{engine: engine}, nil
}

// Engine exposes the underlying permission engine.
func (e *Enforcer) Engine() *Engine { return e.engine }

// AuthorizeScope allows access when the user has an active membership in tenantID or at
// least one unexpired global grant. The effective permissions are the union of the
// membership role's and the global roles' permissions.
func (e *Enforcer) AuthorizeScope(ctx context.Context, userID, tenantID string) (Decision, error) {
	ctx, span := tracer.Start(ctx, "rbac.AuthorizeScope")
	defer span.End()

	userID, tenantID, err := requirePair(userID, tenantID)
	if err != nil {
		return Decision{}, err
	}
	span.SetAttributes(attribute.String("ez4u.user_id", userID), attribute.String("ez4u.tenant_id", tenantID))

	tenant, err := e.engine.resolveTenant(ctx, userID, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve membership")
		return Decision{}, err
	}
	global, err := e.engine.resolveGlobal(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve global grants")
		return Decision{}, err
	}

	d := Decision{
		Allowed:   tenant.member || global.granted,
		UserID:    userID,
		TenantID:  tenantID,
		Member:    tenant.member,
		ViaGlobal: !tenant.member && global.granted,
	}
	if d.Allowed {
		perms := tenant.permissions.Union(global.permissions)
		d.Permissions = perms.Names()
		d.scope = Scope{userID: userID, tenantID: tenantID, permissions: perms}
	} else {
		d.Permissions = []string{}
	}
	span.SetAttributes(attribute.Bool("ez4u.allowed", d.Allowed), attribute.Bool("ez4u.via_global", d.ViaGlobal))
	obs.ObserveScope(d.Allowed, d.ViaGlobal)
	return d, nil
}

// ScopedTenants keeps the tenant ids AuthorizeScope would allow, in input order. An
// unexpired global grant keeps all of them; otherwise each needs an active membership.
func (e *Enforcer) ScopedTenants(ctx context.Context, userID string, tenantIDs []string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", auth.ErrInvalidInput)
	}
	global, err := e.engine.resolveGlobal(ctx, userID)
	if err != nil {
		return nil, err
	}
	if global.granted {
		return append([]string{}, tenantIDs...), nil
	}
	out := make([]string, 0, len(tenantIDs))
	for _, id := range tenantIDs {
		res, err := e.engine.resolveTenant(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		if res.member {
			out = append(out, id)
		}
	}
	return out, nil
}

// Authorize runs AuthorizeScope and returns the scope, or ErrForbidden when denied.
func (e *Enforcer) Authorize(ctx context.Context, userID, tenantID string) (Scope, error) {
	d, err := e.AuthorizeScope(ctx, userID, tenantID)
	if err != nil {
		return Scope{}, err
	}
	return d.Scope()
}
