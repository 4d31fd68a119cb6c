package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ez4u.app/internal/auth"
)

// EngineOption configures Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source used to evaluate grant expiry.
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// Engine resolves effective permissions. Every call reads the store; nothing is cached,
// so revocations apply to the next call.
type Engine struct {
	store Reader
	now   func() time.Time
}

// NewEngine constructs an engine over the membership/grant reader.
func NewEngine(store Reader, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("rbac reader is required")
	}
	e := &Engine{store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// tenantResolution is the membership half of a decision.
type tenantResolution struct {
	member      bool
	permissions PermissionSet
}

// globalResolution is the global-grant half of a decision.
type globalResolution struct {
	granted     bool
	permissions PermissionSet
}

func (e *Engine) resolveTenant(ctx context.Context, userID, tenantID string) (tenantResolution, error) {
	m, err := e.store.FindMembership(ctx, userID, tenantID)
	if errors.Is(err, auth.ErrNotFound) {
		return tenantResolution{permissions: PermissionSet{}}, nil
	}
	if err != nil {
		return tenantResolution{}, fmt.Errorf("load membership: %w", err)
	}
	if m.Status != StatusActive {
		return tenantResolution{permissions: PermissionSet{}}, nil
	}
	perms, err := e.store.RolePermissions(ctx, m.RoleID)
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return tenantResolution{}, fmt.Errorf("load role permissions: %w", err)
	}
	return tenantResolution{member: true, permissions: NewPermissionSet(perms...)}, nil
}

func (e *Engine) resolveGlobal(ctx context.Context, userID string) (globalResolution, error) {
	grants, err := e.store.ListGlobalGrants(ctx, userID)
	if err != nil {
		return globalResolution{}, fmt.Errorf("load global grants: %w", err)
	}
	now := e.now()
	res := globalResolution{permissions: PermissionSet{}}
	for _, g := range grants {
		if !g.Active(now) {
			continue
		}
		res.granted = true
		res.permissions.Add(g.Permissions...)
	}
	return res, nil
}

// PermissionsOf returns the permissions the user's role grants inside tenantID. A missing
// or non-active membership yields an empty set, not an error.
func (e *Engine) PermissionsOf(ctx context.Context, userID, tenantID string) (PermissionSet, error) {
	userID, tenantID, err := requirePair(userID, tenantID)
	if err != nil {
		return nil, err
	}
	res, err := e.resolveTenant(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	return res.permissions, nil
}

// GlobalPermissionsOf unions the permissions of every unexpired global grant.
func (e *Engine) GlobalPermissionsOf(ctx context.Context, userID string) (PermissionSet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", auth.ErrInvalidInput)
	}
	res, err := e.resolveGlobal(ctx, userID)
	if err != nil {
		return nil, err
	}
	return res.permissions, nil
}

// HasPermission is true when perm is granted by the tenant role or by a global grant.
func (e *Engine) HasPermission(ctx context.Context, userID, tenantID, perm string) (bool, error) {
	tenantPerms, err := e.PermissionsOf(ctx, userID, tenantID)
	if err != nil {
		return false, err
	}
	if tenantPerms.Has(perm) {
		return true, nil
	}
	globalPerms, err := e.GlobalPermissionsOf(ctx, userID)
	if err != nil {
		return false, err
	}
	return globalPerms.Has(perm), nil
}

// HasGlobalPermission checks only unexpired global grants. Used for operations that are
// not scoped to one tenant, such as creating root tenants or managing users.
func (e *Engine) HasGlobalPermission(ctx context.Context, userID, perm string) (bool, error) {
	perms, err := e.GlobalPermissionsOf(ctx, userID)
	if err != nil {
		return false, err
	}
	return perms.Has(perm), nil
}

func requirePair(userID, tenantID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	tenantID = strings.TrimSpace(tenantID)
	if userID == "" {
		return "", "", fmt.Errorf("%w: user_id is required", auth.ErrInvalidInput)
	}
	if tenantID == "" {
		return "", "", fmt.Errorf("%w: tenant_id is required", auth.ErrInvalidInput)
	}
	return userID, tenantID, nil
}
