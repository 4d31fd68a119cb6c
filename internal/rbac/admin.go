package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ez4u.app/internal/auth"
)

// Admin manages roles, memberships and global grants.
type Admin struct {
	store AdminStore
	now   func() time.Time
}

// AdminOption configures Admin.
type AdminOption func(*Admin)

// WithAdminClock overrides the time source used to validate grant expiry.
func WithAdminClock(fn func() time.Time) AdminOption {
	return func(a *Admin) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAdmin constructs the administration service.
func NewAdmin(store AdminStore, opts ...AdminOption) (*Admin, error) {
	if store == nil {
		return nil, errors.New("rbac admin store is required")
	}
	a := &Admin{store: store, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// EnsureBuiltins upserts the builtin permission catalog.
func (a *Admin) EnsureBuiltins(ctx context.Context) error {
	return a.store.EnsurePermissions(ctx, BuiltinPermissions)
}

// ListPermissions returns the permission catalog.
func (a *Admin) ListPermissions(ctx context.Context) ([]Permission, error) {
	return a.store.ListPermissions(ctx)
}

// CreateRole adds a role to a tenant with its permission set.
func (a *Admin) CreateRole(ctx context.Context, role NewRole) (Role, error) {
	role.TenantID = strings.TrimSpace(role.TenantID)
	role.Name = strings.TrimSpace(role.Name)
	role.Description = strings.TrimSpace(role.Description)
	if role.TenantID == "" {
		return Role{}, fmt.Errorf("%w: tenant_id is required", auth.ErrInvalidInput)
	}
	if role.Name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", auth.ErrInvalidInput)
	}
	role.Permissions = dedupeStrings(role.Permissions)
	return a.store.CreateRole(ctx, role)
}

// ListRoles returns the roles of a tenant.
func (a *Admin) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", auth.ErrInvalidInput)
	}
	return a.store.ListRoles(ctx, tenantID)
}

// TenantRole loads a role and checks that it belongs to tenantID.
func (a *Admin) TenantRole(ctx context.Context, tenantID, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", auth.ErrInvalidInput)
	}
	role, err := a.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if role.TenantID != tenantID {
		return Role{}, auth.ErrNotFound
	}
	return role, nil
}

// SetRolePermissions replaces the permissions of a custom role. System roles are fixed.
func (a *Admin) SetRolePermissions(ctx context.Context, tenantID, roleID string, perms []string) error {
	role, err := a.TenantRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: system role %s is immutable", auth.ErrInvalidInput, role.Name)
	}
	return a.store.SetRolePermissions(ctx, role.ID, dedupeStrings(perms))
}

// DeleteRole removes a custom role. Roles still referenced by memberships are restricted.
func (a *Admin) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	role, err := a.TenantRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: system role %s cannot be deleted", auth.ErrInvalidInput, role.Name)
	}
	return a.store.DeleteRole(ctx, role.ID)
}

// AddMember creates a membership. The role must belong to the same tenant.
func (a *Admin) AddMember(ctx context.Context, m Membership) (Membership, error) {
	m.TenantID = strings.TrimSpace(m.TenantID)
	m.UserID = strings.TrimSpace(m.UserID)
	m.RoleID = strings.TrimSpace(m.RoleID)
	if m.TenantID == "" || m.UserID == "" || m.RoleID == "" {
		return Membership{}, fmt.Errorf("%w: tenant_id, user_id and role_id are required", auth.ErrInvalidInput)
	}
	if m.Status == "" {
		m.Status = StatusActive
	}
	if !m.Status.Valid() {
		return Membership{}, fmt.Errorf("%w: unknown membership status %q", auth.ErrInvalidInput, m.Status)
	}
	return a.store.CreateMembership(ctx, m)
}

// UpdateMember changes the role or status of a membership.
func (a *Admin) UpdateMember(ctx context.Context, tenantID, userID string, upd MembershipUpdate) (Membership, error) {
	userID, tenantID, err := requirePair(userID, tenantID)
	if err != nil {
		return Membership{}, err
	}
	if upd.RoleID != nil {
		roleID := strings.TrimSpace(*upd.RoleID)
		if roleID == "" {
			return Membership{}, fmt.Errorf("%w: role_id cannot be empty", auth.ErrInvalidInput)
		}
		upd.RoleID = &roleID
	}
	if upd.Status != nil && !upd.Status.Valid() {
		return Membership{}, fmt.Errorf("%w: unknown membership status %q", auth.ErrInvalidInput, *upd.Status)
	}
	return a.store.UpdateMembership(ctx, userID, tenantID, upd)
}

// RemoveMember revokes a membership; the next AuthorizeScope for the pair is denied unless
// a global grant applies.
func (a *Admin) RemoveMember(ctx context.Context, tenantID, userID string) error {
	userID, tenantID, err := requirePair(userID, tenantID)
	if err != nil {
		return err
	}
	return a.store.DeleteMembership(ctx, userID, tenantID)
}

// ListMembers returns the memberships of a tenant.
func (a *Admin) ListMembers(ctx context.Context, tenantID string) ([]Membership, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", auth.ErrInvalidInput)
	}
	return a.store.ListMemberships(ctx, tenantID)
}

// CreateGlobalRole adds a cross-tenant role.
func (a *Admin) CreateGlobalRole(ctx context.Context, role GlobalRole) (GlobalRole, error) {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return GlobalRole{}, fmt.Errorf("%w: global role name is required", auth.ErrInvalidInput)
	}
	role.Description = strings.TrimSpace(role.Description)
	role.Permissions = dedupeStrings(role.Permissions)
	return a.store.CreateGlobalRole(ctx, role)
}

// ListGlobalRoles returns every global role.
func (a *Admin) ListGlobalRoles(ctx context.Context) ([]GlobalRole, error) {
	return a.store.ListGlobalRoles(ctx)
}

// GrantGlobalRole assigns a global role, optionally expiring. Expiry must be in the future.
func (a *Admin) GrantGlobalRole(ctx context.Context, grant GlobalGrant) (GlobalGrant, error) {
	grant.UserID = strings.TrimSpace(grant.UserID)
	grant.GlobalRoleID = strings.TrimSpace(grant.GlobalRoleID)
	if grant.UserID == "" || grant.GlobalRoleID == "" {
		return GlobalGrant{}, fmt.Errorf("%w: user_id and global_role_id are required", auth.ErrInvalidInput)
	}
	if grant.ExpiresAt != nil && !grant.ExpiresAt.After(a.now()) {
		return GlobalGrant{}, fmt.Errorf("%w: expires_at must be in the future", auth.ErrInvalidInput)
	}
	if grant.GrantedBy != nil && strings.TrimSpace(*grant.GrantedBy) == "" {
		grant.GrantedBy = nil
	}
	return a.store.GrantGlobalRole(ctx, grant)
}

// RevokeGlobalRole removes a global grant.
func (a *Admin) RevokeGlobalRole(ctx context.Context, userID, globalRoleID string) error {
	userID = strings.TrimSpace(userID)
	globalRoleID = strings.TrimSpace(globalRoleID)
	if userID == "" || globalRoleID == "" {
		return fmt.Errorf("%w: user_id and global_role_id are required", auth.ErrInvalidInput)
	}
	return a.store.RevokeGlobalRole(ctx, userID, globalRoleID)
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
