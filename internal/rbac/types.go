package rbac

import (
	"context"
	"sort"
	"time"

	"ez4u.app/internal/auth"
)

// Permission is a named capability such as "tenant.update".
type Permission struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Role groups permissions inside one tenant.
type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system_role"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewRole describes a role to create together with its permissions.
type NewRole struct {
	TenantID    string
	Name        string
	Description string
	IsSystem    bool
	Permissions []string
}

// MembershipStatus is the lifecycle state of a membership.
type MembershipStatus string

const (
	StatusActive    MembershipStatus = "active"
	StatusInvited   MembershipStatus = "invited"
	StatusSuspended MembershipStatus = "suspended"
)

// Valid reports whether s is a known status.
func (s MembershipStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInvited, StatusSuspended:
		return true
	}
	return false
}

// Membership places a user in a tenant with exactly one role.
type Membership struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenant_id"`
	UserID    string           `json:"user_id"`
	RoleID    string           `json:"role_id"`
	Status    MembershipStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// MembershipUpdate carries optional membership changes.
type MembershipUpdate struct {
	RoleID *string
	Status *MembershipStatus
}

// GlobalRole grants permissions across every tenant.
type GlobalRole struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

// GlobalGrant assigns a global role to a user, optionally until ExpiresAt.
type GlobalGrant struct {
	UserID       string     `json:"user_id"`
	GlobalRoleID string     `json:"global_role_id"`
	RoleName     string     `json:"role_name,omitempty"`
	GrantedBy    *string    `json:"granted_by,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	// Permissions of the granted role, filled on read.
	Permissions []string `json:"-"`
}

// Active reports whether the grant is in force at now.
func (g GlobalGrant) Active(now time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

// PermissionSet is an unordered set of permission names.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from names.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Has reports membership of name.
func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Add inserts names.
func (s PermissionSet) Add(names ...string) {
	for _, n := range names {
		s[n] = struct{}{}
	}
}

// Union returns a new set holding both operands.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	out := make(PermissionSet, len(s)+len(other))
	for n := range s {
		out[n] = struct{}{}
	}
	for n := range other {
		out[n] = struct{}{}
	}
	return out
}

// Names returns the sorted member names.
func (s PermissionSet) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// MembershipView is one tenant membership as shown in user listings.
type MembershipView struct {
	TenantID   string           `json:"tenant_id"`
	TenantSlug string           `json:"tenant_slug"`
	TenantName string           `json:"tenant_name"`
	RoleID     string           `json:"role_id"`
	RoleName   string           `json:"role_name"`
	Status     MembershipStatus `json:"status"`
}

// DirectoryUser is a user together with its tenant roles.
type DirectoryUser struct {
	auth.User
	Memberships []MembershipView `json:"memberships"`
}

// Reader is what the engine needs: raw memberships and grants, unfiltered.
type Reader interface {
	FindMembership(ctx context.Context, userID, tenantID string) (Membership, error)
	RolePermissions(ctx context.Context, roleID string) ([]string, error)
	ListGlobalGrants(ctx context.Context, userID string) ([]GlobalGrant, error)
}

// AdminStore persists the role catalog, memberships and global grants.
type AdminStore interface {
	EnsurePermissions(ctx context.Context, perms []Permission) error
	ListPermissions(ctx context.Context) ([]Permission, error)

	CreateRole(ctx context.Context, role NewRole) (Role, error)
	GetRole(ctx context.Context, roleID string) (Role, error)
	ListRoles(ctx context.Context, tenantID string) ([]Role, error)
	SetRolePermissions(ctx context.Context, roleID string, perms []string) error
	// DeleteRole fails with a ConflictError while memberships reference the role.
	DeleteRole(ctx context.Context, roleID string) error

	CreateMembership(ctx context.Context, m Membership) (Membership, error)
	UpdateMembership(ctx context.Context, userID, tenantID string, upd MembershipUpdate) (Membership, error)
	DeleteMembership(ctx context.Context, userID, tenantID string) error
	ListMemberships(ctx context.Context, tenantID string) ([]Membership, error)

	CreateGlobalRole(ctx context.Context, role GlobalRole) (GlobalRole, error)
	ListGlobalRoles(ctx context.Context) ([]GlobalRole, error)
	GrantGlobalRole(ctx context.Context, grant GlobalGrant) (GlobalGrant, error)
	RevokeGlobalRole(ctx context.Context, userID, globalRoleID string) error
}

// DirectoryStore lists users with their memberships.
type DirectoryStore interface {
	ListDirectory(ctx context.Context, tenantID *string) ([]DirectoryUser, error)
}

// Store is the full persistence surface of the package.
type Store interface {
	Reader
	AdminStore
	DirectoryStore
}
