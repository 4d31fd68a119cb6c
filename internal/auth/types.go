package auth

import (
	"context"
	"time"
)

// ProviderLocal is the provider name for email/password identities.
const ProviderLocal = "local"

// User is a person that can hold memberships in many tenants.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Identity binds a user to an external (provider, subject) pair. PasswordHash is only set
// for password providers.
type Identity struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	Subject      string    `json:"subject"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasPassword reports whether the identity can authenticate with a secret.
func (i Identity) HasPassword() bool { return i.PasswordHash != "" }

// InitialMembership places a freshly created user into a tenant with a role.
type InitialMembership struct {
	TenantID string
	RoleID   string
}

// NewUserRecord is everything persisted atomically when a user is created.
type NewUserRecord struct {
	Email       string
	DisplayName string
	IsActive    bool
	Identities  []Identity
	Membership  *InitialMembership
}

// UserUpdate carries optional changes to a user.
type UserUpdate struct {
	Email       *string
	DisplayName *string
	IsActive    *bool
}

// UserSummary is the public part of a user returned on login.
type UserSummary struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

// Summary returns the login view of u.
func (u User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName}
}

// UserStore persists users and their identities.
type UserStore interface {
	CreateUser(ctx context.Context, rec NewUserRecord) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	// UpdateUser renames the local identity together with the email.
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error)
	// DeleteUser removes the user together with identities, memberships and global grants.
	DeleteUser(ctx context.Context, id string) error

	FindIdentity(ctx context.Context, provider, subject string) (Identity, error)
	ListIdentities(ctx context.Context, userID string) ([]Identity, error)
	CreateIdentity(ctx context.Context, ident Identity) (Identity, error)
	SetPasswordHash(ctx context.Context, identityID, hash string) error
}
