package rbac

import (
	"context"
	"errors"
	"strings"
)

// Directory lists users together with the role they hold in each tenant.
type Directory struct {
	store DirectoryStore
}

// NewDirectory constructs a Directory.
func NewDirectory(store DirectoryStore) (*Directory, error) {
	if store == nil {
		return nil, errors.New("directory store is required")
	}
	return &Directory{store: store}, nil
}

// ListUsers returns every user, or only members of tenantID when it is set. With a tenant
// filter each user carries only the membership in that tenant.
func (d *Directory) ListUsers(ctx context.Context, tenantID *string) ([]DirectoryUser, error) {
	if tenantID != nil {
		v := strings.TrimSpace(*tenantID)
		if v == "" {
			tenantID = nil
		} else {
			tenantID = &v
		}
	}
	users, err := d.store.ListDirectory(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].Memberships == nil {
			users[i].Memberships = []MembershipView{}
		}
	}
	return users, nil
}
