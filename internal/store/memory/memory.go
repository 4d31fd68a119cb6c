// Package memory is a process-local implementation of every store interface. It applies
// the same uniqueness, cascade and restrict rules as the Postgres schema and is used by
// tests and by development mode when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/ids"
	"ez4u.app/internal/rbac"
	"ez4u.app/internal/resource"
	"ez4u.app/internal/store"
	"ez4u.app/internal/tenancy"
)

var (
	_ auth.UserStore = (*Store)(nil)
	_ tenancy.Store  = (*Store)(nil)
	_ rbac.Store     = (*Store)(nil)
	_ resource.Store = (*Store)(nil)
)

type roleRecord struct {
	role  rbac.Role
	perms []string
}

type globalRoleRecord struct {
	role  rbac.GlobalRole
	perms []string
}

// Store keeps all state behind one lock; each method is atomic.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	users      map[string]auth.User
	emailIdx   map[string]string
	identities map[string]auth.Identity
	identIdx   map[string]string

	tenants map[string]tenancy.Tenant
	slugIdx map[string]string

	permissions map[string]rbac.Permission

	roles       map[string]*roleRecord
	roleNameIdx map[string]string

	members   map[string]rbac.Membership
	memberIdx map[string]string

	globalRoles       map[string]*globalRoleRecord
	globalRoleNameIdx map[string]string
	grants            map[string]rbac.GlobalGrant

	resources map[string]resource.Resource
}

// Option configures Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:               time.Now,
		users:             map[string]auth.User{},
		emailIdx:          map[string]string{},
		identities:        map[string]auth.Identity{},
		identIdx:          map[string]string{},
		tenants:           map[string]tenancy.Tenant{},
		slugIdx:           map[string]string{},
		permissions:       map[string]rbac.Permission{},
		roles:             map[string]*roleRecord{},
		roleNameIdx:       map[string]string{},
		members:           map[string]rbac.Membership{},
		memberIdx:         map[string]string{},
		globalRoles:       map[string]*globalRoleRecord{},
		globalRoleNameIdx: map[string]string{},
		grants:            map[string]rbac.GlobalGrant{},
		resources:         map[string]resource.Resource{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping always succeeds; it lets the store stand in for a database in readiness probes.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) stamp() time.Time { return s.now().UTC() }

func pairKey(a, b string) string { return a + "\x00" + b }

// CreateUser inserts the user, its identities and an optional first membership atomically.
func (s *Store) CreateUser(_ context.Context, rec auth.NewUserRecord) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emailIdx[rec.Email]; ok {
		return auth.User{}, auth.Conflict(store.UniqueUserEmail, "email already registered")
	}
	seen := map[string]struct{}{}
	for _, ident := range rec.Identities {
		key := pairKey(ident.Provider, ident.Subject)
		if _, ok := s.identIdx[key]; ok {
			return auth.User{}, auth.Conflict(store.UniqueProviderSubject, "identity already bound")
		}
		if _, ok := seen[key]; ok {
			return auth.User{}, auth.Conflict(store.UniqueProviderSubject, "identity listed twice")
		}
		seen[key] = struct{}{}
	}
	if m := rec.Membership; m != nil {
		if _, ok := s.tenants[m.TenantID]; !ok {
			return auth.User{}, auth.ErrNotFound
		}
		if err := s.checkRoleInTenant(m.RoleID, m.TenantID); err != nil {
			return auth.User{}, err
		}
	}

	now := s.stamp()
	user := auth.User{
		ID:          ids.New(),
		Email:       rec.Email,
		DisplayName: rec.DisplayName,
		IsActive:    rec.IsActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.users[user.ID] = user
	s.emailIdx[user.Email] = user.ID
	for _, ident := range rec.Identities {
		ident.ID = ids.New()
		ident.UserID = user.ID
		ident.CreatedAt = now
		s.identities[ident.ID] = ident
		s.identIdx[pairKey(ident.Provider, ident.Subject)] = ident.ID
	}
	if m := rec.Membership; m != nil {
		s.insertMembership(rbac.Membership{
			TenantID: m.TenantID,
			UserID:   user.ID,
			RoleID:   m.RoleID,
			Status:   rbac.StatusActive,
		})
	}
	return user, nil
}

func (s *Store) GetUser(_ context.Context, id string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (s *Store) UpdateUser(_ context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	if upd.Email != nil && *upd.Email != u.Email {
		if _, taken := s.emailIdx[*upd.Email]; taken {
			return auth.User{}, auth.Conflict(store.UniqueUserEmail, "email already registered")
		}
		newKey := pairKey(auth.ProviderLocal, *upd.Email)
		if _, taken := s.identIdx[newKey]; taken {
			return auth.User{}, auth.Conflict(store.UniqueProviderSubject, "identity already bound")
		}
		// the local identity follows the email
		for identID, ident := range s.identities {
			if ident.UserID != id || ident.Provider != auth.ProviderLocal {
				continue
			}
			delete(s.identIdx, pairKey(ident.Provider, ident.Subject))
			ident.Subject = *upd.Email
			s.identities[identID] = ident
			s.identIdx[newKey] = identID
		}
		delete(s.emailIdx, u.Email)
		u.Email = *upd.Email
		s.emailIdx[u.Email] = u.ID
	}
	if upd.DisplayName != nil {
		u.DisplayName = *upd.DisplayName
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	u.UpdatedAt = s.stamp()
	s.users[id] = u
	return u, nil
}

// DeleteUser cascades to identities, memberships and grants held by the user, and clears
// granted_by on grants the user issued.
func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	for identID, ident := range s.identities {
		if ident.UserID == id {
			delete(s.identities, identID)
			delete(s.identIdx, pairKey(ident.Provider, ident.Subject))
		}
	}
	for mid, m := range s.members {
		if m.UserID == id {
			s.deleteMembership(mid, m)
		}
	}
	for key, g := range s.grants {
		if g.UserID == id {
			delete(s.grants, key)
			continue
		}
		if g.GrantedBy != nil && *g.GrantedBy == id {
			g.GrantedBy = nil
			s.grants[key] = g
		}
	}
	delete(s.emailIdx, u.Email)
	delete(s.users, id)
	return nil
}

func (s *Store) FindIdentity(_ context.Context, provider, subject string) (auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identIdx[pairKey(provider, subject)]
	if !ok {
		return auth.Identity{}, auth.ErrNotFound
	}
	return s.identities[id], nil
}

func (s *Store) ListIdentities(_ context.Context, userID string) ([]auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Identity
	for _, ident := range s.identities {
		if ident.UserID == userID {
			out = append(out, ident)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateIdentity(_ context.Context, ident auth.Identity) (auth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[ident.UserID]; !ok {
		return auth.Identity{}, auth.ErrNotFound
	}
	key := pairKey(ident.Provider, ident.Subject)
	if _, ok := s.identIdx[key]; ok {
		return auth.Identity{}, auth.Conflict(store.UniqueProviderSubject, "identity already bound")
	}
	ident.ID = ids.New()
	ident.CreatedAt = s.stamp()
	s.identities[ident.ID] = ident
	s.identIdx[key] = ident.ID
	return ident, nil
}

func (s *Store) SetPasswordHash(_ context.Context, identityID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[identityID]
	if !ok {
		return auth.ErrNotFound
	}
	ident.PasswordHash = hash
	s.identities[identityID] = ident
	return nil
}
