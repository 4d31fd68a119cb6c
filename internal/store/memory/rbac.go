package memory

import (
	"context"
	"fmt"
	"sort"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/ids"
	"ez4u.app/internal/rbac"
	"ez4u.app/internal/store"
)

func (s *Store) FindMembership(_ context.Context, userID, tenantID string) (rbac.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mid, ok := s.memberIdx[pairKey(userID, tenantID)]
	if !ok {
		return rbac.Membership{}, auth.ErrNotFound
	}
	return s.members[mid], nil
}

func (s *Store) RolePermissions(_ context.Context, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.roles[roleID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return append([]string(nil), rec.perms...), nil
}

// ListGlobalGrants returns every grant of the user, expired ones included.
func (s *Store) ListGlobalGrants(_ context.Context, userID string) ([]rbac.GlobalGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.GlobalGrant
	for _, g := range s.grants {
		if g.UserID != userID {
			continue
		}
		out = append(out, s.decorateGrant(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalRoleID < out[j].GlobalRoleID })
	return out, nil
}

func (s *Store) decorateGrant(g rbac.GlobalGrant) rbac.GlobalGrant {
	g.GrantedBy = cloneString(g.GrantedBy)
	if g.ExpiresAt != nil {
		exp := *g.ExpiresAt
		g.ExpiresAt = &exp
	}
	if rec, ok := s.globalRoles[g.GlobalRoleID]; ok {
		g.RoleName = rec.role.Name
		g.Permissions = append([]string(nil), rec.perms...)
	}
	return g
}

func (s *Store) EnsurePermissions(_ context.Context, perms []rbac.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if existing, ok := s.permissions[p.Name]; ok {
			existing.Category = p.Category
			s.permissions[p.Name] = existing
			continue
		}
		p.ID = ids.New()
		s.permissions[p.Name] = p
	}
	return nil
}

func (s *Store) ListPermissions(_ context.Context) ([]rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) checkPermissions(perms []string) error {
	for _, p := range perms {
		if _, ok := s.permissions[p]; !ok {
			return fmt.Errorf("%w: unknown permission %q", auth.ErrInvalidInput, p)
		}
	}
	return nil
}

func (s *Store) CreateRole(_ context.Context, nr rbac.NewRole) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[nr.TenantID]; !ok {
		return rbac.Role{}, auth.ErrNotFound
	}
	if _, ok := s.roleNameIdx[pairKey(nr.TenantID, nr.Name)]; ok {
		return rbac.Role{}, auth.Conflict(store.UniqueTenantRoleName, "role name already used in tenant")
	}
	if err := s.checkPermissions(nr.Permissions); err != nil {
		return rbac.Role{}, err
	}
	rec := &roleRecord{
		role: rbac.Role{
			ID:          ids.New(),
			TenantID:    nr.TenantID,
			Name:        nr.Name,
			Description: nr.Description,
			IsSystem:    nr.IsSystem,
			CreatedAt:   s.stamp(),
		},
		perms: sortedCopy(nr.Permissions),
	}
	s.roles[rec.role.ID] = rec
	s.roleNameIdx[pairKey(nr.TenantID, nr.Name)] = rec.role.ID
	return rec.view(), nil
}

func (r *roleRecord) view() rbac.Role {
	role := r.role
	role.Permissions = append([]string{}, r.perms...)
	return role
}

func (s *Store) GetRole(_ context.Context, roleID string) (rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.roles[roleID]
	if !ok {
		return rbac.Role{}, auth.ErrNotFound
	}
	return rec.view(), nil
}

func (s *Store) ListRoles(_ context.Context, tenantID string) ([]rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return nil, auth.ErrNotFound
	}
	out := []rbac.Role{}
	for _, rec := range s.roles {
		if rec.role.TenantID == tenantID {
			out = append(out, rec.view())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) SetRolePermissions(_ context.Context, roleID string, perms []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.roles[roleID]
	if !ok {
		return auth.ErrNotFound
	}
	if err := s.checkPermissions(perms); err != nil {
		return err
	}
	rec.perms = sortedCopy(perms)
	return nil
}

// DeleteRole is restricted while any membership references the role.
func (s *Store) DeleteRole(_ context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.roles[roleID]
	if !ok {
		return auth.ErrNotFound
	}
	for _, m := range s.members {
		if m.RoleID == roleID {
			return auth.Conflict(store.FKMembershipRole, "role is assigned to members")
		}
	}
	delete(s.roleNameIdx, pairKey(rec.role.TenantID, rec.role.Name))
	delete(s.roles, roleID)
	return nil
}

func (s *Store) checkRoleInTenant(roleID, tenantID string) error {
	rec, ok := s.roles[roleID]
	if !ok {
		return auth.ErrNotFound
	}
	if rec.role.TenantID != tenantID {
		return fmt.Errorf("%w: role does not belong to tenant", auth.ErrInvalidInput)
	}
	return nil
}

func (s *Store) insertMembership(m rbac.Membership) rbac.Membership {
	now := s.stamp()
	m.ID = ids.New()
	m.CreatedAt = now
	m.UpdatedAt = now
	s.members[m.ID] = m
	s.memberIdx[pairKey(m.UserID, m.TenantID)] = m.ID
	return m
}

func (s *Store) deleteMembership(id string, m rbac.Membership) {
	delete(s.memberIdx, pairKey(m.UserID, m.TenantID))
	delete(s.members, id)
}

func (s *Store) CreateMembership(_ context.Context, m rbac.Membership) (rbac.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[m.TenantID]; !ok {
		return rbac.Membership{}, auth.ErrNotFound
	}
	if _, ok := s.users[m.UserID]; !ok {
		return rbac.Membership{}, auth.ErrNotFound
	}
	if err := s.checkRoleInTenant(m.RoleID, m.TenantID); err != nil {
		return rbac.Membership{}, err
	}
	if _, ok := s.memberIdx[pairKey(m.UserID, m.TenantID)]; ok {
		return rbac.Membership{}, auth.Conflict(store.UniqueUserTenant, "user is already a member of the tenant")
	}
	return s.insertMembership(m), nil
}

func (s *Store) UpdateMembership(_ context.Context, userID, tenantID string, upd rbac.MembershipUpdate) (rbac.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mid, ok := s.memberIdx[pairKey(userID, tenantID)]
	if !ok {
		return rbac.Membership{}, auth.ErrNotFound
	}
	m := s.members[mid]
	if upd.RoleID != nil {
		if err := s.checkRoleInTenant(*upd.RoleID, tenantID); err != nil {
			return rbac.Membership{}, err
		}
		m.RoleID = *upd.RoleID
	}
	if upd.Status != nil {
		m.Status = *upd.Status
	}
	m.UpdatedAt = s.stamp()
	s.members[mid] = m
	return m, nil
}

func (s *Store) DeleteMembership(_ context.Context, userID, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mid, ok := s.memberIdx[pairKey(userID, tenantID)]
	if !ok {
		return auth.ErrNotFound
	}
	s.deleteMembership(mid, s.members[mid])
	return nil
}

func (s *Store) ListMemberships(_ context.Context, tenantID string) ([]rbac.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return nil, auth.ErrNotFound
	}
	out := []rbac.Membership{}
	for _, m := range s.members {
		if m.TenantID == tenantID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateGlobalRole(_ context.Context, gr rbac.GlobalRole) (rbac.GlobalRole, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.globalRoleNameIdx[gr.Name]; ok {
		return rbac.GlobalRole{}, auth.Conflict(store.UniqueGlobalRoleName, "global role already exists")
	}
	if err := s.checkPermissions(gr.Permissions); err != nil {
		return rbac.GlobalRole{}, err
	}
	rec := &globalRoleRecord{
		role:  rbac.GlobalRole{ID: ids.New(), Name: gr.Name, Description: gr.Description},
		perms: sortedCopy(gr.Permissions),
	}
	s.globalRoles[rec.role.ID] = rec
	s.globalRoleNameIdx[gr.Name] = rec.role.ID
	return rec.view(), nil
}

func (r *globalRoleRecord) view() rbac.GlobalRole {
	role := r.role
	role.Permissions = append([]string{}, r.perms...)
	return role
}

func (s *Store) ListGlobalRoles(_ context.Context) ([]rbac.GlobalRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.GlobalRole, 0, len(s.globalRoles))
	for _, rec := range s.globalRoles {
		out = append(out, rec.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GrantGlobalRole(_ context.Context, g rbac.GlobalGrant) (rbac.GlobalGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[g.UserID]; !ok {
		return rbac.GlobalGrant{}, auth.ErrNotFound
	}
	if _, ok := s.globalRoles[g.GlobalRoleID]; !ok {
		return rbac.GlobalGrant{}, auth.ErrNotFound
	}
	if g.GrantedBy != nil {
		if _, ok := s.users[*g.GrantedBy]; !ok {
			return rbac.GlobalGrant{}, auth.ErrNotFound
		}
	}
	key := pairKey(g.UserID, g.GlobalRoleID)
	if _, ok := s.grants[key]; ok {
		return rbac.GlobalGrant{}, auth.Conflict(store.PKUserGlobalRoles, "global role already granted")
	}
	g.CreatedAt = s.stamp()
	g.Permissions = nil
	g.GrantedBy = cloneString(g.GrantedBy)
	s.grants[key] = g
	return s.decorateGrant(g), nil
}

func (s *Store) RevokeGlobalRole(_ context.Context, userID, globalRoleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(userID, globalRoleID)
	if _, ok := s.grants[key]; !ok {
		return auth.ErrNotFound
	}
	delete(s.grants, key)
	return nil
}

// ListDirectory returns users sorted by email with their tenant memberships.
func (s *Store) ListDirectory(_ context.Context, tenantID *string) ([]rbac.DirectoryUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tenantID != nil {
		if _, ok := s.tenants[*tenantID]; !ok {
			return nil, auth.ErrNotFound
		}
	}
	views := map[string][]rbac.MembershipView{}
	for _, m := range s.members {
		if tenantID != nil && m.TenantID != *tenantID {
			continue
		}
		t := s.tenants[m.TenantID]
		v := rbac.MembershipView{
			TenantID:   m.TenantID,
			TenantSlug: t.Slug,
			TenantName: t.Name,
			RoleID:     m.RoleID,
			Status:     m.Status,
		}
		if rec, ok := s.roles[m.RoleID]; ok {
			v.RoleName = rec.role.Name
		}
		views[m.UserID] = append(views[m.UserID], v)
	}
	out := []rbac.DirectoryUser{}
	for _, u := range s.users {
		ms, member := views[u.ID]
		if tenantID != nil && !member {
			continue
		}
		sort.Slice(ms, func(i, j int) bool { return ms[i].TenantSlug < ms[j].TenantSlug })
		out = append(out, rbac.DirectoryUser{User: u, Memberships: ms})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}
