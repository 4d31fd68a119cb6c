package memory

import (
	"context"
	"sort"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/ids"
	"ez4u.app/internal/store"
	"ez4u.app/internal/tenancy"
)

func (s *Store) CreateTenant(_ context.Context, nt tenancy.NewTenant) (tenancy.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slugIdx[nt.Slug]; ok {
		return tenancy.Tenant{}, auth.Conflict(store.UniqueTenantSlug, "slug already taken")
	}
	if nt.ParentID != nil {
		if _, ok := s.tenants[*nt.ParentID]; !ok {
			return tenancy.Tenant{}, auth.ErrNotFound
		}
	}
	now := s.stamp()
	t := tenancy.Tenant{
		ID:        ids.New(),
		Name:      nt.Name,
		Slug:      nt.Slug,
		ParentID:  cloneString(nt.ParentID),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tenants[t.ID] = t
	s.slugIdx[t.Slug] = t.ID
	return cloneTenant(t), nil
}

func (s *Store) GetTenant(_ context.Context, id string) (tenancy.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return tenancy.Tenant{}, auth.ErrNotFound
	}
	return cloneTenant(t), nil
}

func (s *Store) ListTenants(_ context.Context, parentID *string) ([]tenancy.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []tenancy.Tenant{}
	for _, t := range s.tenants {
		switch {
		case parentID == nil && t.ParentID == nil:
		case parentID != nil && t.ParentID != nil && *t.ParentID == *parentID:
		default:
			continue
		}
		out = append(out, cloneTenant(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateTenant validates the move, if any, before touching the record; all changes
// land under one write lock.
func (s *Store) UpdateTenant(ctx context.Context, id string, upd tenancy.Update) (tenancy.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return tenancy.Tenant{}, auth.ErrNotFound
	}
	if upd.Move {
		if upd.ParentID != nil {
			if _, ok := s.tenants[*upd.ParentID]; !ok {
				return tenancy.Tenant{}, auth.ErrNotFound
			}
		}
		lookup := func(_ context.Context, tid string) (*string, error) {
			cur, ok := s.tenants[tid]
			if !ok {
				return nil, auth.ErrNotFound
			}
			return cur.ParentID, nil
		}
		if err := tenancy.CheckAcyclic(ctx, lookup, id, upd.ParentID); err != nil {
			return tenancy.Tenant{}, err
		}
		t.ParentID = cloneString(upd.ParentID)
	}
	if upd.Name != nil {
		t.Name = *upd.Name
	}
	if upd.IsActive != nil {
		t.IsActive = *upd.IsActive
	}
	t.UpdatedAt = s.stamp()
	s.tenants[id] = t
	return cloneTenant(t), nil
}

// DeleteTenant cascades to roles, memberships and resources and orphans child tenants.
func (s *Store) DeleteTenant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return auth.ErrNotFound
	}
	for mid, m := range s.members {
		if m.TenantID == id {
			s.deleteMembership(mid, m)
		}
	}
	for rid, rec := range s.roles {
		if rec.role.TenantID == id {
			delete(s.roleNameIdx, pairKey(id, rec.role.Name))
			delete(s.roles, rid)
		}
	}
	for resID, r := range s.resources {
		if r.TenantID == id {
			delete(s.resources, resID)
		}
	}
	now := s.stamp()
	for cid, child := range s.tenants {
		if child.ParentID != nil && *child.ParentID == id {
			child.ParentID = nil
			child.UpdatedAt = now
			s.tenants[cid] = child
		}
	}
	delete(s.slugIdx, t.Slug)
	delete(s.tenants, id)
	return nil
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTenant(t tenancy.Tenant) tenancy.Tenant {
	t.ParentID = cloneString(t.ParentID)
	return t
}
