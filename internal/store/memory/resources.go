package memory

import (
	"context"
	"sort"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/ids"
	"ez4u.app/internal/resource"
)

func (s *Store) ListResources(_ context.Context, tenantID string) ([]resource.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []resource.Resource{}
	for _, r := range s.resources {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetResource reports resources of other tenants as not found.
func (s *Store) GetResource(_ context.Context, tenantID, id string) (resource.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[id]
	if !ok || r.TenantID != tenantID {
		return resource.Resource{}, auth.ErrNotFound
	}
	return r, nil
}

func (s *Store) CreateResource(_ context.Context, tenantID string, nr resource.NewResource) (resource.Resource, error) {
	nr, err := resource.ValidateNew(nr)
	if err != nil {
		return resource.Resource{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return resource.Resource{}, auth.ErrNotFound
	}
	now := s.stamp()
	r := resource.Resource{
		ID:        ids.New(),
		TenantID:  tenantID,
		Name:      nr.Name,
		Data:      append([]byte(nil), nr.Data...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.resources[r.ID] = r
	return r, nil
}
