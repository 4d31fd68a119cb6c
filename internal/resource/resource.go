// Package resource is the tenant-owned business data. Every call takes an rbac.Scope
// and every store query filters on scope.TenantID().
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/rbac"
)

// Resource is a JSON document owned by exactly one tenant.
type Resource struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewResource describes a resource to store under a tenant.
type NewResource struct {
	Name string
	Data json.RawMessage
}

// Store persists resources. Every method takes the owning tenant id and must apply it
// as a filter; a resource of another tenant is ErrNotFound.
type Store interface {
	ListResources(ctx context.Context, tenantID string) ([]Resource, error)
	GetResource(ctx context.Context, tenantID, id string) (Resource, error)
	CreateResource(ctx context.Context, tenantID string, r NewResource) (Resource, error)
}

// Export is a point-in-time dump of a tenant's resources.
type Export struct {
	TenantID   string     `json:"tenant_id"`
	ExportedAt time.Time  `json:"exported_at"`
	Resources  []Resource `json:"resources"`
}

// Service is the scoped data-access boundary.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService constructs the resource service.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("resource store is required")
	}
	return &Service{store: store, now: time.Now}, nil
}

// List returns the resources of the scoped tenant. Requires data.view.
func (s *Service) List(ctx context.Context, scope rbac.Scope) ([]Resource, error) {
	if err := scope.Require(rbac.PermDataView); err != nil {
		return nil, err
	}
	return s.store.ListResources(ctx, scope.TenantID())
}

// Get returns one resource of the scoped tenant. Requires data.view.
func (s *Service) Get(ctx context.Context, scope rbac.Scope, id string) (Resource, error) {
	if err := scope.Require(rbac.PermDataView); err != nil {
		return Resource{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Resource{}, fmt.Errorf("%w: resource_id is required", auth.ErrInvalidInput)
	}
	return s.store.GetResource(ctx, scope.TenantID(), id)
}

// Export dumps every resource of the scoped tenant. Requires data.export.
func (s *Service) Export(ctx context.Context, scope rbac.Scope) (Export, error) {
	if err := scope.Require(rbac.PermDataExport); err != nil {
		return Export{}, err
	}
	items, err := s.store.ListResources(ctx, scope.TenantID())
	if err != nil {
		return Export{}, err
	}
	if items == nil {
		items = []Resource{}
	}
	return Export{
		TenantID:   scope.TenantID(),
		ExportedAt: s.now().UTC(),
		Resources:  items,
	}, nil
}

// ValidateNew checks a resource before it is stored.
func ValidateNew(r NewResource) (NewResource, error) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return NewResource{}, fmt.Errorf("%w: resource name is required", auth.ErrInvalidInput)
	}
	if len(r.Data) == 0 {
		r.Data = json.RawMessage(`{}`)
	}
	var obj map[string]any
	if err := json.Unmarshal(r.Data, &obj); err != nil || obj == nil {
		return NewResource{}, fmt.Errorf("%w: resource data must be a JSON object", auth.ErrInvalidInput)
	}
	return r, nil
}
