// Package tenancy models the tenant forest. Parents are referenced by id and the
// hierarchy is kept acyclic on every write; it carries no permission inheritance.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"ez4u.app/internal/auth"
)

// Tenant is an organisation that owns roles, memberships and resources.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	ParentID  *string   `json:"parent_tenant_id"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTenant describes a tenant to create.
type NewTenant struct {
	Name     string
	Slug     string
	ParentID *string
}

// Update carries optional changes applied as one write. When Move is set the tenant is
// placed under ParentID, or becomes a root when ParentID is nil.
type Update struct {
	Name     *string
	IsActive *bool
	Move     bool
	ParentID *string
}

// Store persists tenants. UpdateTenant applies every field or none: with Move set,
// implementations run CheckAcyclic inside the same transaction before writing anything.
// DeleteTenant orphans children.
type Store interface {
	CreateTenant(ctx context.Context, t NewTenant) (Tenant, error)
	GetTenant(ctx context.Context, id string) (Tenant, error)
	ListTenants(ctx context.Context, parentID *string) ([]Tenant, error)
	UpdateTenant(ctx context.Context, id string, upd Update) (Tenant, error)
	DeleteTenant(ctx context.Context, id string) error
}

// ParentLookup returns the parent id of a tenant (nil for roots) or auth.ErrNotFound.
type ParentLookup func(ctx context.Context, id string) (*string, error)

// MaxDepth bounds every walk up the hierarchy.
const MaxDepth = 256

// ErrCycle is wrapped into the validation error returned for cyclic parent assignments.
var ErrCycle = errors.New("tenant hierarchy cycle")

// CheckAcyclic verifies that making newParent the parent of id keeps the forest acyclic.
// The walk starts at newParent and fails if it reaches id.
func CheckAcyclic(ctx context.Context, lookup ParentLookup, id string, newParent *string) error {
	if newParent == nil {
		return nil
	}
	if *newParent == id {
		return fmt.Errorf("%w: %w: tenant cannot be its own parent", auth.ErrInvalidInput, ErrCycle)
	}
	visited := make(map[string]struct{}, 8)
	cur := *newParent
	for depth := 0; ; depth++ {
		if depth >= MaxDepth {
			return fmt.Errorf("%w: tenant hierarchy deeper than %d", auth.ErrInvalidInput, MaxDepth)
		}
		if cur == id {
			return fmt.Errorf("%w: %w: %s is a descendant of %s", auth.ErrInvalidInput, ErrCycle, *newParent, id)
		}
		if _, seen := visited[cur]; seen {
			return fmt.Errorf("%w: %w: existing cycle through %s", auth.ErrInvalidInput, ErrCycle, cur)
		}
		visited[cur] = struct{}{}
		parent, err := lookup(ctx, cur)
		if err != nil {
			return err
		}
		if parent == nil {
			return nil
		}
		cur = *parent
	}
}

var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,98}[a-z0-9])?$`)

// ValidSlug reports whether s is an acceptable tenant slug.
func ValidSlug(s string) bool { return slugPattern.MatchString(s) }

// Graph is the application-facing view of the tenant forest.
type Graph struct {
	store Store
}

// NewGraph wraps a tenant store.
func NewGraph(store Store) (*Graph, error) {
	if store == nil {
		return nil, errors.New("tenant store is required")
	}
	return &Graph{store: store}, nil
}

// Create adds a root tenant or a child of an existing tenant.
func (g *Graph) Create(ctx context.Context, t NewTenant) (Tenant, error) {
	t.Name = strings.TrimSpace(t.Name)
	t.Slug = strings.ToLower(strings.TrimSpace(t.Slug))
	if t.Name == "" {
		return Tenant{}, fmt.Errorf("%w: tenant name is required", auth.ErrInvalidInput)
	}
	if !ValidSlug(t.Slug) {
		return Tenant{}, fmt.Errorf("%w: slug must be lowercase letters, digits and dashes", auth.ErrInvalidInput)
	}
	t.ParentID = normalizeParent(t.ParentID)
	return g.store.CreateTenant(ctx, t)
}

// Get returns a tenant by id.
func (g *Graph) Get(ctx context.Context, id string) (Tenant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Tenant{}, fmt.Errorf("%w: tenant_id is required", auth.ErrInvalidInput)
	}
	return g.store.GetTenant(ctx, id)
}

// List returns the children of parentID, or the roots when parentID is nil.
func (g *Graph) List(ctx context.Context, parentID *string) ([]Tenant, error) {
	parent := normalizeParent(parentID)
	if parent == nil {
		return g.store.ListTenants(ctx, nil)
	}
	return g.ListChildren(ctx, *parent)
}

// ListRoots returns tenants without a parent.
func (g *Graph) ListRoots(ctx context.Context) ([]Tenant, error) {
	return g.store.ListTenants(ctx, nil)
}

// ListChildren returns the direct children of a tenant.
func (g *Graph) ListChildren(ctx context.Context, id string) ([]Tenant, error) {
	if _, err := g.Get(ctx, id); err != nil {
		return nil, err
	}
	return g.store.ListTenants(ctx, &id)
}

// Ancestors returns the chain of parents nearest first, ending at a root.
func (g *Graph) Ancestors(ctx context.Context, id string) ([]Tenant, error) {
	t, err := g.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var chain []Tenant
	visited := map[string]struct{}{t.ID: {}}
	for t.ParentID != nil {
		if len(chain) >= MaxDepth {
			return nil, fmt.Errorf("tenant %s: hierarchy deeper than %d", id, MaxDepth)
		}
		pid := *t.ParentID
		if _, seen := visited[pid]; seen {
			return nil, fmt.Errorf("tenant %s: %w at %s", id, ErrCycle, pid)
		}
		visited[pid] = struct{}{}
		t, err = g.store.GetTenant(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("load ancestor %s: %w", pid, err)
		}
		chain = append(chain, t)
	}
	return chain, nil
}

// Update changes name, the active flag and, with Move set, the parent in one step.
func (g *Graph) Update(ctx context.Context, id string, upd Update) (Tenant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Tenant{}, fmt.Errorf("%w: tenant_id is required", auth.ErrInvalidInput)
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Tenant{}, fmt.Errorf("%w: tenant name cannot be empty", auth.ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.Move {
		upd.ParentID = normalizeParent(upd.ParentID)
	} else {
		upd.ParentID = nil
	}
	return g.store.UpdateTenant(ctx, id, upd)
}

// Reparent moves a tenant under parentID, or makes it a root when parentID is nil.
func (g *Graph) Reparent(ctx context.Context, id string, parentID *string) (Tenant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Tenant{}, fmt.Errorf("%w: tenant_id is required", auth.ErrInvalidInput)
	}
	return g.store.UpdateTenant(ctx, id, Update{Move: true, ParentID: normalizeParent(parentID)})
}

// Delete removes a tenant with its roles, memberships and resources. Children become roots.
func (g *Graph) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: tenant_id is required", auth.ErrInvalidInput)
	}
	return g.store.DeleteTenant(ctx, id)
}

func normalizeParent(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}
