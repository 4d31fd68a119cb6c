// Package seed loads demo data from a YAML fixture through the regular services, so every
// write goes through the same validation and constraints as the API.
package seed

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/obs"
	"ez4u.app/internal/rbac"
	"ez4u.app/internal/resource"
	"ez4u.app/internal/tenancy"
)

//go:embed testdata/demo.yaml
var demoFixture []byte

// Fixture is the YAML document layout.
type Fixture struct {
	GlobalRoles []GlobalRoleSpec `yaml:"global_roles"`
	// SystemRoles are created in every tenant with is_system_role set.
	SystemRoles []RoleSpec     `yaml:"system_roles"`
	Tenants     []TenantSpec   `yaml:"tenants"`
	Users       []UserSpec     `yaml:"users"`
	Resources   []ResourceSpec `yaml:"resources"`
}

type GlobalRoleSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type RoleSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type TenantSpec struct {
	Slug   string     `yaml:"slug"`
	Name   string     `yaml:"name"`
	Parent string     `yaml:"parent"`
	Roles  []RoleSpec `yaml:"roles"`
}

type IdentitySpec struct {
	Provider string `yaml:"provider"`
	Subject  string `yaml:"subject"`
}

type MembershipSpec struct {
	Tenant string `yaml:"tenant"`
	Role   string `yaml:"role"`
	Status string `yaml:"status"`
}

type UserSpec struct {
	Email       string           `yaml:"email"`
	DisplayName string           `yaml:"display_name"`
	Password    string           `yaml:"password"`
	Identities  []IdentitySpec   `yaml:"identities"`
	GlobalRoles []string         `yaml:"global_roles"`
	Memberships []MembershipSpec `yaml:"memberships"`
}

type ResourceSpec struct {
	Tenant string         `yaml:"tenant"`
	Name   string         `yaml:"name"`
	Data   map[string]any `yaml:"data"`
}

// Demo returns the bundled demo fixture.
func Demo() (Fixture, error) {
	return Parse(demoFixture)
}

// Load reads a fixture file; an empty path selects the bundled demo.
func Load(path string) (Fixture, error) {
	if strings.TrimSpace(path) == "" {
		return Demo()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and checks cross references inside a fixture.
func Parse(raw []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	if err := f.validate(); err != nil {
		return Fixture{}, err
	}
	return f, nil
}

func (f Fixture) validate() error {
	slugs := make(map[string]TenantSpec, len(f.Tenants))
	for _, t := range f.Tenants {
		if _, dup := slugs[t.Slug]; dup {
			return fmt.Errorf("fixture: tenant %q listed twice", t.Slug)
		}
		if t.Parent != "" {
			if _, ok := slugs[t.Parent]; !ok {
				return fmt.Errorf("fixture: tenant %q: parent %q must be listed before it", t.Slug, t.Parent)
			}
		}
		slugs[t.Slug] = t
	}
	globals := make(map[string]struct{}, len(f.GlobalRoles))
	for _, g := range f.GlobalRoles {
		globals[g.Name] = struct{}{}
	}
	for _, u := range f.Users {
		for _, g := range u.GlobalRoles {
			if _, ok := globals[g]; !ok {
				return fmt.Errorf("fixture: user %s: unknown global role %q", u.Email, g)
			}
		}
		for _, m := range u.Memberships {
			t, ok := slugs[m.Tenant]
			if !ok {
				return fmt.Errorf("fixture: user %s: unknown tenant %q", u.Email, m.Tenant)
			}
			if !hasRole(f.SystemRoles, m.Role) && !hasRole(t.Roles, m.Role) {
				return fmt.Errorf("fixture: user %s: tenant %s has no role %q", u.Email, m.Tenant, m.Role)
			}
		}
	}
	for _, r := range f.Resources {
		if _, ok := slugs[r.Tenant]; !ok {
			return fmt.Errorf("fixture: resource %q: unknown tenant %q", r.Name, r.Tenant)
		}
	}
	return nil
}

func hasRole(roles []RoleSpec, name string) bool {
	for _, r := range roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Summary counts what Apply created.
type Summary struct {
	Skipped     bool
	GlobalRoles int
	Tenants     int
	Roles       int
	Users       int
	Memberships int
	Grants      int
	Resources   int
}

// Seeder writes fixtures through the services.
type Seeder struct {
	users     *auth.Service
	tenants   *tenancy.Graph
	admin     *rbac.Admin
	resources resource.Store
}

// New constructs a seeder.
func New(users *auth.Service, tenants *tenancy.Graph, admin *rbac.Admin, resources resource.Store) (*Seeder, error) {
	if users == nil || tenants == nil || admin == nil || resources == nil {
		return nil, errors.New("seed: users, tenants, admin and resources are required")
	}
	return &Seeder{users: users, tenants: tenants, admin: admin, resources: resources}, nil
}

// Apply loads the fixture. The builtin permission catalog is always ensured; the rest is
// skipped when the fixture's global roles already exist, so running it twice is harmless.
// A partially applied fixture is not rolled back.
func (s *Seeder) Apply(ctx context.Context, f Fixture) (Summary, error) {
	var sum Summary
	if err := s.admin.EnsureBuiltins(ctx); err != nil {
		return sum, fmt.Errorf("ensure permissions: %w", err)
	}
	existing, err := s.admin.ListGlobalRoles(ctx)
	if err != nil {
		return sum, fmt.Errorf("list global roles: %w", err)
	}
	if seeded(existing, f.GlobalRoles) {
		obs.Logger().Info("seed_skipped")
		sum.Skipped = true
		return sum, nil
	}

	globalIDs := make(map[string]string, len(f.GlobalRoles))
	for _, g := range f.GlobalRoles {
		created, err := s.admin.CreateGlobalRole(ctx, rbac.GlobalRole{Name: g.Name, Description: g.Description, Permissions: g.Permissions})
		if err != nil {
			return sum, fmt.Errorf("global role %s: %w", g.Name, err)
		}
		globalIDs[g.Name] = created.ID
		sum.GlobalRoles++
	}

	tenantIDs := make(map[string]string, len(f.Tenants))
	roleIDs := make(map[string]string)
	for _, t := range f.Tenants {
		nt := tenancy.NewTenant{Name: t.Name, Slug: t.Slug}
		if t.Parent != "" {
			parent := tenantIDs[t.Parent]
			nt.ParentID = &parent
		}
		created, err := s.tenants.Create(ctx, nt)
		if err != nil {
			return sum, fmt.Errorf("tenant %s: %w", t.Slug, err)
		}
		tenantIDs[t.Slug] = created.ID
		sum.Tenants++

		for _, r := range f.SystemRoles {
			id, err := s.createRole(ctx, created.ID, r, true)
			if err != nil {
				return sum, fmt.Errorf("tenant %s: %w", t.Slug, err)
			}
			roleIDs[t.Slug+"/"+r.Name] = id
			sum.Roles++
		}
		for _, r := range t.Roles {
			id, err := s.createRole(ctx, created.ID, r, false)
			if err != nil {
				return sum, fmt.Errorf("tenant %s: %w", t.Slug, err)
			}
			roleIDs[t.Slug+"/"+r.Name] = id
			sum.Roles++
		}
	}

	for _, u := range f.Users {
		req := auth.CreateUserRequest{Email: u.Email, DisplayName: u.DisplayName, Password: u.Password}
		for _, ident := range u.Identities {
			req.Identities = append(req.Identities, auth.ExternalIdentity{Provider: ident.Provider, Subject: ident.Subject})
		}
		user, err := s.users.CreateUser(ctx, req)
		if err != nil {
			return sum, fmt.Errorf("user %s: %w", u.Email, err)
		}
		sum.Users++
		for _, m := range u.Memberships {
			_, err := s.admin.AddMember(ctx, rbac.Membership{
				TenantID: tenantIDs[m.Tenant],
				UserID:   user.ID,
				RoleID:   roleIDs[m.Tenant+"/"+m.Role],
				Status:   rbac.MembershipStatus(m.Status),
			})
			if err != nil {
				return sum, fmt.Errorf("user %s in %s: %w", u.Email, m.Tenant, err)
			}
			sum.Memberships++
		}
		for _, g := range u.GlobalRoles {
			if _, err := s.admin.GrantGlobalRole(ctx, rbac.GlobalGrant{UserID: user.ID, GlobalRoleID: globalIDs[g]}); err != nil {
				return sum, fmt.Errorf("user %s global role %s: %w", u.Email, g, err)
			}
			sum.Grants++
		}
	}

	for _, r := range f.Resources {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return sum, fmt.Errorf("resource %q: %w", r.Name, err)
		}
		nr, err := resource.ValidateNew(resource.NewResource{Name: r.Name, Data: data})
		if err != nil {
			return sum, fmt.Errorf("resource %q: %w", r.Name, err)
		}
		if _, err := s.resources.CreateResource(ctx, tenantIDs[r.Tenant], nr); err != nil {
			return sum, fmt.Errorf("resource %q: %w", r.Name, err)
		}
		sum.Resources++
	}

	obs.Logger().WithFields(logrus.Fields{
		"tenants":   sum.Tenants,
		"roles":     sum.Roles,
		"users":     sum.Users,
		"resources": sum.Resources,
	}).Info("seed_applied")
	return sum, nil
}

func (s *Seeder) createRole(ctx context.Context, tenantID string, r RoleSpec, system bool) (string, error) {
	role, err := s.admin.CreateRole(ctx, rbac.NewRole{
		TenantID:    tenantID,
		Name:        r.Name,
		Description: r.Description,
		IsSystem:    system,
		Permissions: r.Permissions,
	})
	if err != nil {
		return "", fmt.Errorf("role %s: %w", r.Name, err)
	}
	return role.ID, nil
}

func seeded(existing []rbac.GlobalRole, want []GlobalRoleSpec) bool {
	if len(want) == 0 {
		return false
	}
	for _, g := range existing {
		if g.Name == want[0].Name {
			return true
		}
	}
	return false
}

// SuperadminRole is the global role BootstrapAdmin grants.
const SuperadminRole = "superadmin"

// BootstrapAdmin creates the first operator account: a local user holding the superadmin
// global role, which is created with every builtin permission if missing.
func (s *Seeder) BootstrapAdmin(ctx context.Context, email, password string) (auth.User, error) {
	if strings.TrimSpace(password) == "" {
		return auth.User{}, fmt.Errorf("%w: password is required", auth.ErrInvalidInput)
	}
	if err := s.admin.EnsureBuiltins(ctx); err != nil {
		return auth.User{}, fmt.Errorf("ensure permissions: %w", err)
	}
	roles, err := s.admin.ListGlobalRoles(ctx)
	if err != nil {
		return auth.User{}, err
	}
	var roleID string
	for _, r := range roles {
		if r.Name == SuperadminRole {
			roleID = r.ID
			break
		}
	}
	if roleID == "" {
		perms := make([]string, 0, len(rbac.BuiltinPermissions))
		for _, p := range rbac.BuiltinPermissions {
			perms = append(perms, p.Name)
		}
		created, err := s.admin.CreateGlobalRole(ctx, rbac.GlobalRole{Name: SuperadminRole, Description: "Full system access", Permissions: perms})
		if err != nil {
			return auth.User{}, fmt.Errorf("create %s role: %w", SuperadminRole, err)
		}
		roleID = created.ID
	}
	user, err := s.users.CreateUser(ctx, auth.CreateUserRequest{Email: email, DisplayName: "Administrator", Password: password})
	if err != nil {
		return auth.User{}, err
	}
	if _, err := s.admin.GrantGlobalRole(ctx, rbac.GlobalGrant{UserID: user.ID, GlobalRoleID: roleID}); err != nil {
		return auth.User{}, fmt.Errorf("grant %s: %w", SuperadminRole, err)
	}
	return user, nil
}
