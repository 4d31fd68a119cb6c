package resource_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/rbac"
	"ez4u.app/internal/resource"
	"ez4u.app/internal/store/memory"
	"ez4u.app/internal/tenancy"
)

type env struct {
	st       *memory.Store
	svc      *resource.Service
	enforcer *rbac.Enforcer
	acme     string
	wayne    string
	viewer   string
	exporter string
}

func newEnv(t *testing.T) env {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.EnsurePermissions(ctx, rbac.BuiltinPermissions))
	acme, err := st.CreateTenant(ctx, tenancy.NewTenant{Name: "Acme", Slug: "acme"})
	require.NoError(t, err)
	wayne, err := st.CreateTenant(ctx, tenancy.NewTenant{Name: "Wayne", Slug: "wayne"})
	require.NoError(t, err)

	customer, err := st.CreateRole(ctx, rbac.NewRole{TenantID: acme.ID, Name: "customer", Permissions: []string{rbac.PermDataView}})
	require.NoError(t, err)
	analyst, err := st.CreateRole(ctx, rbac.NewRole{TenantID: acme.ID, Name: "analyst", Permissions: []string{rbac.PermDataView, rbac.PermDataExport}})
	require.NoError(t, err)

	mkUser := func(email, roleID string) string {
		u, err := st.CreateUser(ctx, auth.NewUserRecord{
			Email:      email,
			IsActive:   true,
			Identities: []auth.Identity{{Provider: "google", Subject: email}},
			Membership: &auth.InitialMembership{TenantID: acme.ID, RoleID: roleID},
		})
		require.NoError(t, err)
		return u.ID
	}

	for _, name := range []string{"Q3 Sales Report", "Customer List"} {
		_, err := st.CreateResource(ctx, acme.ID, resource.NewResource{Name: name, Data: json.RawMessage(`{"type":"document"}`)})
		require.NoError(t, err)
	}
	_, err = st.CreateResource(ctx, wayne.ID, resource.NewResource{Name: "Financial Summary"})
	require.NoError(t, err)

	svc, err := resource.NewService(st)
	require.NoError(t, err)
	engine, err := rbac.NewEngine(st)
	require.NoError(t, err)
	enforcer, err := rbac.NewEnforcer(engine)
	require.NoError(t, err)
	return env{
		st:       st,
		svc:      svc,
		enforcer: enforcer,
		acme:     acme.ID,
		wayne:    wayne.ID,
		viewer:   mkUser("john@acme.test", customer.ID),
		exporter: mkUser("ann@acme.test", analyst.ID),
	}
}

func TestListAndGetAreTenantScoped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	scope, err := e.enforcer.Authorize(ctx, e.viewer, e.acme)
	require.NoError(t, err)
	items, err := e.svc.List(ctx, scope)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, e.acme, it.TenantID)
	}

	got, err := e.svc.Get(ctx, scope, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, items[0].Name, got.Name)

	foreign, err := e.st.ListResources(ctx, e.wayne)
	require.NoError(t, err)
	require.Len(t, foreign, 1)
	assert.JSONEq(t, `{}`, string(foreign[0].Data))
	_, err = e.svc.Get(ctx, scope, foreign[0].ID)
	assert.ErrorIs(t, err, auth.ErrNotFound)

	_, err = e.svc.Get(ctx, scope, " ")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	_, err = e.enforcer.Authorize(ctx, e.viewer, e.wayne)
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestExportRequiresPermission(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	scope, err := e.enforcer.Authorize(ctx, e.viewer, e.acme)
	require.NoError(t, err)
	_, err = e.svc.Export(ctx, scope)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	scope, err = e.enforcer.Authorize(ctx, e.exporter, e.acme)
	require.NoError(t, err)
	out, err := e.svc.Export(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, e.acme, out.TenantID)
	assert.Len(t, out.Resources, 2)
	assert.False(t, out.ExportedAt.IsZero())
}

func TestZeroScopeIsRejected(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.List(context.Background(), rbac.Scope{})
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestValidateNew(t *testing.T) {
	r, err := resource.ValidateNew(resource.NewResource{Name: " Plan ", Data: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, "Plan", r.Name)

	r, err = resource.ValidateNew(resource.NewResource{Name: "Empty"})
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(r.Data))

	for _, raw := range []string{`[]`, `"x"`, `null`, `{`} {
		_, err := resource.ValidateNew(resource.NewResource{Name: "Bad", Data: json.RawMessage(raw)})
		assert.ErrorIs(t, err, auth.ErrInvalidInput, raw)
	}
	_, err = resource.ValidateNew(resource.NewResource{Name: "  "})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}
