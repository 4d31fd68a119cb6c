package seed_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/rbac"
	"ez4u.app/internal/store"
	"ez4u.app/internal/tenancy"
)

func roleID(t *testing.T, h harness, tenantID, name string) string {
	t.Helper()
	roles, err := h.admin.ListRoles(context.Background(), tenantID)
	require.NoError(t, err)
	for _, r := range roles {
		if r.Name == name {
			return r.ID
		}
	}
	t.Fatalf("role %s not found in tenant %s", name, tenantID)
	return ""
}

func globalRoleID(t *testing.T, h harness, name string) string {
	t.Helper()
	roles, err := h.admin.ListGlobalRoles(context.Background())
	require.NoError(t, err)
	for _, r := range roles {
		if r.Name == name {
			return r.ID
		}
	}
	t.Fatalf("global role %s not found", name)
	return ""
}

func TestScenarioOwnerPermissionsStayInTenant(t *testing.T) {
	h, tenants, users := seededHarness(t)
	ctx := context.Background()
	engine := h.enforcer.Engine()
	jane := users["jane.smith@acme.com"]

	ok, err := engine.HasPermission(ctx, jane, tenants["acme"], rbac.PermTenantUpdate)
	require.NoError(t, err)
	assert.True(t, ok)

	// globex is a child of acme; nothing is inherited
	ok, err = engine.HasPermission(ctx, jane, tenants["globex"], rbac.PermTenantUpdate)
	require.NoError(t, err)
	assert.False(t, ok)

	d, err := h.enforcer.AuthorizeScope(ctx, jane, tenants["globex"])
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.ErrorIs(t, d.Err(), auth.ErrForbidden)
	assert.Empty(t, d.Permissions)
}

func TestScenarioGlobalGrantWithoutMembership(t *testing.T) {
	h, tenants, users := seededHarness(t)
	ctx := context.Background()
	bob := users["bob@gmail.com"]
	wayne := tenants["wayne"]

	require.NoError(t, h.admin.RemoveMember(ctx, wayne, bob))
	ok, err := h.enforcer.Engine().HasPermission(ctx, bob, wayne, rbac.PermDataExport)
	require.NoError(t, err)
	require.False(t, ok)

	expires := time.Now().Add(time.Hour)
	_, err = h.admin.GrantGlobalRole(ctx, rbac.GlobalGrant{
		UserID:       bob,
		GlobalRoleID: globalRoleID(t, h, "superadmin"),
		GrantedBy:    strPtr(users["superadmin@saas.com"]),
		ExpiresAt:    &expires,
	})
	require.NoError(t, err)

	ok, err = h.enforcer.Engine().HasPermission(ctx, bob, wayne, rbac.PermDataExport)
	require.NoError(t, err)
	assert.True(t, ok)

	d, err := h.enforcer.AuthorizeScope(ctx, bob, wayne)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.ViaGlobal)
	assert.False(t, d.Member)

	scope, err := d.Scope()
	require.NoError(t, err)
	export, err := h.resources.Export(ctx, scope)
	require.NoError(t, err)
	require.Len(t, export.Resources, 1)
	assert.Equal(t, "Financial Summary", export.Resources[0].Name)

	// the same grant evaluated after it expired
	later, err := rbac.NewEngine(h.store, rbac.WithClock(func() time.Time { return expires.Add(time.Minute) }))
	require.NoError(t, err)
	ok, err = later.HasPermission(ctx, bob, wayne, rbac.PermDataExport)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScenarioRevocationIsImmediate(t *testing.T) {
	h, tenants, users := seededHarness(t)
	ctx := context.Background()
	bob := users["bob@gmail.com"]
	umbrella := tenants["umbrella"]

	d, err := h.enforcer.AuthorizeScope(ctx, bob, umbrella)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, h.admin.RemoveMember(ctx, umbrella, bob))

	d, err = h.enforcer.AuthorizeScope(ctx, bob, umbrella)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	_, err = d.Scope()
	assert.ErrorIs(t, err, auth.ErrForbidden)

	// the wayne membership is untouched
	d, err = h.enforcer.AuthorizeScope(ctx, bob, tenants["wayne"])
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestScenarioHierarchyCycleRejected(t *testing.T) {
	h, tenants, _ := seededHarness(t)
	ctx := context.Background()

	_, err := h.tenants.Reparent(ctx, tenants["acme"], strPtr(tenants["globex"]))
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	assert.True(t, errors.Is(err, tenancy.ErrCycle))

	_, err = h.tenants.Reparent(ctx, tenants["acme"], strPtr(tenants["acme"]))
	assert.ErrorIs(t, err, tenancy.ErrCycle)

	moved, err := h.tenants.Reparent(ctx, tenants["globex"], strPtr(tenants["wayne"]))
	require.NoError(t, err)
	assert.Equal(t, tenants["wayne"], *moved.ParentID)

	// acme under globex is legal once globex left acme
	_, err = h.tenants.Reparent(ctx, tenants["acme"], strPtr(tenants["globex"]))
	require.NoError(t, err)
}

func TestScenarioDuplicateMembership(t *testing.T) {
	h, tenants, users := seededHarness(t)
	ctx := context.Background()
	acme := tenants["acme"]

	_, err := h.admin.AddMember(ctx, rbac.Membership{
		TenantID: acme,
		UserID:   users["jane.smith@acme.com"],
		RoleID:   roleID(t, h, acme, "customer"),
	})
	require.ErrorIs(t, err, auth.ErrConflict)
	constraint, ok := auth.ConstraintOf(err)
	require.True(t, ok)
	assert.Equal(t, store.UniqueUserTenant, constraint)

	m, err := h.store.FindMembership(ctx, users["jane.smith@acme.com"], acme)
	require.NoError(t, err)
	assert.Equal(t, roleID(t, h, acme, "tenant_owner"), m.RoleID)
}

func strPtr(s string) *string { return &s }
