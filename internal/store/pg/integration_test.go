package pg_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/migrate"
	"ez4u.app/internal/rbac"
	"ez4u.app/internal/seed"
	"ez4u.app/internal/store"
	"ez4u.app/internal/store/pg"
	"ez4u.app/internal/tenancy"
)

// TestDemoScenarioAgainstPostgres runs against a disposable database named by EZ4U_TEST_PG_DSN.
func TestDemoScenarioAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("EZ4U_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("EZ4U_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s, err := pg.Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := migrate.NewManager(s.DB()).Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	tokens, err := auth.NewTokenService([]byte(auth.DevSigningKey))
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	users, err := auth.NewService(s, tokens)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	graph, err := tenancy.NewGraph(s)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	admin, err := rbac.NewAdmin(s)
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	seeder, err := seed.New(users, graph, admin, s)
	if err != nil {
		t.Fatalf("seeder: %v", err)
	}
	fixture, err := seed.Demo()
	if err != nil {
		t.Fatalf("demo fixture: %v", err)
	}
	if _, err := seeder.Apply(ctx, fixture); err != nil {
		t.Fatalf("seed: %v", err)
	}

	tenants := map[string]string{}
	roots, err := graph.List(ctx, nil)
	if err != nil {
		t.Fatalf("list tenants: %v", err)
	}
	for _, root := range roots {
		tenants[root.Slug] = root.ID
		children, err := graph.ListChildren(ctx, root.ID)
		if err != nil {
			t.Fatalf("children of %s: %v", root.Slug, err)
		}
		for _, c := range children {
			tenants[c.Slug] = c.ID
		}
	}
	userID := func(email string) string {
		ident, err := s.FindIdentity(ctx, auth.ProviderLocal, email)
		if err != nil {
			t.Fatalf("identity %s: %v", email, err)
		}
		return ident.UserID
	}

	engine, err := rbac.NewEngine(s)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	enforcer, err := rbac.NewEnforcer(engine)
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}

	jane := userID("jane.smith@acme.com")
	if ok, err := engine.HasPermission(ctx, jane, tenants["acme"], rbac.PermTenantUpdate); err != nil || !ok {
		t.Fatalf("jane should hold tenant.update in acme: %v %v", ok, err)
	}
	d, err := enforcer.AuthorizeScope(ctx, jane, tenants["globex"])
	if err != nil || d.Allowed {
		t.Fatalf("jane should have no scope in globex: %+v %v", d, err)
	}

	super := userID("superadmin@saas.com")
	d, err = enforcer.AuthorizeScope(ctx, super, tenants["wayne"])
	if err != nil || !d.Allowed || !d.ViaGlobal {
		t.Fatalf("superadmin should reach wayne through a global grant: %+v %v", d, err)
	}

	members, err := admin.ListMembers(ctx, tenants["acme"])
	if err != nil || len(members) == 0 {
		t.Fatalf("list members: %v %v", members, err)
	}
	_, err = admin.AddMember(ctx, members[0])
	var conflict *auth.ConflictError
	if !errors.As(err, &conflict) || conflict.Constraint != store.UniqueUserTenant {
		t.Fatalf("expected %s conflict, got %v", store.UniqueUserTenant, err)
	}
}
