package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/rbac"
	"ez4u.app/internal/store"
	"ez4u.app/internal/tenancy"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestCreateMembershipDuplicate(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select tenant_id from roles").WithArgs("role-1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("tenant-1"))
	mock.ExpectQuery("insert into tenant_members").
		WithArgs(sqlmock.AnyArg(), "tenant-1", "user-1", "role-1", "active").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: store.UniqueUserTenant})
	mock.ExpectRollback()

	_, err := s.CreateMembership(context.Background(), rbac.Membership{
		TenantID: "tenant-1", UserID: "user-1", RoleID: "role-1", Status: rbac.StatusActive,
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if c, _ := auth.ConstraintOf(err); c != store.UniqueUserTenant {
		t.Fatalf("unexpected constraint %q", c)
	}
}

func TestCreateMembershipRoleFromOtherTenant(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select tenant_id from roles").WithArgs("role-1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("tenant-2"))
	mock.ExpectRollback()

	_, err := s.CreateMembership(context.Background(), rbac.Membership{
		TenantID: "tenant-1", UserID: "user-1", RoleID: "role-1", Status: rbac.StatusActive,
	})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestDeleteRoleInUse(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec("delete from roles").WithArgs("role-1").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation, ConstraintName: store.FKMembershipRole})

	err := s.DeleteRole(context.Background(), "role-1")
	if c, ok := auth.ConstraintOf(err); !ok || c != store.FKMembershipRole {
		t.Fatalf("expected restrict conflict, got %v", err)
	}
}

func TestUpdateTenantRejectsCycleBeforeWriting(t *testing.T) {
	s, mock := newMock(t)
	parentRow := func(parent any) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"parent_tenant_id"}).AddRow(parent)
	}

	// a <- b <- c; moving a under c must fail
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WithArgs(hierarchyLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select parent_tenant_id from tenants").WithArgs("a").WillReturnRows(parentRow(nil))
	mock.ExpectQuery("select parent_tenant_id from tenants").WithArgs("c").WillReturnRows(parentRow("b"))
	mock.ExpectQuery("select parent_tenant_id from tenants").WithArgs("c").WillReturnRows(parentRow("b"))
	mock.ExpectQuery("select parent_tenant_id from tenants").WithArgs("b").WillReturnRows(parentRow("a"))
	mock.ExpectRollback()

	// the rename rides along with the move and must not be written
	parent, name := "c", "Renamed"
	_, err := s.UpdateTenant(context.Background(), "a", tenancy.Update{Name: &name, Move: true, ParentID: &parent})
	if !errors.Is(err, tenancy.ErrCycle) || !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
}

func TestUpdateTenantMovesAndRenamesInOneStatement(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WithArgs(hierarchyLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select parent_tenant_id from tenants").WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"parent_tenant_id"}).AddRow(nil))
	mock.ExpectQuery("select parent_tenant_id from tenants").WithArgs("b").
		WillReturnRows(sqlmock.NewRows([]string{"parent_tenant_id"}).AddRow(nil))
	mock.ExpectQuery("select parent_tenant_id from tenants").WithArgs("b").
		WillReturnRows(sqlmock.NewRows([]string{"parent_tenant_id"}).AddRow(nil))
	mock.ExpectQuery(`update tenants set name = \$1, parent_tenant_id = \$2, updated_at = now\(\) where id = \$3`).
		WithArgs("Renamed", "b", "a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug", "parent_tenant_id", "is_active", "created_at", "updated_at"}).
			AddRow("a", "Renamed", "a", "b", true, now, now))
	mock.ExpectCommit()

	parent, name := "b", "Renamed"
	got, err := s.UpdateTenant(context.Background(), "a", tenancy.Update{Name: &name, Move: true, ParentID: &parent})
	if err != nil {
		t.Fatalf("UpdateTenant: %v", err)
	}
	if got.Name != "Renamed" || got.ParentID == nil || *got.ParentID != "b" {
		t.Fatalf("unexpected tenant: %+v", got)
	}
}

func TestCreateUserRollsBackOnIdentityConflict(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("insert into users").
		WithArgs(sqlmock.AnyArg(), "jane@acme.test", "Jane", true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "display_name", "is_active", "created_at", "updated_at"}).
			AddRow("user-1", "jane@acme.test", "Jane", true, now, now))
	mock.ExpectExec("insert into user_identities").
		WithArgs(sqlmock.AnyArg(), "user-1", "local", "jane@acme.test", "digest").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: store.UniqueProviderSubject})
	mock.ExpectRollback()

	_, err := s.CreateUser(context.Background(), auth.NewUserRecord{
		Email:       "jane@acme.test",
		DisplayName: "Jane",
		IsActive:    true,
		Identities:  []auth.Identity{{Provider: auth.ProviderLocal, Subject: "jane@acme.test", PasswordHash: "digest"}},
	})
	if c, ok := auth.ConstraintOf(err); !ok || c != store.UniqueProviderSubject {
		t.Fatalf("expected identity conflict, got %v", err)
	}
}

func TestUpdateUserEmailRenamesLocalIdentity(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("update users set email").
		WithArgs("new@x.io", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "display_name", "is_active", "created_at", "updated_at"}).
			AddRow("user-1", "new@x.io", "", true, now, now))
	mock.ExpectExec("update user_identities set subject").
		WithArgs("user-1", "new@x.io", "local").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	email := "new@x.io"
	u, err := s.UpdateUser(context.Background(), "user-1", auth.UserUpdate{Email: &email})
	if err != nil || u.Email != "new@x.io" {
		t.Fatalf("UpdateUser: %+v %v", u, err)
	}
}

func TestUpdateUserEmailRollsBackOnIdentityConflict(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("update users set email").
		WithArgs("new@x.io", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "display_name", "is_active", "created_at", "updated_at"}).
			AddRow("user-1", "new@x.io", "", true, now, now))
	mock.ExpectExec("update user_identities set subject").
		WithArgs("user-1", "new@x.io", "local").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: store.UniqueProviderSubject})
	mock.ExpectRollback()

	email := "new@x.io"
	_, err := s.UpdateUser(context.Background(), "user-1", auth.UserUpdate{Email: &email})
	if c, ok := auth.ConstraintOf(err); !ok || c != store.UniqueProviderSubject {
		t.Fatalf("expected identity conflict, got %v", err)
	}
}

func TestListResourcesSetsTenantContext(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("select set_config").WithArgs("tenant-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from resources").WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "data", "created_at", "updated_at"}).
			AddRow("res-1", "tenant-1", "plan", []byte(`{"k":1}`), now, now))
	mock.ExpectCommit()

	got, err := s.ListResources(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(got) != 1 || got[0].TenantID != "tenant-1" || string(got[0].Data) != `{"k":1}` {
		t.Fatalf("unexpected resources: %+v", got)
	}
}

func TestListGlobalGrantsSplitsPermissions(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()

	mock.ExpectQuery("from user_global_roles").WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "global_role_id", "name", "granted_by", "expires_at", "created_at", "perms"}).
			AddRow("user-1", "gr-1", "superadmin", nil, nil, now, "data.export,data.view").
			AddRow("user-1", "gr-2", "empty", "admin-1", now.Add(time.Hour), now, ""))

	grants, err := s.ListGlobalGrants(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListGlobalGrants: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(grants))
	}
	if len(grants[0].Permissions) != 2 || grants[0].Permissions[0] != "data.export" {
		t.Fatalf("unexpected permissions: %v", grants[0].Permissions)
	}
	if grants[0].GrantedBy != nil || grants[0].ExpiresAt != nil {
		t.Fatalf("expected null granted_by and expires_at")
	}
	if len(grants[1].Permissions) != 0 || grants[1].GrantedBy == nil || *grants[1].GrantedBy != "admin-1" {
		t.Fatalf("unexpected second grant: %+v", grants[1])
	}
}

func TestDeleteTenantMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from tenants").WithArgs("nope").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeleteTenant(context.Background(), "nope"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
