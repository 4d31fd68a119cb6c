package migrate

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id text);\ncreate table b (id text);")},
		"0001_a.down.sql": {Data: []byte("drop table b; drop table a;")},
		"0002_c.up.sql":   {Data: []byte("create table c (id text);")},
		"README.md":       {Data: []byte("not a migration")},
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table c").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_c.up.sql", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mgr := NewManager(db, WithFS(testFS()))
	applied, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_c.up.sql" {
		t.Fatalf("unexpected applied set: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").WithArgs("0001_a.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mgr := NewManager(db, WithFS(testFS()))
	name, err := mgr.Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if name != "0001_a.up.sql" {
		t.Fatalf("unexpected rollback target %q", name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmbeddedMigrationsHaveDownFiles(t *testing.T) {
	files := Migrations()
	ups, err := fs.Glob(files, "*.up.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no embedded migrations")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(files, down); err != nil {
			t.Fatalf("missing %s", down)
		}
	}
}

func TestEmbeddedSchemaNamesConstraints(t *testing.T) {
	body, err := fs.ReadFile(Migrations(), "0001_init.up.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, name := range []string{
		"uq_user_email", "uq_provider_subject", "uq_tenant_slug", "uq_tenant_role_name",
		"uq_user_tenant", "uq_permission_name", "uq_global_role_name", "pk_user_global_roles",
		"fk_tenant_members_role",
	} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("schema does not declare %s", name)
		}
	}
}

func TestSplitStatements(t *testing.T) {
	src := `-- header; ignored
create function f() returns int as $$ begin return 1; end; $$ language plpgsql;
insert into t values ('a;b');
select 1`
	stmts := splitStatements(src)
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], "end; $$") {
		t.Fatalf("dollar-quoted body was split: %q", stmts[0])
	}
	if !strings.Contains(stmts[1], "'a;b'") {
		t.Fatalf("quoted literal was split: %q", stmts[1])
	}
}
