package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/rbac"
	"ez4u.app/internal/resource"
	"ez4u.app/internal/tenancy"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
)

// hierarchyLockKey serialises writes to tenants.parent_tenant_id.
const hierarchyLockKey int64 = 0x657a3475

var (
	_ auth.UserStore = (*Store)(nil)
	_ tenancy.Store  = (*Store)(nil)
	_ rbac.Store     = (*Store)(nil)
	_ resource.Store = (*Store)(nil)
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle; tests pass a sqlmock connection.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.db.PingContext(ctx)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapWriteErr turns constraint violations into the auth error taxonomy. Unique violations
// keep the constraint name; dangling references read as a missing row.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		return auth.Conflict(pgErr.ConstraintName, pgErr.Detail)
	case pgErrForeignKeyViolation:
		return fmt.Errorf("%w: %s", auth.ErrNotFound, pgErr.ConstraintName)
	case pgErrCheckViolation:
		return fmt.Errorf("%w: %s", auth.ErrInvalidInput, pgErr.ConstraintName)
	}
	return err
}

func expectOne(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// setClauses accumulates "col = $n" fragments for partial updates.
type setClauses struct {
	parts []string
	args  []any
}

func (c *setClauses) add(column string, value any) {
	c.args = append(c.args, value)
	c.parts = append(c.parts, fmt.Sprintf("%s = $%d", column, len(c.args)))
}

func (c *setClauses) empty() bool { return len(c.parts) == 0 }

// query renders "update table set ... where id = $n returning cols".
func (c *setClauses) query(table, id, returning string) (string, []any) {
	parts := append(append([]string{}, c.parts...), "updated_at = now()")
	args := append(append([]any{}, c.args...), id)
	return fmt.Sprintf(`update %s set %s where id = $%d returning %s`,
		table, strings.Join(parts, ", "), len(args), returning), args
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}
