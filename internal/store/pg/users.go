package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/ids"
	"ez4u.app/internal/rbac"
)

const userColumns = `id, email, display_name, is_active, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanUser(row scanner) (auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// CreateUser writes the user, its identities and the optional first membership in one
// transaction.
func (s *Store) CreateUser(ctx context.Context, rec auth.NewUserRecord) (auth.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	user, err := scanUser(tx.QueryRowContext(ctx, `
		insert into users (id, email, display_name, is_active)
		values ($1, $2, $3, $4)
		returning `+userColumns,
		ids.New(), rec.Email, rec.DisplayName, rec.IsActive))
	if err != nil {
		return auth.User{}, mapWriteErr(err)
	}
	for _, ident := range rec.Identities {
		if _, err := tx.ExecContext(ctx, `
			insert into user_identities (id, user_id, provider, subject, password_hash)
			values ($1, $2, $3, $4, nullif($5, ''))
		`, ids.New(), user.ID, ident.Provider, ident.Subject, ident.PasswordHash); err != nil {
			return auth.User{}, mapWriteErr(err)
		}
	}
	if m := rec.Membership; m != nil {
		if err := roleInTenant(ctx, tx, m.RoleID, m.TenantID); err != nil {
			return auth.User{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into tenant_members (id, tenant_id, user_id, role_id, status)
			values ($1, $2, $3, $4, $5)
		`, ids.New(), m.TenantID, user.ID, m.RoleID, string(rbac.StatusActive)); err != nil {
			return auth.User{}, mapWriteErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, err
	}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	var set setClauses
	if upd.Email != nil {
		set.add("email", *upd.Email)
	}
	if upd.DisplayName != nil {
		set.add("display_name", *upd.DisplayName)
	}
	if upd.IsActive != nil {
		set.add("is_active", *upd.IsActive)
	}
	if set.empty() {
		return s.GetUser(ctx, id)
	}
	query, args := set.query("users", id, userColumns)
	if upd.Email == nil {
		u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
		if err != nil {
			return auth.User{}, mapWriteErr(err)
		}
		return u, nil
	}

	// the local identity subject is the email and moves with it
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()
	u, err := scanUser(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return auth.User{}, mapWriteErr(err)
	}
	if _, err := tx.ExecContext(ctx, `
		update user_identities set subject = $2
		where user_id = $1 and provider = $3
	`, id, *upd.Email, auth.ProviderLocal); err != nil {
		return auth.User{}, mapWriteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, err
	}
	return u, nil
}

// DeleteUser relies on the schema: identities, memberships and grants cascade and
// granted_by is set to null.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

const identityColumns = `id, user_id, provider, subject, coalesce(password_hash, ''), created_at`

func scanIdentity(row scanner) (auth.Identity, error) {
	var ident auth.Identity
	err := row.Scan(&ident.ID, &ident.UserID, &ident.Provider, &ident.Subject, &ident.PasswordHash, &ident.CreatedAt)
	return ident, err
}

func (s *Store) FindIdentity(ctx context.Context, provider, subject string) (auth.Identity, error) {
	ident, err := scanIdentity(s.db.QueryRowContext(ctx, `
		select `+identityColumns+`
		from user_identities
		where provider = $1 and subject = $2
	`, provider, subject))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Identity{}, auth.ErrNotFound
	}
	return ident, err
}

func (s *Store) ListIdentities(ctx context.Context, userID string) ([]auth.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+identityColumns+`
		from user_identities
		where user_id = $1
		order by id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

func (s *Store) CreateIdentity(ctx context.Context, ident auth.Identity) (auth.Identity, error) {
	created, err := scanIdentity(s.db.QueryRowContext(ctx, `
		insert into user_identities (id, user_id, provider, subject, password_hash)
		values ($1, $2, $3, $4, nullif($5, ''))
		returning `+identityColumns,
		ids.New(), ident.UserID, ident.Provider, ident.Subject, ident.PasswordHash))
	if err != nil {
		return auth.Identity{}, mapWriteErr(err)
	}
	return created, nil
}

func (s *Store) SetPasswordHash(ctx context.Context, identityID, hash string) error {
	res, err := s.db.ExecContext(ctx, `update user_identities set password_hash = $2 where id = $1`, identityID, hash)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// roleInTenant checks that roleID exists and belongs to tenantID.
func roleInTenant(ctx context.Context, q rowQuerier, roleID, tenantID string) error {
	var owner string
	err := q.QueryRowContext(ctx, `select tenant_id from roles where id = $1`, roleID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != tenantID {
		return fmt.Errorf("%w: role does not belong to tenant", auth.ErrInvalidInput)
	}
	return nil
}
