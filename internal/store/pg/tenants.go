package pg

import (
	"context"
	"database/sql"
	"errors"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/ids"
	"ez4u.app/internal/tenancy"
)

const tenantColumns = `id, name, slug, parent_tenant_id, is_active, created_at, updated_at`

func scanTenant(row scanner) (tenancy.Tenant, error) {
	var t tenancy.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.ParentID, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Store) CreateTenant(ctx context.Context, nt tenancy.NewTenant) (tenancy.Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `
		insert into tenants (id, name, slug, parent_tenant_id)
		values ($1, $2, $3, $4)
		returning `+tenantColumns,
		ids.New(), nt.Name, nt.Slug, nt.ParentID))
	if err != nil {
		return tenancy.Tenant{}, mapWriteErr(err)
	}
	return t, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (tenancy.Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tenancy.Tenant{}, auth.ErrNotFound
	}
	return t, err
}

func (s *Store) ListTenants(ctx context.Context, parentID *string) ([]tenancy.Tenant, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if parentID == nil {
		rows, err = s.db.QueryContext(ctx, `
			select `+tenantColumns+`
			from tenants
			where parent_tenant_id is null
			order by name, id
		`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			select `+tenantColumns+`
			from tenants
			where parent_tenant_id = $1
			order by name, id
		`, *parentID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []tenancy.Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTenant(ctx context.Context, id string, upd tenancy.Update) (tenancy.Tenant, error) {
	var set setClauses
	if upd.Name != nil {
		set.add("name", *upd.Name)
	}
	if upd.IsActive != nil {
		set.add("is_active", *upd.IsActive)
	}
	if !upd.Move {
		if set.empty() {
			return s.GetTenant(ctx, id)
		}
		query, args := set.query("tenants", id, tenantColumns)
		t, err := scanTenant(s.db.QueryRowContext(ctx, query, args...))
		if err != nil {
			return tenancy.Tenant{}, mapWriteErr(err)
		}
		return t, nil
	}
	set.add("parent_tenant_id", upd.ParentID)
	return s.moveTenant(ctx, id, upd.ParentID, set)
}

// moveTenant takes the hierarchy advisory lock and walks the new parent's ancestry inside
// the transaction; the row, including any other columns in set, is written only afterwards.
func (s *Store) moveTenant(ctx context.Context, id string, parentID *string, set setClauses) (tenancy.Tenant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tenancy.Tenant{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, hierarchyLockKey); err != nil {
		return tenancy.Tenant{}, err
	}
	lookup := func(ctx context.Context, tid string) (*string, error) {
		var parent *string
		err := tx.QueryRowContext(ctx, `select parent_tenant_id from tenants where id = $1`, tid).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return parent, err
	}
	if _, err := lookup(ctx, id); err != nil {
		return tenancy.Tenant{}, err
	}
	if parentID != nil {
		if _, err := lookup(ctx, *parentID); err != nil {
			return tenancy.Tenant{}, err
		}
	}
	if err := tenancy.CheckAcyclic(ctx, lookup, id, parentID); err != nil {
		return tenancy.Tenant{}, err
	}
	query, args := set.query("tenants", id, tenantColumns)
	t, err := scanTenant(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return tenancy.Tenant{}, mapWriteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return tenancy.Tenant{}, err
	}
	return t, nil
}

// DeleteTenant relies on the schema: roles, memberships and resources cascade and
// children have parent_tenant_id set to null.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from tenants where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}
