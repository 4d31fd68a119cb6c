package pg

import (
	"context"
	"database/sql"
	"errors"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/ids"
	"ez4u.app/internal/resource"
)

const resourceColumns = `id, tenant_id, name, data, created_at, updated_at`

func scanResource(row scanner) (resource.Resource, error) {
	var (
		r    resource.Resource
		data []byte
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &data, &r.CreatedAt, &r.UpdatedAt)
	r.Data = data
	return r, err
}

// withTenant runs fn in a transaction whose app.current_tenant_id is set, so the
// row-level security policy on resources applies in addition to the explicit filter.
func (s *Store) withTenant(ctx context.Context, tenantID string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `select set_config('app.current_tenant_id', $1, true)`, tenantID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListResources(ctx context.Context, tenantID string) ([]resource.Resource, error) {
	out := []resource.Resource{}
	err := s.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			select `+resourceColumns+`
			from resources
			where tenant_id = $1
			order by name, id
		`, tenantID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanResource(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetResource(ctx context.Context, tenantID, id string) (resource.Resource, error) {
	var r resource.Resource
	err := s.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		var err error
		r, err = scanResource(tx.QueryRowContext(ctx, `
			select `+resourceColumns+`
			from resources
			where tenant_id = $1 and id = $2
		`, tenantID, id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return resource.Resource{}, auth.ErrNotFound
	}
	return r, err
}

func (s *Store) CreateResource(ctx context.Context, tenantID string, nr resource.NewResource) (resource.Resource, error) {
	nr, err := resource.ValidateNew(nr)
	if err != nil {
		return resource.Resource{}, err
	}
	var r resource.Resource
	err = s.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		var err error
		r, err = scanResource(tx.QueryRowContext(ctx, `
			insert into resources (id, tenant_id, name, data)
			values ($1, $2, $3, $4)
			returning `+resourceColumns,
			ids.New(), tenantID, nr.Name, []byte(nr.Data)))
		return mapWriteErr(err)
	})
	if err != nil {
		return resource.Resource{}, err
	}
	return r, nil
}
