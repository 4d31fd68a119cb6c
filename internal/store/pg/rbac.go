package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/ids"
	"ez4u.app/internal/rbac"
	"ez4u.app/internal/store"
)

const membershipColumns = `id, tenant_id, user_id, role_id, status, created_at, updated_at`

func scanMembership(row scanner) (rbac.Membership, error) {
	var m rbac.Membership
	var status string
	err := row.Scan(&m.ID, &m.TenantID, &m.UserID, &m.RoleID, &status, &m.CreatedAt, &m.UpdatedAt)
	m.Status = rbac.MembershipStatus(status)
	return m, err
}

func splitNames(joined string) []string {
	if joined == "" {
		return []string{}
	}
	return strings.Split(joined, ",")
}

func (s *Store) FindMembership(ctx context.Context, userID, tenantID string) (rbac.Membership, error) {
	m, err := scanMembership(s.db.QueryRowContext(ctx, `
		select `+membershipColumns+`
		from tenant_members
		where user_id = $1 and tenant_id = $2
	`, userID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Membership{}, auth.ErrNotFound
	}
	return m, err
}

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.name
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	return perms, rows.Err()
}

// ListGlobalGrants returns every grant of the user with the role's permissions. Expiry
// is evaluated by the caller.
func (s *Store) ListGlobalGrants(ctx context.Context, userID string) ([]rbac.GlobalGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select ugr.user_id, ugr.global_role_id, gr.name, ugr.granted_by, ugr.expires_at, ugr.created_at,
		       coalesce(string_agg(p.name, ',' order by p.name), '')
		from user_global_roles ugr
		join global_roles gr on gr.id = ugr.global_role_id
		left join global_role_permissions grp on grp.global_role_id = gr.id
		left join permissions p on p.id = grp.permission_id
		where ugr.user_id = $1
		group by ugr.user_id, ugr.global_role_id, gr.name, ugr.granted_by, ugr.expires_at, ugr.created_at
		order by ugr.global_role_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rbac.GlobalGrant
	for rows.Next() {
		var (
			g     rbac.GlobalGrant
			perms string
		)
		if err := rows.Scan(&g.UserID, &g.GlobalRoleID, &g.RoleName, &g.GrantedBy, &g.ExpiresAt, &g.CreatedAt, &perms); err != nil {
			return nil, err
		}
		g.Permissions = splitNames(perms)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) EnsurePermissions(ctx context.Context, perms []rbac.Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, name, category)
			values ($1, $2, $3)
			on conflict (name) do update set category = excluded.category
		`, ids.New(), p.Name, p.Category); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, category from permissions order by category, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Category); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// attachPermissions links each named permission; an unknown name inserts nothing and is
// reported as invalid input.
func attachPermissions(ctx context.Context, tx execer, query, ownerID string, perms []string) error {
	for _, name := range perms {
		res, err := tx.ExecContext(ctx, query, ownerID, name)
		if err != nil {
			return mapWriteErr(err)
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if aff == 0 {
			return fmt.Errorf("%w: unknown permission %q", auth.ErrInvalidInput, name)
		}
	}
	return nil
}

const (
	attachRolePermission = `
		insert into role_permissions (role_id, permission_id)
		select $1, id from permissions where name = $2
		on conflict do nothing`
	attachGlobalRolePermission = `
		insert into global_role_permissions (global_role_id, permission_id)
		select $1, id from permissions where name = $2
		on conflict do nothing`
)

func (s *Store) CreateRole(ctx context.Context, nr rbac.NewRole) (rbac.Role, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var role rbac.Role
	err = tx.QueryRowContext(ctx, `
		insert into roles (id, tenant_id, name, description, is_system_role)
		values ($1, $2, $3, $4, $5)
		returning id, tenant_id, name, description, is_system_role, created_at
	`, ids.New(), nr.TenantID, nr.Name, nr.Description, nr.IsSystem).
		Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt)
	if err != nil {
		return rbac.Role{}, mapWriteErr(err)
	}
	if err := attachPermissions(ctx, tx, attachRolePermission, role.ID, nr.Permissions); err != nil {
		return rbac.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return rbac.Role{}, err
	}
	role.Permissions = sortedCopy(nr.Permissions)
	return role, nil
}

func (s *Store) GetRole(ctx context.Context, roleID string) (rbac.Role, error) {
	var role rbac.Role
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, name, description, is_system_role, created_at
		from roles where id = $1
	`, roleID).Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, auth.ErrNotFound
	}
	if err != nil {
		return rbac.Role{}, err
	}
	perms, err := s.RolePermissions(ctx, roleID)
	if err != nil {
		return rbac.Role{}, err
	}
	role.Permissions = append([]string{}, perms...)
	return role, nil
}

func (s *Store) ListRoles(ctx context.Context, tenantID string) ([]rbac.Role, error) {
	if err := s.tenantExists(ctx, tenantID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.tenant_id, r.name, r.description, r.is_system_role, r.created_at,
		       coalesce(string_agg(p.name, ',' order by p.name), '')
		from roles r
		left join role_permissions rp on rp.role_id = r.id
		left join permissions p on p.id = rp.permission_id
		where r.tenant_id = $1
		group by r.id
		order by r.name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []rbac.Role{}
	for rows.Next() {
		var (
			role  rbac.Role
			perms string
		)
		if err := rows.Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt, &perms); err != nil {
			return nil, err
		}
		role.Permissions = splitNames(perms)
		out = append(out, role)
	}
	return out, rows.Err()
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, perms []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `select id from roles where id = $1 for update`, roleID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	if err := attachPermissions(ctx, tx, attachRolePermission, roleID, perms); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteRole maps the membership foreign key to a conflict: a role in use is restricted.
func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, roleID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.Conflict(store.FKMembershipRole, "role is assigned to members")
		}
		return err
	}
	return expectOne(res)
}

func (s *Store) CreateMembership(ctx context.Context, m rbac.Membership) (rbac.Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.Membership{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := roleInTenant(ctx, tx, m.RoleID, m.TenantID); err != nil {
		return rbac.Membership{}, err
	}
	created, err := scanMembership(tx.QueryRowContext(ctx, `
		insert into tenant_members (id, tenant_id, user_id, role_id, status)
		values ($1, $2, $3, $4, $5)
		returning `+membershipColumns,
		ids.New(), m.TenantID, m.UserID, m.RoleID, string(m.Status)))
	if err != nil {
		return rbac.Membership{}, mapWriteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return rbac.Membership{}, err
	}
	return created, nil
}

func (s *Store) UpdateMembership(ctx context.Context, userID, tenantID string, upd rbac.MembershipUpdate) (rbac.Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.Membership{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if upd.RoleID != nil {
		if err := roleInTenant(ctx, tx, *upd.RoleID, tenantID); err != nil {
			return rbac.Membership{}, err
		}
	}
	var status *string
	if upd.Status != nil {
		v := string(*upd.Status)
		status = &v
	}
	m, err := scanMembership(tx.QueryRowContext(ctx, `
		update tenant_members
		set role_id = coalesce($3, role_id),
		    status = coalesce($4, status),
		    updated_at = now()
		where user_id = $1 and tenant_id = $2
		returning `+membershipColumns,
		userID, tenantID, upd.RoleID, status))
	if err != nil {
		return rbac.Membership{}, mapWriteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return rbac.Membership{}, err
	}
	return m, nil
}

func (s *Store) DeleteMembership(ctx context.Context, userID, tenantID string) error {
	res, err := s.db.ExecContext(ctx, `delete from tenant_members where user_id = $1 and tenant_id = $2`, userID, tenantID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) ListMemberships(ctx context.Context, tenantID string) ([]rbac.Membership, error) {
	if err := s.tenantExists(ctx, tenantID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+membershipColumns+`
		from tenant_members
		where tenant_id = $1
		order by id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []rbac.Membership{}
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CreateGlobalRole(ctx context.Context, gr rbac.GlobalRole) (rbac.GlobalRole, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.GlobalRole{}, err
	}
	defer func() { _ = tx.Rollback() }()

	created := rbac.GlobalRole{ID: ids.New(), Name: gr.Name, Description: gr.Description}
	if _, err := tx.ExecContext(ctx, `
		insert into global_roles (id, name, description) values ($1, $2, $3)
	`, created.ID, created.Name, created.Description); err != nil {
		return rbac.GlobalRole{}, mapWriteErr(err)
	}
	if err := attachPermissions(ctx, tx, attachGlobalRolePermission, created.ID, gr.Permissions); err != nil {
		return rbac.GlobalRole{}, err
	}
	if err := tx.Commit(); err != nil {
		return rbac.GlobalRole{}, err
	}
	created.Permissions = sortedCopy(gr.Permissions)
	return created, nil
}

func (s *Store) ListGlobalRoles(ctx context.Context) ([]rbac.GlobalRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		select gr.id, gr.name, gr.description,
		       coalesce(string_agg(p.name, ',' order by p.name), '')
		from global_roles gr
		left join global_role_permissions grp on grp.global_role_id = gr.id
		left join permissions p on p.id = grp.permission_id
		group by gr.id
		order by gr.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []rbac.GlobalRole{}
	for rows.Next() {
		var (
			gr    rbac.GlobalRole
			perms string
		)
		if err := rows.Scan(&gr.ID, &gr.Name, &gr.Description, &perms); err != nil {
			return nil, err
		}
		gr.Permissions = splitNames(perms)
		out = append(out, gr)
	}
	return out, rows.Err()
}

func (s *Store) GrantGlobalRole(ctx context.Context, g rbac.GlobalGrant) (rbac.GlobalGrant, error) {
	err := s.db.QueryRowContext(ctx, `
		insert into user_global_roles (user_id, global_role_id, granted_by, expires_at)
		values ($1, $2, $3, $4)
		returning created_at
	`, g.UserID, g.GlobalRoleID, g.GrantedBy, g.ExpiresAt).Scan(&g.CreatedAt)
	if err != nil {
		return rbac.GlobalGrant{}, mapWriteErr(err)
	}
	err = s.db.QueryRowContext(ctx, `select name from global_roles where id = $1`, g.GlobalRoleID).Scan(&g.RoleName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return rbac.GlobalGrant{}, err
	}
	return g, nil
}

func (s *Store) RevokeGlobalRole(ctx context.Context, userID, globalRoleID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from user_global_roles where user_id = $1 and global_role_id = $2
	`, userID, globalRoleID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ListDirectory loads users and their membership views in two queries.
func (s *Store) ListDirectory(ctx context.Context, tenantID *string) ([]rbac.DirectoryUser, error) {
	var (
		userRows *sql.Rows
		err      error
	)
	if tenantID == nil {
		userRows, err = s.db.QueryContext(ctx, `select `+userColumns+` from users order by email`)
	} else {
		if err := s.tenantExists(ctx, *tenantID); err != nil {
			return nil, err
		}
		userRows, err = s.db.QueryContext(ctx, `
			select u.id, u.email, u.display_name, u.is_active, u.created_at, u.updated_at
			from users u
			join tenant_members m on m.user_id = u.id
			where m.tenant_id = $1
			order by u.email
		`, *tenantID)
	}
	if err != nil {
		return nil, err
	}
	defer userRows.Close()
	out := []rbac.DirectoryUser{}
	index := map[string]int{}
	for userRows.Next() {
		u, err := scanUser(userRows)
		if err != nil {
			return nil, err
		}
		index[u.ID] = len(out)
		out = append(out, rbac.DirectoryUser{User: u, Memberships: []rbac.MembershipView{}})
	}
	if err := userRows.Err(); err != nil {
		return nil, err
	}

	const viewQuery = `
		select m.user_id, m.tenant_id, t.slug, t.name, m.role_id, r.name, m.status
		from tenant_members m
		join tenants t on t.id = m.tenant_id
		join roles r on r.id = m.role_id`
	var rows *sql.Rows
	if tenantID == nil {
		rows, err = s.db.QueryContext(ctx, viewQuery+` order by t.slug`)
	} else {
		rows, err = s.db.QueryContext(ctx, viewQuery+` where m.tenant_id = $1 order by t.slug`, *tenantID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			userID string
			status string
			v      rbac.MembershipView
		)
		if err := rows.Scan(&userID, &v.TenantID, &v.TenantSlug, &v.TenantName, &v.RoleID, &v.RoleName, &status); err != nil {
			return nil, err
		}
		v.Status = rbac.MembershipStatus(status)
		if i, ok := index[userID]; ok {
			out[i].Memberships = append(out[i].Memberships, v)
		}
	}
	return out, rows.Err()
}

func (s *Store) tenantExists(ctx context.Context, tenantID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `select 1 from tenants where id = $1`, tenantID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	return err
}
