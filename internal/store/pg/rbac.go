package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gpgkd906/auth9-sub008/internal/ids"
	"github.com/gpgkd906/auth9-sub008/internal/rbac"
)

var _ rbac.Store = (*Store)(nil)

func (s *Store) CreateRole(ctx context.Context, serviceID, name string) (rbac.Role, error) {
	role := rbac.Role{ID: ids.New(), ServiceID: serviceID, Name: name}
	_, err := s.db.ExecContext(ctx, `
		insert into roles (id, service_id, name)
		values ($1, $2, $3)
	`, role.ID, role.ServiceID, role.Name)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return rbac.Role{}, ErrConflict
			case pgErrForeignKeyViolation:
				return rbac.Role{}, fmt.Errorf("%w: service %s", rbac.ErrNotFound, serviceID)
			}
		}
		return rbac.Role{}, err
	}
	return role, nil
}

func (s *Store) Role(ctx context.Context, roleID string) (rbac.Role, error) {
	var role rbac.Role
	err := s.db.QueryRowContext(ctx, `
		select id, service_id, name
		from roles
		where id = $1
	`, roleID).Scan(&role.ID, &role.ServiceID, &role.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Role{}, err
	}
	parents, err := s.roleParents(ctx, roleID)
	if err != nil {
		return rbac.Role{}, err
	}
	role.ParentIDs = parents
	return role, nil
}

// RolesForMember returns the roles directly assigned to (userID, tenantID),
// with parent links populated for graph expansion.
func (s *Store) RolesForMember(ctx context.Context, userID, tenantID string) ([]rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.service_id, r.name
		from role_assignments ra
		join roles r on r.id = ra.role_id
		where ra.user_id = $1 and ra.tenant_id = $2
		order by r.name
	`, userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []rbac.Role{}
	for rows.Next() {
		var role rbac.Role
		if err := rows.Scan(&role.ID, &role.ServiceID, &role.Name); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range roles {
		parents, err := s.roleParents(ctx, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].ParentIDs = parents
	}
	return roles, nil
}

func (s *Store) PermissionsForRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select permission_code
		from role_permissions
		where role_id = $1
		order by permission_code
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := []string{}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		perms = append(perms, code)
	}
	return perms, rows.Err()
}

func (s *Store) SetRoleParent(ctx context.Context, roleID, parentID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_parents (role_id, parent_role_id)
		values ($1, $2)
		on conflict (role_id, parent_role_id) do nothing
	`, roleID, parentID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return rbac.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) GrantPermission(ctx context.Context, roleID, permissionCode string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_code)
		values ($1, $2)
		on conflict (role_id, permission_code) do nothing
	`, roleID, permissionCode)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return rbac.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) AssignRole(ctx context.Context, userID, tenantID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_assignments (user_id, tenant_id, role_id)
		values ($1, $2, $3)
		on conflict (user_id, tenant_id, role_id) do nothing
	`, userID, tenantID, roleID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return rbac.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) roleParents(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select parent_role_id
		from role_parents
		where role_id = $1
		order by parent_role_id
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		parents = append(parents, id)
	}
	return parents, rows.Err()
}
