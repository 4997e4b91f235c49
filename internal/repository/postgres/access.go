package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/socialens/socialens/internal/domain"
	"github.com/socialens/socialens/internal/repository"
)

const roleColumns = `id, team_id, name, permissions, created_at`

// ListActivePermissions returns every active permission in the catalog.
func (r *Repository) ListActivePermissions(ctx context.Context) ([]domain.Permission, error) {
	const query = `SELECT name, module, is_active FROM permissions WHERE is_active ORDER BY name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := make([]domain.Permission, 0)
	for rows.Next() {
		var p domain.Permission
		if err := rows.Scan(&p.Name, &p.Module, &p.IsActive); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// CreateRole inserts a role definition.
func (r *Repository) CreateRole(ctx context.Context, role *domain.Role) error {
	const query = `INSERT INTO roles (id, team_id, name, permissions, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, role.ID, role.TeamID, role.Name, role.Permissions, role.CreatedAt)
	return translateConstraint(err)
}

// GetTeamRole resolves a role by name, preferring the team-scoped definition
// over a global built-in with the same name.
func (r *Repository) GetTeamRole(ctx context.Context, teamID, name string) (*domain.Role, error) {
	const query = `SELECT ` + roleColumns + ` FROM roles
		WHERE name = $2 AND (team_id = $1 OR team_id IS NULL)
		ORDER BY team_id NULLS LAST
		LIMIT 1`
	return scanRole(r.pool.QueryRow(ctx, query, teamID, name))
}

// GetRoleByID fetches a role definition by identifier.
func (r *Repository) GetRoleByID(ctx context.Context, roleID string) (*domain.Role, error) {
	const query = `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`
	return scanRole(r.pool.QueryRow(ctx, query, roleID))
}

// ListTeamRoles returns roles owned by the team (global built-ins excluded).
func (r *Repository) ListTeamRoles(ctx context.Context, teamID string) ([]domain.Role, error) {
	const query = `SELECT ` + roleColumns + ` FROM roles WHERE team_id = $1 ORDER BY name`
	rows, err := r.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := make([]domain.Role, 0)
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role.ID, &role.TeamID, &role.Name, &role.Permissions, &role.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UpdateRolePermissions replaces a role's stored permission set.
func (r *Repository) UpdateRolePermissions(ctx context.Context, roleID string, permissions []string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE roles SET permissions = $2 WHERE id = $1`, roleID, permissions)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetAssignment fetches a member's permission assignment for one team.
func (r *Repository) GetAssignment(ctx context.Context, teamID, userID string) (*domain.Assignment, error) {
	const query = `SELECT team_id, user_id, role_id, direct_permissions, updated_at
		FROM role_assignments WHERE team_id = $1 AND user_id = $2`
	var a domain.Assignment
	if err := r.pool.QueryRow(ctx, query, teamID, userID).Scan(&a.TeamID, &a.UserID, &a.RoleID, &a.Direct, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// UpsertAssignment writes a member's assignment, replacing the prior mode.
func (r *Repository) UpsertAssignment(ctx context.Context, assignment domain.Assignment) error {
	const query = `INSERT INTO role_assignments (team_id, user_id, role_id, direct_permissions, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (team_id, user_id) DO UPDATE
		SET role_id = EXCLUDED.role_id, direct_permissions = EXCLUDED.direct_permissions, updated_at = NOW()`
	var direct []string
	if assignment.IsDirect() {
		direct = assignment.Direct
	}
	_, err := r.pool.Exec(ctx, query, assignment.TeamID, assignment.UserID, assignment.RoleID, direct)
	return err
}

// DeleteAssignment removes a member's assignment.
func (r *Repository) DeleteAssignment(ctx context.Context, teamID, userID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM role_assignments WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	return err
}

// SetMemberRole updates the membership label and the backing assignment in
// one transaction so the UI-visible role can never diverge from enforcement.
func (r *Repository) SetMemberRole(ctx context.Context, teamID, userID, label, roleID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE memberships SET role_label = $3 WHERE team_id = $1 AND user_id = $2`, teamID, userID, label)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	const upsert = `INSERT INTO role_assignments (team_id, user_id, role_id, direct_permissions, updated_at)
		VALUES ($1, $2, $3, NULL, NOW())
		ON CONFLICT (team_id, user_id) DO UPDATE
		SET role_id = EXCLUDED.role_id, direct_permissions = NULL, updated_at = NOW()`
	if _, err := tx.Exec(ctx, upsert, teamID, userID, roleID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetMemberCustom switches the member to direct grants, clearing any named
// role, and labels the membership "custom" in the same transaction.
func (r *Repository) SetMemberCustom(ctx context.Context, teamID, userID string, permissions []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE memberships SET role_label = $3 WHERE team_id = $1 AND user_id = $2`, teamID, userID, domain.RoleLabelCustom)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	const upsert = `INSERT INTO role_assignments (team_id, user_id, role_id, direct_permissions, updated_at)
		VALUES ($1, $2, NULL, $3, NOW())
		ON CONFLICT (team_id, user_id) DO UPDATE
		SET role_id = NULL, direct_permissions = EXCLUDED.direct_permissions, updated_at = NOW()`
	if _, err := tx.Exec(ctx, upsert, teamID, userID, permissions); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanRole(row pgx.Row) (*domain.Role, error) {
	var role domain.Role
	if err := row.Scan(&role.ID, &role.TeamID, &role.Name, &role.Permissions, &role.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}
