package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/socialens/socialens/internal/domain"
	"github.com/socialens/socialens/internal/repository"
)

const invitationColumns = `id, token, email, team_id, role_name, invited_by, expires_at, created_at`

// CreateInvitation persists a pending join offer. The unique index on
// (team_id, email) backstops racing creates for the same pair; lapsed rows
// are cleared by the service before it inserts.
func (r *Repository) CreateInvitation(ctx context.Context, invitation *domain.Invitation) error {
	const query = `INSERT INTO invitations (id, token, email, team_id, role_name, invited_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		invitation.ID,
		invitation.Token,
		strings.ToLower(strings.TrimSpace(invitation.Email)),
		invitation.TeamID,
		invitation.RoleName,
		invitation.InvitedBy,
		invitation.ExpiresAt.UTC(),
		invitation.CreatedAt,
	)
	return translateConstraint(err)
}

// GetInvitationByToken fetches an invitation via its opaque token.
func (r *Repository) GetInvitationByToken(ctx context.Context, token string) (*domain.Invitation, error) {
	const query = `SELECT ` + invitationColumns + ` FROM invitations WHERE token = $1`
	return scanInvitation(r.pool.QueryRow(ctx, query, strings.TrimSpace(token)))
}

// GetInvitationByID fetches an invitation by identifier.
func (r *Repository) GetInvitationByID(ctx context.Context, id string) (*domain.Invitation, error) {
	const query = `SELECT ` + invitationColumns + ` FROM invitations WHERE id = $1`
	return scanInvitation(r.pool.QueryRow(ctx, query, id))
}

// GetInvitationByEmail fetches the stored invitation for (team, email),
// expired rows included.
func (r *Repository) GetInvitationByEmail(ctx context.Context, teamID, email string) (*domain.Invitation, error) {
	const query = `SELECT ` + invitationColumns + ` FROM invitations WHERE team_id = $1 AND email = $2`
	return scanInvitation(r.pool.QueryRow(ctx, query, teamID, strings.ToLower(strings.TrimSpace(email))))
}

// DeleteInvitation removes a pending invitation.
func (r *Repository) DeleteInvitation(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM invitations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountPendingInvitations counts live invitations for a team. Lapsed rows
// linger until reaped on contact and must not hold plan seats.
func (r *Repository) CountPendingInvitations(ctx context.Context, teamID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM invitations WHERE team_id = $1 AND expires_at > NOW()`, teamID).Scan(&count)
	return count, err
}

// AcceptInvitation consumes the invitation exactly once. The conditional
// DELETE ... RETURNING serialises concurrent acceptances: only one caller
// observes the row, every replay gets ErrNotFound and no second membership
// is ever created.
func (r *Repository) AcceptInvitation(ctx context.Context, invitationID string, member *domain.Membership, assignment domain.Assignment, setActiveTeam bool) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var consumed string
	if err := tx.QueryRow(ctx, `DELETE FROM invitations WHERE id = $1 RETURNING id`, invitationID).Scan(&consumed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}

	const insertMember = `INSERT INTO memberships (team_id, user_id, role_label, token_limit, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, insertMember, member.TeamID, member.UserID, member.RoleLabel, member.TokenLimit, member.CreatedAt); err != nil {
		return translateConstraint(err)
	}

	const upsertAssignment = `INSERT INTO role_assignments (team_id, user_id, role_id, direct_permissions, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (team_id, user_id) DO UPDATE
		SET role_id = EXCLUDED.role_id, direct_permissions = EXCLUDED.direct_permissions, updated_at = NOW()`
	var direct []string
	if assignment.IsDirect() {
		direct = assignment.Direct
	}
	if _, err := tx.Exec(ctx, upsertAssignment, assignment.TeamID, assignment.UserID, assignment.RoleID, direct); err != nil {
		return err
	}

	if setActiveTeam {
		const pointHome = `UPDATE users SET active_team_id = $2 WHERE id = $1 AND active_team_id IS NULL`
		if _, err := tx.Exec(ctx, pointHome, member.UserID, member.TeamID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func scanInvitation(row pgx.Row) (*domain.Invitation, error) {
	var inv domain.Invitation
	if err := row.Scan(&inv.ID, &inv.Token, &inv.Email, &inv.TeamID, &inv.RoleName, &inv.InvitedBy, &inv.ExpiresAt, &inv.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &inv, nil
}
