package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/socialens/socialens/internal/domain"
	"github.com/socialens/socialens/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.TeamRepository       = (*Repository)(nil)
	_ repository.PlanRepository       = (*Repository)(nil)
	_ repository.AccessRepository     = (*Repository)(nil)
	_ repository.InvitationRepository = (*Repository)(nil)
	_ repository.LedgerRepository     = (*Repository)(nil)
)

func translateConstraint(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return repository.ErrConflict
	}
	return err
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, is_super_admin, active_team_id, token_balance, tokens_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.PasswordHash,
		user.IsSuperAdmin, user.ActiveTeamID, user.TokenBalance, user.TokensUsed, user.CreatedAt)
	return translateConstraint(err)
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, is_super_admin, active_team_id, token_balance, tokens_used, created_at
		FROM users WHERE email = $1`
	return scanUser(r.pool.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email))))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, is_super_admin, active_team_id, token_balance, tokens_used, created_at
		FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// SetActiveTeam updates the user's active workspace pointer.
func (r *Repository) SetActiveTeam(ctx context.Context, userID string, teamID *string) error {
	const query = `UPDATE users SET active_team_id = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, userID, teamID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ResetTokensUsed zeroes every account's monthly spend counter.
func (r *Repository) ResetTokensUsed(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET tokens_used = 0 WHERE tokens_used <> 0`)
	return err
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsSuperAdmin, &u.ActiveTeamID, &u.TokenBalance, &u.TokensUsed, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateTeam creates a team record.
func (r *Repository) CreateTeam(ctx context.Context, team *domain.Team) error {
	const query = `INSERT INTO teams (id, name, owner_id, plan_slug, subscription_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, team.ID, team.Name, team.OwnerID, team.PlanSlug, team.SubscriptionExpiresAt, team.CreatedAt)
	return translateConstraint(err)
}

// GetTeamByID returns a team by identifier.
func (r *Repository) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	const query = `SELECT id, name, owner_id, plan_slug, subscription_expires_at, created_at FROM teams WHERE id = $1`
	return scanTeam(r.pool.QueryRow(ctx, query, teamID))
}

// ListTeamsByUser returns teams the user belongs to.
func (r *Repository) ListTeamsByUser(ctx context.Context, userID string) ([]domain.Team, error) {
	const query = `SELECT t.id, t.name, t.owner_id, t.plan_slug, t.subscription_expires_at, t.created_at
		FROM teams t
		INNER JOIN memberships m ON m.team_id = t.id
		WHERE m.user_id = $1
		ORDER BY t.created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	teams := make([]domain.Team, 0)
	for rows.Next() {
		var team domain.Team
		if err := rows.Scan(&team.ID, &team.Name, &team.OwnerID, &team.PlanSlug, &team.SubscriptionExpiresAt, &team.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

// CountTeamsOwnedBy counts workspaces owned by a user.
func (r *Repository) CountTeamsOwnedBy(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM teams WHERE owner_id = $1`, userID).Scan(&count)
	return count, err
}

// UpdateTeamPlan switches a team's plan slug.
func (r *Repository) UpdateTeamPlan(ctx context.Context, teamID, planSlug string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE teams SET plan_slug = $2 WHERE id = $1`, teamID, planSlug)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanTeam(row pgx.Row) (*domain.Team, error) {
	var team domain.Team
	if err := row.Scan(&team.ID, &team.Name, &team.OwnerID, &team.PlanSlug, &team.SubscriptionExpiresAt, &team.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &team, nil
}

// UpsertMember adds or updates a membership edge.
func (r *Repository) UpsertMember(ctx context.Context, member *domain.Membership) error {
	const query = `INSERT INTO memberships (team_id, user_id, role_label, token_limit, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (team_id, user_id) DO UPDATE SET role_label = EXCLUDED.role_label, token_limit = EXCLUDED.token_limit`
	_, err := r.pool.Exec(ctx, query, member.TeamID, member.UserID, member.RoleLabel, member.TokenLimit, member.CreatedAt)
	return err
}

// GetMember fetches a membership edge.
func (r *Repository) GetMember(ctx context.Context, teamID, userID string) (*domain.Membership, error) {
	const query = `SELECT team_id, user_id, role_label, token_limit, created_at FROM memberships
		WHERE team_id = $1 AND user_id = $2`
	var m domain.Membership
	if err := r.pool.QueryRow(ctx, query, teamID, userID).Scan(&m.TeamID, &m.UserID, &m.RoleLabel, &m.TokenLimit, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// DeleteMember removes a membership edge and its assignment.
func (r *Repository) DeleteMember(ctx context.Context, teamID, userID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM role_assignments WHERE team_id = $1 AND user_id = $2`, teamID, userID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM memberships WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	// A removed member keeps their account, but the deleted workspace may
	// still be their active one; clear the pointer so it cannot dangle.
	if _, err := tx.Exec(ctx, `UPDATE users SET active_team_id = NULL WHERE id = $1 AND active_team_id = $2`, userID, teamID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CountMembers counts membership edges for a team.
func (r *Repository) CountMembers(ctx context.Context, teamID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM memberships WHERE team_id = $1`, teamID).Scan(&count)
	return count, err
}

// IsMemberEmail reports whether an email already belongs to a team member.
func (r *Repository) IsMemberEmail(ctx context.Context, teamID, email string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM memberships m
		INNER JOIN users u ON u.id = m.user_id
		WHERE m.team_id = $1 AND u.email = $2
	)`
	var exists bool
	err := r.pool.QueryRow(ctx, query, teamID, strings.ToLower(strings.TrimSpace(email))).Scan(&exists)
	return exists, err
}

// SetMemberTokenLimit updates a member's personal spend cap.
func (r *Repository) SetMemberTokenLimit(ctx context.Context, teamID, userID string, limit *int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE memberships SET token_limit = $3 WHERE team_id = $1 AND user_id = $2`, teamID, userID, limit)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetPlanBySlug fetches one plan from the entitlement catalog.
func (r *Repository) GetPlanBySlug(ctx context.Context, slug string) (*domain.Plan, error) {
	const query = `SELECT slug, name, member_limit, max_workspaces, max_tokens, allowed_features, created_at
		FROM plans WHERE slug = $1`
	var p domain.Plan
	if err := r.pool.QueryRow(ctx, query, slug).Scan(&p.Slug, &p.Name, &p.MemberLimit, &p.MaxWorkspaces, &p.MaxTokens, &p.AllowedFeatures, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListPlans returns the whole plan catalog.
func (r *Repository) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	const query = `SELECT slug, name, member_limit, max_workspaces, max_tokens, allowed_features, created_at
		FROM plans ORDER BY max_tokens ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plans := make([]domain.Plan, 0)
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.Slug, &p.Name, &p.MemberLimit, &p.MaxWorkspaces, &p.MaxTokens, &p.AllowedFeatures, &p.CreatedAt); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}
