// Package workspace manages teams, memberships and the per-user active
// workspace pointer. Authorization-relevant state always travels with an
// explicit team id; switching the active workspace only moves the pointer
// and never grants anything.
package workspace

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/socialens/socialens/internal/domain"
	"github.com/socialens/socialens/internal/repository"
	"github.com/socialens/socialens/internal/service/access"
	"github.com/socialens/socialens/internal/service/ledger"
)

var (
	ErrInvalidTeamName        = errors.New("workspace: team name is required")
	ErrNotAMember             = errors.New("workspace: user is not a member of the team")
	ErrUnauthorized           = errors.New("workspace: not allowed")
	ErrCannotRemoveOwner      = errors.New("workspace: the team owner cannot be removed")
	ErrCannotRemoveSelf       = errors.New("workspace: members cannot remove themselves")
	ErrUnknownRole            = errors.New("workspace: role is not defined for this team")
	ErrPlanViolation          = errors.New("workspace: permission grant exceeds plan entitlement")
	ErrWorkspaceLimitExceeded = errors.New("workspace: plan workspace limit reached")
	ErrUnknownPlan            = errors.New("workspace: unknown plan")
)

// Service handles workspace workflows.
type Service struct {
	users    repository.UserRepository
	teams    repository.TeamRepository
	plans    repository.PlanRepository
	accessor repository.AccessRepository
	resolver *access.Service
	ledger   *ledger.Service
	logger   *slog.Logger
}

// New constructs a Service.
func New(users repository.UserRepository, teams repository.TeamRepository, plans repository.PlanRepository, accessor repository.AccessRepository, resolver *access.Service, ledgerSvc *ledger.Service, logger *slog.Logger) *Service {
	return &Service{
		users:    users,
		teams:    teams,
		plans:    plans,
		accessor: accessor,
		resolver: resolver,
		ledger:   ledgerSvc,
		logger:   logger,
	}
}

// Create provisions a workspace on the given plan: the team row, the owner's
// implicit membership with the built-in admin role, and the active-workspace
// pointer if the owner had none. The owner's plan bounds how many workspaces
// they may own.
func (s *Service) Create(ctx context.Context, ownerID, name, planSlug string) (*domain.Team, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidTeamName
	}
	plan, err := s.plans.GetPlanBySlug(ctx, planSlug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownPlan
		}
		return nil, err
	}
	owned, err := s.teams.CountTeamsOwnedBy(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if owned >= plan.MaxWorkspaces {
		return nil, ErrWorkspaceLimitExceeded
	}

	team := &domain.Team{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		OwnerID:   ownerID,
		PlanSlug:  plan.Slug,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.teams.CreateTeam(ctx, team); err != nil {
		return nil, err
	}
	member := &domain.Membership{
		TeamID:    team.ID,
		UserID:    ownerID,
		RoleLabel: domain.RoleLabelOwner,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.teams.UpsertMember(ctx, member); err != nil {
		return nil, err
	}
	adminRole, err := s.accessor.GetTeamRole(ctx, team.ID, domain.RoleLabelAdmin)
	if err == nil {
		if err := s.accessor.UpsertAssignment(ctx, domain.NamedRoleAssignment(team.ID, ownerID, adminRole.ID)); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	owner, err := s.users.GetUserByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if owner.ActiveTeamID == nil {
		if err := s.users.SetActiveTeam(ctx, ownerID, &team.ID); err != nil {
			return nil, err
		}
	}

	s.logger.Info("workspace created", "team_id", team.ID, "owner_id", ownerID, "plan", plan.Slug)
	return team, nil
}

// SwitchActiveTeam moves the user's active workspace pointer. It validates
// membership and updates nothing else.
func (s *Service) SwitchActiveTeam(ctx context.Context, userID, teamID string) error {
	if _, err := s.teams.GetMember(ctx, teamID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotAMember
		}
		return err
	}
	if err := s.users.SetActiveTeam(ctx, userID, &teamID); err != nil {
		return err
	}
	s.logger.Info("active workspace switched", "user_id", userID, "team_id", teamID)
	return nil
}

// ListForUser returns the workspaces the user belongs to.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]domain.Team, error) {
	return s.teams.ListTeamsByUser(ctx, userID)
}

// Member returns a membership edge.
func (s *Service) Member(ctx context.Context, teamID, userID string) (*domain.Membership, error) {
	member, err := s.teams.GetMember(ctx, teamID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotAMember
		}
		return nil, err
	}
	return member, nil
}

// RemoveMember deletes a membership edge. The owner can never be removed and
// actors cannot remove themselves.
func (s *Service) RemoveMember(ctx context.Context, actorID, teamID, targetUserID string) error {
	team, err := s.requireAdmin(ctx, actorID, teamID)
	if err != nil {
		return err
	}
	if targetUserID == team.OwnerID {
		return ErrCannotRemoveOwner
	}
	if targetUserID == actorID {
		return ErrCannotRemoveSelf
	}
	if err := s.teams.DeleteMember(ctx, teamID, targetUserID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotAMember
		}
		return err
	}
	// The assignment goes with the edge; enforcement must not outlive
	// membership.
	if err := s.accessor.DeleteAssignment(ctx, teamID, targetUserID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	s.resolver.Invalidate(targetUserID, teamID)
	s.logger.Info("member removed", "team_id", teamID, "user_id", targetUserID, "actor_id", actorID)
	return nil
}

// UpdateMemberRole assigns a named role to a member. The display label and
// the enforced assignment are written atomically by the repository.
func (s *Service) UpdateMemberRole(ctx context.Context, actorID, teamID, targetUserID, roleName string) error {
	if _, err := s.requireAdmin(ctx, actorID, teamID); err != nil {
		return err
	}
	role, err := s.accessor.GetTeamRole(ctx, teamID, roleName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUnknownRole
		}
		return err
	}
	if err := s.accessor.SetMemberRole(ctx, teamID, targetUserID, role.Name, role.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotAMember
		}
		return err
	}
	s.resolver.Invalidate(targetUserID, teamID)
	s.logger.Info("member role updated", "team_id", teamID, "user_id", targetUserID, "role", role.Name)
	return nil
}

// SetCustomPermissions switches a member to direct grants, clearing any named
// role. Grants outside the plan entitlement are rejected outright rather than
// silently clipped, so the actor learns immediately.
func (s *Service) SetCustomPermissions(ctx context.Context, actorID, teamID, targetUserID string, permissions []string) error {
	if _, err := s.requireAdmin(ctx, actorID, teamID); err != nil {
		return err
	}
	allowed, err := s.resolver.PlanAllowed(ctx, teamID)
	if err != nil {
		return err
	}
	for _, name := range permissions {
		if !allowed.Has(name) {
			return ErrPlanViolation
		}
	}
	if err := s.accessor.SetMemberCustom(ctx, teamID, targetUserID, permissions); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotAMember
		}
		return err
	}
	s.resolver.Invalidate(targetUserID, teamID)
	s.logger.Info("custom permissions set", "team_id", teamID, "user_id", targetUserID, "count", len(permissions))
	return nil
}

// SetMemberTokenLimit updates a member's personal monthly spend cap; nil
// removes the cap.
func (s *Service) SetMemberTokenLimit(ctx context.Context, actorID, teamID, targetUserID string, limit *int64) error {
	if _, err := s.requireAdmin(ctx, actorID, teamID); err != nil {
		return err
	}
	if err := s.teams.SetMemberTokenLimit(ctx, teamID, targetUserID, limit); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotAMember
		}
		return err
	}
	return nil
}

// CreateRole defines a team-scoped role. Stored permissions must stay within
// the plan's entitlement.
func (s *Service) CreateRole(ctx context.Context, actorID, teamID, name string, permissions []string) (*domain.Role, error) {
	if _, err := s.requireAdmin(ctx, actorID, teamID); err != nil {
		return nil, err
	}
	allowed, err := s.resolver.PlanAllowed(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for _, perm := range permissions {
		if !allowed.Has(perm) {
			return nil, ErrPlanViolation
		}
	}
	role := &domain.Role{
		ID:          uuid.NewString(),
		TeamID:      &teamID,
		Name:        strings.TrimSpace(name),
		Permissions: append([]string(nil), permissions...),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.accessor.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	s.logger.Info("role created", "team_id", teamID, "role", role.Name)
	return role, nil
}

// ResyncRolesToPlan prunes every team-owned role's stored permissions down to
// the current plan's allowed set. Read-time intersection already narrows
// effective capability; this makes storage match after a downgrade.
func (s *Service) ResyncRolesToPlan(ctx context.Context, teamID string) error {
	allowed, err := s.resolver.PlanAllowed(ctx, teamID)
	if err != nil {
		return err
	}
	roles, err := s.accessor.ListTeamRoles(ctx, teamID)
	if err != nil {
		return err
	}
	for _, role := range roles {
		pruned := domain.NewPermissionSet(role.Permissions...).Intersect(allowed).Names()
		if len(pruned) == len(role.Permissions) {
			continue
		}
		if err := s.accessor.UpdateRolePermissions(ctx, role.ID, pruned); err != nil {
			return err
		}
		s.logger.Info("role pruned to plan", "team_id", teamID, "role", role.Name, "kept", len(pruned), "had", len(role.Permissions))
	}
	s.resolver.InvalidateTeam(teamID)
	return nil
}

// ChangePlan switches the team's plan, resets the token pool to the new cap,
// and prunes stored roles to the new entitlement.
func (s *Service) ChangePlan(ctx context.Context, actorID, teamID, planSlug string) (*domain.Team, error) {
	team, err := s.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotAMember
		}
		return nil, err
	}
	if actorID != team.OwnerID {
		actor, err := s.users.GetUserByID(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if !actor.IsSuperAdmin {
			return nil, ErrUnauthorized
		}
	}
	if _, err := s.plans.GetPlanBySlug(ctx, planSlug); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownPlan
		}
		return nil, err
	}
	if err := s.teams.UpdateTeamPlan(ctx, teamID, planSlug); err != nil {
		return nil, err
	}
	s.resolver.InvalidateTeam(teamID)
	if err := s.ResyncRolesToPlan(ctx, teamID); err != nil {
		return nil, err
	}
	if _, err := s.ledger.ResetToPlanCap(ctx, teamID, actorID); err != nil {
		return nil, err
	}
	team.PlanSlug = planSlug
	s.logger.Info("plan changed", "team_id", teamID, "plan", planSlug, "actor_id", actorID)
	return team, nil
}

// requireAdmin loads the team and checks the actor is its owner or carries
// the admin role label.
func (s *Service) requireAdmin(ctx context.Context, actorID, teamID string) (*domain.Team, error) {
	team, err := s.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotAMember
		}
		return nil, err
	}
	if actorID == team.OwnerID {
		return team, nil
	}
	member, err := s.teams.GetMember(ctx, teamID, actorID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if member.RoleLabel != domain.RoleLabelAdmin {
		return nil, ErrUnauthorized
	}
	return team, nil
}
