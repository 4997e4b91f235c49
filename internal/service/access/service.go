// Package access computes a member's effective permissions for one team:
// the intersection of what their role or direct grants give them with what
// the team's plan entitles. The intersection happens at read time, so a plan
// downgrade narrows capability immediately even while roles still store
// now-unavailable permissions.
package access

import (
	"context"
	"errors"

	"log/slog"

	"github.com/socialens/socialens/internal/domain"
	"github.com/socialens/socialens/internal/repository"
)

// Service resolves effective permissions and exposes the entitlement catalog.
type Service struct {
	users  repository.UserRepository
	teams  repository.TeamRepository
	plans  repository.PlanRepository
	access repository.AccessRepository
	cache  *permissionCache
	logger *slog.Logger
}

// New constructs a Service with a per-(user, team) permission cache.
func New(users repository.UserRepository, teams repository.TeamRepository, plans repository.PlanRepository, accessRepo repository.AccessRepository, logger *slog.Logger) *Service {
	return &Service{
		users:  users,
		teams:  teams,
		plans:  plans,
		access: accessRepo,
		cache:  newPermissionCache(),
		logger: logger,
	}
}

// Entitlements returns the plan definition for a slug.
func (s *Service) Entitlements(ctx context.Context, slug string) (*domain.Plan, error) {
	return s.plans.GetPlanBySlug(ctx, slug)
}

// ListPlans returns the whole entitlement catalog.
func (s *Service) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	return s.plans.ListPlans(ctx)
}

// EffectivePermissions computes the permission names the user can exercise
// within the team. Super-admins get every active permission; everyone else
// gets their granted set intersected with the plan's allowed features.
func (s *Service) EffectivePermissions(ctx context.Context, userID, teamID string) (domain.PermissionSet, error) {
	if cached, ok := s.cache.get(userID, teamID); ok {
		return cached, nil
	}

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	active, err := s.activePermissionNames(ctx)
	if err != nil {
		return nil, err
	}
	if user.IsSuperAdmin {
		s.cache.put(userID, teamID, active)
		return active, nil
	}

	planAllowed, err := s.planAllowed(ctx, teamID, active)
	if err != nil {
		return nil, err
	}
	if len(planAllowed) == 0 {
		s.cache.put(userID, teamID, planAllowed)
		return planAllowed, nil
	}

	granted, err := s.grantedPermissions(ctx, teamID, userID)
	if err != nil {
		return nil, err
	}
	effective := granted.Intersect(planAllowed)
	s.cache.put(userID, teamID, effective)
	return effective, nil
}

// Can reports whether the user holds one effective permission in the team.
func (s *Service) Can(ctx context.Context, userID, teamID, permission string) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, userID, teamID)
	if err != nil {
		return false, err
	}
	return perms.Has(permission), nil
}

// PlanAllowed returns the team plan's allowed features restricted to active
// permissions. Used by write paths that must reject out-of-plan grants.
func (s *Service) PlanAllowed(ctx context.Context, teamID string) (domain.PermissionSet, error) {
	active, err := s.activePermissionNames(ctx)
	if err != nil {
		return nil, err
	}
	return s.planAllowed(ctx, teamID, active)
}

// Invalidate drops the cached permission snapshot for one (user, team) pair.
func (s *Service) Invalidate(userID, teamID string) {
	s.cache.invalidate(userID, teamID)
}

// InvalidateTeam drops every cached snapshot scoped to the team. Called after
// plan changes and role resyncs, which affect all members at once.
func (s *Service) InvalidateTeam(teamID string) {
	s.cache.invalidateTeam(teamID)
}

func (s *Service) activePermissionNames(ctx context.Context) (domain.PermissionSet, error) {
	perms, err := s.access.ListActivePermissions(ctx)
	if err != nil {
		return nil, err
	}
	set := make(domain.PermissionSet, len(perms))
	for _, p := range perms {
		set[p.Name] = struct{}{}
	}
	return set, nil
}

func (s *Service) planAllowed(ctx context.Context, teamID string, active domain.PermissionSet) (domain.PermissionSet, error) {
	team, err := s.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		return nil, err
	}
	plan, err := s.plans.GetPlanBySlug(ctx, team.PlanSlug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// A team pointing at a retired plan has no entitlements.
			return domain.NewPermissionSet(), nil
		}
		return nil, err
	}
	return domain.NewPermissionSet(plan.AllowedFeatures...).Intersect(active), nil
}

func (s *Service) grantedPermissions(ctx context.Context, teamID, userID string) (domain.PermissionSet, error) {
	assignment, err := s.access.GetAssignment(ctx, teamID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewPermissionSet(), nil
		}
		return nil, err
	}
	if assignment.IsDirect() {
		return domain.NewPermissionSet(assignment.Direct...), nil
	}
	role, err := s.access.GetRoleByID(ctx, *assignment.RoleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("assignment references missing role", "team_id", teamID, "user_id", userID, "role_id", *assignment.RoleID)
			return domain.NewPermissionSet(), nil
		}
		return nil, err
	}
	return domain.NewPermissionSet(role.Permissions...), nil
}
