// Package invite runs the invitation lifecycle: a tokenized offer is created
// by a team admin, emailed out, and either consumed exactly once into a
// membership, cancelled, or left to lapse. Expiry is checked at acceptance
// time rather than swept proactively.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/socialens/socialens/internal/domain"
	"github.com/socialens/socialens/internal/repository"
)

var (
	ErrUnauthorized        = errors.New("invite: not allowed")
	ErrAlreadyMember       = errors.New("invite: email already belongs to a member")
	ErrDuplicateInvitation = errors.New("invite: a live invitation already exists for this email")
	ErrMemberLimitExceeded = errors.New("invite: plan member limit reached")
	ErrInvitationNotFound  = errors.New("invite: invitation not found")
	ErrInvitationExpired   = errors.New("invite: invitation expired")
	ErrUnknownRole         = errors.New("invite: role is not defined for this team")
)

// Notifier delivers invitation notifications. Implementations are
// fire-and-forget; failures must never block invitation creation.
type Notifier interface {
	InvitationCreated(invitation domain.Invitation, teamName string)
}

// Invalidator drops cached permission snapshots after membership writes.
type Invalidator interface {
	Invalidate(userID, teamID string)
}

// Service handles the invitation lifecycle.
type Service struct {
	invitations repository.InvitationRepository
	teams       repository.TeamRepository
	users       repository.UserRepository
	plans       repository.PlanRepository
	accessor    repository.AccessRepository
	resolver    Invalidator
	notifier    Notifier
	ttl         time.Duration
	logger      *slog.Logger
}

// New constructs a Service. The notifier may be nil when delivery is
// disabled.
func New(invitations repository.InvitationRepository, teams repository.TeamRepository, users repository.UserRepository, plans repository.PlanRepository, accessor repository.AccessRepository, resolver Invalidator, notifier Notifier, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Service{
		invitations: invitations,
		teams:       teams,
		users:       users,
		plans:       plans,
		accessor:    accessor,
		resolver:    resolver,
		notifier:    notifier,
		ttl:         ttl,
		logger:      logger,
	}
}

// Create issues a tokenized invitation. All preconditions must hold: the
// actor administers the team, the email is not already a member, the plan's
// member limit covers members plus pending invitations, and no live
// invitation exists for the pair.
func (s *Service) Create(ctx context.Context, actorID, teamID, email, roleName string) (*domain.Invitation, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("%w: email required", ErrUnauthorized)
	}
	team, err := s.requireAdmin(ctx, actorID, teamID)
	if err != nil {
		return nil, err
	}
	if roleName == "" {
		roleName = domain.RoleLabelMember
	}
	if _, err := s.accessor.GetTeamRole(ctx, teamID, roleName); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownRole
		}
		return nil, err
	}

	already, err := s.teams.IsMemberEmail(ctx, teamID, email)
	if err != nil {
		return nil, err
	}
	if already {
		return nil, ErrAlreadyMember
	}

	existing, err := s.invitations.GetInvitationByEmail(ctx, teamID, email)
	switch {
	case err == nil:
		if !existing.Expired(time.Now()) {
			return nil, ErrDuplicateInvitation
		}
		// Lapsed rows are reaped on contact here too, so the pair can be
		// re-invited without waiting for a dead-token replay.
		if err := s.invitations.DeleteInvitation(ctx, existing.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	plan, err := s.plans.GetPlanBySlug(ctx, team.PlanSlug)
	if err != nil {
		return nil, err
	}
	members, err := s.teams.CountMembers(ctx, teamID)
	if err != nil {
		return nil, err
	}
	pending, err := s.invitations.CountPendingInvitations(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if members+pending >= plan.MemberLimit {
		return nil, fmt.Errorf("%w: limit %d", ErrMemberLimitExceeded, plan.MemberLimit)
	}

	token, err := randomInviteToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	invitation := &domain.Invitation{
		ID:        uuid.NewString(),
		Token:     token,
		Email:     email,
		TeamID:    teamID,
		RoleName:  roleName,
		InvitedBy: actorID,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.invitations.CreateInvitation(ctx, invitation); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrDuplicateInvitation
		}
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.InvitationCreated(*invitation, team.Name)
	}
	s.logger.Info("invitation created", "team_id", teamID, "email", email, "role", roleName, "actor_id", actorID)
	return invitation, nil
}

// Accept consumes the invitation for the registered account behind email.
// The token must exist, match the email and be unexpired; consumption is
// single-use, so replaying a token reports not-found. When the user has no
// active workspace yet, the joined team becomes it.
func (s *Service) Accept(ctx context.Context, token, email string) (*domain.Membership, error) {
	invitation, err := s.invitations.GetInvitationByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvitationNotFound
		}
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(email), invitation.Email) {
		return nil, ErrInvitationNotFound
	}
	if invitation.Expired(time.Now()) {
		// Lapsed rows are reaped on contact, not by a sweeper.
		_ = s.invitations.DeleteInvitation(ctx, invitation.ID)
		return nil, ErrInvitationExpired
	}

	user, err := s.users.GetUserByEmail(ctx, invitation.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: no account for invited email", ErrUnauthorized)
		}
		return nil, err
	}
	role, err := s.accessor.GetTeamRole(ctx, invitation.TeamID, invitation.RoleName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownRole
		}
		return nil, err
	}

	member := &domain.Membership{
		TeamID:    invitation.TeamID,
		UserID:    user.ID,
		RoleLabel: role.Name,
		CreatedAt: time.Now().UTC(),
	}
	assignment := domain.NamedRoleAssignment(invitation.TeamID, user.ID, role.ID)
	setActive := user.ActiveTeamID == nil

	if err := s.invitations.AcceptInvitation(ctx, invitation.ID, member, assignment, setActive); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Consumed between our read and the delete: treat as replay.
			return nil, ErrInvitationNotFound
		}
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrAlreadyMember
		}
		return nil, err
	}

	s.resolver.Invalidate(user.ID, invitation.TeamID)
	s.logger.Info("invitation accepted", "team_id", invitation.TeamID, "user_id", user.ID, "role", role.Name)
	return member, nil
}

// Cancel withdraws a pending invitation.
func (s *Service) Cancel(ctx context.Context, actorID, invitationID string) error {
	invitation, err := s.invitations.GetInvitationByID(ctx, invitationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvitationNotFound
		}
		return err
	}
	if _, err := s.requireAdmin(ctx, actorID, invitation.TeamID); err != nil {
		return err
	}
	if err := s.invitations.DeleteInvitation(ctx, invitationID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvitationNotFound
		}
		return err
	}
	s.logger.Info("invitation cancelled", "invitation_id", invitationID, "team_id", invitation.TeamID, "actor_id", actorID)
	return nil
}

func (s *Service) requireAdmin(ctx context.Context, actorID, teamID string) (*domain.Team, error) {
	team, err := s.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthorized
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

func randomInviteToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate invitation token: %w", err)
	}
	return strings.TrimRight(base64.RawURLEncoding.EncodeToString(buf), "="), nil
}
