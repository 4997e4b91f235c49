package repository

import (
	"context"

	"github.com/socialens/socialens/internal/domain"
)

// UserRepository persists platform accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	// SetActiveTeam updates the user's active workspace pointer; nil clears it.
	SetActiveTeam(ctx context.Context, userID string, teamID *string) error
	// ResetTokensUsed zeroes every account's monthly spend counter.
	ResetTokensUsed(ctx context.Context) error
}

// TeamRepository manages teams and memberships.
type TeamRepository interface {
	CreateTeam(ctx context.Context, team *domain.Team) error
	GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error)
	ListTeamsByUser(ctx context.Context, userID string) ([]domain.Team, error)
	CountTeamsOwnedBy(ctx context.Context, userID string) (int, error)
	UpdateTeamPlan(ctx context.Context, teamID, planSlug string) error
	UpsertMember(ctx context.Context, member *domain.Membership) error
	GetMember(ctx context.Context, teamID, userID string) (*domain.Membership, error)
	DeleteMember(ctx context.Context, teamID, userID string) error
	CountMembers(ctx context.Context, teamID string) (int, error)
	IsMemberEmail(ctx context.Context, teamID, email string) (bool, error)
	SetMemberTokenLimit(ctx context.Context, teamID, userID string, limit *int64) error
}

// PlanRepository exposes the read-only entitlement catalog.
type PlanRepository interface {
	GetPlanBySlug(ctx context.Context, slug string) (*domain.Plan, error)
	ListPlans(ctx context.Context) ([]domain.Plan, error)
}

// AccessRepository persists permissions, roles and member assignments.
type AccessRepository interface {
	ListActivePermissions(ctx context.Context) ([]domain.Permission, error)
	CreateRole(ctx context.Context, role *domain.Role) error
	// GetTeamRole resolves a role by name, preferring the team-scoped role
	// over a global built-in of the same name.
	GetTeamRole(ctx context.Context, teamID, name string) (*domain.Role, error)
	GetRoleByID(ctx context.Context, roleID string) (*domain.Role, error)
	ListTeamRoles(ctx context.Context, teamID string) ([]domain.Role, error)
	UpdateRolePermissions(ctx context.Context, roleID string, permissions []string) error
	GetAssignment(ctx context.Context, teamID, userID string) (*domain.Assignment, error)
	UpsertAssignment(ctx context.Context, assignment domain.Assignment) error
	DeleteAssignment(ctx context.Context, teamID, userID string) error
	// SetMemberRole updates a membership's display label and the backing
	// assignment in one transaction so the two can never diverge.
	SetMemberRole(ctx context.Context, teamID, userID, label, roleID string) error
	// SetMemberCustom switches the member to direct grants, clearing any
	// named role in the same transaction.
	SetMemberCustom(ctx context.Context, teamID, userID string, permissions []string) error
}

// InvitationRepository persists pending join offers.
type InvitationRepository interface {
	CreateInvitation(ctx context.Context, invitation *domain.Invitation) error
	GetInvitationByToken(ctx context.Context, token string) (*domain.Invitation, error)
	GetInvitationByID(ctx context.Context, id string) (*domain.Invitation, error)
	// GetInvitationByEmail returns the stored invitation for (team, email),
	// lapsed or not. Expiry is the caller's concern.
	GetInvitationByEmail(ctx context.Context, teamID, email string) (*domain.Invitation, error)
	DeleteInvitation(ctx context.Context, id string) error
	// CountPendingInvitations counts live invitations only; lapsed rows do
	// not occupy plan seats.
	CountPendingInvitations(ctx context.Context, teamID string) (int, error)
	// AcceptInvitation consumes the invitation exactly once: it deletes the
	// row, creates the membership and assignment, and optionally points the
	// user's active workspace at the team, all in one transaction. A replay
	// observes the deleted row and gets ErrNotFound.
	AcceptInvitation(ctx context.Context, invitationID string, member *domain.Membership, assignment domain.Assignment, setActiveTeam bool) error
}

// LedgerRepository persists the token ledger: the balance column it audits
// plus the append-only transaction log.
type LedgerRepository interface {
	// Debit atomically decrements the owning team's balance by -txn.Amount,
	// appends the transaction row and bumps the spending user's monthly
	// counter. The decrement is conditional: if it would take the balance
	// below zero the whole transaction rolls back with ErrInsufficientFunds.
	Debit(ctx context.Context, txn *domain.Transaction) error
	// Credit increments the owning team's balance by txn.Amount and appends
	// the transaction row. No upper-bound check; callers enforce plan caps.
	Credit(ctx context.Context, txn *domain.Transaction) error
	// SetBalance sets the owning team's balance to an absolute value and
	// appends a transaction recording the delta. Returns the recorded delta.
	SetBalance(ctx context.Context, teamID, userID string, balance int64, txnType, description string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, teamID string, limit, offset int) ([]domain.Transaction, error)
	// ResetTransactions deletes a team's history. This is the only permitted
	// deletion of ledger rows.
	ResetTransactions(ctx context.Context, teamID string) error
}
