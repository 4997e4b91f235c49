// Package ledger gates billable actions behind the team token pool. Admit is
// the commit point for a billable request: once it returns a transaction the
// cost is spent, whatever happens to the action afterwards.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/socialens/socialens/internal/domain"
	"github.com/socialens/socialens/internal/repository"
)

var (
	ErrTeamNotFound        = errors.New("ledger: team not found")
	ErrNotAMember          = errors.New("ledger: user is not a member of the team")
	ErrInvalidCost         = errors.New("ledger: cost must be positive")
	ErrInsufficientBalance = errors.New("ledger: insufficient team balance")
	ErrMemberCapExceeded   = errors.New("ledger: member token limit exceeded")
	ErrUnauthorized        = errors.New("ledger: not allowed")
)

// Feed receives successful ledger entries for live streaming.
type Feed interface {
	Broadcast(teamID string, payload []byte)
}

// Service implements token admission control and the audit trail around it.
type Service struct {
	ledger repository.LedgerRepository
	teams  repository.TeamRepository
	users  repository.UserRepository
	plans  repository.PlanRepository
	feed   Feed
	logger *slog.Logger
}

// New constructs a Service. The feed may be nil when streaming is disabled.
func New(ledgerRepo repository.LedgerRepository, teams repository.TeamRepository, users repository.UserRepository, plans repository.PlanRepository, feed Feed, logger *slog.Logger) *Service {
	return &Service{ledger: ledgerRepo, teams: teams, users: users, plans: plans, feed: feed, logger: logger}
}

// Admit checks the member's advisory cap and then debits the team pool in one
// atomic step. On success exactly one transaction row exists and the balance
// dropped by exactly cost; on failure nothing changed. The debit is not
// refunded if the action it admitted later fails.
func (s *Service) Admit(ctx context.Context, teamID, userID string, cost int64, description string) (*domain.Transaction, error) {
	if cost <= 0 {
		return nil, ErrInvalidCost
	}
	team, err := s.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTeamNotFound
		}
		return nil, err
	}
	member, err := s.teams.GetMember(ctx, teamID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotAMember
		}
		return nil, err
	}

	// The member cap is advisory: it is read outside the debit transaction,
	// so a stale read only delays the team-level rejection by one request.
	// Owners and uncapped members skip it.
	if userID != team.OwnerID && member.TokenLimit != nil {
		user, err := s.users.GetUserByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if user.TokensUsed+cost > *member.TokenLimit {
			return nil, fmt.Errorf("%w: limit %d, already used %d", ErrMemberCapExceeded, *member.TokenLimit, user.TokensUsed)
		}
	}

	txn := &domain.Transaction{
		ID:          uuid.NewString(),
		TeamID:      teamID,
		UserID:      userID,
		Amount:      -cost,
		Type:        domain.TransactionTypeReportDebit,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.ledger.Debit(ctx, txn); err != nil {
		if errors.Is(err, repository.ErrInsufficientFunds) {
			remaining := s.balanceHint(ctx, team.OwnerID)
			return nil, fmt.Errorf("%w: %d available, %d required", ErrInsufficientBalance, remaining, cost)
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTeamNotFound
		}
		return nil, err
	}

	s.logger.Info("spend admitted", "team_id", teamID, "user_id", userID, "cost", cost, "transaction_id", txn.ID)
	s.publish(txn)
	return txn, nil
}

// Adjust credits or corrects a team pool by a signed amount. Restricted to
// the team owner and super-admins; it bypasses admission entirely, but a
// negative correction still cannot take the pool below zero.
func (s *Service) Adjust(ctx context.Context, actorID, teamID string, amount int64, description string) (*domain.Transaction, error) {
	team, err := s.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTeamNotFound
		}
		return nil, err
	}
	if err := s.requireOwnerOrSuperAdmin(ctx, actorID, team); err != nil {
		return nil, err
	}

	txn := &domain.Transaction{
		ID:          uuid.NewString(),
		TeamID:      teamID,
		UserID:      actorID,
		Amount:      amount,
		Type:        domain.TransactionTypeAdminAdjustment,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.ledger.Credit(ctx, txn); err != nil {
		if errors.Is(err, repository.ErrInvalidArgument) {
			return nil, ErrInvalidCost
		}
		if errors.Is(err, repository.ErrInsufficientFunds) {
			return nil, fmt.Errorf("%w: adjustment would overdraw the pool", ErrInsufficientBalance)
		}
		return nil, err
	}
	s.logger.Info("balance adjusted", "team_id", teamID, "actor_id", actorID, "amount", amount)
	s.publish(txn)
	return txn, nil
}

// ResetToPlanCap pins the team balance to its plan's token cap and records
// the delta. Used on signup and after plan changes.
func (s *Service) ResetToPlanCap(ctx context.Context, teamID, actorID string) (*domain.Transaction, error) {
	team, err := s.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTeamNotFound
		}
		return nil, err
	}
	plan, err := s.plans.GetPlanBySlug(ctx, team.PlanSlug)
	if err != nil {
		return nil, err
	}
	txn, err := s.ledger.SetBalance(ctx, teamID, actorID, plan.MaxTokens, domain.TransactionTypePlanGrant, "balance set to "+plan.Slug+" plan cap")
	if err != nil {
		return nil, err
	}
	s.logger.Info("balance reset to plan cap", "team_id", teamID, "plan", plan.Slug, "cap", plan.MaxTokens)
	s.publish(txn)
	return txn, nil
}

// Balance returns the team's current spendable balance.
func (s *Service) Balance(ctx context.Context, teamID string) (int64, error) {
	team, err := s.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrTeamNotFound
		}
		return 0, err
	}
	owner, err := s.users.GetUserByID(ctx, team.OwnerID)
	if err != nil {
		return 0, err
	}
	return owner.TokenBalance, nil
}

// History returns a page of the team's audit trail, newest first.
func (s *Service) History(ctx context.Context, teamID string, limit, offset int) ([]domain.Transaction, error) {
	return s.ledger.ListTransactions(ctx, teamID, limit, offset)
}

// ResetHistory wipes a team's audit trail. Super-admin only; this is the one
// sanctioned deletion of ledger rows.
func (s *Service) ResetHistory(ctx context.Context, actorID, teamID string) error {
	actor, err := s.users.GetUserByID(ctx, actorID)
	if err != nil {
		return err
	}
	if !actor.IsSuperAdmin {
		return ErrUnauthorized
	}
	if err := s.ledger.ResetTransactions(ctx, teamID); err != nil {
		return err
	}
	s.logger.Warn("ledger history reset", "team_id", teamID, "actor_id", actorID)
	return nil
}

// ResetMonthlyUsage zeroes every member's monthly spend counter.
func (s *Service) ResetMonthlyUsage(ctx context.Context) error {
	return s.users.ResetTokensUsed(ctx)
}

func (s *Service) requireOwnerOrSuperAdmin(ctx context.Context, actorID string, team *domain.Team) error {
	if actorID == team.OwnerID {
		return nil
	}
	actor, err := s.users.GetUserByID(ctx, actorID)
	if err != nil {
		return err
	}
	if !actor.IsSuperAdmin {
		return ErrUnauthorized
	}
	return nil
}

// balanceHint reads the owner balance after a failed debit for the error
// message only; the value may already be stale.
func (s *Service) balanceHint(ctx context.Context, ownerID string) int64 {
	owner, err := s.users.GetUserByID(ctx, ownerID)
	if err != nil {
		return 0
	}
	return owner.TokenBalance
}

func (s *Service) publish(txn *domain.Transaction) {
	if s.feed == nil || txn == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"transaction_id": txn.ID,
		"team_id":        txn.TeamID,
		"user_id":        txn.UserID,
		"amount":         txn.Amount,
		"type":           txn.Type,
		"description":    txn.Description,
		"created_at":     txn.CreatedAt,
	})
	if err != nil {
		return
	}
	s.feed.Broadcast(txn.TeamID, payload)
}
