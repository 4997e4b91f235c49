// Package report orchestrates a billable report generation: resolve the
// workspace, authorize, admit the spend, and only then hand the upload to
// the external analysis engine.
package report

import (
	"context"
	"errors"
	"fmt"

	"log/slog"

	"github.com/socialens/socialens/internal/domain"
	"github.com/socialens/socialens/internal/repository"
	"github.com/socialens/socialens/internal/service/access"
	"github.com/socialens/socialens/internal/service/ledger"
	"github.com/socialens/socialens/pkg/analyzer"
)

const permissionGenerate = "reports.generate"

var (
	ErrPermissionDenied  = errors.New("report: permission denied")
	ErrNoActiveWorkspace = errors.New("report: no active workspace selected")
	// ErrAnalysisFailed wraps analyzer errors. The admission debit pays for
	// the attempt and is not refunded when analysis fails.
	ErrAnalysisFailed = errors.New("report: analysis failed; the tokens spent on this attempt are not refunded")
)

// Analyzer turns uploaded export bytes into a KPI bundle.
type Analyzer interface {
	Analyze(ctx context.Context, filename string, data []byte) (*analyzer.Result, error)
}

// Result couples the admission record with the produced KPI bundle.
type Result struct {
	Transaction *domain.Transaction
	KPIs        *analyzer.Result
}

// Service coordinates authorization, admission and analysis.
type Service struct {
	access   *access.Service
	ledger   *ledger.Service
	users    repository.UserRepository
	analyzer Analyzer
	cost     int64
	logger   *slog.Logger
}

// New constructs a Service. cost is the token price of one generation attempt.
func New(accessSvc *access.Service, ledgerSvc *ledger.Service, users repository.UserRepository, engine Analyzer, cost int64, logger *slog.Logger) *Service {
	if cost <= 0 {
		cost = 10
	}
	return &Service{access: accessSvc, ledger: ledgerSvc, users: users, analyzer: engine, cost: cost, logger: logger}
}

// Generate runs one billable report generation. teamID may be empty, in
// which case the user's active workspace is used. Admission is the commit
// point: the analyzer only runs after the debit landed, and a slow or
// failing analysis never touches the ledger again.
func (s *Service) Generate(ctx context.Context, userID, teamID, filename string, data []byte) (*Result, error) {
	if teamID == "" {
		user, err := s.users.GetUserByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if user.ActiveTeamID == nil {
			return nil, ErrNoActiveWorkspace
		}
		teamID = *user.ActiveTeamID
	}

	allowed, err := s.access.Can(ctx, userID, teamID, permissionGenerate)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrPermissionDenied
	}

	txn, err := s.ledger.Admit(ctx, teamID, userID, s.cost, "report generation: "+filename)
	if err != nil {
		return nil, err
	}

	kpis, err := s.analyzer.Analyze(ctx, filename, data)
	if err != nil {
		s.logger.Error("analysis failed after admission", "team_id", teamID, "user_id", userID, "transaction_id", txn.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
	}

	s.logger.Info("report generated", "team_id", teamID, "user_id", userID, "transaction_id", txn.ID, "rows", kpis.RowCount)
	return &Result{Transaction: txn, KPIs: kpis}, nil
}

// Cost returns the token price of one generation attempt.
func (s *Service) Cost() int64 {
	return s.cost
}
