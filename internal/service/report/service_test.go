package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/socialens/socialens/internal/domain"
	"github.com/socialens/socialens/internal/repository"
	"github.com/socialens/socialens/internal/service/access"
	"github.com/socialens/socialens/internal/service/ledger"
	"github.com/socialens/socialens/pkg/analyzer"
)

type stubUserRepository struct {
	users map[string]domain.User
}

func (s *stubUserRepository) CreateUser(ctx context.Context, user *domain.User) error { return nil }

func (s *stubUserRepository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return nil, repository.ErrNotFound
}

func (s *stubUserRepository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	if user, ok := s.users[id]; ok {
		u := user
		return &u, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubUserRepository) SetActiveTeam(ctx context.Context, userID string, teamID *string) error {
	return nil
}

func (s *stubUserRepository) ResetTokensUsed(ctx context.Context) error { return nil }

type stubTeamRepository struct {
	teams   map[string]domain.Team
	members map[string]domain.Membership
}

func memberKey(teamID, userID string) string { return teamID + "/" + userID }

func (s *stubTeamRepository) CreateTeam(ctx context.Context, team *domain.Team) error { return nil }

func (s *stubTeamRepository) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	if team, ok := s.teams[teamID]; ok {
		t := team
		return &t, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubTeamRepository) ListTeamsByUser(ctx context.Context, userID string) ([]domain.Team, error) {
	return nil, nil
}

func (s *stubTeamRepository) CountTeamsOwnedBy(ctx context.Context, userID string) (int, error) {
	return 0, nil
}

func (s *stubTeamRepository) UpdateTeamPlan(ctx context.Context, teamID, planSlug string) error {
	return nil
}

func (s *stubTeamRepository) UpsertMember(ctx context.Context, member *domain.Membership) error {
	return nil
}

func (s *stubTeamRepository) GetMember(ctx context.Context, teamID, userID string) (*domain.Membership, error) {
	if member, ok := s.members[memberKey(teamID, userID)]; ok {
		m := member
		return &m, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubTeamRepository) DeleteMember(ctx context.Context, teamID, userID string) error {
	return nil
}

func (s *stubTeamRepository) CountMembers(ctx context.Context, teamID string) (int, error) {
	return 0, nil
}

func (s *stubTeamRepository) IsMemberEmail(ctx context.Context, teamID, email string) (bool, error) {
	return false, nil
}

func (s *stubTeamRepository) SetMemberTokenLimit(ctx context.Context, teamID, userID string, limit *int64) error {
	return nil
}

type stubPlanRepository struct {
	plans map[string]domain.Plan
}

func (s *stubPlanRepository) GetPlanBySlug(ctx context.Context, slug string) (*domain.Plan, error) {
	if plan, ok := s.plans[slug]; ok {
		p := plan
		return &p, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubPlanRepository) ListPlans(ctx context.Context) ([]domain.Plan, error) { return nil, nil }

type stubAccessRepository struct {
	roles       map[string]domain.Role
	assignments map[string]domain.Assignment
}

func (s *stubAccessRepository) ListActivePermissions(ctx context.Context) ([]domain.Permission, error) {
	return []domain.Permission{
		{Name: "reports.generate", IsActive: true},
		{Name: "reports.view", IsActive: true},
	}, nil
}

func (s *stubAccessRepository) CreateRole(ctx context.Context, role *domain.Role) error { return nil }

func (s *stubAccessRepository) GetTeamRole(ctx context.Context, teamID, name string) (*domain.Role, error) {
	return nil, repository.ErrNotFound
}

func (s *stubAccessRepository) GetRoleByID(ctx context.Context, roleID string) (*domain.Role, error) {
	if role, ok := s.roles[roleID]; ok {
		r := role
		return &r, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubAccessRepository) ListTeamRoles(ctx context.Context, teamID string) ([]domain.Role, error) {
	return nil, nil
}

func (s *stubAccessRepository) UpdateRolePermissions(ctx context.Context, roleID string, permissions []string) error {
	return nil
}

func (s *stubAccessRepository) GetAssignment(ctx context.Context, teamID, userID string) (*domain.Assignment, error) {
	if a, ok := s.assignments[memberKey(teamID, userID)]; ok {
		out := a
		return &out, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubAccessRepository) UpsertAssignment(ctx context.Context, assignment domain.Assignment) error {
	return nil
}

func (s *stubAccessRepository) DeleteAssignment(ctx context.Context, teamID, userID string) error {
	return nil
}

func (s *stubAccessRepository) SetMemberRole(ctx context.Context, teamID, userID, label, roleID string) error {
	return nil
}

func (s *stubAccessRepository) SetMemberCustom(ctx context.Context, teamID, userID string, permissions []string) error {
	return nil
}

type stubLedgerRepository struct {
	balance int64
	txns    []domain.Transaction
}

func (s *stubLedgerRepository) Debit(ctx context.Context, txn *domain.Transaction) error {
	cost := -txn.Amount
	if s.balance < cost {
		return repository.ErrInsufficientFunds
	}
	s.balance -= cost
	s.txns = append(s.txns, *txn)
	return nil
}

func (s *stubLedgerRepository) Credit(ctx context.Context, txn *domain.Transaction) error {
	s.balance += txn.Amount
	s.txns = append(s.txns, *txn)
	return nil
}

func (s *stubLedgerRepository) SetBalance(ctx context.Context, teamID, userID string, balance int64, txnType, description string) (*domain.Transaction, error) {
	s.balance = balance
	return &domain.Transaction{}, nil
}

func (s *stubLedgerRepository) ListTransactions(ctx context.Context, teamID string, limit, offset int) ([]domain.Transaction, error) {
	return s.txns, nil
}

func (s *stubLedgerRepository) ResetTransactions(ctx context.Context, teamID string) error {
	return nil
}

type stubAnalyzer struct {
	result *analyzer.Result
	err    error
	calls  int
}

func (s *stubAnalyzer) Analyze(ctx context.Context, filename string, data []byte) (*analyzer.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc        *Service
	users      *stubUserRepository
	ledgerRepo *stubLedgerRepository
	engine     *stubAnalyzer
}

func newFixture(balance int64) fixture {
	teamID := "team-1"
	users := &stubUserRepository{users: map[string]domain.User{
		"owner-1":   {ID: "owner-1", TokenBalance: balance, ActiveTeamID: &teamID},
		"analyst-1": {ID: "analyst-1", ActiveTeamID: &teamID},
		"viewer-1":  {ID: "viewer-1"},
	}}
	teams := &stubTeamRepository{
		teams: map[string]domain.Team{
			teamID: {ID: teamID, OwnerID: "owner-1", PlanSlug: "pro"},
		},
		members: map[string]domain.Membership{
			memberKey(teamID, "owner-1"):   {TeamID: teamID, UserID: "owner-1", RoleLabel: domain.RoleLabelOwner},
			memberKey(teamID, "analyst-1"): {TeamID: teamID, UserID: "analyst-1", RoleLabel: domain.RoleLabelMember},
			memberKey(teamID, "viewer-1"):  {TeamID: teamID, UserID: "viewer-1", RoleLabel: domain.RoleLabelMember},
		},
	}
	plans := &stubPlanRepository{plans: map[string]domain.Plan{
		"pro": {Slug: "pro", MaxTokens: 5000, AllowedFeatures: []string{"reports.generate", "reports.view"}},
	}}
	accessRepo := &stubAccessRepository{
		roles: map[string]domain.Role{
			"role-analyst": {ID: "role-analyst", Name: "analyst", Permissions: []string{"reports.generate", "reports.view"}},
			"role-viewer":  {ID: "role-viewer", Name: "viewer", Permissions: []string{"reports.view"}},
		},
		assignments: map[string]domain.Assignment{
			memberKey(teamID, "analyst-1"): domain.NamedRoleAssignment(teamID, "analyst-1", "role-analyst"),
			memberKey(teamID, "viewer-1"):  domain.NamedRoleAssignment(teamID, "viewer-1", "role-viewer"),
		},
	}
	ledgerRepo := &stubLedgerRepository{balance: balance}
	engine := &stubAnalyzer{result: &analyzer.Result{ReportID: "rep-1", RowCount: 120, Metrics: map[string]float64{"engagement_rate": 0.042}}}

	log := testLogger()
	accessSvc := access.New(users, teams, plans, accessRepo, log)
	ledgerSvc := ledger.New(ledgerRepo, teams, users, plans, nil, log)
	svc := New(accessSvc, ledgerSvc, users, engine, 10, log)
	return fixture{svc: svc, users: users, ledgerRepo: ledgerRepo, engine: engine}
}

func TestGenerateHappyPath(t *testing.T) {
	f := newFixture(100)

	result, err := f.svc.Generate(context.Background(), "analyst-1", "team-1", "export.xlsx", []byte("rows"))
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if result.Transaction.Amount != -10 {
		t.Fatalf("expected debit of 10, got %d", result.Transaction.Amount)
	}
	if result.KPIs.ReportID != "rep-1" {
		t.Fatalf("unexpected KPI bundle: %+v", result.KPIs)
	}
	if f.ledgerRepo.balance != 90 {
		t.Fatalf("expected balance 90, got %d", f.ledgerRepo.balance)
	}
}

func TestGenerateDeniedWithoutPermission(t *testing.T) {
	f := newFixture(100)

	_, err := f.svc.Generate(context.Background(), "viewer-1", "team-1", "export.xlsx", []byte("rows"))
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if f.ledgerRepo.balance != 100 {
		t.Fatal("a denied request must never touch the ledger")
	}
	if f.engine.calls != 0 {
		t.Fatal("a denied request must never reach the analyzer")
	}
}

func TestGenerateInsufficientBalance(t *testing.T) {
	f := newFixture(5)

	_, err := f.svc.Generate(context.Background(), "analyst-1", "team-1", "export.xlsx", []byte("rows"))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if f.engine.calls != 0 {
		t.Fatal("a rejected admission must never reach the analyzer")
	}
}

func TestGenerateKeepsDebitWhenAnalysisFails(t *testing.T) {
	f := newFixture(100)
	f.engine.err = errors.New("engine exploded")

	_, err := f.svc.Generate(context.Background(), "analyst-1", "team-1", "export.xlsx", []byte("rows"))
	if !errors.Is(err, ErrAnalysisFailed) {
		t.Fatalf("expected ErrAnalysisFailed, got %v", err)
	}
	if f.ledgerRepo.balance != 90 {
		t.Fatalf("the debit pays for the attempt and stands, balance %d", f.ledgerRepo.balance)
	}
	if len(f.ledgerRepo.txns) != 1 {
		t.Fatalf("expected the admission transaction to remain, got %d", len(f.ledgerRepo.txns))
	}
}

func TestGenerateUsesActiveWorkspaceWhenTeamOmitted(t *testing.T) {
	f := newFixture(100)

	if _, err := f.svc.Generate(context.Background(), "analyst-1", "", "export.xlsx", []byte("rows")); err != nil {
		t.Fatalf("Generate with empty team failed: %v", err)
	}

	f.users.users["drifter-1"] = domain.User{ID: "drifter-1"}
	if _, err := f.svc.Generate(context.Background(), "drifter-1", "", "export.xlsx", []byte("rows")); !errors.Is(err, ErrNoActiveWorkspace) {
		t.Fatalf("expected ErrNoActiveWorkspace, got %v", err)
	}
}
