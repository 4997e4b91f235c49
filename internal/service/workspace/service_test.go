package workspace

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
)

type stubUserRepository struct {
	users       map[string]domain.User
	activeTeams map[string]*string
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
	s.activeTeams[userID] = teamID
	user := s.users[userID]
	user.ActiveTeamID = teamID
	s.users[userID] = user
	return nil
}

func (s *stubUserRepository) ResetTokensUsed(ctx context.Context) error { return nil }

type stubTeamRepository struct {
	teams    map[string]domain.Team
	members  map[string]domain.Membership
	owned    map[string]int
	removals []string
}

func memberKey(teamID, userID string) string { return teamID + "/" + userID }

func (s *stubTeamRepository) CreateTeam(ctx context.Context, team *domain.Team) error {
	s.teams[team.ID] = *team
	return nil
}

func (s *stubTeamRepository) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	if team, ok := s.teams[teamID]; ok {
		t := team
		return &t, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubTeamRepository) ListTeamsByUser(ctx context.Context, userID string) ([]domain.Team, error) {
	var out []domain.Team
	for _, member := range s.members {
		if member.UserID == userID {
			if team, ok := s.teams[member.TeamID]; ok {
				out = append(out, team)
			}
		}
	}
	return out, nil
}

func (s *stubTeamRepository) CountTeamsOwnedBy(ctx context.Context, userID string) (int, error) {
	return s.owned[userID], nil
}

func (s *stubTeamRepository) UpdateTeamPlan(ctx context.Context, teamID, planSlug string) error {
	team, ok := s.teams[teamID]
	if !ok {
		return repository.ErrNotFound
	}
	team.PlanSlug = planSlug
	s.teams[teamID] = team
	return nil
}

func (s *stubTeamRepository) UpsertMember(ctx context.Context, member *domain.Membership) error {
	s.members[memberKey(member.TeamID, member.UserID)] = *member
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
	key := memberKey(teamID, userID)
	if _, ok := s.members[key]; !ok {
		return repository.ErrNotFound
	}
	delete(s.members, key)
	s.removals = append(s.removals, key)
	return nil
}

func (s *stubTeamRepository) CountMembers(ctx context.Context, teamID string) (int, error) {
	count := 0
	for _, member := range s.members {
		if member.TeamID == teamID {
			count++
		}
	}
	return count, nil
}

func (s *stubTeamRepository) IsMemberEmail(ctx context.Context, teamID, email string) (bool, error) {
	return false, nil
}

func (s *stubTeamRepository) SetMemberTokenLimit(ctx context.Context, teamID, userID string, limit *int64) error {
	member, ok := s.members[memberKey(teamID, userID)]
	if !ok {
		return repository.ErrNotFound
	}
	member.TokenLimit = limit
	s.members[memberKey(teamID, userID)] = member
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
	permissions []domain.Permission
	roles       map[string]domain.Role
	assignments map[string]domain.Assignment
	pruned      map[string][]string
	customSet   map[string][]string
}

func (s *stubAccessRepository) ListActivePermissions(ctx context.Context) ([]domain.Permission, error) {
	return s.permissions, nil
}

func (s *stubAccessRepository) CreateRole(ctx context.Context, role *domain.Role) error {
	s.roles[role.ID] = *role
	return nil
}

func (s *stubAccessRepository) GetTeamRole(ctx context.Context, teamID, name string) (*domain.Role, error) {
	var global *domain.Role
	for _, role := range s.roles {
		if role.Name != name {
			continue
		}
		r := role
		if role.TeamID != nil && *role.TeamID == teamID {
			return &r, nil
		}
		if role.TeamID == nil {
			global = &r
		}
	}
	if global != nil {
		return global, nil
	}
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
	var out []domain.Role
	for _, role := range s.roles {
		if role.TeamID != nil && *role.TeamID == teamID {
			out = append(out, role)
		}
	}
	return out, nil
}

func (s *stubAccessRepository) UpdateRolePermissions(ctx context.Context, roleID string, permissions []string) error {
	role, ok := s.roles[roleID]
	if !ok {
		return repository.ErrNotFound
	}
	role.Permissions = permissions
	s.roles[roleID] = role
	s.pruned[roleID] = permissions
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
	s.assignments[memberKey(assignment.TeamID, assignment.UserID)] = assignment
	return nil
}

func (s *stubAccessRepository) DeleteAssignment(ctx context.Context, teamID, userID string) error {
	delete(s.assignments, memberKey(teamID, userID))
	return nil
}

func (s *stubAccessRepository) SetMemberRole(ctx context.Context, teamID, userID, label, roleID string) error {
	if _, ok := s.assignments[memberKey(teamID, userID)]; !ok {
		return repository.ErrNotFound
	}
	s.assignments[memberKey(teamID, userID)] = domain.NamedRoleAssignment(teamID, userID, roleID)
	return nil
}

func (s *stubAccessRepository) SetMemberCustom(ctx context.Context, teamID, userID string, permissions []string) error {
	s.assignments[memberKey(teamID, userID)] = domain.DirectGrantAssignment(teamID, userID, permissions)
	s.customSet[memberKey(teamID, userID)] = permissions
	return nil
}

type stubLedgerRepository struct {
	balances map[string]int64
	owners   map[string]string
	setCalls []string
}

func (s *stubLedgerRepository) Debit(ctx context.Context, txn *domain.Transaction) error { return nil }

func (s *stubLedgerRepository) Credit(ctx context.Context, txn *domain.Transaction) error { return nil }

func (s *stubLedgerRepository) SetBalance(ctx context.Context, teamID, userID string, balance int64, txnType, description string) (*domain.Transaction, error) {
	owner := s.owners[teamID]
	s.balances[owner] = balance
	s.setCalls = append(s.setCalls, teamID)
	return &domain.Transaction{ID: "txn-set", TeamID: teamID, UserID: userID, Amount: balance, Type: txnType}, nil
}

func (s *stubLedgerRepository) ListTransactions(ctx context.Context, teamID string, limit, offset int) ([]domain.Transaction, error) {
	return nil, nil
}

func (s *stubLedgerRepository) ResetTransactions(ctx context.Context, teamID string) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc        *Service
	users      *stubUserRepository
	teams      *stubTeamRepository
	accessRepo *stubAccessRepository
	ledgerRepo *stubLedgerRepository
}

func newFixture() fixture {
	teamOne := "team-1"
	users := &stubUserRepository{
		users: map[string]domain.User{
			"owner-1":  {ID: "owner-1", Email: "owner@example.com"},
			"admin-1":  {ID: "admin-1", Email: "admin@example.com"},
			"member-1": {ID: "member-1", Email: "member@example.com"},
		},
		activeTeams: make(map[string]*string),
	}
	teams := &stubTeamRepository{
		teams: map[string]domain.Team{
			teamOne: {ID: teamOne, Name: "Acme", OwnerID: "owner-1", PlanSlug: "pro"},
		},
		members: map[string]domain.Membership{
			memberKey(teamOne, "owner-1"):  {TeamID: teamOne, UserID: "owner-1", RoleLabel: domain.RoleLabelOwner},
			memberKey(teamOne, "admin-1"):  {TeamID: teamOne, UserID: "admin-1", RoleLabel: domain.RoleLabelAdmin},
			memberKey(teamOne, "member-1"): {TeamID: teamOne, UserID: "member-1", RoleLabel: domain.RoleLabelMember},
		},
		owned: map[string]int{"owner-1": 1},
	}
	plans := &stubPlanRepository{plans: map[string]domain.Plan{
		"free": {Slug: "free", MemberLimit: 3, MaxWorkspaces: 1, MaxTokens: 100, AllowedFeatures: []string{"reports.view"}},
		"pro":  {Slug: "pro", MemberLimit: 10, MaxWorkspaces: 5, MaxTokens: 5000, AllowedFeatures: []string{"reports.generate", "reports.view", "members.invite"}},
	}}
	accessRepo := &stubAccessRepository{
		permissions: []domain.Permission{
			{Name: "reports.generate", IsActive: true},
			{Name: "reports.view", IsActive: true},
			{Name: "members.invite", IsActive: true},
		},
		roles: map[string]domain.Role{
			"role-admin":  {ID: "role-admin", Name: domain.RoleLabelAdmin, Permissions: []string{"reports.generate", "reports.view", "members.invite"}},
			"role-member": {ID: "role-member", Name: domain.RoleLabelMember, Permissions: []string{"reports.view"}},
		},
		assignments: map[string]domain.Assignment{
			memberKey(teamOne, "member-1"): domain.NamedRoleAssignment(teamOne, "member-1", "role-member"),
		},
		pruned:    make(map[string][]string),
		customSet: make(map[string][]string),
	}
	ledgerRepo := &stubLedgerRepository{
		balances: map[string]int64{"owner-1": 500},
		owners:   map[string]string{teamOne: "owner-1"},
	}

	log := testLogger()
	resolver := access.New(users, teams, plans, accessRepo, log)
	ledgerSvc := ledger.New(ledgerRepo, teams, users, plans, nil, log)
	svc := New(users, teams, plans, accessRepo, resolver, ledgerSvc, log)
	return fixture{svc: svc, users: users, teams: teams, accessRepo: accessRepo, ledgerRepo: ledgerRepo}
}

func TestCreateWorkspace(t *testing.T) {
	f := newFixture()

	team, err := f.svc.Create(context.Background(), "member-1", "Research", "pro")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	member, err := f.teams.GetMember(context.Background(), team.ID, "member-1")
	if err != nil {
		t.Fatalf("owner membership missing: %v", err)
	}
	if member.RoleLabel != domain.RoleLabelOwner {
		t.Fatalf("expected owner label, got %q", member.RoleLabel)
	}
	if active := f.users.activeTeams["member-1"]; active == nil || *active != team.ID {
		t.Fatal("first workspace must become the active one")
	}
	assignment, err := f.accessRepo.GetAssignment(context.Background(), team.ID, "member-1")
	if err != nil {
		t.Fatalf("owner assignment missing: %v", err)
	}
	if assignment.IsDirect() || *assignment.RoleID != "role-admin" {
		t.Fatalf("owner must carry the admin role, got %+v", assignment)
	}
}

func TestCreateWorkspaceEnforcesPlanLimit(t *testing.T) {
	f := newFixture()
	f.teams.owned["owner-1"] = 5

	if _, err := f.svc.Create(context.Background(), "owner-1", "Sixth", "pro"); !errors.Is(err, ErrWorkspaceLimitExceeded) {
		t.Fatalf("expected ErrWorkspaceLimitExceeded, got %v", err)
	}
}

func TestCreateWorkspaceValidation(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Create(context.Background(), "owner-1", "  ", "pro"); !errors.Is(err, ErrInvalidTeamName) {
		t.Fatalf("expected ErrInvalidTeamName, got %v", err)
	}
	if _, err := f.svc.Create(context.Background(), "owner-1", "X", "platinum"); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
}

func TestSwitchActiveTeamRequiresMembership(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.svc.SwitchActiveTeam(ctx, "member-1", "team-1"); err != nil {
		t.Fatalf("member switch failed: %v", err)
	}
	if err := f.svc.SwitchActiveTeam(ctx, "stranger-1", "team-1"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestRemoveMemberGuards(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.svc.RemoveMember(ctx, "admin-1", "team-1", "owner-1"); !errors.Is(err, ErrCannotRemoveOwner) {
		t.Fatalf("expected ErrCannotRemoveOwner, got %v", err)
	}
	if err := f.svc.RemoveMember(ctx, "admin-1", "team-1", "admin-1"); !errors.Is(err, ErrCannotRemoveSelf) {
		t.Fatalf("expected ErrCannotRemoveSelf, got %v", err)
	}
	if err := f.svc.RemoveMember(ctx, "member-1", "team-1", "admin-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("plain member must not remove anyone, got %v", err)
	}
	if err := f.svc.RemoveMember(ctx, "admin-1", "team-1", "member-1"); err != nil {
		t.Fatalf("admin removing a member failed: %v", err)
	}
	if _, err := f.teams.GetMember(ctx, "team-1", "member-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("membership must be gone after removal")
	}
	if _, ok := f.accessRepo.assignments[memberKey("team-1", "member-1")]; ok {
		t.Fatal("the role assignment must be deleted with the membership")
	}
}

func TestUpdateMemberRoleUnknownRole(t *testing.T) {
	f := newFixture()
	if err := f.svc.UpdateMemberRole(context.Background(), "owner-1", "team-1", "member-1", "warlock"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestSetCustomPermissionsRejectsOutOfPlanGrants(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	err := f.svc.SetCustomPermissions(ctx, "owner-1", "team-1", "member-1", []string{"reports.view", "billing.adjust"})
	if !errors.Is(err, ErrPlanViolation) {
		t.Fatalf("expected ErrPlanViolation, got %v", err)
	}
	if len(f.accessRepo.customSet) != 0 {
		t.Fatal("rejected grants must not be persisted, not clipped")
	}

	if err := f.svc.SetCustomPermissions(ctx, "owner-1", "team-1", "member-1", []string{"reports.view", "reports.generate"}); err != nil {
		t.Fatalf("in-plan grants failed: %v", err)
	}
	assignment, err := f.accessRepo.GetAssignment(ctx, "team-1", "member-1")
	if err != nil {
		t.Fatalf("assignment missing: %v", err)
	}
	if !assignment.IsDirect() {
		t.Fatal("member must be in direct-grant mode")
	}
}

func TestCreateRoleStaysWithinPlan(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.CreateRole(ctx, "owner-1", "team-1", "auditor", []string{"billing.view"}); !errors.Is(err, ErrPlanViolation) {
		t.Fatalf("expected ErrPlanViolation, got %v", err)
	}
	role, err := f.svc.CreateRole(ctx, "owner-1", "team-1", "analyst", []string{"reports.view", "reports.generate"})
	if err != nil {
		t.Fatalf("CreateRole returned error: %v", err)
	}
	if role.TeamID == nil || *role.TeamID != "team-1" {
		t.Fatal("created role must be team-scoped")
	}
}

func TestResyncRolesToPlanPrunesStoredPermissions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	teamID := "team-1"
	f.accessRepo.roles["role-wide"] = domain.Role{
		ID:          "role-wide",
		TeamID:      &teamID,
		Name:        "wide",
		Permissions: []string{"reports.generate", "reports.view", "members.invite"},
	}

	if err := f.teams.UpdateTeamPlan(ctx, teamID, "free"); err != nil {
		t.Fatalf("downgrade: %v", err)
	}
	if err := f.svc.ResyncRolesToPlan(ctx, teamID); err != nil {
		t.Fatalf("ResyncRolesToPlan returned error: %v", err)
	}
	kept := f.accessRepo.pruned["role-wide"]
	if len(kept) != 1 || kept[0] != "reports.view" {
		t.Fatalf("expected role pruned to [reports.view], got %v", kept)
	}
}

func TestChangePlanResetsPoolAndPrunes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	teamID := "team-1"
	f.accessRepo.roles["role-wide"] = domain.Role{
		ID:          "role-wide",
		TeamID:      &teamID,
		Name:        "wide",
		Permissions: []string{"reports.generate", "reports.view"},
	}

	if _, err := f.svc.ChangePlan(ctx, "member-1", teamID, "free"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner must not change the plan, got %v", err)
	}

	team, err := f.svc.ChangePlan(ctx, "owner-1", teamID, "free")
	if err != nil {
		t.Fatalf("ChangePlan returned error: %v", err)
	}
	if team.PlanSlug != "free" {
		t.Fatalf("expected plan free, got %q", team.PlanSlug)
	}
	if got := f.ledgerRepo.balances["owner-1"]; got != 100 {
		t.Fatalf("pool must be pinned to the new cap 100, got %d", got)
	}
	if kept := f.accessRepo.pruned["role-wide"]; len(kept) != 1 || kept[0] != "reports.view" {
		t.Fatalf("expected role pruned to [reports.view], got %v", kept)
	}
}

func TestSetMemberTokenLimit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	limit := int64(25)

	if err := f.svc.SetMemberTokenLimit(ctx, "owner-1", "team-1", "member-1", &limit); err != nil {
		t.Fatalf("SetMemberTokenLimit returned error: %v", err)
	}
	member, err := f.teams.GetMember(ctx, "team-1", "member-1")
	if err != nil {
		t.Fatalf("member lookup: %v", err)
	}
	if member.TokenLimit == nil || *member.TokenLimit != 25 {
		t.Fatalf("expected limit 25, got %v", member.TokenLimit)
	}

	if err := f.svc.SetMemberTokenLimit(ctx, "owner-1", "team-1", "member-1", nil); err != nil {
		t.Fatalf("clearing limit failed: %v", err)
	}
	member, _ = f.teams.GetMember(ctx, "team-1", "member-1")
	if member.TokenLimit != nil {
		t.Fatal("nil must clear the cap")
	}
}
