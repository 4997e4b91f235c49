package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/socialens/socialens/internal/repository"
	"github.com/socialens/socialens/internal/service/access"
	"github.com/socialens/socialens/internal/service/auth"
	"github.com/socialens/socialens/internal/service/invite"
	"github.com/socialens/socialens/internal/service/ledger"
	"github.com/socialens/socialens/internal/service/report"
	"github.com/socialens/socialens/internal/service/workspace"
	"github.com/socialens/socialens/internal/ws"
)

const maxUploadBytes = 32 << 20

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	auth      auth.Service
	access    *access.Service
	workspace *workspace.Service
	invite    *invite.Service
	ledger    *ledger.Service
	report    *report.Service
	feed      *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	dbHealth  func(context.Context) error

	defaultPlan string

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	spendAdmitted      *prometheus.CounterVec
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitSignup     = 5
	rateLimitLogin      = 12
	rateLimitUserWrite  = 60
	rateLimitUserRead   = 120
	rateLimitGenerate   = 30
	rateLimitWebsocket  = 30
	healthCheckTimeout  = 2 * time.Second
	transactionPageSize = 50
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, accessSvc *access.Service, workspaceSvc *workspace.Service, inviteSvc *invite.Service, ledgerSvc *ledger.Service, reportSvc *report.Service, feed *ws.Hub, limiter RateLimiter, defaultPlan string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		auth:      authSvc,
		access:    accessSvc,
		workspace: workspaceSvc,
		invite:    inviteSvc,
		ledger:    ledgerSvc,
		report:    reportSvc,
		feed:      feed,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		defaultPlan: defaultPlan,
		dbHealth:    dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.defaultPlan == "" {
		r.defaultPlan = "free"
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/auth/signup", r.audit(r.withRateLimit("signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit(r.withRateLimit("login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/workspaces", r.audit(r.handlerAuthRate("workspaces", rateLimitUserWrite, rateWindowDefault, r.handleWorkspaces)))
	r.mux.HandleFunc("/workspaces/switch", r.audit(r.handlerAuthRate("workspace_switch", rateLimitUserWrite, rateWindowDefault, r.handleSwitchWorkspace)))
	r.mux.HandleFunc("/workspaces/", r.audit(r.handlerAuthRate("workspace_sub", rateLimitUserWrite, rateWindowDefault, r.handleWorkspaceSubroutes)))
	r.mux.HandleFunc("/invitations/accept", r.audit(r.handlerAuthRate("invitation_accept", rateLimitUserWrite, rateWindowDefault, r.handleAcceptInvitation)))
	r.mux.HandleFunc("/invitations/", r.audit(r.handlerAuthRate("invitation_cancel", rateLimitUserWrite, rateWindowDefault, r.handleCancelInvitation)))
	r.mux.HandleFunc("/reports", r.audit(r.handlerAuthRate("reports", rateLimitGenerate, rateWindowDefault, r.handleGenerateReport)))
	r.mux.HandleFunc("/ws/usage", r.audit(r.handlerAuthRate("usage_feed", rateLimitWebsocket, rateWindowRealtime, r.handleUsageFeed)))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email         string `json:"email"`
		Password      string `json:"password"`
		WorkspaceName string `json:"workspace_name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}

	// Every account starts with a workspace on the default plan and a token
	// pool seeded to the plan cap.
	name := strings.TrimSpace(payload.WorkspaceName)
	if name == "" {
		name = user.Email + "'s workspace"
	}
	team, err := r.workspace.Create(req.Context(), user.ID, name, r.defaultPlan)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	if _, err := r.ledger.ResetToPlanCap(req.Context(), team.ID, user.ID); err != nil {
		r.writeServiceError(w, err)
		return
	}
	tokens, err = r.auth.IssueTokens(user.ID, team.ID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"workspace": team,
		"tokens":    tokens,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"tokens": tokens,
	})
}

func (r *Router) handleWorkspaces(w http.ResponseWriter, req *http.Request) {
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		teams, err := r.workspace.ListForUser(req.Context(), info.UserID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspaces": teams})
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
			Plan string `json:"plan"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		plan := payload.Plan
		if plan == "" {
			plan = r.defaultPlan
		}
		team, err := r.workspace.Create(req.Context(), info.UserID, payload.Name, plan)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, team)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSwitchWorkspace(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	var payload struct {
		TeamID string `json:"team_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.workspace.SwitchActiveTeam(req.Context(), info.UserID, payload.TeamID); err != nil {
		r.writeServiceError(w, err)
		return
	}
	// Tokens carry the workspace they were issued for, so a switch hands the
	// caller a fresh pair.
	tokens, err := r.auth.IssueTokens(info.UserID, payload.TeamID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"team_id": payload.TeamID, "tokens": tokens})
}

// handleWorkspaceSubroutes dispatches /workspaces/{id}/... paths.
func (r *Router) handleWorkspaceSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	rest := strings.TrimPrefix(req.URL.Path, "/workspaces/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	teamID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "permissions" && req.Method == http.MethodGet:
		r.handleEffectivePermissions(w, req, info, teamID)
	case len(parts) == 2 && parts[1] == "invitations" && req.Method == http.MethodPost:
		r.handleCreateInvitation(w, req, info, teamID)
	case len(parts) == 2 && parts[1] == "transactions" && req.Method == http.MethodGet:
		r.handleListTransactions(w, req, teamID)
	case len(parts) == 2 && parts[1] == "transactions" && req.Method == http.MethodDelete:
		r.handleResetTransactions(w, req, info, teamID)
	case len(parts) == 2 && parts[1] == "balance" && req.Method == http.MethodGet:
		r.handleGetBalance(w, req, teamID)
	case len(parts) == 2 && parts[1] == "balance" && req.Method == http.MethodPost:
		r.handleAdjustBalance(w, req, info, teamID)
	case len(parts) == 2 && parts[1] == "plan" && req.Method == http.MethodPost:
		r.handleChangePlan(w, req, info, teamID)
	case len(parts) == 2 && parts[1] == "roles" && req.Method == http.MethodPost:
		r.handleCreateRole(w, req, info, teamID)
	case len(parts) == 2 && parts[1] == "resync" && req.Method == http.MethodPost:
		r.handleResyncRoles(w, req, teamID)
	case len(parts) == 3 && parts[1] == "members" && req.Method == http.MethodDelete:
		r.handleRemoveMember(w, req, info, teamID, parts[2])
	case len(parts) == 4 && parts[1] == "members" && parts[3] == "role" && req.Method == http.MethodPut:
		r.handleUpdateMemberRole(w, req, info, teamID, parts[2])
	case len(parts) == 4 && parts[1] == "members" && parts[3] == "permissions" && req.Method == http.MethodPut:
		r.handleSetCustomPermissions(w, req, info, teamID, parts[2])
	case len(parts) == 4 && parts[1] == "members" && parts[3] == "token-limit" && req.Method == http.MethodPut:
		r.handleSetMemberTokenLimit(w, req, info, teamID, parts[2])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleEffectivePermissions(w http.ResponseWriter, req *http.Request, info authInfo, teamID string) {
	userID := info.UserID
	if target := strings.TrimSpace(req.URL.Query().Get("user_id")); target != "" && target != info.UserID {
		// Inspecting another member's permissions requires membership.
		if _, err := r.workspace.Member(req.Context(), teamID, info.UserID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		userID = target
	}
	perms, err := r.access.EffectivePermissions(req.Context(), userID, teamID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"team_id":     teamID,
		"permissions": perms.Names(),
	})
}

func (r *Router) handleCreateInvitation(w http.ResponseWriter, req *http.Request, info authInfo, teamID string) {
	var payload struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	invitation, err := r.invite.Create(req.Context(), info.UserID, teamID, payload.Email, payload.Role)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         invitation.ID,
		"email":      invitation.Email,
		"team_id":    invitation.TeamID,
		"role":       invitation.RoleName,
		"expires_at": invitation.ExpiresAt,
	})
}

func (r *Router) handleAcceptInvitation(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Token string `json:"token"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	member, err := r.invite.Accept(req.Context(), payload.Token, payload.Email)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"team_id": member.TeamID,
		"user_id": member.UserID,
		"role":    member.RoleLabel,
	})
}

func (r *Router) handleCancelInvitation(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/invitations/"), "/")
	if id == "" {
		r.notFound(w)
		return
	}
	if err := r.invite.Cancel(req.Context(), info.UserID, id); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (r *Router) handleGenerateReport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	filename := strings.TrimSpace(req.Header.Get("X-Upload-Filename"))
	if filename == "" {
		filename = "upload.xlsx"
	}
	teamID := strings.TrimSpace(req.URL.Query().Get("team_id"))
	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}
	result, err := r.report.Generate(req.Context(), info.UserID, teamID, filename, data)
	if err != nil {
		r.recordAdmission(admissionOutcome(err))
		r.writeServiceError(w, err)
		return
	}
	r.recordAdmission("admitted")
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": result.Transaction.ID,
		"cost":           -result.Transaction.Amount,
		"report":         result.KPIs,
	})
}

func (r *Router) handleListTransactions(w http.ResponseWriter, req *http.Request, teamID string) {
	limit := transactionPageSize
	offset := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if v := req.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	txns, err := r.ledger.History(req.Context(), teamID, limit, offset)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

func (r *Router) handleResetTransactions(w http.ResponseWriter, req *http.Request, info authInfo, teamID string) {
	if err := r.ledger.ResetHistory(req.Context(), info.UserID, teamID); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (r *Router) handleGetBalance(w http.ResponseWriter, req *http.Request, teamID string) {
	balance, err := r.ledger.Balance(req.Context(), teamID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"team_id": teamID, "balance": balance})
}

func (r *Router) handleAdjustBalance(w http.ResponseWriter, req *http.Request, info authInfo, teamID string) {
	var payload struct {
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	txn, err := r.ledger.Adjust(req.Context(), info.UserID, teamID, payload.Amount, payload.Description)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction_id": txn.ID, "amount": txn.Amount})
}

func (r *Router) handleChangePlan(w http.ResponseWriter, req *http.Request, info authInfo, teamID string) {
	var payload struct {
		Plan string `json:"plan"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	team, err := r.workspace.ChangePlan(req.Context(), info.UserID, teamID, payload.Plan)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (r *Router) handleCreateRole(w http.ResponseWriter, req *http.Request, info authInfo, teamID string) {
	var payload struct {
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	role, err := r.workspace.CreateRole(req.Context(), info.UserID, teamID, payload.Name, payload.Permissions)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (r *Router) handleResyncRoles(w http.ResponseWriter, req *http.Request, teamID string) {
	if err := r.workspace.ResyncRolesToPlan(req.Context(), teamID); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resynced"})
}

func (r *Router) handleRemoveMember(w http.ResponseWriter, req *http.Request, info authInfo, teamID, targetUserID string) {
	if err := r.workspace.RemoveMember(req.Context(), info.UserID, teamID, targetUserID); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (r *Router) handleUpdateMemberRole(w http.ResponseWriter, req *http.Request, info authInfo, teamID, targetUserID string) {
	var payload struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.workspace.UpdateMemberRole(req.Context(), info.UserID, teamID, targetUserID, payload.Role); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (r *Router) handleSetCustomPermissions(w http.ResponseWriter, req *http.Request, info authInfo, teamID, targetUserID string) {
	var payload struct {
		Permissions []string `json:"permissions"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.workspace.SetCustomPermissions(req.Context(), info.UserID, teamID, targetUserID, payload.Permissions); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (r *Router) handleSetMemberTokenLimit(w http.ResponseWriter, req *http.Request, info authInfo, teamID, targetUserID string) {
	var payload struct {
		Limit *int64 `json:"limit"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.workspace.SetMemberTokenLimit(req.Context(), info.UserID, teamID, targetUserID, payload.Limit); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (r *Router) handleUsageFeed(w http.ResponseWriter, req *http.Request) {
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	teamID := strings.TrimSpace(req.URL.Query().Get("team_id"))
	if teamID == "" {
		teamID = info.TeamID
	}
	if teamID == "" {
		writeError(w, http.StatusBadRequest, "team_id required")
		return
	}
	if _, err := r.workspace.Member(req.Context(), teamID, info.UserID); err != nil {
		r.writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.feed.Register(teamID, client)
	defer r.feed.Unregister(teamID, client)

	// Reads are discarded; the connection closes when the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) requireAuthInfo(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return authInfo{}, false
	}
	return info, true
}

// writeServiceError maps typed service failures onto HTTP statuses. Unknown
// errors stay opaque.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrMemberCapExceeded):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, workspace.ErrUnauthorized),
		errors.Is(err, invite.ErrUnauthorized),
		errors.Is(err, ledger.ErrUnauthorized),
		errors.Is(err, ledger.ErrNotAMember),
		errors.Is(err, workspace.ErrNotAMember),
		errors.Is(err, report.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "not allowed")
	case errors.Is(err, ledger.ErrTeamNotFound),
		errors.Is(err, invite.ErrInvitationNotFound),
		errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, invite.ErrInvitationExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, invite.ErrAlreadyMember),
		errors.Is(err, invite.ErrDuplicateInvitation),
		errors.Is(err, auth.ErrEmailTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workspace.ErrPlanViolation),
		errors.Is(err, invite.ErrMemberLimitExceeded),
		errors.Is(err, workspace.ErrWorkspaceLimitExceeded),
		errors.Is(err, workspace.ErrUnknownRole),
		errors.Is(err, invite.ErrUnknownRole),
		errors.Is(err, workspace.ErrUnknownPlan),
		errors.Is(err, workspace.ErrInvalidTeamName),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, ledger.ErrInvalidCost),
		errors.Is(err, report.ErrNoActiveWorkspace):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, report.ErrAnalysisFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		r.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func admissionOutcome(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrMemberCapExceeded):
		return "member_cap"
	case errors.Is(err, report.ErrPermissionDenied):
		return "denied"
	case errors.Is(err, report.ErrAnalysisFailed):
		return "analysis_failed"
	default:
		return "error"
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		actor := "anonymous"
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
			if info.TeamID != "" {
				fields = append(fields, "team_id", info.TeamID)
			}
		}
		fields = append(fields, "actor", actor)
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
