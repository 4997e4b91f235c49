package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/socialens/socialens/internal/app/migrate"
	httpx "github.com/socialens/socialens/internal/http"
	"github.com/socialens/socialens/internal/notify"
	"github.com/socialens/socialens/internal/repository/postgres"
	"github.com/socialens/socialens/internal/service/access"
	"github.com/socialens/socialens/internal/service/auth"
	"github.com/socialens/socialens/internal/service/invite"
	"github.com/socialens/socialens/internal/service/ledger"
	"github.com/socialens/socialens/internal/service/report"
	"github.com/socialens/socialens/internal/service/workspace"
	"github.com/socialens/socialens/internal/ws"
	"github.com/socialens/socialens/pkg/analyzer"
	"github.com/socialens/socialens/pkg/config"
	"github.com/socialens/socialens/pkg/logger"
)

func main() {
	// Local development keeps its settings in a .env file. Absence is fine.
	_ = godotenv.Load()

	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	usageFeed := ws.NewHub(cfg.UsageFeedBuffer)

	var mailer notify.Mailer
	if cfg.SendGridAPIKey != "" {
		mailer = notify.NewSendGridMailer(cfg.SendGridAPIKey, cfg.MailFrom)
	}
	var telegram *notify.Telegram
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		telegram = notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
	}
	dispatcher := notify.NewDispatcher(mailer, telegram, cfg.InvitationBaseURL, log)

	authSvc := auth.New(repo, log, cfg)
	accessSvc := access.New(repo, repo, repo, repo, log)
	ledgerSvc := ledger.New(repo, repo, repo, repo, usageFeed, log)
	workspaceSvc := workspace.New(repo, repo, repo, repo, accessSvc, ledgerSvc, log)
	inviteSvc := invite.New(repo, repo, repo, repo, repo, accessSvc, dispatcher, cfg.InvitationTTL, log)

	engine, err := analyzer.New(cfg.AnalyzerURL, cfg.AnalyzerTimeout, analyzer.WithAuthToken(cfg.AnalyzerAuthToken))
	if err != nil {
		log.Error("failed to configure analyzer client", "error", err)
		os.Exit(1)
	}
	reportSvc := report.New(accessSvc, ledgerSvc, repo, engine, cfg.ReportCost, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, accessSvc, workspaceSvc, inviteSvc, ledgerSvc, reportSvc, usageFeed, limiter, cfg.DefaultPlan, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
