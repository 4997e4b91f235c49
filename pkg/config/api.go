package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	DefaultPlan        string
	ReportCost         int64
	InvitationTTL      time.Duration
	InvitationBaseURL  string
	AnalyzerURL        string
	AnalyzerAuthToken  string
	AnalyzerTimeout    time.Duration
	MailFrom           string
	SendGridAPIKey     string
	TelegramBotToken   string
	TelegramChatID     string
	UsageFeedBuffer    int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://socialens:socialens@db:5432/socialens?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		RefreshTokenTTL:    time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 24)) * time.Hour,
		DefaultPlan:        GetString("DEFAULT_PLAN", "free"),
		ReportCost:         int64(GetInt("REPORT_TOKEN_COST", 10)),
		InvitationTTL:      time.Duration(GetInt("INVITATION_TTL_HOURS", 72)) * time.Hour,
		InvitationBaseURL:  GetString("INVITATION_BASE_URL", "https://app.socialens.io/invitations"),
		AnalyzerURL:        GetString("ANALYZER_URL", "http://analyzer:5100"),
		AnalyzerAuthToken:  GetString("ANALYZER_AUTH_TOKEN", ""),
		AnalyzerTimeout:    time.Duration(GetInt("ANALYZER_TIMEOUT_SECONDS", 120)) * time.Second,
		MailFrom:           GetString("MAIL_FROM", "no-reply@socialens.io"),
		SendGridAPIKey:     GetString("SENDGRID_API_KEY", ""),
		TelegramBotToken:   GetString("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:     GetString("TELEGRAM_CHAT_ID", ""),
		UsageFeedBuffer:    GetInt("WS_USAGE_FEED_BUFFER", 100),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
