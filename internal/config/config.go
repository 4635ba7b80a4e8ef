// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MGallo-Code/warden/internal/ratelimit"
)

// Config holds all env configuration vars for warden.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level

	// CookieSecure selects the __Host- cookie prefix and the Secure flag.
	// Default true; only COOKIE_SECURE=false disables it (local HTTP dev).
	CookieSecure bool

	// Lifetimes. Defaults: session 30d, reset token 1h, verification token 24h.
	SessionTTL     time.Duration
	ResetTokenTTL  time.Duration
	VerifyTokenTTL time.Duration

	TOTPIssuer string

	// StoreTimeout bounds every durable store call.
	StoreTimeout time.Duration

	// Password hashing. HashConcurrency 0 means one slot per CPU.
	BcryptCost      int
	HashConcurrency int

	CleanupInterval  time.Duration
	AttemptRetention time.Duration

	// RateLimitFailClosed denies requests when the limiter's store is unreachable.
	RateLimitFailClosed bool
	Policies            ratelimit.Policies
	Lockout             ratelimit.Lockout
	PolicyFile          string

	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool

	// Per-IP flood control. ThrottleRPS 0 disables it.
	ThrottleRPS   float64
	ThrottleBurst int

	// MailQueue routes mail through the Redis queue instead of logging it inline.
	MailQueue    bool
	MailQueueKey string
	AppBaseURL   string

	// RequireEmailVerification gates login on a verified email. Default false.
	RequireEmailVerification bool
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables (DATABASE_URL, REDIS_URL) are missing.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	// Secure unless explicitly disabled; a typo must not downgrade cookies.
	cfg.CookieSecure = os.Getenv("COOKIE_SECURE") != "false"

	cfg.SessionTTL = envDuration("SESSION_TTL", 720*time.Hour)
	cfg.ResetTokenTTL = envDuration("RESET_TOKEN_TTL", time.Hour)
	cfg.VerifyTokenTTL = envDuration("VERIFY_TOKEN_TTL", 24*time.Hour)

	cfg.TOTPIssuer = os.Getenv("TOTP_ISSUER")
	if cfg.TOTPIssuer == "" {
		cfg.TOTPIssuer = "warden"
	}

	cfg.StoreTimeout = envDuration("STORE_TIMEOUT", 3*time.Second)
	cfg.BcryptCost = envInt("BCRYPT_COST", 12)
	cfg.HashConcurrency = envInt("HASH_CONCURRENCY", 0)

	cfg.CleanupInterval = envDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.AttemptRetention = envDuration("ATTEMPT_RETENTION", 24*time.Hour)

	cfg.RateLimitFailClosed = envBool("RATE_LIMIT_FAIL_CLOSED", false)

	// Policies: built-in defaults, then the optional file, then env overrides.
	cfg.Policies = ratelimit.DefaultPolicies()
	cfg.Lockout = ratelimit.DefaultLockout()
	cfg.PolicyFile = os.Getenv("POLICY_FILE")
	if cfg.PolicyFile != "" {
		if err := LoadPolicyFile(cfg.PolicyFile, &cfg.Policies, &cfg.Lockout); err != nil {
			return nil, err
		}
	}
	envPolicy("LOGIN_IP", &cfg.Policies.LoginIP)
	envPolicy("LOGIN_EMAIL", &cfg.Policies.LoginEmail)
	envPolicy("TWO_FACTOR", &cfg.Policies.TwoFactor)
	envPolicy("TWO_FACTOR_USER", &cfg.Policies.TwoFactorUser)
	envPolicy("RESET", &cfg.Policies.ResetRequest)
	envPolicy("REGISTER_IP", &cfg.Policies.RegisterIP)
	envPolicy("VERIFY_RESEND", &cfg.Policies.VerifyResend)
	cfg.Lockout.Lookback = envDuration("LOCKOUT_LOOKBACK", cfg.Lockout.Lookback)
	cfg.Lockout.EmailThreshold = envInt("LOCKOUT_EMAIL_THRESHOLD", cfg.Lockout.EmailThreshold)
	cfg.Lockout.IPThreshold = envInt("LOCKOUT_IP_THRESHOLD", cfg.Lockout.IPThreshold)

	// Forwarded-for headers are honoured only behind a trusted reverse proxy;
	// otherwise any client could pick the address every per-IP limit keys on.
	cfg.TrustProxy = envBool("TRUST_PROXY", false)

	cfg.ThrottleRPS = envFloat("THROTTLE_RPS", 20)
	cfg.ThrottleBurst = envInt("THROTTLE_BURST", 40)

	cfg.MailQueue = envBool("MAIL_QUEUE", false)
	cfg.MailQueueKey = os.Getenv("MAIL_QUEUE_KEY")
	cfg.AppBaseURL = os.Getenv("APP_BASE_URL")
	if cfg.AppBaseURL == "" {
		cfg.AppBaseURL = "http://localhost:" + cfg.Port
	}

	cfg.RequireEmailVerification = envBool("REQUIRE_EMAIL_VERIFICATION", false)

	return cfg, nil
}

// envPolicy applies RATE_<name>_MAX and RATE_<name>_WINDOW on top of p.
func envPolicy(name string, p *ratelimit.Policy) {
	p.MaxAttempts = envInt("RATE_"+name+"_MAX", p.MaxAttempts)
	p.Window = envDuration("RATE_"+name+"_WINDOW", p.Window)
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envFloat reads an env var as a non-negative float, returning def if missing or unparseable.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envBool reads an env var with strconv.ParseBool, returning def if missing or unparseable.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}
