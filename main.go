package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/MGallo-Code/warden/internal/auth"
	"github.com/MGallo-Code/warden/internal/cleanup"
	"github.com/MGallo-Code/warden/internal/config"
	"github.com/MGallo-Code/warden/internal/credential"
	"github.com/MGallo-Code/warden/internal/mail"
	"github.com/MGallo-Code/warden/internal/ratelimit"
	"github.com/MGallo-Code/warden/internal/session"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/token"
	"github.com/MGallo-Code/warden/internal/totp"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// throttleIdle is how long an IP's bucket may sit unused before the sweep drops it.
const throttleIdle = 10 * time.Minute

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// setupLogging installs the JSON slog handler at the configured level.
// Source locations are included at debug level only.
func setupLogging(cfg *config.Config) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))
}

// openStore connects to Postgres and applies pending migrations.
func openStore(ctx context.Context, cfg *config.Config) (*store.PostgresStore, error) {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.StoreTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to set up postgres store: %w", err)
	}

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	n, err := ps.Migrate(ctx, migrationsFS)
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("migrations complete", "applied", n)
	return ps, nil
}

// components are the long-lived pieces the router and the sweeps share.
type components struct {
	handler  *auth.AuthHandler
	limiter  *ratelimit.Limiter
	guard    *ratelimit.Guard
	throttle *ratelimit.Throttle
	queue    *mail.QueuedMailer
}

// build wires every service over ps and rdb.
func build(cfg *config.Config, ps *store.PostgresStore, rdb *redis.Client) (*components, error) {
	rs := store.NewRedisStore(rdb)

	var ml mail.Mailer = mail.NewLogMailer(cfg.AppBaseURL, slog.Default())
	var queue *mail.QueuedMailer
	if cfg.MailQueue {
		key, err := mail.ParseKey(cfg.MailQueueKey)
		if err != nil {
			return nil, fmt.Errorf("invalid MAIL_QUEUE_KEY: %w", err)
		}
		queue, err = mail.NewQueuedMailer(ml, rdb, key, mail.DefaultMaxQueueSize)
		if err != nil {
			return nil, fmt.Errorf("failed to set up mail queue: %w", err)
		}
		ml = queue
	}

	lim := ratelimit.NewLimiter(ps, ratelimit.WithFailClosed(cfg.RateLimitFailClosed))
	guard := ratelimit.NewGuard(ps, cfg.Lockout, nil)

	h := &auth.AuthHandler{
		Creds:                    credential.NewService(ps, credential.NewHasher(cfg.BcryptCost, cfg.HashConcurrency)),
		Sessions:                 session.New(ps, rs, cfg.SessionTTL, nil),
		Resets:                   token.NewPasswordResetLedger(ps, cfg.ResetTokenTTL),
		Verifications:            token.NewEmailVerificationLedger(ps, cfg.VerifyTokenTTL),
		RL:                       lim,
		Guard:                    guard,
		TOTP:                     totp.New(cfg.TOTPIssuer, nil),
		ML:                       ml,
		Policies:                 cfg.Policies,
		PasswordPolicy:           credential.DefaultPasswordPolicy,
		CookieSecure:             cfg.CookieSecure,
		RequireEmailVerification: cfg.RequireEmailVerification,
		DB:                       ps,
		Cache:                    rs,
	}

	return &components{
		handler:  h,
		limiter:  lim,
		guard:    guard,
		throttle: ratelimit.NewThrottle(cfg.ThrottleRPS, cfg.ThrottleBurst),
		queue:    queue,
	}, nil
}

// sweepTasks lists the housekeeping the cleanup scheduler runs.
func sweepTasks(cfg *config.Config, ps *store.PostgresStore, c *components) []cleanup.Task {
	return []cleanup.Task{
		{Name: "sessions", Run: func(ctx context.Context) (int64, error) {
			return ps.DeleteExpiredSessions(ctx, time.Now())
		}},
		{Name: "tokens", Run: func(ctx context.Context) (int64, error) {
			return ps.DeleteExpiredTokens(ctx, time.Now())
		}},
		{Name: "rate_limits", Run: c.limiter.PurgeExpired},
		{Name: "login_attempts", Run: func(ctx context.Context) (int64, error) {
			return c.guard.Purge(ctx, cfg.AttemptRetention)
		}},
		{Name: "rate_limit_cache", Run: func(context.Context) (int64, error) {
			return int64(c.limiter.PurgeCache(time.Now())), nil
		}},
		{Name: "throttle_buckets", Run: func(context.Context) (int64, error) {
			return int64(c.throttle.PurgeIdle(throttleIdle)), nil
		}},
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup (ps.Close, rdb.Close) always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ps, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer ps.Close()

	// Shared Redis client; session cache and mail queue use one pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	c, err := build(cfg, ps, rdb)
	if err != nil {
		return err
	}

	// Background work stops, and is waited for, before the store and Redis close.
	bgCtx, cancelBg := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	defer func() {
		cancelBg()
		<-workerDone
	}()

	sched := cleanup.New(cfg.CleanupInterval, sweepTasks(cfg, ps, c)...)
	sched.Start(bgCtx)
	defer sched.Stop()

	go func() {
		defer close(workerDone)
		if c.queue != nil {
			c.queue.StartWorker(bgCtx)
		}
	}()

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(c.handler, c.throttle, cfg.TrustProxy)}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("warden listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting, then waits for in-flight requests up to the timeout.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	// Detached reset mail is bounded by its own timeout.
	c.handler.Wait()

	slog.Info("server stopped")
	return nil
}

// sweepOnce runs every cleanup task a single time and reports the first failure.
func sweepOnce(ctx context.Context, cfg *config.Config) error {
	ps, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer ps.Close()

	c := &components{
		limiter:  ratelimit.NewLimiter(ps),
		guard:    ratelimit.NewGuard(ps, cfg.Lockout, nil),
		throttle: ratelimit.NewThrottle(0, 0),
	}
	for _, res := range cleanup.New(0, sweepTasks(cfg, ps, c)...).RunOnce(ctx) {
		if res.Err != nil {
			return fmt.Errorf("cleanup task %s: %w", res.Name, res.Err)
		}
	}
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and from the smoke tests. Forwarding headers rewrite the
// client address only when trustProxy is set.
func buildRouter(h *auth.AuthHandler, throttle *ratelimit.Throttle, trustProxy bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)

	// Throttle keys on the same client address every limiter sees.
	r.With(throttle.Middleware).Mount("/auth", h.Routes())

	return r
}
