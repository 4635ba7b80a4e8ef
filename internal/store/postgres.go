// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all components.
// All queries use parameterized statements (no string concatenation).
// Every query runs under the store's timeout so a stalled database cannot hang a request.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTimeout bounds each Postgres call when no timeout is configured.
const DefaultTimeout = 3 * time.Second

// ErrTwoFactorEnabled is returned by UpsertTwoFactor when the user already has
// an enabled record; an enabled secret is never silently replaced.
var ErrTwoFactorEnabled = errors.New("two-factor already enabled")

// uniqueViolation is the Postgres SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// PostgresStore is the durable record store. Source of truth for every entity.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store. timeout <= 0 uses DefaultTimeout.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string, timeout time.Duration) (*PostgresStore, error) {
	// Create a pool w/ database url, return if err
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PostgresStore{pool: pool, timeout: timeout}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// bound derives a per-call context capped at the store timeout.
func (s *PostgresStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

// notFound maps pgx.ErrNoRows onto ErrNotFound; other errors pass through.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Users ---

// CreateUser inserts a new user with email + password hash.
// The caller generates the UUID v7 and the hash BEFORE calling this.
// Returns ErrDuplicateEmail when the email unique constraint fires.
func (s *PostgresStore) CreateUser(ctx context.Context, id uuid.UUID, email, passwordHash string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		"INSERT INTO users (id, email, password_hash) VALUES ($1, $2, $3)",
		id, email, passwordHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

const userColumns = "id, email, password_hash, email_verified, created_at, updated_at"

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// GetUserByEmail fetches a user by (already normalised) email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanUser(s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email))
}

// GetUserByID fetches a user by id.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanUser(s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

// UpdateUserPassword overwrites the stored hash. Returns ErrNotFound if no such user.
func (s *PostgresStore) UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1",
		id, passwordHash)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEmailVerified marks the user's email as verified. Idempotent.
func (s *PostgresStore) SetEmailVerified(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET email_verified = true, updated_at = now() WHERE id = $1",
		id)
	if err != nil {
		return fmt.Errorf("setting email_verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Sessions ---

// CreateSession inserts a new session row keyed by the SHA-256 of the raw token.
func (s *PostgresStore) CreateSession(ctx context.Context, id, userID uuid.UUID, tokenHash, csrfToken []byte, expiresAt time.Time, ip, userAgent *string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, token_hash, csrf_token, expires_at, ip_address, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, userID, tokenHash, csrfToken, expiresAt, ip, userAgent)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSessionByTokenHash fetches a session by token hash, expired or not.
// Expiry is judged by the caller against its own clock.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, token_hash, csrf_token, expires_at, ip_address, user_agent, created_at
		 FROM sessions WHERE token_hash = $1`,
		tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.CSRFToken, &sess.ExpiresAt, &sess.IPAddress, &sess.UserAgent, &sess.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// DeleteSession removes a single session. Deleting a missing session is not an error.
func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash []byte) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE token_hash = $1", tokenHash); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteAllUserSessions removes every session for a user.
func (s *PostgresStore) DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("deleting user sessions: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions whose expiry is at or before now.
// Returns the number of rows deleted.
func (s *PostgresStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Two-factor ---

// UpsertTwoFactor creates or replaces the user's pending (enabled=false) secret.
// Returns ErrTwoFactorEnabled when an enabled record already exists.
func (s *PostgresStore) UpsertTwoFactor(ctx context.Context, userID uuid.UUID, secret string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO two_factor_auth (user_id, secret, enabled) VALUES ($1, $2, false)
		 ON CONFLICT (user_id) DO UPDATE
		 SET secret = EXCLUDED.secret, enabled = false, updated_at = now()
		 WHERE two_factor_auth.enabled = false`,
		userID, secret)
	if err != nil {
		return fmt.Errorf("upserting two-factor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTwoFactorEnabled
	}
	return nil
}

// GetTwoFactor fetches the user's two-factor record, enabled or pending.
func (s *PostgresStore) GetTwoFactor(ctx context.Context, userID uuid.UUID) (*TwoFactor, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var tf TwoFactor
	err := s.pool.QueryRow(ctx,
		"SELECT user_id, secret, enabled, created_at, updated_at FROM two_factor_auth WHERE user_id = $1",
		userID,
	).Scan(&tf.UserID, &tf.Secret, &tf.Enabled, &tf.CreatedAt, &tf.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &tf, nil
}

// EnableTwoFactor flips enabled to true. Returns ErrNotFound if no record exists.
func (s *PostgresStore) EnableTwoFactor(ctx context.Context, userID uuid.UUID) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		"UPDATE two_factor_auth SET enabled = true, updated_at = now() WHERE user_id = $1",
		userID)
	if err != nil {
		return fmt.Errorf("enabling two-factor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Tokens ---

// CreateToken inserts a new single-use token of the given kind.
func (s *PostgresStore) CreateToken(ctx context.Context, id, userID uuid.UUID, kind string, tokenHash []byte, expiresAt time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tokens (id, user_id, kind, token_hash, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, userID, kind, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

const tokenColumns = "id, user_id, kind, token_hash, expires_at, created_at"

func scanToken(row pgx.Row) (*Token, error) {
	var t Token
	if err := row.Scan(&t.ID, &t.UserID, &t.Kind, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// GetTokenByHash fetches a token by hash and kind, expired or not.
func (s *PostgresStore) GetTokenByHash(ctx context.Context, tokenHash []byte, kind string) (*Token, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanToken(s.pool.QueryRow(ctx,
		"SELECT "+tokenColumns+" FROM tokens WHERE token_hash = $1 AND kind = $2",
		tokenHash, kind))
}

// DeleteToken removes a token by hash and kind. Deleting a missing token is not an error.
func (s *PostgresStore) DeleteToken(ctx context.Context, tokenHash []byte, kind string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, "DELETE FROM tokens WHERE token_hash = $1 AND kind = $2", tokenHash, kind); err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}

// ConsumeToken atomically deletes an unexpired token and returns it.
// Of two concurrent consumers exactly one gets the row; the other gets ErrNotFound.
func (s *PostgresStore) ConsumeToken(ctx context.Context, tokenHash []byte, kind string, now time.Time) (*Token, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return scanToken(s.pool.QueryRow(ctx,
		"DELETE FROM tokens WHERE token_hash = $1 AND kind = $2 AND expires_at > $3 RETURNING "+tokenColumns,
		tokenHash, kind, now))
}

// DeleteExpiredTokens removes tokens of every kind whose expiry is at or before now.
func (s *PostgresStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, "DELETE FROM tokens WHERE expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Rate limits ---

// GetRateLimit fetches the counter for key, expired or not.
func (s *PostgresStore) GetRateLimit(ctx context.Context, key string) (*RateLimitCounter, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var c RateLimitCounter
	err := s.pool.QueryRow(ctx,
		"SELECT key, count, expires_at FROM rate_limits WHERE key = $1",
		key,
	).Scan(&c.Key, &c.Count, &c.ExpiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// IncrementRateLimit atomically increments the counter for key in a single statement.
// A missing row, or one whose window ended at or before now, restarts at count 1
// with expiry now+window; otherwise count+1 within the existing window.
func (s *PostgresStore) IncrementRateLimit(ctx context.Context, key string, now time.Time, window time.Duration) (*RateLimitCounter, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var c RateLimitCounter
	err := s.pool.QueryRow(ctx,
		`INSERT INTO rate_limits (key, count, expires_at) VALUES ($1, 1, $3)
		 ON CONFLICT (key) DO UPDATE SET
		   count = CASE WHEN rate_limits.expires_at <= $2 THEN 1 ELSE rate_limits.count + 1 END,
		   expires_at = CASE WHEN rate_limits.expires_at <= $2 THEN EXCLUDED.expires_at ELSE rate_limits.expires_at END
		 RETURNING key, count, expires_at`,
		key, now, now.Add(window),
	).Scan(&c.Key, &c.Count, &c.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("incrementing rate limit: %w", err)
	}
	return &c, nil
}

// DeleteExpiredRateLimits removes counters whose window ended at or before now.
func (s *PostgresStore) DeleteExpiredRateLimits(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, "DELETE FROM rate_limits WHERE expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired rate limits: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Login attempts ---

// CreateLoginAttempt appends to the login attempt log. Rows are never updated.
func (s *PostgresStore) CreateLoginAttempt(ctx context.Context, a LoginAttempt) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO login_attempts (id, email, ip_address, success, user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Email, a.IPAddress, a.Success, a.UserID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting login attempt: %w", err)
	}
	return nil
}

// CountFailedLoginAttemptsByEmail counts failed attempts for email at or after since.
func (s *PostgresStore) CountFailedLoginAttemptsByEmail(ctx context.Context, email string, since time.Time) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM login_attempts WHERE email = $1 AND success = false AND created_at >= $2",
		email, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting attempts by email: %w", err)
	}
	return n, nil
}

// CountFailedLoginAttemptsByIP counts failed attempts from ip at or after since, across all emails.
func (s *PostgresStore) CountFailedLoginAttemptsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM login_attempts WHERE ip_address = $1 AND success = false AND created_at >= $2",
		ip, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting attempts by ip: %w", err)
	}
	return n, nil
}

// DeleteLoginAttemptsBefore purges attempts older than cutoff.
func (s *PostgresStore) DeleteLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, "DELETE FROM login_attempts WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old login attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}
