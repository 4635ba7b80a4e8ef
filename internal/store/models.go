// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (cache layer).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned when a lookup matches no row.
// Absence is a normal result; callers use errors.Is to tell it apart from infrastructure failures.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned by CreateUser when the email is already registered.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// Token kinds, constrained by a DB CHECK on tokens.kind.
const (
	TokenPasswordReset     = "password_reset"
	TokenEmailVerification = "email_verification"
)

// User represents a row in the users table.
type User struct {
	ID            uuid.UUID
	Email         string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Session represents a row in the sessions table.
// Nullable columns are pointers — nil means SQL NULL.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash []byte
	CSRFToken []byte
	ExpiresAt time.Time
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only the fields needed for fast session validation — full metadata lives in Postgres.
type CachedSession struct {
	UserID    uuid.UUID `json:"user_id"`
	CSRFToken []byte    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TwoFactor represents a row in the two_factor_auth table, one per user.
// Enabled flips to true only after the user proves possession of a valid code.
type TwoFactor struct {
	UserID    uuid.UUID
	Secret    string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Token represents a row in the tokens table (password reset and email verification).
// Only the SHA-256 hash of the raw token is stored.
type Token struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Kind      string
	TokenHash []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}

// RateLimitCounter represents a row in the rate_limits table.
// Count is non-decreasing until ExpiresAt passes, then the next increment starts a fresh window.
type RateLimitCounter struct {
	Key       string
	Count     int
	ExpiresAt time.Time
}

// LoginAttempt represents a row in the append-only login_attempts table.
// UserID is nil when the email matched no account.
type LoginAttempt struct {
	ID        uuid.UUID
	Email     string
	IPAddress string
	Success   bool
	UserID    *uuid.UUID
	CreatedAt time.Time
}
