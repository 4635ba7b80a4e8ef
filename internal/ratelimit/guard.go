package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/store"
)

// Lockout reasons, safe to show to the client.
const (
	ReasonEmail = "too many failed login attempts"
	ReasonIP    = "suspicious activity from this address"
)

// AttemptStore is the login attempt log.
type AttemptStore interface {
	CreateLoginAttempt(ctx context.Context, a store.LoginAttempt) error
	CountFailedLoginAttemptsByEmail(ctx context.Context, email string, since time.Time) (int, error)
	CountFailedLoginAttemptsByIP(ctx context.Context, ip string, since time.Time) (int, error)
	DeleteLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Attempt is one login outcome. UserID is nil when the email matched no account.
type Attempt struct {
	Email   string
	IP      string
	Success bool
	UserID  *uuid.UUID
}

// Lock is the Guard's verdict.
type Lock struct {
	Locked bool
	Reason string
}

// Guard decides lockout from the attempt log.
type Guard struct {
	store AttemptStore
	cfg   Lockout
	now   func() time.Time
}

// NewGuard returns a Guard. Zero fields in cfg take DefaultLockout values; a nil now uses time.Now.
func NewGuard(st AttemptStore, cfg Lockout, now func() time.Time) *Guard {
	def := DefaultLockout()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.EmailThreshold <= 0 {
		cfg.EmailThreshold = def.EmailThreshold
	}
	if cfg.IPThreshold <= 0 {
		cfg.IPThreshold = def.IPThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{store: st, cfg: cfg, now: now}
}

// RecordAttempt appends a to the log.
func (g *Guard) RecordAttempt(ctx context.Context, a Attempt) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating attempt id: %w", err)
	}
	return g.store.CreateLoginAttempt(ctx, store.LoginAttempt{
		ID:        id,
		Email:     a.Email,
		IPAddress: a.IP,
		Success:   a.Success,
		UserID:    a.UserID,
		CreatedAt: g.now(),
	})
}

// IsLocked counts failures in the lookback window. The email is checked first,
// so a locked account reports the email reason even from a suspicious address.
func (g *Guard) IsLocked(ctx context.Context, email, ip string) (Lock, error) {
	since := g.now().Add(-g.cfg.Lookback)

	n, err := g.store.CountFailedLoginAttemptsByEmail(ctx, email, since)
	if err != nil {
		return Lock{}, fmt.Errorf("counting failures by email: %w", err)
	}
	if n >= g.cfg.EmailThreshold {
		return Lock{Locked: true, Reason: ReasonEmail}, nil
	}

	n, err = g.store.CountFailedLoginAttemptsByIP(ctx, ip, since)
	if err != nil {
		return Lock{}, fmt.Errorf("counting failures by ip: %w", err)
	}
	if n >= g.cfg.IPThreshold {
		return Lock{Locked: true, Reason: ReasonIP}, nil
	}
	return Lock{}, nil
}

// Purge deletes attempts older than retention.
func (g *Guard) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return g.store.DeleteLoginAttemptsBefore(ctx, g.now().Add(-retention))
}
