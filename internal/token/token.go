// Package token manages short-lived single-use tokens: password reset and
// email verification. Raw tokens are handed to the user once; only their
// SHA-256 hash is persisted.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/store"
)

const (
	// DefaultResetTTL is the lifetime of a password reset token.
	DefaultResetTTL = time.Hour
	// DefaultVerificationTTL is the lifetime of an email verification token.
	DefaultVerificationTTL = 24 * time.Hour

	rawBytes = 32
)

// ErrNotFound covers unknown, malformed, expired, and already consumed tokens.
var ErrNotFound = errors.New("token not found")

// Store is the slice of the durable store a Ledger needs.
type Store interface {
	CreateToken(ctx context.Context, id, userID uuid.UUID, kind string, tokenHash []byte, expiresAt time.Time) error
	GetTokenByHash(ctx context.Context, tokenHash []byte, kind string) (*store.Token, error)
	DeleteToken(ctx context.Context, tokenHash []byte, kind string) error
	ConsumeToken(ctx context.Context, tokenHash []byte, kind string, now time.Time) (*store.Token, error)
}

// Record is a resolved, still-valid token.
type Record struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ExpiresAt time.Time
}

// Ledger issues and redeems tokens of one kind.
type Ledger struct {
	store Store
	kind  string
	ttl   time.Duration
	now   func() time.Time
}

// New returns a Ledger for kind. ttl <= 0 uses the kind's default; a nil now uses time.Now.
func New(st Store, kind string, ttl time.Duration, now func() time.Time) *Ledger {
	if ttl <= 0 {
		ttl = DefaultResetTTL
		if kind == store.TokenEmailVerification {
			ttl = DefaultVerificationTTL
		}
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: st, kind: kind, ttl: ttl, now: now}
}

func NewPasswordResetLedger(st Store, ttl time.Duration) *Ledger {
	return New(st, store.TokenPasswordReset, ttl, nil)
}

func NewEmailVerificationLedger(st Store, ttl time.Duration) *Ledger {
	return New(st, store.TokenEmailVerification, ttl, nil)
}

// TTL returns the lifetime of tokens issued by this ledger.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Issue creates a token for userID and returns the raw value. The raw value is
// not recoverable afterwards.
func (l *Ledger) Issue(ctx context.Context, userID uuid.UUID) (string, time.Time, error) {
	buf := make([]byte, rawBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("generating token: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)

	id, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generating token id: %w", err)
	}

	expiresAt := l.now().Add(l.ttl)
	hash := sha256.Sum256(buf)
	if err := l.store.CreateToken(ctx, id, userID, l.kind, hash[:], expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("storing %s token: %w", l.kind, err)
	}
	return raw, expiresAt, nil
}

// hashRaw decodes a raw token and hashes it. ok is false for anything that
// could not have been issued by Issue.
func hashRaw(raw string) ([]byte, bool) {
	buf, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(buf) != rawBytes {
		return nil, false
	}
	h := sha256.Sum256(buf)
	return h[:], true
}

// Resolve returns the token's record without consuming it. An expired token
// is deleted on sight and reported as ErrNotFound.
func (l *Ledger) Resolve(ctx context.Context, raw string) (*Record, error) {
	hash, ok := hashRaw(raw)
	if !ok {
		return nil, ErrNotFound
	}

	t, err := l.store.GetTokenByHash(ctx, hash, l.kind)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching %s token: %w", l.kind, err)
	}

	if !l.now().Before(t.ExpiresAt) {
		if err := l.store.DeleteToken(ctx, hash, l.kind); err != nil {
			return nil, fmt.Errorf("deleting expired %s token: %w", l.kind, err)
		}
		return nil, ErrNotFound
	}
	return &Record{ID: t.ID, UserID: t.UserID, ExpiresAt: t.ExpiresAt}, nil
}

// Consume atomically deletes an unexpired token and returns its record. Of any
// number of concurrent calls for one token, exactly one succeeds.
//
// Callers consume BEFORE performing the action the token authorises. If that
// action then fails the token is gone and the user must request a new one;
// the reverse order would let a replayed token repeat the action.
func (l *Ledger) Consume(ctx context.Context, raw string) (*Record, error) {
	hash, ok := hashRaw(raw)
	if !ok {
		return nil, ErrNotFound
	}

	t, err := l.store.ConsumeToken(ctx, hash, l.kind, l.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("consuming %s token: %w", l.kind, err)
	}
	return &Record{ID: t.ID, UserID: t.UserID, ExpiresAt: t.ExpiresAt}, nil
}
