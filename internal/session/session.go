// Package session issues, resolves, and revokes login sessions.
//
// Postgres is the source of truth. Redis, when configured, is a read-through
// cache in front of it; a cache failure degrades to a Postgres read, never to
// a rejected request.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/store"
)

// DefaultTTL is the session lifetime.
const DefaultTTL = 30 * 24 * time.Hour

const tokenBytes = 32

// ErrInvalid covers unknown, malformed, and expired session tokens alike.
var ErrInvalid = errors.New("invalid session")

// Store is the durable session table.
type Store interface {
	CreateSession(ctx context.Context, id, userID uuid.UUID, tokenHash, csrfToken []byte, expiresAt time.Time, ip, userAgent *string) error
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)
	DeleteSession(ctx context.Context, tokenHash []byte) error
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error
}

// Cache is the optional fast-path session cache.
type Cache interface {
	SetSession(ctx context.Context, tokenHash string, sess store.CachedSession, ttl time.Duration) error
	GetSession(ctx context.Context, tokenHash string) (*store.CachedSession, error)
	DeleteSession(ctx context.Context, tokenHash string, userID uuid.UUID) error
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error
}

// Meta is request metadata recorded with a new session.
type Meta struct {
	IP        string
	UserAgent string
}

// Issued is a newly created session. Token is the only copy of the raw value.
// CSRFToken is handed to the client once and must accompany state-changing requests.
type Issued struct {
	Token     string
	CSRFToken []byte
	UserID    uuid.UUID
	ExpiresAt time.Time
}

// Resolved is a valid session.
type Resolved struct {
	UserID    uuid.UUID
	CSRFToken []byte
	ExpiresAt time.Time
}

// Manager owns the session lifecycle.
type Manager struct {
	store Store
	cache Cache
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// New returns a Manager. cache may be nil. ttl <= 0 uses DefaultTTL; a nil now uses time.Now.
func New(st Store, cache Cache, ttl time.Duration, now func() time.Time) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{store: st, cache: cache, ttl: ttl, now: now, log: slog.Default()}
}

// TTL returns the lifetime of new sessions.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// decode turns a cookie value into its stored hash and cache key.
func decode(raw string) ([]byte, string, bool) {
	buf, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(buf) != tokenBytes {
		return nil, "", false
	}
	sum := sha256.Sum256(buf)
	return sum[:], base64.RawURLEncoding.EncodeToString(sum[:]), true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Create starts a session for userID.
func (m *Manager) Create(ctx context.Context, userID uuid.UUID, meta Meta) (*Issued, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)
	hash, key, _ := decode(raw)

	csrf := make([]byte, tokenBytes)
	if _, err := rand.Read(csrf); err != nil {
		return nil, fmt.Errorf("generating csrf token: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	expiresAt := m.now().Add(m.ttl)
	if err := m.store.CreateSession(ctx, id, userID, hash, csrf, expiresAt, optional(meta.IP), optional(meta.UserAgent)); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	m.fill(ctx, hash, key, store.CachedSession{UserID: userID, CSRFToken: csrf, ExpiresAt: expiresAt}, m.ttl)
	return &Issued{Token: raw, CSRFToken: csrf, UserID: userID, ExpiresAt: expiresAt}, nil
}

// fill caches sess, then confirms the row still exists. A RevokeAll that
// deleted the row between the caller's read and the cache write would
// otherwise leave the entry resolvable until its TTL. Reports whether the
// session is still live.
func (m *Manager) fill(ctx context.Context, hash []byte, key string, sess store.CachedSession, ttl time.Duration) bool {
	if m.cache == nil {
		return true
	}
	if err := m.cache.SetSession(ctx, key, sess, ttl); err != nil {
		m.log.Warn("session cache write failed", "error", err)
		return true
	}

	_, err := m.store.GetSessionByTokenHash(ctx, hash)
	if err == nil {
		return true
	}
	if !errors.Is(err, store.ErrNotFound) {
		// Unconfirmed entries are dropped; the next request reads the store.
		m.log.Warn("session cache recheck failed", "error", err)
	}
	if delErr := m.cache.DeleteSession(ctx, key, sess.UserID); delErr != nil {
		m.log.Error("evicting unconfirmed session failed", "error", delErr)
	}
	return !errors.Is(err, store.ErrNotFound)
}

// Resolve returns the session for raw. A session is valid while now < ExpiresAt;
// once expired it is deleted from both layers and reported as ErrInvalid.
func (m *Manager) Resolve(ctx context.Context, raw string) (*Resolved, error) {
	hash, key, ok := decode(raw)
	if !ok {
		return nil, ErrInvalid
	}
	now := m.now()

	if m.cache != nil {
		cached, err := m.cache.GetSession(ctx, key)
		switch {
		case err == nil:
			if !now.Before(cached.ExpiresAt) {
				m.expire(ctx, hash, key, cached.UserID)
				return nil, ErrInvalid
			}
			return &Resolved{UserID: cached.UserID, CSRFToken: cached.CSRFToken, ExpiresAt: cached.ExpiresAt}, nil
		case !errors.Is(err, store.ErrCacheMiss):
			m.log.Warn("session cache read failed, falling back to store", "error", err)
		}
	}

	sess, err := m.store.GetSessionByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalid
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	if !now.Before(sess.ExpiresAt) {
		m.expire(ctx, hash, key, sess.UserID)
		return nil, ErrInvalid
	}

	cached := store.CachedSession{UserID: sess.UserID, CSRFToken: sess.CSRFToken, ExpiresAt: sess.ExpiresAt}
	if !m.fill(ctx, hash, key, cached, sess.ExpiresAt.Sub(now)) {
		return nil, ErrInvalid
	}
	return &Resolved{UserID: sess.UserID, CSRFToken: sess.CSRFToken, ExpiresAt: sess.ExpiresAt}, nil
}

// expire drops a session found past its expiry. Failures are logged only;
// the session is already treated as invalid and the sweep will retry.
func (m *Manager) expire(ctx context.Context, hash []byte, key string, userID uuid.UUID) {
	if err := m.store.DeleteSession(ctx, hash); err != nil {
		m.log.Warn("deleting expired session failed", "error", err)
	}
	if m.cache != nil {
		if err := m.cache.DeleteSession(ctx, key, userID); err != nil {
			m.log.Warn("evicting expired session failed", "error", err)
		}
	}
}

// Revoke ends the session for raw. Revoking an unknown or malformed token is not an error.
func (m *Manager) Revoke(ctx context.Context, raw string) error {
	hash, key, ok := decode(raw)
	if !ok {
		return nil
	}

	var userID uuid.UUID
	sess, err := m.store.GetSessionByTokenHash(ctx, hash)
	switch {
	case err == nil:
		userID = sess.UserID
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("fetching session: %w", err)
	}

	if err := m.store.DeleteSession(ctx, hash); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	// A surviving cache entry would keep the session alive, so this one is not best-effort.
	if m.cache != nil {
		if err := m.cache.DeleteSession(ctx, key, userID); err != nil {
			return fmt.Errorf("evicting session: %w", err)
		}
	}
	return nil
}

// RevokeAll ends every session belonging to userID.
func (m *Manager) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	if err := m.store.DeleteAllUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("deleting user sessions: %w", err)
	}
	if m.cache != nil {
		if err := m.cache.DeleteAllUserSessions(ctx, userID); err != nil {
			return fmt.Errorf("evicting user sessions: %w", err)
		}
	}
	return nil
}
