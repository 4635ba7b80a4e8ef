// stores.go
//
// Shared mock implementations of the durable store and the session cache.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/store"
)

// MockStore is an in-memory stand-in for store.PostgresStore.
//
// Always stateful...every table is a map, like a real store.
// Use *Err fields to inject errors for specific operations.
type MockStore struct {
	// Error injection...zero value means no error
	CreateUserErr         error
	GetUserErr            error
	UpdatePasswordErr     error
	CreateSessionErr      error
	GetSessionErr         error
	DeleteSessionErr      error
	DeleteAllSessionsErr  error
	TwoFactorErr          error
	CreateTokenErr        error
	ConsumeTokenErr       error
	RateLimitErr          error
	LoginAttemptErr       error
	CountLoginAttemptsErr error
	HealthErr             error

	Users         map[uuid.UUID]*store.User
	Sessions      map[string]*store.Session // keyed by string(tokenHash)
	TwoFactors    map[uuid.UUID]*store.TwoFactor
	Tokens        map[string]*store.Token // keyed by kind + ":" + string(tokenHash)
	RateLimits    map[string]*store.RateLimitCounter
	LoginAttempts []store.LoginAttempt

	// IncrementCalls counts IncrementRateLimit invocations, for asserting store round trips.
	IncrementCalls int
	// GetRateLimitCalls counts GetRateLimit invocations.
	GetRateLimitCalls int

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:      make(map[uuid.UUID]*store.User),
		Sessions:   make(map[string]*store.Session),
		TwoFactors: make(map[uuid.UUID]*store.TwoFactor),
		Tokens:     make(map[string]*store.Token),
		RateLimits: make(map[string]*store.RateLimitCounter),
	}
	for _, u := range users {
		ms.Users[u.ID] = u
	}
	return ms
}

// --- Users ---

func (m *MockStore) CreateUser(_ context.Context, id uuid.UUID, email, passwordHash string) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Email == email {
			return store.ErrDuplicateEmail
		}
	}
	now := time.Now()
	m.Users[id] = &store.User{ID: id, Email: email, PasswordHash: passwordHash, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MockStore) UpdateUserPassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	if m.UpdatePasswordErr != nil {
		return m.UpdatePasswordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) SetEmailVerified(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.EmailVerified = true
	return nil
}

// --- Sessions ---

func (m *MockStore) CreateSession(_ context.Context, id, userID uuid.UUID, tokenHash, csrfToken []byte, expiresAt time.Time, ip, userAgent *string) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[string(tokenHash)] = &store.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		CSRFToken: csrfToken,
		ExpiresAt: expiresAt,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: time.Now(),
	}
	return nil
}

func (m *MockStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockStore) DeleteSession(_ context.Context, tokenHash []byte) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	delete(m.Sessions, string(tokenHash))
	m.mu.Unlock()
	return nil
}

func (m *MockStore) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if m.DeleteAllSessionsErr != nil {
		return m.DeleteAllSessionsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, key)
		}
	}
	return nil
}

func (m *MockStore) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, s := range m.Sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.Sessions, key)
			n++
		}
	}
	return n, nil
}

// SessionCount returns how many sessions userID holds.
func (m *MockStore) SessionCount(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.Sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

// --- Two-factor ---

func (m *MockStore) UpsertTwoFactor(_ context.Context, userID uuid.UUID, secret string) error {
	if m.TwoFactorErr != nil {
		return m.TwoFactorErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tf, ok := m.TwoFactors[userID]; ok && tf.Enabled {
		return store.ErrTwoFactorEnabled
	}
	now := time.Now()
	m.TwoFactors[userID] = &store.TwoFactor{UserID: userID, Secret: secret, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (m *MockStore) GetTwoFactor(_ context.Context, userID uuid.UUID) (*store.TwoFactor, error) {
	if m.TwoFactorErr != nil {
		return nil, m.TwoFactorErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tf, ok := m.TwoFactors[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *tf
	return &cp, nil
}

func (m *MockStore) EnableTwoFactor(_ context.Context, userID uuid.UUID) error {
	if m.TwoFactorErr != nil {
		return m.TwoFactorErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tf, ok := m.TwoFactors[userID]
	if !ok {
		return store.ErrNotFound
	}
	tf.Enabled = true
	return nil
}

// --- Tokens ---

func tokenKey(kind string, tokenHash []byte) string {
	return kind + ":" + string(tokenHash)
}

func (m *MockStore) CreateToken(_ context.Context, id, userID uuid.UUID, kind string, tokenHash []byte, expiresAt time.Time) error {
	if m.CreateTokenErr != nil {
		return m.CreateTokenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tokens[tokenKey(kind, tokenHash)] = &store.Token{
		ID: id, UserID: userID, Kind: kind, TokenHash: tokenHash, ExpiresAt: expiresAt, CreatedAt: time.Now(),
	}
	return nil
}

func (m *MockStore) GetTokenByHash(_ context.Context, tokenHash []byte, kind string) (*store.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tokens[tokenKey(kind, tokenHash)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MockStore) DeleteToken(_ context.Context, tokenHash []byte, kind string) error {
	m.mu.Lock()
	delete(m.Tokens, tokenKey(kind, tokenHash))
	m.mu.Unlock()
	return nil
}

func (m *MockStore) ConsumeToken(_ context.Context, tokenHash []byte, kind string, now time.Time) (*store.Token, error) {
	if m.ConsumeTokenErr != nil {
		return nil, m.ConsumeTokenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tokenKey(kind, tokenHash)
	t, ok := m.Tokens[key]
	if !ok || !t.ExpiresAt.After(now) {
		return nil, store.ErrNotFound
	}
	delete(m.Tokens, key)
	return t, nil
}

func (m *MockStore) DeleteExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, t := range m.Tokens {
		if !t.ExpiresAt.After(now) {
			delete(m.Tokens, key)
			n++
		}
	}
	return n, nil
}

// TokensFor returns the tokens of kind held by userID.
func (m *MockStore) TokensFor(userID uuid.UUID, kind string) []store.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Token
	for _, t := range m.Tokens {
		if t.UserID == userID && t.Kind == kind {
			out = append(out, *t)
		}
	}
	return out
}

// --- Rate limits ---

func (m *MockStore) GetRateLimit(_ context.Context, key string) (*store.RateLimitCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetRateLimitCalls++
	if m.RateLimitErr != nil {
		return nil, m.RateLimitErr
	}
	c, ok := m.RateLimits[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockStore) IncrementRateLimit(_ context.Context, key string, now time.Time, window time.Duration) (*store.RateLimitCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.IncrementCalls++
	if m.RateLimitErr != nil {
		return nil, m.RateLimitErr
	}
	c, ok := m.RateLimits[key]
	if !ok || !c.ExpiresAt.After(now) {
		c = &store.RateLimitCounter{Key: key, Count: 0, ExpiresAt: now.Add(window)}
		m.RateLimits[key] = c
	}
	c.Count++
	cp := *c
	return &cp, nil
}

func (m *MockStore) DeleteExpiredRateLimits(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RateLimitErr != nil {
		return 0, m.RateLimitErr
	}
	var n int64
	for key, c := range m.RateLimits {
		if !c.ExpiresAt.After(now) {
			delete(m.RateLimits, key)
			n++
		}
	}
	return n, nil
}

// --- Login attempts ---

func (m *MockStore) CreateLoginAttempt(_ context.Context, a store.LoginAttempt) error {
	if m.LoginAttemptErr != nil {
		return m.LoginAttemptErr
	}
	m.mu.Lock()
	m.LoginAttempts = append(m.LoginAttempts, a)
	m.mu.Unlock()
	return nil
}

func (m *MockStore) countFailed(since time.Time, match func(store.LoginAttempt) bool) (int, error) {
	if m.CountLoginAttemptsErr != nil {
		return 0, m.CountLoginAttemptsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.LoginAttempts {
		if !a.Success && !a.CreatedAt.Before(since) && match(a) {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) CountFailedLoginAttemptsByEmail(_ context.Context, email string, since time.Time) (int, error) {
	return m.countFailed(since, func(a store.LoginAttempt) bool { return a.Email == email })
}

func (m *MockStore) CountFailedLoginAttemptsByIP(_ context.Context, ip string, since time.Time) (int, error) {
	return m.countFailed(since, func(a store.LoginAttempt) bool { return a.IPAddress == ip })
}

func (m *MockStore) DeleteLoginAttemptsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.LoginAttempts[:0]
	var n int64
	for _, a := range m.LoginAttempts {
		if a.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.LoginAttempts = kept
	return n, nil
}

// Attempts returns a copy of the login attempt log.
func (m *MockStore) Attempts() []store.LoginAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.LoginAttempt(nil), m.LoginAttempts...)
}

// --- Health ---

func (m *MockStore) CheckHealth(_ context.Context) error {
	return m.HealthErr
}

// MockSessionCache is an in-memory stand-in for store.RedisStore.
// TTLs are recorded but not enforced; expiry is checked by the session manager.
type MockSessionCache struct {
	GetErr    error
	SetErr    error
	DeleteErr error

	Sessions map[string]store.CachedSession
	TTLs     map[string]time.Duration

	mu sync.Mutex
}

func NewMockSessionCache() *MockSessionCache {
	return &MockSessionCache{
		Sessions: make(map[string]store.CachedSession),
		TTLs:     make(map[string]time.Duration),
	}
}

func (m *MockSessionCache) SetSession(_ context.Context, tokenHash string, sess store.CachedSession, ttl time.Duration) error {
	if m.SetErr != nil {
		return m.SetErr
	}
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	m.Sessions[tokenHash] = sess
	m.TTLs[tokenHash] = ttl
	m.mu.Unlock()
	return nil
}

func (m *MockSessionCache) GetSession(_ context.Context, tokenHash string) (*store.CachedSession, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[tokenHash]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return &s, nil
}

func (m *MockSessionCache) DeleteSession(_ context.Context, tokenHash string, _ uuid.UUID) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	delete(m.Sessions, tokenHash)
	delete(m.TTLs, tokenHash)
	m.mu.Unlock()
	return nil
}

func (m *MockSessionCache) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, key)
			delete(m.TTLs, key)
		}
	}
	return nil
}

// Len returns the number of cached sessions.
func (m *MockSessionCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sessions)
}
