package session

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/testutil"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func setup(t *testing.T) (*Manager, *testutil.MockStore, *testutil.MockSessionCache, *clock) {
	t.Helper()
	ms := testutil.NewMockStore()
	mc := testutil.NewMockSessionCache()
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(ms, mc, 0, c.Now), ms, mc, c
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	m, ms, mc, c := setup(t)
	userID := uuid.Must(uuid.NewV7())

	iss, err := m.Create(ctx, userID, Meta{IP: "203.0.113.1", UserAgent: "test-agent"})
	require.NoError(t, err)

	assert.Equal(t, c.Now().Add(DefaultTTL), iss.ExpiresAt)
	raw, err := base64.RawURLEncoding.DecodeString(iss.Token)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	require.Equal(t, 1, ms.SessionCount(userID))
	for _, s := range ms.Sessions {
		assert.NotEqual(t, raw, s.TokenHash, "raw token must not be stored")
		require.NotNil(t, s.IPAddress)
		assert.Equal(t, "203.0.113.1", *s.IPAddress)
	}
	assert.Equal(t, 1, mc.Len())

	t.Run("tokens are unique", func(t *testing.T) {
		iss2, err := m.Create(ctx, userID, Meta{})
		require.NoError(t, err)
		assert.NotEqual(t, iss.Token, iss2.Token)
	})

	t.Run("cache failure is not fatal", func(t *testing.T) {
		m, _, mc, _ := setup(t)
		mc.SetErr = errors.New("redis down")
		_, err := m.Create(ctx, userID, Meta{})
		assert.NoError(t, err)
	})

	t.Run("store failure is fatal", func(t *testing.T) {
		m, ms, _, _ := setup(t)
		ms.CreateSessionErr = errors.New("insert failed")
		_, err := m.Create(ctx, userID, Meta{})
		assert.Error(t, err)
	})
}

func TestResolveExpiryBoundary(t *testing.T) {
	ctx := context.Background()

	for _, name := range []string{"cached", "uncached"} {
		t.Run(name, func(t *testing.T) {
			m, ms, mc, c := setup(t)
			if name == "uncached" {
				m.cache = nil
			}
			userID := uuid.Must(uuid.NewV7())
			iss, err := m.Create(ctx, userID, Meta{})
			require.NoError(t, err)

			c.t = iss.ExpiresAt.Add(-time.Nanosecond)
			got, err := m.Resolve(ctx, iss.Token)
			require.NoError(t, err)
			assert.Equal(t, userID, got.UserID)

			c.t = iss.ExpiresAt
			_, err = m.Resolve(ctx, iss.Token)
			assert.ErrorIs(t, err, ErrInvalid)

			// Self-invalidated in both layers.
			assert.Equal(t, 0, ms.SessionCount(userID))
			assert.Equal(t, 0, mc.Len())

			c.t = iss.ExpiresAt.Add(-time.Hour)
			_, err = m.Resolve(ctx, iss.Token)
			assert.ErrorIs(t, err, ErrInvalid, "deleted session must stay gone")
		})
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown and malformed tokens are invalid", func(t *testing.T) {
		m, _, _, _ := setup(t)
		for _, raw := range []string{"", "%%%", "c2hvcnQ", base64.RawURLEncoding.EncodeToString(make([]byte, 32))} {
			_, err := m.Resolve(ctx, raw)
			assert.ErrorIs(t, err, ErrInvalid, "raw %q", raw)
		}
	})

	t.Run("cache miss refills from store", func(t *testing.T) {
		m, _, mc, c := setup(t)
		userID := uuid.Must(uuid.NewV7())
		iss, err := m.Create(ctx, userID, Meta{})
		require.NoError(t, err)
		mc.Sessions = map[string]store.CachedSession{}

		c.t = c.t.Add(time.Hour)
		got, err := m.Resolve(ctx, iss.Token)
		require.NoError(t, err)
		assert.Equal(t, userID, got.UserID)
		assert.Equal(t, 1, mc.Len())
		for _, ttl := range mc.TTLs {
			assert.Equal(t, DefaultTTL-time.Hour, ttl, "refill ttl is the remaining lifetime")
		}
	})

	t.Run("cache error falls back to store", func(t *testing.T) {
		m, _, mc, _ := setup(t)
		userID := uuid.Must(uuid.NewV7())
		iss, err := m.Create(ctx, userID, Meta{})
		require.NoError(t, err)
		mc.GetErr = errors.New("redis timeout")

		got, err := m.Resolve(ctx, iss.Token)
		require.NoError(t, err)
		assert.Equal(t, userID, got.UserID)
	})

	t.Run("store error surfaces", func(t *testing.T) {
		m, ms, _, _ := setup(t)
		m.cache = nil
		iss, err := m.Create(ctx, uuid.Must(uuid.NewV7()), Meta{})
		require.NoError(t, err)
		ms.GetSessionErr = errors.New("db down")

		_, err = m.Resolve(ctx, iss.Token)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalid)
	})
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()

	t.Run("removes from both layers", func(t *testing.T) {
		m, ms, mc, _ := setup(t)
		userID := uuid.Must(uuid.NewV7())
		iss, err := m.Create(ctx, userID, Meta{})
		require.NoError(t, err)

		require.NoError(t, m.Revoke(ctx, iss.Token))
		assert.Equal(t, 0, ms.SessionCount(userID))
		assert.Equal(t, 0, mc.Len())
		_, err = m.Resolve(ctx, iss.Token)
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("idempotent", func(t *testing.T) {
		m, _, _, _ := setup(t)
		iss, err := m.Create(ctx, uuid.Must(uuid.NewV7()), Meta{})
		require.NoError(t, err)

		assert.NoError(t, m.Revoke(ctx, iss.Token))
		assert.NoError(t, m.Revoke(ctx, iss.Token))
		assert.NoError(t, m.Revoke(ctx, "garbage"))
	})

	t.Run("cache eviction failure is reported", func(t *testing.T) {
		m, _, mc, _ := setup(t)
		iss, err := m.Create(ctx, uuid.Must(uuid.NewV7()), Meta{})
		require.NoError(t, err)
		mc.DeleteErr = errors.New("redis down")
		assert.Error(t, m.Revoke(ctx, iss.Token))
	})
}

func TestRevokeAll(t *testing.T) {
	ctx := context.Background()
	m, ms, mc, _ := setup(t)
	userID := uuid.Must(uuid.NewV7())
	otherID := uuid.Must(uuid.NewV7())

	a, err := m.Create(ctx, userID, Meta{})
	require.NoError(t, err)
	b, err := m.Create(ctx, userID, Meta{})
	require.NoError(t, err)
	other, err := m.Create(ctx, otherID, Meta{})
	require.NoError(t, err)

	require.NoError(t, m.RevokeAll(ctx, userID))

	for _, tok := range []string{a.Token, b.Token} {
		_, err := m.Resolve(ctx, tok)
		assert.ErrorIs(t, err, ErrInvalid)
	}
	_, err = m.Resolve(ctx, other.Token)
	assert.NoError(t, err)
	assert.Equal(t, 0, ms.SessionCount(userID))
	assert.Equal(t, 1, mc.Len())
}

// revokingStore runs afterRead once, right after the first successful session read.
type revokingStore struct {
	*testutil.MockStore
	afterRead func(*store.Session)
}

func (s *revokingStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error) {
	sess, err := s.MockStore.GetSessionByTokenHash(ctx, tokenHash)
	if err == nil && s.afterRead != nil {
		hook := s.afterRead
		s.afterRead = nil
		hook(sess)
	}
	return sess, err
}

func TestResolveRevokedDuringRefill(t *testing.T) {
	ctx := context.Background()

	for _, name := range []string{"mock cache", "redis cache"} {
		t.Run(name, func(t *testing.T) {
			rs := &revokingStore{MockStore: testutil.NewMockStore()}
			var cache Cache
			var cacheLen func() int
			if name == "mock cache" {
				mc := testutil.NewMockSessionCache()
				cache, cacheLen = mc, mc.Len
			} else {
				mr := miniredis.RunT(t)
				rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { rdb.Close() })
				cache = store.NewRedisStore(rdb)
				cacheLen = func() int {
					n := 0
					for _, k := range mr.Keys() {
						if strings.HasPrefix(k, "warden:session:") {
							n++
						}
					}
					return n
				}
			}
			m := New(rs, cache, 0, nil)
			userID := uuid.Must(uuid.NewV7())

			iss, err := m.Create(ctx, userID, Meta{})
			require.NoError(t, err)
			// Force the next Resolve down the store path.
			require.NoError(t, cache.DeleteSession(ctx, cacheKey(t, iss.Token), userID))

			rs.afterRead = func(sess *store.Session) {
				require.NoError(t, m.RevokeAll(ctx, sess.UserID))
			}
			_, err = m.Resolve(ctx, iss.Token)
			assert.ErrorIs(t, err, ErrInvalid)

			_, err = m.Resolve(ctx, iss.Token)
			assert.ErrorIs(t, err, ErrInvalid, "revoked session must not come back through the cache")
			assert.Equal(t, 0, rs.SessionCount(userID))
			assert.Equal(t, 0, cacheLen())
		})
	}
}

func cacheKey(t *testing.T, raw string) string {
	t.Helper()
	_, key, ok := decode(raw)
	require.True(t, ok)
	return key
}

func TestCSRFToken(t *testing.T) {
	ctx := context.Background()
	m, _, mc, _ := setup(t)

	iss, err := m.Create(ctx, uuid.Must(uuid.NewV7()), Meta{})
	require.NoError(t, err)
	require.Len(t, iss.CSRFToken, 32)

	got, err := m.Resolve(ctx, iss.Token)
	require.NoError(t, err)
	assert.Equal(t, iss.CSRFToken, got.CSRFToken, "from cache")

	mc.Sessions = map[string]store.CachedSession{}
	got, err = m.Resolve(ctx, iss.Token)
	require.NoError(t, err)
	assert.Equal(t, iss.CSRFToken, got.CSRFToken, "from store")

	other, err := m.Create(ctx, uuid.Must(uuid.NewV7()), Meta{})
	require.NoError(t, err)
	assert.NotEqual(t, iss.CSRFToken, other.CSRFToken)
}

// TestWithRedisCache runs the manager against the real cache implementation.
func TestWithRedisCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ms := testutil.NewMockStore()
	m := New(ms, store.NewRedisStore(rdb), time.Hour, nil)
	userID := uuid.Must(uuid.NewV7())

	iss, err := m.Create(ctx, userID, Meta{})
	require.NoError(t, err)

	// Served from Redis even when Postgres is failing.
	ms.GetSessionErr = errors.New("db down")
	got, err := m.Resolve(ctx, iss.Token)
	require.NoError(t, err)
	assert.Equal(t, userID, got.UserID)
	ms.GetSessionErr = nil

	require.NoError(t, m.RevokeAll(ctx, userID))
	_, err = m.Resolve(ctx, iss.Token)
	assert.ErrorIs(t, err, ErrInvalid)
}
