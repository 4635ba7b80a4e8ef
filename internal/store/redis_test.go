package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// newTestRedis starts an in-process Redis and returns a store over it.
func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb), mr
}

// --- NewRedisClient ---

func TestNewRedisClient(t *testing.T) {
	ctx := context.Background()

	t.Run("connects to reachable server", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb, err := NewRedisClient(ctx, "redis://"+mr.Addr())
		if err != nil {
			t.Fatalf("NewRedisClient: %v", err)
		}
		rdb.Close()
	})

	t.Run("rejects malformed url", func(t *testing.T) {
		if _, err := NewRedisClient(ctx, "not-a-url"); err == nil {
			t.Fatal("expected error for malformed url")
		}
	})
}

// --- SetSession + GetSession ---

func TestSetAndGetSession(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trip stores and retrieves session", func(t *testing.T) {
		rs, mr := newTestRedis(t)
		userID, _ := uuid.NewV7()
		sess := CachedSession{
			UserID:    userID,
			CSRFToken: []byte("csrf-token-value"),
			ExpiresAt: time.Now().Add(1 * time.Hour).Truncate(time.Second),
		}

		if err := rs.SetSession(ctx, "hash_set_get", sess, time.Hour); err != nil {
			t.Fatalf("SetSession failed: %v", err)
		}

		got, err := rs.GetSession(ctx, "hash_set_get")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if got.UserID != userID {
			t.Errorf("UserID: expected %v, got %v", userID, got.UserID)
		}
		if !got.ExpiresAt.Equal(sess.ExpiresAt) {
			t.Errorf("ExpiresAt: expected %v, got %v", sess.ExpiresAt, got.ExpiresAt)
		}
		if string(got.CSRFToken) != string(sess.CSRFToken) {
			t.Errorf("CSRFToken: expected %q, got %q", sess.CSRFToken, got.CSRFToken)
		}

		if ttl := mr.TTL(sessionKey("hash_set_get")); ttl != time.Hour {
			t.Errorf("TTL: expected 1h, got %v", ttl)
		}
	})

	t.Run("entry disappears after ttl", func(t *testing.T) {
		rs, mr := newTestRedis(t)
		userID, _ := uuid.NewV7()

		if err := rs.SetSession(ctx, "hash_ttl", CachedSession{UserID: userID}, time.Minute); err != nil {
			t.Fatalf("SetSession failed: %v", err)
		}
		mr.FastForward(2 * time.Minute)

		if _, err := rs.GetSession(ctx, "hash_ttl"); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("expected ErrCacheMiss after ttl, got %v", err)
		}
	})

	t.Run("non-positive ttl is a no-op", func(t *testing.T) {
		rs, mr := newTestRedis(t)
		userID, _ := uuid.NewV7()

		if err := rs.SetSession(ctx, "hash_zero", CachedSession{UserID: userID}, 0); err != nil {
			t.Fatalf("SetSession failed: %v", err)
		}
		if mr.Exists(sessionKey("hash_zero")) {
			t.Error("expected no key for zero ttl")
		}
	})
}

// --- GetSession (miss) ---

func TestGetSessionMiss(t *testing.T) {
	ctx := context.Background()

	t.Run("returns ErrCacheMiss for nonexistent key", func(t *testing.T) {
		rs, _ := newTestRedis(t)
		got, err := rs.GetSession(ctx, "nonexistent_token_hash")
		if !errors.Is(err, ErrCacheMiss) {
			t.Fatalf("expected ErrCacheMiss, got %v", err)
		}
		if got != nil {
			t.Error("expected nil session on miss")
		}
	})

	t.Run("returns infrastructure error when redis is down", func(t *testing.T) {
		rs, mr := newTestRedis(t)
		mr.Close()
		_, err := rs.GetSession(ctx, "any")
		if err == nil || errors.Is(err, ErrCacheMiss) {
			t.Fatalf("expected non-miss error, got %v", err)
		}
	})
}

// --- DeleteSession ---

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()

	t.Run("removes session from cache and tracking set", func(t *testing.T) {
		rs, mr := newTestRedis(t)
		userID, _ := uuid.NewV7()
		sess := CachedSession{UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}

		if err := rs.SetSession(ctx, "hash_delete", sess, time.Hour); err != nil {
			t.Fatalf("SetSession failed: %v", err)
		}
		if err := rs.DeleteSession(ctx, "hash_delete", userID); err != nil {
			t.Fatalf("DeleteSession failed: %v", err)
		}

		if _, err := rs.GetSession(ctx, "hash_delete"); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("expected ErrCacheMiss after delete, got %v", err)
		}
		if mr.Exists(userSessionsKey(userID)) {
			members, _ := mr.Members(userSessionsKey(userID))
			if len(members) != 0 {
				t.Errorf("expected empty tracking set, got %v", members)
			}
		}
	})
}

// --- DeleteAllUserSessions ---

func TestDeleteAllUserSessions(t *testing.T) {
	ctx := context.Background()

	t.Run("removes all sessions for a user", func(t *testing.T) {
		rs, _ := newTestRedis(t)
		userID, _ := uuid.NewV7()
		otherUserID, _ := uuid.NewV7()

		mustSet := func(hash string, uid uuid.UUID) {
			t.Helper()
			sess := CachedSession{UserID: uid, ExpiresAt: time.Now().Add(time.Hour)}
			if err := rs.SetSession(ctx, hash, sess, time.Hour); err != nil {
				t.Fatalf("SetSession(%s): %v", hash, err)
			}
		}
		mustSet("hash_a1", userID)
		mustSet("hash_a2", userID)
		mustSet("hash_b", otherUserID)

		if err := rs.DeleteAllUserSessions(ctx, userID); err != nil {
			t.Fatalf("DeleteAllUserSessions failed: %v", err)
		}

		for _, hash := range []string{"hash_a1", "hash_a2"} {
			if _, err := rs.GetSession(ctx, hash); !errors.Is(err, ErrCacheMiss) {
				t.Errorf("%s: expected ErrCacheMiss, got %v", hash, err)
			}
		}
		if _, err := rs.GetSession(ctx, "hash_b"); err != nil {
			t.Errorf("other user's session should survive, got %v", err)
		}
	})

	t.Run("no sessions is not an error", func(t *testing.T) {
		rs, _ := newTestRedis(t)
		userID, _ := uuid.NewV7()
		if err := rs.DeleteAllUserSessions(ctx, userID); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	})
}

// --- CheckHealth ---

func TestRedisCheckHealth(t *testing.T) {
	ctx := context.Background()
	rs, mr := newTestRedis(t)

	if err := rs.CheckHealth(ctx); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	mr.Close()
	if err := rs.CheckHealth(ctx); err == nil {
		t.Fatal("expected error after server closed")
	}
}
