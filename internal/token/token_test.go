package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/testutil"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T, kind string) (*Ledger, *testutil.MockStore, *fakeClock) {
	t.Helper()
	ms := testutil.NewMockStore()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(ms, kind, 0, clock.Now), ms, clock
}

func TestDefaultTTLs(t *testing.T) {
	ms := testutil.NewMockStore()
	assert.Equal(t, time.Hour, NewPasswordResetLedger(ms, 0).TTL())
	assert.Equal(t, 24*time.Hour, NewEmailVerificationLedger(ms, 0).TTL())
	assert.Equal(t, 5*time.Minute, NewPasswordResetLedger(ms, 5*time.Minute).TTL())
}

func TestIssue(t *testing.T) {
	ctx := context.Background()
	l, ms, clock := newLedger(t, store.TokenPasswordReset)
	userID := uuid.Must(uuid.NewV7())

	raw, expiresAt, err := l.Issue(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour), expiresAt)

	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)

	// Only the hash is stored.
	tokens := ms.TokensFor(userID, store.TokenPasswordReset)
	require.Len(t, tokens, 1)
	want := sha256.Sum256(decoded)
	assert.Equal(t, want[:], tokens[0].TokenHash)

	raw2, _, err := l.Issue(ctx, userID)
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
}

func TestIssueStoreError(t *testing.T) {
	l, ms, _ := newLedger(t, store.TokenPasswordReset)
	ms.CreateTokenErr = errors.New("insert failed")
	_, _, err := l.Issue(context.Background(), uuid.Must(uuid.NewV7()))
	assert.ErrorIs(t, err, ms.CreateTokenErr)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("valid token resolves without being consumed", func(t *testing.T) {
		l, _, _ := newLedger(t, store.TokenPasswordReset)
		userID := uuid.Must(uuid.NewV7())
		raw, _, err := l.Issue(ctx, userID)
		require.NoError(t, err)

		for range 2 {
			rec, err := l.Resolve(ctx, raw)
			require.NoError(t, err)
			assert.Equal(t, userID, rec.UserID)
		}
	})

	t.Run("expired token is deleted and not found", func(t *testing.T) {
		l, ms, clock := newLedger(t, store.TokenPasswordReset)
		userID := uuid.Must(uuid.NewV7())
		raw, _, err := l.Issue(ctx, userID)
		require.NoError(t, err)

		clock.Advance(time.Hour)
		_, err = l.Resolve(ctx, raw)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, ms.TokensFor(userID, store.TokenPasswordReset))
	})

	t.Run("one instant before expiry still resolves", func(t *testing.T) {
		l, _, clock := newLedger(t, store.TokenPasswordReset)
		raw, _, err := l.Issue(ctx, uuid.Must(uuid.NewV7()))
		require.NoError(t, err)

		clock.Advance(time.Hour - time.Nanosecond)
		_, err = l.Resolve(ctx, raw)
		assert.NoError(t, err)
	})

	t.Run("unknown and malformed tokens", func(t *testing.T) {
		l, _, _ := newLedger(t, store.TokenPasswordReset)
		for _, raw := range []string{"", "not base64 !!", "c2hvcnQ", base64.RawURLEncoding.EncodeToString(make([]byte, 32))} {
			_, err := l.Resolve(ctx, raw)
			assert.ErrorIs(t, err, ErrNotFound, "raw %q", raw)
		}
	})

	t.Run("kinds are separate namespaces", func(t *testing.T) {
		ms := testutil.NewMockStore()
		reset := NewPasswordResetLedger(ms, 0)
		verify := NewEmailVerificationLedger(ms, 0)

		raw, _, err := reset.Issue(ctx, uuid.Must(uuid.NewV7()))
		require.NoError(t, err)
		_, err = verify.Resolve(ctx, raw)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = verify.Consume(ctx, raw)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConsume(t *testing.T) {
	ctx := context.Background()

	t.Run("resolve then consume succeeds exactly once", func(t *testing.T) {
		l, _, _ := newLedger(t, store.TokenEmailVerification)
		userID := uuid.Must(uuid.NewV7())
		raw, _, err := l.Issue(ctx, userID)
		require.NoError(t, err)

		_, err = l.Resolve(ctx, raw)
		require.NoError(t, err)

		rec, err := l.Consume(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, userID, rec.UserID)

		_, err = l.Consume(ctx, raw)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = l.Resolve(ctx, raw)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expired token cannot be consumed", func(t *testing.T) {
		l, _, clock := newLedger(t, store.TokenPasswordReset)
		raw, _, err := l.Issue(ctx, uuid.Must(uuid.NewV7()))
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)
		_, err = l.Consume(ctx, raw)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent consumers race to one winner", func(t *testing.T) {
		l, _, _ := newLedger(t, store.TokenPasswordReset)
		raw, _, err := l.Issue(ctx, uuid.Must(uuid.NewV7()))
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.Consume(ctx, raw); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("store failure is not reported as not found", func(t *testing.T) {
		l, ms, _ := newLedger(t, store.TokenPasswordReset)
		raw, _, err := l.Issue(ctx, uuid.Must(uuid.NewV7()))
		require.NoError(t, err)

		ms.ConsumeTokenErr = errors.New("connection reset")
		_, err = l.Consume(ctx, raw)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}
