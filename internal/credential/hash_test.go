package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// argon2idHash builds a PHC string the way earlier deployments stored passwords.
func argon2idHash(t *testing.T, password string) string {
	t.Helper()
	salt := make([]byte, 16)
	_, err := rand.Read(salt)
	require.NoError(t, err)
	key := argon2.IDKey([]byte(password), salt, 1, 8*1024, 1, 32)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, 8*1024, 1, 1,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}

func TestHasher(t *testing.T) {
	ctx := context.Background()
	h := NewHasher(bcrypt.MinCost, 2)

	t.Run("hash then verify round-trips", func(t *testing.T) {
		for _, pw := range []string{"Passw0rd!", "correct horse battery staple", "ünïcødé-pässwörd"} {
			hash, err := h.Hash(ctx, pw)
			require.NoError(t, err)

			ok, err := h.Verify(ctx, pw, hash)
			require.NoError(t, err)
			assert.True(t, ok, "password %q should verify", pw)

			ok, err = h.Verify(ctx, pw+"x", hash)
			require.NoError(t, err)
			assert.False(t, ok, "altered password should not verify")
		}
	})

	t.Run("unique salts per call", func(t *testing.T) {
		h1, err := h.Hash(ctx, "same-password")
		require.NoError(t, err)
		h2, err := h.Hash(ctx, "same-password")
		require.NoError(t, err)
		assert.NotEqual(t, h1, h2)
	})

	t.Run("uses configured cost", func(t *testing.T) {
		hash, err := h.Hash(ctx, "Passw0rd!")
		require.NoError(t, err)
		cost, err := bcrypt.Cost([]byte(hash))
		require.NoError(t, err)
		assert.Equal(t, bcrypt.MinCost, cost)
	})

	t.Run("out of range cost falls back to default", func(t *testing.T) {
		assert.Equal(t, DefaultCost, NewHasher(0, 1).cost)
		assert.Equal(t, DefaultCost, NewHasher(99, 1).cost)
	})

	t.Run("legacy argon2id hashes verify", func(t *testing.T) {
		hash := argon2idHash(t, "legacy-password")

		ok, err := h.Verify(ctx, "legacy-password", hash)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = h.Verify(ctx, "wrong", hash)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed hashes error", func(t *testing.T) {
		for _, bad := range []string{
			"",
			"not-a-hash",
			"$argon2id$v=19$m=65536,t=3,p=2$onlyfive",
			"$argon2id$v=18$m=65536,t=3,p=2$c2FsdA$aGFzaA",
			"$argon2id$v=19$garbage$c2FsdA$aGFzaA",
			"$argon2id$v=19$m=65536,t=3,p=2$!!!$aGFzaA",
		} {
			_, err := h.Verify(ctx, "pw", bad)
			assert.ErrorIs(t, err, ErrMalformedHash, "hash %q", bad)
		}
	})

	t.Run("over-long password never verifies", func(t *testing.T) {
		hash, err := h.Hash(ctx, "Passw0rd!")
		require.NoError(t, err)
		ok, err := h.Verify(ctx, strings.Repeat("a", 100), hash)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("dummy verification does not panic", func(t *testing.T) {
		h.VerifyDummy(ctx, "anything")
	})
}

func TestHasherPoolRespectsContext(t *testing.T) {
	h := NewHasher(bcrypt.MinCost, 1)

	// Occupy the only slot.
	require.NoError(t, h.sem.Acquire(context.Background(), 1))
	defer h.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Hash(ctx, "Passw0rd!")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
