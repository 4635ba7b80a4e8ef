// hash.go -- password hashing on a bounded pool.
//
// New hashes are bcrypt. Argon2id PHC strings from earlier deployments still verify.
package credential

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// DefaultCost is the bcrypt work factor for new hashes.
const DefaultCost = 12

// ErrMalformedHash is returned when a stored hash matches no supported format.
var ErrMalformedHash = errors.New("malformed password hash")

// Hasher hashes and verifies passwords. At most `concurrency` hash computations
// run at once; callers beyond that wait (or give up when their context ends),
// so a burst of logins cannot starve the rest of the process of CPU.
type Hasher struct {
	cost  int
	sem   *semaphore.Weighted
	dummy func() (string, error)
}

// NewHasher returns a Hasher. cost outside bcrypt's range uses DefaultCost;
// concurrency <= 0 uses the number of CPUs.
func NewHasher(cost, concurrency int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	h := &Hasher{cost: cost, sem: semaphore.NewWeighted(int64(concurrency))}
	// Same cost as real hashes so unknown-user verification takes as long as a real one.
	h.dummy = sync.OnceValues(func() (string, error) {
		b, err := bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), h.cost)
		return string(b), err
	})
	return h
}

// run executes fn while holding a pool slot.
func (h *Hasher) run(ctx context.Context, fn func()) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for hash slot: %w", err)
	}
	defer h.sem.Release(1)
	fn()
	return nil
}

// Hash returns a bcrypt hash of password.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	var out []byte
	var err error
	if runErr := h.run(ctx, func() {
		out, err = bcrypt.GenerateFromPassword([]byte(password), h.cost)
	}); runErr != nil {
		return "", runErr
	}
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(out), nil
}

// Verify reports whether password matches encoded. A wrong password is (false, nil);
// an unparseable hash is an error. Comparison is constant-time in both formats.
func (h *Hasher) Verify(ctx context.Context, password, encoded string) (bool, error) {
	var ok bool
	var err error
	if runErr := h.run(ctx, func() {
		ok, err = verify(password, encoded)
	}); runErr != nil {
		return false, runErr
	}
	return ok, err
}

// VerifyDummy burns the same time as a real verification against a throwaway hash.
// Used on paths where the user does not exist so response timing does not reveal it.
func (h *Hasher) VerifyDummy(ctx context.Context, password string) {
	encoded, err := h.dummy()
	if err != nil {
		return
	}
	h.Verify(ctx, password, encoded)
}

// legacyHash reports whether encoded predates bcrypt and should be rewritten.
func legacyHash(encoded string) bool {
	return strings.HasPrefix(encoded, "$argon2id$")
}

func verify(password, encoded string) (bool, error) {
	if legacyHash(encoded) {
		return verifyArgon2id(password, encoded)
	}

	err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword), errors.Is(err, bcrypt.ErrPasswordTooLong):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
}

// verifyArgon2id checks password against a PHC string:
// $argon2id$v=19$m=65536,t=3,p=2$<base64 salt>$<base64 hash>
// Params come from the stored string so hashes made with older settings still verify.
func verifyArgon2id(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("%w: version: %v", ErrMalformedHash, err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("%w: unsupported argon2 version %d", ErrMalformedHash, version)
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("%w: params: %v", ErrMalformedHash, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(expected) == 0 {
		return false, fmt.Errorf("%w: hash", ErrMalformedHash)
	}

	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(got, expected) == 1, nil
}
