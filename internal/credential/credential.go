// Package credential owns user records, password hashing, and two-factor records.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/store"
)

var (
	// ErrEmailTaken is returned by CreateUser when the address is already registered.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials covers both unknown email and wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTwoFactorAlreadyEnabled is returned by BeginTwoFactor when an enabled record exists.
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor already enabled")
)

// Store is the slice of the durable store the credential service needs.
type Store interface {
	CreateUser(ctx context.Context, id uuid.UUID, email, passwordHash string) error
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetEmailVerified(ctx context.Context, id uuid.UUID) error

	UpsertTwoFactor(ctx context.Context, userID uuid.UUID, secret string) error
	GetTwoFactor(ctx context.Context, userID uuid.UUID) (*store.TwoFactor, error)
	EnableTwoFactor(ctx context.Context, userID uuid.UUID) error
}

// Service manages user records. Plaintext passwords never leave this package.
type Service struct {
	store  Store
	hasher *Hasher
}

// NewService returns a Service over st hashing with h.
func NewService(st Store, h *Hasher) *Service {
	return &Service{store: st, hasher: h}
}

// Hasher exposes the hashing pool, used by callers that need a dummy verification.
func (s *Service) Hasher() *Hasher {
	return s.hasher
}

// CreateUser normalises email, hashes password, and inserts a new user.
func (s *Service) CreateUser(ctx context.Context, email, password string) (*store.User, error) {
	email = NormalizeEmail(email)

	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating user id: %w", err)
	}

	if err := s.store.CreateUser(ctx, id, email, hash); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return &store.User{ID: id, Email: email, PasswordHash: hash}, nil
}

// VerifyPassword reports whether plaintext matches hash.
func (s *Service) VerifyPassword(ctx context.Context, plaintext, hash string) (bool, error) {
	return s.hasher.Verify(ctx, plaintext, hash)
}

// Authenticate looks up email and verifies password. Unknown email and wrong password
// both return ErrInvalidCredentials after doing the same hashing work.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*store.User, error) {
	user, err := s.store.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.hasher.VerifyDummy(ctx, password)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	ok, err := s.hasher.Verify(ctx, password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if legacyHash(user.PasswordHash) {
		s.upgradeHash(ctx, user, password)
	}
	return user, nil
}

// upgradeHash rewrites a legacy argon2id hash as bcrypt after a successful login.
// Failure leaves the old hash in place; the next login tries again.
func (s *Service) upgradeHash(ctx context.Context, user *store.User, password string) {
	hash, err := s.hasher.Hash(ctx, password)
	if err == nil {
		err = s.store.UpdateUserPassword(ctx, user.ID, hash)
	}
	if err != nil {
		slog.Warn("failed to upgrade legacy password hash", "user_id", user.ID, "error", err)
		return
	}
	user.PasswordHash = hash
	slog.Info("upgraded legacy password hash", "user_id", user.ID)
}

// UpdatePassword re-hashes and overwrites the user's password. Sessions are untouched;
// revoking them is the caller's decision.
func (s *Service) UpdatePassword(ctx context.Context, userID uuid.UUID, newPassword string) error {
	hash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return err
	}
	if err := s.store.UpdateUserPassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	return nil
}

// UserByID returns store.ErrNotFound when absent.
func (s *Service) UserByID(ctx context.Context, id uuid.UUID) (*store.User, error) {
	return s.store.GetUserByID(ctx, id)
}

// UserByEmail normalises email first. Returns store.ErrNotFound when absent.
func (s *Service) UserByEmail(ctx context.Context, email string) (*store.User, error) {
	return s.store.GetUserByEmail(ctx, NormalizeEmail(email))
}

func (s *Service) MarkEmailVerified(ctx context.Context, userID uuid.UUID) error {
	return s.store.SetEmailVerified(ctx, userID)
}

// BeginTwoFactor stores secret as the user's pending (disabled) two-factor secret,
// replacing any earlier pending one.
func (s *Service) BeginTwoFactor(ctx context.Context, userID uuid.UUID, secret string) error {
	if err := s.store.UpsertTwoFactor(ctx, userID, secret); err != nil {
		if errors.Is(err, store.ErrTwoFactorEnabled) {
			return ErrTwoFactorAlreadyEnabled
		}
		return fmt.Errorf("storing two-factor secret: %w", err)
	}
	return nil
}

func (s *Service) EnableTwoFactor(ctx context.Context, userID uuid.UUID) error {
	return s.store.EnableTwoFactor(ctx, userID)
}

// TwoFactor returns the user's record, enabled or pending; store.ErrNotFound when absent.
func (s *Service) TwoFactor(ctx context.Context, userID uuid.UUID) (*store.TwoFactor, error) {
	return s.store.GetTwoFactor(ctx, userID)
}
