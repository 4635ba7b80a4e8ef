// handler.go -- AuthHandler, its dependencies, and the register/login/logout flows.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/credential"
	"github.com/MGallo-Code/warden/internal/mail"
	"github.com/MGallo-Code/warden/internal/ratelimit"
	"github.com/MGallo-Code/warden/internal/session"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/token"
	"github.com/MGallo-Code/warden/internal/totp"
)

// Credentials is the user-record surface the handlers need.
// Satisfied by *credential.Service.
type Credentials interface {
	CreateUser(ctx context.Context, email, password string) (*store.User, error)
	Authenticate(ctx context.Context, email, password string) (*store.User, error)
	VerifyPassword(ctx context.Context, plaintext, hash string) (bool, error)
	UpdatePassword(ctx context.Context, userID uuid.UUID, newPassword string) error
	UserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	UserByEmail(ctx context.Context, email string) (*store.User, error)
	MarkEmailVerified(ctx context.Context, userID uuid.UUID) error
	BeginTwoFactor(ctx context.Context, userID uuid.UUID, secret string) error
	EnableTwoFactor(ctx context.Context, userID uuid.UUID) error
	TwoFactor(ctx context.Context, userID uuid.UUID) (*store.TwoFactor, error)
}

// Sessions is satisfied by *session.Manager.
type Sessions interface {
	Create(ctx context.Context, userID uuid.UUID, meta session.Meta) (*session.Issued, error)
	Resolve(ctx context.Context, raw string) (*session.Resolved, error)
	Revoke(ctx context.Context, raw string) error
	RevokeAll(ctx context.Context, userID uuid.UUID) error
}

// Tokens is satisfied by *token.Ledger.
type Tokens interface {
	Issue(ctx context.Context, userID uuid.UUID) (string, time.Time, error)
	Resolve(ctx context.Context, raw string) (*token.Record, error)
	Consume(ctx context.Context, raw string) (*token.Record, error)
	TTL() time.Duration
}

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	Check(ctx context.Context, key string, p ratelimit.Policy) ratelimit.Decision
	Increment(ctx context.Context, key string, p ratelimit.Policy) (ratelimit.Decision, error)
	Allow(ctx context.Context, key string, p ratelimit.Policy) ratelimit.Decision
}

// LockoutGuard is satisfied by *ratelimit.Guard.
type LockoutGuard interface {
	RecordAttempt(ctx context.Context, a ratelimit.Attempt) error
	IsLocked(ctx context.Context, email, ip string) (ratelimit.Lock, error)
}

// OTP is satisfied by *totp.Engine.
type OTP interface {
	GenerateSecret(label string) (*totp.Secret, error)
	VerifyNow(code, secret string) bool
}

// HealthChecker pings one backing service.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// AuthHandler holds dependencies for all /auth/* HTTP handlers and middleware.
type AuthHandler struct {
	Creds         Credentials
	Sessions      Sessions
	Resets        Tokens
	Verifications Tokens
	RL            RateLimiter
	Guard         LockoutGuard
	TOTP          OTP
	ML            mail.Mailer

	Policies       ratelimit.Policies
	PasswordPolicy credential.PasswordPolicy

	// CookieSecure selects __Host-session with the Secure flag; off for plain-HTTP dev.
	CookieSecure bool
	// RequireEmailVerification refuses login until the email is verified.
	RequireEmailVerification bool

	// DB and Cache back GET /health. A nil Cache reports "disabled".
	DB    HealthChecker
	Cache HealthChecker

	// Now defaults to time.Now.
	Now func() time.Time

	// bg tracks work started by detach that outlives its request.
	bg sync.WaitGroup
}

// detachedTimeout bounds work that continues after the response is written.
const detachedTimeout = 30 * time.Second

// detach runs fn in its own goroutine with a context that survives the
// request but keeps its values and expires after detachedTimeout.
func (h *AuthHandler) detach(r *http.Request, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), detachedTimeout)
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until every detached task has finished.
func (h *AuthHandler) Wait() {
	h.bg.Wait()
}

func (h *AuthHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// decode reads a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// Register handles POST /auth/register -- email + password signup.
// Returns 201 with user_id, 400 for validation errors, 409 for a taken email, 429 when limited.
// No session is issued; the caller logs in separately.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email           string `json:"email"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := decode(r, &in); err != nil {
		logWarn(r, "failed to decode register input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	email := credential.NormalizeEmail(in.Email)
	if msg := credential.ValidateEmail(email); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	if fails := h.PasswordPolicy.Validate(in.Password); len(fails) > 0 {
		BadRequest(w, r, fails[0])
		return
	}
	if in.Password != in.ConfirmPassword {
		BadRequest(w, r, "passwords do not match")
		return
	}

	if d := h.RL.Allow(r.Context(), ratelimit.RegisterIPKey(ratelimit.ClientIP(r)), h.Policies.RegisterIP); !d.Allowed {
		logInfo(r, "register failed", "reason", "rate_limited")
		TooManyRequests(w, r, d, h.now())
		return
	}

	user, err := h.Creds.CreateUser(r.Context(), email, in.Password)
	if err != nil {
		if errors.Is(err, credential.ErrEmailTaken) {
			logInfo(r, "registration attempted with existing email")
			Conflict(w, r, "email already registered")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	h.sendVerificationEmail(r, user.ID, user.Email, "registration")
	logInfo(r, "user registered", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": user.ID.String()})
}

// Login handles POST /auth/login -- email + password authentication.
// Lockout and both rate-limit keys are checked before any password work; only
// failures are counted. With two-factor enabled no session is issued and the
// caller must complete POST /auth/2fa/verify.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &in); err != nil {
		logWarn(r, "failed to decode login input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	email := credential.NormalizeEmail(in.Email)
	if msg := credential.ValidateEmail(email); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	if in.Password == "" {
		BadRequest(w, r, "password required")
		return
	}

	ctx := r.Context()
	ip := ratelimit.ClientIP(r)

	lock, err := h.Guard.IsLocked(ctx, email, ip)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if lock.Locked {
		logInfo(r, "login failed", "reason", "locked_out", "lock_reason", lock.Reason)
		Locked(w, lock.Reason)
		return
	}

	ipKey, emailKey := ratelimit.LoginIPKey(ip), ratelimit.LoginEmailKey(email)
	for _, c := range []struct {
		key string
		p   ratelimit.Policy
	}{{ipKey, h.Policies.LoginIP}, {emailKey, h.Policies.LoginEmail}} {
		if d := h.RL.Check(ctx, c.key, c.p); !d.Allowed {
			logInfo(r, "login failed", "reason", "rate_limited", "key", c.key)
			TooManyRequests(w, r, d, h.now())
			return
		}
	}

	user, err := h.Creds.Authenticate(ctx, email, in.Password)
	if err != nil {
		if !errors.Is(err, credential.ErrInvalidCredentials) {
			InternalServerError(w, r, err)
			return
		}
		h.recordAttempt(r, email, ip, false, nil)
		for _, c := range []struct {
			key string
			p   ratelimit.Policy
		}{{ipKey, h.Policies.LoginIP}, {emailKey, h.Policies.LoginEmail}} {
			if _, err := h.RL.Increment(ctx, c.key, c.p); err != nil {
				logError(r, "failed to count login failure", "key", c.key, "error", err)
			}
		}
		logInfo(r, "login failed", "reason", "invalid_credentials")
		Unauthorized(w, r, "invalid credentials")
		return
	}

	if h.RequireEmailVerification && !user.EmailVerified {
		logInfo(r, "login failed", "reason", "email_unverified", "user_id", user.ID)
		Unauthorized(w, r, "invalid credentials")
		return
	}

	h.recordAttempt(r, email, ip, true, &user.ID)

	enabled, err := h.twoFactorEnabled(ctx, user.ID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if enabled {
		logInfo(r, "login requires second factor", "user_id", user.ID)
		writeJSON(w, http.StatusOK, map[string]any{
			"requires_two_factor": true,
			"user_id":             user.ID.String(),
		})
		return
	}

	h.startSession(w, r, user.ID)
}

// recordAttempt appends to the lockout log. Failures are logged only; the
// attempt outcome has already been decided.
func (h *AuthHandler) recordAttempt(r *http.Request, email, ip string, success bool, userID *uuid.UUID) {
	err := h.Guard.RecordAttempt(r.Context(), ratelimit.Attempt{Email: email, IP: ip, Success: success, UserID: userID})
	if err != nil {
		logError(r, "failed to record login attempt", "error", err)
	}
}

func (h *AuthHandler) twoFactorEnabled(ctx context.Context, userID uuid.UUID) (bool, error) {
	tf, err := h.Creds.TwoFactor(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return tf.Enabled, nil
}

// startSession issues a session, sets the cookie, and writes 200.
func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	issued, err := h.Sessions.Create(r.Context(), userID, session.Meta{
		IP:        ratelimit.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.setSessionCookie(w, issued.Token, issued.ExpiresAt)
	logInfo(r, "user logged in", "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":    userID.String(),
		"csrf_token": base64.RawURLEncoding.EncodeToString(issued.CSRFToken),
	})
}

// Me handles GET /auth/me -- the authenticated user's profile.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingSession)
		return
	}

	user, err := h.Creds.UserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Session outlived its user.
			Unauthorized(w, r, "unauthorized")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	enabled, err := h.twoFactorEnabled(r.Context(), userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		UserID           string `json:"user_id"`
		Email            string `json:"email"`
		EmailVerified    bool   `json:"email_verified"`
		TwoFactorEnabled bool   `json:"two_factor_enabled"`
	}{user.ID.String(), user.Email, user.EmailVerified, enabled})
}

// Logout handles POST /auth/logout. Idempotent: without a valid session it
// still clears the cookie and returns 200.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if raw, ok := h.sessionToken(r); ok {
		sess, err := h.Sessions.Resolve(r.Context(), raw)
		switch {
		case err == nil:
			// A live session may only be ended by its owner's page.
			if !ValidateCSRFToken(r.Header.Get(CSRFHeader), sess.CSRFToken) {
				logWarn(r, "csrf validation failed")
				Forbidden(w, r, "invalid csrf token")
				return
			}
			if err := h.Sessions.Revoke(r.Context(), raw); err != nil {
				InternalServerError(w, r, err)
				return
			}
		case !errors.Is(err, session.ErrInvalid):
			InternalServerError(w, r, err)
			return
		}
	}
	h.clearSessionCookie(w)
	logInfo(r, "user logged out")
	OK(w, "logged out")
}

// LogoutAll handles POST /auth/logout-all -- ends every session for the authenticated user.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingSession)
		return
	}
	if err := h.Sessions.RevokeAll(r.Context(), userID); err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.clearSessionCookie(w)
	logInfo(r, "user logged out of all devices", "user_id", userID)
	OK(w, "logged out of all devices")
}
