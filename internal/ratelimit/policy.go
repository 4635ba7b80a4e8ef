// Package ratelimit guards authentication endpoints with three independent mechanisms:
//
//   - Limiter: fixed-window attempt counters per key, durable in Postgres with an
//     in-process cache that short-circuits keys already over their limit.
//   - Guard: lockout computed from the append-only login attempt log over a
//     longer lookback. Slower to trip than the limiter, but waiting out a window
//     does not reset it.
//   - Throttle: per-IP token bucket applied to every request as coarse flood control.
package ratelimit

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Policy bounds one action: at most MaxAttempts per Window.
type Policy struct {
	MaxAttempts int           `toml:"max_attempts"`
	Window      time.Duration `toml:"window"`
}

// Policies holds the policy for every limited action.
type Policies struct {
	LoginIP    Policy `toml:"login_ip"`
	LoginEmail Policy `toml:"login_email"`
	TwoFactor  Policy `toml:"two_factor"`
	// TwoFactorUser caps code checks per user across every client address.
	TwoFactorUser Policy `toml:"two_factor_user"`
	ResetRequest  Policy `toml:"reset_request"`
	RegisterIP    Policy `toml:"register_ip"`
	VerifyResend  Policy `toml:"verify_resend"`
}

// DefaultPolicies returns the built-in limits.
func DefaultPolicies() Policies {
	return Policies{
		LoginIP:       Policy{MaxAttempts: 5, Window: 15 * time.Minute},
		LoginEmail:    Policy{MaxAttempts: 5, Window: 15 * time.Minute},
		TwoFactor:     Policy{MaxAttempts: 3, Window: 15 * time.Minute},
		TwoFactorUser: Policy{MaxAttempts: 10, Window: 15 * time.Minute},
		ResetRequest:  Policy{MaxAttempts: 3, Window: time.Hour},
		RegisterIP:    Policy{MaxAttempts: 10, Window: time.Hour},
		VerifyResend:  Policy{MaxAttempts: 3, Window: time.Hour},
	}
}

// Lockout configures the attempt-log Guard.
type Lockout struct {
	Lookback       time.Duration `toml:"lookback"`
	EmailThreshold int           `toml:"email_threshold"`
	IPThreshold    int           `toml:"ip_threshold"`
}

// DefaultLockout: 10 failures per email or 20 per IP within 15 minutes.
func DefaultLockout() Lockout {
	return Lockout{Lookback: 15 * time.Minute, EmailThreshold: 10, IPThreshold: 20}
}

// --- Keys ---

func LoginIPKey(ip string) string       { return "login:ip:" + ip }
func LoginEmailKey(email string) string { return "login:email:" + email }
func ResetEmailKey(email string) string { return "reset:email:" + email }
func RegisterIPKey(ip string) string    { return "register:ip:" + ip }
func ResendEmailKey(email string) string {
	return "resend:email:" + email
}

// TwoFactorKey limits login-time code checks per user and client address.
func TwoFactorKey(userID uuid.UUID, ip string) string {
	return "2fa:" + userID.String() + ":" + ip
}

// TwoFactorUserKey limits login-time code checks per user, whatever the address.
func TwoFactorUserKey(userID uuid.UUID) string {
	return "2fa:user:" + userID.String()
}

// TwoFactorSetupKey limits enrolment confirmations per user.
func TwoFactorSetupKey(userID uuid.UUID) string {
	return "2fa-setup:" + userID.String()
}
