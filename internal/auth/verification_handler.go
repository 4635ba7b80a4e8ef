// verification_handler.go -- handlers and helpers for email verification flows.
package auth

import (
	"errors"
	"net/http"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/credential"
	"github.com/MGallo-Code/warden/internal/ratelimit"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/token"
)

const resendMsg = "if that email is registered and unverified, a verification link has been sent"

// sendVerificationEmail issues a verification token and hands it to the mailer.
// trigger identifies the source: "registration" or "resend". Non-fatal: errors
// are logged but never fail the enclosing request.
func (h *AuthHandler) sendVerificationEmail(r *http.Request, userID uuid.UUID, email, trigger string) {
	raw, _, err := h.Verifications.Issue(r.Context(), userID)
	if err != nil {
		logWarn(r, "failed to issue verification token", "error", err, "user_id", userID)
		return
	}
	if err := h.ML.SendEmailVerification(r.Context(), email, raw, h.Verifications.TTL()); err != nil {
		logWarn(r, "failed to hand off verification email", "error", err, "user_id", userID)
		return
	}
	logDebug(r, "verification email handed off", "user_id", userID, "trigger", trigger)
}

// ResendVerification handles POST /auth/verify/resend -- re-sends the verification link.
// Rate-limited per email. Returns the same 200 whether or not the email exists
// or is already verified.
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := decode(r, &in); err != nil {
		logWarn(r, "failed to decode resend verification input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	email := credential.NormalizeEmail(in.Email)
	if msg := credential.ValidateEmail(email); msg != "" {
		BadRequest(w, r, msg)
		return
	}

	if d := h.RL.Allow(r.Context(), ratelimit.ResendEmailKey(email), h.Policies.VerifyResend); !d.Allowed {
		logInfo(r, "resend verification failed", "reason", "rate_limited")
		TooManyRequests(w, r, d, h.now())
		return
	}

	user, err := h.Creds.UserByEmail(r.Context(), email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logInfo(r, "resend verification for unknown email")
	case err != nil:
		logError(r, "failed to look up user for resend verification", "error", err)
	case user.EmailVerified:
		logInfo(r, "resend verification for verified email", "user_id", user.ID)
	default:
		h.sendVerificationEmail(r, user.ID, user.Email, "resend")
	}
	OK(w, resendMsg)
}

// VerifyEmail handles POST /auth/verify/email -- redeems a verification token.
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if err := decode(r, &in); err != nil {
		logWarn(r, "failed to decode verify email input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if in.Token == "" {
		BadRequest(w, r, "token required")
		return
	}

	const invalidToken = "invalid or expired verification token"

	if _, err := h.Verifications.Resolve(r.Context(), in.Token); err != nil {
		if errors.Is(err, token.ErrNotFound) {
			BadRequest(w, r, invalidToken)
			return
		}
		InternalServerError(w, r, err)
		return
	}
	rec, err := h.Verifications.Consume(r.Context(), in.Token)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			BadRequest(w, r, invalidToken)
			return
		}
		InternalServerError(w, r, err)
		return
	}

	if err := h.Creds.MarkEmailVerified(r.Context(), rec.UserID); err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "email verified", "user_id", rec.UserID)
	OK(w, "email verified")
}
