// password_handler.go -- password change and the reset request/confirm flow.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/MGallo-Code/warden/internal/credential"
	"github.com/MGallo-Code/warden/internal/ratelimit"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/token"
)

const resetMsg = "if that email exists, a reset link has been sent"

// PasswordChange handles POST /auth/password/change -- updates the authenticated user's password.
// Verifies the current password, re-hashes the new one, then ends every session.
// Returns 200 on success, 400 for invalid input, 401 for a wrong current password.
func (h *AuthHandler) PasswordChange(w http.ResponseWriter, r *http.Request) {
	var in struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decode(r, &in); err != nil {
		logWarn(r, "failed to decode password change input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if in.CurrentPassword == "" {
		BadRequest(w, r, "current_password required")
		return
	}
	if fails := h.PasswordPolicy.Validate(in.NewPassword); len(fails) > 0 {
		BadRequest(w, r, fails[0])
		return
	}

	id, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingSession)
		return
	}

	user, err := h.Creds.UserByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Unauthorized(w, r, "unauthorized")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	match, err := h.Creds.VerifyPassword(r.Context(), in.CurrentPassword, user.PasswordHash)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !match {
		logInfo(r, "password change failed", "reason", "wrong_current_password", "user_id", id)
		Unauthorized(w, r, "invalid credentials")
		return
	}

	if err := h.Creds.UpdatePassword(r.Context(), id, in.NewPassword); err != nil {
		InternalServerError(w, r, err)
		return
	}
	if err := h.Sessions.RevokeAll(r.Context(), id); err != nil {
		InternalServerError(w, r, err)
		return
	}

	// Current session is gone with the rest.
	h.clearSessionCookie(w)
	logInfo(r, "user changed password", "user_id", id)
	OK(w, "password updated")
}

// PasswordReset handles POST /auth/password/reset -- starts the reset flow for an email.
// Known and unknown emails get the identical 200; only the rate limit can make it differ.
func (h *AuthHandler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := decode(r, &in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}

	email := credential.NormalizeEmail(in.Email)
	if msg := credential.ValidateEmail(email); msg != "" {
		BadRequest(w, r, msg)
		return
	}

	// Keyed before lookup so the limit itself cannot reveal whether the email exists.
	if d := h.RL.Allow(r.Context(), ratelimit.ResetEmailKey(email), h.Policies.ResetRequest); !d.Allowed {
		logInfo(r, "password reset failed", "reason", "rate_limited")
		TooManyRequests(w, r, d, h.now())
		return
	}

	user, err := h.Creds.UserByEmail(r.Context(), email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logError(r, "failed to look up user for password reset", "error", err)
		} else {
			logInfo(r, "password reset requested for unknown email")
		}
		OK(w, resetMsg)
		return
	}

	// Issue and send run after the response so a known email answers as fast as an unknown one.
	h.detach(r, func(ctx context.Context) {
		raw, _, err := h.Resets.Issue(ctx, user.ID)
		if err != nil {
			logError(r, "failed to issue password reset token", "error", err, "user_id", user.ID)
			return
		}
		if err := h.ML.SendPasswordReset(ctx, user.Email, raw, h.Resets.TTL()); err != nil {
			logError(r, "failed to hand off password reset email", "error", err, "user_id", user.ID)
			return
		}
		logInfo(r, "password reset email handed off", "user_id", user.ID)
	})
	OK(w, resetMsg)
}

// PasswordConfirm handles POST /auth/password/confirm -- completes a reset with the emailed token.
// The token is consumed before the password changes, so a crash in between
// costs the user a new reset request but can never let a token be redeemed twice.
func (h *AuthHandler) PasswordConfirm(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token           string `json:"token"`
		NewPassword     string `json:"new_password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := decode(r, &in); err != nil {
		logWarn(r, "failed to decode reset password confirm input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if fails := h.PasswordPolicy.Validate(in.NewPassword); len(fails) > 0 {
		BadRequest(w, r, fails[0])
		return
	}
	if in.NewPassword != in.ConfirmPassword {
		BadRequest(w, r, "passwords do not match")
		return
	}

	const invalidToken = "invalid or expired reset token"

	if _, err := h.Resets.Resolve(r.Context(), in.Token); err != nil {
		if errors.Is(err, token.ErrNotFound) {
			BadRequest(w, r, invalidToken)
			return
		}
		InternalServerError(w, r, err)
		return
	}
	rec, err := h.Resets.Consume(r.Context(), in.Token)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			// Lost a race with a concurrent confirm, or expired in between.
			BadRequest(w, r, invalidToken)
			return
		}
		InternalServerError(w, r, err)
		return
	}

	if err := h.Creds.UpdatePassword(r.Context(), rec.UserID, in.NewPassword); err != nil {
		InternalServerError(w, r, err)
		return
	}
	if err := h.Sessions.RevokeAll(r.Context(), rec.UserID); err != nil {
		InternalServerError(w, r, err)
		return
	}

	// Receiving the email proves ownership of the address.
	if err := h.Creds.MarkEmailVerified(r.Context(), rec.UserID); err != nil {
		logWarn(r, "failed to mark email verified after password reset", "error", err, "user_id", rec.UserID)
	}

	logInfo(r, "user reset password", "user_id", rec.UserID)
	OK(w, "password updated")
}
