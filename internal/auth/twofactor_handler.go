// twofactor_handler.go -- TOTP enrolment and the login-time second factor.
package auth

import (
	"errors"
	"net/http"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/credential"
	"github.com/MGallo-Code/warden/internal/ratelimit"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/totp"
)

// dummyTOTPSecret is verified against when the user has no enabled secret,
// so both paths do the same work.
const dummyTOTPSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

// TwoFactorVerify handles POST /auth/2fa/verify -- the second login step.
// Limited per (user, client IP) and per user across addresses; only wrong
// codes count. Unknown users,
// users without two-factor, and wrong codes all get the same 401.
func (h *AuthHandler) TwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string `json:"user_id"`
		Code   string `json:"code"`
	}
	if err := decode(r, &in); err != nil {
		logWarn(r, "failed to decode two-factor input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	userID, err := uuid.FromString(in.UserID)
	if err != nil {
		BadRequest(w, r, "invalid user_id")
		return
	}

	ctx := r.Context()
	limits := []struct {
		key    string
		policy ratelimit.Policy
	}{
		{ratelimit.TwoFactorKey(userID, ratelimit.ClientIP(r)), h.Policies.TwoFactor},
		{ratelimit.TwoFactorUserKey(userID), h.Policies.TwoFactorUser},
	}
	for _, l := range limits {
		if d := h.RL.Check(ctx, l.key, l.policy); !d.Allowed {
			logInfo(r, "two-factor verify failed", "reason", "rate_limited", "user_id", userID)
			TooManyRequests(w, r, d, h.now())
			return
		}
	}

	secret, enabled := dummyTOTPSecret, false
	tf, err := h.Creds.TwoFactor(ctx, userID)
	switch {
	case err == nil:
		secret, enabled = tf.Secret, tf.Enabled
	case !errors.Is(err, store.ErrNotFound):
		InternalServerError(w, r, err)
		return
	}

	if ok := h.TOTP.VerifyNow(in.Code, secret); !ok || !enabled {
		for _, l := range limits {
			if _, err := h.RL.Increment(ctx, l.key, l.policy); err != nil {
				logError(r, "failed to count two-factor failure", "error", err)
			}
		}
		logInfo(r, "two-factor verify failed", "reason", "invalid_code", "user_id", userID)
		Unauthorized(w, r, "invalid code")
		return
	}

	h.startSession(w, r, userID)
}

// TwoFactorSetup handles POST /auth/2fa/setup -- generates a pending secret for
// the authenticated user. The secret only takes effect once confirmed by
// TwoFactorConfirm; calling again replaces a pending secret.
func (h *AuthHandler) TwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingSession)
		return
	}
	user, err := h.Creds.UserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Unauthorized(w, r, "unauthorized")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	secret, err := h.TOTP.GenerateSecret(user.Email)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if err := h.Creds.BeginTwoFactor(r.Context(), userID, secret.Base32); err != nil {
		if errors.Is(err, credential.ErrTwoFactorAlreadyEnabled) {
			Conflict(w, r, "two-factor already enabled")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	qr, err := totp.ProvisioningDataURL(secret.URI)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "two-factor setup started", "user_id", userID)
	writeJSON(w, http.StatusOK, struct {
		Secret     string `json:"secret"`
		OTPAuthURL string `json:"otpauth_url"`
		QRCode     string `json:"qr_code"`
	}{secret.Base32, secret.URI, qr})
}

// TwoFactorConfirm handles PUT /auth/2fa/setup -- enables the pending secret
// once the user proves their authenticator produces matching codes.
func (h *AuthHandler) TwoFactorConfirm(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Code string `json:"code"`
	}
	if err := decode(r, &in); err != nil {
		logWarn(r, "failed to decode two-factor confirm input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errMissingSession)
		return
	}

	ctx := r.Context()
	key := ratelimit.TwoFactorSetupKey(userID)
	if d := h.RL.Check(ctx, key, h.Policies.TwoFactor); !d.Allowed {
		TooManyRequests(w, r, d, h.now())
		return
	}

	tf, err := h.Creds.TwoFactor(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			BadRequest(w, r, "two-factor setup not started")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	if tf.Enabled {
		Conflict(w, r, "two-factor already enabled")
		return
	}

	if !h.TOTP.VerifyNow(in.Code, tf.Secret) {
		if _, err := h.RL.Increment(ctx, key, h.Policies.TwoFactor); err != nil {
			logError(r, "failed to count two-factor setup failure", "error", err)
		}
		BadRequest(w, r, "invalid code")
		return
	}

	if err := h.Creds.EnableTwoFactor(ctx, userID); err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "two-factor enabled", "user_id", userID)
	OK(w, "two-factor enabled")
}
