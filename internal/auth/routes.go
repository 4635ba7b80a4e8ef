// routes.go -- the /auth route table.
package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes returns the router mounted at /auth.
func (h *AuthHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)
	r.Post("/2fa/verify", h.TwoFactorVerify)
	r.Post("/password/reset", h.PasswordReset)
	r.Post("/password/confirm", h.PasswordConfirm)
	r.Post("/verify/email", h.VerifyEmail)
	r.Post("/verify/resend", h.ResendVerification)

	// Session required; state-changing routes also need the CSRF header.
	r.Group(func(r chi.Router) {
		r.Use(h.RequireSession)
		r.Use(CSRFMiddleware)
		r.Get("/me", h.Me)
		r.Post("/logout-all", h.LogoutAll)
		r.Post("/password/change", h.PasswordChange)
		r.Post("/2fa/setup", h.TwoFactorSetup)
		r.Put("/2fa/setup", h.TwoFactorConfirm)
	})

	return r
}
