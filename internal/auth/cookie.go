// cookie.go

// Session cookie management.
package auth

import (
	"net/http"
	"time"
)

const (
	secureCookieName   = "__Host-session"
	insecureCookieName = "session"
)

// CookieName is the session cookie name for the handler's mode. The __Host-
// prefix requires Secure, so plain-HTTP dev falls back to a bare name.
func (h *AuthHandler) CookieName() string {
	if h.CookieSecure {
		return secureCookieName
	}
	return insecureCookieName
}

// setSessionCookie writes the session cookie with HttpOnly and SameSite=Lax.
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, raw string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.CookieName(),
		Value:    raw,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(expiresAt.Sub(h.now()).Seconds()),
	})
}

// clearSessionCookie overwrites the cookie with MaxAge=-1 to trigger browser deletion.
func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.CookieName(),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// sessionToken returns the raw session token from the request cookie.
func (h *AuthHandler) sessionToken(r *http.Request) (string, bool) {
	c, err := r.Cookie(h.CookieName())
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}
