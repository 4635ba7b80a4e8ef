// middleware.go

// Session authentication middleware.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/session"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const userIDKey contextKey = "user_id"

var errMissingSession = errors.New("missing session context")

// UserIDFromContext retrieves the authenticated user's ID from context.
// Returns zero UUID and false if RequireSession hasn't run.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// RequireSession resolves the session cookie and injects the user ID and the
// session's CSRF token into the context. Missing, unknown and expired sessions
// all get the same 401.
func (h *AuthHandler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := h.sessionToken(r)
		if !ok {
			logWarn(r, "require session failed", "reason", "missing_session_cookie")
			Unauthorized(w, r, "unauthorized")
			return
		}

		sess, err := h.Sessions.Resolve(r.Context(), raw)
		if err != nil {
			if errors.Is(err, session.ErrInvalid) {
				logWarn(r, "require session failed", "reason", "invalid_session")
				Unauthorized(w, r, "unauthorized")
				return
			}
			InternalServerError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, sess.UserID)
		ctx = context.WithValue(ctx, csrfTokenKey, sess.CSRFToken)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
