// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Fixed messages are written as literals;
// anything carrying data goes through writeJSON.
package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/MGallo-Code/warden/internal/ratelimit"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func message(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(`{"message":"internal server error"}`))
}

// BadRequest returns a 400 JSON response with the given message.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	message(w, http.StatusBadRequest, msg)
}

// Unauthorized returns a 401 JSON response with a generic message.
// Keep message generic to prevent user enumeration.
func Unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	message(w, http.StatusUnauthorized, msg)
}

// Forbidden returns a 403 JSON response.
func Forbidden(w http.ResponseWriter, r *http.Request, msg string) {
	message(w, http.StatusForbidden, msg)
}

// Conflict returns a 409 JSON response.
func Conflict(w http.ResponseWriter, r *http.Request, msg string) {
	message(w, http.StatusConflict, msg)
}

// TooManyRequests returns 429 with the window reset time in the body and in Retry-After.
func TooManyRequests(w http.ResponseWriter, r *http.Request, d ratelimit.Decision, now time.Time) {
	w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter(now)/time.Second)))
	writeJSON(w, http.StatusTooManyRequests, struct {
		Message   string    `json:"message"`
		ResetTime time.Time `json:"reset_time"`
	}{"too many requests", d.ResetAt.UTC()})
}

// Locked returns 429 carrying the lockout reason.
func Locked(w http.ResponseWriter, reason string) {
	message(w, http.StatusTooManyRequests, reason)
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, msg string) {
	message(w, http.StatusOK, msg)
}
