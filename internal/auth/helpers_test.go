// helpers_test.go

// Shared harness for handler tests: real services over in-memory stores, a
// fake clock, and a mailer that records what it was handed.

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/MGallo-Code/warden/internal/credential"
	"github.com/MGallo-Code/warden/internal/ratelimit"
	"github.com/MGallo-Code/warden/internal/session"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/testutil"
	"github.com/MGallo-Code/warden/internal/token"
	"github.com/MGallo-Code/warden/internal/totp"
)

const testPassword = "correct-horse-battery"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentMail struct {
	kind      string
	to        string
	token     string
	expiresIn time.Duration
}

// captureMailer records every hand-off. err, when set, fails every send.
type captureMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *captureMailer) record(kind, to, tok string, exp time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{kind, to, tok, exp})
	return nil
}

func (m *captureMailer) SendPasswordReset(_ context.Context, to, tok string, exp time.Duration) error {
	return m.record("reset", to, tok, exp)
}

func (m *captureMailer) SendEmailVerification(_ context.Context, to, tok string, exp time.Duration) error {
	return m.record("verify", to, tok, exp)
}

// last returns the most recent mail of kind.
func (m *captureMailer) last(t *testing.T, kind string) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].kind == kind {
			return m.sent[i]
		}
	}
	t.Fatalf("no %s mail sent", kind)
	return sentMail{}
}

func (m *captureMailer) count(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	h     *AuthHandler
	ms    *testutil.MockStore
	cache *testutil.MockSessionCache
	clk   *fakeClock
	ml    *captureMailer
	otp   *totp.Engine
	srv   http.Handler

	// csrf maps session cookie values to the CSRF token their login returned.
	csrf map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ms := testutil.NewMockStore()
	cache := testutil.NewMockSessionCache()
	clk := &fakeClock{t: time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)}
	ml := &captureMailer{}
	otp := totp.New("warden", clk.Now)

	h := &AuthHandler{
		Creds:          credential.NewService(ms, credential.NewHasher(bcrypt.MinCost, 4)),
		Sessions:       session.New(ms, cache, 0, clk.Now),
		Resets:         token.New(ms, store.TokenPasswordReset, time.Hour, clk.Now),
		Verifications:  token.New(ms, store.TokenEmailVerification, 24*time.Hour, clk.Now),
		RL:             ratelimit.NewLimiter(ms, ratelimit.WithClock(clk.Now)),
		Guard:          ratelimit.NewGuard(ms, ratelimit.Lockout{}, clk.Now),
		TOTP:           otp,
		ML:             ml,
		Policies:       ratelimit.DefaultPolicies(),
		PasswordPolicy: credential.DefaultPasswordPolicy,
		DB:             ms,
		Now:            clk.Now,
	}
	return &harness{h: h, ms: ms, cache: cache, clk: clk, ml: ml, otp: otp, srv: h.Routes(), csrf: map[string]string{}}
}

// do sends a JSON request through the /auth router. body may be nil, a string, or any value to marshal.
// The CSRF token issued with a session cookie is sent along with it.
func (hs *harness) do(method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	r := hs.request(method, path, body, cookies...)
	for _, c := range cookies {
		if tok, ok := hs.csrf[c.Value]; ok {
			r.Header.Set(CSRFHeader, tok)
		}
	}
	return hs.serve(r)
}

// request builds a JSON request without a CSRF header.
func (hs *harness) request(method, path string, body any, cookies ...*http.Cookie) *http.Request {
	var rd io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		buf, _ := json.Marshal(b)
		rd = bytes.NewReader(buf)
	}
	r := httptest.NewRequest(method, path, rd)
	r.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		r.AddCookie(c)
	}
	return r
}

// serve runs r through the router and remembers any CSRF token issued with a new session.
func (hs *harness) serve(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	hs.srv.ServeHTTP(w, r)
	// Detached work (reset mail) lands before the caller inspects state.
	hs.h.Wait()
	if c := findCookie(w, hs.h.CookieName()); c != nil && c.Value != "" {
		var out struct {
			CSRFToken string `json:"csrf_token"`
		}
		if json.Unmarshal(w.Body.Bytes(), &out) == nil && out.CSRFToken != "" {
			hs.csrf[c.Value] = out.CSRFToken
		}
	}
	return w
}

// register creates a user through the handler and returns its ID.
func (hs *harness) register(t *testing.T, email string) uuid.UUID {
	t.Helper()
	w := hs.do(http.MethodPost, "/register", map[string]string{
		"email": email, "password": testPassword, "confirm_password": testPassword,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: expected 201, got %d: %s", email, w.Code, w.Body.String())
	}
	var out struct {
		UserID string `json:"user_id"`
	}
	decodeBody(t, w, &out)
	return uuid.Must(uuid.FromString(out.UserID))
}

// login signs in and returns the session cookie.
func (hs *harness) login(t *testing.T, email, password string) *http.Cookie {
	t.Helper()
	w := hs.do(http.MethodPost, "/login", map[string]string{"email": email, "password": password})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d: %s", email, w.Code, w.Body.String())
	}
	c := findCookie(w, hs.h.CookieName())
	if c == nil || c.Value == "" {
		t.Fatalf("login %s: no session cookie set", email)
	}
	return c
}

// enableTwoFactor runs setup and confirm for the session owner and returns the secret.
func (hs *harness) enableTwoFactor(t *testing.T, cookie *http.Cookie) string {
	t.Helper()
	w := hs.do(http.MethodPost, "/2fa/setup", nil, cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("2fa setup: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out struct {
		Secret string `json:"secret"`
	}
	decodeBody(t, w, &out)
	w = hs.do(http.MethodPut, "/2fa/setup", map[string]string{"code": hs.code(t, out.Secret)}, cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("2fa confirm: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return out.Secret
}

func (hs *harness) code(t *testing.T, secret string) string {
	t.Helper()
	c, err := hs.otp.Code(secret)
	if err != nil {
		t.Fatalf("computing code: %v", err)
	}
	return c
}

// wrongCode returns a well-formed code that does not verify for secret at any allowed step.
func (hs *harness) wrongCode(t *testing.T, secret string) string {
	t.Helper()
	now := hs.clk.Now()
	valid := map[string]bool{}
	for _, d := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		c, err := hs.otp.CodeAt(secret, now.Add(d))
		if err != nil {
			t.Fatalf("computing code: %v", err)
		}
		valid[c] = true
	}
	for i := 0; ; i++ {
		c := fmt.Sprintf("%06d", i)
		if !valid[c] {
			return c
		}
	}
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decoding body %q: %v", w.Body.String(), err)
	}
}

// assertMessage checks status, JSON content type, and the exact {"message":...} body.
func assertMessage(t *testing.T, w *httptest.ResponseRecorder, status int, msg string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status: expected %d, got %d (body %s)", status, w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding body %q: %v", w.Body.String(), err)
	}
	if out["message"] != msg {
		t.Errorf("message: expected %q, got %v", msg, out["message"])
	}
}

// assertInternalServerError checks response is 500 JSON with generic error.
func assertInternalServerError(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status: expected 500, got %d", w.Code)
	}
	if w.Body.String() != `{"message":"internal server error"}` {
		t.Errorf("body: expected internal server error message, got %q", w.Body.String())
	}
}

// assertTooManyRequests checks the 429 carries Retry-After and reset_time.
func assertTooManyRequests(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status: expected 429, got %d (body %s)", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	var out struct {
		Message   string    `json:"message"`
		ResetTime time.Time `json:"reset_time"`
	}
	decodeBody(t, w, &out)
	if out.Message != "too many requests" {
		t.Errorf("message: expected %q, got %q", "too many requests", out.Message)
	}
	if out.ResetTime.IsZero() {
		t.Error("reset_time missing")
	}
}

// assertClearedSessionCookie checks the response deletes the session cookie.
func assertClearedSessionCookie(t *testing.T, w *httptest.ResponseRecorder, name string) {
	t.Helper()
	c := findCookie(w, name)
	if c == nil {
		t.Fatal("expected session cookie in response")
	}
	if c.MaxAge != -1 {
		t.Errorf("MaxAge: expected -1, got %d", c.MaxAge)
	}
	if c.Value != "" {
		t.Errorf("Value: expected empty, got %q", c.Value)
	}
}
