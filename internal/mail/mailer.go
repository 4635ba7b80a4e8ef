// mailer.go
//
// Mailer interface plus the two synchronous implementations: NopMailer for
// tests and LogMailer, which hands the message off to the structured log.
package mail

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Mailer hands transactional emails off for delivery.
// Implementations must not block on the network for long; callers treat
// failures as non-fatal.
type Mailer interface {
	// SendPasswordReset delivers a password reset link carrying the raw token.
	SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration) error
	// SendEmailVerification delivers an email verification link carrying the raw token.
	SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration) error
}

// NopMailer discards everything.
type NopMailer struct{}

func (NopMailer) SendPasswordReset(context.Context, string, string, time.Duration) error {
	return nil
}

func (NopMailer) SendEmailVerification(context.Context, string, string, time.Duration) error {
	return nil
}

// LogMailer writes each hand-off to the log. The link (which embeds the raw
// token) is only logged at debug level.
type LogMailer struct {
	baseURL string
	log     *slog.Logger
}

// NewLogMailer returns a LogMailer building links under baseURL.
// A nil logger uses slog.Default().
func NewLogMailer(baseURL string, log *slog.Logger) *LogMailer {
	if log == nil {
		log = slog.Default()
	}
	return &LogMailer{baseURL: strings.TrimRight(baseURL, "/"), log: log}
}

// Link returns the URL for path carrying token as a query parameter.
func (m *LogMailer) Link(path, token string) string {
	return m.baseURL + path + "?token=" + url.QueryEscape(token)
}

func (m *LogMailer) SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration) error {
	m.handOff(ctx, "password_reset", toEmail, m.Link("/reset-password", token), expiresIn)
	return nil
}

func (m *LogMailer) SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration) error {
	m.handOff(ctx, "email_verification", toEmail, m.Link("/verify-email", token), expiresIn)
	return nil
}

func (m *LogMailer) handOff(ctx context.Context, kind, to, link string, expiresIn time.Duration) {
	m.log.InfoContext(ctx, "mail handed off", "kind", kind, "to", to, "expires_in", expiresIn.String())
	m.log.DebugContext(ctx, "mail link", "kind", kind, "to", to, "url", link)
}
