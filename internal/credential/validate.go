package credential

import (
	"fmt"
	netmail "net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// NormalizeEmail trims, applies NFKC, and lower-cases an address so that
// lookalike spellings of one mailbox map to one account.
func NormalizeEmail(email string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(email)))
}

// ValidateEmail checks format and length constraints; returns error message or empty string.
// RFC 5321: min ~5 chars (a@b.c), max 254.
func ValidateEmail(email string) string {
	if email == "" {
		return "No email provided"
	}
	if len(email) < 5 {
		return "Email too short"
	}
	if len(email) > 254 {
		return "Email too long"
	}
	addr, err := netmail.ParseAddress(email)
	// ParseAddress accepts "Name <a@b.c>"; only the bare address is allowed here.
	if err != nil || addr.Address != email || addr.Name != "" {
		return "Invalid email format"
	}
	return ""
}

// PasswordPolicy defines password complexity rules applied at registration,
// reset confirmation, and password change.
//
//	MinLength is the minimum rune count; 0 skips minimum enforcement.
//	MaxBytes is the maximum byte length; bcrypt ignores everything past 72 bytes,
//	so anything larger is refused rather than silently truncated.
//	RequireUppercase, RequireDigit, and RequireSpecial each gate a character-class check.
type PasswordPolicy struct {
	MinLength        int
	MaxBytes         int
	RequireUppercase bool
	RequireDigit     bool
	RequireSpecial   bool
}

// DefaultPasswordPolicy is 8 runes minimum, 72 bytes maximum, no class rules.
var DefaultPasswordPolicy = PasswordPolicy{MinLength: 8, MaxBytes: 72}

// specialChars defines which characters satisfy the RequireSpecial rule.
const specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Validate checks password against every enabled rule and returns human-readable
// failure messages; an empty slice means the password is valid.
func (p PasswordPolicy) Validate(password string) []string {
	if password == "" {
		return []string{"No password provided"}
	}

	var failures []string
	if p.MinLength > 0 && utf8.RuneCountInString(password) < p.MinLength {
		failures = append(failures, fmt.Sprintf("Password must be at least %d characters", p.MinLength))
	}
	if p.MaxBytes > 0 && len(password) > p.MaxBytes {
		failures = append(failures, fmt.Sprintf("Password must be at most %d bytes", p.MaxBytes))
	}

	var seenUpper, seenDigit, seenSpecial bool
	for _, r := range password {
		if unicode.IsControl(r) {
			return []string{"Password contains invalid characters"}
		}
		switch {
		case unicode.IsUpper(r):
			seenUpper = true
		case unicode.IsDigit(r):
			seenDigit = true
		case strings.ContainsRune(specialChars, r):
			seenSpecial = true
		}
	}

	if p.RequireUppercase && !seenUpper {
		failures = append(failures, "Password must contain at least one uppercase letter")
	}
	if p.RequireDigit && !seenDigit {
		failures = append(failures, "Password must contain at least one digit")
	}
	if p.RequireSpecial && !seenSpecial {
		failures = append(failures, "Password must contain at least one special character")
	}
	return failures
}
