package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/MGallo-Code/warden/internal/ratelimit"
)

// policyFile is the POLICY_FILE layout:
//
//	[policies.login_ip]
//	max_attempts = 5
//	window = "15m"
//
//	[lockout]
//	email_threshold = 10
type policyFile struct {
	Policies *ratelimit.Policies `toml:"policies"`
	Lockout  *ratelimit.Lockout  `toml:"lockout"`
}

// LoadPolicyFile decodes path over p and l. Keys absent from the file keep
// their current values.
func LoadPolicyFile(path string, p *ratelimit.Policies, l *ratelimit.Lockout) error {
	f := policyFile{Policies: p, Lockout: l}
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return fmt.Errorf("reading policy file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("policy file %s: unknown keys %v", path, undecoded)
	}

	for name, pol := range map[string]ratelimit.Policy{
		"login_ip":        p.LoginIP,
		"login_email":     p.LoginEmail,
		"two_factor":      p.TwoFactor,
		"two_factor_user": p.TwoFactorUser,
		"reset_request":   p.ResetRequest,
		"register_ip":     p.RegisterIP,
		"verify_resend":   p.VerifyResend,
	} {
		if pol.MaxAttempts <= 0 || pol.Window <= 0 {
			return fmt.Errorf("policy file %s: %s needs positive max_attempts and window", path, name)
		}
	}
	if l.Lookback <= 0 || l.EmailThreshold <= 0 || l.IPThreshold <= 0 {
		return fmt.Errorf("policy file %s: lockout values must be positive", path)
	}
	return nil
}
