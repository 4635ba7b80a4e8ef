// Package totp generates two-factor secrets and checks time-based codes
// (RFC 6238, SHA-1, 6 digits, 30 second steps).
//
// Everything here is pure given its inputs; the engine's clock is only
// consulted by the convenience methods that take no time argument.
package totp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// Period is the length of one time step.
	Period = 30
	// Digits is the code length.
	Digits = 6
	// SecretSize is the raw secret length in bytes (160 bits).
	SecretSize = 20
	// Skew is how many steps either side of the current one are accepted.
	Skew = 1

	defaultImageSize = 200
)

var validateOpts = totp.ValidateOpts{
	Period:    Period,
	Skew:      Skew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Secret is a freshly generated two-factor secret.
type Secret struct {
	// Base32 is the unpadded base32 secret persisted for the user.
	Base32 string
	// URI is the otpauth:// provisioning URI for authenticator apps.
	URI string
}

// Engine issues secrets under one issuer name.
type Engine struct {
	issuer string
	now    func() time.Time
}

// New returns an Engine. A nil now uses time.Now.
func New(issuer string, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{issuer: issuer, now: now}
}

// GenerateSecret creates a random 160-bit secret and its provisioning URI
// labelled "<issuer>:<label>".
func (e *Engine) GenerateSecret(label string) (*Secret, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: label,
		Period:      Period,
		SecretSize:  SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp secret: %w", err)
	}
	return &Secret{Base32: key.Secret(), URI: key.URL()}, nil
}

// CodeAt returns the code for the step containing t.
func (e *Engine) CodeAt(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t, validateOpts)
	if err != nil {
		return "", fmt.Errorf("computing totp code: %w", err)
	}
	return code, nil
}

// Code returns the code for the current step on the engine's clock.
func (e *Engine) Code(secret string) (string, error) {
	return e.CodeAt(secret, e.now())
}

// Verify reports whether code matches secret at t or one step either side.
// Anything other than exactly six ASCII digits is rejected without computing.
func (e *Engine) Verify(code, secret string, t time.Time) bool {
	if !wellFormed(code) {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, t, validateOpts)
	return err == nil && ok
}

// VerifyNow is Verify on the engine's clock.
func (e *Engine) VerifyNow(code, secret string) bool {
	return e.Verify(code, secret, e.now())
}

func wellFormed(code string) bool {
	if len(code) != Digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// ProvisioningPNG renders uri as a size x size QR code PNG.
func ProvisioningPNG(uri string, size int) ([]byte, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing provisioning uri: %w", err)
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("rendering qr code: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding qr png: %w", err)
	}
	return buf.Bytes(), nil
}

// ProvisioningDataURL renders uri as a data:image/png;base64 URL for direct use in an <img>.
func ProvisioningDataURL(uri string) (string, error) {
	b, err := ProvisioningPNG(uri, defaultImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(b), nil
}
