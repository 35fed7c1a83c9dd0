package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	// TOTPSecretSize is 160 bits, the RFC 4226 recommendation
	TOTPSecretSize = 20

	DefaultBackupCodeCount = 10
	backupCodeLength       = 8
	backupCodeAlphabet     = "0123456789abcdefghjkmnpqrstvwxyz" // 32 symbols, no i, l, o, u
)

var b32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTP generates and verifies RFC 6238 codes
type TOTP struct {
	issuer string
	digits otp.Digits
	period uint
	skew   uint
}

// NewTOTP creates a TOTP engine. Skew is the number of adjacent time
// steps accepted on each side of the current one.
func NewTOTP(issuer string, digits, period, skew int) *TOTP {
	if digits <= 0 {
		digits = 6
	}
	if period <= 0 {
		period = 30
	}
	if skew < 0 {
		skew = 0
	}
	return &TOTP{
		issuer: issuer,
		digits: otp.Digits(digits),
		period: uint(period),
		skew:   uint(skew),
	}
}

// Issuer returns the configured issuer label
func (t *TOTP) Issuer() string {
	return t.issuer
}

// GenerateSecret creates a fresh base32 secret for account
func (t *TOTP) GenerateSecret(account string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: account,
		Period:      t.period,
		SecretSize:  TOTPSecretSize,
		Digits:      t.digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}
	return key, nil
}

// Verify checks code against the current step and skew adjacent steps.
// Malformed codes are a mismatch, not an error.
func (t *TOTP) Verify(secret, code string, now time.Time) (bool, error) {
	if secret == "" {
		return false, errors.New("empty totp secret")
	}
	valid, err := totp.ValidateCustom(strings.TrimSpace(code), secret, now.UTC(), t.validateOpts())
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, fmt.Errorf("failed to validate TOTP code: %w", err)
	}
	return valid, nil
}

// Code returns the code for the time step containing now
func (t *TOTP) Code(secret string, now time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, now.UTC(), t.validateOpts())
}

func (t *TOTP) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    t.period,
		Skew:      t.skew,
		Digits:    t.digits,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// EnrollmentURI builds the otpauth://totp/{issuer}:{account} URI for an
// existing base32 secret
func (t *TOTP) EnrollmentURI(secret, account, issuer string) (string, error) {
	raw, err := b32NoPadding.DecodeString(strings.ToUpper(strings.TrimRight(secret, "=")))
	if err != nil {
		return "", fmt.Errorf("invalid base32 secret: %w", err)
	}
	if issuer == "" {
		issuer = t.issuer
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      t.period,
		Secret:      raw,
		Digits:      t.digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build enrollment URI: %w", err)
	}
	return key.URL(), nil
}

// QRCode renders uri as a base64-encoded PNG
func QRCode(uri string) (string, error) {
	png, err := qrcode.Encode(uri, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("failed to generate QR code: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

// --- Backup codes ---

// GenerateBackupCodes returns n human-readable codes formatted xxxx-xxxx
func GenerateBackupCodes(n int) ([]string, error) {
	if n <= 0 {
		n = DefaultBackupCodeCount
	}
	codes := make([]string, n)
	for i := range codes {
		b := make([]byte, backupCodeLength)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		code := make([]byte, backupCodeLength)
		for j := range code {
			code[j] = backupCodeAlphabet[int(b[j])&31]
		}
		codes[i] = string(code[:4]) + "-" + string(code[4:])
	}
	return codes, nil
}

// NormalizeBackupCode strips separators and case
func NormalizeBackupCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return strings.ToLower(code)
}

// HashBackupCode returns the stored form of a backup code. The user id is
// mixed in so identical codes of different users never collide.
func HashBackupCode(userID, code string) string {
	sum := sha256.Sum256([]byte(userID + ":" + NormalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}
