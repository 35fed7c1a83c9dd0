package model

import (
	"time"
)

// MFAMethodType represents a way of answering an MFA challenge
type MFAMethodType string

const (
	MFAMethodTOTP       MFAMethodType = "totp"
	MFAMethodBackupCode MFAMethodType = "backup_code"
)

// MFAProfile is the per-user MFA state. Enabled implies TOTPSecret is set.
type MFAProfile struct {
	UserID         string     `json:"userId"`
	TOTPSecret     string     `json:"-"` // base32, never expose
	Enabled        bool       `json:"enabled"`
	LastVerifiedAt *time.Time `json:"lastVerifiedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// HasSecret reports whether a TOTP secret has been provisioned
func (p *MFAProfile) HasSecret() bool {
	return p != nil && p.TOTPSecret != ""
}

// IsEnabled is nil-safe; a missing profile is not enrolled
func (p *MFAProfile) IsEnabled() bool {
	return p != nil && p.Enabled && p.TOTPSecret != ""
}

// BackupCode is a stored one-way hash of a single-use recovery code
type BackupCode struct {
	UserID    string    `json:"userId"`
	CodeHash  string    `json:"-"` // hashed code, never expose
	CreatedAt time.Time `json:"createdAt"`
}

// MFAEnrollResponse is returned when starting TOTP enrollment
type MFAEnrollResponse struct {
	Secret    string `json:"secret"`
	URI       string `json:"uri"`
	QRCode    string `json:"qrCode,omitempty"` // base64-encoded PNG
	Issuer    string `json:"issuer"`
	AccountID string `json:"accountId"`
}

// MFAStatusResponse returns the user's MFA configuration
type MFAStatusResponse struct {
	Enabled              bool       `json:"enabled"`
	Pending              bool       `json:"pending"`
	LastVerifiedAt       *time.Time `json:"lastVerifiedAt,omitempty"`
	BackupCodesRemaining int        `json:"backupCodesRemaining"`
}

// BackupCodesResponse is returned when generating backup codes
type BackupCodesResponse struct {
	Codes []string `json:"codes"`
	Count int      `json:"count"`
}
