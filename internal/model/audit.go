package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry represents an append-only audit log entry. Hash chains each
// entry to its predecessor so edits and deletions are detectable.
type AuditEntry struct {
	ID        string                 `json:"id"`
	Seq       int64                  `json:"seq"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Target    string                 `json:"target"`
	TenantID  string                 `json:"tenantId,omitempty"`
	Before    map[string]interface{} `json:"before,omitempty"`
	After     map[string]interface{} `json:"after,omitempty"`
	IPAddress string                 `json:"ipAddress,omitempty"`
	UserAgent string                 `json:"userAgent,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	PrevHash  string                 `json:"prevHash"`
	Hash      string                 `json:"hash"`
}

// chainPayload is the canonical form hashed into the chain. Seq and Hash
// are excluded: seq is assigned by the database, hash is the output.
type chainPayload struct {
	ID        string                 `json:"id"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Target    string                 `json:"target"`
	TenantID  string                 `json:"tenantId"`
	Before    map[string]interface{} `json:"before"`
	After     map[string]interface{} `json:"after"`
	IPAddress string                 `json:"ipAddress"`
	UserAgent string                 `json:"userAgent"`
	Timestamp string                 `json:"timestamp"`
}

// ChainHash computes sha256(prevHash || canonical JSON) for the entry
func (e *AuditEntry) ChainHash(prevHash string) (string, error) {
	payload, err := json.Marshal(chainPayload{
		ID:        e.ID,
		Actor:     e.Actor,
		Action:    e.Action,
		Target:    e.Target,
		TenantID:  e.TenantID,
		Before:    e.Before,
		After:     e.After,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode audit entry: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Audit action constants
const (
	AuditActionAPIKeyCreated     = "api_key.created"
	AuditActionAPIKeyRotated     = "api_key.rotated"
	AuditActionAPIKeyRevoked     = "api_key.revoked"
	AuditActionAPIKeyUsed        = "api_key.used"
	AuditActionAPIKeyExpired     = "api_key.expired"
	AuditActionAPIKeyRejected    = "api_key.rejected"
	AuditActionAPIKeyRateLimited = "api_key.rate_limited"
	AuditActionMFAEnrollStarted  = "mfa.enroll_started"
	AuditActionMFAEnabled        = "mfa.enabled"
	AuditActionMFADisabled       = "mfa.disabled"
	AuditActionMFAVerified       = "mfa.verified"
	AuditActionMFAVerifyFailed   = "mfa.verify_failed"
	AuditActionMFABackupCodeUsed = "mfa.backup_code_used"
	AuditActionMFABackupCodesGen = "mfa.backup_codes_generated"
	AuditActionStepUpAllowed     = "stepup.allowed"
	AuditActionStepUpChallenge   = "stepup.challenge_required"
	AuditActionStepUpDenied      = "stepup.denied"
	AuditActionStepUpVerified    = "stepup.verified"
	AuditActionStepUpFailed      = "stepup.verify_failed"
)
