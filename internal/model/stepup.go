package model

import "time"

// StepUpChallenge is a persisted pending step-up for one sensitive action.
// The action itself is never resumed server-side; the client re-submits it.
type StepUpChallenge struct {
	Token        string     `json:"token"`
	UserID       string     `json:"userId"`
	Action       string     `json:"action"`
	ParamsDigest string     `json:"paramsDigest"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	VerifiedAt   *time.Time `json:"verifiedAt,omitempty"`
}

// Sensitive actions guarded by the step-up policy
const (
	ActionCredentialIssue  = "credential.issue"
	ActionCredentialRotate = "credential.rotate"
	ActionCredentialRevoke = "credential.revoke"
	ActionMFADisable       = "mfa.disable"
	ActionBackupCodesRegen = "mfa.backup_codes_regenerate"
)
