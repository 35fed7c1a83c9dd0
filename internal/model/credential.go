package model

import (
	"time"
)

// CredentialStatus represents the lifecycle state of an API credential
type CredentialStatus string

const (
	CredentialStatusActive  CredentialStatus = "active"
	CredentialStatusRevoked CredentialStatus = "revoked"
	CredentialStatusExpired CredentialStatus = "expired"
)

// CredentialKind selects the environment tag embedded in a token
type CredentialKind string

const (
	CredentialKindLive CredentialKind = "live"
	CredentialKindTest CredentialKind = "test"
)

// APICredential is a tenant-owned bearer API key. The plaintext secret is
// never stored; only the prefix and an argon2id hash.
type APICredential struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenantId"`
	Name         string           `json:"name"`
	Kind         CredentialKind   `json:"kind"`
	Prefix       string           `json:"prefix"`
	HashedSecret string           `json:"-"` // never expose
	Scope        []string         `json:"scope"`
	Status       CredentialStatus `json:"status"`
	IPAllowlist  []string         `json:"ipAllowlist"`
	ExpiresAt    *time.Time       `json:"expiresAt,omitempty"`
	LastUsedAt   *time.Time       `json:"lastUsedAt,omitempty"`
	CreatedBy    string           `json:"createdBy"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// IsExpired reports whether the credential's expiry has passed at now
func (c *APICredential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// IssuedCredential is returned by issue and rotate. Token is the only
// place the plaintext secret ever appears.
type IssuedCredential struct {
	Credential *APICredential `json:"credential"`
	Token      string         `json:"token"`
}

// AuthContext is attached to a request after a bearer credential
// authenticates successfully
type AuthContext struct {
	TenantID     string   `json:"tenantId"`
	CredentialID string   `json:"credentialId"`
	Scope        []string `json:"scope"`
}
