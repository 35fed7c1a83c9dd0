package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/paydash/authcore/internal/config"
)

// Admin tiers carried in dashboard session tokens
const (
	TierSuperAdmin = "super_admin"
	TierAdmin      = "admin"
	TierMember     = "member"
)

// SessionClaims are the claims of a dashboard session token issued by
// the managed auth backend
type SessionClaims struct {
	jwt.RegisteredClaims
	Email     string `json:"email,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	AdminTier string `json:"admin_tier,omitempty"`
}

// IsSuperAdmin reports whether the caller holds the platform super-admin tier
func (c *SessionClaims) IsSuperAdmin() bool {
	return c.AdminTier == TierSuperAdmin
}

// CanManageTenant reports whether the caller may manage credentials of tenantID
func (c *SessionClaims) CanManageTenant(tenantID string) bool {
	if c.IsSuperAdmin() {
		return true
	}
	return c.TenantID != "" && c.TenantID == tenantID && (c.AdminTier == TierAdmin || c.AdminTier == TierMember)
}

// SessionVerifier validates HS256 session tokens with the shared secret
type SessionVerifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewSessionVerifier creates a SessionVerifier
func NewSessionVerifier(cfg config.SessionConfig) (*SessionVerifier, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("session.jwt_secret is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &SessionVerifier{secret: []byte(cfg.JWTSecret), opts: opts}, nil
}

// Validate parses and verifies a session token
func (v *SessionVerifier) Validate(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
