package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/paydash/authcore/internal/auth"
	"github.com/paydash/authcore/internal/config"
	"github.com/paydash/authcore/internal/logger"
	"github.com/paydash/authcore/internal/model"
	"github.com/paydash/authcore/internal/repository"
)

const maxIssueAttempts = 3

// APIKeyService issues tenant API credentials and authenticates bearer tokens
type APIKeyService struct {
	creds   CredentialStore
	hasher  *auth.Hasher
	limiter RateLimiter
	audit   *AuditRecorder
	cfg     *config.Config
	log     *logger.Logger
	now     func() time.Time
}

// NewAPIKeyService creates a new APIKeyService
func NewAPIKeyService(
	creds CredentialStore,
	hasher *auth.Hasher,
	limiter RateLimiter,
	audit *AuditRecorder,
	cfg *config.Config,
	log *logger.Logger,
) *APIKeyService {
	return &APIKeyService{
		creds:   creds,
		hasher:  hasher,
		limiter: limiter,
		audit:   audit,
		cfg:     cfg,
		log:     log.WithComponent("apikey_service"),
		now:     time.Now,
	}
}

// IssueRequest describes a new credential
type IssueRequest struct {
	TenantID    string
	Name        string
	Kind        model.CredentialKind
	Scope       []string
	IPAllowlist []string
	ExpiresAt   *time.Time
}

// AuthenticateRequest is one inbound bearer-authenticated call. An empty
// RequiredTenantID skips the tenant check unless RequireTenant is set.
type AuthenticateRequest struct {
	Token            string
	Endpoint         string
	ClientIP         string
	UserAgent        string
	RequiredTenantID string
	RequireTenant    bool
}

// --- Management ---

// Issue creates a credential and returns its plaintext token. The token is
// not retrievable afterwards.
func (s *APIKeyService) Issue(ctx context.Context, meta RequestMeta, req IssueRequest) (*model.IssuedCredential, error) {
	now := s.now()

	if req.TenantID == "" || strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: tenant and name are required", ErrInvalidInput)
	}
	if req.Kind == "" {
		req.Kind = model.CredentialKindLive
	}
	if _, err := auth.TagFor(req.Kind); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	scope := auth.NormalizeScope(req.Scope)
	if len(scope) == 0 {
		return nil, fmt.Errorf("%w: scope must name at least one endpoint", ErrInvalidInput)
	}
	allowlist, err := normalizeAllowlist(req.IPAllowlist)
	if err != nil {
		return nil, err
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}

	cred := &model.APICredential{
		ID:          generateID("key"),
		TenantID:    req.TenantID,
		Name:        strings.TrimSpace(req.Name),
		Kind:        req.Kind,
		Scope:       scope,
		Status:      model.CredentialStatusActive,
		IPAllowlist: allowlist,
		ExpiresAt:   req.ExpiresAt,
		CreatedBy:   meta.Actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var token string
	for attempt := 1; ; attempt++ {
		gen, err := auth.GenerateSecret(req.Kind)
		if err != nil {
			return nil, err
		}
		hashed, err := s.hasher.Hash(gen.Secret)
		if err != nil {
			return nil, fmt.Errorf("failed to hash secret: %w", err)
		}
		cred.Prefix = gen.Prefix
		cred.HashedSecret = hashed

		err = s.creds.Create(ctx, cred)
		if err == nil {
			token = gen.FullToken
			break
		}
		if !errors.Is(err, repository.ErrDuplicate) || attempt >= maxIssueAttempts {
			return nil, fmt.Errorf("failed to store credential: %w", err)
		}
		s.log.Warn().Str("prefix", gen.Prefix).Msg("credential prefix collision, regenerating")
	}

	meta.TenantID = cred.TenantID
	s.audit.record(ctx, meta, model.AuditActionAPIKeyCreated, cred.ID, nil, map[string]interface{}{
		"name":   cred.Name,
		"kind":   cred.Kind,
		"prefix": cred.Prefix,
		"scope":  cred.Scope,
		"token":  token,
	})

	s.log.WithTenantID(cred.TenantID).Info().Str("credential_id", cred.ID).Msg("credential issued")
	return &model.IssuedCredential{Credential: cred, Token: token}, nil
}

// Rotate replaces the secret of an active credential. The previous token
// stops authenticating immediately.
func (s *APIKeyService) Rotate(ctx context.Context, meta RequestMeta, tenantID, id string) (*model.IssuedCredential, error) {
	existing, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if existing.Status != model.CredentialStatusActive {
		return nil, fmt.Errorf("%w: only active credentials can be rotated", ErrInvalidInput)
	}

	var (
		rotated *model.APICredential
		token   string
	)
	for attempt := 1; ; attempt++ {
		gen, err := auth.GenerateSecret(existing.Kind)
		if err != nil {
			return nil, err
		}
		hashed, err := s.hasher.Hash(gen.Secret)
		if err != nil {
			return nil, fmt.Errorf("failed to hash secret: %w", err)
		}

		rotated, err = s.creds.Rotate(ctx, tenantID, id, gen.Prefix, hashed, s.now())
		if err == nil {
			token = gen.FullToken
			break
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrCredentialNotFound
		}
		if !errors.Is(err, repository.ErrDuplicate) || attempt >= maxIssueAttempts {
			return nil, fmt.Errorf("failed to rotate credential: %w", err)
		}
	}

	meta.TenantID = tenantID
	s.audit.record(ctx, meta, model.AuditActionAPIKeyRotated, id,
		map[string]interface{}{"prefix": existing.Prefix},
		map[string]interface{}{"prefix": rotated.Prefix, "token": token},
	)

	s.log.WithTenantID(tenantID).Info().Str("credential_id", id).Msg("credential rotated")
	return &model.IssuedCredential{Credential: rotated, Token: token}, nil
}

// Revoke permanently disables a credential
func (s *APIKeyService) Revoke(ctx context.Context, meta RequestMeta, tenantID, id string) (*model.APICredential, error) {
	existing, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	revoked, err := s.creds.Revoke(ctx, tenantID, id, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to revoke credential: %w", err)
	}

	meta.TenantID = tenantID
	s.audit.record(ctx, meta, model.AuditActionAPIKeyRevoked, id,
		map[string]interface{}{"status": existing.Status, "prefix": existing.Prefix},
		map[string]interface{}{"status": revoked.Status},
	)

	s.log.WithTenantID(tenantID).Info().Str("credential_id", id).Msg("credential revoked")
	return revoked, nil
}

// List returns the credentials of a tenant
func (s *APIKeyService) List(ctx context.Context, tenantID string) ([]*model.APICredential, error) {
	creds, err := s.creds.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	if creds == nil {
		creds = []*model.APICredential{}
	}
	return creds, nil
}

// Get returns one credential of a tenant
func (s *APIKeyService) Get(ctx context.Context, tenantID, id string) (*model.APICredential, error) {
	c, err := s.creds.GetByID(ctx, tenantID, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

// --- Verification ---

// Authenticate resolves a bearer token to its tenant and scope. Unknown,
// malformed, short and expired tokens all fail with an error matching
// ErrInvalidCredential or ErrCredentialExpired; both render identically.
func (s *APIKeyService) Authenticate(ctx context.Context, req AuthenticateRequest) (*model.AuthContext, error) {
	now := s.now()
	keyCfg := s.cfg.Security.APIKeys
	meta := RequestMeta{Actor: "anonymous", TenantID: req.RequiredTenantID, IPAddress: req.ClientIP, UserAgent: req.UserAgent}

	if req.Token == "" || len(req.Token) < keyCfg.MinTokenLength {
		return nil, s.refuse(meta, "", "missing or short token", ErrInvalidCredential)
	}

	prefix, secret, err := auth.ParseToken(req.Token)
	if err != nil {
		return nil, s.refuse(meta, "", "malformed token", ErrInvalidCredential)
	}

	candidates, err := s.creds.ListByPrefix(ctx, prefix, keyCfg.MaxPrefixCandidates+1)
	if err != nil {
		return nil, fmt.Errorf("failed to look up credential: %w", err)
	}
	if len(candidates) > keyCfg.MaxPrefixCandidates {
		s.log.Error().
			Str("prefix", prefix).
			Int("candidates", len(candidates)).
			Int("limit", keyCfg.MaxPrefixCandidates).
			Msg("credential prefix candidate bound exceeded")
		return nil, s.refuse(meta, prefix, "too many prefix candidates", ErrInvalidCredential)
	}

	var cred *model.APICredential
	for _, c := range candidates {
		ok, err := s.hasher.Verify(secret, c.HashedSecret)
		if err != nil {
			s.log.Error().Err(err).Str("credential_id", c.ID).Msg("stored credential hash is unreadable")
			continue
		}
		if ok {
			cred = c
			break
		}
	}
	if cred == nil {
		return nil, s.refuse(meta, prefix, "no matching credential", ErrInvalidCredential)
	}

	meta.Actor = cred.ID
	switch {
	case cred.Status == model.CredentialStatusExpired:
		return nil, s.reject(ctx, meta, cred.ID, "credential expired", ErrCredentialExpired)
	case cred.Status != model.CredentialStatusActive:
		return nil, s.reject(ctx, meta, cred.ID, "credential not active", ErrInvalidCredential)
	case cred.IsExpired(now):
		marked, err := s.creds.MarkExpired(ctx, cred.ID, now)
		if err != nil {
			s.log.Error().Err(err).Str("credential_id", cred.ID).Msg("failed to mark credential expired")
		}
		if marked {
			s.audit.record(ctx, s.credentialMeta(meta, cred), model.AuditActionAPIKeyExpired, cred.ID,
				map[string]interface{}{"status": model.CredentialStatusActive},
				map[string]interface{}{"status": model.CredentialStatusExpired},
			)
		}
		return nil, s.reject(ctx, meta, cred.ID, "credential expired", ErrCredentialExpired)
	}

	switch {
	case req.RequiredTenantID != "" && req.RequiredTenantID != cred.TenantID:
		return nil, s.reject(ctx, meta, cred.ID, "tenant mismatch", ErrTenantMismatch)
	case req.RequiredTenantID == "" && req.RequireTenant:
		return nil, s.reject(ctx, meta, cred.ID, "tenant not supplied", ErrTenantMismatch)
	}
	meta = s.credentialMeta(meta, cred)

	if !ipAllowed(cred.IPAllowlist, req.ClientIP) {
		return nil, s.reject(ctx, meta, cred.ID, "client address not allowed", ErrIPNotAllowed)
	}

	if err := s.checkRateLimits(ctx, meta, cred, req); err != nil {
		return nil, err
	}

	if err := s.creds.TouchLastUsed(ctx, cred.ID, now); err != nil {
		s.log.Error().Err(err).Str("credential_id", cred.ID).Msg("failed to update credential last used")
	}
	s.audit.record(ctx, meta, model.AuditActionAPIKeyUsed, cred.ID, nil, map[string]interface{}{
		"endpoint": req.Endpoint,
	})

	return &model.AuthContext{
		TenantID:     cred.TenantID,
		CredentialID: cred.ID,
		Scope:        cred.Scope,
	}, nil
}

// Authorize checks an authenticated context against an endpoint
func (s *APIKeyService) Authorize(authCtx *model.AuthContext, endpoint string) error {
	if authCtx == nil || !auth.HasEndpointPermission(authCtx.Scope, endpoint) {
		return ErrInsufficientScope
	}
	return nil
}

func (s *APIKeyService) checkRateLimits(ctx context.Context, meta RequestMeta, cred *model.APICredential, req AuthenticateRequest) error {
	rl := s.cfg.Security.RateLimiting
	if !rl.Enabled {
		return nil
	}

	buckets := []struct {
		identifier string
		limit      int
	}{
		{model.KeyIdentifier(cred.ID), rl.KeyLimit},
		{model.IPIdentifier(req.ClientIP), rl.IPLimit},
	}
	for _, b := range buckets {
		d, err := s.limiter.CheckAndIncrement(ctx, b.identifier, req.Endpoint, b.limit, rl.Window)
		if err != nil {
			return fmt.Errorf("failed to check rate limit: %w", err)
		}
		if !d.Allowed {
			s.audit.record(ctx, meta, model.AuditActionAPIKeyRateLimited, cred.ID, nil, map[string]interface{}{
				"identifier": b.identifier,
				"endpoint":   req.Endpoint,
				"limit":      b.limit,
			})
			return &RateLimitError{Identifier: b.identifier, RetryAfter: d.ResetAfter}
		}
	}
	return nil
}

// refuse logs a token that resolved to no credential. These stay out of
// the audit chain so anonymous traffic cannot contend on its lock.
func (s *APIKeyService) refuse(meta RequestMeta, prefix, reason string, sentinel error) error {
	s.log.Warn().
		Str("prefix", prefix).
		Str("client_ip", meta.IPAddress).
		Str("reason", reason).
		Msg("credential rejected")
	return fmt.Errorf("%w: %s", sentinel, reason)
}

// reject logs and audits a failed verification of a known credential
func (s *APIKeyService) reject(ctx context.Context, meta RequestMeta, credentialID, reason string, sentinel error) error {
	s.log.Warn().
		Str("credential_id", credentialID).
		Str("client_ip", meta.IPAddress).
		Str("reason", reason).
		Msg("credential rejected")

	s.audit.record(ctx, meta, model.AuditActionAPIKeyRejected, credentialID, nil, map[string]interface{}{
		"reason": reason,
	})
	return fmt.Errorf("%w: %s", sentinel, reason)
}

func (s *APIKeyService) credentialMeta(meta RequestMeta, cred *model.APICredential) RequestMeta {
	meta.Actor = cred.ID
	meta.TenantID = cred.TenantID
	return meta
}

// normalizeAllowlist validates entries as IP addresses or CIDR prefixes
func normalizeAllowlist(entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid CIDR %q", ErrInvalidInput, e)
			}
			out = append(out, p.Masked().String())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid IP address %q", ErrInvalidInput, e)
		}
		out = append(out, addr.String())
	}
	return out, nil
}

// ipAllowed reports whether clientIP matches the allowlist. An empty
// allowlist admits every address.
func ipAllowed(allowlist []string, clientIP string) bool {
	if len(allowlist) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allowlist {
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err == nil && p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}
