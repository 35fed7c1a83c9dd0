package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paydash/authcore/internal/model"
	"github.com/paydash/authcore/internal/ratelimit"
)

// CredentialStore persists API credentials. Implemented by
// repository.CredentialRepository.
type CredentialStore interface {
	Create(ctx context.Context, c *model.APICredential) error
	GetByID(ctx context.Context, tenantID, id string) (*model.APICredential, error)
	ListByPrefix(ctx context.Context, prefix string, limit int) ([]*model.APICredential, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*model.APICredential, error)
	Rotate(ctx context.Context, tenantID, id, prefix, hashedSecret string, now time.Time) (*model.APICredential, error)
	Revoke(ctx context.Context, tenantID, id string, now time.Time) (*model.APICredential, error)
	MarkExpired(ctx context.Context, id string, now time.Time) (bool, error)
	TouchLastUsed(ctx context.Context, id string, now time.Time) error
}

// MFAStore persists MFA profiles and backup codes. Implemented by
// repository.MFARepository.
type MFAStore interface {
	GetProfile(ctx context.Context, userID string) (*model.MFAProfile, error)
	SavePendingSecret(ctx context.Context, userID, secret string, now time.Time) error
	Enable(ctx context.Context, userID string, backupCodeHashes []string, now time.Time) error
	TouchLastVerified(ctx context.Context, userID string, now time.Time) error
	Disable(ctx context.Context, userID string, now time.Time) error
	ReplaceBackupCodes(ctx context.Context, userID string, hashes []string, now time.Time) error
	ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error)
	CountBackupCodes(ctx context.Context, userID string) (int, error)
}

// AuditStore appends to and reads the hash-chained audit log.
// Implemented by repository.AuditRepository.
type AuditStore interface {
	Append(ctx context.Context, entry *model.AuditEntry) error
	List(ctx context.Context, afterSeq int64, limit int) ([]*model.AuditEntry, error)
}

// ChallengeStore persists pending step-up challenges. Implemented by
// repository.ChallengeRepository.
type ChallengeStore interface {
	Save(ctx context.Context, ch *model.StepUpChallenge) error
	Get(ctx context.Context, token string) (*model.StepUpChallenge, error)
	Update(ctx context.Context, ch *model.StepUpChallenge) error
	Delete(ctx context.Context, token string) error
}

// RateLimiter is the counter consulted by the credential verifier.
// Implemented by ratelimit.Limiter.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, identifier, endpoint string, limit int, window time.Duration) (*ratelimit.Decision, error)
}

// RequestMeta identifies who performed an operation and from where. It is
// copied into every audit entry the operation writes.
type RequestMeta struct {
	Actor     string
	TenantID  string
	IPAddress string
	UserAgent string
}

func generateID(prefix string) string {
	id := uuid.New().String()
	clean := strings.ReplaceAll(id, "-", "")
	if len(prefix) > 0 {
		return prefix + "_" + clean[:min(26, len(clean))]
	}
	return clean
}
