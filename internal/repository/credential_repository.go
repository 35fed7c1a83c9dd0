package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/paydash/authcore/internal/database"
	"github.com/paydash/authcore/internal/model"
)

const credentialColumns = `id, tenant_id, name, kind, prefix, hashed_secret, scope, status,
		       ip_allowlist, expires_at, last_used_at, created_by, created_at, updated_at`

// CredentialRepository handles API credential persistence
type CredentialRepository struct {
	db *database.Postgres
}

// NewCredentialRepository creates a new CredentialRepository
func NewCredentialRepository(db *database.Postgres) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Create inserts a new credential. A prefix collision within the
// non-revoked set returns ErrDuplicate.
func (r *CredentialRepository) Create(ctx context.Context, c *model.APICredential) error {
	query := `
		INSERT INTO api_credentials (id, tenant_id, name, kind, prefix, hashed_secret, scope, status,
		    ip_allowlist, expires_at, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID,
		c.TenantID,
		c.Name,
		c.Kind,
		c.Prefix,
		c.HashedSecret,
		pq.Array(c.Scope),
		c.Status,
		pq.Array(c.IPAllowlist),
		c.ExpiresAt,
		c.CreatedBy,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// GetByID retrieves a credential of a tenant
func (r *CredentialRepository) GetByID(ctx context.Context, tenantID, id string) (*model.APICredential, error) {
	query := `SELECT ` + credentialColumns + `
		FROM api_credentials
		WHERE id = $1 AND tenant_id = $2
	`
	return scanCredential(r.db.QueryRowContext(ctx, query, id, tenantID))
}

// ListByPrefix returns up to limit non-revoked credentials carrying prefix.
// Expired credentials are included so the caller can reject them explicitly.
func (r *CredentialRepository) ListByPrefix(ctx context.Context, prefix string, limit int) ([]*model.APICredential, error) {
	query := `SELECT ` + credentialColumns + `
		FROM api_credentials
		WHERE prefix = $1 AND status <> 'revoked'
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, prefix, limit)
}

// ListByTenant returns every credential of a tenant, newest first
func (r *CredentialRepository) ListByTenant(ctx context.Context, tenantID string) ([]*model.APICredential, error) {
	query := `SELECT ` + credentialColumns + `
		FROM api_credentials
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`
	return r.list(ctx, query, tenantID)
}

// Rotate swaps prefix and hash of an active credential in one statement,
// so the previous token stops verifying as soon as it commits
func (r *CredentialRepository) Rotate(ctx context.Context, tenantID, id, prefix, hashedSecret string, now time.Time) (*model.APICredential, error) {
	query := `
		UPDATE api_credentials
		SET prefix = $1, hashed_secret = $2, updated_at = $3
		WHERE id = $4 AND tenant_id = $5 AND status = 'active'
		RETURNING ` + credentialColumns
	c, err := scanCredential(r.db.QueryRowContext(ctx, query, prefix, hashedSecret, now, id, tenantID))
	if isUniqueViolation(err) {
		return nil, ErrDuplicate
	}
	return c, err
}

// Revoke marks a credential revoked. Revoking twice returns ErrNotFound.
func (r *CredentialRepository) Revoke(ctx context.Context, tenantID, id string, now time.Time) (*model.APICredential, error) {
	query := `
		UPDATE api_credentials
		SET status = 'revoked', updated_at = $1
		WHERE id = $2 AND tenant_id = $3 AND status <> 'revoked'
		RETURNING ` + credentialColumns
	return scanCredential(r.db.QueryRowContext(ctx, query, now, id, tenantID))
}

// MarkExpired flips an active credential to expired. It reports whether
// this call made the transition, so concurrent verifiers mark it once.
func (r *CredentialRepository) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `UPDATE api_credentials SET status = 'expired', updated_at = $1 WHERE id = $2 AND status = 'active'`
	result, err := r.db.ExecContext(ctx, query, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark credential expired: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rowsAffected == 1, nil
}

// TouchLastUsed records a successful authentication
func (r *CredentialRepository) TouchLastUsed(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE api_credentials SET last_used_at = $1 WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, now, id); err != nil {
		return fmt.Errorf("failed to update credential last_used_at: %w", err)
	}
	return nil
}

func (r *CredentialRepository) list(ctx context.Context, query string, args ...interface{}) ([]*model.APICredential, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []*model.APICredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanCredential scans a single credential row
func scanCredential(row rowScanner) (*model.APICredential, error) {
	var c model.APICredential
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.Name,
		&c.Kind,
		&c.Prefix,
		&c.HashedSecret,
		pq.Array(&c.Scope),
		&c.Status,
		pq.Array(&c.IPAllowlist),
		&c.ExpiresAt,
		&c.LastUsedAt,
		&c.CreatedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}
	return &c, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
