package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/paydash/authcore/internal/database"
	"github.com/paydash/authcore/internal/model"
)

// MFARepository handles MFA profile and backup code persistence
type MFARepository struct {
	db *database.Postgres
}

// NewMFARepository creates a new MFARepository
func NewMFARepository(db *database.Postgres) *MFARepository {
	return &MFARepository{db: db}
}

// --- Profiles ---

// GetProfile retrieves the MFA profile of a user
func (r *MFARepository) GetProfile(ctx context.Context, userID string) (*model.MFAProfile, error) {
	query := `
		SELECT user_id, totp_secret, enabled, last_verified_at, created_at, updated_at
		FROM mfa_profiles
		WHERE user_id = $1
	`
	var p model.MFAProfile
	var secret sql.NullString
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID,
		&secret,
		&p.Enabled,
		&p.LastVerifiedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get MFA profile: %w", err)
	}
	p.TOTPSecret = secret.String
	return &p, nil
}

// SavePendingSecret stores a new TOTP secret with enabled=false. An
// existing enabled profile is left untouched and reported as ErrDuplicate.
func (r *MFARepository) SavePendingSecret(ctx context.Context, userID, secret string, now time.Time) error {
	query := `
		INSERT INTO mfa_profiles (user_id, totp_secret, enabled, created_at, updated_at)
		VALUES ($1, $2, FALSE, $3, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET totp_secret = EXCLUDED.totp_secret, enabled = FALSE, updated_at = EXCLUDED.updated_at
		WHERE mfa_profiles.enabled = FALSE
	`
	result, err := r.db.ExecContext(ctx, query, userID, secret, now)
	if err != nil {
		return fmt.Errorf("failed to save pending TOTP secret: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// Enable turns on a pending profile, records the confirming verification
// and stores the first backup codes. Nothing is written unless all of it is.
func (r *MFARepository) Enable(ctx context.Context, userID string, hashes []string, now time.Time) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE mfa_profiles
			SET enabled = TRUE, last_verified_at = $1, updated_at = $1
			WHERE user_id = $2 AND totp_secret IS NOT NULL AND totp_secret <> ''
		`
		result, err := tx.ExecContext(ctx, query, now, userID)
		if err != nil {
			return fmt.Errorf("failed to enable MFA: %w", err)
		}
		rowsAffected, _ := result.RowsAffected()
		if rowsAffected == 0 {
			return ErrNotFound
		}
		return writeBackupCodes(ctx, tx, userID, hashes, now)
	})
}

// TouchLastVerified refreshes the step-up recency of a user
func (r *MFARepository) TouchLastVerified(ctx context.Context, userID string, now time.Time) error {
	query := `UPDATE mfa_profiles SET last_verified_at = $1, updated_at = $1 WHERE user_id = $2 AND enabled = TRUE`
	if _, err := r.db.ExecContext(ctx, query, now, userID); err != nil {
		return fmt.Errorf("failed to update MFA last_verified_at: %w", err)
	}
	return nil
}

// Disable clears the secret and all backup codes of a user
func (r *MFARepository) Disable(ctx context.Context, userID string, now time.Time) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE mfa_profiles
			SET totp_secret = NULL, enabled = FALSE, last_verified_at = NULL, updated_at = $1
			WHERE user_id = $2
		`
		result, err := tx.ExecContext(ctx, query, now, userID)
		if err != nil {
			return fmt.Errorf("failed to disable MFA: %w", err)
		}
		rowsAffected, _ := result.RowsAffected()
		if rowsAffected == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to delete backup codes: %w", err)
		}
		return nil
	})
}

// --- Backup Codes ---

// ReplaceBackupCodes discards every existing code of the user and stores
// the new hashes in one transaction
func (r *MFARepository) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string, now time.Time) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return writeBackupCodes(ctx, tx, userID, hashes, now)
	})
}

func writeBackupCodes(ctx context.Context, tx *sql.Tx, userID string, hashes []string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete backup codes: %w", err)
	}

	query := `INSERT INTO backup_codes (user_id, code_hash, created_at) VALUES ($1, $2, $3)`
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, query, userID, h, now); err != nil {
			return fmt.Errorf("failed to insert backup code: %w", err)
		}
	}
	return nil
}

// ConsumeBackupCode deletes the matching code and reports whether one
// existed. The single DELETE makes concurrent use of one code succeed once.
func (r *MFARepository) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error) {
	query := `DELETE FROM backup_codes WHERE user_id = $1 AND code_hash = $2`
	result, err := r.db.ExecContext(ctx, query, userID, codeHash)
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rowsAffected == 1, nil
}

// CountBackupCodes returns the number of unused backup codes
func (r *MFARepository) CountBackupCodes(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM backup_codes WHERE user_id = $1`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}
	return count, nil
}
