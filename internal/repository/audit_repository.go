package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/paydash/authcore/internal/database"
	"github.com/paydash/authcore/internal/model"
)

// auditChainLock serializes appends so every entry links to its true predecessor
const auditChainLock int64 = 0x61756469_74636861

// AuditRepository handles audit log persistence
type AuditRepository struct {
	db *database.Postgres
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *database.Postgres) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append links entry to the newest stored entry and inserts it. Seq,
// PrevHash and Hash are filled in on success.
func (r *AuditRepository) Append(ctx context.Context, entry *model.AuditEntry) error {
	before, err := marshalAuditFields(entry.Before)
	if err != nil {
		return err
	}
	after, err := marshalAuditFields(entry.After)
	if err != nil {
		return err
	}

	var prevHash, hash string
	var seq int64
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLock); err != nil {
			return fmt.Errorf("failed to lock audit chain: %w", err)
		}

		err := tx.QueryRowContext(ctx, `SELECT hash FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read audit chain head: %w", err)
		}

		hash, err = entry.ChainHash(prevHash)
		if err != nil {
			return err
		}

		query := `
			INSERT INTO audit_entries (id, actor, action, target, tenant_id, before, after,
			    ip_address, user_agent, created_at, prev_hash, hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING seq
		`
		err = tx.QueryRowContext(ctx, query,
			entry.ID,
			entry.Actor,
			entry.Action,
			entry.Target,
			entry.TenantID,
			before,
			after,
			entry.IPAddress,
			entry.UserAgent,
			entry.Timestamp,
			prevHash,
			hash,
		).Scan(&seq)
		if err != nil {
			return fmt.Errorf("failed to create audit entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	entry.Seq = seq
	entry.PrevHash = prevHash
	entry.Hash = hash
	return nil
}

// List returns up to limit entries with seq greater than afterSeq, in order
func (r *AuditRepository) List(ctx context.Context, afterSeq int64, limit int) ([]*model.AuditEntry, error) {
	query := `
		SELECT seq, id, actor, action, target, tenant_id, before, after,
		       ip_address, user_agent, created_at, prev_hash, hash
		FROM audit_entries
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var before, after []byte
		if err := rows.Scan(
			&e.Seq,
			&e.ID,
			&e.Actor,
			&e.Action,
			&e.Target,
			&e.TenantID,
			&before,
			&after,
			&e.IPAddress,
			&e.UserAgent,
			&e.Timestamp,
			&e.PrevHash,
			&e.Hash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if e.Before, err = unmarshalAuditFields(before); err != nil {
			return nil, err
		}
		if e.After, err = unmarshalAuditFields(after); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// marshalAuditFields returns the jsonb parameter for fields, or nil for NULL
func marshalAuditFields(fields map[string]interface{}) (interface{}, error) {
	if fields == nil {
		return nil, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit fields: %w", err)
	}
	return string(b), nil
}

func unmarshalAuditFields(b []byte) (map[string]interface{}, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode audit fields: %w", err)
	}
	return fields, nil
}
