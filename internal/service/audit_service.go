package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paydash/authcore/internal/auth"
	"github.com/paydash/authcore/internal/logger"
	"github.com/paydash/authcore/internal/model"
)

const auditPageSize = 500

// Fields whose values never reach the audit log, not even as a preview
var hiddenAuditFields = map[string]bool{
	"totp_secret":  true,
	"backup_codes": true,
	"codes":        true,
	"code":         true,
	"password":     true,
}

// Fields stored as an 8 character preview
var previewAuditFields = map[string]bool{
	"secret":        true,
	"token":         true,
	"key":           true,
	"api_key":       true,
	"full_token":    true,
	"hashed_secret": true,
}

// AuditRecorder writes masked entries to the hash-chained audit log
type AuditRecorder struct {
	store AuditStore
	log   *logger.Logger
	now   func() time.Time
}

// NewAuditRecorder creates a new AuditRecorder
func NewAuditRecorder(store AuditStore, log *logger.Logger) *AuditRecorder {
	return &AuditRecorder{
		store: store,
		log:   log.WithComponent("audit"),
		now:   time.Now,
	}
}

// Record masks and appends entry. On failure the entry is written to the
// operational log at error level and the error is returned; callers do not
// roll back the action being audited.
func (r *AuditRecorder) Record(ctx context.Context, entry *model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = generateID("aud")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	// Postgres keeps microseconds; the hash must survive the round trip.
	entry.Timestamp = entry.Timestamp.UTC().Truncate(time.Microsecond)

	var err error
	if entry.Before, err = maskAuditFields(entry.Before); err != nil {
		return err
	}
	if entry.After, err = maskAuditFields(entry.After); err != nil {
		return err
	}

	if err := r.store.Append(ctx, entry); err != nil {
		r.log.AuditLog(entry.Actor, entry.Action, entry.Target, false, map[string]interface{}{
			"id":         entry.ID,
			"tenant_id":  entry.TenantID,
			"before":     entry.Before,
			"after":      entry.After,
			"ip_address": entry.IPAddress,
			"user_agent": entry.UserAgent,
			"timestamp":  entry.Timestamp,
			"error":      err.Error(),
		})
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	r.log.AuditLog(entry.Actor, entry.Action, entry.Target, true, nil)
	return nil
}

// record is the fire-and-forget form used by services
func (r *AuditRecorder) record(ctx context.Context, meta RequestMeta, action, target string, before, after map[string]interface{}) {
	_ = r.Record(ctx, &model.AuditEntry{
		Actor:     meta.Actor,
		Action:    action,
		Target:    target,
		TenantID:  meta.TenantID,
		Before:    before,
		After:     after,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
}

// ChainReport is the result of walking the audit log
type ChainReport struct {
	Entries  int64  `json:"entries"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain walks the log in order and reports the first entry whose
// link or hash does not match
func (r *AuditRecorder) VerifyChain(ctx context.Context) (*ChainReport, error) {
	report := &ChainReport{Valid: true}
	var (
		afterSeq int64
		prevHash string
	)
	for {
		entries, err := r.store.List(ctx, afterSeq, auditPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read audit log: %w", err)
		}
		for _, e := range entries {
			report.Entries++
			if e.PrevHash != prevHash {
				return broken(report, e.Seq, "previous hash does not match"), nil
			}
			sum, err := e.ChainHash(e.PrevHash)
			if err != nil {
				return nil, err
			}
			if sum != e.Hash {
				return broken(report, e.Seq, "entry hash does not match contents"), nil
			}
			prevHash = e.Hash
			afterSeq = e.Seq
		}
		if len(entries) < auditPageSize {
			return report, nil
		}
	}
}

func broken(report *ChainReport, seq int64, reason string) *ChainReport {
	report.Valid = false
	report.BrokenAt = seq
	report.Reason = reason
	return report
}

// maskAuditFields replaces secret-bearing values and normalizes the map to
// its JSON form, which is what the store returns on read
func maskAuditFields(fields map[string]interface{}) (map[string]interface{}, error) {
	if fields == nil {
		return nil, nil
	}
	masked := maskMap(fields)

	b, err := json.Marshal(masked)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit fields: %w", err)
	}
	var normalized map[string]interface{}
	if err := json.Unmarshal(b, &normalized); err != nil {
		return nil, fmt.Errorf("failed to normalize audit fields: %w", err)
	}
	return normalized, nil
}

func maskMap(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		name := strings.ToLower(k)
		switch {
		case hiddenAuditFields[name]:
			out[k] = "***"
		case previewAuditFields[name] || strings.HasSuffix(name, "_secret") || strings.HasSuffix(name, "_token"):
			out[k] = previewValue(v)
		default:
			if nested, ok := v.(map[string]interface{}); ok {
				out[k] = maskMap(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

func previewValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return auth.Mask(val)
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = auth.Mask(s)
		}
		return out
	case nil:
		return nil
	default:
		return "***"
	}
}
