package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paydash/authcore/internal/auth"
	"github.com/paydash/authcore/internal/config"
	"github.com/paydash/authcore/internal/logger"
	"github.com/paydash/authcore/internal/model"
	"github.com/paydash/authcore/internal/repository"
)

// MFAService handles TOTP enrollment, verification and backup codes
type MFAService struct {
	store           MFAStore
	totp            *auth.TOTP
	audit           *AuditRecorder
	backupCodeCount int
	log             *logger.Logger
	now             func() time.Time
}

// NewMFAService creates a new MFAService
func NewMFAService(store MFAStore, audit *AuditRecorder, cfg *config.Config, log *logger.Logger) *MFAService {
	t := cfg.MFA.TOTP
	return &MFAService{
		store:           store,
		totp:            auth.NewTOTP(t.Issuer, t.Digits, t.Period, t.Skew),
		audit:           audit,
		backupCodeCount: t.BackupCodeCount,
		log:             log.WithComponent("mfa_service"),
		now:             time.Now,
	}
}

// Profile returns the MFA profile of a user, or nil when none exists
func (s *MFAService) Profile(ctx context.Context, userID string) (*model.MFAProfile, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get MFA profile: %w", err)
	}
	return p, nil
}

// Status summarizes the MFA configuration of a user
func (s *MFAService) Status(ctx context.Context, userID string) (*model.MFAStatusResponse, error) {
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	resp := &model.MFAStatusResponse{
		Enabled: p.IsEnabled(),
		Pending: p.HasSecret() && !p.IsEnabled(),
	}
	if p != nil {
		resp.LastVerifiedAt = p.LastVerifiedAt
	}
	if resp.Enabled {
		count, err := s.store.CountBackupCodes(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to count backup codes: %w", err)
		}
		resp.BackupCodesRemaining = count
	}
	return resp, nil
}

// --- Enrollment ---

// Enroll provisions a new TOTP secret. The profile stays disabled until
// Confirm succeeds; enrolling again before then replaces the secret.
func (s *MFAService) Enroll(ctx context.Context, meta RequestMeta, userID, account string) (*model.MFAEnrollResponse, error) {
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.IsEnabled() {
		return nil, ErrMFAAlreadyEnrolled
	}

	key, err := s.totp.GenerateSecret(account)
	if err != nil {
		return nil, err
	}
	secret := key.Secret()

	err = s.store.SavePendingSecret(ctx, userID, secret, s.now())
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, ErrMFAAlreadyEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store TOTP secret: %w", err)
	}

	uri, err := s.totp.EnrollmentURI(secret, account, s.totp.Issuer())
	if err != nil {
		return nil, err
	}
	qr, err := auth.QRCode(uri)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to render enrollment QR code")
	}

	s.audit.record(ctx, meta, model.AuditActionMFAEnrollStarted, userID, nil, map[string]interface{}{
		"method": model.MFAMethodTOTP,
	})

	return &model.MFAEnrollResponse{
		Secret:    secret,
		URI:       uri,
		QRCode:    qr,
		Issuer:    s.totp.Issuer(),
		AccountID: account,
	}, nil
}

// Confirm enables MFA once the user proves possession of the pending
// secret and returns the first set of backup codes
func (s *MFAService) Confirm(ctx context.Context, meta RequestMeta, userID, code string) (*model.BackupCodesResponse, error) {
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !p.HasSecret() {
		return nil, ErrMFANotEnrolled
	}
	if p.Enabled {
		return nil, ErrMFAAlreadyEnrolled
	}

	now := s.now()
	ok, err := s.totp.Verify(p.TOTPSecret, code, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.audit.record(ctx, meta, model.AuditActionMFAVerifyFailed, userID, nil, map[string]interface{}{
			"method": model.MFAMethodTOTP,
			"stage":  "confirm",
		})
		return nil, ErrMFAInvalidCode
	}

	codes, hashes, err := s.newBackupCodes(userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Enable(ctx, userID, hashes, now); err != nil {
		return nil, fmt.Errorf("failed to enable MFA: %w", err)
	}

	s.audit.record(ctx, meta, model.AuditActionMFAEnabled, userID,
		map[string]interface{}{"enabled": false},
		map[string]interface{}{"enabled": true, "backup_codes": codes},
	)

	s.log.Info().Str("user_id", userID).Msg("MFA enabled")
	return &model.BackupCodesResponse{Codes: codes, Count: len(codes)}, nil
}

// --- Verification ---

// Verify checks a code with the given method and, on success, refreshes
// the user's step-up recency
func (s *MFAService) Verify(ctx context.Context, meta RequestMeta, userID string, method model.MFAMethodType, code string) error {
	switch method {
	case model.MFAMethodTOTP, "":
		return s.VerifyTOTP(ctx, meta, userID, code)
	case model.MFAMethodBackupCode:
		return s.VerifyBackupCode(ctx, meta, userID, code)
	default:
		return fmt.Errorf("%w: unknown MFA method %q", ErrInvalidInput, method)
	}
}

// VerifyTOTP checks a TOTP code against the current and adjacent steps
func (s *MFAService) VerifyTOTP(ctx context.Context, meta RequestMeta, userID, code string) error {
	p, err := s.enabledProfile(ctx, userID)
	if err != nil {
		return err
	}

	now := s.now()
	ok, err := s.totp.Verify(p.TOTPSecret, code, now)
	if err != nil {
		return err
	}
	if !ok {
		s.audit.record(ctx, meta, model.AuditActionMFAVerifyFailed, userID, nil, map[string]interface{}{
			"method": model.MFAMethodTOTP,
		})
		return ErrMFAInvalidCode
	}

	if err := s.store.TouchLastVerified(ctx, userID, now); err != nil {
		return fmt.Errorf("failed to record MFA verification: %w", err)
	}
	s.audit.record(ctx, meta, model.AuditActionMFAVerified, userID, nil, map[string]interface{}{
		"method": model.MFAMethodTOTP,
	})
	return nil
}

// VerifyBackupCode consumes a backup code. Each code succeeds at most once.
func (s *MFAService) VerifyBackupCode(ctx context.Context, meta RequestMeta, userID, code string) error {
	if _, err := s.enabledProfile(ctx, userID); err != nil {
		return err
	}

	consumed, err := s.store.ConsumeBackupCode(ctx, userID, auth.HashBackupCode(userID, code))
	if err != nil {
		return fmt.Errorf("failed to consume backup code: %w", err)
	}
	if !consumed {
		s.audit.record(ctx, meta, model.AuditActionMFAVerifyFailed, userID, nil, map[string]interface{}{
			"method": model.MFAMethodBackupCode,
		})
		return ErrMFAInvalidCode
	}

	now := s.now()
	if err := s.store.TouchLastVerified(ctx, userID, now); err != nil {
		return fmt.Errorf("failed to record MFA verification: %w", err)
	}

	after := map[string]interface{}{"method": model.MFAMethodBackupCode}
	if remaining, err := s.store.CountBackupCodes(ctx, userID); err == nil {
		after["remaining"] = remaining
		if remaining == 0 {
			s.log.Warn().Str("user_id", userID).Msg("user has no backup codes left")
		}
	}
	s.audit.record(ctx, meta, model.AuditActionMFABackupCodeUsed, userID, nil, after)
	return nil
}

// --- Management ---

// RegenerateBackupCodes replaces every backup code of the user
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, meta RequestMeta, userID string) (*model.BackupCodesResponse, error) {
	if _, err := s.enabledProfile(ctx, userID); err != nil {
		return nil, err
	}

	codes, err := s.replaceBackupCodes(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}

	s.audit.record(ctx, meta, model.AuditActionMFABackupCodesGen, userID, nil, map[string]interface{}{
		"count":        len(codes),
		"backup_codes": codes,
	})
	return &model.BackupCodesResponse{Codes: codes, Count: len(codes)}, nil
}

// Disable removes the TOTP secret and backup codes of the user
func (s *MFAService) Disable(ctx context.Context, meta RequestMeta, userID string) error {
	if _, err := s.enabledProfile(ctx, userID); err != nil {
		return err
	}

	if err := s.store.Disable(ctx, userID, s.now()); err != nil {
		return fmt.Errorf("failed to disable MFA: %w", err)
	}

	s.audit.record(ctx, meta, model.AuditActionMFADisabled, userID,
		map[string]interface{}{"enabled": true},
		map[string]interface{}{"enabled": false},
	)
	s.log.Info().Str("user_id", userID).Msg("MFA disabled")
	return nil
}

func (s *MFAService) enabledProfile(ctx context.Context, userID string) (*model.MFAProfile, error) {
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !p.IsEnabled() {
		return nil, ErrMFANotEnrolled
	}
	return p, nil
}

func (s *MFAService) newBackupCodes(userID string) ([]string, []string, error) {
	codes, err := auth.GenerateBackupCodes(s.backupCodeCount)
	if err != nil {
		return nil, nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = auth.HashBackupCode(userID, c)
	}
	return codes, hashes, nil
}

func (s *MFAService) replaceBackupCodes(ctx context.Context, userID string, now time.Time) ([]string, error) {
	codes, hashes, err := s.newBackupCodes(userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.ReplaceBackupCodes(ctx, userID, hashes, now); err != nil {
		return nil, fmt.Errorf("failed to store backup codes: %w", err)
	}
	return codes, nil
}
