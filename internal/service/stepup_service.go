package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paydash/authcore/internal/config"
	"github.com/paydash/authcore/internal/logger"
	"github.com/paydash/authcore/internal/model"
	"github.com/paydash/authcore/internal/repository"
)

// StepUpState is the outcome of the step-up policy
type StepUpState string

const (
	StepUpNotNeeded      StepUpState = "NO_CHALLENGE_NEEDED"
	StepUpVerifiedRecent StepUpState = "VERIFIED_RECENT"
	StepUpRequired       StepUpState = "CHALLENGE_REQUIRED"
)

// Allowed reports whether the sensitive action may proceed
func (s StepUpState) Allowed() bool {
	return s == StepUpNotNeeded || s == StepUpVerifiedRecent
}

// StepUpPolicy decides whether a sensitive action needs a fresh MFA check
type StepUpPolicy struct {
	Window time.Duration
}

// Evaluate is a pure function of the profile, the admin tier and now.
// Super admins without MFA are refused outright.
func (p StepUpPolicy) Evaluate(profile *model.MFAProfile, superAdmin bool, now time.Time) (StepUpState, error) {
	if !profile.IsEnabled() {
		if superAdmin {
			return "", ErrSuperAdminMFARequired
		}
		return StepUpNotNeeded, nil
	}
	if profile.LastVerifiedAt != nil && now.Sub(*profile.LastVerifiedAt) < p.Window {
		return StepUpVerifiedRecent, nil
	}
	return StepUpRequired, nil
}

// StepUpRequest is one attempt at a sensitive action
type StepUpRequest struct {
	UserID         string
	SuperAdmin     bool
	Action         string
	ParamsDigest   string
	ChallengeToken string
	Meta           RequestMeta
}

// StepUpDecision is returned by Authorize. Challenge is set when the state
// is StepUpRequired.
type StepUpDecision struct {
	State     StepUpState            `json:"state"`
	Challenge *model.StepUpChallenge `json:"challenge,omitempty"`
}

// StepUpService applies the step-up policy and manages challenges
type StepUpService struct {
	policy       StepUpPolicy
	mfa          *MFAService
	challenges   ChallengeStore
	audit        *AuditRecorder
	challengeTTL time.Duration
	log          *logger.Logger
	now          func() time.Time
}

// NewStepUpService creates a new StepUpService
func NewStepUpService(mfa *MFAService, challenges ChallengeStore, audit *AuditRecorder, cfg *config.Config, log *logger.Logger) *StepUpService {
	return &StepUpService{
		policy:       StepUpPolicy{Window: cfg.StepUp.Window},
		mfa:          mfa,
		challenges:   challenges,
		audit:        audit,
		challengeTTL: cfg.StepUp.ChallengeTTL,
		log:          log.WithComponent("stepup_service"),
		now:          time.Now,
	}
}

// Authorize evaluates the policy for one sensitive action and writes
// exactly one audit entry for the decision. A required challenge is
// returned together with ErrChallengeRequired.
func (s *StepUpService) Authorize(ctx context.Context, req StepUpRequest) (*StepUpDecision, error) {
	profile, err := s.mfa.Profile(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	state, err := s.policy.Evaluate(profile, req.SuperAdmin, now)
	if err != nil {
		s.audit.record(ctx, req.Meta, model.AuditActionStepUpDenied, req.UserID, nil, map[string]interface{}{
			"action": req.Action,
			"reason": err.Error(),
		})
		return nil, err
	}

	if state.Allowed() {
		after := map[string]interface{}{
			"action": req.Action,
			"state":  state,
		}
		if req.ChallengeToken != "" {
			after["challenge_consumed"] = s.consumeChallenge(ctx, req)
		}
		s.audit.record(ctx, req.Meta, model.AuditActionStepUpAllowed, req.UserID, nil, after)
		return &StepUpDecision{State: state}, nil
	}

	ch, err := s.newChallenge(req, now)
	if err != nil {
		return nil, err
	}
	if err := s.challenges.Save(ctx, ch); err != nil {
		return nil, fmt.Errorf("failed to store step-up challenge: %w", err)
	}

	s.audit.record(ctx, req.Meta, model.AuditActionStepUpChallenge, req.UserID, nil, map[string]interface{}{
		"action":          req.Action,
		"challenge_token": ch.Token,
		"expiresAt":       ch.ExpiresAt,
	})
	return &StepUpDecision{State: state, Challenge: ch}, ErrChallengeRequired
}

// VerifyChallenge answers a pending challenge with a TOTP or backup code.
// Success refreshes the user's recency, so re-submitting the original
// request within the window is allowed. Every attempt is audited.
func (s *StepUpService) VerifyChallenge(ctx context.Context, meta RequestMeta, userID, token string, method model.MFAMethodType, code string) (*model.StepUpChallenge, error) {
	attempt := map[string]interface{}{
		"challenge_token": token,
		"method":          method,
	}

	ch, err := s.challenges.Get(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		s.verifyFailed(ctx, meta, userID, attempt, "challenge_not_found")
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		s.verifyFailed(ctx, meta, userID, attempt, "store_error")
		return nil, fmt.Errorf("failed to get step-up challenge: %w", err)
	}
	attempt["action"] = ch.Action

	now := s.now()
	switch {
	case ch.UserID != userID:
		s.verifyFailed(ctx, meta, userID, attempt, "challenge_owner_mismatch")
		return nil, ErrChallengeNotFound
	case !now.Before(ch.ExpiresAt):
		s.verifyFailed(ctx, meta, userID, attempt, "challenge_expired")
		return nil, ErrChallengeNotFound
	}

	if err := s.mfa.Verify(ctx, meta, userID, method, code); err != nil {
		s.verifyFailed(ctx, meta, userID, attempt, verifyFailureReason(err))
		return nil, err
	}

	ch.VerifiedAt = &now
	if err := s.challenges.Update(ctx, ch); err != nil {
		// Recency is already refreshed; the challenge is only bookkeeping.
		s.log.Warn().Err(err).Str("user_id", userID).Msg("failed to mark step-up challenge verified")
	}

	s.audit.record(ctx, meta, model.AuditActionStepUpVerified, userID, nil, attempt)
	return ch, nil
}

func (s *StepUpService) verifyFailed(ctx context.Context, meta RequestMeta, userID string, attempt map[string]interface{}, reason string) {
	after := make(map[string]interface{}, len(attempt)+1)
	for k, v := range attempt {
		after[k] = v
	}
	after["reason"] = reason
	s.audit.record(ctx, meta, model.AuditActionStepUpFailed, userID, nil, after)
}

func verifyFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrMFAInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrMFANotEnrolled):
		return "mfa_not_enrolled"
	case errors.Is(err, ErrInvalidInput):
		return "unknown_method"
	default:
		return "error"
	}
}

// consumeChallenge deletes the challenge sent with a re-submission when it
// belongs to the same user, action and parameters
func (s *StepUpService) consumeChallenge(ctx context.Context, req StepUpRequest) bool {
	ch, err := s.challenges.Get(ctx, req.ChallengeToken)
	if err != nil {
		return false
	}
	if ch.UserID != req.UserID || ch.Action != req.Action || ch.ParamsDigest != req.ParamsDigest || ch.VerifiedAt == nil {
		return false
	}
	if err := s.challenges.Delete(ctx, ch.Token); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.log.Warn().Err(err).Msg("failed to delete consumed step-up challenge")
		}
		return false
	}
	return true
}

func (s *StepUpService) newChallenge(req StepUpRequest, now time.Time) (*model.StepUpChallenge, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate challenge token: %w", err)
	}
	return &model.StepUpChallenge{
		Token:        "suc_" + base64.RawURLEncoding.EncodeToString(b),
		UserID:       req.UserID,
		Action:       req.Action,
		ParamsDigest: req.ParamsDigest,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.challengeTTL),
	}, nil
}

// DigestParams returns a stable digest of the parameters of a sensitive
// action, binding a challenge to the request that triggered it
func DigestParams(params interface{}) string {
	b, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
