package service

import (
	"errors"
	"fmt"
	"time"
)

// Credential verification errors. ErrCredentialExpired is kept distinct
// internally but rendered like ErrInvalidCredential to callers.
var (
	ErrInvalidCredential  = errors.New("invalid credentials")
	ErrCredentialExpired  = errors.New("credential has expired")
	ErrTenantMismatch     = errors.New("credential does not belong to tenant")
	ErrIPNotAllowed       = errors.New("client address is not allowed for credential")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrInsufficientScope  = errors.New("credential scope does not allow endpoint")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrInvalidInput       = errors.New("invalid input")
)

// MFA and step-up errors
var (
	ErrMFANotEnrolled        = errors.New("MFA not enrolled")
	ErrMFAAlreadyEnrolled    = errors.New("MFA already enrolled")
	ErrMFAInvalidCode        = errors.New("invalid MFA code")
	ErrChallengeRequired     = errors.New("step-up verification required")
	ErrSuperAdminMFARequired = errors.New("super admins must enable MFA before sensitive actions")
	ErrChallengeNotFound     = errors.New("step-up challenge not found or expired")
)

// RateLimitError reports which bucket denied the request and when it resets
type RateLimitError struct {
	Identifier string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s", e.Identifier)
}

// Is makes errors.Is(err, ErrRateLimited) hold
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
