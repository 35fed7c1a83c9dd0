package repository

import (
	"context"
	"fmt"

	"github.com/paydash/authcore/internal/database"
	"github.com/paydash/authcore/internal/model"
)

const challengeKeyPrefix = "stepup:challenge:"

// ChallengeRepository stores pending step-up challenges in Redis. Entries
// expire with the challenge, so no sweeper is needed.
type ChallengeRepository struct {
	rdb *database.Redis
}

// NewChallengeRepository creates a new ChallengeRepository
func NewChallengeRepository(rdb *database.Redis) *ChallengeRepository {
	return &ChallengeRepository{rdb: rdb}
}

// Save stores a new challenge until its ExpiresAt
func (r *ChallengeRepository) Save(ctx context.Context, ch *model.StepUpChallenge) error {
	ttl := ch.ExpiresAt.Sub(ch.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("%w: challenge already expired", ErrInvalidInput)
	}
	if err := r.rdb.SetJSON(ctx, challengeKeyPrefix+ch.Token, ch, ttl); err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

// Get retrieves a challenge by token
func (r *ChallengeRepository) Get(ctx context.Context, token string) (*model.StepUpChallenge, error) {
	var ch model.StepUpChallenge
	found, err := r.rdb.GetJSON(ctx, challengeKeyPrefix+token, &ch)
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &ch, nil
}

// Update rewrites an existing challenge and keeps its remaining TTL
func (r *ChallengeRepository) Update(ctx context.Context, ch *model.StepUpChallenge) error {
	ok, err := r.rdb.ReplaceJSON(ctx, challengeKeyPrefix+ch.Token, ch)
	if err != nil {
		return fmt.Errorf("failed to update challenge: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Delete removes a challenge. It returns ErrNotFound when another request
// already consumed it.
func (r *ChallengeRepository) Delete(ctx context.Context, token string) error {
	deleted, err := r.rdb.DeleteKey(ctx, challengeKeyPrefix+token)
	if err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}
