package cache

import (
	"context"
	"time"

	"ledgerpos/backend/internal/domain"
)

// AppliedMutationCache remembers recently applied client mutations so a
// redelivered mutation can be answered without touching the database.
type AppliedMutationCache interface {
	Get(ctx context.Context, userID string, clientMutationID string) (*domain.AppliedMutation, bool, error)
	Set(ctx context.Context, applied domain.AppliedMutation, ttl time.Duration) error
}

type NoopAppliedMutationCache struct{}

func (NoopAppliedMutationCache) Get(_ context.Context, _ string, _ string) (*domain.AppliedMutation, bool, error) {
	return nil, false, nil
}

func (NoopAppliedMutationCache) Set(_ context.Context, _ domain.AppliedMutation, _ time.Duration) error {
	return nil
}

func appliedKey(userID string, clientMutationID string) string {
	return "ledgerpos:applied:" + userID + ":" + clientMutationID
}
