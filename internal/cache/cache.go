package cache

import (
	"context"
	"time"

	"pressdesk/backend/internal/domain"
)

// QueueCache stores the rendered queue summary of a branch. Entries are
// short-lived and dropped on every job transition.
type QueueCache interface {
	Get(ctx context.Context, branchID string) (*domain.QueueSummary, bool, error)
	Set(ctx context.Context, branchID string, value *domain.QueueSummary, ttl time.Duration) error
	Invalidate(ctx context.Context, branchID string) error
}

type NoopQueueCache struct{}

func (NoopQueueCache) Get(_ context.Context, _ string) (*domain.QueueSummary, bool, error) {
	return nil, false, nil
}

func (NoopQueueCache) Set(_ context.Context, _ string, _ *domain.QueueSummary, _ time.Duration) error {
	return nil
}

func (NoopQueueCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

func queueKey(branchID string) string {
	return "pressdesk:queue:" + branchID
}
