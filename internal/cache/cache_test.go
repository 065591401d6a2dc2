package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressdesk/backend/internal/domain"
)

func TestNoopQueueCacheAlwaysMisses(t *testing.T) {
	var c QueueCache = NoopQueueCache{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "branch-1", &domain.QueueSummary{BranchID: "branch-1"}, time.Minute))
	got, ok, err := c.Get(ctx, "branch-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.NoError(t, c.Invalidate(ctx, "branch-1"))
}

func TestQueueKeyIsNamespacedPerBranch(t *testing.T) {
	assert.Equal(t, "pressdesk:queue:branch-1", queueKey("branch-1"))
	assert.NotEqual(t, queueKey("a"), queueKey("b"))
}
