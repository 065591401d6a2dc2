package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
	"pressdesk/backend/internal/store/memory"
)

type flakyClient struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func (c *flakyClient) Deliver(_ context.Context, ev domain.ShadowEvent) (domain.DeliveryReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[ev.ID]++
	if c.failures[ev.ID] > 0 {
		c.failures[ev.ID]--
		return domain.DeliveryReceipt{}, errors.New("hq unavailable")
	}
	at := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	return domain.DeliveryReceipt{ReceivedAt: at, ProcessedAt: at}, nil
}

func seedEvents(t *testing.T, repo *memory.Store, now time.Time, ids ...string) {
	t.Helper()
	err := repo.Atomic(context.Background(), func(q store.Queries) error {
		for _, id := range ids {
			if err := q.CreateShadowEvent(context.Background(), domain.ShadowEvent{
				ID:            id,
				EventType:     domain.EventShiftClosed,
				BranchID:      "branch-1",
				Payload:       map[string]any{"shift_id": "shift_1"},
				Timestamp:     now,
				NextAttemptAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func eventByID(t *testing.T, repo *memory.Store, id string) domain.ShadowEvent {
	t.Helper()
	events, err := repo.ListShadowEvents(context.Background(), false, 100)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.ID == id {
			return ev
		}
	}
	t.Fatalf("event %s not found", id)
	return domain.ShadowEvent{}
}

func TestRelayDeliversAndRetries(t *testing.T) {
	now := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	repo := memory.New()
	seedEvents(t, repo, now, "evt_ok", "evt_flaky")

	client := &flakyClient{failures: map[string]int{"evt_flaky": 1}}
	relay := NewRelay(repo, client, Options{Clock: clock, InitialBackoff: 5 * time.Second})

	result, err := relay.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 2, Delivered: 1, Retrying: 1}, result)

	ok := eventByID(t, repo, "evt_ok")
	require.NotNil(t, ok.SentAt)
	require.NotNil(t, ok.ReceivedAt)
	assert.Equal(t, 1, ok.Attempts)
	assert.Nil(t, ok.LockedAt)

	flaky := eventByID(t, repo, "evt_flaky")
	assert.Nil(t, flaky.SentAt)
	assert.Equal(t, 1, flaky.Attempts)
	assert.Equal(t, "hq unavailable", flaky.LastError)
	assert.Equal(t, now.Add(5*time.Second), flaky.NextAttemptAt)

	result, err = relay.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)

	now = now.Add(6 * time.Second)
	result, err = relay.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 1, Delivered: 1}, result)
	assert.NotNil(t, eventByID(t, repo, "evt_flaky").SentAt)

	pending, err := repo.ListShadowEvents(context.Background(), true, 100)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelayParksEventAfterMaxAttempts(t *testing.T) {
	now := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	repo := memory.New()
	seedEvents(t, repo, now, "evt_poison")

	client := &flakyClient{failures: map[string]int{"evt_poison": 100}}
	relay := NewRelay(repo, client, Options{Clock: clock, MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Second})

	for range 3 {
		_, err := relay.ProcessOnce(context.Background())
		require.NoError(t, err)
		now = now.Add(2 * time.Second)
	}

	ev := eventByID(t, repo, "evt_poison")
	require.NotNil(t, ev.DeadAt)
	assert.Equal(t, 3, ev.Attempts)
	assert.Contains(t, ev.LastError, "max delivery attempts exceeded (3)")

	result, err := relay.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)
	assert.Equal(t, 3, client.calls["evt_poison"])
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	repo := memory.New()
	relay := NewRelay(repo, &flakyClient{}, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 5 * time.Second},
		{attempt: 2, want: 10 * time.Second},
		{attempt: 4, want: 40 * time.Second},
		{attempt: 30, want: 10 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(5*time.Second, 10*time.Minute, tt.attempt), "attempt %d", tt.attempt)
	}
}
