package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
)

func openSheet(id string) domain.DaySheet {
	return domain.DaySheet{
		ID:       id,
		BranchID: "br_main",
		Date:     "2026-03-02",
		Status:   domain.DaySheetStatusOpen,
		OpenedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
}

func TestAtomicRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomic(ctx, func(q store.Queries) error {
		require.NoError(t, q.CreateDaySheet(ctx, openSheet("ds_1")))
		require.NoError(t, q.IncrementDaySheetTotals(ctx, "ds_1", 1, decimal.NewFromInt(20)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.View(ctx, func(q store.Queries) error {
		_, err := q.GetDaySheet(ctx, "ds_1")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestViewRejectsWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.View(ctx, func(q store.Queries) error {
		return q.CreateDaySheet(ctx, openSheet("ds_1"))
	})
	assert.ErrorIs(t, err, store.ErrReadOnly)
}

func TestOneOpenDaySheetPerBranchDate(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Atomic(ctx, func(q store.Queries) error {
		return q.CreateDaySheet(ctx, openSheet("ds_1"))
	}))
	err := s.Atomic(ctx, func(q store.Queries) error {
		return q.CreateDaySheet(ctx, openSheet("ds_2"))
	})
	require.ErrorIs(t, err, store.ErrConflict)

	// a closed sheet for the same date does not block a new open one
	require.NoError(t, s.Atomic(ctx, func(q store.Queries) error {
		sheet, err := q.LockDaySheet(ctx, "ds_1")
		if err != nil {
			return err
		}
		sheet.Status = domain.DaySheetStatusBranchClosed
		if err := q.UpdateDaySheet(ctx, sheet); err != nil {
			return err
		}
		return q.CreateDaySheet(ctx, openSheet("ds_2"))
	}))

	require.NoError(t, s.View(ctx, func(q store.Queries) error {
		sheet, err := q.LockOpenDaySheet(ctx, "br_main", "2026-03-02")
		require.NoError(t, err)
		assert.Equal(t, "ds_2", sheet.ID)
		return nil
	}))
}

func TestUpdateDaySheetKeepsCounters(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Atomic(ctx, func(q store.Queries) error {
		if err := q.CreateDaySheet(ctx, openSheet("ds_1")); err != nil {
			return err
		}
		if err := q.IncrementDaySheetTotals(ctx, "ds_1", 2, decimal.RequireFromString("35.50")); err != nil {
			return err
		}
		stale := openSheet("ds_1")
		stale.Locked = true
		return q.UpdateDaySheet(ctx, stale)
	}))

	require.NoError(t, s.View(ctx, func(q store.Queries) error {
		sheet, err := q.GetDaySheet(ctx, "ds_1")
		require.NoError(t, err)
		assert.True(t, sheet.Locked)
		assert.Equal(t, 2, sheet.TotalJobs)
		assert.Equal(t, "35.50", sheet.TotalAmount.StringFixed(2))
		return nil
	}))
}

func TestClaimShadowEventsHonoursLeaseAndBackoff(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Atomic(ctx, func(q store.Queries) error {
		if err := q.CreateShadowEvent(ctx, domain.ShadowEvent{ID: "ev_1", EventType: "job.created", NextAttemptAt: now}); err != nil {
			return err
		}
		return q.CreateShadowEvent(ctx, domain.ShadowEvent{ID: "ev_2", EventType: "job.created", NextAttemptAt: now.Add(time.Minute)})
	}))

	claimed, err := s.ClaimShadowEvents(ctx, "worker-a", 10, now, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "ev_1", claimed[0].ID)
	assert.Equal(t, "worker-a", claimed[0].LockedBy)

	again, err := s.ClaimShadowEvents(ctx, "worker-b", 10, now.Add(10*time.Second), 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, again)

	// lease expired, ev_2 due
	later, err := s.ClaimShadowEvents(ctx, "worker-b", 10, now.Add(2*time.Minute), 30*time.Second)
	require.NoError(t, err)
	assert.Len(t, later, 2)

	require.NoError(t, s.MarkShadowDelivered(ctx, "ev_1", now, domain.DeliveryReceipt{ReceivedAt: now, ProcessedAt: now}))
	require.NoError(t, s.MarkShadowDead(ctx, "ev_2", "rejected", now))

	pending, err := s.ListShadowEvents(ctx, true, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := s.ListShadowEvents(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Attempts)
	assert.Equal(t, "rejected", all[1].LastError)
}

func TestUsersAreCaseInsensitiveAndUnique(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, domain.UserAccount{Username: " Rina ", Role: domain.RoleAttendant, Active: true}))
	assert.ErrorIs(t, s.CreateUser(ctx, domain.UserAccount{Username: "rina"}), store.ErrConflict)

	user, err := s.GetUser(ctx, "RINA")
	require.NoError(t, err)
	assert.Equal(t, "rina", user.Username)

	require.NoError(t, s.UpdateUserPassword(ctx, "rina", "hashed"))
	assert.ErrorIs(t, s.UpdateUserPassword(ctx, "nobody", "x"), store.ErrNotFound)
}

func TestNewSeededHasCatalogAndUsers(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	branch, services, _ := DemoCatalog()

	require.NoError(t, s.View(ctx, func(q store.Queries) error {
		_, err := q.GetBranch(ctx, branch.ID)
		require.NoError(t, err)
		for _, serviceType := range services {
			_, err := q.GetServiceType(ctx, serviceType.ID)
			require.NoError(t, err)
		}
		return nil
	}))

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 3)
}
