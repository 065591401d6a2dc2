package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/service"
	"pressdesk/backend/internal/store"
	"pressdesk/backend/internal/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type nopPINs struct{}

func (nopPINs) VerifyPIN(context.Context, string, string) bool { return false }

func setup(t *testing.T) (*memory.Store, *service.Service, *clock, context.Context) {
	t.Helper()
	repo := memory.New()
	repo.PutBranch(domain.Branch{ID: "branch-1", Name: "Osu", TimezoneName: "Africa/Accra", Active: true})
	repo.PutServiceType(domain.ServiceType{ID: "svc-lam", Code: "LAMINATION", Name: "Lamination", Price: decimal.RequireFromString("20.00"), IsPriced: true, Active: true})

	clk := &clock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	svc := service.New(repo, nopPINs{}, nil, service.Settings{Clock: clk.Now})
	ctx := service.WithActor(context.Background(), domain.Actor{Username: "ama", Role: domain.RoleAttendant, BranchID: "branch-1"})
	return repo, svc, clk, ctx
}

func TestSweepClosesStaleShiftAndPastDaySheet(t *testing.T) {
	repo, svc, clk, ctx := setup(t)

	shift, err := svc.StartShift(ctx, domain.ShiftStartRequest{BranchID: "branch-1"})
	require.NoError(t, err)
	_, err = svc.CreateInstantJob(ctx, domain.InstantJobRequest{BranchID: "branch-1", ServiceID: "svc-lam", PaymentType: "cash"})
	require.NoError(t, err)

	sweeper := New(repo, svc, NewLocalLocker(), Options{Clock: clk.Now})

	clk.Advance(time.Hour)
	result, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)

	clk.Advance(16 * time.Hour)
	result, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{ShiftsClosed: 1, DaySheetsClosed: 1}, result)

	err = repo.View(context.Background(), func(q store.Queries) error {
		gotShift, err := q.GetShift(context.Background(), shift.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ShiftStatusAutoClosed, gotShift.Status)

		sheet, err := q.GetDaySheet(context.Background(), shift.DaySheetID)
		require.NoError(t, err)
		assert.Equal(t, domain.DaySheetStatusAutoClosed, sheet.Status)
		require.NotNil(t, sheet.Meta.FinalAggregation)
		assert.Equal(t, "20.00", sheet.Meta.FinalAggregation.Net.StringFixed(2))
		return nil
	})
	require.NoError(t, err)

	result, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
}

func TestSweepLeavesTodaysDaySheetOpen(t *testing.T) {
	repo, svc, clk, ctx := setup(t)

	sheet, _, err := svc.GetOrCreateDaySheet(ctx, "branch-1")
	require.NoError(t, err)

	clk.Advance(10 * time.Hour)
	result, err := New(repo, svc, nil, Options{Clock: clk.Now}).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.DaySheetsClosed)

	err = repo.View(context.Background(), func(q store.Queries) error {
		got, err := q.GetDaySheet(context.Background(), sheet.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DaySheetStatusOpen, got.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	repo, svc, clk, _ := setup(t)
	locker := NewLocalLocker()

	lease, err := locker.Obtain(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)

	result, err := New(repo, svc, locker, Options{Clock: clk.Now}).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	require.NoError(t, lease.Release(context.Background()))
	result, err = New(repo, svc, locker, Options{Clock: clk.Now}).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Skipped)
}

func TestLocalLockerExpires(t *testing.T) {
	locker := NewLocalLocker()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }

	_, err := locker.Obtain(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	_, err = locker.Obtain(context.Background(), "k", time.Minute)
	assert.ErrorIs(t, err, ErrNotObtained)

	now = now.Add(2 * time.Minute)
	_, err = locker.Obtain(context.Background(), "k", time.Minute)
	assert.NoError(t, err)
}
