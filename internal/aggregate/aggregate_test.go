package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
	"pressdesk/backend/internal/store/memory"
)

var base = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fixedNow() time.Time {
	return base.Add(10 * time.Hour)
}

func seed(t *testing.T, shifts []domain.DaySheetShift, jobs []domain.Job) *memory.Store {
	t.Helper()
	repo := memory.New()
	err := repo.Atomic(context.Background(), func(q store.Queries) error {
		for _, shift := range shifts {
			if err := q.CreateShift(context.Background(), shift); err != nil {
				return err
			}
		}
		for _, job := range jobs {
			if err := q.CreateJob(context.Background(), job); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return repo
}

func job(id, user string, at time.Time, unit string, qty int, deposit string, payment string) domain.Job {
	unitPrice := money(unit)
	dep := money(deposit)
	return domain.Job{
		ID:            id,
		BranchID:      "b1",
		ServiceID:     "svc",
		DaySheetID:    "ds1",
		Quantity:      qty,
		UnitPrice:     unitPrice,
		DepositAmount: dep,
		TotalAmount:   domain.JobTotal(unitPrice, qty, dep),
		PaymentType:   payment,
		Status:        domain.JobStatusCompleted,
		CreatedBy:     user,
		CreatedAt:     at,
	}
}

func TestInferPaymentType(t *testing.T) {
	tests := []struct {
		name string
		job  domain.Job
		want string
	}{
		{"explicit field wins", domain.Job{PaymentType: "Card", Meta: map[string]string{"payment_type": "cash"}}, domain.PaymentCard},
		{"mobile money alias", domain.Job{PaymentType: "mobile_money"}, domain.PaymentMomo},
		{"mobile alias", domain.Job{PaymentType: "mobile"}, domain.PaymentMomo},
		{"meta hint", domain.Job{Meta: map[string]string{"payment_type": "momo"}}, domain.PaymentMomo},
		{"deposit means cash", domain.Job{DepositAmount: money("5.00")}, domain.PaymentCash},
		{"nothing known", domain.Job{}, domain.PaymentUnknown},
		{"unrecognised channel", domain.Job{PaymentType: "cheque"}, domain.PaymentUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, InferPaymentType(tc.job))
		})
	}
}

func TestShiftTotalsSplitsByChannelWithinWindow(t *testing.T) {
	end := base.Add(4 * time.Hour)
	shift := domain.DaySheetShift{ID: "s1", DaySheetID: "ds1", Username: "ama", ShiftStart: base, ShiftEnd: &end, Status: domain.ShiftStatusClosed}

	cancelled := job("j-cancel", "ama", base.Add(time.Hour), "50.00", 1, "0", "cash")
	cancelled.Status = domain.JobStatusCancelled

	repo := seed(t, []domain.DaySheetShift{shift}, []domain.Job{
		job("j1", "ama", base.Add(time.Minute), "10.00", 2, "0", "cash"),
		job("j2", "ama", base.Add(2*time.Minute), "15.00", 1, "5.00", ""),
		job("j3", "ama", base.Add(3*time.Minute), "7.50", 2, "0", "momo"),
		job("j4", "ama", base.Add(4*time.Minute), "3.00", 1, "0", "card"),
		job("j5", "ama", base.Add(5*time.Minute), "4.00", 1, "0", ""),
		job("j-before", "ama", base.Add(-time.Minute), "99.00", 1, "0", "cash"),
		job("j-after", "ama", end.Add(time.Minute), "99.00", 1, "0", "cash"),
		job("j-other", "kofi", base.Add(time.Minute), "99.00", 1, "0", "cash"),
		cancelled,
	})

	agg := NewShiftAggregator(fixedNow)
	var totals domain.ShiftTotals
	err := repo.View(context.Background(), func(q store.Queries) error {
		var err error
		totals, err = agg.TotalsByID(context.Background(), q, "s1")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 5, totals.JobCount)
	assert.Equal(t, "57.00", totals.Gross.StringFixed(2))
	assert.Equal(t, "5.00", totals.Deposits.StringFixed(2))
	assert.Equal(t, "52.00", totals.Net.StringFixed(2))
	assert.Equal(t, "30.00", totals.Cash.StringFixed(2))
	assert.Equal(t, "15.00", totals.Momo.StringFixed(2))
	assert.Equal(t, "3.00", totals.Card.StringFixed(2))
	assert.Equal(t, "4.00", totals.Unassigned.StringFixed(2))
	assert.Equal(t, "34.00", totals.ExpectedCash().StringFixed(2))
}

func TestShiftTotalsOpenShiftRunsToNow(t *testing.T) {
	shift := domain.DaySheetShift{ID: "s1", DaySheetID: "ds1", Username: "ama", ShiftStart: base, Status: domain.ShiftStatusOpen}
	repo := seed(t, []domain.DaySheetShift{shift}, []domain.Job{
		job("j1", "ama", base.Add(9*time.Hour), "20.00", 1, "0", ""),
	})

	var totals domain.ShiftTotals
	err := repo.View(context.Background(), func(q store.Queries) error {
		var err error
		totals, err = NewShiftAggregator(fixedNow).Totals(context.Background(), q, shift)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, totals.JobCount)
	assert.Equal(t, "20.00", totals.Net.StringFixed(2))
}

func TestDayTotalsSkipsOpenShifts(t *testing.T) {
	end1 := base.Add(2 * time.Hour)
	end2 := base.Add(5 * time.Hour)
	shifts := []domain.DaySheetShift{
		{ID: "s1", DaySheetID: "ds1", Username: "ama", ShiftStart: base, ShiftEnd: &end1, Status: domain.ShiftStatusClosed},
		{ID: "s2", DaySheetID: "ds1", Username: "kofi", ShiftStart: base, ShiftEnd: &end2, Status: domain.ShiftStatusAutoClosed},
		{ID: "s3", DaySheetID: "ds1", Username: "esi", ShiftStart: base, Status: domain.ShiftStatusOpen},
	}
	repo := seed(t, shifts, []domain.Job{
		job("j1", "ama", base.Add(time.Hour), "10.00", 1, "0", "cash"),
		job("j2", "kofi", base.Add(time.Hour), "12.345", 1, "0", "momo"),
		job("j3", "esi", base.Add(time.Hour), "100.00", 1, "0", "cash"),
	})

	shiftAgg := NewShiftAggregator(fixedNow)
	dayAgg := NewDayAggregator(shiftAgg)

	var day domain.DayTotals
	var sumNet decimal.Decimal
	err := repo.View(context.Background(), func(q store.Queries) error {
		var err error
		day, err = dayAgg.Totals(context.Background(), q, "ds1")
		if err != nil {
			return err
		}
		for _, id := range []string{"s1", "s2"} {
			totals, err := shiftAgg.TotalsByID(context.Background(), q, id)
			if err != nil {
				return err
			}
			sumNet = sumNet.Add(totals.Net)
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 2, day.ShiftCount)
	assert.Equal(t, 2, day.JobCount)
	assert.Len(t, day.ShiftTotals, 2)
	assert.Equal(t, sumNet.StringFixed(2), day.Net.StringFixed(2))
	assert.Equal(t, "22.35", day.Net.StringFixed(2))
	assert.Equal(t, "10.00", day.Cash.StringFixed(2))
	assert.True(t, day.ComputedAt.Equal(fixedNow()))
}

func TestShiftTotalsUsesCompletionForQueuedJobs(t *testing.T) {
	end := base.Add(4 * time.Hour)
	shift := domain.DaySheetShift{ID: "s1", DaySheetID: "ds1", Username: "ama", ShiftStart: base, ShiftEnd: &end, Status: domain.ShiftStatusClosed}

	completedIn := base.Add(30 * time.Minute)
	carried := job("j-carried", "kofi", base.Add(-12*time.Hour), "20.00", 1, "0", "cash")
	carried.CompletedAt = &completedIn
	carried.CompletedBy = "ama"

	completedAfter := end.Add(time.Minute)
	late := job("j-late", "ama", base.Add(time.Hour), "50.00", 1, "0", "cash")
	late.CompletedAt = &completedAfter
	late.CompletedBy = "ama"

	handedOver := job("j-handed", "ama", base.Add(time.Hour), "70.00", 1, "0", "cash")
	handedOver.CompletedAt = &completedIn
	handedOver.CompletedBy = "esi"

	repo := seed(t, []domain.DaySheetShift{shift}, []domain.Job{carried, late, handedOver})

	var totals domain.ShiftTotals
	err := repo.View(context.Background(), func(q store.Queries) error {
		var err error
		totals, err = NewShiftAggregator(fixedNow).Totals(context.Background(), q, shift)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, totals.JobCount)
	assert.Equal(t, "20.00", totals.Cash.StringFixed(2))
}

func TestAdjacentShiftsShareBoundaryOnce(t *testing.T) {
	handover := base.Add(4 * time.Hour)
	end := base.Add(8 * time.Hour)
	shifts := []domain.DaySheetShift{
		{ID: "s1", DaySheetID: "ds1", Username: "ama", ShiftStart: base, ShiftEnd: &handover, Status: domain.ShiftStatusClosed},
		{ID: "s2", DaySheetID: "ds1", Username: "ama", ShiftStart: handover, ShiftEnd: &end, Status: domain.ShiftStatusClosed},
	}
	repo := seed(t, shifts, []domain.Job{
		job("j-boundary", "ama", handover, "20.00", 1, "0", "cash"),
		job("j-second", "ama", handover.Add(time.Minute), "5.00", 1, "0", "cash"),
	})

	shiftAgg := NewShiftAggregator(fixedNow)
	var first, second domain.ShiftTotals
	var day domain.DayTotals
	err := repo.View(context.Background(), func(q store.Queries) error {
		var err error
		if first, err = shiftAgg.TotalsByID(context.Background(), q, "s1"); err != nil {
			return err
		}
		if second, err = shiftAgg.TotalsByID(context.Background(), q, "s2"); err != nil {
			return err
		}
		day, err = NewDayAggregator(shiftAgg).Totals(context.Background(), q, "ds1")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, "20.00", first.Net.StringFixed(2))
	assert.Equal(t, "5.00", second.Net.StringFixed(2))
	assert.Equal(t, "25.00", day.Net.StringFixed(2))
	assert.Equal(t, 2, day.JobCount)
}
