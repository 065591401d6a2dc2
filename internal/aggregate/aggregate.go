// Package aggregate recomputes shift and day totals from job rows. The
// results are authoritative; the daysheet counters are only a fast path.
package aggregate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
)

// Reader is the read side of store.Queries used by the aggregators.
type Reader interface {
	GetShift(ctx context.Context, id string) (domain.DaySheetShift, error)
	ListShifts(ctx context.Context, daysheetID string) ([]domain.DaySheetShift, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]domain.Job, error)
}

var countedStatuses = []string{
	domain.JobStatusQueued,
	domain.JobStatusInProgress,
	domain.JobStatusReady,
	domain.JobStatusCompleted,
}

// InferPaymentType resolves the channel of a job: the explicit field, then
// the meta hint, then "cash" for jobs carrying a deposit, else unknown.
func InferPaymentType(job domain.Job) string {
	if pt := NormalizeChannel(job.PaymentType); pt != "" {
		return pt
	}
	if pt := NormalizeChannel(job.Meta["payment_type"]); pt != "" {
		return pt
	}
	if job.DepositAmount.IsPositive() {
		return domain.PaymentCash
	}
	return domain.PaymentUnknown
}

// NormalizeChannel maps channel spellings onto the payment constants. An
// empty input stays empty; anything unrecognised is unknown.
func NormalizeChannel(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return ""
	case "cash":
		return domain.PaymentCash
	case "momo", "mobile_money", "mobile":
		return domain.PaymentMomo
	case "card":
		return domain.PaymentCard
	default:
		return domain.PaymentUnknown
	}
}

type ShiftAggregator struct {
	now func() time.Time
}

func NewShiftAggregator(now func() time.Time) *ShiftAggregator {
	if now == nil {
		now = time.Now
	}
	return &ShiftAggregator{now: now}
}

// Totals sums the non-cancelled jobs of the shift's daysheet that the shift's
// user performed between shift start and shift end (now for an open shift).
// A job is performed by whoever completed it, at its completion time, so a
// queued job counts in the shift that finished it. An instant shared with the
// end of the same user's previous shift belongs to that earlier shift.
func (a *ShiftAggregator) Totals(ctx context.Context, q Reader, shift domain.DaySheetShift) (domain.ShiftTotals, error) {
	end := a.now().UTC()
	if shift.ShiftEnd != nil {
		end = *shift.ShiftEnd
	}
	filter := store.JobFilter{
		DaySheetID:    shift.DaySheetID,
		PerformedBy:   shift.Username,
		Statuses:      countedStatuses,
		PerformedFrom: shift.ShiftStart,
		PerformedTo:   end,
	}
	follows, err := a.followsEarlierShift(ctx, q, shift)
	if err != nil {
		return domain.ShiftTotals{}, err
	}
	if follows {
		filter.PerformedFrom = time.Time{}
		filter.PerformedAfter = shift.ShiftStart
	}
	jobs, err := q.ListJobs(ctx, filter)
	if err != nil {
		return domain.ShiftTotals{}, fmt.Errorf("list shift jobs: %w", err)
	}

	totals := domain.ShiftTotals{
		ShiftID:    shift.ID,
		Gross:      decimal.Zero,
		Deposits:   decimal.Zero,
		Net:        decimal.Zero,
		Cash:       decimal.Zero,
		Momo:       decimal.Zero,
		Card:       decimal.Zero,
		Unassigned: decimal.Zero,
	}
	for _, job := range jobs {
		qty := job.Quantity
		if qty < 1 {
			qty = 1
		}
		totals.JobCount++
		totals.Gross = totals.Gross.Add(job.UnitPrice.Mul(decimal.NewFromInt(int64(qty))))
		totals.Deposits = totals.Deposits.Add(job.DepositAmount)
		totals.Net = totals.Net.Add(job.TotalAmount)

		switch InferPaymentType(job) {
		case domain.PaymentCash:
			totals.Cash = totals.Cash.Add(job.TotalAmount)
		case domain.PaymentMomo:
			totals.Momo = totals.Momo.Add(job.TotalAmount)
		case domain.PaymentCard:
			totals.Card = totals.Card.Add(job.TotalAmount)
		default:
			totals.Unassigned = totals.Unassigned.Add(job.TotalAmount)
		}
	}

	totals.Gross = domain.Quantize(totals.Gross)
	totals.Deposits = domain.Quantize(totals.Deposits)
	totals.Net = domain.Quantize(totals.Net)
	totals.Cash = domain.Quantize(totals.Cash)
	totals.Momo = domain.Quantize(totals.Momo)
	totals.Card = domain.Quantize(totals.Card)
	totals.Unassigned = domain.Quantize(totals.Unassigned)
	return totals, nil
}

// followsEarlierShift reports whether another shift of the same user on the
// same daysheet ended exactly when this one started.
func (a *ShiftAggregator) followsEarlierShift(ctx context.Context, q Reader, shift domain.DaySheetShift) (bool, error) {
	shifts, err := q.ListShifts(ctx, shift.DaySheetID)
	if err != nil {
		return false, fmt.Errorf("list daysheet shifts: %w", err)
	}
	for _, other := range shifts {
		if other.ID == shift.ID || other.Username != shift.Username || other.ShiftEnd == nil {
			continue
		}
		if other.ShiftEnd.Equal(shift.ShiftStart) && other.ShiftStart.Before(shift.ShiftStart) {
			return true, nil
		}
	}
	return false, nil
}

func (a *ShiftAggregator) TotalsByID(ctx context.Context, q Reader, shiftID string) (domain.ShiftTotals, error) {
	shift, err := q.GetShift(ctx, shiftID)
	if err != nil {
		return domain.ShiftTotals{}, err
	}
	return a.Totals(ctx, q, shift)
}

type DayAggregator struct {
	shifts *ShiftAggregator
}

func NewDayAggregator(shifts *ShiftAggregator) *DayAggregator {
	return &DayAggregator{shifts: shifts}
}

// Totals sums the shift totals of every closed, auto-closed or locked shift
// of the daysheet. Open shifts are left out.
func (a *DayAggregator) Totals(ctx context.Context, q Reader, daysheetID string) (domain.DayTotals, error) {
	shifts, err := q.ListShifts(ctx, daysheetID)
	if err != nil {
		return domain.DayTotals{}, fmt.Errorf("list daysheet shifts: %w", err)
	}

	day := domain.DayTotals{
		DaySheetID:  daysheetID,
		Gross:       decimal.Zero,
		Deposits:    decimal.Zero,
		Net:         decimal.Zero,
		Cash:        decimal.Zero,
		Momo:        decimal.Zero,
		Card:        decimal.Zero,
		Unassigned:  decimal.Zero,
		ComputedAt:  a.shifts.now().UTC(),
		ShiftTotals: make([]domain.ShiftTotals, 0, len(shifts)),
	}
	for _, shift := range shifts {
		if !shift.Aggregated() {
			continue
		}
		totals, err := a.shifts.Totals(ctx, q, shift)
		if err != nil {
			return domain.DayTotals{}, err
		}
		day.ShiftCount++
		day.JobCount += totals.JobCount
		day.Gross = day.Gross.Add(totals.Gross)
		day.Deposits = day.Deposits.Add(totals.Deposits)
		day.Net = day.Net.Add(totals.Net)
		day.Cash = day.Cash.Add(totals.Cash)
		day.Momo = day.Momo.Add(totals.Momo)
		day.Card = day.Card.Add(totals.Card)
		day.Unassigned = day.Unassigned.Add(totals.Unassigned)
		day.ShiftTotals = append(day.ShiftTotals, totals)
	}

	day.Gross = domain.Quantize(day.Gross)
	day.Deposits = domain.Quantize(day.Deposits)
	day.Net = domain.Quantize(day.Net)
	day.Cash = domain.Quantize(day.Cash)
	day.Momo = domain.Quantize(day.Momo)
	day.Card = domain.Quantize(day.Card)
	day.Unassigned = domain.Quantize(day.Unassigned)
	return day, nil
}
