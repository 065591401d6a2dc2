// Package sweep auto-closes abandoned shifts and daysheets whose local date
// has passed.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
)

const lockKey = "pressdesk:sweep"

// AutoCloser is the slice of the ledger service the sweeper drives.
type AutoCloser interface {
	AutoCloseShift(ctx context.Context, shiftID string, reason string) (domain.DaySheetShift, error)
	AutoCloseDaySheet(ctx context.Context, daysheetID string, reason string) (domain.DaySheet, error)
}

// Viewer is the read side of the store.
type Viewer interface {
	View(ctx context.Context, fn func(q store.Queries) error) error
}

type Options struct {
	Interval   time.Duration
	Inactivity time.Duration
	LockTTL    time.Duration
	Clock      func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Interval:   5 * time.Minute,
		Inactivity: 16 * time.Hour,
		LockTTL:    2 * time.Minute,
		Clock:      time.Now,
	}
}

type Sweeper struct {
	repo   Viewer
	closer AutoCloser
	locker Locker
	opts   Options
	logger zerolog.Logger
}

func New(repo Viewer, closer AutoCloser, locker Locker, opts Options) *Sweeper {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Inactivity <= 0 {
		opts.Inactivity = def.Inactivity
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = def.LockTTL
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Sweeper{
		repo:   repo,
		closer: closer,
		locker: locker,
		opts:   opts,
		logger: log.With().Str("component", "sweep").Logger(),
	}
}

type Result struct {
	Skipped         bool
	ShiftsClosed    int
	DaySheetsClosed int
	Failures        int
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("sweep: pass failed")
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweep: stopped")
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce closes shifts open longer than the inactivity limit, then every
// open daysheet whose date is before its branch's current local date. A pass
// is skipped when another instance holds the lock.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	lease, err := s.locker.Obtain(ctx, lockKey, s.opts.LockTTL)
	if errors.Is(err, ErrNotObtained) {
		s.logger.Debug().Msg("sweep: lock held elsewhere, skipping")
		return Result{Skipped: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("obtain sweep lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Msg("sweep: failed to release lock")
		}
	}()

	now := s.opts.Clock().UTC()
	var (
		stale    []domain.DaySheetShift
		pastDays []domain.DaySheet
	)
	err = s.repo.View(ctx, func(q store.Queries) error {
		var err error
		stale, err = q.ListOpenShiftsStartedBefore(ctx, now.Add(-s.opts.Inactivity))
		if err != nil {
			return fmt.Errorf("list stale shifts: %w", err)
		}
		open, err := q.ListDaySheets(ctx, store.DaySheetFilter{
			Statuses: []string{domain.DaySheetStatusOpen, domain.DaySheetStatusPartiallyClosed},
		})
		if err != nil {
			return fmt.Errorf("list open daysheets: %w", err)
		}
		branches := make(map[string]string, 4)
		for _, sheet := range open {
			today, ok := branches[sheet.BranchID]
			if !ok {
				branch, err := q.GetBranch(ctx, sheet.BranchID)
				if err != nil {
					return fmt.Errorf("load branch %s: %w", sheet.BranchID, err)
				}
				today = domain.LocalDate(branch, now).Format(domain.DateLayout)
				branches[sheet.BranchID] = today
			}
			if sheet.Date < today {
				pastDays = append(pastDays, sheet)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, shift := range stale {
		if _, err := s.closer.AutoCloseShift(ctx, shift.ID, "inactivity"); err != nil {
			s.logger.Error().Err(err).Str("shift_id", shift.ID).Msg("sweep: shift auto-close failed")
			result.Failures++
			continue
		}
		result.ShiftsClosed++
	}
	for _, sheet := range pastDays {
		if _, err := s.closer.AutoCloseDaySheet(ctx, sheet.ID, "closing_time_passed"); err != nil {
			s.logger.Error().Err(err).Str("daysheet_id", sheet.ID).Msg("sweep: daysheet auto-close failed")
			result.Failures++
			continue
		}
		result.DaySheetsClosed++
	}
	if result.ShiftsClosed+result.DaySheetsClosed+result.Failures > 0 {
		s.logger.Info().
			Int("shifts_closed", result.ShiftsClosed).
			Int("daysheets_closed", result.DaySheetsClosed).
			Int("failures", result.Failures).
			Msg("sweep: pass complete")
	}
	return result, nil
}
