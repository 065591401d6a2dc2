package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
)

var nonCancelled = []string{
	domain.JobStatusQueued,
	domain.JobStatusInProgress,
	domain.JobStatusReady,
	domain.JobStatusCompleted,
}

// DetectDuplicateJob flags a job when the same branch booked the same
// service for the same total within the duplicate window before it.
func (s *Service) DetectDuplicateJob(ctx context.Context, jobID string) (*domain.AnomalyFlag, error) {
	var flag *domain.AnomalyFlag
	err := s.repo.Atomic(ctx, func(q store.Queries) error {
		job, err := q.GetJob(ctx, jobID)
		if err != nil {
			return notFound(err, "job %s", jobID)
		}
		total := job.TotalAmount
		matches, err := q.ListJobs(ctx, store.JobFilter{
			BranchID:    job.BranchID,
			ServiceID:   job.ServiceID,
			Statuses:    nonCancelled,
			CreatedFrom: job.CreatedAt.Add(-s.settings.DuplicateWindow),
			CreatedTo:   job.CreatedAt,
			ExcludeID:   job.ID,
			TotalAmount: &total,
			Limit:       1,
		})
		if err != nil {
			return fmt.Errorf("list candidate duplicates: %w", err)
		}
		if len(matches) == 0 {
			return nil
		}

		dup := matches[0]
		flag = s.raiseFlag(ctx, q, domain.AnomalyFlag{
			BranchID:    job.BranchID,
			DaySheetID:  job.DaySheetID,
			JobID:       job.ID,
			Type:        domain.FlagTypeDuplicateJobs,
			Severity:    domain.SeverityMedium,
			Description: fmt.Sprintf("Duplicate job detected: job %s similar to %s", job.ID, dup.ID),
			NotifiedTo:  []string{domain.RoleManager},
		}, domain.EventDuplicateJob, map[string]any{"job_id": job.ID, "duplicate_of": dup.ID})
		return nil
	})
	return flag, err
}

// DetectHighFreeJobs flags a daysheet once when the share of jobs on
// unpriced services reaches the configured ratio.
func (s *Service) DetectHighFreeJobs(ctx context.Context, daysheetID string) (*domain.AnomalyFlag, error) {
	var flag *domain.AnomalyFlag
	err := s.repo.Atomic(ctx, func(q store.Queries) error {
		sheet, err := q.GetDaySheet(ctx, daysheetID)
		if err != nil {
			return notFound(err, "daysheet %s", daysheetID)
		}
		exists, err := q.HasAnomalyFlag(ctx, sheet.ID, domain.FlagTypeHighFreeJobs)
		if err != nil {
			return fmt.Errorf("lookup existing flag: %w", err)
		}
		if exists {
			return nil
		}
		total, unpriced, err := q.CountDaySheetJobs(ctx, sheet.ID)
		if err != nil {
			return fmt.Errorf("count daysheet jobs: %w", err)
		}
		if total == 0 {
			return nil
		}
		ratio := decimal.NewFromInt(int64(unpriced)).Div(decimal.NewFromInt(int64(total)))
		if ratio.LessThan(s.settings.FreeJobRatio) {
			return nil
		}

		flag = s.raiseFlag(ctx, q, domain.AnomalyFlag{
			BranchID:    sheet.BranchID,
			DaySheetID:  sheet.ID,
			Type:        domain.FlagTypeHighFreeJobs,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("High free-job ratio: %d/%d (%s)", unpriced, total, ratio.StringFixed(2)),
			NotifiedTo:  []string{domain.RoleManager, domain.RoleHQ},
		}, domain.EventHighFreeJobs, map[string]any{"free_count": unpriced, "total": total, "ratio": ratio.StringFixed(4)})
		return nil
	})
	return flag, err
}

// AutoCloseShift force-closes an open shift and raises a HIGH flag. A shift
// that is no longer open is returned unchanged.
func (s *Service) AutoCloseShift(ctx context.Context, shiftID string, reason string) (domain.DaySheetShift, error) {
	reason = autoCloseReason(reason, "inactivity")

	var shift domain.DaySheetShift
	err := s.repo.Atomic(ctx, func(q store.Queries) error {
		var err error
		shift, err = q.LockShift(ctx, shiftID)
		if err != nil {
			return notFound(err, "shift %s", shiftID)
		}
		if shift.Status != domain.ShiftStatusOpen {
			return nil
		}
		shift, err = s.autoCloseShift(ctx, q, shift, reason)
		return err
	})
	return shift, err
}

func (s *Service) autoCloseShift(ctx context.Context, q store.Queries, shift domain.DaySheetShift, reason string) (domain.DaySheetShift, error) {
	now := s.now()
	shift.Status = domain.ShiftStatusAutoClosed
	shift.ShiftEnd = &now
	shift.UpdatedAt = now
	if err := q.UpdateShift(ctx, shift); err != nil {
		return domain.DaySheetShift{}, fmt.Errorf("update shift: %w", err)
	}

	s.raiseFlag(ctx, q, domain.AnomalyFlag{
		BranchID:    shift.BranchID,
		DaySheetID:  shift.DaySheetID,
		ShiftID:     shift.ID,
		Type:        domain.FlagTypeAutoClose,
		Severity:    domain.SeverityHigh,
		Description: "Auto-closed shift due to " + reason,
		NotifiedTo:  []string{domain.RoleManager, domain.RoleHQ},
	}, "", nil)
	s.emit(ctx, q, systemActor, event{
		entityType: entityShift,
		entityID:   shift.ID,
		name:       domain.EventShiftAutoClosed,
		branchID:   shift.BranchID,
		payload:    map[string]any{"reason": reason, "daysheet_id": shift.DaySheetID},
	})
	return shift, nil
}

// AutoCloseDaySheet closes an open daysheet without a manager: its open
// shifts are auto-closed first, the day aggregate is stored and a CRITICAL
// flag is raised. Daysheets that are no longer open are returned unchanged.
func (s *Service) AutoCloseDaySheet(ctx context.Context, daysheetID string, reason string) (domain.DaySheet, error) {
	reason = autoCloseReason(reason, "closing_time_passed")

	var sheet domain.DaySheet
	err := s.repo.Atomic(ctx, func(q store.Queries) error {
		var err error
		sheet, err = q.LockDaySheet(ctx, daysheetID)
		if err != nil {
			return notFound(err, "daysheet %s", daysheetID)
		}
		if !sheet.IsOpen() {
			return nil
		}

		shifts, err := q.ListShifts(ctx, sheet.ID)
		if err != nil {
			return fmt.Errorf("list shifts: %w", err)
		}
		for _, listed := range shifts {
			if listed.Status != domain.ShiftStatusOpen {
				continue
			}
			shift, err := q.LockShift(ctx, listed.ID)
			if err != nil {
				return fmt.Errorf("lock shift %s: %w", listed.ID, err)
			}
			if _, err := s.autoCloseShift(ctx, q, shift, reason); err != nil {
				return err
			}
		}

		totals, err := s.days.Totals(ctx, q, sheet.ID)
		if err != nil {
			return fmt.Errorf("aggregate day: %w", err)
		}
		now := s.now()
		sheet.Status = domain.DaySheetStatusAutoClosed
		sheet.ClosedAt = &now
		sheet.ClosedBy = systemActor.Username
		sheet.Meta.FinalAggregation = &totals
		sheet.Meta.AutoCloseReason = reason
		sheet.UpdatedAt = now
		if err := q.UpdateDaySheet(ctx, sheet); err != nil {
			return fmt.Errorf("update daysheet: %w", err)
		}

		s.raiseFlag(ctx, q, domain.AnomalyFlag{
			BranchID:    sheet.BranchID,
			DaySheetID:  sheet.ID,
			Type:        domain.FlagTypeAutoClose,
			Severity:    domain.SeverityCritical,
			Description: "Auto-closed daysheet due to " + reason,
			NotifiedTo:  []string{domain.RoleManager, domain.RoleHQ},
		}, "", nil)
		s.emit(ctx, q, systemActor, event{
			entityType: entityDaySheet,
			entityID:   sheet.ID,
			name:       domain.EventDayAutoClosed,
			branchID:   sheet.BranchID,
			payload: map[string]any{
				"reason":     reason,
				"date":       sheet.Date,
				"net_total":  money(totals.Net),
				"cash_total": money(totals.Cash),
			},
		})
		return nil
	})
	if err != nil {
		return domain.DaySheet{}, err
	}
	log.Info().Str("daysheet_id", sheet.ID).Str("status", sheet.Status).Str("reason", reason).Msg("service: daysheet auto-close processed")
	return sheet, nil
}

func (s *Service) ListAnomalyFlags(ctx context.Context, filter domain.AnomalyFilter) ([]domain.AnomalyFlag, error) {
	actor, err := requireRole(ctx, domain.RoleManager, domain.RoleHQ)
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleManager {
		if filter.BranchID == "" {
			filter.BranchID = actor.BranchID
		}
		if err := checkBranch(actor, filter.BranchID); err != nil {
			return nil, err
		}
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}

	var flags []domain.AnomalyFlag
	err = s.repo.View(ctx, func(q store.Queries) error {
		var err error
		flags, err = q.ListAnomalyFlags(ctx, filter)
		return err
	})
	return flags, err
}

func autoCloseReason(reason string, fallback string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fallback
	}
	return reason
}
