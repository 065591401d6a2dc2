package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"pressdesk/backend/internal/apperr"
	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
)

// ManagerCloseDay seals a daysheet with the authoritative day aggregate.
// Open shifts block the close before the PIN is even looked at, and both
// preconditions are checked again under the daysheet lock.
func (s *Service) ManagerCloseDay(ctx context.Context, daysheetID string, pin string) (domain.DaySheet, error) {
	actor, err := requireRole(ctx, domain.RoleManager)
	if err != nil {
		return domain.DaySheet{}, err
	}

	err = s.repo.View(ctx, func(q store.Queries) error {
		sheet, err := q.GetDaySheet(ctx, daysheetID)
		if err != nil {
			return notFound(err, "daysheet %s", daysheetID)
		}
		if err := checkBranch(actor, sheet.BranchID); err != nil {
			return err
		}
		return closablePreconditions(ctx, q, sheet)
	})
	if err != nil {
		return domain.DaySheet{}, err
	}

	if !s.pins.VerifyPIN(ctx, actor.Username, pin) {
		log.Warn().Str("daysheet_id", daysheetID).Str("username", actor.Username).Msg("service: day close rejected, invalid manager pin")
		return domain.DaySheet{}, apperr.Permission("Invalid manager PIN")
	}

	var sheet domain.DaySheet
	err = s.repo.Atomic(ctx, func(q store.Queries) error {
		var err error
		sheet, err = q.LockDaySheet(ctx, daysheetID)
		if err != nil {
			return notFound(err, "daysheet %s", daysheetID)
		}
		if err := closablePreconditions(ctx, q, sheet); err != nil {
			return err
		}

		totals, err := s.days.Totals(ctx, q, sheet.ID)
		if err != nil {
			return fmt.Errorf("aggregate day: %w", err)
		}

		now := s.now()
		sheet.Meta.FinalAggregation = &totals
		sheet.Status = domain.DaySheetStatusBranchClosed
		sheet.ClosedAt = &now
		sheet.ClosedBy = actor.Username
		sheet.UpdatedAt = now
		if err := q.UpdateDaySheet(ctx, sheet); err != nil {
			return fmt.Errorf("update daysheet: %w", err)
		}

		s.emit(ctx, q, actor, event{
			entityType: entityDaySheet,
			entityID:   sheet.ID,
			name:       domain.EventManagerClosed,
			branchID:   sheet.BranchID,
			payload: map[string]any{
				"daysheet_id":  sheet.ID,
				"date":         sheet.Date,
				"total_jobs":   sheet.TotalJobs,
				"total_amount": money(sheet.TotalAmount),
				"net_total":    money(totals.Net),
				"cash_total":   money(totals.Cash),
				"shift_count":  totals.ShiftCount,
			},
		})
		return nil
	})
	if err != nil {
		return domain.DaySheet{}, err
	}
	return sheet, nil
}

func closablePreconditions(ctx context.Context, q store.Queries, sheet domain.DaySheet) error {
	open, err := q.CountOpenShifts(ctx, sheet.ID)
	if err != nil {
		return fmt.Errorf("count open shifts: %w", err)
	}
	if open > 0 {
		return apperr.State("Not all shifts are closed. Manager cannot close the day.")
	}
	if !sheet.IsOpen() {
		return apperr.State("daysheet %s is already %s", sheet.ID, sheet.Status)
	}
	return nil
}

// HQCloseDay is the head-office seal over a branch-closed or auto-closed
// daysheet. Its closed shifts become locked.
func (s *Service) HQCloseDay(ctx context.Context, daysheetID string) (domain.DaySheet, error) {
	actor, err := requireRole(ctx, domain.RoleHQ)
	if err != nil {
		return domain.DaySheet{}, err
	}

	var sheet domain.DaySheet
	err = s.repo.Atomic(ctx, func(q store.Queries) error {
		var err error
		sheet, err = q.LockDaySheet(ctx, daysheetID)
		if err != nil {
			return notFound(err, "daysheet %s", daysheetID)
		}
		if sheet.Status != domain.DaySheetStatusBranchClosed && sheet.Status != domain.DaySheetStatusAutoClosed {
			return apperr.State("daysheet %s is %s, only branch-closed or auto-closed daysheets can be sealed", sheet.ID, sheet.Status)
		}

		shifts, err := q.ListShifts(ctx, sheet.ID)
		if err != nil {
			return fmt.Errorf("list shifts: %w", err)
		}
		now := s.now()
		locked := 0
		for _, listed := range shifts {
			if listed.Status != domain.ShiftStatusClosed {
				continue
			}
			shift, err := q.LockShift(ctx, listed.ID)
			if err != nil {
				return fmt.Errorf("lock shift %s: %w", listed.ID, err)
			}
			shift.Status = domain.ShiftStatusLocked
			shift.UpdatedAt = now
			if err := q.UpdateShift(ctx, shift); err != nil {
				return fmt.Errorf("lock shift %s: %w", shift.ID, err)
			}
			locked++
		}

		previous := sheet.Status
		sheet.Status = domain.DaySheetStatusHQClosed
		sheet.Locked = true
		sheet.HQClosedAt = &now
		sheet.UpdatedAt = now
		if err := q.UpdateDaySheet(ctx, sheet); err != nil {
			return fmt.Errorf("update daysheet: %w", err)
		}

		s.emit(ctx, q, actor, event{
			entityType: entityDaySheet,
			entityID:   sheet.ID,
			name:       domain.EventHQClosed,
			branchID:   sheet.BranchID,
			payload:    map[string]any{"daysheet_id": sheet.ID, "from": previous, "locked_shifts": locked},
		})
		return nil
	})
	if err != nil {
		return domain.DaySheet{}, err
	}
	return sheet, nil
}
