package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"pressdesk/backend/internal/apperr"
	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
	"pressdesk/backend/internal/xid"
)

// StartShift returns the caller's open shift on today's daysheet, opening
// one when there is none.
func (s *Service) StartShift(ctx context.Context, req domain.ShiftStartRequest) (domain.DaySheetShift, error) {
	actor, err := requireRole(ctx, domain.RoleAttendant, domain.RoleManager)
	if err != nil {
		return domain.DaySheetShift{}, err
	}
	branchID := strings.TrimSpace(req.BranchID)
	if branchID == "" {
		return domain.DaySheetShift{}, apperr.ValidationFields("branch_id is required", map[string]string{"branch_id": "required"})
	}
	if err := checkBranch(actor, branchID); err != nil {
		return domain.DaySheetShift{}, err
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = actor.Role
	}

	var shift domain.DaySheetShift
	err = s.repo.Atomic(ctx, func(q store.Queries) error {
		sheet, _, err := s.getOrCreateDaySheet(ctx, q, actor, branchID)
		if err != nil {
			return err
		}

		shift, err = q.LockOpenShift(ctx, sheet.ID, actor.Username)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("lookup open shift: %w", err)
		}

		now := s.now()
		shift = domain.DaySheetShift{
			ID:          xid.New("shift"),
			DaySheetID:  sheet.ID,
			BranchID:    branchID,
			Username:    actor.Username,
			Role:        role,
			ShiftStart:  now,
			Status:      domain.ShiftStatusOpen,
			OpeningCash: decimal.Zero,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := q.CreateShift(ctx, shift); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperr.State("an open shift already exists for %s", actor.Username)
			}
			return fmt.Errorf("create shift: %w", err)
		}
		s.emit(ctx, q, actor, event{
			entityType: entityShift,
			entityID:   shift.ID,
			name:       domain.EventShiftStarted,
			branchID:   branchID,
			payload:    map[string]any{"shift_id": shift.ID, "daysheet_id": sheet.ID},
		})
		return nil
	})
	if err != nil {
		return domain.DaySheetShift{}, err
	}
	return shift, nil
}

// CloseShift seals an open shift after PIN verification. A failed PIN bumps
// the shift's failure counter and leaves it open. The cash mismatch check
// runs after the close has committed.
func (s *Service) CloseShift(ctx context.Context, shiftID string, req domain.ShiftCloseRequest) (domain.DaySheetShift, error) {
	actor, err := requireRole(ctx, domain.RoleAttendant, domain.RoleManager)
	if err != nil {
		return domain.DaySheetShift{}, err
	}
	if req.ClosingCash.IsNegative() {
		return domain.DaySheetShift{}, apperr.ValidationFields("closing cash cannot be negative", map[string]string{"closing_cash": "must not be negative"})
	}

	var shift domain.DaySheetShift
	err = s.repo.View(ctx, func(q store.Queries) error {
		var err error
		shift, err = q.GetShift(ctx, shiftID)
		if err != nil {
			return notFound(err, "shift %s", shiftID)
		}
		return nil
	})
	if err != nil {
		return domain.DaySheetShift{}, err
	}
	if err := canActOnShift(actor, shift); err != nil {
		return domain.DaySheetShift{}, err
	}
	if shift.Status != domain.ShiftStatusOpen {
		return domain.DaySheetShift{}, apperr.State("Shift is not open and cannot be closed.")
	}

	if !s.pins.VerifyPIN(ctx, actor.Username, req.PIN) {
		attempts, err := s.repo.IncrementShiftPINFailures(ctx, shift.ID)
		if err != nil {
			log.Warn().Err(err).Str("shift_id", shift.ID).Msg("service: failed to record pin failure")
		}
		log.Warn().Str("shift_id", shift.ID).Str("username", actor.Username).Int("attempts", attempts).Msg("service: shift close rejected, invalid pin")
		return domain.DaySheetShift{}, apperr.Permission("Invalid PIN")
	}

	closingCash := domain.Quantize(req.ClosingCash)
	err = s.repo.Atomic(ctx, func(q store.Queries) error {
		var err error
		shift, err = q.LockShift(ctx, shiftID)
		if err != nil {
			return notFound(err, "shift %s", shiftID)
		}
		if shift.Status != domain.ShiftStatusOpen {
			return apperr.State("Shift is not open and cannot be closed.")
		}

		now := s.now()
		shift.ShiftEnd = &now
		shift.Status = domain.ShiftStatusClosed
		shift.ClosingCash = decimal.NewNullDecimal(closingCash)
		shift.PINVerifiedAt = &now
		shift.PINVerifiedBy = actor.Username
		shift.Submitted = true
		shift.UpdatedAt = now
		if err := q.UpdateShift(ctx, shift); err != nil {
			return fmt.Errorf("update shift: %w", err)
		}

		s.emit(ctx, q, actor, event{
			entityType: entityShift,
			entityID:   shift.ID,
			name:       domain.EventShiftClosed,
			branchID:   shift.BranchID,
			payload: map[string]any{
				"shift_id":     shift.ID,
				"daysheet_id":  shift.DaySheetID,
				"closing_cash": money(closingCash),
			},
		})
		return nil
	})
	if err != nil {
		return domain.DaySheetShift{}, err
	}

	s.checkCashMismatch(ctx, shift)
	return shift, nil
}

// checkCashMismatch compares the declared closing cash with the cash the
// shift should hold. Failures are logged only.
func (s *Service) checkCashMismatch(ctx context.Context, shift domain.DaySheetShift) {
	if !shift.ClosingCash.Valid {
		return
	}
	err := s.repo.Atomic(ctx, func(q store.Queries) error {
		totals, err := s.shifts.Totals(ctx, q, shift)
		if err != nil {
			return err
		}
		expected := totals.ExpectedCash()
		declared := shift.ClosingCash.Decimal
		diff := declared.Sub(expected)
		if diff.Abs().LessThanOrEqual(s.settings.CashMismatchTolerance) {
			return nil
		}

		s.raiseFlag(ctx, q, domain.AnomalyFlag{
			BranchID:    shift.BranchID,
			DaySheetID:  shift.DaySheetID,
			ShiftID:     shift.ID,
			Type:        domain.FlagTypeMismatchCash,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("Shift cash mismatch: reported %s vs computed %s", money(declared), money(expected)),
			NotifiedTo:  []string{domain.RoleManager, domain.RoleHQ},
		}, domain.EventCashMismatch, map[string]any{
			"shift_id":   shift.ID,
			"declared":   money(declared),
			"expected":   money(expected),
			"difference": money(diff),
		})
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("shift_id", shift.ID).Msg("service: cash mismatch check failed")
	}
}

func (s *Service) ShiftTotals(ctx context.Context, shiftID string) (domain.ShiftTotals, error) {
	actor, err := requireRole(ctx, domain.RoleAttendant, domain.RoleManager, domain.RoleHQ)
	if err != nil {
		return domain.ShiftTotals{}, err
	}

	var totals domain.ShiftTotals
	err = s.repo.View(ctx, func(q store.Queries) error {
		shift, err := q.GetShift(ctx, shiftID)
		if err != nil {
			return notFound(err, "shift %s", shiftID)
		}
		if err := canActOnShift(actor, shift); err != nil {
			return err
		}
		totals, err = s.shifts.Totals(ctx, q, shift)
		return err
	})
	return totals, err
}

func (s *Service) ListShifts(ctx context.Context, daysheetID string) ([]domain.DaySheetShift, error) {
	view, err := s.GetDaySheet(ctx, daysheetID)
	if err != nil {
		return nil, err
	}
	return view.Shifts, nil
}

// canActOnShift lets attendants touch only their own shifts; managers act
// within their branch.
func canActOnShift(actor domain.Actor, shift domain.DaySheetShift) error {
	if err := checkBranch(actor, shift.BranchID); err != nil {
		return err
	}
	if actor.Role == domain.RoleAttendant && shift.Username != actor.Username {
		return apperr.Permission("shift %s belongs to another user", shift.ID)
	}
	return nil
}
