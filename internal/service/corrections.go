package service

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/rs/zerolog/log"

	"pressdesk/backend/internal/apperr"
	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
	"pressdesk/backend/internal/xid"
)

// CreateCorrection appends an immutable correction against a daysheet. The
// ledger rows it refers to are not touched.
func (s *Service) CreateCorrection(ctx context.Context, req domain.CorrectionRequest) (domain.CorrectionEntry, error) {
	actor, err := requireRole(ctx, domain.RoleAttendant, domain.RoleManager)
	if err != nil {
		return domain.CorrectionEntry{}, err
	}
	req.DaySheetID = strings.TrimSpace(req.DaySheetID)
	if req.DaySheetID == "" {
		return domain.CorrectionEntry{}, apperr.ValidationFields("daysheet_id is required", map[string]string{"daysheet_id": "required"})
	}
	correctionType := strings.ToLower(strings.TrimSpace(req.Type))
	switch correctionType {
	case "":
		correctionType = domain.CorrectionTypeNote
	case domain.CorrectionTypeNote, domain.CorrectionTypeCashAdjustment, domain.CorrectionTypeJobVoid, domain.CorrectionTypePriceOverride:
	default:
		return domain.CorrectionEntry{}, apperr.ValidationFields("unknown correction type", map[string]string{"type": "oneof=note cash_adjustment job_void price_override"})
	}

	var entry domain.CorrectionEntry
	err = s.repo.Atomic(ctx, func(q store.Queries) error {
		sheet, err := q.GetDaySheet(ctx, req.DaySheetID)
		if err != nil {
			return notFound(err, "daysheet %s", req.DaySheetID)
		}
		if err := checkBranch(actor, sheet.BranchID); err != nil {
			return err
		}
		if sheet.Locked {
			return apperr.State("daysheet %s is locked", sheet.ID)
		}
		if req.ShiftID != "" {
			shift, err := q.GetShift(ctx, req.ShiftID)
			if err != nil {
				return notFound(err, "shift %s", req.ShiftID)
			}
			if shift.DaySheetID != sheet.ID {
				return apperr.ValidationFields("shift does not belong to the daysheet", map[string]string{"shift_id": "mismatch"})
			}
		}
		if req.JobID != "" {
			job, err := q.GetJob(ctx, req.JobID)
			if err != nil {
				return notFound(err, "job %s", req.JobID)
			}
			if job.BranchID != sheet.BranchID {
				return apperr.ValidationFields("job does not belong to the daysheet branch", map[string]string{"job_id": "mismatch"})
			}
		}

		payload := maps.Clone(req.Payload)
		if payload == nil {
			payload = make(map[string]any, 2)
		}
		entry = domain.CorrectionEntry{
			ID:         xid.New("corr"),
			DaySheetID: sheet.ID,
			ShiftID:    req.ShiftID,
			JobID:      req.JobID,
			Type:       correctionType,
			Payload:    payload,
			Status:     domain.CorrectionStatusOpen,
			CreatedBy:  actor.Username,
			CreatedFor: strings.TrimSpace(req.CreatedFor),
			CreatedAt:  s.now(),
		}
		if err := q.CreateCorrection(ctx, entry); err != nil {
			return fmt.Errorf("create correction: %w", err)
		}

		body := maps.Clone(payload)
		body["daysheet_id"] = sheet.ID
		body["type"] = correctionType
		s.emit(ctx, q, actor, event{
			entityType: entityCorrection,
			entityID:   entry.ID,
			name:       domain.EventCorrectionCreated,
			branchID:   sheet.BranchID,
			payload:    body,
		})
		return nil
	})
	if err != nil {
		return domain.CorrectionEntry{}, err
	}

	if entry.ShiftID != "" {
		if err := s.checkRepeatedCorrections(ctx, entry.ShiftID); err != nil {
			log.Warn().Err(err).Str("shift_id", entry.ShiftID).Msg("service: repeated corrections check failed")
		}
	}
	return entry, nil
}

// checkRepeatedCorrections flags a shift once its correction count reaches
// the configured threshold. The shift row lock serialises concurrent checks;
// a shift carries at most one such flag.
func (s *Service) checkRepeatedCorrections(ctx context.Context, shiftID string) error {
	return s.repo.Atomic(ctx, func(q store.Queries) error {
		shift, err := q.LockShift(ctx, shiftID)
		if err != nil {
			return err
		}
		count, err := q.CountShiftCorrections(ctx, shiftID)
		if err != nil {
			return err
		}
		if count < s.settings.RepeatedCorrections {
			return nil
		}
		existing, err := q.ListAnomalyFlags(ctx, domain.AnomalyFilter{
			DaySheetID: shift.DaySheetID,
			ShiftID:    shift.ID,
			Type:       domain.FlagTypeRepeatedCorrections,
			Limit:      1,
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		s.raiseFlag(ctx, q, domain.AnomalyFlag{
			BranchID:    shift.BranchID,
			DaySheetID:  shift.DaySheetID,
			ShiftID:     shift.ID,
			Type:        domain.FlagTypeRepeatedCorrections,
			Severity:    domain.SeverityMedium,
			Description: fmt.Sprintf("Shift %s has %d corrections", shift.ID, count),
			NotifiedTo:  []string{domain.RoleManager},
		}, domain.EventRepeatedCorrects, map[string]any{"shift_id": shift.ID, "count": count})
		return nil
	})
}

func (s *Service) ResolveCorrection(ctx context.Context, id string, req domain.CorrectionResolveRequest) (domain.CorrectionEntry, error) {
	actor, err := requireRole(ctx, domain.RoleManager)
	if err != nil {
		return domain.CorrectionEntry{}, err
	}

	var entry domain.CorrectionEntry
	err = s.repo.Atomic(ctx, func(q store.Queries) error {
		var err error
		entry, err = q.LockCorrection(ctx, id)
		if err != nil {
			return notFound(err, "correction %s", id)
		}
		sheet, err := q.GetDaySheet(ctx, entry.DaySheetID)
		if err != nil {
			return notFound(err, "daysheet %s", entry.DaySheetID)
		}
		if err := checkBranch(actor, sheet.BranchID); err != nil {
			return err
		}
		if entry.Status != domain.CorrectionStatusOpen {
			return apperr.State("correction %s is already %s", entry.ID, entry.Status)
		}

		now := s.now()
		entry.Status = domain.CorrectionStatusRejected
		if req.Approve {
			entry.Status = domain.CorrectionStatusApproved
		}
		entry.ApprovedBy = actor.Username
		entry.ApprovedAt = &now
		if err := q.UpdateCorrection(ctx, entry); err != nil {
			return fmt.Errorf("update correction: %w", err)
		}
		s.emit(ctx, q, actor, event{
			entityType: entityCorrection,
			entityID:   entry.ID,
			name:       domain.EventCorrectionClosed,
			branchID:   sheet.BranchID,
			payload:    map[string]any{"status": entry.Status, "daysheet_id": sheet.ID},
		})
		return nil
	})
	return entry, err
}
