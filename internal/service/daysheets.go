package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pressdesk/backend/internal/apperr"
	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
	"pressdesk/backend/internal/xid"
)

// GetOrCreateDaySheet returns the open daysheet of the branch for its local
// date, creating it when none exists.
func (s *Service) GetOrCreateDaySheet(ctx context.Context, branchID string) (domain.DaySheet, bool, error) {
	actor, err := requireRole(ctx, domain.RoleAttendant, domain.RoleManager)
	if err != nil {
		return domain.DaySheet{}, false, err
	}
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return domain.DaySheet{}, false, apperr.ValidationFields("branch_id is required", map[string]string{"branch_id": "required"})
	}
	if err := checkBranch(actor, branchID); err != nil {
		return domain.DaySheet{}, false, err
	}

	var (
		sheet   domain.DaySheet
		created bool
	)
	err = s.repo.Atomic(ctx, func(q store.Queries) error {
		var err error
		sheet, created, err = s.getOrCreateDaySheet(ctx, q, actor, branchID)
		return err
	})
	if err != nil {
		return domain.DaySheet{}, false, err
	}
	return sheet, created, nil
}

// getOrCreateDaySheet locks the branch row, then the open daysheet of the
// local date. The branch lock serialises creators; the partial unique index
// on (branch_id, date) catches anything that slips past it.
func (s *Service) getOrCreateDaySheet(ctx context.Context, q store.Queries, actor domain.Actor, branchID string) (domain.DaySheet, bool, error) {
	branch, err := q.LockBranch(ctx, branchID)
	if err != nil {
		return domain.DaySheet{}, false, notFound(err, "branch %s", branchID)
	}

	now := s.now()
	localDate := domain.LocalDate(branch, now)
	date := localDate.Format(domain.DateLayout)

	sheet, err := q.LockOpenDaySheet(ctx, branchID, date)
	if err == nil {
		return sheet, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.DaySheet{}, false, fmt.Errorf("lookup open daysheet: %w", err)
	}

	sheet = domain.DaySheet{
		ID:          xid.New("ds"),
		BranchID:    branchID,
		Date:        date,
		Weekday:     localDate.Weekday().String(),
		Status:      domain.DaySheetStatusOpen,
		TotalAmount: decimal.Zero,
		OpenedBy:    actor.Username,
		OpenedAt:    now,
		Meta:        domain.DaySheetMeta{Branch: domain.Snapshot(branch, branch.City)},
		UpdatedAt:   now,
	}
	if err := q.CreateDaySheet(ctx, sheet); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return domain.DaySheet{}, false, fmt.Errorf("create daysheet: %w", err)
		}
		existing, lookupErr := q.LockOpenDaySheet(ctx, branchID, date)
		if lookupErr != nil {
			return domain.DaySheet{}, false, fmt.Errorf("lookup daysheet after conflict: %w", lookupErr)
		}
		return existing, false, nil
	}

	s.emit(ctx, q, actor, event{
		entityType: entityDaySheet,
		entityID:   sheet.ID,
		name:       domain.EventDaySheetCreated,
		branchID:   branchID,
		payload:    map[string]any{"date": date, "weekday": sheet.Weekday},
	})
	return sheet, true, nil
}

func (s *Service) GetDaySheet(ctx context.Context, id string) (domain.DaySheetView, error) {
	actor, err := requireRole(ctx, domain.RoleAttendant, domain.RoleManager, domain.RoleHQ)
	if err != nil {
		return domain.DaySheetView{}, err
	}

	var view domain.DaySheetView
	err = s.repo.View(ctx, func(q store.Queries) error {
		sheet, err := q.GetDaySheet(ctx, id)
		if err != nil {
			return notFound(err, "daysheet %s", id)
		}
		if err := checkBranch(actor, sheet.BranchID); err != nil {
			return err
		}
		shifts, err := q.ListShifts(ctx, id)
		if err != nil {
			return fmt.Errorf("list shifts: %w", err)
		}
		view = domain.DaySheetView{DaySheet: sheet, Shifts: shifts}
		sale, err := q.GetDailySale(ctx, sheet.BranchID, sheet.Date)
		if err == nil {
			view.DailySale = &sale
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load daily sale: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.DaySheetView{}, err
	}
	return view, nil
}

// ListDaySheets returns the daysheets of a branch between two local dates,
// newest first. Empty bounds are open.
func (s *Service) ListDaySheets(ctx context.Context, branchID string, from string, to string) ([]domain.DaySheet, error) {
	actor, err := requireRole(ctx, domain.RoleManager, domain.RoleHQ)
	if err != nil {
		return nil, err
	}
	if err := checkBranch(actor, branchID); err != nil {
		return nil, err
	}
	for field, value := range map[string]string{"from": from, "to": to} {
		if value == "" {
			continue
		}
		if _, err := parseDate(value); err != nil {
			return nil, apperr.ValidationFields("invalid date", map[string]string{field: "must be YYYY-MM-DD"})
		}
	}

	var sheets []domain.DaySheet
	err = s.repo.View(ctx, func(q store.Queries) error {
		var err error
		sheets, err = q.ListDaySheets(ctx, store.DaySheetFilter{BranchID: branchID, DateFrom: from, DateTo: to, Limit: 366})
		return err
	})
	return sheets, err
}

// LiveSummary reports the fast counters. They can drift from the aggregator
// and are labelled approximate.
func (s *Service) LiveSummary(ctx context.Context, daysheetID string) (domain.LiveSummary, error) {
	view, err := s.GetDaySheet(ctx, daysheetID)
	if err != nil {
		return domain.LiveSummary{}, err
	}
	summary := domain.LiveSummary{
		DaySheetID:  view.DaySheet.ID,
		BranchID:    view.DaySheet.BranchID,
		Date:        view.DaySheet.Date,
		Status:      view.DaySheet.Status,
		TotalJobs:   view.DaySheet.TotalJobs,
		TotalAmount: view.DaySheet.TotalAmount,
		DailySale:   view.DailySale,
		Approximate: true,
	}
	for _, shift := range view.Shifts {
		if shift.Status == domain.ShiftStatusOpen {
			summary.OpenShifts++
		}
	}
	return summary, nil
}

// DayTotals returns the sealed snapshot of a closed daysheet, or a fresh
// aggregation while it is still open.
func (s *Service) DayTotals(ctx context.Context, daysheetID string) (domain.DayTotals, error) {
	actor, err := requireRole(ctx, domain.RoleManager, domain.RoleHQ)
	if err != nil {
		return domain.DayTotals{}, err
	}

	var totals domain.DayTotals
	err = s.repo.View(ctx, func(q store.Queries) error {
		sheet, err := q.GetDaySheet(ctx, daysheetID)
		if err != nil {
			return notFound(err, "daysheet %s", daysheetID)
		}
		if err := checkBranch(actor, sheet.BranchID); err != nil {
			return err
		}
		if sheet.Meta.FinalAggregation != nil {
			totals = *sheet.Meta.FinalAggregation
			return nil
		}
		totals, err = s.days.Totals(ctx, q, daysheetID)
		return err
	})
	return totals, err
}

// DayReport gathers what the daysheet export needs in one read.
func (s *Service) DayReport(ctx context.Context, daysheetID string) (domain.DayReport, error) {
	actor, err := requireRole(ctx, domain.RoleManager, domain.RoleHQ)
	if err != nil {
		return domain.DayReport{}, err
	}

	var report domain.DayReport
	err = s.repo.View(ctx, func(q store.Queries) error {
		sheet, err := q.GetDaySheet(ctx, daysheetID)
		if err != nil {
			return notFound(err, "daysheet %s", daysheetID)
		}
		if err := checkBranch(actor, sheet.BranchID); err != nil {
			return err
		}
		shifts, err := q.ListShifts(ctx, sheet.ID)
		if err != nil {
			return fmt.Errorf("list shifts: %w", err)
		}
		report = domain.DayReport{DaySheet: sheet, Shifts: shifts}
		if sheet.Meta.FinalAggregation != nil {
			report.Totals = *sheet.Meta.FinalAggregation
			return nil
		}
		report.Totals, err = s.days.Totals(ctx, q, sheet.ID)
		return err
	})
	return report, err
}

func parseDate(value string) (time.Time, error) {
	return time.Parse(domain.DateLayout, value)
}
