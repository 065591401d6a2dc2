package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"pressdesk/backend/internal/apperr"
	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/report"
	"pressdesk/backend/internal/service"
)

type jobTransition func(ctx context.Context, jobID string, req domain.JobTransitionRequest) (domain.Job, error)

func (a *API) handleInstantJob(w http.ResponseWriter, r *http.Request) {
	var req domain.InstantJobRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	job, err := a.service.CreateInstantJob(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (a *API) handleQueuedJob(w http.ResponseWriter, r *http.Request) {
	var req domain.QueuedJobRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	job, err := a.service.CreateQueuedJob(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (a *API) handleJobTransition(transition jobTransition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.JobTransitionRequest
		if r.ContentLength != 0 && !a.decodeAndValidate(w, r, &req) {
			return
		}
		job, err := transition(r.Context(), r.PathValue("id"), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (a *API) handleAttachJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DaySheetID string `json:"daysheet_id" validate:"required"`
	}
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	result, err := a.service.AttachJobToDaySheet(r.Context(), r.PathValue("id"), req.DaySheetID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	summary, err := a.service.QueueSummary(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleListDaySheets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	branchID := strings.TrimSpace(query.Get("branch_id"))
	if branchID == "" {
		if actor, ok := service.ActorFromContext(r.Context()); ok {
			branchID = actor.BranchID
		}
	}
	sheets, err := a.service.ListDaySheets(r.Context(), branchID, query.Get("from"), query.Get("to"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"daysheets": sheets})
}

func (a *API) handleCurrentDaySheet(w http.ResponseWriter, r *http.Request) {
	var req domain.DaySheetRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	sheet, created, err := a.service.GetOrCreateDaySheet(r.Context(), req.BranchID)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"daysheet": sheet, "created": created})
}

func (a *API) handleGetDaySheet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := a.service.GetDaySheet(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := a.service.LiveSummary(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"daysheet":   view.DaySheet,
		"shifts":     view.Shifts,
		"daily_sale": view.DailySale,
		"summary":    summary,
	})
}

func (a *API) handleDayTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := a.service.DayTotals(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (a *API) handleListShifts(w http.ResponseWriter, r *http.Request) {
	shifts, err := a.service.ListShifts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shifts": shifts})
}

// handleExport renders the day report into a buffer first so a render
// failure can still produce a JSON error.
func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = report.FormatCSV
	}
	if format != report.FormatCSV && format != report.FormatXLSX {
		writeError(w, apperr.ValidationFields("unsupported export format", map[string]string{"format": "must be csv or xlsx"}))
		return
	}

	dayReport, err := a.service.DayReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := report.Write(&buf, dayReport, format); err != nil {
		writeError(w, fmt.Errorf("render %s report: %w", format, err))
		return
	}

	w.Header().Set("Content-Type", report.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename(dayReport, format)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		log.Warn().Err(err).Str("daysheet_id", dayReport.DaySheet.ID).Msg("httpapi: export write failed")
	}
}

func (a *API) handleManagerClose(w http.ResponseWriter, r *http.Request) {
	if !a.allowPIN(w, r) {
		return
	}
	var req domain.DayCloseRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	sheet, err := a.service.ManagerCloseDay(r.Context(), r.PathValue("id"), req.PIN)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sheet)
}

func (a *API) handleHQClose(w http.ResponseWriter, r *http.Request) {
	sheet, err := a.service.HQCloseDay(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sheet)
}

func (a *API) handleShiftStart(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftStartRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	shift, err := a.service.StartShift(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, shift)
}

func (a *API) handleShiftClose(w http.ResponseWriter, r *http.Request) {
	if !a.allowPIN(w, r) {
		return
	}
	var req domain.ShiftCloseRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	shift, err := a.service.CloseShift(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}

func (a *API) handleShiftTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := a.service.ShiftTotals(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totals":        totals,
		"expected_cash": totals.ExpectedCash(),
	})
}

func (a *API) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	flags, err := a.service.ListAnomalyFlags(r.Context(), domain.AnomalyFilter{
		BranchID:   strings.TrimSpace(query.Get("branch_id")),
		DaySheetID: strings.TrimSpace(query.Get("daysheet_id")),
		Type:       strings.TrimSpace(query.Get("type")),
		Limit:      parsePositiveLimit(query.Get("limit"), 100, 500),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": flags})
}

func (a *API) handleCreateCorrection(w http.ResponseWriter, r *http.Request) {
	var req domain.CorrectionRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	entry, err := a.service.CreateCorrection(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleResolveCorrection(w http.ResponseWriter, r *http.Request) {
	var req domain.CorrectionResolveRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	entry, err := a.service.ResolveCorrection(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.auth.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.UserCreateRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	user, err := a.auth.CreateUser(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// allowPIN rate-limits PIN-bearing requests per caller and client address.
func (a *API) allowPIN(w http.ResponseWriter, r *http.Request) bool {
	key := clientKey(r)
	if actor, ok := service.ActorFromContext(r.Context()); ok {
		key = actor.Username + "@" + key
	}
	if !a.pinLimiter.Allow(key) {
		writeFailure(w, http.StatusTooManyRequests, "rate_limited", "too many PIN attempts")
		return false
	}
	return true
}
