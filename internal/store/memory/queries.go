package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
)

// queries implements store.Queries over one state snapshot. Row locks are
// implicit: Atomic already holds the writer lock.
type queries struct {
	st       *state
	readOnly bool
}

func (q *queries) writable() error {
	if q.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

func (q *queries) GetBranch(_ context.Context, id string) (domain.Branch, error) {
	branch, ok := q.st.branches[id]
	if !ok {
		return domain.Branch{}, store.ErrNotFound
	}
	return branch, nil
}

func (q *queries) LockBranch(ctx context.Context, id string) (domain.Branch, error) {
	return q.GetBranch(ctx, id)
}

func (q *queries) GetServiceType(_ context.Context, id string) (domain.ServiceType, error) {
	service, ok := q.st.services[id]
	if !ok {
		return domain.ServiceType{}, store.ErrNotFound
	}
	return service, nil
}

func (q *queries) ListPricingRules(_ context.Context, serviceID string) ([]domain.PricingRule, error) {
	rules := make([]domain.PricingRule, 0, 4)
	for _, rule := range q.st.pricingRules {
		if rule.ServiceID == serviceID {
			rules = append(rules, rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

func (q *queries) CreateJob(_ context.Context, job domain.Job) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, exists := q.st.jobs[job.ID]; exists {
		return store.ErrConflict
	}
	q.st.jobs[job.ID] = cloneJob(job)
	return nil
}

func (q *queries) GetJob(_ context.Context, id string) (domain.Job, error) {
	job, ok := q.st.jobs[id]
	if !ok {
		return domain.Job{}, store.ErrNotFound
	}
	return cloneJob(job), nil
}

func (q *queries) LockJob(ctx context.Context, id string) (domain.Job, error) {
	return q.GetJob(ctx, id)
}

func (q *queries) UpdateJob(_ context.Context, job domain.Job) error {
	if err := q.writable(); err != nil {
		return err
	}
	current, ok := q.st.jobs[job.ID]
	if !ok {
		return store.ErrNotFound
	}
	// price snapshot and the daysheet back-reference are write-once
	job.UnitPrice = current.UnitPrice
	if current.DaySheetID != "" {
		job.DaySheetID = current.DaySheetID
	}
	q.st.jobs[job.ID] = cloneJob(job)
	return nil
}

func (q *queries) ListJobs(_ context.Context, filter store.JobFilter) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0, 16)
	for _, job := range q.st.jobs {
		if !matchJob(job, filter) {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func matchJob(job domain.Job, filter store.JobFilter) bool {
	if filter.BranchID != "" && job.BranchID != filter.BranchID {
		return false
	}
	if filter.DaySheetID != "" && job.DaySheetID != filter.DaySheetID {
		return false
	}
	if filter.ServiceID != "" && job.ServiceID != filter.ServiceID {
		return false
	}
	if filter.ExcludeID != "" && job.ID == filter.ExcludeID {
		return false
	}
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, job.Status) {
		return false
	}
	if !filter.CreatedFrom.IsZero() && job.CreatedAt.Before(filter.CreatedFrom) {
		return false
	}
	if !filter.CreatedTo.IsZero() && job.CreatedAt.After(filter.CreatedTo) {
		return false
	}
	if filter.PerformedBy != "" && job.PerformedBy() != filter.PerformedBy {
		return false
	}
	performedAt := job.PerformedAt()
	if !filter.PerformedFrom.IsZero() && performedAt.Before(filter.PerformedFrom) {
		return false
	}
	if !filter.PerformedAfter.IsZero() && !performedAt.After(filter.PerformedAfter) {
		return false
	}
	if !filter.PerformedTo.IsZero() && performedAt.After(filter.PerformedTo) {
		return false
	}
	if filter.TotalAmount != nil && !job.TotalAmount.Equal(*filter.TotalAmount) {
		return false
	}
	return true
}

func (q *queries) CountDaySheetJobs(_ context.Context, daysheetID string) (int, int, error) {
	total, unpriced := 0, 0
	for _, job := range q.st.jobs {
		if job.DaySheetID != daysheetID {
			continue
		}
		total++
		if service, ok := q.st.services[job.ServiceID]; ok && !service.IsPriced {
			unpriced++
		}
	}
	return total, unpriced, nil
}

func (q *queries) CreateJobRecord(_ context.Context, record domain.JobRecord) error {
	if err := q.writable(); err != nil {
		return err
	}
	q.st.jobRecords = append(q.st.jobRecords, record)
	return nil
}

func (q *queries) GetDaySheet(_ context.Context, id string) (domain.DaySheet, error) {
	sheet, ok := q.st.daysheets[id]
	if !ok {
		return domain.DaySheet{}, store.ErrNotFound
	}
	return sheet, nil
}

func (q *queries) LockDaySheet(ctx context.Context, id string) (domain.DaySheet, error) {
	return q.GetDaySheet(ctx, id)
}

func (q *queries) LockOpenDaySheet(_ context.Context, branchID string, date string) (domain.DaySheet, error) {
	for _, sheet := range q.st.daysheets {
		if sheet.BranchID == branchID && sheet.Date == date && sheet.Status == domain.DaySheetStatusOpen {
			return sheet, nil
		}
	}
	return domain.DaySheet{}, store.ErrNotFound
}

func (q *queries) CreateDaySheet(_ context.Context, sheet domain.DaySheet) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, exists := q.st.daysheets[sheet.ID]; exists {
		return store.ErrConflict
	}
	if sheet.Status == domain.DaySheetStatusOpen {
		for _, existing := range q.st.daysheets {
			if existing.BranchID == sheet.BranchID && existing.Date == sheet.Date && existing.Status == domain.DaySheetStatusOpen {
				return store.ErrConflict
			}
		}
	}
	q.st.daysheets[sheet.ID] = sheet
	return nil
}

func (q *queries) UpdateDaySheet(_ context.Context, sheet domain.DaySheet) error {
	if err := q.writable(); err != nil {
		return err
	}
	current, ok := q.st.daysheets[sheet.ID]
	if !ok {
		return store.ErrNotFound
	}
	// counters only move through IncrementDaySheetTotals
	sheet.TotalJobs = current.TotalJobs
	sheet.TotalAmount = current.TotalAmount
	q.st.daysheets[sheet.ID] = sheet
	return nil
}

func (q *queries) IncrementDaySheetTotals(_ context.Context, id string, jobs int, amount decimal.Decimal) error {
	if err := q.writable(); err != nil {
		return err
	}
	sheet, ok := q.st.daysheets[id]
	if !ok {
		return store.ErrNotFound
	}
	sheet.TotalJobs += jobs
	sheet.TotalAmount = sheet.TotalAmount.Add(amount)
	sheet.UpdatedAt = time.Now().UTC()
	q.st.daysheets[id] = sheet
	return nil
}

func (q *queries) ListDaySheets(_ context.Context, filter store.DaySheetFilter) ([]domain.DaySheet, error) {
	sheets := make([]domain.DaySheet, 0, 8)
	for _, sheet := range q.st.daysheets {
		if filter.BranchID != "" && sheet.BranchID != filter.BranchID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, sheet.Status) {
			continue
		}
		if filter.DateBefore != "" && sheet.Date >= filter.DateBefore {
			continue
		}
		if filter.DateFrom != "" && sheet.Date < filter.DateFrom {
			continue
		}
		if filter.DateTo != "" && sheet.Date > filter.DateTo {
			continue
		}
		sheets = append(sheets, sheet)
	}
	sort.Slice(sheets, func(i, j int) bool {
		if sheets[i].Date == sheets[j].Date {
			return sheets[i].BranchID < sheets[j].BranchID
		}
		return sheets[i].Date > sheets[j].Date
	})
	if filter.Limit > 0 && len(sheets) > filter.Limit {
		sheets = sheets[:filter.Limit]
	}
	return sheets, nil
}

func (q *queries) UpsertDailySale(_ context.Context, branchID string, date string, amount decimal.Decimal, at time.Time) error {
	if err := q.writable(); err != nil {
		return err
	}
	key := branchID + "|" + date
	sale, ok := q.st.dailySales[key]
	if !ok {
		sale = domain.DailySale{BranchID: branchID, Date: date}
	}
	sale.TotalAmount = sale.TotalAmount.Add(amount)
	sale.TotalCount++
	sale.UpdatedAt = at
	q.st.dailySales[key] = sale
	return nil
}

func (q *queries) GetDailySale(_ context.Context, branchID string, date string) (domain.DailySale, error) {
	sale, ok := q.st.dailySales[branchID+"|"+date]
	if !ok {
		return domain.DailySale{}, store.ErrNotFound
	}
	return sale, nil
}

func (q *queries) GetShift(_ context.Context, id string) (domain.DaySheetShift, error) {
	shift, ok := q.st.shifts[id]
	if !ok {
		return domain.DaySheetShift{}, store.ErrNotFound
	}
	return shift, nil
}

func (q *queries) LockShift(ctx context.Context, id string) (domain.DaySheetShift, error) {
	return q.GetShift(ctx, id)
}

func (q *queries) LockOpenShift(_ context.Context, daysheetID string, username string) (domain.DaySheetShift, error) {
	for _, shift := range q.st.shifts {
		if shift.DaySheetID == daysheetID && shift.Username == username && shift.Status == domain.ShiftStatusOpen {
			return shift, nil
		}
	}
	return domain.DaySheetShift{}, store.ErrNotFound
}

func (q *queries) CreateShift(_ context.Context, shift domain.DaySheetShift) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, exists := q.st.shifts[shift.ID]; exists {
		return store.ErrConflict
	}
	if shift.Status == domain.ShiftStatusOpen {
		for _, existing := range q.st.shifts {
			if existing.DaySheetID == shift.DaySheetID && existing.Username == shift.Username && existing.Status == domain.ShiftStatusOpen {
				return store.ErrConflict
			}
		}
	}
	q.st.shifts[shift.ID] = shift
	return nil
}

func (q *queries) UpdateShift(_ context.Context, shift domain.DaySheetShift) error {
	if err := q.writable(); err != nil {
		return err
	}
	current, ok := q.st.shifts[shift.ID]
	if !ok {
		return store.ErrNotFound
	}
	// the failure counter has its own write path
	shift.PINFailedAttempts = current.PINFailedAttempts
	q.st.shifts[shift.ID] = shift
	return nil
}

func (q *queries) ListShifts(_ context.Context, daysheetID string) ([]domain.DaySheetShift, error) {
	shifts := make([]domain.DaySheetShift, 0, 4)
	for _, shift := range q.st.shifts {
		if shift.DaySheetID == daysheetID {
			shifts = append(shifts, shift)
		}
	}
	sortShifts(shifts)
	return shifts, nil
}

func (q *queries) ListOpenShiftsStartedBefore(_ context.Context, before time.Time) ([]domain.DaySheetShift, error) {
	shifts := make([]domain.DaySheetShift, 0, 4)
	for _, shift := range q.st.shifts {
		if shift.Status == domain.ShiftStatusOpen && shift.ShiftStart.Before(before) {
			shifts = append(shifts, shift)
		}
	}
	sortShifts(shifts)
	return shifts, nil
}

func sortShifts(shifts []domain.DaySheetShift) {
	sort.Slice(shifts, func(i, j int) bool {
		if shifts[i].ShiftStart.Equal(shifts[j].ShiftStart) {
			return shifts[i].ID < shifts[j].ID
		}
		return shifts[i].ShiftStart.Before(shifts[j].ShiftStart)
	})
}

func (q *queries) CountOpenShifts(_ context.Context, daysheetID string) (int, error) {
	count := 0
	for _, shift := range q.st.shifts {
		if shift.DaySheetID == daysheetID && shift.Status == domain.ShiftStatusOpen {
			count++
		}
	}
	return count, nil
}

func (q *queries) CreateAnomalyFlag(_ context.Context, flag domain.AnomalyFlag) error {
	if err := q.writable(); err != nil {
		return err
	}
	flag.NotifiedTo = slices.Clone(flag.NotifiedTo)
	q.st.flags = append(q.st.flags, flag)
	return nil
}

func (q *queries) HasAnomalyFlag(_ context.Context, daysheetID string, flagType string) (bool, error) {
	for _, flag := range q.st.flags {
		if flag.DaySheetID == daysheetID && flag.Type == flagType {
			return true, nil
		}
	}
	return false, nil
}

func (q *queries) ListAnomalyFlags(_ context.Context, filter domain.AnomalyFilter) ([]domain.AnomalyFlag, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	flags := make([]domain.AnomalyFlag, 0, 8)
	for i := len(q.st.flags) - 1; i >= 0 && len(flags) < limit; i-- {
		flag := q.st.flags[i]
		if filter.BranchID != "" && flag.BranchID != filter.BranchID {
			continue
		}
		if filter.DaySheetID != "" && flag.DaySheetID != filter.DaySheetID {
			continue
		}
		if filter.ShiftID != "" && flag.ShiftID != filter.ShiftID {
			continue
		}
		if filter.Type != "" && flag.Type != filter.Type {
			continue
		}
		flags = append(flags, flag)
	}
	return flags, nil
}

func (q *queries) CreateStatusLog(_ context.Context, entry domain.StatusLog) error {
	if err := q.writable(); err != nil {
		return err
	}
	q.st.statusLogs = append(q.st.statusLogs, entry)
	return nil
}

func (q *queries) ListStatusLogs(_ context.Context, entityType string, entityID string) ([]domain.StatusLog, error) {
	entries := make([]domain.StatusLog, 0, 8)
	for _, entry := range q.st.statusLogs {
		if entry.EntityType == entityType && entry.EntityID == entityID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (q *queries) CreateShadowEvent(_ context.Context, event domain.ShadowEvent) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, exists := q.st.shadowEvents[event.ID]; exists {
		return store.ErrConflict
	}
	q.st.shadowEvents[event.ID] = event
	q.st.shadowOrder = append(q.st.shadowOrder, event.ID)
	return nil
}

func (q *queries) CreateCorrection(_ context.Context, entry domain.CorrectionEntry) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, exists := q.st.corrections[entry.ID]; exists {
		return store.ErrConflict
	}
	q.st.corrections[entry.ID] = entry
	return nil
}

func (q *queries) LockCorrection(_ context.Context, id string) (domain.CorrectionEntry, error) {
	entry, ok := q.st.corrections[id]
	if !ok {
		return domain.CorrectionEntry{}, store.ErrNotFound
	}
	return entry, nil
}

func (q *queries) UpdateCorrection(_ context.Context, entry domain.CorrectionEntry) error {
	if err := q.writable(); err != nil {
		return err
	}
	current, ok := q.st.corrections[entry.ID]
	if !ok {
		return store.ErrNotFound
	}
	// payload is immutable once written
	entry.Payload = current.Payload
	q.st.corrections[entry.ID] = entry
	return nil
}

func (q *queries) CountShiftCorrections(_ context.Context, shiftID string) (int, error) {
	count := 0
	for _, entry := range q.st.corrections {
		if entry.ShiftID == shiftID {
			count++
		}
	}
	return count, nil
}
