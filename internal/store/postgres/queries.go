package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
)

// queries implements store.Queries on one transaction. In a read-only view
// the Lock* methods read without FOR UPDATE.
type queries struct {
	tx       *sql.Tx
	readOnly bool
}

type scanner interface {
	Scan(dest ...any) error
}

func (q *queries) writable() error {
	if q.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

func (q *queries) forUpdate() string {
	if q.readOnly {
		return ""
	}
	return " FOR UPDATE"
}

// savepoint runs fn so that a failed statement does not abort the enclosing
// transaction.
func (q *queries) savepoint(ctx context.Context, fn func() error) error {
	if _, err := q.tx.ExecContext(ctx, `SAVEPOINT sp_write`); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := q.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT sp_write`); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	_, err := q.tx.ExecContext(ctx, `RELEASE SAVEPOINT sp_write`)
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

const branchColumns = `id, name, city, timezone, manager_name, manager_email, manager_phone, active`

func (q *queries) getBranch(ctx context.Context, id string, suffix string) (domain.Branch, error) {
	var b domain.Branch
	err := q.tx.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = $1`+suffix, id).
		Scan(&b.ID, &b.Name, &b.City, &b.TimezoneName, &b.ManagerName, &b.ManagerEmail, &b.ManagerPhone, &b.Active)
	if err != nil {
		return domain.Branch{}, notFound(err)
	}
	return b, nil
}

func (q *queries) GetBranch(ctx context.Context, id string) (domain.Branch, error) {
	return q.getBranch(ctx, id, "")
}

func (q *queries) LockBranch(ctx context.Context, id string) (domain.Branch, error) {
	return q.getBranch(ctx, id, q.forUpdate())
}

func (q *queries) GetServiceType(ctx context.Context, id string) (domain.ServiceType, error) {
	var st domain.ServiceType
	err := q.tx.QueryRowContext(ctx, `
		SELECT id, code, name, price, is_priced, active, avg_minutes_per_unit
		FROM service_types
		WHERE id = $1
	`, id).Scan(&st.ID, &st.Code, &st.Name, &st.Price, &st.IsPriced, &st.Active, &st.AvgMinutesPerUnit)
	if err != nil {
		return domain.ServiceType{}, notFound(err)
	}
	return st, nil
}

func (q *queries) ListPricingRules(ctx context.Context, serviceID string) ([]domain.PricingRule, error) {
	rows, err := q.tx.QueryContext(ctx, `
		SELECT id, service_id, pricing_type, paper_size, print_mode, color_mode, side_mode, unit_price, active
		FROM pricing_rules
		WHERE service_id = $1
		ORDER BY id
	`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]domain.PricingRule, 0, 4)
	for rows.Next() {
		var r domain.PricingRule
		if err := rows.Scan(&r.ID, &r.ServiceID, &r.PricingType, &r.PaperSize, &r.PrintMode, &r.ColorMode, &r.SideMode, &r.UnitPrice, &r.Active); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

const jobColumns = `
	id, branch_id, service_id, service_code, service_name, daysheet_id, customer_name, customer_phone,
	description, quantity, unit_price, total_amount, deposit_amount, payment_type, type, status, priority,
	expected_minutes_per_unit, queue_position, expected_ready_at, meta, created_by, created_at, updated_at,
	completed_at, completed_by`

func scanJob(row scanner) (domain.Job, error) {
	var (
		job                  domain.Job
		daysheetID           sql.NullString
		readyAt, completedAt sql.NullTime
		meta                 []byte
	)
	err := row.Scan(
		&job.ID, &job.BranchID, &job.ServiceID, &job.ServiceCode, &job.ServiceName, &daysheetID,
		&job.CustomerName, &job.CustomerPhone, &job.Description, &job.Quantity, &job.UnitPrice,
		&job.TotalAmount, &job.DepositAmount, &job.PaymentType, &job.Type, &job.Status, &job.Priority,
		&job.ExpectedMinutesPerUnit, &job.QueuePosition, &readyAt, &meta, &job.CreatedBy,
		&job.CreatedAt, &job.UpdatedAt, &completedAt, &job.CompletedBy,
	)
	if err != nil {
		return domain.Job{}, err
	}
	job.DaySheetID = daysheetID.String
	job.ExpectedReadyAt = timePtr(readyAt)
	job.CompletedAt = timePtr(completedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.Meta = map[string]string{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Meta); err != nil {
			return domain.Job{}, fmt.Errorf("decode job meta: %w", err)
		}
	}
	return job, nil
}

func (q *queries) CreateJob(ctx context.Context, job domain.Job) error {
	if err := q.writable(); err != nil {
		return err
	}
	meta, err := marshalJSON(job.Meta, "{}")
	if err != nil {
		return err
	}
	_, err = q.tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
	`, job.ID, job.BranchID, job.ServiceID, job.ServiceCode, job.ServiceName, nullIfEmpty(job.DaySheetID),
		job.CustomerName, job.CustomerPhone, job.Description, job.Quantity, job.UnitPrice,
		job.TotalAmount, job.DepositAmount, job.PaymentType, job.Type, job.Status, job.Priority,
		job.ExpectedMinutesPerUnit, job.QueuePosition, nullTime(job.ExpectedReadyAt), meta, job.CreatedBy,
		job.CreatedAt, job.UpdatedAt, nullTime(job.CompletedAt), job.CompletedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (q *queries) getJob(ctx context.Context, id string, suffix string) (domain.Job, error) {
	job, err := scanJob(q.tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`+suffix, id))
	if err != nil {
		return domain.Job{}, notFound(err)
	}
	return job, nil
}

func (q *queries) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return q.getJob(ctx, id, "")
}

func (q *queries) LockJob(ctx context.Context, id string) (domain.Job, error) {
	return q.getJob(ctx, id, q.forUpdate())
}

// UpdateJob never rewrites unit_price, and a daysheet back-reference once set
// stays put.
func (q *queries) UpdateJob(ctx context.Context, job domain.Job) error {
	if err := q.writable(); err != nil {
		return err
	}
	meta, err := marshalJSON(job.Meta, "{}")
	if err != nil {
		return err
	}
	res, err := q.tx.ExecContext(ctx, `
		UPDATE jobs SET
			daysheet_id = COALESCE(daysheet_id, $2),
			customer_name = $3, customer_phone = $4, description = $5, quantity = $6,
			total_amount = $7, deposit_amount = $8, payment_type = $9, status = $10, priority = $11,
			expected_minutes_per_unit = $12, queue_position = $13, expected_ready_at = $14,
			meta = $15, updated_at = $16, completed_at = $17, completed_by = $18
		WHERE id = $1
	`, job.ID, nullIfEmpty(job.DaySheetID), job.CustomerName, job.CustomerPhone, job.Description, job.Quantity,
		job.TotalAmount, job.DepositAmount, job.PaymentType, job.Status, job.Priority,
		job.ExpectedMinutesPerUnit, job.QueuePosition, nullTime(job.ExpectedReadyAt),
		meta, job.UpdatedAt, nullTime(job.CompletedAt), job.CompletedBy)
	return expectAffected(res, err)
}

type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *whereBuilder) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *whereBuilder) limit(n int) string {
	if n < 1 {
		return ""
	}
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

func (q *queries) ListJobs(ctx context.Context, filter store.JobFilter) ([]domain.Job, error) {
	var w whereBuilder
	if filter.BranchID != "" {
		w.add("branch_id = ?", filter.BranchID)
	}
	if filter.DaySheetID != "" {
		w.add("daysheet_id = ?", filter.DaySheetID)
	}
	if filter.ServiceID != "" {
		w.add("service_id = ?", filter.ServiceID)
	}
	if filter.ExcludeID != "" {
		w.add("id <> ?", filter.ExcludeID)
	}
	if len(filter.Statuses) > 0 {
		w.add("status = ANY(?)", filter.Statuses)
	}
	if !filter.CreatedFrom.IsZero() {
		w.add("created_at >= ?", filter.CreatedFrom)
	}
	if !filter.CreatedTo.IsZero() {
		w.add("created_at <= ?", filter.CreatedTo)
	}
	if filter.PerformedBy != "" {
		w.add("COALESCE(NULLIF(completed_by, ''), created_by) = ?", filter.PerformedBy)
	}
	if !filter.PerformedFrom.IsZero() {
		w.add("COALESCE(completed_at, created_at) >= ?", filter.PerformedFrom)
	}
	if !filter.PerformedAfter.IsZero() {
		w.add("COALESCE(completed_at, created_at) > ?", filter.PerformedAfter)
	}
	if !filter.PerformedTo.IsZero() {
		w.add("COALESCE(completed_at, created_at) <= ?", filter.PerformedTo)
	}
	if filter.TotalAmount != nil {
		w.add("total_amount = ?", *filter.TotalAmount)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs` + w.sql() + ` ORDER BY created_at, id`
	query += w.limit(filter.Limit)

	rows, err := q.tx.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0, 16)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (q *queries) CountDaySheetJobs(ctx context.Context, daysheetID string) (int, int, error) {
	var total, unpriced int
	err := q.tx.QueryRowContext(ctx, `
		SELECT count(*), count(*) FILTER (WHERE s.is_priced = false)
		FROM jobs j
		LEFT JOIN service_types s ON s.id = j.service_id
		WHERE j.daysheet_id = $1
	`, daysheetID).Scan(&total, &unpriced)
	if err != nil {
		return 0, 0, err
	}
	return total, unpriced, nil
}

func (q *queries) CreateJobRecord(ctx context.Context, record domain.JobRecord) error {
	if err := q.writable(); err != nil {
		return err
	}
	_, err := q.tx.ExecContext(ctx, `
		INSERT INTO job_records (id, job_id, performed_by, time_start, time_end, quantity_produced, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, record.ID, record.JobID, record.PerformedBy, record.TimeStart, nullTime(record.TimeEnd),
		record.QuantityProduced, record.Notes, record.CreatedAt)
	if isForeignKeyViolation(err) {
		return store.ErrNotFound
	}
	return err
}

const daysheetColumns = `
	id, branch_id, to_char(date, 'YYYY-MM-DD'), weekday, status, locked, total_jobs, total_amount,
	opened_by, opened_at, closed_by, closed_at, hq_closed_at, meta, updated_at`

func scanDaySheet(row scanner) (domain.DaySheet, error) {
	var (
		sheet              domain.DaySheet
		closedAt, hqClosed sql.NullTime
		meta               []byte
	)
	err := row.Scan(
		&sheet.ID, &sheet.BranchID, &sheet.Date, &sheet.Weekday, &sheet.Status, &sheet.Locked,
		&sheet.TotalJobs, &sheet.TotalAmount, &sheet.OpenedBy, &sheet.OpenedAt, &sheet.ClosedBy,
		&closedAt, &hqClosed, &meta, &sheet.UpdatedAt,
	)
	if err != nil {
		return domain.DaySheet{}, err
	}
	sheet.OpenedAt = sheet.OpenedAt.UTC()
	sheet.UpdatedAt = sheet.UpdatedAt.UTC()
	sheet.ClosedAt = timePtr(closedAt)
	sheet.HQClosedAt = timePtr(hqClosed)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sheet.Meta); err != nil {
			return domain.DaySheet{}, fmt.Errorf("decode daysheet meta: %w", err)
		}
	}
	return sheet, nil
}

func (q *queries) getDaySheet(ctx context.Context, id string, suffix string) (domain.DaySheet, error) {
	sheet, err := scanDaySheet(q.tx.QueryRowContext(ctx, `SELECT `+daysheetColumns+` FROM daysheets WHERE id = $1`+suffix, id))
	if err != nil {
		return domain.DaySheet{}, notFound(err)
	}
	return sheet, nil
}

func (q *queries) GetDaySheet(ctx context.Context, id string) (domain.DaySheet, error) {
	return q.getDaySheet(ctx, id, "")
}

func (q *queries) LockDaySheet(ctx context.Context, id string) (domain.DaySheet, error) {
	return q.getDaySheet(ctx, id, q.forUpdate())
}

func (q *queries) LockOpenDaySheet(ctx context.Context, branchID string, date string) (domain.DaySheet, error) {
	sheet, err := scanDaySheet(q.tx.QueryRowContext(ctx, `
		SELECT `+daysheetColumns+`
		FROM daysheets
		WHERE branch_id = $1 AND date = $2 AND status = 'open'
	`+q.forUpdate(), branchID, date))
	if err != nil {
		return domain.DaySheet{}, notFound(err)
	}
	return sheet, nil
}

// CreateDaySheet reports a second open sheet for the same branch and date as
// ErrConflict and leaves the transaction usable.
func (q *queries) CreateDaySheet(ctx context.Context, sheet domain.DaySheet) error {
	if err := q.writable(); err != nil {
		return err
	}
	meta, err := marshalJSON(sheet.Meta, "{}")
	if err != nil {
		return err
	}
	err = q.savepoint(ctx, func() error {
		_, err := q.tx.ExecContext(ctx, `
			INSERT INTO daysheets (
				id, branch_id, date, weekday, status, locked, total_jobs, total_amount,
				opened_by, opened_at, closed_by, closed_at, hq_closed_at, meta, updated_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, sheet.ID, sheet.BranchID, sheet.Date, sheet.Weekday, sheet.Status, sheet.Locked,
			sheet.TotalJobs, sheet.TotalAmount, sheet.OpenedBy, sheet.OpenedAt, sheet.ClosedBy,
			nullTime(sheet.ClosedAt), nullTime(sheet.HQClosedAt), meta, sheet.UpdatedAt)
		return err
	})
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if isForeignKeyViolation(err) {
		return store.ErrNotFound
	}
	return err
}

// UpdateDaySheet leaves the counters alone; they only move through
// IncrementDaySheetTotals.
func (q *queries) UpdateDaySheet(ctx context.Context, sheet domain.DaySheet) error {
	if err := q.writable(); err != nil {
		return err
	}
	meta, err := marshalJSON(sheet.Meta, "{}")
	if err != nil {
		return err
	}
	res, err := q.tx.ExecContext(ctx, `
		UPDATE daysheets SET
			status = $2, locked = $3, closed_by = $4, closed_at = $5, hq_closed_at = $6,
			meta = $7, updated_at = $8
		WHERE id = $1
	`, sheet.ID, sheet.Status, sheet.Locked, sheet.ClosedBy, nullTime(sheet.ClosedAt),
		nullTime(sheet.HQClosedAt), meta, sheet.UpdatedAt)
	return expectAffected(res, err)
}

func (q *queries) IncrementDaySheetTotals(ctx context.Context, id string, jobs int, amount decimal.Decimal) error {
	if err := q.writable(); err != nil {
		return err
	}
	res, err := q.tx.ExecContext(ctx, `
		UPDATE daysheets
		SET total_jobs = total_jobs + $2, total_amount = total_amount + $3, updated_at = now()
		WHERE id = $1
	`, id, jobs, amount)
	return expectAffected(res, err)
}

func (q *queries) ListDaySheets(ctx context.Context, filter store.DaySheetFilter) ([]domain.DaySheet, error) {
	var w whereBuilder
	if filter.BranchID != "" {
		w.add("branch_id = ?", filter.BranchID)
	}
	if len(filter.Statuses) > 0 {
		w.add("status = ANY(?)", filter.Statuses)
	}
	if filter.DateBefore != "" {
		w.add("date < ?", filter.DateBefore)
	}
	if filter.DateFrom != "" {
		w.add("date >= ?", filter.DateFrom)
	}
	if filter.DateTo != "" {
		w.add("date <= ?", filter.DateTo)
	}
	query := `SELECT ` + daysheetColumns + ` FROM daysheets` + w.sql() + ` ORDER BY date DESC, branch_id`
	query += w.limit(filter.Limit)

	rows, err := q.tx.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sheets := make([]domain.DaySheet, 0, 8)
	for rows.Next() {
		sheet, err := scanDaySheet(rows)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, sheet)
	}
	return sheets, rows.Err()
}

func (q *queries) UpsertDailySale(ctx context.Context, branchID string, date string, amount decimal.Decimal, at time.Time) error {
	if err := q.writable(); err != nil {
		return err
	}
	_, err := q.tx.ExecContext(ctx, `
		INSERT INTO daily_sales (branch_id, date, total_amount, total_count, updated_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (branch_id, date) DO UPDATE SET
			total_amount = daily_sales.total_amount + EXCLUDED.total_amount,
			total_count = daily_sales.total_count + 1,
			updated_at = EXCLUDED.updated_at
	`, branchID, date, amount, at)
	return err
}

func (q *queries) GetDailySale(ctx context.Context, branchID string, date string) (domain.DailySale, error) {
	var sale domain.DailySale
	err := q.tx.QueryRowContext(ctx, `
		SELECT branch_id, to_char(date, 'YYYY-MM-DD'), total_amount, total_count, updated_at
		FROM daily_sales
		WHERE branch_id = $1 AND date = $2
	`, branchID, date).Scan(&sale.BranchID, &sale.Date, &sale.TotalAmount, &sale.TotalCount, &sale.UpdatedAt)
	if err != nil {
		return domain.DailySale{}, notFound(err)
	}
	sale.UpdatedAt = sale.UpdatedAt.UTC()
	return sale, nil
}

const shiftColumns = `
	id, daysheet_id, branch_id, username, role, shift_start, shift_end, status, opening_cash,
	closing_cash, pin_verified_at, pin_verified_by, pin_failed_attempts, submitted, created_at, updated_at`

func scanShift(row scanner) (domain.DaySheetShift, error) {
	var (
		shift              domain.DaySheetShift
		shiftEnd, verified sql.NullTime
	)
	err := row.Scan(
		&shift.ID, &shift.DaySheetID, &shift.BranchID, &shift.Username, &shift.Role, &shift.ShiftStart,
		&shiftEnd, &shift.Status, &shift.OpeningCash, &shift.ClosingCash, &verified, &shift.PINVerifiedBy,
		&shift.PINFailedAttempts, &shift.Submitted, &shift.CreatedAt, &shift.UpdatedAt,
	)
	if err != nil {
		return domain.DaySheetShift{}, err
	}
	shift.ShiftStart = shift.ShiftStart.UTC()
	shift.CreatedAt = shift.CreatedAt.UTC()
	shift.UpdatedAt = shift.UpdatedAt.UTC()
	shift.ShiftEnd = timePtr(shiftEnd)
	shift.PINVerifiedAt = timePtr(verified)
	return shift, nil
}

func (q *queries) listShifts(ctx context.Context, where string, args ...any) ([]domain.DaySheetShift, error) {
	rows, err := q.tx.QueryContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE `+where+` ORDER BY shift_start, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shifts := make([]domain.DaySheetShift, 0, 4)
	for rows.Next() {
		shift, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, shift)
	}
	return shifts, rows.Err()
}

func (q *queries) getShift(ctx context.Context, id string, suffix string) (domain.DaySheetShift, error) {
	shift, err := scanShift(q.tx.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id = $1`+suffix, id))
	if err != nil {
		return domain.DaySheetShift{}, notFound(err)
	}
	return shift, nil
}

func (q *queries) GetShift(ctx context.Context, id string) (domain.DaySheetShift, error) {
	return q.getShift(ctx, id, "")
}

func (q *queries) LockShift(ctx context.Context, id string) (domain.DaySheetShift, error) {
	return q.getShift(ctx, id, q.forUpdate())
}

func (q *queries) LockOpenShift(ctx context.Context, daysheetID string, username string) (domain.DaySheetShift, error) {
	shift, err := scanShift(q.tx.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE daysheet_id = $1 AND username = $2 AND status = 'open'
	`+q.forUpdate(), daysheetID, username))
	if err != nil {
		return domain.DaySheetShift{}, notFound(err)
	}
	return shift, nil
}

func (q *queries) CreateShift(ctx context.Context, shift domain.DaySheetShift) error {
	if err := q.writable(); err != nil {
		return err
	}
	err := q.savepoint(ctx, func() error {
		_, err := q.tx.ExecContext(ctx, `
			INSERT INTO shifts (`+shiftColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		`, shift.ID, shift.DaySheetID, shift.BranchID, shift.Username, shift.Role, shift.ShiftStart,
			nullTime(shift.ShiftEnd), shift.Status, shift.OpeningCash, shift.ClosingCash,
			nullTime(shift.PINVerifiedAt), shift.PINVerifiedBy, shift.PINFailedAttempts, shift.Submitted,
			shift.CreatedAt, shift.UpdatedAt)
		return err
	})
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if isForeignKeyViolation(err) {
		return store.ErrNotFound
	}
	return err
}

// UpdateShift leaves pin_failed_attempts to IncrementShiftPINFailures.
func (q *queries) UpdateShift(ctx context.Context, shift domain.DaySheetShift) error {
	if err := q.writable(); err != nil {
		return err
	}
	res, err := q.tx.ExecContext(ctx, `
		UPDATE shifts SET
			role = $2, shift_end = $3, status = $4, opening_cash = $5, closing_cash = $6,
			pin_verified_at = $7, pin_verified_by = $8, submitted = $9, updated_at = $10
		WHERE id = $1
	`, shift.ID, shift.Role, nullTime(shift.ShiftEnd), shift.Status, shift.OpeningCash, shift.ClosingCash,
		nullTime(shift.PINVerifiedAt), shift.PINVerifiedBy, shift.Submitted, shift.UpdatedAt)
	return expectAffected(res, err)
}

func (q *queries) ListShifts(ctx context.Context, daysheetID string) ([]domain.DaySheetShift, error) {
	return q.listShifts(ctx, "daysheet_id = $1", daysheetID)
}

func (q *queries) ListOpenShiftsStartedBefore(ctx context.Context, before time.Time) ([]domain.DaySheetShift, error) {
	return q.listShifts(ctx, "status = 'open' AND shift_start < $1", before)
}

func (q *queries) CountOpenShifts(ctx context.Context, daysheetID string) (int, error) {
	var count int
	err := q.tx.QueryRowContext(ctx, `
		SELECT count(*) FROM shifts WHERE daysheet_id = $1 AND status = 'open'
	`, daysheetID).Scan(&count)
	return count, err
}

func (q *queries) CreateAnomalyFlag(ctx context.Context, flag domain.AnomalyFlag) error {
	if err := q.writable(); err != nil {
		return err
	}
	notified, err := marshalJSON(flag.NotifiedTo, "[]")
	if err != nil {
		return err
	}
	return q.savepoint(ctx, func() error {
		_, err := q.tx.ExecContext(ctx, `
			INSERT INTO anomaly_flags (id, branch_id, daysheet_id, shift_id, job_id, type, severity, description, notified_to, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, flag.ID, flag.BranchID, flag.DaySheetID, flag.ShiftID, flag.JobID, flag.Type, flag.Severity,
			flag.Description, notified, flag.CreatedAt)
		return err
	})
}

func (q *queries) HasAnomalyFlag(ctx context.Context, daysheetID string, flagType string) (bool, error) {
	var exists bool
	err := q.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM anomaly_flags WHERE daysheet_id = $1 AND type = $2)
	`, daysheetID, flagType).Scan(&exists)
	return exists, err
}

func (q *queries) ListAnomalyFlags(ctx context.Context, filter domain.AnomalyFilter) ([]domain.AnomalyFlag, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	var w whereBuilder
	if filter.BranchID != "" {
		w.add("branch_id = ?", filter.BranchID)
	}
	if filter.DaySheetID != "" {
		w.add("daysheet_id = ?", filter.DaySheetID)
	}
	if filter.ShiftID != "" {
		w.add("shift_id = ?", filter.ShiftID)
	}
	if filter.Type != "" {
		w.add("type = ?", filter.Type)
	}
	query := `
		SELECT id, branch_id, daysheet_id, shift_id, job_id, type, severity, description, notified_to, created_at
		FROM anomaly_flags` + w.sql() + ` ORDER BY created_at DESC, id DESC` + w.limit(limit)

	rows, err := q.tx.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	flags := make([]domain.AnomalyFlag, 0, 8)
	for rows.Next() {
		var (
			flag     domain.AnomalyFlag
			notified []byte
		)
		if err := rows.Scan(&flag.ID, &flag.BranchID, &flag.DaySheetID, &flag.ShiftID, &flag.JobID, &flag.Type,
			&flag.Severity, &flag.Description, &notified, &flag.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(notified, &flag.NotifiedTo); err != nil {
			return nil, fmt.Errorf("decode flag recipients: %w", err)
		}
		flag.CreatedAt = flag.CreatedAt.UTC()
		flags = append(flags, flag)
	}
	return flags, rows.Err()
}

func (q *queries) CreateStatusLog(ctx context.Context, entry domain.StatusLog) error {
	if err := q.writable(); err != nil {
		return err
	}
	payload, err := marshalJSON(entry.Payload, "{}")
	if err != nil {
		return err
	}
	return q.savepoint(ctx, func() error {
		_, err := q.tx.ExecContext(ctx, `
			INSERT INTO status_logs (id, entity_type, entity_id, event, actor_id, actor_role, payload, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, entry.ID, entry.EntityType, entry.EntityID, entry.Event, entry.ActorID, entry.ActorRole, payload, entry.CreatedAt)
		return err
	})
}

func (q *queries) ListStatusLogs(ctx context.Context, entityType string, entityID string) ([]domain.StatusLog, error) {
	rows, err := q.tx.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, event, actor_id, actor_role, payload, created_at
		FROM status_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at, id
	`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.StatusLog, 0, 8)
	for rows.Next() {
		var (
			entry   domain.StatusLog
			payload []byte
		)
		if err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Event, &entry.ActorID,
			&entry.ActorRole, &payload, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &entry.Payload); err != nil {
			return nil, fmt.Errorf("decode status log payload: %w", err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (q *queries) CreateShadowEvent(ctx context.Context, event domain.ShadowEvent) error {
	if err := q.writable(); err != nil {
		return err
	}
	actor, err := marshalJSON(event.Actor, "{}")
	if err != nil {
		return err
	}
	payload, err := marshalJSON(event.Payload, "{}")
	if err != nil {
		return err
	}
	nextAttempt := event.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = event.Timestamp
	}
	err = q.savepoint(ctx, func() error {
		_, err := q.tx.ExecContext(ctx, `
			INSERT INTO shadow_events (id, event_type, branch_id, actor, payload, signature, occurred_at, attempts, next_attempt_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, event.ID, event.EventType, event.BranchID, actor, payload, event.Signature, event.Timestamp,
			event.Attempts, nextAttempt)
		return err
	})
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

const correctionColumns = `
	id, daysheet_id, shift_id, job_id, type, payload, status, created_by, created_for,
	approved_by, approved_at, created_at`

func (q *queries) CreateCorrection(ctx context.Context, entry domain.CorrectionEntry) error {
	if err := q.writable(); err != nil {
		return err
	}
	payload, err := marshalJSON(entry.Payload, "{}")
	if err != nil {
		return err
	}
	_, err = q.tx.ExecContext(ctx, `
		INSERT INTO corrections (`+correctionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, entry.ID, entry.DaySheetID, entry.ShiftID, entry.JobID, entry.Type, payload, entry.Status,
		entry.CreatedBy, entry.CreatedFor, entry.ApprovedBy, nullTime(entry.ApprovedAt), entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (q *queries) LockCorrection(ctx context.Context, id string) (domain.CorrectionEntry, error) {
	var (
		entry      domain.CorrectionEntry
		payload    []byte
		approvedAt sql.NullTime
	)
	err := q.tx.QueryRowContext(ctx, `SELECT `+correctionColumns+` FROM corrections WHERE id = $1`+q.forUpdate(), id).Scan(
		&entry.ID, &entry.DaySheetID, &entry.ShiftID, &entry.JobID, &entry.Type, &payload, &entry.Status,
		&entry.CreatedBy, &entry.CreatedFor, &entry.ApprovedBy, &approvedAt, &entry.CreatedAt,
	)
	if err != nil {
		return domain.CorrectionEntry{}, notFound(err)
	}
	if err := json.Unmarshal(payload, &entry.Payload); err != nil {
		return domain.CorrectionEntry{}, fmt.Errorf("decode correction payload: %w", err)
	}
	entry.ApprovedAt = timePtr(approvedAt)
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

// UpdateCorrection records the resolution; the payload is immutable.
func (q *queries) UpdateCorrection(ctx context.Context, entry domain.CorrectionEntry) error {
	if err := q.writable(); err != nil {
		return err
	}
	res, err := q.tx.ExecContext(ctx, `
		UPDATE corrections
		SET status = $2, approved_by = $3, approved_at = $4
		WHERE id = $1
	`, entry.ID, entry.Status, entry.ApprovedBy, nullTime(entry.ApprovedAt))
	return expectAffected(res, err)
}

func (q *queries) CountShiftCorrections(ctx context.Context, shiftID string) (int, error) {
	var count int
	err := q.tx.QueryRowContext(ctx, `SELECT count(*) FROM corrections WHERE shift_id = $1`, shiftID).Scan(&count)
	return count, err
}
