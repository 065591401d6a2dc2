package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"pressdesk/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrReadOnly = errors.New("write attempted in read-only view")
)

type JobFilter struct {
	BranchID   string
	DaySheetID string
	ServiceID  string
	Statuses   []string
	// CreatedFrom and CreatedTo bound created_at inclusively; zero means open.
	CreatedFrom time.Time
	CreatedTo   time.Time
	// PerformedBy matches completed_by, falling back to created_by.
	PerformedBy string
	// PerformedFrom/PerformedAfter/PerformedTo bound COALESCE(completed_at,
	// created_at); From and To are inclusive, After is exclusive.
	PerformedFrom  time.Time
	PerformedAfter time.Time
	PerformedTo    time.Time
	ExcludeID      string
	TotalAmount    *decimal.Decimal
	Limit          int
}

type DaySheetFilter struct {
	BranchID   string
	Statuses   []string
	DateBefore string
	DateFrom   string
	DateTo     string
	Limit      int
}

// Queries is the row-level API. Implementations hand it out inside
// Repository.Atomic (read-write, row locks honoured) and Repository.View
// (read-only; writes fail with ErrReadOnly).
//
// Lock order across the code base: job, branch, daysheet, shift.
type Queries interface {
	GetBranch(ctx context.Context, id string) (domain.Branch, error)
	LockBranch(ctx context.Context, id string) (domain.Branch, error)
	GetServiceType(ctx context.Context, id string) (domain.ServiceType, error)
	ListPricingRules(ctx context.Context, serviceID string) ([]domain.PricingRule, error)

	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	LockJob(ctx context.Context, id string) (domain.Job, error)
	UpdateJob(ctx context.Context, job domain.Job) error
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)
	CountDaySheetJobs(ctx context.Context, daysheetID string) (total int, unpriced int, err error)
	CreateJobRecord(ctx context.Context, record domain.JobRecord) error

	GetDaySheet(ctx context.Context, id string) (domain.DaySheet, error)
	LockDaySheet(ctx context.Context, id string) (domain.DaySheet, error)
	LockOpenDaySheet(ctx context.Context, branchID string, date string) (domain.DaySheet, error)
	CreateDaySheet(ctx context.Context, sheet domain.DaySheet) error
	UpdateDaySheet(ctx context.Context, sheet domain.DaySheet) error
	IncrementDaySheetTotals(ctx context.Context, id string, jobs int, amount decimal.Decimal) error
	ListDaySheets(ctx context.Context, filter DaySheetFilter) ([]domain.DaySheet, error)
	UpsertDailySale(ctx context.Context, branchID string, date string, amount decimal.Decimal, at time.Time) error
	GetDailySale(ctx context.Context, branchID string, date string) (domain.DailySale, error)

	GetShift(ctx context.Context, id string) (domain.DaySheetShift, error)
	LockShift(ctx context.Context, id string) (domain.DaySheetShift, error)
	LockOpenShift(ctx context.Context, daysheetID string, username string) (domain.DaySheetShift, error)
	CreateShift(ctx context.Context, shift domain.DaySheetShift) error
	UpdateShift(ctx context.Context, shift domain.DaySheetShift) error
	ListShifts(ctx context.Context, daysheetID string) ([]domain.DaySheetShift, error)
	ListOpenShiftsStartedBefore(ctx context.Context, before time.Time) ([]domain.DaySheetShift, error)
	CountOpenShifts(ctx context.Context, daysheetID string) (int, error)

	CreateAnomalyFlag(ctx context.Context, flag domain.AnomalyFlag) error
	HasAnomalyFlag(ctx context.Context, daysheetID string, flagType string) (bool, error)
	ListAnomalyFlags(ctx context.Context, filter domain.AnomalyFilter) ([]domain.AnomalyFlag, error)

	CreateStatusLog(ctx context.Context, entry domain.StatusLog) error
	ListStatusLogs(ctx context.Context, entityType string, entityID string) ([]domain.StatusLog, error)
	CreateShadowEvent(ctx context.Context, event domain.ShadowEvent) error

	CreateCorrection(ctx context.Context, entry domain.CorrectionEntry) error
	LockCorrection(ctx context.Context, id string) (domain.CorrectionEntry, error)
	UpdateCorrection(ctx context.Context, entry domain.CorrectionEntry) error
	CountShiftCorrections(ctx context.Context, shiftID string) (int, error)
}

type Outbox interface {
	// ClaimShadowEvents leases up to limit undelivered events whose
	// next attempt is due, skipping rows leased by other workers.
	ClaimShadowEvents(ctx context.Context, workerID string, limit int, now time.Time, lease time.Duration) ([]domain.ShadowEvent, error)
	MarkShadowDelivered(ctx context.Context, id string, sentAt time.Time, receipt domain.DeliveryReceipt) error
	MarkShadowFailed(ctx context.Context, id string, reason string, nextAttemptAt time.Time) error
	// MarkShadowDead parks an event for good; it is never claimed again.
	MarkShadowDead(ctx context.Context, id string, reason string, at time.Time) error
	ListShadowEvents(ctx context.Context, pendingOnly bool, limit int) ([]domain.ShadowEvent, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Atomic(ctx context.Context, fn func(q Queries) error) error
	View(ctx context.Context, fn func(q Queries) error) error
	// IncrementShiftPINFailures runs in its own transaction so the counter
	// survives the rejected close.
	IncrementShiftPINFailures(ctx context.Context, shiftID string) (int, error)
	Outbox
	UserStore
}
