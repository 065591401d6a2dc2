package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	JobTypeInstant = "instant"
	JobTypeQueued  = "queued"
)

const (
	JobStatusQueued     = "queued"
	JobStatusInProgress = "in_progress"
	JobStatusReady      = "ready"
	JobStatusCompleted  = "completed"
	JobStatusCancelled  = "cancelled"
)

const (
	JobPriorityLow    = "low"
	JobPriorityNormal = "normal"
	JobPriorityHigh   = "high"
	JobPriorityUrgent = "urgent"
)

const (
	DaySheetStatusOpen            = "open"
	DaySheetStatusPartiallyClosed = "partially_closed"
	DaySheetStatusBranchClosed    = "branch_closed"
	DaySheetStatusHQClosed        = "hq_closed"
	DaySheetStatusAutoClosed      = "auto_closed"
)

const (
	ShiftStatusOpen       = "open"
	ShiftStatusClosed     = "closed"
	ShiftStatusAutoClosed = "auto_closed"
	ShiftStatusLocked     = "locked"
)

const (
	FlagTypeDuplicateJobs       = "duplicate_jobs"
	FlagTypeHighFreeJobs        = "high_free_jobs"
	FlagTypeMismatchCash        = "mismatch_cash"
	FlagTypeAutoClose           = "auto_close"
	FlagTypeRepeatedCorrections = "repeated_corrections"
	FlagTypeCustom              = "custom"
)

const (
	SeverityInfo     = "info"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	PaymentCash    = "cash"
	PaymentMomo    = "momo"
	PaymentCard    = "card"
	PaymentUnknown = "unknown"
)

const (
	PricingTypeVariant = "variant"
	PricingTypeFlat    = "flat"
)

const (
	CorrectionTypeNote           = "note"
	CorrectionTypeCashAdjustment = "cash_adjustment"
	CorrectionTypeJobVoid        = "job_void"
	CorrectionTypePriceOverride  = "price_override"
)

const (
	CorrectionStatusOpen     = "open"
	CorrectionStatusApproved = "approved"
	CorrectionStatusRejected = "rejected"
)

const (
	RoleAttendant = "attendant"
	RoleManager   = "manager"
	RoleHQ        = "hq"
	RoleAdmin     = "admin"
)

// Status log and shadow event names.
const (
	EventJobCreatedInstant = "JOB_CREATED_INSTANT"
	EventJobCreatedQueued  = "JOB_CREATED_QUEUED"
	EventJobStatusChanged  = "JOB_STATUS_CHANGED"
	EventJobAttached       = "JOB_ATTACHED"
	EventDaySheetCreated   = "DAY_SHEET_CREATED"
	EventShiftStarted      = "SHIFT_STARTED"
	EventShiftClosed       = "SHIFT_CLOSED"
	EventShiftAutoClosed   = "SHIFT_AUTO_CLOSED"
	EventManagerClosed     = "MANAGER_CLOSED"
	EventHQClosed          = "HQ_CLOSED"
	EventDayAutoClosed     = "DAY_AUTO_CLOSED"
	EventDuplicateJob      = "DUPLICATE_JOB"
	EventHighFreeJobs      = "HIGH_FREE_JOBS"
	EventCashMismatch      = "CASH_MISMATCH"
	EventCorrectionCreated = "CORRECTION_CREATED"
	EventCorrectionClosed  = "CORRECTION_RESOLVED"
	EventRepeatedCorrects  = "REPEATED_CORRECTIONS"
)

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	BranchID string `json:"branch_id,omitempty"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	PINHash   string    `json:"-"`
	Role      string    `json:"role"`
	BranchID  string    `json:"branch_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type ServiceType struct {
	ID                string          `json:"id"`
	Code              string          `json:"code"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	IsPriced          bool            `json:"is_priced"`
	Active            bool            `json:"active"`
	AvgMinutesPerUnit int             `json:"avg_minutes_per_unit"`
}

type PricingRule struct {
	ID          string          `json:"id"`
	ServiceID   string          `json:"service_id"`
	PricingType string          `json:"pricing_type"`
	PrintVariant
	UnitPrice decimal.Decimal `json:"unit_price"`
	Active    bool            `json:"active"`
}

// PrintVariant describes the paper/print options of a print job. All four
// fields travel together for print services.
type PrintVariant struct {
	PaperSize string `json:"paper_size,omitempty"`
	PrintMode string `json:"print_mode,omitempty"`
	ColorMode string `json:"color_mode,omitempty"`
	SideMode  string `json:"side_mode,omitempty"`
}

func (v PrintVariant) IsZero() bool {
	return v.PaperSize == "" && v.PrintMode == "" && v.ColorMode == "" && v.SideMode == ""
}

type Job struct {
	ID                     string            `json:"id"`
	BranchID               string            `json:"branch_id"`
	ServiceID              string            `json:"service_id"`
	ServiceCode            string            `json:"service_code"`
	ServiceName            string            `json:"service_name"`
	DaySheetID             string            `json:"daysheet_id,omitempty"`
	CustomerName           string            `json:"customer_name"`
	CustomerPhone          string            `json:"customer_phone,omitempty"`
	Description            string            `json:"description,omitempty"`
	Quantity               int               `json:"quantity"`
	UnitPrice              decimal.Decimal   `json:"unit_price"`
	TotalAmount            decimal.Decimal   `json:"total_amount"`
	DepositAmount          decimal.Decimal   `json:"deposit_amount"`
	PaymentType            string            `json:"payment_type,omitempty"`
	Type                   string            `json:"type"`
	Status                 string            `json:"status"`
	Priority               string            `json:"priority"`
	ExpectedMinutesPerUnit int               `json:"expected_minutes_per_unit,omitempty"`
	QueuePosition          int               `json:"queue_position,omitempty"`
	ExpectedReadyAt        *time.Time        `json:"expected_ready_at,omitempty"`
	Meta                   map[string]string `json:"meta,omitempty"`
	CreatedBy              string            `json:"created_by"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
	CompletedAt            *time.Time        `json:"completed_at,omitempty"`
	CompletedBy            string            `json:"completed_by,omitempty"`
}

// PerformedBy is who did the work: the completing user, or the creator for
// rows completed before completed_by was recorded.
func (j Job) PerformedBy() string {
	if j.CompletedBy != "" {
		return j.CompletedBy
	}
	return j.CreatedBy
}

// PerformedAt is when the job counts towards a shift.
func (j Job) PerformedAt() time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.CreatedAt
}

func (j Job) IsActive() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusInProgress || j.Status == JobStatusReady
}

type JobRecord struct {
	ID               string     `json:"id"`
	JobID            string     `json:"job_id"`
	PerformedBy      string     `json:"performed_by"`
	TimeStart        time.Time  `json:"time_start"`
	TimeEnd          *time.Time `json:"time_end,omitempty"`
	QuantityProduced int        `json:"quantity_produced"`
	Notes            string     `json:"notes,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type BranchSnapshot struct {
	BranchName         string `json:"branch_name"`
	BranchCity         string `json:"branch_city"`
	BranchManagerName  string `json:"branch_manager_name"`
	BranchManagerEmail string `json:"branch_manager_email"`
}

type DaySheetMeta struct {
	Branch           BranchSnapshot `json:"branch"`
	FinalAggregation *DayTotals     `json:"final_aggregation,omitempty"`
	AutoCloseReason  string         `json:"auto_close_reason,omitempty"`
}

// DaySheet is the per-branch, per-local-date ledger. TotalJobs and
// TotalAmount are fast counters maintained by job attach; the close-out
// snapshot in Meta.FinalAggregation is the authoritative figure.
type DaySheet struct {
	ID          string          `json:"id"`
	BranchID    string          `json:"branch_id"`
	Date        string          `json:"date"`
	Weekday     string          `json:"weekday"`
	Status      string          `json:"status"`
	Locked      bool            `json:"locked"`
	TotalJobs   int             `json:"total_jobs"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	OpenedBy    string          `json:"opened_by,omitempty"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedBy    string          `json:"closed_by,omitempty"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
	HQClosedAt  *time.Time      `json:"hq_closed_at,omitempty"`
	Meta        DaySheetMeta    `json:"meta"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (d DaySheet) IsOpen() bool {
	return d.Status == DaySheetStatusOpen || d.Status == DaySheetStatusPartiallyClosed
}

type DaySheetShift struct {
	ID                string              `json:"id"`
	DaySheetID        string              `json:"daysheet_id"`
	BranchID          string              `json:"branch_id"`
	Username          string              `json:"username"`
	Role              string              `json:"role"`
	ShiftStart        time.Time           `json:"shift_start"`
	ShiftEnd          *time.Time          `json:"shift_end,omitempty"`
	Status            string              `json:"status"`
	OpeningCash       decimal.Decimal     `json:"opening_cash"`
	ClosingCash       decimal.NullDecimal `json:"closing_cash"`
	PINVerifiedAt     *time.Time          `json:"pin_verified_at,omitempty"`
	PINVerifiedBy     string              `json:"pin_verified_by,omitempty"`
	PINFailedAttempts int                 `json:"pin_failed_attempts"`
	Submitted         bool                `json:"submitted"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Aggregated reports whether the shift is counted by the day aggregate.
func (s DaySheetShift) Aggregated() bool {
	return s.Status == ShiftStatusClosed || s.Status == ShiftStatusAutoClosed || s.Status == ShiftStatusLocked
}

type AnomalyFlag struct {
	ID          string    `json:"id"`
	BranchID    string    `json:"branch_id"`
	DaySheetID  string    `json:"daysheet_id,omitempty"`
	ShiftID     string    `json:"shift_id,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	NotifiedTo  []string  `json:"notified_to"`
	CreatedAt   time.Time `json:"created_at"`
}

type StatusLog struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Event      string         `json:"event"`
	ActorID    string         `json:"actor_id,omitempty"`
	ActorRole  string         `json:"actor_role,omitempty"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ShadowEvent is an outbox row mirrored to the head-office sink.
type ShadowEvent struct {
	ID            string         `json:"id"`
	EventType     string         `json:"event_type"`
	BranchID      string         `json:"branch_id,omitempty"`
	Actor         Actor          `json:"actor"`
	Payload       map[string]any `json:"payload"`
	Signature     string         `json:"signature,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	LockedAt      *time.Time     `json:"locked_at,omitempty"`
	LockedBy      string         `json:"locked_by,omitempty"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	ReceivedAt    *time.Time     `json:"received_at,omitempty"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	DeadAt        *time.Time     `json:"dead_at,omitempty"`
}

type DeliveryReceipt struct {
	ReceivedAt  time.Time `json:"received_at"`
	ProcessedAt time.Time `json:"processed_at"`
}

type CorrectionEntry struct {
	ID         string         `json:"id"`
	DaySheetID string         `json:"daysheet_id"`
	ShiftID    string         `json:"shift_id,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	Status     string         `json:"status"`
	CreatedBy  string         `json:"created_by"`
	CreatedFor string         `json:"created_for,omitempty"`
	ApprovedBy string         `json:"approved_by,omitempty"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type DailySale struct {
	BranchID    string          `json:"branch_id"`
	Date        string          `json:"date"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	TotalCount  int             `json:"total_count"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ShiftTotals is recomputed from job rows by the shift aggregator.
type ShiftTotals struct {
	ShiftID    string          `json:"shift_id"`
	JobCount   int             `json:"job_count"`
	Gross      decimal.Decimal `json:"gross_total"`
	Deposits   decimal.Decimal `json:"deposits_total"`
	Net        decimal.Decimal `json:"net_total"`
	Cash       decimal.Decimal `json:"cash_total"`
	Momo       decimal.Decimal `json:"momo_total"`
	Card       decimal.Decimal `json:"card_total"`
	Unassigned decimal.Decimal `json:"unassigned_total"`
}

// ExpectedCash is the amount the attendant should hold at close: cash jobs
// plus jobs with no recorded channel, which settle at the counter.
func (t ShiftTotals) ExpectedCash() decimal.Decimal {
	return t.Cash.Add(t.Unassigned)
}

type DayTotals struct {
	DaySheetID  string          `json:"daysheet_id"`
	JobCount    int             `json:"job_count"`
	ShiftCount  int             `json:"shift_count"`
	Gross       decimal.Decimal `json:"gross_total"`
	Deposits    decimal.Decimal `json:"deposits_total"`
	Net         decimal.Decimal `json:"net_total"`
	Cash        decimal.Decimal `json:"cash_total"`
	Momo        decimal.Decimal `json:"momo_total"`
	Card        decimal.Decimal `json:"card_total"`
	Unassigned  decimal.Decimal `json:"unassigned_total"`
	ComputedAt  time.Time       `json:"computed_at"`
	ShiftTotals []ShiftTotals   `json:"shifts"`
}

type QueueEntry struct {
	ID            string          `json:"id"`
	CustomerName  string          `json:"customer_name"`
	Service       string          `json:"service"`
	Status        string          `json:"status"`
	ETA           *time.Time      `json:"eta,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	QueuePosition int             `json:"queue_position,omitempty"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	CreatedBy     string          `json:"created_by,omitempty"`
	Quantity      int             `json:"quantity"`
}

type QueueSummary struct {
	BranchID    string       `json:"branch_id"`
	Entries     []QueueEntry `json:"entries"`
	GeneratedAt time.Time    `json:"generated_at"`
}

type InstantJobRequest struct {
	BranchID      string          `json:"branch_id" validate:"required"`
	ServiceID     string          `json:"service_id" validate:"required"`
	Quantity      int             `json:"quantity" validate:"gte=0"`
	CustomerName  string          `json:"customer_name" validate:"max=200"`
	CustomerPhone string          `json:"customer_phone" validate:"max=32"`
	Description   string          `json:"description"`
	Deposit       decimal.Decimal `json:"deposit"`
	PaymentType   string          `json:"payment_type" validate:"omitempty,oneof=cash momo card mobile_money"`
	PrintVariant
}

type QueuedJobRequest struct {
	InstantJobRequest
	Priority               string `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	ExpectedMinutesPerUnit int    `json:"expected_minutes_per_unit" validate:"gte=0"`
}

type JobTransitionRequest struct {
	Notes string `json:"notes"`
}

type AttachResult struct {
	DaySheet DaySheet `json:"daysheet"`
	Created  bool     `json:"created"`
	Attached bool     `json:"attached"`
}

type ShiftStartRequest struct {
	BranchID string `json:"branch_id" validate:"required"`
	Role     string `json:"role"`
}

type ShiftCloseRequest struct {
	ClosingCash decimal.Decimal `json:"closing_cash"`
	PIN         string          `json:"pin" validate:"required"`
}

type DayCloseRequest struct {
	PIN string `json:"pin" validate:"required"`
}

type DaySheetRequest struct {
	BranchID string `json:"branch_id" validate:"required"`
}

type DaySheetView struct {
	DaySheet  DaySheet        `json:"daysheet"`
	Shifts    []DaySheetShift `json:"shifts"`
	DailySale *DailySale      `json:"daily_sale,omitempty"`
}

// LiveSummary reports the fast counters of a daysheet. The figures are
// approximate; DayTotals is the reconciled view.
type LiveSummary struct {
	DaySheetID  string          `json:"daysheet_id"`
	BranchID    string          `json:"branch_id"`
	Date        string          `json:"date"`
	Status      string          `json:"status"`
	TotalJobs   int             `json:"total_jobs"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	DailySale   *DailySale      `json:"daily_sale,omitempty"`
	OpenShifts  int             `json:"open_shifts"`
	Approximate bool            `json:"approximate"`
}

// DayReport is the export view of a daysheet: the sheet, its shifts and
// the day aggregate (sealed snapshot when closed).
type DayReport struct {
	DaySheet DaySheet        `json:"daysheet"`
	Shifts   []DaySheetShift `json:"shifts"`
	Totals   DayTotals       `json:"totals"`
}

type CorrectionRequest struct {
	DaySheetID string         `json:"daysheet_id" validate:"required"`
	ShiftID    string         `json:"shift_id"`
	JobID      string         `json:"job_id"`
	Type       string         `json:"type" validate:"omitempty,oneof=note cash_adjustment job_void price_override"`
	CreatedFor string         `json:"created_for"`
	Payload    map[string]any `json:"payload"`
}

type CorrectionResolveRequest struct {
	Approve bool `json:"approve"`
}

type AnomalyFilter struct {
	BranchID   string
	DaySheetID string
	ShiftID    string
	Type       string
	Limit      int
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	PIN      string `json:"pin" validate:"omitempty,numeric,min=4,max=8"`
	Role     string `json:"role" validate:"required,oneof=attendant manager hq admin"`
	BranchID string `json:"branch_id"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BranchID    string `json:"branch_id,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}
