package memory

import (
	"context"
	"maps"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
)

// Store keeps every table in maps. Atomic runs against a copy of the state
// under the writer lock and swaps it in on success, which gives the same
// all-or-nothing and serialization guarantees as a locked SQL transaction.
type Store struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	branches     map[string]domain.Branch
	services     map[string]domain.ServiceType
	pricingRules map[string]domain.PricingRule
	jobs         map[string]domain.Job
	jobRecords   []domain.JobRecord
	daysheets    map[string]domain.DaySheet
	dailySales   map[string]domain.DailySale
	shifts       map[string]domain.DaySheetShift
	flags        []domain.AnomalyFlag
	statusLogs   []domain.StatusLog
	shadowEvents map[string]domain.ShadowEvent
	shadowOrder  []string
	corrections  map[string]domain.CorrectionEntry
	users        map[string]domain.UserAccount
}

func newState() *state {
	return &state{
		branches:     make(map[string]domain.Branch),
		services:     make(map[string]domain.ServiceType),
		pricingRules: make(map[string]domain.PricingRule),
		jobs:         make(map[string]domain.Job),
		jobRecords:   make([]domain.JobRecord, 0, 64),
		daysheets:    make(map[string]domain.DaySheet),
		dailySales:   make(map[string]domain.DailySale),
		shifts:       make(map[string]domain.DaySheetShift),
		flags:        make([]domain.AnomalyFlag, 0, 16),
		statusLogs:   make([]domain.StatusLog, 0, 128),
		shadowEvents: make(map[string]domain.ShadowEvent),
		shadowOrder:  make([]string, 0, 128),
		corrections:  make(map[string]domain.CorrectionEntry),
		users:        make(map[string]domain.UserAccount),
	}
}

func (st *state) clone() *state {
	next := &state{
		branches:     maps.Clone(st.branches),
		services:     maps.Clone(st.services),
		pricingRules: maps.Clone(st.pricingRules),
		jobs:         make(map[string]domain.Job, len(st.jobs)),
		jobRecords:   slices.Clone(st.jobRecords),
		daysheets:    maps.Clone(st.daysheets),
		dailySales:   maps.Clone(st.dailySales),
		shifts:       maps.Clone(st.shifts),
		flags:        slices.Clone(st.flags),
		statusLogs:   slices.Clone(st.statusLogs),
		shadowEvents: maps.Clone(st.shadowEvents),
		shadowOrder:  slices.Clone(st.shadowOrder),
		corrections:  maps.Clone(st.corrections),
		users:        maps.Clone(st.users),
	}
	for id, job := range st.jobs {
		next.jobs[id] = cloneJob(job)
	}
	return next
}

func New() *Store {
	return &Store{st: newState()}
}

// NewSeeded returns a store with a demo branch, a print catalog and users
// for local development. Passwords and PINs come from SEED_* variables.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	branch, services, rules := DemoCatalog()
	s.PutBranch(branch)
	for _, service := range services {
		s.PutServiceType(service)
	}
	for _, rule := range rules {
		s.PutPricingRule(rule)
	}

	for _, u := range []struct {
		username string
		password string
		pin      string
		role     string
	}{
		{"manager", envOr("SEED_MANAGER_PASSWORD", "manager123"), envOr("MANAGER_PIN", "482913"), domain.RoleManager},
		{"attendant", envOr("SEED_ATTENDANT_PASSWORD", "attendant123"), envOr("SEED_ATTENDANT_PIN", "739164"), domain.RoleAttendant},
		{"hq", envOr("SEED_HQ_PASSWORD", "hq123456"), envOr("SEED_HQ_PIN", "915372"), domain.RoleHQ},
	} {
		if os.Getenv("SEED_"+strings.ToUpper(u.username)+"_PASSWORD") == "" {
			log.Warn().Str("username", u.username).Msg("memory store: using default dev credentials")
		}
		passwordHash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("memory store: failed to hash seed password")
		}
		pinHash, err := bcrypt.GenerateFromPassword([]byte(u.pin), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("memory store: failed to hash seed pin")
		}
		s.st.users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(passwordHash),
			PINHash:   string(pinHash),
			Role:      u.role,
			BranchID:  "branch-accra",
			Active:    true,
			CreatedAt: now,
		}
	}
	return s
}

// DemoCatalog is the development catalog: one branch, its services and
// the print pricing rules.
func DemoCatalog() (domain.Branch, []domain.ServiceType, []domain.PricingRule) {
	branch := domain.Branch{
		ID:           "branch-accra",
		Name:         "Accra Central",
		City:         "Accra",
		TimezoneName: "Africa/Accra",
		ManagerName:  "Ama Mensah",
		ManagerEmail: "ama.mensah@example.com",
		Active:       true,
	}
	services := []domain.ServiceType{
		{ID: "svc-a4", Code: "A4_PRINT", Name: "A4 Printing", Price: decimal.RequireFromString("1.00"), IsPriced: true, Active: true, AvgMinutesPerUnit: 1},
		{ID: "svc-a3", Code: "A3_PRINT", Name: "A3 Printing", Price: decimal.RequireFromString("2.00"), IsPriced: true, Active: true, AvgMinutesPerUnit: 2},
		{ID: "svc-lamination", Code: "LAMINATION", Name: "Lamination", Price: decimal.RequireFromString("10.00"), IsPriced: true, Active: true, AvgMinutesPerUnit: 5},
		{ID: "svc-banner", Code: "BANNER", Name: "Banner Printing", Price: decimal.RequireFromString("120.00"), IsPriced: true, Active: true, AvgMinutesPerUnit: 45},
		{ID: "svc-reprint", Code: "REPRINT", Name: "Courtesy Reprint", Price: decimal.Zero, IsPriced: false, Active: true},
	}
	rules := []domain.PricingRule{
		{ID: "rule-a4-bw-single", ServiceID: "svc-a4", PricingType: domain.PricingTypeVariant, PrintVariant: domain.PrintVariant{PaperSize: "A4", PrintMode: "laser", ColorMode: "bw", SideMode: "single"}, UnitPrice: decimal.RequireFromString("0.50"), Active: true},
		{ID: "rule-a4-color-single", ServiceID: "svc-a4", PricingType: domain.PricingTypeVariant, PrintVariant: domain.PrintVariant{PaperSize: "A4", PrintMode: "laser", ColorMode: "color", SideMode: "single"}, UnitPrice: decimal.RequireFromString("2.00"), Active: true},
		{ID: "rule-a4-bw-double", ServiceID: "svc-a4", PricingType: domain.PricingTypeVariant, PrintVariant: domain.PrintVariant{PaperSize: "A4", PrintMode: "laser", ColorMode: "bw", SideMode: "double"}, UnitPrice: decimal.RequireFromString("0.80"), Active: true},
		{ID: "rule-a3-flat", ServiceID: "svc-a3", PricingType: domain.PricingTypeFlat, UnitPrice: decimal.RequireFromString("3.00"), Active: true},
	}
	return branch, services, rules
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) PutBranch(branch domain.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.branches[branch.ID] = branch
}

func (s *Store) PutServiceType(service domain.ServiceType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.services[service.ID] = service
}

func (s *Store) PutPricingRule(rule domain.PricingRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.pricingRules[rule.ID] = rule
}

func (s *Store) Atomic(ctx context.Context, fn func(q store.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&queries{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) View(ctx context.Context, fn func(q store.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&queries{st: s.st, readOnly: true})
}

func (s *Store) IncrementShiftPINFailures(_ context.Context, shiftID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.st.shifts[shiftID]
	if !ok {
		return 0, store.ErrNotFound
	}
	shift.PINFailedAttempts++
	shift.UpdatedAt = time.Now().UTC()
	s.st.shifts[shiftID] = shift
	return shift.PINFailedAttempts, nil
}

func (s *Store) ClaimShadowEvents(_ context.Context, workerID string, limit int, now time.Time, lease time.Duration) ([]domain.ShadowEvent, error) {
	if limit < 1 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make([]domain.ShadowEvent, 0, limit)
	for _, id := range s.st.shadowOrder {
		if len(claimed) >= limit {
			break
		}
		ev := s.st.shadowEvents[id]
		if ev.SentAt != nil || ev.DeadAt != nil || ev.NextAttemptAt.After(now) {
			continue
		}
		if ev.LockedAt != nil && ev.LockedAt.Add(lease).After(now) {
			continue
		}
		lockedAt := now
		ev.LockedAt = &lockedAt
		ev.LockedBy = workerID
		s.st.shadowEvents[id] = ev
		claimed = append(claimed, ev)
	}
	return claimed, nil
}

func (s *Store) MarkShadowDelivered(_ context.Context, id string, sentAt time.Time, receipt domain.DeliveryReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.st.shadowEvents[id]
	if !ok {
		return store.ErrNotFound
	}
	received := receipt.ReceivedAt
	processed := receipt.ProcessedAt
	ev.Attempts++
	ev.SentAt = &sentAt
	ev.ReceivedAt = &received
	ev.ProcessedAt = &processed
	ev.LockedAt = nil
	ev.LockedBy = ""
	ev.LastError = ""
	s.st.shadowEvents[id] = ev
	return nil
}

func (s *Store) MarkShadowFailed(_ context.Context, id string, reason string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.st.shadowEvents[id]
	if !ok {
		return store.ErrNotFound
	}
	ev.Attempts++
	ev.LastError = reason
	ev.NextAttemptAt = nextAttemptAt
	ev.LockedAt = nil
	ev.LockedBy = ""
	s.st.shadowEvents[id] = ev
	return nil
}

func (s *Store) MarkShadowDead(_ context.Context, id string, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.st.shadowEvents[id]
	if !ok {
		return store.ErrNotFound
	}
	ev.Attempts++
	ev.LastError = reason
	ev.DeadAt = &at
	ev.LockedAt = nil
	ev.LockedBy = ""
	s.st.shadowEvents[id] = ev
	return nil
}

func (s *Store) ListShadowEvents(_ context.Context, pendingOnly bool, limit int) ([]domain.ShadowEvent, error) {
	if limit < 1 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]domain.ShadowEvent, 0, limit)
	for _, id := range s.st.shadowOrder {
		if len(events) >= limit {
			break
		}
		ev := s.st.shadowEvents[id]
		if pendingOnly && (ev.SentAt != nil || ev.DeadAt != nil) {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.st.users[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.st.users[username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.st.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return domain.UserAccount{}, store.ErrNotFound
	}
	return user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.st.users))
	for _, user := range s.st.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.st.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.st.users[username] = user
	return nil
}

func cloneJob(job domain.Job) domain.Job {
	job.Meta = maps.Clone(job.Meta)
	return job
}
