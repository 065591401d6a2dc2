package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pressdesk/backend/internal/aggregate"
	"pressdesk/backend/internal/apperr"
	"pressdesk/backend/internal/cache"
	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/pricing"
	"pressdesk/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// systemActor stamps writes made by sweeps and other unattended work.
var systemActor = domain.Actor{Username: "system", Role: "system"}

// PINVerifier checks a user's close-out PIN.
type PINVerifier interface {
	VerifyPIN(ctx context.Context, username string, pin string) bool
}

// Settings holds the ledger tunables. Zero values take the defaults below.
type Settings struct {
	CashMismatchTolerance decimal.Decimal
	DuplicateWindow       time.Duration
	FreeJobRatio          decimal.Decimal
	DefaultMinutesPerUnit int
	FallbackPrice         decimal.Decimal
	RepeatedCorrections   int
	QueueCacheTTL         time.Duration
	Clock                 func() time.Time
}

func DefaultSettings() Settings {
	return Settings{
		CashMismatchTolerance: decimal.RequireFromString("10.00"),
		DuplicateWindow:       120 * time.Second,
		FreeJobRatio:          decimal.RequireFromString("0.20"),
		DefaultMinutesPerUnit: 30,
		FallbackPrice:         decimal.Zero,
		RepeatedCorrections:   3,
		QueueCacheTTL:         15 * time.Second,
		Clock:                 time.Now,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if !s.CashMismatchTolerance.IsPositive() {
		s.CashMismatchTolerance = def.CashMismatchTolerance
	}
	if s.DuplicateWindow <= 0 {
		s.DuplicateWindow = def.DuplicateWindow
	}
	if !s.FreeJobRatio.IsPositive() {
		s.FreeJobRatio = def.FreeJobRatio
	}
	if s.DefaultMinutesPerUnit < 1 {
		s.DefaultMinutesPerUnit = def.DefaultMinutesPerUnit
	}
	if s.FallbackPrice.IsNegative() {
		s.FallbackPrice = def.FallbackPrice
	}
	if s.RepeatedCorrections < 1 {
		s.RepeatedCorrections = def.RepeatedCorrections
	}
	if s.QueueCacheTTL <= 0 {
		s.QueueCacheTTL = def.QueueCacheTTL
	}
	if s.Clock == nil {
		s.Clock = def.Clock
	}
	return s
}

type Service struct {
	repo     store.Repository
	pins     PINVerifier
	queue    cache.QueueCache
	prices   *pricing.Resolver
	shifts   *aggregate.ShiftAggregator
	days     *aggregate.DayAggregator
	settings Settings
}

func New(repo store.Repository, pins PINVerifier, queueCache cache.QueueCache, settings Settings) *Service {
	settings = settings.withDefaults()
	if queueCache == nil {
		queueCache = cache.NoopQueueCache{}
	}
	shifts := aggregate.NewShiftAggregator(settings.Clock)

	return &Service{
		repo:     repo,
		pins:     pins,
		queue:    queueCache,
		prices:   pricing.NewResolver(settings.FallbackPrice),
		shifts:   shifts,
		days:     aggregate.NewDayAggregator(shifts),
		settings: settings,
	}
}

func (s *Service) Settings() Settings {
	return s.settings
}

func (s *Service) now() time.Time {
	return s.settings.Clock().UTC()
}

// requireRole returns the caller when it holds one of roles. Admins pass
// every check.
func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, apperr.Permission("authentication required")
	}
	if actor.Role == domain.RoleAdmin || slices.Contains(roles, actor.Role) {
		return actor, nil
	}
	return domain.Actor{}, apperr.Permission("%s role required", strings.Join(roles, " or "))
}

// checkBranch keeps branch staff inside their own branch. HQ and admins see
// every branch; branch staff without a branch see none.
func checkBranch(actor domain.Actor, branchID string) error {
	if actor.Role == domain.RoleHQ || actor.Role == domain.RoleAdmin || actor.Role == systemActor.Role {
		return nil
	}
	if actor.BranchID == "" {
		return apperr.Permission("account %s is not assigned to a branch", actor.Username)
	}
	if actor.BranchID == branchID {
		return nil
	}
	return apperr.Permission("no access to branch %s", branchID)
}

// notFound maps store.ErrNotFound onto the caller-facing category and wraps
// anything else.
func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("%s not found", what)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

func money(d decimal.Decimal) string {
	return domain.Quantize(d).StringFixed(2)
}
