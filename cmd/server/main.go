package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pressdesk/backend/internal/apperr"
	"pressdesk/backend/internal/cache"
	"pressdesk/backend/internal/config"
	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/hq"
	"pressdesk/backend/internal/httpapi"
	"pressdesk/backend/internal/outbox"
	"pressdesk/backend/internal/service"
	"pressdesk/backend/internal/store"
	"pressdesk/backend/internal/store/memory"
	pgstore "pressdesk/backend/internal/store/postgres"
	"pressdesk/backend/internal/sweep"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}
	setupLogger(cfg)
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}
	settings, err := cfg.LedgerSettings()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid ledger settings")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("apply schema")
		}
		if cfg.SeedDemoCatalog {
			if err := seedCatalog(ctx, pg); err != nil {
				log.Fatal().Err(err).Msg("seed demo catalog")
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info().Msg("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info().Msg("repository: in-memory")
	}

	queueCache := cache.QueueCache(cache.NoopQueueCache{})
	var locker sweep.Locker = sweep.NewLocalLocker()
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisQueueCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using noop cache and local sweep lock")
			_ = client.Close()
		} else {
			queueCache = redisCache
			locker = sweep.NewRedisLocker(client)
			closers = append(closers, client.Close)
			log.Info().Str("addr", cfg.RedisAddr).Msg("cache: redis")
		}
	} else {
		log.Info().Msg("cache: noop")
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	if upgraded, err := auth.UpgradeLegacyPasswords(ctx); err != nil {
		log.Fatal().Err(err).Msg("upgrade legacy passwords")
	} else if upgraded > 0 {
		log.Info().Int("users", upgraded).Msg("upgraded plain-text passwords to bcrypt")
	}
	if cfg.BootstrapAdminPassword != "" {
		if err := bootstrapAdmin(ctx, auth, cfg); err != nil {
			log.Fatal().Err(err).Msg("bootstrap admin")
		}
	}

	svc := service.New(repo, auth, queueCache, settings)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	var hqClient hq.Client = hq.NoopClient{}
	if cfg.HQEndpoint != "" {
		hqClient = hq.NewHTTPClient(cfg.HQEndpoint, cfg.HQSigningSecret, cfg.HQTimeout())
		log.Info().Str("endpoint", cfg.HQEndpoint).Msg("hq: http")
	} else {
		log.Info().Msg("hq: noop")
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	relay := outbox.NewRelay(repo, hqClient, cfg.OutboxOptions())
	sweeper := sweep.New(repo, svc, locker, cfg.SweepOptions())
	for _, run := range []func(context.Context){relay.Run, sweeper.Run} {
		workers.Add(1)
		go func(run func(context.Context)) {
			defer workers.Done()
			run(workerCtx)
		}(run)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("pressdesk backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	stopWorkers()
	workers.Wait()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if strings.EqualFold(cfg.LogFormat, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// seedCatalog upserts the development catalog so a fresh database can take
// jobs straight away.
func seedCatalog(ctx context.Context, pg *pgstore.Store) error {
	branch, services, rules := memory.DemoCatalog()
	if err := pg.UpsertBranch(ctx, branch); err != nil {
		return fmt.Errorf("branch %s: %w", branch.ID, err)
	}
	for _, serviceType := range services {
		if err := pg.UpsertServiceType(ctx, serviceType); err != nil {
			return fmt.Errorf("service %s: %w", serviceType.ID, err)
		}
	}
	for _, rule := range rules {
		if err := pg.UpsertPricingRule(ctx, rule); err != nil {
			return fmt.Errorf("pricing rule %s: %w", rule.ID, err)
		}
	}
	log.Info().Int("services", len(services)).Int("rules", len(rules)).Msg("demo catalog seeded")
	return nil
}

// bootstrapAdmin creates the first admin account with MANAGER_PIN as its
// sign-off PIN. An existing admin is left untouched.
func bootstrapAdmin(ctx context.Context, auth *httpapi.AuthManager, cfg config.Config) error {
	_, err := auth.CreateUser(ctx, domain.UserCreateRequest{
		Username: "admin",
		Password: cfg.BootstrapAdminPassword,
		PIN:      cfg.ManagerPIN,
		Role:     domain.RoleAdmin,
	})
	if err == nil {
		log.Info().Msg("bootstrap admin created")
		return nil
	}
	if errors.Is(err, apperr.ErrState) {
		return nil
	}
	return err
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	if cfg.BootstrapAdminPassword != "" && len(cfg.BootstrapAdminPassword) < 12 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 12 characters")
	}
	if cfg.HQEndpoint != "" && len(cfg.HQSigningSecret) < 16 {
		return fmt.Errorf("HQ_SIGNING_SECRET must be at least 16 characters when HQ_ENDPOINT is set")
	}
	return nil
}

// validatePINStrength rejects PINs that are non-numeric, all one digit,
// sequential or on a known-weak list.
func validatePINStrength(pin string) error {
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("PIN must be numeric")
		}
	}

	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
