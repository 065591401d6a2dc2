// Package outbox relays shadow events written by the ledger to head office.
// Events are inserted in the business transaction; delivery happens here,
// outside of any transaction.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pressdesk/backend/internal/hq"
	"pressdesk/backend/internal/store"
)

type Options struct {
	BatchSize       int
	Interval        time.Duration
	Lease           time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	DeliveryTimeout time.Duration
	Clock           func() time.Time
}

func DefaultOptions() Options {
	return Options{
		BatchSize:       50,
		Interval:        2 * time.Second,
		Lease:           30 * time.Second,
		MaxAttempts:     20,
		InitialBackoff:  5 * time.Second,
		MaxBackoff:      10 * time.Minute,
		DeliveryTimeout: 5 * time.Second,
		Clock:           time.Now,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.BatchSize < 1 {
		o.BatchSize = def.BatchSize
	}
	if o.Interval <= 0 {
		o.Interval = def.Interval
	}
	if o.Lease <= 0 {
		o.Lease = def.Lease
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = def.InitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = max(def.MaxBackoff, o.InitialBackoff)
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = def.DeliveryTimeout
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	return o
}

type Relay struct {
	store    store.Outbox
	client   hq.Client
	opts     Options
	workerID string
	logger   zerolog.Logger
}

func NewRelay(outbox store.Outbox, client hq.Client, opts Options) *Relay {
	workerID := "relay-" + uuid.NewString()
	return &Relay{
		store:    outbox,
		client:   client,
		opts:     opts.withDefaults(),
		workerID: workerID,
		logger:   log.With().Str("component", "outbox").Str("worker_id", workerID).Logger(),
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info().Dur("interval", r.opts.Interval).Int("batch_size", r.opts.BatchSize).Msg("outbox: relay started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox: relay stopped")
			return
		default:
		}
		if _, err := r.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("outbox: batch failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox: relay stopped")
			return
		case <-time.After(r.opts.Interval):
		}
	}
}

type BatchResult struct {
	Claimed   int
	Delivered int
	Retrying  int
	Dead      int
}

// ProcessOnce claims one batch and tries each event once. Delivery errors
// are recorded on the row, never returned.
func (r *Relay) ProcessOnce(ctx context.Context) (BatchResult, error) {
	now := r.opts.Clock().UTC()
	events, err := r.store.ClaimShadowEvents(ctx, r.workerID, r.opts.BatchSize, now, r.opts.Lease)
	if err != nil {
		return BatchResult{}, fmt.Errorf("claim shadow events: %w", err)
	}

	result := BatchResult{Claimed: len(events)}
	for _, ev := range events {
		deliverCtx, cancel := context.WithTimeout(ctx, r.opts.DeliveryTimeout)
		receipt, err := r.client.Deliver(deliverCtx, ev)
		cancel()

		at := r.opts.Clock().UTC()
		if err == nil {
			if markErr := r.store.MarkShadowDelivered(ctx, ev.ID, at, receipt); markErr != nil {
				r.logger.Error().Err(markErr).Str("event_id", ev.ID).Msg("outbox: failed to record delivery")
				continue
			}
			result.Delivered++
			continue
		}

		attempt := ev.Attempts + 1
		if attempt >= r.opts.MaxAttempts {
			reason := fmt.Sprintf("max delivery attempts exceeded (%d): %v", r.opts.MaxAttempts, err)
			if markErr := r.store.MarkShadowDead(ctx, ev.ID, reason, at); markErr != nil {
				r.logger.Error().Err(markErr).Str("event_id", ev.ID).Msg("outbox: failed to park event")
				continue
			}
			r.logger.Error().Err(err).Str("event_id", ev.ID).Str("event_type", ev.EventType).Int("attempt", attempt).Msg("outbox: event moved to dead after max attempts")
			result.Dead++
			continue
		}

		next := at.Add(Backoff(r.opts.InitialBackoff, r.opts.MaxBackoff, attempt))
		if markErr := r.store.MarkShadowFailed(ctx, ev.ID, err.Error(), next); markErr != nil {
			r.logger.Error().Err(markErr).Str("event_id", ev.ID).Msg("outbox: failed to record delivery failure")
			continue
		}
		r.logger.Warn().Err(err).
			Str("event_id", ev.ID).
			Str("event_type", ev.EventType).
			Int("attempt", attempt).
			Time("next_attempt_at", next).
			Msg("outbox: delivery failed")
		result.Retrying++
	}
	return result, nil
}

// Backoff doubles initial per attempt after the first, capped at ceiling.
func Backoff(initial time.Duration, ceiling time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= ceiling {
			return ceiling
		}
	}
	return backoff
}
