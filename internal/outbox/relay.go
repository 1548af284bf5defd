package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog/log"
)

// Publisher delivers a relayed message to its sink
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// MultiPublisher publishes to every sink and fails if any sink fails
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type RelayConfig struct {
	BatchSize   int           `json:"batch_size" yaml:"batch_size"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:   50,
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
}

// Backoff returns the delay before the next try after the given number of
// failed attempts: base doubled per attempt, capped at max
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts <= 1 {
		return base
	}
	// 2^30 seconds is already past any sensible cap
	if attempts > 31 {
		return max
	}
	delay := base * time.Duration(1<<(attempts-1))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// RelayResult summarises one relay pass
type RelayResult struct {
	Fetched      int `json:"fetched"`
	Published    int `json:"published"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// Relay publishes due messages and schedules retries for failures
type Relay struct {
	store     Store
	publisher Publisher
	cfg       RelayConfig
	clock     types.Clock
}

func NewRelay(store Store, publisher Publisher, cfg RelayConfig, clock types.Clock) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRelayConfig().MaxAttempts
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		clock:     clock,
	}
}

// RunOnce relays a single batch
func (r *Relay) RunOnce(ctx context.Context) (RelayResult, error) {
	logger := log.With().Str("component", "outbox_relay").Logger()

	var res RelayResult
	msgs, err := r.store.FetchDue(ctx, r.clock.Now(), r.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Fetched = len(msgs)

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		msgLogger := logger.With().
			Str("message_id", msg.ID).
			Str("event_type", msg.EventType).
			Str("aggregate_id", msg.AggregateID).
			Logger()

		pubErr := r.publisher.Publish(ctx, msg)
		now := r.clock.Now()
		if pubErr == nil {
			marked, err := r.store.MarkPublished(ctx, msg.ID, now)
			if err != nil {
				msgLogger.Error().Err(err).Msg("failed to mark message published")
				continue
			}
			if marked {
				res.Published++
			}
			continue
		}

		attempts := msg.Attempts + 1
		if attempts >= r.cfg.MaxAttempts {
			if err := r.store.MarkDeadLettered(ctx, msg.ID, attempts, pubErr.Error(), now); err != nil {
				msgLogger.Error().Err(err).Msg("failed to dead-letter message")
				continue
			}
			res.DeadLettered++
			msgLogger.Error().
				Err(pubErr).
				Int("attempts", attempts).
				Msg("message dead-lettered")
			continue
		}

		next := now.Add(Backoff(attempts, r.cfg.BaseDelay, r.cfg.MaxDelay))
		if err := r.store.MarkFailed(ctx, msg.ID, attempts, pubErr.Error(), next); err != nil {
			msgLogger.Error().Err(err).Msg("failed to schedule message retry")
			continue
		}
		res.Failed++
		msgLogger.Warn().
			Err(pubErr).
			Int("attempts", attempts).
			Time("next_attempt_at", next).
			Msg("publish failed, retry scheduled")
	}

	if res.Fetched > 0 {
		logger.Debug().
			Int("fetched", res.Fetched).
			Int("published", res.Published).
			Int("failed", res.Failed).
			Int("dead_lettered", res.DeadLettered).
			Msg("relay pass complete")
	}
	return res, nil
}

// Start relays on a fixed interval until ctx is done
func (r *Relay) Start(ctx context.Context, interval time.Duration) {
	logger := log.With().Str("component", "outbox_relay").Logger()
	logger.Info().Dur("interval", interval).Msg("starting outbox relay")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down outbox relay")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("failed to relay outbox messages")
			}
		}
	}
}
