// Package retry implements C4: the bounded exponential-backoff
// controller wrapping the transactional portion of the load state
// machine. It classifies every error through loaderr.Kind and only
// retries loaderr.Transient; anything else (including context
// cancellation) is returned to the caller immediately (spec.md §4.4).
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drphrozen/snowplow-rdb-loader/internal/log"
	"github.com/drphrozen/snowplow-rdb-loader/internal/loaderr"
)

// Config bounds the controller's backoff schedule.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultConfig matches the source loader's "cloud" retry schedule: a
// 30-second starting interval doubling up to 30 minutes, no overall
// deadline beyond the attempt cap.
func DefaultConfig() Config {
	return Config{InitialInterval: 30 * time.Second, MaxInterval: 30 * time.Minute, MaxAttempts: 10}
}

// Controller runs an operation with backoff.Backoff as the interval
// generator inside an explicit attempt loop, rather than handing the
// operation to backoff.Retry, so each attempt's error can be classified
// by loaderr.Kind before deciding whether to sleep again (spec.md §4.4:
// "only Transient errors are retried; anything else aborts the retry
// loop immediately").
type Controller struct {
	cfg Config
	log *log.Logger
}

func New(cfg Config, logger *log.Logger) *Controller {
	return &Controller{cfg: cfg, log: logger}
}

// Run executes op, retrying while it returns a loaderr.Transient error,
// up to cfg.MaxAttempts. ctx cancellation interrupts a pending sleep and
// surfaces loaderr.Shutdown (spec.md §4.4).
func (c *Controller) Run(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.2

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return loaderr.Shutdown
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !loaderr.Is(lastErr, loaderr.Transient) {
			return lastErr
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		wait := b.NextBackOff()
		if c.log != nil {
			c.log.WithAttempt(attempt).Warnf("transient error, retrying in %s: %v", wait, lastErr)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return loaderr.Shutdown
		case <-timer.C:
		}
	}
	// lastErr is still Transient in nature, just no longer worth retrying
	// within this attempt loop — dispatch's retry queue (C7) gets the
	// final say on whether it's worth a longer-horizon redelivery.
	return loaderr.Wrap(loaderr.Transient, "exhausted retry attempts", lastErr)
}
