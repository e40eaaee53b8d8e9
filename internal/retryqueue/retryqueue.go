// Package retryqueue is the redelivery path for discoveries whose load
// failed with a Transient error after the retry controller ran out of
// attempts: Dispatch.fail acks the original message and enqueues the
// discovery here instead of terminating the stream (Discovery and
// Migration errors are skipped, never enqueued). Config mirrors the
// source loader's retryQueue{period, size, interval, maxAttempts} block
// (spec.md §6): period bounds how long a failed discovery is retried
// before being dropped, interval is the delay before each retry, and
// maxAttempts caps how many times it's retried at all.
package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
)

// TaskKind identifies the asynq task type this package schedules.
const TaskKind = "loader:retry-discovery"

// Config bounds the retry schedule (spec.md §6).
type Config struct {
	Period      time.Duration
	Size        int
	Interval    time.Duration
	MaxAttempts int
}

// ErrExpired is returned when a discovery has been in the retry queue
// longer than Config.Period; the caller should alert and drop it.
var ErrExpired = errors.New("retryqueue: discovery exceeded retry period")

// ErrExhausted is returned once a discovery has been retried
// Config.MaxAttempts times.
var ErrExhausted = errors.New("retryqueue: discovery exhausted retry attempts")

// Queue schedules failed discoveries for a later retry via asynq.
type Queue struct {
	client *asynq.Client
	cfg    Config
}

func New(client *asynq.Client, cfg Config) *Queue {
	return &Queue{client: client, cfg: cfg}
}

type taskPayload struct {
	Discovery     model.ShreddingComplete `json:"discovery"`
	Attempt       int                     `json:"attempt"`
	FirstFailedAt time.Time               `json:"first_failed_at"`
}

// Enqueue schedules msg for retry after cfg.Interval. attempt is the
// number of prior retry attempts (0 for the first failure); firstFailedAt
// is carried through unmodified so Period is measured from the original
// failure, not the most recent one.
func (q *Queue) Enqueue(ctx context.Context, msg model.ShreddingComplete, attempt int, firstFailedAt time.Time) error {
	if attempt >= q.cfg.MaxAttempts {
		return ErrExhausted
	}
	if time.Since(firstFailedAt) > q.cfg.Period {
		return ErrExpired
	}

	payload, err := json.Marshal(taskPayload{Discovery: msg, Attempt: attempt + 1, FirstFailedAt: firstFailedAt})
	if err != nil {
		return fmt.Errorf("retryqueue: encode payload: %w", err)
	}
	task := asynq.NewTask(TaskKind, payload)
	if _, err := q.client.EnqueueContext(ctx, task, asynq.ProcessIn(q.cfg.Interval), asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("retryqueue: schedule retry: %w", err)
	}
	return nil
}

// RetryFunc re-attempts loading a previously failed discovery. Returning
// a nil error marks the retry successful; any error causes the handler
// to reschedule (via Enqueue) or give up per Config.
type RetryFunc func(ctx context.Context, msg model.ShreddingComplete, attempt int) error

// Handler builds the asynq.ServeMux that drains scheduled retries,
// calling retry for each one and rescheduling on failure. One task
// kind, one handler function.
func (q *Queue) Handler(retry RetryFunc) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskKind, func(ctx context.Context, task *asynq.Task) error {
		var p taskPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return fmt.Errorf("retryqueue: decode payload: %w", err)
		}

		if err := retry(ctx, p.Discovery, p.Attempt); err != nil {
			if reErr := q.Enqueue(ctx, p.Discovery, p.Attempt, p.FirstFailedAt); reErr != nil {
				return fmt.Errorf("retryqueue: give up after retry error %v: %w", err, reErr)
			}
			return nil
		}
		return nil
	})
	return mux
}
