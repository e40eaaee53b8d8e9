package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
)

// RedisQueue implements Queue against a Redis list acting as the pending
// queue, with an RPOPLPUSH-style handoff into a per-consumer processing
// list for at-least-once delivery, and a visibility deadline tracked as
// a Redis key with a TTL: Extend refreshes the TTL, Ack deletes the key
// and removes the message from the processing list.
type RedisQueue struct {
	client            *redis.Client
	pendingKey        string
	processingKey     string
	defaultVisibility time.Duration
}

// NewRedis constructs a RedisQueue. name scopes the pending/processing
// list keys so multiple loader instances against the same Redis can run
// independent queues.
func NewRedis(client *redis.Client, name string, defaultVisibility time.Duration) *RedisQueue {
	return &RedisQueue{
		client:            client,
		pendingKey:        "loader:" + name + ":pending",
		processingKey:     "loader:" + name + ":processing",
		defaultVisibility: defaultVisibility,
	}
}

// Receive blocks (via BRPOPLPUSH) until a message is available on the
// pending list or ctx is cancelled. The returned Message's Ack removes
// it from the processing list and clears its visibility key; Extend
// refreshes the visibility key's TTL; Nack pushes the raw payload back
// onto the pending list immediately, for callers that know redelivery
// should not wait out the visibility timeout.
func (q *RedisQueue) Receive(ctx context.Context) (Message, error) {
	raw, err := q.client.BRPopLPush(ctx, q.pendingKey, q.processingKey, 0).Result()
	if err != nil {
		return Message{}, fmt.Errorf("queue: receive: %w", err)
	}

	var body model.ShreddingComplete
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		// A malformed payload still needs to leave the processing list so
		// it doesn't wedge every future receive on this consumer.
		_ = q.client.LRem(ctx, q.processingKey, 1, raw).Err()
		return Message{}, fmt.Errorf("queue: decode message: %w", err)
	}

	id := uuid.NewString()
	visibilityKey := q.visibilityKey(id)
	if err := q.client.Set(ctx, visibilityKey, raw, q.defaultVisibility).Err(); err != nil {
		return Message{}, fmt.Errorf("queue: set visibility deadline: %w", err)
	}

	return Message{
		ID:   id,
		Body: body,
		Ack: func(ctx context.Context) error {
			pipe := q.client.TxPipeline()
			pipe.LRem(ctx, q.processingKey, 1, raw)
			pipe.Del(ctx, visibilityKey)
			_, err := pipe.Exec(ctx)
			return err
		},
		Nack: func(ctx context.Context) error {
			pipe := q.client.TxPipeline()
			pipe.LRem(ctx, q.processingKey, 1, raw)
			pipe.Del(ctx, visibilityKey)
			pipe.LPush(ctx, q.pendingKey, raw)
			_, err := pipe.Exec(ctx)
			return err
		},
		Extend: func(ctx context.Context, visibility time.Duration) error {
			return q.client.Expire(ctx, visibilityKey, visibility).Err()
		},
	}, nil
}

// Publish enqueues body onto the pending list. Used by tests and by any
// side channel that needs to inject a notification directly rather than
// through whatever upstream shredder produces them in production.
func (q *RedisQueue) Publish(ctx context.Context, body model.ShreddingComplete) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("queue: encode message: %w", err)
	}
	return q.client.LPush(ctx, q.pendingKey, raw).Err()
}

func (q *RedisQueue) visibilityKey(id string) string {
	return q.processingKey + ":visibility:" + id
}
