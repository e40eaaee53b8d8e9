// Package queue defines the message-queue interface the discovery loop
// (C7) receives ShreddingComplete notifications through (spec.md §1:
// "the message-queue client (receive/extend-visibility/ack)" is an
// external collaborator, specified only through this interface) plus a
// Redis-backed implementation.
package queue

import (
	"context"
	"time"

	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
)

// Message is one received notification plus its opaque ack/extend
// callbacks (spec.md §4.7 step 2: "each received message has an opaque
// ack() callback and an extend() (visibility extension)"). ID is the
// queue's own delivery identifier, used only for logging.
type Message struct {
	ID     string
	Body   model.ShreddingComplete
	Ack    func(ctx context.Context) error
	Nack   func(ctx context.Context) error
	Extend func(ctx context.Context, visibility time.Duration) error
}

// Queue receives ShreddingComplete notifications one at a time. Receive
// blocks until a message is available or ctx is cancelled.
type Queue interface {
	Receive(ctx context.Context) (Message, error)
}
