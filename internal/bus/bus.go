// Package bus is the producer side of the message bus. A broadcast is a
// durable write: once it returns, the message survives process restarts and
// will be attempted by the scheduler until it completes or dead-letters.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"relay/internal/domain"
	"relay/internal/notify"
	"relay/internal/registry"
	"relay/internal/store"
)

type Bus struct {
	store       store.Store
	reg         *registry.Registry
	notifier    notify.Notifier
	maxAttempts int
	log         zerolog.Logger
}

// New builds a producer over the given store. maxAttempts <= 0 falls back
// to the store default.
func New(st store.Store, reg *registry.Registry, n notify.Notifier, maxAttempts int, log zerolog.Logger) *Bus {
	if n == nil {
		n = notify.Noop{}
	}
	return &Bus{store: st, reg: reg, notifier: n, maxAttempts: maxAttempts, log: log}
}

// Broadcast durably enqueues msg on its resolved queue, eligible
// immediately. Returns the envelope id.
func (b *Bus) Broadcast(ctx context.Context, msg domain.Message) (string, error) {
	return b.enqueue(ctx, msg, b.queueFor(msg), nil)
}

// DelayBroadcast durably enqueues msg, eligible only after delay elapses.
func (b *Bus) DelayBroadcast(ctx context.Context, msg domain.Message, delay time.Duration) (string, error) {
	due := time.Now().UTC().Add(delay)
	return b.enqueue(ctx, msg, b.queueFor(msg), &due)
}

// BroadcastTo enqueues msg on an explicit queue, bypassing the declared
// name. Used when the producer wants finer isolation than the type-level
// default, e.g. one queue per downstream collection.
func (b *Bus) BroadcastTo(ctx context.Context, msg domain.Message, queue string) (string, error) {
	return b.enqueue(ctx, msg, queue, nil)
}

func (b *Bus) queueFor(msg domain.Message) string {
	if qn, ok := msg.(domain.QueueNamer); ok {
		return qn.QueueName()
	}
	return b.reg.QueueFor(msg.MessageType())
}

func (b *Bus) enqueue(ctx context.Context, msg domain.Message, queue string, due *time.Time) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}

	id, err := b.store.Enqueue(ctx, domain.Envelope{
		QueueName:     queue,
		MessageType:   msg.MessageType(),
		Payload:       payload,
		MaxAttempts:   b.maxAttempts,
		NextAttemptAt: due,
	})
	if err != nil {
		return "", err
	}

	// The envelope is durable; the announce is only a latency optimization
	// and its failure must not reach the producer.
	if err := b.notifier.Announce(ctx, queue); err != nil {
		b.log.Debug().Err(err).Str("queue", queue).Msg("announce failed")
	}
	b.log.Debug().
		Str("message_id", id).
		Str("queue", queue).
		Str("message_type", msg.MessageType()).
		Msg("broadcast")
	return id, nil
}
