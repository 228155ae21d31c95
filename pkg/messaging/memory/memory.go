package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/messaging"
	"github.com/ideacapital/vault-go/pkg/metrics"
)

// Bus is an in-process transport. Each topic is a buffered channel; a Retry
// puts the message back on the channel with its attempt counter bumped.
type Bus struct {
	logger        *zap.Logger
	capacity      int
	maxDeliveries int

	mu        sync.Mutex
	topics    map[string]chan *messaging.Message
	published map[string][]*messaging.Message
}

func NewBus(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = 100
	}
	return &Bus{
		logger:        logger,
		capacity:      capacity,
		topics:        make(map[string]chan *messaging.Message),
		published:     make(map[string][]*messaging.Message),
	}
}

// WithMaxDeliveries bounds how often a retried message is redelivered before
// it moves to the dead-letter topic. Zero, the default, redelivers forever.
func (b *Bus) WithMaxDeliveries(n int) *Bus {
	b.maxDeliveries = n
	return b
}

func (b *Bus) channel(topic string) chan *messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.topics[topic]
	if !ok {
		ch = make(chan *messaging.Message, b.capacity)
		b.topics[topic] = ch
	}
	return ch
}

func (b *Bus) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	msg := &messaging.Message{
		ID:      uuid.NewString(),
		Topic:   topic,
		Data:    append([]byte{}, data...),
		Attempt: 1,
	}

	b.mu.Lock()
	b.published[topic] = append(b.published[topic], msg)
	b.mu.Unlock()

	select {
	case b.channel(topic) <- msg:
		b.logger.Sugar().Debugw("Message published", "topic", topic, "id", msg.ID)
		return msg.ID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
}

// Published returns every message ever published on topic, in order.
func (b *Bus) Published(topic string) []*messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*messaging.Message, len(b.published[topic]))
	copy(out, b.published[topic])
	return out
}

// Subscribe blocks, feeding topic to handler until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler messaging.Handler) error {
	ch := b.channel(topic)
	for {
		select {
		case msg := <-ch:
			b.dispatch(ctx, ch, msg, handler)
		case <-ctx.Done():
			b.logger.Sugar().Infow("Subscriber exiting due to context done", "topic", topic)
			return nil
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, ch chan *messaging.Message, msg *messaging.Message, handler messaging.Handler) {
	disposition := handler(ctx, msg)
	metrics.RecordMessage(msg.Topic, disposition.String())

	switch {
	case messaging.ExhaustedRetries(disposition, msg.Attempt, b.maxDeliveries):
		dead := *msg
		dead.Topic = messaging.DeadLetterTopic(msg.Topic)
		b.mu.Lock()
		b.published[dead.Topic] = append(b.published[dead.Topic], &dead)
		b.mu.Unlock()
		b.logger.Sugar().Errorw("Message exhausted its deliveries, moved to dead-letter topic",
			"topic", msg.Topic, "id", msg.ID, "attempt", msg.Attempt)
	case disposition == messaging.Retry:
		retry := *msg
		retry.Attempt++
		select {
		case ch <- &retry:
		default:
			b.logger.Sugar().Warnw("Topic channel is full, dropping retried message", "topic", msg.Topic, "id", msg.ID)
		}
	case disposition == messaging.DropPoisonPill:
		b.logger.Sugar().Warnw("Dropping poison pill message", "topic", msg.Topic, "id", msg.ID)
	}
}
