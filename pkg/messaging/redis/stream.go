package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/messaging"
	"github.com/ideacapital/vault-go/pkg/metrics"
)

const (
	streamKeyPrefix = "vault:stream:"
	dataField       = "data"
	sourceIDField   = "source_id"
	attemptField    = "attempt"
)

// streamWriter is the part of the client that moves messages between streams.
type streamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

type StreamConfig struct {
	// Group is the consumer group shared by all vault replicas.
	Group string
	// Consumer names this replica inside the group.
	Consumer string
	// KeyPrefix is prepended to stream keys, matching the persistence key prefix.
	KeyPrefix string

	BatchSize int64
	Block     time.Duration
	// MinIdle is how long a delivered message may stay un-acked before another
	// consumer reclaims it.
	MinIdle time.Duration
	// MaxDeliveries moves a message that keeps asking for Retry to the topic's
	// dead-letter stream. Zero redelivers forever.
	MaxDeliveries int
}

func (c *StreamConfig) withDefaults() *StreamConfig {
	out := *c
	if out.Group == "" {
		out.Group = "vault"
	}
	if out.Consumer == "" {
		out.Consumer = "vault-0"
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 10
	}
	if out.Block <= 0 {
		out.Block = 5 * time.Second
	}
	if out.MinIdle <= 0 {
		out.MinIdle = 30 * time.Second
	}
	if out.MaxDeliveries < 0 {
		out.MaxDeliveries = 0
	}
	return &out
}

// StreamTransport publishes to and consumes from Redis Streams. Messages stay
// in the group's pending list until acknowledged, so a crashed or retrying
// consumer's messages are picked up again through XAUTOCLAIM.
type StreamTransport struct {
	client *redis.Client
	writer streamWriter
	cfg    *StreamConfig
	logger *zap.Logger
}

func NewStreamTransport(client *redis.Client, cfg *StreamConfig, logger *zap.Logger) *StreamTransport {
	if cfg == nil {
		cfg = &StreamConfig{}
	}
	return &StreamTransport{
		client: client,
		writer: client,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

func (s *StreamTransport) streamKey(topic string) string {
	return s.cfg.KeyPrefix + streamKeyPrefix + topic
}

func (s *StreamTransport) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	id, err := s.writer.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(topic),
		Values: map[string]interface{}{dataField: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	s.logger.Sugar().Debugw("Message published", "topic", topic, "id", id)
	return id, nil
}

// ensureGroup creates the stream and consumer group on first use.
func (s *StreamTransport) ensureGroup(ctx context.Context, stream string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", s.cfg.Group, stream, err)
	}
	return nil
}

func (s *StreamTransport) Subscribe(ctx context.Context, topic string, handler messaging.Handler) error {
	stream := s.streamKey(topic)
	if err := s.ensureGroup(ctx, stream); err != nil {
		return err
	}

	s.logger.Sugar().Infow("Subscribed to stream",
		"topic", topic, "group", s.cfg.Group, "consumer", s.cfg.Consumer)

	reclaimCursor := "0-0"
	for {
		if ctx.Err() != nil {
			s.logger.Sugar().Infow("Subscriber exiting due to context done", "topic", topic)
			return nil
		}

		next, err := s.reclaim(ctx, stream, topic, reclaimCursor, handler)
		if err != nil {
			s.logger.Sugar().Warnw("Failed to reclaim pending messages", "topic", topic, "error", err)
		} else {
			reclaimCursor = next
		}

		if err := s.readNew(ctx, stream, topic, handler); err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Sugar().Warnw("Failed to read stream", "topic", topic, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}
}

func (s *StreamTransport) readNew(ctx context.Context, stream, topic string, handler messaging.Handler) error {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    s.cfg.BatchSize,
		Block:    s.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, st := range res {
		for _, xm := range st.Messages {
			s.dispatch(ctx, stream, topic, xm, 1, handler)
		}
	}
	return nil
}

// reclaim takes over messages idle longer than MinIdle, including this consumer's own retries.
func (s *StreamTransport) reclaim(ctx context.Context, stream, topic, cursor string, handler messaging.Handler) (string, error) {
	msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		MinIdle:  s.cfg.MinIdle,
		Start:    cursor,
		Count:    s.cfg.BatchSize,
	}).Result()
	if err != nil {
		return cursor, err
	}

	for _, xm := range msgs {
		s.dispatch(ctx, stream, topic, xm, s.deliveryCount(ctx, stream, xm.ID), handler)
	}
	return next, nil
}

func (s *StreamTransport) deliveryCount(ctx context.Context, stream, id string) int {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  s.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 2
	}
	return int(pending[0].RetryCount)
}

func (s *StreamTransport) dispatch(ctx context.Context, stream, topic string, xm redis.XMessage, attempt int, handler messaging.Handler) {
	msg := &messaging.Message{
		ID:      xm.ID,
		Topic:   topic,
		Attempt: attempt,
	}
	if raw, ok := xm.Values[dataField].(string); ok {
		msg.Data = []byte(raw)
	}

	disposition := handler(ctx, msg)
	metrics.RecordMessage(topic, disposition.String())

	switch {
	case disposition == messaging.Ack:
		s.ack(ctx, stream, xm.ID)
	case disposition == messaging.DropPoisonPill:
		s.logger.Sugar().Warnw("Dropping poison pill message", "topic", topic, "id", xm.ID)
		s.ack(ctx, stream, xm.ID)
	case messaging.ExhaustedRetries(disposition, attempt, s.cfg.MaxDeliveries):
		if err := s.deadLetter(ctx, topic, msg); err != nil {
			// Still pending, so the next reclaim tries again.
			s.logger.Sugar().Errorw("Failed to dead-letter message", "topic", topic, "id", xm.ID, "error", err)
			return
		}
		s.logger.Sugar().Errorw("Message exhausted its deliveries, moved to dead-letter stream",
			"topic", topic, "id", xm.ID, "attempt", attempt)
		s.ack(ctx, stream, xm.ID)
	default:
		// Left pending; XAUTOCLAIM redelivers it after MinIdle.
		s.logger.Sugar().Debugw("Message left for redelivery", "topic", topic, "id", xm.ID, "attempt", attempt)
	}
}

func (s *StreamTransport) deadLetter(ctx context.Context, topic string, msg *messaging.Message) error {
	return s.writer.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(messaging.DeadLetterTopic(topic)),
		Values: map[string]interface{}{
			dataField:     msg.Data,
			sourceIDField: msg.ID,
			attemptField:  msg.Attempt,
		},
	}).Err()
}

func (s *StreamTransport) ack(ctx context.Context, stream, id string) {
	if err := s.writer.XAck(ctx, stream, s.cfg.Group, id).Err(); err != nil {
		s.logger.Sugar().Errorw("Failed to ack message", "stream", stream, "id", id, "error", err)
	}
}
