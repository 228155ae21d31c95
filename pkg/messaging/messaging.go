// Package messaging carries investment events between the vault and the rest
// of the platform. Transports deliver at least once; handlers decide per
// message whether it is done, should be redelivered, or can never succeed.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	TopicInvestmentPending   = "investment.pending"
	TopicInvestmentConfirmed = "investment.confirmed"

	deadLetterSuffix = ".dead"
)

type Disposition int

const (
	// Ack marks the message as processed.
	Ack Disposition = iota
	// Retry leaves the message for redelivery.
	Retry
	// DropPoisonPill acknowledges a message that can never be processed.
	DropPoisonPill
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DropPoisonPill:
		return "poison_pill"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

type Message struct {
	ID    string
	Topic string
	Data  []byte
	// Attempt is 1 on first delivery.
	Attempt int
}

type Handler func(ctx context.Context, msg *Message) Disposition

type IPublisher interface {
	Publish(ctx context.Context, topic string, data []byte) (string, error)
}

// ISubscriber delivers messages of one topic to handler until ctx is cancelled.
type ISubscriber interface {
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, pub IPublisher, topic string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s message: %w", topic, err)
	}
	return pub.Publish(ctx, topic, data)
}

// DeadLetterTopic is where a transport parks messages that used up their
// deliveries. They are never acknowledged before landing there.
func DeadLetterTopic(topic string) string {
	return topic + deadLetterSuffix
}

// ExhaustedRetries reports whether a message that asked for Retry has used up
// its deliveries. A maxDeliveries of zero redelivers forever.
func ExhaustedRetries(d Disposition, attempt, maxDeliveries int) bool {
	return d == Retry && maxDeliveries > 0 && attempt >= maxDeliveries
}
