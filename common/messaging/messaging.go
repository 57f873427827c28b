// Package messaging provides abstractions for message broker communication.
// It defines interfaces that allow services to publish and subscribe to
// messages without being coupled to a specific broker implementation.
package messaging

import (
	"context"
	"time"
)

// Message represents a message received from or sent to a message broker.
type Message struct {
	// Subject is the topic/channel the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Metadata contains optional key-value pairs for message headers.
	Metadata map[string]string

	// Timestamp is when the message was published.
	Timestamp time.Time

	// Deliveries is the broker delivery attempt count, when known.
	// Redelivery is expected; handlers must be idempotent.
	Deliveries int
}

// MessageHandler processes a received message.
// On durable JetStream consumers a returned error NAKs the message for
// redelivery; on plain NATS subscriptions it is only logged.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription to a subject.
type Subscription interface {
	// Unsubscribe stops receiving messages on this subscription.
	Unsubscribe() error

	// Subject returns the subject this subscription is listening to.
	Subject() string
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a message to the specified subject (fire-and-forget).
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishJSON marshals data to JSON and publishes to the subject.
	PublishJSON(ctx context.Context, subject string, data any) error

	// Close releases any resources held by the publisher.
	Close() error
}

// Subscriber subscribes to messages on subjects.
type Subscriber interface {
	// Subscribe creates a fan-out subscription to the specified subject.
	Subscribe(subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription. Messages are
	// load-balanced across subscribers in the same queue group.
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)

	// Close releases any resources and unsubscribes all active subscriptions.
	Close() error
}

// Client combines Publisher and Subscriber interfaces.
type Client interface {
	Publisher
	Subscriber

	// Drain gracefully closes the connection, letting in-flight messages
	// complete.
	Drain() error

	// IsConnected returns true if the client is connected to the broker.
	IsConnected() bool
}
