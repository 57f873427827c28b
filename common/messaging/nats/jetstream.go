// JetStream support for durable, persistent messaging with consumer groups
// and redelivery.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/stormglass-sec/stormglass/common/messaging"
)

// JetStreamClient extends Client with JetStream persistence capabilities.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	// Name is the stream name.
	Name string

	// Subjects are the subjects this stream captures.
	Subjects []string

	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of the stream.
	MaxBytes int64

	// Retention policy.
	Retention jetstream.RetentionPolicy
}

// ConsumerConfig defines a durable consumer configuration.
type ConsumerConfig struct {
	// Name is the durable consumer name (the consumer group identity).
	Name string

	// FilterSubject filters which messages this consumer receives.
	FilterSubject string

	// AckWait is time to wait for acknowledgment before redelivery.
	AckWait time.Duration

	// MaxDeliver is maximum delivery attempts before giving up.
	MaxDeliver int

	// MaxAckPending is maximum unacknowledged messages.
	MaxAckPending int
}

// AnalysisStreamConfig returns the durable stream definition for the
// pipeline subjects.
func AnalysisStreamConfig() StreamConfig {
	return StreamConfig{
		Name:      messaging.AnalysisStreamName,
		Subjects:  messaging.AnalysisStreamSubjects(),
		MaxAge:    24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024,
		Retention: jetstream.InterestPolicy,
	}
}

// DefaultConsumerConfig returns sensible defaults for a pipeline consumer.
func DefaultConsumerConfig(name, filterSubject string, ackWait time.Duration) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       ackWait,
		MaxDeliver:    5,
		MaxAckPending: 64,
	}
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &JetStreamClient{Client: client, js: js}, nil
}

// EnsureStream creates or updates a stream.
func (c *JetStreamClient) EnsureStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		Retention: cfg.Retention,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// EnsureConsumer creates or updates a durable consumer on a stream.
func (c *JetStreamClient) EnsureConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (jetstream.Consumer, error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// PublishConfirmed publishes a message and waits for the broker's storage
// acknowledgment. This is the delivery-confirmed publish the ingest stage
// and engines rely on.
func (c *JetStreamClient) PublishConfirmed(ctx context.Context, subject string, data []byte) error {
	_, err := c.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Consume starts consuming from a durable consumer. The handler's return
// value drives acking: nil acks, an error NAKs with delay so the broker
// redelivers. Returns a stop function.
func (c *JetStreamClient) Consume(ctx context.Context, streamName, consumerName string, handler messaging.MessageHandler) (func(), error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", streamName, err)
	}

	consumer, err := stream.Consumer(ctx, consumerName)
	if err != nil {
		return nil, fmt.Errorf("get consumer %s: %w", consumerName, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		m := &messaging.Message{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
		}
		if meta, err := msg.Metadata(); err == nil {
			m.Deliveries = int(meta.NumDelivered)
		}

		if err := handler(consumeCtx, m); err != nil {
			_ = msg.NakWithDelay(5 * time.Second)
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	return func() {
		cons.Stop()
		cancel()
	}, nil
}
