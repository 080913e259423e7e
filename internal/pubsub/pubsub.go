// Package pubsub provides a small pub/sub abstraction used to move set
// lifecycle events from the registry to the update propagator. A NATS
// JetStream implementation backs production deployments; an in-memory
// engine backs tests and single-process setups.
package pubsub

import (
	"context"
	"time"
)

// Message represents a received message with acknowledgment controls.
type Message interface {
	// Data returns the raw message payload.
	Data() []byte

	// Subject returns the message subject.
	Subject() string

	// Ack acknowledges successful processing.
	Ack() error

	// Nak signals processing failure, requesting redelivery.
	Nak() error

	// NakWithDelay requests redelivery after a delay.
	NakWithDelay(delay time.Duration) error

	// Term terminates the message (no redelivery).
	Term() error
}

// Publisher publishes messages to a stream.
type Publisher interface {
	// Publish sends a message to the specified subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close releases resources.
	Close() error
}

// Consumer consumes messages from a stream.
type Consumer interface {
	// Subscribe starts consuming messages and returns a channel.
	// The channel is closed when the context is cancelled.
	// Caller is responsible for calling Ack/Nak/Term on each message.
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// Provider creates publishers and consumers against one transport.
type Provider interface {
	NewPublisher(opts PublisherOptions) (Publisher, error)
	NewConsumer(opts ConsumerOptions) (Consumer, error)
	Close() error
}

// PublisherOptions configures publisher behavior.
type PublisherOptions struct {
	// StreamName is the name of the stream to publish to.
	StreamName string

	// SubjectPrefix is prepended to all subjects.
	SubjectPrefix string

	// Subjects lists the subjects the stream must capture. Empty falls
	// back to "<prefix>.>" using SubjectPrefix or StreamName, which only
	// covers prefixed publishes.
	Subjects []string
}

// ConsumerOptions configures consumer behavior.
type ConsumerOptions struct {
	// StreamName is the name of the stream to consume from.
	StreamName string

	// ConsumerName is the durable consumer name.
	ConsumerName string

	// FilterSubject filters messages by subject pattern.
	FilterSubject string

	// ChannelBufSize is the buffer size for the message channel.
	ChannelBufSize int
}

// DefaultConsumerOptions returns ConsumerOptions with sensible defaults.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{ChannelBufSize: 100}
}
