package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsEngine implements Provider on a NATS JetStream connection.
type NatsEngine struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNatsEngine connects to the given NATS URL and prepares a JetStream
// context.
func NewNatsEngine(url string) (*NatsEngine, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	return &NatsEngine{nc: nc, js: js}, nil
}

// NewPublisher creates a Publisher backed by NATS JetStream, ensuring the
// stream exists.
func (e *NatsEngine) NewPublisher(opts PublisherOptions) (Publisher, error) {
	if opts.StreamName != "" {
		_, err := e.js.CreateOrUpdateStream(context.Background(), jetstream.StreamConfig{
			Name:     opts.StreamName,
			Subjects: streamSubjects(opts),
			Storage:  jetstream.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ensure stream: %w", err)
		}
	}
	return &jetStreamPublisher{js: e.js, opts: opts}, nil
}

// streamSubjects resolves the subject set the publisher's stream must
// capture. Explicit Subjects win; otherwise publishes are assumed to be
// prefixed and the prefix wildcard is used.
func streamSubjects(opts PublisherOptions) []string {
	if len(opts.Subjects) > 0 {
		return opts.Subjects
	}
	if opts.SubjectPrefix != "" && opts.SubjectPrefix != opts.StreamName {
		return []string{opts.SubjectPrefix + ".>"}
	}
	return []string{opts.StreamName + ".>"}
}

// NewConsumer creates a Consumer backed by NATS JetStream.
func (e *NatsEngine) NewConsumer(opts ConsumerOptions) (Consumer, error) {
	if opts.StreamName == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if opts.ChannelBufSize <= 0 {
		opts.ChannelBufSize = DefaultConsumerOptions().ChannelBufSize
	}
	return &jetStreamConsumer{js: e.js, opts: opts}, nil
}

// Close drains the NATS connection.
func (e *NatsEngine) Close() error {
	return e.nc.Drain()
}

type jetStreamPublisher struct {
	js   jetstream.JetStream
	opts PublisherOptions
}

func (p *jetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	fullSubject := subject
	if p.opts.SubjectPrefix != "" {
		fullSubject = p.opts.SubjectPrefix + "." + subject
	}
	if _, err := p.js.Publish(ctx, fullSubject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", fullSubject, err)
	}
	return nil
}

func (p *jetStreamPublisher) Close() error { return nil }

type jetStreamConsumer struct {
	js   jetstream.JetStream
	opts ConsumerOptions
}

func (c *jetStreamConsumer) Subscribe(ctx context.Context) (<-chan Message, error) {
	filterSubject := c.opts.FilterSubject
	if filterSubject == "" {
		filterSubject = c.opts.StreamName + ".>"
	}

	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     c.opts.StreamName,
		Subjects: []string{filterSubject},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	consumerName := c.opts.ConsumerName
	if consumerName == "" {
		consumerName = "consumer"
	}

	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.opts.StreamName, jetstream.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: filterSubject,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	msgCh := make(chan Message, c.opts.ChannelBufSize)
	var closing atomic.Bool

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if closing.Load() {
			msg.Nak()
			return
		}
		select {
		case msgCh <- &jetStreamMessage{msg: msg}:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		close(msgCh)
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	slog.Info("Consumer subscribed", "stream", c.opts.StreamName, "consumer", consumerName)

	go func() {
		<-ctx.Done()
		closing.Store(true)
		cc.Stop()
		close(msgCh)
	}()

	return msgCh, nil
}

type jetStreamMessage struct {
	msg jetstream.Msg
}

func (m *jetStreamMessage) Data() []byte    { return m.msg.Data() }
func (m *jetStreamMessage) Subject() string { return m.msg.Subject() }
func (m *jetStreamMessage) Ack() error      { return m.msg.Ack() }
func (m *jetStreamMessage) Nak() error      { return m.msg.Nak() }
func (m *jetStreamMessage) Term() error     { return m.msg.Term() }

func (m *jetStreamMessage) NakWithDelay(delay time.Duration) error {
	return m.msg.NakWithDelay(delay)
}
