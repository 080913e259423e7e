package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"oai.sets.changed", "oai.sets.changed", true},
		{"oai.sets.*", "oai.sets.changed", true},
		{"oai.>", "oai.sets.changed", true},
		{">", "anything.at.all", true},
		{"oai.sets.*", "oai.sets.changed.extra", false},
		{"oai.records.*", "oai.sets.changed", false},
		{"oai.sets.changed", "oai.sets", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchSubject(tt.pattern, tt.subject),
			"pattern=%s subject=%s", tt.pattern, tt.subject)
	}
}

func TestMemoryEngine_PublishSubscribe(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := engine.NewConsumer(ConsumerOptions{StreamName: "OAI"})
	require.NoError(t, err)
	msgCh, err := consumer.Subscribe(ctx)
	require.NoError(t, err)

	publisher, err := engine.NewPublisher(PublisherOptions{SubjectPrefix: "OAI"})
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, "sets.changed", []byte(`{"spec":"a"}`)))

	select {
	case msg := <-msgCh:
		assert.Equal(t, "OAI.sets.changed", msg.Subject())
		assert.JSONEq(t, `{"spec":"a"}`, string(msg.Data()))
		assert.NoError(t, msg.Ack())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryEngine_NakRedelivers(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := engine.NewConsumer(ConsumerOptions{StreamName: "OAI"})
	require.NoError(t, err)
	msgCh, err := consumer.Subscribe(ctx)
	require.NoError(t, err)

	publisher, err := engine.NewPublisher(PublisherOptions{SubjectPrefix: "OAI"})
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(ctx, "sets.changed", []byte("x")))

	msg := <-msgCh
	require.NoError(t, msg.Nak())

	select {
	case again := <-msgCh:
		assert.Equal(t, msg.Data(), again.Data())
		assert.NoError(t, again.Ack())
	case <-time.After(time.Second):
		t.Fatal("message was not redelivered after Nak")
	}
}

func TestMemoryEngine_ClosedEngineRejects(t *testing.T) {
	engine := NewMemoryEngine()
	require.NoError(t, engine.Close())

	_, err := engine.NewPublisher(PublisherOptions{})
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = engine.NewConsumer(ConsumerOptions{})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestMemoryEngine_DuplicatePattern(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	ctx := context.Background()
	c1, err := engine.NewConsumer(ConsumerOptions{StreamName: "OAI"})
	require.NoError(t, err)
	_, err = c1.Subscribe(ctx)
	require.NoError(t, err)

	c2, err := engine.NewConsumer(ConsumerOptions{StreamName: "OAI"})
	require.NoError(t, err)
	_, err = c2.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrPatternSubscribed)
}
