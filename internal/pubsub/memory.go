package pubsub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrEngineClosed is returned when operating on a closed engine.
	ErrEngineClosed = errors.New("pubsub: engine closed")
	// ErrPatternSubscribed is returned when a pattern already has a subscriber.
	ErrPatternSubscribed = errors.New("pubsub: pattern already subscribed")
)

// MemoryEngine provides in-process pub/sub with the same contract as the
// JetStream transport. Messages are delivered to every subscription whose
// pattern matches the subject.
type MemoryEngine struct {
	mu            sync.RWMutex
	subscriptions map[string]*memorySubscription
	closed        atomic.Bool
}

type memorySubscription struct {
	pattern string
	msgCh   chan Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewMemoryEngine creates a new in-memory pubsub engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{subscriptions: make(map[string]*memorySubscription)}
}

// NewPublisher creates a new in-memory Publisher.
func (e *MemoryEngine) NewPublisher(opts PublisherOptions) (Publisher, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return &memoryPublisher{engine: e, opts: opts}, nil
}

// NewConsumer creates a new in-memory Consumer.
func (e *MemoryEngine) NewConsumer(opts ConsumerOptions) (Consumer, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if opts.ChannelBufSize <= 0 {
		opts.ChannelBufSize = DefaultConsumerOptions().ChannelBufSize
	}
	return &memoryConsumer{engine: e, opts: opts}, nil
}

// Close shuts down the engine and all subscriptions.
func (e *MemoryEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subscriptions {
		sub.cancel()
		close(sub.msgCh)
	}
	e.subscriptions = make(map[string]*memorySubscription)
	return nil
}

func (e *MemoryEngine) publish(ctx context.Context, subject string, data []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for pattern, sub := range e.subscriptions {
		if !matchSubject(pattern, subject) {
			continue
		}
		msg := &memoryMessage{
			data:      data,
			subject:   subject,
			timestamp: time.Now(),
			redeliver: sub.msgCh,
			ctx:       sub.ctx,
		}
		select {
		case sub.msgCh <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.ctx.Done():
			// subscription cancelled, skip
		}
	}
	return nil
}

func (e *MemoryEngine) subscribe(ctx context.Context, pattern string, bufSize int) (<-chan Message, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subscriptions[pattern] != nil {
		return nil, ErrPatternSubscribed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		pattern: pattern,
		msgCh:   make(chan Message, bufSize),
		ctx:     subCtx,
		cancel:  cancel,
	}
	e.subscriptions[pattern] = sub

	go func() {
		<-subCtx.Done()
		e.mu.Lock()
		if e.subscriptions[pattern] == sub {
			delete(e.subscriptions, pattern)
			close(sub.msgCh)
		}
		e.mu.Unlock()
	}()

	return sub.msgCh, nil
}

// matchSubject reports whether a NATS-style pattern matches a subject.
// "*" matches one token, ">" matches the remainder.
func matchSubject(pattern, subject string) bool {
	if pattern == subject || pattern == ">" {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return true
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

type memoryPublisher struct {
	engine *MemoryEngine
	opts   PublisherOptions
}

func (p *memoryPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	full := subject
	if p.opts.SubjectPrefix != "" {
		full = p.opts.SubjectPrefix + "." + subject
	}
	return p.engine.publish(ctx, full, data)
}

func (p *memoryPublisher) Close() error { return nil }

type memoryConsumer struct {
	engine *MemoryEngine
	opts   ConsumerOptions
}

func (c *memoryConsumer) Subscribe(ctx context.Context) (<-chan Message, error) {
	pattern := c.opts.FilterSubject
	if pattern == "" {
		pattern = c.opts.StreamName + ".>"
	}
	return c.engine.subscribe(ctx, pattern, c.opts.ChannelBufSize)
}

type memoryMessage struct {
	data      []byte
	subject   string
	timestamp time.Time
	redeliver chan Message
	ctx       context.Context

	acked atomic.Bool
}

func (m *memoryMessage) Data() []byte    { return m.data }
func (m *memoryMessage) Subject() string { return m.subject }

func (m *memoryMessage) Ack() error {
	m.acked.Store(true)
	return nil
}

func (m *memoryMessage) Nak() error { return m.NakWithDelay(0) }

func (m *memoryMessage) NakWithDelay(delay time.Duration) error {
	if m.acked.Load() {
		return nil
	}
	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-m.ctx.Done():
				return
			}
		}
		select {
		case m.redeliver <- m:
		case <-m.ctx.Done():
		}
	}()
	return nil
}

func (m *memoryMessage) Term() error {
	m.acked.Store(true)
	return nil
}
