// Package propagator applies set-definition changes to the record
// corpus. It consumes set lifecycle events, selects the records a
// change can affect, and recomputes their memberships in chunks so
// that a large corpus never needs to fit in memory.
package propagator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"oaiserver/internal/match"
	"oaiserver/internal/pubsub"
	"oaiserver/internal/records"
	"oaiserver/internal/sets"
)

// Service is the propagator worker loop.
type Service struct {
	cfg    Config
	store  records.Store
	engine *match.Engine
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewService builds a propagator.
func NewService(cfg Config, store records.Store, engine *match.Engine, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		store:  store,
		engine: engine,
		logger: logger.With("component", "propagator"),
		done:   make(chan struct{}),
	}
}

// Start subscribes to set events and processes them until Stop.
func (s *Service) Start(ctx context.Context, provider pubsub.Provider) error {
	consumer, err := provider.NewConsumer(pubsub.ConsumerOptions{
		StreamName:    s.cfg.StreamName,
		ConsumerName:  s.cfg.ConsumerName,
		FilterSubject: sets.EventSubject,
	})
	if err != nil {
		return fmt.Errorf("failed to create set-event consumer: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	msgs, err := consumer.Subscribe(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to set events: %w", err)
	}

	go s.run(runCtx, msgs)
	s.logger.Info("propagator started", "stream", s.cfg.StreamName)
	return nil
}

// Stop cancels the worker loop and waits for it to drain.
func (s *Service) Stop() {
	s.once.Do(func() {
		if s.cancel == nil {
			return // never started
		}
		s.cancel()
		<-s.done
	})
}

func (s *Service) run(ctx context.Context, msgs <-chan pubsub.Message) {
	defer close(s.done)
	for msg := range msgs {
		var ev sets.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			s.logger.Error("malformed set event, discarding", "error", err)
			_ = msg.Term()
			continue
		}
		if err := s.Apply(ctx, ev); err != nil {
			s.logger.Error("failed to apply set event, will retry",
				"event", ev.ID, "spec", ev.Spec, "error", err)
			_ = msg.NakWithDelay(5 * time.Second)
			continue
		}
		_ = msg.Ack()
	}
}

// Apply recomputes memberships for every record a single event can
// touch. A chunk that fails is logged and skipped; the remaining
// records still get processed, and the monotonic-datestamp rule makes a
// later replay of the same event safe.
func (s *Service) Apply(ctx context.Context, ev sets.Event) error {
	// The worker may run in a different process from the registry that
	// emitted the event, so its standing-query table is synced from the
	// event itself before any record is recomputed.
	if err := s.syncPredicate(ev); err != nil {
		return err
	}

	aff, ok := affected(ev)
	if !ok {
		s.logger.Debug("set event touches no records", "event", ev.ID, "spec", ev.Spec)
		return nil
	}

	iter, err := s.store.Iterate(ctx, aff)
	if err != nil {
		return fmt.Errorf("failed to open affected-record cursor: %w", err)
	}
	defer iter.Close(ctx)

	var scanned, changed, failed int
	chunk := make([]*records.Record, 0, s.cfg.ChunkSize)
	flush := func() {
		if len(chunk) == 0 {
			return
		}
		now := time.Now().UTC()
		for _, rec := range chunk {
			wrote, err := s.engine.Update(ctx, rec, now)
			if err != nil {
				failed++
				s.logger.Error("membership recomputation failed",
					"record", rec.OAI.ID, "spec", ev.Spec, "error", err)
				continue
			}
			if wrote {
				changed++
			}
		}
		chunk = chunk[:0]
	}

	for iter.Next(ctx) {
		scanned++
		chunk = append(chunk, iter.Record())
		if len(chunk) >= s.cfg.ChunkSize {
			flush()
		}
	}
	flush()

	if err := iter.Err(); err != nil {
		return fmt.Errorf("affected-record cursor failed: %w", err)
	}
	s.logger.Info("set event applied",
		"event", ev.ID, "spec", ev.Spec, "type", ev.Type,
		"scanned", scanned, "changed", changed, "failed", failed)
	return nil
}

// syncPredicate brings the engine's standing-query table up to date
// with the set definition the event describes.
func (s *Service) syncPredicate(ev sets.Event) error {
	if ev.Type == sets.EventDeleted || ev.PatternAfter == "" {
		s.engine.Deregister(ev.Spec)
		return nil
	}
	if err := s.engine.Register(ev.Spec, ev.PatternAfter); err != nil {
		return fmt.Errorf("failed to register predicate for %q: %w", ev.Spec, err)
	}
	return nil
}

// affected derives the record filter for one event. Creating a static
// set touches nothing: membership only arrives through manual adds.
func affected(ev sets.Event) (records.Affected, bool) {
	switch ev.Type {
	case sets.EventCreated:
		if ev.PatternAfter == "" {
			return records.Affected{}, false
		}
		return records.Affected{Pattern: ev.PatternAfter}, true
	case sets.EventUpdated:
		// Current members may need the spec stripped; pattern matches
		// may need it added.
		return records.Affected{Spec: ev.Spec, Pattern: ev.PatternAfter}, true
	case sets.EventDeleted:
		return records.Affected{Spec: ev.Spec}, true
	default:
		return records.Affected{}, false
	}
}
