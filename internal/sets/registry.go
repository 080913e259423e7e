package sets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"oaiserver/internal/pubsub"
	"oaiserver/internal/query"
	"oaiserver/internal/records"
)

// ErrNotStatic signals a manual membership operation against a dynamic
// set. Dynamic membership is owned by the matching engine and would
// overwrite any manual edit on the next recomputation.
var ErrNotStatic = errors.New("sets: manual membership requires a static set")

// PredicateRegistrar receives the standing queries derived from dynamic
// set definitions. It is implemented by the matching engine.
type PredicateRegistrar interface {
	Register(spec, pattern string) error
	Deregister(spec string)
}

// Registry coordinates set mutations: it persists the definition,
// keeps the registrar's standing-query table in sync, and publishes a
// lifecycle event for the update propagator. Registrar updates happen
// strictly before the event is published so that the bulk recomputation
// triggered by the event observes the new predicate table.
type Registry struct {
	store     Store
	registrar PredicateRegistrar
	publisher pubsub.Publisher
	records   records.Store
	logger    *slog.Logger

	mu      sync.RWMutex
	statics []string // nil means invalidated
}

// NewRegistry builds a registry. publisher may be nil, in which case
// events are not emitted (useful in tests that drive the engine
// directly).
func NewRegistry(store Store, publisher pubsub.Publisher, recs records.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:     store,
		publisher: publisher,
		records:   recs,
		logger:    logger.With("component", "sets"),
	}
}

// BindRegistrar attaches the predicate consumer. The matching engine
// needs the registry to resolve static specs, so the two are built
// first and tied together here, before Restore.
func (r *Registry) BindRegistrar(registrar PredicateRegistrar) {
	r.registrar = registrar
}

// Restore replays every stored dynamic set into the registrar. Called
// once at startup before any record update is processed.
func (r *Registry) Restore(ctx context.Context) error {
	all, err := r.store.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sets: %w", err)
	}
	for _, s := range all {
		if s.Static() || r.registrar == nil {
			continue
		}
		if err := r.registrar.Register(s.Spec, s.SearchPattern); err != nil {
			return fmt.Errorf("failed to restore set %q: %w", s.Spec, err)
		}
	}
	r.logger.Info("restored set definitions", "count", len(all))
	return nil
}

// Create validates and stores a new set definition.
func (r *Registry) Create(ctx context.Context, set *Set) error {
	if err := ValidateSpec(set.Spec); err != nil {
		return err
	}
	if err := r.validatePattern(set.SearchPattern); err != nil {
		return err
	}

	set.ID = uuid.NewString()
	now := time.Now().UTC()
	set.CreatedAt = now
	set.UpdatedAt = now

	if err := r.store.Insert(ctx, set); err != nil {
		return err
	}
	r.invalidate()

	if !set.Static() && r.registrar != nil {
		if err := r.registrar.Register(set.Spec, set.SearchPattern); err != nil {
			return fmt.Errorf("failed to register predicate for %q: %w", set.Spec, err)
		}
	}

	r.publish(ctx, Event{
		Type:         EventCreated,
		Spec:         set.Spec,
		PatternAfter: set.SearchPattern,
	})
	r.logger.Info("set created", "spec", set.Spec, "dynamic", !set.Static())
	return nil
}

// Update replaces an existing definition. The spec is write-once: a
// submitted set whose spec differs from the stored one is rejected.
func (r *Registry) Update(ctx context.Context, set *Set) error {
	old, err := r.store.GetByID(ctx, set.ID)
	if err != nil {
		return err
	}
	if old.Spec != set.Spec {
		return ErrSpecImmutable
	}
	if err := r.validatePattern(set.SearchPattern); err != nil {
		return err
	}

	set.CreatedAt = old.CreatedAt
	set.UpdatedAt = time.Now().UTC()

	if err := r.store.Save(ctx, set); err != nil {
		return err
	}
	r.invalidate()

	if r.registrar != nil {
		if set.Static() {
			r.registrar.Deregister(set.Spec)
		} else if err := r.registrar.Register(set.Spec, set.SearchPattern); err != nil {
			return fmt.Errorf("failed to register predicate for %q: %w", set.Spec, err)
		}
	}

	r.publish(ctx, Event{
		Type:          EventUpdated,
		Spec:          set.Spec,
		PatternBefore: old.SearchPattern,
		PatternAfter:  set.SearchPattern,
	})
	r.logger.Info("set updated", "spec", set.Spec, "dynamic", !set.Static())
	return nil
}

// Delete removes a set definition. Records that carry the spec keep it
// until the propagator's recomputation strips it.
func (r *Registry) Delete(ctx context.Context, spec string) error {
	old, err := r.store.GetBySpec(ctx, spec)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, spec); err != nil {
		return err
	}
	r.invalidate()
	if r.registrar != nil {
		r.registrar.Deregister(spec)
	}

	r.publish(ctx, Event{
		Type:          EventDeleted,
		Spec:          spec,
		PatternBefore: old.SearchPattern,
	})
	r.logger.Info("set deleted", "spec", spec)
	return nil
}

// GetBySpec fetches one definition.
func (r *Registry) GetBySpec(ctx context.Context, spec string) (*Set, error) {
	return r.store.GetBySpec(ctx, spec)
}

// Exists reports whether a spec is defined.
func (r *Registry) Exists(ctx context.Context, spec string) (bool, error) {
	_, err := r.store.GetBySpec(ctx, spec)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Page returns a spec-ordered page of definitions plus the total count.
func (r *Registry) Page(ctx context.Context, offset, limit int) ([]*Set, int, error) {
	return r.store.Page(ctx, offset, limit)
}

// All returns every definition ordered by spec.
func (r *Registry) All(ctx context.Context) ([]*Set, error) {
	return r.store.All(ctx)
}

// StaticSpecs returns the sorted specs of all static sets. The result
// is cached and rebuilt lazily after any mutation.
func (r *Registry) StaticSpecs(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	cached := r.statics
	r.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	all, err := r.store.All(ctx)
	if err != nil {
		return nil, err
	}
	specs := make([]string, 0, len(all))
	for _, s := range all {
		if s.Static() {
			specs = append(specs, s.Spec)
		}
	}
	sort.Strings(specs)

	r.mu.Lock()
	r.statics = specs
	r.mu.Unlock()
	return specs, nil
}

// AddRecord manually adds a record to a static set. Adding a record
// that is already a member is a no-op.
func (r *Registry) AddRecord(ctx context.Context, spec, oaiID string) error {
	set, err := r.store.GetBySpec(ctx, spec)
	if err != nil {
		return err
	}
	if !set.Static() {
		return ErrNotStatic
	}
	rec, err := r.records.GetByOAIID(ctx, oaiID)
	if err != nil {
		return err
	}
	if rec.InSet(spec) {
		return nil
	}
	rec.SetSets(append(rec.OAI.Sets, spec), time.Now().UTC())
	return r.records.Update(ctx, rec)
}

// RemoveRecord manually removes a record from a static set.
func (r *Registry) RemoveRecord(ctx context.Context, spec, oaiID string) error {
	set, err := r.store.GetBySpec(ctx, spec)
	if err != nil {
		return err
	}
	if !set.Static() {
		return ErrNotStatic
	}
	rec, err := r.records.GetByOAIID(ctx, oaiID)
	if err != nil {
		return err
	}
	if !rec.InSet(spec) {
		return ErrNotInSet
	}
	kept := make([]string, 0, len(rec.OAI.Sets))
	for _, s := range rec.OAI.Sets {
		if s != spec {
			kept = append(kept, s)
		}
	}
	rec.SetSets(kept, time.Now().UTC())
	return r.records.Update(ctx, rec)
}

func (r *Registry) validatePattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	_, err := query.Compile(pattern)
	return err
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.statics = nil
	r.mu.Unlock()
}

func (r *Registry) publish(ctx context.Context, ev Event) {
	if r.publisher == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("failed to encode set event", "spec", ev.Spec, "error", err)
		return
	}
	if err := r.publisher.Publish(ctx, EventSubject, data); err != nil {
		r.logger.Error("failed to publish set event", "spec", ev.Spec, "error", err)
	}
}
