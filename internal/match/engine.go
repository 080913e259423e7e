// Package match maintains the standing-query table derived from dynamic
// set definitions and recomputes record memberships against it. The
// table is the in-process replacement for a search engine's percolator:
// instead of asking the backend which stored queries a document matches,
// the engine evaluates every compiled predicate locally.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"oaiserver/internal/query"
	"oaiserver/internal/records"
)

// SetDirectory is the slice of the set registry the engine needs: the
// current static specs, used to preserve manual memberships across
// recomputation.
type SetDirectory interface {
	StaticSpecs(ctx context.Context) ([]string, error)
}

// Engine holds one compiled matcher per dynamic set and applies the
// full table to records. It implements the registrar interface the set
// registry feeds.
type Engine struct {
	store  records.Store
	dir    SetDirectory
	logger *slog.Logger

	mu       sync.RWMutex
	matchers map[string]*query.Matcher
}

// NewEngine builds an engine with an empty standing-query table.
func NewEngine(store records.Store, dir SetDirectory, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		dir:      dir,
		logger:   logger.With("component", "match"),
		matchers: make(map[string]*query.Matcher),
	}
}

// Register compiles the pattern and installs it under the given spec,
// replacing any previous entry.
func (e *Engine) Register(spec, pattern string) error {
	p, err := query.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern for set %q: %w", spec, err)
	}
	m, err := query.NewMatcher(p)
	if err != nil {
		return fmt.Errorf("failed to build matcher for set %q: %w", spec, err)
	}
	e.mu.Lock()
	e.matchers[spec] = m
	e.mu.Unlock()
	return nil
}

// Deregister drops the standing query for a spec.
func (e *Engine) Deregister(spec string) {
	e.mu.Lock()
	delete(e.matchers, spec)
	e.mu.Unlock()
}

// Memberships computes the full membership list for a record: its
// preserved static memberships plus every dynamic set whose predicate
// matches the record's payload. Memberships of deleted sets are
// dropped. The result is sorted and duplicate free.
func (e *Engine) Memberships(ctx context.Context, rec *records.Record) ([]string, error) {
	statics, err := e.dir.StaticSpecs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load static specs: %w", err)
	}
	staticSet := make(map[string]struct{}, len(statics))
	for _, s := range statics {
		staticSet[s] = struct{}{}
	}

	seen := make(map[string]struct{})
	var specs []string
	var current []string
	if rec.OAI != nil {
		current = rec.OAI.Sets
	}
	for _, s := range current {
		if _, ok := staticSet[s]; !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		specs = append(specs, s)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for spec, m := range e.matchers {
		if _, dup := seen[spec]; dup {
			continue
		}
		ok, err := m.Match(rec.Data)
		if err != nil {
			// A predicate that cannot evaluate against this payload
			// simply does not match it.
			e.logger.Warn("predicate evaluation failed",
				"set", spec, "record", rec.ID, "error", err)
			continue
		}
		if ok {
			seen[spec] = struct{}{}
			specs = append(specs, spec)
		}
	}

	sort.Strings(specs)
	return specs, nil
}

// Update recomputes a record's memberships and persists the record if
// and only if they changed. The datestamp moves only on an actual
// change, which keeps repeated recomputation idempotent. Reports
// whether the record was written.
func (e *Engine) Update(ctx context.Context, rec *records.Record, now time.Time) (bool, error) {
	if !rec.Exposed() {
		return false, nil
	}
	next, err := e.Memberships(ctx, rec)
	if err != nil {
		return false, err
	}
	if equalSpecs(rec.OAI.Sets, next) {
		return false, nil
	}
	rec.SetSets(next, now)
	if err := e.store.Update(ctx, rec); err != nil {
		return false, fmt.Errorf("failed to persist memberships for %q: %w", rec.OAI.ID, err)
	}
	return true, nil
}

// equalSpecs compares membership lists. Stored lists are kept sorted,
// so element order is significant.
func equalSpecs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
