// Package records defines the record model exposed over OAI-PMH and the
// narrow store interface the protocol engine reads and writes through.
// The production store is MongoDB; an in-memory store backs tests.
package records

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound signals a missing record or one not exposed via the
	// protocol (no minted identifier).
	ErrNotFound = errors.New("records: not found")
)

// OAIMeta is the `_oai` block attached to each record. A record without an
// ID here is invisible to the protocol.
type OAIMeta struct {
	// ID is the externally visible persistent identifier.
	ID string
	// Sets lists the set specs currently believed to contain this record.
	Sets []string
	// Updated is the last metadata-relevant change, whole-second UTC.
	Updated time.Time
}

// Record is a stored domain record.
type Record struct {
	// ID is the internal record identifier.
	ID string
	// Data is the record content, matched by set search patterns.
	Data map[string]any
	// OAI is the protocol metadata; nil means never minted.
	OAI *OAIMeta
}

// Exposed reports whether the record is visible via the protocol.
func (r *Record) Exposed() bool {
	return r != nil && r.OAI != nil && r.OAI.ID != ""
}

// InSet reports whether the record currently carries the given set spec.
func (r *Record) InSet(spec string) bool {
	if r.OAI == nil {
		return false
	}
	for _, s := range r.OAI.Sets {
		if s == spec {
			return true
		}
	}
	return false
}

// SetSets replaces the membership list, sorted for stable comparison, and
// advances Updated. Updated never decreases; with whole-second precision
// that means at least one second past the previous value.
func (r *Record) SetSets(specs []string, now time.Time) {
	if r.OAI == nil {
		r.OAI = &OAIMeta{}
	}
	sorted := append([]string(nil), specs...)
	sort.Strings(sorted)
	r.OAI.Sets = sorted
	r.OAI.Updated = nextDatestamp(r.OAI.Updated, now)
}

func nextDatestamp(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Second)
	if !now.After(prev) {
		return prev.Add(time.Second)
	}
	return now
}

// Selection restricts a protocol listing. Zero times mean unbounded.
type Selection struct {
	Set  string
	From time.Time
	Until time.Time
}

// Affected selects records touched by a set-definition change: records
// matching Pattern, records carrying Spec, or either when both are given.
type Affected struct {
	Spec    string
	Pattern string
}

// Page is one page of a protocol listing.
type Page struct {
	Records []*Record
	Total   int
	// Cursor is a backend position handle for resuming without a skip
	// query; empty when no further page exists.
	Cursor string
	HasNext bool
}

// Iterator walks a lazily-evaluated record cursor.
type Iterator interface {
	Next(ctx context.Context) bool
	Record() *Record
	Err() error
	Close(ctx context.Context) error
}

// Store is the record-store collaborator required by the protocol engine
// and the update propagator. All listing reads are restricted to records
// with a minted identifier.
type Store interface {
	// GetByOAIID fetches an exposed record by its external identifier.
	GetByOAIID(ctx context.Context, oaiID string) (*Record, error)

	// Get fetches a record by internal id, exposed or not.
	Get(ctx context.Context, id string) (*Record, error)

	// Create inserts a record.
	Create(ctx context.Context, rec *Record) error

	// Update replaces a stored record.
	Update(ctx context.Context, rec *Record) error

	// List returns one page ordered by (updated, id), with a cursor
	// handle when more pages remain.
	List(ctx context.Context, sel Selection, page, size int) (*Page, error)

	// Resume continues a listing from a cursor handle produced by List.
	Resume(ctx context.Context, sel Selection, cursor string, size int) (*Page, error)

	// Iterate returns a lazy cursor over records affected by a set change.
	Iterate(ctx context.Context, aff Affected) (Iterator, error)

	// EarliestDatestamp returns the smallest `_oai.updated` among exposed
	// records, or the zero time when there are none.
	EarliestDatestamp(ctx context.Context) (time.Time, error)
}
