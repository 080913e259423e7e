// Package sets owns the authoritative list of set definitions and the
// derived caches the matching engine depends on. A set with a search
// pattern is "dynamic" (membership computed by query); one without is
// "static" (membership is manual only).
package sets

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound signals a missing set.
	ErrNotFound = errors.New("sets: not found")
	// ErrSpecExists signals a duplicate spec on creation.
	ErrSpecExists = errors.New("sets: spec already exists")
	// ErrSpecImmutable signals an attempt to change a spec after creation.
	ErrSpecImmutable = errors.New("sets: updating spec is not allowed")
	// ErrSpecInvalid signals a malformed spec.
	ErrSpecInvalid = errors.New("sets: invalid spec")
	// ErrNotInSet signals removing a record from a set it is not in.
	ErrNotInSet = errors.New("sets: record not in set")
)

// Set is one set definition.
type Set struct {
	// ID is the internal identity; Spec is the protocol-visible one.
	ID          string
	Spec        string
	Name        string
	Description string
	// SearchPattern selects members dynamically; empty means static.
	SearchPattern string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Static reports whether membership is manual only.
func (s *Set) Static() bool { return s.SearchPattern == "" }

// ValidateSpec rejects specs that would collide with the protocol's
// hierarchical set-spec syntax or its argument encoding.
func ValidateSpec(spec string) error {
	if spec == "" {
		return fmt.Errorf("%w: empty", ErrSpecInvalid)
	}
	if strings.ContainsAny(spec, ": \t\n") {
		return fmt.Errorf("%w: %q may not contain colons or whitespace", ErrSpecInvalid, spec)
	}
	return nil
}

// EventType classifies a set lifecycle event.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is emitted on every set mutation and consumed by the update
// propagator. PatternBefore/PatternAfter carry the search pattern around
// the change so the consumer can compute the affected-record filter.
type Event struct {
	ID            string    `json:"eventId"`
	Type          EventType `json:"type"`
	Spec          string    `json:"spec"`
	PatternBefore string    `json:"patternBefore,omitempty"`
	PatternAfter  string    `json:"patternAfter,omitempty"`
	Timestamp     int64     `json:"timestamp"` // Unix milliseconds
}

// EventSubject is the pub/sub subject set events are published on.
const EventSubject = "sets.changed"
