// Package pidstore allocates the stable external identifiers records are
// exposed under. It is deliberately small: the identifier is the configured
// prefix followed by the internal record id, minted once and never changed.
package pidstore

import (
	"errors"
	"fmt"
	"time"

	"oaiserver/internal/records"
)

// ErrNoIdentifier signals a record that was never minted.
var ErrNoIdentifier = errors.New("pidstore: record has no identifier")

// Minter mints and fetches external identifiers.
type Minter struct {
	prefix string
}

// New creates a Minter with the given identifier prefix
// (e.g. "oai:example.org:").
func New(prefix string) *Minter {
	return &Minter{prefix: prefix}
}

// Mint assigns an external identifier to the record if it has none and
// stamps `_oai.updated`. Minting is idempotent: an already-minted record
// keeps its identifier.
func (m *Minter) Mint(rec *records.Record, now time.Time) (string, error) {
	if rec.ID == "" {
		return "", fmt.Errorf("cannot mint identifier for record without internal id")
	}
	if rec.OAI != nil && rec.OAI.ID != "" {
		return rec.OAI.ID, nil
	}
	if rec.OAI == nil {
		rec.OAI = &records.OAIMeta{}
	}
	rec.OAI.ID = m.prefix + rec.ID
	rec.OAI.Updated = now.UTC().Truncate(time.Second)
	return rec.OAI.ID, nil
}

// Fetch returns the record's external identifier.
func (m *Minter) Fetch(rec *records.Record) (string, error) {
	if !rec.Exposed() {
		return "", ErrNoIdentifier
	}
	return rec.OAI.ID, nil
}
