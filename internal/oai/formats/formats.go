// Package formats is the metadata-format registry: the mapping from
// metadataPrefix to schema, namespace, and a serializer that renders a
// record's payload as metadata XML.
package formats

import (
	"errors"
	"sort"
	"sync"

	"oaiserver/internal/records"
)

// ErrCannotSerialize signals that a record's payload cannot be rendered
// in the requested format.
var ErrCannotSerialize = errors.New("formats: record cannot be serialized in this format")

// Serializer renders a record's payload as the inner XML of the
// protocol's metadata element.
type Serializer func(rec *records.Record) ([]byte, error)

// Format describes one supported metadata format.
type Format struct {
	Prefix    string
	Schema    string
	Namespace string
	Serialize Serializer
}

// Registry maps metadataPrefix values to formats.
type Registry struct {
	mu      sync.RWMutex
	formats map[string]Format
}

// NewRegistry creates an empty format registry.
func NewRegistry() *Registry {
	return &Registry{formats: make(map[string]Format)}
}

// Register adds or replaces a format.
func (r *Registry) Register(f Format) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formats[f.Prefix] = f
}

// Get looks up a format by prefix.
func (r *Registry) Get(prefix string) (Format, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formats[prefix]
	return f, ok
}

// Exists reports whether a prefix is registered.
func (r *Registry) Exists(prefix string) bool {
	_, ok := r.Get(prefix)
	return ok
}

// All returns every format ordered by prefix.
func (r *Registry) All() []Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Format, 0, len(r.formats))
	for _, f := range r.formats {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// Default returns a registry with the built-in formats.
func Default() *Registry {
	r := NewRegistry()
	r.Register(Format{
		Prefix:    "oai_dc",
		Schema:    "http://www.openarchives.org/OAI/2.0/oai_dc.xsd",
		Namespace: "http://www.openarchives.org/OAI/2.0/oai_dc/",
		Serialize: SerializeDublinCore,
	})
	r.Register(Format{
		Prefix:    "marcxml",
		Schema:    "http://www.loc.gov/standards/marcxml/schema/MARC21slim.xsd",
		Namespace: "http://www.loc.gov/MARC21/slim",
		Serialize: SerializeMARCXML,
	})
	return r
}
