package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"oaiserver/internal/query"
)

// MemStore is an in-memory Store used by tests and small deployments.
type MemStore struct {
	mu   sync.RWMutex
	recs map[string]*Record
}

// NewMemStore creates an empty in-memory record store.
func NewMemStore() *MemStore {
	return &MemStore{recs: make(map[string]*Record)}
}

func cloneRecord(rec *Record) *Record {
	c := &Record{ID: rec.ID, Data: make(map[string]any, len(rec.Data))}
	for k, v := range rec.Data {
		c.Data[k] = v
	}
	if rec.OAI != nil {
		c.OAI = &OAIMeta{
			ID:      rec.OAI.ID,
			Sets:    append([]string(nil), rec.OAI.Sets...),
			Updated: rec.OAI.Updated,
		}
	}
	return c
}

func (s *MemStore) GetByOAIID(ctx context.Context, oaiID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.recs {
		if rec.Exposed() && rec.OAI.ID == oaiID {
			return cloneRecord(rec), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemStore) Update(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; !ok {
		return ErrNotFound
	}
	s.recs[rec.ID] = cloneRecord(rec)
	return nil
}

// exposed returns a sorted snapshot of records visible to the protocol.
func (s *MemStore) exposed(sel Selection) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.recs {
		if !rec.Exposed() {
			continue
		}
		if sel.Set != "" && !rec.InSet(sel.Set) {
			continue
		}
		if !sel.From.IsZero() && rec.OAI.Updated.Before(sel.From) {
			continue
		}
		if !sel.Until.IsZero() && rec.OAI.Updated.After(sel.Until) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OAI.Updated.Equal(out[j].OAI.Updated) {
			return out[i].OAI.Updated.Before(out[j].OAI.Updated)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemStore) List(ctx context.Context, sel Selection, page, size int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	all := s.exposed(sel)
	total := len(all)

	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	return makeMemPage(all[start:end], total, end < total), nil
}

func (s *MemStore) Resume(ctx context.Context, sel Selection, cursor string, size int) (*Page, error) {
	updated, id, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	all := s.exposed(sel)
	total := len(all)

	start := 0
	for i, rec := range all {
		stamp := ToDatestamp(rec.OAI.Updated)
		if stamp > updated || (stamp == updated && rec.ID > id) {
			start = i
			break
		}
		start = i + 1
	}
	end := start + size
	if end > total {
		end = total
	}

	return makeMemPage(all[start:end], total, end < total), nil
}

func makeMemPage(recs []*Record, total int, hasNext bool) *Page {
	p := &Page{Records: recs, Total: total, HasNext: hasNext}
	if hasNext && len(recs) > 0 {
		last := recs[len(recs)-1]
		p.Cursor = encodeCursor(ToDatestamp(last.OAI.Updated), last.ID)
	}
	return p
}

func (s *MemStore) Iterate(ctx context.Context, aff Affected) (Iterator, error) {
	var matcher *query.Matcher
	if aff.Pattern != "" {
		p, err := query.Compile(aff.Pattern)
		if err != nil {
			return nil, err
		}
		matcher, err = query.NewMatcher(p)
		if err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	var out []*Record
	for _, rec := range s.recs {
		if !rec.Exposed() {
			continue
		}
		hit := aff.Spec != "" && rec.InSet(aff.Spec)
		if !hit && matcher != nil {
			ok, err := matcher.Match(rec.Data)
			if err != nil {
				s.mu.RUnlock()
				return nil, err
			}
			hit = ok
		}
		if hit {
			out = append(out, cloneRecord(rec))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &sliceIterator{recs: out}, nil
}

func (s *MemStore) EarliestDatestamp(ctx context.Context) (time.Time, error) {
	all := s.exposed(Selection{})
	if len(all) == 0 {
		return time.Time{}, nil
	}
	return all[0].OAI.Updated, nil
}

type sliceIterator struct {
	recs []*Record
	pos  int
	rec  *Record
}

func (it *sliceIterator) Next(ctx context.Context) bool {
	if it.pos >= len(it.recs) {
		return false
	}
	it.rec = it.recs[it.pos]
	it.pos++
	return true
}

func (it *sliceIterator) Record() *Record             { return it.rec }
func (it *sliceIterator) Err() error                  { return nil }
func (it *sliceIterator) Close(context.Context) error { return nil }
