package sets

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oaiserver/internal/records"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRegistrar struct {
	mu       sync.Mutex
	patterns map[string]string
	calls    []string
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{patterns: make(map[string]string)}
}

func (f *fakeRegistrar) Register(spec, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns[spec] = pattern
	f.calls = append(f.calls, "register:"+spec)
	return nil
}

func (f *fakeRegistrar) Deregister(spec string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.patterns, spec)
	f.calls = append(f.calls, "deregister:"+spec)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
	calls  []string
}

func (p *capturePublisher) Publish(ctx context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.events = append(p.events, ev)
	p.calls = append(p.calls, "publish:"+ev.Spec)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func newTestRegistry(t *testing.T) (*Registry, *fakeRegistrar, *capturePublisher, *records.MemStore) {
	t.Helper()
	registrar := newFakeRegistrar()
	pub := &capturePublisher{}
	recs := records.NewMemStore()
	reg := NewRegistry(NewMemStore(), pub, recs, testLogger())
	reg.BindRegistrar(registrar)
	return reg, registrar, pub, recs
}

func TestCreateDynamicSet(t *testing.T) {
	reg, registrar, pub, _ := newTestRegistry(t)
	ctx := context.Background()

	set := &Set{Spec: "physics", Name: "Physics", SearchPattern: `subject:"physics"`}
	require.NoError(t, reg.Create(ctx, set))
	assert.NotEmpty(t, set.ID)

	assert.Equal(t, `subject:"physics"`, registrar.patterns["physics"])
	require.Len(t, pub.events, 1)
	assert.Equal(t, EventCreated, pub.events[0].Type)
	assert.Equal(t, `subject:"physics"`, pub.events[0].PatternAfter)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	err := reg.Create(ctx, &Set{Spec: "bad spec"})
	assert.ErrorIs(t, err, ErrSpecInvalid)

	err = reg.Create(ctx, &Set{Spec: "ok", SearchPattern: "((("})
	assert.Error(t, err)

	require.NoError(t, reg.Create(ctx, &Set{Spec: "dup"}))
	assert.ErrorIs(t, reg.Create(ctx, &Set{Spec: "dup"}), ErrSpecExists)
}

func TestUpdateSpecIsImmutable(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	set := &Set{Spec: "orig"}
	require.NoError(t, reg.Create(ctx, set))

	renamed := &Set{ID: set.ID, Spec: "renamed"}
	assert.ErrorIs(t, reg.Update(ctx, renamed), ErrSpecImmutable)
}

func TestUpdateTogglesRegistration(t *testing.T) {
	reg, registrar, pub, _ := newTestRegistry(t)
	ctx := context.Background()

	set := &Set{Spec: "s", SearchPattern: "a:b"}
	require.NoError(t, reg.Create(ctx, set))
	assert.Contains(t, registrar.patterns, "s")

	// Dropping the pattern turns the set static.
	static := &Set{ID: set.ID, Spec: "s"}
	require.NoError(t, reg.Update(ctx, static))
	assert.NotContains(t, registrar.patterns, "s")

	require.Len(t, pub.events, 2)
	assert.Equal(t, "a:b", pub.events[1].PatternBefore)
	assert.Empty(t, pub.events[1].PatternAfter)
}

func TestDeletePublishesOldPattern(t *testing.T) {
	reg, registrar, pub, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, &Set{Spec: "s", SearchPattern: "a:b"}))
	require.NoError(t, reg.Delete(ctx, "s"))

	assert.NotContains(t, registrar.patterns, "s")
	require.Len(t, pub.events, 2)
	assert.Equal(t, EventDeleted, pub.events[1].Type)
	assert.Equal(t, "a:b", pub.events[1].PatternBefore)

	assert.ErrorIs(t, reg.Delete(ctx, "s"), ErrNotFound)
}

func TestRegistrarUpdatedBeforeEventPublished(t *testing.T) {
	reg, registrar, pub, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, &Set{Spec: "s", SearchPattern: "a:b"}))

	require.Len(t, registrar.calls, 1)
	require.Len(t, pub.calls, 1)
	assert.Equal(t, "register:s", registrar.calls[0])
}

func TestStaticSpecsCache(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, &Set{Spec: "b-static"}))
	require.NoError(t, reg.Create(ctx, &Set{Spec: "a-static"}))
	require.NoError(t, reg.Create(ctx, &Set{Spec: "dyn", SearchPattern: "a:b"}))

	specs, err := reg.StaticSpecs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-static", "b-static"}, specs)

	require.NoError(t, reg.Delete(ctx, "a-static"))
	specs, err = reg.StaticSpecs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b-static"}, specs)
}

func TestManualMembership(t *testing.T) {
	reg, _, _, recs := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, &Set{Spec: "curated"}))
	require.NoError(t, reg.Create(ctx, &Set{Spec: "dyn", SearchPattern: "a:b"}))

	rec := &records.Record{
		ID:   "internal-1",
		Data: map[string]any{"title": "t"},
		OAI:  &records.OAIMeta{ID: "oai:example:1", Updated: time.Now().UTC()},
	}
	require.NoError(t, recs.Create(ctx, rec))

	require.NoError(t, reg.AddRecord(ctx, "curated", "oai:example:1"))
	got, err := recs.GetByOAIID(ctx, "oai:example:1")
	require.NoError(t, err)
	assert.True(t, got.InSet("curated"))

	// Re-adding is a no-op, and the datestamp must not move.
	stamp := got.OAI.Updated
	require.NoError(t, reg.AddRecord(ctx, "curated", "oai:example:1"))
	got, err = recs.GetByOAIID(ctx, "oai:example:1")
	require.NoError(t, err)
	assert.Equal(t, stamp, got.OAI.Updated)

	assert.ErrorIs(t, reg.AddRecord(ctx, "dyn", "oai:example:1"), ErrNotStatic)
	assert.ErrorIs(t, reg.RemoveRecord(ctx, "curated", "oai:example:2"), records.ErrNotFound)

	require.NoError(t, reg.RemoveRecord(ctx, "curated", "oai:example:1"))
	got, err = recs.GetByOAIID(ctx, "oai:example:1")
	require.NoError(t, err)
	assert.False(t, got.InSet("curated"))

	assert.ErrorIs(t, reg.RemoveRecord(ctx, "curated", "oai:example:1"), ErrNotInSet)
}

func TestValidateSpec(t *testing.T) {
	assert.NoError(t, ValidateSpec("algebra-2"))
	assert.ErrorIs(t, ValidateSpec(""), ErrSpecInvalid)
	assert.ErrorIs(t, ValidateSpec("a:b"), ErrSpecInvalid)
	assert.ErrorIs(t, ValidateSpec("a b"), ErrSpecInvalid)
}
