package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oaiserver/internal/match"
	"oaiserver/internal/oai"
	"oaiserver/internal/oai/formats"
	"oaiserver/internal/records"
	"oaiserver/internal/sets"
)

const adminKey = "admin-test-key"

func newAdminFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := HashKey(adminKey)
	require.NoError(t, err)

	cfg := oai.DefaultConfig()
	cfg.TokenSecret = "test-secret"
	cfg.AdminKeyHash = hash

	store := records.NewMemStore()
	registry := sets.NewRegistry(sets.NewMemStore(), nil, store, testLogger())
	engine := match.NewEngine(store, registry, testLogger())
	registry.BindRegistrar(engine)
	h := NewHandler(cfg, store, registry, formats.Default(), engine, testLogger())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &fixture{mux: mux, store: store, registry: registry, cfg: cfg}
}

func (f *fixture) admin(t *testing.T, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestHashAndVerifyKey(t *testing.T) {
	hash, err := HashKey("secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	ok, err := VerifyKey("secret", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyKey("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyKey("secret", "not-a-hash")
	assert.Error(t, err)
}

func TestAdminAuth(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.admin(t, http.MethodGet, "/admin/sets", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.admin(t, http.MethodGet, "/admin/sets", "", "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.admin(t, http.MethodGet, "/admin/sets", "", adminKey)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminSetLifecycle(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.admin(t, http.MethodPost, "/admin/sets",
		`{"spec":"physics","name":"Physics","searchPattern":"subject:\"physics\""}`, adminKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created SetPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	// Duplicate spec.
	rec = f.admin(t, http.MethodPost, "/admin/sets", `{"spec":"physics"}`, adminKey)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Invalid pattern.
	rec = f.admin(t, http.MethodPost, "/admin/sets", `{"spec":"bad","searchPattern":"((("}`, adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Update the name, keep the spec.
	rec = f.admin(t, http.MethodPut, "/admin/sets/physics", `{"name":"All Physics"}`, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.admin(t, http.MethodGet, "/admin/sets/physics", "", adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched SetPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, "All Physics", fetched.Name)
	assert.Empty(t, fetched.SearchPattern)

	// Renaming the spec is rejected.
	rec = f.admin(t, http.MethodPut, "/admin/sets/physics", `{"spec":"renamed"}`, adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.admin(t, http.MethodDelete, "/admin/sets/physics", "", adminKey)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.admin(t, http.MethodGet, "/admin/sets/physics", "", adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminManualMembership(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Create(ctx, &records.Record{
		ID:   "1",
		Data: map[string]any{"title": "T"},
		OAI:  &records.OAIMeta{ID: "oai:example:1", Updated: time.Now().UTC()},
	}))

	rec := f.admin(t, http.MethodPost, "/admin/sets", `{"spec":"curated"}`, adminKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.admin(t, http.MethodPut, "/admin/sets/curated/records/oai:example:1", "", adminKey)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := f.store.GetByOAIID(ctx, "oai:example:1")
	require.NoError(t, err)
	assert.True(t, stored.InSet("curated"))

	rec = f.admin(t, http.MethodDelete, "/admin/sets/curated/records/oai:example:1", "", adminKey)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Removing again reports the record is not a member.
	rec = f.admin(t, http.MethodDelete, "/admin/sets/curated/records/oai:example:1", "", adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.admin(t, http.MethodPut, "/admin/sets/curated/records/oai:example:404", "", adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminIngestRecord(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	rec := f.admin(t, http.MethodPost, "/admin/sets",
		`{"spec":"physics","searchPattern":"subject:\"physics\""}`, adminKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.admin(t, http.MethodPost, "/admin/records",
		`{"id":"r1","data":{"title":"T","subject":"physics"}}`, adminKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	var result RecordResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "r1", result.ID)
	assert.Equal(t, f.cfg.IDPrefix+"r1", result.OAIID)
	assert.Equal(t, []string{"physics"}, result.Sets)

	// Replacing the payload drops the membership and advances the
	// datestamp.
	rec = f.admin(t, http.MethodPost, "/admin/records",
		`{"id":"r1","data":{"title":"T","subject":"biology"}}`, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated RecordResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Empty(t, updated.Sets)
	assert.Greater(t, updated.Updated, result.Updated)

	stored, err := f.store.GetByOAIID(ctx, result.OAIID)
	require.NoError(t, err)
	assert.Equal(t, "biology", stored.Data["subject"])

	// Ingestion without a payload is rejected.
	rec = f.admin(t, http.MethodPost, "/admin/records", `{"id":"r2"}`, adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
