package rest

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oaiserver/internal/match"
	"oaiserver/internal/oai"
	"oaiserver/internal/oai/formats"
	"oaiserver/internal/oai/token"
	"oaiserver/internal/oai/verbs"
	"oaiserver/internal/records"
	"oaiserver/internal/sets"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	mux      *http.ServeMux
	store    *records.MemStore
	registry *sets.Registry
	cfg      oai.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureSized(t, 3)
}

func newFixtureSized(t *testing.T, pageSize int) *fixture {
	t.Helper()
	cfg := oai.DefaultConfig()
	cfg.BaseURL = "http://repo.example.org/oai2d"
	cfg.TokenSecret = "test-secret"
	cfg.PageSize = pageSize

	store := records.NewMemStore()
	registry := sets.NewRegistry(sets.NewMemStore(), nil, store, testLogger())
	engine := match.NewEngine(store, registry, testLogger())
	registry.BindRegistrar(engine)
	h := NewHandler(cfg, store, registry, formats.Default(), engine, testLogger())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &fixture{mux: mux, store: store, registry: registry, cfg: cfg}
}

func (f *fixture) seed(t *testing.T, n int) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		rec := &records.Record{
			ID:   fmt.Sprintf("rec-%03d", i),
			Data: map[string]any{"title": fmt.Sprintf("Record %d", i)},
			OAI: &records.OAIMeta{
				ID:      fmt.Sprintf("oai:example:%03d", i),
				Updated: base.Add(time.Duration(i) * time.Hour),
			},
		}
		require.NoError(t, f.store.Create(context.Background(), rec))
	}
}

func (f *fixture) get(t *testing.T, query string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oai2d?"+query, nil))
	return rec, rec.Body.String()
}

func errorCode(t *testing.T, body string) string {
	t.Helper()
	var parsed struct {
		Error struct {
			Code string `xml:"code,attr"`
		} `xml:"error"`
	}
	require.NoError(t, xml.Unmarshal([]byte(body), &parsed))
	return parsed.Error.Code
}

func resumptionToken(t *testing.T, body, verb string) string {
	t.Helper()
	var parsed struct {
		ListRecords struct {
			Token string `xml:"resumptionToken"`
		} `xml:"ListRecords"`
		ListIdentifiers struct {
			Token string `xml:"resumptionToken"`
		} `xml:"ListIdentifiers"`
		ListSets struct {
			Token string `xml:"resumptionToken"`
		} `xml:"ListSets"`
	}
	require.NoError(t, xml.Unmarshal([]byte(body), &parsed))
	switch verb {
	case "ListIdentifiers":
		return parsed.ListIdentifiers.Token
	case "ListSets":
		return parsed.ListSets.Token
	}
	return parsed.ListRecords.Token
}

func TestIdentify(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)

	rec, body := f.get(t, "verb=Identify")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "<earliestDatestamp>2026-01-01T00:00:00Z</earliestDatestamp>")
}

func TestBadVerbReturns422(t *testing.T) {
	f := newFixture(t)

	rec, body := f.get(t, "verb=Destroy")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "badVerb", errorCode(t, body))
}

func TestGetRecord(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)

	rec, body := f.get(t, "verb=GetRecord&identifier=oai:example:000&metadataPrefix=oai_dc")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "<dc:title>Record 0</dc:title>")

	rec, body = f.get(t, "verb=GetRecord&identifier=oai:example:999&metadataPrefix=oai_dc")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "idDoesNotExist", errorCode(t, body))

	// A record without MARCXML payload cannot be disseminated as marcxml.
	rec, body = f.get(t, "verb=GetRecord&identifier=oai:example:000&metadataPrefix=marcxml")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "cannotDisseminateFormat", errorCode(t, body))
}

func TestListRecordsPaginationCompleteness(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 8) // page size 3: pages of 3, 3, 2

	seen := make(map[string]bool)
	query := "verb=ListRecords&metadataPrefix=oai_dc"
	for hops := 0; ; hops++ {
		require.Less(t, hops, 10, "resumption loop did not terminate")
		rec, body := f.get(t, query)
		require.Equal(t, http.StatusOK, rec.Code)

		for _, line := range strings.Split(body, "\n") {
			if strings.Contains(line, "<identifier>") {
				id := strings.TrimSpace(line)
				id = strings.TrimPrefix(id, "<identifier>")
				id = strings.TrimSuffix(id, "</identifier>")
				assert.False(t, seen[id], "duplicate %s", id)
				seen[id] = true
			}
		}

		tok := resumptionToken(t, body, "ListRecords")
		if tok == "" {
			break
		}
		query = "verb=ListRecords&resumptionToken=" + url.QueryEscape(tok)
	}
	assert.Len(t, seen, 8)
}

func TestListRecordsNoMatch(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 2)

	rec, body := f.get(t, "verb=ListRecords&metadataPrefix=oai_dc&from=2030-01-01T00:00:00Z")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "noRecordsMatch", errorCode(t, body))
}

func TestBadResumptionToken(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 8)

	rec, body := f.get(t, "verb=ListRecords&resumptionToken=garbage")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "badResumptionToken", errorCode(t, body))

	// A ListRecords token is not valid for ListIdentifiers.
	_, body = f.get(t, "verb=ListRecords&metadataPrefix=oai_dc")
	tok := resumptionToken(t, body, "ListRecords")
	require.NotEmpty(t, tok)

	rec, body = f.get(t, "verb=ListIdentifiers&resumptionToken="+url.QueryEscape(tok))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "badResumptionToken", errorCode(t, body))
}

func TestResumeFallbackSkipsServedPages(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 8)

	// A cursor that no longer decodes drops the harvest back to an
	// offset scan; the page the token already accounts for must not
	// be served a second time.
	codec := token.NewCodec(f.cfg.TokenSecret, f.cfg.TokenTTL)
	signed, _, err := codec.Issue(verbs.VerbListRecords, 1,
		map[string]string{"metadataPrefix": "oai_dc"}, "stale-handle")
	require.NoError(t, err)

	rec, body := f.get(t, "verb=ListRecords&resumptionToken="+url.QueryEscape(signed))
	require.Equal(t, http.StatusOK, rec.Code)
	for _, id := range []string{"oai:example:003", "oai:example:004", "oai:example:005"} {
		assert.Contains(t, body, id)
	}
	for _, id := range []string{"oai:example:000", "oai:example:001", "oai:example:002", "oai:example:006"} {
		assert.NotContains(t, body, id)
	}
}

func TestListIdentifiersOmitsMetadata(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 2)

	rec, body := f.get(t, "verb=ListIdentifiers&metadataPrefix=oai_dc")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "<identifier>oai:example:000</identifier>")
	assert.NotContains(t, body, "<metadata>")
}

func TestListSetsAndSelectiveHarvest(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 3)
	ctx := context.Background()

	require.NoError(t, f.registry.Create(ctx, &sets.Set{Spec: "curated", Name: "Curated"}))
	require.NoError(t, f.registry.AddRecord(ctx, "curated", "oai:example:001"))

	rec, body := f.get(t, "verb=ListSets")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "<setSpec>curated</setSpec>")

	rec, body = f.get(t, "verb=ListRecords&metadataPrefix=oai_dc&set=curated")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "oai:example:001")
	assert.NotContains(t, body, "oai:example:000")
}

func TestListSetsPagination(t *testing.T) {
	f := newFixtureSized(t, 10)
	ctx := context.Background()
	for i := 0; i < 27; i++ {
		require.NoError(t, f.registry.Create(ctx, &sets.Set{
			Spec: fmt.Sprintf("set-%02d", i),
			Name: fmt.Sprintf("Set %d", i),
		}))
	}

	var counts []int
	query := "verb=ListSets"
	for hop := 0; ; hop++ {
		require.Less(t, hop, 5, "pagination did not terminate")
		rec, body := f.get(t, query)
		require.Equal(t, http.StatusOK, rec.Code)
		counts = append(counts, strings.Count(body, "<setSpec>"))

		tok := resumptionToken(t, body, "ListSets")
		if tok == "" {
			// The final resumed page still carries the token element,
			// empty, so harvesters know the list is complete.
			assert.Contains(t, body, "<resumptionToken")
			assert.Contains(t, body, `completeListSize="27"`)
			assert.Contains(t, body, `cursor="20"`)
			break
		}
		query = "verb=ListSets&resumptionToken=" + url.QueryEscape(tok)
	}
	assert.Equal(t, []int{10, 10, 7}, counts)
}

func TestPostRequests(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)

	form := url.Values{"verb": {"Identify"}}
	req := httptest.NewRequest(http.MethodPost, "/oai2d", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Identify>")
}

func TestListMetadataFormats(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)

	rec, body := f.get(t, "verb=ListMetadataFormats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "<metadataPrefix>oai_dc</metadataPrefix>")

	rec, body = f.get(t, "verb=ListMetadataFormats&identifier=oai:example:999")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "idDoesNotExist", errorCode(t, body))
}
