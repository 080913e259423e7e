package verbs

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFormats map[string]bool

func (f fakeFormats) Exists(prefix string) bool { return f[prefix] }

func newValidator() *Validator {
	return NewValidator(fakeFormats{"oai_dc": true, "marcxml": true})
}

func codes(errs []Error) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Code)
	}
	return out
}

func TestValidRequests(t *testing.T) {
	v := newValidator()

	cases := []url.Values{
		{"verb": {"Identify"}},
		{"verb": {"ListSets"}},
		{"verb": {"ListMetadataFormats"}},
		{"verb": {"ListMetadataFormats"}, "identifier": {"oai:x:1"}},
		{"verb": {"GetRecord"}, "identifier": {"oai:x:1"}, "metadataPrefix": {"oai_dc"}},
		{"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc"}},
		{"verb": {"ListIdentifiers"}, "metadataPrefix": {"oai_dc"}, "set": {"physics"},
			"from": {"2026-01-01"}, "until": {"2026-02-01"}},
		{"verb": {"ListRecords"}, "resumptionToken": {"abc"}},
	}
	for _, values := range cases {
		_, errs := v.Validate(values)
		assert.Empty(t, errs, "values: %v", values)
	}
}

func TestBadVerb(t *testing.T) {
	v := newValidator()

	_, errs := v.Validate(url.Values{})
	require.Len(t, errs, 1)
	assert.Equal(t, CodeBadVerb, errs[0].Code)

	_, errs = v.Validate(url.Values{"verb": {"Harvest"}})
	require.Len(t, errs, 1)
	assert.Equal(t, CodeBadVerb, errs[0].Code)
}

func TestIllegalAndMissingArguments(t *testing.T) {
	v := newValidator()

	// Identify takes no arguments.
	_, errs := v.Validate(url.Values{"verb": {"Identify"}, "set": {"x"}})
	assert.Contains(t, codes(errs), CodeBadArgument)

	// GetRecord requires both identifier and metadataPrefix.
	_, errs = v.Validate(url.Values{"verb": {"GetRecord"}})
	assert.Len(t, errs, 2)

	// Repeated argument.
	_, errs = v.Validate(url.Values{"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc", "oai_dc"}})
	assert.Contains(t, codes(errs), CodeBadArgument)

	// Unknown argument.
	_, errs = v.Validate(url.Values{"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc"}, "pageSize": {"9"}})
	assert.Contains(t, codes(errs), CodeBadArgument)
}

func TestResumptionTokenIsExclusive(t *testing.T) {
	v := newValidator()

	_, errs := v.Validate(url.Values{
		"verb":            {"ListRecords"},
		"resumptionToken": {"abc"},
		"metadataPrefix":  {"oai_dc"},
	})
	require.Len(t, errs, 1)
	assert.Equal(t, CodeBadArgument, errs[0].Code)

	_, errs = v.Validate(url.Values{"verb": {"Identify"}, "resumptionToken": {"abc"}})
	assert.Contains(t, codes(errs), CodeBadArgument)
}

func TestUnknownMetadataPrefix(t *testing.T) {
	v := newValidator()

	_, errs := v.Validate(url.Values{"verb": {"ListRecords"}, "metadataPrefix": {"oai_marc"}})
	require.Len(t, errs, 1)
	assert.Equal(t, CodeCannotDisseminateFormat, errs[0].Code)
}

func TestDateBounds(t *testing.T) {
	v := newValidator()

	req, errs := v.Validate(url.Values{
		"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc"},
		"from": {"2026-01-01T00:00:00Z"}, "until": {"2026-01-02T00:00:00Z"},
	})
	require.Empty(t, errs)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), req.FromTime)

	// A day-granularity until covers the whole day.
	req, errs = v.Validate(url.Values{
		"verb": {"ListIdentifiers"}, "metadataPrefix": {"oai_dc"}, "until": {"2026-01-01"},
	})
	require.Empty(t, errs)
	assert.Equal(t, time.Date(2026, 1, 1, 23, 59, 59, 0, time.UTC), req.UntilTime)

	// Mixed granularities.
	_, errs = v.Validate(url.Values{
		"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc"},
		"from": {"2026-01-01"}, "until": {"2026-01-02T00:00:00Z"},
	})
	assert.Contains(t, codes(errs), CodeBadArgument)

	// Inverted range.
	_, errs = v.Validate(url.Values{
		"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc"},
		"from": {"2026-02-01T00:00:00Z"}, "until": {"2026-01-01T00:00:00Z"},
	})
	assert.Contains(t, codes(errs), CodeBadArgument)

	// Garbage datestamp.
	_, errs = v.Validate(url.Values{
		"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc"}, "from": {"01/02/2026"},
	})
	assert.Contains(t, codes(errs), CodeBadArgument)
}

func TestArgsRoundTrip(t *testing.T) {
	v := newValidator()
	req, errs := v.Validate(url.Values{
		"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc"}, "set": {"physics"},
	})
	require.Empty(t, errs)
	assert.Equal(t, map[string]string{"metadataPrefix": "oai_dc", "set": "physics"}, req.Args())
}
