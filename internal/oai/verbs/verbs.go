// Package verbs parses and validates protocol requests. Validation is
// strict: unknown arguments, repeated arguments, and arguments illegal
// for the requested verb are all rejected, and a request may carry
// several errors at once.
package verbs

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/schema"

	"oaiserver/internal/records"
)

// Protocol error codes.
const (
	CodeBadVerb                 = "badVerb"
	CodeBadArgument             = "badArgument"
	CodeBadResumptionToken      = "badResumptionToken"
	CodeIDDoesNotExist          = "idDoesNotExist"
	CodeCannotDisseminateFormat = "cannotDisseminateFormat"
	CodeNoRecordsMatch          = "noRecordsMatch"
	CodeNoMetadataFormats       = "noMetadataFormats"
	CodeNoSetHierarchy          = "noSetHierarchy"
)

// Error is one protocol-level error, rendered as an error element.
type Error struct {
	Code    string
	Message string
}

func (e Error) Error() string { return e.Code + ": " + e.Message }

// Errorf builds a protocol error.
func Errorf(code, format string, args ...any) Error {
	return Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Verb names.
const (
	VerbIdentify            = "Identify"
	VerbGetRecord           = "GetRecord"
	VerbListRecords         = "ListRecords"
	VerbListIdentifiers     = "ListIdentifiers"
	VerbListSets            = "ListSets"
	VerbListMetadataFormats = "ListMetadataFormats"
)

// argument legality per verb; the bool marks required arguments.
var verbArgs = map[string]map[string]bool{
	VerbIdentify:            {},
	VerbGetRecord:           {"identifier": true, "metadataPrefix": true},
	VerbListRecords:         {"metadataPrefix": true, "from": false, "until": false, "set": false},
	VerbListIdentifiers:     {"metadataPrefix": true, "from": false, "until": false, "set": false},
	VerbListSets:            {},
	VerbListMetadataFormats: {"identifier": false},
}

// resumable verbs accept a resumptionToken as their only argument.
var resumable = map[string]bool{
	VerbListRecords:     true,
	VerbListIdentifiers: true,
	VerbListSets:        true,
}

// Request is a parsed protocol request.
type Request struct {
	Verb            string `schema:"verb"`
	Identifier      string `schema:"identifier"`
	MetadataPrefix  string `schema:"metadataPrefix"`
	From            string `schema:"from"`
	Until           string `schema:"until"`
	Set             string `schema:"set"`
	ResumptionToken string `schema:"resumptionToken"`

	// FromTime and UntilTime hold the parsed selective-harvesting
	// bounds; zero when absent.
	FromTime  time.Time
	UntilTime time.Time
}

// Args returns the request's protocol arguments, verb excluded, for
// embedding into a resumption token.
func (r *Request) Args() map[string]string {
	args := make(map[string]string)
	put := func(k, v string) {
		if v != "" {
			args[k] = v
		}
	}
	put("identifier", r.Identifier)
	put("metadataPrefix", r.MetadataPrefix)
	put("from", r.From)
	put("until", r.Until)
	put("set", r.Set)
	return args
}

// FormatChecker is the slice of the format registry validation needs.
type FormatChecker interface {
	Exists(prefix string) bool
}

// Validator validates raw query values into a Request.
type Validator struct {
	formats FormatChecker
	decoder *schema.Decoder
}

// NewValidator builds a validator against the given format registry.
func NewValidator(formats FormatChecker) *Validator {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	return &Validator{formats: formats, decoder: decoder}
}

// Validate parses values into a Request. A non-empty error list means
// the request must be answered with an error response; the protocol
// allows several errors at once.
func (v *Validator) Validate(values url.Values) (*Request, []Error) {
	var errs []Error

	req := &Request{}
	if err := v.decoder.Decode(req, values); err != nil {
		errs = append(errs, Errorf(CodeBadArgument, "malformed query arguments"))
		return req, errs
	}

	for key, vals := range values {
		if len(vals) > 1 {
			errs = append(errs, Errorf(CodeBadArgument, "argument %q is repeated", key))
		}
	}

	allowed, known := verbArgs[req.Verb]
	if !known {
		if req.Verb == "" {
			errs = append(errs, Errorf(CodeBadVerb, "verb is missing"))
		} else {
			errs = append(errs, Errorf(CodeBadVerb, "verb %q is illegal", req.Verb))
		}
		return req, errs
	}

	if req.ResumptionToken != "" {
		if !resumable[req.Verb] {
			errs = append(errs, Errorf(CodeBadArgument, "verb %q does not accept a resumptionToken", req.Verb))
		}
		// An exclusive argument: nothing else may accompany it.
		for key := range values {
			if key != "verb" && key != "resumptionToken" {
				errs = append(errs, Errorf(CodeBadArgument, "argument %q is illegal alongside a resumptionToken", key))
			}
		}
		return req, errs
	}

	for key := range values {
		if key == "verb" {
			continue
		}
		if _, ok := allowed[key]; !ok {
			errs = append(errs, Errorf(CodeBadArgument, "argument %q is illegal for verb %q", key, req.Verb))
		}
	}
	for key, required := range allowed {
		if required && values.Get(key) == "" {
			errs = append(errs, Errorf(CodeBadArgument, "argument %q is required for verb %q", key, req.Verb))
		}
	}

	if req.MetadataPrefix != "" && !v.formats.Exists(req.MetadataPrefix) {
		errs = append(errs, Errorf(CodeCannotDisseminateFormat, "metadataPrefix %q is not supported", req.MetadataPrefix))
	}

	errs = append(errs, v.parseBounds(req)...)
	return req, errs
}

// parseBounds validates the selective-harvesting dates. Both bounds
// must use the same granularity, and from may not exceed until.
func (v *Validator) parseBounds(req *Request) []Error {
	var errs []Error

	if req.From != "" {
		t, err := records.ParseDatestamp(req.From)
		if err != nil {
			errs = append(errs, Errorf(CodeBadArgument, "from %q is not a valid datestamp", req.From))
		} else {
			req.FromTime = t
		}
	}
	if req.Until != "" {
		t, err := records.ParseDatestamp(req.Until)
		if err != nil {
			errs = append(errs, Errorf(CodeBadArgument, "until %q is not a valid datestamp", req.Until))
		} else {
			// A day-granularity upper bound is inclusive of the whole day.
			if len(req.Until) == len("2006-01-02") {
				t = t.Add(24*time.Hour - time.Second)
			}
			req.UntilTime = t
		}
	}
	if len(errs) > 0 || req.From == "" || req.Until == "" {
		return errs
	}

	if (len(req.From) == len("2006-01-02")) != (len(req.Until) == len("2006-01-02")) {
		errs = append(errs, Errorf(CodeBadArgument, "from and until use different granularities"))
	}
	if req.FromTime.After(req.UntilTime) {
		errs = append(errs, Errorf(CodeBadArgument, "from is later than until"))
	}
	return errs
}
