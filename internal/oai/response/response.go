// Package response renders protocol responses as OAI-PMH XML. The
// assembler owns the envelope (responseDate, request echo, error
// elements) and the per-verb payload shapes; callers hand it domain
// objects and pre-serialized metadata.
package response

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"time"

	"oaiserver/internal/oai"
	"oaiserver/internal/oai/verbs"
	"oaiserver/internal/records"
	"oaiserver/internal/sets"
)

const (
	xmlns          = "http://www.openarchives.org/OAI/2.0/"
	xmlnsXSI       = "http://www.w3.org/2001/XMLSchema-instance"
	schemaLocation = "http://www.openarchives.org/OAI/2.0/ http://www.openarchives.org/OAI/2.0/OAI-PMH.xsd"
)

// Response is the OAI-PMH envelope.
type Response struct {
	XMLName        xml.Name `xml:"OAI-PMH"`
	Xmlns          string   `xml:"xmlns,attr"`
	XmlnsXSI       string   `xml:"xmlns:xsi,attr"`
	SchemaLocation string   `xml:"xsi:schemaLocation,attr"`
	ResponseDate   string   `xml:"responseDate"`
	Request        request  `xml:"request"`

	Errors []errorElement `xml:"error,omitempty"`

	Identify            *Identify            `xml:"Identify,omitempty"`
	GetRecord           *GetRecord           `xml:"GetRecord,omitempty"`
	ListRecords         *ListRecords         `xml:"ListRecords,omitempty"`
	ListIdentifiers     *ListIdentifiers     `xml:"ListIdentifiers,omitempty"`
	ListSets            *ListSets            `xml:"ListSets,omitempty"`
	ListMetadataFormats *ListMetadataFormats `xml:"ListMetadataFormats,omitempty"`
}

type request struct {
	Value           string `xml:",chardata"`
	Verb            string `xml:"verb,attr,omitempty"`
	Identifier      string `xml:"identifier,attr,omitempty"`
	MetadataPrefix  string `xml:"metadataPrefix,attr,omitempty"`
	From            string `xml:"from,attr,omitempty"`
	Until           string `xml:"until,attr,omitempty"`
	Set             string `xml:"set,attr,omitempty"`
	ResumptionToken string `xml:"resumptionToken,attr,omitempty"`
}

type errorElement struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

// Header is the record header shared by GetRecord, ListRecords, and
// ListIdentifiers.
type Header struct {
	Identifier string   `xml:"identifier"`
	Datestamp  string   `xml:"datestamp"`
	SetSpecs   []string `xml:"setSpec"`
}

type metadata struct {
	Raw []byte `xml:",innerxml"`
}

// RecordElement pairs a header with serialized metadata.
type RecordElement struct {
	Header   Header    `xml:"header"`
	Metadata *metadata `xml:"metadata,omitempty"`
}

type resumptionToken struct {
	Value            string `xml:",chardata"`
	ExpirationDate   string `xml:"expirationDate,attr,omitempty"`
	CompleteListSize string `xml:"completeListSize,attr,omitempty"`
	Cursor           string `xml:"cursor,attr,omitempty"`
}

// Identify payload.
type Identify struct {
	RepositoryName    string   `xml:"repositoryName"`
	BaseURL           string   `xml:"baseURL"`
	ProtocolVersion   string   `xml:"protocolVersion"`
	AdminEmails       []string `xml:"adminEmail"`
	EarliestDatestamp string   `xml:"earliestDatestamp"`
	DeletedRecord     string   `xml:"deletedRecord"`
	Granularity       string   `xml:"granularity"`
	Description       *struct {
		Raw []byte `xml:",innerxml"`
	} `xml:"description,omitempty"`
}

// GetRecord payload.
type GetRecord struct {
	Record RecordElement `xml:"record"`
}

// ListRecords payload.
type ListRecords struct {
	Records []RecordElement  `xml:"record"`
	Token   *resumptionToken `xml:"resumptionToken,omitempty"`
}

// ListIdentifiers payload.
type ListIdentifiers struct {
	Headers []Header         `xml:"header"`
	Token   *resumptionToken `xml:"resumptionToken,omitempty"`
}

type setElement struct {
	Spec        string    `xml:"setSpec"`
	Name        string    `xml:"setName"`
	Description *metadata `xml:"setDescription,omitempty"`
}

// ListSets payload.
type ListSets struct {
	Sets  []setElement     `xml:"set"`
	Token *resumptionToken `xml:"resumptionToken,omitempty"`
}

type formatElement struct {
	Prefix    string `xml:"metadataPrefix"`
	Schema    string `xml:"schema"`
	Namespace string `xml:"metadataNamespace"`
}

// ListMetadataFormats payload.
type ListMetadataFormats struct {
	Formats []formatElement `xml:"metadataFormat"`
}

// Continuation describes the resumption state of a list response. A
// nil Continuation means the whole list fit in one page; a Continuation
// with an empty Token marks the final page of a resumed sequence.
type Continuation struct {
	Token   string
	Expires time.Time
	Total   int
	Cursor  int
}

// Assembler renders responses for one configured repository.
type Assembler struct {
	cfg oai.Config
	now func() time.Time
}

// NewAssembler builds an assembler.
func NewAssembler(cfg oai.Config) *Assembler {
	return &Assembler{cfg: cfg, now: time.Now}
}

// envelope builds the shared outer shell. Argument echoing is off for
// badVerb and badArgument responses, as the protocol requires.
func (a *Assembler) envelope(req *verbs.Request, echoArgs bool) *Response {
	resp := &Response{
		Xmlns:          xmlns,
		XmlnsXSI:       xmlnsXSI,
		SchemaLocation: schemaLocation,
		ResponseDate:   records.ToDatestamp(a.now()),
		Request:        request{Value: a.cfg.BaseURL},
	}
	if req != nil && echoArgs {
		resp.Request = request{
			Value:           a.cfg.BaseURL,
			Verb:            req.Verb,
			Identifier:      req.Identifier,
			MetadataPrefix:  req.MetadataPrefix,
			From:            req.From,
			Until:           req.Until,
			Set:             req.Set,
			ResumptionToken: req.ResumptionToken,
		}
	}
	return resp
}

// Errors renders a protocol error response.
func (a *Assembler) Errors(req *verbs.Request, errs []verbs.Error) *Response {
	echo := true
	for _, e := range errs {
		if e.Code == verbs.CodeBadVerb || e.Code == verbs.CodeBadArgument {
			echo = false
			break
		}
	}
	resp := a.envelope(req, echo)
	for _, e := range errs {
		resp.Errors = append(resp.Errors, errorElement{Code: e.Code, Message: e.Message})
	}
	return resp
}

// Identify renders the repository description. earliest is the corpus
// lower bound; zero falls back to the configured value.
func (a *Assembler) Identify(req *verbs.Request, earliest time.Time) *Response {
	resp := a.envelope(req, true)
	stamp := a.cfg.EarliestDatestamp
	if !earliest.IsZero() {
		stamp = records.ToDatestamp(earliest)
	}
	resp.Identify = &Identify{
		RepositoryName:    a.cfg.RepositoryName,
		BaseURL:           a.cfg.BaseURL,
		ProtocolVersion:   "2.0",
		AdminEmails:       a.cfg.AdminEmails,
		EarliestDatestamp: stamp,
		DeletedRecord:     "no",
		Granularity:       "YYYY-MM-DDThh:mm:ssZ",
	}
	return resp
}

// GetRecord renders a single record with its serialized metadata.
func (a *Assembler) GetRecord(req *verbs.Request, rec *records.Record, meta []byte) *Response {
	resp := a.envelope(req, true)
	resp.GetRecord = &GetRecord{Record: RecordElement{
		Header:   a.header(rec),
		Metadata: &metadata{Raw: meta},
	}}
	return resp
}

// ListRecords renders one page of records. meta holds the serialized
// metadata per record, index-aligned with page.Records.
func (a *Assembler) ListRecords(req *verbs.Request, page *records.Page, meta [][]byte, cont *Continuation) *Response {
	resp := a.envelope(req, true)
	payload := &ListRecords{Token: a.token(cont)}
	for i, rec := range page.Records {
		payload.Records = append(payload.Records, RecordElement{
			Header:   a.header(rec),
			Metadata: &metadata{Raw: meta[i]},
		})
	}
	resp.ListRecords = payload
	return resp
}

// ListIdentifiers renders one page of record headers.
func (a *Assembler) ListIdentifiers(req *verbs.Request, page *records.Page, cont *Continuation) *Response {
	resp := a.envelope(req, true)
	payload := &ListIdentifiers{Token: a.token(cont)}
	for _, rec := range page.Records {
		payload.Headers = append(payload.Headers, a.header(rec))
	}
	resp.ListIdentifiers = payload
	return resp
}

// ListSets renders one page of set definitions.
func (a *Assembler) ListSets(req *verbs.Request, page []*sets.Set, cont *Continuation) *Response {
	resp := a.envelope(req, true)
	payload := &ListSets{Token: a.token(cont)}
	for _, s := range page {
		el := setElement{Spec: s.Spec, Name: s.Name}
		if s.Description != "" {
			el.Description = &metadata{Raw: describeSet(s.Description)}
		}
		payload.Sets = append(payload.Sets, el)
	}
	resp.ListSets = payload
	return resp
}

// Format is one entry of a ListMetadataFormats response.
type Format struct {
	Prefix    string
	Schema    string
	Namespace string
}

// ListMetadataFormats renders the supported formats.
func (a *Assembler) ListMetadataFormats(req *verbs.Request, fmts []Format) *Response {
	resp := a.envelope(req, true)
	payload := &ListMetadataFormats{}
	for _, f := range fmts {
		payload.Formats = append(payload.Formats, formatElement{
			Prefix:    f.Prefix,
			Schema:    f.Schema,
			Namespace: f.Namespace,
		})
	}
	resp.ListMetadataFormats = payload
	return resp
}

func (a *Assembler) header(rec *records.Record) Header {
	return Header{
		Identifier: rec.OAI.ID,
		Datestamp:  records.ToDatestamp(rec.OAI.Updated),
		SetSpecs:   rec.OAI.Sets,
	}
}

func (a *Assembler) token(cont *Continuation) *resumptionToken {
	if cont == nil {
		return nil
	}
	tok := &resumptionToken{
		Value:  cont.Token,
		Cursor: strconv.Itoa(cont.Cursor),
	}
	if cont.Total > 0 {
		tok.CompleteListSize = strconv.Itoa(cont.Total)
	}
	if cont.Token != "" && !cont.Expires.IsZero() {
		tok.ExpirationDate = records.ToDatestamp(cont.Expires)
	}
	return tok
}

// describeSet wraps a set description in a Dublin Core container, the
// conventional shape for setDescription.
func describeSet(text string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/"` +
		` xmlns:dc="http://purl.org/dc/elements/1.1/"><dc:description>`)
	_ = xml.EscapeText(&buf, []byte(text))
	buf.WriteString(`</dc:description></oai_dc:dc>`)
	return buf.Bytes()
}

// Render serializes a response with the XML declaration.
func Render(resp *Response) ([]byte, error) {
	body, err := xml.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(xml.Header))
	out = append(out, []byte(xml.Header)...)
	out = append(out, body...)
	return out, nil
}
