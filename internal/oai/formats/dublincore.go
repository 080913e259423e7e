package formats

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"oaiserver/internal/records"
)

// dcElements are the Dublin Core element names, in canonical order,
// read directly from the record payload.
var dcElements = []string{
	"title", "creator", "subject", "description", "publisher",
	"contributor", "date", "type", "format", "identifier",
	"source", "language", "relation", "coverage", "rights",
}

const dcHeader = `<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/"` +
	` xmlns:dc="http://purl.org/dc/elements/1.1/"` +
	` xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"` +
	` xsi:schemaLocation="http://www.openarchives.org/OAI/2.0/oai_dc/` +
	` http://www.openarchives.org/OAI/2.0/oai_dc.xsd">`

// SerializeDublinCore renders the record payload as an oai_dc:dc
// element. Payload fields may hold a single value or a list.
func SerializeDublinCore(rec *records.Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(dcHeader)
	for _, name := range dcElements {
		raw, ok := rec.Data[name]
		if !ok {
			continue
		}
		for _, v := range values(raw) {
			buf.WriteString("<dc:" + name + ">")
			if err := xml.EscapeText(&buf, []byte(v)); err != nil {
				return nil, fmt.Errorf("failed to escape %s: %w", name, err)
			}
			buf.WriteString("</dc:" + name + ">")
		}
	}
	buf.WriteString("</oai_dc:dc>")
	return buf.Bytes(), nil
}

// SerializeMARCXML passes through a pre-rendered MARCXML payload stored
// under the "marcxml" field. Records without one cannot be disseminated
// in this format.
func SerializeMARCXML(rec *records.Record) ([]byte, error) {
	raw, ok := rec.Data["marcxml"].(string)
	if !ok || raw == "" {
		return nil, ErrCannotSerialize
	}
	return []byte(raw), nil
}

// values normalizes a payload field to a string list. Non-string
// scalars are formatted with %v, matching how loosely typed payloads
// arrive from ingestion.
func values(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}
