package records

import (
	"fmt"
	"time"
)

// Datestamp layouts mandated by the protocol: second granularity with an
// explicit UTC designator, or bare dates.
const (
	datestampLayout = "2006-01-02T15:04:05Z"
	dateOnlyLayout  = "2006-01-02"
)

// ToDatestamp renders a time as a protocol datestamp. Sub-second precision
// is dropped, never rounded up.
func ToDatestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(datestampLayout)
}

// ParseDatestamp parses a protocol datestamp in either supported
// granularity.
func ParseDatestamp(s string) (time.Time, error) {
	if t, err := time.Parse(datestampLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(dateOnlyLayout, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid datestamp %q", s)
}
