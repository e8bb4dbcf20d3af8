package reader

import (
	"fmt"
	"strings"
	"time"
)

var pdfDateFormats = []string{
	"20060102150405-0700",
	"20060102150405-07",
	"20060102150405Z",
	"20060102150405",
	"200601021504",
	"2006010215",
	"20060102",
	"200601",
	"2006",
}

// ParsePDFDate parses a PDF date string (D:YYYYMMDDHHmmSSOHH'mm') and its
// permitted truncations. Dates without an offset are taken as UTC.
func ParsePDFDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "D:")
	if s == "" {
		return time.Time{}, fmt.Errorf("invalid PDF date format: empty date")
	}

	// Remove quotes from timezone
	s = strings.ReplaceAll(s, "'", "")

	// "Z" may be followed by a zero offset ("Z00'00'").
	if i := strings.IndexByte(s, 'Z'); i >= 0 {
		s = s[:i+1]
	}

	for _, format := range pdfDateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse PDF date: %s", s)
}
