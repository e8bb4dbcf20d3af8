package reader

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

var entryRegexes = map[string]*regexp.Regexp{
	"Name":        newEntryRegex("Name"),
	"Reason":      newEntryRegex("Reason"),
	"Location":    newEntryRegex("Location"),
	"ContactInfo": newEntryRegex("ContactInfo"),
	"M":           newEntryRegex("M"),
}

// newEntryRegex matches a key followed by a literal or hex string.
func newEntryRegex(key string) *regexp.Regexp {
	return regexp.MustCompile(`/` + regexp.QuoteMeta(key) + `\s*[(<]`)
}

// textEntry returns the decoded text string stored under key in dict, or ""
// when the entry is absent or not a string.
func textEntry(dict []byte, key string) string {
	re, ok := entryRegexes[key]
	if !ok {
		re = newEntryRegex(key)
	}
	for _, loc := range re.FindAllIndex(dict, -1) {
		start := loc[1] - 1
		var (
			raw []byte
			err error
		)
		if dict[start] == '(' {
			raw, err = parseLiteralString(dict[start:])
		} else {
			if start+1 < len(dict) && dict[start+1] == '<' {
				continue // dictionary, not a hex string
			}
			end := bytes.IndexByte(dict[start:], '>')
			if end < 0 {
				continue
			}
			raw, err = decodeHexString(dict[start+1 : start+end])
		}
		if err != nil {
			continue
		}
		return decodeTextString(raw)
	}
	return ""
}

// parseLiteralString decodes a PDF literal string starting at the opening
// parenthesis.
func parseLiteralString(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != '(' {
		return nil, fmt.Errorf("not a literal string")
	}
	var out []byte
	depth := 1
	for i := 1; i < len(data); i++ {
		c := data[i]
		switch c {
		case '\\':
			i++
			if i >= len(data) {
				return nil, fmt.Errorf("unterminated escape")
			}
			switch e := data[i]; e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r':
				if i+1 < len(data) && data[i+1] == '\n' {
					i++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for n := 0; n < 2 && i+1 < len(data) && data[i+1] >= '0' && data[i+1] <= '7'; n++ {
						i++
						v = v*8 + int(data[i]-'0')
					}
					out = append(out, byte(v))
				} else {
					out = append(out, e)
				}
			}
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return out, nil
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return nil, fmt.Errorf("unterminated literal string")
}

// decodeHexString decodes PDF hex string contents, ignoring whitespace and
// padding an odd final digit with zero.
func decodeHexString(data []byte) ([]byte, error) {
	digits := make([]byte, 0, len(data))
	for _, c := range data {
		switch c {
		case ' ', '\t', '\r', '\n', '\f', 0:
			continue
		}
		digits = append(digits, c)
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeTextString decodes a PDF text string: UTF-16BE or UTF-8 when marked
// by a byte order mark, PDFDocEncoding otherwise. PDFDocEncoding is treated
// as ISO-8859-1, which agrees on all printable characters used in names.
func decodeTextString(raw []byte) string {
	switch {
	case bytes.HasPrefix(raw, []byte{0xFE, 0xFF}):
		s, err := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder().Bytes(raw)
		if err == nil {
			return string(s)
		}
	case bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF}):
		if utf8.Valid(raw[3:]) {
			return string(raw[3:])
		}
	}
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(s)
}
