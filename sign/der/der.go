// Package der provides bounded DER element walking and primitive value
// decoding on top of golang.org/x/crypto/cryptobyte.
package der

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
	"golang.org/x/text/unicode/norm"
)

// Common errors
var (
	ErrDecode      = errors.New("der: malformed encoding")
	ErrConstructed = errors.New("der: expected primitive encoding")
	ErrTooDeep     = errors.New("der: nesting exceeds limit")
	ErrTooLarge    = errors.New("der: element length exceeds limit")
)

// Universal tag numbers for the string types we interpret.
const (
	TagOctetString     = 4
	TagUTF8String      = 12
	TagNumericString   = 18
	TagPrintableString = 19
	TagT61String       = 20
	TagIA5String       = 22
	TagVisibleString   = 26
	TagGeneralString   = 27
	TagUniversalString = 28
	TagBMPString       = 30
)

const constructedBit = 0x20

// Limits bounds the structure of a DER element before it is unmarshalled.
type Limits struct {
	// MaxDepth is the maximum nesting of constructed elements.
	MaxDepth int `yaml:"max-depth" json:"max_depth"`

	// MaxElementLength is the maximum content length of any single element.
	MaxElementLength int `yaml:"max-element-length" json:"max_element_length"`
}

// DefaultLimits returns limits that admit any realistic CMS signature.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:         64,
		MaxElementLength: 16 << 20,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxElementLength <= 0 {
		l.MaxElementLength = d.MaxElementLength
	}
	return l
}

// FirstElement validates the first top-level element of data against the
// limits and returns its encoding. Bytes after the element are ignored, which
// strips the zero padding found around embedded signatures.
func FirstElement(data []byte, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()

	s := cryptobyte.String(data)
	var elem cryptobyte.String
	var tag cbasn1.Tag
	if !s.ReadAnyASN1Element(&elem, &tag) {
		return nil, fmt.Errorf("%w: cannot read top-level element", ErrDecode)
	}
	if err := walk(elem, limits, 1); err != nil {
		return nil, err
	}
	return []byte(elem), nil
}

// walk checks a single element and, when constructed, all of its children.
func walk(elem cryptobyte.String, limits Limits, depth int) error {
	if depth > limits.MaxDepth {
		return fmt.Errorf("%w: depth %d", ErrTooDeep, depth)
	}

	var content cryptobyte.String
	var tag cbasn1.Tag
	if !elem.ReadAnyASN1(&content, &tag) {
		return fmt.Errorf("%w: bad header at depth %d", ErrDecode, depth)
	}
	if len(content) > limits.MaxElementLength {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(content))
	}
	if uint8(tag)&constructedBit == 0 {
		return nil
	}

	for !content.Empty() {
		var child cryptobyte.String
		var childTag cbasn1.Tag
		if !content.ReadAnyASN1Element(&child, &childTag) {
			return fmt.Errorf("%w: truncated child at depth %d", ErrDecode, depth+1)
		}
		if err := walk(child, limits, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Primitive is a decoded primitive DER value.
type Primitive struct {
	Tag   uint8
	Class uint8
	Bytes []byte
}

// DecodePrimitive decodes exactly one primitive TLV and returns its payload.
func DecodePrimitive(data []byte) (Primitive, error) {
	s := cryptobyte.String(data)
	var content cryptobyte.String
	var tag cbasn1.Tag
	if !s.ReadAnyASN1(&content, &tag) {
		return Primitive{}, ErrDecode
	}
	if !s.Empty() {
		return Primitive{}, fmt.Errorf("%w: %d trailing bytes", ErrDecode, len(s))
	}
	if uint8(tag)&constructedBit != 0 {
		return Primitive{}, ErrConstructed
	}
	return Primitive{
		Tag:   uint8(tag) & 0x1f,
		Class: uint8(tag) >> 6,
		Bytes: []byte(content),
	}, nil
}

// IsUniversal reports whether the value carries a universal-class tag.
func (p Primitive) IsUniversal() bool {
	return p.Class == 0
}

// Text interprets the payload as a character string, choosing the decoding
// from the tag, and returns it NFC-normalized.
func (p Primitive) Text() (string, error) {
	var (
		s   string
		err error
	)
	switch {
	case p.IsUniversal() && p.Tag == TagBMPString:
		s, err = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder().String(string(p.Bytes))
	case p.IsUniversal() && p.Tag == TagUniversalString:
		s, err = utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM).NewDecoder().String(string(p.Bytes))
	case p.IsUniversal() && p.Tag == TagT61String:
		s, err = charmap.ISO8859_1.NewDecoder().String(string(p.Bytes))
	default:
		s, err = DecodeLatin1Fallback(p.Bytes)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return norm.NFC.String(s), nil
}

// DecodeLatin1Fallback returns b as a string when it is valid UTF-8 and
// decodes it as ISO-8859-1 otherwise.
func DecodeLatin1Fallback(b []byte) (string, error) {
	if utf8.Valid(b) {
		return string(b), nil
	}
	return charmap.ISO8859_1.NewDecoder().String(string(b))
}

// UnwrapText decodes a primitive value and, when it is an OCTET STRING that
// itself holds a primitive string, decodes one level further.
func UnwrapText(data []byte) (string, error) {
	p, err := DecodePrimitive(data)
	if err != nil {
		return "", err
	}
	if p.IsUniversal() && p.Tag == TagOctetString {
		if inner, err := DecodePrimitive(p.Bytes); err == nil && inner.IsUniversal() && isStringTag(inner.Tag) {
			p = inner
		}
	}
	return p.Text()
}

// DecodeText decodes a value that is either a DER string, unwrapped as in
// UnwrapText, or raw text. Data that does not form exactly one DER element is
// taken as raw text.
func DecodeText(data []byte) (string, error) {
	s := cryptobyte.String(data)
	var elem cryptobyte.String
	var tag cbasn1.Tag
	if s.ReadAnyASN1Element(&elem, &tag) && s.Empty() {
		return UnwrapText(data)
	}
	text, err := DecodeLatin1Fallback(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return norm.NFC.String(text), nil
}

func isStringTag(tag uint8) bool {
	switch tag {
	case TagUTF8String, TagNumericString, TagPrintableString, TagT61String,
		TagIA5String, TagVisibleString, TagGeneralString, TagUniversalString, TagBMPString:
		return true
	}
	return false
}
