// Package identity resolves a signer's natural-person identity from an X.509
// certificate.
//
// Each field is resolved by the first tier that yields a value:
//
//  1. vendor-specific certificate extensions
//  2. the subject common name (names only)
//  3. the subject serialNumber attribute (identification number only)
//
// Fields no tier resolves hold the sentinel Unknown. Resolution never fails.
package identity

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/georgepadayatti/sigident/sign/der"
)

// Unknown is the value of any identity field that could not be resolved.
const Unknown = "Unknown"

// IDLength is the length of a resolved identification number.
const IDLength = 10

// ErrExtensionDecode reports an identity extension whose value could not be
// decoded. It is diagnostic only: the field falls back to Unknown.
var ErrExtensionDecode = errors.New("identity extension could not be decoded")

// Default extension OIDs of the national certificate profile.
var (
	OIDIdentificationNumber = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 37746, 3, 1}
	OIDGivenName            = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 37746, 3, 2}
	OIDSurname              = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 37746, 3, 3}
)

const (
	commonNameMarker   = "CN="
	serialNumberMarker = "2.5.4.5=#"
)

var idRunRegex = regexp.MustCompile(`[0-9]{10}`)

// Tier identifies the source that resolved a field.
type Tier int

const (
	TierNone Tier = iota
	TierExtension
	TierCommonName
	TierSerialNumber
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierExtension:
		return "extension"
	case TierCommonName:
		return "common_name"
	case TierSerialNumber:
		return "serial_number"
	default:
		return "none"
	}
}

// Record is the resolved identity of a signer.
type Record struct {
	IdentificationNumber string
	GivenName            string
	Surname              string

	IDSource        Tier
	GivenNameSource Tier
	SurnameSource   Tier

	// Diagnostics holds extension decode failures. They never make
	// resolution fail.
	Diagnostics []error
}

// FullName joins given name and surname with a single space.
func (r Record) FullName() string {
	return r.GivenName + " " + r.Surname
}

// Profile names the certificate extensions that carry identity fields.
type Profile struct {
	IDExtension        asn1.ObjectIdentifier
	GivenNameExtension asn1.ObjectIdentifier
	SurnameExtension   asn1.ObjectIdentifier
}

// DefaultProfile returns the national certificate profile.
func DefaultProfile() Profile {
	return Profile{
		IDExtension:        OIDIdentificationNumber,
		GivenNameExtension: OIDGivenName,
		SurnameExtension:   OIDSurname,
	}
}

// Resolver resolves identities according to a profile. It holds no mutable
// state and is safe for concurrent use.
type Resolver struct {
	profile Profile
}

// NewResolver creates a resolver for the given profile.
func NewResolver(profile Profile) *Resolver {
	return &Resolver{profile: profile}
}

// Resolve derives the signer identity from cert.
func (r *Resolver) Resolve(cert *x509.Certificate) Record {
	rec := Record{
		IdentificationNumber: Unknown,
		GivenName:            Unknown,
		Surname:              Unknown,
	}
	if cert == nil {
		return rec
	}

	if id, ok, err := extensionID(cert, r.profile.IDExtension); ok {
		rec.IdentificationNumber, rec.IDSource = id, TierExtension
	} else if err != nil {
		rec.Diagnostics = append(rec.Diagnostics, err)
	}
	if name, ok, err := extensionText(cert, r.profile.GivenNameExtension); ok {
		rec.GivenName, rec.GivenNameSource = name, TierExtension
	} else if err != nil {
		rec.Diagnostics = append(rec.Diagnostics, err)
	}
	if name, ok, err := extensionText(cert, r.profile.SurnameExtension); ok {
		rec.Surname, rec.SurnameSource = name, TierExtension
	} else if err != nil {
		rec.Diagnostics = append(rec.Diagnostics, err)
	}

	subject := SubjectDN(cert)

	if rec.GivenNameSource == TierNone || rec.SurnameSource == TierNone {
		if given, surname, ok := commonNameParts(subject); ok {
			if rec.GivenNameSource == TierNone {
				rec.GivenName, rec.GivenNameSource = given, TierCommonName
			}
			if rec.SurnameSource == TierNone {
				rec.Surname, rec.SurnameSource = surname, TierCommonName
			}
		}
	}

	if rec.IDSource == TierNone {
		if id, ok := serialNumberID(subject); ok {
			rec.IdentificationNumber, rec.IDSource = id, TierSerialNumber
		}
	}

	return rec
}

// findExtension returns the value of the first extension with the given OID.
func findExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) ([]byte, bool) {
	if len(oid) == 0 {
		return nil, false
	}
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return ext.Value, true
		}
	}
	return nil, false
}

func decodeExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) (string, bool, error) {
	value, ok := findExtension(cert, oid)
	if !ok {
		return "", false, nil
	}
	text, err := der.DecodeText(value)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v: %w", ErrExtensionDecode, oid, err)
	}
	return text, true, nil
}

// extensionID resolves the identification number from its extension: the
// first run of ten ASCII digits in the decoded text.
func extensionID(cert *x509.Certificate, oid asn1.ObjectIdentifier) (string, bool, error) {
	text, ok, err := decodeExtension(cert, oid)
	if !ok {
		return "", false, err
	}
	id := idRunRegex.FindString(text)
	if id == "" {
		return "", false, nil
	}
	return id, true, nil
}

// extensionText resolves a name field from its extension.
func extensionText(cert *x509.Certificate, oid asn1.ObjectIdentifier) (string, bool, error) {
	text, ok, err := decodeExtension(cert, oid)
	if !ok {
		return "", false, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false, nil
	}
	return text, true, nil
}

// commonNameParts splits the subject CN into given name (first two tokens)
// and surname (third token, plus the fourth when present). Fewer than three
// tokens resolve nothing.
func commonNameParts(subjectDN string) (given, surname string, ok bool) {
	cn, found := attributeValue(subjectDN, commonNameMarker)
	if !found {
		return "", "", false
	}
	tokens := strings.Fields(unescapeValue(cn))
	if len(tokens) < 3 {
		return "", "", false
	}
	given = tokens[0] + " " + tokens[1]
	surname = tokens[2]
	if len(tokens) > 3 {
		surname += " " + tokens[3]
	}
	return given, surname, true
}

// serialNumberID resolves the identification number from the hex-encoded
// subject serialNumber attribute. The hex may hold the full DER value or just
// its payload; non-digits are dropped and the first ten digits kept.
func serialNumberID(subjectDN string) (string, bool) {
	encoded, found := attributeValue(subjectDN, serialNumberMarker)
	if !found {
		return "", false
	}
	raw, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", false
	}
	if p, err := der.DecodePrimitive(raw); err == nil {
		raw = p.Bytes
	}

	digits := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) < IDLength {
		return "", false
	}
	return string(digits[:IDLength]), true
}
