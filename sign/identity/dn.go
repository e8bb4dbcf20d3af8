package identity

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/georgepadayatti/sigident/sign/der"
)

// rfc2253Keywords are the attribute types RFC 2253 renders by keyword. Every
// other type is rendered as its dotted OID followed by the hex DER value.
var rfc2253Keywords = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.9":                    "STREET",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"0.9.2342.19200300.100.1.25": "DC",
	"0.9.2342.19200300.100.1.1":  "UID",
}

// attributeTypeAndValue keeps the value's encoding so unknown types can be
// rendered from their exact DER bytes.
type attributeTypeAndValue struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue
}

type relativeNameSET []attributeTypeAndValue

type rawName []relativeNameSET

// SubjectDN renders the certificate subject as an RFC 2253 string.
func SubjectDN(cert *x509.Certificate) string {
	if dn, err := FormatDN(cert.RawSubject); err == nil {
		return dn
	}
	return cert.Subject.String()
}

// IssuerDN renders the certificate issuer as an RFC 2253 string.
func IssuerDN(cert *x509.Certificate) string {
	if dn, err := FormatDN(cert.RawIssuer); err == nil {
		return dn
	}
	return cert.Issuer.String()
}

// FormatDN renders a DER-encoded Name in RFC 2253 form: RDNs in reverse
// order, multi-valued RDNs joined with '+', unknown types as oid=#hex.
func FormatDN(raw []byte) (string, error) {
	var name rawName
	rest, err := asn1.Unmarshal(raw, &name)
	if err != nil {
		return "", err
	}
	if len(rest) > 0 {
		return "", fmt.Errorf("trailing data after name")
	}

	var b strings.Builder
	for i := len(name) - 1; i >= 0; i-- {
		if i < len(name)-1 {
			b.WriteByte(',')
		}
		for j, atv := range name[i] {
			if j > 0 {
				b.WriteByte('+')
			}
			b.WriteString(formatAttribute(atv))
		}
	}
	return b.String(), nil
}

func formatAttribute(atv attributeTypeAndValue) string {
	name := atv.Type.String()
	if keyword, ok := rfc2253Keywords[name]; ok {
		if p, err := der.DecodePrimitive(atv.Value.FullBytes); err == nil {
			if s, err := p.Text(); err == nil {
				return keyword + "=" + escapeValue(s)
			}
		}
		name = keyword
	}
	return name + "=#" + hex.EncodeToString(atv.Value.FullBytes)
}

// escapeValue applies RFC 2253 section 2.4 escaping.
func escapeValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case strings.IndexByte(`,+"\<>;`, c) >= 0:
			b.WriteByte('\\')
		case c == '#' && i == 0:
			b.WriteByte('\\')
		case c == ' ' && (i == 0 || i == len(s)-1):
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// attributeValue returns the raw value following marker in an RFC 2253
// string, up to the next unescaped comma. The marker only matches at the
// start of an attribute.
func attributeValue(dn, marker string) (string, bool) {
	for from := 0; from <= len(dn); {
		idx := strings.Index(dn[from:], marker)
		if idx < 0 {
			return "", false
		}
		pos := from + idx
		if pos == 0 || dn[pos-1] == ',' || dn[pos-1] == '+' {
			start := pos + len(marker)
			end := start
			for end < len(dn) && dn[end] != ',' {
				if dn[end] == '\\' {
					end++
				}
				end++
			}
			if end > len(dn) {
				end = len(dn)
			}
			return dn[start:end], true
		}
		from = pos + 1
	}
	return "", false
}

// unescapeValue reverses RFC 2253 backslash escaping.
func unescapeValue(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// IssuerOrganization returns the issuer's first organization (O) value, or
// the full issuer DN when it has none.
func IssuerOrganization(cert *x509.Certificate) string {
	for _, o := range cert.Issuer.Organization {
		if o = strings.TrimSpace(o); o != "" {
			return o
		}
	}
	return IssuerDN(cert)
}
