// Package cms provides CMS (Cryptographic Message Syntax) SignedData parsing,
// signer location and construction for embedded document signatures.
package cms

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/georgepadayatti/sigident/sign/der"
)

// OIDs for CMS and signature algorithms
var (
	// Content types
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	// Digest algorithms
	OIDSHA1     = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA224   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}
	OIDSHA256   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
	OIDSHA3_256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 8}
	OIDSHA3_384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 9}
	OIDSHA3_512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 10}

	// Signature algorithms
	OIDRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDSHA224WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 14}
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDRSAPSS          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDMGF1            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}
	OIDECPublicKey     = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OIDECDSAWithSHA224 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 1}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
	OIDEd25519         = asn1.ObjectIdentifier{1, 3, 101, 112}

	// Signed attributes
	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
)

// Common errors
var (
	ErrMalformedCMS          = errors.New("malformed CMS structure")
	ErrNoMatchingCertificate = errors.New("no embedded certificate matches the signer identifier")
	ErrUnsupportedAlgorithm  = errors.New("unsupported algorithm")
	ErrAttributeNotFound     = errors.New("signed attribute not found")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// ContentInfo represents a CMS ContentInfo structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignedData is a CMS SignedData with certificates and signer infos kept raw,
// so that each can be decoded independently.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// EncapsulatedContentInfo represents encapsulated content.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignerInfo holds one signer's information. The signer identifier is a
// CHOICE and the attribute sets keep their wire bytes for digesting.
type SignerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// ParseSignedData decodes a ContentInfo wrapping SignedData. The input is
// first walked against limits so that hostile nesting or lengths are rejected
// before typed decoding. All failures wrap ErrMalformedCMS.
func ParseSignedData(data []byte, limits der.Limits) (*SignedData, error) {
	elem, err := der.FirstElement(data, limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCMS, err)
	}

	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(elem, &contentInfo); err != nil {
		return nil, fmt.Errorf("%w: failed to parse ContentInfo: %w", ErrMalformedCMS, err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: expected SignedData, got %v", ErrMalformedCMS, contentInfo.ContentType)
	}
	if len(contentInfo.Content.Bytes) == 0 {
		return nil, fmt.Errorf("%w: empty SignedData content", ErrMalformedCMS)
	}

	var signedData SignedData
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, fmt.Errorf("%w: failed to parse SignedData: %w", ErrMalformedCMS, err)
	}
	return &signedData, nil
}

// ParseCertificates returns the embedded certificates in store order.
// Entries that are not X.509 certificates, or fail to parse, are skipped.
func (sd *SignedData) ParseCertificates() []*x509.Certificate {
	certs := make([]*x509.Certificate, 0, len(sd.Certificates))
	for _, raw := range sd.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
	return certs
}

// ParseSignerInfos decodes every signer info in order.
func (sd *SignedData) ParseSignerInfos() ([]SignerInfo, error) {
	infos := make([]SignerInfo, 0, len(sd.SignerInfos))
	for i, raw := range sd.SignerInfos {
		var si SignerInfo
		rest, err := asn1.Unmarshal(raw.FullBytes, &si)
		if err != nil {
			return nil, fmt.Errorf("%w: signer info %d: %w", ErrMalformedCMS, i, err)
		}
		if len(rest) > 0 {
			return nil, fmt.Errorf("%w: signer info %d has trailing data", ErrMalformedCMS, i)
		}
		infos = append(infos, si)
	}
	return infos, nil
}

// Matches reports whether cert is the certificate named by the signer
// identifier, either by issuer and serial number or by subject key identifier.
func (si *SignerInfo) Matches(cert *x509.Certificate) bool {
	switch {
	case si.SID.Class == asn1.ClassUniversal && si.SID.Tag == asn1.TagSequence:
		var isn IssuerAndSerialNumber
		rest, err := asn1.Unmarshal(si.SID.FullBytes, &isn)
		if err != nil || len(rest) > 0 || isn.SerialNumber == nil {
			return false
		}
		return cert.SerialNumber.Cmp(isn.SerialNumber) == 0 &&
			bytes.Equal(cert.RawIssuer, isn.Issuer.FullBytes)
	case si.SID.Class == asn1.ClassContextSpecific && si.SID.Tag == 0:
		var ski []byte
		if _, err := asn1.UnmarshalWithParams(si.SID.FullBytes, &ski, "tag:0"); err != nil {
			return false
		}
		return len(ski) > 0 && bytes.Equal(cert.SubjectKeyId, ski)
	default:
		return false
	}
}

// HasSignedAttributes reports whether the signer info carries signed attributes.
func (si *SignerInfo) HasSignedAttributes() bool {
	return len(si.SignedAttrs.FullBytes) > 0
}

// SignedAttributesDER returns the signed attributes re-tagged as a DER SET,
// which is the encoding the signature covers.
func (si *SignerInfo) SignedAttributesDER() []byte {
	if !si.HasSignedAttributes() {
		return nil
	}
	out := make([]byte, len(si.SignedAttrs.FullBytes))
	copy(out, si.SignedAttrs.FullBytes)
	out[0] = 0x31 // SET tag
	return out
}

// SignedAttributes decodes the signed attributes.
func (si *SignerInfo) SignedAttributes() ([]Attribute, error) {
	var attrs []Attribute
	rest := si.SignedAttrs.Bytes
	for len(rest) > 0 {
		var attr Attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signed attribute: %w", err)
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

// attributeValue returns the single value of the named signed attribute.
func (si *SignerInfo) attributeValue(oid asn1.ObjectIdentifier) (asn1.RawValue, error) {
	attrs, err := si.SignedAttributes()
	if err != nil {
		return asn1.RawValue{}, err
	}
	for _, attr := range attrs {
		if !attr.Type.Equal(oid) {
			continue
		}
		if len(attr.Values) != 1 {
			return asn1.RawValue{}, fmt.Errorf("attribute %v has %d values", oid, len(attr.Values))
		}
		return attr.Values[0], nil
	}
	return asn1.RawValue{}, fmt.Errorf("%w: %v", ErrAttributeNotFound, oid)
}

// MessageDigest returns the message-digest signed attribute.
func (si *SignerInfo) MessageDigest() ([]byte, error) {
	v, err := si.attributeValue(OIDMessageDigest)
	if err != nil {
		return nil, err
	}
	var digest []byte
	if _, err := asn1.Unmarshal(v.FullBytes, &digest); err != nil {
		return nil, fmt.Errorf("failed to parse message digest: %w", err)
	}
	return digest, nil
}

// ContentType returns the content-type signed attribute.
func (si *SignerInfo) ContentType() (asn1.ObjectIdentifier, error) {
	v, err := si.attributeValue(OIDContentType)
	if err != nil {
		return nil, err
	}
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(v.FullBytes, &oid); err != nil {
		return nil, fmt.Errorf("failed to parse content type: %w", err)
	}
	return oid, nil
}

// SigningTime returns the signing-time signed attribute, if present.
func (si *SignerInfo) SigningTime() (time.Time, bool) {
	v, err := si.attributeValue(OIDSigningTime)
	if err != nil {
		return time.Time{}, false
	}
	var t time.Time
	if _, err := asn1.Unmarshal(v.FullBytes, &t); err != nil {
		return time.Time{}, false
	}
	return t, true
}
