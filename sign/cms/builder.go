package cms

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"hash"
	"math/big"
	"sort"
	"time"
)

// SignatureAlgorithm represents a signature algorithm with its hash.
type SignatureAlgorithm struct {
	DigestAlgorithm    asn1.ObjectIdentifier
	SignatureAlgorithm asn1.ObjectIdentifier
	Hash               crypto.Hash
}

// Common signature algorithms
var (
	SHA256WithRSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA256,
		SignatureAlgorithm: OIDSHA256WithRSA,
		Hash:               crypto.SHA256,
	}
	SHA384WithRSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA384,
		SignatureAlgorithm: OIDSHA384WithRSA,
		Hash:               crypto.SHA384,
	}
	SHA512WithRSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA512,
		SignatureAlgorithm: OIDSHA512WithRSA,
		Hash:               crypto.SHA512,
	}
	SHA256WithRSAPSS = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA256,
		SignatureAlgorithm: OIDRSAPSS,
		Hash:               crypto.SHA256,
	}
	SHA256WithECDSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA256,
		SignatureAlgorithm: OIDECDSAWithSHA256,
		Hash:               crypto.SHA256,
	}
	SHA384WithECDSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA384,
		SignatureAlgorithm: OIDECDSAWithSHA384,
		Hash:               crypto.SHA384,
	}
	PureEd25519 = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA512,
		SignatureAlgorithm: OIDEd25519,
		Hash:               crypto.SHA512,
	}
)

// PSSParameters is the RSASSA-PSS-params structure (RFC 4055).
type PSSParameters struct {
	Hash         AlgorithmIdentifier `asn1:"optional,explicit,tag:0"`
	MGF          AlgorithmIdentifier `asn1:"optional,explicit,tag:1"`
	SaltLength   int                 `asn1:"optional,explicit,tag:2,default:20"`
	TrailerField int                 `asn1:"optional,explicit,tag:3,default:1"`
}

// SigningCertificateV2 represents the signing certificate attribute.
type SigningCertificateV2 struct {
	Certs []ESSCertIDv2
}

// ESSCertIDv2 represents a certificate identifier.
type ESSCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// IssuerSerial identifies a certificate by issuer and serial.
type IssuerSerial struct {
	Issuer       GeneralNames
	SerialNumber *big.Int
}

// GeneralNames represents a sequence of GeneralName.
type GeneralNames struct {
	Names []asn1.RawValue
}

// signerInfoOut is the marshalling form of SignerInfo.
type signerInfoOut struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []Attribute `asn1:"optional,implicit,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
}

type signedDataOut struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	SignerInfos      []signerInfoOut `asn1:"set"`
}

// Signer is one signer of a CMS message.
type Signer struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	Algorithm   SignatureAlgorithm

	// UseSubjectKeyID identifies the signer by subject key identifier
	// instead of issuer and serial number.
	UseSubjectKeyID bool

	// OmitSignedAttributes signs the content directly.
	OmitSignedAttributes bool
}

// CMSBuilder builds detached CMS signed data structures.
type CMSBuilder struct {
	Signers     []*Signer
	CertChain   []*x509.Certificate
	SigningTime time.Time

	// Certificates, when set, replaces the embedded certificate set
	// (signer certificates followed by the chain) verbatim and in order.
	Certificates []*x509.Certificate
}

// NewCMSBuilder creates a new CMS builder with a single signer.
func NewCMSBuilder(cert *x509.Certificate, key crypto.Signer, alg SignatureAlgorithm) *CMSBuilder {
	return &CMSBuilder{
		Signers:     []*Signer{{Certificate: cert, PrivateKey: key, Algorithm: alg}},
		SigningTime: time.Now().UTC(),
	}
}

// AddSigner appends a co-signer and returns it for further configuration.
func (b *CMSBuilder) AddSigner(cert *x509.Certificate, key crypto.Signer, alg SignatureAlgorithm) *Signer {
	s := &Signer{Certificate: cert, PrivateKey: key, Algorithm: alg}
	b.Signers = append(b.Signers, s)
	return s
}

// SetCertificateChain sets the certificate chain.
func (b *CMSBuilder) SetCertificateChain(chain []*x509.Certificate) {
	b.CertChain = chain
}

// SetSigningTime sets the signing time.
func (b *CMSBuilder) SetSigningTime(t time.Time) {
	b.SigningTime = t.UTC()
}

// Sign creates a detached CMS signature over data.
func (b *CMSBuilder) Sign(data []byte) ([]byte, error) {
	if len(b.Signers) == 0 {
		return nil, fmt.Errorf("no signers configured")
	}

	signedData := signedDataOut{
		Version: 1,
		EncapContentInfo: EncapsulatedContentInfo{
			EContentType: OIDData,
		},
	}

	seenDigest := map[string]bool{}
	for i, s := range b.Signers {
		info, err := b.signOne(s, data)
		if err != nil {
			return nil, fmt.Errorf("signer %d: %w", i, err)
		}
		signedData.SignerInfos = append(signedData.SignerInfos, info)

		if key := s.Algorithm.DigestAlgorithm.String(); !seenDigest[key] {
			seenDigest[key] = true
			signedData.DigestAlgorithms = append(signedData.DigestAlgorithms, AlgorithmIdentifier{
				Algorithm:  s.Algorithm.DigestAlgorithm,
				Parameters: asn1.RawValue{Tag: 5},
			})
		}
		if s.UseSubjectKeyID {
			signedData.Version = 3
		}
	}

	certs := b.Certificates
	if certs == nil {
		for _, s := range b.Signers {
			certs = append(certs, s.Certificate)
		}
		certs = append(certs, b.CertChain...)
	}
	for _, cert := range certs {
		signedData.Certificates = append(signedData.Certificates, asn1.RawValue{FullBytes: cert.Raw})
	}

	signedDataBytes, err := asn1.Marshal(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}

	contentInfo := ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: signedDataBytes},
	}
	return asn1.Marshal(contentInfo)
}

func (b *CMSBuilder) signOne(s *Signer, data []byte) (signerInfoOut, error) {
	sid, err := signerIdentifier(s)
	if err != nil {
		return signerInfoOut{}, err
	}

	info := signerInfoOut{
		Version: 1,
		SID:     sid,
		DigestAlgorithm: AlgorithmIdentifier{
			Algorithm:  s.Algorithm.DigestAlgorithm,
			Parameters: asn1.RawValue{Tag: 5}, // NULL
		},
		SignatureAlgorithm: AlgorithmIdentifier{
			Algorithm:  s.Algorithm.SignatureAlgorithm,
			Parameters: signatureAlgorithmParameters(s.Algorithm),
		},
	}
	if s.UseSubjectKeyID {
		info.Version = 3
	}

	message := data
	if !s.OmitSignedAttributes {
		h := newHash(s.Algorithm.Hash)
		h.Write(data)

		attrs, err := b.buildSignedAttributes(s, h.Sum(nil))
		if err != nil {
			return signerInfoOut{}, fmt.Errorf("failed to build signed attributes: %w", err)
		}
		attrs = derSortAttributes(attrs)

		attrBytes, err := asn1.Marshal(attrs)
		if err != nil {
			return signerInfoOut{}, fmt.Errorf("failed to marshal signed attributes: %w", err)
		}
		attrBytes[0] = 0x31 // SET tag

		info.SignedAttrs = attrs
		message = attrBytes
	}

	info.Signature, err = signMessage(s, message)
	if err != nil {
		return signerInfoOut{}, fmt.Errorf("failed to sign: %w", err)
	}
	return info, nil
}

func signerIdentifier(s *Signer) (asn1.RawValue, error) {
	if s.UseSubjectKeyID {
		if len(s.Certificate.SubjectKeyId) == 0 {
			return asn1.RawValue{}, fmt.Errorf("certificate has no subject key identifier")
		}
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, Bytes: s.Certificate.SubjectKeyId}, nil
	}
	isn, err := asn1.Marshal(IssuerAndSerialNumber{
		Issuer:       asn1.RawValue{FullBytes: s.Certificate.RawIssuer},
		SerialNumber: s.Certificate.SerialNumber,
	})
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{FullBytes: isn}, nil
}

func signatureAlgorithmParameters(alg SignatureAlgorithm) asn1.RawValue {
	oid := alg.SignatureAlgorithm
	switch {
	case oid.Equal(OIDSHA256WithRSA),
		oid.Equal(OIDSHA384WithRSA),
		oid.Equal(OIDSHA512WithRSA),
		oid.Equal(OIDRSAEncryption):
		return asn1.RawValue{Tag: 5} // NULL
	case oid.Equal(OIDRSAPSS):
		hashAlg := AlgorithmIdentifier{Algorithm: alg.DigestAlgorithm, Parameters: asn1.RawValue{Tag: 5}}
		hashAlgBytes, _ := asn1.Marshal(hashAlg)
		params, _ := asn1.Marshal(PSSParameters{
			Hash:         hashAlg,
			MGF:          AlgorithmIdentifier{Algorithm: OIDMGF1, Parameters: asn1.RawValue{FullBytes: hashAlgBytes}},
			SaltLength:   alg.Hash.Size(),
			TrailerField: 1,
		})
		return asn1.RawValue{FullBytes: params}
	default:
		return asn1.RawValue{} // omit
	}
}

// buildSignedAttributes builds the signed attributes.
func (b *CMSBuilder) buildSignedAttributes(s *Signer, messageDigest []byte) ([]Attribute, error) {
	var attrs []Attribute

	contentTypeValue, err := asn1.Marshal(OIDData)
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, Attribute{
		Type:   OIDContentType,
		Values: []asn1.RawValue{{FullBytes: contentTypeValue}},
	})

	digestValue, err := asn1.Marshal(messageDigest)
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, Attribute{
		Type:   OIDMessageDigest,
		Values: []asn1.RawValue{{FullBytes: digestValue}},
	})

	if !b.SigningTime.IsZero() {
		signingTimeValue, err := asn1.Marshal(b.SigningTime)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, Attribute{
			Type:   OIDSigningTime,
			Values: []asn1.RawValue{{FullBytes: signingTimeValue}},
		})
	}

	// ESS signing-certificate-v2
	h := newHash(s.Algorithm.Hash)
	h.Write(s.Certificate.Raw)
	signingCert := SigningCertificateV2{
		Certs: []ESSCertIDv2{
			{
				HashAlgorithm: AlgorithmIdentifier{
					Algorithm:  s.Algorithm.DigestAlgorithm,
					Parameters: asn1.RawValue{Tag: 5},
				},
				CertHash: h.Sum(nil),
				IssuerSerial: IssuerSerial{
					Issuer: GeneralNames{
						Names: []asn1.RawValue{{
							Class:      asn1.ClassContextSpecific,
							Tag:        4, // directoryName
							IsCompound: true,
							Bytes:      s.Certificate.RawIssuer,
						}},
					},
					SerialNumber: s.Certificate.SerialNumber,
				},
			},
		},
	}
	signingCertValue, err := asn1.Marshal(signingCert)
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, Attribute{
		Type:   OIDSigningCertificateV2,
		Values: []asn1.RawValue{{FullBytes: signingCertValue}},
	})

	return attrs, nil
}

func newHash(h crypto.Hash) hash.Hash {
	switch h {
	case crypto.SHA384:
		return sha512.New384()
	case crypto.SHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

// signMessage signs message, hashing it first for everything but Ed25519.
func signMessage(s *Signer, message []byte) ([]byte, error) {
	if key, ok := s.PrivateKey.(ed25519.PrivateKey); ok {
		return ed25519.Sign(key, message), nil
	}

	h := newHash(s.Algorithm.Hash)
	h.Write(message)
	digest := h.Sum(nil)

	switch key := s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		if s.Algorithm.SignatureAlgorithm.Equal(OIDRSAPSS) {
			return rsa.SignPSS(rand.Reader, key, s.Algorithm.Hash, digest,
				&rsa.PSSOptions{SaltLength: s.Algorithm.Hash.Size()})
		}
		return rsa.SignPKCS1v15(rand.Reader, key, s.Algorithm.Hash, digest)
	default:
		return s.PrivateKey.Sign(rand.Reader, digest, s.Algorithm.Hash)
	}
}

// derSortAttributes sorts attributes by their DER encoding, matching the
// order encoding/asn1 produces for SET OF.
func derSortAttributes(attrs []Attribute) []Attribute {
	type attrWithDER struct {
		attr Attribute
		der  []byte
	}
	sorted := make([]attrWithDER, len(attrs))
	for i, attr := range attrs {
		enc, _ := asn1.Marshal(attr)
		sorted[i] = attrWithDER{attr: attr, der: enc}
	}

	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].der, sorted[j].der) < 0
	})

	result := make([]Attribute, len(attrs))
	for i, a := range sorted {
		result[i] = a.attr
	}
	return result
}
