// Package testpki generates certificates, CMS signatures and signed PDF
// documents for tests.
package testpki

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/georgepadayatti/sigident/sign/cms"
)

// KeyType selects the key algorithm of an issued certificate.
type KeyType int

const (
	ECDSA KeyType = iota
	RSA
	Ed25519
)

// Identity is a certificate with its private key.
type Identity struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// Algorithm returns the default CMS signature algorithm for the key.
func (id *Identity) Algorithm() cms.SignatureAlgorithm {
	switch id.Key.(type) {
	case *rsa.PrivateKey:
		return cms.SHA256WithRSA
	case ed25519.PrivateKey:
		return cms.PureEd25519
	default:
		return cms.SHA256WithECDSA
	}
}

// CA is a self-signed issuing authority.
type CA struct {
	Identity
	serial int64
}

// CertOptions controls an issued certificate.
type CertOptions struct {
	CommonName   string
	SubjectSN    string // subject serialNumber (2.5.4.5)
	Organization []string
	ExtraNames   []pkix.AttributeTypeAndValue
	Extensions   []pkix.Extension
	NotBefore    time.Time
	NotAfter     time.Time
	KeyType      KeyType
	SubjectKeyID []byte
	SerialNumber *big.Int
}

func newKey(t testing.TB, kt KeyType) crypto.Signer {
	t.Helper()
	var (
		key crypto.Signer
		err error
	)
	switch kt {
	case RSA:
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	case Ed25519:
		_, key, err = ed25519.GenerateKey(rand.Reader)
	default:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

// NewCA creates a self-signed CA whose subject carries the given organization.
func NewCA(t testing.TB, organization string) *CA {
	t.Helper()
	key := newKey(t, ECDSA)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   organization + " Root CA",
			Organization: []string{organization},
			Country:      []string{"EC"},
		},
		NotBefore:             time.Now().Add(-10 * 365 * 24 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		t.Fatalf("failed to create CA certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse CA certificate: %v", err)
	}
	return &CA{Identity: Identity{Cert: cert, Key: key}, serial: 1}
}

// Issue creates an end-entity certificate signed by the CA.
func (ca *CA) Issue(t testing.TB, opts CertOptions) *Identity {
	t.Helper()
	key := newKey(t, opts.KeyType)

	serial := opts.SerialNumber
	if serial == nil {
		ca.serial++
		serial = big.NewInt(ca.serial)
	}
	notBefore, notAfter := opts.NotBefore, opts.NotAfter
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-24 * time.Hour)
	}
	if notAfter.IsZero() {
		notAfter = time.Now().Add(365 * 24 * time.Hour)
	}
	ski := opts.SubjectKeyID
	if ski == nil {
		pub, err := x509.MarshalPKIXPublicKey(key.Public())
		if err != nil {
			t.Fatalf("failed to marshal public key: %v", err)
		}
		sum := sha1.Sum(pub)
		ski = sum[:]
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			SerialNumber: opts.SubjectSN,
			Organization: opts.Organization,
			ExtraNames:   opts.ExtraNames,
		},
		NotBefore:       notBefore,
		NotAfter:        notAfter,
		KeyUsage:        x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		SubjectKeyId:    ski,
		ExtraExtensions: opts.Extensions,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, key.Public(), ca.Key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return &Identity{Cert: cert, Key: key}
}

// UTF8Extension returns a non-critical extension whose value is a DER
// UTF8String.
func UTF8Extension(t testing.TB, oid asn1.ObjectIdentifier, value string) pkix.Extension {
	t.Helper()
	v, err := asn1.MarshalWithParams(value, "utf8")
	if err != nil {
		t.Fatalf("failed to encode extension value: %v", err)
	}
	return pkix.Extension{Id: oid, Value: v}
}

// RawExtension returns a non-critical extension with a raw value.
func RawExtension(oid asn1.ObjectIdentifier, value []byte) pkix.Extension {
	return pkix.Extension{Id: oid, Value: value}
}

// SignDetached produces a detached CMS signature over content. Configure
// adjusts the builder before signing.
func SignDetached(t testing.TB, id *Identity, content []byte, configure ...func(*cms.CMSBuilder)) []byte {
	t.Helper()
	b := cms.NewCMSBuilder(id.Cert, id.Key, id.Algorithm())
	for _, fn := range configure {
		fn(b)
	}
	sig, err := b.Sign(content)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	return sig
}

// PDFSignature describes one signature appended to a generated PDF.
type PDFSignature struct {
	Signer      *Identity
	SigningTime time.Time // written as /M when set
	Name        string
	Reason      string

	// Tamper signs content that differs from the covered byte ranges.
	Tamper bool

	// Configure adjusts the CMS builder.
	Configure func(*cms.CMSBuilder)
}

const contentsHexLength = 16384

// BuildSignedPDF returns a minimal PDF with one incremental revision per
// signature. Each signature dictionary is uncompressed and carries a real
// ByteRange covering its revision.
func BuildSignedPDF(t testing.TB, sigs ...PDFSignature) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")
	buf.WriteString("%%EOF\n")
	doc := buf.Bytes()

	const placeholder = "/ByteRange [0000000000 0000000000 0000000000 0000000000]"
	for i, sig := range sigs {
		var meta strings.Builder
		if !sig.SigningTime.IsZero() {
			fmt.Fprintf(&meta, " /M (D:%sZ)", sig.SigningTime.UTC().Format("20060102150405"))
		}
		if sig.Name != "" {
			fmt.Fprintf(&meta, " /Name (%s)", sig.Name)
		}
		if sig.Reason != "" {
			fmt.Fprintf(&meta, " /Reason (%s)", sig.Reason)
		}

		head := fmt.Sprintf("%d 0 obj\n<< /Type /Sig /Filter /Adobe.PPKLite /SubFilter /adbe.pkcs7.detached %s /Contents ",
			3+i, placeholder)
		tail := fmt.Sprintf("%s >>\nendobj\n%%%%EOF\n", meta.String())

		rev := make([]byte, 0, len(doc)+len(head)+contentsHexLength+len(tail)+2)
		rev = append(rev, doc...)
		rev = append(rev, '\n')
		rev = append(rev, head...)
		contentsStart := len(rev)
		rev = append(rev, '<')
		rev = append(rev, bytes.Repeat([]byte{'0'}, contentsHexLength)...)
		rev = append(rev, '>')
		contentsEnd := len(rev)
		rev = append(rev, tail...)

		byteRange := fmt.Sprintf("/ByteRange [%010d %010d %010d %010d]",
			0, contentsStart, contentsEnd, len(rev)-contentsEnd)
		at := bytes.LastIndex(rev, []byte(placeholder))
		copy(rev[at:], byteRange)

		signed := make([]byte, 0, len(rev))
		signed = append(signed, rev[:contentsStart]...)
		signed = append(signed, rev[contentsEnd:]...)
		if sig.Tamper {
			signed = append(signed, "tampered"...)
		}

		var configure []func(*cms.CMSBuilder)
		if sig.Configure != nil {
			configure = append(configure, sig.Configure)
		}
		blob := SignDetached(t, sig.Signer, signed, configure...)
		encoded := hex.EncodeToString(blob)
		if len(encoded) > contentsHexLength {
			t.Fatalf("signature %d does not fit the contents placeholder", i)
		}
		copy(rev[contentsStart+1:], encoded)

		doc = rev
	}
	return doc
}
