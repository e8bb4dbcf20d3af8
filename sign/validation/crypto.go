package validation

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"

	"github.com/georgepadayatti/sigident/sign/cms"
)

type digestAlgorithm struct {
	id  crypto.Hash
	new func() hash.Hash
}

func digestForOID(oid asn1.ObjectIdentifier) (digestAlgorithm, error) {
	switch {
	case oid.Equal(cms.OIDSHA1):
		return digestAlgorithm{crypto.SHA1, sha1.New}, nil
	case oid.Equal(cms.OIDSHA224):
		return digestAlgorithm{crypto.SHA224, sha256.New224}, nil
	case oid.Equal(cms.OIDSHA256):
		return digestAlgorithm{crypto.SHA256, sha256.New}, nil
	case oid.Equal(cms.OIDSHA384):
		return digestAlgorithm{crypto.SHA384, sha512.New384}, nil
	case oid.Equal(cms.OIDSHA512):
		return digestAlgorithm{crypto.SHA512, sha512.New}, nil
	case oid.Equal(cms.OIDSHA3_256):
		return digestAlgorithm{crypto.SHA3_256, sha3.New256}, nil
	case oid.Equal(cms.OIDSHA3_384):
		return digestAlgorithm{crypto.SHA3_384, sha3.New384}, nil
	case oid.Equal(cms.OIDSHA3_512):
		return digestAlgorithm{crypto.SHA3_512, sha3.New512}, nil
	default:
		return digestAlgorithm{}, fmt.Errorf("%w: digest %v", ErrVerificationAlgorithm, oid)
	}
}

func (d digestAlgorithm) sum(data []byte) []byte {
	h := d.new()
	h.Write(data)
	return h.Sum(nil)
}

// verifyCryptographic checks the message digest (when signed attributes are
// present) and the signature. Errors wrapping ErrVerificationAlgorithm mean
// the signature could not be evaluated; any other error is a mismatch.
func verifyCryptographic(si *cms.SignerInfo, cert *x509.Certificate, content []byte) error {
	digest, err := digestForOID(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}

	message := content
	if si.HasSignedAttributes() {
		claimed, err := si.MessageDigest()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrVerificationAlgorithm, err)
		}
		if subtle.ConstantTimeCompare(claimed, digest.sum(content)) != 1 {
			return ErrDigestMismatch
		}
		message = si.SignedAttributesDER()
	}

	return verifySignature(si.SignatureAlgorithm, digest, cert.PublicKey, message, si.Signature)
}

func isRSAPKCS1(oid asn1.ObjectIdentifier) bool {
	return oid.Equal(cms.OIDRSAEncryption) ||
		oid.Equal(cms.OIDSHA1WithRSA) ||
		oid.Equal(cms.OIDSHA224WithRSA) ||
		oid.Equal(cms.OIDSHA256WithRSA) ||
		oid.Equal(cms.OIDSHA384WithRSA) ||
		oid.Equal(cms.OIDSHA512WithRSA)
}

func isECDSA(oid asn1.ObjectIdentifier) bool {
	return oid.Equal(cms.OIDECPublicKey) ||
		oid.Equal(cms.OIDECDSAWithSHA1) ||
		oid.Equal(cms.OIDECDSAWithSHA224) ||
		oid.Equal(cms.OIDECDSAWithSHA256) ||
		oid.Equal(cms.OIDECDSAWithSHA384) ||
		oid.Equal(cms.OIDECDSAWithSHA512)
}

// verifySignature verifies sig over message with the public key.
func verifySignature(alg cms.AlgorithmIdentifier, digest digestAlgorithm, pub any, message, sig []byte) error {
	oid := alg.Algorithm
	switch {
	case isRSAPKCS1(oid):
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %v requires an RSA key, got %T", ErrVerificationAlgorithm, oid, pub)
		}
		if err := rsa.VerifyPKCS1v15(key, digest.id, digest.sum(message), sig); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
		}
		return nil

	case oid.Equal(cms.OIDRSAPSS):
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: RSASSA-PSS requires an RSA key, got %T", ErrVerificationAlgorithm, pub)
		}
		pssDigest, opts, err := pssOptions(alg.Parameters)
		if err != nil {
			return err
		}
		if err := rsa.VerifyPSS(key, pssDigest.id, pssDigest.sum(message), sig, opts); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
		}
		return nil

	case isECDSA(oid):
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %v requires an ECDSA key, got %T", ErrVerificationAlgorithm, oid, pub)
		}
		if !ecdsa.VerifyASN1(key, digest.sum(message), sig) {
			return ErrSignatureMismatch
		}
		return nil

	case oid.Equal(cms.OIDEd25519):
		key, ok := pub.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("%w: Ed25519 requires an Ed25519 key, got %T", ErrVerificationAlgorithm, pub)
		}
		if !ed25519.Verify(key, message, sig) {
			return ErrSignatureMismatch
		}
		return nil

	default:
		return fmt.Errorf("%w: signature algorithm %v", ErrVerificationAlgorithm, oid)
	}
}

// pssOptions decodes RSASSA-PSS parameters. Absent fields take the RFC 4055
// defaults (SHA-1, salt length 20).
func pssOptions(params asn1.RawValue) (digestAlgorithm, *rsa.PSSOptions, error) {
	p := cms.PSSParameters{SaltLength: 20, TrailerField: 1}
	if len(params.FullBytes) > 0 && params.Tag != asn1.TagNull {
		if _, err := asn1.Unmarshal(params.FullBytes, &p); err != nil {
			return digestAlgorithm{}, nil, fmt.Errorf("%w: PSS parameters: %v", ErrVerificationAlgorithm, err)
		}
	}
	hashOID := p.Hash.Algorithm
	if len(hashOID) == 0 {
		hashOID = cms.OIDSHA1
	}
	digest, err := digestForOID(hashOID)
	if err != nil {
		return digestAlgorithm{}, nil, err
	}
	if p.TrailerField != 1 {
		return digestAlgorithm{}, nil, fmt.Errorf("%w: PSS trailer field %d", ErrVerificationAlgorithm, p.TrailerField)
	}
	return digest, &rsa.PSSOptions{SaltLength: p.SaltLength, Hash: digest.id}, nil
}
