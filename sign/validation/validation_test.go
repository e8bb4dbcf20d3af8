package validation

import (
	"encoding/asn1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/sigident/internal/testpki"
	"github.com/georgepadayatti/sigident/sign/cms"
	"github.com/georgepadayatti/sigident/sign/der"
)

var content = []byte("%PDF-1.7 covered byte ranges")

func candidateFor(t *testing.T, id *testpki.Identity, data []byte, configure ...func(*cms.CMSBuilder)) cms.SignerCandidate {
	t.Helper()
	blob := testpki.SignDetached(t, id, data, configure...)
	candidates, err := cms.ExtractSigners(blob, der.DefaultLimits())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	return candidates[0]
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestVerifyValidSignatures(t *testing.T) {
	ca := testpki.NewCA(t, "Test CA")

	tests := []struct {
		name      string
		keyType   testpki.KeyType
		configure func(*cms.CMSBuilder)
	}{
		{"ecdsa", testpki.ECDSA, nil},
		{"rsa pkcs1", testpki.RSA, nil},
		{"rsa pss", testpki.RSA, func(b *cms.CMSBuilder) { b.Signers[0].Algorithm = cms.SHA256WithRSAPSS }},
		{"rsa sha384", testpki.RSA, func(b *cms.CMSBuilder) { b.Signers[0].Algorithm = cms.SHA384WithRSA }},
		{"ed25519", testpki.Ed25519, nil},
		{"no signed attributes", testpki.ECDSA, func(b *cms.CMSBuilder) { b.Signers[0].OmitSignedAttributes = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := ca.Issue(t, testpki.CertOptions{CommonName: "Signer", KeyType: tt.keyType})
			var configure []func(*cms.CMSBuilder)
			if tt.configure != nil {
				configure = append(configure, tt.configure)
			}
			candidate := candidateFor(t, id, content, configure...)

			verdict := NewVerifier(DefaultSettings()).Verify(candidate, content, time.Now())
			assert.True(t, verdict.IsValid, "verdict error: %v", verdict.Err)
			assert.Equal(t, ReasonCryptographicMatch, verdict.Reason)
			assert.Equal(t, TimeSourceSignatureTime, verdict.TimeSource)
		})
	}
}

func TestVerifyTamperedContent(t *testing.T) {
	ca := testpki.NewCA(t, "Test CA")
	id := ca.Issue(t, testpki.CertOptions{CommonName: "Signer"})
	candidate := candidateFor(t, id, content)

	tampered := append([]byte{}, content...)
	tampered[0] ^= 0xFF

	verdict := NewVerifier(DefaultSettings()).Verify(candidate, tampered, time.Now())
	assert.False(t, verdict.IsValid)
	assert.Equal(t, ReasonCryptographicMismatch, verdict.Reason)
	assert.ErrorIs(t, verdict.Err, ErrDigestMismatch)
}

func TestVerifyTamperedWithoutSignedAttributes(t *testing.T) {
	ca := testpki.NewCA(t, "Test CA")
	id := ca.Issue(t, testpki.CertOptions{CommonName: "Signer", KeyType: testpki.RSA})
	candidate := candidateFor(t, id, content, func(b *cms.CMSBuilder) {
		b.Signers[0].OmitSignedAttributes = true
	})

	verdict := NewVerifier(DefaultSettings()).Verify(candidate, []byte("other"), time.Now())
	assert.False(t, verdict.IsValid)
	assert.Equal(t, ReasonCryptographicMismatch, verdict.Reason)
	assert.ErrorIs(t, verdict.Err, ErrSignatureMismatch)
}

func TestVerifyWrongKey(t *testing.T) {
	ca := testpki.NewCA(t, "Test CA")
	id := ca.Issue(t, testpki.CertOptions{CommonName: "Signer"})
	sameType := ca.Issue(t, testpki.CertOptions{CommonName: "Other"})
	otherType := ca.Issue(t, testpki.CertOptions{CommonName: "Other RSA", KeyType: testpki.RSA})
	candidate := candidateFor(t, id, content)

	v := NewVerifier(DefaultSettings())

	swapped := candidate
	swapped.Certificate = sameType.Cert
	verdict := v.Verify(swapped, content, time.Now())
	assert.Equal(t, ReasonCryptographicMismatch, verdict.Reason)

	swapped.Certificate = otherType.Cert
	verdict = v.Verify(swapped, content, time.Now())
	assert.Equal(t, ReasonAlgorithmError, verdict.Reason)
	assert.ErrorIs(t, verdict.Err, ErrVerificationAlgorithm)
}

func TestVerifyUnsupportedAlgorithms(t *testing.T) {
	ca := testpki.NewCA(t, "Test CA")
	id := ca.Issue(t, testpki.CertOptions{CommonName: "Signer"})
	md5 := asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 5}

	t.Run("digest", func(t *testing.T) {
		candidate := candidateFor(t, id, content)
		candidate.SignerInfo.DigestAlgorithm.Algorithm = md5

		verdict := NewVerifier(DefaultSettings()).Verify(candidate, content, time.Now())
		assert.False(t, verdict.IsValid)
		assert.Equal(t, ReasonAlgorithmError, verdict.Reason)
	})

	t.Run("signature", func(t *testing.T) {
		candidate := candidateFor(t, id, content)
		candidate.SignerInfo.SignatureAlgorithm.Algorithm = asn1.ObjectIdentifier{1, 2, 3}

		verdict := NewVerifier(DefaultSettings()).Verify(candidate, content, time.Now())
		assert.False(t, verdict.IsValid)
		assert.Equal(t, ReasonAlgorithmError, verdict.Reason)
	})

	t.Run("incomplete candidate", func(t *testing.T) {
		verdict := NewVerifier(DefaultSettings()).Verify(cms.SignerCandidate{}, content, time.Now())
		assert.False(t, verdict.IsValid)
		assert.Equal(t, ReasonAlgorithmError, verdict.Reason)
	})
}

func TestVerifyTemporal(t *testing.T) {
	ca := testpki.NewCA(t, "Test CA")
	notBefore := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	id := ca.Issue(t, testpki.CertOptions{CommonName: "Signer", NotBefore: notBefore, NotAfter: notAfter})
	candidate := candidateFor(t, id, content, func(b *cms.CMSBuilder) {
		b.SetSigningTime(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	})

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	v := NewVerifier(Settings{Now: fixedClock(now)})

	t.Run("claimed time inside window", func(t *testing.T) {
		verdict := v.Verify(candidate, content, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))
		assert.True(t, verdict.IsValid)
		assert.Equal(t, ReasonCryptographicMatch, verdict.Reason)
	})

	t.Run("claimed time after expiry", func(t *testing.T) {
		verdict := v.Verify(candidate, content, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
		assert.False(t, verdict.IsValid)
		assert.Equal(t, ReasonExpired, verdict.Reason)
		assert.ErrorIs(t, verdict.Err, ErrCertificateExpired)
	})

	t.Run("claimed time before validity", func(t *testing.T) {
		verdict := v.Verify(candidate, content, time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC))
		assert.Equal(t, ReasonExpired, verdict.Reason)
		assert.ErrorIs(t, verdict.Err, ErrCertificateNotYetValid)
	})

	t.Run("no claimed time uses current time", func(t *testing.T) {
		verdict := v.Verify(candidate, content, time.Time{})
		assert.Equal(t, ReasonExpired, verdict.Reason)
		assert.Equal(t, TimeSourceCurrentTime, verdict.TimeSource)
		assert.True(t, verdict.VerificationTime.Equal(now))
	})

	t.Run("cms signing time fallback", func(t *testing.T) {
		withCMS := NewVerifier(Settings{Now: fixedClock(now), UseCMSSigningTime: true})
		verdict := withCMS.Verify(candidate, content, time.Time{})
		assert.True(t, verdict.IsValid)
		assert.Equal(t, TimeSourceCMSSigningTime, verdict.TimeSource)
	})

	t.Run("configured time wins", func(t *testing.T) {
		configured := NewVerifier(Settings{ValidationTime: time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)})
		verdict := configured.Verify(candidate, content, now)
		assert.True(t, verdict.IsValid)
		assert.Equal(t, TimeSourceConfigured, verdict.TimeSource)
	})

	t.Run("cryptographic failure takes precedence", func(t *testing.T) {
		verdict := v.Verify(candidate, []byte("tampered"), time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
		assert.Equal(t, ReasonCryptographicMismatch, verdict.Reason)
	})
}

func TestReasonString(t *testing.T) {
	assert.Equal(t, "CryptographicMatch", ReasonCryptographicMatch.String())
	assert.Equal(t, "CryptographicMismatch", ReasonCryptographicMismatch.String())
	assert.Equal(t, "Expired", ReasonExpired.String())
	assert.Equal(t, "AlgorithmError", ReasonAlgorithmError.String())

	text, err := ReasonExpired.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Expired", string(text))
}
