// Package validation produces a validity verdict for a located CMS signer:
// the signature must verify against the signer certificate's public key and
// the certificate must be within its validity window at the verification time.
package validation

import (
	"errors"
	"fmt"
	"time"

	"github.com/georgepadayatti/sigident/sign/cms"
)

// Common validation errors
var (
	ErrVerificationAlgorithm  = errors.New("verification algorithm error")
	ErrDigestMismatch         = errors.New("message digest does not match signed content")
	ErrSignatureMismatch      = errors.New("signature does not match signer certificate")
	ErrCertificateExpired     = errors.New("certificate expired")
	ErrCertificateNotYetValid = errors.New("certificate not yet valid")
)

// Reason explains a verdict.
type Reason int

const (
	ReasonCryptographicMatch Reason = iota
	ReasonCryptographicMismatch
	ReasonExpired
	ReasonAlgorithmError
)

// String returns the string representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonCryptographicMatch:
		return "CryptographicMatch"
	case ReasonCryptographicMismatch:
		return "CryptographicMismatch"
	case ReasonExpired:
		return "Expired"
	case ReasonAlgorithmError:
		return "AlgorithmError"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// TimeSource indicates where the verification time came from.
type TimeSource string

const (
	// TimeSourceConfigured is an explicit validation time from settings.
	TimeSourceConfigured TimeSource = "configured"

	// TimeSourceSignatureTime is the signing time claimed by the container.
	// It is supplied by the signatory and not cryptographically bound.
	TimeSourceSignatureTime TimeSource = "signature_time"

	// TimeSourceCMSSigningTime is the signing-time signed attribute.
	TimeSourceCMSSigningTime TimeSource = "cms_signing_time"

	// TimeSourceCurrentTime is the system clock, used when nothing else is
	// available.
	TimeSourceCurrentTime TimeSource = "current_time"
)

// String returns the string representation of the time source.
func (ts TimeSource) String() string {
	return string(ts)
}

// Verdict is the outcome of verifying one signer.
type Verdict struct {
	IsValid bool
	Reason  Reason

	// Err carries the detail behind a negative verdict.
	Err error

	TimeSource       TimeSource
	VerificationTime time.Time
}

// Settings controls verification.
type Settings struct {
	// ValidationTime, when set, overrides every other time source.
	ValidationTime time.Time

	// UseCMSSigningTime falls back to the signing-time signed attribute when
	// the container claims no signing time.
	UseCMSSigningTime bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultSettings returns the default verification settings.
func DefaultSettings() Settings {
	return Settings{Now: time.Now}
}

// Verifier checks signer candidates. It holds no mutable state and is safe
// for concurrent use.
type Verifier struct {
	settings Settings
}

// NewVerifier creates a verifier.
func NewVerifier(settings Settings) *Verifier {
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Verifier{settings: settings}
}

// Verify checks the candidate's signature over signedContent, then the
// certificate's validity at the verification time. A cryptographic failure
// takes precedence over a temporal one. Verify never panics.
func (v *Verifier) Verify(candidate cms.SignerCandidate, signedContent []byte, claimedTime time.Time) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			verdict = Verdict{
				Reason: ReasonAlgorithmError,
				Err:    fmt.Errorf("%w: %v", ErrVerificationAlgorithm, r),
			}
		}
	}()

	if candidate.SignerInfo == nil || candidate.Certificate == nil {
		return Verdict{
			Reason: ReasonAlgorithmError,
			Err:    fmt.Errorf("%w: incomplete signer candidate", ErrVerificationAlgorithm),
		}
	}

	verificationTime, source := v.verificationTime(candidate.SignerInfo, claimedTime)
	verdict = Verdict{TimeSource: source, VerificationTime: verificationTime}

	if err := verifyCryptographic(candidate.SignerInfo, candidate.Certificate, signedContent); err != nil {
		verdict.Err = err
		if errors.Is(err, ErrVerificationAlgorithm) {
			verdict.Reason = ReasonAlgorithmError
		} else {
			verdict.Reason = ReasonCryptographicMismatch
		}
		return verdict
	}

	cert := candidate.Certificate
	switch {
	case verificationTime.Before(cert.NotBefore):
		verdict.Reason = ReasonExpired
		verdict.Err = fmt.Errorf("%w: valid from %s, checked at %s",
			ErrCertificateNotYetValid, cert.NotBefore.UTC().Format(time.RFC3339), verificationTime.UTC().Format(time.RFC3339))
		return verdict
	case verificationTime.After(cert.NotAfter):
		verdict.Reason = ReasonExpired
		verdict.Err = fmt.Errorf("%w: valid until %s, checked at %s",
			ErrCertificateExpired, cert.NotAfter.UTC().Format(time.RFC3339), verificationTime.UTC().Format(time.RFC3339))
		return verdict
	}

	verdict.IsValid = true
	verdict.Reason = ReasonCryptographicMatch
	return verdict
}

// verificationTime picks the time the certificate must be valid at.
// Priority: configured time, claimed signing time, CMS signing-time
// attribute (when enabled), current time.
func (v *Verifier) verificationTime(si *cms.SignerInfo, claimed time.Time) (time.Time, TimeSource) {
	if !v.settings.ValidationTime.IsZero() {
		return v.settings.ValidationTime, TimeSourceConfigured
	}
	if !claimed.IsZero() {
		return claimed, TimeSourceSignatureTime
	}
	if v.settings.UseCMSSigningTime {
		if t, ok := si.SigningTime(); ok {
			return t, TimeSourceCMSSigningTime
		}
	}
	return v.settings.Now(), TimeSourceCurrentTime
}
