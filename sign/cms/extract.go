package cms

import (
	"crypto/x509"

	"github.com/georgepadayatti/sigident/sign/der"
)

// SignerCandidate pairs a signer info with the embedded certificate its
// identifier names.
type SignerCandidate struct {
	Certificate *x509.Certificate
	SignerInfo  *SignerInfo
}

// ExtractSigners decodes a CMS SignedData blob and returns one candidate per
// signer info that names an embedded certificate, in signer-info order. For
// each signer info the first matching certificate in store order wins; signer
// infos without a match are dropped. An empty result is not an error.
func ExtractSigners(data []byte, limits der.Limits) ([]SignerCandidate, error) {
	signedData, err := ParseSignedData(data, limits)
	if err != nil {
		return nil, err
	}

	infos, err := signedData.ParseSignerInfos()
	if err != nil {
		return nil, err
	}
	certs := signedData.ParseCertificates()

	var candidates []SignerCandidate
	for i := range infos {
		si := &infos[i]
		for _, cert := range certs {
			if si.Matches(cert) {
				candidates = append(candidates, SignerCandidate{Certificate: cert, SignerInfo: si})
				break
			}
		}
	}
	return candidates, nil
}
