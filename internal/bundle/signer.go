package bundle

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.mozilla.org/pkcs7"
)

var (
	ErrNoCertificate = errors.New("no signing certificate configured")
	ErrNoPrivateKey  = errors.New("no private key configured")
)

// Signer produces the detached PKCS#7 signature over a pass manifest.
type Signer struct {
	cert  *x509.Certificate
	key   crypto.PrivateKey
	chain []*x509.Certificate // intermediates, usually the WWDR certificate
}

// NewSigner creates a signer from the pass type certificate, its private
// key and any intermediate certificates to embed.
func NewSigner(cert *x509.Certificate, key crypto.PrivateKey, chain ...*x509.Certificate) (*Signer, error) {
	if cert == nil {
		return nil, ErrNoCertificate
	}
	if key == nil {
		return nil, ErrNoPrivateKey
	}
	return &Signer{cert: cert, key: key, chain: chain}, nil
}

// NewEphemeralSigner generates a throwaway self-signed certificate. Bundles
// signed with it are structurally valid but rejected by real wallets.
func NewEphemeralSigner(commonName string) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return NewSigner(cert, key)
}

// Sign returns the DER encoded detached signature over manifest.
func (s *Signer) Sign(manifest []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(manifest)
	if err != nil {
		return nil, fmt.Errorf("init signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	if err := sd.AddSignerChain(s.cert, s.key, s.chain, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("add signer: %w", err)
	}
	sd.Detach()

	signature, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("finish signature: %w", err)
	}
	return signature, nil
}

// Certificate returns the signing certificate.
func (s *Signer) Certificate() *x509.Certificate {
	return s.cert
}
