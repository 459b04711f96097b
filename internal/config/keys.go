package config

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/kibshh/wallet-pass-service/backend/internal/bundle"
)

// LoadAPNsKey loads the APNs token signing key, the ECDSA P-256 key
// Apple distributes as a .p8 file.
func LoadAPNsKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := readPrivateKey(path)
	if err != nil {
		return nil, err
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("apns key %q: must be ECDSA P-256", path)
	}
	if ecKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("apns key %q: must be ECDSA P-256, got %s", path, ecKey.Curve.Params().Name)
	}
	return ecKey, nil
}

// LoadPassSigner builds the bundle signer from the configured certificate,
// key and WWDR intermediate. If DevEphemeral is set it generates a
// throwaway self-signed certificate instead; this path must never be
// used in production.
func LoadPassSigner(sc SigningConfig, passTypeID string) (*bundle.Signer, error) {
	if sc.DevEphemeral {
		signer, err := bundle.NewEphemeralSigner("Pass Type ID: " + passTypeID)
		if err != nil {
			return nil, fmt.Errorf("ephemeral signer generation failed: %w", err)
		}
		return signer, nil
	}

	cert, err := readCertificate(sc.CertPath)
	if err != nil {
		return nil, err
	}
	key, err := readPrivateKey(sc.KeyPath)
	if err != nil {
		return nil, err
	}
	wwdr, err := readCertificate(sc.WWDRPath)
	if err != nil {
		return nil, err
	}
	return bundle.NewSigner(cert, key, wwdr)
}

func readCertificate(path string) (*x509.Certificate, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("certificate %q: unsupported PEM type %q", path, block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certificate %q: %w", path, err)
	}
	return cert, nil
}

func readPrivateKey(path string) (crypto.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("private key %q: %w", path, err)
		}
		return key, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("private key %q: %w", path, err)
		}
		return key, nil
	case "PRIVATE KEY":
		// PKCS#8 wrapped key
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("private key %q: %w", path, err)
		}
		switch key := parsed.(type) {
		case *ecdsa.PrivateKey, *rsa.PrivateKey:
			return key, nil
		default:
			return nil, fmt.Errorf("private key %q: unsupported key type %T", path, parsed)
		}
	default:
		return nil, fmt.Errorf("private key %q: unsupported PEM type %q", path, block.Type)
	}
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%q: no PEM block found", path)
	}
	return block, nil
}
