package letsencrypt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	KeyTypeRSA   = "rsa"
	KeyTypeECDSA = "ecdsa"

	rsaKeyBits = 2048
)

// ErrUnsupportedKeyType reports a key type outside {rsa, ecdsa}.
var ErrUnsupportedKeyType = errors.New("unsupported key type")

// GenerateKey produces a fresh key pair for one renewal attempt. Keys
// are never reused across attempts.
func GenerateKey(
	keyType string,
) (
	crypto.Signer,
	error,
) {
	switch keyType {
	case KeyTypeRSA:
		return rsa.GenerateKey(rand.Reader, rsaKeyBits)
	case KeyTypeECDSA:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, keyType)
	}
}

// GenerateCSR builds a DER certificate signing request with common
// name hosts[0] and the full host list, in order, as the SAN
// extension. The extension is not marked critical for authority
// compatibility.
func GenerateCSR(
	key crypto.Signer,
	hosts []string,
) (
	[]byte,
	error,
) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("cannot generate a CSR without hosts")
	}

	csrTemplate := x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: hosts[0],
		},
		DNSNames: hosts,
	}

	return x509.CreateCertificateRequest(rand.Reader, &csrTemplate, key)
}

// EncodePrivateKeyPEM serializes a private key in traditional
// unencrypted PEM form.
func EncodePrivateKeyPEM(
	key crypto.Signer,
) (
	[]byte,
	error,
) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(k),
		}), nil
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(&pem.Block{
			Type:  "EC PRIVATE KEY",
			Bytes: der,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, key)
	}
}

// ParsePrivateKeyPEM reads a PEM private key in PKCS#1, PKCS#8 or SEC1
// form.
func ParsePrivateKeyPEM(
	pemBytes []byte,
) (
	crypto.Signer,
	error,
) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in key data")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key of type %T cannot sign", key)
	}
	return signer, nil
}
