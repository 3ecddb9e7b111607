// Package letsencrypt holds the ACME-facing pieces of the renewal
// flow: key material, CSR generation, account key loading, account
// registration and certificate issuance.
package letsencrypt

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/acme"
)

// Service wraps an ACME client authenticated with the account key.
type Service struct {
	Client *acme.Client
}

func New(
	accountKey crypto.Signer,
	directoryURL string,
) *Service {
	return &Service{
		Client: &acme.Client{
			Key:          accountKey,
			DirectoryURL: directoryURL,
		},
	}
}

// CertBundle is the product of one successful issuance: the leaf
// certificate and its issuing chain, both PEM.
type CertBundle struct {
	CertificatePEM []byte
	ChainPEM       []byte
}

// FullchainPEM returns the leaf followed by the chain, the form
// written to the fullchain output path.
func (b *CertBundle) FullchainPEM() []byte {
	out := make([]byte, 0, len(b.CertificatePEM)+len(b.ChainPEM))
	out = append(out, b.CertificatePEM...)
	out = append(out, b.ChainPEM...)
	return out
}

// Leaf parses the leaf certificate.
func (b *CertBundle) Leaf() (*x509.Certificate, error) {
	block, _ := pem.Decode(b.CertificatePEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate PEM block in bundle")
	}
	return x509.ParseCertificate(block.Bytes)
}

// IssueCertificate submits the CSR to the authority and blocks until a
// certificate is issued or the authority reports a fatal error. The
// authority returns the issuing chain along with the leaf; both are
// PEM-encoded into the bundle. hosts[0] must be covered by the issued
// certificate.
func (s *Service) IssueCertificate(
	ctx context.Context,
	csrDER []byte,
	hosts []string,
) (
	*CertBundle,
	error,
) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("cannot issue a certificate without hosts")
	}

	der, certURL, err := s.Client.CreateCert(ctx, csrDER, 0, true)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	if len(der) == 0 {
		return nil, fmt.Errorf("authority returned an empty certificate chain from %s", certURL)
	}

	// The host certificate is first.
	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate: %w", err)
	}
	if err := leaf.VerifyHostname(hosts[0]); err != nil {
		return nil, fmt.Errorf("issued certificate does not cover %s: %w", hosts[0], err)
	}

	chainPEM := new(bytes.Buffer)
	for _, certDER := range der[1:] {
		if err := pem.Encode(chainPEM, &pem.Block{
			Type:  "CERTIFICATE",
			Bytes: certDER,
		}); err != nil {
			return nil, err
		}
	}

	return &CertBundle{
		CertificatePEM: pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: der[0],
		}),
		ChainPEM: chainPEM.Bytes(),
	}, nil
}

// RegisterAccount registers the client's key with the authority under
// the given contact email and accepts the terms of service. No
// certificate is issued.
func (s *Service) RegisterAccount(
	ctx context.Context,
	email string,
) (
	*acme.Account,
	error,
) {
	account := &acme.Account{
		Contact: []string{"mailto:" + email},
	}
	registered, err := s.Client.Register(ctx, account, acme.AcceptTOS)
	if err != nil {
		return nil, fmt.Errorf("registering account: %w", err)
	}
	return registered, nil
}
