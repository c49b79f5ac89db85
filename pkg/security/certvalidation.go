package security

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCertificateExpired is returned when a certificate has expired
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when a certificate is not yet valid
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	// ErrCertificateUntrusted is returned when a certificate is not trusted
	ErrCertificateUntrusted = errors.New("certificate is not trusted")
	// ErrCertificateRevoked is returned when a certificate has been revoked
	ErrCertificateRevoked = errors.New("certificate has been revoked")
	// ErrInvalidCertificate is returned for other certificate validation failures
	ErrInvalidCertificate = errors.New("certificate validation failed")
)

// Certificate purposes understood by ValidateChain
const (
	PurposeTLSServer = "tls-server"
	PurposeTLSClient = "tls-client"
	PurposeSigning   = "signing"
)

// ValidateChain verifies that leaf chains to anchor through intermediates.
// The anchor is the only root; it is never taken from the presented chain.
func ValidateChain(leaf *x509.Certificate, intermediates []*x509.Certificate, anchor *x509.Certificate, purpose string, now time.Time) error {
	if leaf == nil || anchor == nil {
		return fmt.Errorf("%w: missing certificate", ErrInvalidCertificate)
	}

	// Check expiration
	if now.Before(leaf.NotBefore) {
		return ErrCertificateNotYetValid
	}
	if now.After(leaf.NotAfter) {
		return ErrCertificateExpired
	}

	roots := x509.NewCertPool()
	roots.AddCert(anchor)

	opts := x509.VerifyOptions{
		Roots:         roots,
		CurrentTime:   now,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, intermediate := range intermediates {
		opts.Intermediates.AddCert(intermediate)
	}

	// Map purpose to key usage if provided
	switch purpose {
	case PurposeTLSServer:
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case PurposeTLSClient:
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	return nil
}
