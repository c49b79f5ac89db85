// Package keystore provides the keys of the security server
//
// A security server holds two kinds of keys:
//
//   - an authentication key, whose certificate is presented as the TLS
//     client certificate to other security servers
//   - a signing key per member owning a client on the server, used to sign
//     the requests of that member's clients
//
// The Provider interface hides where the keys are kept from the relay.
package keystore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"

	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
	"github.com/nordic-institute/X-Road-sub019/pkg/security"
)

// ErrKeyNotFound is returned when no key file exists
var ErrKeyNotFound = errors.New("key not found")

// Usage tells the role of a key
type Usage string

const (
	UsageAuth Usage = "auth"
	UsageSign Usage = "sign"
)

// Provider provides the keys of the security server
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// MessageSigner returns the signer of a member
	MessageSigner(ctx context.Context, member identifier.ClientID) (*security.DetachedSigner, error)

	// AuthCertificate returns the TLS authentication certificate
	AuthCertificate() (*tls.Certificate, error)

	// ListKeys returns every key the provider holds
	ListKeys(ctx context.Context) ([]KeyInfo, error)

	// Close releases any resources held by the provider.
	Close() error
}

// KeyInfo describes a key
type KeyInfo struct {
	// Usage is the role of the key
	Usage Usage

	// Member owns a signing key; zero for the authentication key
	Member identifier.ClientID

	// Algorithm is the key algorithm (e.g., "RSA", "EC")
	Algorithm string

	// KeySize is the key size in bits (e.g., 2048 for RSA, 256 for P-256)
	KeySize int

	NotBefore time.Time
	NotAfter  time.Time

	// CertificateSubject is the subject DN of the certificate
	CertificateSubject string

	// Certificate and Issuer are used to keep the OCSP status of the key
	// fresh. Issuer is nil when the certificate file holds no chain.
	Certificate *x509.Certificate
	Issuer      *x509.Certificate
}
