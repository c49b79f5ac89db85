// Package globalconf provides the view of the federation shared by all
// security servers: which servers host which clients, where they can be
// reached, and which certificates are trusted.
package globalconf

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
)

var (
	// ErrUnknownClient is returned when no security server hosts a client
	ErrUnknownClient = errors.New("unknown client")
	// ErrUnknownCertificate is returned for certificates not registered in the federation
	ErrUnknownCertificate = errors.New("unknown certificate")
	// ErrNoTrustAnchor is returned when no approved CA issued a certificate
	ErrNoTrustAnchor = errors.New("no trust anchor")
)

// Provider resolves federation wide configuration.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// OwnServer returns the identifier of this security server.
	OwnServer() identifier.SecurityServerID

	// ProviderAddresses returns the addresses of every security server
	// hosting the given client.
	ProviderAddresses(ctx context.Context, client identifier.ClientID) ([]string, error)

	// IsLocalClient reports whether the client is registered on this server.
	IsLocalClient(client identifier.ClientID) bool

	// ServerForAuthCert returns the security server owning the authentication certificate.
	ServerForAuthCert(cert *x509.Certificate) (identifier.SecurityServerID, error)

	// HostsClient reports whether the server is registered to host the client.
	HostsClient(server identifier.SecurityServerID, client identifier.ClientID) bool

	// MemberForSignCert returns the member owning the signing certificate.
	MemberForSignCert(cert *x509.Certificate) (identifier.ClientID, error)

	// TrustAnchor returns the approved CA certificate that issued cert.
	TrustAnchor(cert *x509.Certificate) (*x509.Certificate, error)

	// TSPCertificates returns the approved timestamping authority certificates.
	TSPCertificates() []*x509.Certificate
}

// Server describes a security server registered in the federation.
type Server struct {
	ID       identifier.SecurityServerID
	Address  string
	AuthCert *x509.Certificate
	Clients  []identifier.ClientID
}

// StaticProvider implements Provider from a fixed configuration.
type StaticProvider struct {
	mu        sync.RWMutex
	own       identifier.SecurityServerID
	servers   map[string]*Server // by server id
	authCerts map[string]string  // cert hash -> server id
	signCerts map[string]identifier.ClientID
	anchors   []*x509.Certificate
	tsps      []*x509.Certificate
}

// NewStaticProvider creates an empty provider for the given own server.
func NewStaticProvider(own identifier.SecurityServerID) *StaticProvider {
	return &StaticProvider{
		own:       own,
		servers:   make(map[string]*Server),
		authCerts: make(map[string]string),
		signCerts: make(map[string]identifier.ClientID),
	}
}

// RegisterServer adds or replaces a security server.
func (p *StaticProvider) RegisterServer(s *Server) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := s.ID.String()
	if old, ok := p.servers[key]; ok && old.AuthCert != nil {
		delete(p.authCerts, CertHash(old.AuthCert))
	}
	p.servers[key] = s
	if s.AuthCert != nil {
		p.authCerts[CertHash(s.AuthCert)] = key
	}
}

// RegisterSignCert maps a signing certificate to its member.
func (p *StaticProvider) RegisterSignCert(member identifier.ClientID, cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signCerts[CertHash(cert)] = member.Member()
}

// AddTrustAnchor adds an approved CA certificate.
func (p *StaticProvider) AddTrustAnchor(cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.anchors = append(p.anchors, cert)
}

// AddTSPCertificate adds an approved timestamping authority certificate.
func (p *StaticProvider) AddTSPCertificate(cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tsps = append(p.tsps, cert)
}

// OwnServer implements Provider
func (p *StaticProvider) OwnServer() identifier.SecurityServerID {
	return p.own
}

// ProviderAddresses implements Provider. Addresses are returned sorted.
func (p *StaticProvider) ProviderAddresses(ctx context.Context, client identifier.ClientID) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var addrs []string
	for _, s := range p.servers {
		if s.Address != "" && hosts(s, client) {
			addrs = append(addrs, s.Address)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, client)
	}
	sort.Strings(addrs)
	return addrs, nil
}

// IsLocalClient implements Provider
func (p *StaticProvider) IsLocalClient(client identifier.ClientID) bool {
	return p.HostsClient(p.own, client)
}

// ServerForAuthCert implements Provider
func (p *StaticProvider) ServerForAuthCert(cert *x509.Certificate) (identifier.SecurityServerID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	key, ok := p.authCerts[CertHash(cert)]
	if !ok {
		return identifier.SecurityServerID{}, fmt.Errorf("%w: %s", ErrUnknownCertificate, cert.Subject)
	}
	return p.servers[key].ID, nil
}

// HostsClient implements Provider
func (p *StaticProvider) HostsClient(server identifier.SecurityServerID, client identifier.ClientID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.servers[server.String()]
	return ok && hosts(s, client)
}

// MemberForSignCert implements Provider
func (p *StaticProvider) MemberForSignCert(cert *x509.Certificate) (identifier.ClientID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	member, ok := p.signCerts[CertHash(cert)]
	if !ok {
		return identifier.ClientID{}, fmt.Errorf("%w: %s", ErrUnknownCertificate, cert.Subject)
	}
	return member, nil
}

// TrustAnchor implements Provider
func (p *StaticProvider) TrustAnchor(cert *x509.Certificate) (*x509.Certificate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, anchor := range p.anchors {
		if cert.CheckSignatureFrom(anchor) == nil {
			return anchor, nil
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrNoTrustAnchor, cert.Issuer)
}

// TSPCertificates implements Provider
func (p *StaticProvider) TSPCertificates() []*x509.Certificate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*x509.Certificate(nil), p.tsps...)
}

// Clients returns every client hosted in the federation, sorted
func (p *StaticProvider) Clients() []identifier.ClientID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[identifier.ClientID]bool)
	var out []identifier.ClientID
	for _, s := range p.servers {
		for _, c := range s.Clients {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func hosts(s *Server, client identifier.ClientID) bool {
	for _, c := range s.Clients {
		if c == client {
			return true
		}
	}
	return false
}

// CertHash returns the hex encoded SHA-256 hash of the certificate DER.
func CertHash(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
