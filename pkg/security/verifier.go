package security

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/internal/metrics"
	"github.com/nordic-institute/X-Road-sub019/pkg/globalconf"
	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
)

// VerifierConfig configures a Verifier
type VerifierConfig struct {
	// Freshness bounds the age of accepted OCSP responses
	Freshness time.Duration
	// Cache holds fetched OCSP responses, an in-process LRU when nil
	Cache StatusCache
	// Peers fetches statuses in batch from the peer security server
	Peers *PeerStatusClient
	// Responders fetches statuses from the certificate's OCSP responder when
	// the peer batch fails, nil disables the fallback
	Responders *ResponderClient
	Logger     *zap.Logger
	Metrics    *metrics.Recorder
}

// Verifier establishes trust in peer security servers and message signers.
type Verifier struct {
	conf       globalconf.Provider
	cache      StatusCache
	peers      *PeerStatusClient
	responders *ResponderClient
	freshness  time.Duration
	logger     *zap.Logger
	metrics    *metrics.Recorder
	now        func() time.Time
}

// NewVerifier creates a verifier backed by global configuration.
func NewVerifier(conf globalconf.Provider, cfg VerifierConfig) *Verifier {
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFreshness
	}
	if cfg.Cache == nil {
		cfg.Cache = NewLRUStatusCache(4096, cfg.Freshness)
	}
	if cfg.Peers == nil {
		cfg.Peers = NewPeerStatusClient(nil, "")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Verifier{
		conf:       conf,
		cache:      cfg.Cache,
		peers:      cfg.Peers,
		responders: cfg.Responders,
		freshness:  cfg.Freshness,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
}

// chainLink is a certificate with the certificate that issued it.
type chainLink struct {
	cert   *x509.Certificate
	issuer *x509.Certificate
	hash   string
}

// Verify checks the certificate chain presented by the security server at
// addr and binds it to the service being called. On failure the error is an
// *AuthFailure.
func (v *Verifier) Verify(ctx context.Context, addr string, chain []*x509.Certificate, service identifier.ServiceID) error {
	err := v.verify(ctx, addr, chain, service)
	var af *AuthFailure
	if errors.As(err, &af) {
		v.metrics.ObserveVerifyFailure(string(af.Reason))
	}
	return err
}

func (v *Verifier) verify(ctx context.Context, addr string, chain []*x509.Certificate, service identifier.ServiceID) error {
	if len(chain) == 0 {
		return ErrNoPeerCerts
	}
	leaf := chain[0]

	links, anchor, err := v.buildChain(chain)
	if err != nil {
		return err
	}

	intermediates := make([]*x509.Certificate, 0, len(links)-1)
	for _, l := range links[1:] {
		intermediates = append(intermediates, l.cert)
	}
	if err := ValidateChain(leaf, intermediates, anchor, "", v.now()); err != nil {
		return authFailure(ReasonInvalidChain, err)
	}

	if err := v.checkStatuses(ctx, addr, links, nil); err != nil {
		return err
	}

	server, err := v.conf.ServerForAuthCert(leaf)
	if err != nil {
		return authFailure(ReasonIdentityMismatch, err)
	}
	if !v.conf.HostsClient(server, service.Client) {
		return authFailure(ReasonIdentityMismatch,
			fmt.Errorf("server %s does not host %s", server, service.Client))
	}

	v.logger.Debug("peer verified",
		zap.String("server", server.String()),
		zap.String("service", service.String()))
	return nil
}

// VerifySigner checks that a message signing certificate chains to a trust
// anchor, is not revoked and belongs to member. ocspResponses are statuses
// carried along with the message; they are tried before the cache and the
// certificate's responder.
func (v *Verifier) VerifySigner(ctx context.Context, cert *x509.Certificate, member identifier.ClientID, ocspResponses [][]byte) error {
	links, anchor, err := v.buildChain([]*x509.Certificate{cert})
	if err != nil {
		return err
	}
	if err := ValidateChain(cert, nil, anchor, PurposeSigning, v.now()); err != nil {
		return authFailure(ReasonInvalidChain, err)
	}
	if err := v.checkStatuses(ctx, "", links, ocspResponses); err != nil {
		return err
	}

	owner, err := v.conf.MemberForSignCert(cert)
	if err != nil {
		return authFailure(ReasonIdentityMismatch, err)
	}
	if owner != member.Member() {
		return authFailure(ReasonIdentityMismatch,
			fmt.Errorf("signer %s is not %s", owner, member.Member()))
	}
	return nil
}

// buildChain returns the presented chain up to the first certificate issued
// by a trust anchor, and that anchor. A presented anchor is never used.
func (v *Verifier) buildChain(chain []*x509.Certificate) ([]chainLink, *x509.Certificate, error) {
	var links []chainLink
	for i, cert := range chain {
		anchor, err := v.conf.TrustAnchor(cert)
		if err == nil && !anchor.Equal(cert) {
			links = append(links, chainLink{cert: cert, issuer: anchor, hash: globalconf.CertHash(cert)})
			return links, anchor, nil
		}
		if err == nil || i+1 == len(chain) {
			break
		}
		links = append(links, chainLink{cert: cert, issuer: chain[i+1], hash: globalconf.CertHash(cert)})
	}
	return nil, nil, authFailure(ReasonNoTrustAnchor, fmt.Errorf("issuer %s", chain[0].Issuer))
}

// checkStatuses ensures every link has a fresh good OCSP status. Cached and
// supplied responses are used first, the remaining ones are fetched from the
// peer at addr in one request and then from the certificates' responders.
func (v *Verifier) checkStatuses(ctx context.Context, addr string, links []chainLink, supplied [][]byte) error {
	now := v.now()
	var missing []chainLink

	for _, l := range links {
		err := v.fromSupplied(ctx, l, supplied, now)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrCertificateRevoked) {
			return authFailure(ReasonRevoked, fmt.Errorf("%s: %w", l.cert.Subject, err))
		}

		if der, ok := v.cache.Get(ctx, l.hash); ok {
			err := CheckResponse(der, l.cert, l.issuer, v.freshness, now)
			if err == nil {
				v.metrics.ObserveRevocationCacheHit()
				continue
			}
			if errors.Is(err, ErrCertificateRevoked) {
				return authFailure(ReasonRevoked, fmt.Errorf("%s: %w", l.cert.Subject, err))
			}
		}
		missing = append(missing, l)
	}
	if len(missing) == 0 {
		return nil
	}

	fetched := v.fetchFromPeer(ctx, addr, missing)
	for i, l := range missing {
		der := fetched[i]
		var err error
		if der != nil {
			err = CheckResponse(der, l.cert, l.issuer, v.freshness, now)
		}
		if der == nil || (err != nil && !errors.Is(err, ErrCertificateRevoked)) {
			der, err = v.fetchFromResponder(ctx, l, now)
		}
		if errors.Is(err, ErrCertificateRevoked) {
			return authFailure(ReasonRevoked, fmt.Errorf("%s: %w", l.cert.Subject, err))
		}
		if err != nil {
			return authFailure(ReasonStatusUnavailable, fmt.Errorf("%s: %w", l.cert.Subject, err))
		}
		v.cache.Set(ctx, l.hash, der)
	}
	return nil
}

func (v *Verifier) fromSupplied(ctx context.Context, l chainLink, supplied [][]byte, now time.Time) error {
	err := ErrUnknownStatus
	for _, der := range supplied {
		err = CheckResponse(der, l.cert, l.issuer, v.freshness, now)
		if err == nil {
			v.cache.Set(ctx, l.hash, der)
			return nil
		}
		if errors.Is(err, ErrCertificateRevoked) {
			return err
		}
	}
	return err
}

// fetchFromPeer returns one entry per link, nil where nothing was fetched.
func (v *Verifier) fetchFromPeer(ctx context.Context, addr string, links []chainLink) [][]byte {
	out := make([][]byte, len(links))
	if addr == "" {
		return out
	}

	hashes := make([]string, len(links))
	for i, l := range links {
		hashes[i] = l.hash
	}
	ders, err := v.peers.Fetch(ctx, addr, hashes)
	v.metrics.ObserveRevocationFetch("peer", err)
	if err != nil {
		v.logger.Warn("batched OCSP fetch failed", zap.String("peer", addr), zap.Error(err))
		return out
	}
	copy(out, ders)
	return out
}

func (v *Verifier) fetchFromResponder(ctx context.Context, l chainLink, now time.Time) ([]byte, error) {
	if v.responders == nil {
		return nil, errors.New("no OCSP response available")
	}
	der, err := v.responders.Fetch(ctx, l.cert, l.issuer)
	v.metrics.ObserveRevocationFetch("responder", err)
	if err != nil {
		return nil, err
	}
	if err := CheckResponse(der, l.cert, l.issuer, v.freshness, now); err != nil {
		return nil, err
	}
	return der, nil
}
