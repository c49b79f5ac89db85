package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/ocsp"

	"github.com/nordic-institute/X-Road-sub019/pkg/globalconf"
	"github.com/nordic-institute/X-Road-sub019/pkg/mime"
)

var (
	// ErrInvalidStatus is returned for OCSP responses that fail parsing or signature checks
	ErrInvalidStatus = errors.New("invalid OCSP response")
	// ErrStaleStatus is returned for OCSP responses older than the freshness bound
	ErrStaleStatus = errors.New("OCSP response is not fresh")
	// ErrUnknownStatus is returned when the responder does not know the certificate
	ErrUnknownStatus = errors.New("OCSP status unknown")
)

// DefaultFreshness bounds the age of an accepted OCSP response.
const DefaultFreshness = time.Hour

const maxClockSkew = 5 * time.Minute

// CheckResponse validates a DER OCSP response for cert against its issuer.
// It returns nil for a fresh good status and ErrCertificateRevoked for a
// revoked one.
func CheckResponse(der []byte, cert, issuer *x509.Certificate, freshness time.Duration, now time.Time) error {
	resp, err := ocsp.ParseResponseForCert(der, cert, issuer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	}
	if resp.ThisUpdate.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("%w: issued in the future", ErrInvalidStatus)
	}
	if freshness > 0 && now.Sub(resp.ThisUpdate) > freshness {
		return fmt.Errorf("%w: produced %s", ErrStaleStatus, resp.ThisUpdate.Format(time.RFC3339))
	}
	if !resp.NextUpdate.IsZero() && now.After(resp.NextUpdate) {
		return fmt.Errorf("%w: next update was %s", ErrStaleStatus, resp.NextUpdate.Format(time.RFC3339))
	}

	switch resp.Status {
	case ocsp.Good:
		return nil
	case ocsp.Revoked:
		return ErrCertificateRevoked
	case ocsp.Unknown:
		return ErrUnknownStatus
	default:
		return fmt.Errorf("unexpected OCSP status: %d", resp.Status)
	}
}

// StatusCache stores DER OCSP responses keyed by certificate hash.
//
// Implementations must be safe for concurrent use. Entries are validated on
// every read, the cache only saves the fetch.
type StatusCache interface {
	Get(ctx context.Context, certHash string) ([]byte, bool)
	Set(ctx context.Context, certHash string, der []byte)
}

// LRUStatusCache is an in-process StatusCache.
type LRUStatusCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewLRUStatusCache creates a cache of at most size entries, each kept for ttl.
func NewLRUStatusCache(size int, ttl time.Duration) *LRUStatusCache {
	if size <= 0 {
		size = 1024
	}
	return &LRUStatusCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Get implements StatusCache
func (c *LRUStatusCache) Get(_ context.Context, certHash string) ([]byte, bool) {
	return c.lru.Get(certHash)
}

// Set implements StatusCache
func (c *LRUStatusCache) Set(_ context.Context, certHash string, der []byte) {
	c.lru.Add(certHash, der)
}

// ResponderClient fetches OCSP responses from the responder named in a
// certificate.
type ResponderClient struct {
	httpClient *http.Client
}

// NewResponderClient creates a responder client. A nil client gets a 10s timeout.
func NewResponderClient(client *http.Client) *ResponderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ResponderClient{httpClient: client}
}

// Fetch returns the raw OCSP response for cert.
func (c *ResponderClient) Fetch(ctx context.Context, cert, issuer *x509.Certificate) ([]byte, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, fmt.Errorf("no OCSP server URL in certificate")
	}

	ocspRequest, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{
		Hash: crypto.SHA256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	var lastErr error
	for _, ocspURL := range cert.OCSPServer {
		resp, err := c.doOCSPRequest(ctx, ocspURL, ocspRequest)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("OCSP request failed: %w", lastErr)
}

// doOCSPRequest performs the HTTP request to OCSP server
func (c *ResponderClient) doOCSPRequest(ctx context.Context, ocspURL string, request []byte) ([]byte, error) {
	// Try POST first
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ocspURL, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", mime.ContentTypeOCSPResponse)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// Try GET as fallback
		return c.doOCSPGET(ctx, ocspURL, request)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.doOCSPGET(ctx, ocspURL, request)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// doOCSPGET performs OCSP request via HTTP GET
func (c *ResponderClient) doOCSPGET(ctx context.Context, ocspURL string, request []byte) ([]byte, error) {
	encoded := base64.StdEncoding.EncodeToString(request)
	reqURL := ocspURL + "/" + url.PathEscape(encoded)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", mime.ContentTypeOCSPResponse)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCSP server returned status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// PeerStatusClient fetches the OCSP responses a security server holds for
// its own certificates, many at once.
type PeerStatusClient struct {
	httpClient *http.Client
	scheme     string
}

// NewPeerStatusClient creates a batch status client. scheme defaults to https.
func NewPeerStatusClient(client *http.Client, scheme string) *PeerStatusClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if scheme == "" {
		scheme = "https"
	}
	return &PeerStatusClient{httpClient: client, scheme: scheme}
}

// StatusPath is the path of the batch status endpoint
const StatusPath = "/ocsp"

// Fetch requests the statuses of the given certificate hashes from the
// security server at addr. The result has one response per hash, in order.
func (c *PeerStatusClient) Fetch(ctx context.Context, addr string, certHashes []string) ([][]byte, error) {
	query := url.Values{}
	for _, h := range certHashes {
		query.Add("certHash", h)
	}
	u := url.URL{Scheme: c.scheme, Host: addr, Path: StatusPath, RawQuery: query.Encode()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching statuses from %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint %s returned %d", addr, resp.StatusCode)
	}

	msg, err := mime.Parse(resp.Body, resp.Header.Get("Content-Type"), 1<<20)
	if err != nil {
		return nil, fmt.Errorf("parsing status response: %w", err)
	}
	parts := msg.PartsByType(mime.ContentTypeOCSPResponse)
	if len(parts) != len(certHashes) {
		return nil, fmt.Errorf("status endpoint %s returned %d responses for %d certificates", addr, len(parts), len(certHashes))
	}

	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = p.Data
	}
	return out, nil
}

// LocalStatusProvider serves the statuses of this server's own certificates,
// fetching from their responders on cache miss.
type LocalStatusProvider struct {
	responder *ResponderClient
	cache     StatusCache
	freshness time.Duration
	certs     map[string][2]*x509.Certificate // hash -> cert, issuer
	now       func() time.Time
}

// NewLocalStatusProvider creates a provider for the certificates added with Add.
func NewLocalStatusProvider(responder *ResponderClient, cache StatusCache, freshness time.Duration) *LocalStatusProvider {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	if cache == nil {
		cache = NewLRUStatusCache(64, freshness)
	}
	return &LocalStatusProvider{
		responder: responder,
		cache:     cache,
		freshness: freshness,
		certs:     make(map[string][2]*x509.Certificate),
		now:       time.Now,
	}
}

// Add registers a certificate and its issuer. Not safe to call concurrently
// with Status.
func (p *LocalStatusProvider) Add(cert, issuer *x509.Certificate) {
	p.certs[globalconf.CertHash(cert)] = [2]*x509.Certificate{cert, issuer}
}

// Status returns a fresh OCSP response for the certificate with the given hash.
func (p *LocalStatusProvider) Status(ctx context.Context, certHash string) ([]byte, error) {
	pair, ok := p.certs[certHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", globalconf.ErrUnknownCertificate, certHash)
	}
	cert, issuer := pair[0], pair[1]

	if der, ok := p.cache.Get(ctx, certHash); ok {
		if err := CheckResponse(der, cert, issuer, p.freshness, p.now()); err == nil {
			return der, nil
		}
	}

	der, err := p.responder.Fetch(ctx, cert, issuer)
	if err != nil {
		return nil, err
	}
	if err := CheckResponse(der, cert, issuer, p.freshness, p.now()); err != nil {
		return nil, err
	}
	p.cache.Set(ctx, certHash, der)
	return der, nil
}

// StatusHandler serves GET /ocsp?certHash=... from a LocalStatusProvider.
func StatusHandler(p *LocalStatusProvider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		hashes := r.URL.Query()["certHash"]
		if len(hashes) == 0 {
			http.Error(w, "certHash is required", http.StatusBadRequest)
			return
		}

		parts := make([]mime.Part, 0, len(hashes))
		for _, h := range hashes {
			der, err := p.Status(r.Context(), h)
			if errors.Is(err, globalconf.ErrUnknownCertificate) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			parts = append(parts, mime.Part{ContentType: mime.ContentTypeOCSPResponse, Data: der})
		}

		body, contentType, err := mime.NewMessage(parts).Serialize()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})
}
