// Package timestamp implements an RFC 3161 time-stamp protocol client and
// a minimal time-stamp authority.
package timestamp

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"go.mozilla.org/pkcs7"
	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/pkg/digest"
)

// Content types of the HTTP transport
const (
	ContentTypeQuery = "application/timestamp-query"
	ContentTypeReply = "application/timestamp-reply"
)

var (
	// ErrNoURLs is returned when no time-stamp authority is configured
	ErrNoURLs = errors.New("no timestamping provider configured")
	// ErrNotGranted is returned when the authority refuses the request
	ErrNotGranted = errors.New("timestamp not granted")
	// ErrInvalidToken is returned for tokens failing verification
	ErrInvalidToken = errors.New("invalid timestamp token")
)

// Token is a verified time-stamp token.
type Token struct {
	// DER is the CMS SignedData ContentInfo as returned by the authority.
	DER          []byte
	GenTime      time.Time
	SerialNumber *big.Int
	SignerCert   *x509.Certificate
}

// TrustFunc returns the certificates a token signer must chain to.
type TrustFunc func() []*x509.Certificate

// Client requests time-stamps from a list of authorities.
type Client struct {
	urls       []string
	alg        digest.Algorithm
	trust      TrustFunc
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a client that tries urls in order.
func NewClient(urls []string, alg digest.Algorithm, trust TrustFunc, opts ...Option) *Client {
	c := &Client{
		urls:       urls,
		alg:        alg,
		trust:      trust,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URLs returns the configured authority URLs.
func (c *Client) URLs() []string { return c.urls }

// Timestamp obtains a token over a precomputed hash. Authorities are tried
// in order until one returns a valid token; the last error is returned if
// all fail.
func (c *Client) Timestamp(ctx context.Context, hashed []byte) (*Token, error) {
	if len(c.urls) == 0 {
		return nil, ErrNoURLs
	}

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	req, err := NewRequest(c.alg, hashed, nonce)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, url := range c.urls {
		token, err := c.timestampAt(ctx, url, req, hashed, nonce)
		if err == nil {
			return token, nil
		}
		c.logger.Warn("timestamping failed", zap.String("url", url), zap.Error(err))
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("all timestamping providers failed: %w", lastErr)
}

func (c *Client) timestampAt(ctx context.Context, url string, body, hashed []byte, nonce *big.Int) (*Token, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", ContentTypeQuery)
	httpReq.Header.Set("Accept", ContentTypeReply)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending timestamp request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("timestamp server returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading timestamp response: %w", err)
	}

	return ParseResponse(data, c.alg, hashed, nonce, c.trustPool())
}

func (c *Client) trustPool() *x509.CertPool {
	pool := x509.NewCertPool()
	if c.trust != nil {
		for _, cert := range c.trust() {
			pool.AddCert(cert)
		}
	}
	return pool
}

// NewRequest encodes a TimeStampReq over a precomputed hash. The request
// always asks for the signer certificate to be embedded in the token.
func NewRequest(alg digest.Algorithm, hashed []byte, nonce *big.Int) ([]byte, error) {
	if len(hashed) != alg.Hash.Size() {
		return nil, fmt.Errorf("hash length %d does not match %s", len(hashed), alg.Name)
	}
	return asn1.Marshal(timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: alg.OID, Parameters: asn1.NullRawValue},
			HashedMessage: hashed,
		},
		Nonce:   nonce,
		CertReq: true,
	})
}

// ParseResponse decodes and verifies a TimeStampResp. The status must be
// granted or grantedWithMods, the imprint and nonce must match the request
// and the token signer must chain to the trust pool.
func ParseResponse(data []byte, alg digest.Algorithm, hashed []byte, nonce *big.Int, trust *x509.CertPool) (*Token, error) {
	var resp timeStampResp
	if rest, err := asn1.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding timestamp response: %w", err)
	} else if len(rest) > 0 {
		return nil, errors.New("trailing data after timestamp response")
	}

	if s := resp.Status.Status; s != StatusGranted && s != StatusGrantedWithMods {
		return nil, fmt.Errorf("%w: status %s", ErrNotGranted, statusText(s))
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: response carries no token", ErrInvalidToken)
	}

	token, info, err := verifyToken(resp.TimeStampToken.FullBytes, trust)
	if err != nil {
		return nil, err
	}
	if !info.MessageImprint.HashAlgorithm.Algorithm.Equal(alg.OID) ||
		!bytes.Equal(info.MessageImprint.HashedMessage, hashed) {
		return nil, fmt.Errorf("%w: message imprint mismatch", ErrInvalidToken)
	}
	if nonce != nil && (info.Nonce == nil || info.Nonce.Cmp(nonce) != 0) {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrInvalidToken)
	}
	return token, nil
}

// VerifyToken checks the signature of a token and the chain of its
// embedded signer certificate.
func VerifyToken(der []byte, trust *x509.CertPool) (*Token, error) {
	token, _, err := verifyToken(der, trust)
	return token, err
}

func verifyToken(der []byte, trust *x509.CertPool) (*Token, *tstInfo, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, nil, fmt.Errorf("%w: signer certificate not embedded", ErrInvalidToken)
	}
	if err := p7.VerifyWithChain(trust); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var info tstInfo
	if _, err := asn1.Unmarshal(p7.Content, &info); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding TSTInfo: %v", ErrInvalidToken, err)
	}
	return &Token{
		DER:          der,
		GenTime:      info.GenTime,
		SerialNumber: info.SerialNumber,
		SignerCert:   signer,
	}, &info, nil
}
