package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
)

// ErrHandshake wraps TLS handshake failures
var ErrHandshake = errors.New("TLS handshake failed")

// PeerVerifier establishes trust in a peer after the handshake
type PeerVerifier interface {
	Verify(ctx context.Context, addr string, chain []*x509.Certificate, service identifier.ServiceID) error
}

// Connector opens verified TLS connections to the security server hosting
// a service.
type Connector struct {
	racer    *Racer
	tls      *tls.Config
	verifier PeerVerifier
	timeout  time.Duration
}

// NewConnector creates a connector. The TLS config supplies the client
// certificate and session cache; peer certificates are checked by verifier
// instead of the standard verification.
func NewConnector(racer *Racer, tlsConfig *tls.Config, verifier PeerVerifier, timeout time.Duration) *Connector {
	cfg := tlsConfig.Clone()
	cfg.InsecureSkipVerify = true
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Connector{racer: racer, tls: cfg, verifier: verifier, timeout: timeout}
}

// Conn is a verified connection to a peer security server
type Conn struct {
	Address string
	conn    *tls.Conn
	reader  *bufio.Reader
}

// Connect races the addresses, performs the TLS handshake and verifies the
// peer for service. Errors are *ConnectFailure, wrap ErrHandshake, or come
// from the verifier.
func (c *Connector) Connect(ctx context.Context, addresses []string, service identifier.ServiceID) (*Conn, error) {
	si, err := c.racer.Select(ctx, addresses, c.timeout)
	if err != nil {
		return nil, err
	}

	cfg := c.tls.Clone()
	cfg.ServerName = SessionKey(si.Address)
	tlsConn := tls.Client(si.Conn, cfg)

	hsCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		si.Conn.Close()
		return nil, fmt.Errorf("%w with %s: %v", ErrHandshake, si.Address, err)
	}

	chain := tlsConn.ConnectionState().PeerCertificates
	if err := c.verifier.Verify(ctx, si.Address, chain, service); err != nil {
		tlsConn.Close()
		return nil, err
	}

	return &Conn{Address: si.Address, conn: tlsConn, reader: bufio.NewReader(tlsConn)}, nil
}

// RoundTrip writes req on the connection and reads the response. The
// response body reads from the connection; Close the Conn after consuming it.
func (c *Conn) RoundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if req.URL.Host == "" {
		req.URL.Host = c.Address
	}
	if req.Host == "" {
		req.Host = c.Address
	}
	if err := req.Write(c.conn); err != nil {
		return nil, fmt.Errorf("writing request to %s: %w", c.Address, err)
	}
	resp, err := http.ReadResponse(c.reader, req)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", c.Address, err)
	}
	return resp, nil
}

// PeerCertificates returns the verified chain presented by the peer
func (c *Conn) PeerCertificates() []*x509.Certificate {
	return c.conn.ConnectionState().PeerCertificates
}

// Close closes the connection
func (c *Conn) Close() error {
	return c.conn.Close()
}
