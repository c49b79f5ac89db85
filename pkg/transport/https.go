package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"time"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// RecommendedTLS12CipherSuites are the TLS 1.2 suites offered between security servers
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// HTTPSConfig contains HTTPS client/server configuration
type HTTPSConfig struct {
	MinTLSVersion    uint16
	MaxTLSVersion    uint16
	CipherSuites     []uint16
	ClientAuth       tls.ClientAuthType
	Certificates     []tls.Certificate
	RootCAs          *x509.CertPool
	ClientCAs        *x509.CertPool
	Timeout          time.Duration
	IdleConnTimeout  time.Duration
	SessionCacheSize int
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:    TLS12,
		MaxTLSVersion:    TLS13,
		CipherSuites:     RecommendedTLS12CipherSuites,
		ClientAuth:       tls.NoClientCert,
		Timeout:          30 * time.Second,
		IdleConnTimeout:  90 * time.Second,
		SessionCacheSize: 256,
	}
}

// ClientTLSConfig builds the TLS client configuration. The session cache is
// shared with the Racer so live sessions can be found before dialing.
func (c *HTTPSConfig) ClientTLSConfig() *tls.Config {
	cfg := &tls.Config{
		MinVersion:   c.MinTLSVersion,
		MaxVersion:   c.MaxTLSVersion,
		CipherSuites: c.CipherSuites,
		Certificates: c.Certificates,
		RootCAs:      c.RootCAs,
	}
	if c.SessionCacheSize > 0 {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(c.SessionCacheSize)
	}
	return cfg
}

// ServerTLSConfig builds the TLS server configuration
func (c *HTTPSConfig) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   c.MinTLSVersion,
		MaxVersion:   c.MaxTLSVersion,
		CipherSuites: c.CipherSuites,
		Certificates: c.Certificates,
		ClientCAs:    c.ClientCAs,
		ClientAuth:   c.ClientAuth,
	}
}

// NewHTTPSClient creates an HTTP client presenting the configured
// certificates. Peer certificates are not verified by the client when
// RootCAs is nil; callers check the content they receive.
func NewHTTPSClient(config *HTTPSConfig) *http.Client {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	tlsConfig := config.ClientTLSConfig()
	tlsConfig.InsecureSkipVerify = config.RootCAs == nil

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}
}

// HTTPSServer serves a handler over TLS, or plain HTTP when no certificate
// is configured.
type HTTPSServer struct {
	server *http.Server
	config *HTTPSConfig
}

// NewHTTPSServer creates a new server
func NewHTTPSServer(addr string, config *HTTPSConfig, handler http.Handler) *HTTPSServer {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	return &HTTPSServer{
		config: config,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			TLSConfig:         config.ServerTLSConfig(),
			ReadHeaderTimeout: config.Timeout,
			IdleTimeout:       config.IdleConnTimeout,
		},
	}
}

// Serve accepts connections on l until Shutdown
func (s *HTTPSServer) Serve(l net.Listener) error {
	if len(s.config.Certificates) == 0 {
		return s.server.Serve(l)
	}
	return s.server.ServeTLS(l, "", "")
}

// Start listens on the configured address and serves
func (s *HTTPSServer) Start() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	return s.Serve(l)
}

// Shutdown gracefully shuts down the server
func (s *HTTPSServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
