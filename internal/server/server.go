// Package server provides the HTTP servers of the security server.
//
// # Client facing endpoint
//
// Served to information systems, plain HTTP:
//
//   - POST /       - relay a SOAP request to the provider's security server
//   - GET /healthz - liveness probe
//   - GET /readyz  - readiness probe, runs every registered Check
//   - GET /metrics - Prometheus metrics (if enabled)
//
// # Server facing endpoint
//
// Served to other security servers over TLS with the authentication
// certificate:
//
//   - GET /ocsp?certHash=... - OCSP responses of this server's certificates
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/pkg/security"
	"github.com/nordic-institute/X-Road-sub019/pkg/transport"
)

// Check is a readiness check
type Check struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config holds the listen settings
type Config struct {
	ClientAddr        string
	ServerAddr        string
	ReadHeaderTimeout time.Duration
	MetricsPath       string
}

// Handlers are the endpoints served
type Handlers struct {
	// Relay serves POST /
	Relay http.Handler
	// Status serves GET /ocsp, nil disables the server facing endpoint
	Status http.Handler
	// Metrics serves the metrics path, nil disables it
	Metrics http.Handler
}

// Server runs the client and server facing HTTP servers
type Server struct {
	logger *zap.Logger
	checks []Check

	clientSrv  *http.Server
	serverSrv  *transport.HTTPSServer
	serverAddr string

	mu        sync.Mutex
	listeners []net.Listener
}

// New creates the servers. authCert is presented on the server facing
// endpoint.
func New(cfg Config, h Handlers, authCert *tls.Certificate, logger *zap.Logger, checks ...Check) (*Server, error) {
	if h.Relay == nil {
		return nil, errors.New("server: relay handler required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{logger: logger, checks: checks}

	mux := http.NewServeMux()
	mux.Handle("/{$}", h.Relay)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if h.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, h.Metrics)
	}
	s.clientSrv = &http.Server{
		Addr:              cfg.ClientAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}

	if h.Status != nil {
		if authCert == nil {
			return nil, errors.New("server: authentication certificate required for the status endpoint")
		}
		smux := http.NewServeMux()
		smux.Handle("GET "+security.StatusPath, h.Status)

		hc := transport.DefaultHTTPSConfig()
		hc.Certificates = []tls.Certificate{*authCert}
		hc.ClientAuth = tls.RequestClientCert
		if cfg.ReadHeaderTimeout > 0 {
			hc.Timeout = cfg.ReadHeaderTimeout
		}
		s.serverSrv = transport.NewHTTPSServer(cfg.ServerAddr, hc, smux)
		s.serverAddr = cfg.ServerAddr
	}
	return s, nil
}

// ClientHandler returns the handler of the client facing endpoint
func (s *Server) ClientHandler() http.Handler { return s.clientSrv.Handler }

// Start listens on the configured addresses and serves in the background.
// Errors of a running server are sent to errc.
func (s *Server) Start(errc chan<- error) error {
	cl, err := net.Listen("tcp", s.clientSrv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.clientSrv.Addr, err)
	}
	s.track(cl)
	s.logger.Info("client endpoint listening", zap.String("addr", cl.Addr().String()))
	go s.serve(errc, func() error { return s.clientSrv.Serve(cl) })

	if s.serverSrv == nil {
		return nil
	}
	sl, err := net.Listen("tcp", s.serverAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.serverAddr, err)
	}
	s.track(sl)
	s.logger.Info("server endpoint listening", zap.String("addr", sl.Addr().String()))
	go s.serve(errc, func() error { return s.serverSrv.Serve(sl) })
	return nil
}

// Addrs returns the bound addresses, client endpoint first
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (s *Server) track(l net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Server) serve(errc chan<- error, serve func() error) {
	if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		select {
		case errc <- err:
		default:
			s.logger.Error("server failed", zap.Error(err))
		}
	}
}

// Shutdown gracefully stops both servers
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.clientSrv.Shutdown(ctx)
	if s.serverSrv != nil {
		err = errors.Join(err, s.serverSrv.Shutdown(ctx))
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("not ready", zap.Any("failed", failed))
		s.jsonResponse(w, map[string]any{"status": "not ready", "failed": failed}, http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("writing response", zap.Error(err))
	}
}
