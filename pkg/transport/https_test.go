package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestDefaultHTTPSConfig(t *testing.T) {
	config := DefaultHTTPSConfig()

	if config == nil {
		t.Fatal("expected non-nil config")
	}

	if config.MinTLSVersion != TLS12 {
		t.Errorf("expected MinTLSVersion TLS12, got %d", config.MinTLSVersion)
	}
	if config.MaxTLSVersion != TLS13 {
		t.Errorf("expected MaxTLSVersion TLS13, got %d", config.MaxTLSVersion)
	}
	if len(config.CipherSuites) == 0 {
		t.Error("expected CipherSuites to be set")
	}
	if config.ClientAuth != tls.NoClientCert {
		t.Errorf("expected NoClientCert, got %d", config.ClientAuth)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("expected Timeout 30s, got %v", config.Timeout)
	}
	if config.SessionCacheSize == 0 {
		t.Error("expected a session cache size")
	}
}

func TestRecommendedTLS12CipherSuites(t *testing.T) {
	if len(RecommendedTLS12CipherSuites) == 0 {
		t.Error("expected recommended cipher suites to be defined")
	}

	for _, suite := range RecommendedTLS12CipherSuites {
		name := tls.CipherSuiteName(suite)
		if name == "" {
			t.Errorf("unknown cipher suite: %d", suite)
		}
	}
}

func TestClientTLSConfig(t *testing.T) {
	config := DefaultHTTPSConfig()
	cfg := config.ClientTLSConfig()

	if cfg.MinVersion != TLS12 {
		t.Errorf("expected MinVersion TLS12, got %d", cfg.MinVersion)
	}
	if cfg.ClientSessionCache == nil {
		t.Error("expected a client session cache")
	}

	config.SessionCacheSize = 0
	if config.ClientTLSConfig().ClientSessionCache != nil {
		t.Error("expected no session cache")
	}
}

func TestServerTLSConfig(t *testing.T) {
	config := &HTTPSConfig{
		MinTLSVersion: TLS13,
		ClientAuth:    tls.RequireAnyClientCert,
	}
	cfg := config.ServerTLSConfig()
	if cfg.MinVersion != TLS13 {
		t.Error("expected custom MinVersion")
	}
	if cfg.ClientAuth != tls.RequireAnyClientCert {
		t.Error("expected ClientAuth to be carried over")
	}
}

func TestNewHTTPSClient_NilConfig(t *testing.T) {
	client := NewHTTPSClient(nil)

	if client == nil {
		t.Fatal("expected non-nil client")
	}
	if client.Timeout != 30*time.Second {
		t.Errorf("expected default timeout, got %v", client.Timeout)
	}
	tr, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if !tr.TLSClientConfig.InsecureSkipVerify {
		t.Error("expected verification to be left to the caller without RootCAs")
	}
}

func TestHTTPSServer_ServePlain(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := NewHTTPSServer(l.Addr().String(), &HTTPSConfig{Timeout: time.Second}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	done := make(chan error, 1)
	go func() { done <- server.Serve(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("unexpected body %q", body)
	}

	if err := server.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-done; err != http.ErrServerClosed {
		t.Errorf("expected ErrServerClosed, got %v", err)
	}
}

func TestTLSConstants(t *testing.T) {
	if TLS12 != tls.VersionTLS12 {
		t.Errorf("TLS12 constant mismatch")
	}
	if TLS13 != tls.VersionTLS13 {
		t.Errorf("TLS13 constant mismatch")
	}
}
