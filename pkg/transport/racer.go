package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/internal/metrics"
)

var (
	// ErrNoAddresses is returned when Select is called without candidates
	ErrNoAddresses = errors.New("no addresses to connect to")
	// ErrConnectFailed matches every *ConnectFailure
	ErrConnectFailed = errors.New("could not connect to any target host")
)

const (
	// DefaultCachedTimeout bounds the dial to a previously selected address
	DefaultCachedTimeout = 5 * time.Second
	minRaceTimeout       = 5 * time.Second
)

// SocketInfo is an open connection and the address it was opened to. The
// caller owns Conn.
type SocketInfo struct {
	Address string
	Conn    net.Conn
}

// Attempt is one failed connection attempt
type Attempt struct {
	Address string
	Err     error
}

// ConnectFailure lists every failed attempt of a Select call. It is a
// temporary network error.
type ConnectFailure struct {
	Attempts []Attempt
}

func (e *ConnectFailure) Error() string {
	var b strings.Builder
	b.WriteString(ErrConnectFailed.Error())
	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", a.Address, a.Err)
	}
	return b.String()
}

// Is reports whether target is ErrConnectFailed
func (e *ConnectFailure) Is(target error) bool { return target == ErrConnectFailed }

// Temporary reports that a later retry may succeed
func (e *ConnectFailure) Temporary() bool { return true }

// Timeout reports whether every attempt timed out
func (e *ConnectFailure) Timeout() bool {
	for _, a := range e.Attempts {
		if !errors.Is(a.Err, context.DeadlineExceeded) && !isTimeout(a.Err) {
			return false
		}
	}
	return len(e.Attempts) > 0
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Dialer opens network connections
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Racer opens a connection to the fastest of several addresses of a peer.
type Racer struct {
	dialer        Dialer
	sessions      tls.ClientSessionCache
	selected      *expirable.LRU[string, string]
	cachedTimeout time.Duration
	logger        *zap.Logger
	metrics       *metrics.Recorder
}

// RacerOption configures a Racer
type RacerOption func(*Racer)

// WithDialer overrides the dialer
func WithDialer(d Dialer) RacerOption {
	return func(r *Racer) { r.dialer = d }
}

// WithSessionCache sets the TLS session cache consulted for live sessions.
// It must be the cache used by the TLS client config.
func WithSessionCache(c tls.ClientSessionCache) RacerOption {
	return func(r *Racer) { r.sessions = c }
}

// WithSelectedCache remembers the winning address of an address set for ttl.
func WithSelectedCache(size int, ttl time.Duration) RacerOption {
	return func(r *Racer) {
		if size > 0 {
			r.selected = expirable.NewLRU[string, string](size, nil, ttl)
		}
	}
}

// WithCachedTimeout sets the dial timeout for a remembered address
func WithCachedTimeout(d time.Duration) RacerOption {
	return func(r *Racer) { r.cachedTimeout = d }
}

// WithRacerLogger sets the logger
func WithRacerLogger(l *zap.Logger) RacerOption {
	return func(r *Racer) { r.logger = l }
}

// WithRacerMetrics sets the metrics recorder
func WithRacerMetrics(m *metrics.Recorder) RacerOption {
	return func(r *Racer) { r.metrics = m }
}

// NewRacer creates a racer
func NewRacer(opts ...RacerOption) *Racer {
	r := &Racer{
		dialer:        &net.Dialer{KeepAlive: 30 * time.Second},
		cachedTimeout: DefaultCachedTimeout,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select returns a connection to one of addresses. An address with a live
// TLS session is dialed alone; otherwise all addresses are dialed at once
// and the first to connect wins.
func (r *Racer) Select(ctx context.Context, addresses []string, timeout time.Duration) (*SocketInfo, error) {
	if len(addresses) == 0 {
		return nil, ErrNoAddresses
	}
	start := time.Now()
	si, err := r.selectAddress(ctx, addresses, timeout)
	r.metrics.ObserveRace(err, time.Since(start))
	return si, err
}

func (r *Racer) selectAddress(ctx context.Context, addresses []string, timeout time.Duration) (*SocketInfo, error) {
	var failed []Attempt

	if addr, ok := r.sessionAddress(addresses); ok {
		conn, err := r.dial(ctx, addr, timeout)
		if err == nil {
			r.logger.Debug("reusing TLS session", zap.String("address", addr))
			return &SocketInfo{Address: addr, Conn: conn}, nil
		}
		r.logger.Debug("dial with cached session failed", zap.String("address", addr), zap.Error(err))
		failed = append(failed, Attempt{Address: addr, Err: err})
		addresses = without(addresses, addr)
	}

	key := selectedKey(addresses)
	if addr, ok := r.cachedSelection(key, addresses); ok {
		conn, err := r.dial(ctx, addr, r.cachedTimeout)
		if err == nil {
			return &SocketInfo{Address: addr, Conn: conn}, nil
		}
		r.logger.Debug("previously selected address failed", zap.String("address", addr), zap.Error(err))
		r.selected.Remove(key)
		failed = append(failed, Attempt{Address: addr, Err: err})
		addresses = without(addresses, addr)
		timeout = reducedTimeout(timeout)
	}

	var si *SocketInfo
	var attempts []Attempt
	switch len(addresses) {
	case 0:
	case 1:
		conn, err := r.dial(ctx, addresses[0], timeout)
		if err == nil {
			si = &SocketInfo{Address: addresses[0], Conn: conn}
		} else {
			attempts = []Attempt{{Address: addresses[0], Err: err}}
		}
	default:
		si, attempts = r.race(ctx, addresses, timeout)
	}

	if si != nil {
		if r.selected != nil {
			r.selected.Add(key, si.Address)
		}
		return si, nil
	}
	return nil, &ConnectFailure{Attempts: append(failed, attempts...)}
}

type dialResult struct {
	address string
	conn    net.Conn
	err     error
}

// race dials every address concurrently and keeps the first connection.
// Connections completing after the winner are closed.
func (r *Racer) race(ctx context.Context, addresses []string, timeout time.Duration) (*SocketInfo, []Attempt) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := r.dialer
	results := make(chan dialResult, len(addresses))
	for _, addr := range addresses {
		go func(addr string) {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			results <- dialResult{address: addr, conn: conn, err: err}
		}(addr)
	}

	var attempts []Attempt
	for pending := len(addresses); pending > 0; pending-- {
		res := <-results
		if res.err != nil {
			attempts = append(attempts, Attempt{Address: res.address, Err: res.err})
			continue
		}

		cancel()
		if pending > 1 {
			go closeLate(results, pending-1)
		}
		return &SocketInfo{Address: res.address, Conn: res.conn}, nil
	}
	return nil, attempts
}

func closeLate(results <-chan dialResult, n int) {
	for i := 0; i < n; i++ {
		if res := <-results; res.conn != nil {
			res.conn.Close()
		}
	}
}

func (r *Racer) dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.dialer.DialContext(ctx, "tcp", addr)
}

func (r *Racer) sessionAddress(addresses []string) (string, bool) {
	if r.sessions == nil {
		return "", false
	}
	for _, addr := range addresses {
		if _, ok := r.sessions.Get(SessionKey(addr)); ok {
			return addr, true
		}
	}
	return "", false
}

func (r *Racer) cachedSelection(key string, addresses []string) (string, bool) {
	if r.selected == nil || len(addresses) < 2 {
		return "", false
	}
	addr, ok := r.selected.Get(key)
	if !ok {
		return "", false
	}
	for _, a := range addresses {
		if a == addr {
			return addr, true
		}
	}
	return "", false
}

// SessionKey is the TLS session cache key of an address: the host, as set
// in tls.Config.ServerName by Connector.
func SessionKey(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func selectedKey(addresses []string) string {
	sorted := append([]string(nil), addresses...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func reducedTimeout(timeout time.Duration) time.Duration {
	reduced := timeout / 2
	if reduced < minRaceTimeout {
		reduced = minRaceTimeout
	}
	if reduced > timeout {
		return timeout
	}
	return reduced
}

func without(addresses []string, addr string) []string {
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}
