package security

import (
	"context"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/nordic-institute/X-Road-sub019/internal/testpki"
	"github.com/nordic-institute/X-Road-sub019/pkg/globalconf"
	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
	"github.com/nordic-institute/X-Road-sub019/pkg/mime"
)

var (
	providerMember = identifier.ClientID{Instance: "EE", MemberClass: "GOV", MemberCode: "1001"}
	providerSub    = identifier.ClientID{Instance: "EE", MemberClass: "GOV", MemberCode: "1001", Subsystem: "registry"}
	service        = identifier.ServiceID{Client: providerSub, ServiceCode: "getPerson", Version: "v1"}
	serverID       = identifier.SecurityServerID{Owner: providerMember, ServerCode: "ss1"}
)

// fakePeer serves the batched status endpoint from a fixed table.
type fakePeer struct {
	mu       sync.Mutex
	statuses map[string][]byte
	requests [][]string
	fail     bool
	srv      *httptest.Server
}

func newFakePeer(t *testing.T) *fakePeer {
	p := &fakePeer{statuses: make(map[string][]byte)}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()

		hashes := r.URL.Query()["certHash"]
		p.requests = append(p.requests, hashes)
		if p.fail || r.URL.Path != StatusPath {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var parts []mime.Part
		for _, h := range hashes {
			parts = append(parts, mime.Part{ContentType: mime.ContentTypeOCSPResponse, Data: p.statuses[h]})
		}
		body, ct, err := mime.NewMessage(parts).Serialize()
		require.NoError(t, err)
		w.Header().Set("Content-Type", ct)
		w.Write(body)
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePeer) addr() string { return strings.TrimPrefix(p.srv.URL, "http://") }

func (p *fakePeer) set(cert *x509.Certificate, der []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[globalconf.CertHash(cert)] = der
}

func (p *fakePeer) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *fakePeer) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type fixture struct {
	root   *testpki.CA
	conf   *globalconf.StaticProvider
	peer   *fakePeer
	auth   *testpki.Leaf
	verify *Verifier
}

func newFixture(t *testing.T, opts ...testpki.Option) *fixture {
	root := testpki.NewCA(t, "root")
	auth := root.Issue(t, "ss1", opts...)

	conf := globalconf.NewStaticProvider(identifier.SecurityServerID{Owner: providerMember, ServerCode: "own"})
	conf.AddTrustAnchor(root.Cert)
	conf.RegisterServer(&globalconf.Server{ID: serverID, Address: "ss1:5500", AuthCert: auth.Cert, Clients: []identifier.ClientID{providerSub}})

	peer := newFakePeer(t)
	v := NewVerifier(conf, VerifierConfig{
		Peers:      NewPeerStatusClient(nil, "http"),
		Responders: NewResponderClient(nil),
	})
	return &fixture{root: root, conf: conf, peer: peer, auth: auth, verify: v}
}

func TestVerify_NoPeerCerts(t *testing.T) {
	f := newFixture(t)
	err := f.verify.Verify(context.Background(), f.peer.addr(), nil, service)
	assert.ErrorIs(t, err, ErrNoPeerCerts)

	var af *AuthFailure
	require.ErrorAs(t, err, &af)
	assert.Equal(t, ReasonNoPeerCerts, af.Reason)
}

func TestVerify_Success(t *testing.T) {
	f := newFixture(t)
	f.peer.set(f.auth.Cert, f.root.OCSPResponse(t, f.auth.Cert, ocsp.Good))

	err := f.verify.Verify(context.Background(), f.peer.addr(), []*x509.Certificate{f.auth.Cert}, service)
	require.NoError(t, err)
	assert.Equal(t, 1, f.peer.requestCount())

	// second call is served from the cache
	err = f.verify.Verify(context.Background(), f.peer.addr(), []*x509.Certificate{f.auth.Cert}, service)
	require.NoError(t, err)
	assert.Equal(t, 1, f.peer.requestCount())
}

func TestVerify_PresentedAnchorIgnored(t *testing.T) {
	f := newFixture(t)
	f.peer.set(f.auth.Cert, f.root.OCSPResponse(t, f.auth.Cert, ocsp.Good))

	chain := []*x509.Certificate{f.auth.Cert, f.root.Cert}
	require.NoError(t, f.verify.Verify(context.Background(), f.peer.addr(), chain, service))
	require.Len(t, f.peer.requests, 1)
	assert.Equal(t, []string{globalconf.CertHash(f.auth.Cert)}, f.peer.requests[0])
}

func TestVerify_NoTrustAnchor(t *testing.T) {
	f := newFixture(t)
	other := testpki.NewCA(t, "other")
	leaf := other.Issue(t, "ss1")

	err := f.verify.Verify(context.Background(), f.peer.addr(), []*x509.Certificate{leaf.Cert, other.Cert}, service)
	assert.ErrorIs(t, err, ErrNoTrustAnchor)
	assert.Equal(t, 0, f.peer.requestCount())
}

func TestVerify_SelfSignedAnchorAlone(t *testing.T) {
	f := newFixture(t)
	err := f.verify.Verify(context.Background(), f.peer.addr(), []*x509.Certificate{f.root.Cert}, service)
	assert.ErrorIs(t, err, ErrNoTrustAnchor)
}

func TestVerify_Revoked(t *testing.T) {
	f := newFixture(t)
	f.peer.set(f.auth.Cert, f.root.OCSPResponse(t, f.auth.Cert, ocsp.Revoked))

	err := f.verify.Verify(context.Background(), f.peer.addr(), []*x509.Certificate{f.auth.Cert}, service)
	assert.ErrorIs(t, err, ErrRevoked)
	assert.ErrorIs(t, err, ErrCertificateRevoked)
}

func TestVerify_IdentityMismatch(t *testing.T) {
	f := newFixture(t)
	f.peer.set(f.auth.Cert, f.root.OCSPResponse(t, f.auth.Cert, ocsp.Good))

	other := service
	other.Client.Subsystem = "elsewhere"
	err := f.verify.Verify(context.Background(), f.peer.addr(), []*x509.Certificate{f.auth.Cert}, other)
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestVerify_UnregisteredAuthCert(t *testing.T) {
	f := newFixture(t)
	leaf := f.root.Issue(t, "rogue")
	f.peer.set(leaf.Cert, f.root.OCSPResponse(t, leaf.Cert, ocsp.Good))

	err := f.verify.Verify(context.Background(), f.peer.addr(), []*x509.Certificate{leaf.Cert}, service)
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestVerify_IntermediateBatched(t *testing.T) {
	root := testpki.NewCA(t, "root")
	inter := root.Intermediate(t, "inter")
	auth := inter.Issue(t, "ss1")

	conf := globalconf.NewStaticProvider(serverID)
	conf.AddTrustAnchor(root.Cert)
	conf.RegisterServer(&globalconf.Server{ID: serverID, AuthCert: auth.Cert, Clients: []identifier.ClientID{providerSub}})

	peer := newFakePeer(t)
	peer.set(auth.Cert, inter.OCSPResponse(t, auth.Cert, ocsp.Good))
	peer.set(inter.Cert, root.OCSPResponse(t, inter.Cert, ocsp.Good))

	v := NewVerifier(conf, VerifierConfig{Peers: NewPeerStatusClient(nil, "http")})
	err := v.Verify(context.Background(), peer.addr(), []*x509.Certificate{auth.Cert, inter.Cert, root.Cert}, service)
	require.NoError(t, err)

	require.Len(t, peer.requests, 1)
	assert.Equal(t, []string{globalconf.CertHash(auth.Cert), globalconf.CertHash(inter.Cert)}, peer.requests[0])
}

func TestVerify_ResponderFallback(t *testing.T) {
	var calls atomic.Int32
	var der atomic.Pointer[[]byte]
	responder := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			_, err := ocsp.ParseRequest(body)
			assert.NoError(t, err)
		}
		w.Header().Set("Content-Type", mime.ContentTypeOCSPResponse)
		w.Write(*der.Load())
	}))
	defer responder.Close()

	f := newFixture(t, testpki.WithOCSPServer(responder.URL))
	status := f.root.OCSPResponse(t, f.auth.Cert, ocsp.Good)
	der.Store(&status)
	f.peer.setFail(true)

	err := f.verify.Verify(context.Background(), f.peer.addr(), []*x509.Certificate{f.auth.Cert}, service)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestVerify_StatusUnavailable(t *testing.T) {
	f := newFixture(t)
	f.peer.setFail(true)

	err := f.verify.Verify(context.Background(), f.peer.addr(), []*x509.Certificate{f.auth.Cert}, service)
	assert.ErrorIs(t, err, ErrStatusUnavailable)
}

func TestVerify_WrongIssuerStatusRejected(t *testing.T) {
	f := newFixture(t)
	other := testpki.NewCA(t, "other")
	f.peer.set(f.auth.Cert, other.OCSPResponse(t, f.auth.Cert, ocsp.Good))

	err := f.verify.Verify(context.Background(), f.peer.addr(), []*x509.Certificate{f.auth.Cert}, service)
	assert.ErrorIs(t, err, ErrStatusUnavailable)
}

func TestVerifySigner(t *testing.T) {
	f := newFixture(t)
	sign := f.root.Issue(t, "signer")
	f.conf.RegisterSignCert(providerMember, sign.Cert)
	status := f.root.OCSPResponse(t, sign.Cert, ocsp.Good)

	require.NoError(t, f.verify.VerifySigner(context.Background(), sign.Cert, providerSub, [][]byte{status}))

	other := identifier.ClientID{Instance: "EE", MemberClass: "COM", MemberCode: "2002"}
	err := f.verify.VerifySigner(context.Background(), sign.Cert, other, [][]byte{status})
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestVerifySigner_NoStatus(t *testing.T) {
	f := newFixture(t)
	sign := f.root.Issue(t, "signer")
	f.conf.RegisterSignCert(providerMember, sign.Cert)

	err := f.verify.VerifySigner(context.Background(), sign.Cert, providerSub, nil)
	assert.ErrorIs(t, err, ErrStatusUnavailable)
}

func TestVerifySigner_RevokedSupplied(t *testing.T) {
	f := newFixture(t)
	sign := f.root.Issue(t, "signer")
	f.conf.RegisterSignCert(providerMember, sign.Cert)

	err := f.verify.VerifySigner(context.Background(), sign.Cert, providerSub,
		[][]byte{f.root.OCSPResponse(t, sign.Cert, ocsp.Revoked)})
	assert.ErrorIs(t, err, ErrRevoked)
}
