package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordic-institute/X-Road-sub019/internal/messagelog"
	"github.com/nordic-institute/X-Road-sub019/internal/storage"
	"github.com/nordic-institute/X-Road-sub019/internal/testpki"
	"github.com/nordic-institute/X-Road-sub019/pkg/globalconf"
	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
	"github.com/nordic-institute/X-Road-sub019/pkg/mime"
	"github.com/nordic-institute/X-Road-sub019/pkg/security"
	"github.com/nordic-institute/X-Road-sub019/pkg/transport"
)

type acceptingVerifier struct{}

func (acceptingVerifier) Verify(context.Context, string, []*x509.Certificate, identifier.ServiceID) error {
	return nil
}

type fakeKeys struct {
	signer *security.DetachedSigner
}

func (k *fakeKeys) MessageSigner(_ context.Context, member identifier.ClientID) (*security.DetachedSigner, error) {
	if member != testOwner {
		return nil, fmt.Errorf("no key for %s", member)
	}
	return k.signer, nil
}

type recordingSignerVerifier struct {
	mu     sync.Mutex
	cert   *x509.Certificate
	member identifier.ClientID
	ocsp   [][]byte
	err    error
}

func (v *recordingSignerVerifier) VerifySigner(_ context.Context, cert *x509.Certificate, member identifier.ClientID, ocsp [][]byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cert, v.member, v.ocsp = cert, member, ocsp
	return v.err
}

type recordingLog struct {
	mu      sync.Mutex
	records []*storage.MessageRecord
	err     error
}

func (l *recordingLog) Log(_ context.Context, rec *storage.MessageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.records = append(l.records, rec)
	return nil
}

func (l *recordingLog) all() []*storage.MessageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*storage.MessageRecord(nil), l.records...)
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []*ProxyMessage
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, msg *ProxyMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

type staticStatus struct{ der []byte }

func (s staticStatus) Status(context.Context, string) ([]byte, error) { return s.der, nil }

// testPeer is the provider's security server
type testPeer struct {
	signer     *security.DetachedSigner
	clientCert *x509.Certificate

	calls    atomic.Int32
	lastOCSP atomic.Int32

	// mutate adjusts the response header, tamper the signed bytes
	mutate func(h *Header)
	tamper bool
	fault  *Fault
}

func (p *testPeer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.calls.Add(1)
	if p.fault != nil {
		p.fault.WriteHTTP(w)
		return
	}

	sm, err := mime.DecodeSigned(r.Body, r.Header.Get("Content-Type"), 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := security.VerifyDetached(sm.Message, sm.Signature, p.clientCert); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	p.lastOCSP.Store(int32(len(sm.OCSP)))

	req, err := (&XMLDecoder{}).Decode(r.Context(), bytes.NewReader(sm.Message), nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h := *req.Header
	h.RequestHash = &RequestHash{Value: sha512Base64(sm.Message)}
	if p.mutate != nil {
		p.mutate(&h)
	}
	body := etree.NewElement("echoResponse")
	body.SetText("pong")
	raw, err := Envelope(&h, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	signed := raw
	if p.tamper {
		signed = append([]byte("x"), raw...)
	}
	sig, err := p.signer.Sign(signed)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	enc := (&mime.SignedMessage{Message: raw, Signature: sig}).Encode()
	w.Header().Set("Content-Type", enc.Header())
	enc.WriteTo(w)
}

type relayEnv struct {
	proc     *Processor
	peer     *testPeer
	conf     *globalconf.StaticProvider
	log      *recordingLog
	verifier *recordingSignerVerifier
	provider *x509.Certificate
}

func newRelayEnv(t *testing.T, cfg Config, opts ...Option) *relayEnv {
	t.Helper()
	ca := testpki.NewCA(t, "root")

	clientSign := ca.Issue(t, "client-sign")
	clientAuth := ca.Issue(t, "client-auth")
	providerSign := ca.Issue(t, "provider-sign")
	providerAuth := ca.Issue(t, "provider-auth", testpki.WithHosts("127.0.0.1"))

	clientSigner, err := security.NewDetachedSigner(clientSign.Key, clientSign.Cert)
	require.NoError(t, err)
	providerSigner, err := security.NewDetachedSigner(providerSign.Key, providerSign.Cert)
	require.NoError(t, err)

	peer := &testPeer{signer: providerSigner, clientCert: clientSign.Cert}
	srv := httptest.NewUnstartedServer(peer)
	srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{providerAuth.TLSCertificate()},
		ClientAuth:   tls.RequestClientCert,
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)

	own := identifier.SecurityServerID{Owner: testOwner, ServerCode: "ss1"}
	conf := globalconf.NewStaticProvider(own)
	conf.RegisterServer(&globalconf.Server{ID: own, Address: "127.0.0.1:1", Clients: []identifier.ClientID{testClient, testOwner}})
	conf.RegisterServer(&globalconf.Server{
		ID:       identifier.SecurityServerID{Owner: testSvc.Client.Member(), ServerCode: "ss2"},
		Address:  srv.Listener.Addr().String(),
		AuthCert: providerAuth.Cert,
		Clients:  []identifier.ClientID{testSvc.Client},
	})

	connector := transport.NewConnector(
		transport.NewRacer(),
		&tls.Config{Certificates: []tls.Certificate{clientAuth.TLSCertificate()}},
		acceptingVerifier{},
		5*time.Second,
	)
	log := &recordingLog{}
	verifier := &recordingSignerVerifier{}
	proc := NewProcessor(conf, connector, &fakeKeys{signer: clientSigner}, verifier, log, cfg, opts...)

	return &relayEnv{proc: proc, peer: peer, conf: conf, log: log, verifier: verifier, provider: providerSign.Cert}
}

func (e *relayEnv) do(t *testing.T, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", "text/xml; charset=UTF-8")
	rec := httptest.NewRecorder()
	e.proc.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) *ProxyMessage {
	t.Helper()
	assert.Equal(t, "text/xml; charset=UTF-8", rec.Header().Get("Content-Type"))
	msg, err := (&XMLDecoder{}).Decode(context.Background(), bytes.NewReader(rec.Body.Bytes()), nil)
	require.NoError(t, err)
	return msg
}

func requireFault(t *testing.T, rec *httptest.ResponseRecorder, code string) *Fault {
	t.Helper()
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	msg := decodeResponse(t, rec)
	require.NotNil(t, msg.Fault, rec.Body.String())
	assert.Equal(t, code, msg.Fault.Code)
	assert.NotEmpty(t, msg.Fault.Detail)
	return msg.Fault
}

func TestProcessor_Relay(t *testing.T) {
	env := newRelayEnv(t, Config{}, WithStatusSource(staticStatus{der: []byte("ocsp")}))
	request := testEnvelope(t, testHeader("q1"), "ping")

	rec := env.do(t, bytes.NewReader(request))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Header)
	assert.Equal(t, "q1", resp.Header.QueryID)
	assert.Contains(t, rec.Body.String(), "pong")
	assert.Equal(t, int32(1), env.peer.lastOCSP.Load())

	assert.True(t, env.verifier.cert.Equal(env.provider))
	assert.Equal(t, testSvc.Client, env.verifier.member)

	records := env.log.all()
	require.Len(t, records, 2)
	assert.False(t, records[0].Response)
	assert.Equal(t, string(request), records[0].Message)
	assert.Equal(t, "q1", records[0].QueryID)
	assert.Equal(t, testClient.String(), records[0].PeerIdentifier)
	assert.Contains(t, records[0].SignatureXML, "SignatureValue")
	assert.True(t, records[1].Response)
	assert.Equal(t, rec.Body.String(), records[1].Message)
}

func TestProcessor_ClientFaults(t *testing.T) {
	env := newRelayEnv(t, Config{})

	t.Run("method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		env.proc.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		requireFault(t, rec, "Client.InvalidHttpMethod")
	})

	t.Run("content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		env.proc.ServeHTTP(rec, req)
		requireFault(t, rec, "Client.InvalidContentType")
	})

	t.Run("malformed", func(t *testing.T) {
		requireFault(t, env.do(t, strings.NewReader("<not-xml")), "Client.InvalidSoap")
	})

	t.Run("missing header", func(t *testing.T) {
		raw, err := Envelope(nil, etree.NewElement("echo"))
		require.NoError(t, err)
		requireFault(t, env.do(t, bytes.NewReader(raw)), "Client.InvalidSoap")
	})

	t.Run("unregistered client", func(t *testing.T) {
		h := testHeader("q1")
		h.Client.Subsystem = "stranger"
		requireFault(t, env.do(t, bytes.NewReader(testEnvelope(t, h, "x"))), "Client.InvalidClient")
	})

	assert.Zero(t, env.peer.calls.Load())
	assert.Empty(t, env.log.all())
}

func TestProcessor_HeaderTimeout(t *testing.T) {
	env := newRelayEnv(t, Config{HeaderTimeout: 50 * time.Millisecond})
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	requireFault(t, env.do(t, pr), "Client.Timeout")
}

func TestProcessor_BodyFailsAfterHeader(t *testing.T) {
	env := newRelayEnv(t, Config{})
	raw := testEnvelope(t, testHeader("q1"), "x")
	split := bytes.Index(raw, []byte("<SOAP-ENV:Body>"))
	broken := append(append([]byte(nil), raw[:split]...), []byte("<SOAP-ENV:Body><a></b>")...)

	requireFault(t, env.do(t, bytes.NewReader(broken)), "Client.InvalidSoap")
	assert.Empty(t, env.log.all())
}

func TestProcessor_ServerFaults(t *testing.T) {
	t.Run("unknown provider", func(t *testing.T) {
		env := newRelayEnv(t, Config{})
		h := testHeader("q1")
		h.Service.Client.MemberCode = "404"
		requireFault(t, env.do(t, bytes.NewReader(testEnvelope(t, h, "x"))), "Server.ClientProxy.UnknownMember")
	})

	t.Run("unreachable provider", func(t *testing.T) {
		env := newRelayEnv(t, Config{})
		env.conf.RegisterServer(&globalconf.Server{
			ID:      identifier.SecurityServerID{Owner: testSvc.Client.Member(), ServerCode: "ss2"},
			Address: "127.0.0.1:1",
			Clients: []identifier.ClientID{testSvc.Client},
		})
		requireFault(t, env.do(t, bytes.NewReader(testEnvelope(t, testHeader("q1"), "x"))), "Server.ClientProxy.NetworkError")
	})

	t.Run("inconsistent response", func(t *testing.T) {
		env := newRelayEnv(t, Config{})
		env.peer.mutate = func(h *Header) { h.QueryID = "other" }
		requireFault(t, env.do(t, bytes.NewReader(testEnvelope(t, testHeader("q1"), "x"))), "Server.ClientProxy.InconsistentResponse")
		// only the request was logged
		assert.Len(t, env.log.all(), 1)
	})

	t.Run("request hash mismatch", func(t *testing.T) {
		env := newRelayEnv(t, Config{})
		env.peer.mutate = func(h *Header) { h.RequestHash.Value = sha512Base64([]byte("other")) }
		requireFault(t, env.do(t, bytes.NewReader(testEnvelope(t, testHeader("q1"), "x"))), "Server.ClientProxy.InconsistentResponse")
	})

	t.Run("tampered signature", func(t *testing.T) {
		env := newRelayEnv(t, Config{})
		env.peer.tamper = true
		requireFault(t, env.do(t, bytes.NewReader(testEnvelope(t, testHeader("q1"), "x"))), "Server.ClientProxy.InvalidSignature")
	})

	t.Run("untrusted signer", func(t *testing.T) {
		env := newRelayEnv(t, Config{})
		env.verifier.err = security.ErrIdentityMismatch
		requireFault(t, env.do(t, bytes.NewReader(testEnvelope(t, testHeader("q1"), "x"))), "Server.ClientProxy.InvalidSignature")
	})

	t.Run("timestamping failed", func(t *testing.T) {
		env := newRelayEnv(t, Config{})
		env.log.err = fmt.Errorf("%w: failing for 5h", messagelog.ErrTimestampingFailed)
		requireFault(t, env.do(t, bytes.NewReader(testEnvelope(t, testHeader("q1"), "x"))), "Server.ClientProxy.TimestampingFailed")
		assert.Zero(t, env.peer.calls.Load())
	})
}

func TestProcessor_PeerFaultPassedThrough(t *testing.T) {
	env := newRelayEnv(t, Config{})
	env.peer.fault = &Fault{Code: "Server.ServerProxy.ServiceFailed", String: "backend down", Detail: "peer-id"}

	rec := env.do(t, bytes.NewReader(testEnvelope(t, testHeader("q1"), "x")))
	f := requireFault(t, rec, "Server.ServerProxy.ServiceFailed")
	assert.Equal(t, "backend down", f.String)
	assert.Equal(t, "peer-id", f.Detail)
}

func TestProcessor_Async(t *testing.T) {
	queue := &fakeQueue{}
	env := newRelayEnv(t, Config{}, WithQueue(queue))
	assert.Equal(t, []string{"async", "sync"}, env.proc.Handlers())

	h := testHeader("q1")
	h.Async = true
	request := testEnvelope(t, h, "later")

	rec := env.do(t, bytes.NewReader(request))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeResponse(t, rec)
	assert.Equal(t, h, resp.Header)
	assert.Contains(t, rec.Body.String(), "<queued/>")

	require.Len(t, queue.msgs, 1)
	assert.Equal(t, request, queue.msgs[0].Raw)
	assert.Zero(t, env.peer.calls.Load())
	assert.Empty(t, env.log.all())

	queue.err = errors.New("broker down")
	requireFault(t, env.do(t, bytes.NewReader(request)), "Server.ClientProxy.QueueFailed")
}

func TestProcessor_ForceSync(t *testing.T) {
	queue := &fakeQueue{}
	env := newRelayEnv(t, Config{ForceSync: true}, WithQueue(queue))
	assert.Equal(t, []string{"sync"}, env.proc.Handlers())

	h := testHeader("q1")
	h.Async = true
	rec := env.do(t, bytes.NewReader(testEnvelope(t, h, "now")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, queue.msgs)
	assert.Equal(t, int32(1), env.peer.calls.Load())
}

func TestProcessor_ListClients(t *testing.T) {
	env := newRelayEnv(t, Config{})
	env.proc = NewProcessor(env.conf, nil, nil, nil, nil, Config{},
		WithHandlers(NewListClientsHandler(testOwner, env.conf)))
	assert.Equal(t, []string{"metadata", "sync"}, env.proc.Handlers())

	h := testHeader("meta")
	h.Service = identifier.ServiceID{Client: testOwner, ServiceCode: ServiceListClients}
	rec := env.do(t, bytes.NewReader(testEnvelope(t, h, "")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(rec.Body.Bytes()))
	members := doc.FindElements("//listClientsResponse/member")
	require.Len(t, members, 3)
	var codes []string
	for _, m := range members {
		codes = append(codes, m.FindElement("./id/memberCode").Text())
	}
	assert.ElementsMatch(t, []string{"1", "1", "2"}, codes)
	assert.Zero(t, env.peer.calls.Load())
}

func TestToFault(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{ClientFault(CodeInvalidClient, errors.New("x")), "Client.InvalidClient"},
		{transport.ErrNoAddresses, "Server.ClientProxy.UnknownMember"},
		{fmt.Errorf("wrap: %w", globalconf.ErrUnknownClient), "Server.ClientProxy.UnknownMember"},
		{&transport.ConnectFailure{}, "Server.ClientProxy.NetworkError"},
		{fmt.Errorf("%w: bad cert", transport.ErrHandshake), "Server.ClientProxy.SslAuthenticationFailed"},
		{security.ErrRevoked, "Server.ClientProxy.SslAuthenticationFailed"},
		{security.ErrInvalidSignature, "Server.ClientProxy.InvalidSignature"},
		{context.DeadlineExceeded, "Server.ClientProxy.Timeout"},
		{errors.New("other"), "Server.ClientProxy.InternalError"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, toFault(tt.err).Code, tt.err.Error())
	}
}

func TestFaultOnce(t *testing.T) {
	var o faultOnce
	first, ok := o.set(ClientFault(CodeInvalidMessage, errors.New("bad body")))
	require.True(t, ok)
	second, ok := o.set(context.Canceled)
	assert.False(t, ok)
	assert.Same(t, first, second)
	assert.Same(t, first, o.get())
}

func TestProcessor_RelayDecoded(t *testing.T) {
	env := newRelayEnv(t, Config{})
	h := testHeader("q1")
	h.Async = true
	raw := testEnvelope(t, h, "later")

	resp, err := env.proc.Relay(context.Background(), &ProxyMessage{Header: h, Raw: raw})
	require.NoError(t, err)
	assert.Equal(t, "q1", resp.Header.QueryID)
	assert.Len(t, env.log.all(), 2)

	env.peer.fault = &Fault{Code: "Server.ServerProxy.ServiceFailed", String: "down"}
	resp, err = env.proc.Relay(context.Background(), &ProxyMessage{Header: h, Raw: raw})
	var f *Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "Server.ServerProxy.ServiceFailed", f.Code)
	assert.False(t, f.Temporary())
	require.NotNil(t, resp)

	_, err = env.proc.Relay(context.Background(), &ProxyMessage{Raw: raw})
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "Client.InvalidSoap", f.Code)
}

func TestFault_Temporary(t *testing.T) {
	assert.True(t, ServerFault(CodeNetworkError, errors.New("x")).Temporary())
	assert.True(t, ServerFault(CodeTimeout, errors.New("x")).Temporary())
	assert.False(t, ClientFault(CodeTimeout, errors.New("x")).Temporary())
	assert.False(t, ServerFault(CodeInvalidSignature, errors.New("x")).Temporary())
}
