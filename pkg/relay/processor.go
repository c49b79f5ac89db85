package relay

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	stdmime "mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/internal/metrics"
	"github.com/nordic-institute/X-Road-sub019/internal/storage"
	"github.com/nordic-institute/X-Road-sub019/pkg/globalconf"
	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
	"github.com/nordic-institute/X-Road-sub019/pkg/mime"
	"github.com/nordic-institute/X-Road-sub019/pkg/security"
	"github.com/nordic-institute/X-Road-sub019/pkg/transport"
)

// HeaderRequestID carries a unique id of every relayed request
const HeaderRequestID = "X-Road-Request-Id"

const tracerName = "github.com/nordic-institute/X-Road-sub019/pkg/relay"

// DefaultHeaderTimeout bounds the wait for the request header
const DefaultHeaderTimeout = 30 * time.Second

// KeyProvider returns the message signer of a member
type KeyProvider interface {
	MessageSigner(ctx context.Context, member identifier.ClientID) (*security.DetachedSigner, error)
}

// SignerVerifier checks the signer of a peer response
type SignerVerifier interface {
	VerifySigner(ctx context.Context, cert *x509.Certificate, member identifier.ClientID, ocspResponses [][]byte) error
}

// StatusSource returns OCSP responses for this server's own certificates
type StatusSource interface {
	Status(ctx context.Context, certHash string) ([]byte, error)
}

// MessageLog persists signed messages
type MessageLog interface {
	Log(ctx context.Context, rec *storage.MessageRecord) error
}

// Config holds the relay settings
type Config struct {
	// HeaderTimeout bounds the wait for the request header
	HeaderTimeout time.Duration
	// MessageTimeout bounds the wait for the complete request once a
	// handler needs it; zero waits as long as the call lasts
	MessageTimeout time.Duration
	// ForceSync relays async flagged requests synchronously
	ForceSync bool
	// MaxMessageSize bounds requests and response parts
	MaxMessageSize int64
}

// Processor relays client requests to the security server of the service
// provider and returns the verified response.
type Processor struct {
	conf      globalconf.Provider
	connector *transport.Connector
	keys      KeyProvider
	verifier  SignerVerifier
	log       MessageLog
	cfg       Config

	decoder  Decoder
	statuses StatusSource
	queue    AsyncQueue
	extra    []MessageHandler
	registry *HandlerRegistry

	logger  *zap.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
}

// Option configures a Processor
type Option func(*Processor)

// WithDecoder replaces the streaming XML decoder
func WithDecoder(d Decoder) Option {
	return func(p *Processor) { p.decoder = d }
}

// WithStatusSource adds OCSP responses of the signing certificate to
// relayed requests
func WithStatusSource(s StatusSource) Option {
	return func(p *Processor) { p.statuses = s }
}

// WithQueue enables asynchronous delivery of async flagged requests
func WithQueue(q AsyncQueue) Option {
	return func(p *Processor) { p.queue = q }
}

// WithHandlers registers handlers tried before the built-in ones
func WithHandlers(h ...MessageHandler) Option {
	return func(p *Processor) { p.extra = append(p.extra, h...) }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithTracerProvider sets the tracer provider, the global one by default
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Processor) { p.tracer = tp.Tracer(tracerName) }
}

// NewProcessor creates a processor. log may be nil when message logging
// is disabled.
func NewProcessor(conf globalconf.Provider, connector *transport.Connector, keys KeyProvider, verifier SignerVerifier, log MessageLog, cfg Config, opts ...Option) *Processor {
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = DefaultHeaderTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	p := &Processor{
		conf:      conf,
		connector: connector,
		keys:      keys,
		verifier:  verifier,
		log:       log,
		cfg:       cfg,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.decoder == nil {
		p.decoder = &XMLDecoder{MaxSize: cfg.MaxMessageSize}
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}

	handlers := append([]MessageHandler(nil), p.extra...)
	if p.queue != nil && !cfg.ForceSync {
		handlers = append(handlers, &asyncHandler{queue: p.queue})
	}
	handlers = append(handlers, &relayHandler{p: p})
	p.registry = NewHandlerRegistry(handlers...)
	return p
}

// Handlers lists the handler chain in resolution order
func (p *Processor) Handlers() []string {
	return p.registry.Names()
}

// Relay forwards an already decoded request synchronously, whatever its
// async flag. A fault returned by the peer is returned as the error along
// with the response.
func (p *Processor) Relay(ctx context.Context, msg *ProxyMessage) (*ProxyMessage, error) {
	if msg.Header == nil {
		return nil, ClientFault(CodeInvalidMessage, ErrMissingHeader)
	}
	message := NewGate[*ProxyMessage]()
	message.Resolve(msg)

	resp, err := (&relayHandler{p: p}).Handle(ctx, &Call{Header: msg.Header, message: message})
	if err != nil {
		return nil, toFault(err)
	}
	if resp.Fault != nil {
		return resp, resp.Fault
	}
	return resp, nil
}

// call is the state of one inbound request
type call struct {
	faults faultOnce
	cancel context.CancelFunc
	mode   string
}

func (p *Processor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := p.tracer.Start(r.Context(), "relay.process", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := &call{cancel: cancel, mode: "none"}

	resp, err := p.process(ctx, r, c)
	if err != nil {
		fault, first := c.faults.set(err)
		if !first {
			p.logger.Debug("error after fault", zap.Error(err))
		}
		// stop the decoder if it is blocked reading the body
		_ = http.NewResponseController(w).SetReadDeadline(time.Now())

		if fault.Detail == "" {
			fault.Detail = uuid.NewString()
		}
		span.SetStatus(codes.Error, fault.Code)
		span.SetAttributes(attribute.String("relay.fault", fault.Code))
		p.logger.Warn("relay failed",
			zap.String("mode", c.mode),
			zap.String("faultCode", fault.Code),
			zap.String("faultDetail", fault.Detail),
			zap.Error(fault))
		if err := fault.WriteHTTP(w); err != nil {
			p.logger.Debug("writing fault", zap.Error(err))
		}
		p.metrics.ObserveRelay(c.mode, "fault", time.Since(start))
		return
	}

	status, result := http.StatusOK, "ok"
	if resp.Fault != nil {
		status, result = http.StatusInternalServerError, "peer_fault"
		span.SetAttributes(attribute.String("relay.fault", resp.Fault.Code))
	}
	w.Header().Set("Content-Type", "text/xml; charset=UTF-8")
	w.WriteHeader(status)
	if _, err := w.Write(resp.Raw); err != nil {
		p.logger.Debug("writing response", zap.Error(err))
	}
	p.metrics.ObserveRelay(c.mode, result, time.Since(start))
}

func (p *Processor) process(ctx context.Context, r *http.Request, c *call) (*ProxyMessage, error) {
	if r.Method != http.MethodPost {
		return nil, ClientFault(CodeInvalidHTTPMethod, fmt.Errorf("method %s is not allowed", r.Method))
	}
	mt, _, err := stdmime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != mime.ContentTypeTextXML {
		return nil, ClientFault(CodeInvalidContentType, fmt.Errorf("content type %q is not %s", r.Header.Get("Content-Type"), mime.ContentTypeTextXML))
	}

	header := NewGate[*Header]()
	message := NewGate[*ProxyMessage]()
	go p.decode(ctx, r.Body, header, message, c)

	h, err := header.Wait(ctx, p.cfg.HeaderTimeout)
	if errors.Is(err, ErrGateTimeout) {
		return nil, ClientFault(CodeTimeout, fmt.Errorf("request header not received within %s", p.cfg.HeaderTimeout))
	}
	if err != nil {
		return nil, err
	}

	if h.Client.IsZero() || h.Service.ServiceCode == "" {
		return nil, ClientFault(CodeInvalidMessage, errors.New("header lacks client or service"))
	}
	if !p.conf.IsLocalClient(h.Client) {
		return nil, ClientFault(CodeInvalidClient, fmt.Errorf("client %s is not registered on this security server", h.Client))
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("relay.client", h.Client.String()),
		attribute.String("relay.service", h.Service.String()),
		attribute.String("relay.query_id", h.QueryID),
	)

	handler := p.registry.Resolve(h)
	if handler == nil {
		return nil, ServerFault(CodeInternalError, fmt.Errorf("no handler for service %s", h.Service))
	}
	c.mode = handler.Name()
	span.SetAttributes(attribute.String("relay.mode", c.mode))

	return handler.Handle(ctx, &Call{Header: h, message: message, timeout: p.cfg.MessageTimeout})
}

// decode reads the request body. A decoding failure becomes the call's
// fault and cancels the call.
func (p *Processor) decode(ctx context.Context, body io.Reader, header *Gate[*Header], message *Gate[*ProxyMessage], c *call) {
	msg, err := p.decoder.Decode(ctx, body, func(h *Header) { header.Resolve(h) })
	if err == nil && msg.Header == nil {
		err = ErrMissingHeader
	}
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = ClientFault(CodeInvalidMessage, err)
			c.faults.set(err)
			c.cancel()
		}
		header.Fail(err)
		message.Fail(err)
		return
	}
	header.Resolve(msg.Header)
	message.Resolve(msg)
}

// relayHandler forwards the request to the provider's security server
type relayHandler struct {
	p *Processor
}

func (rh *relayHandler) Name() string { return "sync" }

func (rh *relayHandler) CanHandle(*Header) bool { return true }

func (rh *relayHandler) Handle(ctx context.Context, call *Call) (*ProxyMessage, error) {
	p := rh.p
	h := call.Header

	addrs, err := p.conf.ProviderAddresses(ctx, h.Service.Client)
	if err != nil {
		return nil, err
	}
	conn, err := p.connector.Connect(ctx, addrs, h.Service)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req, err := call.Message(ctx)
	if err != nil {
		return nil, err
	}

	signed, err := p.sign(ctx, h.Client, req.Raw)
	if err != nil {
		return nil, err
	}
	if err := p.logMessage(ctx, h, req.Raw, signed.Signature, false); err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, conn, signed)
	if err != nil {
		return nil, err
	}
	if resp.Fault != nil {
		p.logger.Info("peer returned fault",
			zap.String("queryId", h.QueryID),
			zap.String("faultCode", resp.Fault.Code))
		return resp, nil
	}

	if err := p.verifyResponse(ctx, h, resp); err != nil {
		return nil, err
	}
	if err := CheckConsistency(h, req.Raw, resp.Header); err != nil {
		return nil, ServerFault(CodeInconsistentResponse, err)
	}
	if err := p.logMessage(ctx, h, resp.Raw, resp.Signature, true); err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *Processor) sign(ctx context.Context, client identifier.ClientID, message []byte) (*mime.SignedMessage, error) {
	signer, err := p.keys.MessageSigner(ctx, client.Member())
	if err != nil {
		return nil, fmt.Errorf("signing key of %s: %w", client.Member(), err)
	}
	sig, err := signer.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("signing request: %w", err)
	}

	signed := &mime.SignedMessage{Message: message, Signature: sig}
	if p.statuses != nil {
		der, err := p.statuses.Status(ctx, globalconf.CertHash(signer.Certificate()))
		if err != nil {
			return nil, fmt.Errorf("OCSP status of signing certificate: %w", err)
		}
		signed.OCSP = [][]byte{der}
	}
	return signed, nil
}

func (p *Processor) logMessage(ctx context.Context, h *Header, message, signature []byte, response bool) error {
	if p.log == nil {
		return nil
	}
	err := p.log.Log(ctx, &storage.MessageRecord{
		QueryID:        h.QueryID,
		Message:        string(message),
		SignatureXML:   string(signature),
		PeerIdentifier: h.Client.String(),
		Response:       response,
	})
	if err != nil {
		return fmt.Errorf("logging message %s: %w", h.QueryID, err)
	}
	return nil
}

// send streams the signed request to the peer and decodes its response.
// Faults returned by the peer are passed through.
func (p *Processor) send(ctx context.Context, conn *transport.Conn, signed *mime.SignedMessage) (*ProxyMessage, error) {
	enc := signed.Encode()
	pr, pw := io.Pipe()
	defer pr.Close()
	go func() {
		_, err := enc.WriteTo(pw)
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+conn.Address+"/", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", enc.Header())
	req.Header.Set(HeaderRequestID, uuid.NewString())

	resp, err := conn.RoundTrip(ctx, req)
	if err != nil {
		return nil, ServerFault(CodeNetworkError, err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	mt, _, err := stdmime.ParseMediaType(ct)
	if err != nil {
		return nil, ServerFault(CodeServiceFailed, fmt.Errorf("response content type %q: %w", ct, err))
	}

	if mt == mime.ContentTypeTextXML {
		msg, err := p.decoder.Decode(ctx, resp.Body, nil)
		if err != nil {
			return nil, ServerFault(CodeServiceFailed, err)
		}
		if msg.Fault == nil {
			return nil, ServerFault(CodeServiceFailed, errors.New("unsigned response is not a fault"))
		}
		return msg, nil
	}

	sm, err := mime.DecodeSigned(resp.Body, ct, p.cfg.MaxMessageSize)
	if err != nil {
		return nil, ServerFault(CodeServiceFailed, err)
	}
	msg, err := p.decoder.Decode(ctx, bytes.NewReader(sm.Message), nil)
	if err != nil {
		return nil, ServerFault(CodeServiceFailed, err)
	}
	msg.Signature = sm.Signature
	msg.OCSP = sm.OCSP
	return msg, nil
}

// verifyResponse checks the response signature and that it was made by the
// service provider.
func (p *Processor) verifyResponse(ctx context.Context, h *Header, resp *ProxyMessage) error {
	if resp.Header == nil {
		return ServerFault(CodeServiceFailed, ErrMissingHeader)
	}
	cert, err := security.SignerCertificate(resp.Signature)
	if err != nil {
		return ServerFault(CodeInvalidSignature, err)
	}
	if err := security.VerifyDetached(resp.Raw, resp.Signature, cert); err != nil {
		return ServerFault(CodeInvalidSignature, err)
	}
	if err := p.verifier.VerifySigner(ctx, cert, h.Service.Client, resp.OCSP); err != nil {
		return ServerFault(CodeInvalidSignature, err)
	}
	return nil
}
