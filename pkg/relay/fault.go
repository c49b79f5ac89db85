package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/nordic-institute/X-Road-sub019/internal/messagelog"
	"github.com/nordic-institute/X-Road-sub019/pkg/globalconf"
	"github.com/nordic-institute/X-Road-sub019/pkg/security"
	"github.com/nordic-institute/X-Road-sub019/pkg/transport"
)

// Fault code prefixes
const (
	PrefixClient = "Client."
	PrefixServer = "Server.ClientProxy."
)

// Fault codes, without prefix
const (
	CodeInvalidHTTPMethod    = "InvalidHttpMethod"
	CodeInvalidContentType   = "InvalidContentType"
	CodeInvalidMessage       = "InvalidSoap"
	CodeInvalidClient        = "InvalidClient"
	CodeTimeout              = "Timeout"
	CodeUnknownMember        = "UnknownMember"
	CodeNetworkError         = "NetworkError"
	CodeSSLAuthFailed        = "SslAuthenticationFailed"
	CodeInvalidSignature     = "InvalidSignature"
	CodeInconsistentResponse = "InconsistentResponse"
	CodeServiceFailed        = "ServiceFailed"
	CodeTimestampingFailed   = "TimestampingFailed"
	CodeQueueFailed          = "QueueFailed"
	CodeInternalError        = "InternalError"
)

// Fault is a SOAP fault returned to the client
type Fault struct {
	Code   string
	String string
	Actor  string
	Detail string
	Err    error
}

func (f *Fault) Error() string {
	return f.Code + ": " + f.String
}

func (f *Fault) Unwrap() error { return f.Err }

// ClientFault is a fault caused by the inbound request
func ClientFault(code string, err error) *Fault {
	return &Fault{Code: PrefixClient + code, String: err.Error(), Err: err}
}

// ServerFault is a fault raised while relaying
func ServerFault(code string, err error) *Fault {
	return &Fault{Code: PrefixServer + code, String: err.Error(), Err: err}
}

// IsClient reports whether the fault was caused by the client
func (f *Fault) IsClient() bool {
	return strings.HasPrefix(f.Code, PrefixClient)
}

// Temporary reports whether relaying the request again may succeed
func (f *Fault) Temporary() bool {
	if !strings.HasPrefix(f.Code, PrefixServer) {
		return false
	}
	switch strings.TrimPrefix(f.Code, PrefixServer) {
	case CodeNetworkError, CodeTimeout, CodeTimestampingFailed:
		return true
	}
	return false
}

// Envelope encodes the fault as a SOAP envelope. An empty Detail is
// replaced by a fresh error id so the fault can be found in the logs.
func (f *Fault) Envelope() ([]byte, error) {
	if f.Detail == "" {
		f.Detail = uuid.NewString()
	}
	el := etree.NewElement("SOAP-ENV:Fault")
	el.CreateElement("faultcode").SetText(f.Code)
	el.CreateElement("faultstring").SetText(f.String)
	if f.Actor != "" {
		el.CreateElement("faultactor").SetText(f.Actor)
	}
	el.CreateElement("detail").CreateElement("faultDetail").SetText(f.Detail)
	return Envelope(nil, el)
}

// WriteHTTP writes the fault as an HTTP response
func (f *Fault) WriteHTTP(w http.ResponseWriter) error {
	body, err := f.Envelope()
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/xml; charset=UTF-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, err = w.Write(body)
	return err
}

// toFault maps an error from the relay path to the fault reported to the
// client.
func toFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	var auth *security.AuthFailure
	switch {
	case errors.Is(err, transport.ErrNoAddresses), errors.Is(err, globalconf.ErrUnknownClient):
		return ServerFault(CodeUnknownMember, err)
	case errors.Is(err, transport.ErrConnectFailed):
		return ServerFault(CodeNetworkError, err)
	case errors.Is(err, transport.ErrHandshake):
		return ServerFault(CodeSSLAuthFailed, err)
	case errors.As(err, &auth):
		if auth.Reason == security.ReasonInvalidSignature {
			return ServerFault(CodeInvalidSignature, err)
		}
		return ServerFault(CodeSSLAuthFailed, err)
	case errors.Is(err, messagelog.ErrTimestampingFailed):
		return ServerFault(CodeTimestampingFailed, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrGateTimeout):
		return ServerFault(CodeTimeout, err)
	default:
		return ServerFault(CodeInternalError, err)
	}
}

// faultOnce keeps the first fault of a call
type faultOnce struct {
	mu    sync.Mutex
	fault *Fault
}

// set records err as the call's fault unless one is already recorded. It
// returns the recorded fault and whether err was the one recorded.
func (o *faultOnce) set(err error) (*Fault, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fault != nil {
		return o.fault, false
	}
	o.fault = toFault(err)
	return o.fault, true
}

func (o *faultOnce) get() *Fault {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fault
}
