package relay

import (
	"context"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
)

// Call is an inbound request whose header has been decoded. The rest of
// the message may still be arriving.
type Call struct {
	Header *Header

	message *Gate[*ProxyMessage]
	timeout time.Duration
}

// Message waits for the complete request
func (c *Call) Message(ctx context.Context) (*ProxyMessage, error) {
	return c.message.Wait(ctx, c.timeout)
}

// MessageHandler serves the calls it can handle. A handler returns the
// message written back to the client; a returned message carrying a Fault
// is written as a fault response.
type MessageHandler interface {
	Name() string
	CanHandle(h *Header) bool
	Handle(ctx context.Context, call *Call) (*ProxyMessage, error)
}

// HandlerRegistry is an ordered chain of handlers fixed at startup
type HandlerRegistry struct {
	handlers []MessageHandler
}

// NewHandlerRegistry creates a registry trying handlers in order
func NewHandlerRegistry(handlers ...MessageHandler) *HandlerRegistry {
	return &HandlerRegistry{handlers: handlers}
}

// Resolve returns the first handler able to serve h, or nil
func (r *HandlerRegistry) Resolve(h *Header) MessageHandler {
	for _, handler := range r.handlers {
		if handler.CanHandle(h) {
			return handler
		}
	}
	return nil
}

// Names lists the registered handlers in order
func (r *HandlerRegistry) Names() []string {
	names := make([]string, len(r.handlers))
	for i, h := range r.handlers {
		names[i] = h.Name()
	}
	return names
}

// AsyncQueue accepts messages to be delivered later
type AsyncQueue interface {
	Enqueue(ctx context.Context, msg *ProxyMessage) error
}

// asyncHandler queues requests flagged async and answers at once
type asyncHandler struct {
	queue AsyncQueue
}

func (a *asyncHandler) Name() string { return "async" }

func (a *asyncHandler) CanHandle(h *Header) bool { return h.Async }

func (a *asyncHandler) Handle(ctx context.Context, call *Call) (*ProxyMessage, error) {
	msg, err := call.Message(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.queue.Enqueue(ctx, msg); err != nil {
		return nil, ServerFault(CodeQueueFailed, err)
	}

	h := *call.Header
	if h.QueryID == "" {
		h.QueryID = uuid.NewString()
	}
	raw, err := Envelope(&h, etree.NewElement("queued"))
	if err != nil {
		return nil, err
	}
	return &ProxyMessage{Header: &h, Raw: raw}, nil
}

// ServiceListClients is the metadata service listing federation clients
const ServiceListClients = "listClients"

// ClientLister lists the clients registered in the federation
type ClientLister interface {
	Clients() []identifier.ClientID
}

// ListClientsHandler answers listClients calls addressed to the owner of
// this security server without relaying them.
type ListClientsHandler struct {
	owner  identifier.ClientID
	lister ClientLister
}

// NewListClientsHandler creates the handler for the server owned by owner
func NewListClientsHandler(owner identifier.ClientID, lister ClientLister) *ListClientsHandler {
	return &ListClientsHandler{owner: owner.Member(), lister: lister}
}

func (l *ListClientsHandler) Name() string { return "metadata" }

func (l *ListClientsHandler) CanHandle(h *Header) bool {
	return h.Service.ServiceCode == ServiceListClients && h.Service.Client.Member() == l.owner
}

func (l *ListClientsHandler) Handle(ctx context.Context, call *Call) (*ProxyMessage, error) {
	if _, err := call.Message(ctx); err != nil {
		return nil, err
	}

	body := etree.NewElement("xroad:listClientsResponse")
	for _, c := range l.lister.Clients() {
		member := body.CreateElement("xroad:member")
		objType := ObjectTypeMember
		if c.IsSubsystem() {
			objType = ObjectTypeSubsystem
		}
		id := member.CreateElement("xroad:id")
		id.CreateAttr("id:objectType", objType)
		appendClientID(id, c)
	}
	raw, err := Envelope(call.Header, body)
	if err != nil {
		return nil, err
	}
	return &ProxyMessage{Header: call.Header, Raw: raw}, nil
}
