package relay

import (
	"strings"

	"github.com/beevik/etree"

	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
)

// XML namespaces of relayed messages
const (
	NamespaceSOAPEnv     = "http://schemas.xmlsoap.org/soap/envelope/"
	NamespaceXRoad       = "http://x-road.eu/xsd/xroad.xsd"
	NamespaceIdentifiers = "http://x-road.eu/xsd/identifiers"
)

// Object types of encoded identifiers
const (
	ObjectTypeMember    = "MEMBER"
	ObjectTypeSubsystem = "SUBSYSTEM"
	ObjectTypeService   = "SERVICE"
)

// RequestHash is the hash of the request carried in a response header
type RequestHash struct {
	Algorithm string // digest method URI, SHA-512 when empty
	Value     string // base64
}

// Header is the routing header of a relayed message
type Header struct {
	Client          identifier.ClientID
	Service         identifier.ServiceID
	QueryID         string
	UserID          string
	Issue           string
	ProtocolVersion string
	RequestHash     *RequestHash
	Async           bool
}

// ProxyMessage is a decoded envelope. Raw holds the exact bytes received,
// which are what gets signed and logged.
type ProxyMessage struct {
	Header *Header
	Raw    []byte
	Fault  *Fault

	// Signature and OCSP are set on messages received from a peer
	Signature []byte
	OCSP      [][]byte
}

// Envelope builds a SOAP envelope with h as its header and body as the only
// body element. A nil body yields an empty Body.
func Envelope(h *Header, body *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("SOAP-ENV:Envelope")
	env.CreateAttr("xmlns:SOAP-ENV", NamespaceSOAPEnv)
	env.CreateAttr("xmlns:xroad", NamespaceXRoad)
	env.CreateAttr("xmlns:id", NamespaceIdentifiers)

	if h != nil {
		env.AddChild(h.element())
	}
	b := env.CreateElement("SOAP-ENV:Body")
	if body != nil {
		b.AddChild(body)
	}
	return doc.WriteToBytes()
}

func (h *Header) element() *etree.Element {
	el := etree.NewElement("SOAP-ENV:Header")

	client := el.CreateElement("xroad:client")
	objType := ObjectTypeMember
	if h.Client.IsSubsystem() {
		objType = ObjectTypeSubsystem
	}
	client.CreateAttr("id:objectType", objType)
	appendClientID(client, h.Client)

	service := el.CreateElement("xroad:service")
	service.CreateAttr("id:objectType", ObjectTypeService)
	appendClientID(service, h.Service.Client)
	service.CreateElement("id:serviceCode").SetText(h.Service.ServiceCode)
	if h.Service.Version != "" {
		service.CreateElement("id:serviceVersion").SetText(h.Service.Version)
	}

	el.CreateElement("xroad:id").SetText(h.QueryID)
	if h.UserID != "" {
		el.CreateElement("xroad:userId").SetText(h.UserID)
	}
	if h.Issue != "" {
		el.CreateElement("xroad:issue").SetText(h.Issue)
	}
	el.CreateElement("xroad:protocolVersion").SetText(h.ProtocolVersion)
	if h.RequestHash != nil {
		rh := el.CreateElement("xroad:requestHash")
		if h.RequestHash.Algorithm != "" {
			rh.CreateAttr("algorithmId", h.RequestHash.Algorithm)
		}
		rh.SetText(h.RequestHash.Value)
	}
	if h.Async {
		el.CreateElement("xroad:async").SetText("true")
	}
	return el
}

func appendClientID(el *etree.Element, c identifier.ClientID) {
	el.CreateElement("id:xRoadInstance").SetText(c.Instance)
	el.CreateElement("id:memberClass").SetText(c.MemberClass)
	el.CreateElement("id:memberCode").SetText(c.MemberCode)
	if c.Subsystem != "" {
		el.CreateElement("id:subsystemCode").SetText(c.Subsystem)
	}
}

// xml binding of the header, decoded by XMLDecoder

type xmlHeader struct {
	Client          xmlClient       `xml:"http://x-road.eu/xsd/xroad.xsd client"`
	Service         xmlService      `xml:"http://x-road.eu/xsd/xroad.xsd service"`
	QueryID         string          `xml:"http://x-road.eu/xsd/xroad.xsd id"`
	UserID          string          `xml:"http://x-road.eu/xsd/xroad.xsd userId"`
	Issue           string          `xml:"http://x-road.eu/xsd/xroad.xsd issue"`
	ProtocolVersion string          `xml:"http://x-road.eu/xsd/xroad.xsd protocolVersion"`
	RequestHash     *xmlRequestHash `xml:"http://x-road.eu/xsd/xroad.xsd requestHash"`
	Async           string          `xml:"http://x-road.eu/xsd/xroad.xsd async"`
}

type xmlClient struct {
	Instance    string `xml:"http://x-road.eu/xsd/identifiers xRoadInstance"`
	MemberClass string `xml:"http://x-road.eu/xsd/identifiers memberClass"`
	MemberCode  string `xml:"http://x-road.eu/xsd/identifiers memberCode"`
	Subsystem   string `xml:"http://x-road.eu/xsd/identifiers subsystemCode"`
}

type xmlService struct {
	xmlClient
	ServiceCode    string `xml:"http://x-road.eu/xsd/identifiers serviceCode"`
	ServiceVersion string `xml:"http://x-road.eu/xsd/identifiers serviceVersion"`
}

type xmlRequestHash struct {
	Algorithm string `xml:"algorithmId,attr"`
	Value     string `xml:",chardata"`
}

func (c xmlClient) id() identifier.ClientID {
	return identifier.ClientID{
		Instance:    strings.TrimSpace(c.Instance),
		MemberClass: strings.TrimSpace(c.MemberClass),
		MemberCode:  strings.TrimSpace(c.MemberCode),
		Subsystem:   strings.TrimSpace(c.Subsystem),
	}
}

func (x *xmlHeader) header() *Header {
	h := &Header{
		Client: x.Client.id(),
		Service: identifier.ServiceID{
			Client:      x.Service.id(),
			ServiceCode: strings.TrimSpace(x.Service.ServiceCode),
			Version:     strings.TrimSpace(x.Service.ServiceVersion),
		},
		QueryID:         strings.TrimSpace(x.QueryID),
		UserID:          strings.TrimSpace(x.UserID),
		Issue:           strings.TrimSpace(x.Issue),
		ProtocolVersion: strings.TrimSpace(x.ProtocolVersion),
		Async:           strings.TrimSpace(x.Async) == "true",
	}
	if x.RequestHash != nil {
		h.RequestHash = &RequestHash{
			Algorithm: strings.TrimSpace(x.RequestHash.Algorithm),
			Value:     strings.TrimSpace(x.RequestHash.Value),
		}
	}
	return h
}
