package relay

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrMalformedMessage is returned for input that is not a SOAP envelope
	ErrMalformedMessage = errors.New("malformed message")
	// ErrMessageTooLarge is returned when a message exceeds the decoder limit
	ErrMessageTooLarge = errors.New("message too large")
	// ErrMissingHeader is returned for requests without a routing header
	ErrMissingHeader = errors.New("message has no header")
)

// DefaultMaxMessageSize bounds decoded messages
const DefaultMaxMessageSize = 50 << 20

// Decoder reads an envelope from r. onHeader, when not nil, is called as
// soon as the header has been read, before the rest of the message.
type Decoder interface {
	Decode(ctx context.Context, r io.Reader, onHeader func(*Header)) (*ProxyMessage, error)
}

// XMLDecoder is a streaming SOAP envelope decoder
type XMLDecoder struct {
	MaxSize int64
}

// Decode implements Decoder. The header is optional so fault envelopes can
// be decoded too.
func (d *XMLDecoder) Decode(ctx context.Context, r io.Reader, onHeader func(*Header)) (*ProxyMessage, error) {
	max := d.MaxSize
	if max <= 0 {
		max = DefaultMaxMessageSize
	}

	var raw bytes.Buffer
	lr := &limitedReader{r: r, n: max}
	dec := xml.NewDecoder(io.TeeReader(lr, &raw))

	msg := &ProxyMessage{}
	depth := 0
	inBody := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			if lr.exceeded {
				return nil, fmt.Errorf("%w: limit is %d bytes", ErrMessageTooLarge, max)
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch {
			case depth == 1:
				if t.Name.Space != NamespaceSOAPEnv || t.Name.Local != "Envelope" {
					return nil, fmt.Errorf("%w: root element is %s", ErrMalformedMessage, t.Name.Local)
				}
			case depth == 2 && t.Name.Space == NamespaceSOAPEnv && t.Name.Local == "Header":
				if msg.Header != nil || inBody {
					return nil, fmt.Errorf("%w: unexpected header", ErrMalformedMessage)
				}
				var xh xmlHeader
				if err := dec.DecodeElement(&xh, &t); err != nil {
					return nil, fmt.Errorf("%w: header: %v", ErrMalformedMessage, err)
				}
				depth--
				msg.Header = xh.header()
				if onHeader != nil {
					onHeader(msg.Header)
				}
			case depth == 2 && t.Name.Space == NamespaceSOAPEnv && t.Name.Local == "Body":
				inBody = true
			case depth == 3 && inBody && t.Name.Space == NamespaceSOAPEnv && t.Name.Local == "Fault":
				var xf xmlFault
				if err := dec.DecodeElement(&xf, &t); err != nil {
					return nil, fmt.Errorf("%w: fault: %v", ErrMalformedMessage, err)
				}
				depth--
				msg.Fault = xf.fault()
			}
		case xml.EndElement:
			depth--
		}
	}

	if !inBody {
		return nil, fmt.Errorf("%w: no body", ErrMalformedMessage)
	}
	msg.Raw = raw.Bytes()
	return msg, nil
}

type xmlFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Actor  string `xml:"faultactor"`
	Detail struct {
		FaultDetail string `xml:"faultDetail"`
		Inner       string `xml:",innerxml"`
	} `xml:"detail"`
}

func (x *xmlFault) fault() *Fault {
	detail := strings.TrimSpace(x.Detail.FaultDetail)
	if detail == "" {
		detail = strings.TrimSpace(x.Detail.Inner)
	}
	return &Fault{
		Code:   strings.TrimSpace(x.Code),
		String: strings.TrimSpace(x.String),
		Actor:  strings.TrimSpace(x.Actor),
		Detail: detail,
	}
}

// limitedReader fails once more than n bytes have been read
type limitedReader struct {
	r        io.Reader
	n        int64
	exceeded bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n < 0 {
		l.exceeded = true
		return 0, ErrMessageTooLarge
	}
	if int64(len(p)) > l.n+1 {
		p = p[:l.n+1]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	if l.n < 0 {
		l.exceeded = true
		return n, ErrMessageTooLarge
	}
	return n, err
}
