package mime

import (
	"errors"
	"fmt"
	"io"
)

// ErrMissingPart is returned when a required part is absent
var ErrMissingPart = errors.New("missing multipart part")

// SignedMessage is the relay envelope: the message, its detached signature
// and optionally the revocation statuses of the signing certificate chain.
type SignedMessage struct {
	Message     []byte
	Signature   []byte
	OCSP        [][]byte
	ContentType string // of the message part, text/xml when empty
}

// Encode builds the multipart message
func (s *SignedMessage) Encode() *Message {
	ct := s.ContentType
	if ct == "" {
		ct = ContentTypeTextXML + "; charset=UTF-8"
	}
	parts := []Part{
		{ContentType: ct, Data: s.Message},
		{ContentType: ContentTypeSignature, Data: s.Signature},
	}
	for _, der := range s.OCSP {
		parts = append(parts, Part{ContentType: ContentTypeOCSPResponse, Data: der})
	}
	return NewMessage(parts)
}

// DecodeSigned parses a relay envelope from r
func DecodeSigned(r io.Reader, contentType string, maxPartSize int64) (*SignedMessage, error) {
	msg, err := Parse(r, contentType, maxPartSize)
	if err != nil {
		return nil, err
	}

	start := msg.Start()
	if start == nil {
		return nil, fmt.Errorf("%w: message", ErrMissingPart)
	}
	sigs := msg.PartsByType(ContentTypeSignature)
	if len(sigs) == 0 {
		return nil, fmt.Errorf("%w: signature", ErrMissingPart)
	}

	sm := &SignedMessage{
		Message:     start.Data,
		Signature:   sigs[0].Data,
		ContentType: start.ContentType,
	}
	for _, p := range msg.PartsByType(ContentTypeOCSPResponse) {
		sm.OCSP = append(sm.OCSP, p.Data)
	}
	return sm, nil
}
