// Package mime implements the MIME multipart/related envelope exchanged
// between security servers
package mime

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

const (
	// ContentTypeMultipartRelated is the MIME type for multipart/related
	ContentTypeMultipartRelated = "multipart/related"
	// ContentTypeTextXML is the MIME type of relayed messages
	ContentTypeTextXML = "text/xml"
	// ContentTypeSignature is the MIME type of detached message signatures
	ContentTypeSignature = "application/signature+xml"
	// ContentTypeOCSPResponse is the MIME type of DER OCSP responses
	ContentTypeOCSPResponse = "application/ocsp-response"
)

// Message represents a multipart/related message
type Message struct {
	Boundary    string
	ContentType string
	StartID     string
	Type        string
	Parts       []Part
}

// Part represents one MIME part
type Part struct {
	ContentID       string
	ContentType     string
	ContentTransfer string
	Data            []byte
	Headers         textproto.MIMEHeader
}

// NewMessage creates a multipart/related message. The first part is the
// start part.
func NewMessage(parts []Part) *Message {
	m := &Message{
		Boundary:    generateBoundary(),
		ContentType: ContentTypeMultipartRelated,
		Parts:       parts,
	}
	if len(parts) > 0 {
		if parts[0].ContentID == "" {
			m.Parts[0].ContentID = newContentID()
		}
		m.StartID = m.Parts[0].ContentID
		m.Type = mediaTypeOf(parts[0].ContentType)
	}
	return m
}

// Header returns the Content-Type header value of the message
func (m *Message) Header() string {
	params := map[string]string{"boundary": m.Boundary}
	if m.Type != "" {
		params["type"] = m.Type
	}
	if m.StartID != "" {
		params["start"] = GetContentIDWithoutBrackets(m.StartID)
	}
	return mime.FormatMediaType(m.ContentType, params)
}

// WriteTo streams the message body to w
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	writer := multipart.NewWriter(cw)

	if err := writer.SetBoundary(m.Boundary); err != nil {
		return cw.n, fmt.Errorf("failed to set boundary: %w", err)
	}

	for _, p := range m.Parts {
		header := textproto.MIMEHeader{}
		contentType := p.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)

		transferEncoding := p.ContentTransfer
		if transferEncoding == "" {
			transferEncoding = "binary"
		}
		header.Set("Content-Transfer-Encoding", transferEncoding)

		contentID := p.ContentID
		if contentID == "" {
			contentID = newContentID()
		}
		header.Set("Content-ID", AddContentIDBrackets(contentID))

		for key, values := range p.Headers {
			for _, value := range values {
				header.Add(key, value)
			}
		}

		part, err := writer.CreatePart(header)
		if err != nil {
			return cw.n, fmt.Errorf("failed to create part: %w", err)
		}
		if _, err := part.Write(p.Data); err != nil {
			return cw.n, fmt.Errorf("failed to write part: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return cw.n, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return cw.n, nil
}

// Serialize returns the message body and its Content-Type header value
func (m *Message) Serialize() ([]byte, string, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), m.Header(), nil
}

// Parse parses a MIME multipart message. Parts larger than maxPartSize
// are rejected when maxPartSize is positive.
func Parse(r io.Reader, contentType string, maxPartSize int64) (*Message, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to parse content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("not a multipart message: %s", mediaType)
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("boundary not found in content type")
	}

	msg := &Message{
		Boundary:    boundary,
		ContentType: mediaType,
		StartID:     params["start"],
		Type:        params["type"],
	}

	reader := multipart.NewReader(r, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read part: %w", err)
		}

		var src io.Reader = part
		if maxPartSize > 0 {
			src = io.LimitReader(part, maxPartSize+1)
		}
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, fmt.Errorf("failed to read part data: %w", err)
		}
		if maxPartSize > 0 && int64(len(data)) > maxPartSize {
			return nil, fmt.Errorf("part exceeds %d bytes", maxPartSize)
		}

		msg.Parts = append(msg.Parts, Part{
			ContentID:       part.Header.Get("Content-ID"),
			ContentType:     part.Header.Get("Content-Type"),
			ContentTransfer: part.Header.Get("Content-Transfer-Encoding"),
			Data:            data,
			Headers:         part.Header,
		})
	}

	return msg, nil
}

// Start returns the start part: the one referenced by the start parameter,
// or the first part
func (m *Message) Start() *Part {
	if m.StartID != "" {
		if p := m.PartByContentID(m.StartID); p != nil {
			return p
		}
	}
	if len(m.Parts) == 0 {
		return nil
	}
	return &m.Parts[0]
}

// PartByContentID finds a part by its Content-ID
// Handles various Content-ID formats (with/without cid:, angle brackets)
func (m *Message) PartByContentID(contentID string) *Part {
	normalizedSearch := normalizeContentID(contentID)
	for i := range m.Parts {
		if normalizeContentID(m.Parts[i].ContentID) == normalizedSearch {
			return &m.Parts[i]
		}
	}
	return nil
}

// PartsByType returns all parts with the given media type in order
func (m *Message) PartsByType(mediaType string) []*Part {
	var result []*Part
	for i := range m.Parts {
		if mediaTypeOf(m.Parts[i].ContentType) == mediaType {
			result = append(result, &m.Parts[i])
		}
	}
	return result
}

// normalizeContentID normalizes a Content-ID for comparison
func normalizeContentID(contentID string) string {
	contentID = strings.TrimPrefix(contentID, "cid:")
	contentID = strings.TrimPrefix(contentID, "<")
	contentID = strings.TrimSuffix(contentID, ">")
	return contentID
}

func mediaTypeOf(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return mt
}

func newContentID() string {
	return fmt.Sprintf("<%s@xroad>", uuid.New().String())
}

// generateBoundary generates a MIME boundary string
func generateBoundary() string {
	return fmt.Sprintf("xroad%s", strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// GetContentIDWithoutBrackets removes < and > from Content-ID
func GetContentIDWithoutBrackets(contentID string) string {
	contentID = strings.TrimPrefix(contentID, "<")
	contentID = strings.TrimSuffix(contentID, ">")
	return contentID
}

// AddContentIDBrackets adds < and > to Content-ID if not present
func AddContentIDBrackets(contentID string) string {
	if !strings.HasPrefix(contentID, "<") {
		contentID = "<" + contentID
	}
	if !strings.HasSuffix(contentID, ">") {
		contentID = contentID + ">"
	}
	return contentID
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
