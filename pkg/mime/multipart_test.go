package mime

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage([]Part{
		{ContentType: "text/xml; charset=UTF-8", Data: []byte("<a/>")},
		{ContentType: ContentTypeSignature, Data: []byte("<sig/>")},
	})

	assert.Equal(t, ContentTypeMultipartRelated, msg.ContentType)
	assert.True(t, strings.HasPrefix(msg.Boundary, "xroad"))
	assert.Equal(t, "text/xml", msg.Type)
	assert.NotEmpty(t, msg.StartID)
	assert.Equal(t, msg.Parts[0].ContentID, msg.StartID)
}

func TestSerializeAndParse(t *testing.T) {
	msg := NewMessage([]Part{
		{ContentType: ContentTypeTextXML, Data: []byte("<message/>")},
		{ContentType: ContentTypeOCSPResponse, Data: []byte{0x30, 0x01, 0x00}},
		{ContentType: ContentTypeOCSPResponse, Data: []byte{0x30, 0x02, 0x01}},
	})

	body, contentType, err := msg.Serialize()
	require.NoError(t, err)
	assert.Contains(t, contentType, "multipart/related")
	assert.Contains(t, contentType, msg.Boundary)

	parsed, err := Parse(bytes.NewReader(body), contentType, 0)
	require.NoError(t, err)
	require.Len(t, parsed.Parts, 3)

	start := parsed.Start()
	require.NotNil(t, start)
	assert.Equal(t, []byte("<message/>"), start.Data)

	ocsp := parsed.PartsByType(ContentTypeOCSPResponse)
	require.Len(t, ocsp, 2)
	assert.Equal(t, []byte{0x30, 0x01, 0x00}, ocsp[0].Data)
	assert.Equal(t, []byte{0x30, 0x02, 0x01}, ocsp[1].Data)
}

func TestWriteTo_Count(t *testing.T) {
	msg := NewMessage([]Part{{ContentType: ContentTypeTextXML, Data: []byte("x")}})

	var buf bytes.Buffer
	n, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(strings.NewReader(""), "text/xml", 0)
	assert.Error(t, err)

	_, err = Parse(strings.NewReader(""), "multipart/related", 0)
	assert.Error(t, err)

	_, err = Parse(strings.NewReader(""), "bad;;", 0)
	assert.Error(t, err)
}

func TestParse_PartTooLarge(t *testing.T) {
	msg := NewMessage([]Part{{ContentType: ContentTypeTextXML, Data: bytes.Repeat([]byte("a"), 100)}})
	body, contentType, err := msg.Serialize()
	require.NoError(t, err)

	_, err = Parse(bytes.NewReader(body), contentType, 10)
	assert.Error(t, err)

	_, err = Parse(bytes.NewReader(body), contentType, 100)
	assert.NoError(t, err)
}

func TestPartByContentID(t *testing.T) {
	msg := &Message{Parts: []Part{{ContentID: "<abc@xroad>"}}}

	assert.NotNil(t, msg.PartByContentID("cid:abc@xroad"))
	assert.NotNil(t, msg.PartByContentID("abc@xroad"))
	assert.NotNil(t, msg.PartByContentID("<abc@xroad>"))
	assert.Nil(t, msg.PartByContentID("other"))
}

func TestContentIDBrackets(t *testing.T) {
	assert.Equal(t, "<id>", AddContentIDBrackets("id"))
	assert.Equal(t, "<id>", AddContentIDBrackets("<id>"))
	assert.Equal(t, "id", GetContentIDWithoutBrackets("<id>"))
}

func TestSignedMessage_RoundTrip(t *testing.T) {
	sm := &SignedMessage{
		Message:   []byte("<message>hello</message>"),
		Signature: []byte("<ds:Signature/>"),
		OCSP:      [][]byte{{1, 2, 3}},
	}

	body, contentType, err := sm.Encode().Serialize()
	require.NoError(t, err)

	got, err := DecodeSigned(bytes.NewReader(body), contentType, 0)
	require.NoError(t, err)
	assert.Equal(t, sm.Message, got.Message)
	assert.Equal(t, sm.Signature, got.Signature)
	assert.Equal(t, sm.OCSP, got.OCSP)
	assert.Contains(t, got.ContentType, ContentTypeTextXML)
}

func TestDecodeSigned_MissingSignature(t *testing.T) {
	msg := NewMessage([]Part{{ContentType: ContentTypeTextXML, Data: []byte("<m/>")}})
	body, contentType, err := msg.Serialize()
	require.NoError(t, err)

	_, err = DecodeSigned(bytes.NewReader(body), contentType, 0)
	assert.ErrorIs(t, err, ErrMissingPart)
}
