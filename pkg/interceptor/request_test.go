package interceptor

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParseAspirinRequest(t *testing.T) {
	body := `{"messages":[{"role":"user","content":"What is the SMILES for aspirin?"}],"model":"chemistry_agent","stream":false}`

	req, err := Parse([]byte(body), http.Header{"Authorization": {"Bearer sk-test"}})
	require.NoError(t, err)

	assert.Equal(t, "chemistry_agent", req.Model)
	assert.False(t, req.Stream)
	assert.Equal(t, 1, req.MessagesCount)
	assert.Equal(t, "What is the SMILES for aspirin?", req.UserMessage)
	assert.True(t, req.HasUserMessage())
	assert.Equal(t, "Bearer sk-test", req.IdentitySource().Header.Get("Authorization"))
	assert.False(t, req.ReceivedAt.IsZero())
}

func TestParsePicksLastUserMessage(t *testing.T) {
	body := `{
		"model": "gpt-4",
		"stream": true,
		"messages": [
			{"role": "system", "content": "You are a chemist."},
			{"role": "user", "content": "first question"},
			{"role": "assistant", "content": "an answer"},
			{"role": "user", "content": "second question"},
			{"role": "assistant", "content": "trailing"}
		]
	}`

	req, err := Parse([]byte(body), nil)
	require.NoError(t, err)
	assert.True(t, req.Stream)
	assert.Equal(t, 5, req.MessagesCount)
	assert.Equal(t, "second question", req.UserMessage)
}

func TestParseWithoutUserMessage(t *testing.T) {
	body := `{"model":"gpt-4","messages":[{"role":"system","content":"hello"}]}`

	req, err := Parse([]byte(body), nil)
	require.NoError(t, err)
	assert.False(t, req.HasUserMessage())

	req, err = Parse([]byte(`{"messages":[]}`), nil)
	require.NoError(t, err)
	assert.False(t, req.HasUserMessage())
	assert.Equal(t, 0, req.MessagesCount)
}

func TestParseContentParts(t *testing.T) {
	body := `{"model":"gpt-4o","messages":[{"role":"user","content":[
		{"type":"text","text":"Describe"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}},
		{"type":"text","text":" this molecule "}
	]}]}`

	req, err := Parse([]byte(body), nil)
	require.NoError(t, err)
	assert.Equal(t, "Describe this molecule", req.UserMessage)
}

func TestParseMetadata(t *testing.T) {
	body := `{
		"model": "gpt-4",
		"user": "u-42",
		"metadata": {"email": "Ada@Example.com", "name": "Ada", "conversation_id": "c-1"},
		"messages": [{"role": "user", "content": "hi"}]
	}`

	req, err := Parse([]byte(body), nil)
	require.NoError(t, err)
	assert.Equal(t, "u-42", req.UserID)
	assert.Equal(t, "Ada@Example.com", req.Email)
	assert.Equal(t, "Ada", req.Name)
	assert.Equal(t, "c-1", req.ConversationID)

	req, err = Parse([]byte(`{"metadata":{"user_id":"u-7"},"messages":[{"role":"user","content":"hi"}]}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "u-7", req.UserID)
}

func TestParseGzipBody(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"model":"gpt-4","messages":[{"role":"user","content":"compressed"}]}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req, err := Parse(buf.Bytes(), http.Header{"Content-Encoding": {"gzip"}})
	require.NoError(t, err)
	assert.Equal(t, "compressed", req.UserMessage)

	_, err = Parse([]byte("not gzip"), http.Header{"Content-Encoding": {"gzip"}})
	assert.ErrorIs(t, err, ErrMalformedRequest)
}

func TestParseRejectsMalformedBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ``},
		{"not json", `hello`},
		{"truncated", `{"messages":[`},
		{"array root", `[{"role":"user","content":"hi"}]`},
		{"missing messages", `{"model":"gpt-4"}`},
		{"messages not array", `{"messages":"hi"}`},
		{"model not string", `{"model":4,"messages":[]}`},
		{"stream not bool", `{"stream":"yes","messages":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body), nil)
			assert.ErrorIs(t, err, ErrMalformedRequest)
		})
	}
}

func TestParseAllowsNullsAndUnknownFields(t *testing.T) {
	req, err := Parse([]byte(`{"model":null,"stream":null,"temperature":0.2,"tools":[],"messages":[{"role":"user","content":"x"}]}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "", req.Model)
	assert.False(t, req.Stream)
}

func TestContentText(t *testing.T) {
	assert.Equal(t, "plain", ContentText(gjson.Parse(`"plain"`)))
	assert.Equal(t, "a b", ContentText(gjson.Parse(`[{"text":"a"},"ignored",{"text":"b"}]`)))
	assert.Equal(t, "", ContentText(gjson.Parse(`null`)))
	assert.Equal(t, "", ContentText(gjson.Parse(`{"text":"object"}`)))
}
