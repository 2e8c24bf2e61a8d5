package interceptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"

	"github.com/ngoyal88/searchlog/pkg/identity"
)

// ErrMalformedRequest is returned by Parse for bodies that do not follow the
// chat completion schema. Such requests are neither forwarded nor logged.
var ErrMalformedRequest = errors.New("malformed completion request")

// maxInspectBytes caps how much of a compressed body is inflated for inspection.
const maxInspectBytes = 32 << 20

// Request is what the interceptor extracts from one completion request.
// The original body is not kept here; the proxy forwards it untouched.
type Request struct {
	Model          string
	Stream         bool
	MessagesCount  int
	UserMessage    string // text of the last user-role message, "" when there is none
	ConversationID string

	UserID string
	Email  string
	Name   string
	Header http.Header

	RequestID  string
	ReceivedAt time.Time
}

// HasUserMessage reports whether a search record can be written for the request.
func (r *Request) HasUserMessage() bool {
	return r.UserMessage != ""
}

// IdentitySource is the input for identity resolution.
func (r *Request) IdentitySource() identity.Source {
	return identity.Source{Header: r.Header, UserID: r.UserID, Email: r.Email}
}

// Parse validates body and extracts the fields used for logging.
//
// Parse only rejects what the schema forbids: a body that is not a JSON object,
// missing or non-array "messages", a non-string "model" or a non-bool "stream".
// Everything else, including unknown fields, passes through.
func Parse(body []byte, header http.Header) (*Request, error) {
	if strings.EqualFold(strings.TrimSpace(header.Get("Content-Encoding")), "gzip") {
		inflated, err := gunzip(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		body = inflated
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrMalformedRequest)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrMalformedRequest)
	}

	messages := root.Get("messages")
	if !messages.IsArray() {
		return nil, fmt.Errorf("%w: messages must be an array", ErrMalformedRequest)
	}

	model := root.Get("model")
	if model.Exists() && model.Type != gjson.String && model.Type != gjson.Null {
		return nil, fmt.Errorf("%w: model must be a string", ErrMalformedRequest)
	}

	stream := root.Get("stream")
	if stream.Exists() && stream.Type != gjson.True && stream.Type != gjson.False && stream.Type != gjson.Null {
		return nil, fmt.Errorf("%w: stream must be a boolean", ErrMalformedRequest)
	}

	list := messages.Array()
	req := &Request{
		Model:         model.String(),
		Stream:        stream.Bool(),
		MessagesCount: len(list),
		UserMessage:   lastUserMessage(list),
		Header:        header.Clone(),
		ReceivedAt:    time.Now(),
	}

	metadata := root.Get("metadata")
	req.ConversationID = firstString(root.Get("conversation_id"), metadata.Get("conversation_id"))
	req.UserID = firstString(root.Get("user"), metadata.Get("user_id"))
	req.Email = firstString(metadata.Get("email"))
	req.Name = firstString(metadata.Get("name"))

	return req, nil
}

// lastUserMessage walks backwards to the most recent user turn.
func lastUserMessage(messages []gjson.Result) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Get("role").String() != "user" {
			continue
		}
		return ContentText(msg.Get("content"))
	}
	return ""
}

// ContentText flattens message content. Plain strings are returned as is;
// arrays of content parts contribute the "text" of each part, joined by spaces.
func ContentText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var bits []string
		content.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); part.IsObject() && text.Exists() {
				if s := strings.TrimSpace(text.String()); s != "" {
					bits = append(bits, s)
				}
			}
			return true
		})
		return strings.Join(bits, " ")
	default:
		return ""
	}
}

func firstString(values ...gjson.Result) string {
	for _, v := range values {
		if v.Type == gjson.String || v.Type == gjson.Number {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func gunzip(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, maxInspectBytes))
}
