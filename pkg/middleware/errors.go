package middleware

import (
	"net/http"
	"strconv"

	"github.com/tidwall/sjson"
)

// Error types used in OpenAI-style error bodies.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeAuthentication = "authentication_error"
	ErrTypeRateLimit      = "rate_limit_error"
	ErrTypeServer         = "server_error"
)

// ErrorBody builds {"error":{"message":..,"type":..,"param":null,"code":..}}.
func ErrorBody(message, errType, code string) []byte {
	body := []byte(`{"error":{}}`)
	body, _ = sjson.SetBytes(body, "error.message", message)
	body, _ = sjson.SetBytes(body, "error.type", errType)
	body, _ = sjson.SetRawBytes(body, "error.param", []byte("null"))
	if code == "" {
		body, _ = sjson.SetRawBytes(body, "error.code", []byte("null"))
	} else {
		body, _ = sjson.SetBytes(body, "error.code", code)
	}
	return body
}

// RespondError writes a gateway-local error in the shape OpenAI clients parse.
func RespondError(w http.ResponseWriter, status int, message, errType, code string) {
	body := ErrorBody(message, errType, code)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
