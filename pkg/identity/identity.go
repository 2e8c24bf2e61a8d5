// Package identity derives the stable user key each logged request is filed under.
//
// The rule "auto" prefers what the chat client says about the user (email, then
// user id) and falls back to a hash of the presented credential. Requests that
// carry neither land on the shared Anonymous key so they are still recorded.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// Anonymous is the key for requests without any usable identity.
const Anonymous = "anonymous"

// Longer raw values are replaced by their hash to stay within storage limits.
const maxRawLength = 200

// Source is everything a Resolver may look at.
type Source struct {
	Header http.Header
	UserID string // payload "user" or metadata.user_id
	Email  string // metadata.email
}

// Resolver maps a request to its user key. It must be deterministic and
// never return an empty string.
type Resolver func(Source) string

// ForRule returns the resolver for a configured rule name.
func ForRule(rule string) (Resolver, error) {
	switch rule {
	case "", "auto":
		return Auto, nil
	case "credential":
		return withFallback(FromCredential), nil
	case "payload":
		return withFallback(FromPayload), nil
	case "anonymous":
		return func(Source) string { return Anonymous }, nil
	default:
		return nil, fmt.Errorf("unknown identity rule %q", rule)
	}
}

// Auto tries the payload first, then the credential, then Anonymous.
func Auto(src Source) string {
	if key := FromPayload(src); key != "" {
		return key
	}
	if key := FromCredential(src); key != "" {
		return key
	}
	return Anonymous
}

// FromPayload keys by email (case-insensitive) or by client-supplied user id.
func FromPayload(src Source) string {
	if email := strings.ToLower(strings.TrimSpace(src.Email)); email != "" {
		return bounded("email", email)
	}
	if id := strings.TrimSpace(src.UserID); id != "" {
		return bounded("user", id)
	}
	return ""
}

// FromCredential keys by a hash of the bearer token or X-API-Key header.
// The raw credential never reaches storage.
func FromCredential(src Source) string {
	token := Credential(src.Header)
	if token == "" {
		return ""
	}
	return "key:" + HashCredential(token)
}

// Credential extracts the caller's API credential, if any.
// Format: "Authorization: Bearer <token>" or "X-API-Key: <token>".
func Credential(h http.Header) string {
	if h == nil {
		return ""
	}
	if auth := h.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(h.Get("X-API-Key"))
}

// HashCredential returns the first 16 hex characters of sha256(token).
func HashCredential(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}

// GenerateKey creates a cryptographically secure random key with the given prefix.
func GenerateKey(prefix string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}

func withFallback(r Resolver) Resolver {
	return func(src Source) string {
		if key := r(src); key != "" {
			return key
		}
		return Anonymous
	}
}

func bounded(kind, value string) string {
	if len(value) > maxRawLength || strings.ContainsAny(value, "\x00\r\n") {
		return kind + ":sha256:" + HashCredential(value)
	}
	return kind + ":" + value
}
