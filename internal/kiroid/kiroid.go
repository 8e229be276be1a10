// Package kiroid mints the stable host fingerprint and the various ID formats
// the gateway and the upstream protocol expect.
package kiroid

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/google/uuid"
)

const fingerprintFallback = "default-kiro-2api"

// Fingerprint returns sha256("{hostname}-{username}-kiro-2api") as a lowercase
// hex string. When the host or user identity cannot be determined it returns
// the sha256 hex of a fixed fallback string instead, matching the original
// tool's behavior of never failing fingerprint generation outright.
func Fingerprint() string {
	input := fingerprintFallback
	hostname, err := os.Hostname()
	username := currentUsername()
	if err == nil && hostname != "" && username != "" {
		input = hostname + "-" + username + "-kiro-2api"
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func currentUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return ""
}

// Short16 returns the first 16 hex characters of the fingerprint, used in the
// SOCIAL refresh User-Agent header.
func Short16() string {
	fp := Fingerprint()
	if len(fp) < 16 {
		return fp
	}
	return fp[:16]
}

// Short32 returns the first 32 hex characters of the fingerprint, used in the
// upstream completion/catalogue User-Agent headers.
func Short32() string {
	fp := Fingerprint()
	if len(fp) < 32 {
		return fp
	}
	return fp[:32]
}

// CompletionID mints a "chatcmpl-<hex>" identifier for a chat completion,
// matching the original tool's uuid4().hex (no hyphens) formatting.
func CompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// ConversationID mints a fresh conversation identifier.
func ConversationID() string {
	return uuid.New().String()
}

// ToolCallID mints a "call_<hex8>" identifier for a synthesized tool call.
func ToolCallID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	if len(raw) > 8 {
		raw = raw[:8]
	}
	return "call_" + raw
}

// RequestID mints a fresh request-correlation identifier.
func RequestID() string {
	return uuid.New().String()
}
