package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys that carry payment or key material and must never appear verbatim.
var sensitiveKeys = map[string]struct{}{
	"invoice":      {},
	"paymenthash":  {},
	"payment_hash": {},
	"privatekey":   {},
	"private_key":  {},
	"nsec":         {},
	"secret":       {},
	"token":        {},
	"sig":          {},
	"signature":    {},
}

// IsSensitive reports whether a log key carries material that must be masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// MaskValue returns the redacted placeholder for non-empty values. Empty
// values pass through so absent fields stay readable.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr, masking the value when the key is sensitive.
// The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
