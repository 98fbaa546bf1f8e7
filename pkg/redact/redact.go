// Package redact strips secret-looking material from call parameters before
// they are hashed, evaluated, or written to the ledger. Redaction is
// deterministic and type-preserving for safe primitives so policies can still
// do numeric comparisons on redacted input.
package redact

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Redacted replaces any sensitive value. Already-redacted values pass
// through unchanged so redaction is idempotent.
const Redacted = "[redacted]"

var sensitiveKeyTerms = []string{
	"api_key",
	"apikey",
	"token",
	"secret",
	"password",
	"passwd",
	"authorization",
	"bearer",
	"private_key",
	"privatekey",
	"access_key",
	"accesskey",
	"credential",
	"session",
	"jwt",
	"auth",
}

var sensitiveValuePrefixes = []string{
	"sk-",
	"rk-",
	"ghp_",
	"github_pat_",
	"xoxb-",
	"xoxa-",
}

// SensitiveKey reports whether a parameter name looks like it names a secret.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range sensitiveKeyTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// SensitiveValue reports whether a string value looks like secret material:
// JWT shape, bearer prefix, known token prefixes, or PEM blocks.
func SensitiveValue(value string) bool {
	s := strings.TrimSpace(value)
	if strings.Count(s, ".") == 2 && len(s) >= 24 {
		return true
	}
	if strings.HasPrefix(strings.ToLower(s), "bearer ") {
		return true
	}
	for _, prefix := range sensitiveValuePrefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return strings.Contains(s, "-----BEGIN")
}

// Value redacts one value found under key (empty key for list elements and
// top-level values). Safe primitives pass through unchanged; anything the
// canonical encoder could not represent becomes a typed placeholder instead
// of an error.
func Value(key string, value any) any {
	if value == Redacted {
		return Redacted
	}
	if key != "" && SensitiveKey(key) {
		return Redacted
	}

	switch t := value.(type) {
	case nil, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		*apd.Decimal, apd.Decimal:
		return value
	case float32, float64:
		// Passed through untouched so the canonical encoder rejects them
		// loudly instead of redaction hiding the caller's mistake.
		return value
	case string:
		if SensitiveValue(t) {
			return Redacted
		}
		return t
	case []byte:
		return fmt.Sprintf("<bytes:%d>", len(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Value("", item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = Value(k, v)
		}
		return out
	default:
		return fmt.Sprintf("<%T>", value)
	}
}

// Parameters redacts a whole parameter map.
func Parameters(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = Value(k, v)
	}
	return out
}
