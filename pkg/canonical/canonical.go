// Package canonical provides deterministic, injective serialization of a
// restricted JSON value model. The encoded bytes are the exact input to every
// ledger hash and signature, so two logically equal values must always render
// byte-identically regardless of map insertion order or decimal spelling.
//
// Supported values: nil, bool, Go integers, *apd.Decimal, json.Number,
// NFC-normalized strings, UTC time.Time, []any, and map[string]any. Binary
// floats are rejected outright: they are not portably round-trippable and
// would break cross-platform hash verification.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"
	"golang.org/x/text/unicode/norm"
)

// TimeFormat is the fixed rendering for datetimes: UTC, microsecond
// precision, literal Z suffix.
const TimeFormat = "2006-01-02T15:04:05.000000"

// Error is the single error kind for all canonicalization failures.
// It always carries a human-readable cause and never wraps I/O errors.
type Error struct {
	Cause string
}

func (e *Error) Error() string {
	return "canonicalize: " + e.Cause
}

func errf(format string, args ...any) *Error {
	return &Error{Cause: fmt.Sprintf(format, args...)}
}

// Encode returns the canonical byte serialization of v.
// Identical logical values produce byte-identical output.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SHA256Hex returns the hex-encoded SHA-256 digest of the canonical bytes.
func SHA256Hex(v any) (string, error) {
	data, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
	case float32, float64:
		return errf("float values are not permitted; use *apd.Decimal for exact numbers")
	case *apd.Decimal:
		text, err := formatDecimal(t)
		if err != nil {
			return err
		}
		buf.WriteString(text)
	case apd.Decimal:
		text, err := formatDecimal(&t)
		if err != nil {
			return err
		}
		buf.WriteString(text)
	case json.Number:
		d, _, err := apd.NewFromString(t.String())
		if err != nil {
			return errf("invalid number %q", t.String())
		}
		text, err := formatDecimal(d)
		if err != nil {
			return err
		}
		buf.WriteString(text)
	case string:
		return encodeString(buf, t)
	case time.Time:
		text, err := formatTime(t)
		if err != nil {
			return err
		}
		return encodeString(buf, text)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		return encodeObject(buf, t)
	default:
		return errf("unsupported type %T", v)
	}
	return nil
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	type pair struct {
		key   string
		value any
	}
	pairs := make([]pair, 0, len(m))
	seen := make(map[string]struct{}, len(m))
	for rawKey, value := range m {
		key, err := normalizeString(rawKey)
		if err != nil {
			return err
		}
		if _, dup := seen[key]; dup {
			return errf("duplicate key %q after normalization", key)
		}
		seen[key] = struct{}{}
		pairs = append(pairs, pair{key: key, value: value})
	}
	// Strict ascending byte order of the normalized UTF-8 form.
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	buf.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeEscaped(buf, p.key)
		buf.WriteByte(':')
		if err := encodeValue(buf, p.value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	normalized, err := normalizeString(s)
	if err != nil {
		return err
	}
	writeEscaped(buf, normalized)
	return nil
}

func normalizeString(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", errf("string is not valid UTF-8")
	}
	return norm.NFC.String(s), nil
}

// writeEscaped renders s as a JSON string with minimal escaping:
// quote, backslash, and control characters only. No HTML escaping and no
// forced ASCII escaping.
func writeEscaped(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// formatDecimal renders an exact decimal as fixed-point text: no exponent
// notation, trailing fractional zeros stripped, signed zero normalized to "0".
func formatDecimal(d *apd.Decimal) (string, error) {
	if d.Form != apd.Finite {
		return "", errf("NaN or infinite numbers are not permitted")
	}
	var reduced apd.Decimal
	reduced.Reduce(d)
	if reduced.IsZero() {
		return "0", nil
	}
	return reduced.Text('f'), nil
}

func formatTime(t time.Time) (string, error) {
	if t.Location() != time.UTC {
		return "", errf("datetime values must be UTC (got zone %q)", t.Location().String())
	}
	return t.Format(TimeFormat) + "Z", nil
}
