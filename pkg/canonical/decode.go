package canonical

import (
	"bytes"
	"encoding/json"
)

// Decode parses JSON text into the canonical value model. Numbers are kept as
// json.Number so exact decimals survive the round trip; Encode(Decode(x)) is
// byte-identical to x exactly when x is already canonical, which is what
// ledger verification relies on.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errf("invalid JSON: %v", err)
	}
	// Trailing garbage after the first value is never canonical.
	if dec.More() {
		return nil, errf("trailing data after JSON value")
	}
	return v, nil
}

// DecodeObject is Decode restricted to a top-level JSON object.
func DecodeObject(data []byte) (map[string]any, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errf("JSON value is not an object")
	}
	return obj, nil
}
