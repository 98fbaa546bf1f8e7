package ledger

import (
	"github.com/wardlabs/toolgate/pkg/canonical"
)

// Prepare completes a caller-built entry for appending: it links the entry to
// the previous chain hash, hashes the entry with its own entry_hash nulled,
// and writes the digest back in. This is the single source of truth for
// chain hashing; every backend must go through it so hashes stay compatible
// across storage variants.
//
// prevHash is nil for the first entry of a chain.
func Prepare(entry Entry, prevHash *string) (Entry, string, error) {
	candidate := deepCopy(entry)
	if prevHash == nil {
		candidate["prev_entry_hash"] = nil
	} else {
		candidate["prev_entry_hash"] = *prevHash
	}
	candidate["entry_hash"] = nil

	entryHash, err := canonical.SHA256Hex(candidate)
	if err != nil {
		return nil, "", err
	}
	candidate["entry_hash"] = entryHash
	return candidate, entryHash, nil
}

// deepCopy clones maps and slices so Prepare and verification never mutate
// caller-owned or stored entries. Leaf values in the canonical model are
// immutable and shared as-is.
func deepCopy(v any) Entry {
	return copyValue(v).(Entry)
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
