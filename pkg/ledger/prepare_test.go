package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardlabs/toolgate/pkg/canonical"
)

func testDecisionEntry(requestID, decisionHash string) Entry {
	return Entry{
		"schema_version":  SchemaVersion,
		"ledger_version":  LedgerVersion,
		"event":           EventDecision,
		"request_id":      requestID,
		"created_at":      "2026-03-14T09:26:53.589793Z",
		"action":          "payments.transfer",
		"agent_id":        "agent-1",
		"decision": map[string]any{
			"effect":        "allow",
			"reason":        "low risk",
			"reason_code":   "policy.allow.low_risk",
			"policy_id":     "default",
			"policy_hash":   "ph",
			"decision_hash": decisionHash,
		},
		"parameters": map[string]any{"amount": "10"},
	}
}

func testOutcomeEntry(requestID, decisionHash, status string) Entry {
	return Entry{
		"schema_version": SchemaVersion,
		"ledger_version": LedgerVersion,
		"event":          EventOutcome,
		"request_id":     requestID,
		"created_at":     "2026-03-14T09:26:54.000001Z",
		"action":         "payments.transfer",
		"agent_id":       "agent-1",
		"decision": map[string]any{
			"decision_hash": decisionHash,
		},
		"outcome": map[string]any{"status": status},
	}
}

func testCheckpointEntry() Entry {
	return Entry{
		"schema_version": SchemaVersion,
		"ledger_version": LedgerVersion,
		"event":          EventCheckpoint,
		"created_at":     "2026-03-14T09:26:55.000000Z",
		"agent_id":       "agent-1",
	}
}

func TestPrepareLinksAndHashes(t *testing.T) {
	first, firstHash, err := Prepare(testDecisionEntry("r-1", "d-1"), nil)
	require.NoError(t, err)
	assert.Nil(t, first["prev_entry_hash"])
	assert.Equal(t, firstHash, first["entry_hash"])
	assert.Len(t, firstHash, 64)

	second, secondHash, err := Prepare(testDecisionEntry("r-2", "d-2"), &firstHash)
	require.NoError(t, err)
	assert.Equal(t, firstHash, second["prev_entry_hash"])
	assert.NotEqual(t, firstHash, secondHash)
}

// Identical payloads at different chain positions hash differently: the
// previous hash is part of the hashed bytes.
func TestPrepareHashDependsOnChainPosition(t *testing.T) {
	entry := testDecisionEntry("r-1", "d-1")

	_, atGenesis, err := Prepare(entry, nil)
	require.NoError(t, err)

	prev := "a" + atGenesis[1:]
	_, linked, err := Prepare(entry, &prev)
	require.NoError(t, err)

	assert.NotEqual(t, atGenesis, linked)
}

func TestPrepareHashSelfConsistent(t *testing.T) {
	prepared, entryHash, err := Prepare(testDecisionEntry("r-1", "d-1"), nil)
	require.NoError(t, err)

	// Recomputing over the entry with its own hash nulled must reproduce it.
	blanked := deepCopy(prepared)
	blanked["entry_hash"] = nil
	recomputed, err := canonical.SHA256Hex(blanked)
	require.NoError(t, err)
	assert.Equal(t, entryHash, recomputed)
}

func TestPrepareDoesNotMutateInput(t *testing.T) {
	entry := testDecisionEntry("r-1", "d-1")
	entry["parameters"].(map[string]any)["note"] = "original"

	prepared, _, err := Prepare(entry, nil)
	require.NoError(t, err)
	prepared["parameters"].(map[string]any)["note"] = "changed"

	assert.Equal(t, "original", entry["parameters"].(map[string]any)["note"])
	_, hasHash := entry["entry_hash"]
	assert.False(t, hasHash)
}

func TestPrepareRejectsUnencodableEntries(t *testing.T) {
	entry := testDecisionEntry("r-1", "d-1")
	entry["parameters"] = map[string]any{"ratio": 0.5}
	_, _, err := Prepare(entry, nil)
	require.Error(t, err)
}
