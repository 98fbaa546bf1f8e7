package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardlabs/toolgate/pkg/ledger"
	"github.com/wardlabs/toolgate/pkg/storage"
)

func decisionEntry(requestID, decisionHash, action string) ledger.Entry {
	return ledger.Entry{
		"schema_version": ledger.SchemaVersion,
		"ledger_version": ledger.LedgerVersion,
		"event":          ledger.EventDecision,
		"request_id":     requestID,
		"created_at":     "2026-03-14T09:26:53.589793Z",
		"action":         action,
		"agent_id":       "agent-1",
		"decision": map[string]any{
			"effect":        "allow",
			"reason":        "low risk",
			"reason_code":   "policy.allow.low_risk",
			"policy_id":     "default",
			"policy_hash":   "ph",
			"decision_hash": decisionHash,
		},
	}
}

func seedLedger(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	led := ledger.NewFileLedger(path, nil)
	ctx := context.Background()
	_, err := led.Append(ctx, decisionEntry("r-1", "d-1", "payments.transfer"))
	require.NoError(t, err)
	_, err = led.Append(ctx, decisionEntry("r-2", "d-2", "crm.lookup"))
	require.NoError(t, err)
	return path
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"toolgate"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	code, _, stderr := run(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Usage:")

	code, stdout, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "verify")

	code, _, stderr = run(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "unknown command")
}

func TestVerifyCommand(t *testing.T) {
	path := seedLedger(t)

	code, stdout, _ := run(t, "verify", path)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "verification ok")

	// Tamper and verify again.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "payments.transfer", "payments.drain", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	code, _, stderr := run(t, "verify", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "verify failed")

	code, stdout, _ = run(t, "verify", "--json", path)
	assert.Equal(t, 1, code)
	var result map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.Equal(t, "failed", result["status"])
}

func TestVerifyCommandUsageErrors(t *testing.T) {
	code, _, _ := run(t, "verify")
	assert.Equal(t, 2, code)

	code, _, stderr := run(t, "verify", "--backend", "postgres", "whatever")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown backend")
}

func TestExportCommandFormats(t *testing.T) {
	path := seedLedger(t)

	code, stdout, _ := run(t, "export", path)
	assert.Equal(t, 0, code)
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	assert.Len(t, lines, 2)

	code, stdout, _ = run(t, "export", "--format", "json", path)
	assert.Equal(t, 0, code)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &entries))
	assert.Len(t, entries, 2)

	code, stdout, _ = run(t, "export", "--format", "csv", path)
	assert.Equal(t, 0, code)
	csvLines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	require.Len(t, csvLines, 3)
	assert.Contains(t, csvLines[0], "decision_hash")
	assert.Contains(t, csvLines[1], "payments.transfer")

	code, _, _ = run(t, "export", "--format", "xml", path)
	assert.Equal(t, 1, code)
}

func TestExportCommandToFile(t *testing.T) {
	path := seedLedger(t)
	out := filepath.Join(t.TempDir(), "out.ndjson")

	code, _, _ := run(t, "export", "--output", out, path)
	assert.Equal(t, 0, code)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "r-1")
}

func TestFilterCommand(t *testing.T) {
	path := seedLedger(t)

	code, stdout, _ := run(t, "filter", "--request-id", "r-2", path)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "crm.lookup")
	assert.NotContains(t, stdout, "payments.transfer")

	code, stdout, _ = run(t, "filter", "--action", "payments.transfer", path)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "r-1")
	assert.NotContains(t, stdout, "r-2")

	// Out-of-range window matches nothing.
	code, stdout, _ = run(t, "filter", "--start", "2030-01-01", path)
	assert.Equal(t, 0, code)
	assert.Empty(t, strings.TrimSpace(stdout))

	code, _, _ = run(t, "filter", "--start", "not-a-time", path)
	assert.Equal(t, 2, code)

	code, _, _ = run(t, "filter", "--start", "2030-01-01", "--end", "2029-01-01", path)
	assert.Equal(t, 2, code)
}

func TestSearchCommand(t *testing.T) {
	path := seedLedger(t)

	code, stdout, _ := run(t, "search", "--query", "crm", path)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "r-2")
	assert.NotContains(t, stdout, "r-1")

	// Query is mandatory.
	code, _, _ = run(t, "search", path)
	assert.Equal(t, 2, code)
}

func TestKeygenCommand(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "private.pem")
	pub := filepath.Join(dir, "public.pem")

	code, stdout, _ := run(t, "keygen", "--private-key", priv, "--public-key", pub)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "wrote")

	privData, err := os.ReadFile(priv)
	require.NoError(t, err)
	_, err = ledger.LoadPrivateKey(privData)
	require.NoError(t, err)

	// Refuses to clobber without --overwrite.
	code, _, stderr := run(t, "keygen", "--private-key", priv, "--public-key", pub)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "already exists")

	code, _, _ = run(t, "keygen", "--overwrite", "--private-key", priv, "--public-key", pub)
	assert.Equal(t, 0, code)
}

func TestKeygenThenSignedVerify(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "private.pem")
	pub := filepath.Join(dir, "public.pem")
	code, _, _ := run(t, "keygen", "--private-key", priv, "--public-key", pub)
	require.Equal(t, 0, code)

	privData, err := os.ReadFile(priv)
	require.NoError(t, err)
	key, err := ledger.LoadPrivateKey(privData)
	require.NoError(t, err)

	path := filepath.Join(dir, "ledger.jsonl")
	led := ledger.NewFileLedger(path, key)
	_, err = led.Append(context.Background(), decisionEntry("r-1", "d-1", "payments.transfer"))
	require.NoError(t, err)

	code, _, _ = run(t, "verify", "--public-key", pub, path)
	assert.Equal(t, 0, code)

	// The wrong key fails.
	otherDir := t.TempDir()
	code, _, _ = run(t, "keygen",
		"--private-key", filepath.Join(otherDir, "p.pem"),
		"--public-key", filepath.Join(otherDir, "pub.pem"))
	require.Equal(t, 0, code)
	code, _, _ = run(t, "verify", "--public-key", filepath.Join(otherDir, "pub.pem"), path)
	assert.Equal(t, 1, code)
}

func TestReceiptCommand(t *testing.T) {
	path := seedLedger(t)

	code, stdout, _ := run(t, "receipt", "--request-id", "r-2", path)
	assert.Equal(t, 0, code)
	var receipt map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &receipt))
	assert.Equal(t, "r-2", receipt["request_id"])
	assert.Equal(t, "d-2", receipt["decision_hash"])
	assert.Equal(t, float64(2), receipt["ledger_position"])
	assert.NotEmpty(t, receipt["entry_hash"])

	code, stdout, _ = run(t, "receipt", "--decision-hash", "d-1", path)
	assert.Equal(t, 0, code)
	require.NoError(t, json.Unmarshal([]byte(stdout), &receipt))
	assert.Equal(t, "r-1", receipt["request_id"])

	// Exactly one selector.
	code, _, _ = run(t, "receipt", path)
	assert.Equal(t, 2, code)
	code, _, _ = run(t, "receipt", "--request-id", "r-1", "--decision-hash", "d-1", path)
	assert.Equal(t, 2, code)

	// Unknown target.
	code, _, stderr := run(t, "receipt", "--request-id", "r-404", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not found")
}

func TestSQLiteBackendMissingDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "absent.db")

	code, _, stderr := run(t, "verify", "--backend", "sqlite", dbPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "does not exist")

	// The read-only command must not have created the database.
	_, err := os.Stat(dbPath)
	assert.True(t, os.IsNotExist(err))
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ledger.db")

	registry := storage.NewRegistry()
	db, err := registry.Open(dbPath)
	require.NoError(t, err)
	led, err := ledger.NewSQLiteLedger(db, nil)
	require.NoError(t, err)
	_, err = led.Append(context.Background(), decisionEntry("r-1", "d-1", "payments.transfer"))
	require.NoError(t, err)
	require.NoError(t, registry.Close())

	code, stdout, _ := run(t, "verify", "--backend", "sqlite", dbPath)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "verification ok")

	code, stdout, _ = run(t, "export", "--backend", "sqlite", dbPath)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "r-1")

	code, stdout, _ = run(t, "receipt", "--backend", "sqlite", "--request-id", "r-1", dbPath)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "d-1")
}
