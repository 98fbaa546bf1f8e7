package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wardlabs/toolgate/pkg/ledger"
)

// runReceiptCmd produces a compact proof bundle for one decision entry:
// chain position, hashes, signature, and decision metadata. Lookup is by
// exactly one of --request-id or --decision-hash.
func runReceiptCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("receipt", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		backend      string
		requestID    string
		decisionHash string
		output       string
	)
	cmd.StringVar(&backend, "backend", "file", "Ledger backend: file or sqlite")
	cmd.StringVar(&requestID, "request-id", "", "Look up the decision entry for this request_id")
	cmd.StringVar(&decisionHash, "decision-hash", "", "Look up the decision entry with this decision_hash")
	cmd.StringVar(&output, "output", "", "Write to file instead of stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: toolgate receipt [flags] <ledger-path>")
		return 2
	}
	if (requestID == "") == (decisionHash == "") {
		_, _ = fmt.Fprintln(stderr, "provide exactly one of --request-id or --decision-hash")
		return 2
	}

	handle, err := openLedger(cmd.Arg(0), backend)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "receipt failed: %v\n", err)
		return 1
	}
	defer handle.Close()

	entries, err := handle.reader.Entries(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "receipt failed: %v\n", err)
		return 1
	}

	for idx, entry := range entries {
		if entry["event"] != ledger.EventDecision {
			continue
		}
		decision, ok := entry["decision"].(map[string]any)
		if !ok {
			continue
		}
		if requestID != "" && entry["request_id"] != requestID {
			continue
		}
		if decisionHash != "" && decision["decision_hash"] != decisionHash {
			continue
		}

		receipt := map[string]any{
			"ledger_position": idx + 1,
			"schema_version":  entry["schema_version"],
			"ledger_version":  entry["ledger_version"],
			"request_id":      entry["request_id"],
			"created_at":      entry["created_at"],
			"policy_id":       decision["policy_id"],
			"policy_hash":     decision["policy_hash"],
			"decision_hash":   decision["decision_hash"],
			"entry_hash":      entry["entry_hash"],
			"entry_signature": entry["entry_signature"],
		}
		out := stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "receipt failed: %v\n", err)
				return 1
			}
			defer f.Close()
			out = f
		}
		if err := json.NewEncoder(out).Encode(receipt); err != nil {
			_, _ = fmt.Fprintf(stderr, "receipt failed: %v\n", err)
			return 1
		}
		return 0
	}

	_, _ = fmt.Fprintln(stderr, "receipt target not found")
	return 1
}
