package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/wardlabs/toolgate/pkg/ledger"
)

var csvFields = []string{
	"created_at",
	"event",
	"action",
	"request_id",
	"agent_id",
	"decision_hash",
	"policy_id",
	"policy_hash",
	"decision_effect",
	"outcome_status",
	"reason",
	"reason_code",
}

// entryFilter narrows exported entries. Zero value matches everything.
type entryFilter struct {
	requestID string
	action    string
	agentID   string
	query     string
	start     *time.Time
	end       *time.Time
}

func (f *entryFilter) matches(entry ledger.Entry) bool {
	if f.requestID != "" && entry["request_id"] != f.requestID {
		return false
	}
	if f.action != "" && entry["action"] != f.action {
		return false
	}
	if f.agentID != "" && entry["agent_id"] != f.agentID {
		return false
	}
	if f.query != "" && !f.matchesQuery(entry) {
		return false
	}
	if f.start != nil || f.end != nil {
		createdAt, ok := entry["created_at"].(string)
		if !ok {
			return false
		}
		parsed, err := parseTimestamp(createdAt)
		if err != nil {
			return false
		}
		if f.start != nil && parsed.Before(*f.start) {
			return false
		}
		if f.end != nil && parsed.After(*f.end) {
			return false
		}
	}
	return true
}

func (f *entryFilter) matchesQuery(entry ledger.Entry) bool {
	query := strings.ToLower(f.query)
	for _, key := range []string{"request_id", "action", "agent_id"} {
		if value, ok := entry[key].(string); ok && strings.Contains(strings.ToLower(value), query) {
			return true
		}
	}
	return false
}

// exportFlags are the options shared by export, filter, and search.
type exportFlags struct {
	backend string
	format  string
	output  string
	start   string
	end     string
}

func (e *exportFlags) register(cmd *flag.FlagSet, withTimes bool) {
	cmd.StringVar(&e.backend, "backend", "file", "Ledger backend: file or sqlite")
	cmd.StringVar(&e.format, "format", "ndjson", "Output format: json, ndjson, or csv")
	cmd.StringVar(&e.output, "output", "", "Write to file instead of stdout")
	if withTimes {
		cmd.StringVar(&e.start, "start", "", "Only entries created at or after this timestamp")
		cmd.StringVar(&e.end, "end", "", "Only entries created at or before this timestamp")
	}
}

func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var flags exportFlags
	flags.register(cmd, false)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: toolgate export [flags] <ledger-path>")
		return 2
	}
	return exportEntries(cmd.Arg(0), flags, entryFilter{}, stdout, stderr)
}

func runFilterCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("filter", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var flags exportFlags
	var filter entryFilter
	flags.register(cmd, true)
	cmd.StringVar(&filter.requestID, "request-id", "", "Match exact request_id")
	cmd.StringVar(&filter.action, "action", "", "Match exact action")
	cmd.StringVar(&filter.agentID, "agent-id", "", "Match exact agent_id")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: toolgate filter [flags] <ledger-path>")
		return 2
	}
	if code := parseTimeBounds(&filter, flags, stderr); code != 0 {
		return code
	}
	return exportEntries(cmd.Arg(0), flags, filter, stdout, stderr)
}

func runSearchCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("search", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var flags exportFlags
	var filter entryFilter
	flags.register(cmd, true)
	cmd.StringVar(&filter.query, "query", "", "Substring matched against request_id, action, and agent_id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 || filter.query == "" {
		_, _ = fmt.Fprintln(stderr, "Usage: toolgate search --query <text> [flags] <ledger-path>")
		return 2
	}
	if code := parseTimeBounds(&filter, flags, stderr); code != 0 {
		return code
	}
	return exportEntries(cmd.Arg(0), flags, filter, stdout, stderr)
}

func parseTimeBounds(filter *entryFilter, flags exportFlags, stderr io.Writer) int {
	if flags.start != "" {
		t, err := parseTimestamp(flags.start)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "invalid --start timestamp")
			return 2
		}
		filter.start = &t
	}
	if flags.end != "" {
		t, err := parseTimestamp(flags.end)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "invalid --end timestamp")
			return 2
		}
		filter.end = &t
	}
	if filter.start != nil && filter.end != nil && filter.start.After(*filter.end) {
		_, _ = fmt.Fprintln(stderr, "--start must be <= --end")
		return 2
	}
	return 0
}

func exportEntries(path string, flags exportFlags, filter entryFilter, stdout, stderr io.Writer) int {
	handle, err := openLedger(path, flags.backend)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "export failed: %v\n", err)
		return 1
	}
	defer handle.Close()

	entries, err := handle.reader.Entries(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "export failed: %v\n", err)
		return 1
	}

	matched := entries[:0:0]
	for _, entry := range entries {
		if filter.matches(entry) {
			matched = append(matched, entry)
		}
	}

	out := stdout
	if flags.output != "" {
		f, err := os.Create(flags.output)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "export failed: %v\n", err)
			return 1
		}
		defer f.Close()
		out = f
	}
	if err := writeEntries(out, matched, flags.format); err != nil {
		_, _ = fmt.Fprintf(stderr, "export failed: %v\n", err)
		return 1
	}
	return 0
}

func writeEntries(w io.Writer, entries []ledger.Entry, format string) error {
	switch format {
	case "json":
		if entries == nil {
			entries = []ledger.Entry{}
		}
		enc := json.NewEncoder(w)
		return enc.Encode(entries)
	case "ndjson":
		for _, entry := range entries {
			line, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		return nil
	case "csv":
		writer := csv.NewWriter(w)
		if err := writer.Write(csvFields); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := writer.Write(flattenEntry(entry)); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	default:
		return fmt.Errorf("unknown format %q (want json, ndjson, or csv)", format)
	}
}

func flattenEntry(entry ledger.Entry) []string {
	decision, _ := entry["decision"].(map[string]any)
	outcome, _ := entry["outcome"].(map[string]any)
	return []string{
		stringify(entry["created_at"]),
		stringify(entry["event"]),
		stringify(entry["action"]),
		stringify(entry["request_id"]),
		stringify(entry["agent_id"]),
		stringify(decision["decision_hash"]),
		stringify(decision["policy_id"]),
		stringify(decision["policy_hash"]),
		stringify(decision["effect"]),
		stringify(outcome["status"]),
		stringify(decision["reason"]),
		stringify(decision["reason_code"]),
	}
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
