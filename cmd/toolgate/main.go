// Command toolgate is the operator surface for tamper-evident ledgers:
// verification, export, search, receipts, and signing key generation.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "filter":
		return runFilterCmd(args[2:], stdout, stderr)
	case "search":
		return runSearchCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "receipt":
		return runReceiptCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: toolgate <command> [flags]

Commands:
  verify   Verify a ledger's full hash chain (optionally against a public key)
  export   Export ledger entries as json, ndjson, or csv
  filter   Export entries matching request-id/action/agent-id/time filters
  search   Export entries matching a substring query
  keygen   Generate an Ed25519 signing keypair (PEM)
  receipt  Produce a single-entry proof bundle by request-id or decision-hash

Run 'toolgate <command> -h' for command flags.`)
}
