package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wardlabs/toolgate/pkg/ledger"
)

// runVerifyCmd replays a ledger's full chain.
//
// Exit codes:
//
//	0 = chain verified
//	1 = integrity violation or unreadable ledger
//	2 = usage error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		backend       string
		jsonOutput    bool
		publicKeyPath string
	)
	cmd.StringVar(&backend, "backend", "file", "Ledger backend: file or sqlite")
	cmd.BoolVar(&jsonOutput, "json", false, "Emit a JSON result instead of text")
	cmd.StringVar(&publicKeyPath, "public-key", "", "PEM public key; makes missing signatures a violation")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: toolgate verify [flags] <ledger-path>")
		return 2
	}

	var publicKey ed25519.PublicKey
	if publicKeyPath != "" {
		data, err := os.ReadFile(publicKeyPath)
		if err != nil {
			return verifyFailed(stdout, stderr, jsonOutput, err)
		}
		publicKey, err = ledger.LoadPublicKey(data)
		if err != nil {
			return verifyFailed(stdout, stderr, jsonOutput, err)
		}
	}

	handle, err := openLedger(cmd.Arg(0), backend)
	if err != nil {
		return verifyFailed(stdout, stderr, jsonOutput, err)
	}
	defer handle.Close()

	if err := handle.ledger.Verify(context.Background(), publicKey); err != nil {
		return verifyFailed(stdout, stderr, jsonOutput, err)
	}

	if jsonOutput {
		_ = json.NewEncoder(stdout).Encode(map[string]string{"status": "ok"})
	} else {
		_, _ = fmt.Fprintln(stdout, "verification ok")
	}
	return 0
}

func verifyFailed(stdout, stderr io.Writer, jsonOutput bool, err error) int {
	if jsonOutput {
		_ = json.NewEncoder(stdout).Encode(map[string]string{
			"status": "failed",
			"error":  err.Error(),
		})
	} else {
		_, _ = fmt.Fprintf(stderr, "verify failed: %v\n", err)
	}
	return 1
}
