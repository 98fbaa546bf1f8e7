package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wardlabs/toolgate/pkg/ledger"
)

// runKeygenCmd writes a fresh Ed25519 keypair as PEM files. Refuses to
// clobber existing keys unless --overwrite is given.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		privatePath string
		publicPath  string
		overwrite   bool
	)
	cmd.StringVar(&privatePath, "private-key", "toolgate_private.pem", "Private key output path")
	cmd.StringVar(&publicPath, "public-key", "toolgate_public.pem", "Public key output path")
	cmd.BoolVar(&overwrite, "overwrite", false, "Replace existing key files")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if !overwrite {
		for _, path := range []string{privatePath, publicPath} {
			if _, err := os.Stat(path); err == nil {
				_, _ = fmt.Fprintf(stderr, "key file already exists: %s\n", path)
				return 1
			}
		}
	}

	privatePEM, publicPEM, err := ledger.GenerateKeypair()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}

	for _, target := range []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{privatePath, privatePEM, 0o600},
		{publicPath, publicPEM, 0o644},
	} {
		if err := os.MkdirAll(filepath.Dir(target.path), 0o700); err != nil {
			_, _ = fmt.Fprintf(stderr, "keygen failed: %v\n", err)
			return 1
		}
		if err := os.WriteFile(target.path, target.data, target.mode); err != nil {
			_, _ = fmt.Fprintf(stderr, "keygen failed: %v\n", err)
			return 1
		}
	}
	_, _ = fmt.Fprintf(stdout, "wrote %s and %s\n", privatePath, publicPath)
	return 0
}
