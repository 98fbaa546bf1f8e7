package main

import (
	"fmt"
	"os"
	"time"

	"github.com/wardlabs/toolgate/pkg/ledger"
	"github.com/wardlabs/toolgate/pkg/storage"
)

// ledgerHandle bundles the verify and export surfaces of one opened ledger
// plus the registry that must outlive it.
type ledgerHandle struct {
	ledger   ledger.Ledger
	reader   ledger.Reader
	registry *storage.Registry
}

func (h *ledgerHandle) Close() {
	if h.registry != nil {
		_ = h.registry.Close()
	}
}

// openLedger opens path with the selected backend, unsigned. The CLI only
// reads and verifies; signing keys are an engine concern.
func openLedger(path, backend string) (*ledgerHandle, error) {
	switch backend {
	case "file", "":
		l := ledger.NewFileLedger(path, nil)
		return &ledgerHandle{ledger: l, reader: l}, nil
	case "sqlite":
		// Opening a sqlite handle creates the file and schema; a read-only
		// command must not leave an empty database behind.
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("sqlite ledger %s does not exist", path)
			}
			return nil, err
		}
		registry := storage.NewRegistry()
		db, err := registry.Open(path)
		if err != nil {
			_ = registry.Close()
			return nil, err
		}
		l, err := ledger.NewSQLiteLedger(db, nil)
		if err != nil {
			_ = registry.Close()
			return nil, err
		}
		return &ledgerHandle{ledger: l, reader: l, registry: registry}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want file or sqlite)", backend)
	}
}

// parseTimestamp accepts RFC 3339 and the ledger's own fixed-width
// rendering.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000000Z", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
