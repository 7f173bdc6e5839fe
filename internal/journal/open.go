// Package journal persists the delivery queues across restarts.
//
// This is a best-effort snapshot, not a write-ahead log: a crash between a
// queue mutation and the next SaveSnapshot can lose that one mutation. The
// executor treats every item as at-most-once, so that window is acceptable.
package journal

import (
	"context"
	"errors"
	"strings"

	logx "repartibot/pkg/logx"
)

// Store is the persistence API used by the dispatch service.
type Store interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context) (Snapshot, bool, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the journal is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown journal driver: " + driver)
	}
}
