// Package storage persists dispatch log entries across restarts.
//
// It is a sink from the queue's perspective: appends are best-effort and
// never block or fail a batch.
package storage

import (
	"context"
	"errors"
	"strings"

	"wablast/internal/kit"
	logx "wablast/pkg/logx"
)

// Store is the persistence API used by the dispatch queue and the HTTP
// surface.
type Store interface {
	Append(ctx context.Context, e kit.LogEntry) error
	Recent(ctx context.Context, limit int) ([]kit.LogEntry, error)
	Clear(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if persistence is disabled.
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
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
