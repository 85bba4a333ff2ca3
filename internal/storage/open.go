// Package storage persists alarm records, device credentials, the set of
// known users, and an audit trail.
//
// Two drivers share one interface: a dependency-free file backend
// (snapshot + journal) and SQLite.
package storage

import (
	"errors"
	"strings"

	"shockclock/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
