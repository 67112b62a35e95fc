package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "jobmill/pkg/logx"
)

// Store is the minimal persistence API used by the job manager.
//
// SaveSchedules/LoadSchedules treat the schedule blob as opaque bytes; the
// manager owns the format.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, before time.Time) error
	SaveSchedules(ctx context.Context, blob []byte) error
	LoadSchedules(ctx context.Context) ([]byte, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
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
