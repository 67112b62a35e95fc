package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// ErrNoSnapshot is returned by LoadSchedules when no schedule blob has been
// saved yet. Callers should treat it as "start empty", not as a failure.
var ErrNoSnapshot = errors.New("no schedule snapshot")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl audit + atomic snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records a job lifecycle mutation.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At           time.Time
	ManagerID    string
	Verb         string
	InvokerID    string
	InvokerLevel string
	TargetID     string
	TargetClass  string
	Error        string
	TookMS       int64
}
