package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Manager controls the job manager (stop timeouts, scheduling pass cadence).
	Manager ManagerConfig `json:"manager"`

	// Gateway controls the bus-to-dispatch stimulus bridge.
	Gateway GatewayConfig `json:"gateway"`

	Storage *StorageConfig `json:"storage,omitempty"`

	// Maintenance controls periodic background chores (cron expressions).
	Maintenance MaintenanceConfig `json:"maintenance"`

	// Diag controls the optional diagnostics HTTP server (pprof + status).
	Diag DiagConfig `json:"diag"`
}

// DiagConfig controls the diagnostics HTTP server.
//
// Binding to a non-loopback address requires either a token or
// allow_insecure=true.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default "/debug/pprof/"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// ManagerConfig controls the job manager.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - default_stop_timeout: "10s"
//   - schedule_poll: "1s"
//   - export_workers: 4
//   - audit_rate_per_sec: 20
type ManagerConfig struct {
	// DefaultStopTimeout bounds how long a job's stop handler may run
	// when no per-call timeout is supplied.
	DefaultStopTimeout string `json:"default_stop_timeout,omitempty"`

	// SchedulePoll is the cadence of the scheduling pass.
	SchedulePoll string `json:"schedule_poll,omitempty"`

	// ExportWorkers bounds the worker pool used for schedule blob
	// (de)serialization during export/import.
	ExportWorkers int `json:"export_workers,omitempty"`

	AuditRatePerSec int `json:"audit_rate_per_sec,omitempty"`
}

// GatewayConfig controls the stimulus bridge between the event bus and the
// job manager's dispatch path.
type GatewayConfig struct {
	Enabled bool `json:"enabled"`
	Buffer  int  `json:"buffer,omitempty"`

	// Types is an optional allowlist of bus event types forwarded as stimuli.
	// Empty means all types are forwarded.
	Types []string `json:"types,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./jobmill_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MaintenanceConfig controls cron-driven background chores.
//
// Cron fields use the standard 5-field spec accepted by robfig/cron.
type MaintenanceConfig struct {
	// SnapshotCron periodically exports schedule state to storage.
	// Empty disables periodic snapshots.
	SnapshotCron string `json:"snapshot_cron,omitempty"`

	// AuditPruneCron periodically prunes old audit entries.
	AuditPruneCron string `json:"audit_prune_cron,omitempty"`

	// AuditRetention is a Go duration string; entries older than this are pruned.
	AuditRetention string `json:"audit_retention,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Bus     LoggingBus  `json:"bus"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingBus struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
