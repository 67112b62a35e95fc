package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobmill/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.bus_enabled", newCfg.Logging.Bus.Enabled),
		)
	}

	// Manager
	if !reflect.DeepEqual(oldCfg.Manager, newCfg.Manager) {
		changed = append(changed, "manager")
		attrs = append(attrs,
			logx.String("manager.default_stop_timeout", strings.TrimSpace(newCfg.Manager.DefaultStopTimeout)),
			logx.String("manager.schedule_poll", strings.TrimSpace(newCfg.Manager.SchedulePoll)),
			logx.Int("manager.export_workers", newCfg.Manager.ExportWorkers),
			logx.Int("manager.audit_rate_per_sec", newCfg.Manager.AuditRatePerSec),
		)
	}

	// Gateway
	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.Bool("gateway.enabled", newCfg.Gateway.Enabled),
			logx.Int("gateway.buffer", newCfg.Gateway.Buffer),
			logx.Int("gateway.type_count", len(newCfg.Gateway.Types)),
		)
	}

	// Storage (nil means disabled)
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Diag
	if !reflect.DeepEqual(oldCfg.Diag, newCfg.Diag) {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", strings.TrimSpace(newCfg.Diag.Addr)),
			logx.Bool("diag.token_set", strings.TrimSpace(newCfg.Diag.Token) != ""),
		)
	}

	// Maintenance
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.snapshot_cron", strings.TrimSpace(newCfg.Maintenance.SnapshotCron)),
			logx.String("maintenance.audit_prune_cron", strings.TrimSpace(newCfg.Maintenance.AuditPruneCron)),
			logx.String("maintenance.audit_retention", strings.TrimSpace(newCfg.Maintenance.AuditRetention)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
