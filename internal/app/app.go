// Package app is the composition root: it wires config, logging, storage,
// the job manager, the bus gateway, and the maintenance crons into one
// start/stop unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobmill/internal/builtin"
	"jobmill/internal/config"
	"jobmill/internal/diag"
	"jobmill/internal/eventbus"
	"jobmill/internal/gateway"
	"jobmill/internal/jobs"
	"jobmill/internal/jobs/schedule"
	"jobmill/internal/runtime/supervisor"
	"jobmill/internal/storage"
	logx "jobmill/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	mgr  *jobs.Manager
	gw   *gateway.Bridge
	diag *diag.Service

	cron     *cron.Cron
	builtins map[string]string
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Bus: logx.BusConfig{
			Enabled:    cfg.Logging.Bus.Enabled,
			MinLevel:   cfg.Logging.Bus.MinLevel,
			RatePerSec: cfg.Logging.Bus.RatePerSec,
		},
	}, bus)
	log = log.With(logx.String("comp", "app"))

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		if store != nil {
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	mgr, err := jobs.NewManager(cfg.Manager, log, bus, store)
	if err != nil {
		return nil, err
	}

	ids, err := builtin.Register(mgr, log.With(logx.String("comp", "builtin")))
	if err != nil {
		return nil, err
	}

	gw := gateway.New(cfg.Gateway, log, bus, mgr)

	dcfg, err := mapDiagConfig(cfg)
	if err != nil {
		return nil, err
	}
	ds := diag.New(dcfg, log.With(logx.String("comp", "diag")), func() any { return mgr.Snapshot() })

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		mgr:      mgr,
		gw:       gw,
		diag:     ds,
		builtins: ids,
	}, nil
}

// Manager exposes the job manager for embedding callers.
func (a *App) Manager() *jobs.Manager { return a.mgr }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("manager.default_stop_timeout", cfg.Manager.DefaultStopTimeout); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("manager.schedule_poll", cfg.Manager.SchedulePoll); err != nil {
			return err
		}
		if cfg.Manager.ExportWorkers < 0 {
			return fmt.Errorf("manager.export_workers must be >= 0")
		}
		if cfg.Manager.AuditRatePerSec < 0 {
			return fmt.Errorf("manager.audit_rate_per_sec must be >= 0")
		}
		if err := validateCron("maintenance.snapshot_cron", cfg.Maintenance.SnapshotCron); err != nil {
			return err
		}
		if err := validateCron("maintenance.audit_prune_cron", cfg.Maintenance.AuditPruneCron); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("maintenance.audit_retention", cfg.Maintenance.AuditRetention); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDiagConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.mgr.Initialize(a.sup.Context()); err != nil {
		return err
	}

	// Restore persisted schedule entries. A missing snapshot is a fresh start.
	if a.store != nil {
		blob, err := a.store.LoadSchedules(a.sup.Context())
		switch {
		case errors.Is(err, storage.ErrNoSnapshot):
			a.log.Debug("no schedule snapshot; starting empty")
		case err != nil:
			a.log.Warn("schedule restore failed", logx.Err(err))
		default:
			if err := a.mgr.ImportScheduleState(blob, schedule.ImportPartial); err != nil {
				a.log.Warn("schedule import failed", logx.Err(err))
			} else {
				a.log.Info("schedules restored", logx.Int("entries", a.mgr.ScheduleCount()))
			}
		}
	}

	if err := a.gw.Start(a.sup.Context()); err != nil {
		return err
	}

	a.diag.Start(a.sup.Context())

	if err := a.startBuiltins(a.sup.Context()); err != nil {
		return err
	}

	if err := a.startMaintenance(); err != nil {
		return err
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg

				for _, s := range sections {
					if s == "storage" || s == "maintenance" || s == "manager" {
						a.log.Warn("config section changed; restart required for changes to take effect",
							logx.String("section", s))
					}
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
					Bus: logx.BusConfig{
						Enabled:    newCfg.Logging.Bus.Enabled,
						MinLevel:   newCfg.Logging.Bus.MinLevel,
						RatePerSec: newCfg.Logging.Bus.RatePerSec,
					},
				})
				a.gw.Apply(newCfg.Gateway)

				if dcfg, err := mapDiagConfig(newCfg); err != nil {
					a.log.Warn("diag config rejected", logx.Err(err))
				} else {
					a.diag.Reconfigure(c, dcfg)
				}

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// startBuiltins registers and starts one instance of each builtin class.
func (a *App) startBuiltins(ctx context.Context) error {
	for name, runtimeID := range a.builtins {
		j, err := a.mgr.CreateAndRegister(ctx, nil, runtimeID, nil, nil, true)
		if err != nil {
			return fmt.Errorf("builtin %s: %w", name, err)
		}
		a.log.Debug("builtin started", logx.String("class", name), logx.String("job", j.ID()))
	}
	return nil
}

// startMaintenance wires the cron-driven chores: schedule snapshots and
// audit pruning. Both are no-ops without storage.
func (a *App) startMaintenance() error {
	cfg := a.cfgm.Get()
	if a.store == nil || cfg == nil {
		return nil
	}
	mc := cfg.Maintenance
	if strings.TrimSpace(mc.SnapshotCron) == "" && strings.TrimSpace(mc.AuditPruneCron) == "" {
		return nil
	}

	retention, err := config.ParseDurationOrDefault("maintenance.audit_retention", mc.AuditRetention, 7*24*time.Hour)
	if err != nil {
		return err
	}

	a.cron = cron.New()
	if spec := strings.TrimSpace(mc.SnapshotCron); spec != "" {
		if _, err := a.cron.AddFunc(spec, a.snapshotSchedules); err != nil {
			return fmt.Errorf("maintenance.snapshot_cron: %w", err)
		}
	}
	if spec := strings.TrimSpace(mc.AuditPruneCron); spec != "" {
		if _, err := a.cron.AddFunc(spec, func() { a.pruneAudit(retention) }); err != nil {
			return fmt.Errorf("maintenance.audit_prune_cron: %w", err)
		}
	}
	a.cron.Start()
	a.log.Info("maintenance crons started",
		logx.String("snapshot", mc.SnapshotCron),
		logx.String("audit_prune", mc.AuditPruneCron))
	return nil
}

func (a *App) snapshotSchedules() {
	blob, err := a.mgr.ExportScheduleState()
	if err != nil {
		a.log.Warn("schedule export failed", logx.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.SaveSchedules(ctx, blob); err != nil {
		a.log.Warn("schedule snapshot failed", logx.Err(err))
		return
	}
	a.log.Debug("schedule snapshot saved", logx.Int("bytes", len(blob)))
}

func (a *App) pruneAudit(retention time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	before := time.Now().Add(-retention)
	if err := a.store.PruneAudit(ctx, before); err != nil {
		a.log.Warn("audit prune failed", logx.Err(err))
		return
	}
	a.log.Debug("audit pruned", logx.Time("before", before))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	// Final snapshot before jobs wind down.
	if a.store != nil {
		a.snapshotSchedules()
	}

	a.gw.Stop()
	a.diag.Stop(ctx)

	if err := a.mgr.Shutdown(ctx); err != nil {
		a.log.Warn("manager shutdown incomplete", logx.Err(err))
	}

	a.sup.Cancel()
	if err := a.sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("supervisor wait", logx.Err(err))
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}

func validateCron(path, spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%s: invalid cron spec %q: %w", path, spec, err)
	}
	return nil
}
