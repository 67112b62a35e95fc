package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"manager": {"default_stop_timeout": "5s", "schedule_poll": "250ms"},
		"gateway": {"enabled": true, "types": ["log.record"]}
	}`)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Manager.DefaultStopTimeout != "5s" || cfg.Manager.SchedulePoll != "250ms" {
		t.Fatalf("manager = %+v", cfg.Manager)
	}
	if !cfg.Gateway.Enabled || len(cfg.Gateway.Types) != 1 {
		t.Fatalf("gateway = %+v", cfg.Gateway)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestParseYAMLCoercion(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
manager:
  schedule_poll: 2s
  export_workers: 8
storage:
  driver: file
  path: ./state
`)
	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Manager.SchedulePoll != "2s" || cfg.Manager.ExportWorkers != 8 {
		t.Fatalf("manager = %+v", cfg.Manager)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.json", `{"manager": {"stop_timout": "5s"}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("misspelled field must be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"manager": {}}{"extra": 1}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("trailing data must be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("manager.schedule_poll", "1500ms"); err != nil || d != 1500*time.Millisecond {
		t.Fatalf("got (%v, %v)", d, err)
	}
	if d, err := ParseDurationField("x", "  "); err != nil || d != 0 {
		t.Fatalf("blank = (%v, %v), want zero", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration must fail")
	}
	if _, err := ParseDurationField("x", "fast"); err == nil {
		t.Fatal("non-duration must fail")
	}
	if d, err := ParseDurationOrDefault("x", "", 10*time.Second); err != nil || d != 10*time.Second {
		t.Fatalf("default = (%v, %v)", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "3s", 10*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("explicit = (%v, %v)", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{
		Manager: ManagerConfig{SchedulePoll: "5s"},
		Storage: &StorageConfig{Driver: "file", Path: "./state"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "manager" || changed[1] != "storage" {
		t.Fatalf("changed = %v, want [manager storage]", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected structured attrs for changed sections")
	}

	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs report changes: %v", changed)
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	m := NewConfigManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{Logging: LoggingConfig{Level: "debug"}}
	second := &Config{Logging: LoggingConfig{Level: "warn"}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got.Logging.Level != "warn" {
		t.Fatalf("subscriber got %q, want the latest config", got.Logging.Level)
	}
	if len(ch) != 0 {
		t.Fatalf("stale config left in queue")
	}
}
