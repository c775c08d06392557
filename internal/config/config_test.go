package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eiptag.yaml")

	content := `controller:
  address: 10.0.0.5
poll:
  tags:
    - tag: Speed
      transform: value * 60
      precision: 2
    - tag: Program:Main.Rate[3]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Controller.Address != "10.0.0.5" {
		t.Fatalf("unexpected address %q", cfg.Controller.Address)
	}
	if cfg.ControllerTimeout() != DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", cfg.ControllerTimeout())
	}
	if cfg.Poll.Period() != DefaultInterval {
		t.Fatalf("expected default interval, got %s", cfg.Poll.Period())
	}
	if cfg.Display.Label != DefaultLabel {
		t.Fatalf("expected default label, got %q", cfg.Display.Label)
	}
	if len(cfg.Poll.Tags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(cfg.Poll.Tags))
	}
	if p := cfg.Poll.Tags[0].Precision; p == nil || *p != 2 {
		t.Fatalf("unexpected precision %v", p)
	}
	if cfg.Poll.Tags[1].Precision != nil {
		t.Fatalf("expected nil precision for second tag")
	}
	if cfg.Poll.Write != nil {
		t.Fatalf("expected no write target")
	}
	abs, _ := filepath.Abs(path)
	if cfg.Source != abs {
		t.Fatalf("expected source %s, got %s", abs, cfg.Source)
	}
	if files := SourceFiles(cfg); len(files) != 1 || files[0] != abs {
		t.Fatalf("unexpected source files %v", files)
	}
}

func TestLoadFullDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eiptag.yaml")

	content := `controller:
  address: plc.local:44818
  timeout: 750ms
  slot: 2
  vendor_id: 66
poll:
  interval: 250ms
  tags:
    - tag: Speed
  write:
    tag: Setpoint
    deadband: 0.5
    rate_limit: 1s
display:
  label: Line 3
logging:
  level: debug
  format: json
telemetry:
  enabled: true
  listen: 127.0.0.1:9200
hot_reload: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControllerTimeout() != 750*time.Millisecond || cfg.Controller.Slot != 2 || cfg.Controller.VendorID != 66 {
		t.Fatalf("unexpected controller config %+v", cfg.Controller)
	}
	if cfg.Poll.Period() != 250*time.Millisecond {
		t.Fatalf("unexpected interval %s", cfg.Poll.Period())
	}
	if cfg.Poll.Write == nil || cfg.Poll.Write.Tag != "Setpoint" || cfg.Poll.Write.Deadband != 0.5 || cfg.Poll.Write.RateLimit.Duration != time.Second {
		t.Fatalf("unexpected write config %+v", cfg.Poll.Write)
	}
	if cfg.Display.Label != "Line 3" || cfg.Logging.Format != "json" || !cfg.Telemetry.Enabled || !cfg.HotReload {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	bad := int32(20)
	cfg.Poll.Tags = []TagConfig{{Tag: "1bad"}, {Tag: "Speed", Precision: &bad}, {Tag: "Speed"}}
	cfg.Poll.Write = &WriteConfig{Tag: "Setpoint", Deadband: -1}
	cfg.Telemetry = TelemetryConfig{Enabled: true}

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{
		"controller.address is required",
		"poll.tags[0]",
		"precision 20",
		"duplicate tag",
		"deadband",
		"telemetry.listen",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eiptag.yaml")
	if err := os.WriteFile(path, []byte("controller:\n  address: x\n  timeout: soon\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")

	cfg := Default()
	cfg.Controller.Address = "10.0.0.5"
	cfg.Display.Label = "Tank level"
	precision := int32(1)
	cfg.Poll.Tags = []TagConfig{{Tag: "Level", Precision: &precision}}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Display.Label != "Tank level" {
		t.Fatalf("label not persisted: %q", loaded.Display.Label)
	}
	if loaded.ControllerTimeout() != DefaultTimeout || loaded.Poll.Period() != DefaultInterval {
		t.Fatalf("durations not persisted: %s %s", loaded.ControllerTimeout(), loaded.Poll.Period())
	}
	if p := loaded.Poll.Tags[0].Precision; p == nil || *p != 1 {
		t.Fatalf("precision not persisted: %v", p)
	}
}

func TestReadSkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eiptag.yaml")
	if err := os.WriteFile(path, []byte("poll:\n  interval: 250ms\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "controller.address") {
		t.Fatalf("expected missing address from Load, got %v", err)
	}
	cfg, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cfg.Poll.Period() != 250*time.Millisecond {
		t.Fatalf("unexpected interval %s", cfg.Poll.Period())
	}
	cfg.Controller.Address = "127.0.0.1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate after override: %v", err)
	}
}
