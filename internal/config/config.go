package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timzifer/eiptag/cip"
)

const (
	// DefaultTimeout bounds each controller round trip.
	DefaultTimeout = 5 * time.Second
	// DefaultInterval is the poll period when none is configured.
	DefaultInterval = 2 * time.Second
	// DefaultLabel is the display label of a fresh configuration.
	DefaultLabel = "Hello World!"
	// DefaultTelemetryListen is the metrics listen address.
	DefaultTelemetryListen = ":9102"

	maxPrecision = 16
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ControllerConfig describes how to reach the controller.
type ControllerConfig struct {
	Address string   `yaml:"address"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Slot    uint8    `yaml:"slot,omitempty"`
	// VendorID is the originator vendor id sent in Forward Open. Zero keeps
	// the client default.
	VendorID uint16 `yaml:"vendor_id,omitempty"`
}

// TagConfig configures one polled REAL tag.
type TagConfig struct {
	Tag string `yaml:"tag"`
	// Transform is an expression over `value` applied before display.
	Transform string `yaml:"transform,omitempty"`
	// Precision fixes the number of decimal places shown. Nil shows the
	// shortest exact representation.
	Precision *int32 `yaml:"precision,omitempty"`
}

// WriteConfig configures the tag operator input is written to.
type WriteConfig struct {
	Tag       string   `yaml:"tag"`
	Deadband  float64  `yaml:"deadband,omitempty"`
	RateLimit Duration `yaml:"rate_limit,omitempty"`
}

// PollConfig configures the poll loop.
type PollConfig struct {
	Interval Duration     `yaml:"interval,omitempty"`
	Tags     []TagConfig  `yaml:"tags"`
	Write    *WriteConfig `yaml:"write,omitempty"`
}

// DisplayConfig is the persisted presentation state.
type DisplayConfig struct {
	Label string `yaml:"label"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures the Prometheus endpoint.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// Config is the root configuration structure.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Poll       PollConfig       `yaml:"poll"`
	Display    DisplayConfig    `yaml:"display"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	HotReload  bool             `yaml:"hot_reload,omitempty"`

	// Source is the absolute path the configuration was loaded from.
	Source string `yaml:"-"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{Timeout: Duration{DefaultTimeout}},
		Poll:       PollConfig{Interval: Duration{DefaultInterval}},
		Display:    DisplayConfig{Label: DefaultLabel},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
		Telemetry:  TelemetryConfig{Listen: DefaultTelemetryListen},
	}
}

// Load reads and validates the configuration file at path. Fields missing from
// the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Read parses the configuration file at path on top of Default without
// validating it, so callers can apply overrides first.
func Read(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		cfg.Source = abs
	} else {
		cfg.Source = path
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the runtime cannot use.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if c.Controller.Address == "" {
		errs = append(errs, errors.New("controller.address is required"))
	}
	if c.Controller.Timeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("controller.timeout %s must not be negative", c.Controller.Timeout))
	}
	if c.Poll.Interval.Duration < 0 {
		errs = append(errs, fmt.Errorf("poll.interval %s must not be negative", c.Poll.Interval))
	}
	seen := make(map[string]struct{}, len(c.Poll.Tags))
	for i, tag := range c.Poll.Tags {
		if _, err := cip.ParseTag(tag.Tag); err != nil {
			errs = append(errs, fmt.Errorf("poll.tags[%d]: %w", i, err))
			continue
		}
		if _, dup := seen[tag.Tag]; dup {
			errs = append(errs, fmt.Errorf("poll.tags[%d]: duplicate tag %q", i, tag.Tag))
		}
		seen[tag.Tag] = struct{}{}
		if tag.Precision != nil && (*tag.Precision < 0 || *tag.Precision > maxPrecision) {
			errs = append(errs, fmt.Errorf("poll.tags[%d]: precision %d outside 0..%d", i, *tag.Precision, maxPrecision))
		}
	}
	if w := c.Poll.Write; w != nil {
		if _, err := cip.ParseTag(w.Tag); err != nil {
			errs = append(errs, fmt.Errorf("poll.write: %w", err))
		}
		if w.Deadband < 0 {
			errs = append(errs, fmt.Errorf("poll.write.deadband %v must not be negative", w.Deadband))
		}
		if w.RateLimit.Duration < 0 {
			errs = append(errs, fmt.Errorf("poll.write.rate_limit %s must not be negative", w.RateLimit))
		}
	}
	if c.Telemetry.Enabled && c.Telemetry.Listen == "" {
		errs = append(errs, errors.New("telemetry.listen is required when telemetry is enabled"))
	}
	if c.Logging.Loki.Enabled && c.Logging.Loki.URL == "" {
		errs = append(errs, errors.New("logging.loki.url is required when loki is enabled"))
	}
	return errors.Join(errs...)
}

// ControllerTimeout returns the configured round trip timeout.
func (c *Config) ControllerTimeout() time.Duration {
	if c == nil || c.Controller.Timeout.Duration <= 0 {
		return DefaultTimeout
	}
	return c.Controller.Timeout.Duration
}

// Period returns the configured poll period.
func (p PollConfig) Period() time.Duration {
	if p.Interval.Duration <= 0 {
		return DefaultInterval
	}
	return p.Interval.Duration
}
