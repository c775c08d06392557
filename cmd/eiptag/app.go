package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/timzifer/eiptag/internal/config"
	"github.com/timzifer/eiptag/internal/logging"
	"github.com/timzifer/eiptag/tagclient"
	"github.com/timzifer/eiptag/telemetry"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "eiptag",
		Usage:   "Read and write REAL tags on EtherNet/IP controllers",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			readCommand(),
			writeCommand(),
			pollCommand(),
			simulateCommand(),
			initCommand(),
			checkCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to configuration file",
			EnvVars: []string{"EIPTAG_CONFIG"},
			Value:   "eiptag.yaml",
		},
		&cli.StringFlag{
			Name:    "address",
			Aliases: []string{"a"},
			Usage:   "Controller address as host[:port]",
			EnvVars: []string{"EIPTAG_ADDRESS"},
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Bound for each controller round trip",
		},
		&cli.UintFlag{
			Name:  "slot",
			Usage: "Backplane slot of the controller",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: trace, debug, info, warn, error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format: text, json",
		},
	}
}

// loadSettings reads the configuration file and applies the global flags on
// top. A missing file is only an error when --config was given explicitly.
func loadSettings(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Read(path)
	if err != nil {
		if c.IsSet("config") || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}
	if c.IsSet("address") {
		cfg.Controller.Address = c.String("address")
	}
	if c.IsSet("timeout") {
		cfg.Controller.Timeout = config.Duration{Duration: c.Duration("timeout")}
	}
	if c.IsSet("slot") {
		slot := c.Uint("slot")
		if slot > 255 {
			return nil, fmt.Errorf("slot %d out of range", slot)
		}
		cfg.Controller.Slot = uint8(slot)
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Logging.Format = c.String("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads the settings and the logger shared by the one-shot commands.
func setup(c *cli.Context) (*config.Config, zerolog.Logger, func(), error) {
	cfg, err := loadSettings(c)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger, cleanup, err := logging.Setup(cfg.Logging, c.App.ErrWriter)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	return cfg, logger, cleanup, nil
}

func clientOptions(cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) []tagclient.Option {
	opts := []tagclient.Option{
		tagclient.WithTimeout(cfg.ControllerTimeout()),
		tagclient.WithSlot(cfg.Controller.Slot),
		tagclient.WithLogger(logger),
		tagclient.WithCollector(collector),
	}
	if cfg.Controller.VendorID != 0 {
		opts = append(opts, tagclient.WithVendorID(cfg.Controller.VendorID))
	}
	return opts
}
