package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/timzifer/eiptag/cip"
	"github.com/timzifer/eiptag/internal/config"
	"github.com/timzifer/eiptag/internal/logging"
	"github.com/timzifer/eiptag/internal/plcsim"
)

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "Run a simulated controller for manual testing",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address",
				Value: ":44818",
			},
			&cli.StringSliceFlag{
				Name:  "tag",
				Usage: "Initial REAL tag as NAME=VALUE, repeatable",
			},
			&cli.StringSliceFlag{
				Name:  "readonly-tag",
				Usage: "Initial read-only REAL tag as NAME=VALUE, repeatable",
			},
			&cli.BoolFlag{
				Name:  "auto-create",
				Usage: "Create unknown tags on write",
				Value: true,
			},
		},
		Action: runSimulate,
	}
}

func runSimulate(c *cli.Context) error {
	logCfg := config.Default().Logging
	if c.IsSet("log-level") {
		logCfg.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		logCfg.Format = c.String("log-format")
	}
	logger, cleanup, err := logging.Setup(logCfg, c.App.ErrWriter)
	if err != nil {
		return err
	}
	defer cleanup()

	sim := plcsim.New(plcsim.Config{Logger: logger, AutoCreate: c.Bool("auto-create")})
	for _, spec := range c.StringSlice("tag") {
		if err := seedTag(sim, spec, false); err != nil {
			return err
		}
	}
	for _, spec := range c.StringSlice("readonly-tag") {
		if err := seedTag(sim, spec, true); err != nil {
			return err
		}
	}

	addr, err := sim.Listen(c.String("listen"))
	if err != nil {
		return err
	}
	defer sim.Close()
	logger.Info().Str("listen", addr.String()).Msg("simulated controller started")

	<-c.Context.Done()
	logger.Info().Int64("requests", sim.Requests()).Int("open_connections", len(sim.Connections())).Msg("simulated controller stopped")
	return nil
}

func seedTag(sim *plcsim.Server, spec string, readOnly bool) error {
	name, value, err := parseTagSpec(spec)
	if err != nil {
		return err
	}
	return sim.SetTag(name, cip.RealValue(value), readOnly)
}

// parseTagSpec splits NAME=VALUE.
func parseTagSpec(spec string) (string, float32, error) {
	name, text, ok := strings.Cut(spec, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", 0, fmt.Errorf("invalid tag %q: expected NAME=VALUE", spec)
	}
	value, err := parseValue(strings.TrimSpace(text))
	if err != nil {
		return "", 0, fmt.Errorf("tag %s: %w", name, err)
	}
	return name, value, nil
}
