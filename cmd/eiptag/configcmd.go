package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/timzifer/eiptag/internal/config"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a configuration file with defaults",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing file",
			},
		},
		Action: runInit,
	}
}

func runInit(c *cli.Context) error {
	path := c.String("config")
	if !c.Bool("force") {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	cfg := config.Default()
	if c.IsSet("address") {
		cfg.Controller.Address = c.String("address")
	}
	if c.IsSet("slot") {
		slot := c.Uint("slot")
		if slot > 255 {
			return fmt.Errorf("slot %d out of range", slot)
		}
		cfg.Controller.Slot = uint8(slot)
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Wrote %s\n", path)
	return nil
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:   "check",
		Usage:  "Validate the configuration file and exit",
		Action: runCheck,
	}
}

// runCheck validates the file as written, without flag overrides.
func runCheck(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Controller: %s (slot %d, timeout %s)\n", cfg.Controller.Address, cfg.Controller.Slot, cfg.ControllerTimeout())
	fmt.Fprintf(w, "Poll interval: %s\n", cfg.Poll.Period())
	for _, tag := range cfg.Poll.Tags {
		fmt.Fprintf(w, "  Tag: %s", tag.Tag)
		if tag.Transform != "" {
			fmt.Fprintf(w, " (transform %s)", tag.Transform)
		}
		fmt.Fprintln(w)
	}
	if wr := cfg.Poll.Write; wr != nil {
		fmt.Fprintf(w, "Write: %s (deadband %v, rate limit %s)\n", wr.Tag, wr.Deadband, wr.RateLimit.Duration)
	}
	fmt.Fprintln(w, "Configuration check completed successfully.")
	return nil
}
