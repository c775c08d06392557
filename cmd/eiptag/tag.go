package main

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/timzifer/eiptag/poller"
	"github.com/timzifer/eiptag/tagclient"
	"github.com/timzifer/eiptag/telemetry"
)

func readCommand() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "Read REAL tags once",
		ArgsUsage: "TAG [TAG...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "transform",
				Usage: "Expression over `value` applied before printing",
			},
			&cli.IntFlag{
				Name:  "precision",
				Usage: "Fixed number of decimal places",
			},
		},
		Action: runRead,
	}
}

func runRead(c *cli.Context) error {
	tags := c.Args().Slice()
	if len(tags) == 0 {
		return errors.New("read: at least one tag is required")
	}
	var precision *int32
	if c.IsSet("precision") {
		p := int32(c.Int("precision"))
		precision = &p
	}
	formatter, err := poller.NewFormatter(c.String("transform"), precision)
	if err != nil {
		return err
	}

	cfg, logger, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	conn, err := tagclient.Connect(c.Context, cfg.Controller.Address, clientOptions(cfg, logger, telemetry.Noop())...)
	if err != nil {
		return err
	}
	defer conn.Close()

	failed := 0
	for _, tag := range tags {
		raw, err := conn.ReadFloat32(c.Context, tag)
		if err != nil {
			failed++
			fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", tag, err)
			continue
		}
		_, display, err := formatter.Evaluate(raw)
		if err != nil {
			failed++
			fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", tag, err)
			continue
		}
		fmt.Fprintf(c.App.Writer, "%s = %s\n", tag, display)
	}
	if failed > 0 {
		return fmt.Errorf("read failed for %d of %d tags", failed, len(tags))
	}
	return nil
}

func writeCommand() *cli.Command {
	return &cli.Command{
		Name:      "write",
		Usage:     "Write one REAL tag",
		ArgsUsage: "TAG VALUE",
		Action:    runWrite,
	}
}

func runWrite(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("write: expected TAG and VALUE")
	}
	tag := c.Args().Get(0)
	value, err := parseValue(c.Args().Get(1))
	if err != nil {
		return err
	}

	cfg, logger, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	conn, err := tagclient.Connect(c.Context, cfg.Controller.Address, clientOptions(cfg, logger, telemetry.Noop())...)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteFloat32(c.Context, tag, value); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s = %s\n", tag, formatValue(value))
	return nil
}

// parseValue parses a REAL literal. Values outside the float32 range are
// rejected instead of rounding to infinity.
func parseValue(text string) (float32, error) {
	v, err := strconv.ParseFloat(text, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", text, err)
	}
	return float32(v), nil
}

func formatValue(v float32) string {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	return strconv.FormatFloat(float64(v), 'f', -1, 32)
}
