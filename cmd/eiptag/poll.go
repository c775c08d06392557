package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/eiptag/internal/config"
	"github.com/timzifer/eiptag/internal/logging"
	"github.com/timzifer/eiptag/internal/reload"
	"github.com/timzifer/eiptag/poller"
	"github.com/timzifer/eiptag/telemetry"
)

// errSampleLimit ends a poll run once --samples values were printed.
var errSampleLimit = errors.New("sample limit reached")

func pollCommand() *cli.Command {
	return &cli.Command{
		Name:  "poll",
		Usage: "Poll the configured tags and write values read from stdin",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "samples",
				Usage: "Stop after this many samples (0 runs until interrupted)",
			},
		},
		Action: runPoll,
	}
}

func runPoll(c *cli.Context) error {
	cfg, err := loadSettings(c)
	if err != nil {
		return err
	}
	if len(cfg.Poll.Tags) == 0 && cfg.Poll.Write == nil {
		return errors.New("poll: no tags configured")
	}

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(c.App.ErrWriter, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}
	if cfg.Telemetry.Enabled {
		addr, stop, err := serveMetrics(cfg.Telemetry.Listen)
		if err != nil {
			return err
		}
		defer stop()
		fmt.Fprintf(c.App.ErrWriter, "metrics listening on %s\n", addr)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	input := readValues(ctx, c.App.Reader, c.App.ErrWriter)
	out := &samplePrinter{w: c.App.Writer, limit: c.Int("samples")}
	out.header(cfg)

	run := func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
		return runSession(ctx, cfg, logger, collector, input, out)
	}

	if cfg.HotReload && cfg.Source != "" {
		err = runWithHotReload(ctx, c, cfg, collector, run)
	} else {
		logger, cleanup, setupErr := logging.Setup(cfg.Logging, c.App.ErrWriter)
		if setupErr != nil {
			return setupErr
		}
		defer cleanup()
		if cfg.HotReload {
			logger.Warn().Msg("hot reload needs a configuration file, running without it")
		}
		err = run(ctx, cfg, logger)
	}
	if errors.Is(err, errSampleLimit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runSession polls and writes through one Link until ctx ends.
func runSession(ctx context.Context, cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector, input <-chan float32, out *samplePrinter) error {
	address := cfg.Controller.Address
	link := poller.NewLink(poller.Dial(address, clientOptions(cfg, logger, collector)...), poller.LinkOptions{
		Endpoint:  address,
		Logger:    logger,
		Collector: collector,
	})
	defer link.Close()

	group, err := poller.NewGroup(cfg.Poll, link, logger)
	if err != nil {
		return err
	}
	var target *poller.WriteTarget
	if cfg.Poll.Write != nil {
		target, err = poller.NewWriteTarget(*cfg.Poll.Write, link, logger)
		if err != nil {
			return err
		}
	}

	logger.Info().Str("address", address).Strs("tags", group.Tags()).Msg("polling started")

	reads := make(chan poller.Sample)
	writes := make(chan poller.Sample)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return group.Run(ctx, reads)
	})
	if target != nil {
		eg.Go(func() error {
			return target.Run(ctx, input, writes)
		})
	}
	eg.Go(func() error {
		for {
			var err error
			select {
			case <-ctx.Done():
				return nil
			case s := <-reads:
				err = out.read(s)
			case s := <-writes:
				err = out.write(s)
			}
			if err != nil {
				return err
			}
		}
	})
	return eg.Wait()
}

func runWithHotReload(ctx context.Context, c *cli.Context, initialCfg *config.Config, collector telemetry.Collector, run func(context.Context, *config.Config, zerolog.Logger) error) error {
	watcher, err := reload.NewWatcher(initialCfg.Source, initialCfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	changes := watcher.Changes(ctx, time.Second)

	cfg := initialCfg
	var reloaded []string
	for {
		logger, cleanup, err := logging.Setup(cfg.Logging, c.App.ErrWriter)
		if err != nil {
			return err
		}
		if len(reloaded) > 0 {
			logger.Info().Strs("files", reloaded).Msg("configuration reloaded")
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- run(runCtx, cfg, logger)
		}()

		reloadRequested := false
	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				cleanup()
				if err != nil {
					return err
				}
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				cleanup()
				return err
			case changed, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				newCfg, err := loadSettings(c)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					if err := watcher.Update(cfg.Source, cfg); err != nil {
						logger.Error().Err(err).Msg("failed to update watcher state")
					}
					continue
				}
				cancelRun()
				if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("poller stopped during reload")
				}
				cleanup()
				if err := watcher.Update(newCfg.Source, newCfg); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				for _, file := range changed {
					collector.IncHotReload(file)
				}
				reloaded = changed
				cfg = newCfg
				reloadRequested = true
				break loop
			}
		}
		if !reloadRequested {
			return nil
		}
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	collector, err := telemetry.NewPrometheusCollector(nil)
	if err != nil {
		return nil, err
	}
	return collector, nil
}

// serveMetrics exposes the default Prometheus registry on listen and returns
// the bound address.
func serveMetrics(listen string) (net.Addr, func(), error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = srv.Serve(ln)
	}()
	return ln.Addr(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// readValues forwards every numeric line of r until r is exhausted or ctx
// ends. Lines that do not parse are reported on errw and skipped.
func readValues(ctx context.Context, r io.Reader, errw io.Writer) <-chan float32 {
	out := make(chan float32)
	if r == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			v, err := parseValue(line)
			if err != nil {
				fmt.Fprintf(errw, "ignoring input %q: %v\n", line, err)
				continue
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// samplePrinter renders samples as lines. It is used by one goroutine at a time.
type samplePrinter struct {
	w     io.Writer
	limit int
	count int
}

func (p *samplePrinter) header(cfg *config.Config) {
	if cfg.Display.Label != "" {
		fmt.Fprintln(p.w, cfg.Display.Label)
	}
	for _, tag := range cfg.Poll.Tags {
		fmt.Fprintf(p.w, "%s: %s\n", tag.Tag, poller.StartingSample(tag.Tag))
	}
}

func (p *samplePrinter) read(s poller.Sample) error {
	return p.print(fmt.Sprintf("%s: %s", s.Tag, s))
}

func (p *samplePrinter) write(s poller.Sample) error {
	return p.print(fmt.Sprintf("%s <- %s", s.Tag, s))
}

func (p *samplePrinter) print(line string) error {
	if _, err := fmt.Fprintln(p.w, line); err != nil {
		return err
	}
	p.count++
	if p.limit > 0 && p.count >= p.limit {
		return errSampleLimit
	}
	return nil
}
