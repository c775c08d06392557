package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/eiptag/internal/config"
)

// Reader reads one REAL tag. *Link satisfies it.
type Reader interface {
	Read(ctx context.Context, tag string) (float32, error)
}

// Poller periodically reads one tag and emits a Sample per read.
type Poller struct {
	cfg       config.TagConfig
	reader    Reader
	formatter *Formatter
	interval  time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// New builds a poller for cfg. The transform is compiled up front.
func New(cfg config.TagConfig, reader Reader, interval time.Duration, logger zerolog.Logger) (*Poller, error) {
	if cfg.Tag == "" {
		return nil, fmt.Errorf("poll tag must not be empty")
	}
	if reader == nil {
		return nil, fmt.Errorf("poll tag %s: missing reader", cfg.Tag)
	}
	if interval <= 0 {
		interval = config.DefaultInterval
	}
	formatter, err := NewFormatter(cfg.Transform, cfg.Precision)
	if err != nil {
		return nil, fmt.Errorf("poll tag %s: %w", cfg.Tag, err)
	}
	return &Poller{
		cfg:       cfg,
		reader:    reader,
		formatter: formatter,
		interval:  interval,
		logger:    logger.With().Str("tag", cfg.Tag).Logger(),
		now:       time.Now,
	}, nil
}

// Tag returns the polled tag.
func (p *Poller) Tag() string {
	return p.cfg.Tag
}

// Poll performs one read. Read and transform errors are carried in the sample.
func (p *Poller) Poll(ctx context.Context) Sample {
	raw, err := p.reader.Read(ctx, p.cfg.Tag)
	now := p.now()
	if err != nil {
		p.logger.Debug().Err(err).Msg("poll failed")
		return errorSample(p.cfg.Tag, err, now)
	}
	value, display, err := p.formatter.Evaluate(raw)
	if err != nil {
		p.logger.Error().Err(err).Float32("raw", raw).Msg("transform failed")
		return errorSample(p.cfg.Tag, err, now)
	}
	p.logger.Trace().Float32("raw", raw).Str("display", display).Msg("poll completed")
	return Sample{Tag: p.cfg.Tag, Raw: raw, Value: value, Display: display, Time: now}
}

// Run polls immediately and then every interval until ctx ends.
func (p *Poller) Run(ctx context.Context, out chan<- Sample) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		sample := p.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		select {
		case out <- sample:
		case <-ctx.Done():
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// Group runs one Poller per configured tag.
type Group struct {
	pollers []*Poller
}

// NewGroup builds pollers for every tag in cfg.
func NewGroup(cfg config.PollConfig, reader Reader, logger zerolog.Logger) (*Group, error) {
	interval := cfg.Period()
	group := &Group{}
	for _, tag := range cfg.Tags {
		p, err := New(tag, reader, interval, logger)
		if err != nil {
			return nil, err
		}
		group.pollers = append(group.pollers, p)
	}
	return group, nil
}

// Tags lists the polled tags in configuration order.
func (g *Group) Tags() []string {
	tags := make([]string, len(g.pollers))
	for i, p := range g.pollers {
		tags[i] = p.Tag()
	}
	return tags
}

// Run runs every poller until ctx ends.
func (g *Group) Run(ctx context.Context, out chan<- Sample) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, p := range g.pollers {
		eg.Go(func() error {
			return p.Run(ctx, out)
		})
	}
	return eg.Wait()
}
