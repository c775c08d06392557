package poller

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/timzifer/eiptag/internal/config"
)

// Writer writes one REAL tag. *Link satisfies it.
type Writer interface {
	Write(ctx context.Context, tag string, value float32) error
}

// WriteTarget writes operator input to one tag. Values within the deadband of
// the last written value are skipped and writes are spaced by the rate limit.
type WriteTarget struct {
	cfg     config.WriteConfig
	writer  Writer
	limiter *rate.Limiter
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	lastValue float32
	written   bool
	lastWrite time.Time
}

// NewWriteTarget builds a write target for cfg.
func NewWriteTarget(cfg config.WriteConfig, writer Writer, logger zerolog.Logger) (*WriteTarget, error) {
	if cfg.Tag == "" {
		return nil, fmt.Errorf("write target tag must not be empty")
	}
	if writer == nil {
		return nil, fmt.Errorf("write target %s: missing writer", cfg.Tag)
	}
	t := &WriteTarget{
		cfg:    cfg,
		writer: writer,
		logger: logger.With().Str("target", cfg.Tag).Logger(),
		now:    time.Now,
	}
	if limit := cfg.RateLimit.Duration; limit > 0 {
		t.limiter = rate.NewLimiter(rate.Every(limit), 1)
	}
	return t, nil
}

// Tag returns the written tag.
func (t *WriteTarget) Tag() string {
	return t.cfg.Tag
}

// ShouldWrite reports whether value differs from the last written value by
// more than the deadband.
func (t *WriteTarget) ShouldWrite(value float32) bool {
	t.mu.Lock()
	last, written := t.lastValue, t.written
	t.mu.Unlock()
	if !written {
		return true
	}
	if !isFinite(float64(value)) || !isFinite(float64(last)) {
		return math.Float32bits(value) != math.Float32bits(last)
	}
	threshold := decimal.NewFromFloat(t.cfg.Deadband)
	if threshold.Sign() < 0 {
		threshold = decimal.Zero
	}
	diff := decimal.NewFromFloat32(value).Sub(decimal.NewFromFloat32(last)).Abs()
	return diff.Cmp(threshold) > 0
}

// Commit writes value unless it falls inside the deadband. It reports whether
// a write was issued.
func (t *WriteTarget) Commit(ctx context.Context, value float32) (bool, error) {
	if !t.ShouldWrite(value) {
		t.logger.Trace().Float32("value", value).Msg("no significant change detected")
		return false, nil
	}
	start := time.Now()
	if err := t.writer.Write(ctx, t.cfg.Tag, value); err != nil {
		t.logger.Error().Err(err).Float32("value", value).Msg("tag write failed")
		return true, err
	}
	now := t.now()
	t.mu.Lock()
	t.lastValue = value
	t.written = true
	t.lastWrite = now
	t.mu.Unlock()
	t.logger.Debug().Float32("value", value).Dur("duration", time.Since(start)).Msg("write target committed")
	return true, nil
}

// LastWrite returns the time of the last successful write.
func (t *WriteTarget) LastWrite() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastWrite
}

// Run consumes values from in until it is closed or ctx ends. Only the newest
// pending value is written. Each issued write is reported on out when out is
// not nil.
func (t *WriteTarget) Run(ctx context.Context, in <-chan float32, out chan<- Sample) error {
	for {
		var value float32
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-in:
			if !ok {
				return nil
			}
			value = v
		}
		value = drainLatest(in, value)
		if !t.ShouldWrite(value) {
			continue
		}
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return nil
			}
			value = drainLatest(in, value)
		}
		written, err := t.Commit(ctx, value)
		if !written || out == nil {
			continue
		}
		sample := Sample{Tag: t.cfg.Tag, Raw: value, Value: float64(value), Time: t.now()}
		if err != nil {
			sample = errorSample(t.cfg.Tag, err, sample.Time)
		} else if isFinite(float64(value)) {
			sample.Display = decimal.NewFromFloat32(value).String()
		} else {
			sample.Display = formatNonFinite(float64(value))
		}
		select {
		case out <- sample:
		case <-ctx.Done():
			return nil
		}
	}
}

func drainLatest(in <-chan float32, value float32) float32 {
	for {
		select {
		case v, ok := <-in:
			if !ok {
				return value
			}
			value = v
		default:
			return value
		}
	}
}
