package poller

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/eiptag/internal/config"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes []float32
	times  []time.Time
	err    error
}

func (w *recordingWriter) Write(_ context.Context, _ string, value float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, value)
	w.times = append(w.times, time.Now())
	return nil
}

func (w *recordingWriter) snapshot() []float32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]float32(nil), w.writes...)
}

func TestWriteTargetDeadband(t *testing.T) {
	writer := &recordingWriter{}
	target, err := NewWriteTarget(config.WriteConfig{Tag: "Setpoint", Deadband: 0.5}, writer, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "Setpoint", target.Tag())
	ctx := context.Background()

	for _, step := range []struct {
		value   float32
		written bool
	}{
		{1.0, true},
		{1.3, false},
		{1.5, false},
		{1.6, true},
		{1.1, false},
		{0.9, true},
	} {
		written, err := target.Commit(ctx, step.value)
		require.NoError(t, err)
		require.Equal(t, step.written, written, "value %v", step.value)
	}
	require.Equal(t, []float32{1.0, 1.6, 0.9}, writer.snapshot())
	require.False(t, target.LastWrite().IsZero())
}

func TestWriteTargetZeroDeadbandSkipsRepeats(t *testing.T) {
	writer := &recordingWriter{}
	target, err := NewWriteTarget(config.WriteConfig{Tag: "Setpoint"}, writer, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	nan := float32(math.NaN())
	for _, v := range []float32{2, 2, nan, nan, 2} {
		_, err := target.Commit(ctx, v)
		require.NoError(t, err)
	}
	writes := writer.snapshot()
	require.Len(t, writes, 3)
	require.Equal(t, float32(2), writes[0])
	require.True(t, math.IsNaN(float64(writes[1])))
	require.Equal(t, float32(2), writes[2])
}

func TestWriteTargetFailedWriteIsRetried(t *testing.T) {
	writer := &recordingWriter{err: errors.New("controller offline")}
	target, err := NewWriteTarget(config.WriteConfig{Tag: "Setpoint", Deadband: 1}, writer, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	written, err := target.Commit(ctx, 5)
	require.True(t, written)
	require.Error(t, err)
	require.True(t, target.LastWrite().IsZero())

	writer.mu.Lock()
	writer.err = nil
	writer.mu.Unlock()

	written, err = target.Commit(ctx, 5)
	require.True(t, written)
	require.NoError(t, err)
	require.Equal(t, []float32{5}, writer.snapshot())
}

func TestWriteTargetRunWritesLatestValue(t *testing.T) {
	writer := &recordingWriter{}
	target, err := NewWriteTarget(config.WriteConfig{Tag: "Setpoint"}, writer, zerolog.Nop())
	require.NoError(t, err)

	in := make(chan float32, 8)
	in <- 1
	in <- 2
	in <- 3
	close(in)

	out := make(chan Sample, 8)
	require.NoError(t, target.Run(context.Background(), in, out))
	require.Equal(t, []float32{3}, writer.snapshot())

	require.Len(t, out, 1)
	s := <-out
	require.True(t, s.OK())
	require.Equal(t, "Setpoint", s.Tag)
	require.Equal(t, "3", s.Display)
}

func TestWriteTargetRunRateLimits(t *testing.T) {
	writer := &recordingWriter{}
	limit := 60 * time.Millisecond
	target, err := NewWriteTarget(config.WriteConfig{Tag: "Setpoint", RateLimit: config.Duration{Duration: limit}}, writer, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan float32)
	out := make(chan Sample)
	done := make(chan error, 1)
	go func() { done <- target.Run(ctx, in, out) }()

	for _, v := range []float32{10, 20} {
		in <- v
		select {
		case s := <-out:
			require.Equal(t, v, s.Raw)
		case <-time.After(2 * time.Second):
			t.Fatalf("write of %v not reported", v)
		}
	}
	cancel()
	require.NoError(t, <-done)

	writer.mu.Lock()
	defer writer.mu.Unlock()
	require.Len(t, writer.times, 2)
	require.GreaterOrEqual(t, writer.times[1].Sub(writer.times[0]), limit-10*time.Millisecond)
}

func TestWriteTargetRunReportsErrors(t *testing.T) {
	writer := &recordingWriter{err: errors.New("write rejected")}
	target, err := NewWriteTarget(config.WriteConfig{Tag: "Setpoint"}, writer, zerolog.Nop())
	require.NoError(t, err)

	in := make(chan float32, 1)
	in <- 7
	close(in)
	out := make(chan Sample, 1)
	require.NoError(t, target.Run(context.Background(), in, out))

	s := <-out
	require.False(t, s.OK())
	require.Equal(t, "write rejected", s.Display)
}

func TestNewWriteTargetValidates(t *testing.T) {
	_, err := NewWriteTarget(config.WriteConfig{}, &recordingWriter{}, zerolog.Nop())
	require.Error(t, err)
	_, err = NewWriteTarget(config.WriteConfig{Tag: "Setpoint"}, nil, zerolog.Nop())
	require.Error(t, err)
}
