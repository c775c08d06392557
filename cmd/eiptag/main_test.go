package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/eiptag/internal/plcsim"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startSim(t *testing.T) (*plcsim.Server, string) {
	t.Helper()
	sim := plcsim.New(plcsim.Config{Logger: zerolog.Nop()})
	addr, err := sim.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })
	return sim, addr.String()
}

func runApp(ctx context.Context, stdin string, stdout, stderr *syncBuffer, args ...string) error {
	app := newApp()
	app.Reader = strings.NewReader(stdin)
	app.Writer = stdout
	app.ErrWriter = stderr
	return app.RunContext(ctx, append([]string{"eiptag"}, args...))
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var stdout, stderr syncBuffer
	err := runApp(ctx, stdin, &stdout, &stderr, args...)
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eiptag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestAppCommands(t *testing.T) {
	app := newApp()
	names := make(map[string]bool)
	for _, cmd := range app.Commands {
		names[cmd.Name] = true
	}
	for _, name := range []string{"read", "write", "poll", "simulate", "init", "check"} {
		if !names[name] {
			t.Errorf("missing command: %s", name)
		}
	}
}

func TestWriteThenRead(t *testing.T) {
	sim, addr := startSim(t)
	require.NoError(t, sim.SetFloat32("Speed", 0))

	stdout, _, err := run(t, "", "--address", addr, "--timeout", "2s", "write", "Speed", "42.5")
	require.NoError(t, err)
	require.Equal(t, "Speed = 42.5\n", stdout)

	v, ok := sim.Float32("Speed")
	require.True(t, ok)
	require.Equal(t, float32(42.5), v)

	stdout, _, err = run(t, "", "--address", addr, "read", "--precision", "2", "Speed")
	require.NoError(t, err)
	require.Equal(t, "Speed = 42.50\n", stdout)

	stdout, _, err = run(t, "", "--address", addr, "read", "--transform", "value * 60", "Speed")
	require.NoError(t, err)
	require.Equal(t, "Speed = 2550\n", stdout)
}

func TestReadReportsEveryFailure(t *testing.T) {
	sim, addr := startSim(t)
	require.NoError(t, sim.SetFloat32("Speed", 1.5))

	stdout, stderr, err := run(t, "", "--address", addr, "--log-level", "error", "read", "Speed", "Missing", "Bad..Tag")
	require.EqualError(t, err, "read failed for 2 of 3 tags")
	require.Equal(t, "Speed = 1.5\n", stdout)
	require.Contains(t, stderr, "Missing: ")
	require.Contains(t, stderr, "Bad..Tag: ")
}

func TestCommandsValidateBeforeConnecting(t *testing.T) {
	_, _, err := run(t, "", "--address", "127.0.0.1:1", "write", "Speed", "abc")
	require.ErrorContains(t, err, "invalid value")

	_, _, err = run(t, "", "--address", "127.0.0.1:1", "write", "Speed", "1e39")
	require.ErrorContains(t, err, "invalid value")

	_, _, err = run(t, "", "--address", "127.0.0.1:1", "write", "Speed")
	require.ErrorContains(t, err, "expected TAG and VALUE")

	_, _, err = run(t, "", "--address", "127.0.0.1:1", "read")
	require.ErrorContains(t, err, "at least one tag")

	_, _, err = run(t, "", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "read", "Speed")
	require.ErrorContains(t, err, "read config")

	_, _, err = run(t, "", "--config", writeConfig(t, "display:\n  label: x\n"), "read", "Speed")
	require.ErrorContains(t, err, "controller.address is required")

	_, _, err = run(t, "", "--address", "127.0.0.1:1", "--slot", "300", "read", "Speed")
	require.ErrorContains(t, err, "slot 300 out of range")
}

func TestPollPrintsSamples(t *testing.T) {
	sim, addr := startSim(t)
	require.NoError(t, sim.SetFloat32("Speed", 42.5))
	path := writeConfig(t, fmt.Sprintf(`controller:
  address: %s
  timeout: 2s
poll:
  interval: 10ms
  tags:
    - tag: Speed
      transform: value * 2
logging:
  level: error
`, addr))

	stdout, _, err := run(t, "", "--config", path, "poll", "--samples", "2")
	require.NoError(t, err)
	require.Equal(t, "Hello World!\nSpeed: Starting\nSpeed: 85\nSpeed: 85\n", stdout)
}

func TestPollWritesStdinValues(t *testing.T) {
	sim, addr := startSim(t)
	require.NoError(t, sim.SetFloat32("Setpoint", 0))
	path := writeConfig(t, fmt.Sprintf(`controller:
  address: %s
poll:
  write:
    tag: Setpoint
display:
  label: Line 3
logging:
  level: error
`, addr))

	stdout, stderr, err := run(t, "not a number\n12.5\n", "--config", path, "poll", "--samples", "1")
	require.NoError(t, err)
	require.Equal(t, "Line 3\nSetpoint <- 12.5\n", stdout)
	require.Contains(t, stderr, `ignoring input "not a number"`)

	v, ok := sim.Float32("Setpoint")
	require.True(t, ok)
	require.Equal(t, float32(12.5), v)
}

func TestPollRequiresTags(t *testing.T) {
	_, _, err := run(t, "", "--address", "127.0.0.1:1", "poll")
	require.ErrorContains(t, err, "no tags configured")
}

func TestPollHotReload(t *testing.T) {
	sim, addr := startSim(t)
	require.NoError(t, sim.SetFloat32("Speed", 42.5))
	template := `controller:
  address: %s
  timeout: 2s
poll:
  interval: 20ms
  tags:
    - tag: Speed
      transform: %s
logging:
  level: error
hot_reload: true
`
	path := writeConfig(t, fmt.Sprintf(template, addr, "value * 2"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout, stderr syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- runApp(ctx, "", &stdout, &stderr, "--config", path, "poll")
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Speed: 85\n")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(template, addr, "value * 100")), 0o600))
	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Speed: 4250\n")
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not stop after cancellation")
	}
}

func TestPollKeepsRunningOnInvalidReload(t *testing.T) {
	sim, addr := startSim(t)
	require.NoError(t, sim.SetFloat32("Speed", 42.5))
	require.NoError(t, sim.SetFloat32("Other", 7))
	header := `controller:
  address: %s
  timeout: 2s
poll:
  interval: 20ms
  tags:
`
	footer := `logging:
  level: error
telemetry:
  enabled: true
  listen: 127.0.0.1:0
hot_reload: true
`
	path := writeConfig(t, fmt.Sprintf(header, addr)+"    - tag: Speed\n      transform: value * 2\n"+footer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout, stderr syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- runApp(ctx, "", &stdout, &stderr, "--config", path, "poll")
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Speed: 85\n")
	}, 5*time.Second, 10*time.Millisecond)
	_, rest, found := strings.Cut(stderr.String(), "metrics listening on ")
	require.True(t, found, "stderr: %s", stderr.String())
	metricsAddr, _, _ := strings.Cut(rest, "\n")

	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(header, addr)+"    - tag: 1bad\n"+footer), 0o600))
	require.Eventually(t, func() bool {
		return strings.Contains(stderr.String(), "failed to reload configuration")
	}, 10*time.Second, 20*time.Millisecond)
	samples := strings.Count(stdout.String(), "Speed: 85\n")
	require.Eventually(t, func() bool {
		return strings.Count(stdout.String(), "Speed: 85\n") > samples
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(header, addr)+"    - tag: Other\n"+footer), 0o600))
	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Other: 7\n")
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, 1.0, hotReloadCount(t, path))

	resp, err := http.Get("http://" + metricsAddr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "eiptag_operations_total")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not stop after cancellation")
	}
}

func hotReloadCount(t *testing.T, file string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "eiptag_config_hot_reload_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "file" && label.GetValue() == file {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestParseTagSpec(t *testing.T) {
	tests := []struct {
		spec    string
		name    string
		value   float32
		wantErr bool
	}{
		{spec: "Speed=42.5", name: "Speed", value: 42.5},
		{spec: " Program:Main.Rate[2] = -1 ", name: "Program:Main.Rate[2]", value: -1},
		{spec: "Speed", wantErr: true},
		{spec: "=1", wantErr: true},
		{spec: "Speed=fast", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			name, value, err := parseTagSpec(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.name, name)
			require.Equal(t, tt.value, value)
		})
	}
}

func TestInitThenCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eiptag.yaml")

	stdout, _, err := run(t, "", "--config", path, "--address", "10.0.0.5", "--slot", "2", "init")
	require.NoError(t, err)
	require.Equal(t, "Wrote "+path+"\n", stdout)

	_, _, err = run(t, "", "--config", path, "init")
	require.ErrorContains(t, err, "already exists")

	stdout, _, err = run(t, "", "--config", path, "check")
	require.NoError(t, err)
	require.Contains(t, stdout, "Controller: 10.0.0.5 (slot 2, timeout 5s)\n")
	require.Contains(t, stdout, "Poll interval: 2s\n")
	require.Contains(t, stdout, "Configuration check completed successfully.\n")

	// check validates the file alone; flags do not patch it up.
	_, _, err = run(t, "", "--config", path, "init", "--force")
	require.NoError(t, err)
	_, _, err = run(t, "", "--config", path, "--address", "10.0.0.5", "check")
	require.ErrorContains(t, err, "controller.address is required")
}
