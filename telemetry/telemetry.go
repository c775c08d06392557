package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the tag client and the poller.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with every tag operation.
type Collector interface {
	IncHotReload(file string)
	ObserveOperation(op, result string, duration time.Duration)
	IncReconnect(endpoint string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                            {}
func (noopCollector) ObserveOperation(string, string, time.Duration) {}
func (noopCollector) IncReconnect(string)                            {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	hotReloads *prometheus.CounterVec
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	reconnects *prometheus.CounterVec
}

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Metrics already registered by an earlier call are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	hotReloads, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eiptag_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration file.",
	}, []string{"file"}))
	if err != nil {
		return nil, err
	}
	operations, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eiptag_operations_total",
		Help: "Number of tag client operations by operation and result.",
	}, []string{"op", "result"}))
	if err != nil {
		return nil, err
	}
	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eiptag_operation_duration_seconds",
		Help:    "Round trip time of tag client operations.",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"op"}))
	if err != nil {
		return nil, err
	}
	reconnects, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eiptag_reconnects_total",
		Help: "Number of sessions re-established after a transport failure.",
	}, []string{"endpoint"}))
	if err != nil {
		return nil, err
	}
	return &PrometheusCollector{
		hotReloads: hotReloads,
		operations: operations,
		durations:  durations,
		reconnects: reconnects,
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// ObserveOperation counts one operation and records its duration.
func (p *PrometheusCollector) ObserveOperation(op, result string, duration time.Duration) {
	if p == nil || p.operations == nil {
		return
	}
	p.operations.WithLabelValues(op, result).Inc()
	p.durations.WithLabelValues(op).Observe(duration.Seconds())
}

// IncReconnect counts a re-established session.
func (p *PrometheusCollector) IncReconnect(endpoint string) {
	if p == nil || p.reconnects == nil {
		return
	}
	p.reconnects.WithLabelValues(endpoint).Inc()
}
