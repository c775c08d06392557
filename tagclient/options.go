package tagclient

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/eiptag/eip"
	"github.com/timzifer/eiptag/telemetry"
)

// Dialer opens the TCP connection to a resolved endpoint. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver maps a host name to addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Option customises Connect.
type Option func(*options)

type options struct {
	timeout   time.Duration
	slot      uint8
	vendorID  uint16
	dialer    Dialer
	resolver  Resolver
	logger    zerolog.Logger
	collector telemetry.Collector
}

func defaultOptions() options {
	return options{
		timeout:   eip.DefaultTimeout,
		vendorID:  defaultVendorID,
		dialer:    &net.Dialer{},
		resolver:  net.DefaultResolver,
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
	}
}

// WithTimeout bounds each blocking call. Values <= 0 keep the default.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithSlot selects the backplane slot of the controller.
func WithSlot(slot uint8) Option {
	return func(o *options) { o.slot = slot }
}

// WithVendorID overrides the originator vendor id sent in Forward Open.
func WithVendorID(id uint16) Option {
	return func(o *options) { o.vendorID = id }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithResolver replaces the host name resolver.
func WithResolver(r Resolver) Option {
	return func(o *options) {
		if r != nil {
			o.resolver = r
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCollector reports operation metrics to collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(o *options) {
		if collector != nil {
			o.collector = collector
		}
	}
}
