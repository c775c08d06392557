// Package poller turns blocking tag reads and writes into a stream of samples
// for a display or CLI. It owns the reconnect policy that tagclient leaves to
// its callers: a Link drops its session after a transport failure and opens a
// new one on the next call.
package poller

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/eiptag/tagclient"
	"github.com/timzifer/eiptag/telemetry"
)

// ErrLinkClosed is returned by calls on a closed Link.
var ErrLinkClosed = errors.New("link closed")

// Session is the part of *tagclient.Conn used by a Link.
type Session interface {
	ReadFloat32(ctx context.Context, tag string) (float32, error)
	WriteFloat32(ctx context.Context, tag string, value float32) error
	Close() error
}

// ConnectFunc opens a new session.
type ConnectFunc func(ctx context.Context) (Session, error)

// Dial returns a ConnectFunc that connects to address with tagclient.
func Dial(address string, opts ...tagclient.Option) ConnectFunc {
	return func(ctx context.Context) (Session, error) {
		conn, err := tagclient.Connect(ctx, address, opts...)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// LinkOptions tune a Link.
type LinkOptions struct {
	// Endpoint labels reconnect metrics and log lines.
	Endpoint  string
	Logger    zerolog.Logger
	Collector telemetry.Collector
}

// Link lazily establishes a session and replaces it after transport failures.
type Link struct {
	connect   ConnectFunc
	endpoint  string
	logger    zerolog.Logger
	collector telemetry.Collector

	mu       sync.Mutex
	session  Session
	sessions int
	closed   bool
}

// NewLink creates a Link. No connection is made until the first call.
func NewLink(connect ConnectFunc, opts LinkOptions) *Link {
	collector := opts.Collector
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Link{
		connect:   connect,
		endpoint:  opts.Endpoint,
		logger:    opts.Logger.With().Str("endpoint", opts.Endpoint).Logger(),
		collector: collector,
	}
}

// Read reads one REAL tag.
func (l *Link) Read(ctx context.Context, tag string) (float32, error) {
	session, err := l.ensure(ctx)
	if err != nil {
		return 0, err
	}
	value, err := session.ReadFloat32(ctx, tag)
	if err != nil && tagclient.IsTransport(err) {
		l.invalidate(session, err)
	}
	return value, err
}

// Write writes one REAL tag.
func (l *Link) Write(ctx context.Context, tag string, value float32) error {
	session, err := l.ensure(ctx)
	if err != nil {
		return err
	}
	err = session.WriteFloat32(ctx, tag, value)
	if err != nil && tagclient.IsTransport(err) {
		l.invalidate(session, err)
	}
	return err
}

// Connected reports whether a session is currently open.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session != nil
}

// Close closes the current session. Later calls fail with ErrLinkClosed.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.session == nil {
		return nil
	}
	err := l.session.Close()
	l.session = nil
	return err
}

func (l *Link) ensure(ctx context.Context) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLinkClosed
	}
	if l.session != nil {
		return l.session, nil
	}
	if l.connect == nil {
		return nil, errors.New("no connect function configured")
	}
	session, err := l.connect(ctx)
	if err != nil {
		l.logger.Debug().Err(err).Msg("controller connect failed")
		return nil, err
	}
	if l.sessions > 0 {
		l.collector.IncReconnect(l.endpoint)
		l.logger.Info().Int("sessions", l.sessions+1).Msg("controller reconnected")
	} else {
		l.logger.Info().Msg("controller connected")
	}
	l.sessions++
	l.session = session
	return session, nil
}

func (l *Link) invalidate(session Session, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != session {
		return
	}
	_ = session.Close()
	l.session = nil
	l.logger.Warn().Err(cause).Msg("controller connection lost")
}
