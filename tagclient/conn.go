// Package tagclient reads and writes single REAL tags on an EtherNet/IP
// controller through a class 3 connected session.
//
// A Conn is obtained once with Connect and then used for any number of blocking
// ReadFloat32 and WriteFloat32 calls. Calls on one Conn are serialized
// internally and complete in the order they acquire the connection; separate
// Conns share no state.
package tagclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/eiptag/cip"
	"github.com/timzifer/eiptag/eip"
)

const (
	opConnect = "connect"
	opRead    = "read"
	opWrite   = "write"

	defaultVendorID uint16 = 0x1337
)

// Conn is one registered session with an open class 3 connection.
type Conn struct {
	mu sync.Mutex

	id         string
	address    string
	endpoint   string
	opts       options
	logger     zerolog.Logger
	session    *eip.Session
	connSerial uint16
	origSerial uint32

	closed bool
	broken error
}

// Connect resolves address (host or IP, optional ":port"), registers a session
// on the EtherNet/IP port and opens a connection to the controller's message
// router. A Conn is only returned when every step succeeded.
func Connect(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	start := time.Now()
	conn, err := connect(ctx, address, o)
	o.collector.ObserveOperation(opConnect, resultLabel(err), time.Since(start))
	if err != nil {
		o.logger.Debug().Err(err).Str("address", address).Msg("connect failed")
		return nil, err
	}
	return conn, nil
}

func connect(ctx context.Context, address string, o options) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	endpoint, err := resolve(ctx, address, o.resolver)
	if err != nil {
		return nil, &ConnectionError{Kind: KindResolution, Address: address, Err: err}
	}
	netConn, err := o.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, &ConnectionError{Kind: KindTransport, Address: address, Err: err}
	}

	id := uuid.NewString()
	logger := o.logger.With().Str("conn", id).Str("endpoint", endpoint).Logger()
	c := &Conn{
		id:       id,
		address:  address,
		endpoint: endpoint,
		opts:     o,
		logger:   logger,
		session:  eip.NewSession(netConn, o.timeout, logger),
	}
	if err := c.session.Register(ctx); err != nil {
		_ = c.session.Close()
		return nil, &ConnectionError{Kind: handshakeKind(err), Address: address, Err: fmt.Errorf("register session: %w", err)}
	}
	if err := c.forwardOpen(ctx); err != nil {
		_ = c.session.Close()
		return nil, &ConnectionError{Kind: handshakeKind(err), Address: address, Err: fmt.Errorf("forward open: %w", err)}
	}
	otID, toID := c.session.ConnectionIDs()
	logger.Debug().Uint32("session", c.session.Handle()).Uint32("ot_id", otID).Uint32("to_id", toID).Msg("connected")
	return c, nil
}

func resolve(ctx context.Context, address string, resolver Resolver) (string, error) {
	host, port := address, strconv.Itoa(eip.DefaultPort)
	if h, p, err := net.SplitHostPort(address); err == nil {
		host, port = h, p
	}
	if host == "" {
		return "", errors.New("empty host")
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("invalid port %q", port)
	}
	if ip := net.ParseIP(host); ip != nil {
		return net.JoinHostPort(host, port), nil
	}
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %q", host)
	}
	chosen := addrs[0]
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			chosen = addr
			break
		}
	}
	return net.JoinHostPort(chosen, port), nil
}

func handshakeKind(err error) Kind {
	var encapErr *eip.EncapError
	var statusErr *cip.StatusError
	switch {
	case errors.As(err, &encapErr), errors.As(err, &statusErr),
		errors.Is(err, eip.ErrProtocol), errors.Is(err, cip.ErrUnexpectedReply),
		eip.IsTimeout(err):
		return KindHandshake
	default:
		return KindTransport
	}
}

func (c *Conn) forwardOpen(ctx context.Context) error {
	c.connSerial = uint16(rand.Uint32())
	c.origSerial = rand.Uint32()
	req := cip.ForwardOpen{
		PriorityTick:      cip.DefaultPriorityTick,
		TimeoutTicks:      cip.DefaultTimeoutTicks,
		TOConnectionID:    rand.Uint32() | 1,
		ConnectionSerial:  c.connSerial,
		VendorID:          c.opts.vendorID,
		OriginatorSerial:  c.origSerial,
		TimeoutMultiplier: cip.DefaultTimeoutMultiplier,
		OTRPI:             cip.DefaultRPI,
		OTParams:          cip.DefaultConnectionParams,
		TORPI:             cip.DefaultRPI,
		TOParams:          cip.DefaultConnectionParams,
		TransportTrigger:  cip.TransportClass3,
		Path:              cip.ConnectionPath(c.opts.slot),
	}.Request()
	resp, err := c.unconnected(ctx, req)
	if err != nil {
		return err
	}
	reply, err := cip.ParseForwardOpenReply(resp.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", eip.ErrProtocol, err)
	}
	if reply.OTConnectionID == 0 {
		return fmt.Errorf("%w: zero connection id", eip.ErrProtocol)
	}
	c.session.Connect(reply.OTConnectionID, reply.TOConnectionID)
	return nil
}

func (c *Conn) forwardClose(ctx context.Context) error {
	req := cip.ForwardClose{
		PriorityTick:     cip.DefaultPriorityTick,
		TimeoutTicks:     cip.DefaultTimeoutTicks,
		ConnectionSerial: c.connSerial,
		VendorID:         c.opts.vendorID,
		OriginatorSerial: c.origSerial,
		Path:             cip.ConnectionPath(c.opts.slot),
	}.Request()
	_, err := c.unconnected(ctx, req)
	c.session.Disconnect()
	return err
}

func (c *Conn) unconnected(ctx context.Context, req cip.Request) (cip.Response, error) {
	msg, err := req.Encode()
	if err != nil {
		return cip.Response{}, err
	}
	raw, err := c.session.SendRRData(ctx, msg)
	if err != nil {
		return cip.Response{}, err
	}
	resp, err := cip.DecodeResponse(raw)
	if err != nil {
		return cip.Response{}, fmt.Errorf("%w: %v", eip.ErrProtocol, err)
	}
	if err := resp.Check(req.Service); err != nil {
		return cip.Response{}, err
	}
	return resp, nil
}

// ID returns the identifier used to correlate this connection in logs.
func (c *Conn) ID() string {
	return c.id
}

// Address returns the address passed to Connect.
func (c *Conn) Address() string {
	return c.address
}

// Endpoint returns the resolved ip:port.
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// Close releases the connection and session. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.broken != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.timeout)
	defer cancel()
	if err := c.forwardClose(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("forward close failed")
	}
	if err := c.session.Unregister(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("unregister session failed")
	}
	c.logger.Debug().Msg("connection closed")
	return c.session.Close()
}

// markBroken closes the socket after a transport failure. Must hold c.mu.
func (c *Conn) markBroken(err error) {
	if c.broken != nil {
		return
	}
	c.broken = err
	_ = c.session.Close()
	c.logger.Warn().Err(err).Msg("connection broken")
}
