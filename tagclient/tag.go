package tagclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timzifer/eiptag/cip"
	"github.com/timzifer/eiptag/eip"
)

// ReadFloat32 reads one REAL tag. Malformed tags fail with ErrInvalidAddress
// before any I/O; a tag of another type fails with ErrTypeMismatch.
func (c *Conn) ReadFloat32(ctx context.Context, tag string) (float32, error) {
	start := time.Now()
	value, err := c.readFloat32(ctx, tag)
	c.observe(opRead, tag, err, start)
	return value, err
}

func (c *Conn) readFloat32(ctx context.Context, tag string) (float32, error) {
	addr, err := cip.ParseTag(tag)
	if err != nil {
		return 0, &TagError{Op: opRead, Tag: tag, Kind: KindInvalidAddress, Err: err}
	}
	resp, err := c.roundTrip(ctx, opRead, tag, cip.ReadTagRequest(addr, 1))
	if err != nil {
		return 0, err
	}
	value, err := cip.DecodeTypedValue(resp.Data)
	if err != nil {
		return 0, &TagError{Op: opRead, Tag: tag, Kind: KindTransport, Err: fmt.Errorf("%w: %v", eip.ErrProtocol, err)}
	}
	f, err := value.Float32()
	if err != nil {
		kind := KindTransport
		if errors.Is(err, cip.ErrTypeMismatch) {
			kind = KindTypeMismatch
		}
		return 0, &TagError{Op: opRead, Tag: tag, Kind: kind, Err: err}
	}
	return f, nil
}

// WriteFloat32 writes value to one REAL tag and returns once the controller
// acknowledged it.
func (c *Conn) WriteFloat32(ctx context.Context, tag string, value float32) error {
	start := time.Now()
	err := c.writeFloat32(ctx, tag, value)
	c.observe(opWrite, tag, err, start)
	return err
}

func (c *Conn) writeFloat32(ctx context.Context, tag string, value float32) error {
	addr, err := cip.ParseTag(tag)
	if err != nil {
		return &TagError{Op: opWrite, Tag: tag, Kind: KindInvalidAddress, Err: err}
	}
	_, err = c.roundTrip(ctx, opWrite, tag, cip.WriteTagRequest(addr, cip.RealValue(value)))
	return err
}

func (c *Conn) roundTrip(ctx context.Context, op, tag string, req cip.Request) (cip.Response, error) {
	msg, err := req.Encode()
	if err != nil {
		return cip.Response{}, &TagError{Op: op, Tag: tag, Kind: KindInvalidAddress, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cip.Response{}, &TagError{Op: op, Tag: tag, Kind: KindTransport, Err: ErrClosed}
	}
	if c.broken != nil {
		return cip.Response{}, &TagError{Op: op, Tag: tag, Kind: KindTransport, Err: fmt.Errorf("%w: %v", ErrConnectionBroken, c.broken)}
	}
	if err := ctx.Err(); err != nil {
		return cip.Response{}, &TagError{Op: op, Tag: tag, Kind: KindTransport, Err: err}
	}

	raw, err := c.session.SendUnitData(ctx, msg)
	if err != nil {
		c.markBroken(err)
		return cip.Response{}, &TagError{Op: op, Tag: tag, Kind: KindTransport, Err: err}
	}
	resp, err := cip.DecodeResponse(raw)
	if err != nil {
		return cip.Response{}, &TagError{Op: op, Tag: tag, Kind: KindTransport, Err: fmt.Errorf("%w: %v", eip.ErrProtocol, err)}
	}
	if err := resp.Check(req.Service); err != nil {
		var status *cip.StatusError
		if errors.As(err, &status) {
			return cip.Response{}, &TagError{Op: op, Tag: tag, Kind: classifyStatus(op, status), Status: status, Err: err}
		}
		return cip.Response{}, &TagError{Op: op, Tag: tag, Kind: KindTransport, Err: err}
	}
	return resp, nil
}

func (c *Conn) observe(op, tag string, err error, start time.Time) {
	duration := time.Since(start)
	c.opts.collector.ObserveOperation(op, resultLabel(err), duration)
	if err != nil {
		c.logger.Debug().Err(err).Str("op", op).Str("tag", tag).Dur("duration", duration).Msg("tag operation failed")
		return
	}
	c.logger.Trace().Str("op", op).Str("tag", tag).Dur("duration", duration).Msg("tag operation completed")
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var tagErr *TagError
	if errors.As(err, &tagErr) {
		return tagErr.Kind.label()
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Kind.label()
	}
	return "error"
}
