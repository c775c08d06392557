package eip

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds every exchange when no shorter context deadline applies.
const DefaultTimeout = 5 * time.Second

// rrTimeout is the router timeout (seconds) advertised in SendRRData.
const rrTimeout = 10

// Session carries encapsulated messages over one TCP connection.
//
// A Session tracks the registered session handle, the sender context counter
// used to correlate unconnected replies and the sequence count of the connected
// transport. It is not safe for concurrent use; callers serialize exchanges.
type Session struct {
	conn     net.Conn
	timeout  time.Duration
	logger   zerolog.Logger
	handle   uint32
	context  uint64
	otID     uint32
	toID     uint32
	sequence uint16
}

// NewSession wraps an established TCP connection. A timeout <= 0 selects DefaultTimeout.
func NewSession(conn net.Conn, timeout time.Duration, logger zerolog.Logger) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Session{conn: conn, timeout: timeout, logger: logger}
}

// Handle returns the registered session handle, or 0 before Register.
func (s *Session) Handle() uint32 {
	return s.handle
}

// Register performs the RegisterSession handshake.
func (s *Session) Register(ctx context.Context) error {
	h, payload, err := s.exchange(ctx, Header{Command: CommandRegisterSession}, RegisterData())
	if err != nil {
		return err
	}
	if err := expect(h, CommandRegisterSession); err != nil {
		return err
	}
	if h.SessionHandle == 0 {
		return fmt.Errorf("%w: zero session handle", ErrProtocol)
	}
	if _, err := ParseRegisterData(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	s.handle = h.SessionHandle
	s.logger.Debug().Uint32("session", s.handle).Msg("encapsulation session registered")
	return nil
}

// SendRRData sends an unconnected message router request and returns the reply.
func (s *Session) SendRRData(ctx context.Context, message []byte) ([]byte, error) {
	s.context++
	h := Header{Command: CommandSendRRData, SessionHandle: s.handle}
	binary.LittleEndian.PutUint64(h.SenderContext[:], s.context)
	payload := SendData{Timeout: rrTimeout, Items: UnconnectedItems(message)}.Encode()

	rh, reply, err := s.exchange(ctx, h, payload)
	if err != nil {
		return nil, err
	}
	if err := expect(rh, CommandSendRRData); err != nil {
		return nil, err
	}
	if rh.SenderContext != h.SenderContext {
		return nil, fmt.Errorf("%w: sender context mismatch", ErrProtocol)
	}
	data, err := ParseSendData(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	item, ok := data.Item(ItemUnconnectedData)
	if !ok {
		return nil, fmt.Errorf("%w: missing unconnected data item", ErrProtocol)
	}
	return item.Data, nil
}

// Connect records the connection ids negotiated by Forward Open and resets the
// sequence count.
func (s *Session) Connect(otID, toID uint32) {
	s.otID = otID
	s.toID = toID
	s.sequence = 0
}

// Connected reports whether a connected transport is established.
func (s *Session) Connected() bool {
	return s.otID != 0
}

// Disconnect forgets the connected transport.
func (s *Session) Disconnect() {
	s.otID, s.toID = 0, 0
}

// ConnectionIDs returns the originator-to-target and target-to-originator ids.
func (s *Session) ConnectionIDs() (uint32, uint32) {
	return s.otID, s.toID
}

// SendUnitData sends a message over the connected transport. Replies must echo
// the sequence count and carry the target-to-originator connection id.
func (s *Session) SendUnitData(ctx context.Context, message []byte) ([]byte, error) {
	if !s.Connected() {
		return nil, fmt.Errorf("%w: no connected transport", ErrProtocol)
	}
	s.sequence++
	seq := s.sequence
	h := Header{Command: CommandSendUnitData, SessionHandle: s.handle}
	payload := SendData{Items: ConnectedItems(s.otID, seq, message)}.Encode()

	rh, reply, err := s.exchange(ctx, h, payload)
	if err != nil {
		return nil, err
	}
	if err := expect(rh, CommandSendUnitData); err != nil {
		return nil, err
	}
	data, err := ParseSendData(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	connID, replySeq, msg, err := ParseConnected(data)
	if err != nil {
		return nil, err
	}
	if connID != s.toID {
		return nil, fmt.Errorf("%w: reply on connection 0x%08X, want 0x%08X", ErrProtocol, connID, s.toID)
	}
	if replySeq != seq {
		return nil, fmt.Errorf("%w: reply sequence %d, want %d", ErrProtocol, replySeq, seq)
	}
	return msg, nil
}

// Unregister sends UnRegisterSession. The target closes the socket without replying.
func (s *Session) Unregister(ctx context.Context) error {
	if s.handle == 0 {
		return nil
	}
	stop := s.arm(ctx)
	defer stop()
	err := WriteFrame(s.conn, Header{Command: CommandUnRegisterSession, SessionHandle: s.handle}, nil)
	s.handle = 0
	return s.wrap(ctx, err)
}

// Close closes the TCP connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) exchange(ctx context.Context, h Header, payload []byte) (Header, []byte, error) {
	stop := s.arm(ctx)
	defer stop()
	s.logger.Trace().Stringer("command", h.Command).Int("bytes", len(payload)).Msg("encapsulation request")
	if err := WriteFrame(s.conn, h, payload); err != nil {
		return Header{}, nil, s.wrap(ctx, err)
	}
	for {
		rh, reply, err := ReadFrame(s.conn)
		if err != nil {
			return Header{}, nil, s.wrap(ctx, err)
		}
		if rh.Command == CommandNop {
			continue
		}
		s.logger.Trace().Stringer("command", rh.Command).Int("bytes", len(reply)).Msg("encapsulation reply")
		return rh, reply, nil
	}
}

// arm applies the exchange deadline and aborts blocked I/O when ctx ends.
func (s *Session) arm(ctx context.Context) func() {
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetDeadline(deadline)
	aborted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(aborted)
		_ = s.conn.SetDeadline(time.Unix(1, 0))
	})
	// The abort must not land on the next exchange's deadline.
	return func() {
		if !stop() {
			<-aborted
		}
	}
}

func (s *Session) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func expect(h Header, cmd Command) error {
	if h.Command != cmd {
		return fmt.Errorf("%w: got %s in reply to %s", ErrProtocol, h.Command, cmd)
	}
	if h.Status != EncapSuccess {
		return &EncapError{Command: cmd, Status: h.Status}
	}
	return nil
}

// IsTimeout reports whether err stems from an expired deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
