// Package eip implements the EtherNet/IP encapsulation layer: the 24-byte
// session header, common packet format items and a session that carries
// unconnected and connected CIP messages over TCP.
package eip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/timzifer/eiptag/internal/wire"
)

// DefaultPort is the registered EtherNet/IP explicit messaging port.
const DefaultPort = 44818

// HeaderSize is the fixed encapsulation header length.
const HeaderSize = 24

// ProtocolVersion is the only encapsulation revision defined.
const ProtocolVersion = 1

// Command is an encapsulation command code.
type Command uint16

const (
	CommandNop               Command = 0x0000
	CommandRegisterSession   Command = 0x0065
	CommandUnRegisterSession Command = 0x0066
	CommandSendRRData        Command = 0x006F
	CommandSendUnitData      Command = 0x0070
)

func (c Command) String() string {
	switch c {
	case CommandNop:
		return "NOP"
	case CommandRegisterSession:
		return "RegisterSession"
	case CommandUnRegisterSession:
		return "UnRegisterSession"
	case CommandSendRRData:
		return "SendRRData"
	case CommandSendUnitData:
		return "SendUnitData"
	default:
		return fmt.Sprintf("Command(0x%04X)", uint16(c))
	}
}

// EncapStatus is the status word of an encapsulation header.
type EncapStatus uint32

const (
	EncapSuccess             EncapStatus = 0x0000
	EncapInvalidCommand      EncapStatus = 0x0001
	EncapInsufficientMemory  EncapStatus = 0x0002
	EncapIncorrectData       EncapStatus = 0x0003
	EncapInvalidSession      EncapStatus = 0x0064
	EncapInvalidLength       EncapStatus = 0x0065
	EncapUnsupportedRevision EncapStatus = 0x0069
)

func (s EncapStatus) String() string {
	switch s {
	case EncapSuccess:
		return "success"
	case EncapInvalidCommand:
		return "invalid or unsupported command"
	case EncapInsufficientMemory:
		return "insufficient memory"
	case EncapIncorrectData:
		return "incorrect data"
	case EncapInvalidSession:
		return "invalid session handle"
	case EncapInvalidLength:
		return "invalid length"
	case EncapUnsupportedRevision:
		return "unsupported protocol revision"
	default:
		return fmt.Sprintf("status 0x%04X", uint32(s))
	}
}

// EncapError is returned when a reply header carries a non-zero status.
type EncapError struct {
	Command Command
	Status  EncapStatus
}

func (e *EncapError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Command, e.Status)
}

var (
	// ErrPayloadTooLarge indicates a payload that does not fit the 16-bit length field.
	ErrPayloadTooLarge = errors.New("encapsulation payload too large")
	// ErrProtocol indicates a reply that violates the encapsulation protocol.
	ErrProtocol = errors.New("encapsulation protocol violation")
)

// Header is the encapsulation header. Length is filled in by WriteFrame.
type Header struct {
	Command       Command
	Length        uint16
	SessionHandle uint32
	Status        EncapStatus
	SenderContext [8]byte
	Options       uint32
}

// AppendHeader appends the little-endian header encoding.
func AppendHeader(b []byte, h Header) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(h.Command))
	b = binary.LittleEndian.AppendUint16(b, h.Length)
	b = binary.LittleEndian.AppendUint32(b, h.SessionHandle)
	b = binary.LittleEndian.AppendUint32(b, uint32(h.Status))
	b = append(b, h.SenderContext[:]...)
	return binary.LittleEndian.AppendUint32(b, h.Options)
}

// ParseHeader decodes the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	r := wire.NewReader(b)
	h := Header{
		Command:       Command(r.Uint16()),
		Length:        r.Uint16(),
		SessionHandle: r.Uint32(),
		Status:        EncapStatus(r.Uint32()),
	}
	copy(h.SenderContext[:], r.Bytes(8))
	h.Options = r.Uint32()
	if err := r.Err(); err != nil {
		return Header{}, fmt.Errorf("parse header: %w", err)
	}
	return h, nil
}

// WriteFrame writes header and payload as one buffer.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	if len(payload) > 0xFFFF {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	h.Length = uint16(len(payload))
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = AppendHeader(buf, h)
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", h.Command, err)
	}
	return nil
}

// ReadFrame reads one header and its payload.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, nil, fmt.Errorf("read header: %w", err)
	}
	h, err := ParseHeader(raw[:])
	if err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, fmt.Errorf("read %s payload: %w", h.Command, err)
	}
	return h, payload, nil
}

// RegisterData is the payload of RegisterSession in both directions.
func RegisterData() []byte {
	b := binary.LittleEndian.AppendUint16(nil, ProtocolVersion)
	return binary.LittleEndian.AppendUint16(b, 0)
}

// ParseRegisterData returns the protocol version requested by a RegisterSession payload.
func ParseRegisterData(b []byte) (uint16, error) {
	r := wire.NewReader(b)
	version := r.Uint16()
	r.Uint16()
	if err := r.Err(); err != nil {
		return 0, fmt.Errorf("parse register session: %w", err)
	}
	return version, nil
}
