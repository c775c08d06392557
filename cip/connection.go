package cip

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/timzifer/eiptag/internal/wire"
)

var (
	// ConnectionManagerPath addresses class 0x06 instance 1.
	ConnectionManagerPath = []byte{0x20, 0x06, 0x24, 0x01}
	// MessageRouterPath addresses class 0x02 instance 1.
	MessageRouterPath = []byte{0x20, 0x02, 0x24, 0x01}
)

// Forward Open defaults for a class 3 explicit messaging connection.
const (
	DefaultPriorityTick      uint8  = 0x0A
	DefaultTimeoutTicks      uint8  = 0x0E
	DefaultTimeoutMultiplier uint8  = 0x03
	DefaultRPI               uint32 = 2_000_000

	// DefaultConnectionParams is point-to-point, low priority, variable size, 500 bytes.
	DefaultConnectionParams uint16 = 0x43F4

	// TransportClass3 is a server, application triggered, class 3 transport.
	TransportClass3 uint8 = 0xA3
)

// ConnectionPath routes through backplane port 1 to slot and on to the message router.
func ConnectionPath(slot uint8) []byte {
	path := []byte{0x01, slot}
	return append(path, MessageRouterPath...)
}

// IsMessageRouterPath reports whether path ends at the message router, with or
// without a leading backplane port segment.
func IsMessageRouterPath(path []byte) bool {
	if len(path) >= 2 && path[0] == 0x01 {
		path = path[2:]
	}
	return bytes.Equal(path, MessageRouterPath)
}

// ForwardOpen is the Forward Open request body.
type ForwardOpen struct {
	PriorityTick      uint8
	TimeoutTicks      uint8
	OTConnectionID    uint32
	TOConnectionID    uint32
	ConnectionSerial  uint16
	VendorID          uint16
	OriginatorSerial  uint32
	TimeoutMultiplier uint8
	OTRPI             uint32
	OTParams          uint16
	TORPI             uint32
	TOParams          uint16
	TransportTrigger  uint8
	Path              []byte
}

// Request wraps the body into a message router request for the connection manager.
func (f ForwardOpen) Request() Request {
	data := []byte{f.PriorityTick, f.TimeoutTicks}
	data = binary.LittleEndian.AppendUint32(data, f.OTConnectionID)
	data = binary.LittleEndian.AppendUint32(data, f.TOConnectionID)
	data = binary.LittleEndian.AppendUint16(data, f.ConnectionSerial)
	data = binary.LittleEndian.AppendUint16(data, f.VendorID)
	data = binary.LittleEndian.AppendUint32(data, f.OriginatorSerial)
	data = append(data, f.TimeoutMultiplier, 0, 0, 0)
	data = binary.LittleEndian.AppendUint32(data, f.OTRPI)
	data = binary.LittleEndian.AppendUint16(data, f.OTParams)
	data = binary.LittleEndian.AppendUint32(data, f.TORPI)
	data = binary.LittleEndian.AppendUint16(data, f.TOParams)
	data = append(data, f.TransportTrigger, byte(len(f.Path)/2))
	data = append(data, f.Path...)
	return Request{Service: ServiceForwardOpen, Path: ConnectionManagerPath, Data: data}
}

// ParseForwardOpen decodes a Forward Open request body.
func ParseForwardOpen(data []byte) (ForwardOpen, error) {
	r := wire.NewReader(data)
	f := ForwardOpen{
		PriorityTick:     r.Uint8(),
		TimeoutTicks:     r.Uint8(),
		OTConnectionID:   r.Uint32(),
		TOConnectionID:   r.Uint32(),
		ConnectionSerial: r.Uint16(),
		VendorID:         r.Uint16(),
		OriginatorSerial: r.Uint32(),
	}
	f.TimeoutMultiplier = r.Uint8()
	r.Skip(3)
	f.OTRPI = r.Uint32()
	f.OTParams = r.Uint16()
	f.TORPI = r.Uint32()
	f.TOParams = r.Uint16()
	f.TransportTrigger = r.Uint8()
	words := int(r.Uint8())
	f.Path = r.Bytes(words * 2)
	if err := r.Err(); err != nil {
		return ForwardOpen{}, fmt.Errorf("parse forward open: %w", err)
	}
	return f, nil
}

// ForwardOpenReply is the success body of a Forward Open reply.
type ForwardOpenReply struct {
	OTConnectionID   uint32
	TOConnectionID   uint32
	ConnectionSerial uint16
	VendorID         uint16
	OriginatorSerial uint32
	OTAPI            uint32
	TOAPI            uint32
}

// Encode renders the reply body with an empty application reply.
func (f ForwardOpenReply) Encode() []byte {
	data := binary.LittleEndian.AppendUint32(nil, f.OTConnectionID)
	data = binary.LittleEndian.AppendUint32(data, f.TOConnectionID)
	data = binary.LittleEndian.AppendUint16(data, f.ConnectionSerial)
	data = binary.LittleEndian.AppendUint16(data, f.VendorID)
	data = binary.LittleEndian.AppendUint32(data, f.OriginatorSerial)
	data = binary.LittleEndian.AppendUint32(data, f.OTAPI)
	data = binary.LittleEndian.AppendUint32(data, f.TOAPI)
	return append(data, 0, 0)
}

// ParseForwardOpenReply decodes a Forward Open success body.
func ParseForwardOpenReply(data []byte) (ForwardOpenReply, error) {
	r := wire.NewReader(data)
	f := ForwardOpenReply{
		OTConnectionID:   r.Uint32(),
		TOConnectionID:   r.Uint32(),
		ConnectionSerial: r.Uint16(),
		VendorID:         r.Uint16(),
		OriginatorSerial: r.Uint32(),
		OTAPI:            r.Uint32(),
		TOAPI:            r.Uint32(),
	}
	if err := r.Err(); err != nil {
		return ForwardOpenReply{}, fmt.Errorf("parse forward open reply: %w", err)
	}
	return f, nil
}

// ForwardClose is the Forward Close request body.
type ForwardClose struct {
	PriorityTick     uint8
	TimeoutTicks     uint8
	ConnectionSerial uint16
	VendorID         uint16
	OriginatorSerial uint32
	Path             []byte
}

// Request wraps the body into a message router request for the connection manager.
func (f ForwardClose) Request() Request {
	data := []byte{f.PriorityTick, f.TimeoutTicks}
	data = binary.LittleEndian.AppendUint16(data, f.ConnectionSerial)
	data = binary.LittleEndian.AppendUint16(data, f.VendorID)
	data = binary.LittleEndian.AppendUint32(data, f.OriginatorSerial)
	data = append(data, byte(len(f.Path)/2), 0)
	data = append(data, f.Path...)
	return Request{Service: ServiceForwardClose, Path: ConnectionManagerPath, Data: data}
}

// ParseForwardClose decodes a Forward Close request body.
func ParseForwardClose(data []byte) (ForwardClose, error) {
	r := wire.NewReader(data)
	f := ForwardClose{
		PriorityTick:     r.Uint8(),
		TimeoutTicks:     r.Uint8(),
		ConnectionSerial: r.Uint16(),
		VendorID:         r.Uint16(),
		OriginatorSerial: r.Uint32(),
	}
	words := int(r.Uint8())
	r.Skip(1)
	f.Path = r.Bytes(words * 2)
	if err := r.Err(); err != nil {
		return ForwardClose{}, fmt.Errorf("parse forward close: %w", err)
	}
	return f, nil
}

// ForwardCloseReply echoes the connection triad of a closed connection.
type ForwardCloseReply struct {
	ConnectionSerial uint16
	VendorID         uint16
	OriginatorSerial uint32
}

// Encode renders the reply body with an empty application reply.
func (f ForwardCloseReply) Encode() []byte {
	data := binary.LittleEndian.AppendUint16(nil, f.ConnectionSerial)
	data = binary.LittleEndian.AppendUint16(data, f.VendorID)
	data = binary.LittleEndian.AppendUint32(data, f.OriginatorSerial)
	return append(data, 0, 0)
}
