package cip

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/timzifer/eiptag/internal/wire"
)

// Service codes.
const (
	ServiceReadTag      uint8 = 0x4C
	ServiceWriteTag     uint8 = 0x4D
	ServiceForwardClose uint8 = 0x4E
	ServiceForwardOpen  uint8 = 0x54

	// ReplyFlag is set on the service code of every reply.
	ReplyFlag uint8 = 0x80
)

// ErrUnexpectedReply indicates a reply that does not answer the request sent.
var ErrUnexpectedReply = errors.New("unexpected reply")

// Request is a message router request.
type Request struct {
	Service uint8
	Path    []byte
	Data    []byte
}

// Encode renders the request. The path must be word aligned.
func (r Request) Encode() ([]byte, error) {
	if len(r.Path)%2 != 0 {
		return nil, fmt.Errorf("encode request 0x%02X: path length %d is not word aligned", r.Service, len(r.Path))
	}
	if len(r.Path) > MaxPathBytes {
		return nil, fmt.Errorf("encode request 0x%02X: path length %d exceeds %d", r.Service, len(r.Path), MaxPathBytes)
	}
	out := make([]byte, 0, 2+len(r.Path)+len(r.Data))
	out = append(out, r.Service, byte(len(r.Path)/2))
	out = append(out, r.Path...)
	out = append(out, r.Data...)
	return out, nil
}

// DecodeRequest parses a message router request.
func DecodeRequest(b []byte) (Request, error) {
	r := wire.NewReader(b)
	req := Request{Service: r.Uint8()}
	words := int(r.Uint8())
	req.Path = r.Bytes(words * 2)
	req.Data = r.Rest()
	if err := r.Err(); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// Response is a message router reply.
type Response struct {
	Service  uint8
	Status   Status
	Extended []uint16
	Data     []byte
}

// Encode renders the reply.
func (r Response) Encode() []byte {
	out := make([]byte, 0, 4+2*len(r.Extended)+len(r.Data))
	out = append(out, r.Service, 0, byte(r.Status), byte(len(r.Extended)))
	for _, ext := range r.Extended {
		out = binary.LittleEndian.AppendUint16(out, ext)
	}
	return append(out, r.Data...)
}

// DecodeResponse parses a message router reply.
func DecodeResponse(b []byte) (Response, error) {
	r := wire.NewReader(b)
	resp := Response{Service: r.Uint8()}
	r.Skip(1)
	resp.Status = Status(r.Uint8())
	n := int(r.Uint8())
	for i := 0; i < n; i++ {
		resp.Extended = append(resp.Extended, r.Uint16())
	}
	resp.Data = r.Rest()
	if err := r.Err(); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// Check verifies the reply answers service and carries a success status.
func (r Response) Check(service uint8) error {
	if r.Service != service|ReplyFlag {
		return fmt.Errorf("%w: service 0x%02X in reply to 0x%02X", ErrUnexpectedReply, r.Service, service)
	}
	if r.Status != StatusSuccess {
		return &StatusError{Service: service, Status: r.Status, Extended: r.Extended}
	}
	return nil
}

// ReadTagRequest builds a Read Tag request for count elements.
func ReadTagRequest(addr Address, count uint16) Request {
	return Request{
		Service: ServiceReadTag,
		Path:    addr.Path(),
		Data:    binary.LittleEndian.AppendUint16(nil, count),
	}
}

// WriteTagRequest builds a Write Tag request storing value into one element.
func WriteTagRequest(addr Address, value TypedValue) Request {
	data := value.AppendType(nil)
	data = binary.LittleEndian.AppendUint16(data, 1)
	data = append(data, value.Data...)
	return Request{Service: ServiceWriteTag, Path: addr.Path(), Data: data}
}

// ParseReadTagData returns the element count of a Read Tag request.
func ParseReadTagData(data []byte) (uint16, error) {
	r := wire.NewReader(data)
	count := r.Uint16()
	if err := r.Err(); err != nil {
		return 0, fmt.Errorf("parse read tag: %w", err)
	}
	return count, nil
}

// ParseWriteTagData splits a Write Tag request payload into value and element count.
func ParseWriteTagData(data []byte) (TypedValue, uint16, error) {
	r := wire.NewReader(data)
	value := TypedValue{Type: DataType(r.Uint16())}
	if value.Type == TypeStruct {
		value.StructHandle = r.Uint16()
	}
	count := r.Uint16()
	value.Data = r.Rest()
	if err := r.Err(); err != nil {
		return TypedValue{}, 0, fmt.Errorf("parse write tag: %w", err)
	}
	return value, count, nil
}
