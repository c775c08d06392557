// Package wire holds the little-endian decoding helpers shared by the CIP and
// encapsulation codecs.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a payload ends before a field could be decoded.
var ErrShortBuffer = errors.New("short buffer")

// Reader decodes little-endian fields from a byte slice. The first failure is
// sticky; callers check Err once after decoding a structure.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader wraps buf for decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, len(r.buf)-r.off)
		return false
	}
	return true
}

// Uint8 reads one byte.
func (r *Reader) Uint8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

// Uint16 reads a little-endian uint16.
func (r *Reader) Uint16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

// Bytes returns the next n bytes without copying.
func (r *Reader) Bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

// Skip advances past n bytes.
func (r *Reader) Skip(n int) {
	if r.need(n) {
		r.off += n
	}
}

// Rest returns everything not consumed yet.
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	v := r.buf[r.off:]
	r.off = len(r.buf)
	return v
}

// Len reports the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Err returns the first decoding error.
func (r *Reader) Err() error {
	return r.err
}
