// Package cip encodes the subset of the Common Industrial Protocol used to read
// and write symbolic tags on Logix controllers: tag paths, typed values, message
// router requests and the connection manager's Forward Open/Close services.
package cip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/timzifer/eiptag/internal/wire"
)

// ErrTypeMismatch indicates a value carried a different type code than requested.
var ErrTypeMismatch = errors.New("type mismatch")

// DataType is the 16-bit type code preceding tag data on the wire.
type DataType uint16

const (
	TypeBool   DataType = 0x00C1
	TypeSInt   DataType = 0x00C2
	TypeInt    DataType = 0x00C3
	TypeDInt   DataType = 0x00C4
	TypeLInt   DataType = 0x00C5
	TypeUSInt  DataType = 0x00C6
	TypeUInt   DataType = 0x00C7
	TypeUDInt  DataType = 0x00C8
	TypeULInt  DataType = 0x00C9
	TypeReal   DataType = 0x00CA
	TypeLReal  DataType = 0x00CB
	TypeStruct DataType = 0x02A0
)

func (t DataType) String() string {
	switch t {
	case TypeBool:
		return "BOOL"
	case TypeSInt:
		return "SINT"
	case TypeInt:
		return "INT"
	case TypeDInt:
		return "DINT"
	case TypeLInt:
		return "LINT"
	case TypeUSInt:
		return "USINT"
	case TypeUInt:
		return "UINT"
	case TypeUDInt:
		return "UDINT"
	case TypeULInt:
		return "ULINT"
	case TypeReal:
		return "REAL"
	case TypeLReal:
		return "LREAL"
	case TypeStruct:
		return "STRUCT"
	default:
		return fmt.Sprintf("TYPE(0x%04X)", uint16(t))
	}
}

// Size returns the encoded size of one element, or 0 for non-atomic types.
func (t DataType) Size() int {
	switch t {
	case TypeBool, TypeSInt, TypeUSInt:
		return 1
	case TypeInt, TypeUInt:
		return 2
	case TypeDInt, TypeUDInt, TypeReal:
		return 4
	case TypeLInt, TypeULInt, TypeLReal:
		return 8
	default:
		return 0
	}
}

// TypedValue pairs raw element bytes with their type code. StructHandle is only
// meaningful for TypeStruct.
type TypedValue struct {
	Type         DataType
	StructHandle uint16
	Data         []byte
}

// RealValue encodes v as a REAL.
func RealValue(v float32) TypedValue {
	return TypedValue{Type: TypeReal, Data: binary.LittleEndian.AppendUint32(nil, math.Float32bits(v))}
}

// Float32 decodes a REAL, failing with ErrTypeMismatch for any other type.
func (v TypedValue) Float32() (float32, error) {
	if v.Type != TypeReal {
		return 0, fmt.Errorf("%w: got %s, want %s", ErrTypeMismatch, v.Type, TypeReal)
	}
	if len(v.Data) < 4 {
		return 0, fmt.Errorf("decode %s: %w", TypeReal, wire.ErrShortBuffer)
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(v.Data)), nil
}

// AppendType appends the type code (and struct handle) to b.
func (v TypedValue) AppendType(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(v.Type))
	if v.Type == TypeStruct {
		b = binary.LittleEndian.AppendUint16(b, v.StructHandle)
	}
	return b
}

// DecodeTypedValue parses a Read Tag reply payload: type code followed by data.
func DecodeTypedValue(b []byte) (TypedValue, error) {
	r := wire.NewReader(b)
	v := TypedValue{Type: DataType(r.Uint16())}
	if v.Type == TypeStruct {
		v.StructHandle = r.Uint16()
	}
	v.Data = r.Rest()
	if err := r.Err(); err != nil {
		return TypedValue{}, fmt.Errorf("decode typed value: %w", err)
	}
	if size := v.Type.Size(); size > 0 && len(v.Data) < size {
		return TypedValue{}, fmt.Errorf("decode %s: %w", v.Type, wire.ErrShortBuffer)
	}
	return v, nil
}
