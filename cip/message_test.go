package cip

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadTagRequestEncoding(t *testing.T) {
	addr, err := ParseTag("Speed")
	require.NoError(t, err)

	msg, err := ReadTagRequest(addr, 1).Encode()
	require.NoError(t, err)
	require.Equal(t, []byte{0x4C, 0x04, 0x91, 0x05, 'S', 'p', 'e', 'e', 'd', 0x00, 0x01, 0x00}, msg)

	req, err := DecodeRequest(msg)
	require.NoError(t, err)
	require.Equal(t, ServiceReadTag, req.Service)
	count, err := ParseReadTagData(req.Data)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestWriteTagRequestEncoding(t *testing.T) {
	addr, err := ParseTag("Speed")
	require.NoError(t, err)

	msg, err := WriteTagRequest(addr, RealValue(42.5)).Encode()
	require.NoError(t, err)
	// 42.5 is 0x422A0000.
	want := []byte{0x4D, 0x04, 0x91, 0x05, 'S', 'p', 'e', 'e', 'd', 0x00, 0xCA, 0x00, 0x01, 0x00, 0x00, 0x00, 0x2A, 0x42}
	require.Equal(t, want, msg)

	req, err := DecodeRequest(msg)
	require.NoError(t, err)
	value, count, err := ParseWriteTagData(req.Data)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	f, err := value.Float32()
	require.NoError(t, err)
	require.Equal(t, float32(42.5), f)
}

func TestRequestEncodeRejectsOddPath(t *testing.T) {
	_, err := Request{Service: ServiceReadTag, Path: []byte{0x91}}.Encode()
	require.Error(t, err)
}

func TestResponseCheck(t *testing.T) {
	ok := Response{Service: ServiceReadTag | ReplyFlag, Data: []byte{0xCA, 0x00, 0, 0, 0x80, 0x3F}}
	decoded, err := DecodeResponse(ok.Encode())
	require.NoError(t, err)
	require.NoError(t, decoded.Check(ServiceReadTag))

	value, err := DecodeTypedValue(decoded.Data)
	require.NoError(t, err)
	f, err := value.Float32()
	require.NoError(t, err)
	require.Equal(t, float32(1), f)

	require.ErrorIs(t, decoded.Check(ServiceWriteTag), ErrUnexpectedReply)

	rejected := Response{Service: ServiceWriteTag | ReplyFlag, Status: StatusGeneralError, Extended: []uint16{ExtendedTypeMismatch}}
	decoded, err = DecodeResponse(rejected.Encode())
	require.NoError(t, err)
	err = decoded.Check(ServiceWriteTag)
	var status *StatusError
	require.True(t, errors.As(err, &status))
	require.Equal(t, StatusGeneralError, status.Status)
	require.True(t, status.HasExtended(ExtendedTypeMismatch))
	require.False(t, status.HasExtended(ExtendedOutOfRange))
	require.Contains(t, err.Error(), "ext 0x2107")
}

func TestDecodeResponseTruncated(t *testing.T) {
	_, err := DecodeResponse([]byte{0xCC, 0x00, 0xFF, 0x02, 0x07})
	require.Error(t, err)
}

func TestTypedValueFloat32(t *testing.T) {
	for _, v := range []float32{0, float32(math.Copysign(0, -1)), 1.5, -273.15, math.MaxFloat32, math.SmallestNonzeroFloat32} {
		got, err := RealValue(v).Float32()
		require.NoError(t, err)
		require.Equal(t, math.Float32bits(v), math.Float32bits(got))
	}

	dint := TypedValue{Type: TypeDInt, Data: []byte{1, 0, 0, 0}}
	_, err := dint.Float32()
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, err = DecodeTypedValue([]byte{0xCA, 0x00, 0x01})
	require.Error(t, err)
}

func TestDecodeTypedValueStruct(t *testing.T) {
	value, err := DecodeTypedValue([]byte{0xA0, 0x02, 0x34, 0x12, 0xAA, 0xBB})
	require.NoError(t, err)
	require.Equal(t, TypeStruct, value.Type)
	require.EqualValues(t, 0x1234, value.StructHandle)
	require.Equal(t, []byte{0xAA, 0xBB}, value.Data)
	require.Equal(t, []byte{0xA0, 0x02, 0x34, 0x12}, value.AppendType(nil))
}

func TestForwardOpenRoundTrip(t *testing.T) {
	open := ForwardOpen{
		PriorityTick:      DefaultPriorityTick,
		TimeoutTicks:      DefaultTimeoutTicks,
		TOConnectionID:    0x11223344,
		ConnectionSerial:  0x5566,
		VendorID:          0x1337,
		OriginatorSerial:  0xDEADBEEF,
		TimeoutMultiplier: DefaultTimeoutMultiplier,
		OTRPI:             DefaultRPI,
		OTParams:          DefaultConnectionParams,
		TORPI:             DefaultRPI,
		TOParams:          DefaultConnectionParams,
		TransportTrigger:  TransportClass3,
		Path:              ConnectionPath(0),
	}
	req := open.Request()
	require.Equal(t, ServiceForwardOpen, req.Service)
	require.Equal(t, ConnectionManagerPath, req.Path)

	parsed, err := ParseForwardOpen(req.Data)
	require.NoError(t, err)
	require.Equal(t, open, parsed)
	require.True(t, IsMessageRouterPath(parsed.Path))
	require.False(t, IsMessageRouterPath(ConnectionManagerPath))

	reply := ForwardOpenReply{OTConnectionID: 7, TOConnectionID: open.TOConnectionID, ConnectionSerial: open.ConnectionSerial, VendorID: open.VendorID, OriginatorSerial: open.OriginatorSerial}
	parsedReply, err := ParseForwardOpenReply(reply.Encode())
	require.NoError(t, err)
	require.Equal(t, reply, parsedReply)
}

func TestForwardCloseRoundTrip(t *testing.T) {
	fc := ForwardClose{
		PriorityTick:     DefaultPriorityTick,
		TimeoutTicks:     DefaultTimeoutTicks,
		ConnectionSerial: 0x0102,
		VendorID:         0x1337,
		OriginatorSerial: 42,
		Path:             ConnectionPath(3),
	}
	parsed, err := ParseForwardClose(fc.Request().Data)
	require.NoError(t, err)
	require.Equal(t, fc, parsed)
	require.Equal(t, []byte{0x01, 0x03, 0x20, 0x02, 0x24, 0x01}, parsed.Path)
}
