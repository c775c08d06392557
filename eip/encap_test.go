package eip

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := Header{
		Command:       CommandSendRRData,
		SessionHandle: 0x01020304,
		SenderContext: [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	payload := []byte{0xAA, 0xBB, 0xCC}
	require.NoError(t, WriteFrame(&buf, h, payload))
	require.Equal(t, HeaderSize+len(payload), buf.Len())

	raw := buf.Bytes()
	require.Equal(t, []byte{0x6F, 0x00, 0x03, 0x00, 0x04, 0x03, 0x02, 0x01}, raw[:8])

	got, gotPayload, err := ReadFrame(&buf)
	require.NoError(t, err)
	h.Length = uint16(len(payload))
	require.Equal(t, h, got)
	require.Equal(t, payload, gotPayload)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	err := WriteFrame(io.Discard, Header{Command: CommandSendRRData}, make([]byte, 0x10000))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(AppendHeader(nil, Header{Command: CommandSendUnitData, Length: 10}))
	buf.Write([]byte{1, 2, 3})
	_, _, err := ReadFrame(&buf)
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF), "unexpected error %v", err)
}

func TestRegisterData(t *testing.T) {
	version, err := ParseRegisterData(RegisterData())
	require.NoError(t, err)
	require.EqualValues(t, ProtocolVersion, version)

	_, err = ParseRegisterData([]byte{1})
	require.Error(t, err)
}

func TestSendDataItems(t *testing.T) {
	msg := []byte{0x4C, 0x01, 0x20, 0x02}
	payload := SendData{Items: ConnectedItems(0xCAFEBABE, 9, msg)}.Encode()

	parsed, err := ParseSendData(payload)
	require.NoError(t, err)
	connID, seq, got, err := ParseConnected(parsed)
	require.NoError(t, err)
	require.EqualValues(t, 0xCAFEBABE, connID)
	require.EqualValues(t, 9, seq)
	require.Equal(t, msg, got)

	unconnected, err := ParseSendData(SendData{Timeout: 10, Items: UnconnectedItems(msg)}.Encode())
	require.NoError(t, err)
	require.EqualValues(t, 10, unconnected.Timeout)
	item, ok := unconnected.Item(ItemUnconnectedData)
	require.True(t, ok)
	require.Equal(t, msg, item.Data)

	_, _, _, err = ParseConnected(unconnected)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestParseSendDataTruncated(t *testing.T) {
	payload := SendData{Items: UnconnectedItems([]byte{1, 2, 3, 4})}.Encode()
	_, err := ParseSendData(payload[:len(payload)-1])
	require.Error(t, err)
}

func TestCommandString(t *testing.T) {
	require.Equal(t, "SendUnitData", CommandSendUnitData.String())
	require.Equal(t, "Command(0x0099)", Command(0x99).String())
	require.Equal(t, "invalid session handle", EncapInvalidSession.String())
}
