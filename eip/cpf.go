package eip

import (
	"encoding/binary"
	"fmt"

	"github.com/timzifer/eiptag/internal/wire"
)

// ItemType identifies a common packet format item.
type ItemType uint16

const (
	ItemNullAddress      ItemType = 0x0000
	ItemConnectedAddress ItemType = 0x00A1
	ItemConnectedData    ItemType = 0x00B1
	ItemUnconnectedData  ItemType = 0x00B2
)

// Item is one common packet format item.
type Item struct {
	Type ItemType
	Data []byte
}

// SendData is the payload of SendRRData and SendUnitData.
type SendData struct {
	InterfaceHandle uint32
	Timeout         uint16
	Items           []Item
}

// Encode renders the payload.
func (d SendData) Encode() []byte {
	b := binary.LittleEndian.AppendUint32(nil, d.InterfaceHandle)
	b = binary.LittleEndian.AppendUint16(b, d.Timeout)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(d.Items)))
	for _, item := range d.Items {
		b = binary.LittleEndian.AppendUint16(b, uint16(item.Type))
		b = binary.LittleEndian.AppendUint16(b, uint16(len(item.Data)))
		b = append(b, item.Data...)
	}
	return b
}

// ParseSendData decodes a SendRRData or SendUnitData payload.
func ParseSendData(b []byte) (SendData, error) {
	r := wire.NewReader(b)
	d := SendData{InterfaceHandle: r.Uint32(), Timeout: r.Uint16()}
	count := int(r.Uint16())
	for i := 0; i < count && r.Err() == nil; i++ {
		typ := ItemType(r.Uint16())
		n := int(r.Uint16())
		d.Items = append(d.Items, Item{Type: typ, Data: r.Bytes(n)})
	}
	if err := r.Err(); err != nil {
		return SendData{}, fmt.Errorf("parse common packet format: %w", err)
	}
	return d, nil
}

// Item returns the first item of the given type.
func (d SendData) Item(typ ItemType) (Item, bool) {
	for _, item := range d.Items {
		if item.Type == typ {
			return item, true
		}
	}
	return Item{}, false
}

// UnconnectedItems wraps a message router request for SendRRData.
func UnconnectedItems(message []byte) []Item {
	return []Item{
		{Type: ItemNullAddress},
		{Type: ItemUnconnectedData, Data: message},
	}
}

// ConnectedItems wraps a sequenced message router request for SendUnitData.
func ConnectedItems(connectionID uint32, sequence uint16, message []byte) []Item {
	data := binary.LittleEndian.AppendUint16(nil, sequence)
	data = append(data, message...)
	return []Item{
		{Type: ItemConnectedAddress, Data: binary.LittleEndian.AppendUint32(nil, connectionID)},
		{Type: ItemConnectedData, Data: data},
	}
}

// ParseConnected extracts connection id, sequence count and message from
// SendUnitData items.
func ParseConnected(d SendData) (uint32, uint16, []byte, error) {
	addr, ok := d.Item(ItemConnectedAddress)
	if !ok || len(addr.Data) != 4 {
		return 0, 0, nil, fmt.Errorf("%w: missing connected address item", ErrProtocol)
	}
	data, ok := d.Item(ItemConnectedData)
	if !ok || len(data.Data) < 2 {
		return 0, 0, nil, fmt.Errorf("%w: missing connected data item", ErrProtocol)
	}
	return binary.LittleEndian.Uint32(addr.Data), binary.LittleEndian.Uint16(data.Data), data.Data[2:], nil
}
