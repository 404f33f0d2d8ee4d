package eip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cip-forge/enip-adapter/pkg/sockaddr"
)

// CPF Item IDs (Vol2 Table 2-6.2)
const (
	ItemIDNullAddress        uint16 = 0x0000
	ItemIDListIdentity       uint16 = 0x000C
	ItemIDConnectionBased    uint16 = 0x00A1 // Connected Address
	ItemIDConnectedAddress   uint16 = 0x00A1 // alias
	ItemIDConnectedTransport uint16 = 0x00B1 // Connected Data
	ItemIDConnectedData      uint16 = 0x00B1 // alias
	ItemIDUnconnectedMessage uint16 = 0x00B2 // Unconnected Data
	ItemIDListServices       uint16 = 0x0100
	ItemIDSockaddrInfoOT     uint16 = 0x8000 // originator-to-target
	ItemIDSockaddrInfoTO     uint16 = 0x8001 // target-to-originator
	ItemIDSequencedAddress   uint16 = 0x8002
)

// CPFItem represents a single item in the Common Packet Format. Every
// item type here is little-endian on the wire except the Sockaddr Info
// payload, which CIPster's enet_encap/cpf.c packs big-endian (the
// embedded sockaddr_in travels in network byte order even though
// everything around it is little-endian); NewSockaddrInfoItem below
// builds that payload pre-encoded so CPFItem.Encode never special-cases
// byte order itself.
type CPFItem struct {
	TypeID uint16
	Length uint16
	Data   []byte
}

// NewCPFItem creates a new CPF item.
func NewCPFItem(typeID uint16, data []byte) CPFItem {
	return CPFItem{TypeID: typeID, Length: uint16(len(data)), Data: data}
}

// NewSockaddrInfoItem builds a Sockaddr Info CPF item (type 0x8000 for
// O->T, 0x8001 for T->O) carrying sa's port/address in network byte
// order, per CIPster's cpf.c EncodeSockAddrInfoItems. The embedded
// sockaddr_in layout is: family (2 BE, always AF_INET=2), port (2 BE),
// addr (4 BE), then 8 zero bytes of sin_zero padding.
func NewSockaddrInfoItem(typeID uint16, sa sockaddr.SockAddr) CPFItem {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(2)) // AF_INET
	binary.Write(&buf, binary.BigEndian, sa.Port())
	binary.Write(&buf, binary.BigEndian, sa.Addr())
	buf.Write(make([]byte, 8))
	return NewCPFItem(typeID, buf.Bytes())
}

// DecodeSockaddrInfo parses an item previously built by
// NewSockaddrInfoItem back into a SockAddr.
func DecodeSockaddrInfo(item *CPFItem) (sockaddr.SockAddr, error) {
	if len(item.Data) < 16 {
		return sockaddr.SockAddr{}, fmt.Errorf("eip: sockaddr info item too short: %d bytes", len(item.Data))
	}
	port := binary.BigEndian.Uint16(item.Data[2:4])
	addr := binary.BigEndian.Uint32(item.Data[4:8])
	return sockaddr.New(port, addr), nil
}

// Encode writes the CPF item to the writer.
func (item *CPFItem) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, item.TypeID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, item.Length); err != nil {
		return err
	}
	if item.Length > 0 {
		if _, err := w.Write(item.Data); err != nil {
			return err
		}
	}
	return nil
}

// CommonPacketFormat represents a collection of CPF items (Vol2 2-6).
type CommonPacketFormat struct {
	ItemCount uint16
	Items     []CPFItem
}

// NewCommonPacketFormat creates a new CPF with given items.
func NewCommonPacketFormat(items ...CPFItem) *CommonPacketFormat {
	return &CommonPacketFormat{ItemCount: uint16(len(items)), Items: items}
}

// Encode encodes the entire CPF structure.
func (cpf *CommonPacketFormat) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, cpf.ItemCount); err != nil {
		return nil, err
	}
	for _, item := range cpf.Items {
		if err := item.Encode(buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeCommonPacketFormat decodes a CPF from a byte slice.
func DecodeCommonPacketFormat(data []byte) (*CommonPacketFormat, error) {
	r := bytes.NewReader(data)
	cpf := &CommonPacketFormat{}

	if err := binary.Read(r, binary.LittleEndian, &cpf.ItemCount); err != nil {
		return nil, err
	}

	for i := 0; i < int(cpf.ItemCount); i++ {
		var typeID, length uint16
		if err := binary.Read(r, binary.LittleEndian, &typeID); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, err
		}

		itemData := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, itemData); err != nil {
				return nil, err
			}
		}

		cpf.Items = append(cpf.Items, CPFItem{TypeID: typeID, Length: length, Data: itemData})
	}

	return cpf, nil
}

// FindItemByType returns the first item with the given TypeID.
func (cpf *CommonPacketFormat) FindItemByType(typeID uint16) *CPFItem {
	for i := range cpf.Items {
		if cpf.Items[i].TypeID == typeID {
			return &cpf.Items[i]
		}
	}
	return nil
}
