package eip

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cip-forge/enip-adapter/pkg/sockaddr"
)

// ListIdentityItem represents an item in the ListIdentity response
// (Vol2 2-4.3), one per UDP listener the command arrived on.
type ListIdentityItem struct {
	TypeID        uint16
	Length        uint16
	EncapsVersion uint16
	SocketAddr    [16]byte // struct sockaddr_in, network byte order
	VendorID      uint16
	DeviceType    uint16
	ProductCode   uint16
	Revision      [2]byte // Major, Minor
	Status        uint16
	SerialNumber  uint32
	ProductName   string // length-prefixed, max 32 chars
	State         uint8
}

// ListServicesItem represents an item in the ListServices response
// (Vol2 2-4.4): this adapter advertises exactly one service,
// "Communications", with the encapsulation capability flag set.
type ListServicesItem struct {
	TypeID          uint16
	Length          uint16
	Version         uint16
	CapabilityFlags uint16
	Name            string // NUL-padded to 16 bytes on the wire
}

// CapabilityFlagCIPTCP is set in ListServicesItem.CapabilityFlags when
// the device supports CIP encapsulation over TCP (Vol2 Table 2-4.4).
const CapabilityFlagCIPTCP uint16 = 0x0020

// CapabilityFlagCIPUDPClass0Or1 additionally advertises UDP-based
// Class 0/1 (cyclic I/O) support.
const CapabilityFlagCIPUDPClass0Or1 uint16 = 0x0100

// Identity carries the Identity object's public attributes needed to
// build a ListIdentity response (Vol1 5-2.3), independent of the full
// object's attribute storage in pkg/objects/identity.
type Identity struct {
	VendorID     uint16
	DeviceType   uint16
	ProductCode  uint16
	MajorRev     uint8
	MinorRev     uint8
	Status       uint16
	SerialNumber uint32
	ProductName  string
	State        uint8
}

func buildSockaddrBytes(sa sockaddr.SockAddr) [16]byte {
	var out [16]byte
	binary.BigEndian.PutUint16(out[0:2], 2) // AF_INET
	binary.BigEndian.PutUint16(out[2:4], sa.Port())
	binary.BigEndian.PutUint32(out[4:8], sa.Addr())
	return out
}

// EncodeListIdentityResponse builds the full ListIdentity response data
// (item count + one CIP Identity item) for the given listener address.
func EncodeListIdentityResponse(id Identity, sa sockaddr.SockAddr) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // item count

	binary.Write(&buf, binary.LittleEndian, ItemIDListIdentity)

	var payload bytes.Buffer
	binary.Write(&payload, binary.LittleEndian, uint16(1)) // encapsulation protocol version
	sockAddr := buildSockaddrBytes(sa)
	payload.Write(sockAddr[:])
	binary.Write(&payload, binary.LittleEndian, id.VendorID)
	binary.Write(&payload, binary.LittleEndian, id.DeviceType)
	binary.Write(&payload, binary.LittleEndian, id.ProductCode)
	payload.WriteByte(id.MajorRev)
	payload.WriteByte(id.MinorRev)
	binary.Write(&payload, binary.LittleEndian, id.Status)
	binary.Write(&payload, binary.LittleEndian, id.SerialNumber)
	payload.WriteByte(byte(len(id.ProductName)))
	payload.WriteString(id.ProductName)
	payload.WriteByte(id.State)

	binary.Write(&buf, binary.LittleEndian, uint16(payload.Len()))
	buf.Write(payload.Bytes())

	return buf.Bytes()
}

// EncodeListServicesResponse builds the ListServices response data for
// a single "Communications" service entry.
func EncodeListServicesResponse(capabilityFlags uint16) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, ItemIDListServices)
	binary.Write(&buf, binary.LittleEndian, uint16(20)) // 2+2+16
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // protocol version
	binary.Write(&buf, binary.LittleEndian, capabilityFlags)

	name := make([]byte, 16)
	copy(name, "Communications")
	buf.Write(name)

	return buf.Bytes()
}

// DecodeListServicesItem decodes a single service item; used by tests
// to round-trip EncodeListServicesResponse.
func DecodeListServicesItem(r io.Reader) (*ListServicesItem, error) {
	item := &ListServicesItem{}
	if err := binary.Read(r, binary.LittleEndian, &item.TypeID); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &item.Length); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &item.Version); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &item.CapabilityFlags); err != nil {
		return nil, err
	}

	nameBytes := make([]byte, 16)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return nil, err
	}
	item.Name = string(bytes.TrimRight(nameBytes, "\x00"))

	return item, nil
}

// DecodeListIdentityResponse decodes the full response data from
// ListIdentity; used by tests to round-trip EncodeListIdentityResponse.
func DecodeListIdentityResponse(data []byte) ([]ListIdentityItem, error) {
	r := bytes.NewReader(data)
	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	items := make([]ListIdentityItem, 0, count)
	for i := 0; i < int(count); i++ {
		var typeID uint16
		if err := binary.Read(r, binary.LittleEndian, &typeID); err != nil {
			return nil, err
		}
		var length uint16
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, err
		}

		if typeID == ItemIDListIdentity {
			item := ListIdentityItem{TypeID: typeID, Length: length}
			if err := binary.Read(r, binary.LittleEndian, &item.EncapsVersion); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &item.SocketAddr); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &item.VendorID); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &item.DeviceType); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &item.ProductCode); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &item.Revision); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &item.Status); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &item.SerialNumber); err != nil {
				return nil, err
			}

			var nameLen uint8
			if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
				return nil, err
			}
			nameBytes := make([]byte, nameLen)
			if _, err := io.ReadFull(r, nameBytes); err != nil {
				return nil, err
			}
			item.ProductName = string(nameBytes)

			if err := binary.Read(r, binary.LittleEndian, &item.State); err != nil {
				return nil, err
			}
			items = append(items, item)
		} else {
			skip := make([]byte, length)
			if _, err := io.ReadFull(r, skip); err != nil {
				return nil, err
			}
		}
	}
	return items, nil
}

// DecodeListServicesResponse decodes the full response data from
// ListServices.
func DecodeListServicesResponse(data []byte) ([]ListServicesItem, error) {
	r := bytes.NewReader(data)
	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	items := make([]ListServicesItem, 0, count)
	for i := 0; i < int(count); i++ {
		item, err := DecodeListServicesItem(r)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, nil
}
