package epath

import (
	"fmt"

	"github.com/cip-forge/enip-adapter/pkg/bytebuf"
)

// ConnMgrStatus is the extended status vocabulary the Connection Manager
// reports (Vol1 Table 3-5.8); PortSegmentGroup's electronic key Check
// returns one of these.
type ConnMgrStatus uint16

const (
	ConnMgrStatusSuccess                   ConnMgrStatus = 0x0000
	ConnMgrStatusVendorIdOrProductCodeError ConnMgrStatus = 0x0128
	ConnMgrStatusDeviceTypeError            ConnMgrStatus = 0x0129
	ConnMgrStatusRevisionMismatch           ConnMgrStatus = 0x012A
)

// PortSegment is the Vol1 C-1.4.2 port segment: identifies which CIP port
// (backplane, network link) and link address a path continues over. Most
// EtherNet/IP paths carry none of these; they matter for Forward-Open
// request paths that route through a router/bridge.
type PortSegment struct {
	Port       uint16
	LinkAddr   []byte
}

// Deserialize decodes a port segment assuming the caller has already
// confirmed the leading byte's top 3 bits are segPort.
func (s *PortSegment) Deserialize(r *bytebuf.Reader, packed Packed) error {
	start := r.Pos()
	first := r.GetU8()

	linkLen := 1
	if first&0x10 != 0 {
		linkLen = int(r.GetU8())
	}

	if first&0xf == 15 {
		s.Port = r.GetU16()
	} else {
		s.Port = uint16(first & 0xf)
	}

	s.LinkAddr = make([]byte, linkLen)
	for i := range s.LinkAddr {
		s.LinkAddr[i] = r.GetU8()
	}

	if !bool(packed) && (r.Pos()-start)&1 != 0 {
		r.Skip(1)
	}
	return r.Err()
}

// Serialize encodes the port segment.
func (s *PortSegment) Serialize(w *bytebuf.Writer, packed Packed) error {
	if len(s.LinkAddr) > 255 {
		return fmt.Errorf("epath: link address length %d exceeds 255", len(s.LinkAddr))
	}

	start := w.Pos()
	if len(s.LinkAddr) == 1 {
		if s.Port <= 15 {
			w.PutU8(uint8(s.Port))
		} else {
			w.PutU8(0x0f).PutU16(s.Port)
		}
	} else {
		if s.Port <= 15 {
			w.PutU8(0x10 | uint8(s.Port)).PutU8(uint8(len(s.LinkAddr)))
		} else {
			w.PutU8(0x1f).PutU8(uint8(len(s.LinkAddr))).PutU16(s.Port)
		}
	}
	w.Put(s.LinkAddr)

	if !bool(packed) && (w.Pos()-start)&1 != 0 {
		w.PutU8(0)
	}
	return w.Err()
}

// ElectronicKey is the Vol1 C-1.4.3.2 electronic key segment, carried in
// a Forward-Open request_path to verify the target device's identity
// before the connection is allowed to form.
type ElectronicKey struct {
	VendorID      uint16
	DeviceType    uint16
	ProductCode   uint16
	MajorRevision uint8 // bit 7 set selects compatibility mode
	MinorRevision uint8
}

const electronicKeySegmentByte = 0x34
const electronicKeyFormat = 4

// Deserialize decodes the key if the next byte is 0x34; it
// is a no-op (not an error) if the segment is absent, matching
// CipPortSegmentGroup's handling of an optional key.
func (k *ElectronicKey) Deserialize(r *bytebuf.Reader) (bool, error) {
	if r.Len() == 0 || r.Peek() != electronicKeySegmentByte {
		return false, nil
	}
	r.Skip(1)
	format := r.GetU8()
	if format != electronicKeyFormat {
		return false, fmt.Errorf("%w: unknown electronic key format %d", ErrMalformed, format)
	}
	k.VendorID = r.GetU16()
	k.DeviceType = r.GetU16()
	k.ProductCode = r.GetU16()
	k.MajorRevision = r.GetU8()
	k.MinorRevision = r.GetU8()
	return true, r.Err()
}

func (k *ElectronicKey) Serialize(w *bytebuf.Writer) {
	w.PutU8(electronicKeySegmentByte).PutU8(electronicKeyFormat)
	w.PutU16(k.VendorID).PutU16(k.DeviceType).PutU16(k.ProductCode)
	w.PutU8(k.MajorRevision).PutU8(k.MinorRevision)
}

// Check validates this requested key against the device's actual
// identity attributes (Vol1 C-1.4.3.2): VendorID and ProductCode must
// match exactly or be wildcarded (0); DeviceType likewise; the revision
// check then depends on the compatibility bit (MajorRevision bit 7): in
// strict mode both major and minor must match (or be wildcarded), in
// compatibility mode the major must match exactly and the minor must be
// non-zero and no greater than the device's actual minor revision.
func (k *ElectronicKey) Check(vendorID, deviceType, productCode uint16, major, minor uint8) ConnMgrStatus {
	compat := k.MajorRevision&0x80 != 0
	mjr := k.MajorRevision & 0x7f

	if (k.VendorID != 0 && k.VendorID != vendorID) ||
		(k.ProductCode != 0 && k.ProductCode != productCode) {
		return ConnMgrStatusVendorIdOrProductCodeError
	}

	if k.DeviceType != 0 && k.DeviceType != deviceType {
		return ConnMgrStatusDeviceTypeError
	}

	if !compat {
		if (mjr != 0 && mjr != major) || (k.MinorRevision != 0 && k.MinorRevision != minor) {
			return ConnMgrStatusRevisionMismatch
		}
	} else {
		if mjr != major || k.MinorRevision == 0 || k.MinorRevision > minor {
			return ConnMgrStatusRevisionMismatch
		}
	}

	return ConnMgrStatusSuccess
}

const (
	networkSegPITMsecs = 0x43
	networkSegPITUsecs = 0x51
)

// PortSegmentGroup is the full non-application prefix of a Forward-Open
// request_path: an optional electronic key, an optional production
// inhibit time (PIT, in microseconds internally regardless of which
// wire form was used), and an optional port/link-address segment,
// per Vol1 C-1.4.3.
type PortSegmentGroup struct {
	Key       ElectronicKey
	HasKey    bool
	PITUsecs  uint32
	HasPIT    bool
	Port      PortSegment
	HasPort   bool
}

// Deserialize consumes key/network/port segments in whatever order they
// appear until hitting a byte none of them own (the start of the
// application path that follows).
func (g *PortSegmentGroup) Deserialize(r *bytebuf.Reader, packed Packed) error {
	*g = PortSegmentGroup{}

	for r.Len() > 0 {
		first := r.Peek()

		if first&0xe0 == segPort {
			if err := g.Port.Deserialize(r, packed); err != nil {
				return err
			}
			g.HasPort = true
			continue
		}

		switch first {
		case electronicKeySegmentByte:
			ok, err := g.Key.Deserialize(r)
			if err != nil {
				return err
			}
			g.HasKey = ok

		case networkSegPITMsecs:
			r.Skip(1)
			g.PITUsecs = uint32(r.GetU8()) * 1000
			g.HasPIT = true

		case networkSegPITUsecs:
			r.Skip(1)
			numWords := r.GetU8()
			switch numWords {
			case 1:
				g.PITUsecs = uint32(r.GetU16())
			case 2:
				g.PITUsecs = r.GetU32()
			default:
				return fmt.Errorf("%w: unknown PIT_USECS word count %d", ErrMalformed, numWords)
			}
			g.HasPIT = true

		default:
			return r.Err()
		}
		if r.Err() != nil {
			return r.Err()
		}
	}
	return nil
}

// Serialize emits key, then PIT network segment, then port segment, in
// that fixed order (CipPortSegmentGroup::Serialize).
func (g *PortSegmentGroup) Serialize(w *bytebuf.Writer, packed Packed) error {
	if g.HasKey {
		g.Key.Serialize(w)
	}
	if g.HasPIT {
		w.PutU8(networkSegPITUsecs).PutU8(2).PutU32(g.PITUsecs)
	}
	if g.HasPort {
		if err := g.Port.Serialize(w, packed); err != nil {
			return err
		}
	}
	return w.Err()
}

// SimpleDataSegment is the Vol1 C-1.4.5.1 data segment carrying a list
// of 16-bit words, used to pass vendor-specific extra data alongside a
// request path.
type SimpleDataSegment struct {
	Words []uint16
}

// Deserialize decodes the segment if present; it is a no-op if the next
// byte is not the simple data segment type.
func (d *SimpleDataSegment) Deserialize(r *bytebuf.Reader) (bool, error) {
	if r.Len() == 0 || r.Peek() != dataSegmentSimpleData {
		return false, nil
	}
	r.Skip(1)
	n := int(r.GetU8())
	d.Words = make([]uint16, n)
	for i := range d.Words {
		d.Words[i] = r.GetU16()
	}
	return true, r.Err()
}

func (d *SimpleDataSegment) Serialize(w *bytebuf.Writer) error {
	if len(d.Words) > 255 {
		return fmt.Errorf("epath: %d words exceeds 255", len(d.Words))
	}
	w.PutU8(dataSegmentSimpleData).PutU8(uint8(len(d.Words)))
	for _, word := range d.Words {
		w.PutU16(word)
	}
	return w.Err()
}
