// Package epath encodes and decodes CIP EPATHs (Vol1 C-1): the
// application path grammar used by every explicit message, Forward-Open
// request, and connection point specification on the wire.
//
// An AppPath carries the logical fields (class/instance/attribute/
// connection point/member1-3) or a symbolic tag, following exactly one of
// the three grammars in Vol1 C-1.5: symbolic_application_path,
// assembly_class_application_path, class_application_path. A PortPath
// carries the non-application segments that precede an app path inside a
// Forward-Open request_path: port segment, electronic key, and the PIT
// (production inhibit time) network segment.
package epath

import (
	"errors"
	"fmt"

	"github.com/cip-forge/enip-adapter/pkg/bytebuf"
)

// Packed selects the packed EPATH encoding (no pad byte after a 1-byte
// segment type when the value needs 16/32 bits); the default, padded,
// encoding always inserts that pad byte. Vol1 C-1.4.
type Packed bool

const (
	PackedEPath Packed = true
	PaddedEPath Packed = false
)

// ErrMalformed is returned for any wire data that does not parse as a
// well-formed EPATH per Vol1 C-1.
var ErrMalformed = errors.New("epath: malformed segment")

// field identifies one of the logical slots an AppPath may carry, in the
// same relative order CIPster's Stuff enum uses; the ordering is load
// bearing for the C-1.6 termination/inheritance rule below.
type field int

const (
	fieldClass field = iota
	fieldInstance
	fieldConnPt
	fieldAttribute
	fieldMember1
	fieldMember2
	fieldMember3
	fieldTag
	logicalEnd // sentinel, one past the last inheritable logical field
)

const kCipAssemblyClass = 4

// segment type/format byte, high 3 bits (bits 7-5).
const (
	segPort     = 0x00
	segLogical  = 0x20
	segNetwork  = 0x40
	segSymbolic = 0x60
	segData     = 0x80
)

// logical segment types, low 5 bits combined with segLogical.
const (
	logClassID     = 0x00 + segLogical
	logInstanceID  = 0x04 + segLogical
	logMemberID    = 0x08 + segLogical
	logConnPt      = 0x0C + segLogical
	logAttributeID = 0x10 + segLogical
	logSpecial     = 0x14 + segLogical
	logService     = 0x18 + segLogical
	logExtended    = 0x1C + segLogical
)

const dataSegmentANSIExtendedSymbol = segData + 0x11
const dataSegmentSimpleData = segData + 0x00

// AppPath is a decoded application path: a class/instance/attribute/
// connection-point tuple, or a symbolic tag with up to three array
// member subscripts. At most one representation is populated per Vol1
// C-1.5's mutually exclusive grammars.
type AppPath struct {
	pbits uint16
	value [7]uint32 // indexed by field, valid only for fieldClass..fieldMember3
	tag   string
}

func (p *AppPath) has(f field) bool { return p.pbits&(1<<uint(f)) != 0 }
func (p *AppPath) set(f field, v uint32) {
	p.value[f] = v
	p.pbits |= 1 << uint(f)
}

func (p *AppPath) HasClass() bool     { return p.has(fieldClass) }
func (p *AppPath) HasInstance() bool  { return p.has(fieldInstance) }
func (p *AppPath) HasConnPt() bool    { return p.has(fieldConnPt) }
func (p *AppPath) HasAttribute() bool { return p.has(fieldAttribute) }
func (p *AppPath) HasMember1() bool   { return p.has(fieldMember1) }
func (p *AppPath) HasMember2() bool   { return p.has(fieldMember2) }
func (p *AppPath) HasMember3() bool   { return p.has(fieldMember3) }
func (p *AppPath) HasSymbol() bool    { return p.has(fieldTag) }

func (p *AppPath) Class() uint32     { return p.value[fieldClass] }
func (p *AppPath) Instance() uint32  { return p.value[fieldInstance] }
func (p *AppPath) ConnPt() uint32    { return p.value[fieldConnPt] }
func (p *AppPath) Attribute() uint32 { return p.value[fieldAttribute] }
func (p *AppPath) Member1() uint32   { return p.value[fieldMember1] }
func (p *AppPath) Member2() uint32   { return p.value[fieldMember2] }
func (p *AppPath) Member3() uint32   { return p.value[fieldMember3] }
func (p *AppPath) Symbol() string    { return p.tag }

// InstanceOrConnPt returns whichever of Instance/ConnPt is present,
// matching the assembly-class "either/or" exclusivity rule.
func (p *AppPath) InstanceOrConnPt() uint32 {
	if p.HasConnPt() {
		return p.ConnPt()
	}
	return p.Instance()
}

func (p *AppPath) SetClass(v uint32)     { p.set(fieldClass, v) }
func (p *AppPath) SetInstance(v uint32)  { p.set(fieldInstance, v) }
func (p *AppPath) SetConnPt(v uint32)    { p.set(fieldConnPt, v) }
func (p *AppPath) SetAttribute(v uint32) { p.set(fieldAttribute, v) }
func (p *AppPath) SetMember1(v uint32)   { p.set(fieldMember1, v) }
func (p *AppPath) SetMember2(v uint32)   { p.set(fieldMember2, v) }
func (p *AppPath) SetMember3(v uint32)   { p.set(fieldMember3, v) }

// maxSymbolLen is the ANSI extended symbol segment's tag bound
// (cipepath.cc's tag[42], leaving room for the NUL terminator).
const maxSymbolLen = 41

// SetSymbol assigns a symbolic tag; it rejects tags over maxSymbolLen
// bytes.
func (p *AppPath) SetSymbol(tag string) error {
	if len(tag) > maxSymbolLen {
		return fmt.Errorf("epath: symbol %q exceeds %d bytes", tag, maxSymbolLen)
	}
	p.tag = tag
	p.pbits |= 1 << uint(fieldTag)
	return nil
}

// Clear resets the path to empty.
func (p *AppPath) Clear() { *p = AppPath{} }

func serializeLogical(w *bytebuf.Writer, packed Packed, segType byte, value uint32) {
	switch {
	case value < 256:
		w.PutU8(segType).PutU8(uint8(value))
	case value < 65536:
		w.PutU8(segType | 1)
		if !bool(packed) {
			w.PutU8(0)
		}
		w.PutU16(uint16(value))
	default:
		w.PutU8(segType | 2)
		if !bool(packed) {
			w.PutU8(0)
		}
		w.PutU32(value)
	}
}

// Serialize encodes the path per whichever of the three Vol1 C-1.5
// grammars applies: symbolic, assembly-class (instance XOR conn pt), or
// general class_application_path.
func (p *AppPath) Serialize(w *bytebuf.Writer, packed Packed) {
	switch {
	case p.HasSymbol():
		start := w.Pos()
		w.PutU8(dataSegmentANSIExtendedSymbol).PutU8(uint8(len(p.tag))).Put([]byte(p.tag))
		if (w.Pos()-start)&1 != 0 {
			w.PutU8(0)
		}
		if p.HasConnPt() {
			serializeLogical(w, packed, logConnPt, p.ConnPt())
		}
		if p.HasMember1() {
			serializeLogical(w, packed, logMemberID, p.Member1())
			if p.HasMember2() {
				serializeLogical(w, packed, logMemberID, p.Member2())
				if p.HasMember3() {
					serializeLogical(w, packed, logMemberID, p.Member3())
				}
			}
		}

	case p.Class() == kCipAssemblyClass && p.HasClass():
		serializeLogical(w, packed, logClassID, p.Class())
		if p.HasInstance() {
			serializeLogical(w, packed, logInstanceID, p.Instance())
		} else if p.HasConnPt() {
			serializeLogical(w, packed, logConnPt, p.ConnPt())
		}
		if p.HasAttribute() {
			serializeLogical(w, packed, logAttributeID, p.Attribute())
		}

	default:
		if p.HasClass() {
			serializeLogical(w, packed, logClassID, p.Class())
		}
		if !p.HasConnPt() {
			if p.HasInstance() {
				serializeLogical(w, packed, logInstanceID, p.Instance())
			}
			if p.HasAttribute() {
				serializeLogical(w, packed, logAttributeID, p.Attribute())
			}
		} else {
			if p.HasInstance() {
				serializeLogical(w, packed, logInstanceID, p.Instance())
			}
			serializeLogical(w, packed, logConnPt, p.ConnPt())
		}
	}
}

func deserializeLogical(r *bytebuf.Reader, packed Packed, format int) (uint32, error) {
	switch format {
	case 0:
		return uint32(r.GetU8()), r.Err()
	case 1:
		if !bool(packed) {
			r.Skip(1)
		}
		return uint32(r.GetU16()), r.Err()
	case 2:
		if !bool(packed) {
			r.Skip(1)
		}
		return r.GetU32(), r.Err()
	default:
		return 0, ErrMalformed
	}
}

// DeserializeAppPath decodes one application path starting at the
// reader's current position, consuming as much as the C-1.6 grammar
// allows before hitting a segment type it does not own (an expected
// termination, not an error). If prev is non-nil and this path consumed
// at least one byte, any logical field this path left unset inherits
// prev's value per Vol1 C-1.6 (or the assembly-specific inherit_assembly
// rule, which never inherits Instance once Instance has started a fresh
// decode).
func DeserializeAppPath(r *bytebuf.Reader, packed Packed, prev *AppPath) (*AppPath, error) {
	p := &AppPath{}
	start := r.Pos()

	consumed, err := p.deserializeSymbolic(r, packed)
	if err != nil {
		return nil, err
	}

	if consumed > 0 {
		if r.Len() > 0 {
			first := r.Peek()
			if first&0xfc == logConnPt {
				r.Skip(1)
				v, err := deserializeLogical(r, packed, int(first&3))
				if err != nil {
					return nil, err
				}
				p.SetConnPt(v)
			}
			members := []func(uint32){p.SetMember1, p.SetMember2, p.SetMember3}
			for _, setMember := range members {
				if r.Len() == 0 {
					break
				}
				first := r.Peek()
				if first&0xfc != logMemberID {
					break
				}
				r.Skip(1)
				v, err := deserializeLogical(r, packed, int(first&3))
				if err != nil {
					return nil, err
				}
				setMember(v)
			}
		}
		return p, nil
	}

	// Logical grammar: fields must appear in strictly increasing field
	// order (class < instance < connPt < attribute); any type out of
	// that order, or any segment type this grammar doesn't own, is a
	// C-1.6 termination point, not an error.
	lastField := field(-1)
	for r.Len() > 0 {
		first := r.Peek()
		segType := first & 0xfc
		format := int(first & 0x03)

		var next field
		switch segType {
		case logClassID:
			next = fieldClass
		case logInstanceID:
			next = fieldInstance
		case logAttributeID:
			next = fieldAttribute
		case logConnPt:
			next = fieldConnPt
		default:
			goto logicalExit
		}

		// Assembly-class app paths take Instance XOR ConnPt: seeing
		// ConnPt right after Instance is a new app path, not this one.
		if p.Class() == kCipAssemblyClass && lastField == fieldInstance && next == fieldConnPt {
			goto logicalExit
		}

		if logicalOrder(next) <= logicalOrder(lastField) {
			goto logicalExit
		}

		r.Skip(1)
		v, err := deserializeLogical(r, packed, format)
		if err != nil {
			return nil, err
		}
		p.set(next, v)
		lastField = next
	}

logicalExit:
	if r.Pos() > start && prev != nil {
		startField := nextLogicalField(lastField)
		if prev.Class() == kCipAssemblyClass {
			p.inheritAssembly(startField, prev)
		} else {
			p.inherit(startField, prev)
		}
	}

	return p, nil
}

// logicalOrder maps a field to the relative ordering the C-1.6
// termination rule checks against; fieldClass < fieldInstance < fieldConnPt
// < fieldAttribute, with "no field yet" sorting lowest.
func logicalOrder(f field) int {
	switch f {
	case fieldClass:
		return 0
	case fieldInstance:
		return 1
	case fieldConnPt:
		return 2
	case fieldAttribute:
		return 3
	default:
		return -1
	}
}

func nextLogicalField(last field) field {
	switch last {
	case field(-1):
		return fieldClass
	case fieldClass:
		return fieldInstance
	case fieldInstance:
		return fieldConnPt
	case fieldConnPt:
		return fieldAttribute
	default:
		return logicalEnd
	}
}

func (p *AppPath) deserializeSymbolic(r *bytebuf.Reader, packed Packed) (int, error) {
	start := r.Pos()
	if r.Len() == 0 {
		return 0, nil
	}
	first := r.Peek()

	if first == dataSegmentANSIExtendedSymbol {
		r.Skip(1)
		n := int(r.GetU8())
		if n > maxSymbolLen {
			return 0, fmt.Errorf("%w: oversized ANSI extended symbol", ErrMalformed)
		}
		tag := r.Get(n)
		if r.Err() != nil {
			return 0, r.Err()
		}
		p.tag = string(tag)
		if (r.Pos()-start)&1 != 0 {
			r.Skip(1)
		}
		p.pbits |= 1 << uint(fieldTag)
		return r.Pos() - start, nil
	}

	if first&0xe0 == segSymbolic {
		r.Skip(1)
		n := int(first & 0x1f)
		tag := r.Get(n)
		if r.Err() != nil {
			return 0, r.Err()
		}
		p.tag = string(tag)
		if (r.Pos()-start)&1 != 0 {
			r.Skip(1)
		}
		p.pbits |= 1 << uint(fieldTag)
		return r.Pos() - start, nil
	}

	return 0, nil
}

func (p *AppPath) inherit(start field, prev *AppPath) {
	for i := start; i < logicalEnd; i++ {
		if !p.has(i) && prev.has(i) {
			p.value[i] = prev.value[i]
			p.pbits |= 1 << uint(i)
		}
	}
}

// inheritAssembly is inherit with one exception: when the decode
// terminated right at Instance, Instance itself is never inherited,
// since the assembly grammar's Instance/ConnPt pair is mutually
// exclusive and a fresh Instance absence there is meaningful, not an
// omission.
func (p *AppPath) inheritAssembly(start field, prev *AppPath) {
	for i := start; i < logicalEnd; i++ {
		if start == fieldInstance && i == fieldInstance {
			continue
		}
		if !p.has(i) && prev.has(i) {
			p.value[i] = prev.value[i]
			p.pbits |= 1 << uint(i)
		}
	}
}
