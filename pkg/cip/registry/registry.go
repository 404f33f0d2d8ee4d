// Package registry implements the CIP object model: classes, their
// meta-classes, instances, attributes, and services, each kept sorted by
// id exactly as CIPster's CipClass/CipInstance/CipAttribute containers
// do, so id lookups can binary-search instead of walking a map in
// undefined order.
package registry

import (
	"fmt"
	"sort"

	"github.com/cip-forge/enip-adapter/pkg/cip"
)

// Request is what a Service or Attribute getter/setter receives: the
// decoded request path (already resolved to this instance) plus the
// service's request data and the response buffer to fill.
type Request struct {
	Service USINT
	Path    PathAccessor
	Data    []byte
}

// USINT aliases cip.USINT so callers don't need two imports for one type.
type USINT = cip.USINT

// PathAccessor is the slice of the decoded request_path a service needs:
// which attribute id (if any) this GetAttributeSingle/SetAttributeSingle
// call targets. The message router supplies the concrete epath-backed
// implementation; tests can supply a trivial stub.
type PathAccessor interface {
	AttributeID() (id uint32, ok bool)
	SetAttributeID(id uint32)
}

// Response is filled in by a service function.
type Response struct {
	Data          []byte
	GeneralStatus USINT
	ExtStatus     []cip.UINT
}

// AttrGetter produces the wire bytes for a GetAttributeSingle/
// GetAttributeAll read of one attribute.
type AttrGetter func(req *Request, resp *Response) error

// AttrSetter applies a SetAttributeSingle write.
type AttrSetter func(req *Request, resp *Response) error

// Attribute is one CIP attribute: a typed value exposed through Get/Set
// callbacks rather than a raw pointer, the idiomatic equivalent of
// CIPster's CipAttribute+void* cookie pairing.
type Attribute struct {
	ID           uint32
	Type         cip.DataType
	Get          AttrGetter
	Set          AttrSetter
	GetableAll   bool
}

func (a *Attribute) getableSingle() bool { return a.Get != nil }
func (a *Attribute) setableSingle() bool { return a.Set != nil }

// ServiceFunc implements one CIP service against an instance.
type ServiceFunc func(inst *Instance, req *Request, resp *Response) error

// Service is a named, id-keyed CIP service, e.g. GetAttributeSingle.
type Service struct {
	ID   USINT
	Name string
	Func ServiceFunc
}

// Instance is one CIP object instance (or, when InstanceID==0, the
// class's own public instance holding its class-level attributes).
// Attributes are kept sorted by id; GetableAllMask tracks which
// attribute ids below 32 participate in GetAttributeAll, mirroring
// CipInstance::getable_all_mask.
type Instance struct {
	InstanceID     uint32
	Owner          *Class
	attributes     []*Attribute
	GetableAllMask uint32
}

// InsertAttribute adds attr, keeping the slice sorted by id; an existing
// attribute with the same id is replaced (CIPster logs and overrides
// rather than rejecting).
func (inst *Instance) InsertAttribute(attr *Attribute) {
	i := sort.Search(len(inst.attributes), func(i int) bool {
		return inst.attributes[i].ID >= attr.ID
	})
	if i < len(inst.attributes) && inst.attributes[i].ID == attr.ID {
		inst.attributes[i] = attr
	} else {
		inst.attributes = append(inst.attributes, nil)
		copy(inst.attributes[i+1:], inst.attributes[i:])
		inst.attributes[i] = attr
	}

	if attr.ID < 32 && attr.GetableAll {
		inst.GetableAllMask |= 1 << attr.ID
	}
}

// Attribute looks up an attribute by id via binary search; nil if absent.
func (inst *Instance) Attribute(id uint32) *Attribute {
	i := sort.Search(len(inst.attributes), func(i int) bool {
		return inst.attributes[i].ID >= id
	})
	if i < len(inst.attributes) && inst.attributes[i].ID == id {
		return inst.attributes[i]
	}
	return nil
}

// Attributes returns the sorted attribute slice (read-only use expected).
func (inst *Instance) Attributes() []*Attribute { return inst.attributes }

// Class is a CIP class: its public instance (instance 0, carrying class
// attributes), its object instances (sorted by id, 1..N), and the
// services dispatched against those instances. The meta-class that in
// CIPster owns the public class as its single un-owned instance is kept
// here as an explicit field rather than true containment, since Go has
// no destructor-ordering concern to model — but construction still
// builds it first, matching CipClass's constructor order.
type Class struct {
	ClassID   uint32
	ClassName string
	Revision  cip.UINT

	PublicInstance *Instance // instance 0; carries class attributes
	Meta           *Class    // meta-class: GetAttributeSingle/GetAttributeAll only

	instances []*Instance // sorted by id, id never 0
	services  []*Service
}

// Standard class attribute bitmask bits, selecting which of Vol1 Table
// 4-4.2's standard class attributes NewClass installs. Bit 0 is unused
// (there is no attribute 0).
const (
	ClassAttrRevision           = 1 << 1
	ClassAttrLargestInstanceID  = 1 << 2
	ClassAttrInstanceCount      = 1 << 3
	ClassAttrOptionalAttrList   = 1 << 4
	ClassAttrOptionalServiceList = 1 << 5
	ClassAttrMaxClassAttrID     = 1 << 6
	ClassAttrMaxInstanceAttrID  = 1 << 7

	// StandardClassAttributesAll installs every Vol1 Table 4-4.2 attribute;
	// most real classes pass this rather than hand-picking bits.
	StandardClassAttributesAll = ClassAttrRevision | ClassAttrLargestInstanceID |
		ClassAttrInstanceCount | ClassAttrOptionalAttrList | ClassAttrOptionalServiceList |
		ClassAttrMaxClassAttrID | ClassAttrMaxInstanceAttrID
)

// NewClass builds a class and its meta-class, then installs whichever
// standard class attributes classAttrMask selects (Vol1 Table 4-4.2),
// and the standard instance services GetAttributeSingle and
// SetAttributeSingle, in the order CipClass's constructor does. The
// instance-level GetAttributeAll service is not installed here;
// FinalizeGetAttributeAll adds it.
func NewClass(classID uint32, className string, classAttrMask int, revision cip.UINT) *Class {
	c := &Class{
		ClassID:   classID,
		ClassName: className,
		Revision:  revision,
	}
	c.PublicInstance = &Instance{InstanceID: 0, Owner: c}

	c.Meta = &Class{
		ClassID:   classID,
		ClassName: "meta-" + className,
	}
	c.Meta.instances = []*Instance{c.PublicInstance}
	c.Meta.ServiceInsert(cip.ServiceGetAttributeSingle, "GetAttributeSingle", GetAttributeSingle)
	c.Meta.ServiceInsert(cip.ServiceGetAttributeAll, "GetAttributeAll", GetAttributeAll)

	if classAttrMask&ClassAttrRevision != 0 {
		c.PublicInstance.InsertAttribute(uintAttr(1, cip.TypeUINT, func() uint32 { return uint32(c.Revision) }))
	}
	if classAttrMask&ClassAttrLargestInstanceID != 0 {
		c.PublicInstance.InsertAttribute(uintAttr(2, cip.TypeUINT, func() uint32 {
			if n := len(c.instances); n > 0 {
				return c.instances[n-1].InstanceID
			}
			return 0
		}))
	}
	if classAttrMask&ClassAttrInstanceCount != 0 {
		c.PublicInstance.InsertAttribute(uintAttr(3, cip.TypeUINT, func() uint32 { return uint32(len(c.instances)) }))
	}
	if classAttrMask&ClassAttrOptionalAttrList != 0 {
		c.PublicInstance.InsertAttribute(constAttr(4, cip.TypeUINT, 0))
	}
	if classAttrMask&ClassAttrOptionalServiceList != 0 {
		c.PublicInstance.InsertAttribute(constAttr(5, cip.TypeUINT, 0))
	}
	if classAttrMask&ClassAttrMaxClassAttrID != 0 {
		c.PublicInstance.InsertAttribute(uintAttr(6, cip.TypeUINT, func() uint32 {
			attrs := c.PublicInstance.Attributes()
			if n := len(attrs); n > 0 {
				return attrs[n-1].ID
			}
			return 0
		}))
	}
	if classAttrMask&ClassAttrMaxInstanceAttrID != 0 {
		c.PublicInstance.InsertAttribute(uintAttr(7, cip.TypeUINT, func() uint32 {
			return largestInstanceAttributeID(c)
		}))
	}

	c.ServiceInsert(cip.ServiceGetAttributeSingle, "GetAttributeSingle", GetAttributeSingle)
	c.ServiceInsert(cip.ServiceSetAttributeSingle, "SetAttributeSingle", SetAttributeSingle)

	return c
}

// FinalizeGetAttributeAll installs the GetAttributeAll service if the
// class's public instance opted an attribute into it; object instances'
// masks are not examined. Call this once after the class-attribute setup
// is done, mirroring the C++ constructor's trailing getable_all_mask
// check, which likewise only examines the class instance's own mask.
func (c *Class) FinalizeGetAttributeAll() {
	if c.PublicInstance.GetableAllMask != 0 {
		c.ServiceInsert(cip.ServiceGetAttributeAll, "GetAttributeAll", GetAttributeAll)
	}
}

func largestInstanceAttributeID(c *Class) uint32 {
	var largest uint32
	for _, inst := range c.instances {
		if attrs := inst.Attributes(); len(attrs) > 0 {
			if id := attrs[len(attrs)-1].ID; id > largest {
				largest = id
			}
		}
	}
	return largest
}

func uintAttr(id uint32, t cip.DataType, read func() uint32) *Attribute {
	return &Attribute{
		ID:   id,
		Type: t,
		Get: func(req *Request, resp *Response) error {
			v := read()
			resp.Data = append(resp.Data, byte(v), byte(v>>8))
			return nil
		},
	}
}

func constAttr(id uint32, t cip.DataType, v uint16) *Attribute {
	return &Attribute{
		ID:   id,
		Type: t,
		Get: func(req *Request, resp *Response) error {
			resp.Data = append(resp.Data, byte(v), byte(v>>8))
			return nil
		},
	}
}

// InsertInstance adds inst to the class's sorted instance list and sets
// inst.Owner. It refuses (returns false) an instance already owned by a
// class, or an id collision, matching CipClass::InstanceInsert.
func (c *Class) InsertInstance(inst *Instance) bool {
	if inst.Owner != nil {
		return false
	}
	i := sort.Search(len(c.instances), func(i int) bool {
		return c.instances[i].InstanceID >= inst.InstanceID
	})
	if i < len(c.instances) && c.instances[i].InstanceID == inst.InstanceID {
		return false
	}
	c.instances = append(c.instances, nil)
	copy(c.instances[i+1:], c.instances[i:])
	c.instances[i] = inst
	inst.Owner = c
	return true
}

// RemoveInstance removes and returns the instance with the given id, or
// nil if not found.
func (c *Class) RemoveInstance(id uint32) *Instance {
	i := sort.Search(len(c.instances), func(i int) bool {
		return c.instances[i].InstanceID >= id
	})
	if i < len(c.instances) && c.instances[i].InstanceID == id {
		inst := c.instances[i]
		c.instances = append(c.instances[:i], c.instances[i+1:]...)
		return inst
	}
	return nil
}

// Instance returns the instance with the given id; id 0 always returns
// the class's own public instance (CipClass::Instance semantics).
func (c *Class) Instance(id uint32) *Instance {
	if id == 0 {
		return c.PublicInstance
	}
	i := sort.Search(len(c.instances), func(i int) bool {
		return c.instances[i].InstanceID >= id
	})
	if i < len(c.instances) && c.instances[i].InstanceID == id {
		return c.instances[i]
	}
	return nil
}

// Instances returns the sorted, id>0 instance slice.
func (c *Class) Instances() []*Instance { return c.instances }

// FindUniqueFreeID returns the lowest instance id with no gap below it,
// i.e. the first hole in the sorted id sequence starting at 1
// (CipClass::FindUniqueFreeId).
func (c *Class) FindUniqueFreeID() uint32 {
	var last uint32
	for _, inst := range c.instances {
		if inst.InstanceID > last+1 {
			break
		}
		last = inst.InstanceID
	}
	return last + 1
}

// Service looks up a service by id.
func (c *Class) Service(id USINT) *Service {
	for _, s := range c.services {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ServiceInsert adds or replaces a service by id, keeping the slice
// sorted by id as CipClass::ServiceInsert does (lookup here is linear
// rather than binary since the service count per class is tiny).
func (c *Class) ServiceInsert(id USINT, name string, fn ServiceFunc) *Service {
	svc := &Service{ID: id, Name: name, Func: fn}
	for i, s := range c.services {
		if s.ID == id {
			c.services[i] = svc
			return svc
		}
		if s.ID > id {
			c.services = append(c.services, nil)
			copy(c.services[i+1:], c.services[i:])
			c.services[i] = svc
			return svc
		}
	}
	c.services = append(c.services, svc)
	return svc
}

// ServiceRemove removes the service with the given id, if present.
func (c *Class) ServiceRemove(id USINT) {
	for i, s := range c.services {
		if s.ID == id {
			c.services = append(c.services[:i], c.services[i+1:]...)
			return
		}
	}
}

// GetAttributeSingle is the standard service installed on every class:
// look up the attribute named by the request path and invoke its getter.
func GetAttributeSingle(inst *Instance, req *Request, resp *Response) error {
	attrID, ok := req.Path.AttributeID()
	if !ok {
		resp.GeneralStatus = cip.StatusPathDestinationUnknown
		return nil
	}
	attr := inst.Attribute(attrID)
	if attr == nil {
		resp.GeneralStatus = cip.StatusAttributeNotSupported
		return nil
	}
	if !attr.getableSingle() {
		resp.GeneralStatus = cip.StatusAttributeNotGettable
		return nil
	}
	return attr.Get(req, resp)
}

// GetAttributeAll concatenates the Get output of every attribute flagged
// GetableAll, id order, overwriting the request path's attribute id on
// each iteration exactly as CipClass::GetAttributeAll does, so it can
// reuse GetAttributeSingle's own per-attribute getter rather than a
// separate code path.
func GetAttributeAll(inst *Instance, req *Request, resp *Response) error {
	svc := inst.Owner.Service(cip.ServiceGetAttributeSingle)
	if svc == nil {
		return nil
	}
	attrs := inst.Attributes()
	if len(attrs) == 0 {
		resp.GeneralStatus = cip.StatusServiceNotSupported
		return nil
	}

	var out []byte
	mask := inst.GetableAllMask
	for _, attr := range attrs {
		if attr.ID >= 32 || mask&(1<<attr.ID) == 0 {
			continue
		}
		req.Path.SetAttributeID(attr.ID)

		sub := &Response{}
		if err := svc.Func(inst, req, sub); err != nil {
			return err
		}
		if sub.GeneralStatus != cip.StatusSuccess {
			return fmt.Errorf("registry: attribute %d failed in GetAttributeAll: status 0x%02x", attr.ID, sub.GeneralStatus)
		}
		out = append(out, sub.Data...)
	}
	resp.Data = out
	resp.GeneralStatus = cip.StatusSuccess
	return nil
}

// SetAttributeSingle is the standard service installed on every class:
// look up the attribute named by the request path and invoke its setter.
func SetAttributeSingle(inst *Instance, req *Request, resp *Response) error {
	attrID, ok := req.Path.AttributeID()
	if !ok {
		resp.GeneralStatus = cip.StatusPathDestinationUnknown
		return nil
	}
	attr := inst.Attribute(attrID)
	if attr == nil {
		resp.GeneralStatus = cip.StatusAttributeNotSupported
		return nil
	}
	if !attr.setableSingle() {
		resp.GeneralStatus = cip.StatusAttributeNotSettable
		return nil
	}
	return attr.Set(req, resp)
}
