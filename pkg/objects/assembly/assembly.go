// Package assembly implements the CIP Assembly Object (Class 0x04,
// Vol1 5-4): fixed-size byte buffers addressed by instance id, each
// either a member of a single connection's produced/consumed data or an
// explicit-message-only instance. Unlike the other standard objects in
// pkg/objects, every instance shares one registry.Class (Assembly
// instances are created by the application at startup, not by a
// standard class-level service), so New here returns the class plus an
// Object used to create instances and wire them to connections.
package assembly

import (
	"sort"

	"github.com/cip-forge/enip-adapter/internal/hooks"
	"github.com/cip-forge/enip-adapter/pkg/cip"
	"github.com/cip-forge/enip-adapter/pkg/cip/registry"
)

const ClassID = uint32(cip.ClassAssembly)

// Attribute ids (Vol1 Table 5-4.2).
const (
	attrData uint32 = 3
	attrSize uint32 = 4
)

// Instance is one assembly's backing store, shared between the explicit
// message path (GetAttributeSingle/SetAttributeSingle on attribute 3)
// and the connection manager's cyclic produce/consume path.
type Instance struct {
	ID   uint32
	Data []byte
}

// Object owns every Assembly instance and the hook into application
// code that AfterAssemblyDataReceived/BeforeAssemblyDataSend fire
// through, matching the demo application's same-named callbacks in the
// original source.
type Object struct {
	class *registry.Class
	app   hooks.Application

	instances []*Instance // kept sorted by ID, same convention as registry.Class
}

// New builds the Assembly class (no standard class attributes — Vol1
// 5-4 assembly instances are application-defined, not introspectable via
// the class-attribute mechanism) and an empty Object ready for
// CreateInstance calls.
func New(app hooks.Application) (*registry.Class, *Object) {
	class := registry.NewClass(ClassID, "Assembly", 0, 2)
	return class, &Object{class: class, app: app}
}

// CreateInstance allocates a fixed-size assembly instance and installs
// its GetAttributeSingle/SetAttributeSingle attribute-3 handlers,
// mirroring CreateAssemblyInstance in the original sample application.
func (o *Object) CreateInstance(instanceID uint32, size int) *Instance {
	inst := &Instance{ID: instanceID, Data: make([]byte, size)}

	i := sort.Search(len(o.instances), func(i int) bool { return o.instances[i].ID >= instanceID })
	if i < len(o.instances) && o.instances[i].ID == instanceID {
		o.instances[i] = inst
	} else {
		o.instances = append(o.instances, nil)
		copy(o.instances[i+1:], o.instances[i:])
		o.instances[i] = inst
	}

	ri := &registry.Instance{InstanceID: instanceID}
	ri.InsertAttribute(&registry.Attribute{ID: attrData, Type: cip.TypeBYTE, GetableAll: true,
		Get: func(req *registry.Request, resp *registry.Response) error {
			resp.Data = append(resp.Data, inst.Data...)
			return nil
		},
		Set: func(req *registry.Request, resp *registry.Response) error {
			if len(req.Data) != len(inst.Data) {
				resp.GeneralStatus = cip.StatusNotEnoughData
				return nil
			}
			copy(inst.Data, req.Data)
			if o.app != nil {
				if err := o.app.AfterAssemblyDataReceived(inst.ID, inst.Data); err != nil {
					resp.GeneralStatus = cip.StatusDeviceStateConflict
				}
			}
			return nil
		}})
	ri.InsertAttribute(&registry.Attribute{ID: attrSize, Type: cip.TypeUINT,
		Get: func(req *registry.Request, resp *registry.Response) error {
			n := len(inst.Data)
			resp.Data = append(resp.Data, byte(n), byte(n>>8))
			return nil
		}})

	o.class.InsertInstance(ri)
	return inst
}

// Instance returns the backing store for an assembly instance, or nil.
func (o *Object) Instance(instanceID uint32) *Instance {
	i := sort.Search(len(o.instances), func(i int) bool { return o.instances[i].ID >= instanceID })
	if i < len(o.instances) && o.instances[i].ID == instanceID {
		return o.instances[i]
	}
	return nil
}

// Produce returns the current contents of a produced (input) assembly
// for the connection manager's cyclic send path, giving the application
// a chance to veto or mutate the frame via BeforeAssemblyDataSend,
// ported to the hooks.Application interface.
func (o *Object) Produce(instanceID uint32) ([]byte, bool) {
	inst := o.Instance(instanceID)
	if inst == nil {
		return nil, false
	}
	if o.app != nil && !o.app.BeforeAssemblyDataSend(inst.ID, inst.Data) {
		return nil, false
	}
	out := make([]byte, len(inst.Data))
	copy(out, inst.Data)
	return out, true
}

// Consume writes received cyclic connected data into a consumed
// (output) assembly and fires AfterAssemblyDataReceived, the same hook
// the explicit SetAttributeSingle path above triggers.
func (o *Object) Consume(instanceID uint32, data []byte) error {
	inst := o.Instance(instanceID)
	if inst == nil {
		return cip.NewError(cip.StatusObjectDoesNotExist)
	}
	if len(data) != len(inst.Data) {
		return cip.NewError(cip.StatusNotEnoughData)
	}
	copy(inst.Data, data)
	if o.app != nil {
		if err := o.app.AfterAssemblyDataReceived(inst.ID, inst.Data); err != nil {
			return cip.NewError(cip.StatusDeviceStateConflict)
		}
	}
	return nil
}
