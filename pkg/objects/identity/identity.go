// Package identity implements the CIP Identity Object (Class 0x01,
// Vol1 5-2): vendor/device/product identification, status, serial
// number, product name, and the Reset service that drives the
// application's device-reset hooks.
package identity

import (
	"github.com/cip-forge/enip-adapter/pkg/cip"
	"github.com/cip-forge/enip-adapter/pkg/cip/registry"
	"github.com/cip-forge/enip-adapter/internal/hooks"
)

const ClassID = uint32(cip.ClassIdentity)

// ServiceReset is the Identity object's Reset service code (Vol1 5-2.4).
const ServiceReset cip.USINT = 0x05

// Identity holds the object's attribute storage; Object exposes it
// through a registry.Class.
type Identity struct {
	VendorID     uint16
	DeviceType   uint16
	ProductCode  uint16
	MajorRev     uint8
	MinorRev     uint8
	Status       uint16
	SerialNumber uint32
	ProductName  string

	app hooks.Application
}

// New builds the Identity class, its single instance 1, and the Reset
// service, matching CipIdentityInit: class attributes 1,2,4,5,6,7 are
// installed (3, instance count, is omitted per the conformance-tool note
// in cipidentity.cc), and SetAttributeSingle is removed from the class
// since every Identity attribute is read-only and the conformance tool
// expects ServiceNotSupported (0x08) rather than AttributeNotSettable
// (0x0E) for a Set attempt.
func New(app hooks.Application, vendorID, deviceType, productCode uint16, majorRev, minorRev uint8, serial uint32, productName string) (*registry.Class, *Identity) {
	id := &Identity{
		VendorID:     vendorID,
		DeviceType:   deviceType,
		ProductCode:  productCode,
		MajorRev:     majorRev,
		MinorRev:     minorRev,
		SerialNumber: serial,
		ProductName:  productName,
		app:          app,
	}

	mask := registry.ClassAttrRevision | registry.ClassAttrLargestInstanceID |
		registry.ClassAttrOptionalAttrList | registry.ClassAttrOptionalServiceList |
		registry.ClassAttrMaxClassAttrID | registry.ClassAttrMaxInstanceAttrID
	class := registry.NewClass(ClassID, "Identity", mask, 1)

	// All attributes are read-only: remove the standard SetAttributeSingle.
	class.ServiceRemove(cip.ServiceSetAttributeSingle)

	inst := &registry.Instance{InstanceID: 1}
	inst.InsertAttribute(&registry.Attribute{ID: 1, Type: cip.TypeUINT, GetableAll: true,
		Get: getUint16(func() uint16 { return id.VendorID })})
	inst.InsertAttribute(&registry.Attribute{ID: 2, Type: cip.TypeUINT, GetableAll: true,
		Get: getUint16(func() uint16 { return id.DeviceType })})
	inst.InsertAttribute(&registry.Attribute{ID: 3, Type: cip.TypeUINT, GetableAll: true,
		Get: getUint16(func() uint16 { return id.ProductCode })})
	inst.InsertAttribute(&registry.Attribute{ID: 4, Type: cip.TypeSTRUCT, GetableAll: true,
		Get: func(req *registry.Request, resp *registry.Response) error {
			resp.Data = append(resp.Data, id.MajorRev, id.MinorRev)
			return nil
		}})
	inst.InsertAttribute(&registry.Attribute{ID: 5, Type: cip.TypeWORD, GetableAll: true,
		Get: getUint16(func() uint16 { return id.Status })})
	inst.InsertAttribute(&registry.Attribute{ID: 6, Type: cip.TypeUDINT, GetableAll: true,
		Get: func(req *registry.Request, resp *registry.Response) error {
			v := id.SerialNumber
			resp.Data = append(resp.Data, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
			return nil
		}})
	inst.InsertAttribute(&registry.Attribute{ID: 7, Type: cip.TypeSHORT_STRING, GetableAll: true,
		Get: func(req *registry.Request, resp *registry.Response) error {
			resp.Data = append(resp.Data, byte(len(id.ProductName)))
			resp.Data = append(resp.Data, []byte(id.ProductName)...)
			return nil
		}})

	class.InsertInstance(inst)
	class.FinalizeGetAttributeAll()

	class.ServiceInsert(ServiceReset, "Reset", id.resetService)

	return class, id
}

func getUint16(read func() uint16) registry.AttrGetter {
	return func(req *registry.Request, resp *registry.Response) error {
		v := read()
		resp.Data = append(resp.Data, byte(v), byte(v>>8))
		return nil
	}
}

// resetService implements Identity's Reset service (Vol1 5-2.4): a
// missing parameter or parameter 0 is ResetDevice; parameter 1 is
// ResetDeviceToInitialConfiguration; any other value is an invalid
// parameter. A successful reset never completes the response (the
// device restarts), matching reset_service's DeviceStateConflict return
// on the synchronous path.
func (id *Identity) resetService(inst *registry.Instance, req *registry.Request, resp *registry.Response) error {
	kind := hooks.ResetDevice

	switch len(req.Data) {
	case 0:
		// default: ResetDevice
	case 1:
		switch req.Data[0] {
		case 0:
			kind = hooks.ResetDevice
		case 1:
			kind = hooks.ResetToInitialConfiguration
		default:
			resp.GeneralStatus = cip.StatusInvalidAttributeValue
			return nil
		}
	default:
		resp.GeneralStatus = cip.StatusInvalidAttributeValue
		return nil
	}

	if id.app != nil {
		if err := id.app.Reset(kind); err != nil {
			resp.GeneralStatus = cip.StatusDeviceStateConflict
			return nil
		}
	}
	resp.GeneralStatus = cip.StatusDeviceStateConflict
	return nil
}
