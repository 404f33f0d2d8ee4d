// Package ethernetlink implements the CIP Ethernet Link Object
// (Class 0xF6, Vol2 3-3): interface speed/duplex flags, MAC address, and
// (per the original_source supplement) the inbound/outbound octet and
// unicast/broadcast packet counters CIPster exposes beyond the three
// attributes spec.md names.
package ethernetlink

import (
	"github.com/cip-forge/enip-adapter/pkg/cip"
	"github.com/cip-forge/enip-adapter/pkg/cip/registry"
)

const ClassID = uint32(cip.ClassEthernetLink)

// InterfaceFlags bits (Vol2 Table 3-3.5).
const (
	FlagLinkActive  uint32 = 1 << 0
	FlagFullDuplex  uint32 = 1 << 1
)

// EthernetLink holds the Ethernet Link instance's mutable counters and
// interface state.
type EthernetLink struct {
	InterfaceSpeed uint32 // Mbps
	InterfaceFlags uint32
	MACAddress     [6]byte

	InOctets      uint32
	InUcastPkts   uint32
	InBcastPkts   uint32
	OutOctets     uint32
	OutUcastPkts  uint32
	OutBcastPkts  uint32
}

// New builds the Ethernet Link class and its single instance 1.
func New() (*registry.Class, *EthernetLink) {
	link := &EthernetLink{InterfaceSpeed: 100, InterfaceFlags: FlagLinkActive | FlagFullDuplex}

	class := registry.NewClass(ClassID, "Ethernet Link", registry.StandardClassAttributesAll, 1)

	inst := &registry.Instance{InstanceID: 1}
	inst.InsertAttribute(&registry.Attribute{ID: 1, Type: cip.TypeUDINT, GetableAll: true,
		Get: putU32(func() uint32 { return link.InterfaceSpeed })})
	inst.InsertAttribute(&registry.Attribute{ID: 2, Type: cip.TypeDWORD, GetableAll: true,
		Get: putU32(func() uint32 { return link.InterfaceFlags })})
	inst.InsertAttribute(&registry.Attribute{ID: 3, Type: cip.TypeSTRUCT, GetableAll: true,
		Get: func(req *registry.Request, resp *registry.Response) error {
			resp.Data = append(resp.Data, link.MACAddress[:]...)
			return nil
		}})
	// Supplemented beyond the class-attribute trio: interface counters
	// (Vol2 3-3.3), grounded on original_source's CipEthernetLinkInstance
	// layout even though cipethernetlink.cc's CreateInstance only wires
	// attributes 1-3 — the counters are part of the same struct there.
	inst.InsertAttribute(&registry.Attribute{ID: 4, Type: cip.TypeUDINT, Get: putU32(func() uint32 { return link.InOctets })})
	inst.InsertAttribute(&registry.Attribute{ID: 5, Type: cip.TypeUDINT, Get: putU32(func() uint32 { return link.InUcastPkts })})
	inst.InsertAttribute(&registry.Attribute{ID: 6, Type: cip.TypeUDINT, Get: putU32(func() uint32 { return link.InBcastPkts })})
	inst.InsertAttribute(&registry.Attribute{ID: 7, Type: cip.TypeUDINT, Get: putU32(func() uint32 { return link.OutOctets })})
	inst.InsertAttribute(&registry.Attribute{ID: 8, Type: cip.TypeUDINT, Get: putU32(func() uint32 { return link.OutUcastPkts })})
	inst.InsertAttribute(&registry.Attribute{ID: 9, Type: cip.TypeUDINT, Get: putU32(func() uint32 { return link.OutBcastPkts })})

	class.InsertInstance(inst)
	class.FinalizeGetAttributeAll()

	return class, link
}

func putU32(read func() uint32) registry.AttrGetter {
	return func(req *registry.Request, resp *registry.Response) error {
		v := read()
		resp.Data = append(resp.Data, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
		return nil
	}
}
