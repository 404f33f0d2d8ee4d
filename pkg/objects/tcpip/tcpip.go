// Package tcpip implements the CIP TCP/IP Interface Object (Class 0xF5,
// Vol2 5-3): network configuration, hostname/domain, default TTL for
// multicast Class 1 traffic, the encapsulation inactivity timeout, and
// the physical link attribute pointing at the Ethernet Link object.
package tcpip

import (
	"github.com/cip-forge/enip-adapter/pkg/bytebuf"
	"github.com/cip-forge/enip-adapter/pkg/cip"
	"github.com/cip-forge/enip-adapter/pkg/cip/epath"
	"github.com/cip-forge/enip-adapter/pkg/cip/registry"
)

const ClassID = uint32(cip.ClassTCPIPInterface)

// Configuration capability bits (Vol2 Table 5-3.3).
const (
	CapBootPClient          uint32 = 1 << 0
	CapDNSClient            uint32 = 1 << 1
	CapDHCPClient           uint32 = 1 << 2
	CapHardwareConfigurable uint32 = 1 << 5
)

// InterfaceConfig is attribute 5: the IPv4 configuration, stored host
// byte order here (the original keeps it network order internally and
// converts on read; Go's eip/cpf layer already isolates byte-order
// concerns at the wire boundary, so this package stays host order).
type InterfaceConfig struct {
	IPAddress   uint32
	NetworkMask uint32
	Gateway     uint32
	NameServer  uint32
	NameServer2 uint32
	DomainName  string
}

// MulticastConfig is attribute 9.
type MulticastConfig struct {
	AllocControl   uint8
	NumAllocated   uint16
	StartingAddr   uint32
}

// TCPIP holds the instance's mutable attribute storage. EthernetLinkInstance
// names the Ethernet Link instance attribute 4 points to.
type TCPIP struct {
	Status                  uint32
	ConfigCapability         uint32
	ConfigControl            uint32
	EthernetLinkInstance    uint32
	InterfaceConfiguration  InterfaceConfig
	HostName                string
	TimeToLive              uint8 // attribute 8, default TTL for multicast Class 1
	MulticastConfiguration  MulticastConfig
	InactivityTimeoutSecs   uint16 // attribute 13, shared across all instances in CIPster
}

// New builds the TCP/IP Interface class and its single instance 1.
func New(ethernetLinkInstance uint32) (*registry.Class, *TCPIP) {
	t := &TCPIP{
		ConfigCapability:      CapBootPClient | CapDNSClient | CapDHCPClient | CapHardwareConfigurable,
		EthernetLinkInstance:  ethernetLinkInstance,
		TimeToLive:            1,
		InactivityTimeoutSecs: 120, // Vol2 default
	}

	class := registry.NewClass(ClassID, "TCP/IP Interface", registry.StandardClassAttributesAll, 1)
	inst := &registry.Instance{InstanceID: 1}

	inst.InsertAttribute(&registry.Attribute{ID: 1, Type: cip.TypeDWORD, GetableAll: true,
		Get: putU32(func() uint32 { return t.Status })})
	inst.InsertAttribute(&registry.Attribute{ID: 2, Type: cip.TypeDWORD, GetableAll: true,
		Get: putU32(func() uint32 { return t.ConfigCapability })})
	inst.InsertAttribute(&registry.Attribute{ID: 3, Type: cip.TypeDWORD, GetableAll: true,
		Get: putU32(func() uint32 { return t.ConfigControl }),
		Set: func(req *registry.Request, resp *registry.Response) error {
			if len(req.Data) < 4 {
				resp.GeneralStatus = cip.StatusNotEnoughData
				return nil
			}
			t.ConfigControl = leU32(req.Data)
			return nil
		}})
	inst.InsertAttribute(&registry.Attribute{ID: 4, Type: cip.TypeEPATH, GetableAll: true,
		Get: func(req *registry.Request, resp *registry.Response) error {
			var p epath.AppPath
			p.SetClass(uint32(cip.ClassEthernetLink))
			p.SetInstance(t.EthernetLinkInstance)
			w := pathWriter(&p)
			resp.Data = append(resp.Data, uint16ToBytes(uint16(len(w)/2))...)
			resp.Data = append(resp.Data, w...)
			return nil
		}})
	inst.InsertAttribute(&registry.Attribute{ID: 5, Type: cip.TypeSTRUCT, GetableAll: true,
		Get: func(req *registry.Request, resp *registry.Response) error {
			c := t.InterfaceConfiguration
			resp.Data = append(resp.Data, putU32Bytes(c.IPAddress)...)
			resp.Data = append(resp.Data, putU32Bytes(c.NetworkMask)...)
			resp.Data = append(resp.Data, putU32Bytes(c.Gateway)...)
			resp.Data = append(resp.Data, putU32Bytes(c.NameServer)...)
			resp.Data = append(resp.Data, putU32Bytes(c.NameServer2)...)
			resp.Data = append(resp.Data, shortString(c.DomainName)...)
			return nil
		}})
	inst.InsertAttribute(&registry.Attribute{ID: 6, Type: cip.TypeSHORT_STRING, GetableAll: true,
		Get: func(req *registry.Request, resp *registry.Response) error {
			resp.Data = append(resp.Data, shortString(t.HostName)...)
			return nil
		}})
	inst.InsertAttribute(&registry.Attribute{ID: 7, Type: cip.TypeSTRUCT,
		Get: func(req *registry.Request, resp *registry.Response) error {
			resp.Data = append(resp.Data, make([]byte, 6)...) // empty safety network number, Vol2 Table 5-4.15
			return nil
		}})
	inst.InsertAttribute(&registry.Attribute{ID: 8, Type: cip.TypeUSINT, GetableAll: true,
		Get: func(req *registry.Request, resp *registry.Response) error {
			resp.Data = append(resp.Data, t.TimeToLive)
			return nil
		},
		Set: func(req *registry.Request, resp *registry.Response) error {
			if len(req.Data) < 1 {
				resp.GeneralStatus = cip.StatusNotEnoughData
				return nil
			}
			if req.Data[0] == 0 {
				resp.GeneralStatus = cip.StatusInvalidAttributeValue
				return nil
			}
			t.TimeToLive = req.Data[0]
			return nil
		}})
	inst.InsertAttribute(&registry.Attribute{ID: 9, Type: cip.TypeSTRUCT, GetableAll: true,
		Get: func(req *registry.Request, resp *registry.Response) error {
			mc := t.MulticastConfiguration
			resp.Data = append(resp.Data, mc.AllocControl, 0)
			resp.Data = append(resp.Data, uint16ToBytes(mc.NumAllocated)...)
			resp.Data = append(resp.Data, putU32Bytes(mc.StartingAddr)...)
			return nil
		},
		Set: func(req *registry.Request, resp *registry.Response) error {
			if len(req.Data) < 8 {
				resp.GeneralStatus = cip.StatusNotEnoughData
				return nil
			}
			t.MulticastConfiguration.AllocControl = req.Data[0]
			t.MulticastConfiguration.NumAllocated = uint16(req.Data[2]) | uint16(req.Data[3])<<8
			t.MulticastConfiguration.StartingAddr = leU32(req.Data[4:8])
			return nil
		}})
	inst.InsertAttribute(&registry.Attribute{ID: 13, Type: cip.TypeUINT, GetableAll: true,
		Get: func(req *registry.Request, resp *registry.Response) error {
			resp.Data = append(resp.Data, uint16ToBytes(t.InactivityTimeoutSecs)...)
			return nil
		},
		Set: func(req *registry.Request, resp *registry.Response) error {
			if len(req.Data) < 2 {
				resp.GeneralStatus = cip.StatusNotEnoughData
				return nil
			}
			t.InactivityTimeoutSecs = uint16(req.Data[0]) | uint16(req.Data[1])<<8
			return nil
		}})

	class.InsertInstance(inst)
	class.FinalizeGetAttributeAll()

	return class, t
}

// ConfigureNetworkInterface sets the IPv4 attributes and derives the
// CIP Class 1 starting multicast address per Vol2 3-5.3's algorithm:
// base 239.192.1.0 plus (host portion of the IP minus one, masked to 10
// bits, shifted left 5) — ported from
// CipTCPIPInterfaceInstance::configureNetworkInterface.
func (t *TCPIP) ConfigureNetworkInterface(ip, mask, gateway uint32) {
	t.InterfaceConfiguration.IPAddress = ip
	t.InterfaceConfiguration.NetworkMask = mask
	t.InterfaceConfiguration.Gateway = gateway

	hostID := (ip &^ mask) - 1
	hostID &= 0x3ff

	const base = 0xEFC00100 // 239.192.1.0
	t.MulticastConfiguration.StartingAddr = base + (hostID << 5)
}

func putU32(read func() uint32) registry.AttrGetter {
	return func(req *registry.Request, resp *registry.Response) error {
		resp.Data = append(resp.Data, putU32Bytes(read())...)
		return nil
	}
}

func putU32Bytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func uint16ToBytes(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func shortString(s string) []byte {
	out := append([]byte{byte(len(s))}, []byte(s)...)
	if len(out)%2 != 0 {
		out = append(out, 0)
	}
	return out
}

func pathWriter(p *epath.AppPath) []byte {
	buf := make([]byte, 16)
	w := bytebuf.NewWriter(buf)
	p.Serialize(w, epath.PaddedEPath)
	return w.Bytes()
}
