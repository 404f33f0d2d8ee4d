// Package connmgr implements the CIP Connection Manager Object
// (Class 0x06, Vol1 3-5): Forward-Open/Forward-Close, the connection
// state machine, the electronic key check against device identity, and
// the watchdog/production timing the network handler drives via Tick.
//
// Grounded on cipclass3connection.c's fixed-size connection pool and
// free-slot scan (GetFreeExplicitConnection), generalized here to cover
// both Class 1 and Class 3 pools sized from config, plus the connection
// path EPATH parsing built in pkg/cip/epath (port/key/PIT segment group,
// then one or two inheriting application paths for the O->T/T->O
// assembly instances, Vol1 C-1.6).
package connmgr

import (
	"github.com/cip-forge/enip-adapter/pkg/bytebuf"
	"github.com/cip-forge/enip-adapter/pkg/cip"
	"github.com/cip-forge/enip-adapter/pkg/cip/epath"
	"github.com/cip-forge/enip-adapter/pkg/cip/registry"
)

const ClassID = uint32(cip.ClassConnectionMgr)

// KeySource returns the device identity values an electronic key segment
// is checked against; supplied by the caller to avoid importing the
// identity package here.
type KeySource func() (vendorID, deviceType, productCode uint16, major, minor uint8)

// ConnectionManager owns the Class 1 and Class 3 connection pools.
type ConnectionManager struct {
	class     *registry.Class
	keySource KeySource

	class1Pool []Connection
	class3Pool []Connection

	byOT map[uint32]*Connection
	byTO map[uint32]*Connection

	connIDSeq uint32

	lastOpened *Connection
}

// New builds the Connection Manager class (no standard class attributes;
// Vol1 3-5 describes no class-level attribute requirement) with fixed-
// size Class 1/Class 3 pools, matching CIPster's static connection
// arrays sized at compile time, here sized at startup from config.
func New(class1Capacity, class3Capacity int, keySource KeySource) (*registry.Class, *ConnectionManager) {
	cm := &ConnectionManager{
		keySource:  keySource,
		class1Pool: make([]Connection, class1Capacity),
		class3Pool: make([]Connection, class3Capacity),
		byOT:       make(map[uint32]*Connection),
		byTO:       make(map[uint32]*Connection),
	}

	class := registry.NewClass(ClassID, "Connection Manager", 0, 1)
	inst := &registry.Instance{InstanceID: 1}
	class.InsertInstance(inst)

	cm.class = class
	class.ServiceInsert(ServiceForwardOpen, "ForwardOpen", cm.serviceFunc(false))
	class.ServiceInsert(ServiceLargeForwardOpen, "LargeForwardOpen", cm.serviceFunc(true))
	class.ServiceInsert(ServiceForwardClose, "ForwardClose", func(inst *registry.Instance, req *registry.Request, resp *registry.Response) error {
		return cm.handleForwardClose(req, resp)
	})

	return class, cm
}

func (cm *ConnectionManager) serviceFunc(large bool) registry.ServiceFunc {
	return func(inst *registry.Instance, req *registry.Request, resp *registry.Response) error {
		return cm.handleForwardOpen(req, resp, large)
	}
}

func (cm *ConnectionManager) findByTriad(t Triad) *Connection {
	for i := range cm.class1Pool {
		if cm.class1Pool[i].State != StateNonExistent && cm.class1Pool[i].Triad == t {
			return &cm.class1Pool[i]
		}
	}
	for i := range cm.class3Pool {
		if cm.class3Pool[i].State != StateNonExistent && cm.class3Pool[i].Triad == t {
			return &cm.class3Pool[i]
		}
	}
	return nil
}

func freeSlot(pool []Connection) *Connection {
	for i := range pool {
		if pool[i].State == StateNonExistent {
			return &pool[i]
		}
	}
	return nil
}

func (cm *ConnectionManager) handleForwardOpen(req *registry.Request, resp *registry.Response, large bool) error {
	r := bytebuf.NewReader(req.Data)

	var fo ForwardOpenRequest
	fo.PriorityTimeTick = cip.BYTE(r.GetU8())
	fo.TimeoutTicks = cip.USINT(r.GetU8())
	fo.OTConnectionID = cip.UDINT(r.GetU32())
	fo.TOConnectionID = cip.UDINT(r.GetU32())
	fo.ConnectionSerialNumber = cip.UINT(r.GetU16())
	fo.VendorID = cip.UINT(r.GetU16())
	fo.OriginatorSerialNumber = cip.UDINT(r.GetU32())
	fo.ConnectionTimeoutMultiplier = cip.USINT(r.GetU8())
	r.Skip(3) // reserved
	fo.OTRPI = cip.UDINT(r.GetU32())
	if large {
		fo.OTNetworkConnectionParams = cip.UDINT(r.GetU32())
	} else {
		fo.OTNetworkConnectionParams = cip.UDINT(r.GetU16())
	}
	fo.TORPI = cip.UDINT(r.GetU32())
	if large {
		fo.TONetworkConnectionParams = cip.UDINT(r.GetU32())
	} else {
		fo.TONetworkConnectionParams = cip.UDINT(r.GetU16())
	}
	fo.TransportTypeTrigger = cip.BYTE(r.GetU8())
	pathWords := r.GetU8()
	fo.ConnectionPath = r.Get(int(pathWords) * 2)

	if r.Err() != nil {
		resp.GeneralStatus = cip.StatusNotEnoughData
		return nil
	}

	triad := Triad{
		ConnectionSerialNumber: uint16(fo.ConnectionSerialNumber),
		VendorID:               uint16(fo.VendorID),
		OriginatorSerialNumber: uint32(fo.OriginatorSerialNumber),
	}

	if cm.findByTriad(triad) != nil {
		resp.GeneralStatus = cip.StatusConnectionFailure
		resp.ExtStatus = []cip.UINT{cip.ExtStatusConnMgrConnInUse}
		return nil
	}

	pr := bytebuf.NewReader(fo.ConnectionPath)

	var group epath.PortSegmentGroup
	if err := group.Deserialize(pr, epath.PackedEPath); err != nil {
		resp.GeneralStatus = cip.StatusPathSegmentError
		return nil
	}
	if group.HasKey && cm.keySource != nil {
		vendorID, deviceType, productCode, major, minor := cm.keySource()
		if status := group.Key.Check(vendorID, deviceType, productCode, major, minor); status != epath.ConnMgrStatusSuccess {
			resp.GeneralStatus = cip.StatusConnectionFailure
			resp.ExtStatus = []cip.UINT{cip.UINT(status)}
			return nil
		}
	}

	otPath, err := epath.DeserializeAppPath(pr, epath.PackedEPath, nil)
	if err != nil {
		resp.GeneralStatus = cip.StatusPathSegmentError
		return nil
	}
	toPath := otPath
	if pr.Len() > 0 {
		toPath, err = epath.DeserializeAppPath(pr, epath.PackedEPath, otPath)
		if err != nil {
			resp.GeneralStatus = cip.StatusPathSegmentError
			return nil
		}
	}

	class := transportClassOf(fo.TransportTypeTrigger)
	pool := cm.class3Pool
	if class == TransportClass1 {
		pool = cm.class1Pool
	}
	slot := freeSlot(pool)
	if slot == nil {
		resp.GeneralStatus = cip.StatusConnectionFailure
		resp.ExtStatus = []cip.UINT{cip.ExtStatusConnMgrNoMoreConns}
		return nil
	}

	otConnID := uint32(fo.OTConnectionID)
	if otConnID == 0 {
		cm.connIDSeq++
		otConnID = 0x80000000 | cm.connIDSeq
	}
	cm.connIDSeq++
	toConnID := 0x80000000 | cm.connIDSeq

	// Watchdog is armed from the consumed (O->T) RPI, not the produced
	// (T->O) one: = (RPI in ms * 4) << timeout_multiplier, Vol1 3-5.4.3;
	// kept in microseconds so Tick's elapsed-usecs step needs no
	// conversion.
	rpiMs := uint32(fo.OTRPI) / 1000
	watchdogUsecs := (rpiMs * 4) << uint(fo.ConnectionTimeoutMultiplier) * 1000

	*slot = Connection{
		Triad:            triad,
		Class:            class,
		State:            StateEstablished,
		OTConnectionID:   otConnID,
		TOConnectionID:   toConnID,
		OTAssembly:       otPath.InstanceOrConnPt(),
		TOAssembly:       toPath.InstanceOrConnPt(),
		OTRPIUsecs:       uint32(fo.OTRPI),
		TORPIUsecs:       uint32(fo.TORPI),
		WatchdogUsecs:    watchdogUsecs,
		UsecsRemaining:   int64(watchdogUsecs),
		NextProduceUsecs: int64(fo.TORPI),
	}
	cm.byOT[otConnID] = slot
	cm.byTO[toConnID] = slot
	cm.lastOpened = slot

	w := bytebuf.NewWriter(make([]byte, 32))
	w.PutU32(otConnID).PutU32(toConnID)
	w.PutU16(uint16(fo.ConnectionSerialNumber)).PutU16(uint16(fo.VendorID)).PutU32(uint32(fo.OriginatorSerialNumber))
	w.PutU32(uint32(fo.OTRPI)).PutU32(uint32(fo.TORPI))
	w.PutU8(0).PutU8(0) // application reply size, reserved
	resp.Data = append(resp.Data, w.Bytes()...)
	resp.GeneralStatus = cip.StatusSuccess
	return nil
}

func (cm *ConnectionManager) handleForwardClose(req *registry.Request, resp *registry.Response) error {
	r := bytebuf.NewReader(req.Data)

	var fc ForwardCloseRequest
	fc.PriorityTimeTick = cip.BYTE(r.GetU8())
	fc.TimeoutTicks = cip.USINT(r.GetU8())
	fc.ConnectionSerialNumber = cip.UINT(r.GetU16())
	fc.VendorID = cip.UINT(r.GetU16())
	fc.OriginatorSerialNumber = cip.UDINT(r.GetU32())
	pathWords := r.GetU8()
	r.Skip(1) // reserved
	fc.ConnectionPath = r.Get(int(pathWords) * 2)

	if r.Err() != nil {
		resp.GeneralStatus = cip.StatusNotEnoughData
		return nil
	}

	triad := Triad{
		ConnectionSerialNumber: uint16(fc.ConnectionSerialNumber),
		VendorID:               uint16(fc.VendorID),
		OriginatorSerialNumber: uint32(fc.OriginatorSerialNumber),
	}

	conn := cm.findByTriad(triad)
	if conn == nil {
		resp.GeneralStatus = cip.StatusConnectionFailure
		resp.ExtStatus = []cip.UINT{cip.ExtStatusConnMgrConnNotFoundAtTarget}
		return nil
	}
	cm.remove(conn)

	w := bytebuf.NewWriter(make([]byte, 16))
	w.PutU16(uint16(fc.ConnectionSerialNumber)).PutU16(uint16(fc.VendorID)).PutU32(uint32(fc.OriginatorSerialNumber))
	w.PutU8(0).PutU8(0)
	resp.Data = append(resp.Data, w.Bytes()...)
	resp.GeneralStatus = cip.StatusSuccess
	return nil
}

func (cm *ConnectionManager) remove(conn *Connection) {
	delete(cm.byOT, conn.OTConnectionID)
	delete(cm.byTO, conn.TOConnectionID)
	*conn = Connection{}
}

// TakeLastOpened returns and clears the connection most recently
// established by Forward-Open, letting the network handler learn which
// transport-level socket address to produce cyclic data to without
// connmgr needing to know about transports itself.
func (cm *ConnectionManager) TakeLastOpened() *Connection {
	c := cm.lastOpened
	cm.lastOpened = nil
	return c
}

// Counts returns the number of currently established connections in each
// pool, for gauge metrics.
func (cm *ConnectionManager) Counts() (class1, class3 int) {
	for i := range cm.class1Pool {
		if cm.class1Pool[i].State == StateEstablished {
			class1++
		}
	}
	for i := range cm.class3Pool {
		if cm.class3Pool[i].State == StateEstablished {
			class3++
		}
	}
	return
}

// ByConsumedID looks up the connection that consumes data arriving under
// the given O->T connection id (the id the originator sends data with,
// us being the target/consumer of that data).
func (cm *ConnectionManager) ByConsumedID(id uint32) *Connection { return cm.byOT[id] }

// ByProducedID looks up the connection whose T->O connection id we
// produce data under.
func (cm *ConnectionManager) ByProducedID(id uint32) *Connection { return cm.byTO[id] }

// Tick advances every active connection's watchdog by elapsedUsecs and
// returns the connections that just timed out, removing them from the
// pools. The network handler calls this once per TIMER_TICK. Each
// returned *Connection is a snapshot taken before the pool slot is
// cleared for reuse, since remove zeroes the slot in place.
func (cm *ConnectionManager) Tick(elapsedUsecs int64) []*Connection {
	var timedOut []*Connection
	for _, pool := range [][]Connection{cm.class1Pool, cm.class3Pool} {
		for i := range pool {
			c := &pool[i]
			if c.State != StateEstablished {
				continue
			}
			c.UsecsRemaining -= elapsedUsecs
			if c.UsecsRemaining <= 0 {
				c.State = StateTimedOut
				snapshot := *c
				timedOut = append(timedOut, &snapshot)
				cm.remove(c)
			}
		}
	}
	return timedOut
}

// NoteActivity resets a connection's watchdog, called whenever connected
// data arrives under its O->T connection id.
func (cm *ConnectionManager) NoteActivity(conn *Connection) {
	conn.UsecsRemaining = int64(conn.WatchdogUsecs)
}

// DueForProduction advances every Class 1 connection's production timer
// by elapsedUsecs and returns those whose RPI just elapsed, resetting
// their timer — the network handler's cyclic-send driver.
func (cm *ConnectionManager) DueForProduction(elapsedUsecs int64) []*Connection {
	var due []*Connection
	for i := range cm.class1Pool {
		c := &cm.class1Pool[i]
		if c.State != StateEstablished {
			continue
		}
		c.NextProduceUsecs -= elapsedUsecs
		if c.NextProduceUsecs <= 0 {
			due = append(due, c)
			c.NextProduceUsecs += int64(c.TORPIUsecs)
		}
	}
	return due
}
