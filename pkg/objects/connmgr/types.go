package connmgr

import (
	"github.com/cip-forge/enip-adapter/pkg/cip"
	"github.com/cip-forge/enip-adapter/pkg/sockaddr"
)

// Service codes (Vol1 3-5.5).
const (
	ServiceForwardOpen      cip.USINT = 0x54
	ServiceLargeForwardOpen cip.USINT = 0x5B
	ServiceForwardClose     cip.USINT = 0x4E
)

// TransportClass extracts the transport class trigger's connection class
// (bits 0-3 of the trigger byte, Vol1 Table 3-5.13): we only distinguish
// Class 1 (cyclic I/O) from everything else, which is served as Class 3.
type TransportClass int

const (
	TransportClass3 TransportClass = 3
	TransportClass1 TransportClass = 1
)

func transportClassOf(trigger cip.BYTE) TransportClass {
	if trigger&0x0f == 1 {
		return TransportClass1
	}
	return TransportClass3
}

// State is the connection's position in the Vol1 3-5.3 state machine.
type State int

const (
	StateNonExistent State = iota
	StateEstablished
	StateTimedOut
)

// Triad is the (serial, vendor, originator serial) tuple Vol1 3-5.5.2
// uses to identify a connection independent of its connection ids —
// needed because Forward-Close carries no connection id, only the triad.
type Triad struct {
	ConnectionSerialNumber uint16
	VendorID               uint16
	OriginatorSerialNumber uint32
}

// ForwardOpenRequest is the Vol1 Table 3-5.16 request structure shared
// (modulo the 16- vs 32-bit network connection params) by Forward-Open
// and Large-Forward-Open.
type ForwardOpenRequest struct {
	PriorityTimeTick            cip.BYTE
	TimeoutTicks                cip.USINT
	OTConnectionID              cip.UDINT
	TOConnectionID              cip.UDINT
	ConnectionSerialNumber      cip.UINT
	VendorID                    cip.UINT
	OriginatorSerialNumber      cip.UDINT
	ConnectionTimeoutMultiplier cip.USINT
	OTRPI                       cip.UDINT
	OTNetworkConnectionParams   cip.UDINT
	TORPI                       cip.UDINT
	TONetworkConnectionParams   cip.UDINT
	TransportTypeTrigger        cip.BYTE
	ConnectionPath              []byte
}

// ForwardCloseRequest is the Vol1 Table 3-5.19 request structure.
type ForwardCloseRequest struct {
	PriorityTimeTick       cip.BYTE
	TimeoutTicks           cip.USINT
	ConnectionSerialNumber cip.UINT
	VendorID               cip.UINT
	OriginatorSerialNumber cip.UDINT
	ConnectionPath         []byte
}

// Connection is one established (or timed-out, pending cleanup)
// CIP connection, Class 1 or Class 3.
type Connection struct {
	Triad   Triad
	Class   TransportClass
	State   State

	OTConnectionID uint32 // consumed by us
	TOConnectionID uint32 // produced by us

	OTAssembly uint32 // which assembly instance receives consumed data
	TOAssembly uint32 // which assembly instance supplies produced data

	// TOAddr is where produced (T->O) cyclic datagrams are sent; the
	// network handler fills this in from the TCP peer address of the
	// Forward-Open with port 2222; a Sockaddr Info CPF item in the
	// request is not read.
	TOAddr sockaddr.SockAddr

	OTRPIUsecs uint32
	TORPIUsecs uint32

	// WatchdogUsecs is (OTRPI in ms * 4) << TimeoutMultiplier, in
	// microseconds, Vol1 3-5.4.3; UsecsRemaining counts down in
	// microseconds on each network-handler TIMER_TICK and resets on any
	// received packet belonging to this connection.
	WatchdogUsecs  uint32
	UsecsRemaining int64

	// NextProduceUsecs counts down to the next cyclic production for
	// Class 1 connections; unused for Class 3.
	NextProduceUsecs int64
}
