// Package hooks defines the application extension points a concrete
// device built on this adapter implements: initialization, per-I/O-tick
// assembly data exchange, device reset, idle-state notification, and
// connection lifecycle events. These mirror CIPster's application.cc
// callback surface (ApplicationInitialization, AfterAssemblyDataReceived,
// BeforeAssemblyDataSend, ResetDevice, RunIdleChanged,
// NotifyIoConnectionEvent) translated from C function pointers into a Go
// interface a device implementation satisfies.
package hooks

// ConnectionEvent enumerates the lifecycle transitions
// NotifyIoConnectionEvent reports.
type ConnectionEvent int

const (
	ConnectionEventOpened ConnectionEvent = iota
	ConnectionEventTimedOut
	ConnectionEventClosed
)

// ResetKind distinguishes the Identity object's two reset services.
type ResetKind int

const (
	// ResetDevice is Identity service Reset with parameter 0: restart
	// with the current configuration.
	ResetDevice ResetKind = iota
	// ResetToInitialConfiguration is Identity service Reset with
	// parameter 1: restart with factory-default configuration.
	ResetToInitialConfiguration
)

// Application is implemented by the concrete device. Every method may be
// a no-op; Default below provides exactly that for embedding.
type Application interface {
	// Initialize runs once after the registry is built and before the
	// network handler starts accepting connections.
	Initialize() error

	// AfterAssemblyDataReceived runs after an O->T (output) assembly
	// instance's Data attribute is overwritten, whether by an explicit
	// SetAttributeSingle or by a Class 1 connection's cyclic consumption.
	AfterAssemblyDataReceived(instanceID uint32, data []byte) error

	// BeforeAssemblyDataSend runs immediately before a T->O (input)
	// assembly instance's Data is read for a cyclic production, so the
	// device can refresh it in place; an explicit GetAttributeSingle of
	// the Data attribute does not call it. Returning false
	// for ok suppresses the production (RunIdleChanged-adjacent use: a
	// device not yet ready to produce).
	BeforeAssemblyDataSend(instanceID uint32, data []byte) (ok bool)

	// Reset is invoked by Identity service Reset (codes 0 and 1).
	Reset(kind ResetKind) error

	// RunIdleChanged reports the Run/Idle header bit carried in Class 1
	// O->T cyclic data (Vol1 3-5.5.2); running is the bit's value.
	RunIdleChanged(running bool)

	// NotifyIoConnectionEvent reports Forward-Open and watchdog-timeout
	// transitions for a connection of any transport class, identified by
	// its O->T connection id. A Forward-Close is not reported.
	NotifyIoConnectionEvent(connectionID uint32, event ConnectionEvent)
}

// Default implements Application as all no-ops; device code embeds this
// and overrides only the hooks it needs.
type Default struct{}

func (Default) Initialize() error                                    { return nil }
func (Default) AfterAssemblyDataReceived(uint32, []byte) error        { return nil }
func (Default) BeforeAssemblyDataSend(uint32, []byte) bool            { return true }
func (Default) Reset(ResetKind) error                                 { return nil }
func (Default) RunIdleChanged(bool)                                   {}
func (Default) NotifyIoConnectionEvent(uint32, ConnectionEvent)       {}
