// Package router implements the CIP Message Router (Vol1 2-4): it
// deserializes an unconnected/connected CIP request (service, request
// path, data), looks up the target class/instance in the registry,
// dispatches to the matching standard or custom service, and serializes
// the reply. It is the single entry point explicit messages enter the
// CIP object model through, whatever transport (encapsulation
// SendRRData/SendUnitData) carried them.
//
// Grounded on cipmessagerouter.h's CipMessageRouterRequest/
// CipMessageRouterResponse shapes; the .cc implementation was not part
// of the retrieved source, so NotifyMR's request/response field layout
// here follows Vol1 2-4.1/2-4.2 directly.
package router

import (
	"errors"

	"github.com/cip-forge/enip-adapter/pkg/bytebuf"
	"github.com/cip-forge/enip-adapter/pkg/cip"
	"github.com/cip-forge/enip-adapter/pkg/cip/epath"
	"github.com/cip-forge/enip-adapter/pkg/cip/registry"
)

// ErrMalformed names a request that cannot be parsed at all. Dispatch
// does not return it: a too-short request or a bad path gets a
// PathSegmentError reply.
var ErrMalformed = errors.New("router: malformed request")

// Router holds every registered class, sorted by id for binary search —
// RegisterCipClass's sorted-vector behavior.
type Router struct {
	classes []*registry.Class
}

// New returns an empty Router.
func New() *Router { return &Router{} }

// Register adds a class, keeping the slice sorted by ClassID. Re-
// registering the same id replaces the previous entry.
func (r *Router) Register(c *registry.Class) {
	i := search(r.classes, c.ClassID)
	if i < len(r.classes) && r.classes[i].ClassID == c.ClassID {
		r.classes[i] = c
		return
	}
	r.classes = append(r.classes, nil)
	copy(r.classes[i+1:], r.classes[i:])
	r.classes[i] = c
}

// Class returns the registered class with the given id, or nil.
func (r *Router) Class(id uint32) *registry.Class {
	i := search(r.classes, id)
	if i < len(r.classes) && r.classes[i].ClassID == id {
		return r.classes[i]
	}
	return nil
}

func search(classes []*registry.Class, id uint32) int {
	lo, hi := 0, len(classes)
	for lo < hi {
		mid := (lo + hi) / 2
		if classes[mid].ClassID < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// pathAccessor adapts an *epath.AppPath to registry.PathAccessor.
type pathAccessor struct{ p *epath.AppPath }

func (a pathAccessor) AttributeID() (uint32, bool) {
	if !a.p.HasAttribute() {
		return 0, false
	}
	return a.p.Attribute(), true
}

func (a pathAccessor) SetAttributeID(id uint32) { a.p.SetAttribute(id) }

// Dispatch parses one CIP request (service + request path + data,
// packed-EPATH encoded as every explicit message is, Vol1 C-1.4a) and
// returns the serialized reply: reply service, reserved byte, general
// status, size of additional status, additional status words, and
// response data, in that order (Vol1 2-4.2).
func (r *Router) Dispatch(request []byte) []byte {
	rd := bytebuf.NewReader(request)
	service := cip.USINT(rd.GetU8())
	pathWords := rd.GetU8()
	pathBytes := rd.Get(int(pathWords) * 2)
	if rd.Err() != nil {
		return encodeError(service, cip.StatusPathSegmentError, nil)
	}

	pr := bytebuf.NewReader(pathBytes)
	path, err := epath.DeserializeAppPath(pr, epath.PackedEPath, nil)
	if err != nil || !path.HasClass() {
		return encodeError(service, cip.StatusPathSegmentError, nil)
	}
	data := rd.Rest()

	class := r.Class(path.Class())
	if class == nil {
		return encodeError(service, cip.StatusObjectDoesNotExist, nil)
	}

	instID := path.InstanceOrConnPt()
	inst := class.Instance(instID)
	if inst == nil {
		return encodeError(service, cip.StatusPathDestinationUnknown, nil)
	}

	// Instance 0 is the class's own public instance; its services live on
	// the meta-class, not the class's own instance-service table
	// (CipClass vs. meta-CipClass in CIPster).
	svcTable := class
	if instID == 0 {
		svcTable = class.Meta
	}
	svc := svcTable.Service(service)
	if svc == nil {
		return encodeError(service, cip.StatusServiceNotSupported, nil)
	}

	req := &registry.Request{Service: service, Path: pathAccessor{path}, Data: data}
	resp := &registry.Response{}
	if err := svc.Func(inst, req, resp); err != nil {
		return encodeError(service, cip.StatusDeviceStateConflict, nil)
	}

	return encodeResponse(service, resp)
}

func encodeResponse(service cip.USINT, resp *registry.Response) []byte {
	out := make([]byte, 0, 4+len(resp.ExtStatus)*2+len(resp.Data))
	out = append(out, byte(service|cip.ServiceReplyMask), 0, byte(resp.GeneralStatus), byte(len(resp.ExtStatus)))
	for _, w := range resp.ExtStatus {
		out = append(out, byte(w), byte(w>>8))
	}
	out = append(out, resp.Data...)
	return out
}

func encodeError(service cip.USINT, status cip.USINT, ext []cip.UINT) []byte {
	return encodeResponse(service, &registry.Response{GeneralStatus: status, ExtStatus: ext})
}
