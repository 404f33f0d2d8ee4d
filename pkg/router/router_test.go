package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cip-forge/enip-adapter/pkg/bytebuf"
	"github.com/cip-forge/enip-adapter/pkg/cip"
	"github.com/cip-forge/enip-adapter/pkg/cip/epath"
	"github.com/cip-forge/enip-adapter/pkg/cip/registry"
)

func encodePathRequest(t *testing.T, service cip.USINT, classID, instanceID, attrID uint32, withAttr bool, data []byte) []byte {
	t.Helper()
	var p epath.AppPath
	p.SetClass(classID)
	p.SetInstance(instanceID)
	if withAttr {
		p.SetAttribute(attrID)
	}

	buf := make([]byte, 32)
	w := bytebuf.NewWriter(buf)
	p.Serialize(w, epath.PackedEPath)
	require.NoError(t, w.Err())
	pathBytes := w.Bytes()
	require.Equal(t, 0, len(pathBytes)%2)

	out := make([]byte, 0, 2+len(pathBytes)+len(data))
	out = append(out, byte(service), byte(len(pathBytes)/2))
	out = append(out, pathBytes...)
	out = append(out, data...)
	return out
}

func buildTestClass() (*registry.Class, *registry.Instance) {
	c := registry.NewClass(0x64, "Widget", 0, 1)
	inst := &registry.Instance{InstanceID: 1}
	inst.InsertAttribute(&registry.Attribute{
		ID:         1,
		Type:       cip.TypeUINT,
		GetableAll: true,
		Get: func(req *registry.Request, resp *registry.Response) error {
			resp.Data = []byte{0x2A, 0x00}
			return nil
		},
		Set: func(req *registry.Request, resp *registry.Response) error {
			return nil
		},
	})
	c.InsertInstance(inst)
	c.FinalizeGetAttributeAll()
	return c, inst
}

func TestDispatchGetAttributeSingle(t *testing.T) {
	r := New()
	class, _ := buildTestClass()
	r.Register(class)

	req := encodePathRequest(t, cip.ServiceGetAttributeSingle, 0x64, 1, 1, true, nil)
	reply := r.Dispatch(req)

	require.GreaterOrEqual(t, len(reply), 4)
	assert.Equal(t, byte(cip.ServiceGetAttributeSingle|cip.ServiceReplyMask), reply[0])
	assert.Equal(t, byte(cip.StatusSuccess), reply[2])
	assert.Equal(t, []byte{0x2A, 0x00}, reply[4:])
}

func TestDispatchUnknownClass(t *testing.T) {
	r := New()
	req := encodePathRequest(t, cip.ServiceGetAttributeSingle, 0x99, 1, 1, true, nil)
	reply := r.Dispatch(req)
	assert.Equal(t, byte(cip.StatusObjectDoesNotExist), reply[2])
}

func TestDispatchUnknownInstance(t *testing.T) {
	r := New()
	class, _ := buildTestClass()
	r.Register(class)

	req := encodePathRequest(t, cip.ServiceGetAttributeSingle, 0x64, 9, 1, true, nil)
	reply := r.Dispatch(req)
	assert.Equal(t, byte(cip.StatusPathDestinationUnknown), reply[2])
}

func TestDispatchUnknownService(t *testing.T) {
	r := New()
	class, _ := buildTestClass()
	r.Register(class)

	req := encodePathRequest(t, 0x7F, 0x64, 1, 1, true, nil)
	reply := r.Dispatch(req)
	assert.Equal(t, byte(cip.StatusServiceNotSupported), reply[2])
}

func TestDispatchMalformedRequestTooShort(t *testing.T) {
	r := New()
	reply := r.Dispatch([]byte{0x0E})
	assert.Equal(t, byte(cip.StatusPathSegmentError), reply[2])
}

func TestRegisterReplacesSameClassID(t *testing.T) {
	r := New()
	a := registry.NewClass(1, "A", 0, 1)
	b := registry.NewClass(1, "B", 0, 1)
	r.Register(a)
	r.Register(b)
	assert.Same(t, b, r.Class(1))
}

func TestRegisterKeepsSortedOrder(t *testing.T) {
	r := New()
	r.Register(registry.NewClass(5, "five", 0, 1))
	r.Register(registry.NewClass(1, "one", 0, 1))
	r.Register(registry.NewClass(3, "three", 0, 1))

	assert.NotNil(t, r.Class(1))
	assert.NotNil(t, r.Class(3))
	assert.NotNil(t, r.Class(5))
	assert.Nil(t, r.Class(2))
}
