package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cip-forge/enip-adapter/internal/hooks"
	"github.com/cip-forge/enip-adapter/pkg/cip"
	"github.com/cip-forge/enip-adapter/pkg/cip/registry"
)

type fakeApp struct {
	hooks.Default
	lastReset hooks.ResetKind
	resetErr  error
	resetN    int
}

func (a *fakeApp) Reset(kind hooks.ResetKind) error {
	a.lastReset = kind
	a.resetN++
	return a.resetErr
}

func getAttr(t *testing.T, inst *registry.Instance, id uint32) []byte {
	t.Helper()
	attr := inst.Attribute(id)
	require.NotNil(t, attr)
	resp := &registry.Response{}
	require.NoError(t, attr.Get(&registry.Request{}, resp))
	return resp.Data
}

func TestNewInstallsAttributesAndRemovesSet(t *testing.T) {
	class, id := New(&fakeApp{}, 1, 2, 3, 4, 5, 0xAABBCCDD, "widget")
	assert.Equal(t, uint16(1), id.VendorID)

	inst := class.Instance(1)
	require.NotNil(t, inst)

	assert.Equal(t, []byte{1, 0}, getAttr(t, inst, 1))
	assert.Equal(t, []byte{2, 0}, getAttr(t, inst, 2))
	assert.Equal(t, []byte{3, 0}, getAttr(t, inst, 3))
	assert.Equal(t, []byte{4, 5}, getAttr(t, inst, 4))
	assert.Equal(t, []byte{0xDD, 0xCC, 0xBB, 0xAA}, getAttr(t, inst, 6))
	assert.Equal(t, append([]byte{6}, []byte("widget")...), getAttr(t, inst, 7))

	assert.Nil(t, class.Service(cip.ServiceSetAttributeSingle))
	require.NotNil(t, class.Service(cip.ServiceGetAttributeSingle))
}

func TestResetServiceDefaultsToResetDevice(t *testing.T) {
	app := &fakeApp{}
	class, _ := New(app, 1, 2, 3, 4, 5, 6, "d")
	inst := class.Instance(1)

	svc := class.Service(ServiceReset)
	require.NotNil(t, svc)

	resp := &registry.Response{}
	require.NoError(t, svc.Func(inst, &registry.Request{Data: nil}, resp))
	assert.Equal(t, hooks.ResetDevice, app.lastReset)
	assert.Equal(t, cip.StatusDeviceStateConflict, resp.GeneralStatus)
}

func TestResetServiceToInitialConfiguration(t *testing.T) {
	app := &fakeApp{}
	class, _ := New(app, 1, 2, 3, 4, 5, 6, "d")
	inst := class.Instance(1)
	svc := class.Service(ServiceReset)

	resp := &registry.Response{}
	require.NoError(t, svc.Func(inst, &registry.Request{Data: []byte{1}}, resp))
	assert.Equal(t, hooks.ResetToInitialConfiguration, app.lastReset)
}

func TestResetServiceInvalidParameter(t *testing.T) {
	app := &fakeApp{}
	class, _ := New(app, 1, 2, 3, 4, 5, 6, "d")
	inst := class.Instance(1)
	svc := class.Service(ServiceReset)

	resp := &registry.Response{}
	require.NoError(t, svc.Func(inst, &registry.Request{Data: []byte{9}}, resp))
	assert.Equal(t, cip.StatusInvalidAttributeValue, resp.GeneralStatus)
	assert.Equal(t, 0, app.resetN)
}
