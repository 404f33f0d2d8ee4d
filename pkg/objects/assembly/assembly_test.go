package assembly

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cip-forge/enip-adapter/internal/hooks"
	"github.com/cip-forge/enip-adapter/pkg/cip"
	"github.com/cip-forge/enip-adapter/pkg/cip/registry"
)

type fakeApp struct {
	hooks.Default
	receivedID   uint32
	receivedData []byte
	receiveErr   error
	produceOK    bool
}

func (a *fakeApp) AfterAssemblyDataReceived(id uint32, data []byte) error {
	a.receivedID = id
	a.receivedData = append([]byte(nil), data...)
	return a.receiveErr
}

func (a *fakeApp) BeforeAssemblyDataSend(id uint32, data []byte) bool {
	return a.produceOK
}

func TestCreateInstanceAndAttributeRoundTrip(t *testing.T) {
	_, obj := New(&fakeApp{})
	inst := obj.CreateInstance(100, 4)
	assert.Equal(t, uint32(100), inst.ID)
	assert.Len(t, inst.Data, 4)

	ri := obj.class.Instance(100)
	require.NotNil(t, ri)

	dataAttr := ri.Attribute(attrData)
	sizeAttr := ri.Attribute(attrSize)
	require.NotNil(t, dataAttr)
	require.NotNil(t, sizeAttr)

	resp := &registry.Response{}
	require.NoError(t, sizeAttr.Get(&registry.Request{}, resp))
	assert.Equal(t, []byte{4, 0}, resp.Data)

	resp = &registry.Response{}
	require.NoError(t, dataAttr.Set(&registry.Request{Data: []byte{1, 2, 3, 4}}, resp))
	assert.Equal(t, []byte{1, 2, 3, 4}, inst.Data)
}

func TestSetAttributeDataWrongSizeRejected(t *testing.T) {
	_, obj := New(&fakeApp{})
	obj.CreateInstance(1, 4)
	ri := obj.class.Instance(1)
	dataAttr := ri.Attribute(attrData)

	resp := &registry.Response{}
	require.NoError(t, dataAttr.Set(&registry.Request{Data: []byte{1, 2}}, resp))
	assert.Equal(t, cip.StatusNotEnoughData, resp.GeneralStatus)
}

func TestSetAttributeDataFiresHookAndPropagatesFailure(t *testing.T) {
	app := &fakeApp{receiveErr: errors.New("not ready")}
	_, obj := New(app)
	obj.CreateInstance(1, 2)
	ri := obj.class.Instance(1)
	dataAttr := ri.Attribute(attrData)

	resp := &registry.Response{}
	require.NoError(t, dataAttr.Set(&registry.Request{Data: []byte{9, 9}}, resp))
	assert.Equal(t, cip.StatusDeviceStateConflict, resp.GeneralStatus)
	assert.Equal(t, uint32(1), app.receivedID)
	assert.Equal(t, []byte{9, 9}, app.receivedData)
}

func TestProduceHonorsBeforeAssemblyDataSendVeto(t *testing.T) {
	app := &fakeApp{produceOK: false}
	_, obj := New(app)
	obj.CreateInstance(1, 2)

	data, ok := obj.Produce(1)
	assert.False(t, ok)
	assert.Nil(t, data)

	app.produceOK = true
	inst := obj.Instance(1)
	inst.Data = []byte{5, 6}
	data, ok = obj.Produce(1)
	assert.True(t, ok)
	assert.Equal(t, []byte{5, 6}, data)
}

func TestProduceUnknownInstance(t *testing.T) {
	_, obj := New(&fakeApp{})
	_, ok := obj.Produce(99)
	assert.False(t, ok)
}

func TestConsumeWritesDataAndFiresHook(t *testing.T) {
	app := &fakeApp{}
	_, obj := New(app)
	obj.CreateInstance(1, 3)

	require.NoError(t, obj.Consume(1, []byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, obj.Instance(1).Data)
	assert.Equal(t, uint32(1), app.receivedID)
}

func TestConsumeUnknownInstance(t *testing.T) {
	_, obj := New(&fakeApp{})
	err := obj.Consume(99, []byte{1})
	require.Error(t, err)
	var cerr cip.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, cip.StatusObjectDoesNotExist, cerr.Status)
}

func TestConsumeWrongSizeRejected(t *testing.T) {
	_, obj := New(&fakeApp{})
	obj.CreateInstance(1, 4)
	err := obj.Consume(1, []byte{1, 2})
	require.Error(t, err)
}

func TestCreateInstanceReplacesExistingID(t *testing.T) {
	_, obj := New(&fakeApp{})
	first := obj.CreateInstance(1, 2)
	second := obj.CreateInstance(1, 4)
	assert.NotSame(t, first, second)
	assert.Same(t, second, obj.Instance(1))
}
