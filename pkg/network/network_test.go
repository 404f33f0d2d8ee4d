package network

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cip-forge/enip-adapter/internal/hooks"
	"github.com/cip-forge/enip-adapter/internal/logging"
	"github.com/cip-forge/enip-adapter/internal/metrics"
	"github.com/cip-forge/enip-adapter/pkg/bytebuf"
	"github.com/cip-forge/enip-adapter/pkg/cip"
	"github.com/cip-forge/enip-adapter/pkg/cip/epath"
	"github.com/cip-forge/enip-adapter/pkg/eip"
	"github.com/cip-forge/enip-adapter/pkg/objects/assembly"
	"github.com/cip-forge/enip-adapter/pkg/objects/connmgr"
	"github.com/cip-forge/enip-adapter/pkg/objects/identity"
	"github.com/cip-forge/enip-adapter/pkg/router"
	"github.com/cip-forge/enip-adapter/pkg/sockaddr"
)

// newTestHandler wires a full Handler against a real router/registry, the
// way cmd/adapter does, and starts the engine loop so h.submit works.
func newTestHandler(t *testing.T) (*Handler, *connmgr.ConnectionManager, *assembly.Object) {
	t.Helper()

	r := router.New()

	idClass, id := identity.New(hooks.Default{}, 1, 2, 3, 1, 0, 0xAABBCCDD, "Test Device")
	r.Register(idClass)

	keySource := func() (vendorID, deviceType, productCode uint16, major, minor uint8) {
		return 1, 2, 3, 1, 0
	}
	cmClass, cm := connmgr.New(1, 1, keySource)
	r.Register(cmClass)

	asmClass, asm := assembly.New(hooks.Default{})
	r.Register(asmClass)
	asm.CreateInstance(100, 4)
	asm.CreateInstance(101, 4)

	h := New(r, cm, asm, id, hooks.Default{}, logging.Nop(), metrics.New())

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case fn := <-h.engineCh:
				fn()
			case <-stop:
				return
			}
		}
	}()
	t.Cleanup(func() { close(stop) })

	return h, cm, asm
}

func encodeRequestPath(service cip.USINT, classID, instanceID uint32, data []byte) []byte {
	var p epath.AppPath
	p.SetClass(classID)
	p.SetInstance(instanceID)
	pbuf := make([]byte, 16)
	pw := bytebuf.NewWriter(pbuf)
	p.Serialize(pw, epath.PackedEPath)
	path := pw.Bytes()

	w := bytebuf.NewWriter(make([]byte, 8+len(path)+len(data)))
	w.PutU8(uint8(service))
	w.PutU8(uint8(len(path) / 2))
	w.Put(path)
	w.Put(data)
	return w.Bytes()
}

func wrapSendRRData(unconnected []byte) []byte {
	cpf := eip.NewCommonPacketFormat(
		eip.NewCPFItem(eip.ItemIDNullAddress, nil),
		eip.NewCPFItem(eip.ItemIDUnconnectedMessage, unconnected),
	)
	cpfBytes, _ := cpf.Encode()
	out := make([]byte, 6+len(cpfBytes))
	copy(out[6:], cpfBytes)
	return out
}

func unwrapSendRRData(t *testing.T, out []byte) []byte {
	t.Helper()
	require.GreaterOrEqual(t, len(out), 6)
	cpf, err := eip.DecodeCommonPacketFormat(out[6:])
	require.NoError(t, err)
	item := cpf.FindItemByType(eip.ItemIDUnconnectedMessage)
	require.NotNil(t, item)
	return item.Data
}

func TestHandleSendRRDataDispatchesGetAttributeSingle(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := encodeRequestPath(cip.ServiceGetAttributeSingle, identity.ClassID, 1, []byte{1})
	out := h.handleSendRRData(wrapSendRRData(req), &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 12345})

	reply := unwrapSendRRData(t, out)
	require.Len(t, reply, 6)
	assert.Equal(t, byte(cip.ServiceGetAttributeSingle|cip.ServiceReplyMask), reply[0])
	assert.Equal(t, byte(cip.StatusSuccess), reply[2])
	assert.Equal(t, []byte{1, 0}, reply[4:6]) // vendorID = 1
}

func buildForwardOpenBody(serial, vendorID uint16, originatorSerial uint32, assemblyInst uint32, trigger byte) []byte {
	var p epath.AppPath
	p.SetClass(uint32(cip.ClassAssembly))
	p.SetInstance(assemblyInst)
	pbuf := make([]byte, 16)
	pw := bytebuf.NewWriter(pbuf)
	p.Serialize(pw, epath.PackedEPath)
	path := pw.Bytes()

	w := bytebuf.NewWriter(make([]byte, 64))
	w.PutU8(0).PutU8(10)
	w.PutU32(0)
	w.PutU32(0x12345678)
	w.PutU16(serial)
	w.PutU16(vendorID)
	w.PutU32(originatorSerial)
	w.PutU8(3)
	w.Put([]byte{0, 0, 0})
	w.PutU32(10000000)
	w.PutU16(0)
	w.PutU32(10000000)
	w.PutU16(0)
	w.PutU8(trigger)
	w.PutU8(uint8(len(path) / 2))
	w.Put(path)
	return w.Bytes()
}

func TestHandleSendRRDataOpensConnectionAndFillsTOAddr(t *testing.T) {
	h, cm, _ := newTestHandler(t)

	body := buildForwardOpenBody(1, 1, 0xAABBCCDD, 100, 3)
	req := encodeRequestPath(connmgr.ServiceForwardOpen, connmgr.ClassID, 1, body)

	remote := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 12345}
	out := h.handleSendRRData(wrapSendRRData(req), remote)

	reply := unwrapSendRRData(t, out)
	require.GreaterOrEqual(t, len(reply), 4)
	assert.Equal(t, byte(cip.StatusSuccess), reply[2])

	opened := cm.ByConsumedID(binaryLEUint32(reply[4:8]))
	require.NotNil(t, opened)
	assert.Equal(t, sockaddr.New(cyclicIOPort, 0x0A000005), opened.TOAddr)
}

func binaryLEUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func TestHandleSendUnitDataRoutesConnectedMessage(t *testing.T) {
	h, cm, _ := newTestHandler(t)

	body := buildForwardOpenBody(2, 1, 2, 100, 3)
	openReq := encodeRequestPath(connmgr.ServiceForwardOpen, connmgr.ClassID, 1, body)
	h.handleSendRRData(wrapSendRRData(openReq), &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1})

	opened := cm.TakeLastOpened()
	require.NotNil(t, opened)

	pdu := encodeRequestPath(cip.ServiceGetAttributeSingle, identity.ClassID, 1, []byte{1})

	addrData := make([]byte, 4)
	binary.LittleEndian.PutUint32(addrData, opened.OTConnectionID)
	dataBuf := make([]byte, 2+len(pdu))
	copy(dataBuf[2:], pdu)

	cpf := eip.NewCommonPacketFormat(
		eip.NewCPFItem(eip.ItemIDConnectedAddress, addrData),
		eip.NewCPFItem(eip.ItemIDConnectedData, dataBuf),
	)
	cpfBytes, _ := cpf.Encode()
	data := make([]byte, 6+len(cpfBytes))
	copy(data[6:], cpfBytes)

	out := h.handleSendUnitData(data)
	require.NotNil(t, out)

	respCPF, err := eip.DecodeCommonPacketFormat(out[6:])
	require.NoError(t, err)
	item := respCPF.FindItemByType(eip.ItemIDConnectedData)
	require.NotNil(t, item)
	reply := item.Data[2:]
	assert.Equal(t, byte(cip.StatusSuccess), reply[2])
}

func TestHandleSendUnitDataUnknownConnectionReturnsNil(t *testing.T) {
	h, _, _ := newTestHandler(t)

	addrData := make([]byte, 4)
	binary.LittleEndian.PutUint32(addrData, 0xDEAD)
	dataBuf := []byte{0, 0}

	cpf := eip.NewCommonPacketFormat(
		eip.NewCPFItem(eip.ItemIDConnectedAddress, addrData),
		eip.NewCPFItem(eip.ItemIDConnectedData, dataBuf),
	)
	cpfBytes, _ := cpf.Encode()
	data := make([]byte, 6+len(cpfBytes))
	copy(data[6:], cpfBytes)

	out := h.handleSendUnitData(data)
	assert.Nil(t, out)
}

func TestHandleCyclicDatagramConsumesIntoAssembly(t *testing.T) {
	h, cm, asm := newTestHandler(t)

	body := buildForwardOpenBody(3, 1, 3, 100, 1) // Class 1
	openReq := encodeRequestPath(connmgr.ServiceForwardOpen, connmgr.ClassID, 1, body)
	h.handleSendRRData(wrapSendRRData(openReq), &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1})

	opened := cm.TakeLastOpened()
	require.NotNil(t, opened)

	addrData := make([]byte, 4)
	binary.LittleEndian.PutUint32(addrData, opened.OTConnectionID)
	payload := []byte{0, 0, 9, 9, 9, 9} // seq count + 4 bytes of Class 1 data
	dataBuf := payload

	cpf := eip.NewCommonPacketFormat(
		eip.NewCPFItem(eip.ItemIDConnectedAddress, addrData),
		eip.NewCPFItem(eip.ItemIDConnectedData, dataBuf),
	)
	cpfBytes, _ := cpf.Encode()

	h.handleCyclicDatagram(cpfBytes)

	assert.Equal(t, []byte{9, 9, 9, 9}, asm.Instance(100).Data)
}

func TestListServicesReplyRoundTrips(t *testing.T) {
	h, _, _ := newTestHandler(t)
	data := h.listServicesReply()
	items, err := eip.DecodeListServicesResponse(data)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Communications", items[0].Name)
}

func TestListIdentityReplyRoundTrips(t *testing.T) {
	h, _, _ := newTestHandler(t)
	local := &net.TCPAddr{IP: net.ParseIP("192.168.1.50"), Port: int(eipPort)}
	data := h.listIdentityReply(local)

	items, err := eip.DecodeListIdentityResponse(data)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, uint16(1), items[0].VendorID)
	assert.Equal(t, "Test Device", items[0].ProductName)
	assert.Equal(t, stateOperational, items[0].State)
}

func TestDrainConsumesAndDiscardsFixedBytes(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	go c2.Write(payload)

	require.NoError(t, drain(c1, len(payload)))
}

func TestAddrToSockAddr(t *testing.T) {
	a := &net.TCPAddr{IP: net.ParseIP("192.168.1.101"), Port: 44818}
	sa := addrToSockAddr(a, cyclicIOPort)
	assert.Equal(t, uint32(0xC0A80165), sa.Addr())
	assert.Equal(t, cyclicIOPort, sa.Port())
}

func TestAddrToSockAddrRejectsIPv6(t *testing.T) {
	a := &net.TCPAddr{IP: net.ParseIP("::1"), Port: 1}
	sa := addrToSockAddr(a, 1)
	assert.Equal(t, sockaddr.SockAddr{}, sa)
}

func TestRecordRequestHandlesFailureStatusWithoutPanic(t *testing.T) {
	h, _, _ := newTestHandler(t)
	request := []byte{byte(cip.ServiceGetAttributeSingle), 0}
	reply := []byte{byte(cip.ServiceGetAttributeSingle | cip.ServiceReplyMask), 0, byte(cip.StatusPathDestinationUnknown), 0}
	h.recordRequest(request, reply) // must not panic with a non-zero status
}

func TestTickTimesOutConnectionAndRemovesIt(t *testing.T) {
	h, cm, _ := newTestHandler(t)

	body := buildForwardOpenBody(4, 1, 4, 101, 3)
	openReq := encodeRequestPath(connmgr.ServiceForwardOpen, connmgr.ClassID, 1, body)
	h.handleSendRRData(wrapSendRRData(openReq), &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1})

	opened := cm.TakeLastOpened()
	require.NotNil(t, opened)

	// Drive enough ticks to exceed the watchdog.
	ticks := int(opened.WatchdogUsecs/uint32(TimerTick/time.Microsecond)) + 2
	for i := 0; i < ticks; i++ {
		h.submit(h.tick)
	}

	class1, class3 := cm.Counts()
	assert.Equal(t, 0, class1+class3)
}

func TestProduceSkipsWithoutCyclicSocket(t *testing.T) {
	h, _, asm := newTestHandler(t)
	asm.CreateInstance(200, 2)

	conn := &connmgr.Connection{
		TOAssembly:     200,
		TOConnectionID: 1,
		TOAddr:         sockaddr.New(cyclicIOPort, 0xC0A80101),
	}
	// No cyclicConn configured: produce must bail out before touching the
	// assembly, matching the nil-socket guard at the top of produce.
	h.produce(conn)
}

func TestProduceSendsCyclicDatagram(t *testing.T) {
	h, _, asm := newTestHandler(t)
	inst := asm.CreateInstance(200, 2)
	inst.Data = []byte{7, 8}

	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer serverConn.Close()

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer clientConn.Close()
	h.cyclicConn = clientConn

	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)
	toAddr := sockaddr.New(uint16(serverAddr.Port), 0x7F000001)

	conn := &connmgr.Connection{
		TOAssembly:     200,
		TOConnectionID: 0xAAAA,
		TOAddr:         toAddr,
	}
	h.produce(conn)

	buf := make([]byte, 64)
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := serverConn.Read(buf)
	require.NoError(t, err)

	cpf, err := eip.DecodeCommonPacketFormat(buf[:n])
	require.NoError(t, err)
	addrItem := cpf.FindItemByType(eip.ItemIDConnectedAddress)
	dataItem := cpf.FindItemByType(eip.ItemIDConnectedData)
	require.NotNil(t, addrItem)
	require.NotNil(t, dataItem)
	assert.Equal(t, uint32(0xAAAA), binaryLEUint32(addrItem.Data))
	assert.Equal(t, []byte{7, 8}, dataItem.Data[2:])
}
