// Package network implements the EtherNet/IP network handler: the TCP
// explicit-messaging listener, the UDP sockets CIP discovery and cyclic
// I/O traffic arrive on, and the TIMER_TICK-driven scheduler that
// replaces the original single-threaded select() loop's
// ManageConnections pass.
//
// Grounded on original_source/examples/POSIX/networkhandler.cc: the
// socket set (one TCP, three UDP listeners bound unicast/local-
// broadcast/global-broadcast), the oversized-packet drain-and-discard
// policy (HandleDataOnTcpSocket), and the elapsed-microseconds
// TIMER_TICK loop (NetworkHandlerProcessOnce). The original's single
// select() thread is replaced by the single-engine-goroutine actor
// recorded in DESIGN.md's Resolved Open Questions: every per-socket
// goroutine here only parses and serializes bytes, handing decoded work
// to the engine goroutine as closures over a channel, so the CIP
// registry, connection table, and assembly store are still ever touched
// from exactly one goroutine.
package network

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cip-forge/enip-adapter/internal/config"
	"github.com/cip-forge/enip-adapter/internal/hooks"
	"github.com/cip-forge/enip-adapter/internal/logging"
	"github.com/cip-forge/enip-adapter/internal/metrics"
	"github.com/cip-forge/enip-adapter/pkg/cip"
	"github.com/cip-forge/enip-adapter/pkg/eip"
	"github.com/cip-forge/enip-adapter/pkg/objects/assembly"
	"github.com/cip-forge/enip-adapter/pkg/objects/connmgr"
	"github.com/cip-forge/enip-adapter/pkg/objects/identity"
	"github.com/cip-forge/enip-adapter/pkg/router"
	"github.com/cip-forge/enip-adapter/pkg/sockaddr"
	"github.com/cip-forge/enip-adapter/pkg/utils"
)

// maxBodySize is the fixed receive buffer HandleDataOnTcpSocket sizes its
// read against; a declared length beyond this is drained and discarded
// rather than rejected, so one oversized frame never forces a
// reconnect.
const maxBodySize = 4096

// TimerTick is the interval Tick/DueForProduction are driven at, matching
// CIPster's kOpenerTimerTickInMicroSeconds (2 ms).
const TimerTick = 2 * time.Millisecond

const (
	eipPort          uint16 = 44818
	cyclicIOPort     uint16 = 2222
	stateOperational byte   = 0x03
)

// Handler owns the CIP object model (via Router/ConnectionManager/
// Assembly) and serializes every access to it through engineCh.
type Handler struct {
	router  *router.Router
	connMgr *connmgr.ConnectionManager
	asm     *assembly.Object
	id      *identity.Identity
	app     hooks.Application
	log     logging.Logger
	metrics *metrics.Metrics

	engineCh chan func()

	cyclicConn *net.UDPConn

	sessions   map[eip.SessionHandle]struct{}
	sessionSeq uint32
}

// New builds a Handler. Call Serve to open sockets and run the engine
// loop; Serve blocks until stop is closed.
func New(r *router.Router, cm *connmgr.ConnectionManager, asm *assembly.Object, id *identity.Identity, app hooks.Application, log logging.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		router:   r,
		connMgr:  cm,
		asm:      asm,
		id:       id,
		app:      app,
		log:      log,
		metrics:  m,
		engineCh: make(chan func(), 256),
		sessions: make(map[eip.SessionHandle]struct{}),
	}
}

// submit hands fn to the engine goroutine and blocks until it has run.
func (h *Handler) submit(fn func()) {
	done := make(chan struct{})
	h.engineCh <- func() { fn(); close(done) }
	<-done
}

// Serve opens every configured socket and runs the engine loop until
// stop is closed.
func (h *Handler) Serve(cfg config.ListenConfig, stop <-chan struct{}) error {
	ln, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	go h.acceptLoop(ln)

	var udpConns []*net.UDPConn
	for _, addr := range []string{cfg.UDPUnicastAddr, cfg.UDPLocalBcastAddr, cfg.UDPGlobalBcastAddr} {
		if addr == "" {
			continue
		}
		c, err := listenUDP(addr)
		if err != nil {
			return err
		}
		udpConns = append(udpConns, c)
		go h.discoveryLoop(c)
	}
	defer func() {
		for _, c := range udpConns {
			c.Close()
		}
	}()

	if cfg.UDPCyclicAddr != "" {
		c, err := listenUDP(cfg.UDPCyclicAddr)
		if err != nil {
			return err
		}
		h.cyclicConn = c
		defer c.Close()
		go h.cyclicLoop(c)
	}

	ticker := time.NewTicker(TimerTick)
	defer ticker.Stop()
	go h.tickLoop(ticker.C, stop)

	for {
		select {
		case fn := <-h.engineCh:
			fn()
		case <-stop:
			return nil
		}
	}
}

func listenUDP(addr string) (*net.UDPConn, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", a)
}

// --- TCP explicit messaging ---

func (h *Handler) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go h.handleTCP(conn)
	}
}

func (h *Handler) handleTCP(conn net.Conn) {
	defer conn.Close()

	var session eip.SessionHandle
	registered := false

	for {
		var hdr eip.EncapsulationHeader
		if err := hdr.Decode(conn); err != nil {
			return
		}

		if int(hdr.Length) > maxBodySize {
			if err := drain(conn, int(hdr.Length)); err != nil {
				return
			}
			continue
		}

		body := make([]byte, hdr.Length)
		if hdr.Length > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
		}

		if registered && hdr.SessionHandle != 0 && hdr.SessionHandle != session {
			writeHeader(conn, hdr.Command, session, eip.StatusInvalidSessionHandle, hdr.SenderContext, nil)
			continue
		}

		switch hdr.Command {
		case eip.CommandNop:
			// no reply

		case eip.CommandRegisterSession:
			var reg eip.RegisterSessionData
			if err := reg.Decode(body); err != nil || reg.ProtocolVersion != 1 {
				writeHeader(conn, hdr.Command, 0, eip.StatusUnsupportedProtocol, hdr.SenderContext, nil)
				continue
			}
			if !registered {
				h.submit(func() {
					h.sessionSeq++
					session = eip.SessionHandle(h.sessionSeq)
					h.sessions[session] = struct{}{}
				})
				registered = true
				if h.metrics != nil {
					h.metrics.TCPSessionsTotal.Inc()
					h.metrics.ActiveTCPSessions.Inc()
				}
			}
			data, _ := eip.NewRegisterSessionData().Encode()
			writeHeader(conn, hdr.Command, session, eip.StatusSuccess, hdr.SenderContext, data)

		case eip.CommandUnregisterSession:
			if registered {
				h.submit(func() { delete(h.sessions, session) })
				if h.metrics != nil {
					h.metrics.ActiveTCPSessions.Dec()
				}
			}
			return

		case eip.CommandListServices:
			writeHeader(conn, hdr.Command, session, eip.StatusSuccess, hdr.SenderContext, h.listServicesReply())

		case eip.CommandListIdentity:
			writeHeader(conn, hdr.Command, session, eip.StatusSuccess, hdr.SenderContext, h.listIdentityReply(conn.LocalAddr()))

		case eip.CommandSendRRData:
			if !registered {
				writeHeader(conn, hdr.Command, session, eip.StatusInvalidSessionHandle, hdr.SenderContext, nil)
				continue
			}
			writeHeader(conn, hdr.Command, session, eip.StatusSuccess, hdr.SenderContext, h.handleSendRRData(body, conn.RemoteAddr()))

		case eip.CommandSendUnitData:
			if !registered {
				writeHeader(conn, hdr.Command, session, eip.StatusInvalidSessionHandle, hdr.SenderContext, nil)
				continue
			}
			writeHeader(conn, hdr.Command, session, eip.StatusSuccess, hdr.SenderContext, h.handleSendUnitData(body))

		default:
			writeHeader(conn, hdr.Command, session, eip.StatusInvalidCommand, hdr.SenderContext, nil)
		}
	}
}

// drain consumes and discards n bytes in bounded chunks — the
// HandleDataOnTcpSocket policy for a declared packet length beyond the
// fixed receive buffer: never close the connection, never error back to
// the peer, just read the oversized body away and resume framing on the
// same connection.
func drain(r io.Reader, n int) error {
	buf := make([]byte, 1024)
	for n > 0 {
		chunk := len(buf)
		if n < chunk {
			chunk = n
		}
		if _, err := io.ReadFull(r, buf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func writeHeader(w io.Writer, cmd eip.Command, session eip.SessionHandle, status uint32, ctx [8]byte, data []byte) {
	hdr := eip.EncapsulationHeader{
		Command:       cmd,
		Length:        uint16(len(data)),
		SessionHandle: session,
		Status:        status,
		SenderContext: ctx,
	}
	if err := hdr.Encode(w); err != nil {
		return
	}
	if len(data) > 0 {
		w.Write(data)
	}
}

func (h *Handler) handleSendRRData(data []byte, remote net.Addr) []byte {
	if len(data) < 6 {
		return nil
	}
	cpf, err := eip.DecodeCommonPacketFormat(data[6:])
	if err != nil {
		return nil
	}
	item := cpf.FindItemByType(eip.ItemIDUnconnectedMessage)
	if item == nil {
		return nil
	}

	var reply []byte
	h.submit(func() {
		reply = h.router.Dispatch(item.Data)
		if opened := h.connMgr.TakeLastOpened(); opened != nil {
			opened.TOAddr = addrToSockAddr(remote, cyclicIOPort)
			if h.app != nil {
				h.app.NotifyIoConnectionEvent(opened.OTConnectionID, hooks.ConnectionEventOpened)
			}
		}
	})
	h.recordRequest(item.Data, reply)

	respCPF := eip.NewCommonPacketFormat(
		eip.NewCPFItem(eip.ItemIDNullAddress, nil),
		eip.NewCPFItem(eip.ItemIDUnconnectedMessage, reply),
	)
	respData, _ := respCPF.Encode()
	out := make([]byte, 6+len(respData))
	copy(out[6:], respData)
	return out
}

func (h *Handler) handleSendUnitData(data []byte) []byte {
	if len(data) < 6 {
		return nil
	}
	cpf, err := eip.DecodeCommonPacketFormat(data[6:])
	if err != nil {
		return nil
	}
	addrItem := cpf.FindItemByType(eip.ItemIDConnectedAddress)
	dataItem := cpf.FindItemByType(eip.ItemIDConnectedData)
	if addrItem == nil || dataItem == nil || len(addrItem.Data) < 4 || len(dataItem.Data) < 2 {
		return nil
	}
	connID := binary.LittleEndian.Uint32(addrItem.Data)
	seq := dataItem.Data[0:2]
	pdu := dataItem.Data[2:]

	var reply []byte
	ok := false
	h.submit(func() {
		conn := h.connMgr.ByConsumedID(connID)
		if conn == nil {
			return
		}
		h.connMgr.NoteActivity(conn)
		reply = h.router.Dispatch(pdu)
		ok = true
	})
	if !ok {
		return nil
	}
	h.recordRequest(pdu, reply)

	respData := make([]byte, 0, 2+len(reply))
	respData = append(respData, seq...)
	respData = append(respData, reply...)

	respCPF := eip.NewCommonPacketFormat(
		eip.NewCPFItem(eip.ItemIDConnectedAddress, addrItem.Data),
		eip.NewCPFItem(eip.ItemIDConnectedData, respData),
	)
	out, _ := respCPF.Encode()
	final := make([]byte, 6+len(out))
	copy(final[6:], out)
	return final
}

// recordRequest attributes one dispatched explicit message to the
// requests-by-service/status counter, and Forward-Open/-Close requests
// additionally to their own extended-status counters.
func (h *Handler) recordRequest(request, reply []byte) {
	if h.metrics == nil || len(request) == 0 || len(reply) < 3 {
		return
	}
	service := cip.USINT(request[0])
	status := reply[2]
	h.metrics.RequestsTotal.WithLabelValues(fmt.Sprintf("0x%02x", byte(service)), fmt.Sprintf("0x%02x", status)).Inc()

	ext := uint16(0)
	if len(reply) >= 6 && reply[3] > 0 {
		ext = uint16(reply[4]) | uint16(reply[5])<<8
	}
	switch service {
	case connmgr.ServiceForwardOpen, connmgr.ServiceLargeForwardOpen:
		h.metrics.ForwardOpenTotal.WithLabelValues(fmt.Sprintf("0x%04x", ext)).Inc()
	case connmgr.ServiceForwardClose:
		h.metrics.ForwardCloseTotal.WithLabelValues(fmt.Sprintf("0x%04x", ext)).Inc()
	}

	if status != 0 && h.log != nil {
		h.log.Debugf("service 0x%02x failed, status 0x%02x, request:\n%s", byte(service), status, utils.HexDump(request))
	}
}

func addrToSockAddr(a net.Addr, port uint16) sockaddr.SockAddr {
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return sockaddr.SockAddr{}
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return sockaddr.SockAddr{}
	}
	addr := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
	return sockaddr.New(port, addr)
}

// --- UDP discovery (ListIdentity/ListServices, no session required) ---

func (h *Handler) discoveryLoop(conn *net.UDPConn) {
	buf := make([]byte, eip.HeaderSize+maxBodySize)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		h.handleDiscoveryFrame(conn, append([]byte(nil), buf[:n]...), remote)
	}
}

func (h *Handler) handleDiscoveryFrame(conn *net.UDPConn, data []byte, remote *net.UDPAddr) {
	if len(data) < eip.HeaderSize {
		return
	}
	var hdr eip.EncapsulationHeader
	if err := hdr.Decode(bytes.NewReader(data[:eip.HeaderSize])); err != nil {
		return
	}
	body := data[eip.HeaderSize:]
	if len(body) < int(hdr.Length) {
		return
	}

	var respData []byte
	switch hdr.Command {
	case eip.CommandListIdentity:
		respData = h.listIdentityReply(conn.LocalAddr())
	case eip.CommandListServices:
		respData = h.listServicesReply()
	default:
		return
	}

	var out bytes.Buffer
	reply := eip.EncapsulationHeader{
		Command:       hdr.Command,
		Length:        uint16(len(respData)),
		SessionHandle: hdr.SessionHandle,
		SenderContext: hdr.SenderContext,
	}
	if err := reply.Encode(&out); err != nil {
		return
	}
	out.Write(respData)
	conn.WriteToUDP(out.Bytes(), remote)
}

// listServicesReply builds the single ListServices item (Vol2 2-4.3.5):
// encapsulation protocol version, capability flags, and a fixed 16-byte
// ASCII service name.
func (h *Handler) listServicesReply() []byte {
	return eip.EncodeListServicesResponse(eip.CapabilityFlagCIPTCP | eip.CapabilityFlagCIPUDPClass0Or1)
}

// listIdentityReply builds the ListIdentity response (Vol2 2-4.3.1) from
// the live Identity object's attributes, reusing component H's
// EncodeListIdentityResponse rather than re-serializing the fields here.
func (h *Handler) listIdentityReply(local net.Addr) []byte {
	id := eip.Identity{
		VendorID:     h.id.VendorID,
		DeviceType:   h.id.DeviceType,
		ProductCode:  h.id.ProductCode,
		MajorRev:     h.id.MajorRev,
		MinorRev:     h.id.MinorRev,
		Status:       h.id.Status,
		SerialNumber: h.id.SerialNumber,
		ProductName:  h.id.ProductName,
		State:        stateOperational,
	}
	sa := addrToSockAddr(local, eipPort)
	return eip.EncodeListIdentityResponse(id, sa)
}

// --- UDP cyclic I/O (Class 1 connected data, no encapsulation header) ---

func (h *Handler) cyclicLoop(conn *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		h.handleCyclicDatagram(buf[:n])
	}
}

func (h *Handler) handleCyclicDatagram(data []byte) {
	cpf, err := eip.DecodeCommonPacketFormat(data)
	if err != nil {
		return
	}
	addrItem := cpf.FindItemByType(eip.ItemIDConnectedAddress)
	dataItem := cpf.FindItemByType(eip.ItemIDConnectedData)
	if addrItem == nil || dataItem == nil || len(addrItem.Data) < 4 || len(dataItem.Data) < 2 {
		return
	}
	connID := binary.LittleEndian.Uint32(addrItem.Data)
	payload := dataItem.Data[2:] // sequence count precedes Class 1 data

	h.submit(func() {
		conn := h.connMgr.ByConsumedID(connID)
		if conn == nil {
			return
		}
		h.connMgr.NoteActivity(conn)
		if err := h.asm.Consume(conn.OTAssembly, payload); err != nil && h.log != nil {
			h.log.Warnf("cyclic consume into assembly %d: %v", conn.OTAssembly, err)
		} else if h.metrics != nil {
			h.metrics.CyclicConsumedTotal.Inc()
		}
	})
}

// --- TIMER_TICK scheduler ---

func (h *Handler) tickLoop(c <-chan time.Time, stop <-chan struct{}) {
	for {
		select {
		case <-c:
			h.submit(h.tick)
		case <-stop:
			return
		}
	}
}

func (h *Handler) tick() {
	elapsed := int64(TimerTick / time.Microsecond)

	for _, conn := range h.connMgr.Tick(elapsed) {
		if h.log != nil {
			h.log.Infof("connection 0x%08x timed out", conn.OTConnectionID)
		}
		if h.app != nil {
			h.app.NotifyIoConnectionEvent(conn.OTConnectionID, hooks.ConnectionEventTimedOut)
		}
	}

	for _, conn := range h.connMgr.DueForProduction(elapsed) {
		h.produce(conn)
	}

	if h.metrics != nil {
		class1, class3 := h.connMgr.Counts()
		h.metrics.ActiveClass1Conns.Set(float64(class1))
		h.metrics.ActiveClass3Conns.Set(float64(class3))
	}
}

func (h *Handler) produce(conn *connmgr.Connection) {
	if h.cyclicConn == nil || conn.TOAddr.Addr() == 0 {
		return
	}
	data, ok := h.asm.Produce(conn.TOAssembly)
	if !ok {
		return
	}

	addrData := make([]byte, 4)
	binary.LittleEndian.PutUint32(addrData, conn.TOConnectionID)

	dataBuf := make([]byte, 2+len(data))
	copy(dataBuf[2:], data)

	cpf := eip.NewCommonPacketFormat(
		eip.NewCPFItem(eip.ItemIDConnectedAddress, addrData),
		eip.NewCPFItem(eip.ItemIDConnectedData, dataBuf),
	)
	payload, err := cpf.Encode()
	if err != nil {
		return
	}

	if _, err := h.cyclicConn.WriteToUDP(payload, conn.TOAddr.UDPAddr()); err == nil && h.metrics != nil {
		h.metrics.CyclicProducedTotal.Inc()
	}
}
