package network

import (
	"time"
)

// ConnectionMachine is the per-connection state machine handed to
// RunConnectionDriver for single-stream transports. It owns a
// read/write buffer pair: the transport glue feeds socket bytes in
// through InjectData and flushes DrainWrite back out, while the driver
// drives Advance/PullMessage/Inject against the coordinator.
//
// Frames are length-prefixed:
//
//	u32 length | u8 kind | u64 wire-stream-id | payload
//
// Wire stream ids follow the Yamux parity convention: the connection
// initiator allocates even ids, the responder odd ones, so the two
// sides never collide. The protocol tag travels as (kind byte, chain
// index); rendering and negotiating the full protocol *name* via
// multistream-select is the transport layer's concern, not this
// machine's.
//
// Substream identity is split three ways: wire ids (shared with the
// remote), negotiation ids (assigned here for remote-initiated
// streams while the coordinator decides accept/reject), and the
// coordinator's arena SubstreamId, learned from the accept reply's
// PeerSubstreamID echo. Data arriving before the arena id is known is
// queued per stream and flushed on binding.
type ConnectionMachine struct {
	localPeer   PeerId
	isInitiator bool
	pingEvery   time.Duration

	readBuf  []byte
	writeBuf []byte
	out      []driverMessage

	handshakeSent bool
	handshakeDone bool

	nextWireID uint64
	nextNegID  SubstreamId

	byWire  map[uint64]*machineStream
	byNeg   map[SubstreamId]*machineStream
	byCoord map[SubstreamId]*machineStream

	nextPingAt  time.Time
	pendingPong bool
	reset       bool
}

type machineStream struct {
	wireID  uint64
	negID   SubstreamId
	coordID SubstreamId
	bound   bool

	protocol  Protocol
	inbound   bool
	isRequest bool
	sizeCap   int

	// openPayload holds the remote's notifications handshake or
	// request payload until the coordinator's policy decision arrives.
	openPayload []byte
	// pendingData queues notification frames that raced ahead of the
	// arena-id binding.
	pendingData [][]byte
	accepted    bool
}

const (
	frameHandshake byte = iota
	frameOpen
	frameAccept
	frameReject
	frameClose
	frameData
	framePing
	framePong
)

const defaultPingInterval = 15 * time.Second

// NewConnectionMachine builds the machine for one freshly dialed or
// accepted single-stream connection. isInitiator picks the wire-id
// parity and must differ between the two ends.
func NewConnectionMachine(localPeer PeerId, isInitiator bool) *ConnectionMachine {
	m := &ConnectionMachine{
		localPeer:   localPeer,
		isInitiator: isInitiator,
		pingEvery:   defaultPingInterval,
		nextNegID:   1, // 0 means "unset" in PeerSubstreamID echoes
		byWire:      make(map[uint64]*machineStream),
		byNeg:       make(map[SubstreamId]*machineStream),
		byCoord:     make(map[SubstreamId]*machineStream),
	}
	if !isInitiator {
		m.nextWireID = 1
	}
	return m
}

func isRequestProtocol(p Protocol) bool {
	switch p.Kind {
	case ProtoIdentify, ProtoChainSync, ProtoChainKad, ProtoChainSyncWarp,
		ProtoChainState, ProtoChainLightStorage, ProtoChainLightCall, ProtoChainLightUnknown:
		return true
	default:
		return false
	}
}

func isNotificationsProtocol(p Protocol) bool {
	switch p.Kind {
	case ProtoChainBlockAnnounces, ProtoChainTransactions, ProtoChainGrandpa:
		return true
	default:
		return false
	}
}

// InjectData appends raw bytes read off the socket; frames are parsed
// on the next Advance.
func (m *ConnectionMachine) InjectData(b []byte) {
	m.readBuf = append(m.readBuf, b...)
}

// DrainWrite hands back everything queued for the socket and clears
// the write buffer.
func (m *ConnectionMachine) DrainWrite() []byte {
	out := m.writeBuf
	m.writeBuf = nil
	return out
}

// Advance lets the machine parse buffered input, emit its handshake,
// and keep the ping schedule, returning the instant it next wants to
// be woken regardless of other activity.
func (m *ConnectionMachine) Advance(now time.Time) time.Time {
	if m.reset {
		return time.Time{}
	}
	if !m.handshakeSent {
		m.handshakeSent = true
		m.writeFrame(frameHandshake, 0, []byte(m.localPeer))
		m.nextPingAt = now.Add(m.pingEvery)
	}
	if !m.nextPingAt.IsZero() && !now.Before(m.nextPingAt) {
		m.writeFrame(framePing, 0, nil)
		m.pendingPong = true
		m.nextPingAt = now.Add(m.pingEvery)
	}
	m.parseFrames()
	return m.nextPingAt
}

// PullMessage pops the next coordinator-bound message without
// blocking.
func (m *ConnectionMachine) PullMessage() (driverMessage, bool) {
	if len(m.out) == 0 {
		return driverMessage{}, false
	}
	msg := m.out[0]
	m.out = m.out[1:]
	return msg, true
}

// Inject applies one coordinator-originated message.
func (m *ConnectionMachine) Inject(msg driverMessage) {
	if m.reset {
		return
	}
	switch msg.Kind {
	case msgOutboundOpenSubstream:
		m.openOutbound(msg.SubstreamID, msg.Protocol, msg.Bytes, isRequestProtocol(msg.Protocol))
	case msgOutboundCloseSubstream:
		if s, ok := m.byCoord[msg.SubstreamID]; ok {
			m.writeFrame(frameClose, s.wireID, nil)
			m.dropStream(s)
		}
	case msgOutboundSend:
		m.handleOutboundSend(msg)
	case msgOutboundAcceptInbound:
		m.handleAccept(msg)
	case msgOutboundRejectInbound:
		if s := m.resolveInbound(msg); s != nil {
			m.writeFrame(frameReject, s.wireID, nil)
			m.dropStream(s)
		}
	}
}

// Reset marks the machine terminally failed and surrenders whatever
// messages it still holds.
func (m *ConnectionMachine) Reset() []driverMessage {
	m.reset = true
	drained := m.out
	m.out = nil
	return drained
}

func (m *ConnectionMachine) openOutbound(coordID SubstreamId, proto Protocol, payload []byte, isRequest bool) {
	s := &machineStream{
		wireID:    m.allocWireID(),
		coordID:   coordID,
		bound:     true,
		protocol:  proto,
		isRequest: isRequest,
	}
	m.byWire[s.wireID] = s
	m.byCoord[coordID] = s
	m.writeFrame(frameOpen, s.wireID, encodeOpenPayload(proto, payload))
}

func (m *ConnectionMachine) handleOutboundSend(msg driverMessage) {
	if s, ok := m.byCoord[msg.SubstreamID]; ok {
		m.writeFrame(frameData, s.wireID, msg.Bytes)
		return
	}
	// A response to a remote-initiated request: the arena id is new to
	// us, the PeerSubstreamID echo names our negotiation stream.
	if msg.PeerSubstreamID != 0 {
		if s, ok := m.byNeg[msg.PeerSubstreamID]; ok {
			m.writeFrame(frameData, s.wireID, msg.Bytes)
			m.writeFrame(frameClose, s.wireID, nil)
			m.dropStream(s)
			return
		}
	}
	// An outbound request: the coordinator sends the payload with the
	// protocol attached and no prior open message.
	if msg.Protocol.isPerChain() || msg.Protocol.Kind == ProtoIdentify {
		m.openOutbound(msg.SubstreamID, msg.Protocol, msg.Bytes, true)
	}
}

// resolveInbound finds the inbound stream a coordinator reply names,
// preferring the PeerSubstreamID echo over the (possibly
// arena-allocated) SubstreamID.
func (m *ConnectionMachine) resolveInbound(msg driverMessage) *machineStream {
	if msg.PeerSubstreamID != 0 {
		if s, ok := m.byNeg[msg.PeerSubstreamID]; ok {
			return s
		}
	}
	if s, ok := m.byNeg[msg.SubstreamID]; ok {
		return s
	}
	if s, ok := m.byCoord[msg.SubstreamID]; ok {
		return s
	}
	return nil
}

func (m *ConnectionMachine) handleAccept(msg driverMessage) {
	s := m.resolveInbound(msg)
	if s == nil {
		return
	}

	if !s.accepted {
		// Policy accept from InboundNegotiated: the coordinator agreed
		// to this protocol. Requests and notifications now surface
		// their payload for the next decision stage; bare protocols
		// (ping) are accepted on the wire immediately.
		s.accepted = true
		s.sizeCap = msg.SizeCap
		if s.sizeCap > 0 && len(s.openPayload) > s.sizeCap {
			m.writeFrame(frameReject, s.wireID, nil)
			m.dropStream(s)
			return
		}
		switch {
		case s.isRequest:
			m.emit(driverMessage{Kind: msgInboundRequest, SubstreamID: s.negID, Protocol: s.protocol, Bytes: s.openPayload})
		case isNotificationsProtocol(s.protocol):
			m.emit(driverMessage{Kind: msgInboundNotificationsOpen, SubstreamID: s.negID, Protocol: s.protocol, Bytes: s.openPayload})
		default:
			m.writeFrame(frameAccept, s.wireID, nil)
		}
		return
	}

	// Second-stage accept (NotificationsInOpen): bind the arena id,
	// send our handshake, and flush any data that raced ahead.
	if msg.PeerSubstreamID != 0 && !s.bound {
		s.coordID = msg.SubstreamID
		s.bound = true
		m.byCoord[s.coordID] = s
	}
	m.writeFrame(frameAccept, s.wireID, msg.Bytes)
	for _, data := range s.pendingData {
		m.emit(driverMessage{Kind: msgInboundNotification, SubstreamID: s.coordID, Bytes: data})
	}
	s.pendingData = nil
}

func (m *ConnectionMachine) allocWireID() uint64 {
	id := m.nextWireID
	m.nextWireID += 2
	return id
}

func (m *ConnectionMachine) dropStream(s *machineStream) {
	delete(m.byWire, s.wireID)
	if s.negID != 0 {
		delete(m.byNeg, s.negID)
	}
	if s.bound {
		delete(m.byCoord, s.coordID)
	}
}

func (m *ConnectionMachine) emit(msg driverMessage) {
	m.out = append(m.out, msg)
}

func (m *ConnectionMachine) writeFrame(kind byte, wireID uint64, payload []byte) {
	n := 1 + 8 + len(payload)
	m.writeBuf = append(m.writeBuf,
		byte(n), byte(n>>8), byte(n>>16), byte(n>>24), kind)
	for i := 0; i < 8; i++ {
		m.writeBuf = append(m.writeBuf, byte(wireID>>(8*uint(i))))
	}
	m.writeBuf = append(m.writeBuf, payload...)
}

func (m *ConnectionMachine) parseFrames() {
	for {
		if len(m.readBuf) < 4 {
			return
		}
		n := int(m.readBuf[0]) | int(m.readBuf[1])<<8 | int(m.readBuf[2])<<16 | int(m.readBuf[3])<<24
		if n < 9 || len(m.readBuf) < 4+n {
			return
		}
		frame := m.readBuf[4 : 4+n]
		m.readBuf = m.readBuf[4+n:]

		kind := frame[0]
		var wireID uint64
		for i := 0; i < 8; i++ {
			wireID |= uint64(frame[1+i]) << (8 * uint(i))
		}
		payload := frame[9:]
		m.handleFrame(kind, wireID, payload)
	}
}

func (m *ConnectionMachine) handleFrame(kind byte, wireID uint64, payload []byte) {
	switch kind {
	case frameHandshake:
		if m.handshakeDone {
			return
		}
		m.handshakeDone = true
		m.emit(driverMessage{Kind: msgHandshakeFinished, Bytes: append([]byte(nil), payload...)})

	case frameOpen:
		proto, body, ok := decodeOpenPayload(payload)
		if !ok {
			m.writeFrame(frameReject, wireID, nil)
			return
		}
		s := &machineStream{
			wireID:      wireID,
			negID:       m.nextNegID,
			protocol:    proto,
			inbound:     true,
			isRequest:   isRequestProtocol(proto),
			openPayload: append([]byte(nil), body...),
		}
		m.nextNegID++
		m.byWire[wireID] = s
		m.byNeg[s.negID] = s
		m.emit(driverMessage{Kind: msgInboundNegotiated, SubstreamID: s.negID, Protocol: proto})

	case frameAccept:
		s, ok := m.byWire[wireID]
		if !ok || s.inbound {
			return
		}
		if isNotificationsProtocol(s.protocol) {
			m.emit(driverMessage{Kind: msgInboundNotificationsHandshake, SubstreamID: s.coordID, Bytes: append([]byte(nil), payload...)})
		}

	case frameReject:
		s, ok := m.byWire[wireID]
		if !ok || s.inbound {
			return
		}
		if s.isRequest {
			// A denied request completes with an empty response.
			m.emit(driverMessage{Kind: msgInboundResponse, SubstreamID: s.coordID})
		} else {
			m.emit(driverMessage{Kind: msgInboundNotificationsClose, SubstreamID: s.coordID})
		}
		m.dropStream(s)

	case frameData:
		s, ok := m.byWire[wireID]
		if !ok {
			return
		}
		data := append([]byte(nil), payload...)
		switch {
		case !s.inbound && s.isRequest:
			m.emit(driverMessage{Kind: msgInboundResponse, SubstreamID: s.coordID, Bytes: data})
			m.dropStream(s)
		case isNotificationsProtocol(s.protocol) && s.bound:
			m.emit(driverMessage{Kind: msgInboundNotification, SubstreamID: s.coordID, Bytes: data})
		case isNotificationsProtocol(s.protocol):
			s.pendingData = append(s.pendingData, data)
		}

	case frameClose:
		s, ok := m.byWire[wireID]
		if !ok {
			return
		}
		if isNotificationsProtocol(s.protocol) && s.bound {
			m.emit(driverMessage{Kind: msgInboundNotificationsClose, SubstreamID: s.coordID})
		}
		m.dropStream(s)

	case framePing:
		m.writeFrame(framePong, 0, nil)

	case framePong:
		m.pendingPong = false
	}
}

func encodeOpenPayload(proto Protocol, body []byte) []byte {
	out := make([]byte, 0, 5+len(body))
	out = append(out, byte(proto.Kind))
	idx := uint32(proto.ChainIndex)
	out = append(out, byte(idx), byte(idx>>8), byte(idx>>16), byte(idx>>24))
	return append(out, body...)
}

func decodeOpenPayload(b []byte) (Protocol, []byte, bool) {
	if len(b) < 5 {
		return Protocol{}, nil, false
	}
	kind := ProtocolKind(b[0])
	if kind > ProtoChainLightUnknown {
		return Protocol{}, nil, false
	}
	idx := uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16 | uint32(b[4])<<24
	return Protocol{Kind: kind, ChainIndex: ChainId(idx)}, b[5:], true
}
