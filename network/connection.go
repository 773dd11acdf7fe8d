package network

import "time"

// connection is the coordinator's arena entry for one physical
// connection.
type connection struct {
	id ConnectionId

	address Address

	// expectedPeer is set while dialing out with a known target
	// identity, or after accepting an inbound connection whose peer id
	// is not yet confirmed. actualPeer is set once the handshake
	// completes and may differ from expectedPeer.
	expectedPeer *PeerId
	actualPeer   *PeerId

	handshakeDone bool
	reset         bool
	multiStream   bool

	handshakeDeadline time.Time

	// toConn / fromConn are the bounded channel pair shuttling opaque
	// coordinator<->driver messages.
	toConn   chan driverMessage
	fromConn chan driverMessage
}

func (c *connection) peerId() (PeerId, bool) {
	if c.actualPeer != nil {
		return *c.actualPeer, true
	}
	if c.expectedPeer != nil {
		return *c.expectedPeer, true
	}
	return "", false
}

// driverMessage is the opaque payload exchanged between the
// coordinator and a connection driver. Real payloads are protocol
// frames; the coordinator only inspects the Kind/SubstreamId/Bytes it
// needs to route them, treating the rest as opaque.
type driverMessage struct {
	Kind        driverMessageKind
	SubstreamID SubstreamId
	Protocol    Protocol
	Bytes       []byte
	// SizeCap bounds the handshake (notifications) or request payload
	// the driver may accept on a newly negotiated inbound substream;
	// zero means unlimited.
	SizeCap int
	// PeerSubstreamID echoes, on coordinator replies about a
	// remote-initiated substream, the transient id the connection
	// machine assigned during negotiation, so the machine can rebind
	// its stream to the coordinator-allocated SubstreamID.
	PeerSubstreamID SubstreamId
	ConnDeadNow     bool
}

type driverMessageKind uint8

const (
	msgOutboundOpenSubstream driverMessageKind = iota
	msgOutboundCloseSubstream
	msgOutboundSend
	msgOutboundAcceptInbound
	msgOutboundRejectInbound
	msgInboundNegotiated
	msgInboundNotificationsOpen
	msgInboundNotificationsClose
	msgInboundRequest
	msgInboundResponse
	msgInboundNotification
	msgInboundNotificationsHandshake
	msgHandshakeFinished
	msgConnectionReset
	msgRequestTimeout
)

const defaultChannelBuffer = 32

// AddSingleStreamConnection allocates a ConnectionId for a connection
// that multiplexes all substreams over one ordered byte stream
// (Yamux-style), initializes its handshake timer, and returns the
// channel pair for RunConnectionDriver: the receive side of the
// coordinator-to-connection channel and the send side of the
// connection-to-coordinator channel.
func (cn *ChainNetwork) AddSingleStreamConnection(addr Address, expectedPeer *PeerId) (ConnectionId, <-chan driverMessage, chan<- driverMessage) {
	return cn.addConnection(addr, expectedPeer, false)
}

// AddMultiStreamConnection is the WebRTC-like variant: substreams are
// independent from the start, rather than multiplexed over one stream.
func (cn *ChainNetwork) AddMultiStreamConnection(addr Address, expectedPeer *PeerId) (ConnectionId, <-chan driverMessage, chan<- driverMessage) {
	return cn.addConnection(addr, expectedPeer, true)
}

func (cn *ChainNetwork) addConnection(addr Address, expectedPeer *PeerId, multiStream bool) (ConnectionId, <-chan driverMessage, chan<- driverMessage) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	id := cn.nextConnId
	cn.nextConnId++

	c := &connection{
		id:                id,
		address:           addr,
		expectedPeer:      expectedPeer,
		multiStream:       multiStream,
		handshakeDeadline: cn.cfg.Platform.Now().Add(cn.cfg.HandshakeTimeout),
		toConn:            make(chan driverMessage, defaultChannelBuffer),
		fromConn:          make(chan driverMessage, defaultChannelBuffer),
	}
	cn.connections[id] = c
	cn.armHandshakeTimeout(id)

	if expectedPeer != nil {
		cn.indexPeerConnection(*expectedPeer, id)
		// An expected identity with a dial in flight is no longer
		// "no healthy connection" from the desired-set machinery's
		// point of view once it resolves; until then it stays desired
		// until HandshakeFinished fires and the set update re-runs.
	}

	cn.metrics.OpenConnections.Inc()

	// Forward this connection's dedicated inbound channel into the
	// coordinator's single inbox, tagged with its ConnectionId, so
	// NextEvent can drain one channel instead of fanning out over an
	// unbounded set of per-connection channels.
	cn.cfg.Platform.Spawn(func() {
		for msg := range c.fromConn {
			cn.inbox <- connMsg{id: id, msg: msg}
		}
	})

	return id, c.toConn, c.fromConn
}

func (cn *ChainNetwork) indexPeerConnection(peer PeerId, id ConnectionId) {
	set, ok := cn.connectionsByPeer[peer]
	if !ok {
		set = make(map[ConnectionId]struct{})
		cn.connectionsByPeer[peer] = set
	}
	set[id] = struct{}{}
}

func (cn *ChainNetwork) removePeerConnection(peer PeerId, id ConnectionId) {
	set, ok := cn.connectionsByPeer[peer]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(cn.connectionsByPeer, peer)
	}
}
