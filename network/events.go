package network

import "context"

// EventKind enumerates the events NextEvent can produce.
type EventKind uint8

const (
	EventHandshakeFinished EventKind = iota
	EventPreHandshakeDisconnected
	EventDisconnected
	EventGossipConnected
	EventGossipOpenFailed
	EventGossipDisconnected
	EventGossipInDesired
	EventGossipInDesiredCancel
	EventRequestResult
	EventBlockAnnounce
	EventGrandpaNeighborPacket
	EventGrandpaCommitMessage
	EventProtocolError
	EventIdentifyRequestIn
	EventBlocksRequestIn
	EventRequestInCancel
)

// Event is the single surfaced event type. Only the fields relevant
// to Kind are populated; this mirrors a tagged union without
// resorting to an interface-per-variant, which would force every
// caller of NextEvent into a type switch for what is, in every case,
// a flat record.
type Event struct {
	Kind EventKind

	ConnectionID ConnectionId
	SubstreamID  SubstreamId
	Address      Address

	ExpectedPeerID *PeerId
	PeerID         PeerId

	ChainID ChainId
	Kind_   GossipKind // gossip kind, named to avoid colliding with Kind

	Role       Role
	BestNumber uint64
	BestHash   [32]byte

	Err error

	RequestPayload  []byte
	ResponsePayload []byte

	// BlockAnnounce fields.
	AnnouncedHeader []byte
	AnnouncedIsBest bool

	// GrandpaNeighborPacket fields.
	Neighbor GrandpaState

	// GrandpaCommitMessage fields.
	CommitMessage []byte

	ProtocolErr error
}

// NextEvent drives the embedded collection state machine until it
// produces one Event, filtering purely-internal transitions and
// applying side effects (accept/reject negotiations, decode inbound
// payloads, re-open dependent gossip substreams, maintain the
// desired/undesired invariants).
func (cn *ChainNetwork) NextEvent(ctx context.Context) (Event, error) {
	for {
		cn.mu.Lock()
		if len(cn.pendingEvents) > 0 {
			ev := cn.pendingEvents[0]
			cn.pendingEvents = cn.pendingEvents[1:]
			cn.mu.Unlock()
			return ev, nil
		}
		cn.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case cm := <-cn.inbox:
			cn.mu.Lock()
			cn.handleDriverMessage(cm.id, cm.msg)
			var ev Event
			produced := false
			if len(cn.pendingEvents) > 0 {
				ev = cn.pendingEvents[0]
				cn.pendingEvents = cn.pendingEvents[1:]
				produced = true
			}
			cn.mu.Unlock()
			if produced {
				return ev, nil
			}
			// purely-internal transition: loop for the next message.
		}
	}
}

// handleDriverMessage applies one inbound driver message to the
// coordinator state. Called with cn.mu held.
func (cn *ChainNetwork) handleDriverMessage(connID ConnectionId, msg driverMessage) {
	c, ok := cn.connections[connID]
	if !ok {
		return
	}

	switch msg.Kind {
	case msgConnectionReset:
		cn.handleConnectionReset(c, msg)
	case msgHandshakeFinished:
		cn.handleHandshakeFinished(c, msg)
	case msgInboundNegotiated:
		cn.handleInboundNegotiated(c, msg)
	case msgInboundNotificationsOpen:
		cn.handleInboundNotificationsOpen(c, msg)
	case msgInboundNotificationsClose:
		cn.handleInboundNotificationsClose(c, msg)
	case msgInboundRequest:
		cn.handleInboundRequest(c, msg)
	case msgInboundResponse:
		cn.handleInboundResponse(c, msg)
	case msgInboundNotification:
		cn.handleInboundNotification(c, msg)
	case msgInboundNotificationsHandshake:
		cn.handleNotificationsHandshake(c, msg)
	case msgRequestTimeout:
		cn.handleRequestTimeout(msg)
	}
}
