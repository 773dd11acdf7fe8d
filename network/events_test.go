package network

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// deliver feeds one driver message straight into the coordinator's
// handler, bypassing the inbox the way most gossip tests drive state
// transitions directly.
func deliver(cn *ChainNetwork, connID ConnectionId, msg driverMessage) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.handleDriverMessage(connID, msg)
}

// drainEvents takes every queued event off the coordinator.
func drainEvents(cn *ChainNetwork) []Event {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	evs := cn.pendingEvents
	cn.pendingEvents = nil
	return evs
}

func findEvent(evs []Event, kind EventKind) (Event, bool) {
	for _, ev := range evs {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

// openInboundNotifications registers an open inbound notifications
// substream the way handleInboundNotificationsOpen would, without
// driving the accept/handshake exchange.
func openInboundNotifications(cn *ChainNetwork, connID ConnectionId, chain ChainId, peer PeerId, kind ProtocolKind) SubstreamId {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	s := cn.allocSubstream(connID, Protocol{Kind: kind, ChainIndex: chain})
	s.direction = DirectionIn
	s.state = StateOpen
	s.peer = peer
	return s.id
}

func TestInboundBlockAnnounceSurfacesEvent(t *testing.T) {
	cn := newTestNetwork(t)
	chain, err := cn.AddChain(ChainConfig{GenesisHash: [32]byte{1}})
	require.NoError(t, err)
	peer := PeerId("peer-ba")
	id, _, _ := cn.AddSingleStreamConnection(Address{}, &peer)
	markHealthy(cn, id, peer)

	sub := openInboundNotifications(cn, id, chain, peer, ProtoChainBlockAnnounces)
	header := []byte{0xde, 0xad, 0xbe, 0xef}
	deliver(cn, id, driverMessage{Kind: msgInboundNotification, SubstreamID: sub, Bytes: EncodeBlockAnnounce(header, true)})

	ev, ok := findEvent(drainEvents(cn), EventBlockAnnounce)
	require.True(t, ok)
	require.Equal(t, peer, ev.PeerID)
	require.Equal(t, chain, ev.ChainID)
	require.Equal(t, header, ev.AnnouncedHeader)
	require.True(t, ev.AnnouncedIsBest)
}

func TestInboundGrandpaMessagesSurfaceEvents(t *testing.T) {
	cn := newTestNetwork(t)
	chain, err := cn.AddChain(ChainConfig{GenesisHash: [32]byte{2}, Grandpa: &GrandpaState{}})
	require.NoError(t, err)
	peer := PeerId("peer-gr")
	id, _, _ := cn.AddSingleStreamConnection(Address{}, &peer)
	markHealthy(cn, id, peer)
	sub := openInboundNotifications(cn, id, chain, peer, ProtoChainGrandpa)

	st := GrandpaState{RoundNumber: 3, SetId: 9, CommitFinalizedHeight: 77}
	deliver(cn, id, driverMessage{Kind: msgInboundNotification, SubstreamID: sub, Bytes: EncodeGrandpaNeighborPacket(st)})
	ev, ok := findEvent(drainEvents(cn), EventGrandpaNeighborPacket)
	require.True(t, ok)
	require.Equal(t, st, ev.Neighbor)

	deliver(cn, id, driverMessage{Kind: msgInboundNotification, SubstreamID: sub, Bytes: EncodeGrandpaCommitMessage([]byte("commit"))})
	ev, ok = findEvent(drainEvents(cn), EventGrandpaCommitMessage)
	require.True(t, ok)
	require.Equal(t, []byte("commit"), ev.CommitMessage)

	// A garbage tag is diagnostic only: ProtocolError, substream stays.
	deliver(cn, id, driverMessage{Kind: msgInboundNotification, SubstreamID: sub, Bytes: []byte{0xff}})
	_, ok = findEvent(drainEvents(cn), EventProtocolError)
	require.True(t, ok)
	cn.mu.Lock()
	_, alive := cn.substreams[sub]
	cn.mu.Unlock()
	require.True(t, alive, "decode errors must not close the substream")
}

// TestInboundNotificationsAcceptHandshakePerProtocol checks the
// accept-handshake bytes sent for each inbound notifications
// protocol: the full local handshake for Block-Announces, nothing for
// Transactions, and the bare role byte for Grandpa.
func TestInboundNotificationsAcceptHandshakePerProtocol(t *testing.T) {
	cn := newTestNetwork(t)
	chain, err := cn.AddChain(ChainConfig{GenesisHash: [32]byte{0x55}, Role: RoleLight, Grandpa: &GrandpaState{}})
	require.NoError(t, err)
	peer := PeerId("peer-in-open")
	id, toConn, _ := cn.AddSingleStreamConnection(Address{}, &peer)
	markHealthy(cn, id, peer)

	// Non-BA inbound opens require an existing outbound BA substream.
	_, err = cn.GossipOpen(chain, peer, ConsensusTransactions)
	require.NoError(t, err)
	<-toConn // the open message for the outbound BA substream

	nextAccept := func(negID SubstreamId, kind ProtocolKind) driverMessage {
		t.Helper()
		deliver(cn, id, driverMessage{Kind: msgInboundNotificationsOpen, SubstreamID: negID, Protocol: Protocol{Kind: kind, ChainIndex: chain}})
		for {
			select {
			case m := <-toConn:
				if m.Kind == msgOutboundAcceptInbound {
					return m
				}
			default:
				t.Fatal("no accept reply for inbound notifications open")
			}
		}
	}

	ba := nextAccept(101, ProtoChainBlockAnnounces)
	_, _, _, _, err = decodeBlockAnnouncesHandshake(ba.Bytes)
	require.NoError(t, err, "Block-Announces accept carries the full local handshake")

	tx := nextAccept(102, ProtoChainTransactions)
	require.Empty(t, tx.Bytes, "Transactions accept carries no handshake payload")

	gr := nextAccept(103, ProtoChainGrandpa)
	require.Equal(t, []byte{byte(RoleLight)}, gr.Bytes, "Grandpa accept carries the bare role byte")
}

// TestGossipOpenGenesisMismatch covers the S3 shape: the remote's
// Block-Announces handshake carries a different genesis, the open
// fails with GenesisMismatch, and the pair stays eligible for a
// future GossipOpen.
func TestGossipOpenGenesisMismatch(t *testing.T) {
	cn := newTestNetwork(t)
	local := [32]byte{0x11}
	chain, err := cn.AddChain(ChainConfig{GenesisHash: local})
	require.NoError(t, err)
	peer := PeerId("peer-mismatch")
	id, _, _ := cn.AddSingleStreamConnection(Address{}, &peer)
	markHealthy(cn, id, peer)

	sub, err := cn.GossipOpen(chain, peer, ConsensusTransactions)
	require.NoError(t, err)

	remote := [32]byte{0x22}
	badHandshake := make([]byte, 0, blockAnnouncesHandshakeLen)
	badHandshake = append(badHandshake, remote[:]...)
	badHandshake = append(badHandshake, byte(RoleFull))
	badHandshake = appendUint64(badHandshake, 5)
	badHandshake = append(badHandshake, make([]byte, 32)...)
	deliver(cn, id, driverMessage{Kind: msgInboundNotificationsHandshake, SubstreamID: sub, Bytes: badHandshake})

	ev, ok := findEvent(drainEvents(cn), EventGossipOpenFailed)
	require.True(t, ok)
	var mismatch *GenesisMismatchError
	require.ErrorAs(t, ev.Err, &mismatch)
	require.Equal(t, local, mismatch.Local)
	require.Equal(t, remote, mismatch.Remote)

	// Same pair becomes eligible again.
	_, err = cn.GossipOpen(chain, peer, ConsensusTransactions)
	require.NoError(t, err)
}

func TestGossipOpenMatchingHandshakeOpensDependents(t *testing.T) {
	cn := newTestNetwork(t)
	local := [32]byte{0x33}
	chain, err := cn.AddChain(ChainConfig{GenesisHash: local, Grandpa: &GrandpaState{}})
	require.NoError(t, err)
	peer := PeerId("peer-match")
	id, _, _ := cn.AddSingleStreamConnection(Address{}, &peer)
	markHealthy(cn, id, peer)

	sub, err := cn.GossipOpen(chain, peer, ConsensusTransactions)
	require.NoError(t, err)

	good := make([]byte, 0, blockAnnouncesHandshakeLen)
	good = append(good, local[:]...)
	good = append(good, byte(RoleValidator))
	good = appendUint64(good, 123)
	best := [32]byte{0x44}
	good = append(good, best[:]...)
	deliver(cn, id, driverMessage{Kind: msgInboundNotificationsHandshake, SubstreamID: sub, Bytes: good})

	ev, ok := findEvent(drainEvents(cn), EventGossipConnected)
	require.True(t, ok)
	require.Equal(t, RoleValidator, ev.Role)
	require.Equal(t, uint64(123), ev.BestNumber)
	require.Equal(t, best, ev.BestHash)

	cn.mu.Lock()
	_, txOpen := cn.findGossipSubstream(ProtoTransactions, chain, peer, DirectionOut)
	_, grOpen := cn.findGossipSubstream(ProtoGrandpa, chain, peer, DirectionOut)
	cn.mu.Unlock()
	require.True(t, txOpen, "Transactions opens eagerly on gossip connect")
	require.True(t, grOpen, "Grandpa opens eagerly when configured for the chain")
}

func TestConnectionResetCancelsInFlightRequests(t *testing.T) {
	cn := newTestNetwork(t)
	chain, err := cn.AddChain(ChainConfig{GenesisHash: [32]byte{6}, AllowInboundBlockRequests: true})
	require.NoError(t, err)
	peer := PeerId("peer-reset")
	id, _, _ := cn.AddSingleStreamConnection(Address{}, &peer)
	markHealthy(cn, id, peer)

	outID, err := cn.StartBlocksRequest(chain, peer, []byte("req"))
	require.NoError(t, err)

	deliver(cn, id, driverMessage{Kind: msgInboundRequest, Protocol: Protocol{Kind: ProtoChainSync, ChainIndex: chain}, Bytes: []byte("their-req")})
	evs := drainEvents(cn)
	inEv, ok := findEvent(evs, EventBlocksRequestIn)
	require.True(t, ok)

	deliver(cn, id, driverMessage{Kind: msgConnectionReset})
	evs = drainEvents(cn)

	outResult, ok := findEvent(evs, EventRequestResult)
	require.True(t, ok)
	require.Equal(t, outID, outResult.SubstreamID)
	require.ErrorIs(t, outResult.Err, ErrConnectionReset)

	cancel, ok := findEvent(evs, EventRequestInCancel)
	require.True(t, ok)
	require.Equal(t, inEv.SubstreamID, cancel.SubstreamID)

	// Responding to the cancelled inbound request is a contract
	// violation.
	require.Panics(t, func() { cn.RespondBlocks(inEv.SubstreamID, []byte("late")) })
}

func TestRequestTimeoutSurfacesErrAndFreesSubstream(t *testing.T) {
	cn := newTestNetwork(t)
	chain, err := cn.AddChain(ChainConfig{GenesisHash: [32]byte{7}})
	require.NoError(t, err)
	peer := PeerId("peer-timeout")
	id, _, _ := cn.AddSingleStreamConnection(Address{}, &peer)
	markHealthy(cn, id, peer)

	sub, err := cn.StartStorageProofRequest(chain, peer, []byte("q"))
	require.NoError(t, err)

	deliver(cn, id, driverMessage{Kind: msgRequestTimeout, SubstreamID: sub})
	ev, ok := findEvent(drainEvents(cn), EventRequestResult)
	require.True(t, ok)
	require.ErrorIs(t, ev.Err, ErrRequestTimeout)

	cn.mu.Lock()
	_, alive := cn.substreams[sub]
	cn.mu.Unlock()
	require.False(t, alive, "timed-out request substream must be freed")

	// A late timeout for an already-answered substream is a no-op.
	sub2, err := cn.StartStorageProofRequest(chain, peer, []byte("q2"))
	require.NoError(t, err)
	deliver(cn, id, driverMessage{Kind: msgInboundResponse, SubstreamID: sub2, Bytes: []byte("resp")})
	deliver(cn, id, driverMessage{Kind: msgRequestTimeout, SubstreamID: sub2})
	evs := drainEvents(cn)
	require.Len(t, evs, 1)
	require.NoError(t, evs[0].Err)
	require.Equal(t, []byte("resp"), evs[0].ResponsePayload)
}

func TestOversizeResponseSurfacesErr(t *testing.T) {
	cn := newTestNetwork(t)
	chain, err := cn.AddChain(ChainConfig{GenesisHash: [32]byte{8}})
	require.NoError(t, err)
	peer := PeerId("peer-oversize")
	id, _, _ := cn.AddSingleStreamConnection(Address{}, &peer)
	markHealthy(cn, id, peer)

	sub, err := cn.StartKademliaFindNodeRequest(chain, peer, []byte("find"))
	require.NoError(t, err)

	tooBig := make([]byte, responseCap[RequestKademliaFindNode]+1)
	deliver(cn, id, driverMessage{Kind: msgInboundResponse, SubstreamID: sub, Bytes: tooBig})
	ev, ok := findEvent(drainEvents(cn), EventRequestResult)
	require.True(t, ok)
	require.ErrorIs(t, ev.Err, ErrResponseTooLarge)
}

func TestRespondTwicePanics(t *testing.T) {
	cn := newTestNetwork(t)
	_, err := cn.AddChain(ChainConfig{GenesisHash: [32]byte{9}})
	require.NoError(t, err)
	peer := PeerId("peer-respond")
	id, _, _ := cn.AddSingleStreamConnection(Address{}, &peer)
	markHealthy(cn, id, peer)

	deliver(cn, id, driverMessage{Kind: msgInboundRequest, Protocol: Protocol{Kind: ProtoIdentify}})
	ev, ok := findEvent(drainEvents(cn), EventIdentifyRequestIn)
	require.True(t, ok)

	cn.RespondIdentify(ev.SubstreamID, []byte("agent"))
	require.Panics(t, func() { cn.RespondIdentify(ev.SubstreamID, []byte("again")) })
}
