package network

import (
	"time"

	"github.com/lightmesh/chainnet/shared/backoff"
)

// reopenInitialDelay, reopenFactor, and reopenCapDelay size the
// exponential backoff gating repeated Transactions/Grandpa reopen
// attempts after a reset.
const (
	reopenInitialDelay = time.Second
	reopenFactor       = 2.0
	reopenCapDelay     = 30 * time.Second
)

// handleConnectionReset tears down a connection: its substreams, its
// peer index entry, and (if the handshake never finished) reports
// PreHandshakeDisconnected rather than Disconnected.
func (cn *ChainNetwork) handleConnectionReset(c *connection, msg driverMessage) {
	c.reset = true
	cn.disarmHandshakeTimeout(c.id)

	peer, hadPeer := c.peerId()

	for id, s := range cn.substreams {
		if s.connID != c.id {
			continue
		}
		// In-flight requests on the dying connection terminate with the
		// appropriate observable: outbound requests get their
		// RequestResult error branch, inbound requests are cancelled so
		// a late Respond* panics instead of writing into the void.
		if s.isRequest {
			if s.direction == DirectionOut {
				cn.disarmRequestTimeout(id)
				cn.queueEvent(Event{Kind: EventRequestResult, SubstreamID: id, Err: ErrConnectionReset})
			} else {
				s.cancelled = true
				cn.queueEvent(Event{Kind: EventRequestInCancel, SubstreamID: id, PeerID: peer})
			}
		}
		cn.freeSubstream(id)
	}
	// clear any gossip-link index entries pointing at this connection.
	for key, id := range cn.gossipLinks {
		if s, ok := cn.substreams[id]; ok && s.connID == c.id {
			delete(cn.gossipLinks, key)
		} else if !ok {
			delete(cn.gossipLinks, key)
		}
	}

	if hadPeer {
		cn.removePeerConnection(peer, c.id)
	}
	delete(cn.connections, c.id)
	cn.metrics.OpenConnections.Dec()

	if !c.handshakeDone {
		cn.queueEvent(Event{Kind: EventPreHandshakeDisconnected, ConnectionID: c.id, Address: c.address, ExpectedPeerID: c.expectedPeer})
	} else {
		cn.queueEvent(Event{Kind: EventDisconnected, ConnectionID: c.id, Address: c.address, PeerID: peer})
	}

	if hadPeer {
		cn.recomputeDesiredSetsForPeer(peer)
	}
}

// handleHandshakeFinished reconciles the actual negotiated identity
// against the expected one.
func (cn *ChainNetwork) handleHandshakeFinished(c *connection, msg driverMessage) {
	actual := msg.Bytes // peer id bytes decoded by the caller of this message's production; tests build it directly
	actualPeer := PeerId(actual)

	cn.disarmHandshakeTimeout(c.id)
	c.handshakeDone = true
	former := c.expectedPeer
	c.actualPeer = &actualPeer

	if former == nil || *former != actualPeer {
		if former != nil {
			cn.removePeerConnection(*former, c.id)
		}
		cn.indexPeerConnection(actualPeer, c.id)
	}

	cn.queueEvent(Event{Kind: EventHandshakeFinished, ConnectionID: c.id, ExpectedPeerID: former, PeerID: actualPeer})

	cn.recomputeDesiredSetsForPeer(actualPeer)
	if former != nil && *former != actualPeer {
		cn.recomputeDesiredSetsForPeer(*former)
	}
}

// acceptSize caps per the inbound-substream policy table below.
const (
	identifyCap        = 0 // unlimited
	pingCap            = 0
	blockAnnouncesCap  = 1 << 20 // 1 MiB
	transactionsCap    = 4
	grandpaCap         = 4
	syncRequestCap     = 1 << 10 // 1 KiB
)

// handleInboundNegotiated applies the inbound-substream policy:
// accept Identify/Ping/BlockAnnounces/Transactions always, Grandpa
// only if configured for the chain, Sync only if inbound block
// requests are allowed;
// reject everything else.
func (cn *ChainNetwork) handleInboundNegotiated(c *connection, msg driverMessage) {
	proto := msg.Protocol
	accept := false
	isNotifications := false
	var sizeCap int

	switch proto.Kind {
	case ProtoIdentify:
		accept, sizeCap = true, identifyCap
	case ProtoPing:
		accept, sizeCap = true, pingCap
	case ProtoChainBlockAnnounces:
		accept, isNotifications, sizeCap = true, true, blockAnnouncesCap
	case ProtoChainTransactions:
		accept, isNotifications, sizeCap = true, true, transactionsCap
	case ProtoChainGrandpa:
		ch, ok := cn.chains[proto.ChainIndex]
		accept = ok && ch.grandpa != nil
		isNotifications, sizeCap = true, grandpaCap
	case ProtoChainSync:
		ch, ok := cn.chains[proto.ChainIndex]
		accept = ok && ch.allowInboundBlockRequests
		sizeCap = syncRequestCap
	default:
		accept = false
	}

	if !accept {
		cn.metrics.InboundRejected.Inc()
		cn.sendToDriver(c, driverMessage{Kind: msgOutboundRejectInbound, SubstreamID: msg.SubstreamID})
		return
	}
	cn.metrics.InboundAccepted.Inc()
	_ = isNotifications
	cn.sendToDriver(c, driverMessage{Kind: msgOutboundAcceptInbound, SubstreamID: msg.SubstreamID, SizeCap: sizeCap})
}

// handleInboundNotificationsOpen implements the NotificationsInOpen
// policy: reject duplicate same-protocol inbound
// substreams, reject non-BA protocols with no matching outbound BA,
// otherwise accept and, for BA, emit GossipInDesired and leave it
// pending for the caller to resolve via GossipOpen/GossipClose.
func (cn *ChainNetwork) handleInboundNotificationsOpen(c *connection, msg driverMessage) {
	proto := msg.Protocol
	peer, ok := c.peerId()
	if !ok {
		cn.sendToDriver(c, driverMessage{Kind: msgOutboundRejectInbound, SubstreamID: msg.SubstreamID})
		return
	}

	var np NotificationsProtocol
	switch proto.Kind {
	case ProtoChainBlockAnnounces:
		np = ProtoBlockAnnounces
	case ProtoChainTransactions:
		np = ProtoTransactions
	case ProtoChainGrandpa:
		np = ProtoGrandpa
	default:
		cn.sendToDriver(c, driverMessage{Kind: msgOutboundRejectInbound, SubstreamID: msg.SubstreamID})
		return
	}

	if _, exists := cn.findGossipSubstream(np, proto.ChainIndex, peer, DirectionIn); exists {
		cn.sendToDriver(c, driverMessage{Kind: msgOutboundRejectInbound, SubstreamID: msg.SubstreamID})
		return
	}
	if np != ProtoBlockAnnounces {
		if _, hasOutBA := cn.findGossipSubstream(ProtoBlockAnnounces, proto.ChainIndex, peer, DirectionOut); !hasOutBA {
			cn.sendToDriver(c, driverMessage{Kind: msgOutboundRejectInbound, SubstreamID: msg.SubstreamID})
			return
		}
	}

	s := cn.allocSubstream(c.id, proto)
	s.direction = DirectionIn
	s.peer = peer
	s.peerSubstreamID = msg.SubstreamID
	if np == ProtoBlockAnnounces {
		s.state = StatePending
	} else {
		s.state = StateOpen
	}
	cn.setGossipSubstream(np, proto.ChainIndex, peer, DirectionIn, s.id)

	// Each notifications protocol answers with its own handshake:
	// the full local handshake for Block-Announces, nothing for
	// Transactions, and the bare role byte for Grandpa.
	var handshake []byte
	switch np {
	case ProtoBlockAnnounces:
		hs, err := cn.encodeBlockAnnouncesHandshake(proto.ChainIndex)
		if err == nil {
			handshake = hs
		}
	case ProtoGrandpa:
		if ch, ok := cn.chains[proto.ChainIndex]; ok {
			handshake = []byte{byte(ch.role)}
		}
	}
	cn.sendToDriver(c, driverMessage{Kind: msgOutboundAcceptInbound, SubstreamID: s.id, PeerSubstreamID: msg.SubstreamID, Bytes: handshake})

	if np == ProtoBlockAnnounces {
		cn.queueEvent(Event{Kind: EventGossipInDesired, ChainID: proto.ChainIndex, PeerID: peer})
	}
}

// handleInboundNotificationsClose handles a reset/close of an
// existing notifications substream: for BA, cancel the pending
// GossipInDesired decision and tear down dependents; for
// Transactions/Grandpa, attempt to reopen while the Block-Announces
// substream remains open.
func (cn *ChainNetwork) handleInboundNotificationsClose(c *connection, msg driverMessage) {
	s, ok := cn.substreams[msg.SubstreamID]
	if !ok {
		return
	}
	np, chainIdx, peer, dir := cn.describeGossipSubstream(s)
	cn.freeSubstream(msg.SubstreamID)
	cn.clearGossipSubstream(np, chainIdx, peer, dir)

	if np == ProtoBlockAnnounces {
		if dir == DirectionIn && s.state == StatePending {
			cn.queueEvent(Event{Kind: EventGossipInDesiredCancel, ChainID: chainIdx, PeerID: peer})
		}
		if dir == DirectionOut {
			wasOpen := s.state == StateOpen
			cn.closeGossipLinksLocked(chainIdx, peer)
			if wasOpen {
				cn.queueEvent(Event{Kind: EventGossipDisconnected, ChainID: chainIdx, PeerID: peer})
			} else {
				// Closed/rejected while still pending: the open attempt
				// failed rather than an established link being lost.
				cn.queueEvent(Event{Kind: EventGossipOpenFailed, ChainID: chainIdx, PeerID: peer, Kind_: ConsensusTransactions, Err: ErrRemoteRejected})
			}
			cn.recomputeDesiredSets(chainIdx, peer, ConsensusTransactions)
		}
	} else if dir == DirectionOut {
		// Transactions/Grandpa reset: retry opening while BA remains
		// open, gated by an exponential backoff per (chain, peer,
		// protocol) so a misbehaving peer that keeps resetting the
		// substream can't be hammered with immediate reopens.
		if _, baOpen := cn.findGossipSubstream(ProtoBlockAnnounces, chainIdx, peer, DirectionOut); baOpen {
			cn.openDependentNotifications(chainIdx, peer, np, true)
		}
	}
}

func (cn *ChainNetwork) describeGossipSubstream(s *substream) (NotificationsProtocol, ChainId, PeerId, Direction) {
	var np NotificationsProtocol
	switch s.protocol.Kind {
	case ProtoChainBlockAnnounces:
		np = ProtoBlockAnnounces
	case ProtoChainTransactions:
		np = ProtoTransactions
	case ProtoChainGrandpa:
		np = ProtoGrandpa
	}
	return np, s.protocol.ChainIndex, s.peer, s.direction
}

// HandleOutboundSubstreamNegotiated is called by the connection driver
// machinery once a requested outbound substream (opened via
// GossipOpen) completes negotiation and its handshake bytes are
// decoded. It implements the "gossip-connected" derivation: a
// (chain, peer, ConsensusTransactions) triple is reported as
// GossipConnected exactly once, the first time the outbound
// Block-Announces substream transitions Pending->Open with a matching
// genesis hash.
func (cn *ChainNetwork) HandleOutboundSubstreamNegotiated(substreamID SubstreamId, remoteGenesis [32]byte, role Role, bestNumber uint64, bestHash [32]byte) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	s, ok := cn.substreams[substreamID]
	if !ok || s.direction != DirectionOut {
		return
	}
	np, _, _, _ := cn.describeGossipSubstream(s)
	if np != ProtoBlockAnnounces || s.state != StatePending {
		return
	}
	cn.finishGossipOpenLocked(s, remoteGenesis, role, bestNumber, bestHash)
}

// finishGossipOpenLocked applies the decoded remote Block-Announces
// handshake to a pending outbound substream: genesis mismatch tears
// the attempt down as GossipOpenFailed, a match flips it Open, emits
// GossipConnected, and eagerly opens the dependent Transactions and
// Grandpa substreams. Called with cn.mu held.
func (cn *ChainNetwork) finishGossipOpenLocked(s *substream, remoteGenesis [32]byte, role Role, bestNumber uint64, bestHash [32]byte) {
	_, chainIdx, peer, _ := cn.describeGossipSubstream(s)

	ch, ok := cn.chains[chainIdx]
	if !ok {
		return
	}
	if remoteGenesis != ch.genesisHash {
		cn.freeSubstream(s.id)
		cn.clearGossipSubstream(ProtoBlockAnnounces, chainIdx, peer, DirectionOut)
		cn.queueEvent(Event{
			Kind: EventGossipOpenFailed, ChainID: chainIdx, PeerID: peer, Kind_: ConsensusTransactions,
			Err: &GenesisMismatchError{Local: ch.genesisHash, Remote: remoteGenesis},
		})
		cn.recomputeDesiredSets(chainIdx, peer, ConsensusTransactions)
		return
	}

	s.state = StateOpen
	cn.metrics.GossipLinksOpen.Inc()
	cn.queueEvent(Event{
		Kind: EventGossipConnected, ChainID: chainIdx, PeerID: peer, Kind_: ConsensusTransactions,
		Role: role, BestNumber: bestNumber, BestHash: bestHash,
	})
	cn.recomputeDesiredSets(chainIdx, peer, ConsensusTransactions)

	cn.openDependentNotifications(chainIdx, peer, ProtoTransactions, false)
	if ch.grandpa != nil {
		cn.openDependentNotifications(chainIdx, peer, ProtoGrandpa, false)
	}
	// A freshly (re-)established gossip link means whatever reopen
	// backoff accrued for this peer from before is stale.
	delete(cn.reopenBackoff, reopenKey{chain: chainIdx, peer: peer, proto: ProtoTransactions})
	delete(cn.reopenBackoff, reopenKey{chain: chainIdx, peer: peer, proto: ProtoGrandpa})
}

// handleRequestTimeout terminates one outbound request whose per-call
// deadline elapsed before a response arrived.
func (cn *ChainNetwork) handleRequestTimeout(msg driverMessage) {
	s, ok := cn.substreams[msg.SubstreamID]
	if !ok || !s.isRequest || s.direction != DirectionOut {
		return
	}
	cn.freeSubstream(msg.SubstreamID)
	cn.queueEvent(Event{Kind: EventRequestResult, SubstreamID: s.id, Err: ErrRequestTimeout})
	cn.metrics.RequestsTimedOut.Inc()
}

// openDependentNotifications opens Transactions or Grandpa eagerly as
// a side effect of a Block-Announces link becoming open, or retries it
// after an individual reset. isRetry distinguishes the two: only the
// retry path is gated by reopenBackoff, since the eager open happens
// exactly once per gossip connection and was never the risky,
// unbounded part of this loop.
func (cn *ChainNetwork) openDependentNotifications(chain ChainId, peer PeerId, np NotificationsProtocol, isRetry bool) {
	if _, exists := cn.findGossipSubstream(np, chain, peer, DirectionOut); exists {
		return
	}
	if isRetry {
		key := reopenKey{chain: chain, peer: peer, proto: np}
		now := cn.cfg.Platform.Now()
		strat, ok := cn.reopenBackoff[key]
		if ok && !strat.Ready(now) {
			return
		}
		if !ok {
			strat = backoff.NewExponential(reopenInitialDelay, reopenFactor, reopenCapDelay)
			cn.reopenBackoff[key] = strat
		}
		strat.Fail(now)
	}
	c, ok := cn.anyHealthyConnection(peer)
	if !ok {
		return
	}
	var kind ProtocolKind
	switch np {
	case ProtoTransactions:
		kind = ProtoChainTransactions
	case ProtoGrandpa:
		kind = ProtoChainGrandpa
	default:
		return
	}
	proto := Protocol{Kind: kind, ChainIndex: chain}
	s := cn.allocSubstream(c.id, proto)
	s.direction = DirectionOut
	s.state = StateOpen // Transactions/Grandpa carry no handshake cap worth negotiating on; treated as open as soon as the open is sent, without waiting for the peer.
	s.peer = peer
	cn.setGossipSubstream(np, chain, peer, DirectionOut, s.id)
	cn.sendToDriver(c, driverMessage{Kind: msgOutboundOpenSubstream, SubstreamID: s.id, Protocol: proto})
}

func (cn *ChainNetwork) handleInboundRequest(c *connection, msg driverMessage) {
	peer, _ := c.peerId()
	s := cn.allocSubstream(c.id, msg.Protocol)
	s.isRequest = true
	s.peer = peer
	s.peerSubstreamID = msg.SubstreamID

	switch msg.Protocol.Kind {
	case ProtoIdentify:
		cn.queueEvent(Event{Kind: EventIdentifyRequestIn, ConnectionID: c.id, SubstreamID: s.id, PeerID: peer})
	case ProtoChainSync:
		cn.queueEvent(Event{Kind: EventBlocksRequestIn, ConnectionID: c.id, SubstreamID: s.id, PeerID: peer, RequestPayload: msg.Bytes, ChainID: msg.Protocol.ChainIndex})
	default:
		cn.queueEvent(Event{Kind: EventProtocolError, ConnectionID: c.id, ProtocolErr: ErrUnknownChain})
	}
}

func (cn *ChainNetwork) handleInboundResponse(c *connection, msg driverMessage) {
	s, ok := cn.substreams[msg.SubstreamID]
	if !ok {
		return
	}
	cn.disarmRequestTimeout(msg.SubstreamID)
	cn.freeSubstream(msg.SubstreamID)
	if limit, ok := responseCap[s.requestKind]; ok && limit > 0 && len(msg.Bytes) > limit {
		cn.queueEvent(Event{Kind: EventRequestResult, SubstreamID: s.id, Err: ErrResponseTooLarge})
		return
	}
	cn.queueEvent(Event{Kind: EventRequestResult, SubstreamID: s.id, ResponsePayload: msg.Bytes, Err: nil})
}
