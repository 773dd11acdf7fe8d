package network

// GossipInsertDesired atomically marks (chain, peer, kind) as desired
// by the caller and updates the three derived sets. Idempotent.
func (cn *ChainNetwork) GossipInsertDesired(chain ChainId, peer PeerId, kind GossipKind) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.desired[desiredKey{chain, peer, kind}] = struct{}{}
	cn.recomputeDesiredSets(chain, peer, kind)
}

// GossipRemoveDesired clears desire for (chain, peer, kind).
func (cn *ChainNetwork) GossipRemoveDesired(chain ChainId, peer PeerId, kind GossipKind) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	delete(cn.desired, desiredKey{chain, peer, kind})
	cn.recomputeDesiredSets(chain, peer, kind)
}

// GossipRemoveDesiredAll clears desire for every (chain, peer, kind)
// triple involving peer.
func (cn *ChainNetwork) GossipRemoveDesiredAll(peer PeerId) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	for k := range cn.desired {
		if k.peer == peer {
			delete(cn.desired, k)
			cn.recomputeDesiredSets(k.chain, k.peer, k.kind)
		}
	}
}

// recomputeDesiredSets re-derives, for one (chain, peer, kind) triple,
// which of the three tracked sets (or none) it belongs to. This is
// the sole place that mutates those sets, preserving the "exactly one
// set reflects each triple's state" invariant.
func (cn *ChainNetwork) recomputeDesiredSets(chain ChainId, peer PeerId, kind GossipKind) {
	k := desiredKey{chain, peer, kind}
	delete(cn.unconnectedDesired, k)
	delete(cn.connectedUnopenedDesired, k)
	delete(cn.openedGossipUndesired, k)

	_, isDesired := cn.desired[k]
	hasConn := cn.hasHealthyConnection(peer)
	_, hasPendingOut := cn.findGossipSubstream(ProtoBlockAnnounces, chain, peer, DirectionOut)

	switch {
	case isDesired && !hasConn:
		cn.unconnectedDesired[k] = struct{}{}
	case isDesired && hasConn && !hasPendingOut:
		cn.connectedUnopenedDesired[k] = struct{}{}
	case !isDesired && hasPendingOut:
		cn.openedGossipUndesired[k] = struct{}{}
	}
}

// recomputeDesiredSetsForPeer re-runs the derivation for every
// desired triple naming peer; used after a connection's health
// changes (new healthy connection, disconnection, identity
// migration).
func (cn *ChainNetwork) recomputeDesiredSetsForPeer(peer PeerId) {
	seen := make(map[desiredKey]struct{})
	for k := range cn.desired {
		if k.peer == peer {
			seen[k] = struct{}{}
		}
	}
	for k := range cn.openedGossipUndesired {
		if k.peer == peer {
			seen[k] = struct{}{}
		}
	}
	for k := range seen {
		cn.recomputeDesiredSets(k.chain, k.peer, k.kind)
	}
}

// GossipOpen opens an outbound gossip link to peer on chain. It
// requires a healthy established connection and rejects if a
// Block-Announces substream (pending or open) already exists for
// (chain, peer).
func (cn *ChainNetwork) GossipOpen(chain ChainId, peer PeerId, kind GossipKind) (SubstreamId, error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	c, ok := cn.anyHealthyConnection(peer)
	if !ok {
		return 0, ErrNoConnection
	}
	if _, exists := cn.findGossipSubstream(ProtoBlockAnnounces, chain, peer, DirectionOut); exists {
		return 0, ErrGossipAlreadyOpen
	}

	proto := Protocol{Kind: ProtoChainBlockAnnounces, ChainIndex: chain}
	s := cn.allocSubstream(c.id, proto)
	s.direction = DirectionOut
	s.state = StatePending
	s.peer = peer
	cn.setGossipSubstream(ProtoBlockAnnounces, chain, peer, DirectionOut, s.id)

	handshake, err := cn.encodeBlockAnnouncesHandshake(chain)
	if err != nil {
		cn.freeSubstream(s.id)
		cn.clearGossipSubstream(ProtoBlockAnnounces, chain, peer, DirectionOut)
		return 0, err
	}
	cn.sendToDriver(c, driverMessage{Kind: msgOutboundOpenSubstream, SubstreamID: s.id, Protocol: proto, Bytes: handshake})

	cn.recomputeDesiredSets(chain, peer, kind)
	return s.id, nil
}

// GossipClose rejects any pending inbound Block-Announces substream
// and closes outbound Block-Announces, Transactions, and Grandpa
// substreams for (chain, peer) regardless of their state.
func (cn *ChainNetwork) GossipClose(chain ChainId, peer PeerId, kind GossipKind) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.closeGossipLinksLocked(chain, peer)
	cn.recomputeDesiredSets(chain, peer, kind)
}

func (cn *ChainNetwork) closeGossipLinksLocked(chain ChainId, peer PeerId) {
	for _, proto := range []NotificationsProtocol{ProtoBlockAnnounces, ProtoTransactions, ProtoGrandpa} {
		if id, ok := cn.findGossipSubstream(proto, chain, peer, DirectionIn); ok {
			cn.closeSubstreamLocked(id)
			cn.clearGossipSubstream(proto, chain, peer, DirectionIn)
		}
		if id, ok := cn.findGossipSubstream(proto, chain, peer, DirectionOut); ok {
			cn.closeSubstreamLocked(id)
			cn.clearGossipSubstream(proto, chain, peer, DirectionOut)
		}
		delete(cn.reopenBackoff, reopenKey{chain: chain, peer: peer, proto: proto})
	}
}

func (cn *ChainNetwork) closeSubstreamLocked(id SubstreamId) {
	s, ok := cn.substreams[id]
	if !ok {
		return
	}
	c, ok := cn.connections[s.connID]
	if ok {
		cn.sendToDriver(c, driverMessage{Kind: msgOutboundCloseSubstream, SubstreamID: id})
	}
	cn.freeSubstream(id)
}

// GossipSendBlockAnnounce succeeds only if a fully open outbound
// Block-Announces substream exists for (chain, peer).
func (cn *ChainNetwork) GossipSendBlockAnnounce(chain ChainId, peer PeerId, encoded []byte) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	s, c, err := cn.requireOpenOutbound(ProtoBlockAnnounces, chain, peer)
	if err != nil {
		return err
	}
	cn.sendToDriver(c, driverMessage{Kind: msgOutboundSend, SubstreamID: s.id, Bytes: encoded})
	return nil
}

// GossipSendTransaction succeeds only if the Transactions substream is
// open; otherwise it is silently dropped.
func (cn *ChainNetwork) GossipSendTransaction(chain ChainId, peer PeerId, encoded []byte) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	s, c, err := cn.requireOpenOutbound(ProtoTransactions, chain, peer)
	if err != nil {
		return // silently dropped
	}
	cn.sendToDriver(c, driverMessage{Kind: msgOutboundSend, SubstreamID: s.id, Bytes: encoded})
}

// GossipBroadcastGrandpaStateAndUpdate sends a neighbor packet on the
// open Grandpa substream (if any) and unconditionally updates the
// chain's stored local Grandpa state. Note that this does not
// distinguish "queue full" from success.
func (cn *ChainNetwork) GossipBroadcastGrandpaStateAndUpdate(chain ChainId, peer PeerId, state GrandpaState, encoded []byte) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	c, ok := cn.chains[chain]
	if !ok {
		return ErrUnknownChain
	}
	c.grandpa = &state

	s, conn, err := cn.requireOpenOutbound(ProtoGrandpa, chain, peer)
	if err != nil {
		return nil // BA/Grandpa not open: neighbor packet has nowhere to go, not an error
	}
	cn.sendToDriver(conn, driverMessage{Kind: msgOutboundSend, SubstreamID: s.id, Bytes: encoded})
	return nil
}

func (cn *ChainNetwork) requireOpenOutbound(proto NotificationsProtocol, chain ChainId, peer PeerId) (*substream, *connection, error) {
	id, ok := cn.findGossipSubstream(proto, chain, peer, DirectionOut)
	if !ok {
		return nil, nil, ErrGossipNotOpen
	}
	s, ok := cn.substreams[id]
	if !ok || s.state != StateOpen {
		return nil, nil, ErrGossipNotOpen
	}
	c, ok := cn.connections[s.connID]
	if !ok {
		return nil, nil, ErrGossipNotOpen
	}
	return s, c, nil
}

func (cn *ChainNetwork) sendToDriver(c *connection, msg driverMessage) {
	// Backpressure is by slow-sender blocking: dropping a substream
	// open/close/send here would silently desync the driver's
	// substream table from the coordinator's. The driver always drains
	// toConn between its suspension points, so a full channel only
	// stalls the coordinator momentarily.
	c.toConn <- msg
}

// encodeBlockAnnouncesHandshake renders the locally-encoded
// Block-Announces handshake for chain: genesis hash, role, and
// current best (hash, number). The actual SCALE framing is out of
// scope; this returns a stable, decodable-by-the-fake-peer-in-tests
// encoding.
func (cn *ChainNetwork) encodeBlockAnnouncesHandshake(chain ChainId) ([]byte, error) {
	c, ok := cn.chains[chain]
	if !ok {
		return nil, ErrUnknownChain
	}
	out := make([]byte, 0, 32+1+8+32)
	out = append(out, c.genesisHash[:]...)
	out = append(out, byte(c.role))
	out = appendUint64(out, c.bestNumber)
	out = append(out, c.bestHash[:]...)
	return out, nil
}

func appendUint64(b []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		b = append(b, byte(v))
		v >>= 8
	}
	return b
}
