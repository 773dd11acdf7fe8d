package network

import "github.com/pkg/errors"

// Wire framing for notification payloads. The real SCALE codec is an
// external collaborator; the framing here is the stable encoding the
// rest of this repo (and its tests) exchange through the driver seam.
//
// Block announce: 1 flag byte (0/1 = is-best) followed by the
// SCALE-encoded header, opaque to this layer.
//
// Grandpa: 1 tag byte. Tag 0 is a neighbor packet carrying round
// number, set id, and commit-finalized height as three little-endian
// u64s. Tag 1 is a commit message whose body is opaque.
const (
	grandpaTagNeighbor byte = 0
	grandpaTagCommit   byte = 1
)

// EncodeBlockAnnounce renders a block announce notification payload.
func EncodeBlockAnnounce(scaleEncodedHeader []byte, isBest bool) []byte {
	out := make([]byte, 0, 1+len(scaleEncodedHeader))
	if isBest {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return append(out, scaleEncodedHeader...)
}

func decodeBlockAnnounce(b []byte) (header []byte, isBest bool, err error) {
	if len(b) < 1 {
		return nil, false, errors.New("network: empty block announce")
	}
	switch b[0] {
	case 0:
	case 1:
		isBest = true
	default:
		return nil, false, errors.Errorf("network: invalid block announce flag %d", b[0])
	}
	return b[1:], isBest, nil
}

// EncodeGrandpaNeighborPacket renders a neighbor packet payload from
// the local Grandpa state.
func EncodeGrandpaNeighborPacket(st GrandpaState) []byte {
	out := make([]byte, 0, 1+24)
	out = append(out, grandpaTagNeighbor)
	out = appendUint64(out, st.RoundNumber)
	out = appendUint64(out, st.SetId)
	out = appendUint64(out, st.CommitFinalizedHeight)
	return out
}

// EncodeGrandpaCommitMessage wraps an opaque commit message body.
func EncodeGrandpaCommitMessage(body []byte) []byte {
	return append([]byte{grandpaTagCommit}, body...)
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func decodeGrandpaMessage(b []byte) (st GrandpaState, commit []byte, isNeighbor bool, err error) {
	if len(b) < 1 {
		return GrandpaState{}, nil, false, errors.New("network: empty grandpa message")
	}
	switch b[0] {
	case grandpaTagNeighbor:
		if len(b) != 1+24 {
			return GrandpaState{}, nil, false, errors.Errorf("network: neighbor packet length %d", len(b))
		}
		st = GrandpaState{
			RoundNumber:           decodeUint64(b[1:9]),
			SetId:                 decodeUint64(b[9:17]),
			CommitFinalizedHeight: decodeUint64(b[17:25]),
		}
		return st, nil, true, nil
	case grandpaTagCommit:
		return GrandpaState{}, b[1:], false, nil
	default:
		return GrandpaState{}, nil, false, errors.Errorf("network: unknown grandpa message tag %d", b[0])
	}
}

// blockAnnouncesHandshakeLen is the fixed size of the Block-Announces
// handshake produced by encodeBlockAnnouncesHandshake: genesis hash,
// role byte, best number, best hash.
const blockAnnouncesHandshakeLen = 32 + 1 + 8 + 32

func decodeBlockAnnouncesHandshake(b []byte) (genesis [32]byte, role Role, bestNumber uint64, bestHash [32]byte, err error) {
	if len(b) != blockAnnouncesHandshakeLen {
		err = errors.Errorf("network: block-announces handshake length %d", len(b))
		return
	}
	copy(genesis[:], b[:32])
	if b[32] > byte(RoleValidator) {
		err = errors.Errorf("network: invalid role byte %d", b[32])
		return
	}
	role = Role(b[32])
	bestNumber = decodeUint64(b[33:41])
	copy(bestHash[:], b[41:73])
	return
}

// handleInboundNotification decodes one notification arriving on an
// open substream and surfaces it as a BlockAnnounce, a Grandpa
// neighbor packet, or a Grandpa commit message. Decode failures on an
// otherwise healthy substream are diagnostic only: they surface as
// ProtocolError without closing the connection.
func (cn *ChainNetwork) handleInboundNotification(c *connection, msg driverMessage) {
	s, ok := cn.substreams[msg.SubstreamID]
	if !ok {
		return
	}
	peer, _ := c.peerId()
	chainIdx := s.protocol.ChainIndex

	switch s.protocol.Kind {
	case ProtoChainBlockAnnounces:
		header, isBest, err := decodeBlockAnnounce(msg.Bytes)
		if err != nil {
			cn.queueEvent(Event{Kind: EventProtocolError, ConnectionID: c.id, PeerID: peer, ChainID: chainIdx, ProtocolErr: err})
			return
		}
		cn.queueEvent(Event{
			Kind: EventBlockAnnounce, ConnectionID: c.id, PeerID: peer, ChainID: chainIdx,
			AnnouncedHeader: header, AnnouncedIsBest: isBest,
		})
	case ProtoChainGrandpa:
		st, commit, isNeighbor, err := decodeGrandpaMessage(msg.Bytes)
		if err != nil {
			cn.queueEvent(Event{Kind: EventProtocolError, ConnectionID: c.id, PeerID: peer, ChainID: chainIdx, ProtocolErr: err})
			return
		}
		if isNeighbor {
			cn.queueEvent(Event{Kind: EventGrandpaNeighborPacket, ConnectionID: c.id, PeerID: peer, ChainID: chainIdx, Neighbor: st})
		} else {
			cn.queueEvent(Event{Kind: EventGrandpaCommitMessage, ConnectionID: c.id, PeerID: peer, ChainID: chainIdx, CommitMessage: commit})
		}
	case ProtoChainTransactions:
		// Inbound transactions are not surfaced to the upper layer; a
		// light client never imports remote transactions.
	default:
		cn.queueEvent(Event{Kind: EventProtocolError, ConnectionID: c.id, PeerID: peer, ChainID: chainIdx,
			ProtocolErr: errors.Errorf("network: notification on non-notifications substream %d", msg.SubstreamID)})
	}
}

// handleNotificationsHandshake is the driver-message form of the
// gossip-connected derivation: the remote's Block-Announces handshake
// bytes arrived for a pending outbound substream. Decode failures are
// reported as GossipOpenFailed, leaving the pair eligible for a future
// GossipOpen.
func (cn *ChainNetwork) handleNotificationsHandshake(c *connection, msg driverMessage) {
	s, ok := cn.substreams[msg.SubstreamID]
	if !ok || s.direction != DirectionOut {
		return
	}
	np, chainIdx, peer, _ := cn.describeGossipSubstream(s)
	if np != ProtoBlockAnnounces || s.state != StatePending {
		return
	}

	genesis, role, bestNumber, bestHash, err := decodeBlockAnnouncesHandshake(msg.Bytes)
	if err != nil {
		cn.freeSubstream(msg.SubstreamID)
		cn.clearGossipSubstream(ProtoBlockAnnounces, chainIdx, peer, DirectionOut)
		cn.queueEvent(Event{Kind: EventGossipOpenFailed, ChainID: chainIdx, PeerID: peer, Kind_: ConsensusTransactions, Err: err})
		cn.recomputeDesiredSets(chainIdx, peer, ConsensusTransactions)
		return
	}
	cn.finishGossipOpenLocked(s, genesis, role, bestNumber, bestHash)
}
