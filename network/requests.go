package network

import "time"

// RequestKind tags which start_*_request variant allocated a given
// outbound request substream. It selects the substream's protocol and
// response size cap, and labels the requests-started metric.
type RequestKind string

const (
	RequestBlocks           RequestKind = "blocks"
	RequestGrandpaWarpSync  RequestKind = "grandpa-warp-sync"
	RequestState            RequestKind = "state"
	RequestStorageProof     RequestKind = "storage-proof"
	RequestCallProof        RequestKind = "call-proof"
	RequestKademliaFindNode RequestKind = "kademlia-find-node"
)

// responseCap bounds the accepted response size for each request kind.
var responseCap = map[RequestKind]int{
	RequestBlocks:           16 << 20,
	RequestGrandpaWarpSync:  16 << 20,
	RequestState:            16 << 20,
	RequestStorageProof:     16 << 20,
	RequestCallProof:        16 << 20,
	RequestKademliaFindNode: 1 << 20,
}

func protocolKindFor(req RequestKind) ProtocolKind {
	switch req {
	case RequestBlocks:
		return ProtoChainSync
	case RequestGrandpaWarpSync:
		return ProtoChainSyncWarp
	case RequestState:
		return ProtoChainState
	case RequestStorageProof:
		return ProtoChainLightStorage
	case RequestCallProof:
		return ProtoChainLightCall
	case RequestKademliaFindNode:
		return ProtoChainKad
	default:
		return ProtoChainLightUnknown
	}
}

// startRequest is the shared implementation behind every
// start_*_request operation: pick any healthy established connection
// to target, encode the protocol-specific request, allocate a request
// substream with a per-call timeout, and return its SubstreamId.
func (cn *ChainNetwork) startRequest(kind RequestKind, chain ChainId, target PeerId, payload []byte) (SubstreamId, error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	c, ok := cn.anyHealthyConnection(target)
	if !ok {
		return 0, ErrNoConnection
	}
	proto := Protocol{Kind: protocolKindFor(kind), ChainIndex: chain}
	if _, err := cn.protocolName(proto); err != nil {
		return 0, err
	}

	s := cn.allocSubstream(c.id, proto)
	s.isRequest = true
	s.requestKind = kind
	s.direction = DirectionOut
	s.peer = target

	cn.armRequestTimeout(s.id, c.id, cn.effectiveRequestTimeout())

	cn.metrics.RequestsStarted.WithLabelValues(string(kind)).Inc()
	cn.sendToDriver(c, driverMessage{Kind: msgOutboundSend, SubstreamID: s.id, Protocol: proto, Bytes: payload})
	return s.id, nil
}

func (cn *ChainNetwork) effectiveRequestTimeout() time.Duration {
	if cn.cfg.RequestTimeout <= 0 {
		return 10 * time.Second
	}
	return cn.cfg.RequestTimeout
}

// StartBlocksRequest issues a blocks-range request (sync/2) to target.
func (cn *ChainNetwork) StartBlocksRequest(chain ChainId, target PeerId, encoded []byte) (SubstreamId, error) {
	return cn.startRequest(RequestBlocks, chain, target, encoded)
}

// StartGrandpaWarpSyncRequest issues a warp-sync request.
func (cn *ChainNetwork) StartGrandpaWarpSyncRequest(chain ChainId, target PeerId, encoded []byte) (SubstreamId, error) {
	return cn.startRequest(RequestGrandpaWarpSync, chain, target, encoded)
}

// StartStateRequest issues a state-sync request.
func (cn *ChainNetwork) StartStateRequest(chain ChainId, target PeerId, encoded []byte) (SubstreamId, error) {
	return cn.startRequest(RequestState, chain, target, encoded)
}

// StartStorageProofRequest issues a light-client storage-proof request.
func (cn *ChainNetwork) StartStorageProofRequest(chain ChainId, target PeerId, encoded []byte) (SubstreamId, error) {
	return cn.startRequest(RequestStorageProof, chain, target, encoded)
}

// StartCallProofRequest issues a light-client call-proof request.
func (cn *ChainNetwork) StartCallProofRequest(chain ChainId, target PeerId, encoded []byte) (SubstreamId, error) {
	return cn.startRequest(RequestCallProof, chain, target, encoded)
}

// StartKademliaFindNodeRequest issues a Kademlia FIND_NODE request.
func (cn *ChainNetwork) StartKademliaFindNodeRequest(chain ChainId, target PeerId, encoded []byte) (SubstreamId, error) {
	return cn.startRequest(RequestKademliaFindNode, chain, target, encoded)
}

// RespondIdentify completes an inbound Identify request. It panics if
// substreamID was cancelled: responding to a cancelled request is a
// fatal API-misuse contract violation.
func (cn *ChainNetwork) RespondIdentify(substreamID SubstreamId, encoded []byte) {
	cn.respond(substreamID, encoded)
}

// RespondBlocks completes an inbound blocks request. response == nil
// denies the request.
func (cn *ChainNetwork) RespondBlocks(substreamID SubstreamId, response []byte) {
	cn.respond(substreamID, response)
}

func (cn *ChainNetwork) respond(substreamID SubstreamId, payload []byte) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	s, ok := cn.substreams[substreamID]
	if !ok || s.cancelled {
		panic("network: responded to a cancelled or unknown request substream")
	}
	if s.responded {
		panic("network: responded to a request substream twice")
	}
	s.responded = true

	c, ok := cn.connections[s.connID]
	if !ok {
		return
	}
	if payload == nil {
		cn.sendToDriver(c, driverMessage{Kind: msgOutboundRejectInbound, SubstreamID: substreamID, PeerSubstreamID: s.peerSubstreamID})
	} else {
		cn.sendToDriver(c, driverMessage{Kind: msgOutboundSend, SubstreamID: substreamID, PeerSubstreamID: s.peerSubstreamID, Bytes: payload})
	}
	cn.freeSubstream(substreamID)
}
