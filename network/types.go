// Package network implements the chain-aware peer-to-peer networking
// coordinator (ChainNetwork) and its per-connection driver. It tracks
// every connection's lifecycle, negotiates chain-specific substreams,
// and drives gossip links to a chosen subset of peers.
package network

import (
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multiaddr"
)

// PeerId is the stable multihash identity of a remote node.
type PeerId = peer.ID

// ChainId is a dense small integer identifying a chain registered via
// AddChain. Ids are never reused across a chain's lifetime.
type ChainId uint32

// ConnectionId identifies a single physical connection. Ids come from
// a monotonically increasing counter and are never reused.
type ConnectionId uint64

// SubstreamId identifies one logical stream within a connection.
type SubstreamId uint64

// GossipKind enumerates the kinds of gossip intent a caller can
// declare desire for. Only one kind is defined today.
type GossipKind uint8

const (
	// ConsensusTransactions is the sole GossipKind: the bundle of
	// Block-Announces + Transactions + Grandpa substreams that make a
	// peer "gossip connected" for a chain.
	ConsensusTransactions GossipKind = iota
)

func (k GossipKind) String() string {
	switch k {
	case ConsensusTransactions:
		return "consensus-transactions"
	default:
		return "unknown-gossip-kind"
	}
}

// Direction distinguishes inbound from outbound substreams.
type Direction uint8

const (
	DirectionIn Direction = iota
	DirectionOut
)

// SubstreamState is the lifecycle state of a gossip link substream.
type SubstreamState uint8

const (
	// StatePending means the substream has been opened/negotiated but
	// its handshake has not yet completed.
	StatePending SubstreamState = iota
	// StateOpen means the handshake finished and the substream carries
	// live notifications.
	StateOpen
)

// NotificationsProtocol is the subset of Protocol kinds that use
// persistent notification substreams rather than request/response.
type NotificationsProtocol uint8

const (
	ProtoBlockAnnounces NotificationsProtocol = iota
	ProtoTransactions
	ProtoGrandpa
)

func (p NotificationsProtocol) String() string {
	switch p {
	case ProtoBlockAnnounces:
		return "block-announces/1"
	case ProtoTransactions:
		return "transactions/1"
	case ProtoGrandpa:
		return "grandpa/1"
	default:
		return "unknown-notifications-protocol"
	}
}

// ProtocolKind tags the non-chain-specific and chain-specific protocol
// families a substream can carry.
type ProtocolKind uint8

const (
	ProtoIdentify ProtocolKind = iota
	ProtoPing
	ProtoChainBlockAnnounces
	ProtoChainTransactions
	ProtoChainGrandpa
	ProtoChainSync
	ProtoChainKad
	ProtoChainSyncWarp
	ProtoChainState
	ProtoChainLightStorage
	ProtoChainLightCall
	ProtoChainLightUnknown
)

// Protocol is a tagged variant identifying what a substream carries.
// ChainIndex is meaningless for Identify/Ping.
type Protocol struct {
	Kind       ProtocolKind
	ChainIndex ChainId
}

func (p Protocol) isPerChain() bool {
	return p.Kind != ProtoIdentify && p.Kind != ProtoPing
}

// name returns the bare protocol suffix, as used in the wire-name
// format: "/<hex(genesis)>[/<fork_id>]/<proto>".
func (p Protocol) name() string {
	switch p.Kind {
	case ProtoIdentify:
		return "identify"
	case ProtoPing:
		return "ping"
	case ProtoChainBlockAnnounces:
		return "block-announces/1"
	case ProtoChainTransactions:
		return "transactions/1"
	case ProtoChainGrandpa:
		return "grandpa/1"
	case ProtoChainSync:
		return "sync/2"
	case ProtoChainKad:
		return "kad"
	case ProtoChainSyncWarp:
		return "sync/warp"
	case ProtoChainState:
		return "state/2"
	case ProtoChainLightStorage, ProtoChainLightCall, ProtoChainLightUnknown:
		return "light/2"
	default:
		return "unknown"
	}
}

// Address is the opaque remote-address blob carried by a ConnectionId,
// backed by a parsed multiaddr so dial-support validation can walk its
// protocol stack.
type Address struct {
	Multiaddr multiaddr.Multiaddr
}
