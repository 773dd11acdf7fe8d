package network

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/lightmesh/chainnet/shared/backoff"
)

// Config configures a ChainNetwork instance.
type Config struct {
	// HandshakeTimeout bounds how long a connection may remain in the
	// pre-handshake state before it is dropped.
	HandshakeTimeout time.Duration
	// RequestTimeout bounds every start_*_request call.
	RequestTimeout time.Duration
	// Platform supplies clock/sleep/RNG/task-spawn capabilities. Tests
	// may substitute a deterministic fake.
	Platform Platform
}

// DefaultConfig returns sane defaults matching the pack's general
// timeout conventions (tens of seconds, not hundreds of milliseconds).
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 20 * time.Second,
		RequestTimeout:   10 * time.Second,
		Platform:         RealPlatform{},
	}
}

// ChainNetwork is the single-owner, single-task coordinator for every
// chain, connection, substream, and gossip intent. All exported
// methods are safe to call from any
// goroutine — they serialize on an internal mutex exactly the way a
// single logical task would — but NextEvent is the only operation
// that should be driven in a loop by the owning task; the others are
// invoked by connection drivers and API callers.
type ChainNetwork struct {
	mu sync.Mutex

	cfg Config

	nextChainId ChainId
	chains      map[ChainId]*chain
	chainsByGenesis map[string]ChainId

	nextConnId ConnectionId
	connections map[ConnectionId]*connection

	nextSubstreamId SubstreamId
	substreams      map[SubstreamId]*substream

	// gossipLinks indexes every (protocol, peer, direction, state)
	// gossip link substream.
	gossipLinks map[gossipLinkKey]SubstreamId

	// desired-set bookkeeping.
	desired                     map[desiredKey]struct{}
	unconnectedDesired          map[desiredKey]struct{}
	connectedUnopenedDesired    map[desiredKey]struct{}
	openedGossipUndesired       map[desiredKey]struct{}

	connectionsByPeer map[PeerId]map[ConnectionId]struct{}

	pendingEvents []Event

	// inbox is the coordinator's single fan-in point: every
	// connection's dedicated fromConn channel is relayed here tagged
	// with its ConnectionId by a small per-connection forwarder.
	inbox chan connMsg

	// pendingHandshakes tracks connections still awaiting a completed
	// handshake, evicting (and thereby resetting) any that outlive
	// cfg.HandshakeTimeout.
	//
	// go-cache's OnEvicted fires on manual Delete as well as on actual
	// expiry ("including when it is deleted manually" per its own
	// doc), so disarmHandshakeTimeout's own Delete call would otherwise
	// re-enter onHandshakeTimeout synchronously and inject a spurious
	// reset for a connection that just finished handshaking cleanly.
	// handshakeArmed guards against that: it is lock-free so the
	// janitor goroutine (real expiry, no cn.mu held) and the
	// coordinator goroutine (manual disarm, cn.mu held) can both flip
	// it without risking a deadlock through OnEvicted's callback.
	pendingHandshakes *gocache.Cache
	handshakeArmed    sync.Map // ConnectionId -> *abool.AtomicBool

	// pendingRequests mirrors pendingHandshakes for outbound request
	// substreams: each start_*_request arms a per-call deadline, and an
	// expiry that was not disarmed by a response injects a synthetic
	// timeout message through the inbox. Same manual-Delete re-entry
	// guard as above, keyed by SubstreamId.
	pendingRequests *gocache.Cache
	requestArmed    sync.Map // SubstreamId -> *armedRequest

	// reopenBackoff grows the delay before a Transactions/Grandpa
	// substream is retried after a reset, so a misbehaving peer that
	// keeps resetting the link isn't hammered with immediate reopen
	// attempts.
	reopenBackoff map[reopenKey]*backoff.Strategy

	metrics *Metrics
}

// reopenKey identifies one dependent-notifications reopen backoff
// track: a single (chain, peer, protocol) retries independently of
// every other triple.
type reopenKey struct {
	chain ChainId
	peer  PeerId
	proto NotificationsProtocol
}

// connMsg tags a driverMessage with the connection it arrived from.
type connMsg struct {
	id  ConnectionId
	msg driverMessage
}

type gossipLinkKey struct {
	proto     NotificationsProtocol
	chain     ChainId
	peer      PeerId
	direction Direction
}

type desiredKey struct {
	chain ChainId
	peer  PeerId
	kind  GossipKind
}

// New constructs an empty ChainNetwork. Multiple instances may be
// created concurrently in the same process.
func New(cfg Config) *ChainNetwork {
	if cfg.Platform == nil {
		cfg.Platform = RealPlatform{}
	}
	cn := &ChainNetwork{
		cfg:                      cfg,
		chains:                   make(map[ChainId]*chain),
		chainsByGenesis:          make(map[string]ChainId),
		connections:              make(map[ConnectionId]*connection),
		substreams:               make(map[SubstreamId]*substream),
		gossipLinks:              make(map[gossipLinkKey]SubstreamId),
		desired:                  make(map[desiredKey]struct{}),
		unconnectedDesired:       make(map[desiredKey]struct{}),
		connectedUnopenedDesired: make(map[desiredKey]struct{}),
		openedGossipUndesired:    make(map[desiredKey]struct{}),
		connectionsByPeer:        make(map[PeerId]map[ConnectionId]struct{}),
		inbox:                    make(chan connMsg, defaultChannelBuffer),
		pendingHandshakes:        newPendingHandshakes(),
		pendingRequests:          newPendingRequests(),
		reopenBackoff:            make(map[reopenKey]*backoff.Strategy),
		metrics:                  newMetrics(),
	}
	cn.pendingHandshakes.OnEvicted(cn.onHandshakeTimeout)
	cn.pendingRequests.OnEvicted(cn.onRequestTimeout)
	return cn
}

func (cn *ChainNetwork) queueEvent(ev Event) {
	cn.pendingEvents = append(cn.pendingEvents, ev)
}

// hasHealthyConnection reports whether peer has at least one
// connection past handshake (PeerId resolved, not reset).
func (cn *ChainNetwork) hasHealthyConnection(peer PeerId) bool {
	for id := range cn.connectionsByPeer[peer] {
		c := cn.connections[id]
		if c != nil && c.handshakeDone && !c.reset {
			return true
		}
	}
	return false
}

// anyHealthyConnection returns one healthy established connection to
// peer, or false if none exists.
func (cn *ChainNetwork) anyHealthyConnection(peer PeerId) (*connection, bool) {
	for id := range cn.connectionsByPeer[peer] {
		c := cn.connections[id]
		if c != nil && c.handshakeDone && !c.reset {
			return c, true
		}
	}
	return nil, false
}
