package network

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/lightmesh/chainnet/shared/abool"
)

// newPendingHandshakes builds the expiring map of connections that
// have not yet finished their handshake, keyed by ConnectionId
// . Each
// connection is armed with its own per-item TTL at AddSingleStream/
// MultiStreamConnection time, so the shared cache never needs a
// default expiration.
func newPendingHandshakes() *gocache.Cache {
	return gocache.New(gocache.NoExpiration, time.Second)
}

func handshakeCacheKey(id ConnectionId) string {
	return strconv.FormatUint(uint64(id), 10)
}

// armHandshakeTimeout starts id's handshake-deadline countdown. If it
// fires before disarmHandshakeTimeout runs (handshake finished or the
// connection reset some other way), a synthetic connection-reset
// message is queued onto the same inbox every real driver message
// arrives on, so the timeout flows through the ordinary single-owner
// event loop rather than mutating state from the cache's janitor
// goroutine.
func (cn *ChainNetwork) armHandshakeTimeout(id ConnectionId) {
	flag := abool.New()
	flag.Set()
	cn.handshakeArmed.Store(id, flag)
	cn.pendingHandshakes.Set(handshakeCacheKey(id), struct{}{}, cn.cfg.HandshakeTimeout)
}

// disarmHandshakeTimeout cancels id's pending deadline. Safe to call
// even if the deadline already fired or was never armed. The armed
// flag is cleared before Delete because go-cache fires OnEvicted on
// manual Delete as well as on expiry; without the flag the Delete
// below would re-enter onHandshakeTimeout and inject a spurious reset
// for a connection that just finished handshaking cleanly.
func (cn *ChainNetwork) disarmHandshakeTimeout(id ConnectionId) {
	if flag, ok := cn.handshakeArmed.Load(id); ok {
		flag.(*abool.AtomicBool).UnSet()
	}
	cn.pendingHandshakes.Delete(handshakeCacheKey(id))
	cn.handshakeArmed.Delete(id)
}

// onHandshakeTimeout is registered once, at construction, as the
// cache's eviction callback. It runs on the cache's janitor goroutine
// (real expiry) or on whichever goroutine called Delete (manual
// disarm), so it must not touch cn.mu; the armed flag is the only
// state it reads.
func (cn *ChainNetwork) onHandshakeTimeout(key string, _ interface{}) {
	raw, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return
	}
	id := ConnectionId(raw)
	flag, ok := cn.handshakeArmed.Load(id)
	if !ok || !flag.(*abool.AtomicBool).IsSet() {
		return // manually disarmed, not a real expiry
	}
	cn.handshakeArmed.Delete(id)
	select {
	case cn.inbox <- connMsg{id: id, msg: driverMessage{Kind: msgConnectionReset}}:
	default:
		log.WithField("conn", raw).Warn("handshake timeout fired but inbox is full, dropping")
	}
}
