package network

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/lightmesh/chainnet/shared/abool"
)

// armedRequest is the requestArmed entry for one in-flight outbound
// request: the re-entry guard flag plus the connection the synthetic
// timeout message must be routed against.
type armedRequest struct {
	flag *abool.AtomicBool
	conn ConnectionId
}

func newPendingRequests() *gocache.Cache {
	return gocache.New(gocache.NoExpiration, time.Second)
}

func requestCacheKey(id SubstreamId) string {
	return strconv.FormatUint(uint64(id), 10)
}

// armRequestTimeout starts the per-call deadline for an outbound
// request substream. Expiry injects msgRequestTimeout through the
// inbox so the timeout flows through the same single-owner event loop
// as every driver message.
func (cn *ChainNetwork) armRequestTimeout(sub SubstreamId, conn ConnectionId, timeout time.Duration) {
	flag := abool.New()
	flag.Set()
	cn.requestArmed.Store(sub, &armedRequest{flag: flag, conn: conn})
	cn.pendingRequests.Set(requestCacheKey(sub), struct{}{}, timeout)
}

// disarmRequestTimeout cancels the deadline once a response arrived or
// the substream died some other way. The armed flag is cleared first
// for the same manual-Delete re-entry reason as disarmHandshakeTimeout.
func (cn *ChainNetwork) disarmRequestTimeout(sub SubstreamId) {
	if v, ok := cn.requestArmed.Load(sub); ok {
		v.(*armedRequest).flag.UnSet()
	}
	cn.pendingRequests.Delete(requestCacheKey(sub))
	cn.requestArmed.Delete(sub)
}

func (cn *ChainNetwork) onRequestTimeout(key string, _ interface{}) {
	raw, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return
	}
	sub := SubstreamId(raw)
	v, ok := cn.requestArmed.Load(sub)
	if !ok {
		return
	}
	ar := v.(*armedRequest)
	if !ar.flag.IsSet() {
		return // manually disarmed, not a real expiry
	}
	cn.requestArmed.Delete(sub)
	select {
	case cn.inbox <- connMsg{id: ar.conn, msg: driverMessage{Kind: msgRequestTimeout, SubstreamID: sub}}:
	default:
		log.WithField("substream", raw).Warn("request timeout fired but inbox is full, dropping")
	}
}
