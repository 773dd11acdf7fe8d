package syncservice

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/lightmesh/chainnet/network"
)

// NetworkTransport adapts a *network.ChainNetwork into the
// RequestTransport interface the proof-query state machines use. It
// owns a dedicated goroutine driving ChainNetwork.NextEvent and
// correlating RequestResult events back to their issuing call by
// SubstreamId; every other event is handed to OnEvent, if set, so the
// owning SyncService can still observe BlockAnnounce/GossipConnected/
// etc. on the same coordinator.
type NetworkTransport struct {
	cn *network.ChainNetwork

	mu      sync.Mutex
	waiters map[network.SubstreamId]chan network.Event

	OnEvent func(network.Event)
}

// NewNetworkTransport wraps cn and starts its dispatch loop; cancel ctx
// to stop it (structural cancellation).
func NewNetworkTransport(ctx context.Context, cn *network.ChainNetwork) *NetworkTransport {
	t := &NetworkTransport{cn: cn, waiters: make(map[network.SubstreamId]chan network.Event)}
	go t.dispatchLoop(ctx)
	return t
}

func (t *NetworkTransport) dispatchLoop(ctx context.Context) {
	for {
		ev, err := t.cn.NextEvent(ctx)
		if err != nil {
			t.failAllWaiters(err)
			return
		}
		if ev.Kind == network.EventRequestResult {
			t.mu.Lock()
			ch, ok := t.waiters[ev.SubstreamID]
			if ok {
				delete(t.waiters, ev.SubstreamID)
			}
			t.mu.Unlock()
			if ok {
				ch <- ev
				continue
			}
		}
		if t.OnEvent != nil {
			t.OnEvent(ev)
		}
	}
}

func (t *NetworkTransport) failAllWaiters(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.waiters {
		close(ch)
		delete(t.waiters, id)
	}
}

func (t *NetworkTransport) await(ctx context.Context, id network.SubstreamId) (network.Event, error) {
	ch := make(chan network.Event, 1)
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()

	select {
	case ev, ok := <-ch:
		if !ok {
			return network.Event{}, errors.New("syncservice: network transport shut down while awaiting response")
		}
		return ev, nil
	case <-ctx.Done():
		return network.Event{}, ctx.Err()
	}
}

// SendCallProofRequest implements RequestTransport.
func (t *NetworkTransport) SendCallProofRequest(ctx context.Context, chain ChainId, peer PeerId, blockHash Hash, fn string, params []byte, maxNodes int) ([]byte, error) {
	payload := encodeCallProofRequest(blockHash, fn, params, maxNodes)
	id, err := t.cn.StartCallProofRequest(network.ChainId(chain), peer, payload)
	if err != nil {
		return nil, errors.Wrap(err, "syncservice: start call proof request")
	}
	return t.awaitPayload(ctx, id)
}

// SendStorageProofRequest implements RequestTransport.
func (t *NetworkTransport) SendStorageProofRequest(ctx context.Context, chain ChainId, peer PeerId, blockHash Hash, keys [][]byte, maxNodes int) ([]byte, error) {
	payload := encodeStorageProofRequest(blockHash, keys, maxNodes)
	id, err := t.cn.StartStorageProofRequest(network.ChainId(chain), peer, payload)
	if err != nil {
		return nil, errors.Wrap(err, "syncservice: start storage proof request")
	}
	return t.awaitPayload(ctx, id)
}

// SendBlocksRequest issues a blocks-range request and awaits its
// response through the same RequestResult correlation as the proof
// requests. The payload is caller-encoded: block request framing is a
// sync-strategy concern, not a transport one.
func (t *NetworkTransport) SendBlocksRequest(ctx context.Context, chain ChainId, peer PeerId, payload []byte) ([]byte, error) {
	id, err := t.cn.StartBlocksRequest(network.ChainId(chain), peer, payload)
	if err != nil {
		return nil, errors.Wrap(err, "syncservice: start blocks request")
	}
	return t.awaitPayload(ctx, id)
}

// SendWarpSyncRequest issues a Grandpa warp-sync request.
func (t *NetworkTransport) SendWarpSyncRequest(ctx context.Context, chain ChainId, peer PeerId, payload []byte) ([]byte, error) {
	id, err := t.cn.StartGrandpaWarpSyncRequest(network.ChainId(chain), peer, payload)
	if err != nil {
		return nil, errors.Wrap(err, "syncservice: start warp sync request")
	}
	return t.awaitPayload(ctx, id)
}

// SendStateRequest issues a state-sync request.
func (t *NetworkTransport) SendStateRequest(ctx context.Context, chain ChainId, peer PeerId, payload []byte) ([]byte, error) {
	id, err := t.cn.StartStateRequest(network.ChainId(chain), peer, payload)
	if err != nil {
		return nil, errors.Wrap(err, "syncservice: start state request")
	}
	return t.awaitPayload(ctx, id)
}

func (t *NetworkTransport) awaitPayload(ctx context.Context, id network.SubstreamId) ([]byte, error) {
	ev, err := t.await(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Err != nil {
		return nil, ev.Err
	}
	return ev.ResponsePayload, nil
}

// encodeCallProofRequest and encodeStorageProofRequest produce a
// stable, self-describing wire payload; the SCALE codec itself is out
// of scope, so this is a minimal length-prefixed framing sufficient
// for a fake peer in tests to decode.
func encodeCallProofRequest(blockHash Hash, fn string, params []byte, maxNodes int) []byte {
	out := make([]byte, 0, 32+2+len(fn)+len(params)+4)
	out = append(out, blockHash[:]...)
	out = appendUvarint(out, uint64(len(fn)))
	out = append(out, fn...)
	out = appendUvarint(out, uint64(len(params)))
	out = append(out, params...)
	out = appendUvarint(out, uint64(maxNodes))
	return out
}

func encodeStorageProofRequest(blockHash Hash, keys [][]byte, maxNodes int) []byte {
	out := make([]byte, 0, 32+4)
	out = append(out, blockHash[:]...)
	out = appendUvarint(out, uint64(len(keys)))
	for _, k := range keys {
		out = appendUvarint(out, uint64(len(k)))
		out = append(out, k...)
	}
	out = appendUvarint(out, uint64(maxNodes))
	return out
}

func appendUvarint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}
