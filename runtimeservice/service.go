// Package runtimeservice layers a runtime-aware tree on top of
// syncservice: every reported non-finalized block gets an associated
// Wasm runtime, downloaded and compiled on demand, deduplicated when
// two blocks yield identical code+heappages, and pinned for the
// lifetime of every subscription that observed it.
package runtimeservice

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lightmesh/chainnet/asynctree"
	"github.com/lightmesh/chainnet/syncservice"
)

// Config configures a RuntimeService.
type Config struct {
	Chain     syncservice.ChainId
	Transport syncservice.RequestTransport
	Verifier  syncservice.ProofVerifier
	Compiler  Compiler
	Platform  HostEnvironment

	// MaxConcurrentDownloads bounds runtime downloads in flight;
	// defaults to 2.
	MaxConcurrentDownloads int64
	RetryAfterFailed       time.Duration
	DedupCacheSize         int
	DefaultPinLimit        uint64
	MaxLogLevel            uint8
}

// RuntimeService wraps one syncservice.Service with a runtime-download
// async tree, exposing runtime-aware subscriptions and pinned runtime
// calls. Multiple instances may coexist in the same process; none of
// them share global state.
type RuntimeService struct {
	cfg  Config
	sync *syncservice.Service

	mu      sync.Mutex
	tree    *asynctree.Tree[syncservice.Hash, *Runtime]
	dedup   *dedupCache
	sem     *semaphore.Weighted
	headers map[syncservice.Hash]syncservice.Header

	nextSubID uint64
	subs      map[uint64]*runtimeSubscription
}

// New constructs a RuntimeService rooted at genesisHash with an
// already-resolved genesis runtime; the root never needs downloading
// (asynctree.New's contract).
func New(cfg Config, sync *syncservice.Service, genesisHeader syncservice.Header, genesisRuntime *Runtime) *RuntimeService {
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = 2
	}
	if cfg.RetryAfterFailed <= 0 {
		cfg.RetryAfterFailed = 10 * time.Second
	}
	if cfg.Platform == nil {
		cfg.Platform = RealHostEnvironment{}
	}
	genesisRuntime.refCount = 1
	return &RuntimeService{
		cfg:     cfg,
		sync:    sync,
		tree:    asynctree.New[syncservice.Hash, *Runtime](genesisHeader.Hash, genesisRuntime, cfg.RetryAfterFailed),
		dedup:   newDedupCache(cfg.DedupCacheSize),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentDownloads),
		headers: map[syncservice.Hash]syncservice.Header{genesisHeader.Hash: genesisHeader},
		subs:    make(map[uint64]*runtimeSubscription),
	}
}

// Subscribe mirrors syncservice.Service.SubscribeAll but each Block
// notification carries the block's pinned runtime. bufferSize bounds
// the notification channel; pinLimit bounds how many finalized pins
// this subscription may hold before it is dropped.
func (rs *RuntimeService) Subscribe(bufferSize int, pinLimit uint64) (RuntimeSnapshot, uint64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if pinLimit == 0 {
		pinLimit = rs.cfg.DefaultPinLimit
	}
	id := rs.nextSubID
	rs.nextSubID++
	sub := &runtimeSubscription{
		id:                       id,
		ch:                       make(chan RuntimeNotification, bufferSize),
		pins:                     make(map[syncservice.Hash]*PinnedBlock),
		finalizedPinnedRemaining: pinLimit,
	}
	rs.subs[id] = sub

	finalizedHash := rs.tree.FinalizedBlock()
	finalizedHeader := rs.headers[finalizedHash]
	finalizedRuntime, known := rs.tree.Value(finalizedHash)
	if known {
		sub.pin(finalizedHash, finalizedRuntime, finalizedHeader.StateRoot, finalizedHeader.Number, false)
		sub.finalizedSeeded = true
	}
	// While the finalized runtime is still unknown (a rebuild landed
	// on a never-downloaded block), Finalized.Runtime is nil and no
	// block output is produced; the pin is seeded by drainOutput once
	// the root's download completes.

	// Order the ready blocks parents-first so the snapshot honors the
	// same ancestry-order guarantee the notification stream gives.
	ready := rs.readyAncestry()
	appended := map[syncservice.Hash]bool{finalizedHash: true}
	var ancestry []RuntimePinned
	for len(ancestry) < len(ready) {
		progressed := false
		for hash, rt := range ready {
			if appended[hash] {
				continue
			}
			h := rs.headers[hash]
			if !appended[h.ParentHash] {
				continue
			}
			sub.pin(hash, rt, h.StateRoot, h.Number, true)
			ancestry = append(ancestry, RuntimePinned{Hash: hash, Header: h, Runtime: rt})
			appended[hash] = true
			progressed = true
		}
		if !progressed {
			break // remaining ready blocks hang off a not-yet-ready parent
		}
	}

	return RuntimeSnapshot{
		Finalized:          RuntimePinned{Hash: finalizedHash, Header: finalizedHeader, Runtime: finalizedRuntime},
		NonFinalizedReady:  ancestry,
		NewBlocks:          sub.ch,
		SubscriptionID:     id,
	}, id
}

// RuntimePinned names a block alongside its resolved runtime.
type RuntimePinned struct {
	Hash    syncservice.Hash
	Header  syncservice.Header
	Runtime *Runtime
}

// RuntimeSnapshot is returned synchronously by Subscribe.
type RuntimeSnapshot struct {
	Finalized         RuntimePinned
	NonFinalizedReady []RuntimePinned
	NewBlocks         <-chan RuntimeNotification
	SubscriptionID    uint64
}

// readyAncestry returns every non-finalized block whose runtime is
// already resolved, for seeding a new subscription's snapshot. Must be
// called with rs.mu held.
func (rs *RuntimeService) readyAncestry() map[syncservice.Hash]*Runtime {
	out := make(map[syncservice.Hash]*Runtime)
	for hash := range rs.headers {
		if hash == rs.tree.FinalizedBlock() {
			continue
		}
		if rt, ok := rs.tree.Value(hash); ok {
			out[hash] = rt
		}
	}
	return out
}

// Unsubscribe releases a subscription, unpinning every block it held.
func (rs *RuntimeService) Unsubscribe(id uint64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.closeSubscriptionLocked(id)
}

func (rs *RuntimeService) closeSubscriptionLocked(id uint64) {
	sub, ok := rs.subs[id]
	if !ok || sub.closed {
		return
	}
	sub.closed = true
	sub.unpinAll()
	close(sub.ch)
	delete(rs.subs, id)
}

// Run drives the service: it subscribes to the underlying
// syncservice.Service, mirrors every block into the download tree,
// advances at most one download per iteration, drains ready output
// events to subscribers, and blocks until ctx is cancelled. A reset of
// the underlying subscription (finality gap, warp sync) rebuilds the
// tree from a fresh snapshot; the subscribers alive at that moment are
// notified by their channels closing and must resubscribe. Callers
// spawn this once via cfg.Platform.Spawn.
func (rs *RuntimeService) Run(ctx context.Context, peers []syncservice.PeerId) {
	for {
		snap := rs.sync.SubscribeAll(256, false)

		rs.mu.Lock()
		// If the previous tree already resolved the new finalized
		// block's runtime, the rebuilt tree starts in the known phase;
		// otherwise its root is a pending op the download loop fills
		// in, and no output is produced before it completes.
		if rt, ok := rs.tree.Value(snap.FinalizedHeader.Hash); ok {
			rs.tree = asynctree.New[syncservice.Hash, *Runtime](snap.FinalizedHeader.Hash, rt, rs.cfg.RetryAfterFailed)
		} else {
			rs.tree = asynctree.NewWithPendingRoot[syncservice.Hash, *Runtime](snap.FinalizedHeader.Hash, rs.cfg.RetryAfterFailed)
		}
		rs.headers = map[syncservice.Hash]syncservice.Header{snap.FinalizedHeader.Hash: snap.FinalizedHeader}
		for _, h := range snap.NonFinalizedAncestryOrder {
			rs.headers[h.Hash] = h
			rs.tree.InputBlock(h.Hash, h.ParentHash)
		}
		rs.mu.Unlock()

		if !rs.runOnce(ctx, snap, peers) {
			return
		}
		// The subscription died underneath us: drop the pending
		// subscriber snapshot and rebuild.
		rs.dropAll()
	}
}

// runOnce drives one subscription to exhaustion, returning false when
// ctx ended (terminal) and true when the subscription reset and Run
// should rebuild.
func (rs *RuntimeService) runOnce(ctx context.Context, snap syncservice.Snapshot, peers []syncservice.PeerId) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case note, ok := <-snap.NewBlocks:
			if !ok {
				return true
			}
			rs.handleNotification(note)
		case <-rs.cfg.Platform.Sleep(50 * time.Millisecond):
		}

		rs.advanceDownloads(ctx, rs.cfg.Platform.Now(), peers)
		rs.drainOutput()
	}
}

func (rs *RuntimeService) handleNotification(note syncservice.Notification) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	switch note.Kind {
	case syncservice.NotifyBlock:
		h := syncservice.Header{
			Hash:               note.BlockHash,
			Number:             note.Number,
			StateRoot:          note.StateRoot,
			ScaleEncodedHeader: note.ScaleEncodedHeader,
			ParentHash:         note.ParentHash,
		}
		rs.headers[note.BlockHash] = h
		rs.tree.InputBlock(note.BlockHash, note.ParentHash)
		if note.IsNewBest {
			rs.tree.InputBestBlock(note.BlockHash)
		}
	case syncservice.NotifyBestBlockChanged:
		rs.tree.InputBestBlock(note.NewBestHash)
	case syncservice.NotifyFinalized:
		rs.tree.InputFinalize(note.FinalizedHash)
	}
}

// advanceDownloads starts a download for every necessary async op a
// free download slot exists for, up to MaxConcurrentDownloads in
// flight. Each download runs in its own spawned task so notification
// handling never stalls behind a slow peer; completion is observed by
// the next drainOutput pass.
func (rs *RuntimeService) advanceDownloads(ctx context.Context, now time.Time, peers []syncservice.PeerId) {
	for {
		if !rs.sem.TryAcquire(1) {
			return // the concurrency budget is fully in use
		}

		rs.mu.Lock()
		block, ok := rs.tree.NextNecessaryAsyncOp(now)
		if !ok {
			rs.mu.Unlock()
			rs.sem.Release(1)
			return
		}
		header := rs.headers[block]
		rs.tree.MarkInProgress(block)
		rs.mu.Unlock()

		rs.cfg.Platform.Spawn(func() {
			defer rs.sem.Release(1)
			rt, err := rs.downloadRuntime(ctx, block, header.StateRoot, peers)
			rs.mu.Lock()
			defer rs.mu.Unlock()
			if err != nil {
				log.WithField("block", block).WithError(err).Debug("runtime download failed, will retry")
				rs.tree.MarkFailed(block, rs.cfg.Platform.Now())
				return
			}
			rs.tree.MarkDone(block, rt)
		})
	}
}

// drainOutput forwards every ready output event to every subscriber,
// pinning each announced block's runtime and debiting the finalized
// pin count as blocks drop out of the tree.
func (rs *RuntimeService) drainOutput() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	// Finalized-runtime-unknown -> known transition: subscriptions
	// created while the rebuilt root's download was outstanding get
	// their finalized pin seeded the moment it resolves.
	finalizedHash := rs.tree.FinalizedBlock()
	if rt, ok := rs.tree.Value(finalizedHash); ok {
		h := rs.headers[finalizedHash]
		for _, sub := range rs.subs {
			if !sub.finalizedSeeded {
				sub.pin(finalizedHash, rt, h.StateRoot, h.Number, false)
				sub.finalizedSeeded = true
			}
		}
	}

	for {
		ev, ok := rs.tree.TryAdvanceOutput()
		if !ok {
			return
		}
		switch ev.Kind {
		case asynctree.OutputBlock:
			h := rs.headers[ev.Block]
			for id, sub := range rs.subs {
				sub.pin(ev.Block, ev.Value, h.StateRoot, h.Number, true)
				rs.deliver(id, sub, RuntimeNotification{
					Kind:               syncservice.NotifyBlock,
					BlockHash:          ev.Block,
					ParentHash:         ev.ParentBlock,
					ScaleEncodedHeader: h.ScaleEncodedHeader,
					Runtime:            ev.Value,
				})
			}
		case asynctree.OutputBestBlockChanged:
			for id, sub := range rs.subs {
				rs.deliver(id, sub, RuntimeNotification{Kind: syncservice.NotifyBestBlockChanged, NewBestHash: ev.Block})
			}
		case asynctree.OutputFinalized:
			for id, sub := range rs.subs {
				if sub.closed {
					continue
				}
				debit := uint64(1 + len(ev.PrunedBlocks))
				if pb, ok := sub.pins[ev.Block]; ok {
					pb.IgnoresLimit = false
				}
				// Superseded canonical ancestors become finalized
				// history: their pins now count against the cap but
				// trigger no debit of their own.
				for _, a := range ev.ReleasedAncestors {
					if pb, ok := sub.pins[a.Block]; ok {
						pb.IgnoresLimit = false
					}
				}
				for _, p := range ev.PrunedBlocks {
					sub.unpin(p.Block)
				}
				if sub.finalizedPinnedRemaining < debit {
					rs.closeSubscriptionLocked(id)
					continue
				}
				sub.finalizedPinnedRemaining -= debit
				rs.deliver(id, sub, RuntimeNotification{Kind: syncservice.NotifyFinalized, FinalizedHash: ev.Block})
			}
			// Blocks leaving the tree carry their runtime values;
			// release the tree's reference on each, then reap any
			// runtime nothing keeps alive anymore.
			for _, p := range ev.PrunedBlocks {
				if p.Value != nil {
					p.Value.refCount--
				}
				delete(rs.headers, p.Block)
			}
			for _, a := range ev.ReleasedAncestors {
				if a.Value != nil {
					a.Value.refCount--
				}
				delete(rs.headers, a.Block)
			}
			rs.dedup.reap()
		}
	}
}

// Unpin releases one (subscription, block) pin. Unpinning a block the
// subscription does not hold pinned — including unpinning the same
// block twice — is a fatal contract violation.
func (rs *RuntimeService) Unpin(subID uint64, hash syncservice.Hash) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	sub, ok := rs.subs[subID]
	if !ok {
		panic(errorsNewUnpin(subID))
	}
	if _, pinned := sub.pins[hash]; !pinned {
		panic(errorsNewUnpin(subID))
	}
	sub.unpin(hash)
}

// PinnedBlockRuntimeAccess performs a call-proof request for a block
// the subscription holds pinned, verifies the proof against the
// block's state root, and returns a RuntimeCall that answers storage
// reads only from that proof.
func (rs *RuntimeService) PinnedBlockRuntimeAccess(ctx context.Context, subID uint64, hash syncservice.Hash, function string, params []byte, peers []syncservice.PeerId, verifier SignatureVerifier) (*RuntimeCall, error) {
	rs.mu.Lock()
	sub, ok := rs.subs[subID]
	if !ok {
		rs.mu.Unlock()
		return nil, ErrBlockNotPinned
	}
	pb, pinned := sub.pins[hash]
	if !pinned {
		rs.mu.Unlock()
		return nil, ErrBlockNotPinned
	}
	rt := pb.Runtime
	stateRoot := pb.StateTrieRoot
	rs.mu.Unlock()

	if rt.CompileErr != nil || rt.Compiled == nil {
		return nil, ErrRuntimeUnavailable
	}

	entries, err := syncservice.CallProofQuery(ctx, rs.cfg.Transport, rs.cfg.Verifier, rs.cfg.Chain, hash, stateRoot, function, params, peers)
	if err != nil {
		return nil, err
	}

	run := rt.Compiled.Start(function, params)
	return newRuntimeCall(rt, run, entries, verifier, rs.cfg.MaxLogLevel), nil
}

// deliver sends to a subscription's channel, dropping (closing) it on
// backpressure rather than blocking.
func (rs *RuntimeService) deliver(id uint64, sub *runtimeSubscription, n RuntimeNotification) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- n:
	default:
		rs.closeSubscriptionLocked(id)
	}
}

func (rs *RuntimeService) dropAll() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for id := range rs.subs {
		rs.closeSubscriptionLocked(id)
	}
}

// NewCall constructs a RuntimeCall against hash's pinned runtime, using
// entries as the pre-fetched, verified storage proof the call's host
// storage reads answer from.
func (rs *RuntimeService) NewCall(hash syncservice.Hash, function string, params []byte, entries syncservice.ProofEntries, verifier SignatureVerifier) (*RuntimeCall, error) {
	rs.mu.Lock()
	rt, ok := rs.tree.Value(hash)
	rs.mu.Unlock()
	if !ok {
		return nil, ErrUnknownBlock
	}
	if rt.CompileErr != nil || rt.Compiled == nil {
		return nil, ErrRuntimeUnavailable
	}
	run := rt.Compiled.Start(function, params)
	return newRuntimeCall(rt, run, entries, verifier, rs.cfg.MaxLogLevel), nil
}
