package syncservice

import (
	"sync"

	"github.com/pkg/errors"
)

// Config configures a Service.
type Config struct {
	GenesisHeader Header
}

// Service owns one chain's authoritative lineage and fans its
// notifications out to many bounded subscriptions. Multiple Service
// instances may coexist in the same process; none of them share
// global state.
type Service struct {
	mu sync.Mutex

	finalized Header
	// nonFinalized is kept in ancestry order: parents strictly before
	// children, matching what SubscribeAll must hand back synchronously.
	nonFinalized []Header
	byHash       map[Hash]bool // every block hash ever reported, finalized or not: used to validate parent_hash references
	bestHash     Hash

	nextSubID uint64
	subs      map[uint64]*subscription

	peers map[PeerId]*peerKnowledge
}

// New constructs a Service rooted at the given genesis/finalized
// header.
func New(cfg Config) *Service {
	s := &Service{
		finalized: cfg.GenesisHeader,
		byHash:    make(map[Hash]bool),
		bestHash:  cfg.GenesisHeader.Hash,
		subs:      make(map[uint64]*subscription),
	}
	s.byHash[cfg.GenesisHeader.Hash] = true
	return s
}

type subscription struct {
	id      uint64
	ch      chan Notification
	closed  bool
	wantRuntime bool
}

// SubscribeAll returns a synchronous snapshot (the current finalized
// header, the non-finalized blocks in ancestry order, and the current
// best marker) plus a bounded channel of subsequent notifications. If
// the channel ever fills, it is closed and the subscription dropped —
// never blocked on a slow consumer.
func (s *Service) SubscribeAll(bufferSize int, wantRuntime bool) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	sub := &subscription{id: id, ch: make(chan Notification, bufferSize), wantRuntime: wantRuntime}
	s.subs[id] = sub

	ancestry := make([]Header, len(s.nonFinalized))
	copy(ancestry, s.nonFinalized)

	return Snapshot{
		FinalizedHeader:           s.finalized,
		NonFinalizedAncestryOrder: ancestry,
		BestBlockHash:             s.bestHash,
		NewBlocks:                 sub.ch,
		SubscriptionID:            id,
	}
}

// FinalizedHash returns the current finalized block's hash.
func (s *Service) FinalizedHash() Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized.Hash
}

// Unsubscribe releases a subscription and closes its channel.
func (s *Service) Unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSubscriptionLocked(id)
}

func (s *Service) closeSubscriptionLocked(id uint64) {
	sub, ok := s.subs[id]
	if !ok || sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	delete(s.subs, id)
}

// ReportBlock appends a new non-finalized block. parentHash must refer
// to a previously reported block or the initial finalized block.
func (s *Service) ReportBlock(h Header, parentHash Hash, isNewBest bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.byHash[parentHash] {
		return errors.Errorf("syncservice: block %x references unknown parent %x", h.Hash, parentHash)
	}
	h.ParentHash = parentHash
	s.nonFinalized = append(s.nonFinalized, h)
	s.byHash[h.Hash] = true
	if isNewBest {
		s.bestHash = h.Hash
	}

	s.broadcast(Notification{
		Kind: NotifyBlock, IsNewBest: isNewBest,
		ScaleEncodedHeader: h.ScaleEncodedHeader,
		BlockHash:          h.Hash,
		Number:             h.Number,
		StateRoot:          h.StateRoot,
		ParentHash:         parentHash,
	})
	return nil
}

// ReportBestBlockChanged updates the best marker without introducing a
// new block (e.g. a reorg among already-known non-finalized blocks).
func (s *Service) ReportBestBlockChanged(hash Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.byHash[hash] {
		return errors.Errorf("syncservice: best-block-changed to unknown block %x", hash)
	}
	s.bestHash = hash
	s.broadcast(Notification{Kind: NotifyBestBlockChanged, NewBestHash: hash})
	return nil
}

// ReportFinalized advances finality to hash, pruning every
// non-finalized block that is not hash and not its descendant.
// The pruned set never contains a block that was not previously
// reported, since pruning only removes blocks already tracked in
// nonFinalized.
func (s *Service) ReportFinalized(hash Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, h := range s.nonFinalized {
		if h.Hash == hash {
			idx = i
			break
		}
	}
	if idx < 0 && hash != s.finalized.Hash {
		return errors.Errorf("syncservice: finalize of unknown block %x", hash)
	}

	var newFinalized Header
	var pruned []Header
	if idx >= 0 {
		newFinalized = s.nonFinalized[idx]
		// Everything before idx is either an ancestor of the new
		// finalized block or on a fork that does not contain it, so it
		// leaves the non-finalized list; idx itself becomes finalized.
		// Everything after idx survives only if it descends from hash
		// (transitively, via ParentHash); ancestry order guarantees a
		// block's parent was already visited by the time we reach it,
		// so a single forward pass suffices.
		alive := map[Hash]bool{hash: true}
		var survivors []Header
		for i := idx + 1; i < len(s.nonFinalized); i++ {
			h := s.nonFinalized[i]
			if alive[h.ParentHash] {
				alive[h.Hash] = true
				survivors = append(survivors, h)
			} else {
				pruned = append(pruned, h)
			}
		}
		pruned = append(pruned, s.nonFinalized[:idx]...)
		s.nonFinalized = survivors
	} else {
		newFinalized = s.finalized
	}

	s.finalized = newFinalized
	for _, p := range pruned {
		delete(s.byHash, p.Hash)
	}

	s.broadcast(Notification{Kind: NotifyFinalized, FinalizedHash: newFinalized.Hash, BestBlockHash: s.bestHash})
	return nil
}

// broadcast delivers ev to every live subscription, dropping (closing)
// any whose channel is currently full. Must be called with s.mu held.
func (s *Service) broadcast(ev Notification) {
	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			s.closeSubscriptionLocked(id)
		}
	}
}
