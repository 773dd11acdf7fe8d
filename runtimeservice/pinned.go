package runtimeservice

import "github.com/lightmesh/chainnet/syncservice"

// PinnedBlock is a subscription's hold on a block's runtime, keyed by
// (subscription id, block hash).
type PinnedBlock struct {
	Runtime        *Runtime
	StateTrieRoot  syncservice.Hash
	BlockNumber    uint64
	// IgnoresLimit marks non-finalized canonical blocks that don't
	// count against the subscription's pin cap until they finalize or
	// are pruned.
	IgnoresLimit bool
}

// RuntimeNotificationKind mirrors syncservice.NotificationKind but
// carries a resolved runtime alongside each block.
type RuntimeNotificationKind = syncservice.NotificationKind

// RuntimeNotification is delivered on a runtime-aware subscription; it
// wraps the underlying sync notification with the pinned runtime for
// Block events.
type RuntimeNotification struct {
	Kind syncservice.NotificationKind

	BlockHash          syncservice.Hash
	ParentHash         syncservice.Hash
	ScaleEncodedHeader []byte
	IsNewBest          bool
	Runtime            *Runtime

	FinalizedHash syncservice.Hash
	BestHash      syncservice.Hash

	NewBestHash syncservice.Hash
}

// runtimeSubscription tracks one caller's pin budget and the blocks it
// currently holds pinned.
type runtimeSubscription struct {
	id      uint64
	ch      chan RuntimeNotification
	closed  bool

	// finalizedSeeded records that this subscription has received its
	// pin on the current finalized block, either at Subscribe time or
	// when a rebuilt tree's root download completed.
	finalizedSeeded bool

	pins map[syncservice.Hash]*PinnedBlock

	// finalizedPinnedRemaining is debited by 1+|pruned| on every
	// finalization; underflowing it drops the subscription.
	finalizedPinnedRemaining uint64
}

// pin records a new pinned block for this subscription. ignoresLimit
// blocks are tracked but never debited against the cap until they
// finalize.
func (sub *runtimeSubscription) pin(hash syncservice.Hash, rt *Runtime, stateRoot syncservice.Hash, number uint64, ignoresLimit bool) {
	rt.refCount++
	sub.pins[hash] = &PinnedBlock{Runtime: rt, StateTrieRoot: stateRoot, BlockNumber: number, IgnoresLimit: ignoresLimit}
}

// unpin releases one pinned block, decrementing its runtime's
// reference count.
func (sub *runtimeSubscription) unpin(hash syncservice.Hash) {
	pb, ok := sub.pins[hash]
	if !ok {
		return
	}
	pb.Runtime.refCount--
	delete(sub.pins, hash)
}

// unpinAll releases every pin this subscription holds, used when it
// is dropped.
func (sub *runtimeSubscription) unpinAll() {
	for hash := range sub.pins {
		sub.unpin(hash)
	}
}
