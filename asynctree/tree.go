// Package asynctree implements a generic async tree: a tree in which
// every node additionally carries an asynchronous-operation slot, with
// an input frontier driven by external block/finalize/best-block
// signals and an output frontier that only advances once a node and
// all its ancestors have completed their async op. It backs both
// runtimeservice's runtime-download tree and syncservice's parachain
// head-mapping tree.
package asynctree

import "time"

// OpStatus is the lifecycle of a node's async operation.
type OpStatus uint8

const (
	OpNotStarted OpStatus = iota
	OpInProgress
	OpFailed
	OpDone
)

// opState holds one node's async-op bookkeeping.
type opState[V any] struct {
	status    OpStatus
	value     V
	failedAt  time.Time
	retryAfter time.Time
}

// Node is one block tracked by the tree.
type Node[B comparable, V any] struct {
	Block       B
	Parent      B
	HasParent   bool
	IsBest      bool
	op          opState[V]

	reportedBlock bool
	reportedBest  bool
}

func (n *Node[B, V]) reported() bool { return n.reportedBlock }

func (n *Node[B, V]) markReported() { n.reportedBlock = true }

// OutputEvent is one of the events try_advance_output yields, in the
// fixed order Block, BestBlockChanged, Finalized.
type OutputEvent[B comparable, V any] struct {
	Kind        OutputKind
	Block       B
	ParentBlock B
	Value       V
	// PrunedBlocks lists the discarded forks a finalization removed:
	// blocks that are neither the new finalized block nor one of its
	// ancestors. These count against pin budgets downstream.
	PrunedBlocks []PrunedNode[B, V]
	// ReleasedAncestors lists the now-superseded canonical ancestors
	// (the former finalized root included) a finalization removed.
	// They carry their async-op values so callers can release
	// resources, but they are not "pruned": no fork was discarded.
	ReleasedAncestors []PrunedNode[B, V]
}

type OutputKind uint8

const (
	OutputBlock OutputKind = iota
	OutputBestBlockChanged
	OutputFinalized
)

// PrunedNode carries a pruned block's last async-op value so callers
// can unpin anything pinned against it.
type PrunedNode[B comparable, V any] struct {
	Block B
	Value V
}

// Tree is the generic async tree. B is the block-identity type
// (typically a 32-byte hash); V is the async op's output type.
type Tree[B comparable, V any] struct {
	nodes map[B]*Node[B, V]

	finalizedInput  B
	finalizedOutput B
	hasOutput       bool

	best B

	// children indexes the tree for traversal and pruning.
	children map[B][]B

	retryAfterFailed time.Duration
}

// New constructs an empty tree rooted at the given finalized block,
// whose async op is already done with value finalizedValue (the root
// never needs to be downloaded: it is the caller's starting point).
func New[B comparable, V any](finalizedBlock B, finalizedValue V, retryAfterFailed time.Duration) *Tree[B, V] {
	t := &Tree[B, V]{
		nodes:            make(map[B]*Node[B, V]),
		children:         make(map[B][]B),
		finalizedInput:   finalizedBlock,
		finalizedOutput:  finalizedBlock,
		best:             finalizedBlock,
		retryAfterFailed: retryAfterFailed,
	}
	// The root is the caller's own starting point: never re-announced
	// as a block or as a best-block change.
	t.nodes[finalizedBlock] = &Node[B, V]{Block: finalizedBlock, reportedBlock: true, reportedBest: true, op: opState[V]{status: OpDone, value: finalizedValue}}
	return t
}

// NewWithPendingRoot constructs a tree whose root's async op has NOT
// run yet: the root is returned by NextNecessaryAsyncOp like any other
// node, and the output frontier stays closed until its op completes.
// Used when a rebuild lands on a finalized block whose value is not
// yet known.
func NewWithPendingRoot[B comparable, V any](finalizedBlock B, retryAfterFailed time.Duration) *Tree[B, V] {
	t := &Tree[B, V]{
		nodes:            make(map[B]*Node[B, V]),
		children:         make(map[B][]B),
		finalizedInput:   finalizedBlock,
		finalizedOutput:  finalizedBlock,
		best:             finalizedBlock,
		retryAfterFailed: retryAfterFailed,
	}
	t.nodes[finalizedBlock] = &Node[B, V]{Block: finalizedBlock, reportedBlock: true, reportedBest: true}
	return t
}

// RootReady reports whether the output-side finalized root's async op
// has completed; no output event can be produced before it has.
func (t *Tree[B, V]) RootReady() bool {
	n, ok := t.nodes[t.finalizedOutput]
	return ok && n.op.status == OpDone
}

// InputBlock records a new non-finalized block on the input frontier.
func (t *Tree[B, V]) InputBlock(block, parent B) {
	if _, exists := t.nodes[block]; exists {
		return
	}
	t.nodes[block] = &Node[B, V]{Block: block, Parent: parent, HasParent: true}
	t.children[parent] = append(t.children[parent], block)
}

// InputBestBlock records which known block is now locally best.
func (t *Tree[B, V]) InputBestBlock(block B) {
	if _, ok := t.nodes[block]; ok {
		t.best = block
	}
}

// InputFinalize advances the input-side finalized pointer. Pruning of
// the output side happens separately in TryAdvanceOutput once the
// pruned blocks' ops are no longer needed.
func (t *Tree[B, V]) InputFinalize(block B) {
	t.finalizedInput = block
}

// NextNecessaryAsyncOp returns the oldest block (map iteration order
// is not guaranteed in Go, so callers relying on strict ordering
// should track insertion themselves; here "oldest" is approximated by
// proximity to the finalized root, prioritizing nodes closer to being
// downloadable) whose op is neither complete nor cooling down, or
// ok=false if none is ready.
func (t *Tree[B, V]) NextNecessaryAsyncOp(now time.Time) (block B, ok bool) {
	var best *Node[B, V]
	bestDepth := 0
	for _, n := range t.nodes {
		switch n.op.status {
		case OpDone, OpInProgress:
			continue
		case OpFailed:
			if now.Before(n.op.retryAfter) {
				continue
			}
		}
		depth := 0
		for cur := n; cur.HasParent; depth++ {
			p, ok := t.nodes[cur.Parent]
			if !ok {
				break
			}
			cur = p
		}
		if best == nil || depth < bestDepth {
			best, bestDepth = n, depth
		}
	}
	if best == nil {
		var zero B
		return zero, false
	}
	return best.Block, true
}

// MarkInProgress flags a block's op as started.
func (t *Tree[B, V]) MarkInProgress(block B) {
	if n, ok := t.nodes[block]; ok {
		n.op.status = OpInProgress
	}
}

// MarkFailed flags a block's op as failed, arming its retry cooldown.
func (t *Tree[B, V]) MarkFailed(block B, now time.Time) {
	if n, ok := t.nodes[block]; ok {
		n.op.status = OpFailed
		n.op.failedAt = now
		n.op.retryAfter = now.Add(t.retryAfterFailed)
	}
}

// MarkDone flags a block's op as complete with the given value.
func (t *Tree[B, V]) MarkDone(block B, value V) {
	if n, ok := t.nodes[block]; ok {
		n.op.status = OpDone
		n.op.value = value
	}
}

// Value returns a done node's async-op value.
func (t *Tree[B, V]) Value(block B) (V, bool) {
	n, ok := t.nodes[block]
	if !ok || n.op.status != OpDone {
		var zero V
		return zero, false
	}
	return n.op.value, true
}

// ancestorsReady reports whether block and every ancestor up to the
// finalized root have a completed async op.
func (t *Tree[B, V]) ancestorsReady(block B) bool {
	cur := block
	for {
		n, ok := t.nodes[cur]
		if !ok {
			return false
		}
		if n.op.status != OpDone {
			return false
		}
		if cur == t.finalizedOutput {
			return true
		}
		if !n.HasParent {
			return cur == t.finalizedOutput
		}
		cur = n.Parent
	}
}

// TryAdvanceOutput yields the next Block, BestBlockChanged, or
// Finalized event the output frontier can now support, or ok=false if
// nothing has become ready. Output finalization can only advance once
// the target block and every ancestor's op is done.
func (t *Tree[B, V]) TryAdvanceOutput() (OutputEvent[B, V], bool) {
	// No output while the root's own op is outstanding: a rebuilt
	// tree's finalized runtime must become known before any block is
	// reported against it.
	if !t.RootReady() {
		var zero OutputEvent[B, V]
		return zero, false
	}

	// Walk the already-reported frontier breadth-first so a parent is
	// always reported before its children and every emitted
	// ParentBlock refers to a previously-emitted block (or the
	// finalized root).
	queue := []B{t.finalizedOutput}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range t.children[cur] {
			n := t.nodes[child]
			if n == nil {
				continue
			}
			if n.reported() {
				queue = append(queue, child)
				continue
			}
			if n.op.status != OpDone {
				continue // its descendants can't be ready either
			}
			n.markReported()
			return OutputEvent[B, V]{Kind: OutputBlock, Block: child, ParentBlock: cur, Value: n.op.value}, true
		}
	}

	if n, ok := t.nodes[t.best]; ok && !n.reportedBest && t.ancestorsReady(t.best) {
		n.reportedBest = true
		return OutputEvent[B, V]{Kind: OutputBestBlockChanged, Block: t.best}, true
	}

	if t.finalizedInput != t.finalizedOutput && t.ancestorsReady(t.finalizedInput) {
		pruned, released := t.pruneTo(t.finalizedInput)
		t.finalizedOutput = t.finalizedInput
		return OutputEvent[B, V]{Kind: OutputFinalized, Block: t.finalizedInput, PrunedBlocks: pruned, ReleasedAncestors: released}, true
	}

	var zero OutputEvent[B, V]
	return zero, false
}

// pruneTo removes every node that is not newBlock and not a
// descendant of newBlock, splitting the removals into discarded forks
// (pruned) and superseded canonical ancestors of newBlock (released),
// each carrying its last async-op value so callers can release
// resources held against them.
func (t *Tree[B, V]) pruneTo(newBlock B) (pruned, released []PrunedNode[B, V]) {
	keep := make(map[B]bool)
	var mark func(b B)
	mark = func(b B) {
		if keep[b] {
			return
		}
		keep[b] = true
		for _, c := range t.children[b] {
			mark(c)
		}
	}
	mark(newBlock)

	ancestors := make(map[B]bool)
	for cur := newBlock; ; {
		n, ok := t.nodes[cur]
		if !ok || !n.HasParent {
			break
		}
		cur = n.Parent
		ancestors[cur] = true
	}

	for b, n := range t.nodes {
		if keep[b] {
			continue
		}
		if ancestors[b] {
			released = append(released, PrunedNode[B, V]{Block: b, Value: n.op.value})
		} else {
			pruned = append(pruned, PrunedNode[B, V]{Block: b, Value: n.op.value})
		}
		delete(t.nodes, b)
		delete(t.children, b)
	}
	for parent, kids := range t.children {
		filtered := kids[:0]
		for _, k := range kids {
			if _, ok := t.nodes[k]; ok {
				filtered = append(filtered, k)
			}
		}
		t.children[parent] = filtered
	}
	return pruned, released
}

// Len returns the number of nodes currently tracked (for tests).
func (t *Tree[B, V]) Len() int { return len(t.nodes) }

// FinalizedBlock returns the tree's current output-side finalized
// block, the root every pruning and ancestry check is relative to.
func (t *Tree[B, V]) FinalizedBlock() B { return t.finalizedOutput }
