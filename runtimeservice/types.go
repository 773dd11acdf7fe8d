// Package runtimeservice layers a runtime-aware tree on top of
// syncservice: every reported non-finalized block gets an associated
// Wasm runtime, downloaded and compiled on demand, deduplicated when
// two blocks yield identical code+heappages, and pinned for the
// lifetime of every subscription that observed it.
package runtimeservice

import "github.com/lightmesh/chainnet/syncservice"

// Hash identifies a block, shared with syncservice.
type Hash = syncservice.Hash

// CodeMerkleValue is the Merkle value (node digest) backing a
// :code storage read, used by runtime calls that need to prove
// absence/presence without re-reading the full value.
type CodeMerkleValue struct {
	Value            []byte
	ClosestAncestorExcluding []byte
}

// Runtime is a compiled (or failed) Wasm runtime, shared by hash-like
// deduplication on (code, heappages).
type Runtime struct {
	CodeBytes  []byte // nil if the chain has no :code at all (never valid in practice, but kept optional for symmetry with the rest of the model)
	HeapPages  *uint64
	CodeMerkle CodeMerkleValue

	// Compiled is the successfully built VM prototype, or nil if
	// CompileErr is set.
	Compiled   VMPrototype
	CompileErr error

	// refCount is the number of live references (blocks in the async
	// tree plus pinned handles) to this runtime. RuntimeService only
	// holds weak references in the registry; reaping happens in
	// reap() once refCount drops to zero.
	refCount int
}

// VMPrototype is the narrow interface onto the compiled Wasm runtime;
// actual Wasm execution is an external collaborator.
type VMPrototype interface {
	// SpecVersion returns the runtime's self-reported core version,
	// the value a RuntimeCall answers HostCallRuntimeVersion with.
	SpecVersion() uint32
	// Start begins a call, returning the live VM run loop the caller
	// drives via Resume/host-call responses.
	Start(function string, params []byte) VMRun
}

// VMRun is a single in-flight runtime call.
type VMRun interface {
	// Poll advances execution until the next host call or terminal
	// outcome.
	Poll() HostCall
	// Resume injects the host call's answer and continues execution.
	Resume(answer HostCallAnswer)
	// IntoPrototype consumes the run, valid only once Poll has
	// returned HostFinished or HostError, and hands back the
	// reusable VM prototype underneath it.
	IntoPrototype() VMPrototype
}
