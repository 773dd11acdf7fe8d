package runtimeservice

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/lightmesh/chainnet/syncservice"
)

const childTrieDefaultPrefix = ":child_storage:default:"

const maxLogBytes = 1 << 20 // 1 MiB

// SignatureVerifier is the narrow seam a RuntimeCall stops at for
// SignatureVerification host calls, letting the caller inspect
// signature/message/public-key before resuming . Actual
// cryptographic verification is an external collaborator.
type SignatureVerifier interface {
	VerifySignature(signature, message, publicKey []byte) bool
}

// RuntimeCall drives a single VMRun to completion, answering the
// main-trie storage host calls exclusively from a pre-fetched,
// verified proof and delegating SignatureVerification to a
// SignatureVerifier. It holds one reference against the underlying
// Runtime for its lifetime; callers must Unlock after Run completes
// (or Close if the run was abandoned before completing).
type RuntimeCall struct {
	run      VMRun
	rt       *Runtime
	entries  syncservice.ProofEntries
	verifier SignatureVerifier
	maxLevel uint8
	logs     []byte

	done     bool // Run reached a terminal HostCall
	unlocked bool // Unlock has handed back the VM prototype
	closed   bool
}

// newRuntimeCall acquires rt (incrementing its reference count so a
// concurrent reap cannot free it mid-call) and wraps run.
func newRuntimeCall(rt *Runtime, run VMRun, entries syncservice.ProofEntries, verifier SignatureVerifier, maxLevel uint8) *RuntimeCall {
	rt.refCount++
	return &RuntimeCall{run: run, rt: rt, entries: entries, verifier: verifier, maxLevel: maxLevel}
}

// Unlock must be called exactly once after Run returns, handing back
// the VM prototype underneath this call and releasing the call's
// reference on its runtime. Calling it before Run has reached a
// terminal outcome is a programmer error.
func (c *RuntimeCall) Unlock() VMPrototype {
	if !c.done {
		panic(errors.New("runtimeservice: Unlock called before Run reached a terminal outcome"))
	}
	proto := c.run.IntoPrototype()
	c.unlocked = true
	c.release()
	return proto
}

// Close releases the call's reference on its runtime without
// extracting the prototype. It exists only for callers abandoning a
// call that never ran to completion (e.g. Run was never invoked);
// dropping a call that DID reach a terminal outcome without first
// calling Unlock is a fatal contract violation.
func (c *RuntimeCall) Close() {
	if c.closed {
		return
	}
	if c.done && !c.unlocked {
		panic(errors.New("runtimeservice: RuntimeCall dropped without Unlock after completing its run"))
	}
	c.release()
}

func (c *RuntimeCall) release() {
	if c.closed {
		return
	}
	c.closed = true
	c.rt.refCount--
}

// Run drives the host-call loop to a terminal outcome, returning the
// call's output bytes or its terminal error.
func (c *RuntimeCall) Run() ([]byte, error) {
	for {
		hc := c.run.Poll()
		switch hc.Kind {
		case HostExternalStorageGet:
			v, ok, err := c.StorageEntry(hc.Key)
			if err != nil {
				c.done = true
				return nil, err
			}
			c.run.Resume(HostCallAnswer{Value: v, ValueSome: ok})
		case HostExternalStorageNextKey:
			nk, ok := c.NextKey(hc.Key)
			c.run.Resume(HostCallAnswer{NextKey: nk, NextKeySome: ok})
		case HostExternalStorageRoot:
			c.run.Resume(HostCallAnswer{})
		case HostSignatureVerification:
			valid := false
			if c.verifier != nil {
				valid = c.verifier.VerifySignature(hc.Signature, hc.Message, hc.PublicKey)
			}
			c.run.Resume(HostCallAnswer{Valid: valid})
		case HostCallRuntimeVersion:
			spec := uint32(0)
			if c.rt.Compiled != nil {
				spec = c.rt.Compiled.SpecVersion()
			}
			c.run.Resume(HostCallAnswer{SpecVersion: spec})
		case HostGetMaxLogLevel:
			c.run.Resume(HostCallAnswer{MaxLogLevel: c.maxLevel})
		case HostLogEmit:
			if len(c.logs)+len(hc.LogMessage) > maxLogBytes {
				c.done = true
				return nil, ErrLogsTooLong
			}
			c.logs = append(c.logs, hc.LogMessage...)
			log.WithFields(logrusFields(hc)).Trace("runtime log")
			c.run.Resume(HostCallAnswer{})
		case HostFinished:
			c.done = true
			return hc.Output, nil
		case HostError:
			c.done = true
			return nil, hc.Err
		default:
			c.done = true
			return nil, ErrForbiddenHostCall
		}
	}
}

// StorageEntry answers a main-trie storage read from the call's proof
// and nothing else: a covered key returns its value, a proven-absent
// key returns (nil, false), and a key the proof does not cover at all
// returns ErrMissingProofEntry. Child-trie keys resolve to absent
// pending full child-trie support.
func (c *RuntimeCall) StorageEntry(key []byte) ([]byte, bool, error) {
	if strings.HasPrefix(string(key), childTrieDefaultPrefix) {
		return nil, false, nil
	}
	k := string(key)
	if v, ok := c.entries.Values[k]; ok {
		return v, true, nil
	}
	if c.entries.Absent[k] {
		return nil, false, nil
	}
	return nil, false, ErrMissingProofEntry
}

// NextKey finds the lexicographically next key strictly greater than
// key among the proof's covered entries.
func (c *RuntimeCall) NextKey(key []byte) ([]byte, bool) {
	if strings.HasPrefix(string(key), childTrieDefaultPrefix) {
		return nil, false
	}
	keys := make([]string, 0, len(c.entries.Values))
	for k := range c.entries.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	k := string(key)
	idx := sort.SearchStrings(keys, k)
	for idx < len(keys) && keys[idx] <= k {
		idx++
	}
	if idx >= len(keys) {
		return nil, false
	}
	return []byte(keys[idx]), true
}

// ClosestDescendantMerkleValue returns the Merkle value the proof
// carries for key, or ErrMissingProofEntry if the proof surfaced none.
func (c *RuntimeCall) ClosestDescendantMerkleValue(key []byte) ([]byte, error) {
	if mv, ok := c.entries.MerkleValues[string(key)]; ok {
		return mv, nil
	}
	return nil, ErrMissingProofEntry
}

// ChildTrieRoot resolves a child trie's root by reading the
// ":child_storage:default:<child>" entry of the main trie from the
// proof. A proof that does not cover the entry returns
// ErrMissingProofEntry like any other read.
func (c *RuntimeCall) ChildTrieRoot(child []byte) ([]byte, bool, error) {
	k := childTrieDefaultPrefix + string(child)
	if v, ok := c.entries.Values[k]; ok {
		return v, true, nil
	}
	if c.entries.Absent[k] {
		return nil, false, nil
	}
	return nil, false, ErrMissingProofEntry
}

func logrusFields(hc HostCall) map[string]interface{} {
	return map[string]interface{}{
		"level":  hc.LogLevel,
		"target": hc.LogTarget,
	}
}
