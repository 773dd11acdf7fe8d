package runtimeservice

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightmesh/chainnet/syncservice"
)

// scriptedVMRun replays a fixed sequence of host calls, recording each
// HostCallAnswer in answers for the test's assertions.
type scriptedVMRun struct {
	calls     []HostCall
	i         int
	answers   []HostCallAnswer
}

func (r *scriptedVMRun) Poll() HostCall {
	hc := r.calls[r.i]
	r.i++
	return hc
}

func (r *scriptedVMRun) Resume(answer HostCallAnswer) {
	r.answers = append(r.answers, answer)
}

func (r *scriptedVMRun) IntoPrototype() VMPrototype { return &fakeVMPrototype{} }

type fakeVMPrototype struct{ spec uint32 }

func (p *fakeVMPrototype) SpecVersion() uint32                  { return p.spec }
func (p *fakeVMPrototype) Start(fn string, params []byte) VMRun { return nil }

func TestRuntimeCallAnswersMainTrieStorage(t *testing.T) {
	run := &scriptedVMRun{calls: []HostCall{
		{Kind: HostExternalStorageGet, Key: []byte("abc")},
		{Kind: HostExternalStorageGet, Key: []byte("absent")},
		{Kind: HostFinished, Output: []byte("done")},
	}}
	entries := syncservice.ProofEntries{
		Values: map[string][]byte{"abc": []byte("value")},
		Absent: map[string]bool{"absent": true},
	}
	rt := &Runtime{Compiled: &fakeVMPrototype{spec: 7}}
	call := newRuntimeCall(rt, run, entries, nil, 3)

	out, err := call.Run()
	require.NoError(t, err)
	require.Equal(t, []byte("done"), out)
	require.NotNil(t, call.Unlock())

	require.True(t, run.answers[0].ValueSome)
	require.Equal(t, []byte("value"), run.answers[0].Value)
	require.False(t, run.answers[1].ValueSome, "proven-absent key answers None")
}

// TestRuntimeCallProofIsolation asserts a key the proof covers neither
// as present nor as proven-absent terminates the call with a missing-
// proof-entry error rather than silently answering from anywhere else.
func TestRuntimeCallProofIsolation(t *testing.T) {
	run := &scriptedVMRun{calls: []HostCall{
		{Kind: HostExternalStorageGet, Key: []byte("uncovered")},
	}}
	entries := syncservice.ProofEntries{Values: map[string][]byte{"abc": []byte("value")}}
	rt := &Runtime{Compiled: &fakeVMPrototype{}}
	call := newRuntimeCall(rt, run, entries, nil, 3)

	_, err := call.Run()
	require.ErrorIs(t, err, ErrMissingProofEntry)
	call.Unlock()
}

func TestRuntimeCallClosestDescendantMerkleValue(t *testing.T) {
	entries := syncservice.ProofEntries{
		MerkleValues: map[string][]byte{":code": []byte("node-digest")},
	}
	rt := &Runtime{Compiled: &fakeVMPrototype{}}
	call := newRuntimeCall(rt, &scriptedVMRun{}, entries, nil, 3)
	defer call.Close()

	mv, err := call.ClosestDescendantMerkleValue([]byte(":code"))
	require.NoError(t, err)
	require.Equal(t, []byte("node-digest"), mv)

	_, err = call.ClosestDescendantMerkleValue([]byte(":heappages"))
	require.ErrorIs(t, err, ErrMissingProofEntry)
}

func TestRuntimeCallChildTrieRootFromMainTrie(t *testing.T) {
	entries := syncservice.ProofEntries{
		Values: map[string][]byte{":child_storage:default:assets": []byte("child-root")},
		Absent: map[string]bool{":child_storage:default:empty": true},
	}
	rt := &Runtime{Compiled: &fakeVMPrototype{}}
	call := newRuntimeCall(rt, &scriptedVMRun{}, entries, nil, 3)
	defer call.Close()

	root, ok, err := call.ChildTrieRoot([]byte("assets"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("child-root"), root)

	_, ok, err = call.ChildTrieRoot([]byte("empty"))
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = call.ChildTrieRoot([]byte("uncovered"))
	require.ErrorIs(t, err, ErrMissingProofEntry)
}

func TestRuntimeCallChildTrieResolvesToNone(t *testing.T) {
	run := &scriptedVMRun{calls: []HostCall{
		{Kind: HostExternalStorageGet, Key: []byte(":child_storage:default:xyz" + "\x00key")},
		{Kind: HostFinished, Output: nil},
	}}
	entries := syncservice.ProofEntries{Values: map[string][]byte{}}
	rt := &Runtime{Compiled: &fakeVMPrototype{}}
	call := newRuntimeCall(rt, run, entries, nil, 3)

	_, err := call.Run()
	require.NoError(t, err)
	call.Unlock()
	require.False(t, run.answers[0].ValueSome, "child-trie reads resolve to None pending full support")
}

type fakeVerifier struct{ valid bool }

func (v *fakeVerifier) VerifySignature(sig, msg, pub []byte) bool { return v.valid }

func TestRuntimeCallStopsForSignatureVerification(t *testing.T) {
	run := &scriptedVMRun{calls: []HostCall{
		{Kind: HostSignatureVerification, Signature: []byte("sig"), Message: []byte("msg"), PublicKey: []byte("pub")},
		{Kind: HostFinished, Output: []byte("ok")},
	}}
	rt := &Runtime{Compiled: &fakeVMPrototype{}}
	call := newRuntimeCall(rt, run, syncservice.ProofEntries{}, &fakeVerifier{valid: true}, 3)

	_, err := call.Run()
	require.NoError(t, err)
	call.Unlock()
	require.True(t, run.answers[0].Valid)
}

func TestRuntimeCallLogCapOverflow(t *testing.T) {
	big := make([]byte, maxLogBytes+1)
	run := &scriptedVMRun{calls: []HostCall{
		{Kind: HostLogEmit, LogMessage: string(big)},
	}}
	rt := &Runtime{Compiled: &fakeVMPrototype{}}
	call := newRuntimeCall(rt, run, syncservice.ProofEntries{}, nil, 3)

	_, err := call.Run()
	require.ErrorIs(t, err, ErrLogsTooLong)
	call.Unlock()
}

func TestRuntimeCallForbidsUnknownHostCall(t *testing.T) {
	run := &scriptedVMRun{calls: []HostCall{{Kind: HostCallKind(250)}}}
	rt := &Runtime{Compiled: &fakeVMPrototype{}}
	call := newRuntimeCall(rt, run, syncservice.ProofEntries{}, nil, 3)

	_, err := call.Run()
	require.ErrorIs(t, err, ErrForbiddenHostCall)
	call.Unlock()
}

func TestRuntimeCallDroppedWithoutUnlockPanics(t *testing.T) {
	run := &scriptedVMRun{calls: []HostCall{{Kind: HostFinished}}}
	rt := &Runtime{Compiled: &fakeVMPrototype{}}
	call := newRuntimeCall(rt, run, syncservice.ProofEntries{}, nil, 3)

	_, err := call.Run()
	require.NoError(t, err)
	require.Panics(t, func() { call.Close() })
}

func TestRuntimeCallAcquiresAndReleasesReference(t *testing.T) {
	rt := &Runtime{Compiled: &fakeVMPrototype{}, refCount: 1}
	run := &scriptedVMRun{calls: []HostCall{{Kind: HostFinished}}}
	call := newRuntimeCall(rt, run, syncservice.ProofEntries{}, nil, 3)
	require.Equal(t, 2, rt.refCount)
	call.Close()
	require.Equal(t, 1, rt.refCount)
	call.Close() // idempotent
	require.Equal(t, 1, rt.refCount)
}

func TestDedupKeyStableForIdenticalInputs(t *testing.T) {
	a := dedupKey([]byte("code"), 2048)
	b := dedupKey([]byte("code"), 2048)
	c := dedupKey([]byte("code"), 4096)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
