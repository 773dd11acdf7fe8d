package syncservice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeParaheadFetcher struct {
	heads map[Hash][]byte
	err   error
}

func (f *fakeParaheadFetcher) FetchParahead(ctx context.Context, relayBlock Hash, paraID uint32) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.heads[relayBlock], nil
}

func TestParachainMapperDedupesIdenticalHeadsAcrossSiblings(t *testing.T) {
	head := []byte("parahead-1")
	fetcher := &fakeParaheadFetcher{heads: map[Hash][]byte{
		hashOf(1): head,
		hashOf(2): head, // sibling relay block, identical parachain head
	}}
	m := NewParachainMapper(100, fetcher, hashOf(0), time.Second)

	m.InputRelayBlock(hashOf(1), hashOf(0))
	m.InputRelayBlock(hashOf(2), hashOf(0))

	now := time.Now()
	require.True(t, m.AdvanceOneFetch(context.Background(), now))
	require.True(t, m.AdvanceOneFetch(context.Background(), now))

	ev, ok := m.TryAdvanceOutput()
	require.True(t, ok)
	require.Equal(t, head, ev.Parahead)

	// The sibling's identical head must be deduplicated: it shouldn't
	// surface as a second Block event with the same content.
	for {
		ev2, ok := m.TryAdvanceOutput()
		if !ok {
			break
		}
		if ev2.Parahead != nil {
			require.NotEqual(t, head, ev2.Parahead, "identical sibling parahead must be deduplicated")
		}
	}
}

func TestParachainMapperDrainIntoReportsLineage(t *testing.T) {
	fetcher := &fakeParaheadFetcher{heads: map[Hash][]byte{
		hashOf(1): []byte("head-a"),
		hashOf(2): []byte("head-b"),
	}}
	m := NewParachainMapper(100, fetcher, hashOf(0), time.Second)
	para := New(Config{GenesisHeader: Header{Hash: hashOf(0x80)}})
	snap := para.SubscribeAll(8, false)

	hasher := func(head []byte) Hash {
		var h Hash
		copy(h[:], head)
		return h
	}

	m.InputRelayBlock(hashOf(1), hashOf(0))
	m.InputRelayBlock(hashOf(2), hashOf(1))
	now := time.Now()
	require.True(t, m.AdvanceOneFetch(context.Background(), now))
	require.True(t, m.AdvanceOneFetch(context.Background(), now))
	require.NoError(t, m.DrainInto(para, hasher))

	first := <-snap.NewBlocks
	require.Equal(t, NotifyBlock, first.Kind)
	require.Equal(t, hasher([]byte("head-a")), first.BlockHash)
	require.Equal(t, hashOf(0x80), first.ParentHash, "first parahead chains onto the parachain's finalized root")

	second := <-snap.NewBlocks
	require.Equal(t, hasher([]byte("head-b")), second.BlockHash)
	require.Equal(t, first.BlockHash, second.ParentHash, "subsequent paraheads chain onto the previous report")

	// Relay finalization of block 1 finalizes the matching para block.
	m.InputRelayFinalize(hashOf(1))
	require.NoError(t, m.DrainInto(para, hasher))
	note := <-snap.NewBlocks
	require.Equal(t, NotifyFinalized, note.Kind)
	require.Equal(t, hasher([]byte("head-a")), note.FinalizedHash)
}

func TestParachainMapperRetriesOnNoCore(t *testing.T) {
	fetcher := &fakeParaheadFetcher{heads: map[Hash][]byte{}} // returns nil: no core
	m := NewParachainMapper(100, fetcher, hashOf(0), time.Minute)
	m.InputRelayBlock(hashOf(1), hashOf(0))

	now := time.Now()
	require.True(t, m.AdvanceOneFetch(context.Background(), now))

	_, ok := m.TryAdvanceOutput()
	require.False(t, ok, "no core means no block is emitted, just a cooldown reschedule")
}
