package syncservice

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/lightmesh/chainnet/asynctree"
)

// ErrNoCore is returned when the relay chain's
// ParachainHost_persisted_validation_data runtime call returns None:
// the parachain has no occupied core at this relay block, so no head
// can be recovered.
var ErrNoCore = errors.New("syncservice: parachain has no core at this relay block")

// ParaheadFetcher recovers a parachain's head at a given relay-chain
// block by calling ParachainHost_persisted_validation_data with
// OccupiedCoreAssumption=TimedOut. The runtime call itself is an
// external collaborator (runtimeservice.RuntimeService); this is the
// narrow seam into it.
type ParaheadFetcher interface {
	FetchParahead(ctx context.Context, relayBlock Hash, paraID uint32) ([]byte, error)
}

// ParachainMapper maintains an async tree keyed by relay-chain block
// hashes whose async-op value is the parachain head bytes (or absent),
// deduplicating identical parachain heads across sibling relay blocks
// and emitting Finalized/Block/BestBlockChanged with parachain
// hashes on its own output frontier.
type ParachainMapper struct {
	paraID  uint32
	fetcher ParaheadFetcher
	tree    *asynctree.Tree[Hash, []byte]

	lastReportedParahead []byte

	// parachain-lineage bookkeeping for DrainInto.
	lastReportedParaHash Hash
	hasReportedPara      bool
}

// NewParachainMapper roots the mapper at the relay chain's current
// finalized block, with no parachain head known yet.
func NewParachainMapper(paraID uint32, fetcher ParaheadFetcher, relayFinalized Hash, retryAfterFailed time.Duration) *ParachainMapper {
	return &ParachainMapper{
		paraID:  paraID,
		fetcher: fetcher,
		tree:    asynctree.New[Hash, []byte](relayFinalized, nil, retryAfterFailed),
	}
}

// InputRelayBlock mirrors a relay-chain block into the mapper's tree.
func (m *ParachainMapper) InputRelayBlock(relayBlock, relayParent Hash) {
	m.tree.InputBlock(relayBlock, relayParent)
}

// InputRelayBestBlock mirrors a relay-chain best-block update.
func (m *ParachainMapper) InputRelayBestBlock(relayBlock Hash) {
	m.tree.InputBestBlock(relayBlock)
}

// InputRelayFinalize mirrors a relay-chain finalization.
func (m *ParachainMapper) InputRelayFinalize(relayBlock Hash) {
	m.tree.InputFinalize(relayBlock)
}

// AdvanceOneFetch performs at most one parahead fetch for the oldest
// block whose fetch is neither done nor cooling down. Callers drive
// this in a loop alongside TryAdvanceOutput, mirroring
// runtimeservice's download loop.
func (m *ParachainMapper) AdvanceOneFetch(ctx context.Context, now time.Time) (attempted bool) {
	block, ok := m.tree.NextNecessaryAsyncOp(now)
	if !ok {
		return false
	}
	m.tree.MarkInProgress(block)
	head, err := m.fetcher.FetchParahead(ctx, block, m.paraID)
	if err != nil {
		m.tree.MarkFailed(block, now)
		return true
	}
	if head == nil {
		// OccupiedCoreAssumption=TimedOut returned None: no core,
		// reschedule with cooldown rather than treat this as an error.
		m.tree.MarkFailed(block, now)
		return true
	}
	m.tree.MarkDone(block, head)
	return true
}

// ParaOutputEvent mirrors asynctree.OutputEvent but in terms of
// parachain head bytes, deduplicating an identical head seen on a
// sibling relay block.
type ParaOutputEvent struct {
	Kind        asynctree.OutputKind
	ParaheadKey Hash // a stable key derived from the relay block reporting this parahead
	Parahead    []byte
}

// TryAdvanceOutput yields the next parachain-facing output event, or
// ok=false if the relay-chain tree's output frontier has nothing new
// to report, applying the sibling-deduplication rule above.
func (m *ParachainMapper) TryAdvanceOutput() (ParaOutputEvent, bool) {
	for {
		ev, ok := m.tree.TryAdvanceOutput()
		if !ok {
			return ParaOutputEvent{}, false
		}
		switch ev.Kind {
		case asynctree.OutputBlock:
			if m.lastReportedParahead != nil && bytesEqual(m.lastReportedParahead, ev.Value) {
				continue // identical parahead already reported for a sibling relay block
			}
			m.lastReportedParahead = ev.Value
			return ParaOutputEvent{Kind: ev.Kind, ParaheadKey: ev.Block, Parahead: ev.Value}, true
		case asynctree.OutputFinalized:
			head, _ := m.tree.Value(ev.Block)
			return ParaOutputEvent{Kind: ev.Kind, ParaheadKey: ev.Block, Parahead: head}, true
		default:
			return ParaOutputEvent{Kind: ev.Kind, ParaheadKey: ev.Block, Parahead: ev.Value}, true
		}
	}
}

// MirrorRelayNotification feeds one relay-chain subscription event
// into the mapper's input frontier.
func (m *ParachainMapper) MirrorRelayNotification(note Notification) {
	switch note.Kind {
	case NotifyBlock:
		m.InputRelayBlock(note.BlockHash, note.ParentHash)
		if note.IsNewBest {
			m.InputRelayBestBlock(note.BlockHash)
		}
	case NotifyBestBlockChanged:
		m.InputRelayBestBlock(note.NewBestHash)
	case NotifyFinalized:
		m.InputRelayFinalize(note.FinalizedHash)
	}
}

// HeadHasher derives a parachain block's hash from its head bytes;
// the concrete hash function (blake2 of the SCALE header) is an
// external collaborator.
type HeadHasher func(head []byte) Hash

// DrainInto re-reports every ready parachain output into para,
// translating relay-keyed events into parachain lineage: each fresh
// parahead becomes a new best block child of the previously reported
// one, and relay finalizations finalize the corresponding parachain
// block if it was reported.
func (m *ParachainMapper) DrainInto(para *Service, hash HeadHasher) error {
	for {
		ev, ok := m.TryAdvanceOutput()
		if !ok {
			return nil
		}
		switch ev.Kind {
		case asynctree.OutputBlock:
			h := hash(ev.Parahead)
			parent := m.lastReportedParaHash
			if !m.hasReportedPara {
				parent = para.FinalizedHash()
			}
			if err := para.ReportBlock(Header{Hash: h, ScaleEncodedHeader: ev.Parahead}, parent, true); err != nil {
				return errors.Wrap(err, "syncservice: report parachain block")
			}
			m.lastReportedParaHash = h
			m.hasReportedPara = true
		case asynctree.OutputFinalized:
			if ev.Parahead == nil {
				continue
			}
			h := hash(ev.Parahead)
			if err := para.ReportFinalized(h); err != nil {
				log.WithError(err).Debug("parachain finalization target not reported, skipping")
			}
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
