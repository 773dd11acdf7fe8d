package syncservice

import (
	"context"
	stderrors "errors"

	"github.com/pkg/errors"
)

// ChainId mirrors network.ChainId without importing the network
// package, keeping syncservice's dependency on the coordinator down to
// the narrow RequestTransport interface below.
type ChainId uint32

// ErrOversizeResponse is returned by a RequestTransport when a peer
// refuses a proof request because the requested node-count cap is too
// large for it to answer.
var ErrOversizeResponse = errors.New("syncservice: peer refused proof request as oversize")

// ErrProofInvalid marks a proof-caused failure that the caller must
// surface rather than retry: a different peer would fail identically.
var ErrProofInvalid = errors.New("syncservice: proof failed local verification")

// RequestTransport is the narrow interface syncservice's proof-query
// state machines use to reach the network coordinator; a
// network.ChainNetwork adapter implements it in production, and tests
// substitute a fake.
type RequestTransport interface {
	SendCallProofRequest(ctx context.Context, chain ChainId, peer PeerId, blockHash Hash, fn string, params []byte, maxNodes int) (proof []byte, err error)
	SendStorageProofRequest(ctx context.Context, chain ChainId, peer PeerId, blockHash Hash, keys [][]byte, maxNodes int) (proof []byte, err error)
}

// ProofVerifier decodes and locally verifies a Merkle proof bundle
// against a known state-trie root, returning the entries it proves.
// Wasm execution / trie verification themselves are out of scope
// ; this is the narrow seam into that collaborator.
type ProofVerifier interface {
	DecodeAndVerifyProof(proof []byte, rootHash Hash) (ProofEntries, error)
}

// ProofEntries is the decoded, verified set of key/value pairs (or
// proven-absent markers) a proof bundle covers. A key present in
// neither map is simply not covered by the proof: readers must treat
// that as a missing proof entry, never as absence.
type ProofEntries struct {
	Values map[string][]byte
	// Absent marks keys the proof proves are not present in the trie.
	Absent map[string]bool
	// MerkleValues carries, for keys the verifier surfaced them for,
	// the trie node's Merkle value (node digest or inline node).
	MerkleValues map[string][]byte
	// ClosestAncestors maps a key to the longest strict-prefix key the
	// proof shows a trie node for, backing closest-ancestor queries.
	ClosestAncestors map[string][]byte
}

// Covers reports whether the proof says anything about key: either a
// value or a proven absence.
func (e ProofEntries) Covers(key string) bool {
	if _, ok := e.Values[key]; ok {
		return true
	}
	return e.Absent[key]
}

const initialMaxNodes = 512
const minMaxNodes = 16

// CallProofQuery drives a retry loop with peer rotation to obtain and
// verify a call proof for (chain, blockHash, stateRoot, fn, params).
// Network errors rotate to the next peer; on an oversize refusal the
// requested node-count cap is halved before retrying the same peer,
// and the halved cap carries over to later peers. Proof-caused errors
// are surfaced immediately, not retried.
func CallProofQuery(ctx context.Context, t RequestTransport, v ProofVerifier, chain ChainId, blockHash Hash, stateRoot Hash, fn string, params []byte, peers []PeerId) (ProofEntries, error) {
	maxNodes := initialMaxNodes
	var lastErr error
	for _, p := range peers {
		for {
			proof, err := t.SendCallProofRequest(ctx, chain, p, blockHash, fn, params, maxNodes)
			if err != nil {
				if stderrors.Is(err, ErrOversizeResponse) && maxNodes > minMaxNodes {
					maxNodes /= 2
					continue
				}
				lastErr = err
				break // network-caused: rotate to next peer
			}
			entries, verr := v.DecodeAndVerifyProof(proof, stateRoot)
			if verr != nil {
				return ProofEntries{}, errors.Wrap(ErrProofInvalid, "syncservice: call proof: "+verr.Error())
			}
			return entries, nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("syncservice: no peers available for call proof query")
	}
	return ProofEntries{}, errors.Wrap(lastErr, "syncservice: call proof query exhausted all peers")
}

// CallProofQuery runs the package-level retry loop against the peers
// this service assumes know the block.
func (s *Service) CallProofQuery(ctx context.Context, t RequestTransport, v ProofVerifier, chain ChainId, number uint64, blockHash, stateRoot Hash, fn string, params []byte) (ProofEntries, error) {
	return CallProofQuery(ctx, t, v, chain, blockHash, stateRoot, fn, params, s.PeersAssumedKnowBlocks(number, blockHash))
}

// StorageQueryFor runs the package-level storage retry loop against
// the peers this service assumes know the block.
func (s *Service) StorageQueryFor(ctx context.Context, t RequestTransport, v ProofVerifier, chain ChainId, number uint64, blockHash, stateRoot Hash, keys [][]byte) (ProofEntries, error) {
	return StorageQuery(ctx, t, v, chain, blockHash, stateRoot, keys, s.PeersAssumedKnowBlocks(number, blockHash))
}

// StorageQuery drives the equivalent retry loop for a batch of
// storage keys against a given block's state root.
func StorageQuery(ctx context.Context, t RequestTransport, v ProofVerifier, chain ChainId, blockHash Hash, stateRoot Hash, keys [][]byte, peers []PeerId) (ProofEntries, error) {
	maxNodes := initialMaxNodes
	var lastErr error
	for _, p := range peers {
		for {
			proof, err := t.SendStorageProofRequest(ctx, chain, p, blockHash, keys, maxNodes)
			if err != nil {
				if stderrors.Is(err, ErrOversizeResponse) && maxNodes > minMaxNodes {
					maxNodes /= 2
					continue
				}
				lastErr = err
				break
			}
			entries, verr := v.DecodeAndVerifyProof(proof, stateRoot)
			if verr != nil {
				return ProofEntries{}, errors.Wrap(ErrProofInvalid, "syncservice: storage proof: "+verr.Error())
			}
			return entries, nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("syncservice: no peers available for storage query")
	}
	return ProofEntries{}, errors.Wrap(lastErr, "syncservice: storage query exhausted all peers")
}
