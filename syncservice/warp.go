package syncservice

import (
	"context"

	"github.com/pkg/errors"
)

// WarpSyncTransport is the narrow seam the warp-sync query uses;
// NetworkTransport implements it in production.
type WarpSyncTransport interface {
	SendWarpSyncRequest(ctx context.Context, chain ChainId, peer PeerId, payload []byte) ([]byte, error)
}

// WarpFragmentVerifier checks one warp-sync response: a chain of
// Grandpa justification fragments proving finality from the requested
// block onward. Verification (signature checks against the
// authority set) is an external collaborator; this seam returns the
// last proven block and whether the response said it reached the head.
type WarpFragmentVerifier interface {
	VerifyFragments(proof []byte, start Hash) (last Header, isFinal bool, err error)
}

// ErrWarpProofInvalid marks a proof-caused warp failure: retrying the
// same proof against another peer would fail identically once one peer
// served a verifiably bad fragment chain.
var ErrWarpProofInvalid = errors.New("syncservice: warp sync proof failed verification")

const maxWarpRounds = 64

// GrandpaWarpSyncQuery drives the warp-sync loop: starting from a
// known finalized block, it repeatedly requests fragment bundles,
// verifies each locally, and advances until a response is marked
// final. Network errors rotate to the next peer and keep the progress
// made so far; verification failures surface immediately.
func GrandpaWarpSyncQuery(ctx context.Context, t WarpSyncTransport, v WarpFragmentVerifier, chain ChainId, start Header, peers []PeerId) (Header, error) {
	if len(peers) == 0 {
		return Header{}, errors.New("syncservice: no peers available for warp sync")
	}

	current := start
	peerIdx := 0
	var lastErr error

	for round := 0; round < maxWarpRounds; round++ {
		peer := peers[peerIdx%len(peers)]
		proof, err := t.SendWarpSyncRequest(ctx, chain, peer, encodeWarpSyncRequest(current.Hash))
		if err != nil {
			lastErr = err
			peerIdx++
			if peerIdx >= len(peers)*2 {
				return current, errors.Wrap(lastErr, "syncservice: warp sync exhausted all peers")
			}
			continue
		}

		last, isFinal, verr := v.VerifyFragments(proof, current.Hash)
		if verr != nil {
			return current, errors.Wrap(ErrWarpProofInvalid, verr.Error())
		}
		current = last
		if isFinal {
			return current, nil
		}
	}
	return current, errors.New("syncservice: warp sync did not converge")
}

func encodeWarpSyncRequest(start Hash) []byte {
	out := make([]byte, 0, 32)
	return append(out, start[:]...)
}
