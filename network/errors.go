package network

import "github.com/pkg/errors"

// Sentinel errors compared by callers, matching the pre-errors.Is
// style the pack's sync package uses for types.ErrGeneric.
var (
	// ErrNoConnection is returned by every start_*_request operation
	// when no healthy established connection to the target exists.
	ErrNoConnection = errors.New("no healthy connection to target peer")

	// ErrGossipAlreadyOpen is returned by GossipOpen when a Block-
	// Announces substream (pending or open) already exists for the
	// (chain, peer) pair.
	ErrGossipAlreadyOpen = errors.New("gossip substream already pending or open for this chain/peer")

	// ErrGossipNotOpen is returned by the send/broadcast operations
	// when no fully open outbound Block-Announces substream exists.
	ErrGossipNotOpen = errors.New("no open outbound block-announces substream")

	// ErrUnknownChain is returned when a ChainId does not refer to a
	// registered chain.
	ErrUnknownChain = errors.New("unknown chain id")

	// ErrUnknownConnection is returned when a ConnectionId does not
	// refer to a live connection.
	ErrUnknownConnection = errors.New("unknown connection id")

	// ErrRequestTimeout is carried in a RequestResult event when an
	// outbound request hit its per-call deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionReset is carried in a RequestResult event when the
	// connection carrying an in-flight request died.
	ErrConnectionReset = errors.New("connection reset while request in flight")

	// ErrResponseTooLarge is carried in a RequestResult event when a
	// response exceeded the request kind's size cap.
	ErrResponseTooLarge = errors.New("response exceeds size cap")

	// ErrUnsupportedAddress is returned when a multiaddress does not
	// match any supported dial composition.
	ErrUnsupportedAddress = errors.New("unsupported multiaddress composition")

	// ErrRemoteRejected is carried in a GossipOpenFailed event when the
	// remote closed or rejected a still-pending Block-Announces open.
	ErrRemoteRejected = errors.New("remote rejected the gossip substream open")
)

// DuplicateChainError is returned by AddChain when (genesis_hash,
// fork_id) is already registered.
type DuplicateChainError struct {
	Existing ChainId
}

func (e *DuplicateChainError) Error() string {
	return errors.Errorf("chain already registered as %d", e.Existing).Error()
}

// GenesisMismatchError is reported inside GossipOpenFailed when the
// remote's Block-Announces handshake carries a different genesis hash
// than the local chain's.
type GenesisMismatchError struct {
	Local  [32]byte
	Remote [32]byte
}

func (e *GenesisMismatchError) Error() string {
	return errors.Errorf("genesis mismatch: local=%x remote=%x", e.Local, e.Remote).Error()
}
