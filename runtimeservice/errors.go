package runtimeservice

import "github.com/pkg/errors"

// ErrLogsTooLong is returned when a single runtime call accumulates
// more than 1 MiB of log output.
var ErrLogsTooLong = errors.New("runtimeservice: log accumulation exceeded 1 MiB")

// ErrForbiddenHostCall is returned when a VM run yields a host call
// outside the supported protocol.
var ErrForbiddenHostCall = errors.New("runtimeservice: host call not permitted during this call")

// ErrRuntimeUnavailable is returned by RuntimeCall construction when
// the block's runtime failed to compile.
var ErrRuntimeUnavailable = errors.New("runtimeservice: block's runtime is unavailable")

// ErrUnknownBlock is returned when a caller pins or calls into a block
// the service has never reported.
var ErrUnknownBlock = errors.New("runtimeservice: unknown block")

// ErrBlockNotPinned is returned by pinned-block operations when the
// subscription does not currently hold the block pinned.
var ErrBlockNotPinned = errors.New("runtimeservice: block not pinned by this subscription")

// ErrMissingProofEntry is returned when a RuntimeCall storage read
// names a key the call's proof covers neither as present nor as
// proven-absent; answering it from anywhere else would break proof
// isolation.
var ErrMissingProofEntry = errors.New("runtimeservice: key not covered by call proof")

// UnresolvedFunctionImportError marks a compile failure caused solely
// by a host function the Wasm module imports but the host does not
// provide; callers retry once with relaxed import resolution.
type UnresolvedFunctionImportError struct {
	Module   string
	Function string
}

func (e *UnresolvedFunctionImportError) Error() string {
	return "runtimeservice: unresolved function import " + e.Module + "." + e.Function
}

// errorsNewUnpin builds the panic value for the unpin contract
// violation: unpinning a block a subscription does not hold.
func errorsNewUnpin(subID uint64) error {
	return errors.Errorf("runtimeservice: subscription %d unpinned a block it does not hold pinned", subID)
}
