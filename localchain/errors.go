package localchain

import (
	"errors"
	"fmt"
)

var (
	// ErrGenesisImmutable is returned when asked to disconnect the genesis
	// block.
	ErrGenesisImmutable = errors.New("genesis block cannot be " +
		"disconnected")

	// ErrDisconnected is returned when an update doesn't connect to the
	// current tip of the local chain.
	ErrDisconnected = errors.New("update does not connect to local chain")

	// ErrNonContiguous is returned when applying a change set would leave a
	// gap in the chain.
	ErrNonContiguous = errors.New("change set leaves a gap in the chain")

	// ErrGenesisMismatch is returned when a change set removes or replaces
	// the genesis block.
	ErrGenesisMismatch = errors.New("change set conflicts with the " +
		"genesis block")
)

// CannotConnectError is returned when an update doesn't connect to the local
// chain. It unwraps to ErrDisconnected.
type CannotConnectError struct {
	// Height is the height of the update that was rejected.
	Height uint32

	// Reason describes why the update doesn't connect.
	Reason string
}

// Error returns the error string.
func (e *CannotConnectError) Error() string {
	return fmt.Sprintf("%v: height %d: %s", ErrDisconnected, e.Height,
		e.Reason)
}

// Unwrap returns ErrDisconnected.
func (e *CannotConnectError) Unwrap() error {
	return ErrDisconnected
}
