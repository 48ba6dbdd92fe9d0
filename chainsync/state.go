package chainsync

import (
	"fmt"
	"strings"
)

// State is a step of the startup synchronization.
type State uint8

const (
	// StateEqual means the local tip is the oracle tip.
	StateEqual State = iota

	// StateRewindSuspect means the local chain is at least as high as the
	// oracle's, so the oracle went back or reorganized.
	StateRewindSuspect

	// StateForwardCheck means the oracle is ahead and the local tip must
	// be checked to still be in its best chain.
	StateForwardCheck

	// StateResolveReorg disconnects the local blocks the oracle no longer
	// has in its best chain.
	StateResolveReorg

	// StateCatchUp fetches and applies the missing blocks.
	StateCatchUp

	// StateLive means the local chain matches the oracle.
	StateLive
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateEqual:
		return "EQUAL"
	case StateRewindSuspect:
		return "REWIND_SUSPECT"
	case StateForwardCheck:
		return "FORWARD_CHECK"
	case StateResolveReorg:
		return "RESOLVE_REORG"
	case StateCatchUp:
		return "CATCH_UP"
	case StateLive:
		return "LIVE"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Boundary selects which blocks are disconnected when resolving a reorg.
type Boundary uint8

const (
	// BoundaryExclusive keeps the common ancestor and catches up from the
	// block above it.
	BoundaryExclusive Boundary = iota

	// BoundaryInclusive disconnects the common ancestor too and catches
	// up from the ancestor itself. A genesis ancestor rewinds the whole
	// chain.
	BoundaryInclusive
)

// String returns the name of the boundary.
func (b Boundary) String() string {
	switch b {
	case BoundaryExclusive:
		return "exclusive"
	case BoundaryInclusive:
		return "inclusive"
	default:
		return fmt.Sprintf("Boundary(%d)", uint8(b))
	}
}

// ParseBoundary parses a boundary name.
func ParseBoundary(s string) (Boundary, error) {
	switch strings.ToLower(s) {
	case "", "exclusive":
		return BoundaryExclusive, nil
	case "inclusive":
		return BoundaryInclusive, nil
	default:
		return 0, fmt.Errorf("unknown reorg boundary %q", s)
	}
}
