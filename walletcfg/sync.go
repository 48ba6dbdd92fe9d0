package walletcfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/walletsync/chainsync"
)

// DefaultResyncInterval is the default interval between two periodic
// resyncs.
const DefaultResyncInterval = 10 * time.Minute

// Sync holds the options of the chain synchronization.
//
//nolint:lll
type Sync struct {
	Boundary          string        `long:"boundary" description:"Where block replay starts after a reorg. 'exclusive' starts above the common ancestor, 'inclusive' at it." choice:"exclusive" choice:"inclusive"`
	MaxPasses         int           `long:"maxpasses" description:"The maximum number of sync passes made while the node's tip keeps moving."`
	Prefetch          int           `long:"prefetch" description:"The number of blocks fetched concurrently while catching up."`
	ResyncInterval    time.Duration `long:"resyncinterval" description:"The interval between two periodic resyncs once live. 0 disables them."`
	ResyncOnTipUpdate bool          `long:"resyncontipupdate" description:"Resync every time the node reports a tip update or a chain state flush."`
}

// DefaultSync returns the default sync options.
func DefaultSync() *Sync {
	return &Sync{
		Boundary:       chainsync.BoundaryExclusive.String(),
		MaxPasses:      chainsync.DefaultMaxPasses,
		Prefetch:       chainsync.DefaultPrefetch,
		ResyncInterval: DefaultResyncInterval,
	}
}

// Validate checks the sync options.
func (s *Sync) Validate() error {
	if _, err := chainsync.ParseBoundary(s.Boundary); err != nil {
		return err
	}

	if s.MaxPasses < 1 {
		return fmt.Errorf("sync.maxpasses must be at least 1, got %d",
			s.MaxPasses)
	}

	if s.Prefetch < 1 {
		return fmt.Errorf("sync.prefetch must be at least 1, got %d",
			s.Prefetch)
	}

	if s.ResyncInterval < 0 {
		return fmt.Errorf("sync.resyncinterval must not be negative")
	}

	return nil
}
