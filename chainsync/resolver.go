// Package chainsync brings the local chain in line with the chain oracle at
// startup and keeps it there afterwards.
package chainsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/walletsync/chainoracle"
	"github.com/lightningnetwork/walletsync/changeset"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/lightningnetwork/walletsync/txgraph"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxPasses bounds how often the state machine runs when the
	// oracle tip keeps moving.
	DefaultMaxPasses = 3

	// DefaultPrefetch is the number of blocks fetched concurrently during
	// catch up.
	DefaultPrefetch = 8

	// DefaultProgressInterval is the minimum time between two progress
	// reports.
	DefaultProgressInterval = 5 * time.Second

	progressTitle = "Synchronizing wallet"
)

// ErrPrunedHistory is returned when the oracle no longer holds blocks the
// wallet needs. There is no way to recover from it without rescanning from a
// source that has the blocks.
var ErrPrunedHistory = errors.New("oracle has pruned blocks the wallet " +
	"needs")

// Wallet is the local state the resolver reconciles.
type Wallet interface {
	// Tip returns the local best block.
	Tip() chaintypes.BlockID

	// Genesis returns the local genesis block.
	Genesis() chaintypes.BlockID

	// BlockAt returns the local block at height, if any.
	BlockAt(height uint32) (chaintypes.BlockID, bool)

	// ApplyBlock connects the block on top of the local tip.
	ApplyBlock(block *wire.MsgBlock,
		height uint32) (*changeset.ChangeSet, error)

	// ApplyUnconfirmedTx adds an unconfirmed transaction.
	ApplyUnconfirmedTx(tx *wire.MsgTx) (*changeset.ChangeSet, error)

	// DisconnectFrom disconnects the block and everything above it.
	DisconnectFrom(id chaintypes.BlockID) (*changeset.ChangeSet, error)

	// Reset rewinds the local chain to genesis.
	Reset() (*changeset.ChangeSet, error)

	// Utxos returns the unspent wallet outputs.
	Utxos() []txgraph.Utxo
}

// ResolverConfig holds the parameters of a Resolver.
type ResolverConfig struct {
	// Oracle is the trusted chain source.
	Oracle chainoracle.ChainOracle

	// Wallet is the local state.
	Wallet Wallet

	// Boundary selects the reorg disconnect boundary.
	Boundary Boundary

	// MaxPasses bounds the number of state machine runs per call. Zero
	// selects DefaultMaxPasses.
	MaxPasses int

	// Prefetch is the number of blocks fetched concurrently. Blocks are
	// always applied in order. Zero selects DefaultPrefetch.
	Prefetch int

	// Clock rate limits progress reports.
	Clock clock.Clock

	// ProgressInterval is the minimum time between two progress reports.
	// Zero selects DefaultProgressInterval.
	ProgressInterval time.Duration

	// OnTransition, if set, is called with every state entered.
	OnTransition func(State)
}

// Result summarizes a synchronization.
type Result struct {
	// Tip is the local tip once synchronized.
	Tip chaintypes.BlockID

	// Passes is the number of state machine runs.
	Passes int

	// Reorgs is the number of reorgs resolved.
	Reorgs int

	// Disconnected is the number of local blocks disconnected.
	Disconnected int

	// Applied is the number of blocks fetched and applied.
	Applied int
}

// Resolver runs the startup synchronization state machine:
//
//	EQUAL          -> done
//	REWIND_SUSPECT -> RESOLVE_REORG
//	FORWARD_CHECK  -> RESOLVE_REORG | CATCH_UP
//	RESOLVE_REORG  -> CATCH_UP
//	CATCH_UP       -> LIVE
//
// Once a pass reaches LIVE, the oracle tip is queried again and the machine
// runs another pass if it moved in the meantime.
type Resolver struct {
	cfg ResolverConfig
}

// NewResolver creates a resolver, filling in the defaults.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = DefaultMaxPasses
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}

	return &Resolver{cfg: cfg}
}

// Run synchronizes the local chain with the oracle.
func (r *Resolver) Run(ctx context.Context) (*Result, error) {
	res := &Result{}

	for res.Passes < r.cfg.MaxPasses {
		res.Passes++

		changed, err := r.pass(ctx, res)
		if err != nil {
			return res, err
		}
		if !changed {
			break
		}

		if res.Passes == r.cfg.MaxPasses {
			log.Warnf("Oracle tip still moving after %d passes, "+
				"leaving the rest to notifications",
				res.Passes)
		}
	}

	res.Tip = r.cfg.Wallet.Tip()
	log.Infof("Synchronized to %v in %d passes: applied=%d, "+
		"disconnected=%d, reorgs=%d", res.Tip, res.Passes, res.Applied,
		res.Disconnected, res.Reorgs)

	return res, nil
}

// pass runs the state machine once. It returns false if the local tip was
// already equal to the oracle tip.
func (r *Resolver) pass(ctx context.Context, res *Result) (bool, error) {
	nodeTip, err := r.cfg.Oracle.GetTip(ctx)
	if err != nil {
		return false, fmt.Errorf("unable to get oracle tip: %w", err)
	}
	local := r.cfg.Wallet.Tip()

	var (
		state State
		start uint32
	)
	switch {
	case local == nodeTip:
		state = StateEqual

	case local.Height >= nodeTip.Height:
		state = StateRewindSuspect

	default:
		state = StateForwardCheck
	}

	log.Debugf("Local tip %v, oracle tip %v: %v", local, nodeTip, state)
	r.enter(state)

	for {
		next, err := r.step(ctx, state, local, nodeTip, &start, res)
		if err != nil {
			return false, fmt.Errorf("%v: %w", state, err)
		}

		switch next {
		case StateEqual:
			return false, nil

		case StateLive:
			r.enter(StateLive)
			return true, nil
		}

		log.Debugf("Sync state %v -> %v", state, next)
		state = next
		r.enter(state)
	}
}

func (r *Resolver) enter(state State) {
	if r.cfg.OnTransition != nil {
		r.cfg.OnTransition(state)
	}
}

// step runs a single state and returns the next one.
func (r *Resolver) step(ctx context.Context, state State, local,
	nodeTip chaintypes.BlockID, start *uint32, res *Result) (State,
	error) {

	switch state {
	case StateEqual:
		return StateEqual, nil

	case StateRewindSuspect:
		return StateResolveReorg, nil

	case StateForwardCheck:
		inChain, err := r.cfg.Oracle.IsInBestChain(
			ctx, nodeTip.Hash, local.Hash,
		)
		if err != nil {
			return state, err
		}
		if !inChain {
			return StateResolveReorg, nil
		}
		*start = local.Height + 1

		return StateCatchUp, nil

	case StateResolveReorg:
		from, err := r.resolveReorg(ctx, local, nodeTip, res)
		if err != nil {
			return state, err
		}
		*start = from

		return StateCatchUp, nil

	case StateCatchUp:
		if err := r.catchUp(ctx, nodeTip, *start, res); err != nil {
			return state, err
		}

		return StateLive, nil

	default:
		return state, fmt.Errorf("no transition from %v", state)
	}
}

// resolveReorg disconnects the local blocks above the common ancestor, or
// from the ancestor itself with the inclusive boundary, and returns the
// height to catch up from.
func (r *Resolver) resolveReorg(ctx context.Context, local,
	nodeTip chaintypes.BlockID, res *Result) (uint32, error) {

	found, err := r.cfg.Oracle.FindCommonAncestor(
		ctx, nodeTip.Hash, local.Hash,
	)
	if err != nil {
		return 0, fmt.Errorf("unable to find common ancestor: %w", err)
	}

	genesis := r.cfg.Wallet.Genesis()
	if found.IsNone() {
		log.Warnf("No common ancestor of local tip %v and oracle tip "+
			"%v, falling back to genesis", local, nodeTip)
	}
	ancestor := found.UnwrapOr(genesis)

	log.Infof("Resolving reorg: local tip %v, oracle tip %v, common "+
		"ancestor %v, boundary %v", local, nodeTip, ancestor,
		r.cfg.Boundary)
	res.Reorgs++

	var (
		cs    *changeset.ChangeSet
		start uint32
	)
	switch {
	case r.cfg.Boundary == BoundaryInclusive && ancestor.Height == 0:
		cs, err = r.cfg.Wallet.Reset()
		start = 0

	case r.cfg.Boundary == BoundaryInclusive:
		cs, err = r.cfg.Wallet.DisconnectFrom(ancestor)
		start = ancestor.Height

	default:
		start = ancestor.Height + 1

		above, ok := r.cfg.Wallet.BlockAt(start)
		if !ok {
			return start, nil
		}
		cs, err = r.cfg.Wallet.DisconnectFrom(above)
	}
	if err != nil {
		return 0, err
	}
	res.Disconnected += len(cs.Chain)

	return start, nil
}

// catchUp fetches and applies the blocks from start up to the oracle tip.
// Blocks are fetched in windows of Prefetch concurrent requests and applied
// strictly in order.
func (r *Resolver) catchUp(ctx context.Context, nodeTip chaintypes.BlockID,
	start uint32, res *Result) error {

	if start > nodeTip.Height {
		return nil
	}

	ok, err := r.cfg.Oracle.HasBlocks(ctx, nodeTip.Hash, start)
	if err != nil {
		return fmt.Errorf("unable to check block availability: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: blocks %d..%d of %v", ErrPrunedHistory,
			start, nodeTip.Height, nodeTip.Hash)
	}

	total := nodeTip.Height - start + 1
	log.Infof("Catching up %d blocks from height %d to %v", total, start,
		nodeTip)

	progress := newProgressReporter(ctx, r.cfg, total)
	progress.report(1)

	window := uint32(r.cfg.Prefetch)
	for from := start; from <= nodeTip.Height; from += window {
		to := min(from+window-1, nodeTip.Height)

		blocks, err := r.fetch(ctx, nodeTip, from, to)
		if err != nil {
			return err
		}

		for i, block := range blocks {
			height := from + uint32(i)
			_, err := r.cfg.Wallet.ApplyBlock(block, height)
			if err != nil {
				return fmt.Errorf("unable to apply block "+
					"%d: %w", height, err)
			}
			res.Applied++

			done := height - start + 1
			progress.maybeReport(int(done * 100 / total))
		}
	}

	progress.report(100)

	return nil
}

// fetch downloads the blocks in [from, to] of the chain ending at tip
// concurrently.
func (r *Resolver) fetch(ctx context.Context, tip chaintypes.BlockID, from,
	to uint32) ([]*wire.MsgBlock, error) {

	blocks := make([]*wire.MsgBlock, to-from+1)

	g, gctx := errgroup.WithContext(ctx)
	for i := range blocks {
		height := from + uint32(i)
		g.Go(func() error {
			block, err := r.cfg.Oracle.GetBlock(
				gctx, tip.Hash, height,
			)
			if err != nil {
				return fmt.Errorf("unable to get block %d: %w",
					height, err)
			}
			blocks[i] = block

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return blocks, nil
}

// progressReporter sends rate limited progress reports to the oracle.
type progressReporter struct {
	ctx   context.Context
	cfg   ResolverConfig
	total uint32

	last    time.Time
	percent int
}

func newProgressReporter(ctx context.Context, cfg ResolverConfig,
	total uint32) *progressReporter {

	return &progressReporter{ctx: ctx, cfg: cfg, total: total}
}

// maybeReport reports percent unless the last report is too recent.
func (p *progressReporter) maybeReport(percent int) {
	if p.cfg.Clock.Now().Sub(p.last) < p.cfg.ProgressInterval {
		return
	}

	p.report(percent)
}

// report sends percent to the oracle, skipping repeats.
func (p *progressReporter) report(percent int) {
	if percent == p.percent {
		return
	}
	p.percent = percent
	p.last = p.cfg.Clock.Now()

	log.Debugf("Catch up progress: %d%% of %d blocks", percent, p.total)

	err := p.cfg.Oracle.ShowProgress(p.ctx, progressTitle, percent, false)
	if err != nil {
		log.Warnf("Unable to report progress: %v", err)
	}
}
