package chainsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/walletsync/chainio"
	"github.com/lightningnetwork/walletsync/chainoracle"
)

var (
	// ErrSubscriptionDestroyed is sent on the error channel once the
	// oracle tore the notification registration down.
	ErrSubscriptionDestroyed = errors.New("oracle destroyed the " +
		"notification subscription")

	// ErrNotStarted is returned by operations that need a live syncer.
	ErrNotStarted = errors.New("syncer not started")
)

// Config holds the parameters of a Syncer.
type Config struct {
	// Oracle is the trusted chain source.
	Oracle chainoracle.ChainOracle

	// Wallet is the local state kept in sync.
	Wallet Wallet

	// Boundary selects the reorg disconnect boundary.
	Boundary Boundary

	// MaxPasses bounds the state machine runs of a single resync.
	MaxPasses int

	// Prefetch is the number of blocks fetched concurrently on catch up.
	Prefetch int

	// Clock is used to rate limit progress reports.
	Clock clock.Clock

	// ProgressInterval is the minimum time between progress reports.
	ProgressInterval time.Duration

	// ResyncTicker, if set, triggers a resync on every tick. It catches
	// up with anything missed by the notifications.
	ResyncTicker ticker.Ticker

	// ResyncOnTipUpdate makes tip updates and chain state flushes trigger
	// a resync.
	ResyncOnTipUpdate bool
}

// Syncer synchronizes the wallet with the oracle at startup, then keeps it
// in sync by applying the oracle notifications.
type Syncer struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	resolver   *Resolver
	dispatcher *chainio.Dispatcher

	state atomic.Uint32

	subMtx sync.Mutex
	sub    chainoracle.Subscription

	resyncReq chan struct{}
	errChan   chan error

	gm *fn.GoroutineManager
}

// New creates a syncer.
func New(cfg Config) *Syncer {
	s := &Syncer{
		cfg:       cfg,
		resyncReq: make(chan struct{}, 1),
		errChan:   make(chan error, 1),
		gm:        fn.NewGoroutineManager(),
	}
	s.resolver = NewResolver(ResolverConfig{
		Oracle:           cfg.Oracle,
		Wallet:           cfg.Wallet,
		Boundary:         cfg.Boundary,
		MaxPasses:        cfg.MaxPasses,
		Prefetch:         cfg.Prefetch,
		Clock:            cfg.Clock,
		ProgressInterval: cfg.ProgressInterval,
		OnTransition:     s.setState,
	})
	s.dispatcher = chainio.NewDispatcher(chainio.Config{
		Target:            cfg.Wallet,
		RequestResync:     s.RequestResync,
		ResyncOnTipUpdate: cfg.ResyncOnTipUpdate,
	})

	return s
}

// Start runs the startup synchronization, registers for notifications and
// reconciles whatever changed during registration. It returns once the
// syncer is live.
func (s *Syncer) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Chain syncer starting")

	res, err := s.resolver.Run(ctx)
	if err != nil {
		return fmt.Errorf("startup sync: %w", err)
	}
	log.Infof("Startup sync done at %v", res.Tip)

	register := func() error {
		sub, err := s.cfg.Oracle.RegisterNotifications(
			ctx, s.dispatcher,
		)
		if err != nil {
			return err
		}

		s.subMtx.Lock()
		s.sub = sub
		s.subMtx.Unlock()

		return nil
	}
	reconcile := func() error {
		_, err := s.resolver.Run(ctx)
		return err
	}
	if err := s.dispatcher.GoLive(register, reconcile); err != nil {
		s.cancelSubscription()
		return err
	}
	s.state.Store(uint32(StateLive))

	if s.cfg.ResyncTicker != nil {
		s.cfg.ResyncTicker.Resume()
	}

	// Goroutines outlive the start context, only Stop ends them.
	ok := s.gm.Go(context.WithoutCancel(ctx), s.resyncLoop)
	if !ok {
		return ErrNotStarted
	}

	log.Info("Chain syncer live")

	return nil
}

// Stop cancels the notification registration and waits for the resync loop
// to exit.
func (s *Syncer) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Chain syncer shutting down...")
	defer log.Debug("Chain syncer shutdown complete")

	s.cancelSubscription()
	if s.cfg.ResyncTicker != nil {
		s.cfg.ResyncTicker.Stop()
	}
	s.gm.Stop()

	return nil
}

func (s *Syncer) cancelSubscription() {
	s.subMtx.Lock()
	defer s.subMtx.Unlock()

	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
}

// State returns the state of the startup synchronization, StateLive once
// the syncer follows the notifications.
func (s *Syncer) State() State {
	return State(s.state.Load())
}

func (s *Syncer) setState(state State) {
	if s.State() != StateLive {
		s.state.Store(uint32(state))
	}
}

// Err returns a channel receiving the error that stopped the syncer from
// following the oracle.
func (s *Syncer) Err() <-chan error {
	return s.errChan
}

// RequestResync schedules a resync. It never blocks, requests made while
// one is pending are merged.
func (s *Syncer) RequestResync() {
	select {
	case s.resyncReq <- struct{}{}:
	default:
	}
}

// Resync reruns the synchronization state machine. Notifications are held
// back while it runs.
func (s *Syncer) Resync(ctx context.Context) (*Result, error) {
	if !s.dispatcher.IsLive() {
		return nil, ErrNotStarted
	}

	var res *Result
	err := s.dispatcher.Exclusive(func() error {
		var err error
		res, err = s.resolver.Run(ctx)

		return err
	})
	if err != nil {
		return res, fmt.Errorf("resync: %w", err)
	}

	return res, nil
}

// resyncLoop runs requested and periodic resyncs and watches for the
// oracle destroying the registration.
//
// NOTE: This MUST be run as a goroutine.
func (s *Syncer) resyncLoop(ctx context.Context) {
	var ticks <-chan time.Time
	if s.cfg.ResyncTicker != nil {
		ticks = s.cfg.ResyncTicker.Ticks()
	}

	for {
		select {
		case <-s.resyncReq:
			s.resync(ctx, "requested")

		case <-ticks:
			s.resync(ctx, "periodic")

		case <-s.dispatcher.Done():
			log.Errorf("Lost oracle notifications: %v",
				ErrSubscriptionDestroyed)
			s.cancelSubscription()
			s.sendErr(ErrSubscriptionDestroyed)

			return

		case <-ctx.Done():
			return
		}
	}
}

func (s *Syncer) resync(ctx context.Context, reason string) {
	log.Debugf("Running %s resync", reason)

	res, err := s.Resync(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return

	case err != nil:
		log.Errorf("Unable to run %s resync: %v", reason, err)

	case res.Applied > 0 || res.Disconnected > 0:
		log.Infof("Resync caught up to %v: applied=%d, "+
			"disconnected=%d", res.Tip, res.Applied,
			res.Disconnected)
	}
}

func (s *Syncer) sendErr(err error) {
	select {
	case s.errChan <- err:
	default:
	}
}

// Broadcast hands tx to the oracle and, once accepted, adds it to the wallet
// as unconfirmed. A rejected transaction leaves the wallet untouched.
func (s *Syncer) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	txid := tx.TxHash()
	if err := s.cfg.Oracle.BroadcastTransaction(ctx, tx); err != nil {
		log.Warnf("Broadcast of %v failed: %v", txid, err)
		return err
	}

	log.Infof("Broadcast transaction %v", txid)

	if _, err := s.cfg.Wallet.ApplyUnconfirmedTx(tx); err != nil {
		return fmt.Errorf("unable to record broadcast tx %v: %w", txid,
			err)
	}

	return nil
}

// AuditReport is the outcome of checking the wallet UTXOs against the oracle
// UTXO set.
type AuditReport struct {
	// Checked is the number of confirmed wallet outputs checked.
	Checked int

	// Missing holds the outputs the oracle reports as spent or unknown.
	Missing []wire.OutPoint

	// Mismatched holds the outputs whose coin differs from the wallet
	// view.
	Mismatched []wire.OutPoint
}

// AuditUtxos looks up every confirmed wallet output in the oracle UTXO set.
func (s *Syncer) AuditUtxos(ctx context.Context) (*AuditReport, error) {
	var (
		outpoints []wire.OutPoint
		expected  = make(map[wire.OutPoint]*wire.TxOut)
	)
	for _, utxo := range s.cfg.Wallet.Utxos() {
		if !utxo.Position.IsConfirmed() {
			continue
		}
		outpoints = append(outpoints, utxo.OutPoint)
		expected[utxo.OutPoint] = utxo.TxOut
	}

	report := &AuditReport{Checked: len(outpoints)}
	if len(outpoints) == 0 {
		return report, nil
	}

	coins, err := s.cfg.Oracle.FindCoins(ctx, outpoints)
	if err != nil {
		return nil, fmt.Errorf("unable to look up coins: %w", err)
	}

	for _, op := range outpoints {
		raw, ok := coins[op]
		if !ok {
			report.Missing = append(report.Missing, op)
			continue
		}

		coin, err := chainoracle.DecodeCoin(raw)
		if err != nil {
			return nil, &chainoracle.TrustError{
				Op:  "find coins",
				Err: fmt.Errorf("coin %v: %w", op, err),
			}
		}

		want := expected[op]
		if int64(coin.Amount) != want.Value ||
			!bytes.Equal(coin.PkScript, want.PkScript) {

			report.Mismatched = append(report.Mismatched, op)
		}
	}

	if len(report.Missing) > 0 || len(report.Mismatched) > 0 {
		log.Warnf("UTXO audit: %d checked, %d missing, %d mismatched",
			report.Checked, len(report.Missing),
			len(report.Mismatched))
	} else {
		log.Debugf("UTXO audit: %d outputs confirmed by oracle",
			report.Checked)
	}

	return report, nil
}
