// Package walletsync wires the wallet, its change set log and the bitcoind
// oracle into the walletsyncd daemon.
package walletsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/walletsync/build"
	"github.com/lightningnetwork/walletsync/chainoracle/bitcoindoracle"
	"github.com/lightningnetwork/walletsync/chainsync"
	"github.com/lightningnetwork/walletsync/keychain"
	"github.com/lightningnetwork/walletsync/logstore"
	"github.com/lightningnetwork/walletsync/signal"
	"github.com/lightningnetwork/walletsync/wallet"
	"github.com/lightningnetwork/walletsync/walletcfg"
)

// openStore opens the change set log selected by the store options.
func openStore(cfg *Config) (logstore.Store, error) {
	magic := []byte(cfg.Store.Magic)

	switch cfg.Store.Backend {
	case walletcfg.BoltBackend:
		return logstore.OpenBoltStore(&logstore.BoltConfig{
			DBPath:         cfg.DataDir,
			DBFileName:     walletcfg.DefaultBoltFilename,
			NoFreelistSync: cfg.Store.Bolt.NoFreelistSync,
			AutoCompact:    cfg.Store.Bolt.AutoCompact,
			DBTimeout:      cfg.Store.Bolt.DBTimeout,
		}, magic)

	default:
		return logstore.OpenFileStore(
			filepath.Join(cfg.DataDir, walletcfg.DefaultStoreFilename),
			magic,
		)
	}
}

// keychains parses the wallet descriptors.
func keychains(cfg *Config) (map[keychain.Keychain]keychain.ScriptDeriver,
	error) {

	external, err := keychain.ParseDescriptor(
		cfg.Wallet.Descriptor, cfg.ActiveNetParams,
	)
	if err != nil {
		return nil, fmt.Errorf("wallet.descriptor: %w", err)
	}

	kcs := map[keychain.Keychain]keychain.ScriptDeriver{
		keychain.External: external,
	}
	if cfg.Wallet.ChangeDescriptor != "" {
		internal, err := keychain.ParseDescriptor(
			cfg.Wallet.ChangeDescriptor, cfg.ActiveNetParams,
		)
		if err != nil {
			return nil, fmt.Errorf("wallet.changedescriptor: %w",
				err)
		}
		kcs[keychain.Internal] = internal
	}

	return kcs, nil
}

// newLivenessMonitor creates the health checks of the daemon. A failing
// check logs at critical level, which requests a shutdown.
func newLivenessMonitor(cfg *Config,
	oracle *bitcoindoracle.Oracle) *healthcheck.Monitor {

	chainCheck := cfg.HealthChecks.ChainCheck
	diskCheck := cfg.HealthChecks.DiskCheck

	chainHealthCheck := healthcheck.NewObservation(
		"chain backend",
		func() error {
			ctx, cancel := context.WithTimeout(
				context.Background(), chainCheck.Timeout,
			)
			defer cancel()

			_, err := oracle.GetTip(ctx)

			return err
		},
		chainCheck.Interval,
		chainCheck.Timeout,
		chainCheck.Backoff,
		chainCheck.Attempts,
	)

	diskHealthCheck := healthcheck.NewObservation(
		"disk space",
		func() error {
			free, err := healthcheck.AvailableDiskSpaceRatio(
				cfg.DataDir,
			)
			if err != nil {
				return err
			}

			// If we have more free space than we require,
			// we return a nil error.
			if free > diskCheck.RequiredRemaining {
				return nil
			}

			return fmt.Errorf("require: %v free space, got: %v",
				diskCheck.RequiredRemaining, free)
		},
		diskCheck.Interval,
		diskCheck.Timeout,
		diskCheck.Backoff,
		diskCheck.Attempts,
	)

	// Checks with no attempts are disabled.
	var checks []*healthcheck.Observation
	for _, check := range []struct {
		obs      *healthcheck.Observation
		attempts int
	}{
		{chainHealthCheck, chainCheck.Attempts},
		{diskHealthCheck, diskCheck.Attempts},
	} {
		if check.attempts > 0 {
			checks = append(checks, check.obs)
		}
	}

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   checks,
		Shutdown: wsynLog.Criticalf,
	})
}

// Main is the true entry point for walletsyncd. It returns once the
// interceptor requests a shutdown or the notification registration is torn
// down.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		wsynLog.Info("Shutdown complete")
		if err := cfg.LogRotator.Close(); err != nil {
			wsynLog.Errorf("Could not close log rotator: %v", err)
		}
	}()

	wsynLog.Infof("Version: %s commit=%s, build=%s, logging=%s",
		build.Version(), build.CommitHash(), build.Deployment,
		build.LoggingType)
	wsynLog.Infof("Active network: %v", cfg.ActiveNetParams.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-interceptor.ShutdownChannel():
			cancel()
		case <-ctx.Done():
		}
	}()

	kcs, err := keychains(cfg)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("unable to open change set log: %w", err)
	}

	w, err := wallet.New(&wallet.Config{
		ChainParams: cfg.ActiveNetParams,
		Keychains:   kcs,
		Lookahead:   cfg.Wallet.Lookahead,
		Store:       store,
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("unable to load wallet: %w", err)
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer func() {
		if err := w.Stop(); err != nil {
			wsynLog.Errorf("Unable to stop wallet: %v", err)
		}
	}()

	rpc, err := bitcoindoracle.NewRPCClient(&bitcoindoracle.RPCConfig{
		Host:       cfg.Bitcoind.RPCHost,
		User:       cfg.Bitcoind.RPCUser,
		Pass:       cfg.Bitcoind.RPCPass,
		CookiePath: cfg.Bitcoind.CookiePath(cfg.Wallet.Network),
	})
	if err != nil {
		return fmt.Errorf("unable to create bitcoind client: %w", err)
	}

	oracle := bitcoindoracle.New(bitcoindoracle.Config{
		RPC:                 rpc,
		BlockPollInterval:   cfg.Bitcoind.BlockPollInterval,
		MempoolPollInterval: cfg.Bitcoind.MempoolPollInterval,
		ZMQBlockHost:        cfg.Bitcoind.ZMQPubRawBlock,
		ZMQTxHost:           cfg.Bitcoind.ZMQPubRawTx,
		ZMQReadDeadline:     cfg.Bitcoind.ZMQReadDeadline,
	})
	if err := oracle.Start(); err != nil {
		rpc.Shutdown()
		return fmt.Errorf("unable to reach bitcoind: %w", err)
	}
	defer func() {
		if err := oracle.Stop(); err != nil {
			wsynLog.Errorf("Unable to stop oracle: %v", err)
		}
	}()

	monitor := newLivenessMonitor(cfg, oracle)
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("unable to start health checks: %w", err)
	}
	defer func() {
		if err := monitor.Stop(); err != nil {
			wsynLog.Errorf("Unable to stop health checks: %v", err)
		}
	}()

	boundary, err := chainsync.ParseBoundary(cfg.Sync.Boundary)
	if err != nil {
		return err
	}

	var resyncTicker ticker.Ticker
	if cfg.Sync.ResyncInterval > 0 {
		resyncTicker = ticker.New(cfg.Sync.ResyncInterval)
	}

	syncer := chainsync.New(chainsync.Config{
		Oracle:            oracle,
		Wallet:            w,
		Boundary:          boundary,
		MaxPasses:         cfg.Sync.MaxPasses,
		Prefetch:          cfg.Sync.Prefetch,
		ResyncTicker:      resyncTicker,
		ResyncOnTipUpdate: cfg.Sync.ResyncOnTipUpdate,
	})
	if err := syncer.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	}
	defer func() {
		if err := syncer.Stop(); err != nil {
			wsynLog.Errorf("Unable to stop syncer: %v", err)
		}
	}()

	report(w)

	addr, err := w.NextUnusedAddress(keychain.External)
	if err != nil {
		return err
	}
	wsynLog.Infof("Receive address: %v (index %d)", addr.Address,
		addr.Index)

	updates, err := w.SubscribeUpdates()
	if err != nil {
		return err
	}
	defer updates.Cancel()

	go func() {
		for {
			update, err := updates.Next(ctx)
			if err != nil {
				return
			}

			wsynLog.Debugf("Wallet updated at %v: %d blocks, %d txs",
				update.Tip, len(update.ChangeSet.Chain),
				len(update.ChangeSet.Graph.Txs))
			report(w)
		}
	}()

	// Wait for shutdown signal from either a graceful shutdown request or
	// from a torn down notification registration.
	select {
	case <-ctx.Done():
		return nil

	case err := <-syncer.Err():
		return err
	}
}

// report logs the wallet balance.
func report(w *wallet.Wallet) {
	balance := w.Balance()

	wsynLog.Infof("Wallet at %v: confirmed=%v, trusted_pending=%v, "+
		"untrusted_pending=%v, immature=%v", w.Tip(),
		balance.Confirmed, balance.TrustedPending,
		balance.UntrustedPending, balance.Immature)
}
