package walletcfg

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	defaultBitcoindDir = btcutil.AppDataDir("bitcoin", false)
)

const (
	defaultRPCHost = "localhost:8332"

	// defaultBlockPollInterval is the default interval at which we poll
	// for a new tip.
	defaultBlockPollInterval = 10 * time.Second

	// defaultMempoolPollInterval is the default interval at which we poll
	// the mempool.
	defaultMempoolPollInterval = 30 * time.Second

	// defaultZMQReadDeadline is the default read deadline to be used for
	// both the block and tx ZMQ subscriptions.
	defaultZMQReadDeadline = 5 * time.Second
)

// Bitcoind holds the configuration options for the daemon's connection to
// bitcoind.
//
//nolint:lll
type Bitcoind struct {
	Dir                 string        `long:"dir" description:"The base directory that contains the node's data, logs, configuration file, etc."`
	RPCCookie           string        `long:"rpccookie" description:"Authentication cookie file for RPC connections. If not set and no rpcuser is given, will default to .cookie under 'dir'."`
	RPCHost             string        `long:"rpchost" description:"The daemon's rpc listening address."`
	RPCUser             string        `long:"rpcuser" description:"Username for RPC connections"`
	RPCPass             string        `long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`
	ZMQPubRawBlock      string        `long:"zmqpubrawblock" description:"The address listening for ZMQ connections to deliver raw block notifications. Every block triggers a tip poll."`
	ZMQPubRawTx         string        `long:"zmqpubrawtx" description:"The address listening for ZMQ connections to deliver raw transaction notifications"`
	ZMQReadDeadline     time.Duration `long:"zmqreaddeadline" description:"The read deadline for reading ZMQ messages from both the block and tx subscriptions"`
	BlockPollInterval   time.Duration `long:"blockpollinginterval" description:"The interval that will be used to poll bitcoind for a new tip."`
	MempoolPollInterval time.Duration `long:"txpollinginterval" description:"The interval that will be used to poll the bitcoind mempool. Use a negative value to disable mempool polling."`
}

// DefaultBitcoind returns a default configuration for the bitcoind backend.
func DefaultBitcoind() *Bitcoind {
	return &Bitcoind{
		Dir:                 defaultBitcoindDir,
		RPCHost:             defaultRPCHost,
		ZMQReadDeadline:     defaultZMQReadDeadline,
		BlockPollInterval:   defaultBlockPollInterval,
		MempoolPollInterval: defaultMempoolPollInterval,
	}
}

// CookiePath returns the cookie file to authenticate with. Explicit
// credentials disable cookie authentication.
func (b *Bitcoind) CookiePath(network string) string {
	switch {
	case b.RPCCookie != "":
		return b.RPCCookie

	case b.RPCUser != "" || b.RPCPass != "":
		return ""
	}

	// Bitcoind keeps the cookie of every network but mainnet in a
	// subdirectory.
	switch NormalizeNetwork(network) {
	case "mainnet":
		return filepath.Join(b.Dir, ".cookie")

	case "testnet":
		return filepath.Join(b.Dir, "testnet3", ".cookie")

	default:
		return filepath.Join(b.Dir, network, ".cookie")
	}
}

// Validate checks the bitcoind options.
func (b *Bitcoind) Validate() error {
	if b.RPCHost == "" {
		return errors.New("bitcoind.rpchost must be set")
	}

	if (b.RPCUser == "") != (b.RPCPass == "") {
		return errors.New("bitcoind.rpcuser and bitcoind.rpcpass " +
			"must be set together")
	}

	if b.BlockPollInterval <= 0 {
		return errors.New("blockpollinginterval must be positive")
	}

	if b.BlockPollInterval > 2*time.Minute {
		return errors.New("blockpollinginterval must be less than 2 " +
			"minutes")
	}

	if b.MempoolPollInterval > 2*time.Minute {
		return errors.New("txpollinginterval must be less than 2 " +
			"minutes")
	}

	return nil
}
