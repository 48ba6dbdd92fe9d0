package bitcoindoracle

import (
	"errors"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/walletsync/chainoracle"
)

// RPCClient is the subset of the bitcoind JSON-RPC interface the oracle
// uses. *rpcclient.Client implements it.
type RPCClient interface {
	GetBestBlockHash() (*chainhash.Hash, error)

	GetBlockHeaderVerbose(
		hash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult,
		error)

	GetBlockHash(height int64) (*chainhash.Hash, error)

	GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)

	GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error)

	GetTxOut(txHash *chainhash.Hash, index uint32,
		mempool bool) (*btcjson.GetTxOutResult, error)

	SendRawTransaction(tx *wire.MsgTx,
		allowHighFees bool) (*chainhash.Hash, error)

	GetRawMempool() ([]*chainhash.Hash, error)

	GetRawTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error)

	Shutdown()
}

// A compile time check to ensure the btcd RPC client implements RPCClient.
var _ RPCClient = (*rpcclient.Client)(nil)

// RPCConfig holds the bitcoind RPC connection parameters.
type RPCConfig struct {
	// Host is the host:port of the bitcoind RPC server.
	Host string

	// User and Pass authenticate the connection. They are ignored when
	// CookiePath is set.
	User string
	Pass string

	// CookiePath is the path of the bitcoind .cookie file.
	CookiePath string
}

// NewRPCClient creates a bitcoind RPC client in HTTP POST mode. No
// connection is made until the first call.
func NewRPCClient(cfg *RPCConfig) (*rpcclient.Client, error) {
	return rpcclient.New(&rpcclient.ConnConfig{
		Host:                 cfg.Host,
		User:                 cfg.User,
		Pass:                 cfg.Pass,
		CookiePath:           cfg.CookiePath,
		DisableConnectOnNew:  true,
		DisableAutoReconnect: false,
		DisableTLS:           true,
		HTTPPostMode:         true,
	}, nil)
}

// isNotFound returns true if err is bitcoind reporting an unknown block.
func isNotFound(err error) bool {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}

	return rpcErr.Code == btcjson.ErrRPCBlockNotFound
}

func transportErr(op string, err error) error {
	return &chainoracle.TransportError{Op: op, Err: err}
}

func trustErr(op string, err error) error {
	return &chainoracle.TrustError{Op: op, Err: err}
}
