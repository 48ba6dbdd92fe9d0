package chainio

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/walletsync/chaintypes"
)

// Notification is a chain event delivered by the oracle. The set of
// notifications is closed: only the types of this package implement it.
type Notification interface {
	// String returns a short description for logging.
	String() string

	sealed()
}

// TxAddedToMempool is sent when a transaction enters the oracle's mempool.
type TxAddedToMempool struct {
	Tx *wire.MsgTx
}

// TxRemovedFromMempool is sent when a transaction leaves the mempool.
type TxRemovedFromMempool struct {
	Txid chainhash.Hash
}

// BlockConnected is sent when a block becomes the new tip.
type BlockConnected struct {
	Height uint32
	Block  *wire.MsgBlock
}

// BlockDisconnected is sent when the tip block is disconnected.
type BlockDisconnected struct {
	Block chaintypes.BlockID
}

// UpdatedBlockTip is sent when the best tip changed.
type UpdatedBlockTip struct{}

// ChainStateFlushed is sent when the oracle flushed its chain state.
type ChainStateFlushed struct{}

// Destroy is sent when the oracle tears the registration down.
type Destroy struct{}

func (TxAddedToMempool) sealed()     {}
func (TxRemovedFromMempool) sealed() {}
func (BlockConnected) sealed()       {}
func (BlockDisconnected) sealed()    {}
func (UpdatedBlockTip) sealed()      {}
func (ChainStateFlushed) sealed()    {}
func (Destroy) sealed()              {}

func (n TxAddedToMempool) String() string {
	return fmt.Sprintf("TxAddedToMempool(%v)", n.Tx.TxHash())
}

func (n TxRemovedFromMempool) String() string {
	return fmt.Sprintf("TxRemovedFromMempool(%v)", n.Txid)
}

func (n BlockConnected) String() string {
	return fmt.Sprintf("BlockConnected(%d:%v)", n.Height,
		n.Block.BlockHash())
}

func (n BlockDisconnected) String() string {
	return fmt.Sprintf("BlockDisconnected(%v)", n.Block)
}

func (UpdatedBlockTip) String() string {
	return "UpdatedBlockTip"
}

func (ChainStateFlushed) String() string {
	return "ChainStateFlushed"
}

func (Destroy) String() string {
	return "Destroy"
}
