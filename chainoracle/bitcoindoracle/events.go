package bitcoindoracle

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/walletsync/chainoracle"
)

// event is a queued handler call.
type event interface {
	fmt.Stringer

	deliver(h chainoracle.NotificationHandler) error
}

type blockConnected struct {
	height uint32
	raw    []byte
}

func (e blockConnected) deliver(h chainoracle.NotificationHandler) error {
	return h.BlockConnected(e.height, e.raw)
}

func (e blockConnected) String() string {
	return fmt.Sprintf("block connected at %d", e.height)
}

type blockDisconnected struct {
	height uint32
	hash   chainhash.Hash
}

func (e blockDisconnected) deliver(h chainoracle.NotificationHandler) error {
	return h.BlockDisconnected(e.height, e.hash)
}

func (e blockDisconnected) String() string {
	return fmt.Sprintf("block %v disconnected at %d", e.hash, e.height)
}

type tipUpdated struct{}

func (tipUpdated) deliver(h chainoracle.NotificationHandler) error {
	return h.UpdatedBlockTip()
}

func (tipUpdated) String() string {
	return "tip updated"
}

type mempoolAdded struct {
	raw []byte
}

func (e mempoolAdded) deliver(h chainoracle.NotificationHandler) error {
	return h.TransactionAddedToMempool(e.raw)
}

func (e mempoolAdded) String() string {
	return fmt.Sprintf("mempool tx added (%d bytes)", len(e.raw))
}

type mempoolRemoved struct {
	txid chainhash.Hash
}

func (e mempoolRemoved) deliver(h chainoracle.NotificationHandler) error {
	return h.TransactionRemovedFromMempool(e.txid)
}

func (e mempoolRemoved) String() string {
	return fmt.Sprintf("mempool tx %v removed", e.txid)
}
