package walletcfg

import (
	"errors"
)

// DefaultLookahead is the number of scripts derived past the last revealed
// index of every keychain.
const DefaultLookahead = 25

// Wallet holds the options of the wallet.
//
//nolint:lll
type Wallet struct {
	Network          string `long:"network" description:"The network the wallet lives on." choice:"mainnet" choice:"testnet" choice:"testnet3" choice:"signet" choice:"regtest" choice:"simnet"`
	Descriptor       string `long:"descriptor" description:"The descriptor of the external keychain, for example tr(xpub.../0/*)."`
	ChangeDescriptor string `long:"changedescriptor" description:"The descriptor of the internal keychain. Change is paid to the external keychain when unset."`
	Lookahead        uint32 `long:"lookahead" description:"The number of scripts watched past the last revealed index of each keychain."`
}

// DefaultWallet returns the default wallet options.
func DefaultWallet() *Wallet {
	return &Wallet{
		Network:   "mainnet",
		Lookahead: DefaultLookahead,
	}
}

// Validate checks the wallet options.
func (w *Wallet) Validate() error {
	if _, err := NetParams(w.Network); err != nil {
		return err
	}

	if w.Descriptor == "" {
		return errors.New("wallet.descriptor must be set")
	}

	return nil
}
