package keychain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKeychain is returned when a keychain has no descriptor
	// attached to it.
	ErrUnknownKeychain = errors.New("unknown keychain")

	// ErrIndexExhausted is returned when every non-hardened child index
	// of a keychain has been revealed.
	ErrIndexExhausted = errors.New("keychain index space exhausted")
)

// MaxIndex is the highest child index a wildcard descriptor can produce.
// Indexes at or above 2^31 would be hardened and cannot be derived from an
// extended public key.
const MaxIndex uint32 = 1<<31 - 1

// Keychain identifies one of the script chains tracked by the wallet. The
// wallet reveals scripts from each keychain independently.
//
// The derivation follows the BIP44-style layout of descriptor wallets:
//
//   - <account key>/0/index for receive scripts (External)
//   - <account key>/1/index for change scripts (Internal)
type Keychain uint8

const (
	// External is the keychain used to hand out receive addresses.
	External Keychain = 0

	// Internal is the keychain used for change outputs.
	Internal Keychain = 1
)

// String returns a human readable name of the keychain.
func (k Keychain) String() string {
	switch k {
	case External:
		return "external"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("keychain(%d)", uint8(k))
	}
}

// ParseKeychain maps a keychain name to a Keychain.
func ParseKeychain(name string) (Keychain, error) {
	switch name {
	case "external", "receive":
		return External, nil
	case "internal", "change":
		return Internal, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKeychain, name)
	}
}

// ScriptDeriver derives the output script at a given index of a keychain.
// Implementations must be deterministic: the same index always yields the
// same script.
type ScriptDeriver interface {
	// DeriveScript returns the output script at the given child index.
	DeriveScript(index uint32) ([]byte, error)
}

// KeychainScript is a derived script together with its position.
type KeychainScript struct {
	// Keychain is the keychain the script was derived from.
	Keychain Keychain

	// Index is the child index of the script.
	Index uint32

	// Script is the output script.
	Script []byte
}
