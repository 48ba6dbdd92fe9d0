package keychain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ErrInvalidDescriptor is returned when an output descriptor can't be parsed
// or isn't supported.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

// DescriptorType is the script type produced by a descriptor.
type DescriptorType uint8

const (
	// TaprootKeySpend produces BIP86 key-path-only taproot outputs,
	// tr(KEY).
	TaprootKeySpend DescriptorType = iota

	// WitnessPubKeyHash produces native segwit v0 outputs, wpkh(KEY).
	WitnessPubKeyHash
)

// String returns the descriptor function name of the type.
func (d DescriptorType) String() string {
	switch d {
	case TaprootKeySpend:
		return "tr"
	case WitnessPubKeyHash:
		return "wpkh"
	default:
		return "unknown"
	}
}

// Descriptor is a ranged output descriptor over an extended public key, of
// the form tr([origin]xpub/path/*) or wpkh([origin]xpub/path/*).
type Descriptor struct {
	// Type is the script type of the descriptor.
	Type DescriptorType

	// Origin is the optional key origin, without brackets.
	Origin string

	// Path is the list of non-hardened steps between the extended key and
	// the wildcard.
	Path []uint32

	// branch is the extended public key at Path, from which the wildcard
	// children are derived.
	branch *hdkeychain.ExtendedKey

	raw string
}

// A compile time check to ensure Descriptor implements ScriptDeriver.
var _ ScriptDeriver = (*Descriptor)(nil)

// ParseDescriptor parses a ranged tr() or wpkh() descriptor. A trailing
// "#checksum" is accepted and ignored. The extended key must belong to the
// given network.
func ParseDescriptor(desc string,
	params *chaincfg.Params) (*Descriptor, error) {

	raw := strings.TrimSpace(desc)
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}

	var (
		d    = &Descriptor{raw: raw}
		body string
	)
	switch {
	case strings.HasPrefix(raw, "tr(") && strings.HasSuffix(raw, ")"):
		d.Type = TaprootKeySpend
		body = raw[len("tr(") : len(raw)-1]

	case strings.HasPrefix(raw, "wpkh(") && strings.HasSuffix(raw, ")"):
		d.Type = WitnessPubKeyHash
		body = raw[len("wpkh(") : len(raw)-1]

	default:
		return nil, fmt.Errorf("%w: unsupported script function in %q",
			ErrInvalidDescriptor, raw)
	}

	// Split off the key origin, if present.
	if strings.HasPrefix(body, "[") {
		end := strings.IndexByte(body, ']')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated key origin",
				ErrInvalidDescriptor)
		}
		d.Origin = body[1:end]
		body = body[end+1:]
	}

	parts := strings.Split(body, "/")
	if len(parts) < 2 || parts[len(parts)-1] != "*" {
		return nil, fmt.Errorf("%w: descriptor must end in a "+
			"non-hardened wildcard", ErrInvalidDescriptor)
	}

	key, err := hdkeychain.NewKeyFromString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if !key.IsForNet(params) {
		return nil, fmt.Errorf("%w: extended key is not for network "+
			"%v", ErrInvalidDescriptor, params.Name)
	}

	// Only the public half is ever needed.
	key, err = key.Neuter()
	if err != nil {
		return nil, err
	}

	for _, step := range parts[1 : len(parts)-1] {
		if strings.HasSuffix(step, "'") ||
			strings.HasSuffix(step, "h") {

			return nil, fmt.Errorf("%w: hardened step %q can't be "+
				"derived from a public key",
				ErrInvalidDescriptor, step)
		}

		idx, err := strconv.ParseUint(step, 10, 32)
		if err != nil || uint32(idx) > MaxIndex {
			return nil, fmt.Errorf("%w: invalid path step %q",
				ErrInvalidDescriptor, step)
		}

		d.Path = append(d.Path, uint32(idx))
		key, err = key.Derive(uint32(idx))
		if err != nil {
			return nil, err
		}
	}
	d.branch = key

	return d, nil
}

// String returns the descriptor without checksum.
func (d *Descriptor) String() string {
	return d.raw
}

// DerivePubKey returns the public key at the given wildcard index.
func (d *Descriptor) DerivePubKey(index uint32) (*btcec.PublicKey, error) {
	if index > MaxIndex {
		return nil, ErrIndexExhausted
	}

	child, err := d.branch.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}

	return child.ECPubKey()
}

// DeriveScript returns the output script at the given wildcard index.
//
// NOTE: This is part of the ScriptDeriver interface.
func (d *Descriptor) DeriveScript(index uint32) ([]byte, error) {
	pubKey, err := d.DerivePubKey(index)
	if err != nil {
		return nil, err
	}

	switch d.Type {
	case TaprootKeySpend:
		taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)

		return txscript.PayToTaprootScript(taprootKey)

	case WitnessPubKeyHash:
		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(btcutil.Hash160(pubKey.SerializeCompressed())).
			Script()

	default:
		return nil, fmt.Errorf("%w: unknown type %d",
			ErrInvalidDescriptor, d.Type)
	}
}

// XOnlyKey returns the serialized BIP340 output key of a taproot descriptor
// at the given index.
func (d *Descriptor) XOnlyKey(index uint32) ([]byte, error) {
	if d.Type != TaprootKeySpend {
		return nil, fmt.Errorf("%w: %v descriptor has no x-only key",
			ErrInvalidDescriptor, d.Type)
	}

	pubKey, err := d.DerivePubKey(index)
	if err != nil {
		return nil, err
	}

	return schnorr.SerializePubKey(
		txscript.ComputeTaprootKeyNoScript(pubKey),
	), nil
}
