package keychain

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// bip86AccountXPub is the account key m/86'/0'/0' of the BIP86 test mnemonic
// "abandon abandon ... about".
const bip86AccountXPub = "xpub6BgBgsespWvERF3LHQu6CnqdvfEvtMcQjYrcRzx53QJjS" +
	"xarj2afYWcLteoGVky7D3UKDP9QyrLprQ3VCECoY49yfdDEHGCtMMj92pReUsQ"

// TestDescriptorTaprootVectors checks the receive scripts derived from a
// tr() descriptor against the BIP86 test vectors.
func TestDescriptorTaprootVectors(t *testing.T) {
	t.Parallel()

	desc, err := ParseDescriptor(
		"tr([73c5da0a/86'/0'/0']"+bip86AccountXPub+"/0/*)#placeholder",
		&chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	require.Equal(t, TaprootKeySpend, desc.Type)
	require.Equal(t, "73c5da0a/86'/0'/0'", desc.Origin)
	require.Equal(t, []uint32{0}, desc.Path)

	testCases := []struct {
		index   uint32
		script  string
		address string
	}{
		{
			index: 0,
			script: "5120a60869f0dbcf1dc659c9cecbaf8050135ea9e8cd" +
				"c487053f1dc6880949dc684c",
			address: "bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20" +
				"cac6yqjjwudpxqkedrcr",
		},
		{
			index: 1,
			script: "5120a82f29944d65b86ae6b5e5cc75e294ead6c59391" +
				"a1edc5e016e3498c67fc7bbb",
			address: "bc1p4qhjn9zdvkux4e44uhx8tc55attvtyu358kutcq" +
				"kudyccelu0was9fqzwh",
		},
	}

	for _, tc := range testCases {
		script, err := desc.DeriveScript(tc.index)
		require.NoError(t, err)
		require.Equal(t, tc.script, hex.EncodeToString(script))

		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			script, &chaincfg.MainNetParams,
		)
		require.NoError(t, err)
		require.Len(t, addrs, 1)
		require.Equal(t, tc.address, addrs[0].EncodeAddress())

		xOnly, err := desc.XOnlyKey(tc.index)
		require.NoError(t, err)
		require.Equal(t, script[2:], xOnly)
	}
}

// TestDescriptorWitnessPubKeyHash checks that wpkh() descriptors produce
// p2wkh scripts.
func TestDescriptorWitnessPubKeyHash(t *testing.T) {
	t.Parallel()

	desc, err := ParseDescriptor(
		"wpkh("+bip86AccountXPub+"/1/*)", &chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	require.Equal(t, WitnessPubKeyHash, desc.Type)

	script, err := desc.DeriveScript(7)
	require.NoError(t, err)

	class, addrs, _, err := txscript.ExtractPkScriptAddrs(
		script, &chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	require.Equal(t, txscript.WitnessV0PubKeyHashTy, class)
	require.IsType(t, &btcutil.AddressWitnessPubKeyHash{}, addrs[0])

	// Derivation is deterministic.
	again, err := desc.DeriveScript(7)
	require.NoError(t, err)
	require.Equal(t, script, again)

	_, err = desc.XOnlyKey(7)
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

// TestParseDescriptorErrors checks the descriptors we refuse to parse.
func TestParseDescriptorErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		desc string
		net  *chaincfg.Params
	}{
		{
			name: "unsupported function",
			desc: "pkh(" + bip86AccountXPub + "/0/*)",
			net:  &chaincfg.MainNetParams,
		},
		{
			name: "no wildcard",
			desc: "tr(" + bip86AccountXPub + "/0/1)",
			net:  &chaincfg.MainNetParams,
		},
		{
			name: "hardened step",
			desc: "tr(" + bip86AccountXPub + "/0'/*)",
			net:  &chaincfg.MainNetParams,
		},
		{
			name: "wrong network",
			desc: "tr(" + bip86AccountXPub + "/0/*)",
			net:  &chaincfg.RegressionNetParams,
		},
		{
			name: "bad key",
			desc: "tr(xpubnotakey/0/*)",
			net:  &chaincfg.MainNetParams,
		},
		{
			name: "unterminated origin",
			desc: "tr([deadbeef" + bip86AccountXPub + "/0/*)",
			net:  &chaincfg.MainNetParams,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseDescriptor(tc.desc, tc.net)
			require.ErrorIs(t, err, ErrInvalidDescriptor)
		})
	}
}

// TestParseKeychain checks the keychain names accepted on the command line.
func TestParseKeychain(t *testing.T) {
	t.Parallel()

	kc, err := ParseKeychain("change")
	require.NoError(t, err)
	require.Equal(t, Internal, kc)

	kc, err = ParseKeychain("external")
	require.NoError(t, err)
	require.Equal(t, External, kc)

	_, err = ParseKeychain("savings")
	require.ErrorIs(t, err, ErrUnknownKeychain)
}
