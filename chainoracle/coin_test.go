package chainoracle

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestCoinEncoding checks the coin layout against a fixed vector.
func TestCoinEncoding(t *testing.T) {
	t.Parallel()

	coin := &Coin{
		Height:   300,
		Coinbase: true,
		Amount:   50 * btcutil.SatoshiPerBitcoin,
		PkScript: []byte{0x51},
	}

	// 300*2+1 = 601 = 0xd9 0x04 as LEB128.
	raw := EncodeCoin(coin)
	require.Equal(t, "d904"+"00f2052a01000000"+"51",
		hex.EncodeToString(raw))

	decoded, err := DecodeCoin(raw)
	require.NoError(t, err)
	require.Equal(t, coin, decoded)
	require.Equal(t, int64(coin.Amount), decoded.TxOut().Value)
}

// TestCoinRoundTrip checks that any coin survives encoding.
func TestCoinRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		coin := &Coin{
			Height:   rapid.Uint32().Draw(t, "height"),
			Coinbase: rapid.Bool().Draw(t, "coinbase"),
			Amount: btcutil.Amount(rapid.Int64Range(
				0, btcutil.MaxSatoshi,
			).Draw(t, "amount")),
			PkScript: rapid.SliceOf(rapid.Byte()).Draw(t, "script"),
		}

		decoded, err := DecodeCoin(EncodeCoin(coin))
		require.NoError(t, err)
		require.Equal(t, coin.Height, decoded.Height)
		require.Equal(t, coin.Coinbase, decoded.Coinbase)
		require.Equal(t, coin.Amount, decoded.Amount)
		require.Equal(t, len(coin.PkScript), len(decoded.PkScript))
	})
}

// TestDecodeCoinMalformed checks the rejection of bad records.
func TestDecodeCoinMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "unterminated varint", raw: "ff"},
		{name: "short amount", raw: "0200f205"},
		{name: "height overflow", raw: "8080808080808080808001"},
		{name: "amount too large", raw: "02ffffffffffffffff"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			raw, err := hex.DecodeString(test.raw)
			require.NoError(t, err)

			_, err = DecodeCoin(raw)
			require.ErrorIs(t, err, ErrMalformedCoin)
		})
	}
}
