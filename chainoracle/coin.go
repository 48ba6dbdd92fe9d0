package chainoracle

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// Coin is an unspent output as known by the oracle.
type Coin struct {
	// Height is the height of the block that created the output.
	Height uint32

	// Coinbase is true if the output was created by a coinbase
	// transaction.
	Coinbase bool

	// Amount is the value of the output.
	Amount btcutil.Amount

	// PkScript is the output script.
	PkScript []byte
}

// TxOut returns the coin as a transaction output.
func (c *Coin) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(c.Amount), c.PkScript)
}

// EncodeCoin serializes the coin as:
//
//	[varint height*2+coinbase][8 byte little endian amount][script]
//
// The varint is unsigned LEB128.
func EncodeCoin(c *Coin) []byte {
	code := uint64(c.Height) << 1
	if c.Coinbase {
		code |= 1
	}

	b := make([]byte, 0, binary.MaxVarintLen64+8+len(c.PkScript))
	b = binary.AppendUvarint(b, code)
	b = binary.LittleEndian.AppendUint64(b, uint64(c.Amount))

	return append(b, c.PkScript...)
}

// DecodeCoin parses a coin serialized with EncodeCoin.
func DecodeCoin(b []byte) (*Coin, error) {
	code, n := binary.Uvarint(b)
	switch {
	case n == 0:
		return nil, fmt.Errorf("%w: truncated height", ErrMalformedCoin)

	case n < 0:
		return nil, fmt.Errorf("%w: height overflows", ErrMalformedCoin)

	case code>>1 > uint64(^uint32(0)):
		return nil, fmt.Errorf("%w: height %d out of range",
			ErrMalformedCoin, code>>1)
	}
	b = b[n:]

	if len(b) < 8 {
		return nil, fmt.Errorf("%w: truncated amount", ErrMalformedCoin)
	}
	amount := binary.LittleEndian.Uint64(b[:8])
	if amount > uint64(btcutil.MaxSatoshi) {
		return nil, fmt.Errorf("%w: amount %d out of range",
			ErrMalformedCoin, amount)
	}

	script := make([]byte, len(b)-8)
	copy(script, b[8:])

	return &Coin{
		Height:   uint32(code >> 1),
		Coinbase: code&1 == 1,
		Amount:   btcutil.Amount(amount),
		PkScript: script,
	}, nil
}
