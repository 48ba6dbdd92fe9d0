package changeset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/lightningnetwork/walletsync/chaintypes"
	"github.com/lightningnetwork/walletsync/keychain"
)

const (
	chainType        tlv.Type = 0
	txsType          tlv.Type = 1
	anchorsType      tlv.Type = 2
	lastRevealedType tlv.Type = 3
	lastUsedType     tlv.Type = 4
	lastSeenType     tlv.Type = 5
)

// ErrMalformed is returned when a serialized change set can't be decoded.
var ErrMalformed = errors.New("malformed change set")

// Encode writes the change set as a TLV stream. Empty parts are omitted and
// map entries are written in a deterministic order.
func (c *ChangeSet) Encode(w io.Writer) error {
	blobs := make(map[tlv.Type][]byte)

	addBlob := func(typ tlv.Type, n int, enc func(io.Writer,
		*[8]byte) error) error {

		if n == 0 {
			return nil
		}

		var (
			b       bytes.Buffer
			scratch [8]byte
		)
		if err := tlv.WriteVarInt(&b, uint64(n), &scratch); err != nil {
			return err
		}
		if err := enc(&b, &scratch); err != nil {
			return err
		}
		blobs[typ] = b.Bytes()

		return nil
	}

	err := addBlob(chainType, len(c.Chain), c.encodeChain)
	if err != nil {
		return err
	}
	err = addBlob(txsType, len(c.Graph.Txs), c.encodeTxs)
	if err != nil {
		return err
	}
	err = addBlob(anchorsType, countAnchors(c.Graph.Anchors),
		c.encodeAnchors)
	if err != nil {
		return err
	}
	err = addBlob(lastRevealedType, len(c.Graph.Indexer.LastRevealed),
		func(w io.Writer, buf *[8]byte) error {
			return encodeWatermarks(
				w, c.Graph.Indexer.LastRevealed, buf,
			)
		})
	if err != nil {
		return err
	}
	err = addBlob(lastUsedType, len(c.Graph.Indexer.LastUsed),
		func(w io.Writer, buf *[8]byte) error {
			return encodeWatermarks(w, c.Graph.Indexer.LastUsed, buf)
		})
	if err != nil {
		return err
	}
	err = addBlob(lastSeenType, len(c.Graph.LastSeen), c.encodeLastSeen)
	if err != nil {
		return err
	}

	// Records must be handed to the stream in ascending type order.
	types := make([]tlv.Type, 0, len(blobs))
	for typ := range blobs {
		types = append(types, typ)
	}
	slices.Sort(types)

	records := make([]tlv.Record, 0, len(types))
	for _, typ := range types {
		blob := blobs[typ]
		records = append(records, tlv.MakePrimitiveRecord(typ, &blob))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a change set previously written by Encode. The reader must
// contain exactly one encoded change set.
func (c *ChangeSet) Decode(r io.Reader) error {
	var (
		chainBlob, txsBlob, anchorsBlob   []byte
		revealedBlob, usedBlob, seenBlob []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(chainType, &chainBlob),
		tlv.MakePrimitiveRecord(txsType, &txsBlob),
		tlv.MakePrimitiveRecord(anchorsType, &anchorsBlob),
		tlv.MakePrimitiveRecord(lastRevealedType, &revealedBlob),
		tlv.MakePrimitiveRecord(lastUsedType, &usedBlob),
		tlv.MakePrimitiveRecord(lastSeenType, &seenBlob),
	)
	if err != nil {
		return err
	}

	if err := stream.Decode(r); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	*c = ChangeSet{}
	decoders := []struct {
		name string
		blob []byte
		dec  func(io.Reader, uint64, *[8]byte) error
	}{
		{"chain", chainBlob, c.decodeChain},
		{"txs", txsBlob, c.decodeTxs},
		{"anchors", anchorsBlob, c.decodeAnchors},
		{"last revealed", revealedBlob, func(r io.Reader, n uint64,
			buf *[8]byte) error {

			m, err := decodeWatermarks(r, n, buf)
			c.Graph.Indexer.LastRevealed = m

			return err
		}},
		{"last used", usedBlob, func(r io.Reader, n uint64,
			buf *[8]byte) error {

			m, err := decodeWatermarks(r, n, buf)
			c.Graph.Indexer.LastUsed = m

			return err
		}},
		{"last seen", seenBlob, c.decodeLastSeen},
	}

	for _, d := range decoders {
		if len(d.blob) == 0 {
			continue
		}

		var scratch [8]byte
		br := bytes.NewReader(d.blob)
		n, err := tlv.ReadVarInt(br, &scratch)
		if err != nil {
			return fmt.Errorf("%w: %s count: %v", ErrMalformed,
				d.name, err)
		}
		if err := d.dec(br, n, &scratch); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, d.name,
				err)
		}
		if br.Len() != 0 {
			return fmt.Errorf("%w: %d trailing bytes in %s",
				ErrMalformed, br.Len(), d.name)
		}
	}

	return nil
}

func (c *ChangeSet) encodeChain(w io.Writer, buf *[8]byte) error {
	heights := make([]uint32, 0, len(c.Chain))
	for h := range c.Chain {
		heights = append(heights, h)
	}
	slices.Sort(heights)

	for _, h := range heights {
		if err := tlv.EUint32T(w, h, buf); err != nil {
			return err
		}

		hash, present := c.Chain[h].UnwrapOr(chainhash.Hash{}),
			c.Chain[h].IsSome()
		if !present {
			if err := tlv.EUint8T(w, 0, buf); err != nil {
				return err
			}

			continue
		}

		if err := tlv.EUint8T(w, 1, buf); err != nil {
			return err
		}
		if _, err := w.Write(hash[:]); err != nil {
			return err
		}
	}

	return nil
}

func (c *ChangeSet) decodeChain(r io.Reader, n uint64, buf *[8]byte) error {
	for i := uint64(0); i < n; i++ {
		var (
			height  uint32
			present uint8
		)
		if err := tlv.DUint32(r, &height, buf, 4); err != nil {
			return err
		}
		if err := tlv.DUint8(r, &present, buf, 1); err != nil {
			return err
		}

		switch present {
		case 0:
			c.Chain.Remove(height)

		case 1:
			var hash chainhash.Hash
			if _, err := io.ReadFull(r, hash[:]); err != nil {
				return err
			}
			c.Chain.Set(height, hash)

		default:
			return fmt.Errorf("unknown presence flag %d", present)
		}
	}

	return nil
}

func (c *ChangeSet) encodeTxs(w io.Writer, _ *[8]byte) error {
	txids := sortedHashes(c.Graph.Txs)
	for _, txid := range txids {
		if err := c.Graph.Txs[txid].Serialize(w); err != nil {
			return err
		}
	}

	return nil
}

func (c *ChangeSet) decodeTxs(r io.Reader, n uint64, _ *[8]byte) error {
	for i := uint64(0); i < n; i++ {
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(r); err != nil {
			return err
		}
		c.Graph.AddTx(tx)
	}

	return nil
}

func countAnchors(a map[chainhash.Hash]map[chaintypes.Anchor]struct{}) int {
	var n int
	for _, set := range a {
		n += len(set)
	}

	return n
}

func (c *ChangeSet) encodeAnchors(w io.Writer, buf *[8]byte) error {
	for _, txid := range sortedHashes(c.Graph.Anchors) {
		anchors := make(
			[]chaintypes.Anchor, 0, len(c.Graph.Anchors[txid]),
		)
		for a := range c.Graph.Anchors[txid] {
			anchors = append(anchors, a)
		}
		slices.SortFunc(anchors, func(a, b chaintypes.Anchor) int {
			switch {
			case a.Less(b):
				return -1
			case b.Less(a):
				return 1
			default:
				return 0
			}
		})

		for _, a := range anchors {
			if _, err := w.Write(txid[:]); err != nil {
				return err
			}
			if err := tlv.EUint32T(w, a.Height, buf); err != nil {
				return err
			}
			if _, err := w.Write(a.Hash[:]); err != nil {
				return err
			}
			err := tlv.EUint64T(w, uint64(a.Time), buf)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *ChangeSet) decodeAnchors(r io.Reader, n uint64,
	buf *[8]byte) error {

	for i := uint64(0); i < n; i++ {
		var (
			txid chainhash.Hash
			a    chaintypes.Anchor
			t    uint64
		)
		if _, err := io.ReadFull(r, txid[:]); err != nil {
			return err
		}
		if err := tlv.DUint32(r, &a.Height, buf, 4); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, a.Hash[:]); err != nil {
			return err
		}
		if err := tlv.DUint64(r, &t, buf, 8); err != nil {
			return err
		}
		a.Time = int64(t)

		c.Graph.AddAnchor(txid, a)
	}

	return nil
}

func encodeWatermarks(w io.Writer, m map[keychain.Keychain]uint32,
	buf *[8]byte) error {

	kcs := make([]keychain.Keychain, 0, len(m))
	for kc := range m {
		kcs = append(kcs, kc)
	}
	slices.Sort(kcs)

	for _, kc := range kcs {
		if err := tlv.EUint8T(w, uint8(kc), buf); err != nil {
			return err
		}
		if err := tlv.EUint32T(w, m[kc], buf); err != nil {
			return err
		}
	}

	return nil
}

func decodeWatermarks(r io.Reader, n uint64,
	buf *[8]byte) (map[keychain.Keychain]uint32, error) {

	m := make(map[keychain.Keychain]uint32, n)
	for i := uint64(0); i < n; i++ {
		var (
			kc  uint8
			idx uint32
		)
		if err := tlv.DUint8(r, &kc, buf, 1); err != nil {
			return nil, err
		}
		if err := tlv.DUint32(r, &idx, buf, 4); err != nil {
			return nil, err
		}
		m[keychain.Keychain(kc)] = idx
	}

	return m, nil
}

func (c *ChangeSet) encodeLastSeen(w io.Writer, buf *[8]byte) error {
	for _, txid := range sortedHashes(c.Graph.LastSeen) {
		if _, err := w.Write(txid[:]); err != nil {
			return err
		}
		err := tlv.EUint64T(w, uint64(c.Graph.LastSeen[txid]), buf)
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *ChangeSet) decodeLastSeen(r io.Reader, n uint64,
	buf *[8]byte) error {

	for i := uint64(0); i < n; i++ {
		var (
			txid chainhash.Hash
			seen uint64
		)
		if _, err := io.ReadFull(r, txid[:]); err != nil {
			return err
		}
		if err := tlv.DUint64(r, &seen, buf, 8); err != nil {
			return err
		}
		c.Graph.SeenAt(txid, int64(seen))
	}

	return nil
}

// sortedHashes returns the keys of a txid keyed map in ascending byte order.
func sortedHashes[V any](m map[chainhash.Hash]V) []chainhash.Hash {
	keys := make([]chainhash.Hash, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, chaintypes.CompareHash)

	return keys
}
