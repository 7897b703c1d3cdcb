package storage

import (
    "path/filepath"
    "testing"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/wire"
    "github.com/lightningnetwork/lnd/fn/v2"
    "github.com/stretchr/testify/require"
)

func TestUndoEntryEncodeDecode(t *testing.T) {
    t.Parallel()

    u := &UndoEntry{
        Height:    42,
        BlockHash: testTxid(42),
        PrevHash:  testTxid(41),
        Changes: []LeafChange{{
            Key:  MakeLeafKey(testAddr(1), wire.OutPoint{Hash: testTxid(1), Index: 2}),
            Prev: fn.Some(LeafValue{Amount: 1000, Height: 40}),
        }, {
            Key:  MakeLeafKey(testAddr(2), wire.OutPoint{Hash: testTxid(2)}),
            Prev: fn.None[LeafValue](),
        }},
        Txs: []UndoTx{{
            Txid:        testTxid(7),
            Position:    1,
            InputAddrs:  []AddrHash{testAddr(1)},
            OutputAddrs: []AddrHash{testAddr(2), testAddr(3)},
        }, {
            Txid:        testTxid(8),
            Position:    2,
            InputAddrs:  []AddrHash{},
            OutputAddrs: []AddrHash{},
        }},
    }

    data, err := EncodeUndoEntry(u)
    require.NoError(t, err)

    decoded, err := DecodeUndoEntry(data)
    require.NoError(t, err)
    require.Equal(t, u, decoded)

    _, err = DecodeUndoEntry(data[:len(data)-1])
    require.Error(t, err)
}

func TestUndoLogWindow(t *testing.T) {
    t.Parallel()

    kv := newPebbleKV(t)
    l := UndoLog{Window: 3}

    put := func(height int32) {
        tx := kv.NewTx()
        require.NoError(t, l.Put(tx, &UndoEntry{
            Height:    height,
            BlockHash: testTxid(uint32(height)),
        }))
        require.NoError(t, tx.Commit())
    }

    for h := int32(0); h < 5; h++ {
        put(h)
    }

    // Heights 0 and 1 were overwritten by 3 and 4.
    for _, h := range []int32{0, 1} {
        _, err := l.Load(kv, h, testTxid(uint32(h)))
        var missing *MissingUndoInfoError
        require.ErrorAs(t, err, &missing)
        require.Equal(t, h, missing.Height)
    }
    for _, h := range []int32{2, 3, 4} {
        u, err := l.Load(kv, h, testTxid(uint32(h)))
        require.NoError(t, err)
        require.Equal(t, h, u.Height)
    }

    // Same height, other block.
    _, err := l.Load(kv, 4, testTxid(100))
    require.Error(t, err)

    retain := UndoLog{Window: 3, RetainAll: true}
    require.Equal(t, uint32(1000), retain.slot(1000))
    require.Equal(t, uint32(1), l.slot(1000))
}

func TestMarkerEncodeDecode(t *testing.T) {
    t.Parallel()

    m := &Marker{
        Height:   812345,
        LastHash: testTxid(5),
        Schema:   SchemaVersion,
        Root:     RootSummary{Hash: testTxid(6), Value: 21e14},
    }
    data, err := EncodeMarker(m)
    require.NoError(t, err)

    decoded, err := DecodeMarker(data)
    require.NoError(t, err)
    require.Equal(t, m, decoded)

    _, err = EncodeMarker(&Marker{Height: -1})
    require.Error(t, err)
}

func TestHeaderFile(t *testing.T) {
    t.Parallel()

    path := filepath.Join(t.TempDir(), "headers")
    h, err := OpenHeaderFile(path)
    require.NoError(t, err)

    var prev chainhash.Hash
    var hashes []chainhash.Hash
    for i := uint32(0); i < 5; i++ {
        header := testHeader(prev, i)
        require.NoError(t, h.Append(header))
        prev = header.BlockHash()
        hashes = append(hashes, prev)
    }
    require.EqualValues(t, 5, h.Len())

    // Must link to the tip.
    require.Error(t, h.Append(testHeader(hashes[2], 9)))

    got, err := h.ReadHeader(3)
    require.NoError(t, err)
    require.Equal(t, hashes[3], got.BlockHash())

    raw, err := h.ReadRange(3, 10)
    require.NoError(t, err)
    require.Len(t, raw, 2*HeaderSize)

    _, err = h.Read(5)
    require.Error(t, err)

    require.NoError(t, h.Truncate(4))
    require.EqualValues(t, 4, h.Len())
    require.NoError(t, h.Close())

    // A torn trailing record is dropped on open.
    f, err := OpenHeaderFile(path)
    require.NoError(t, err)
    _, err = f.f.WriteAt(make([]byte, 10), 4*HeaderSize)
    require.NoError(t, err)
    require.NoError(t, f.Close())

    h, err = OpenHeaderFile(path)
    require.NoError(t, err)
    defer h.Close()
    require.EqualValues(t, 4, h.Len())
    require.NoError(t, h.Append(testHeader(hashes[3], 4)))
}
