package storage

import (
    "bytes"
    "encoding/binary"
    "errors"
    "fmt"
    "io"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/klauspost/compress/zstd"
    "github.com/lightningnetwork/lnd/fn/v2"
)

// LeafChange records the value a leaf held before the block touched it.
type LeafChange struct {
    Key  LeafKey
    Prev fn.Option[LeafValue]
}

// UndoTx lists the addresses whose history a transaction extended.
type UndoTx struct {
    Txid        chainhash.Hash
    Position    uint32
    InputAddrs  []AddrHash
    OutputAddrs []AddrHash
}

// UndoEntry is everything needed to revert one block exactly. Changes are in
// mutation order; revert replays them backwards.
type UndoEntry struct {
    Height    int32
    BlockHash chainhash.Hash
    PrevHash  chainhash.Hash
    Changes   []LeafChange
    Txs       []UndoTx
}

func (u *UndoEntry) record(key LeafKey, prev fn.Option[LeafValue]) {
    u.Changes = append(u.Changes, LeafChange{Key: key, Prev: prev})
}

func EncodeUndoEntry(u *UndoEntry) ([]byte, error) {
    var buf bytes.Buffer

    if err := binary.Write(&buf, binary.LittleEndian, u.Height); err != nil {
        return nil, err
    }
    buf.Write(u.BlockHash[:])
    buf.Write(u.PrevHash[:])

    if err := binary.Write(&buf, binary.LittleEndian, uint32(len(u.Changes))); err != nil {
        return nil, err
    }
    for _, c := range u.Changes {
        buf.Write(c.Key[:])
        if c.Prev.IsNone() {
            buf.WriteByte(0)
            continue
        }
        buf.WriteByte(1)
        buf.Write(EncodeLeafValue(c.Prev.UnwrapOr(LeafValue{})))
    }

    if err := binary.Write(&buf, binary.LittleEndian, uint32(len(u.Txs))); err != nil {
        return nil, err
    }
    for _, tx := range u.Txs {
        buf.Write(tx.Txid[:])
        if err := binary.Write(&buf, binary.LittleEndian, tx.Position); err != nil {
            return nil, err
        }
        for _, addrs := range [][]AddrHash{tx.InputAddrs, tx.OutputAddrs} {
            if err := binary.Write(&buf, binary.LittleEndian, uint32(len(addrs))); err != nil {
                return nil, err
            }
            for _, a := range addrs {
                buf.Write(a[:])
            }
        }
    }

    return compressZstd(buf.Bytes())
}

func DecodeUndoEntry(data []byte) (*UndoEntry, error) {
    raw, err := decompressZstd(data)
    if err != nil {
        return nil, fmt.Errorf("failed to decompress undo entry: %w", err)
    }
    r := bytes.NewReader(raw)

    u := &UndoEntry{}
    if err := binary.Read(r, binary.LittleEndian, &u.Height); err != nil {
        return nil, err
    }
    if _, err := io.ReadFull(r, u.BlockHash[:]); err != nil {
        return nil, err
    }
    if _, err := io.ReadFull(r, u.PrevHash[:]); err != nil {
        return nil, err
    }

    var count uint32
    if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
        return nil, err
    }
    u.Changes = make([]LeafChange, 0, count)
    for i := uint32(0); i < count; i++ {
        var c LeafChange
        if _, err := io.ReadFull(r, c.Key[:]); err != nil {
            return nil, err
        }
        flag, err := r.ReadByte()
        if err != nil {
            return nil, err
        }
        c.Prev = fn.None[LeafValue]()
        if flag == 1 {
            vb := make([]byte, LeafValueLength)
            if _, err := io.ReadFull(r, vb); err != nil {
                return nil, err
            }
            v, err := DecodeLeafValue(vb)
            if err != nil {
                return nil, err
            }
            c.Prev = fn.Some(v)
        }
        u.Changes = append(u.Changes, c)
    }

    if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
        return nil, err
    }
    u.Txs = make([]UndoTx, 0, count)
    for i := uint32(0); i < count; i++ {
        var tx UndoTx
        if _, err := io.ReadFull(r, tx.Txid[:]); err != nil {
            return nil, err
        }
        if err := binary.Read(r, binary.LittleEndian, &tx.Position); err != nil {
            return nil, err
        }
        lists := make([][]AddrHash, 2)
        for j := range lists {
            var n uint32
            if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
                return nil, err
            }
            lists[j] = make([]AddrHash, n)
            for k := range lists[j] {
                if _, err := io.ReadFull(r, lists[j][k][:]); err != nil {
                    return nil, err
                }
            }
        }
        tx.InputAddrs, tx.OutputAddrs = lists[0], lists[1]
        u.Txs = append(u.Txs, tx)
    }

    if r.Len() != 0 {
        return nil, fmt.Errorf("undo entry has %d trailing bytes", r.Len())
    }

    return u, nil
}

// UndoLog stores undo entries in a rolling window of height slots. With
// RetainAll every height keeps its own slot.
type UndoLog struct {
    Window    uint32
    RetainAll bool
}

func (l UndoLog) slot(height int32) uint32 {
    if l.RetainAll || l.Window == 0 {
        return uint32(height)
    }
    return uint32(height) % l.Window
}

func (l UndoLog) Put(tx Tx, u *UndoEntry) error {
    data, err := EncodeUndoEntry(u)
    if err != nil {
        return fmt.Errorf("failed to encode undo entry: %w", err)
    }
    if err := tx.Set(MakeUndoKey(l.slot(u.Height)), data); err != nil {
        return fmt.Errorf("failed to add undo entry to batch: %w", err)
    }
    return nil
}

// Load returns the undo entry for the block at height with the given hash.
// A missing slot, or one that the window has since reused, is reported as
// MissingUndoInfoError.
func (l UndoLog) Load(r Reader, height int32, hash chainhash.Hash) (*UndoEntry, error) {
    data, err := r.Get(MakeUndoKey(l.slot(height)))
    if errors.Is(err, ErrNotFound) {
        return nil, &MissingUndoInfoError{Height: height}
    }
    if err != nil {
        return nil, fmt.Errorf("failed to get undo entry: %w", err)
    }

    u, err := DecodeUndoEntry(data)
    if err != nil {
        return nil, fmt.Errorf("failed to parse undo entry: %w", err)
    }
    if u.Height != height || u.BlockHash != hash {
        return nil, &MissingUndoInfoError{Height: height}
    }
    return u, nil
}

func (l UndoLog) Delete(tx Tx, height int32) error {
    if err := tx.Delete(MakeUndoKey(l.slot(height))); err != nil {
        return fmt.Errorf("failed to add undo deletion to batch: %w", err)
    }
    return nil
}

var (
    zstdEncoder, _ = zstd.NewWriter(nil)
    zstdDecoder, _ = zstd.NewReader(nil)
)

func compressZstd(data []byte) ([]byte, error) {
    if zstdEncoder == nil {
        return nil, fmt.Errorf("zstd encoder unavailable")
    }
    return zstdEncoder.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
    if zstdDecoder == nil {
        return nil, fmt.Errorf("zstd decoder unavailable")
    }
    return zstdDecoder.DecodeAll(data, nil)
}
