package storage

import (
    "encoding/binary"
    "encoding/hex"
    "fmt"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/wire"
)

// Namespace prefixes. The marker lives in the undo namespace under the bare
// prefix byte, so it never collides with a slot key.
const (
    PrefixTrie     byte = 't'
    PrefixBacklink byte = 'b'
    PrefixHistory  byte = 'h'
    PrefixUndo     byte = 'u'
)

const (
    AddrHashLength  = 20
    TxidLength      = 32
    VoutLength      = 4
    HeightLength    = 4
    PositionLength  = 4
    LeafKeyLength   = AddrHashLength + TxidLength + VoutLength
    LeafValueLength = 8 + 4
)

// AddrHash is the 20-byte hash an address is indexed under.
type AddrHash [AddrHashLength]byte

func (a AddrHash) String() string {
    return hex.EncodeToString(a[:])
}

// ParseAddrHash decodes a 40-character hex address hash.
func ParseAddrHash(s string) (AddrHash, error) {
    var a AddrHash
    if len(s) != AddrHashLength*2 {
        return a, fmt.Errorf("invalid address hash length: got %d, want %d",
            len(s), AddrHashLength*2)
    }
    if _, err := hex.Decode(a[:], []byte(s)); err != nil {
        return a, fmt.Errorf("invalid address hash: %w", err)
    }
    return a, nil
}

// LeafKey is address hash ++ txid ++ big-endian output index.
type LeafKey [LeafKeyLength]byte

func MakeLeafKey(addr AddrHash, op wire.OutPoint) LeafKey {
    var k LeafKey
    copy(k[0:20], addr[:])
    copy(k[20:52], op.Hash[:])
    binary.BigEndian.PutUint32(k[52:56], op.Index)
    return k
}

func ParseLeafKey(b []byte) (LeafKey, error) {
    var k LeafKey
    if len(b) != LeafKeyLength {
        return k, fmt.Errorf("invalid leaf key length: got %d, want %d",
            len(b), LeafKeyLength)
    }
    copy(k[:], b)
    return k, nil
}

func (k LeafKey) Addr() AddrHash {
    var a AddrHash
    copy(a[:], k[0:20])
    return a
}

func (k LeafKey) OutPoint() wire.OutPoint {
    var h chainhash.Hash
    copy(h[:], k[20:52])
    return wire.OutPoint{Hash: h, Index: binary.BigEndian.Uint32(k[52:56])}
}

// TrieKey prefixes a trie node path (0..56 bytes) with the trie namespace.
func TrieKey(path []byte) []byte {
    key := make([]byte, 1+len(path))
    key[0] = PrefixTrie
    copy(key[1:], path)
    return key
}

func MakeBacklinkKey(op wire.OutPoint) []byte {
    key := make([]byte, 1+TxidLength+VoutLength)
    key[0] = PrefixBacklink
    copy(key[1:33], op.Hash[:])
    binary.BigEndian.PutUint32(key[33:37], op.Index)
    return key
}

func MakeHistoryKey(addr AddrHash, height int32, position uint32) []byte {
    key := make([]byte, 1+AddrHashLength+HeightLength+PositionLength)
    key[0] = PrefixHistory
    copy(key[1:21], addr[:])
    binary.BigEndian.PutUint32(key[21:25], uint32(height))
    binary.BigEndian.PutUint32(key[25:29], position)
    return key
}

func MakeHistoryPrefix(addr AddrHash) []byte {
    key := make([]byte, 1+AddrHashLength)
    key[0] = PrefixHistory
    copy(key[1:], addr[:])
    return key
}

func ParseHistoryKey(key []byte) (addr AddrHash, height int32,
    position uint32, err error) {
    expectedLen := 1 + AddrHashLength + HeightLength + PositionLength
    if len(key) != expectedLen {
        return addr, 0, 0, fmt.Errorf("invalid history key length: got %d, want %d",
            len(key), expectedLen)
    }
    if key[0] != PrefixHistory {
        return addr, 0, 0, fmt.Errorf("invalid history key prefix: got %c, want %c",
            key[0], PrefixHistory)
    }

    copy(addr[:], key[1:21])
    height = int32(binary.BigEndian.Uint32(key[21:25]))
    position = binary.BigEndian.Uint32(key[25:29])

    return addr, height, position, nil
}

func MakeUndoKey(slot uint32) []byte {
    key := make([]byte, 1+4)
    key[0] = PrefixUndo
    binary.BigEndian.PutUint32(key[1:5], slot)
    return key
}

func MarkerKey() []byte {
    return []byte{PrefixUndo}
}

// PrefixUpperBound returns the smallest key greater than every key carrying
// prefix, or nil when no such key exists.
func PrefixUpperBound(prefix []byte) []byte {
    end := make([]byte, len(prefix))
    copy(end, prefix)

    for i := len(end) - 1; i >= 0; i-- {
        end[i]++
        if end[i] != 0 {
            return end[:i+1]
        }
    }

    return nil
}
