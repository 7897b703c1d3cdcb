package storage

import (
    "encoding/binary"
    "fmt"
    "math/bits"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
    bitmapLength     = 32
    childEntryLength = chainhash.HashSize + 8
)

// ChildEntry is the hash and aggregate value a node records for one child.
type ChildEntry struct {
    Hash  chainhash.Hash
    Value uint64
}

// Node is an internal trie node: a 256-bit presence bitmap indexed by the
// branch byte, and one ChildEntry per set bit in ascending byte order.
//
// Encoded form: bitmap (32 bytes) ++ entries (32-byte hash ++ 8-byte
// little-endian value each).
type Node struct {
    bitmap   [bitmapLength]byte
    children []ChildEntry
}

func (n *Node) Has(b byte) bool {
    return n.bitmap[b/8]&(1<<(b%8)) != 0
}

// index is the position of branch b among the set bits.
func (n *Node) index(b byte) int {
    idx := 0
    for i := 0; i < int(b/8); i++ {
        idx += bits.OnesCount8(n.bitmap[i])
    }
    mask := byte(1<<(b%8)) - 1
    return idx + bits.OnesCount8(n.bitmap[b/8]&mask)
}

func (n *Node) Get(b byte) (ChildEntry, bool) {
    if !n.Has(b) {
        return ChildEntry{}, false
    }
    return n.children[n.index(b)], true
}

func (n *Node) Set(b byte, e ChildEntry) {
    idx := n.index(b)
    if n.Has(b) {
        n.children[idx] = e
        return
    }
    n.bitmap[b/8] |= 1 << (b % 8)
    n.children = append(n.children, ChildEntry{})
    copy(n.children[idx+1:], n.children[idx:])
    n.children[idx] = e
}

func (n *Node) Clear(b byte) {
    if !n.Has(b) {
        return
    }
    idx := n.index(b)
    n.children = append(n.children[:idx], n.children[idx+1:]...)
    n.bitmap[b/8] &^= 1 << (b % 8)
}

func (n *Node) Count() int {
    return len(n.children)
}

// Branches lists the set branch bytes in ascending order.
func (n *Node) Branches() []byte {
    out := make([]byte, 0, len(n.children))
    for i := 0; i < 256; i++ {
        if n.Has(byte(i)) {
            out = append(out, byte(i))
        }
    }
    return out
}

func (n *Node) Sum() uint64 {
    var total uint64
    for _, c := range n.children {
        total += c.Value
    }
    return total
}

// Hash is H(skip ++ child hashes in branch order).
func (n *Node) Hash(skip []byte) chainhash.Hash {
    buf := make([]byte, 0, len(skip)+len(n.children)*chainhash.HashSize)
    buf = append(buf, skip...)
    for i := range n.children {
        buf = append(buf, n.children[i].Hash[:]...)
    }
    return chainhash.DoubleHashH(buf)
}

func (n *Node) Encode() []byte {
    buf := make([]byte, bitmapLength+len(n.children)*childEntryLength)
    copy(buf[:bitmapLength], n.bitmap[:])
    off := bitmapLength
    for _, c := range n.children {
        copy(buf[off:off+chainhash.HashSize], c.Hash[:])
        binary.LittleEndian.PutUint64(buf[off+chainhash.HashSize:off+childEntryLength],
            c.Value)
        off += childEntryLength
    }
    return buf
}

func DecodeNode(data []byte) (*Node, error) {
    if len(data) < bitmapLength {
        return nil, fmt.Errorf("invalid node size: got %d, want at least %d",
            len(data), bitmapLength)
    }

    n := &Node{}
    copy(n.bitmap[:], data[:bitmapLength])

    count := 0
    for _, b := range n.bitmap {
        count += bits.OnesCount8(b)
    }
    if want := bitmapLength + count*childEntryLength; len(data) != want {
        return nil, fmt.Errorf("invalid node size: got %d, want %d",
            len(data), want)
    }

    n.children = make([]ChildEntry, count)
    off := bitmapLength
    for i := range n.children {
        copy(n.children[i].Hash[:], data[off:off+chainhash.HashSize])
        n.children[i].Value = binary.LittleEndian.Uint64(
            data[off+chainhash.HashSize : off+childEntryLength])
        off += childEntryLength
    }

    return n, nil
}

// LeafValue is the payload of one unspent output.
type LeafValue struct {
    Amount uint64
    Height uint32
}

func EncodeLeafValue(v LeafValue) []byte {
    buf := make([]byte, LeafValueLength)
    binary.LittleEndian.PutUint64(buf[0:8], v.Amount)
    binary.LittleEndian.PutUint32(buf[8:12], v.Height)
    return buf
}

func DecodeLeafValue(data []byte) (LeafValue, error) {
    if len(data) != LeafValueLength {
        return LeafValue{}, fmt.Errorf("invalid leaf value size: got %d, want %d",
            len(data), LeafValueLength)
    }
    return LeafValue{
        Amount: binary.LittleEndian.Uint64(data[0:8]),
        Height: binary.LittleEndian.Uint32(data[8:12]),
    }, nil
}

// leafEntry is the entry a parent records for a leaf: H(skip ++ value).
func leafEntry(skip []byte, v LeafValue) ChildEntry {
    buf := make([]byte, 0, len(skip)+LeafValueLength)
    buf = append(buf, skip...)
    buf = append(buf, EncodeLeafValue(v)...)
    return ChildEntry{Hash: chainhash.DoubleHashH(buf), Value: v.Amount}
}
