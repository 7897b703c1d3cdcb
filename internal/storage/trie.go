package storage

import (
    "bytes"
    "errors"
    "sort"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/lightningnetwork/lnd/fn/v2"
)

// EmptyRootHash is the root hash of a trie without leaves.
var EmptyRootHash = chainhash.DoubleHashH(nil)

// RootSummary is the root hash and the total value held by the trie.
type RootSummary struct {
    Hash  chainhash.Hash
    Value uint64
}

// arenaNode is a node whose entry in its parent must be recomputed at flush.
type arenaNode struct {
    key    []byte
    parent []byte
    root   bool
}

// TrieBatch applies leaf mutations for one block on top of a transaction.
// Structural rewrites (split, merge) are written immediately; only hashes and
// aggregate values are deferred to Flush, which recomputes every touched node
// exactly once, deepest first.
type TrieBatch struct {
    tx    Tx
    arena map[string]*arenaNode
}

func NewTrieBatch(tx Tx) *TrieBatch {
    return &TrieBatch{
        tx:    tx,
        arena: make(map[string]*arenaNode),
    }
}

func (b *TrieBatch) touch(key, parent []byte) {
    b.arena[string(key)] = &arenaNode{key: key, parent: parent}
}

func (b *TrieBatch) touchRoot() {
    b.arena[""] = &arenaNode{key: []byte{}, root: true}
}

func (b *TrieBatch) forget(key []byte) {
    delete(b.arena, string(key))
}

// loadNode reads an internal node. A missing root reads as empty; any other
// missing node is corruption.
func loadNode(r Reader, path []byte) (*Node, error) {
    data, err := r.Get(TrieKey(path))
    if errors.Is(err, ErrNotFound) {
        if len(path) == 0 {
            return &Node{}, nil
        }
        return nil, corruptf(path, "expected node is missing")
    }
    if err != nil {
        return nil, err
    }

    n, err := DecodeNode(data)
    if err != nil {
        return nil, corruptf(path, "%v", err)
    }
    return n, nil
}

func (b *TrieBatch) putNode(path []byte, n *Node) error {
    if len(path) == 0 && n.Count() == 0 {
        return b.tx.Delete(TrieKey(path))
    }
    return b.tx.Set(TrieKey(path), n.Encode())
}

func getLeaf(r Reader, key []byte) (LeafValue, bool, error) {
    data, err := r.Get(TrieKey(key))
    if errors.Is(err, ErrNotFound) {
        return LeafValue{}, false, nil
    }
    if err != nil {
        return LeafValue{}, false, err
    }
    v, err := DecodeLeafValue(data)
    if err != nil {
        return LeafValue{}, false, corruptf(key, "%v", err)
    }
    return v, true, nil
}

// childKey finds the child of parent at branch: the shortest stored key that
// starts with parent ++ branch.
func childKey(r Reader, parent []byte, branch byte) ([]byte, error) {
    prefix := TrieKey(append(append([]byte{}, parent...), branch))
    key, _, ok, err := first(r, prefix)
    if err != nil {
        return nil, err
    }
    if !ok {
        return nil, corruptf(parent, "branch %02x set but child is missing", branch)
    }
    return key[1:], nil
}

func commonPrefix(a, b []byte) []byte {
    n := len(a)
    if len(b) < n {
        n = len(b)
    }
    i := 0
    for i < n && a[i] == b[i] {
        i++
    }
    return a[:i]
}

// GetLeaf reads a leaf through the batch.
func (b *TrieBatch) GetLeaf(key LeafKey) (LeafValue, bool, error) {
    return getLeaf(b.tx, key[:])
}

// AddLeaf inserts or overwrites a leaf and returns the value it replaced.
func (b *TrieBatch) AddLeaf(key LeafKey, v LeafValue) (fn.Option[LeafValue], error) {
    none := fn.None[LeafValue]()
    target := append([]byte{}, key[:]...)

    node, err := loadNode(b.tx, nil)
    if err != nil {
        return none, err
    }
    b.touchRoot()

    parent := []byte{}
    for {
        branch := target[len(parent)]

        if !node.Has(branch) {
            node.Set(branch, ChildEntry{})
            if err := b.putNode(parent, node); err != nil {
                return none, err
            }
            if err := b.tx.Set(TrieKey(target), EncodeLeafValue(v)); err != nil {
                return none, err
            }
            b.touch(target, parent)
            return none, nil
        }

        child, err := childKey(b.tx, parent, branch)
        if err != nil {
            return none, err
        }

        if bytes.Equal(child, target) {
            prev, ok, err := getLeaf(b.tx, target)
            if err != nil {
                return none, err
            }
            if !ok {
                return none, corruptf(target, "leaf vanished during insert")
            }
            if err := b.tx.Set(TrieKey(target), EncodeLeafValue(v)); err != nil {
                return none, err
            }
            b.touch(target, parent)
            return fn.Some(prev), nil
        }

        if len(child) < LeafKeyLength && bytes.HasPrefix(target, child) {
            next, err := loadNode(b.tx, child)
            if err != nil {
                return none, err
            }
            b.touch(child, parent)
            parent, node = child, next
            continue
        }

        // The new key diverges inside the edge to child: insert a node at the
        // common prefix holding both.
        prefix := append([]byte{}, commonPrefix(child, target)...)
        entry, _ := node.Get(branch)

        split := &Node{}
        split.Set(child[len(prefix)], entry)
        split.Set(target[len(prefix)], ChildEntry{})
        if err := b.putNode(prefix, split); err != nil {
            return none, err
        }
        if err := b.tx.Set(TrieKey(target), EncodeLeafValue(v)); err != nil {
            return none, err
        }

        b.touch(prefix, parent)
        b.touch(child, prefix)
        b.touch(target, prefix)
        return none, nil
    }
}

// DeleteLeaf removes a leaf and returns its value. A parent left with a single
// child is merged into that child.
func (b *TrieBatch) DeleteLeaf(key LeafKey) (LeafValue, error) {
    target := append([]byte{}, key[:]...)

    prev, ok, err := getLeaf(b.tx, target)
    if err != nil {
        return LeafValue{}, err
    }
    if !ok {
        return LeafValue{}, &NotFoundError{Key: key}
    }

    root, err := loadNode(b.tx, nil)
    if err != nil {
        return LeafValue{}, err
    }

    paths := [][]byte{{}}
    nodes := []*Node{root}
    for {
        parent := paths[len(paths)-1]
        node := nodes[len(nodes)-1]
        branch := target[len(parent)]

        if !node.Has(branch) {
            return LeafValue{}, corruptf(parent, "leaf %x is unreachable", target)
        }
        child, err := childKey(b.tx, parent, branch)
        if err != nil {
            return LeafValue{}, err
        }
        if bytes.Equal(child, target) {
            break
        }
        if len(child) >= LeafKeyLength || !bytes.HasPrefix(target, child) {
            return LeafValue{}, corruptf(child, "leaf %x is unreachable", target)
        }
        next, err := loadNode(b.tx, child)
        if err != nil {
            return LeafValue{}, err
        }
        paths = append(paths, child)
        nodes = append(nodes, next)
    }

    b.touchRoot()
    for i := 1; i < len(paths); i++ {
        b.touch(paths[i], paths[i-1])
    }

    if err := b.tx.Delete(TrieKey(target)); err != nil {
        return LeafValue{}, err
    }
    b.forget(target)

    last := len(paths) - 1
    parent, node := paths[last], nodes[last]
    node.Clear(target[len(parent)])

    if last == 0 {
        return prev, b.putNode(parent, node)
    }

    switch node.Count() {
    case 0:
        return LeafValue{}, corruptf(parent, "internal node left without children")

    case 1:
        remaining := node.Branches()[0]
        sibling, err := childKey(b.tx, parent, remaining)
        if err != nil {
            return LeafValue{}, err
        }
        entry, _ := node.Get(remaining)

        grand, grandNode := paths[last-1], nodes[last-1]
        grandNode.Set(parent[len(grand)], entry)

        if err := b.tx.Delete(TrieKey(parent)); err != nil {
            return LeafValue{}, err
        }
        b.forget(parent)
        if err := b.putNode(grand, grandNode); err != nil {
            return LeafValue{}, err
        }
        b.touch(sibling, grand)

    default:
        if err := b.putNode(parent, node); err != nil {
            return LeafValue{}, err
        }
    }

    return prev, nil
}

// Flush recomputes the hash and aggregate value of every touched node, child
// before parent, and returns the new root.
func (b *TrieBatch) Flush() (RootSummary, error) {
    pending := make([]*arenaNode, 0, len(b.arena))
    for _, a := range b.arena {
        if !a.root {
            pending = append(pending, a)
        }
    }
    sort.Slice(pending, func(i, j int) bool {
        if len(pending[i].key) != len(pending[j].key) {
            return len(pending[i].key) > len(pending[j].key)
        }
        return bytes.Compare(pending[i].key, pending[j].key) < 0
    })

    for _, a := range pending {
        skip := a.key[len(a.parent):]

        var entry ChildEntry
        if len(a.key) == LeafKeyLength {
            v, ok, err := getLeaf(b.tx, a.key)
            if err != nil {
                return RootSummary{}, err
            }
            if !ok {
                return RootSummary{}, corruptf(a.key, "touched leaf is missing")
            }
            entry = leafEntry(skip, v)
        } else {
            n, err := loadNode(b.tx, a.key)
            if err != nil {
                return RootSummary{}, err
            }
            entry = ChildEntry{Hash: n.Hash(skip), Value: n.Sum()}
        }

        pn, err := loadNode(b.tx, a.parent)
        if err != nil {
            return RootSummary{}, err
        }
        branch := a.key[len(a.parent)]
        if !pn.Has(branch) {
            return RootSummary{}, corruptf(a.parent, "branch %02x missing for child %x",
                branch, a.key)
        }
        pn.Set(branch, entry)
        if err := b.putNode(a.parent, pn); err != nil {
            return RootSummary{}, err
        }
    }

    b.arena = make(map[string]*arenaNode)

    return ReadRoot(b.tx)
}

// ReadRoot computes the root summary from the stored root node.
func ReadRoot(r Reader) (RootSummary, error) {
    root, err := loadNode(r, nil)
    if err != nil {
        return RootSummary{}, err
    }
    return RootSummary{Hash: root.Hash(nil), Value: root.Sum()}, nil
}

// Unspent is one output held by an address.
type Unspent struct {
    Key    LeafKey
    Value  uint64
    Height uint32
}

// AddressBalance reads the aggregate value of the subtree holding addr.
func AddressBalance(r Reader, addr AddrHash) (uint64, error) {
    entry, _, found, err := locateAddress(r, addr)
    if err != nil || !found {
        return 0, err
    }
    return entry.Value, nil
}

// locateAddress descends towards addr and returns the parent entry, the path
// of the node covering every leaf of addr, and whether one exists.
func locateAddress(r Reader, addr AddrHash) (ChildEntry, [][]byte, bool, error) {
    target := addr[:]
    paths := [][]byte{{}}

    node, err := loadNode(r, nil)
    if err != nil {
        return ChildEntry{}, nil, false, err
    }

    parent := []byte{}
    for {
        branch := target[len(parent)]
        entry, ok := node.Get(branch)
        if !ok {
            return ChildEntry{}, paths, false, nil
        }
        child, err := childKey(r, parent, branch)
        if err != nil {
            return ChildEntry{}, nil, false, err
        }
        if len(child) >= AddrHashLength {
            if !bytes.Equal(child[:AddrHashLength], target) {
                return ChildEntry{}, paths, false, nil
            }
            return entry, append(paths, child), true, nil
        }
        if !bytes.HasPrefix(target, child) {
            return ChildEntry{}, paths, false, nil
        }
        node, err = loadNode(r, child)
        if err != nil {
            return ChildEntry{}, nil, false, err
        }
        paths = append(paths, child)
        parent = child
    }
}

// ListUnspent returns every leaf of addr ordered by height.
func ListUnspent(r Reader, addr AddrHash) ([]Unspent, error) {
    var out []Unspent
    err := r.ForEach(TrieKey(addr[:]), func(k, v []byte) error {
        if len(k) != 1+LeafKeyLength {
            return nil
        }
        key, err := ParseLeafKey(k[1:])
        if err != nil {
            return err
        }
        lv, err := DecodeLeafValue(v)
        if err != nil {
            return corruptf(k[1:], "%v", err)
        }
        out = append(out, Unspent{Key: key, Value: lv.Amount, Height: lv.Height})
        return nil
    })
    if err != nil {
        return nil, err
    }

    sort.SliceStable(out, func(i, j int) bool {
        return out[i].Height < out[j].Height
    })
    return out, nil
}

// VerifyTrie recomputes every stored hash bottom-up and checks it against the
// entry recorded by the parent.
func VerifyTrie(r Reader) (RootSummary, error) {
    root, err := loadNode(r, nil)
    if err != nil {
        return RootSummary{}, err
    }
    if err := verifyChildren(r, nil, root); err != nil {
        return RootSummary{}, err
    }
    return RootSummary{Hash: root.Hash(nil), Value: root.Sum()}, nil
}

func verifyChildren(r Reader, path []byte, n *Node) error {
    for _, branch := range n.Branches() {
        child, err := childKey(r, path, branch)
        if err != nil {
            return err
        }
        stored, _ := n.Get(branch)
        skip := child[len(path):]

        var got ChildEntry
        if len(child) == LeafKeyLength {
            v, ok, err := getLeaf(r, child)
            if err != nil {
                return err
            }
            if !ok {
                return corruptf(child, "leaf missing")
            }
            got = leafEntry(skip, v)
        } else {
            cn, err := loadNode(r, child)
            if err != nil {
                return err
            }
            if cn.Count() < 2 {
                return corruptf(child, "internal node has %d children", cn.Count())
            }
            if err := verifyChildren(r, child, cn); err != nil {
                return err
            }
            got = ChildEntry{Hash: cn.Hash(skip), Value: cn.Sum()}
        }

        if got != stored {
            return corruptf(child, "stored entry does not match recomputed hash")
        }
    }
    return nil
}
