package storage

import (
    "bytes"
    "errors"
    "fmt"
    "sort"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ProofNode is one stored trie record: its path and raw serialized value.
type ProofNode struct {
    Key   []byte
    Value []byte
}

// BuildProof returns the nodes from the root down to the subtree holding
// addr, followed by that whole subtree. For an unused address it returns the
// path up to the point where the lookup diverges.
func BuildProof(r Reader, addr AddrHash) ([]ProofNode, error) {
    _, paths, found, err := locateAddress(r, addr)
    if err != nil {
        return nil, err
    }

    proof := make([]ProofNode, 0, len(paths))

    rootData, err := r.Get(TrieKey(nil))
    if errors.Is(err, ErrNotFound) {
        rootData = (&Node{}).Encode()
    } else if err != nil {
        return nil, err
    }
    proof = append(proof, ProofNode{Key: []byte{}, Value: rootData})

    // The last path element is the subtree node, walked below.
    inner := paths[1:]
    if found {
        inner = paths[1 : len(paths)-1]
    }
    for _, p := range inner {
        data, err := r.Get(TrieKey(p))
        if err != nil {
            return nil, fmt.Errorf("failed to read proof node %x: %w", p, err)
        }
        proof = append(proof, ProofNode{Key: p, Value: data})
    }

    if !found {
        // Include the diverging child so a verifier sees the address is absent.
        last := paths[len(paths)-1]
        node, err := loadNode(r, last)
        if err != nil {
            return nil, err
        }
        branch := addr[len(last)]
        if node.Has(branch) {
            child, err := childKey(r, last, branch)
            if err != nil {
                return nil, err
            }
            data, err := r.Get(TrieKey(child))
            if err != nil {
                return nil, err
            }
            proof = append(proof, ProofNode{Key: child, Value: data})
        }
        return proof, nil
    }

    err = r.ForEach(TrieKey(addr[:]), func(k, v []byte) error {
        proof = append(proof, ProofNode{Key: k[1:], Value: v})
        return nil
    })
    if err != nil {
        return nil, err
    }

    return proof, nil
}

// VerifyProof recomputes the root hash from proof and checks it against root.
// Every included node is hashed from its included descendants and must match
// the entry its parent records. It returns the total value of the included
// leaves belonging to addr.
func VerifyProof(root chainhash.Hash, addr AddrHash, proof []ProofNode) (uint64, error) {
    if len(proof) == 0 || len(proof[0].Key) != 0 {
        return 0, fmt.Errorf("proof must start with the root node")
    }

    nodes := make([]ProofNode, len(proof))
    copy(nodes, proof)
    sort.Slice(nodes, func(i, j int) bool {
        return bytes.Compare(nodes[i].Key, nodes[j].Key) < 0
    })

    v := &proofVerifier{addr: addr, nodes: nodes}

    rootNode, err := DecodeNode(proof[0].Value)
    if err != nil {
        return 0, fmt.Errorf("invalid root node: %w", err)
    }
    if err := v.checkChildren(nil, rootNode); err != nil {
        return 0, err
    }
    if got := rootNode.Hash(nil); got != root {
        return 0, fmt.Errorf("root hash mismatch: got %s, want %s", got, root)
    }

    var total uint64
    for _, n := range nodes {
        if len(n.Key) == LeafKeyLength && bytes.HasPrefix(n.Key, addr[:]) {
            lv, err := DecodeLeafValue(n.Value)
            if err != nil {
                return 0, err
            }
            total += lv.Amount
        }
    }
    return total, nil
}

type proofVerifier struct {
    addr  AddrHash
    nodes []ProofNode
}

// child returns the shortest included key starting with prefix.
func (v *proofVerifier) child(prefix []byte) (ProofNode, bool) {
    i := sort.Search(len(v.nodes), func(i int) bool {
        return bytes.Compare(v.nodes[i].Key, prefix) >= 0
    })
    if i < len(v.nodes) && bytes.HasPrefix(v.nodes[i].Key, prefix) {
        return v.nodes[i], true
    }
    return ProofNode{}, false
}

func (v *proofVerifier) checkChildren(path []byte, n *Node) error {
    for _, branch := range n.Branches() {
        prefix := append(append([]byte{}, path...), branch)
        pn, ok := v.child(prefix)
        if !ok {
            // Children on the way to the address and every leaf below it
            // must be present.
            if bytes.HasPrefix(v.addr[:], prefix) || bytes.HasPrefix(prefix, v.addr[:]) {
                return fmt.Errorf("proof omits child %x of %x", branch, path)
            }
            continue
        }

        stored, _ := n.Get(branch)
        skip := pn.Key[len(path):]

        var got ChildEntry
        if len(pn.Key) == LeafKeyLength {
            lv, err := DecodeLeafValue(pn.Value)
            if err != nil {
                return fmt.Errorf("invalid leaf %x: %w", pn.Key, err)
            }
            got = leafEntry(skip, lv)
        } else {
            cn, err := DecodeNode(pn.Value)
            if err != nil {
                return fmt.Errorf("invalid node %x: %w", pn.Key, err)
            }
            if err := v.checkChildren(pn.Key, cn); err != nil {
                return err
            }
            got = ChildEntry{Hash: cn.Hash(skip), Value: cn.Sum()}
        }

        if got != stored {
            return fmt.Errorf("proof node %x does not match its parent entry", pn.Key)
        }
    }
    return nil
}
