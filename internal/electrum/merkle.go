package electrum

import (
    "github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MerkleProof proves a transaction's inclusion in the block at BlockHeight.
type MerkleProof struct {
    BlockHeight int32    `json:"block_height"`
    Pos         int      `json:"pos"`
    Merkle      []string `json:"merkle"`
}

// Merkle returns the merkle branch of txid in the block at height. The block
// is fetched from the daemon by the hash of the stored header, so the proof
// always matches the header clients get from us.
func (idx *Index) Merkle(txid chainhash.Hash, height int32) (*MerkleProof, *QueryError) {
    if height < 0 || height >= idx.store.HeaderCount() {
        return nil, badRequest("height %d out of range", height)
    }
    header, err := idx.store.ReadHeader(height)
    if err != nil {
        return nil, internalError(err)
    }

    hash := header.BlockHash()
    block, err := idx.daemon.GetBlock(&hash)
    if err != nil {
        return nil, &QueryError{Code: ErrCodeDaemon, Message: err.Error()}
    }

    txids := make([]chainhash.Hash, len(block.Transactions))
    pos := -1
    for i, tx := range block.Transactions {
        txids[i] = tx.TxHash()
        if pos < 0 && txids[i] == txid {
            pos = i
        }
    }
    if pos < 0 {
        return nil, badRequest("tx %s not found in block at height %d", txid, height)
    }

    return &MerkleProof{
        BlockHeight: height,
        Pos:         pos,
        Merkle:      buildMerkleBranch(txids, pos),
    }, nil
}

// buildMerkleBranch returns the sibling hashes from the leaf at pos up to
// the root. An odd level pairs its last hash with itself.
func buildMerkleBranch(txids []chainhash.Hash, pos int) []string {
    branch := make([]string, 0)
    if len(txids) <= 1 {
        return branch
    }

    level := make([]chainhash.Hash, len(txids))
    copy(level, txids)

    for len(level) > 1 {
        sibling := pos ^ 1
        if sibling >= len(level) {
            sibling = pos
        }
        branch = append(branch, level[sibling].String())

        next := make([]chainhash.Hash, (len(level)+1)/2)
        for i := 0; i < len(level); i += 2 {
            left := level[i]
            right := left
            if i+1 < len(level) {
                right = level[i+1]
            }

            var combined [chainhash.HashSize * 2]byte
            copy(combined[:chainhash.HashSize], left[:])
            copy(combined[chainhash.HashSize:], right[:])
            next[i/2] = chainhash.DoubleHashH(combined[:])
        }

        level = next
        pos /= 2
    }

    return branch
}
