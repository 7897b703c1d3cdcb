// Package indexer keeps the UTXO trie index in step with a Bitcoin full node.
//
// The indexer is responsible for:
// - Applying new blocks to the store and reverting them on reorgs
// - Backfilling the header file after it was lost or truncated
// - Tracking unconfirmed transactions as per-address deltas
// - Scheduling all of the above on a single worker goroutine
//
// Key design principles:
// 1. A block is applied or reverted as a whole, never partially
// 2. The mempool never mutates the authenticated trie
// 3. Daemon failures are retried on the next tick; index corruption stops
//    the process
package indexer

import (
    "errors"
    "fmt"

    "github.com/btcsuite/btcd/btcjson"
    "github.com/btcsuite/btcd/btcutil"
    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/wire"
)

// Daemon is the part of the full node's RPC interface the indexer uses.
// *RPCDaemon implements it against Bitcoin Core.
type Daemon interface {
    GetBestBlockHash() (*chainhash.Hash, error)
    GetBlockCount() (int64, error)
    GetBlockHash(height int64) (*chainhash.Hash, error)
    GetBlockHeader(hash *chainhash.Hash) (*wire.BlockHeader, error)
    GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)
    GetRawMempool() ([]*chainhash.Hash, error)
    GetRawTransaction(txid *chainhash.Hash) (*btcutil.Tx, error)

    // Broadcast relays a hex-encoded transaction and returns the node's
    // result unchanged.
    Broadcast(rawHex string) (string, error)
}

// TransientError is an RPC failure that did not reach the node or got no
// answer. The current tick is abandoned and retried on the next one.
type TransientError struct {
    Op  string
    Err error
}

func (e *TransientError) Error() string {
    return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
    return e.Err
}

// DaemonDataError is an error payload returned by the node for a specific
// request, such as an unknown block or transaction.
type DaemonDataError struct {
    Op  string
    Err *btcjson.RPCError
}

func (e *DaemonDataError) Error() string {
    return fmt.Sprintf("%s: daemon error %d: %s", e.Op, e.Err.Code, e.Err.Message)
}

func (e *DaemonDataError) Unwrap() error {
    return e.Err
}

// daemonError classifies an RPC error.
func daemonError(op string, err error) error {
    if err == nil {
        return nil
    }
    var rpcErr *btcjson.RPCError
    if errors.As(err, &rpcErr) {
        return &DaemonDataError{Op: op, Err: rpcErr}
    }
    return &TransientError{Op: op, Err: err}
}
