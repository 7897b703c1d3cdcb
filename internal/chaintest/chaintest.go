// Package chaintest provides an in-memory full node and block builders for
// tests of packages that sync from a daemon.
package chaintest

import (
    "encoding/binary"
    "errors"
    "path/filepath"
    "sync"
    "testing"
    "time"

    "github.com/btcsuite/btcd/blockchain"
    "github.com/btcsuite/btcd/btcjson"
    "github.com/btcsuite/btcd/btcutil"
    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/txscript"
    "github.com/btcsuite/btcd/wire"
    "github.com/cockroachdb/pebble/vfs"
    "github.com/stretchr/testify/require"

    "github.com/ripsline/electrum-trie/internal/storage"
)

// ErrConnRefused looks like a transport failure to the indexer.
var ErrConnRefused = errors.New("dial tcp 127.0.0.1:8332: connection refused")

// Daemon is an in-memory chain with a mempool. It satisfies the indexer's
// daemon interface.
type Daemon struct {
    mu      sync.Mutex
    chain   []*wire.MsgBlock
    blocks  map[chainhash.Hash]*wire.MsgBlock
    mempool map[chainhash.Hash]*wire.MsgTx
    sent    []string
    fail    error

    // BroadcastResult and BroadcastErr are returned by Broadcast.
    BroadcastResult string
    BroadcastErr    error
}

func NewDaemon() *Daemon {
    return &Daemon{
        blocks:          make(map[chainhash.Hash]*wire.MsgBlock),
        mempool:         make(map[chainhash.Hash]*wire.MsgTx),
        BroadcastResult: "broadcast-ok",
    }
}

func (d *Daemon) tipLocked() chainhash.Hash {
    if len(d.chain) == 0 {
        return chainhash.Hash{}
    }
    return d.chain[len(d.chain)-1].BlockHash()
}

// Tip returns the best block hash, zero for an empty chain.
func (d *Daemon) Tip() chainhash.Hash {
    d.mu.Lock()
    defer d.mu.Unlock()
    return d.tipLocked()
}

// BlockAt returns the active block at height.
func (d *Daemon) BlockAt(height int32) *wire.MsgBlock {
    d.mu.Lock()
    defer d.mu.Unlock()
    return d.chain[height]
}

// Mine appends a block holding a coinbase paying coinbase and txs. Mined
// transactions leave the mempool.
func (d *Daemon) Mine(nonce uint32, coinbase []*wire.TxOut, txs ...*wire.MsgTx) *wire.MsgBlock {
    d.mu.Lock()
    defer d.mu.Unlock()

    height := uint32(len(d.chain))
    block := MakeBlock(d.tipLocked(), height, nonce, coinbase, txs...)
    d.chain = append(d.chain, block)
    d.blocks[block.BlockHash()] = block
    for _, tx := range txs {
        delete(d.mempool, tx.TxHash())
    }
    return block
}

// Truncate drops blocks from height on, leaving them fetchable by hash.
func (d *Daemon) Truncate(height int) {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.chain = d.chain[:height]
}

func (d *Daemon) AddMempool(tx *wire.MsgTx) {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.mempool[tx.TxHash()] = tx
}

func (d *Daemon) RemoveMempool(txids ...chainhash.Hash) {
    d.mu.Lock()
    defer d.mu.Unlock()
    for _, txid := range txids {
        delete(d.mempool, txid)
    }
}

// SetFail makes every chain call fail with err until reset with nil.
func (d *Daemon) SetFail(err error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.fail = err
}

// Sent returns the raw transactions passed to Broadcast.
func (d *Daemon) Sent() []string {
    d.mu.Lock()
    defer d.mu.Unlock()
    return append([]string(nil), d.sent...)
}

func (d *Daemon) GetBestBlockHash() (*chainhash.Hash, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.fail != nil {
        return nil, d.fail
    }
    h := d.tipLocked()
    return &h, nil
}

func (d *Daemon) GetBlockCount() (int64, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.fail != nil {
        return 0, d.fail
    }
    return int64(len(d.chain)) - 1, nil
}

func (d *Daemon) GetBlockHash(height int64) (*chainhash.Hash, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.fail != nil {
        return nil, d.fail
    }
    if height < 0 || height >= int64(len(d.chain)) {
        return nil, &btcjson.RPCError{
            Code:    btcjson.ErrRPCInvalidParameter,
            Message: "Block height out of range",
        }
    }
    h := d.chain[height].BlockHash()
    return &h, nil
}

func (d *Daemon) block(hash *chainhash.Hash) (*wire.MsgBlock, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.fail != nil {
        return nil, d.fail
    }
    b, ok := d.blocks[*hash]
    if !ok {
        return nil, &btcjson.RPCError{
            Code:    btcjson.ErrRPCBlockNotFound,
            Message: "Block not found",
        }
    }
    return b, nil
}

func (d *Daemon) GetBlockHeader(hash *chainhash.Hash) (*wire.BlockHeader, error) {
    b, err := d.block(hash)
    if err != nil {
        return nil, err
    }
    header := b.Header
    return &header, nil
}

func (d *Daemon) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
    return d.block(hash)
}

func (d *Daemon) GetRawMempool() ([]*chainhash.Hash, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.fail != nil {
        return nil, d.fail
    }
    out := make([]*chainhash.Hash, 0, len(d.mempool))
    for txid := range d.mempool {
        txid := txid
        out = append(out, &txid)
    }
    return out, nil
}

func (d *Daemon) GetRawTransaction(txid *chainhash.Hash) (*btcutil.Tx, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.fail != nil {
        return nil, d.fail
    }
    if tx, ok := d.mempool[*txid]; ok {
        return btcutil.NewTx(tx), nil
    }
    for _, b := range d.blocks {
        for _, tx := range b.Transactions {
            if tx.TxHash() == *txid {
                return btcutil.NewTx(tx), nil
            }
        }
    }
    return nil, &btcjson.RPCError{
        Code:    btcjson.ErrRPCNoTxInfo,
        Message: "No such mempool or blockchain transaction",
    }
}

func (d *Daemon) Broadcast(rawHex string) (string, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.sent = append(d.sent, rawHex)
    return d.BroadcastResult, d.BroadcastErr
}

// P2PKHScript is a pay to pubkey hash script for a hash filled with id.
func P2PKHScript(id byte) []byte {
    hash := make([]byte, 20)
    for i := range hash {
        hash[i] = id
    }
    script, err := txscript.NewScriptBuilder().
        AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
        AddData(hash).
        AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).
        Script()
    if err != nil {
        panic(err)
    }
    return script
}

func PayTo(script []byte, value int64) *wire.TxOut {
    return wire.NewTxOut(value, script)
}

// CoinbaseTx builds a coinbase whose signature script commits to height and
// nonce, so coinbases of competing blocks differ.
func CoinbaseTx(height, nonce uint32, outs []*wire.TxOut) *wire.MsgTx {
    tx := wire.NewMsgTx(wire.TxVersion)
    var sig [9]byte
    sig[0] = 0x08
    binary.LittleEndian.PutUint32(sig[1:5], height)
    binary.LittleEndian.PutUint32(sig[5:9], nonce)
    tx.AddTxIn(&wire.TxIn{
        PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
        SignatureScript:  sig[:],
        Sequence:         wire.MaxTxInSequenceNum,
    })
    for _, out := range outs {
        tx.AddTxOut(out)
    }
    return tx
}

func SpendTx(prev []wire.OutPoint, outs ...*wire.TxOut) *wire.MsgTx {
    tx := wire.NewMsgTx(wire.TxVersion)
    for _, op := range prev {
        op := op
        tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
    }
    for _, out := range outs {
        tx.AddTxOut(out)
    }
    return tx
}

func MakeBlock(prev chainhash.Hash, height, nonce uint32, coinbase []*wire.TxOut,
    txs ...*wire.MsgTx) *wire.MsgBlock {

    block := &wire.MsgBlock{
        Header: wire.BlockHeader{
            Version:   1,
            PrevBlock: prev,
            Timestamp: time.Unix(1231006505+int64(height)*600, 0),
            Bits:      0x207fffff,
            Nonce:     nonce,
        },
    }
    block.AddTransaction(CoinbaseTx(height, nonce, coinbase))
    for _, tx := range txs {
        block.AddTransaction(tx)
    }

    utxs := make([]*btcutil.Tx, 0, len(block.Transactions))
    for _, tx := range block.Transactions {
        utxs = append(utxs, btcutil.NewTx(tx))
    }
    block.Header.MerkleRoot = blockchain.CalcMerkleRoot(utxs, false)
    return block
}

func OutPoint(tx *wire.MsgTx, index uint32) wire.OutPoint {
    return wire.OutPoint{Hash: tx.TxHash(), Index: index}
}

// NewStore opens a store on in-memory Pebble with headers in a temp dir.
func NewStore(t *testing.T, window uint32) *storage.Store {
    t.Helper()
    return NewStoreWithConfig(t, storage.Config{UndoWindow: window})
}

func NewStoreWithConfig(t *testing.T, cfg storage.Config) *storage.Store {
    t.Helper()

    kv, err := storage.OpenPebble("db", vfs.NewMem())
    require.NoError(t, err)

    headers, err := storage.OpenHeaderFile(filepath.Join(t.TempDir(), "headers.dat"))
    require.NoError(t, err)

    store, err := storage.New(kv, headers, cfg)
    require.NoError(t, err)
    t.Cleanup(func() { store.Close() })
    return store
}
