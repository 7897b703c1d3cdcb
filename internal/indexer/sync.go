// sync.go keeps the local index at the daemon's best block.
//
// The catch-up loop compares the daemon's best hash with the local tip. If
// the daemon's block at tip+1 builds on the local tip it is applied;
// otherwise the local tip is reverted and the comparison repeated, so a reorg
// of any depth inside the undo window unwinds one block at a time until the
// chains agree again.
//
// Daemon I/O happens before the store's write lock is taken. A block is
// applied or reverted as a whole; the stop flag is only checked between
// blocks.

package indexer

import (
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/wire"

    "github.com/ripsline/electrum-trie/internal/storage"
)

// ChainEvent describes one applied or reverted block.
type ChainEvent struct {
    // Connected is false for a reverted block.
    Connected bool

    // Height and Hash are the new tip.
    Height int32
    Hash   chainhash.Hash

    // Header is the header of the new tip, nil when the index is empty.
    Header *wire.BlockHeader

    // Touched lists addresses whose confirmed or unconfirmed state changed.
    Touched []storage.AddrHash

    // Root is the trie root after the change.
    Root storage.RootSummary
}

// Listener receives index changes. Calls come from the sync worker and must
// not block on client I/O.
type Listener interface {
    ChainChanged(ev *ChainEvent)
    MempoolChanged(touched []storage.AddrHash)
}

// Synchronizer drives the store from the daemon's chain.
type Synchronizer struct {
    store   *storage.Store
    daemon  Daemon
    mempool *MempoolTracker

    mu        sync.RWMutex
    listeners []Listener

    stopped atomic.Bool

    blocksApplied  atomic.Int64
    blocksReverted atomic.Int64
    lastBlockTime  atomic.Int64
}

// NewSynchronizer creates a synchronizer. mempool may be nil; when set, its
// confirmed transactions are dropped after every applied block.
func NewSynchronizer(store *storage.Store, daemon Daemon,
    mempool *MempoolTracker) *Synchronizer {

    return &Synchronizer{
        store:   store,
        daemon:  daemon,
        mempool: mempool,
    }
}

// Subscribe registers a listener for chain events.
func (s *Synchronizer) Subscribe(l Listener) {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.listeners = append(s.listeners, l)
}

func (s *Synchronizer) notify(ev *ChainEvent) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    for _, l := range s.listeners {
        l.ChainChanged(ev)
    }
}

func (s *Synchronizer) notifyMempool(touched []storage.AddrHash) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    for _, l := range s.listeners {
        l.MempoolChanged(touched)
    }
}

// Stop makes CatchUp return after the block in progress.
func (s *Synchronizer) Stop() {
    s.stopped.Store(true)
}

func (s *Synchronizer) isStopped() bool {
    return s.stopped.Load()
}

// Backfill appends headers missing below the committed tip, for example
// after the header file was lost or truncated.
func (s *Synchronizer) Backfill() error {
    missing := s.store.MissingHeaders()
    if missing <= 0 {
        return nil
    }

    log.Infof("📥 Backfilling %d headers from the daemon", missing)
    start := time.Now()

    for s.store.MissingHeaders() > 0 {
        if s.isStopped() {
            return nil
        }

        next := s.store.HeaderCount()
        tipHeight, tipHash := s.store.Tip()

        hash, err := s.daemon.GetBlockHash(int64(next))
        if err != nil {
            return daemonError("getblockhash", err)
        }

        // The daemon left our tip while we were offline.
        if next == tipHeight && *hash != tipHash {
            log.Warnf("⚠️  Tip %s at height %d is no longer in the best chain",
                tipHash, tipHeight)
            if err := s.revert(); err != nil {
                return err
            }
            continue
        }

        header, err := s.daemon.GetBlockHeader(hash)
        if err != nil {
            return daemonError("getblockheader", err)
        }
        if err := s.store.BackfillHeader(header); err != nil {
            return fmt.Errorf("failed to backfill header %d: %w", next, err)
        }
    }

    log.Infof("✅ Header backfill complete in %s", time.Since(start).Round(time.Millisecond))
    return nil
}

// CatchUp applies and reverts blocks until the local tip equals the
// daemon's best block, an error occurs, or Stop is called. It returns the
// number of blocks applied.
func (s *Synchronizer) CatchUp() (int, error) {
    applied := 0
    start := time.Now()

    for !s.isStopped() {
        progressed, connected, err := s.step()
        if err != nil {
            return applied, err
        }
        if !progressed {
            break
        }
        if connected {
            applied++
            if applied%1000 == 0 {
                height, _ := s.store.Tip()
                elapsed := time.Since(start)
                log.Infof("   Progress: height %d (%.1f blocks/sec)",
                    height, float64(applied)/elapsed.Seconds())
            }
        }
    }

    if applied > 1 {
        elapsed := time.Since(start)
        log.Infof("✅ Catch-up complete: %d blocks in %s (%.1f blocks/sec)",
            applied, elapsed.Round(time.Second), float64(applied)/elapsed.Seconds())
    }

    return applied, nil
}

// step performs at most one apply or revert.
func (s *Synchronizer) step() (progressed, connected bool, err error) {
    best, err := s.daemon.GetBestBlockHash()
    if err != nil {
        return false, false, daemonError("getbestblockhash", err)
    }

    height, tip := s.store.Tip()
    if height >= 0 && *best == tip {
        return false, false, nil
    }

    count, err := s.daemon.GetBlockCount()
    if err != nil {
        return false, false, daemonError("getblockcount", err)
    }

    // The best chain is not longer than ours but ends elsewhere.
    if int64(height) >= count {
        log.Infof("🔄 Daemon tip %d is not above local tip %d, reverting",
            count, height)
        return true, false, s.revert()
    }

    next := height + 1
    hash, err := s.daemon.GetBlockHash(int64(next))
    if err != nil {
        return false, false, daemonError("getblockhash", err)
    }

    block, err := s.daemon.GetBlock(hash)
    if err != nil {
        return false, false, daemonError("getblock", err)
    }

    if height >= 0 && block.Header.PrevBlock != tip {
        log.Infof("🔄 Block %s at height %d does not build on our tip %s, reverting",
            hash, next, tip)
        return true, false, s.revert()
    }

    if err := s.apply(next, block); err != nil {
        return false, false, err
    }
    return true, true, nil
}

// apply indexes block at height: inputs spend leaves, outputs add them.
func (s *Synchronizer) apply(height int32, block *wire.MsgBlock) error {
    w, err := s.store.BeginBlock(height, &block.Header)
    if err != nil {
        return err
    }

    txids := make([]chainhash.Hash, 0, len(block.Transactions))
    for pos, tx := range block.Transactions {
        txid := tx.TxHash()
        txids = append(txids, txid)
        w.BeginTx(txid, uint32(pos))

        for _, txIn := range tx.TxIn {
            if IsCoinbaseInput(txIn) {
                continue
            }
            if _, err := w.SpendOutput(txIn.PreviousOutPoint); err != nil {
                w.Abort()
                return fmt.Errorf("block %d tx %s: %w", height, txid, err)
            }
        }

        for vout, txOut := range tx.TxOut {
            addr, ok := ScriptAddr(txOut.PkScript, txOut.Value)
            if !ok {
                continue
            }
            op := wire.OutPoint{Hash: txid, Index: uint32(vout)}
            if err := w.AddOutput(op, addr, uint64(txOut.Value)); err != nil {
                w.Abort()
                return fmt.Errorf("block %d tx %s: %w", height, txid, err)
            }
        }
    }

    res, err := w.Commit()
    if err != nil {
        return err
    }

    s.blocksApplied.Add(1)
    s.lastBlockTime.Store(time.Now().UnixNano())

    touched := res.Touched
    if s.mempool != nil {
        touched = mergeAddrs(touched, s.mempool.RemoveConfirmed(txids))
    }

    log.Debugf("📦 Applied block %d %s (%d txs, %d addresses)",
        height, res.Hash, len(block.Transactions), len(res.Touched))

    header := block.Header
    s.notify(&ChainEvent{
        Connected: true,
        Height:    res.Height,
        Hash:      res.Hash,
        Header:    &header,
        Touched:   touched,
        Root:      res.Root,
    })
    return nil
}

// revert undoes the local tip.
func (s *Synchronizer) revert() error {
    height, hash := s.store.Tip()

    res, err := s.store.RevertTip()
    if err != nil {
        var missing *storage.MissingUndoInfoError
        if errors.As(err, &missing) {
            log.Criticalf("❌ Cannot revert block %d %s: reorg is deeper than "+
                "the undo window, rebuild the index", height, hash)
        }
        return err
    }

    s.blocksReverted.Add(1)
    log.Infof("🔄 Reverted block %d %s", height, hash)

    var header *wire.BlockHeader
    if res.Height >= 0 && s.store.HeaderCount() > res.Height {
        header, err = s.store.ReadHeader(res.Height)
        if err != nil {
            return err
        }
    }

    s.notify(&ChainEvent{
        Connected: false,
        Height:    res.Height,
        Hash:      res.Hash,
        Header:    header,
        Touched:   res.Touched,
        Root:      res.Root,
    })
    return nil
}

// SyncStats is a snapshot of synchronizer counters.
type SyncStats struct {
    BlocksApplied  int64
    BlocksReverted int64
    LastBlockTime  time.Time
}

func (s *Synchronizer) Stats() SyncStats {
    stats := SyncStats{
        BlocksApplied:  s.blocksApplied.Load(),
        BlocksReverted: s.blocksReverted.Load(),
    }
    if ns := s.lastBlockTime.Load(); ns != 0 {
        stats.LastBlockTime = time.Unix(0, ns)
    }
    return stats
}

func mergeAddrs(a, b []storage.AddrHash) []storage.AddrHash {
    if len(b) == 0 {
        return a
    }
    seen := make(map[storage.AddrHash]struct{}, len(a)+len(b))
    out := make([]storage.AddrHash, 0, len(a)+len(b))
    for _, list := range [][]storage.AddrHash{a, b} {
        for _, addr := range list {
            if _, ok := seen[addr]; ok {
                continue
            }
            seen[addr] = struct{}{}
            out = append(out, addr)
        }
    }
    return out
}
