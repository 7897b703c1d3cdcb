package indexer

import (
    "bytes"
    "sort"
    "sync"
    "sync/atomic"
    "time"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/wire"

    "github.com/ripsline/electrum-trie/internal/storage"
)

// AddrDelta is the net effect of one transaction on one address.
type AddrDelta struct {
    Addr  storage.AddrHash
    Value int64
}

// MempoolTx is a tracked unconfirmed transaction.
type MempoolTx struct {
    Txid      chainhash.Hash
    FirstSeen time.Time

    // Fee is zero when an input could not be valued.
    Fee int64

    // Deltas holds one aggregated entry per touched address.
    Deltas []AddrDelta

    // UnconfirmedParent is set when an input spends another mempool
    // transaction.
    UnconfirmedParent bool

    outputs []trackedOutput
}

type trackedOutput struct {
    op  wire.OutPoint
    out mempoolOutput
}

// MempoolEntry is a mempool transaction as seen by one address.
type MempoolEntry struct {
    Txid              chainhash.Hash
    Delta             int64
    Fee               int64
    UnconfirmedParent bool
}

type mempoolOutput struct {
    addr  storage.AddrHash
    value int64
}

// MempoolTracker mirrors the daemon's mempool as per-address deltas on top
// of the confirmed index. It never writes to the store.
type MempoolTracker struct {
    store  *storage.Store
    daemon Daemon

    mu      sync.RWMutex
    txs     map[chainhash.Hash]*MempoolTx
    byAddr  map[storage.AddrHash]map[chainhash.Hash]struct{}
    outputs map[wire.OutPoint]mempoolOutput

    ticks     atomic.Int64
    postponed atomic.Int64
    skipped   atomic.Int64
}

// NewMempoolTracker creates an empty tracker.
func NewMempoolTracker(store *storage.Store, daemon Daemon) *MempoolTracker {
    return &MempoolTracker{
        store:   store,
        daemon:  daemon,
        txs:     make(map[chainhash.Hash]*MempoolTx),
        byAddr:  make(map[storage.AddrHash]map[chainhash.Hash]struct{}),
        outputs: make(map[wire.OutPoint]mempoolOutput),
    }
}

// pendingTx is a newly seen transaction waiting for its inputs to resolve.
type pendingTx struct {
    txid chainhash.Hash
    msg  *wire.MsgTx
}

// Update reconciles the tracker with the daemon's mempool and returns the
// addresses whose unconfirmed state changed. Daemon I/O happens without the
// mempool lock; the diff is applied in one step at the end.
//
// When an input cannot be resolved because the local index is behind the
// daemon, the whole tick is postponed and nothing changes.
func (m *MempoolTracker) Update() ([]storage.AddrHash, error) {
    ids, err := m.daemon.GetRawMempool()
    if err != nil {
        return nil, daemonError("getrawmempool", err)
    }

    current := make(map[chainhash.Hash]struct{}, len(ids))
    for _, id := range ids {
        current[*id] = struct{}{}
    }

    m.mu.RLock()
    var removed []chainhash.Hash
    for txid := range m.txs {
        if _, ok := current[txid]; !ok {
            removed = append(removed, txid)
        }
    }
    var fresh []chainhash.Hash
    for txid := range current {
        if _, ok := m.txs[txid]; !ok {
            fresh = append(fresh, txid)
        }
    }
    m.mu.RUnlock()

    pending := make(map[chainhash.Hash]*pendingTx, len(fresh))
    for _, txid := range fresh {
        txid := txid
        tx, err := m.daemon.GetRawTransaction(&txid)
        if err != nil {
            // Evicted or mined since getrawmempool; seen again next tick
            // if it is still there.
            log.Debugf("Skipping mempool tx %s: %v", txid, err)
            m.skipped.Add(1)
            continue
        }
        pending[txid] = &pendingTx{txid: txid, msg: tx.MsgTx()}
    }

    added, ok, err := m.resolve(pending, current)
    if err != nil {
        return nil, err
    }
    m.ticks.Add(1)
    if !ok {
        m.postponed.Add(1)
        log.Debugf("Mempool tick postponed, index is behind the daemon")
        return nil, nil
    }

    touched := m.commit(removed, added)
    if len(removed) > 0 || len(added) > 0 {
        log.Debugf("🧮 Mempool: +%d -%d txs, %d addresses touched",
            len(added), len(removed), len(touched))
    }
    return touched, nil
}

// resolve values every input of the pending transactions. Parents that are
// themselves pending are resolved first, pass by pass. A transaction whose
// parent is in the daemon's mempool but could not be fetched stays untracked
// until a later tick. It reports false when an input is unknown and the
// index is behind the daemon.
func (m *MempoolTracker) resolve(pending map[chainhash.Hash]*pendingTx,
    current map[chainhash.Hash]struct{}) ([]*MempoolTx, bool, error) {

    order := make([]*pendingTx, 0, len(pending))
    for _, p := range pending {
        order = append(order, p)
    }
    sort.Slice(order, func(i, j int) bool {
        return bytes.Compare(order[i].txid[:], order[j].txid[:]) < 0
    })

    local := make(map[wire.OutPoint]mempoolOutput)
    done := make(map[chainhash.Hash]bool, len(order))
    var added []*MempoolTx
    var behind *bool

    for progress := true; progress; {
        progress = false

        for _, p := range order {
            if done[p.txid] {
                continue
            }

            tx, wait, err := m.build(p, pending, current, done, local, &behind)
            if err != nil {
                return nil, false, err
            }
            if wait {
                continue
            }
            if tx == nil {
                return nil, false, nil
            }

            done[p.txid] = true
            progress = true
            added = append(added, tx)
            for _, o := range tx.outputs {
                local[o.op] = o.out
            }
        }
    }

    for _, p := range order {
        if !done[p.txid] {
            log.Debugf("Deferring mempool tx %s: parent not resolved", p.txid)
            m.skipped.Add(1)
        }
    }

    return added, true, nil
}

// build turns one pending transaction into deltas. wait is set when a
// parent is unconfirmed and neither built this tick nor tracked. A nil tx
// with wait unset means the tick must be postponed. Outputs enter local only
// once the caller accepts the transaction.
func (m *MempoolTracker) build(p *pendingTx, pending map[chainhash.Hash]*pendingTx,
    current map[chainhash.Hash]struct{}, done map[chainhash.Hash]bool,
    local map[wire.OutPoint]mempoolOutput, behind **bool) (*MempoolTx, bool, error) {

    tx := &MempoolTx{Txid: p.txid, FirstSeen: time.Now()}
    deltas := make(map[storage.AddrHash]int64)
    var order []storage.AddrHash
    addDelta := func(addr storage.AddrHash, v int64) {
        if _, ok := deltas[addr]; !ok {
            order = append(order, addr)
        }
        deltas[addr] += v
    }

    var inValue, outValue int64
    valued := true

    for _, txIn := range p.msg.TxIn {
        if IsCoinbaseInput(txIn) {
            continue
        }
        op := txIn.PreviousOutPoint

        if _, ok := pending[op.Hash]; ok && !done[op.Hash] {
            return nil, true, nil
        }

        out, found := local[op]
        if found {
            tx.UnconfirmedParent = true
        } else {
            m.mu.RLock()
            out, found = m.outputs[op]
            _, tracked := m.txs[op.Hash]
            m.mu.RUnlock()

            // The parent is unconfirmed but its fetch failed this tick.
            _, inMempool := current[op.Hash]
            if inMempool && !done[op.Hash] && !tracked {
                return nil, true, nil
            }
            if found || tracked || done[op.Hash] {
                tx.UnconfirmedParent = true
            }
        }

        if !found {
            addr, v, ok, err := m.store.Output(op)
            if err != nil {
                return nil, false, err
            }
            if ok {
                out = mempoolOutput{addr: addr, value: int64(v.Amount)}
                found = true
            }
        }

        if !found {
            isBehind, err := m.indexBehind(behind)
            if err != nil {
                return nil, false, err
            }
            if isBehind {
                return nil, false, nil
            }
            // An output the index never stored, such as a zero-value one.
            valued = false
            continue
        }

        inValue += out.value
        addDelta(out.addr, -out.value)
    }

    for vout, txOut := range p.msg.TxOut {
        outValue += txOut.Value
        addr, ok := ScriptAddr(txOut.PkScript, txOut.Value)
        if !ok {
            continue
        }
        tx.outputs = append(tx.outputs, trackedOutput{
            op:  wire.OutPoint{Hash: p.txid, Index: uint32(vout)},
            out: mempoolOutput{addr: addr, value: txOut.Value},
        })
        addDelta(addr, txOut.Value)
    }

    if valued && inValue >= outValue {
        tx.Fee = inValue - outValue
    }
    for _, addr := range order {
        tx.Deltas = append(tx.Deltas, AddrDelta{Addr: addr, Value: deltas[addr]})
    }
    return tx, false, nil
}

// indexBehind asks the daemon once per tick whether blocks are still being
// indexed.
func (m *MempoolTracker) indexBehind(cached **bool) (bool, error) {
    if *cached != nil {
        return **cached, nil
    }
    count, err := m.daemon.GetBlockCount()
    if err != nil {
        return false, daemonError("getblockcount", err)
    }
    height, _ := m.store.Tip()
    behind := int64(height) < count
    *cached = &behind
    return behind, nil
}

// commit applies one reconciliation under the mempool lock.
func (m *MempoolTracker) commit(removed []chainhash.Hash, added []*MempoolTx) []storage.AddrHash {
    m.mu.Lock()
    defer m.mu.Unlock()

    var touched []storage.AddrHash
    for _, txid := range removed {
        touched = append(touched, m.removeLocked(txid)...)
    }
    for _, tx := range added {
        touched = append(touched, m.addLocked(tx)...)
    }
    return mergeAddrs(nil, touched)
}

func (m *MempoolTracker) addLocked(tx *MempoolTx) []storage.AddrHash {
    if _, ok := m.txs[tx.Txid]; ok {
        return nil
    }
    m.txs[tx.Txid] = tx

    touched := make([]storage.AddrHash, 0, len(tx.Deltas))
    for _, d := range tx.Deltas {
        set, ok := m.byAddr[d.Addr]
        if !ok {
            set = make(map[chainhash.Hash]struct{})
            m.byAddr[d.Addr] = set
        }
        set[tx.Txid] = struct{}{}
        touched = append(touched, d.Addr)
    }
    for _, o := range tx.outputs {
        m.outputs[o.op] = o.out
    }
    return touched
}

func (m *MempoolTracker) removeLocked(txid chainhash.Hash) []storage.AddrHash {
    tx, ok := m.txs[txid]
    if !ok {
        return nil
    }
    delete(m.txs, txid)

    touched := make([]storage.AddrHash, 0, len(tx.Deltas))
    for _, d := range tx.Deltas {
        if set, ok := m.byAddr[d.Addr]; ok {
            delete(set, txid)
            if len(set) == 0 {
                delete(m.byAddr, d.Addr)
            }
        }
        touched = append(touched, d.Addr)
    }
    for _, o := range tx.outputs {
        delete(m.outputs, o.op)
    }
    return touched
}

// RemoveConfirmed drops transactions included in a block and returns the
// addresses they touched.
func (m *MempoolTracker) RemoveConfirmed(txids []chainhash.Hash) []storage.AddrHash {
    m.mu.Lock()
    defer m.mu.Unlock()

    var touched []storage.AddrHash
    for _, txid := range txids {
        touched = append(touched, m.removeLocked(txid)...)
    }
    return mergeAddrs(nil, touched)
}

// Balance is the sum of all unconfirmed deltas of addr.
func (m *MempoolTracker) Balance(addr storage.AddrHash) int64 {
    m.mu.RLock()
    defer m.mu.RUnlock()

    var total int64
    for txid := range m.byAddr[addr] {
        total += m.txs[txid].delta(addr)
    }
    return total
}

// Txs returns the mempool transactions touching addr ordered by txid.
func (m *MempoolTracker) Txs(addr storage.AddrHash) []MempoolEntry {
    m.mu.RLock()
    defer m.mu.RUnlock()

    set := m.byAddr[addr]
    out := make([]MempoolEntry, 0, len(set))
    for txid := range set {
        tx := m.txs[txid]
        out = append(out, MempoolEntry{
            Txid:              txid,
            Delta:             tx.delta(addr),
            Fee:               tx.Fee,
            UnconfirmedParent: tx.UnconfirmedParent,
        })
    }
    sort.Slice(out, func(i, j int) bool {
        return bytes.Compare(out[i].Txid[:], out[j].Txid[:]) < 0
    })
    return out
}

// Has reports whether txid is tracked.
func (m *MempoolTracker) Has(txid chainhash.Hash) bool {
    m.mu.RLock()
    defer m.mu.RUnlock()
    _, ok := m.txs[txid]
    return ok
}

// Count returns the number of tracked transactions.
func (m *MempoolTracker) Count() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return len(m.txs)
}

// MempoolStats counts reconciliation outcomes.
type MempoolStats struct {
    Txs       int
    Ticks     int64
    Postponed int64
    Skipped   int64
}

func (m *MempoolTracker) Stats() MempoolStats {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return MempoolStats{
        Txs:       len(m.txs),
        Ticks:     m.ticks.Load(),
        Postponed: m.postponed.Load(),
        Skipped:   m.skipped.Load(),
    }
}

func (tx *MempoolTx) delta(addr storage.AddrHash) int64 {
    for _, d := range tx.Deltas {
        if d.Addr == addr {
            return d.Value
        }
    }
    return 0
}
