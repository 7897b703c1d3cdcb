package indexer

import (
    "sync"
    "testing"

    "github.com/btcsuite/btcd/btcutil"
    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/wire"
    "github.com/stretchr/testify/require"

    "github.com/ripsline/electrum-trie/internal/storage"
)

// TestMempoolConfirmedConsistency spends a confirmed output in the mempool
// and then confirms it.
func TestMempoolConfirmedConsistency(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 1)
    fund := d.Mine(0, []*wire.TxOut{payTo(aliceScript, 10_000)})

    store := newTestStore(t, 144)
    mempool := NewMempoolTracker(store, d)
    syncer := NewSynchronizer(store, d, mempool)
    rec := &recorder{store: store}
    syncer.Subscribe(rec)

    _, err := syncer.CatchUp()
    require.NoError(t, err)

    alice := scriptAddr(t, aliceScript)
    bob := scriptAddr(t, bobScript)

    pay := spendTx([]wire.OutPoint{outPoint(fund.Transactions[0], 0)},
        payTo(bobScript, 3_000))
    d.AddMempool(pay)

    touched, err := mempool.Update()
    require.NoError(t, err)
    require.ElementsMatch(t, touched, []storage.AddrHash{alice, bob})

    confirmed, err := store.Balance(alice)
    require.NoError(t, err)
    require.EqualValues(t, 10_000, confirmed)
    require.EqualValues(t, -10_000, mempool.Balance(alice))

    confirmed, err = store.Balance(bob)
    require.NoError(t, err)
    require.Zero(t, confirmed)
    require.EqualValues(t, 3_000, mempool.Balance(bob))

    entries := mempool.Txs(bob)
    require.Len(t, entries, 1)
    require.Equal(t, pay.TxHash(), entries[0].Txid)
    require.EqualValues(t, 3_000, entries[0].Delta)
    require.EqualValues(t, 7_000, entries[0].Fee)
    require.False(t, entries[0].UnconfirmedParent)

    // Unchanged mempool, nothing touched.
    touched, err = mempool.Update()
    require.NoError(t, err)
    require.Empty(t, touched)

    d.Mine(0, []*wire.TxOut{payTo(minerScript, 50)}, pay)
    _, err = syncer.CatchUp()
    require.NoError(t, err)

    confirmed, err = store.Balance(alice)
    require.NoError(t, err)
    require.Zero(t, confirmed)
    require.Zero(t, mempool.Balance(alice))

    confirmed, err = store.Balance(bob)
    require.NoError(t, err)
    require.EqualValues(t, 3_000, confirmed)
    require.Zero(t, mempool.Balance(bob))

    require.Zero(t, mempool.Count())
    last := rec.events[len(rec.events)-1]
    require.Contains(t, last.Touched, alice)
    require.Contains(t, last.Touched, bob)

    touched, err = mempool.Update()
    require.NoError(t, err)
    require.Empty(t, touched)
}

func TestMempoolChainedTransactions(t *testing.T) {
    d := newFakeDaemon()
    fund := d.Mine(0, []*wire.TxOut{payTo(aliceScript, 10_000)})

    store := newTestStore(t, 144)
    mempool := NewMempoolTracker(store, d)
    _, err := NewSynchronizer(store, d, mempool).CatchUp()
    require.NoError(t, err)

    parent := spendTx([]wire.OutPoint{outPoint(fund.Transactions[0], 0)},
        payTo(bobScript, 6_000), payTo(aliceScript, 3_500))
    child := spendTx([]wire.OutPoint{outPoint(parent, 0)},
        payTo(carolScript, 5_500))

    // Both arrive in the same tick.
    d.AddMempool(parent)
    d.AddMempool(child)

    _, err = mempool.Update()
    require.NoError(t, err)
    require.Equal(t, 2, mempool.Count())

    alice := scriptAddr(t, aliceScript)
    bob := scriptAddr(t, bobScript)
    carol := scriptAddr(t, carolScript)

    require.EqualValues(t, -6_500, mempool.Balance(alice))
    require.Zero(t, mempool.Balance(bob))
    require.EqualValues(t, 5_500, mempool.Balance(carol))

    bobTxs := mempool.Txs(bob)
    require.Len(t, bobTxs, 2)
    var sum int64
    for _, e := range bobTxs {
        sum += e.Delta
    }
    require.Zero(t, sum)

    carolTxs := mempool.Txs(carol)
    require.Len(t, carolTxs, 1)
    require.True(t, carolTxs[0].UnconfirmedParent)
    require.EqualValues(t, 500, carolTxs[0].Fee)

    // Dropping the parent from the daemon's mempool drops its deltas.
    d.RemoveMempool(parent.TxHash(), child.TxHash())

    touched, err := mempool.Update()
    require.NoError(t, err)
    require.ElementsMatch(t, touched, []storage.AddrHash{alice, bob, carol})
    require.Zero(t, mempool.Count())
    require.Zero(t, mempool.Balance(alice))
}

func TestMempoolPostponedWhileBehind(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 2)

    store := newTestStore(t, 144)
    mempool := NewMempoolTracker(store, d)
    syncer := NewSynchronizer(store, d, mempool)
    _, err := syncer.CatchUp()
    require.NoError(t, err)

    // The daemon has a block we have not indexed yet.
    fund := d.Mine(0, []*wire.TxOut{payTo(aliceScript, 8_000)})
    pay := spendTx([]wire.OutPoint{outPoint(fund.Transactions[0], 0)},
        payTo(bobScript, 7_000))
    d.AddMempool(pay)

    touched, err := mempool.Update()
    require.NoError(t, err)
    require.Empty(t, touched)
    require.Zero(t, mempool.Count())
    require.EqualValues(t, 1, mempool.Stats().Postponed)

    _, err = syncer.CatchUp()
    require.NoError(t, err)

    _, err = mempool.Update()
    require.NoError(t, err)
    require.True(t, mempool.Has(pay.TxHash()))
    require.EqualValues(t, -8_000, mempool.Balance(scriptAddr(t, aliceScript)))
}

func TestMempoolUnknownInputAtTip(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 1)

    store := newTestStore(t, 144)
    mempool := NewMempoolTracker(store, d)
    _, err := NewSynchronizer(store, d, mempool).CatchUp()
    require.NoError(t, err)

    // Spends an output nobody indexed, such as a zero-value one.
    var unknown wire.OutPoint
    unknown.Hash[0] = 0xee
    pay := spendTx([]wire.OutPoint{unknown}, payTo(bobScript, 1_000))
    d.AddMempool(pay)

    _, err = mempool.Update()
    require.NoError(t, err)
    require.True(t, mempool.Has(pay.TxHash()))

    entries := mempool.Txs(scriptAddr(t, bobScript))
    require.Len(t, entries, 1)
    require.Zero(t, entries[0].Fee)
}

func TestMempoolFetchFailureIsRetried(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 1)

    store := newTestStore(t, 144)
    mempool := NewMempoolTracker(store, d)

    d.SetFail(errConnRefused)
    _, err := mempool.Update()
    var transient *TransientError
    require.ErrorAs(t, err, &transient)

    d.SetFail(nil)
    _, err = mempool.Update()
    require.NoError(t, err)
}

// flakyTxDaemon fails getrawtransaction for selected txids.
type flakyTxDaemon struct {
    *fakeDaemon

    mu   sync.Mutex
    fail map[chainhash.Hash]bool
}

func (d *flakyTxDaemon) setFailing(txid chainhash.Hash, failing bool) {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.fail[txid] = failing
}

func (d *flakyTxDaemon) GetRawTransaction(txid *chainhash.Hash) (*btcutil.Tx, error) {
    d.mu.Lock()
    failing := d.fail[*txid]
    d.mu.Unlock()
    if failing {
        return nil, errConnRefused
    }
    return d.fakeDaemon.GetRawTransaction(txid)
}

func TestMempoolChildWaitsForUnfetchedParent(t *testing.T) {
    d := &flakyTxDaemon{fakeDaemon: newFakeDaemon(), fail: make(map[chainhash.Hash]bool)}
    fund := d.Mine(0, []*wire.TxOut{payTo(aliceScript, 10_000)})

    store := newTestStore(t, 144)
    mempool := NewMempoolTracker(store, d)
    _, err := NewSynchronizer(store, d, mempool).CatchUp()
    require.NoError(t, err)

    parent := spendTx([]wire.OutPoint{outPoint(fund.Transactions[0], 0)},
        payTo(bobScript, 6_000), payTo(aliceScript, 3_500))
    child := spendTx([]wire.OutPoint{outPoint(parent, 0)},
        payTo(carolScript, 5_500))
    d.AddMempool(parent)
    d.AddMempool(child)

    alice := scriptAddr(t, aliceScript)
    bob := scriptAddr(t, bobScript)
    carol := scriptAddr(t, carolScript)

    // The parent is listed but cannot be fetched, so neither is tracked.
    d.setFailing(parent.TxHash(), true)
    touched, err := mempool.Update()
    require.NoError(t, err)
    require.Empty(t, touched)
    require.Zero(t, mempool.Count())
    require.False(t, mempool.Has(child.TxHash()))
    require.EqualValues(t, 2, mempool.Stats().Skipped)

    d.setFailing(parent.TxHash(), false)
    touched, err = mempool.Update()
    require.NoError(t, err)
    require.ElementsMatch(t, touched, []storage.AddrHash{alice, bob, carol})
    require.Equal(t, 2, mempool.Count())

    require.EqualValues(t, -6_500, mempool.Balance(alice))
    require.Zero(t, mempool.Balance(bob))
    require.EqualValues(t, 5_500, mempool.Balance(carol))

    carolTxs := mempool.Txs(carol)
    require.Len(t, carolTxs, 1)
    require.True(t, carolTxs[0].UnconfirmedParent)
    require.EqualValues(t, 500, carolTxs[0].Fee)
}

// A child of an already tracked parent resolves from the tracked outputs.
func TestMempoolChildOfTrackedParent(t *testing.T) {
    d := newFakeDaemon()
    fund := d.Mine(0, []*wire.TxOut{payTo(aliceScript, 10_000)})

    store := newTestStore(t, 144)
    mempool := NewMempoolTracker(store, d)
    _, err := NewSynchronizer(store, d, mempool).CatchUp()
    require.NoError(t, err)

    parent := spendTx([]wire.OutPoint{outPoint(fund.Transactions[0], 0)},
        payTo(bobScript, 6_000))
    d.AddMempool(parent)
    _, err = mempool.Update()
    require.NoError(t, err)
    require.True(t, mempool.Has(parent.TxHash()))

    child := spendTx([]wire.OutPoint{outPoint(parent, 0)},
        payTo(carolScript, 5_000))
    d.AddMempool(child)
    _, err = mempool.Update()
    require.NoError(t, err)

    require.Zero(t, mempool.Balance(scriptAddr(t, bobScript)))
    require.EqualValues(t, 5_000, mempool.Balance(scriptAddr(t, carolScript)))
}
