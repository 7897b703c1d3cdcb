package indexer

import (
    "context"
    "testing"
    "time"

    "github.com/btcsuite/btcd/wire"
    "github.com/lightningnetwork/lnd/ticker"
    "github.com/stretchr/testify/require"

    "github.com/ripsline/electrum-trie/internal/storage"
)

type testWorker struct {
    *Worker
    blocks  *ticker.Force
    mempool *ticker.Force
    wake    chan struct{}
    errCh   chan error
    cancel  context.CancelFunc
}

func startWorker(t *testing.T, syncer *Synchronizer, mempool *MempoolTracker) *testWorker {
    t.Helper()

    tw := &testWorker{
        blocks:  ticker.NewForce(time.Hour),
        mempool: ticker.NewForce(time.Hour),
        wake:    make(chan struct{}, 1),
        errCh:   make(chan error, 1),
    }
    tw.Worker = NewWorker(WorkerConfig{
        BlockTicker:   tw.blocks,
        MempoolTicker: tw.mempool,
        StatsTicker:   ticker.NewForce(time.Hour),
        BlockWake:     tw.wake,
    }, syncer, mempool)

    ctx, cancel := context.WithCancel(context.Background())
    tw.cancel = cancel
    go func() {
        tw.errCh <- tw.Run(ctx)
    }()
    t.Cleanup(cancel)
    return tw
}

func waitHeight(t *testing.T, store *storage.Store, height int32) {
    t.Helper()
    require.Eventually(t, func() bool {
        h, _ := store.Tip()
        return h == height
    }, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerFollowsChain(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 2)

    store := newTestStore(t, 144)
    mempool := NewMempoolTracker(store, d)
    syncer := NewSynchronizer(store, d, mempool)
    rec := &recorder{store: store}
    syncer.Subscribe(rec)

    w := startWorker(t, syncer, mempool)
    waitHeight(t, store, 1)

    fund := d.Mine(0, []*wire.TxOut{payTo(aliceScript, 4_000)})
    w.blocks.Force <- time.Now()
    waitHeight(t, store, 2)

    d.AddMempool(spendTx([]wire.OutPoint{outPoint(fund.Transactions[0], 0)},
        payTo(bobScript, 3_900)))
    w.mempool.Force <- time.Now()
    require.Eventually(t, func() bool {
        return mempool.Count() == 1 && rec.mempoolEvents() == 1
    }, 5*time.Second, 10*time.Millisecond)

    // A ZMQ wake runs both steps.
    d.Mine(0, []*wire.TxOut{payTo(minerScript, 10)})
    notify(w.wake)
    waitHeight(t, store, 3)

    w.cancel()
    require.NoError(t, <-w.errCh)

    stats := w.Stats()
    require.EqualValues(t, 3, stats.Height)
    require.EqualValues(t, 4, stats.BlocksApplied)
    require.Zero(t, stats.Errors)
    require.Contains(t, stats.String(), "4 blocks applied")
}

func TestWorkerSurvivesDaemonOutage(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 1)

    store := newTestStore(t, 144)
    syncer := NewSynchronizer(store, d, nil)

    w := startWorker(t, syncer, nil)
    waitHeight(t, store, 0)

    d.SetFail(errConnRefused)
    w.blocks.Force <- time.Now()
    require.Eventually(t, func() bool {
        return w.Stats().Errors == 1
    }, 5*time.Second, 10*time.Millisecond)
    require.Contains(t, w.Stats().LastError, "connection refused")

    d.SetFail(nil)
    mineEmpty(d, 1)
    w.blocks.Force <- time.Now()
    waitHeight(t, store, 1)

    w.cancel()
    require.NoError(t, <-w.errCh)
}

func TestWorkerStopsOnFatalError(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 5)

    store := newTestStore(t, 2)
    syncer := NewSynchronizer(store, d, nil)

    w := startWorker(t, syncer, nil)
    waitHeight(t, store, 4)

    d.Truncate(1)
    for i := 0; i < 6; i++ {
        d.Mine(3, []*wire.TxOut{payTo(carolScript, 100)})
    }
    w.blocks.Force <- time.Now()

    select {
    case err := <-w.errCh:
        require.True(t, storage.IsFatal(err))
    case <-time.After(5 * time.Second):
        t.Fatal("worker did not stop")
    }
}
