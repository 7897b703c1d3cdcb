// worker.go runs the one goroutine allowed to write the index.
//
// All store mutations (block apply, block revert, header backfill) happen on
// the worker's goroutine, so there is never more than one writer. Queries run
// concurrently on the server's goroutines and see committed state only.
//
// Two timers drive the loop: the block tick runs chain catch-up and the
// mempool tick runs mempool reconciliation. ZMQ notifications, when enabled,
// wake the matching step early. A step always runs to completion before the
// loop looks at the context again, so shutdown never interrupts a block.

package indexer

import (
    "context"
    "errors"
    "fmt"
    "sync/atomic"
    "time"

    "github.com/lightningnetwork/lnd/ticker"

    "github.com/ripsline/electrum-trie/internal/storage"
)

// WorkerConfig configures the sync worker.
type WorkerConfig struct {
    PollInterval    time.Duration
    MempoolInterval time.Duration
    StatsInterval   time.Duration

    // Tickers override the intervals above, mostly for tests.
    BlockTicker   ticker.Ticker
    MempoolTicker ticker.Ticker
    StatsTicker   ticker.Ticker

    // BlockWake and TxWake are optional early wake-ups.
    BlockWake <-chan struct{}
    TxWake    <-chan struct{}
}

// Worker schedules the synchronizer and mempool tracker.
type Worker struct {
    cfg     WorkerConfig
    syncer  *Synchronizer
    mempool *MempoolTracker

    ticks     atomic.Int64
    errors    atomic.Int64
    lastError atomic.Pointer[string]
}

// NewWorker creates a worker. mempool may be nil to disable mempool
// tracking.
func NewWorker(cfg WorkerConfig, syncer *Synchronizer, mempool *MempoolTracker) *Worker {
    if cfg.BlockTicker == nil {
        cfg.BlockTicker = ticker.New(cfg.PollInterval)
    }
    if cfg.MempoolTicker == nil {
        cfg.MempoolTicker = ticker.New(cfg.MempoolInterval)
    }
    if cfg.StatsTicker == nil {
        interval := cfg.StatsInterval
        if interval <= 0 {
            interval = 5 * time.Minute
        }
        cfg.StatsTicker = ticker.New(interval)
    }

    return &Worker{
        cfg:     cfg,
        syncer:  syncer,
        mempool: mempool,
    }
}

// Run drives the index until ctx is done or a fatal error occurs. Only
// errors that leave the store untrustworthy are returned; everything else is
// logged and retried on the next tick.
func (w *Worker) Run(ctx context.Context) error {
    stop := context.AfterFunc(ctx, w.syncer.Stop)
    defer stop()

    w.cfg.BlockTicker.Resume()
    defer w.cfg.BlockTicker.Stop()
    w.cfg.MempoolTicker.Resume()
    defer w.cfg.MempoolTicker.Stop()
    w.cfg.StatsTicker.Resume()
    defer w.cfg.StatsTicker.Stop()

    log.Infof("✅ Sync worker started")

    if err := w.handle(w.syncer.Backfill()); err != nil {
        return err
    }
    if err := w.syncBlocks(); err != nil {
        return err
    }
    if err := w.syncMempool(ctx); err != nil {
        return err
    }

    for {
        select {
        case <-ctx.Done():
            log.Infof("📝 Sync worker shutting down (%s)", w.Stats())
            return nil

        case <-w.cfg.BlockTicker.Ticks():
            if err := w.syncBlocks(); err != nil {
                return err
            }

        case <-w.cfg.BlockWake:
            if err := w.syncBlocks(); err != nil {
                return err
            }
            if err := w.syncMempool(ctx); err != nil {
                return err
            }

        case <-w.cfg.MempoolTicker.Ticks():
            if err := w.syncMempool(ctx); err != nil {
                return err
            }

        case <-w.cfg.TxWake:
            if err := w.syncMempool(ctx); err != nil {
                return err
            }

        case <-w.cfg.StatsTicker.Ticks():
            log.Infof("📊 %s", w.Stats())
        }
    }
}

func (w *Worker) syncBlocks() error {
    w.ticks.Add(1)

    if w.syncer.store.MissingHeaders() > 0 {
        if err := w.handle(w.syncer.Backfill()); err != nil {
            return err
        }
    }

    _, err := w.syncer.CatchUp()
    return w.handle(err)
}

func (w *Worker) syncMempool(ctx context.Context) error {
    if w.mempool == nil || ctx.Err() != nil {
        return nil
    }

    touched, err := w.mempool.Update()
    if err != nil {
        return w.handle(err)
    }
    if len(touched) > 0 {
        w.syncer.notifyMempool(touched)
    }
    return nil
}

// handle classifies a step error. It returns err only when it is fatal.
func (w *Worker) handle(err error) error {
    if err == nil {
        return nil
    }

    if storage.IsFatal(err) {
        log.Criticalf("❌ Index is inconsistent, stopping: %v", err)
        return err
    }

    w.errors.Add(1)
    msg := err.Error()
    w.lastError.Store(&msg)

    var dataErr *DaemonDataError
    var transient *TransientError
    switch {
    case errors.As(err, &dataErr):
        log.Errorf("❌ Daemon rejected %s, sync halted until next tick: %v",
            dataErr.Op, dataErr.Err)
    case errors.As(err, &transient):
        log.Warnf("⚠️  Daemon unavailable (%s), retrying next tick: %v",
            transient.Op, transient.Err)
    default:
        log.Errorf("❌ Sync step failed, retrying next tick: %v", err)
    }
    return nil
}

// Stats returns current worker statistics.
func (w *Worker) Stats() WorkerStats {
    height, _ := w.syncer.store.Tip()
    ss := w.syncer.Stats()

    stats := WorkerStats{
        Height:         height,
        BlocksApplied:  ss.BlocksApplied,
        BlocksReverted: ss.BlocksReverted,
        LastBlockTime:  ss.LastBlockTime,
        Ticks:          w.ticks.Load(),
        Errors:         w.errors.Load(),
    }
    if w.mempool != nil {
        stats.MempoolTxs = w.mempool.Count()
    }
    if msg := w.lastError.Load(); msg != nil {
        stats.LastError = *msg
    }
    return stats
}

// WorkerStats contains worker statistics.
type WorkerStats struct {
    Height         int32
    BlocksApplied  int64
    BlocksReverted int64
    MempoolTxs     int
    LastBlockTime  time.Time
    Ticks          int64
    Errors         int64
    LastError      string
}

// String returns a human-readable representation of worker stats.
func (s WorkerStats) String() string {
    timeSinceBlock := "never"
    if !s.LastBlockTime.IsZero() {
        timeSinceBlock = time.Since(s.LastBlockTime).Round(time.Second).
            String()
    }

    return fmt.Sprintf("Worker: height %d, %d blocks applied, %d reverted, "+
        "%d mempool txs, last block %s ago, errors: %d",
        s.Height, s.BlocksApplied, s.BlocksReverted, s.MempoolTxs,
        timeSinceBlock, s.Errors)
}
