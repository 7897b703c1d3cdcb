package indexer

import (
    "sync"
    "testing"

    "github.com/stretchr/testify/require"

    "github.com/ripsline/electrum-trie/internal/chaintest"
    "github.com/ripsline/electrum-trie/internal/storage"
)

type fakeDaemon = chaintest.Daemon

var (
    newFakeDaemon  = chaintest.NewDaemon
    newTestStore   = chaintest.NewStore
    errConnRefused = chaintest.ErrConnRefused

    p2pkhScript = chaintest.P2PKHScript
    payTo       = chaintest.PayTo
    spendTx     = chaintest.SpendTx
    outPoint    = chaintest.OutPoint
)

func scriptAddr(t *testing.T, script []byte) storage.AddrHash {
    addr, ok := ScriptAddr(script, 1)
    require.True(t, ok)
    return addr
}

// recorder is a Listener remembering every event.
type recorder struct {
    mu      sync.Mutex
    store   *storage.Store
    events  []ChainEvent
    headers []int32
    mempool [][]storage.AddrHash
}

func (r *recorder) ChainChanged(ev *ChainEvent) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.events = append(r.events, *ev)
    r.headers = append(r.headers, r.store.HeaderCount())
}

func (r *recorder) MempoolChanged(touched []storage.AddrHash) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.mempool = append(r.mempool, touched)
}

func (r *recorder) mempoolEvents() int {
    r.mu.Lock()
    defer r.mu.Unlock()
    return len(r.mempool)
}
