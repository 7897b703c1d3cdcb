package electrum

import (
    "encoding/json"
    "sync"
    "testing"

    "github.com/btcsuite/btcd/btcutil"
    "github.com/btcsuite/btcd/chaincfg"
    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/wire"
    "github.com/stretchr/testify/require"

    "github.com/ripsline/electrum-trie/internal/chaintest"
    "github.com/ripsline/electrum-trie/internal/indexer"
    "github.com/ripsline/electrum-trie/internal/storage"
)

var (
    netParams = &chaincfg.RegressionNetParams

    minerScript = chaintest.P2PKHScript(0x01)
    aliceScript = chaintest.P2PKHScript(0x0a)
    bobScript   = chaintest.P2PKHScript(0x0b)
)

type testEnv struct {
    d       *chaintest.Daemon
    store   *storage.Store
    mempool *indexer.MempoolTracker
    syncer  *indexer.Synchronizer
    idx     *Index
}

func newEnv(t *testing.T) *testEnv {
    return newEnvWithConfig(t, IndexConfig{
        HistoryCacheSize: 1000,
        ChunkCacheSize:   4,
    })
}

func newEnvWithConfig(t *testing.T, cfg IndexConfig) *testEnv {
    t.Helper()

    d := chaintest.NewDaemon()
    store := chaintest.NewStore(t, 144)
    mempool := indexer.NewMempoolTracker(store, d)
    syncer := indexer.NewSynchronizer(store, d, mempool)

    cfg.Store = store
    cfg.Mempool = mempool
    cfg.Daemon = d
    cfg.Params = netParams
    idx := NewIndex(cfg)
    syncer.Subscribe(idx)

    return &testEnv{d: d, store: store, mempool: mempool, syncer: syncer, idx: idx}
}

func (e *testEnv) mineEmpty(n int) {
    for i := 0; i < n; i++ {
        e.d.Mine(0, []*wire.TxOut{chaintest.PayTo(minerScript, 5_000_000_000)})
    }
}

func (e *testEnv) sync(t *testing.T) {
    t.Helper()
    _, err := e.syncer.CatchUp()
    require.NoError(t, err)
}

// syncMempool reconciles the mempool and forwards the change to the index
// like the sync worker does.
func (e *testEnv) syncMempool(t *testing.T) {
    t.Helper()
    touched, err := e.mempool.Update()
    require.NoError(t, err)
    if len(touched) > 0 {
        e.idx.MempoolChanged(touched)
    }
}

func scriptAddr(t *testing.T, script []byte) storage.AddrHash {
    addr, ok := indexer.ScriptAddr(script, 1)
    require.True(t, ok)
    return addr
}

// addressOf encodes the P2PKH address of a chaintest script id.
func addressOf(t *testing.T, id byte) string {
    hash := make([]byte, 20)
    for i := range hash {
        hash[i] = id
    }
    addr, err := btcutil.NewAddressPubKeyHash(hash, netParams)
    require.NoError(t, err)
    return addr.EncodeAddress()
}

// recordingSubscriber keeps every pushed notification.
type recordingSubscriber struct {
    mu    sync.Mutex
    notes []pushed
}

type pushed struct {
    Method string            `json:"method"`
    Params []json.RawMessage `json:"params"`
}

func (s *recordingSubscriber) TrySend(data []byte) bool {
    var p pushed
    if err := json.Unmarshal(data, &p); err != nil {
        return false
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    s.notes = append(s.notes, p)
    return true
}

func (s *recordingSubscriber) byMethod(method string) []pushed {
    s.mu.Lock()
    defer s.mu.Unlock()

    var out []pushed
    for _, n := range s.notes {
        if n.Method == method {
            out = append(out, n)
        }
    }
    return out
}

func mustHash(t *testing.T, s string) chainhash.Hash {
    h, err := chainhash.NewHashFromStr(s)
    require.NoError(t, err)
    return *h
}
