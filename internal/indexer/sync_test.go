package indexer

import (
    "errors"
    "os"
    "path/filepath"
    "testing"

    "github.com/btcsuite/btcd/wire"
    "github.com/cockroachdb/pebble/vfs"
    "github.com/stretchr/testify/require"

    "github.com/ripsline/electrum-trie/internal/storage"
)

var (
    minerScript = p2pkhScript(0x01)
    aliceScript = p2pkhScript(0x0a)
    bobScript   = p2pkhScript(0x0b)
    carolScript = p2pkhScript(0x0c)
)

func mineEmpty(d *fakeDaemon, n int) {
    for i := 0; i < n; i++ {
        d.Mine(0, []*wire.TxOut{payTo(minerScript, 5_000_000_000)})
    }
}

func rebuild(t *testing.T, d *fakeDaemon) storage.RootSummary {
    t.Helper()

    store := newTestStore(t, 144)
    _, err := NewSynchronizer(store, d, nil).CatchUp()
    require.NoError(t, err)
    return store.RootHash()
}

func TestCatchUpAppliesChain(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 3)
    fund := d.Mine(0, []*wire.TxOut{payTo(aliceScript, 40_000), payTo(bobScript, 2_000)})
    d.Mine(0, []*wire.TxOut{payTo(minerScript, 50)}, spendTx(
        []wire.OutPoint{outPoint(fund.Transactions[0], 0)},
        payTo(carolScript, 15_000), payTo(aliceScript, 24_000),
    ))

    store := newTestStore(t, 144)
    syncer := NewSynchronizer(store, d, nil)
    rec := &recorder{store: store}
    syncer.Subscribe(rec)

    applied, err := syncer.CatchUp()
    require.NoError(t, err)
    require.Equal(t, 5, applied)

    height, hash := store.Tip()
    require.EqualValues(t, 4, height)
    require.Equal(t, d.Tip(), hash)
    require.EqualValues(t, 5, store.HeaderCount())

    alice := scriptAddr(t, aliceScript)
    carol := scriptAddr(t, carolScript)

    bal, err := store.Balance(alice)
    require.NoError(t, err)
    require.EqualValues(t, 24_000, bal)

    bal, err = store.Balance(carol)
    require.NoError(t, err)
    require.EqualValues(t, 15_000, bal)

    history, err := store.History(alice)
    require.NoError(t, err)
    require.Len(t, history, 2)
    require.EqualValues(t, 3, history[0].Height)
    require.EqualValues(t, 4, history[1].Height)

    require.Len(t, rec.events, 5)
    last := rec.events[4]
    require.True(t, last.Connected)
    require.Contains(t, last.Touched, alice)
    require.Contains(t, last.Touched, carol)

    // Nothing left to do.
    applied, err = syncer.CatchUp()
    require.NoError(t, err)
    require.Zero(t, applied)
}

// TestReorgReplacesTip covers a single-block reorg at height 100.
func TestReorgReplacesTip(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 100)
    d.Mine(0, []*wire.TxOut{payTo(aliceScript, 50_000)})

    store := newTestStore(t, 144)
    syncer := NewSynchronizer(store, d, nil)
    rec := &recorder{store: store}
    syncer.Subscribe(rec)

    _, err := syncer.CatchUp()
    require.NoError(t, err)

    alice := scriptAddr(t, aliceScript)
    bob := scriptAddr(t, bobScript)

    bal, err := store.Balance(alice)
    require.NoError(t, err)
    require.EqualValues(t, 50_000, bal)

    // Block 100' pays bob instead.
    d.Truncate(100)
    d.Mine(1, []*wire.TxOut{payTo(bobScript, 20_000)})
    rec.events, rec.headers = nil, nil

    applied, err := syncer.CatchUp()
    require.NoError(t, err)
    require.Equal(t, 1, applied)

    require.Len(t, rec.events, 2)
    reverted := rec.events[0]
    require.False(t, reverted.Connected)
    require.EqualValues(t, 99, reverted.Height)
    require.EqualValues(t, 100, rec.headers[0])
    require.Contains(t, reverted.Touched, alice)
    require.NotNil(t, reverted.Header)

    connected := rec.events[1]
    require.True(t, connected.Connected)
    require.EqualValues(t, 100, connected.Height)

    height, hash := store.Tip()
    require.EqualValues(t, 100, height)
    require.Equal(t, d.Tip(), hash)
    require.EqualValues(t, 101, store.HeaderCount())

    bal, err = store.Balance(alice)
    require.NoError(t, err)
    require.Zero(t, bal)

    bal, err = store.Balance(bob)
    require.NoError(t, err)
    require.EqualValues(t, 20_000, bal)

    require.Equal(t, rebuild(t, d), store.RootHash())
    require.EqualValues(t, 1, syncer.Stats().BlocksReverted)
}

func TestDeepReorgUnwindsToForkPoint(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 5)
    fund := d.Mine(0, []*wire.TxOut{payTo(aliceScript, 9_000)})
    d.Mine(0, nil, spendTx([]wire.OutPoint{outPoint(fund.Transactions[0], 0)},
        payTo(bobScript, 8_000)))
    mineEmpty(d, 2)

    store := newTestStore(t, 144)
    syncer := NewSynchronizer(store, d, nil)
    _, err := syncer.CatchUp()
    require.NoError(t, err)

    // Fork below the funding block; the replacement chain is longer.
    d.Truncate(5)
    for i := 0; i < 5; i++ {
        d.Mine(7, []*wire.TxOut{payTo(carolScript, int64(1_000+i))})
    }

    _, err = syncer.CatchUp()
    require.NoError(t, err)

    height, hash := store.Tip()
    require.EqualValues(t, 9, height)
    require.Equal(t, d.Tip(), hash)
    require.EqualValues(t, 4, syncer.Stats().BlocksReverted)

    for _, script := range [][]byte{aliceScript, bobScript} {
        bal, err := store.Balance(scriptAddr(t, script))
        require.NoError(t, err)
        require.Zero(t, bal)
    }

    history, err := store.History(scriptAddr(t, bobScript))
    require.NoError(t, err)
    require.Empty(t, history)

    require.Equal(t, rebuild(t, d), store.RootHash())
}

func TestReorgBeyondUndoWindowIsFatal(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 6)

    store := newTestStore(t, 2)
    syncer := NewSynchronizer(store, d, nil)
    _, err := syncer.CatchUp()
    require.NoError(t, err)

    d.Truncate(2)
    for i := 0; i < 6; i++ {
        d.Mine(9, []*wire.TxOut{payTo(carolScript, 700)})
    }

    _, err = syncer.CatchUp()
    require.Error(t, err)
    require.True(t, storage.IsFatal(err))

    var missing *storage.MissingUndoInfoError
    require.True(t, errors.As(err, &missing))

    // Two blocks were inside the window; the third revert left the
    // store untouched.
    height, _ := store.Tip()
    require.EqualValues(t, 3, height)
    require.EqualValues(t, 4, store.HeaderCount())
    _, err = store.Verify()
    require.NoError(t, err)
}

func TestDaemonErrorsAreClassified(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 2)

    store := newTestStore(t, 144)
    syncer := NewSynchronizer(store, d, nil)

    d.SetFail(errConnRefused)
    _, err := syncer.CatchUp()
    var transient *TransientError
    require.True(t, errors.As(err, &transient))
    require.Equal(t, "getbestblockhash", transient.Op)
    require.False(t, storage.IsFatal(err))

    height, _ := store.Tip()
    require.EqualValues(t, -1, height)

    d.SetFail(nil)
    applied, err := syncer.CatchUp()
    require.NoError(t, err)
    require.Equal(t, 2, applied)
}

func TestBackfillRestoresHeaders(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 4)

    fs := vfs.NewMem()
    headersPath := filepath.Join(t.TempDir(), "headers.dat")
    open := func() *storage.Store {
        kv, err := storage.OpenPebble("db", fs)
        require.NoError(t, err)
        headers, err := storage.OpenHeaderFile(headersPath)
        require.NoError(t, err)
        store, err := storage.New(kv, headers, storage.Config{UndoWindow: 144})
        require.NoError(t, err)
        return store
    }

    store := open()
    _, err := NewSynchronizer(store, d, nil).CatchUp()
    require.NoError(t, err)
    require.NoError(t, store.Close())

    // Lose the header file.
    require.NoError(t, os.Remove(headersPath))

    store = open()
    defer store.Close()
    require.EqualValues(t, 4, store.MissingHeaders())

    syncer := NewSynchronizer(store, d, nil)
    require.NoError(t, syncer.Backfill())
    require.Zero(t, store.MissingHeaders())
    require.EqualValues(t, 4, store.HeaderCount())

    for h := int32(0); h < 4; h++ {
        header, err := store.ReadHeader(h)
        require.NoError(t, err)
        require.Equal(t, d.BlockAt(h).BlockHash(), header.BlockHash())
    }

    // A second run has nothing to do.
    require.NoError(t, syncer.Backfill())
    applied, err := syncer.CatchUp()
    require.NoError(t, err)
    require.Zero(t, applied)
}

func TestStopHaltsBetweenBlocks(t *testing.T) {
    d := newFakeDaemon()
    mineEmpty(d, 3)

    store := newTestStore(t, 144)
    syncer := NewSynchronizer(store, d, nil)
    syncer.Stop()

    applied, err := syncer.CatchUp()
    require.NoError(t, err)
    require.Zero(t, applied)

    height, _ := store.Tip()
    require.EqualValues(t, -1, height)
}
