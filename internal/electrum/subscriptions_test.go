package electrum

import (
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/btcsuite/btcd/wire"
    "github.com/stretchr/testify/require"

    "github.com/ripsline/electrum-trie/internal/chaintest"
)

func runNotifier(t *testing.T, idx *Index) {
    ctx, cancel := context.WithCancel(context.Background())
    done := make(chan error, 1)
    go func() {
        done <- idx.Run(ctx)
    }()
    t.Cleanup(func() {
        cancel()
        require.NoError(t, <-done)
    })
}

func TestNotifierPushesChanges(t *testing.T) {
    e := newEnv(t)
    runNotifier(t, e.idx)

    sub := &recordingSubscriber{}
    name := addressOf(t, 0x0a)
    alice := Address{Hash: scriptAddr(t, aliceScript), Name: name}

    status, qerr := e.idx.Dispatch(sub, AddressSubscribe{alice})
    require.Nil(t, qerr)
    require.Nil(t, status)
    // Nothing is indexed yet, but the subscription still holds.
    _, qerr = e.idx.Dispatch(sub, HeadersSubscribe{})
    require.NotNil(t, qerr)
    height, qerr := e.idx.Dispatch(sub, NumblocksSubscribe{})
    require.Nil(t, qerr)
    require.EqualValues(t, -1, height)

    e.d.Mine(0, []*wire.TxOut{chaintest.PayTo(aliceScript, 25_000)})
    e.sync(t)

    require.Eventually(t, func() bool {
        return len(sub.byMethod("blockchain.address.subscribe")) == 1 &&
            len(sub.byMethod("blockchain.headers.subscribe")) == 1 &&
            len(sub.byMethod("blockchain.numblocks.subscribe")) == 1
    }, 5*time.Second, 10*time.Millisecond)

    note := sub.byMethod("blockchain.address.subscribe")[0]
    require.Len(t, note.Params, 2)
    var gotName, gotStatus string
    require.NoError(t, json.Unmarshal(note.Params[0], &gotName))
    require.NoError(t, json.Unmarshal(note.Params[1], &gotStatus))
    require.Equal(t, name, gotName)

    want, qerr := e.idx.Status(alice.Hash)
    require.Nil(t, qerr)
    require.Equal(t, *want, gotStatus)

    var tip HeaderResult
    require.NoError(t, json.Unmarshal(sub.byMethod("blockchain.headers.subscribe")[0].Params[0], &tip))
    require.Zero(t, tip.Height)

    var pushedHeight int32
    require.NoError(t, json.Unmarshal(sub.byMethod("blockchain.numblocks.subscribe")[0].Params[0], &pushedHeight))
    require.Zero(t, pushedHeight)

    // Unwatched addresses are not pushed.
    e.d.Mine(0, []*wire.TxOut{chaintest.PayTo(bobScript, 1_000)})
    e.sync(t)
    require.Eventually(t, func() bool {
        return len(sub.byMethod("blockchain.headers.subscribe")) == 2
    }, 5*time.Second, 10*time.Millisecond)
    require.Len(t, sub.byMethod("blockchain.address.subscribe"), 1)
}

func TestNotifierResyncsAfterOverflow(t *testing.T) {
    e := newEnvWithConfig(t, IndexConfig{NotifyQueueSize: 1})
    e.mineEmpty(1)

    sub := &recordingSubscriber{}
    alice := Address{Hash: scriptAddr(t, aliceScript), Name: addressOf(t, 0x0a)}
    _, qerr := e.idx.Dispatch(sub, AddressSubscribe{alice})
    require.Nil(t, qerr)

    // Three blocks with nobody draining the queue.
    for i := 0; i < 3; i++ {
        e.d.Mine(0, []*wire.TxOut{chaintest.PayTo(aliceScript, int64(100+i))})
    }
    e.sync(t)
    require.EqualValues(t, 3, e.idx.Stats().Dropped)

    runNotifier(t, e.idx)

    want, qerr := e.idx.Status(alice.Hash)
    require.Nil(t, qerr)

    // The queued event plus the resync both end on the latest status.
    require.Eventually(t, func() bool {
        notes := sub.byMethod("blockchain.address.subscribe")
        if len(notes) == 0 {
            return false
        }
        var status string
        if err := json.Unmarshal(notes[len(notes)-1].Params[1], &status); err != nil {
            return false
        }
        return status == *want
    }, 5*time.Second, 10*time.Millisecond)
}
