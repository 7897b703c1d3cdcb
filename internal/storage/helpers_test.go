package storage

import (
    "encoding/binary"
    "math/rand"
    "path/filepath"
    "testing"
    "time"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/wire"
    "github.com/cockroachdb/pebble/vfs"
    "github.com/stretchr/testify/require"
)

func newPebbleKV(t *testing.T) KV {
    t.Helper()

    kv, err := OpenPebble("db", vfs.NewMem())
    require.NoError(t, err)
    t.Cleanup(func() { kv.Close() })
    return kv
}

func newBadgerKV(t *testing.T) KV {
    t.Helper()

    kv, err := OpenBadger("", true)
    require.NoError(t, err)
    t.Cleanup(func() { kv.Close() })
    return kv
}

func newTestStore(t *testing.T, kv KV, cfg Config) *Store {
    t.Helper()

    headers, err := OpenHeaderFile(filepath.Join(t.TempDir(), "headers"))
    require.NoError(t, err)
    t.Cleanup(func() { headers.Close() })

    s, err := New(kv, headers, cfg)
    require.NoError(t, err)
    return s
}

func testAddr(b ...byte) AddrHash {
    var a AddrHash
    copy(a[:], b)
    return a
}

func testTxid(n uint32) chainhash.Hash {
    var buf [4]byte
    binary.BigEndian.PutUint32(buf[:], n)
    return chainhash.DoubleHashH(buf[:])
}

func testHeader(prev chainhash.Hash, nonce uint32) *wire.BlockHeader {
    return &wire.BlockHeader{
        Version:   1,
        PrevBlock: prev,
        Timestamp: time.Unix(1231006505+int64(nonce)*600, 0),
        Bits:      0x1d00ffff,
        Nonce:     nonce,
    }
}

// randomLeaves returns leaves spread over a few addresses, some of which
// share leading bytes and txids so splits happen deep in the key.
func randomLeaves(seed int64, n int) ([]LeafKey, []LeafValue) {
    rng := rand.New(rand.NewSource(seed))
    addrs := []AddrHash{
        testAddr(0xaa, 0x01),
        testAddr(0xaa, 0x02),
        testAddr(0xaa, 0x02, 0x03),
        testAddr(0x10),
        testAddr(0xff, 0xff, 0xff),
    }

    keys := make([]LeafKey, 0, n)
    vals := make([]LeafValue, 0, n)
    seen := make(map[LeafKey]bool)
    for len(keys) < n {
        addr := addrs[rng.Intn(len(addrs))]
        op := wire.OutPoint{
            Hash:  testTxid(uint32(rng.Intn(n))),
            Index: uint32(rng.Intn(3)),
        }
        key := MakeLeafKey(addr, op)
        if seen[key] {
            continue
        }
        seen[key] = true
        keys = append(keys, key)
        vals = append(vals, LeafValue{
            Amount: uint64(rng.Intn(1_000_000) + 1),
            Height: uint32(rng.Intn(1000)),
        })
    }
    return keys, vals
}

// dump copies every key in the store.
func dump(t *testing.T, r Reader, prefix []byte) map[string]string {
    t.Helper()

    out := make(map[string]string)
    err := r.ForEach(prefix, func(k, v []byte) error {
        out[string(k)] = string(v)
        return nil
    })
    require.NoError(t, err)
    return out
}
