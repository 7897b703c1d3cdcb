package storage

import (
    "fmt"
    "io"

    "github.com/cockroachdb/pebble"
    "github.com/cockroachdb/pebble/vfs"
)

// PebbleKV implements KV on Pebble. Write transactions are indexed batches.
type PebbleKV struct {
    db    *pebble.DB
    path  string
    cache *pebble.Cache
}

// OpenPebble opens a Pebble database. A nil fs uses the OS filesystem.
func OpenPebble(path string, fs vfs.FS) (*PebbleKV, error) {
    cache := pebble.NewCache(256 << 20)

    opts := &pebble.Options{
        Cache: cache,

        MemTableSize: 64 << 20,

        Levels: []pebble.LevelOptions{
            {Compression: pebble.SnappyCompression},
            {Compression: pebble.SnappyCompression},
            {Compression: pebble.ZstdCompression},
            {Compression: pebble.ZstdCompression},
            {Compression: pebble.ZstdCompression},
            {Compression: pebble.ZstdCompression},
            {Compression: pebble.ZstdCompression},
        },

        L0CompactionThreshold: 4,
        L0StopWritesThreshold: 12,

        FormatMajorVersion: pebble.FormatNewest,
    }
    if fs != nil {
        opts.FS = fs
    }

    db, err := pebble.Open(path, opts)
    if err != nil {
        cache.Unref()
        return nil, fmt.Errorf("failed to open pebble database at %s: %w",
            path, err)
    }

    return &PebbleKV{
        db:    db,
        path:  path,
        cache: cache,
    }, nil
}

func (p *PebbleKV) Get(key []byte) ([]byte, error) {
    return pebbleGet(p.db, key)
}

func (p *PebbleKV) ForEach(prefix []byte, fn func(key, value []byte) error) error {
    iter, err := p.db.NewIter(&pebble.IterOptions{
        LowerBound: prefix,
        UpperBound: PrefixUpperBound(prefix),
    })
    if err != nil {
        return fmt.Errorf("failed to create iterator: %w", err)
    }
    return pebbleWalk(iter, fn)
}

func (p *PebbleKV) NewTx() Tx {
    return &pebbleTx{batch: p.db.NewIndexedBatch()}
}

func (p *PebbleKV) Close() error {
    if p.db == nil {
        return nil
    }

    if err := p.db.Close(); err != nil {
        return fmt.Errorf("failed to close database: %w", err)
    }

    p.db = nil

    if p.cache != nil {
        p.cache.Unref()
        p.cache = nil
    }

    return nil
}

type pebbleTx struct {
    batch  *pebble.Batch
    closed bool
}

func (t *pebbleTx) Get(key []byte) ([]byte, error) {
    return pebbleGet(t.batch, key)
}

func (t *pebbleTx) ForEach(prefix []byte, fn func(key, value []byte) error) error {
    iter, err := t.batch.NewIter(&pebble.IterOptions{
        LowerBound: prefix,
        UpperBound: PrefixUpperBound(prefix),
    })
    if err != nil {
        return fmt.Errorf("failed to create batch iterator: %w", err)
    }
    return pebbleWalk(iter, fn)
}

func (t *pebbleTx) Set(key, value []byte) error {
    if err := t.batch.Set(key, value, nil); err != nil {
        return fmt.Errorf("failed to add key to batch: %w", err)
    }
    return nil
}

func (t *pebbleTx) Delete(key []byte) error {
    if err := t.batch.Delete(key, nil); err != nil {
        return fmt.Errorf("failed to add deletion to batch: %w", err)
    }
    return nil
}

func (t *pebbleTx) Commit() error {
    if t.closed {
        return fmt.Errorf("batch already closed")
    }
    defer t.Discard()

    if err := t.batch.Commit(pebble.Sync); err != nil {
        return fmt.Errorf("failed to commit batch: %w", err)
    }
    return nil
}

func (t *pebbleTx) Discard() {
    if t.closed {
        return
    }
    t.closed = true
    _ = t.batch.Close()
}

type pebbleReader interface {
    Get(key []byte) ([]byte, io.Closer, error)
}

func pebbleGet(r pebbleReader, key []byte) ([]byte, error) {
    value, closer, err := r.Get(key)
    if err == pebble.ErrNotFound {
        return nil, ErrNotFound
    }
    if err != nil {
        return nil, fmt.Errorf("failed to get key: %w", err)
    }
    defer closer.Close()

    data := make([]byte, len(value))
    copy(data, value)

    return data, nil
}

func pebbleWalk(iter *pebble.Iterator, fn func(key, value []byte) error) error {
    defer iter.Close()

    for iter.First(); iter.Valid(); iter.Next() {
        key := make([]byte, len(iter.Key()))
        copy(key, iter.Key())
        value := make([]byte, len(iter.Value()))
        copy(value, iter.Value())

        if err := fn(key, value); err != nil {
            return err
        }
    }

    if err := iter.Error(); err != nil {
        return fmt.Errorf("iterator error: %w", err)
    }

    return nil
}
