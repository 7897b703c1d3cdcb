package storage

import (
    "errors"
    "fmt"
    "strings"

    "github.com/dgraph-io/badger/v4"
)

// BadgerKV implements KV on Badger. Large blocks may exceed Badger's
// transaction size limit, in which case Commit returns badger.ErrTxnTooBig.
type BadgerKV struct {
    db *badger.DB
}

// OpenBadger opens a Badger database at path, or an in-memory one.
func OpenBadger(path string, inMemory bool) (*BadgerKV, error) {
    // A larger memtable raises the per-transaction size limit.
    opts := badger.DefaultOptions(path).WithMemTableSize(256 << 20)
    if inMemory {
        opts = badger.DefaultOptions("").WithInMemory(true)
    }
    opts.Logger = nil

    db, err := badger.Open(opts)
    if err != nil {
        errMsg := err.Error()
        if strings.Contains(errMsg, "Cannot acquire directory lock") ||
            strings.Contains(errMsg, "resource temporarily unavailable") {
            return nil, fmt.Errorf("database at %s is locked by another process: %w",
                path, err)
        }
        return nil, fmt.Errorf("failed to open badger database at %s: %w",
            path, err)
    }
    return &BadgerKV{db: db}, nil
}

func (b *BadgerKV) Get(key []byte) ([]byte, error) {
    var val []byte
    err := b.db.View(func(txn *badger.Txn) error {
        var err error
        val, err = badgerGet(txn, key)
        return err
    })
    return val, err
}

func (b *BadgerKV) ForEach(prefix []byte, fn func(key, value []byte) error) error {
    return b.db.View(func(txn *badger.Txn) error {
        return badgerWalk(txn, prefix, fn)
    })
}

func (b *BadgerKV) NewTx() Tx {
    return &badgerTx{txn: b.db.NewTransaction(true)}
}

func (b *BadgerKV) Close() error {
    if err := b.db.Close(); err != nil {
        return fmt.Errorf("failed to close database: %w", err)
    }
    return nil
}

type badgerTx struct {
    txn    *badger.Txn
    closed bool
}

func (t *badgerTx) Get(key []byte) ([]byte, error) {
    return badgerGet(t.txn, key)
}

func (t *badgerTx) ForEach(prefix []byte, fn func(key, value []byte) error) error {
    return badgerWalk(t.txn, prefix, fn)
}

// Badger keeps references to keys and values until commit, so both are copied.
func (t *badgerTx) Set(key, value []byte) error {
    if err := t.txn.Set(cloneBytes(key), cloneBytes(value)); err != nil {
        return fmt.Errorf("badger set: %w", err)
    }
    return nil
}

func (t *badgerTx) Delete(key []byte) error {
    if err := t.txn.Delete(cloneBytes(key)); err != nil {
        return fmt.Errorf("badger delete: %w", err)
    }
    return nil
}

func (t *badgerTx) Commit() error {
    if t.closed {
        return fmt.Errorf("transaction already closed")
    }
    defer t.Discard()

    if err := t.txn.Commit(); err != nil {
        return fmt.Errorf("failed to commit transaction: %w", err)
    }
    return nil
}

func (t *badgerTx) Discard() {
    if t.closed {
        return
    }
    t.closed = true
    t.txn.Discard()
}

func badgerGet(txn *badger.Txn, key []byte) ([]byte, error) {
    item, err := txn.Get(key)
    if errors.Is(err, badger.ErrKeyNotFound) {
        return nil, ErrNotFound
    }
    if err != nil {
        return nil, fmt.Errorf("badger get: %w", err)
    }
    val, err := item.ValueCopy(nil)
    if err != nil {
        return nil, fmt.Errorf("badger value: %w", err)
    }
    return val, nil
}

func badgerWalk(txn *badger.Txn, prefix []byte, fn func(key, value []byte) error) error {
    opts := badger.DefaultIteratorOptions
    opts.Prefix = prefix
    it := txn.NewIterator(opts)
    defer it.Close()

    for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
        item := it.Item()
        key := item.KeyCopy(nil)
        value, err := item.ValueCopy(nil)
        if err != nil {
            return fmt.Errorf("badger value: %w", err)
        }
        if err := fn(key, value); err != nil {
            return err
        }
    }
    return nil
}

func cloneBytes(b []byte) []byte {
    out := make([]byte, len(b))
    copy(out, b)
    return out
}
