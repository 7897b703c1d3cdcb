package storage

import (
    "errors"
    "fmt"
)

// Reader is the read side shared by committed state and open transactions.
type Reader interface {
    // Get returns a copy of the value or ErrNotFound.
    Get(key []byte) ([]byte, error)

    // ForEach walks all keys with prefix in ascending order. The callback
    // receives copies. Returning a non-nil error stops iteration and is
    // passed back to the caller. Callbacks must not write to the store.
    ForEach(prefix []byte, fn func(key, value []byte) error) error
}

// Tx is a write transaction whose reads observe its own pending writes.
// Nothing is visible to other readers until Commit.
type Tx interface {
    Reader
    Set(key, value []byte) error
    Delete(key []byte) error
    Commit() error
    Discard()
}

// KV is a key-value backend for the index.
type KV interface {
    Reader
    NewTx() Tx
    Close() error
}

const (
    BackendPebble = "pebble"
    BackendBadger = "badger"
)

// OpenKV opens the named backend at path.
func OpenKV(backend, path string) (KV, error) {
    switch backend {
    case BackendPebble, "":
        return OpenPebble(path, nil)
    case BackendBadger:
        return OpenBadger(path, false)
    default:
        return nil, fmt.Errorf("unknown storage backend %q", backend)
    }
}

// first returns the smallest key carrying prefix.
func first(r Reader, prefix []byte) (key, value []byte, ok bool, err error) {
    err = r.ForEach(prefix, func(k, v []byte) error {
        key, value, ok = k, v, true
        return errStopIteration
    })
    if errors.Is(err, errStopIteration) {
        err = nil
    }
    return key, value, ok, err
}
