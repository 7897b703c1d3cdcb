package storage

import (
    "encoding/hex"
    "errors"
    "fmt"
)

var (
    // ErrNotFound is returned by KV reads for absent keys.
    ErrNotFound = errors.New("key not found")

    // ErrHistoryTooLarge is returned for addresses whose confirmed history
    // exceeds the configured limit.
    ErrHistoryTooLarge = errors.New("address history too large")

    errStopIteration = errors.New("stop iteration")
)

// NotFoundError reports a delete of a leaf that is not in the trie. Callers
// only delete outputs they saw added, so this signals an inconsistent index.
type NotFoundError struct {
    Key LeafKey
}

func (e *NotFoundError) Error() string {
    return fmt.Sprintf("leaf %x not found", e.Key[:])
}

// CorruptTrieError reports a broken structural invariant.
type CorruptTrieError struct {
    Key    []byte
    Reason string
}

func (e *CorruptTrieError) Error() string {
    return fmt.Sprintf("corrupt trie at %s: %s", hex.EncodeToString(e.Key),
        e.Reason)
}

// MissingUndoInfoError reports a revert past the retained undo window.
type MissingUndoInfoError struct {
    Height int32
}

func (e *MissingUndoInfoError) Error() string {
    return fmt.Sprintf("missing undo info for height %d (reorg deeper than "+
        "undo window, full resync required)", e.Height)
}

// SchemaMismatchError reports an index written by another schema version.
type SchemaMismatchError struct {
    Have uint32
    Want uint32
}

func (e *SchemaMismatchError) Error() string {
    return fmt.Sprintf("schema version %d on disk, want %d (rebuild the index)",
        e.Have, e.Want)
}

// IsFatal reports whether err means the persisted index can no longer be
// trusted and the process must stop.
func IsFatal(err error) bool {
    var (
        notFound *NotFoundError
        corrupt  *CorruptTrieError
        undo     *MissingUndoInfoError
        schema   *SchemaMismatchError
    )
    return errors.As(err, &notFound) || errors.As(err, &corrupt) ||
        errors.As(err, &undo) || errors.As(err, &schema)
}

func corruptf(key []byte, format string, args ...interface{}) error {
    return &CorruptTrieError{Key: key, Reason: fmt.Sprintf(format, args...)}
}
