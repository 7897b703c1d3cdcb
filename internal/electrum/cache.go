package electrum

import (
    "errors"
    "sync"

    "github.com/lightninglabs/neutrino/cache"
    "github.com/lightninglabs/neutrino/cache/lru"

    "github.com/ripsline/electrum-trie/internal/storage"
)

// ChunkSize is the number of headers in one block.get_chunk result.
const ChunkSize = 2016

// historyEntry is the merged confirmed and unconfirmed history of one
// address with its status hash.
type historyEntry struct {
    items  []HistoryItem
    status *string
}

// Size weighs an entry by its history length.
func (e *historyEntry) Size() (uint64, error) {
    return uint64(len(e.items)) + 1, nil
}

// headerChunk is ChunkSize raw headers.
type headerChunk []byte

func (c headerChunk) Size() (uint64, error) {
    return 1, nil
}

// queryCache holds the read-through caches behind the cache lock. Entries
// are removed on invalidation and recomputed on the next read. Every
// invalidation bumps gen; a value computed before a bump is not stored, so a
// slow reader can never reinsert state older than the latest block.
type queryCache struct {
    mu  sync.Mutex
    gen uint64

    histories *lru.Cache[storage.AddrHash, *historyEntry]
    chunks    *lru.Cache[int32, headerChunk]
}

// newQueryCache sizes the history cache in history items and the chunk cache
// in chunks. A zero size disables that cache.
func newQueryCache(historySize, chunkSize uint64) *queryCache {
    c := &queryCache{}
    if historySize > 0 {
        c.histories = lru.NewCache[storage.AddrHash, *historyEntry](historySize)
    }
    if chunkSize > 0 {
        c.chunks = lru.NewCache[int32, headerChunk](chunkSize)
    }
    return c
}

// generation returns the current invalidation generation.
func (c *queryCache) generation() uint64 {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.gen
}

func (c *queryCache) history(addr storage.AddrHash) (*historyEntry, bool) {
    if c.histories == nil {
        return nil, false
    }

    c.mu.Lock()
    defer c.mu.Unlock()

    e, err := c.histories.Get(addr)
    if err != nil {
        if !errors.Is(err, cache.ErrElementNotFound) {
            log.Debugf("History cache lookup for %s failed: %v", addr, err)
        }
        return nil, false
    }
    return e, true
}

func (c *queryCache) putHistory(gen uint64, addr storage.AddrHash, e *historyEntry) {
    if c.histories == nil {
        return
    }

    c.mu.Lock()
    defer c.mu.Unlock()

    if gen != c.gen {
        return
    }
    if _, err := c.histories.Put(addr, e); err != nil {
        log.Debugf("History of %s not cached: %v", addr, err)
    }
}

func (c *queryCache) chunk(index int32) (headerChunk, bool) {
    if c.chunks == nil {
        return nil, false
    }

    c.mu.Lock()
    defer c.mu.Unlock()

    chunk, err := c.chunks.Get(index)
    if err != nil {
        return nil, false
    }
    return chunk, true
}

func (c *queryCache) putChunk(gen uint64, index int32, chunk headerChunk) {
    if c.chunks == nil {
        return
    }

    c.mu.Lock()
    defer c.mu.Unlock()

    if gen != c.gen {
        return
    }
    if _, err := c.chunks.Put(index, chunk); err != nil {
        log.Debugf("Header chunk %d not cached: %v", index, err)
    }
}

// invalidate drops the history of every touched address and the given
// header chunks.
func (c *queryCache) invalidate(touched []storage.AddrHash, chunks ...int32) {
    c.mu.Lock()
    defer c.mu.Unlock()

    c.gen++
    if c.histories != nil {
        for _, addr := range touched {
            c.histories.Delete(addr)
        }
    }
    if c.chunks != nil {
        for _, index := range chunks {
            c.chunks.Delete(index)
        }
    }
}

// stats returns the number of cached histories and chunks.
func (c *queryCache) stats() (histories, chunks int) {
    c.mu.Lock()
    defer c.mu.Unlock()

    if c.histories != nil {
        histories = c.histories.Len()
    }
    if c.chunks != nil {
        chunks = c.chunks.Len()
    }
    return histories, chunks
}
