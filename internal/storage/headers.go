package storage

import (
    "bytes"
    "fmt"
    "os"
    "sync"

    "github.com/btcsuite/btcd/wire"
)

// HeaderSize is the serialized size of a block header.
const HeaderSize = 80

// HeaderFile is the flat append-only file of block headers, one 80-byte
// record per height.
type HeaderFile struct {
    mu    sync.RWMutex
    f     *os.File
    path  string
    count int32
}

func OpenHeaderFile(path string) (*HeaderFile, error) {
    f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
    if err != nil {
        return nil, fmt.Errorf("failed to open header file %s: %w", path, err)
    }

    info, err := f.Stat()
    if err != nil {
        f.Close()
        return nil, fmt.Errorf("failed to stat header file %s: %w", path, err)
    }

    h := &HeaderFile{f: f, path: path, count: int32(info.Size() / HeaderSize)}

    if info.Size()%HeaderSize != 0 {
        log.Warnf("⚠️  Header file %s has a partial record, truncating to %d headers",
            path, h.count)
        if err := h.truncateLocked(h.count); err != nil {
            f.Close()
            return nil, err
        }
    }

    return h, nil
}

// Len is the number of stored headers, i.e. the next height to append.
func (h *HeaderFile) Len() int32 {
    h.mu.RLock()
    defer h.mu.RUnlock()
    return h.count
}

// Append writes the header for height Len(). It must link to the previous one.
func (h *HeaderFile) Append(header *wire.BlockHeader) error {
    h.mu.Lock()
    defer h.mu.Unlock()

    if h.count > 0 {
        last, err := h.readLocked(h.count - 1)
        if err != nil {
            return err
        }
        var prev wire.BlockHeader
        if err := prev.Deserialize(bytes.NewReader(last)); err != nil {
            return fmt.Errorf("failed to parse header %d: %w", h.count-1, err)
        }
        if header.PrevBlock != prev.BlockHash() {
            return fmt.Errorf("header for height %d does not connect: prev %s, tip %s",
                h.count, header.PrevBlock, prev.BlockHash())
        }
    }

    var buf bytes.Buffer
    if err := header.Serialize(&buf); err != nil {
        return fmt.Errorf("failed to serialize header: %w", err)
    }

    if _, err := h.f.WriteAt(buf.Bytes(), int64(h.count)*HeaderSize); err != nil {
        return fmt.Errorf("failed to write header %d: %w", h.count, err)
    }
    if err := h.f.Sync(); err != nil {
        return fmt.Errorf("failed to sync header file: %w", err)
    }

    h.count++
    return nil
}

// Read returns the raw header at height.
func (h *HeaderFile) Read(height int32) ([]byte, error) {
    h.mu.RLock()
    defer h.mu.RUnlock()
    return h.readLocked(height)
}

func (h *HeaderFile) readLocked(height int32) ([]byte, error) {
    if height < 0 || height >= h.count {
        return nil, fmt.Errorf("header not found at height %d", height)
    }
    buf := make([]byte, HeaderSize)
    if _, err := h.f.ReadAt(buf, int64(height)*HeaderSize); err != nil {
        return nil, fmt.Errorf("failed to read header %d: %w", height, err)
    }
    return buf, nil
}

// ReadHeader returns the parsed header at height.
func (h *HeaderFile) ReadHeader(height int32) (*wire.BlockHeader, error) {
    raw, err := h.Read(height)
    if err != nil {
        return nil, err
    }
    var header wire.BlockHeader
    if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
        return nil, fmt.Errorf("failed to parse header %d: %w", height, err)
    }
    return &header, nil
}

// ReadRange returns up to count consecutive headers starting at start.
func (h *HeaderFile) ReadRange(start, count int32) ([]byte, error) {
    h.mu.RLock()
    defer h.mu.RUnlock()

    if start < 0 || start >= h.count {
        return nil, fmt.Errorf("header not found at height %d", start)
    }
    if start+count > h.count {
        count = h.count - start
    }

    buf := make([]byte, int(count)*HeaderSize)
    if _, err := h.f.ReadAt(buf, int64(start)*HeaderSize); err != nil {
        return nil, fmt.Errorf("failed to read headers %d..%d: %w",
            start, start+count-1, err)
    }
    return buf, nil
}

// Truncate drops every header at or above count.
func (h *HeaderFile) Truncate(count int32) error {
    h.mu.Lock()
    defer h.mu.Unlock()
    return h.truncateLocked(count)
}

func (h *HeaderFile) truncateLocked(count int32) error {
    if count < 0 {
        count = 0
    }
    if err := h.f.Truncate(int64(count) * HeaderSize); err != nil {
        return fmt.Errorf("failed to truncate header file to %d: %w", count, err)
    }
    if err := h.f.Sync(); err != nil {
        return fmt.Errorf("failed to sync header file: %w", err)
    }
    h.count = count
    return nil
}

func (h *HeaderFile) Close() error {
    h.mu.Lock()
    defer h.mu.Unlock()

    if h.f == nil {
        return nil
    }
    err := h.f.Close()
    h.f = nil
    return err
}
