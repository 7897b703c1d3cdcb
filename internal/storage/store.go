package storage

import (
    "bytes"
    "errors"
    "fmt"
    "sort"
    "sync"
    "sync/atomic"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/wire"
    "github.com/lightningnetwork/lnd/fn/v2"
)

// Config selects the backend and retention policy of a Store.
type Config struct {
    Backend     string
    Path        string
    HeadersPath string

    // UndoWindow is the number of recent heights that can be reverted.
    UndoWindow uint32

    // RetainUndo keeps undo info for every height.
    RetainUndo bool

    // HistoryLimit caps the confirmed history served per address. Zero
    // means unlimited.
    HistoryLimit int
}

// Store is the persisted index: the UTXO trie, backlinks, address history,
// undo log, state marker and header file. Block apply and revert hold the
// write lock for their whole mutation and persist phase.
type Store struct {
    mu sync.RWMutex

    kv      KV
    headers *HeaderFile
    undo    UndoLog

    historyLimit int

    marker atomic.Pointer[Marker]
}

// Open opens the backend and header file named by cfg.
func Open(cfg Config) (*Store, error) {
    kv, err := OpenKV(cfg.Backend, cfg.Path)
    if err != nil {
        return nil, err
    }

    headers, err := OpenHeaderFile(cfg.HeadersPath)
    if err != nil {
        kv.Close()
        return nil, err
    }

    s, err := New(kv, headers, cfg)
    if err != nil {
        headers.Close()
        kv.Close()
        return nil, err
    }
    return s, nil
}

// New builds a Store on already opened components. It validates the state
// marker and trims headers written by a block that never committed.
func New(kv KV, headers *HeaderFile, cfg Config) (*Store, error) {
    s := &Store{
        kv:           kv,
        headers:      headers,
        undo:         UndoLog{Window: cfg.UndoWindow, RetainAll: cfg.RetainUndo},
        historyLimit: cfg.HistoryLimit,
    }

    m, err := loadMarker(kv)
    if err != nil {
        return nil, err
    }

    root, err := ReadRoot(kv)
    if err != nil {
        return nil, err
    }
    if root != m.Root {
        return nil, corruptf(nil, "stored root %s does not match marker root %s",
            root.Hash, m.Root.Hash)
    }

    if want := m.Height + 1; headers.Len() > want {
        log.Warnf("⚠️  Header file has %d headers, index height is %d, truncating",
            headers.Len(), m.Height)
        if err := headers.Truncate(want); err != nil {
            return nil, err
        }
    }

    s.marker.Store(&m)

    log.Infof("✅ Index opened at height %d (%s), root %s",
        m.Height, m.LastHash, m.Root.Hash)

    return s, nil
}

func loadMarker(r Reader) (Marker, error) {
    data, err := r.Get(MarkerKey())
    if errors.Is(err, ErrNotFound) {
        return emptyMarker(), nil
    }
    if err != nil {
        return Marker{}, fmt.Errorf("failed to load marker: %w", err)
    }

    m, err := DecodeMarker(data)
    if err != nil {
        return Marker{}, err
    }
    if m.Schema != SchemaVersion {
        return Marker{}, &SchemaMismatchError{Have: m.Schema, Want: SchemaVersion}
    }
    return *m, nil
}

func putMarker(tx Tx, m *Marker) error {
    if m.Height < 0 {
        return tx.Delete(MarkerKey())
    }
    data, err := EncodeMarker(m)
    if err != nil {
        return err
    }
    if err := tx.Set(MarkerKey(), data); err != nil {
        return fmt.Errorf("failed to add marker to batch: %w", err)
    }
    return nil
}

func (s *Store) Close() error {
    var errs []error
    if err := s.headers.Close(); err != nil {
        errs = append(errs, err)
    }
    if err := s.kv.Close(); err != nil {
        errs = append(errs, err)
    }
    return errors.Join(errs...)
}

// Marker returns the committed tip.
func (s *Store) Marker() Marker {
    return *s.marker.Load()
}

// Tip returns the committed height and block hash. Height is -1 before the
// first block.
func (s *Store) Tip() (int32, chainhash.Hash) {
    m := s.marker.Load()
    return m.Height, m.LastHash
}

// RootHash returns the committed root hash and total value.
func (s *Store) RootHash() RootSummary {
    return s.marker.Load().Root
}

// MissingHeaders reports how many headers below the tip must be backfilled.
func (s *Store) MissingHeaders() int32 {
    return s.marker.Load().Height + 1 - s.headers.Len()
}

// BackfillHeader appends a header below the committed tip.
func (s *Store) BackfillHeader(header *wire.BlockHeader) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    m := s.marker.Load()
    next := s.headers.Len()
    if next > m.Height {
        return fmt.Errorf("header file already reaches height %d", m.Height)
    }
    if next == m.Height && header.BlockHash() != m.LastHash {
        return fmt.Errorf("backfilled tip header %s does not match index tip %s",
            header.BlockHash(), m.LastHash)
    }
    return s.headers.Append(header)
}

// BlockWriter accumulates the mutations of one block. It holds the write
// lock from BeginBlock until Commit or Abort.
type BlockWriter struct {
    s      *Store
    tx     Tx
    trie   *TrieBatch
    header wire.BlockHeader
    entry  *UndoEntry
    cur    *UndoTx
    done   bool
}

// BeginBlock starts applying the block at height, which must extend the tip.
func (s *Store) BeginBlock(height int32, header *wire.BlockHeader) (*BlockWriter, error) {
    s.mu.Lock()

    m := s.marker.Load()
    if height != m.Height+1 {
        s.mu.Unlock()
        return nil, fmt.Errorf("block height %d does not extend tip %d",
            height, m.Height)
    }
    if m.Height >= 0 && header.PrevBlock != m.LastHash {
        s.mu.Unlock()
        return nil, fmt.Errorf("block %s does not connect to tip %s",
            header.BlockHash(), m.LastHash)
    }
    if s.headers.Len() != height {
        s.mu.Unlock()
        return nil, fmt.Errorf("header file has %d headers, expected %d",
            s.headers.Len(), height)
    }

    tx := s.kv.NewTx()
    return &BlockWriter{
        s:      s,
        tx:     tx,
        trie:   NewTrieBatch(tx),
        header: *header,
        entry: &UndoEntry{
            Height:    height,
            BlockHash: header.BlockHash(),
            PrevHash:  m.LastHash,
        },
    }, nil
}

// BeginTx starts the next transaction of the block.
func (w *BlockWriter) BeginTx(txid chainhash.Hash, position uint32) {
    w.entry.Txs = append(w.entry.Txs, UndoTx{Txid: txid, Position: position})
    w.cur = &w.entry.Txs[len(w.entry.Txs)-1]
}

func addUnique(list []AddrHash, addr AddrHash) []AddrHash {
    for _, a := range list {
        if a == addr {
            return list
        }
    }
    return append(list, addr)
}

// SpendOutput removes the leaf funded by op. It reports false for outputs
// that were never indexed.
func (w *BlockWriter) SpendOutput(op wire.OutPoint) (bool, error) {
    if w.cur == nil {
        return false, fmt.Errorf("spend outside of a transaction")
    }

    addr, ok, err := lookupBacklink(w.tx, op)
    if err != nil || !ok {
        return false, err
    }

    key := MakeLeafKey(addr, op)
    prev, err := w.trie.DeleteLeaf(key)
    if err != nil {
        return false, fmt.Errorf("failed to spend %s: %w", op, err)
    }
    if err := w.tx.Delete(MakeBacklinkKey(op)); err != nil {
        return false, fmt.Errorf("failed to add backlink deletion to batch: %w", err)
    }

    w.entry.record(key, fn.Some(prev))
    w.cur.InputAddrs = addUnique(w.cur.InputAddrs, addr)
    return true, nil
}

// AddOutput adds the leaf for op owned by addr.
func (w *BlockWriter) AddOutput(op wire.OutPoint, addr AddrHash, amount uint64) error {
    if w.cur == nil {
        return fmt.Errorf("output outside of a transaction")
    }

    key := MakeLeafKey(addr, op)
    prev, err := w.trie.AddLeaf(key, LeafValue{
        Amount: amount,
        Height: uint32(w.entry.Height),
    })
    if err != nil {
        return fmt.Errorf("failed to add output %s: %w", op, err)
    }
    if err := w.tx.Set(MakeBacklinkKey(op), addr[:]); err != nil {
        return fmt.Errorf("failed to add backlink to batch: %w", err)
    }

    w.entry.record(key, prev)
    w.cur.OutputAddrs = addUnique(w.cur.OutputAddrs, addr)
    return nil
}

// BlockResult summarizes a committed apply or revert.
type BlockResult struct {
    Height  int32
    Hash    chainhash.Hash
    Root    RootSummary
    Touched []AddrHash
}

// Commit flushes the trie, appends the header and atomically persists the
// block. The write lock is released.
func (w *BlockWriter) Commit() (*BlockResult, error) {
    if w.done {
        return nil, fmt.Errorf("block writer already finished")
    }
    defer w.finish()

    s := w.s
    height := w.entry.Height

    for _, t := range w.entry.Txs {
        for _, addr := range touchedBy(&t) {
            err := w.tx.Set(MakeHistoryKey(addr, height, t.Position), t.Txid[:])
            if err != nil {
                return nil, fmt.Errorf("failed to add history to batch: %w", err)
            }
        }
    }

    root, err := w.trie.Flush()
    if err != nil {
        return nil, fmt.Errorf("failed to flush trie: %w", err)
    }

    if err := s.undo.Put(w.tx, w.entry); err != nil {
        return nil, err
    }

    m := &Marker{
        Height:   height,
        LastHash: w.entry.BlockHash,
        Schema:   SchemaVersion,
        Root:     root,
    }
    if err := putMarker(w.tx, m); err != nil {
        return nil, err
    }

    if err := s.headers.Append(&w.header); err != nil {
        return nil, fmt.Errorf("failed to append header: %w", err)
    }

    if err := w.tx.Commit(); err != nil {
        if terr := s.headers.Truncate(height); terr != nil {
            log.Errorf("❌ Failed to roll back header %d: %v", height, terr)
        }
        return nil, fmt.Errorf("failed to commit block %d: %w", height, err)
    }

    s.marker.Store(m)

    return &BlockResult{
        Height:  height,
        Hash:    m.LastHash,
        Root:    root,
        Touched: touchedAddrs(w.entry),
    }, nil
}

// Abort discards the block and releases the write lock.
func (w *BlockWriter) Abort() {
    if w.done {
        return
    }
    w.finish()
}

func (w *BlockWriter) finish() {
    w.done = true
    w.tx.Discard()
    w.s.mu.Unlock()
}

func touchedBy(t *UndoTx) []AddrHash {
    out := append([]AddrHash{}, t.InputAddrs...)
    for _, a := range t.OutputAddrs {
        out = addUnique(out, a)
    }
    return out
}

func touchedAddrs(u *UndoEntry) []AddrHash {
    set := make(map[AddrHash]struct{})
    for i := range u.Txs {
        for _, a := range touchedBy(&u.Txs[i]) {
            set[a] = struct{}{}
        }
    }
    out := make([]AddrHash, 0, len(set))
    for a := range set {
        out = append(out, a)
    }
    sort.Slice(out, func(i, j int) bool {
        return bytes.Compare(out[i][:], out[j][:]) < 0
    })
    return out
}

// RevertTip undoes the block at the tip. If its undo entry is gone the store
// is left untouched and MissingUndoInfoError is returned.
func (s *Store) RevertTip() (*BlockResult, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    m := s.marker.Load()
    if m.Height < 0 {
        return nil, fmt.Errorf("nothing to revert")
    }

    u, err := s.undo.Load(s.kv, m.Height, m.LastHash)
    if err != nil {
        return nil, err
    }

    tx := s.kv.NewTx()
    defer tx.Discard()
    trie := NewTrieBatch(tx)

    for i := len(u.Changes) - 1; i >= 0; i-- {
        c := u.Changes[i]
        op := c.Key.OutPoint()

        if prev, ok := optionValue(c.Prev); ok {
            if _, err := trie.AddLeaf(c.Key, prev); err != nil {
                return nil, fmt.Errorf("failed to restore %s: %w", op, err)
            }
            addr := c.Key.Addr()
            if err := tx.Set(MakeBacklinkKey(op), addr[:]); err != nil {
                return nil, fmt.Errorf("failed to add backlink to batch: %w", err)
            }
            continue
        }

        if _, err := trie.DeleteLeaf(c.Key); err != nil {
            return nil, fmt.Errorf("failed to remove %s: %w", op, err)
        }
        if err := tx.Delete(MakeBacklinkKey(op)); err != nil {
            return nil, fmt.Errorf("failed to add backlink deletion to batch: %w", err)
        }
    }

    for i := len(u.Txs) - 1; i >= 0; i-- {
        t := u.Txs[i]
        for _, addr := range touchedBy(&t) {
            if err := tx.Delete(MakeHistoryKey(addr, u.Height, t.Position)); err != nil {
                return nil, fmt.Errorf("failed to add history deletion to batch: %w", err)
            }
        }
    }

    root, err := trie.Flush()
    if err != nil {
        return nil, fmt.Errorf("failed to flush trie: %w", err)
    }

    if err := s.undo.Delete(tx, u.Height); err != nil {
        return nil, err
    }

    next := &Marker{
        Height:   u.Height - 1,
        LastHash: u.PrevHash,
        Schema:   SchemaVersion,
        Root:     root,
    }
    if next.Height < 0 {
        next.LastHash = chainhash.Hash{}
    }
    if err := putMarker(tx, next); err != nil {
        return nil, err
    }

    if err := tx.Commit(); err != nil {
        return nil, fmt.Errorf("failed to commit revert of block %d: %w", u.Height, err)
    }
    s.marker.Store(next)

    if s.headers.Len() > u.Height {
        if err := s.headers.Truncate(u.Height); err != nil {
            return nil, err
        }
    }

    return &BlockResult{
        Height:  next.Height,
        Hash:    next.LastHash,
        Root:    root,
        Touched: touchedAddrs(u),
    }, nil
}

func optionValue(o fn.Option[LeafValue]) (LeafValue, bool) {
    if o.IsNone() {
        return LeafValue{}, false
    }
    return o.UnwrapOr(LeafValue{}), true
}

func lookupBacklink(r Reader, op wire.OutPoint) (AddrHash, bool, error) {
    var addr AddrHash
    data, err := r.Get(MakeBacklinkKey(op))
    if errors.Is(err, ErrNotFound) {
        return addr, false, nil
    }
    if err != nil {
        return addr, false, fmt.Errorf("failed to get backlink: %w", err)
    }
    if len(data) != AddrHashLength {
        return addr, false, fmt.Errorf("invalid backlink length %d for %s", len(data), op)
    }
    copy(addr[:], data)
    return addr, true, nil
}

// AddressOf returns the address owning an unspent confirmed output.
func (s *Store) AddressOf(op wire.OutPoint) (AddrHash, bool, error) {
    return lookupBacklink(s.kv, op)
}

// Output returns the owner and value of an unspent confirmed output.
func (s *Store) Output(op wire.OutPoint) (AddrHash, LeafValue, bool, error) {
    addr, ok, err := lookupBacklink(s.kv, op)
    if err != nil || !ok {
        return addr, LeafValue{}, false, err
    }
    key := MakeLeafKey(addr, op)
    v, ok, err := getLeaf(s.kv, key[:])
    return addr, v, ok, err
}

// Balance returns the confirmed balance of addr.
func (s *Store) Balance(addr AddrHash) (uint64, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return AddressBalance(s.kv, addr)
}

// ListUnspent returns the confirmed outputs of addr ordered by height.
func (s *Store) ListUnspent(addr AddrHash) ([]Unspent, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return ListUnspent(s.kv, addr)
}

// Proof is a trie proof for one address together with the root it proves
// against.
type Proof struct {
    Root  RootSummary
    Nodes []ProofNode
}

func (s *Store) Proof(addr AddrHash) (*Proof, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()

    nodes, err := BuildProof(s.kv, addr)
    if err != nil {
        return nil, err
    }
    return &Proof{Root: s.marker.Load().Root, Nodes: nodes}, nil
}

// HistoryEntry is one confirmed transaction touching an address.
type HistoryEntry struct {
    Txid     chainhash.Hash
    Height   int32
    Position uint32
}

// History returns the confirmed history of addr in block order.
func (s *Store) History(addr AddrHash) ([]HistoryEntry, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()

    var out []HistoryEntry
    err := s.kv.ForEach(MakeHistoryPrefix(addr), func(k, v []byte) error {
        _, height, pos, err := ParseHistoryKey(k)
        if err != nil {
            return err
        }
        if len(v) != TxidLength {
            return fmt.Errorf("invalid history value length %d", len(v))
        }
        if s.historyLimit > 0 && len(out) >= s.historyLimit {
            return ErrHistoryTooLarge
        }
        e := HistoryEntry{Height: height, Position: pos}
        copy(e.Txid[:], v)
        out = append(out, e)
        return nil
    })
    if err != nil {
        return nil, err
    }
    return out, nil
}

// Header returns the raw header at height.
func (s *Store) Header(height int32) ([]byte, error) {
    return s.headers.Read(height)
}

// ReadHeader returns the parsed header at height.
func (s *Store) ReadHeader(height int32) (*wire.BlockHeader, error) {
    return s.headers.ReadHeader(height)
}

// Headers returns up to count raw headers starting at start.
func (s *Store) Headers(start, count int32) ([]byte, error) {
    return s.headers.ReadRange(start, count)
}

// HeaderCount is the number of stored headers.
func (s *Store) HeaderCount() int32 {
    return s.headers.Len()
}

// Verify recomputes every trie hash and checks the result against the marker.
func (s *Store) Verify() (RootSummary, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()

    root, err := VerifyTrie(s.kv)
    if err != nil {
        return RootSummary{}, err
    }
    if m := s.marker.Load(); root != m.Root {
        return root, corruptf(nil, "recomputed root %s does not match marker root %s",
            root.Hash, m.Root.Hash)
    }
    return root, nil
}
