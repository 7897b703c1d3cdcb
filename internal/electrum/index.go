package electrum

import (
    "bytes"
    "context"
    "crypto/sha256"
    "encoding/hex"
    "errors"
    "fmt"

    "github.com/btcsuite/btcd/btcjson"
    "github.com/btcsuite/btcd/chaincfg"
    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/wire"

    "github.com/ripsline/electrum-trie/internal/indexer"
    "github.com/ripsline/electrum-trie/internal/storage"
)

const (
    ServerAgent     = "electrum-trie/0.1.0"
    ProtocolVersion = "1.4"
)

// IndexConfig wires an Index to the components it reads from.
type IndexConfig struct {
    Store   *storage.Store
    Mempool *indexer.MempoolTracker
    Daemon  indexer.Daemon
    Params  *chaincfg.Params

    // HistoryCacheSize is counted in history items, ChunkCacheSize in
    // header chunks.
    HistoryCacheSize uint64
    ChunkCacheSize   uint64

    NotifyQueueSize int
}

// Index answers client queries from the store and the mempool tracker. It
// owns the query caches and the notifier, and keeps both current by
// listening to the synchronizer.
type Index struct {
    store   *storage.Store
    mempool *indexer.MempoolTracker
    daemon  indexer.Daemon
    params  *chaincfg.Params

    cache    *queryCache
    subs     *SubscriptionManager
    notifier *notifier
}

var _ indexer.Listener = (*Index)(nil)

func NewIndex(cfg IndexConfig) *Index {
    params := cfg.Params
    if params == nil {
        params = &chaincfg.MainNetParams
    }

    idx := &Index{
        store:   cfg.Store,
        mempool: cfg.Mempool,
        daemon:  cfg.Daemon,
        params:  params,
        cache:   newQueryCache(cfg.HistoryCacheSize, cfg.ChunkCacheSize),
        subs:    NewSubscriptionManager(),
    }
    idx.notifier = newNotifier(idx.subs, cfg.NotifyQueueSize, idx.Status, idx.Tip)
    return idx
}

// ChainChanged invalidates what the event touched and queues notifications.
func (idx *Index) ChainChanged(ev *indexer.ChainEvent) {
    chunks := []int32{chunkOf(ev.Height)}
    if !ev.Connected {
        chunks = append(chunks, chunkOf(ev.Height+1))
    }
    idx.cache.invalidate(ev.Touched, chunks...)

    note := notification{touched: ev.Touched}
    if ev.Header != nil {
        var buf bytes.Buffer
        if err := ev.Header.Serialize(&buf); err == nil {
            note.tip = &HeaderResult{
                Height: ev.Height,
                Hex:    hex.EncodeToString(buf.Bytes()),
            }
        }
    }
    idx.notifier.enqueue(note)
}

// MempoolChanged invalidates the touched addresses and queues notifications.
func (idx *Index) MempoolChanged(touched []storage.AddrHash) {
    idx.cache.invalidate(touched)
    idx.notifier.enqueue(notification{touched: touched})
}

func chunkOf(height int32) int32 {
    if height < 0 {
        return 0
    }
    return height / ChunkSize
}

// Run delivers queued notifications until ctx is done.
func (idx *Index) Run(ctx context.Context) error {
    return idx.notifier.run(ctx)
}

// Subscriptions returns the subscription registry.
func (idx *Index) Subscriptions() *SubscriptionManager {
    return idx.subs
}

// Params returns the network addresses are parsed for.
func (idx *Index) Params() *chaincfg.Params {
    return idx.params
}

// BalanceResult is the confirmed and unconfirmed balance of an address.
type BalanceResult struct {
    Confirmed   uint64 `json:"confirmed"`
    Unconfirmed int64  `json:"unconfirmed"`
}

func (idx *Index) Balance(addr storage.AddrHash) (*BalanceResult, *QueryError) {
    confirmed, err := idx.store.Balance(addr)
    if err != nil {
        return nil, internalError(err)
    }

    res := &BalanceResult{Confirmed: confirmed}
    if idx.mempool != nil {
        res.Unconfirmed = idx.mempool.Balance(addr)
    }
    return res, nil
}

// HistoryItem is one transaction in an address history. Height 0 marks an
// unconfirmed transaction, which also carries its fee.
type HistoryItem struct {
    TxHash string `json:"tx_hash"`
    Height int32  `json:"height"`
    Fee    *int64 `json:"fee,omitempty"`
}

// History returns confirmed transactions in block order followed by
// unconfirmed ones.
func (idx *Index) History(addr storage.AddrHash) ([]HistoryItem, *QueryError) {
    e, qerr := idx.history(addr)
    if qerr != nil {
        return nil, qerr
    }
    return e.items, nil
}

// Status returns the status hash of addr, nil for an unused address.
func (idx *Index) Status(addr storage.AddrHash) (*string, *QueryError) {
    e, qerr := idx.history(addr)
    if qerr != nil {
        return nil, qerr
    }
    return e.status, nil
}

func (idx *Index) history(addr storage.AddrHash) (*historyEntry, *QueryError) {
    if e, ok := idx.cache.history(addr); ok {
        return e, nil
    }

    gen := idx.cache.generation()

    confirmed, err := idx.store.History(addr)
    if errors.Is(err, storage.ErrHistoryTooLarge) {
        return nil, badRequest("history of %s is too large to serve", addr)
    }
    if err != nil {
        return nil, internalError(err)
    }

    items := make([]HistoryItem, 0, len(confirmed))
    seen := make(map[chainhash.Hash]struct{}, len(confirmed))
    for _, h := range confirmed {
        items = append(items, HistoryItem{TxHash: h.Txid.String(), Height: h.Height})
        seen[h.Txid] = struct{}{}
    }

    if idx.mempool != nil {
        for _, m := range idx.mempool.Txs(addr) {
            // A just-confirmed tx can linger until the tracker drops it.
            if _, ok := seen[m.Txid]; ok {
                continue
            }
            fee := m.Fee
            items = append(items, HistoryItem{TxHash: m.Txid.String(), Fee: &fee})
        }
    }

    e := &historyEntry{items: items, status: statusOf(items)}
    idx.cache.putHistory(gen, addr, e)
    return e, nil
}

// statusOf hashes "tx_hash:height:" for every history item.
func statusOf(items []HistoryItem) *string {
    if len(items) == 0 {
        return nil
    }

    h := sha256.New()
    for _, item := range items {
        fmt.Fprintf(h, "%s:%d:", item.TxHash, item.Height)
    }
    status := hex.EncodeToString(h.Sum(nil))
    return &status
}

// MempoolItem is one unconfirmed transaction and its effect on an address.
type MempoolItem struct {
    TxHash string `json:"tx_hash"`
    Height int32  `json:"height"`
    Fee    int64  `json:"fee"`
    Value  int64  `json:"value"`
}

func (idx *Index) Mempool(addr storage.AddrHash) []MempoolItem {
    if idx.mempool == nil {
        return []MempoolItem{}
    }

    entries := idx.mempool.Txs(addr)
    out := make([]MempoolItem, 0, len(entries))
    for _, e := range entries {
        out = append(out, MempoolItem{
            TxHash: e.Txid.String(),
            Fee:    e.Fee,
            Value:  e.Delta,
        })
    }
    return out
}

// ProofResult is a trie proof for an address: the root it proves against
// and the (key, node) pairs from the root down to the address subtree.
type ProofResult struct {
    Root  string      `json:"root"`
    Value uint64      `json:"value"`
    Proof [][2]string `json:"proof"`
}

func (idx *Index) Proof(addr storage.AddrHash) (*ProofResult, *QueryError) {
    proof, err := idx.store.Proof(addr)
    if err != nil {
        return nil, internalError(err)
    }

    res := &ProofResult{
        Root:  hex.EncodeToString(proof.Root.Hash[:]),
        Value: proof.Root.Value,
        Proof: make([][2]string, 0, len(proof.Nodes)),
    }
    for _, n := range proof.Nodes {
        res.Proof = append(res.Proof, [2]string{
            hex.EncodeToString(n.Key),
            hex.EncodeToString(n.Value),
        })
    }
    return res, nil
}

// UnspentItem is one confirmed output of an address.
type UnspentItem struct {
    TxHash string `json:"tx_hash"`
    TxPos  uint32 `json:"tx_pos"`
    Height uint32 `json:"height"`
    Value  uint64 `json:"value"`
}

func (idx *Index) ListUnspent(addr storage.AddrHash) ([]UnspentItem, *QueryError) {
    unspent, err := idx.store.ListUnspent(addr)
    if err != nil {
        return nil, internalError(err)
    }

    out := make([]UnspentItem, 0, len(unspent))
    for _, u := range unspent {
        op := u.Key.OutPoint()
        out = append(out, UnspentItem{
            TxHash: op.Hash.String(),
            TxPos:  op.Index,
            Height: u.Height,
            Value:  u.Value,
        })
    }
    return out, nil
}

// UTXOAddress returns the address hash owning an unspent output, or nil when
// the output is spent or unknown.
func (idx *Index) UTXOAddress(op wire.OutPoint) (*string, *QueryError) {
    addr, ok, err := idx.store.AddressOf(op)
    if err != nil {
        return nil, internalError(err)
    }
    if !ok {
        return nil, nil
    }
    s := addr.String()
    return &s, nil
}

// HeaderResult is a block header with its height.
type HeaderResult struct {
    Height int32  `json:"height"`
    Hex    string `json:"hex"`
}

func (idx *Index) Header(height int32) (string, *QueryError) {
    if height < 0 || height >= idx.store.HeaderCount() {
        return "", badRequest("height %d out of range", height)
    }
    raw, err := idx.store.Header(height)
    if err != nil {
        return "", internalError(err)
    }
    return hex.EncodeToString(raw), nil
}

// Tip returns the header of the indexed tip.
func (idx *Index) Tip() (*HeaderResult, *QueryError) {
    height, _ := idx.store.Tip()
    if height < 0 {
        return nil, badRequest("no blocks indexed")
    }
    headerHex, qerr := idx.Header(height)
    if qerr != nil {
        return nil, qerr
    }
    return &HeaderResult{Height: height, Hex: headerHex}, nil
}

// Height returns the indexed tip height, -1 before the first block.
func (idx *Index) Height() int32 {
    height, _ := idx.store.Tip()
    return height
}

// HeadersResult is a run of consecutive raw headers.
type HeadersResult struct {
    Count int    `json:"count"`
    Hex   string `json:"hex"`
    Max   int    `json:"max"`
}

func (idx *Index) Headers(start, count int32) (*HeadersResult, *QueryError) {
    if count < 0 {
        return nil, badParams("count must not be negative")
    }
    if count > ChunkSize {
        count = ChunkSize
    }

    res := &HeadersResult{Max: ChunkSize}
    if count == 0 || start >= idx.store.HeaderCount() {
        return res, nil
    }
    if start < 0 {
        return nil, badRequest("height %d out of range", start)
    }

    raw, err := idx.store.Headers(start, count)
    if err != nil {
        return nil, internalError(err)
    }
    res.Count = len(raw) / storage.HeaderSize
    res.Hex = hex.EncodeToString(raw)
    return res, nil
}

// Chunk returns the concatenated headers of chunk index. Complete chunks are
// cached; the chunk holding the tip is read each time.
func (idx *Index) Chunk(index int32) (string, *QueryError) {
    if index < 0 || index > (1<<31-1)/ChunkSize {
        return "", badParams("invalid chunk index %d", index)
    }
    start := index * ChunkSize
    if start >= idx.store.HeaderCount() {
        return "", badRequest("chunk %d out of range", index)
    }

    if chunk, ok := idx.cache.chunk(index); ok {
        return hex.EncodeToString(chunk), nil
    }

    gen := idx.cache.generation()
    raw, err := idx.store.Headers(start, ChunkSize)
    if err != nil {
        return "", internalError(err)
    }
    if len(raw) == ChunkSize*storage.HeaderSize {
        idx.cache.putChunk(gen, index, headerChunk(raw))
    }
    return hex.EncodeToString(raw), nil
}

// TransactionGet returns the raw transaction from the daemon.
func (idx *Index) TransactionGet(txid chainhash.Hash) (string, *QueryError) {
    tx, err := idx.daemon.GetRawTransaction(&txid)
    if err != nil {
        return "", &QueryError{
            Code:    ErrCodeDaemon,
            Message: fmt.Sprintf("transaction not found: %v", err),
        }
    }

    var buf bytes.Buffer
    if err := tx.MsgTx().Serialize(&buf); err != nil {
        return "", internalError(err)
    }
    return hex.EncodeToString(buf.Bytes()), nil
}

// Broadcast relays rawHex and returns the daemon's answer verbatim. A
// rejection is a result, not an error: wallets show the node's message.
func (idx *Index) Broadcast(rawHex string) string {
    result, err := idx.daemon.Broadcast(rawHex)
    if err != nil {
        var rpcErr *btcjson.RPCError
        if errors.As(err, &rpcErr) {
            log.Infof("📤 Broadcast rejected: %s", rpcErr.Message)
            return rpcErr.Message
        }
        log.Warnf("⚠️  Broadcast failed: %v", err)
        return err.Error()
    }

    log.Infof("📤 Broadcast tx: %s", result)
    return result
}

// Banner describes the server and its current state.
func (idx *Index) Banner() string {
    height, hash := idx.store.Tip()
    root := idx.store.RootHash()

    return fmt.Sprintf(`
         ╔════════════════════════════════════════════════════════════╗
         ║                   electrum-trie Server                     ║
         ║            Authenticated UTXO Trie • Address Index         ║
         ╠════════════════════════════════════════════════════════════╣
           Height:     %d
           Tip:        %s
           UTXO root:  %s
           Total:      %d sat
         ╚════════════════════════════════════════════════════════════╝
`, height, hash, hex.EncodeToString(root.Hash[:]), root.Value)
}

// Features reports the server's protocol features.
func (idx *Index) Features() map[string]interface{} {
    genesis := ""
    if header, err := idx.store.ReadHeader(0); err == nil {
        genesis = header.BlockHash().String()
    }

    return map[string]interface{}{
        "server_version": ServerAgent,
        "protocol_min":   ProtocolVersion,
        "protocol_max":   ProtocolVersion,
        "genesis_hash":   genesis,
        "hash_function":  "sha256",
        "pruning":        nil,
        "hosts":          map[string]interface{}{},
    }
}

// IndexStats is a snapshot of the query layer.
type IndexStats struct {
    CachedHistories int
    CachedChunks    int
    Subscriptions   int
    Dropped         int64
}

func (idx *Index) Stats() IndexStats {
    histories, chunks := idx.cache.stats()
    addrs, _, _ := idx.subs.Totals()
    return IndexStats{
        CachedHistories: histories,
        CachedChunks:    chunks,
        Subscriptions:   addrs,
        Dropped:         idx.notifier.dropped.Load(),
    }
}

func (s IndexStats) String() string {
    return fmt.Sprintf("Index: %d cached histories, %d cached chunks, "+
        "%d subscribed addresses, %d notifications dropped",
        s.CachedHistories, s.CachedChunks, s.Subscriptions, s.Dropped)
}
