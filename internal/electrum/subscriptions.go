package electrum

import (
    "context"
    "encoding/json"
    "sync"
    "sync/atomic"

    "github.com/ripsline/electrum-trie/internal/storage"
)

// Subscriber receives push notifications. TrySend must not block; a
// subscriber that cannot keep up misses notifications.
type Subscriber interface {
    TrySend(data []byte) bool
}

// SubscriptionManager tracks which subscribers watch which addresses and
// the chain tip.
type SubscriptionManager struct {
    mu sync.RWMutex

    // addrSubs maps an address to its subscribers and the address string
    // each one subscribed with.
    addrSubs  map[storage.AddrHash]map[Subscriber]string
    connAddrs map[Subscriber]map[storage.AddrHash]bool

    headerSubs    map[Subscriber]bool
    numblocksSubs map[Subscriber]bool
}

func NewSubscriptionManager() *SubscriptionManager {
    return &SubscriptionManager{
        addrSubs:      make(map[storage.AddrHash]map[Subscriber]string),
        connAddrs:     make(map[Subscriber]map[storage.AddrHash]bool),
        headerSubs:    make(map[Subscriber]bool),
        numblocksSubs: make(map[Subscriber]bool),
    }
}

func (sm *SubscriptionManager) SubscribeAddress(s Subscriber, addr storage.AddrHash, name string) {
    sm.mu.Lock()
    defer sm.mu.Unlock()

    if sm.addrSubs[addr] == nil {
        sm.addrSubs[addr] = make(map[Subscriber]string)
    }
    sm.addrSubs[addr][s] = name

    if sm.connAddrs[s] == nil {
        sm.connAddrs[s] = make(map[storage.AddrHash]bool)
    }
    sm.connAddrs[s][addr] = true
}

// UnsubscribeAddress reports whether s was subscribed to addr.
func (sm *SubscriptionManager) UnsubscribeAddress(s Subscriber, addr storage.AddrHash) bool {
    sm.mu.Lock()
    defer sm.mu.Unlock()

    subs, ok := sm.addrSubs[addr]
    if !ok {
        return false
    }
    if _, ok := subs[s]; !ok {
        return false
    }

    delete(subs, s)
    if len(subs) == 0 {
        delete(sm.addrSubs, addr)
    }
    if addrs, ok := sm.connAddrs[s]; ok {
        delete(addrs, addr)
        if len(addrs) == 0 {
            delete(sm.connAddrs, s)
        }
    }
    return true
}

func (sm *SubscriptionManager) SubscribeHeaders(s Subscriber) {
    sm.mu.Lock()
    defer sm.mu.Unlock()
    sm.headerSubs[s] = true
}

func (sm *SubscriptionManager) SubscribeNumblocks(s Subscriber) {
    sm.mu.Lock()
    defer sm.mu.Unlock()
    sm.numblocksSubs[s] = true
}

// Unsubscribe drops every subscription of s.
func (sm *SubscriptionManager) Unsubscribe(s Subscriber) {
    sm.mu.Lock()
    defer sm.mu.Unlock()

    for addr := range sm.connAddrs[s] {
        if subs, ok := sm.addrSubs[addr]; ok {
            delete(subs, s)
            if len(subs) == 0 {
                delete(sm.addrSubs, addr)
            }
        }
    }
    delete(sm.connAddrs, s)
    delete(sm.headerSubs, s)
    delete(sm.numblocksSubs, s)
}

// IsSubscribed reports whether anyone watches addr.
func (sm *SubscriptionManager) IsSubscribed(addr storage.AddrHash) bool {
    sm.mu.RLock()
    defer sm.mu.RUnlock()
    return len(sm.addrSubs[addr]) > 0
}

// Addresses returns every watched address.
func (sm *SubscriptionManager) Addresses() []storage.AddrHash {
    sm.mu.RLock()
    defer sm.mu.RUnlock()

    out := make([]storage.AddrHash, 0, len(sm.addrSubs))
    for addr := range sm.addrSubs {
        out = append(out, addr)
    }
    return out
}

// Totals returns the number of watched addresses, header subscribers and
// subscribers with at least one address.
func (sm *SubscriptionManager) Totals() (addrs, headers, conns int) {
    sm.mu.RLock()
    defer sm.mu.RUnlock()
    return len(sm.addrSubs), len(sm.headerSubs), len(sm.connAddrs)
}

// NotifyAddress pushes the status of addr to its subscribers.
func (sm *SubscriptionManager) NotifyAddress(addr storage.AddrHash, status *string) {
    sm.mu.RLock()
    type target struct {
        sub  Subscriber
        name string
    }
    targets := make([]target, 0, len(sm.addrSubs[addr]))
    for sub, name := range sm.addrSubs[addr] {
        targets = append(targets, target{sub, name})
    }
    sm.mu.RUnlock()

    for _, t := range targets {
        data, err := encodeNotification("blockchain.address.subscribe",
            []interface{}{t.name, status})
        if err != nil {
            log.Warnf("⚠️  Failed to marshal address notification: %v", err)
            return
        }
        _ = t.sub.TrySend(data)
    }
}

// NotifyTip pushes the new tip to header and numblocks subscribers.
func (sm *SubscriptionManager) NotifyTip(tip *HeaderResult) {
    sm.mu.RLock()
    headers := make([]Subscriber, 0, len(sm.headerSubs))
    for sub := range sm.headerSubs {
        headers = append(headers, sub)
    }
    numblocks := make([]Subscriber, 0, len(sm.numblocksSubs))
    for sub := range sm.numblocksSubs {
        numblocks = append(numblocks, sub)
    }
    sm.mu.RUnlock()

    if len(headers) > 0 {
        data, err := encodeNotification("blockchain.headers.subscribe",
            []interface{}{tip})
        if err != nil {
            log.Warnf("⚠️  Failed to marshal header notification: %v", err)
        } else {
            for _, sub := range headers {
                _ = sub.TrySend(data)
            }
        }
    }

    if len(numblocks) > 0 {
        data, err := encodeNotification("blockchain.numblocks.subscribe",
            []interface{}{tip.Height})
        if err != nil {
            log.Warnf("⚠️  Failed to marshal numblocks notification: %v", err)
            return
        }
        for _, sub := range numblocks {
            _ = sub.TrySend(data)
        }
    }
}

func encodeNotification(method string, params []interface{}) ([]byte, error) {
    data, err := json.Marshal(map[string]interface{}{
        "jsonrpc": "2.0",
        "method":  method,
        "params":  params,
    })
    if err != nil {
        return nil, err
    }
    return append(data, '\n'), nil
}

// notification is one queued index change.
type notification struct {
    tip     *HeaderResult
    touched []storage.AddrHash
}

// notifier drains index changes into subscriber pushes on its own goroutine,
// so the sync worker never waits on status computation or client sockets.
// The queue is bounded; when it overflows the notifier resends the status
// of every watched address once it catches up.
type notifier struct {
    subs   *SubscriptionManager
    queue  chan notification
    status func(storage.AddrHash) (*string, *QueryError)
    tip    func() (*HeaderResult, *QueryError)

    overflow atomic.Bool
    dropped  atomic.Int64
}

func newNotifier(subs *SubscriptionManager, size int,
    status func(storage.AddrHash) (*string, *QueryError),
    tip func() (*HeaderResult, *QueryError)) *notifier {

    if size <= 0 {
        size = 1024
    }
    return &notifier{
        subs:   subs,
        queue:  make(chan notification, size),
        status: status,
        tip:    tip,
    }
}

// enqueue never blocks.
func (n *notifier) enqueue(note notification) {
    select {
    case n.queue <- note:
    default:
        n.dropped.Add(1)
        if !n.overflow.Swap(true) {
            log.Warnf("⚠️  Notification queue full, resyncing subscribers later")
        }
    }
}

func (n *notifier) run(ctx context.Context) error {
    log.Infof("📡 Notifier started")

    for {
        select {
        case <-ctx.Done():
            log.Infof("📡 Notifier stopped (%d dropped)", n.dropped.Load())
            return nil

        case note := <-n.queue:
            n.deliver(note)
            if len(n.queue) == 0 && n.overflow.Swap(false) {
                n.resync()
            }
        }
    }
}

func (n *notifier) deliver(note notification) {
    if note.tip != nil {
        n.subs.NotifyTip(note.tip)
    }
    for _, addr := range note.touched {
        n.notifyAddress(addr)
    }
}

func (n *notifier) notifyAddress(addr storage.AddrHash) {
    if !n.subs.IsSubscribed(addr) {
        return
    }
    status, qerr := n.status(addr)
    if qerr != nil {
        log.Warnf("⚠️  Failed to compute status for %s: %s", addr, qerr.Message)
        return
    }
    n.subs.NotifyAddress(addr, status)
}

// resync pushes the current tip and every watched status.
func (n *notifier) resync() {
    if tip, qerr := n.tip(); qerr == nil {
        n.subs.NotifyTip(tip)
    }
    addrs := n.subs.Addresses()
    for _, addr := range addrs {
        n.notifyAddress(addr)
    }
    log.Infof("📡 Resynced %d subscribed addresses", len(addrs))
}
