package indexer

import (
    "context"
    "encoding/binary"
    "fmt"
    "sync"
    "syscall"
    "time"

    zmq "github.com/pebbe/zmq4"
)

// ZMQSubscriber turns Bitcoin Core's hashblock/hashtx notifications into
// wake-ups for the sync worker. Payloads are ignored: the worker always
// reconciles against RPC, so a dropped or coalesced wake only delays work
// until the next timer tick.
type ZMQSubscriber struct {
    blockAddr string
    txAddr    string

    blockWake chan struct{}
    txWake    chan struct{}

    ctx    context.Context
    cancel context.CancelFunc

    wg sync.WaitGroup

    mu      sync.RWMutex
    streams map[string]*zmqStream
}

type zmqStream struct {
    received int64
    errors   int64
    lastSeq  uint32
    gaps     int64
}

type ZMQConfig struct {
    BlockAddr string
    TxAddr    string
}

func DefaultZMQConfig() ZMQConfig {
    return ZMQConfig{
        BlockAddr: "tcp://127.0.0.1:28332",
        TxAddr:    "tcp://127.0.0.1:28333",
    }
}

func NewZMQSubscriber(config ZMQConfig) (*ZMQSubscriber, error) {
    ctx, cancel := context.WithCancel(context.Background())

    z := &ZMQSubscriber{
        blockAddr: config.BlockAddr,
        txAddr:    config.TxAddr,
        blockWake: make(chan struct{}, 1),
        txWake:    make(chan struct{}, 1),
        ctx:       ctx,
        cancel:    cancel,
        streams: map[string]*zmqStream{
            "hashblock": {},
            "hashtx":    {},
        },
    }

    if err := z.testConnection(z.blockAddr, "zmqpubhashblock"); err != nil {
        cancel()
        return nil, err
    }
    if err := z.testConnection(z.txAddr, "zmqpubhashtx"); err != nil {
        cancel()
        return nil, err
    }

    log.Infof("✅ ZMQ connections verified")
    log.Infof("   Blocks: %s", z.blockAddr)
    log.Infof("   Txs:    %s", z.txAddr)

    return z, nil
}

func (z *ZMQSubscriber) testConnection(addr, option string) error {
    sock, err := zmq.NewSocket(zmq.SUB)
    if err != nil {
        return fmt.Errorf("failed to create ZMQ socket: %w", err)
    }
    defer sock.Close()

    sock.SetConnectTimeout(5 * time.Second)

    if err := sock.Connect(addr); err != nil {
        return fmt.Errorf("failed to connect to ZMQ at %s: %w\n"+
            "Ensure Bitcoin Core is configured with: %s=%s",
            addr, err, option, addr)
    }
    return nil
}

func (z *ZMQSubscriber) Start() {
    z.wg.Add(2)
    go z.subscribe(z.blockAddr, "hashblock", z.blockWake)
    go z.subscribe(z.txAddr, "hashtx", z.txWake)

    log.Infof("📡 ZMQ subscribers started")
}

func (z *ZMQSubscriber) newSubSocket(addr, topic string) (*zmq.Socket, error) {
    socket, err := zmq.NewSocket(zmq.SUB)
    if err != nil {
        return nil, err
    }

    socket.SetLinger(0)
    socket.SetRcvtimeo(1 * time.Second)

    if err := socket.Connect(addr); err != nil {
        socket.Close()
        return nil, err
    }

    if err := socket.SetSubscribe(topic); err != nil {
        socket.Close()
        return nil, err
    }

    return socket, nil
}

// subscribe keeps one topic connected, reconnecting with backoff.
func (z *ZMQSubscriber) subscribe(addr, topic string, wake chan struct{}) {
    defer z.wg.Done()

    backoff := time.Second
    maxBackoff := 30 * time.Second

    for {
        if z.ctx.Err() != nil {
            return
        }

        socket, err := z.newSubSocket(addr, topic)
        if err != nil {
            log.Warnf("⚠️  ZMQ %s connect failed: %v", topic, err)
            if !z.waitBackoff(backoff) {
                return
            }
            backoff = minDuration(backoff*2, maxBackoff)
            continue
        }

        backoff = time.Second
        log.Infof("📡 Listening for %s on ZMQ...", topic)

        err = z.recv(socket, topic, wake)
        socket.Close()
        if err == nil {
            return
        }

        z.mu.Lock()
        z.streams[topic].errors++
        z.mu.Unlock()

        log.Warnf("⚠️  ZMQ %s recv error: %v", topic, err)
        if !z.waitBackoff(backoff) {
            return
        }
        backoff = minDuration(backoff*2, maxBackoff)
    }
}

func (z *ZMQSubscriber) recv(socket *zmq.Socket, topic string, wake chan struct{}) error {
    for {
        select {
        case <-z.ctx.Done():
            log.Debugf("📡 ZMQ %s subscriber shutting down", topic)
            return nil
        default:
        }

        msg, err := socket.RecvMessageBytes(0)
        if err != nil {
            if isZMQTimeout(err) {
                continue
            }
            return err
        }

        if len(msg) < 2 {
            log.Warnf("⚠️  Invalid %s ZMQ message: %d parts", topic, len(msg))
            continue
        }

        if len(msg) >= 3 {
            z.handleSequence(topic, msg[2])
        }

        z.mu.Lock()
        z.streams[topic].received++
        z.mu.Unlock()

        notify(wake)
    }
}

// notify sends a non-blocking wake. A pending wake already covers this one.
func notify(wake chan struct{}) {
    select {
    case wake <- struct{}{}:
    default:
    }
}

// handleSequence counts gaps in the stream. Missed notifications need no
// replay since the worker reconciles everything on wake.
func (z *ZMQSubscriber) handleSequence(topic string, seqBytes []byte) {
    if len(seqBytes) < 4 {
        return
    }
    seq := binary.LittleEndian.Uint32(seqBytes[:4])

    z.mu.Lock()
    defer z.mu.Unlock()

    s := z.streams[topic]
    if s.lastSeq != 0 && seq != s.lastSeq+1 {
        s.gaps++
        log.Debugf("ZMQ %s sequence gap: expected %d, got %d",
            topic, s.lastSeq+1, seq)
    }
    s.lastSeq = seq
}

func (z *ZMQSubscriber) waitBackoff(d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()

    select {
    case <-z.ctx.Done():
        return false
    case <-t.C:
        return true
    }
}

func isZMQTimeout(err error) bool {
    return zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN)
}

func minDuration(a, b time.Duration) time.Duration {
    if a < b {
        return a
    }
    return b
}

// BlockWake fires after a hashblock notification.
func (z *ZMQSubscriber) BlockWake() <-chan struct{} {
    return z.blockWake
}

// TxWake fires after a hashtx notification.
func (z *ZMQSubscriber) TxWake() <-chan struct{} {
    return z.txWake
}

func (z *ZMQSubscriber) Stop() {
    log.Infof("📡 Stopping ZMQ subscriber...")

    z.cancel()
    z.wg.Wait()

    log.Infof("📡 ZMQ subscriber stopped (%s)", z.Stats())
}

func (z *ZMQSubscriber) Stats() ZMQStats {
    z.mu.RLock()
    defer z.mu.RUnlock()

    b, t := z.streams["hashblock"], z.streams["hashtx"]
    return ZMQStats{
        BlocksReceived: b.received,
        TxsReceived:    t.received,
        Errors:         b.errors + t.errors,
        SeqGapsBlock:   b.gaps,
        SeqGapsTx:      t.gaps,
    }
}

type ZMQStats struct {
    BlocksReceived int64
    TxsReceived    int64
    Errors         int64
    SeqGapsBlock   int64
    SeqGapsTx      int64
}

func (s ZMQStats) String() string {
    return fmt.Sprintf("ZMQ: %d blocks, %d txs received, %d errors, gaps: blocks=%d txs=%d",
        s.BlocksReceived, s.TxsReceived, s.Errors, s.SeqGapsBlock, s.SeqGapsTx)
}
