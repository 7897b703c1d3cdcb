package electrum

import (
    "bufio"
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net"
    "sync"
    "sync/atomic"
    "time"
)

// ServerConfig configures the line-delimited JSON-RPC listener.
type ServerConfig struct {
    Listen         string
    MaxConnections int
    RequestTimeout time.Duration
    LogRequests    bool
}

// Server speaks newline-delimited JSON-RPC over TCP and hands every request
// to the Index.
type Server struct {
    cfg   ServerConfig
    index *Index

    mu       sync.Mutex
    listener net.Listener

    connCount       int64
    activeConnCount int64
    connLimiter     chan struct{}

    ctx    context.Context
    cancel context.CancelFunc
    wg     sync.WaitGroup
}

type rpcRequest struct {
    JsonRPC string          `json:"jsonrpc"`
    ID      interface{}     `json:"id"`
    Method  string          `json:"method"`
    Params  json.RawMessage `json:"params"`
}

type Response struct {
    JsonRPC string      `json:"jsonrpc"`
    ID      interface{} `json:"id"`
    Result  interface{} `json:"-"`
    Error   *QueryError `json:"error,omitempty"`
}

func (r *Response) MarshalJSON() ([]byte, error) {
    type Alias Response

    if r.Error != nil {
        return json.Marshal(&struct {
            *Alias
        }{
            Alias: (*Alias)(r),
        })
    }

    return json.Marshal(&struct {
        *Alias
        Result interface{} `json:"result"`
    }{
        Alias:  (*Alias)(r),
        Result: r.Result,
    })
}

// ConnWriter serializes all writes to a connection to avoid interleaving.
type ConnWriter struct {
    conn   net.Conn
    ch     chan []byte
    done   chan struct{}
    wg     sync.WaitGroup
    mu     sync.RWMutex
    closed bool
}

var _ Subscriber = (*ConnWriter)(nil)

func NewConnWriter(conn net.Conn, bufSize int) *ConnWriter {
    w := &ConnWriter{
        conn: conn,
        ch:   make(chan []byte, bufSize),
        done: make(chan struct{}),
    }
    w.wg.Add(1)
    go w.writeLoop()
    return w
}

func (w *ConnWriter) writeLoop() {
    defer w.wg.Done()
    for {
        select {
        case data := <-w.ch:
            _ = w.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
            if _, err := w.conn.Write(data); err != nil {
                log.Debugf("Write to %s failed: %v", w.conn.RemoteAddr(), err)
            }
        case <-w.done:
            return
        }
    }
}

var errWriterClosed = errors.New("writer closed")

// Send queues data, blocking while the buffer is full.
func (w *ConnWriter) Send(data []byte) error {
    w.mu.RLock()
    defer w.mu.RUnlock()

    if w.closed {
        return errWriterClosed
    }
    select {
    case w.ch <- data:
        return nil
    case <-w.done:
        return errWriterClosed
    }
}

// TrySend queues data unless the buffer is full.
func (w *ConnWriter) TrySend(data []byte) bool {
    w.mu.RLock()
    defer w.mu.RUnlock()

    if w.closed {
        return false
    }
    select {
    case w.ch <- data:
        return true
    default:
        return false
    }
}

func (w *ConnWriter) Close() {
    w.mu.Lock()
    if w.closed {
        w.mu.Unlock()
        return
    }
    w.closed = true
    close(w.done)
    w.mu.Unlock()

    w.wg.Wait()
}

func NewServer(cfg ServerConfig, index *Index) *Server {
    if cfg.MaxConnections <= 0 {
        cfg.MaxConnections = 100
    }
    if cfg.RequestTimeout <= 0 {
        cfg.RequestTimeout = 30 * time.Second
    }

    ctx, cancel := context.WithCancel(context.Background())

    return &Server{
        cfg:         cfg,
        index:       index,
        connLimiter: make(chan struct{}, cfg.MaxConnections),
        ctx:         ctx,
        cancel:      cancel,
    }
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
    listener, err := net.Listen("tcp", s.cfg.Listen)
    if err != nil {
        return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
    }

    s.mu.Lock()
    s.listener = listener
    s.mu.Unlock()

    log.Infof("✅ Electrum server listening on %s", listener.Addr())
    log.Infof("   Max connections: %d", s.cfg.MaxConnections)
    log.Infof("   Request timeout: %s", s.cfg.RequestTimeout)
    return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
    s.mu.Lock()
    defer s.mu.Unlock()

    if s.listener == nil {
        return nil
    }
    return s.listener.Addr()
}

// Start listens and serves until Stop.
func (s *Server) Start() error {
    if err := s.Listen(); err != nil {
        return err
    }
    return s.Serve()
}

// Serve accepts connections on the bound listener until Stop.
func (s *Server) Serve() error {
    s.mu.Lock()
    listener := s.listener
    s.mu.Unlock()
    if listener == nil {
        return errors.New("server is not listening")
    }

    for {
        conn, err := listener.Accept()
        if err != nil {
            select {
            case <-s.ctx.Done():
                return nil
            default:
            }
            if errors.Is(err, net.ErrClosed) {
                return nil
            }
            log.Warnf("⚠️  Accept error: %v", err)
            continue
        }

        select {
        case s.connLimiter <- struct{}{}:
            s.wg.Add(1)
            go s.handleConnection(conn)

        default:
            log.Warnf("⚠️  Connection limit reached, rejecting %s", conn.RemoteAddr())
            conn.Close()
        }
    }
}

func (s *Server) Stop() error {
    log.Infof("🛑 Stopping Electrum server...")

    s.cancel()

    s.mu.Lock()
    if s.listener != nil {
        s.listener.Close()
    }
    s.mu.Unlock()

    done := make(chan struct{})
    go func() {
        s.wg.Wait()
        close(done)
    }()

    select {
    case <-done:
        log.Infof("✅ All connections closed")
    case <-time.After(10 * time.Second):
        log.Warnf("⚠️  Timeout waiting for connections to close")
    }

    log.Infof("📊 Server stopped (handled %d total connections)", atomic.LoadInt64(&s.connCount))

    return nil
}

func (s *Server) handleConnection(conn net.Conn) {
    writer := NewConnWriter(conn, 1000)

    defer func() {
        <-s.connLimiter
        s.index.Subscriptions().Unsubscribe(writer)
        writer.Close()
        conn.Close()
        atomic.AddInt64(&s.activeConnCount, -1)
        s.wg.Done()
    }()

    connID := atomic.AddInt64(&s.connCount, 1)
    atomic.AddInt64(&s.activeConnCount, 1)
    remoteAddr := conn.RemoteAddr().String()

    log.Debugf("📱 [%d] New connection from %s", connID, remoteAddr)

    handler := &ConnectionHandler{
        server:  s,
        conn:    conn,
        writer:  writer,
        connID:  connID,
        logReqs: s.cfg.LogRequests,
    }

    // Closing the socket unblocks a pending read on shutdown.
    stop := context.AfterFunc(s.ctx, func() { conn.Close() })
    defer stop()

    handler.serve()

    log.Debugf("📱 [%d] Connection closed: %s", connID, remoteAddr)
}

type ConnectionHandler struct {
    server  *Server
    conn    net.Conn
    writer  *ConnWriter
    connID  int64
    logReqs bool
}

func (h *ConnectionHandler) serve() {
    scanner := bufio.NewScanner(h.conn)

    const maxRequestSize = 10 * 1024 * 1024
    scanner.Buffer(make([]byte, 64*1024), maxRequestSize)

    for {
        if h.server.ctx.Err() != nil {
            return
        }

        _ = h.conn.SetReadDeadline(time.Now().Add(h.server.cfg.RequestTimeout))

        if !scanner.Scan() {
            if err := scanner.Err(); err != nil && h.logReqs {
                var netErr net.Error
                if !errors.As(err, &netErr) || !netErr.Timeout() {
                    log.Debugf("📱 [%d] Read error: %v", h.connID, err)
                }
            }
            return
        }

        responses, batch := h.processRequest(scanner.Bytes())
        if len(responses) == 0 {
            continue
        }

        h.sendResponses(responses, batch)
    }
}

// processRequest handles one line, which holds a request or a batch.
func (h *ConnectionHandler) processRequest(data []byte) ([]*Response, bool) {
    trimmed := bytes.TrimSpace(data)
    if len(trimmed) == 0 {
        return nil, false
    }

    if trimmed[0] == '[' {
        var reqs []rpcRequest
        if err := json.Unmarshal(trimmed, &reqs); err != nil {
            return []*Response{parseError(err)}, false
        }
        if len(reqs) == 0 {
            return []*Response{{
                JsonRPC: "2.0",
                Error:   &QueryError{Code: ErrCodeInvalidRequest, Message: "empty batch"},
            }}, false
        }

        if h.logReqs {
            log.Infof("📦 [%d] Batch request: %d calls", h.connID, len(reqs))
        }

        responses := make([]*Response, 0, len(reqs))
        for i := range reqs {
            responses = append(responses, h.handle(&reqs[i]))
        }
        return responses, true
    }

    var req rpcRequest
    if err := json.Unmarshal(trimmed, &req); err != nil {
        return []*Response{parseError(err)}, false
    }
    return []*Response{h.handle(&req)}, false
}

func parseError(err error) *Response {
    return &Response{
        JsonRPC: "2.0",
        Error: &QueryError{
            Code:    ErrCodeParse,
            Message: fmt.Sprintf("Parse error: %v", err),
        },
    }
}

// handle parses and dispatches one request. A panic in a handler only fails
// that request.
func (h *ConnectionHandler) handle(req *rpcRequest) (resp *Response) {
    resp = &Response{JsonRPC: "2.0", ID: req.ID}

    if h.logReqs {
        log.Infof("📨 [%d] %s (id=%v)", h.connID, req.Method, req.ID)
    }

    defer func() {
        if r := recover(); r != nil {
            log.Errorf("❌ [%d] %s panicked: %v", h.connID, req.Method, r)
            resp.Result = nil
            resp.Error = &QueryError{Code: ErrCodeInternal, Message: "internal error"}
        }
    }()

    if req.Method == "" {
        resp.Error = &QueryError{Code: ErrCodeInvalidRequest, Message: "missing method"}
        return resp
    }

    parsed, qerr := ParseRequest(req.Method, req.Params, h.server.index.Params())
    if qerr != nil {
        if h.logReqs {
            log.Infof("⚠️  [%d] %s rejected: %s", h.connID, req.Method, qerr.Message)
        }
        resp.Error = qerr
        return resp
    }

    result, qerr := h.server.index.Dispatch(h.writer, parsed)
    if qerr != nil {
        resp.Error = qerr
        return resp
    }
    resp.Result = result
    return resp
}

func (h *ConnectionHandler) sendResponses(resps []*Response, batch bool) {
    var data []byte
    var err error

    if batch {
        data, err = json.Marshal(resps)
    } else {
        data, err = json.Marshal(resps[0])
    }
    if err != nil {
        log.Warnf("⚠️  [%d] Failed to marshal response: %v", h.connID, err)
        return
    }

    data = append(data, '\n')
    _ = h.writer.Send(data)
}

func (s *Server) ActiveConnections() int64 {
    return atomic.LoadInt64(&s.activeConnCount)
}

func (s *Server) TotalConnections() int64 {
    return atomic.LoadInt64(&s.connCount)
}
