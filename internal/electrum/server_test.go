package electrum

import (
    "bufio"
    "encoding/json"
    "net"
    "testing"
    "time"

    "github.com/btcsuite/btcd/wire"
    "github.com/stretchr/testify/require"

    "github.com/ripsline/electrum-trie/internal/chaintest"
)

type testClient struct {
    conn    net.Conn
    scanner *bufio.Scanner
}

func startServer(t *testing.T, idx *Index) *Server {
    t.Helper()

    s := NewServer(ServerConfig{Listen: "127.0.0.1:0", RequestTimeout: 5 * time.Second}, idx)
    require.NoError(t, s.Listen())

    done := make(chan error, 1)
    go func() {
        done <- s.Serve()
    }()
    t.Cleanup(func() {
        require.NoError(t, s.Stop())
        require.NoError(t, <-done)
    })
    return s
}

func dial(t *testing.T, s *Server) *testClient {
    t.Helper()

    conn, err := net.Dial("tcp", s.Addr().String())
    require.NoError(t, err)
    t.Cleanup(func() { conn.Close() })

    scanner := bufio.NewScanner(conn)
    scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
    return &testClient{conn: conn, scanner: scanner}
}

func (c *testClient) send(t *testing.T, line string) {
    t.Helper()
    _, err := c.conn.Write([]byte(line + "\n"))
    require.NoError(t, err)
}

func (c *testClient) read(t *testing.T) []byte {
    t.Helper()
    require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
    require.True(t, c.scanner.Scan(), "no line from server: %v", c.scanner.Err())
    return append([]byte(nil), c.scanner.Bytes()...)
}

type wireResponse struct {
    ID     json.RawMessage `json:"id"`
    Method string          `json:"method"`
    Result json.RawMessage `json:"result"`
    Params json.RawMessage `json:"params"`
    Error  *QueryError     `json:"error"`
}

func (c *testClient) readResponse(t *testing.T) wireResponse {
    t.Helper()
    var resp wireResponse
    require.NoError(t, json.Unmarshal(c.read(t), &resp))
    return resp
}

func TestServerVersionOverTCP(t *testing.T) {
    e := newEnv(t)
    s := startServer(t, e.idx)
    c := dial(t, s)

    c.send(t, `{"jsonrpc":"2.0","id":1,"method":"server.version","params":["test","1.4"]}`)
    resp := c.readResponse(t)
    require.Nil(t, resp.Error)
    require.JSONEq(t, `1`, string(resp.ID))

    var version []string
    require.NoError(t, json.Unmarshal(resp.Result, &version))
    require.Equal(t, []string{ServerAgent, ProtocolVersion}, version)

    require.Eventually(t, func() bool {
        return s.ActiveConnections() == 1
    }, 5*time.Second, 10*time.Millisecond)
    require.EqualValues(t, 1, s.TotalConnections())
}

func TestServerPingHasNullResult(t *testing.T) {
    e := newEnv(t)
    c := dial(t, startServer(t, e.idx))

    c.send(t, `{"jsonrpc":"2.0","id":"p","method":"server.ping","params":[]}`)
    resp := c.readResponse(t)
    require.Nil(t, resp.Error)
    require.Equal(t, "null", string(resp.Result))
}

func TestServerErrors(t *testing.T) {
    e := newEnv(t)
    c := dial(t, startServer(t, e.idx))

    c.send(t, `{"jsonrpc":"2.0","id":2,"method":"blockchain.nope","params":[]}`)
    resp := c.readResponse(t)
    require.NotNil(t, resp.Error)
    require.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
    require.JSONEq(t, `2`, string(resp.ID))

    c.send(t, `{"jsonrpc":"2.0","id":3,"method":`)
    resp = c.readResponse(t)
    require.NotNil(t, resp.Error)
    require.Equal(t, ErrCodeParse, resp.Error.Code)

    c.send(t, `[]`)
    resp = c.readResponse(t)
    require.NotNil(t, resp.Error)
    require.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)

    c.send(t, `{"jsonrpc":"2.0","id":4,"params":[]}`)
    resp = c.readResponse(t)
    require.NotNil(t, resp.Error)
    require.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)

    // The connection survives bad requests.
    c.send(t, `{"jsonrpc":"2.0","id":5,"method":"server.ping"}`)
    resp = c.readResponse(t)
    require.Nil(t, resp.Error)
}

func TestServerBatch(t *testing.T) {
    e := newEnv(t)
    fundAlice(t, e)
    c := dial(t, startServer(t, e.idx))

    alice := addressOf(t, 0x0a)
    c.send(t, `[`+
        `{"jsonrpc":"2.0","id":1,"method":"blockchain.address.get_balance","params":["`+alice+`"]},`+
        `{"jsonrpc":"2.0","id":2,"method":"blockchain.block.get_header","params":[999]},`+
        `{"jsonrpc":"2.0","id":3,"method":"server.ping","params":[]}`+
        `]`)

    var resps []wireResponse
    require.NoError(t, json.Unmarshal(c.read(t), &resps))
    require.Len(t, resps, 3)

    require.Nil(t, resps[0].Error)
    var balance BalanceResult
    require.NoError(t, json.Unmarshal(resps[0].Result, &balance))
    want, qerr := e.idx.Balance(scriptAddr(t, aliceScript))
    require.Nil(t, qerr)
    require.Equal(t, *want, balance)

    require.NotNil(t, resps[1].Error)
    require.Equal(t, ErrCodeBadRequest, resps[1].Error.Code)
    require.JSONEq(t, `2`, string(resps[1].ID))

    require.Nil(t, resps[2].Error)
}

func TestServerPushesAddressNotifications(t *testing.T) {
    e := newEnv(t)
    e.mineEmpty(1)
    e.sync(t)
    runNotifier(t, e.idx)

    s := startServer(t, e.idx)
    c := dial(t, s)

    alice := addressOf(t, 0x0a)
    c.send(t, `{"jsonrpc":"2.0","id":1,"method":"blockchain.address.subscribe","params":["`+alice+`"]}`)
    resp := c.readResponse(t)
    require.Nil(t, resp.Error)
    require.Equal(t, "null", string(resp.Result))

    require.Eventually(t, func() bool {
        return e.idx.Subscriptions().IsSubscribed(scriptAddr(t, aliceScript))
    }, 5*time.Second, 10*time.Millisecond)

    e.d.Mine(0, []*wire.TxOut{chaintest.PayTo(aliceScript, 42_000)})
    e.sync(t)

    push := c.readResponse(t)
    require.Equal(t, "blockchain.address.subscribe", push.Method)

    var params []json.RawMessage
    require.NoError(t, json.Unmarshal(push.Params, &params))
    require.Len(t, params, 2)

    var name, status string
    require.NoError(t, json.Unmarshal(params[0], &name))
    require.NoError(t, json.Unmarshal(params[1], &status))
    require.Equal(t, alice, name)

    want, qerr := e.idx.Status(scriptAddr(t, aliceScript))
    require.Nil(t, qerr)
    require.Equal(t, *want, status)
}

func TestServerDropsSubscriptionsOnDisconnect(t *testing.T) {
    e := newEnv(t)
    c := dial(t, startServer(t, e.idx))

    c.send(t, `{"jsonrpc":"2.0","id":1,"method":"blockchain.address.subscribe","params":["`+addressOf(t, 0x0a)+`"]}`)
    c.readResponse(t)

    _, _, conns := e.idx.Subscriptions().Totals()
    require.Equal(t, 1, conns)

    require.NoError(t, c.conn.Close())
    require.Eventually(t, func() bool {
        addrs, _, conns := e.idx.Subscriptions().Totals()
        return addrs == 0 && conns == 0
    }, 5*time.Second, 10*time.Millisecond)
}
