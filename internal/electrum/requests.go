package electrum

import (
    "bytes"
    "encoding/json"
    "fmt"
    "math"
    "sort"

    "github.com/btcsuite/btcd/chaincfg"
    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/wire"

    "github.com/ripsline/electrum-trie/internal/indexer"
    "github.com/ripsline/electrum-trie/internal/storage"
)

// Request is one parsed client request. The set of request types is closed:
// only this package implements Request, and Dispatch handles every one.
type Request interface {
    request()
}

// Address is an address parameter: its hash and the string the client sent,
// which notifications echo back.
type Address struct {
    Hash storage.AddrHash
    Name string
}

type (
    ServerVersion struct {
        Client   string
        Protocol string
    }
    ServerBanner   struct{}
    ServerPing     struct{}
    ServerFeatures struct{}

    AddressGetBalance  struct{ Address }
    AddressGetHistory  struct{ Address }
    AddressGetMempool  struct{ Address }
    AddressSubscribe   struct{ Address }
    AddressUnsubscribe struct{ Address }
    AddressGetProof    struct{ Address }
    AddressListUnspent struct{ Address }

    UTXOGetAddress struct {
        OutPoint wire.OutPoint
    }

    BlockGetHeader struct {
        Height int32
    }
    BlockGetChunk struct {
        Index int32
    }
    BlockHeaders struct {
        Start int32
        Count int32
    }

    TransactionGet struct {
        Txid chainhash.Hash
    }
    TransactionGetMerkle struct {
        Txid   chainhash.Hash
        Height int32
    }
    TransactionBroadcast struct {
        RawHex string
    }

    HeadersSubscribe   struct{}
    NumblocksSubscribe struct{}
)

func (ServerVersion) request()        {}
func (ServerBanner) request()         {}
func (ServerPing) request()           {}
func (ServerFeatures) request()       {}
func (AddressGetBalance) request()    {}
func (AddressGetHistory) request()    {}
func (AddressGetMempool) request()    {}
func (AddressSubscribe) request()     {}
func (AddressUnsubscribe) request()   {}
func (AddressGetProof) request()      {}
func (AddressListUnspent) request()   {}
func (UTXOGetAddress) request()       {}
func (BlockGetHeader) request()       {}
func (BlockGetChunk) request()        {}
func (BlockHeaders) request()         {}
func (TransactionGet) request()       {}
func (TransactionGetMerkle) request() {}
func (TransactionBroadcast) request() {}
func (HeadersSubscribe) request()     {}
func (NumblocksSubscribe) request()   {}

type parser func(p params, net *chaincfg.Params) (Request, *QueryError)

// methods maps wire method names to request parsers.
var methods = map[string]parser{
    "server.version": func(p params, _ *chaincfg.Params) (Request, *QueryError) {
        var r ServerVersion
        if p.has(0) {
            r.Client, _ = p.string(0, "client_name")
        }
        if p.has(1) {
            r.Protocol, _ = p.string(1, "protocol_version")
        }
        return r, nil
    },
    "server.banner": func(params, *chaincfg.Params) (Request, *QueryError) {
        return ServerBanner{}, nil
    },
    "server.ping": func(params, *chaincfg.Params) (Request, *QueryError) {
        return ServerPing{}, nil
    },
    "server.features": func(params, *chaincfg.Params) (Request, *QueryError) {
        return ServerFeatures{}, nil
    },

    "blockchain.address.get_balance": addressRequest(func(a Address) Request {
        return AddressGetBalance{a}
    }),
    "blockchain.address.get_history": addressRequest(func(a Address) Request {
        return AddressGetHistory{a}
    }),
    "blockchain.address.get_mempool": addressRequest(func(a Address) Request {
        return AddressGetMempool{a}
    }),
    "blockchain.address.subscribe": addressRequest(func(a Address) Request {
        return AddressSubscribe{a}
    }),
    "blockchain.address.unsubscribe": addressRequest(func(a Address) Request {
        return AddressUnsubscribe{a}
    }),
    "blockchain.address.get_proof": addressRequest(func(a Address) Request {
        return AddressGetProof{a}
    }),
    "blockchain.address.listunspent": addressRequest(func(a Address) Request {
        return AddressListUnspent{a}
    }),

    "blockchain.utxo.get_address": func(p params, _ *chaincfg.Params) (Request, *QueryError) {
        txid, qerr := p.hash(0, "txid")
        if qerr != nil {
            return nil, qerr
        }
        index, qerr := p.int(1, "output index", 0, math.MaxUint32)
        if qerr != nil {
            return nil, qerr
        }
        return UTXOGetAddress{OutPoint: wire.OutPoint{Hash: txid, Index: uint32(index)}}, nil
    },

    "blockchain.block.get_header": blockHeader,
    "blockchain.block.header":     blockHeader,
    "blockchain.block.get_chunk": func(p params, _ *chaincfg.Params) (Request, *QueryError) {
        index, qerr := p.int(0, "index", 0, math.MaxInt32)
        if qerr != nil {
            return nil, qerr
        }
        return BlockGetChunk{Index: int32(index)}, nil
    },
    "blockchain.block.headers": func(p params, _ *chaincfg.Params) (Request, *QueryError) {
        start, qerr := p.int(0, "start_height", 0, math.MaxInt32)
        if qerr != nil {
            return nil, qerr
        }
        count, qerr := p.int(1, "count", 0, math.MaxInt32)
        if qerr != nil {
            return nil, qerr
        }
        return BlockHeaders{Start: int32(start), Count: int32(count)}, nil
    },

    "blockchain.transaction.get": func(p params, _ *chaincfg.Params) (Request, *QueryError) {
        txid, qerr := p.hash(0, "txid")
        if qerr != nil {
            return nil, qerr
        }
        if p.has(1) {
            var verbose bool
            if err := json.Unmarshal(p[1], &verbose); err != nil || verbose {
                return nil, badParams("verbose transaction.get is not supported")
            }
        }
        return TransactionGet{Txid: txid}, nil
    },
    "blockchain.transaction.get_merkle": func(p params, _ *chaincfg.Params) (Request, *QueryError) {
        txid, qerr := p.hash(0, "txid")
        if qerr != nil {
            return nil, qerr
        }
        height, qerr := p.int(1, "height", 0, math.MaxInt32)
        if qerr != nil {
            return nil, qerr
        }
        return TransactionGetMerkle{Txid: txid, Height: int32(height)}, nil
    },
    "blockchain.transaction.broadcast": func(p params, _ *chaincfg.Params) (Request, *QueryError) {
        raw, qerr := p.string(0, "raw_tx")
        if qerr != nil {
            return nil, qerr
        }
        return TransactionBroadcast{RawHex: raw}, nil
    },

    "blockchain.headers.subscribe": func(params, *chaincfg.Params) (Request, *QueryError) {
        return HeadersSubscribe{}, nil
    },
    "blockchain.numblocks.subscribe": func(params, *chaincfg.Params) (Request, *QueryError) {
        return NumblocksSubscribe{}, nil
    },
}

func addressRequest(build func(Address) Request) parser {
    return func(p params, net *chaincfg.Params) (Request, *QueryError) {
        name, qerr := p.string(0, "address")
        if qerr != nil {
            return nil, qerr
        }
        hash, err := indexer.ParseAddress(name, net)
        if err != nil {
            return nil, badParams("%v", err)
        }
        return build(Address{Hash: hash, Name: name}), nil
    }
}

func blockHeader(p params, _ *chaincfg.Params) (Request, *QueryError) {
    height, qerr := p.int(0, "height", 0, math.MaxInt32)
    if qerr != nil {
        return nil, qerr
    }
    return BlockGetHeader{Height: int32(height)}, nil
}

// Methods returns every supported method name, sorted.
func Methods() []string {
    out := make([]string, 0, len(methods))
    for name := range methods {
        out = append(out, name)
    }
    sort.Strings(out)
    return out
}

// ParseRequest turns a method name and its JSON params into a Request.
func ParseRequest(method string, raw json.RawMessage, net *chaincfg.Params) (Request, *QueryError) {
    parse, ok := methods[method]
    if !ok {
        return nil, &QueryError{
            Code:    ErrCodeMethodNotFound,
            Message: fmt.Sprintf("unknown method: %s", method),
        }
    }

    p, qerr := decodeParams(raw)
    if qerr != nil {
        return nil, qerr
    }
    return parse(p, net)
}

// Dispatch answers req for the subscriber that sent it.
func (idx *Index) Dispatch(sub Subscriber, req Request) (interface{}, *QueryError) {
    switch r := req.(type) {
    case ServerVersion:
        return []string{ServerAgent, ProtocolVersion}, nil
    case ServerBanner:
        return idx.Banner(), nil
    case ServerPing:
        return nil, nil
    case ServerFeatures:
        return idx.Features(), nil

    case AddressGetBalance:
        return idx.Balance(r.Hash)
    case AddressGetHistory:
        return idx.History(r.Hash)
    case AddressGetMempool:
        return idx.Mempool(r.Hash), nil
    case AddressSubscribe:
        idx.subs.SubscribeAddress(sub, r.Hash, r.Name)
        return idx.Status(r.Hash)
    case AddressUnsubscribe:
        return idx.subs.UnsubscribeAddress(sub, r.Hash), nil
    case AddressGetProof:
        return idx.Proof(r.Hash)
    case AddressListUnspent:
        return idx.ListUnspent(r.Hash)

    case UTXOGetAddress:
        return idx.UTXOAddress(r.OutPoint)

    case BlockGetHeader:
        return idx.Header(r.Height)
    case BlockGetChunk:
        return idx.Chunk(r.Index)
    case BlockHeaders:
        return idx.Headers(r.Start, r.Count)

    case TransactionGet:
        return idx.TransactionGet(r.Txid)
    case TransactionGetMerkle:
        return idx.Merkle(r.Txid, r.Height)
    case TransactionBroadcast:
        return idx.Broadcast(r.RawHex), nil

    case HeadersSubscribe:
        idx.subs.SubscribeHeaders(sub)
        return idx.Tip()
    case NumblocksSubscribe:
        idx.subs.SubscribeNumblocks(sub)
        return idx.Height(), nil

    default:
        return nil, &QueryError{
            Code:    ErrCodeInternal,
            Message: fmt.Sprintf("unhandled request %T", req),
        }
    }
}

// params are positional JSON-RPC parameters.
type params []json.RawMessage

func decodeParams(raw json.RawMessage) (params, *QueryError) {
    raw = bytes.TrimSpace(raw)
    if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
        return nil, nil
    }

    var p params
    if err := json.Unmarshal(raw, &p); err != nil {
        return nil, badParams("params must be an array")
    }
    return p, nil
}

func (p params) has(i int) bool {
    return i < len(p)
}

func (p params) string(i int, name string) (string, *QueryError) {
    if !p.has(i) {
        return "", badParams("missing %s", name)
    }
    var s string
    if err := json.Unmarshal(p[i], &s); err != nil {
        return "", badParams("%s must be a string", name)
    }
    return s, nil
}

func (p params) int(i int, name string, min, max int64) (int64, *QueryError) {
    if !p.has(i) {
        return 0, badParams("missing %s", name)
    }
    var n int64
    if err := json.Unmarshal(p[i], &n); err != nil {
        return 0, badParams("%s must be an integer", name)
    }
    if n < min || n > max {
        return 0, badParams("%s %d out of range", name, n)
    }
    return n, nil
}

func (p params) hash(i int, name string) (chainhash.Hash, *QueryError) {
    s, qerr := p.string(i, name)
    if qerr != nil {
        return chainhash.Hash{}, qerr
    }
    if len(s) != chainhash.MaxHashStringSize {
        return chainhash.Hash{}, badParams("invalid %s", name)
    }
    h, err := chainhash.NewHashFromStr(s)
    if err != nil {
        return chainhash.Hash{}, badParams("invalid %s", name)
    }
    return *h, nil
}
