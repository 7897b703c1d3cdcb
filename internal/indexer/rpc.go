package indexer

import (
    "encoding/json"
    "fmt"

    "github.com/btcsuite/btcd/rpcclient"
)

var _ Daemon = (*RPCDaemon)(nil)

// RPCDaemon talks to Bitcoin Core over HTTP POST JSON-RPC.
type RPCDaemon struct {
    *rpcclient.Client
}

// RPCConfig holds the node connection settings.
type RPCConfig struct {
    Host string
    User string
    Pass string
}

// BlockchainInfo is the subset of getblockchaininfo used at startup.
type BlockchainInfo struct {
    Chain                string   `json:"chain"`
    Blocks               int64    `json:"blocks"`
    Headers              int64    `json:"headers"`
    BestBlockHash        string   `json:"bestblockhash"`
    VerificationProgress float64  `json:"verificationprogress"`
    InitialBlockDownload bool     `json:"initialblockdownload"`
    Pruned               bool     `json:"pruned"`
    PruneHeight          int64    `json:"pruneheight,omitempty"`
    Warnings             []string `json:"warnings"`
}

// NewRPCDaemon connects to the node and checks that it answers.
func NewRPCDaemon(cfg RPCConfig) (*RPCDaemon, error) {
    connCfg := &rpcclient.ConnConfig{
        Host:         cfg.Host,
        User:         cfg.User,
        Pass:         cfg.Pass,
        HTTPPostMode: true,
        DisableTLS:   true,
    }

    client, err := rpcclient.New(connCfg, nil)
    if err != nil {
        return nil, fmt.Errorf("failed to create RPC client: %w", err)
    }

    if _, err := client.GetBlockCount(); err != nil {
        client.Shutdown()
        return nil, fmt.Errorf("failed to connect: %w", err)
    }

    return &RPCDaemon{Client: client}, nil
}

// BlockchainInfo fetches getblockchaininfo. Older nodes report warnings as a
// single string.
func (d *RPCDaemon) BlockchainInfo() (*BlockchainInfo, error) {
    result, err := d.RawRequest("getblockchaininfo", nil)
    if err != nil {
        return nil, fmt.Errorf("getblockchaininfo RPC failed: %w", err)
    }

    var info BlockchainInfo
    if err := json.Unmarshal(result, &info); err != nil {
        var legacyInfo struct {
            BlockchainInfo
            Warnings string `json:"warnings"`
        }
        if err2 := json.Unmarshal(result, &legacyInfo); err2 != nil {
            return nil, fmt.Errorf("failed to parse getblockchaininfo: %w", err)
        }
        info = legacyInfo.BlockchainInfo
        if legacyInfo.Warnings != "" {
            info.Warnings = []string{legacyInfo.Warnings}
        }
    }

    return &info, nil
}

func (d *RPCDaemon) Broadcast(rawHex string) (string, error) {
    param, err := json.Marshal(rawHex)
    if err != nil {
        return "", err
    }

    result, err := d.RawRequest("sendrawtransaction", []json.RawMessage{param})
    if err != nil {
        return "", err
    }

    var txid string
    if err := json.Unmarshal(result, &txid); err != nil {
        return string(result), nil
    }
    return txid, nil
}

func (d *RPCDaemon) Close() {
    d.Shutdown()
}
