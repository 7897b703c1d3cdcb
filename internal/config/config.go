// Package config provides configuration loading and validation for the trie server.
//
// Configuration can be loaded from a TOML file and/or overridden via command-line flags.
// The config is validated at load time to catch common mistakes early.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/btcsuite/btcd/chaincfg"
    "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the trie server.
// Fields are organized by component for clarity.
type Config struct {
    Server  ServerConfig  `toml:"server"`
    Bitcoin BitcoinConfig `toml:"bitcoin"`
    Storage StorageConfig `toml:"storage"`
    Indexer IndexerConfig `toml:"indexer"`
    Logging LoggingConfig `toml:"logging"`
}

// ServerConfig holds query server settings.
type ServerConfig struct {
    // Listen address in "host:port" format.
    // Use "127.0.0.1:50001" for local-only, "0.0.0.0:50001" for all interfaces.
    Listen string `toml:"listen"`

    // Maximum concurrent client connections.
    MaxConnections int `toml:"max_connections"`

    // How long to wait for client requests before timing out.
    // Parsed from seconds in config file.
    RequestTimeoutSeconds int `toml:"request_timeout_seconds"`

    // Computed field: RequestTimeout as time.Duration
    RequestTimeout time.Duration `toml:"-"`

    // Pending change notifications before the notifier falls back to a
    // full resync of every subscription.
    NotifyQueueSize int `toml:"notify_queue_size"`

    // Cache capacities. History entries are weighted by item count,
    // chunks count one each. Zero disables a cache.
    HistoryCacheSize uint64 `toml:"history_cache_size"`
    ChunkCacheSize   uint64 `toml:"chunk_cache_size"`
}

// BitcoinConfig holds Bitcoin Core RPC and ZMQ settings.
type BitcoinConfig struct {
    // Network name: mainnet, testnet3, testnet4, signet, regtest.
    Network string `toml:"network"`

    // RPC endpoint in "host:port" format (e.g., "127.0.0.1:8332").
    RPCHost string `toml:"rpc_host"`

    // RPC authentication credentials.
    // Must match rpcuser/rpcpassword in bitcoin.conf.
    RPCUser string `toml:"rpc_user"`
    RPCPass string `toml:"rpc_pass"`

    // ZMQ endpoints for block and transaction hash notifications.
    // Must match zmqpubhashblock/zmqpubhashtx in bitcoin.conf.
    ZMQBlockAddr string `toml:"zmq_block_addr"`
    ZMQTxAddr    string `toml:"zmq_tx_addr"`
}

// StorageConfig holds trie database settings.
type StorageConfig struct {
    // KV backend: "pebble" or "badger".
    Backend string `toml:"backend"`

    // Path to the database directory.
    // Will be created if it doesn't exist.
    DBPath string `toml:"db_path"`

    // Flat header file. Defaults to headers.dat next to the database.
    HeadersPath string `toml:"headers_path"`

    // Number of recent blocks that keep undo info.
    // Determines how deep a reorg we can handle.
    // 144 blocks ≈ 1 day on mainnet.
    UndoWindow uint32 `toml:"undo_window"`

    // Keep undo info for every block.
    RetainUndo bool `toml:"retain_undo"`

    // Largest confirmed history served per address, 0 for no limit.
    HistoryLimit int `toml:"history_limit"`
}

// IndexerConfig holds chain following settings.
type IndexerConfig struct {
    // How often to poll the daemon for a new tip (in milliseconds).
    PollIntervalMs int `toml:"poll_interval_ms"`

    // How often to reconcile the mempool (in milliseconds).
    MempoolIntervalMs int `toml:"mempool_interval_ms"`

    // Wake the sync worker early on ZMQ notifications.
    UseZMQ bool `toml:"use_zmq"`

    // Computed fields
    PollInterval    time.Duration `toml:"-"`
    MempoolInterval time.Duration `toml:"-"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
    // Log level: "trace", "debug", "info", "warn", "error", "critical", "off"
    Level string `toml:"level"`

    // Rotated log file; empty logs to stdout only.
    LogFile string `toml:"log_file"`

    // Whether to log each client request (very verbose).
    LogRequests bool `toml:"log_requests"`
}

// networks maps bitcoin.network to the params used for address decoding.
var networks = map[string]*chaincfg.Params{
    "mainnet":  &chaincfg.MainNetParams,
    "testnet3": &chaincfg.TestNet3Params,
    // testnet4 shares the testnet3 address encoding.
    "testnet4": &chaincfg.TestNet3Params,
    "signet":   &chaincfg.SigNetParams,
    "regtest":  &chaincfg.RegressionNetParams,
}

var validLevels = map[string]bool{
    "trace": true, "debug": true, "info": true, "warn": true,
    "error": true, "critical": true, "off": true,
}

// DefaultConfig returns a configuration with sensible defaults.
// These defaults are suitable for testnet4 development.
func DefaultConfig() *Config {
    cfg := &Config{
        Server: ServerConfig{
            Listen:                "127.0.0.1:50001",
            MaxConnections:        100,
            RequestTimeoutSeconds: 30,
            NotifyQueueSize:       1024,
            HistoryCacheSize:      100_000,
            ChunkCacheSize:        64,
        },
        Bitcoin: BitcoinConfig{
            Network:      "testnet4",
            RPCHost:      "127.0.0.1:48332",
            RPCUser:      "electrumgo",
            RPCPass:      "",
            ZMQBlockAddr: "tcp://127.0.0.1:28332",
            ZMQTxAddr:    "tcp://127.0.0.1:28333",
        },
        Storage: StorageConfig{
            Backend:      "pebble",
            DBPath:       "./data/trie.db",
            UndoWindow:   144,
            HistoryLimit: 10_000,
        },
        Indexer: IndexerConfig{
            PollIntervalMs:    2000,
            MempoolIntervalMs: 5000,
            UseZMQ:            false,
        },
        Logging: LoggingConfig{
            Level:       "info",
            LogRequests: false,
        },
    }
    cfg.computeDerived()
    return cfg
}

// LoadFromFile reads configuration from a TOML file.
// Missing fields retain their default values.
// Returns an error if the file cannot be read or parsed.
func LoadFromFile(path string) (*Config, error) {
    cfg := DefaultConfig()
    if err := cfg.readFile(path); err != nil {
        return nil, err
    }

    if err := cfg.Validate(); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return cfg, nil
}

func (c *Config) readFile(path string) error {
    data, err := os.ReadFile(path)
    if err != nil {
        return fmt.Errorf("failed to read config file %s: %w", path, err)
    }

    if err := toml.Unmarshal(data, c); err != nil {
        return fmt.Errorf("failed to parse config file %s: %w", path, err)
    }

    c.computeDerived()
    return nil
}

func (c *Config) computeDerived() {
    c.Server.RequestTimeout = time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
    c.Indexer.PollInterval = time.Duration(c.Indexer.PollIntervalMs) * time.Millisecond
    c.Indexer.MempoolInterval = time.Duration(c.Indexer.MempoolIntervalMs) * time.Millisecond
}

// Validate checks the configuration for common errors.
// Returns a descriptive error if validation fails.
func (c *Config) Validate() error {
    var errs []string

    // Server validation
    if c.Server.Listen == "" {
        errs = append(errs, "server.listen is required")
    }
    if c.Server.MaxConnections <= 0 {
        errs = append(errs, "server.max_connections must be positive")
    }
    if c.Server.RequestTimeoutSeconds <= 0 {
        errs = append(errs, "server.request_timeout_seconds must be positive")
    }
    if c.Server.NotifyQueueSize <= 0 {
        errs = append(errs, "server.notify_queue_size must be positive")
    }

    // Bitcoin validation
    if _, ok := networks[c.Bitcoin.Network]; !ok {
        errs = append(errs, fmt.Sprintf("bitcoin.network %q is unknown", c.Bitcoin.Network))
    }
    if c.Bitcoin.RPCHost == "" {
        errs = append(errs, "bitcoin.rpc_host is required")
    }
    if c.Bitcoin.RPCUser == "" {
        errs = append(errs, "bitcoin.rpc_user is required")
    }
    if c.Bitcoin.RPCPass == "" {
        errs = append(errs, "bitcoin.rpc_pass is required")
    }
    if c.Indexer.UseZMQ {
        if !strings.HasPrefix(c.Bitcoin.ZMQBlockAddr, "tcp://") {
            errs = append(errs, "bitcoin.zmq_block_addr must start with tcp://")
        }
        if !strings.HasPrefix(c.Bitcoin.ZMQTxAddr, "tcp://") {
            errs = append(errs, "bitcoin.zmq_tx_addr must start with tcp://")
        }
    }

    // Storage validation
    if c.Storage.Backend != "pebble" && c.Storage.Backend != "badger" {
        errs = append(errs, "storage.backend must be pebble or badger")
    }
    if c.Storage.DBPath == "" {
        errs = append(errs, "storage.db_path is required")
    }
    if c.Storage.UndoWindow == 0 && !c.Storage.RetainUndo {
        errs = append(errs, "storage.undo_window must be positive")
    }
    if c.Storage.HistoryLimit < 0 {
        errs = append(errs, "storage.history_limit must not be negative")
    }

    // Indexer validation
    if c.Indexer.PollIntervalMs <= 0 {
        errs = append(errs, "indexer.poll_interval_ms must be positive")
    }
    if c.Indexer.MempoolIntervalMs <= 0 {
        errs = append(errs, "indexer.mempool_interval_ms must be positive")
    }

    // Logging validation
    if !validLevels[strings.ToLower(c.Logging.Level)] {
        errs = append(errs, "logging.level must be one of: trace, debug, info, warn, error, critical, off")
    }

    if len(errs) > 0 {
        return errors.New(strings.Join(errs, "; "))
    }

    return nil
}

// Warnings lists settings that are valid but probably unintended.
func (c *Config) Warnings() []string {
    var warns []string

    if strings.HasPrefix(c.Server.Listen, "0.0.0.0") || strings.HasPrefix(c.Server.Listen, ":") {
        warns = append(warns, "server will be exposed to network without TLS encryption, "+
            "consider a reverse proxy with TLS for production use")
    }
    if c.Storage.UndoWindow > 1000 && !c.Storage.RetainUndo {
        warns = append(warns, fmt.Sprintf("storage.undo_window=%d is unusually large, "+
            "typical value is 144 (1 day)", c.Storage.UndoWindow))
    }
    return warns
}

// NetParams returns the chain parameters of bitcoin.network.
func (c *Config) NetParams() *chaincfg.Params {
    if params, ok := networks[c.Bitcoin.Network]; ok {
        return params
    }
    return &chaincfg.MainNetParams
}

// HeadersFile returns the header file path, defaulting to headers.dat
// next to the database directory.
func (c *Config) HeadersFile() string {
    if c.Storage.HeadersPath != "" {
        return c.Storage.HeadersPath
    }
    return filepath.Join(filepath.Dir(filepath.Clean(c.Storage.DBPath)), "headers.dat")
}

// EnsureDBDirectory creates the database directory if it doesn't exist.
// Returns an error if the directory cannot be created.
func (c *Config) EnsureDBDirectory() error {
    dir := filepath.Dir(c.Storage.DBPath)
    if dir == "" || dir == "." {
        dir = c.Storage.DBPath
    }

    if err := os.MkdirAll(dir, 0750); err != nil {
        return fmt.Errorf("failed to create database directory %s: %w", dir, err)
    }

    return nil
}

// String returns a human-readable representation of the config.
// Sensitive fields (passwords) are masked.
func (c *Config) String() string {
    passDisplay := "****"
    if c.Bitcoin.RPCPass == "" {
        passDisplay = "(empty)"
    }

    undo := fmt.Sprintf("%d blocks", c.Storage.UndoWindow)
    if c.Storage.RetainUndo {
        undo = "all blocks"
    }

    return fmt.Sprintf(`Configuration:
  Server:
    Listen:           %s
    Max Connections:  %d
    Request Timeout:  %s
    Notify Queue:     %d
    History Cache:    %d
    Chunk Cache:      %d
  Bitcoin:
    Network:          %s
    RPC Host:         %s
    RPC User:         %s
    RPC Pass:         %s
    ZMQ Block:        %s
    ZMQ Tx:           %s
  Storage:
    Backend:          %s
    DB Path:          %s
    Headers:          %s
    Undo Window:      %s
    History Limit:    %d
  Indexer:
    Poll Interval:    %s
    Mempool Interval: %s
    Use ZMQ:          %v
  Logging:
    Level:            %s
    Log File:         %s
    Log Requests:     %v`,
        c.Server.Listen,
        c.Server.MaxConnections,
        c.Server.RequestTimeout,
        c.Server.NotifyQueueSize,
        c.Server.HistoryCacheSize,
        c.Server.ChunkCacheSize,
        c.Bitcoin.Network,
        c.Bitcoin.RPCHost,
        c.Bitcoin.RPCUser,
        passDisplay,
        c.Bitcoin.ZMQBlockAddr,
        c.Bitcoin.ZMQTxAddr,
        c.Storage.Backend,
        c.Storage.DBPath,
        c.HeadersFile(),
        undo,
        c.Storage.HistoryLimit,
        c.Indexer.PollInterval,
        c.Indexer.MempoolInterval,
        c.Indexer.UseZMQ,
        c.Logging.Level,
        c.Logging.LogFile,
        c.Logging.LogRequests,
    )
}
