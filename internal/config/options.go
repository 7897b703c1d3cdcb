package config

import (
    "errors"
    "fmt"

    flags "github.com/jessevdk/go-flags"
)

// ErrShowVersion is returned by Load when --version was given.
var ErrShowVersion = errors.New("version requested")

// Options are the command-line flags. Set flags override the config file.
type Options struct {
    ConfigFile  string `short:"C" long:"config" description:"Path to configuration file"`
    ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

    Listen     string `long:"listen" description:"Listen for clients on host:port"`
    RPCHost    string `long:"rpc-host" description:"Bitcoin Core RPC host:port"`
    RPCUser    string `long:"rpc-user" description:"Bitcoin Core RPC username"`
    RPCPass    string `long:"rpc-pass" default-mask:"-" description:"Bitcoin Core RPC password"`
    DBPath     string `long:"db-path" description:"Directory of the trie database"`
    Backend    string `long:"backend" choice:"pebble" choice:"badger" description:"KV backend"`
    Network    string `long:"network" description:"Bitcoin network: mainnet, testnet3, testnet4, signet, regtest"`
    DebugLevel string `short:"d" long:"debuglevel" description:"Logging level: trace, debug, info, warn, error, critical, off"`
}

// Load parses args, reads the config file when one is named and applies
// the flag overrides. Help output is reported as a *flags.Error with type
// flags.ErrHelp.
func Load(args []string) (*Config, error) {
    var opts Options
    parser := flags.NewParser(&opts, flags.Default)
    if _, err := parser.ParseArgs(args); err != nil {
        return nil, err
    }
    if opts.ShowVersion {
        return nil, ErrShowVersion
    }

    cfg := DefaultConfig()
    if opts.ConfigFile != "" {
        if err := cfg.readFile(opts.ConfigFile); err != nil {
            return nil, err
        }
    }

    opts.apply(cfg)
    cfg.computeDerived()

    if err := cfg.Validate(); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }
    return cfg, nil
}

func (o *Options) apply(cfg *Config) {
    override := func(dst *string, v string) {
        if v != "" {
            *dst = v
        }
    }

    override(&cfg.Server.Listen, o.Listen)
    override(&cfg.Bitcoin.RPCHost, o.RPCHost)
    override(&cfg.Bitcoin.RPCUser, o.RPCUser)
    override(&cfg.Bitcoin.RPCPass, o.RPCPass)
    override(&cfg.Storage.DBPath, o.DBPath)
    override(&cfg.Storage.Backend, o.Backend)
    override(&cfg.Bitcoin.Network, o.Network)
    override(&cfg.Logging.Level, o.DebugLevel)
}
