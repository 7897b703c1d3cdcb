// Package main is the entry point for the electrum-trie server.
package main

import (
    "context"
    "errors"
    "fmt"
    "os"
    "os/signal"
    "syscall"

    flags "github.com/jessevdk/go-flags"
    "golang.org/x/sync/errgroup"

    "github.com/ripsline/electrum-trie/internal/config"
    "github.com/ripsline/electrum-trie/internal/electrum"
    "github.com/ripsline/electrum-trie/internal/indexer"
    "github.com/ripsline/electrum-trie/internal/storage"
)

var (
    Version   = "0.1.0"
    GitCommit = "unknown"
    BuildTime = "unknown"
)

func main() {
    err := run()
    if err != nil {
        srvrLog.Criticalf("❌ %v", err)
    }
    if logRotator != nil {
        logRotator.Close()
    }
    if err != nil {
        os.Exit(1)
    }
}

func run() error {
    cfg, err := config.Load(os.Args[1:])
    if err != nil {
        var flagErr *flags.Error
        switch {
        case errors.Is(err, config.ErrShowVersion):
            fmt.Printf("electrum-trie %s\n", Version)
            fmt.Printf("  Git commit: %s\n", GitCommit)
            fmt.Printf("  Build time: %s\n", BuildTime)
            os.Exit(0)
        case errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp:
            os.Exit(0)
        }
        return fmt.Errorf("failed to load configuration: %w", err)
    }

    if cfg.Logging.LogFile != "" {
        if err := initLogRotator(cfg.Logging.LogFile); err != nil {
            return err
        }
    }
    setLogLevels(cfg.Logging.Level)

    printBanner()
    srvrLog.Info(cfg.String())
    for _, w := range cfg.Warnings() {
        srvrLog.Warnf("⚠️  %s", w)
    }

    if err := cfg.EnsureDBDirectory(); err != nil {
        return err
    }

    srvrLog.Infof("📂 Opening %s index...", cfg.Storage.Backend)
    store, err := storage.Open(storage.Config{
        Backend:      cfg.Storage.Backend,
        Path:         cfg.Storage.DBPath,
        HeadersPath:  cfg.HeadersFile(),
        UndoWindow:   cfg.Storage.UndoWindow,
        RetainUndo:   cfg.Storage.RetainUndo,
        HistoryLimit: cfg.Storage.HistoryLimit,
    })
    if err != nil {
        return fmt.Errorf("failed to open index: %w", err)
    }
    defer func() {
        srvrLog.Infof("📂 Closing index...")
        if err := store.Close(); err != nil {
            srvrLog.Warnf("⚠️  Error closing index: %v", err)
        }
    }()

    srvrLog.Infof("🔗 Connecting to Bitcoin Core...")
    daemon, err := indexer.NewRPCDaemon(indexer.RPCConfig{
        Host: cfg.Bitcoin.RPCHost,
        User: cfg.Bitcoin.RPCUser,
        Pass: cfg.Bitcoin.RPCPass,
    })
    if err != nil {
        return fmt.Errorf("failed to connect to Bitcoin Core: %w", err)
    }
    defer daemon.Close()

    logChainInfo(daemon)

    mempool := indexer.NewMempoolTracker(store, daemon)
    syncer := indexer.NewSynchronizer(store, daemon, mempool)

    idx := electrum.NewIndex(electrum.IndexConfig{
        Store:            store,
        Mempool:          mempool,
        Daemon:           daemon,
        Params:           cfg.NetParams(),
        HistoryCacheSize: cfg.Server.HistoryCacheSize,
        ChunkCacheSize:   cfg.Server.ChunkCacheSize,
        NotifyQueueSize:  cfg.Server.NotifyQueueSize,
    })
    syncer.Subscribe(idx)

    workerCfg := indexer.WorkerConfig{
        PollInterval:    cfg.Indexer.PollInterval,
        MempoolInterval: cfg.Indexer.MempoolInterval,
    }

    if cfg.Indexer.UseZMQ {
        zmqSub, err := indexer.NewZMQSubscriber(indexer.ZMQConfig{
            BlockAddr: cfg.Bitcoin.ZMQBlockAddr,
            TxAddr:    cfg.Bitcoin.ZMQTxAddr,
        })
        if err != nil {
            return fmt.Errorf("failed to initialize ZMQ: %w", err)
        }
        zmqSub.Start()
        defer zmqSub.Stop()

        workerCfg.BlockWake = zmqSub.BlockWake()
        workerCfg.TxWake = zmqSub.TxWake()
    }

    worker := indexer.NewWorker(workerCfg, syncer, mempool)

    server := electrum.NewServer(electrum.ServerConfig{
        Listen:         cfg.Server.Listen,
        MaxConnections: cfg.Server.MaxConnections,
        RequestTimeout: cfg.Server.RequestTimeout,
        LogRequests:    cfg.Logging.LogRequests,
    }, idx)
    if err := server.Listen(); err != nil {
        return err
    }

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    g, gctx := errgroup.WithContext(ctx)

    g.Go(func() error {
        if err := worker.Run(gctx); err != nil {
            return fmt.Errorf("sync worker stopped: %w", err)
        }
        return nil
    })
    g.Go(func() error {
        return idx.Run(gctx)
    })
    g.Go(func() error {
        if err := server.Serve(); err != nil {
            return fmt.Errorf("electrum server error: %w", err)
        }
        return nil
    })
    g.Go(func() error {
        <-gctx.Done()
        if ctx.Err() != nil {
            srvrLog.Infof("🛑 Received signal, shutting down...")
        }
        return server.Stop()
    })

    err = g.Wait()

    srvrLog.Infof("📊 %s", worker.Stats())
    srvrLog.Infof("📊 %s", idx.Stats())
    if err != nil {
        return err
    }

    srvrLog.Infof("✅ Shutdown complete")
    return nil
}

func logChainInfo(daemon *indexer.RPCDaemon) {
    info, err := daemon.BlockchainInfo()
    if err != nil {
        srvrLog.Warnf("⚠️  Failed to get blockchain info: %v", err)
        return
    }

    srvrLog.Infof("✅ Connected to Bitcoin Core")
    srvrLog.Infof("   Chain:       %s", info.Chain)
    srvrLog.Infof("   Blocks:      %d", info.Blocks)
    srvrLog.Infof("   Headers:     %d", info.Headers)
    srvrLog.Infof("   Pruned:      %v", info.Pruned)
    srvrLog.Infof("   Verification: %.2f%%", info.VerificationProgress*100)
    for _, w := range info.Warnings {
        srvrLog.Warnf("   ⚠️  Warning: %s", w)
    }

    if info.Pruned {
        srvrLog.Warnf("⚠️  Bitcoin Core is pruned, blocks below its prune height cannot be indexed")
    }
    if info.VerificationProgress < 0.9999 {
        srvrLog.Warnf("⚠️  Bitcoin Core is still syncing, the index follows its current tip")
    }
}

func printBanner() {
    srvrLog.Info("╔══════════════════════════════════════════════════════════════╗")
    srvrLog.Info("║                    electrum-trie Server                      ║")
    srvrLog.Info("║          Authenticated UTXO Trie • Address Index             ║")
    srvrLog.Info("╚══════════════════════════════════════════════════════════════╝")
}
