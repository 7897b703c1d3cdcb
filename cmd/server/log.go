package main

import (
    "fmt"
    "os"
    "path/filepath"

    "github.com/btcsuite/btclog"
    "github.com/jrick/logrotate/rotator"

    "github.com/ripsline/electrum-trie/internal/electrum"
    "github.com/ripsline/electrum-trie/internal/indexer"
    "github.com/ripsline/electrum-trie/internal/storage"
)

// logWriter writes to stdout and, once initialized, to the log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
    os.Stdout.Write(p)
    if logRotator != nil {
        logRotator.Write(p)
    }
    return len(p), nil
}

var (
    backendLog = btclog.NewBackend(logWriter{})

    // logRotator is nil unless logging.log_file is set. It is closed on
    // shutdown.
    logRotator *rotator.Rotator

    srvrLog = backendLog.Logger("SRVR")
    syncLog = backendLog.Logger("SYNC")
    storLog = backendLog.Logger("STOR")
    elecLog = backendLog.Logger("ELEC")
)

// subsystemLoggers maps each subsystem identifier to its logger.
var subsystemLoggers = map[string]btclog.Logger{
    "SRVR": srvrLog,
    "SYNC": syncLog,
    "STOR": storLog,
    "ELEC": elecLog,
}

func init() {
    storage.UseLogger(storLog)
    indexer.UseLogger(syncLog)
    electrum.UseLogger(elecLog)
}

// initLogRotator starts writing logs to logFile, rolling files in the same
// directory.
func initLogRotator(logFile string) error {
    logDir, _ := filepath.Split(logFile)
    if logDir != "" {
        if err := os.MkdirAll(logDir, 0700); err != nil {
            return fmt.Errorf("failed to create log directory: %w", err)
        }
    }

    r, err := rotator.New(logFile, 10*1024, false, 3)
    if err != nil {
        return fmt.Errorf("failed to create file rotator: %w", err)
    }

    logRotator = r
    return nil
}

// setLogLevels sets every subsystem to level. Invalid levels fall back to
// info.
func setLogLevels(level string) {
    lvl, ok := btclog.LevelFromString(level)
    if !ok {
        lvl = btclog.LevelInfo
    }
    for _, logger := range subsystemLoggers {
        logger.SetLevel(lvl)
    }
}
