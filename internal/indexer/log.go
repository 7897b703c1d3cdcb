package indexer

import "github.com/btcsuite/btclog"

// log is disabled until the caller installs a logger with UseLogger.
var log = btclog.Disabled

// DisableLog disables all package log output.
func DisableLog() {
    log = btclog.Disabled
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
    log = logger
}
