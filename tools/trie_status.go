// trie_status.go prints the state of a trie index and can verify it.
//
// Opening the index trims a header file that is longer than the index, like
// the server does on start. Nothing else is written. The backends take an
// exclusive lock, so only run it while the server is STOPPED.
//
// Usage:
//   go run tools/trie_status.go --db ./data/trie.db
//   go run tools/trie_status.go --db ./data/trie.db --headers ./data/headers.dat --verify
//   go run tools/trie_status.go --db ./data/trie.db --backend badger

package main

import (
    "encoding/hex"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "time"

    flags "github.com/jessevdk/go-flags"

    "github.com/ripsline/electrum-trie/internal/storage"
)

type options struct {
    DBPath      string `long:"db" default:"./data/trie.db" description:"Path to the trie database"`
    HeadersPath string `long:"headers" description:"Header file (default: headers.dat next to the database)"`
    Backend     string `long:"backend" default:"pebble" choice:"pebble" choice:"badger" description:"KV backend"`
    Verify      bool   `long:"verify" description:"Recompute every trie hash and compare with the marker"`
}

func main() {
    var opts options
    if _, err := flags.Parse(&opts); err != nil {
        if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
            return
        }
        os.Exit(1)
    }

    if _, err := os.Stat(opts.DBPath); os.IsNotExist(err) {
        log.Fatalf("❌ Database not found at %s", opts.DBPath)
    }
    if opts.HeadersPath == "" {
        opts.HeadersPath = filepath.Join(filepath.Dir(filepath.Clean(opts.DBPath)), "headers.dat")
    }

    kv, err := storage.OpenKV(opts.Backend, opts.DBPath)
    if err != nil {
        log.Fatalf("❌ Failed to open database: %v", err)
    }

    counts := map[string]int64{
        "Trie nodes": countPrefix(kv, storage.PrefixTrie),
        "Outpoints":  countPrefix(kv, storage.PrefixBacklink),
        "History":    countPrefix(kv, storage.PrefixHistory),
        "Undo":       countPrefix(kv, storage.PrefixUndo),
    }

    headers, err := storage.OpenHeaderFile(opts.HeadersPath)
    if err != nil {
        kv.Close()
        log.Fatalf("❌ Failed to open header file: %v", err)
    }

    // Retention does not matter for a store that never commits.
    store, err := storage.New(kv, headers, storage.Config{RetainUndo: true})
    if err != nil {
        headers.Close()
        kv.Close()
        log.Fatalf("❌ Failed to open index: %v", err)
    }
    defer store.Close()

    // The marker shares the undo namespace.
    if store.Marker().Height >= 0 {
        counts["Undo"]--
    }

    showStatus(store, counts)

    if !opts.Verify {
        return
    }

    fmt.Println()
    fmt.Println("  🔍 Verifying trie hashes...")
    start := time.Now()
    root, err := store.Verify()
    if err != nil {
        store.Close()
        log.Fatalf("❌ Verification failed: %v", err)
    }
    fmt.Printf("  ✅ Root %s (%d sat) verified in %s\n",
        hex.EncodeToString(root.Hash[:]), root.Value, time.Since(start).Round(time.Millisecond))
}

func showStatus(store *storage.Store, counts map[string]int64) {
    fmt.Println("╔══════════════════════════════════════════════════════════════╗")
    fmt.Println("║               electrum-trie Index Status                     ║")
    fmt.Println("╚══════════════════════════════════════════════════════════════╝")
    fmt.Println()

    m := store.Marker()
    if m.Height < 0 {
        fmt.Println("  Marker:         (none)")
        fmt.Println("  Status:         Fresh database, no blocks indexed")
    } else {
        fmt.Printf("  Height:         %d\n", m.Height)
        fmt.Printf("  Block Hash:     %s\n", m.LastHash)
    }
    fmt.Printf("  Schema:         %d\n", m.Schema)
    fmt.Printf("  UTXO Root:      %s\n", hex.EncodeToString(m.Root.Hash[:]))
    fmt.Printf("  Total Value:    %d sat\n", m.Root.Value)
    fmt.Printf("  Headers:        %d\n", store.HeaderCount())
    if missing := store.MissingHeaders(); missing > 0 {
        fmt.Printf("  ⚠️  Missing:      %d headers (backfilled on next start)\n", missing)
    }

    fmt.Println()
    fmt.Println("  Database Statistics:")
    for _, name := range []string{"Trie nodes", "Outpoints", "History", "Undo"} {
        fmt.Printf("    %-12s %d\n", name+":", counts[name])
    }
}

// countPrefix counts the keys in one namespace.
func countPrefix(kv storage.KV, prefix byte) int64 {
    var count int64
    _ = kv.ForEach([]byte{prefix}, func(_, _ []byte) error {
        count++
        return nil
    })
    return count
}
