package indexer

import (
    "fmt"

    "github.com/btcsuite/btcd/btcutil"
    "github.com/btcsuite/btcd/chaincfg"
    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/txscript"
    "github.com/btcsuite/btcd/wire"

    "github.com/ripsline/electrum-trie/internal/storage"
)

// IsOpReturn checks if a script is an OP_RETURN output.
// OP_RETURN outputs are unspendable and shouldn't be indexed.
func IsOpReturn(script []byte) bool {
    return len(script) > 0 && script[0] == txscript.OP_RETURN
}

// IsCoinbaseInput checks if a transaction input is a coinbase input.
// Coinbase inputs have a null previous outpoint (all zeros).
func IsCoinbaseInput(txIn *wire.TxIn) bool {
    return txIn.PreviousOutPoint.Hash.IsEqual(&chainhash.Hash{})
}

// ScriptAddr returns the address hash an output is indexed under. Pay to
// pubkey outputs share the hash of the matching pay to pubkey hash script, so
// both forms of the same key show up as one address. Unspendable and
// zero-value outputs are not indexed.
func ScriptAddr(pkScript []byte, value int64) (storage.AddrHash, bool) {
    var addr storage.AddrHash
    if value <= 0 || len(pkScript) == 0 || IsOpReturn(pkScript) {
        return addr, false
    }

    script := pkScript
    if txscript.GetScriptClass(pkScript) == txscript.PubKeyTy {
        _, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript,
            &chaincfg.MainNetParams)
        if err == nil && len(addrs) == 1 {
            if pk, ok := addrs[0].(*btcutil.AddressPubKey); ok {
                if p2pkh, err := txscript.PayToAddrScript(pk.AddressPubKeyHash()); err == nil {
                    script = p2pkh
                }
            }
        }
    }

    copy(addr[:], btcutil.Hash160(script))
    return addr, true
}

// ParseAddress maps a client supplied address to its address hash. It
// accepts any address the network encodes, or a raw 40-character hex hash.
func ParseAddress(s string, params *chaincfg.Params) (storage.AddrHash, error) {
    if len(s) == storage.AddrHashLength*2 {
        if addr, err := storage.ParseAddrHash(s); err == nil {
            return addr, nil
        }
    }

    decoded, err := btcutil.DecodeAddress(s, params)
    if err != nil {
        return storage.AddrHash{}, fmt.Errorf("invalid address %q: %w", s, err)
    }
    if !decoded.IsForNet(params) {
        return storage.AddrHash{}, fmt.Errorf("address %q is not for %s", s, params.Name)
    }
    if pk, ok := decoded.(*btcutil.AddressPubKey); ok {
        decoded = pk.AddressPubKeyHash()
    }

    script, err := txscript.PayToAddrScript(decoded)
    if err != nil {
        return storage.AddrHash{}, fmt.Errorf("unsupported address %q: %w", s, err)
    }

    var addr storage.AddrHash
    copy(addr[:], btcutil.Hash160(script))
    return addr, nil
}
