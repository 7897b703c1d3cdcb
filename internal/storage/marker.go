package storage

import (
    "bytes"
    "fmt"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/lightningnetwork/lnd/tlv"
)

// SchemaVersion is bumped whenever the on-disk layout changes.
const SchemaVersion uint32 = 1

const (
    typeMarkerHeight    tlv.Type = 1
    typeMarkerLastHash  tlv.Type = 2
    typeMarkerSchema    tlv.Type = 3
    typeMarkerRootHash  tlv.Type = 4
    typeMarkerRootValue tlv.Type = 5
)

// Marker is the committed tip of the index. It is written in the same batch
// as the trie mutations and undo entry of the block it names.
type Marker struct {
    Height   int32
    LastHash chainhash.Hash
    Schema   uint32
    Root     RootSummary
}

// emptyMarker describes an index that has applied no blocks.
func emptyMarker() Marker {
    return Marker{
        Height: -1,
        Schema: SchemaVersion,
        Root:   RootSummary{Hash: EmptyRootHash},
    }
}

func (m *Marker) records(height *uint32) []tlv.Record {
    return []tlv.Record{
        tlv.MakePrimitiveRecord(typeMarkerHeight, height),
        tlv.MakePrimitiveRecord(typeMarkerLastHash, (*[32]byte)(&m.LastHash)),
        tlv.MakePrimitiveRecord(typeMarkerSchema, &m.Schema),
        tlv.MakePrimitiveRecord(typeMarkerRootHash, (*[32]byte)(&m.Root.Hash)),
        tlv.MakePrimitiveRecord(typeMarkerRootValue, &m.Root.Value),
    }
}

func EncodeMarker(m *Marker) ([]byte, error) {
    if m.Height < 0 {
        return nil, fmt.Errorf("cannot encode marker at height %d", m.Height)
    }
    height := uint32(m.Height)

    stream, err := tlv.NewStream(m.records(&height)...)
    if err != nil {
        return nil, fmt.Errorf("failed to create marker stream: %w", err)
    }

    var buf bytes.Buffer
    if err := stream.Encode(&buf); err != nil {
        return nil, fmt.Errorf("failed to encode marker: %w", err)
    }
    return buf.Bytes(), nil
}

func DecodeMarker(data []byte) (*Marker, error) {
    m := &Marker{}
    var height uint32

    stream, err := tlv.NewStream(m.records(&height)...)
    if err != nil {
        return nil, fmt.Errorf("failed to create marker stream: %w", err)
    }
    if err := stream.Decode(bytes.NewReader(data)); err != nil {
        return nil, fmt.Errorf("failed to decode marker: %w", err)
    }

    m.Height = int32(height)
    return m, nil
}
