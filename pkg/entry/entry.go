package entry

import (
	"bytes"
	"encoding/binary"

	"ledgerdb/pkg/types"
)

// Type tags the four categories of bucket entries.
type Type uint8

const (
	// TypeMetadata is an out-of-band bucket-format marker, never a live record.
	TypeMetadata Type = iota
	// TypeInit marks a record created fresh in its ledger.
	TypeInit
	// TypeLive marks a record that exists and is current in merge order.
	TypeLive
	// TypeDead is a tombstone: the record with this key no longer exists.
	TypeDead
)

func (t Type) String() string {
	switch t {
	case TypeMetadata:
		return "METADATA"
	case TypeInit:
		return "INIT"
	case TypeLive:
		return "LIVE"
	case TypeDead:
		return "DEAD"
	}
	return "UNKNOWN"
}

// Record is one keyed ledger state record as handed over by the transaction
// layer.
type Record struct {
	Key   types.Key
	Value types.Value
}

// Entry is one element of a bucket: a record lifecycle event or a metadata
// marker. Dead entries carry no value; metadata entries carry the encoded
// protocol version and an empty key.
type Entry struct {
	Type  Type
	Key   types.Key
	Value types.Value
}

// NewMetadata builds the bucket-format marker for protocolVersion.
func NewMetadata(protocolVersion types.ProtocolVersion) Entry {
	v := make([]byte, 4)
	binary.LittleEndian.PutUint32(v, protocolVersion)
	return Entry{Type: TypeMetadata, Value: v}
}

// NewInit builds a creation entry for r.
func NewInit(r Record) Entry {
	return Entry{Type: TypeInit, Key: r.Key, Value: r.Value}
}

// NewLive builds an update entry for r.
func NewLive(r Record) Entry {
	return Entry{Type: TypeLive, Key: r.Key, Value: r.Value}
}

// NewDead builds a tombstone for key.
func NewDead(key types.Key) Entry {
	return Entry{Type: TypeDead, Key: key}
}

// ProtocolVersion decodes the version carried by a metadata entry.
func (e Entry) ProtocolVersion() types.ProtocolVersion {
	if e.Type != TypeMetadata || len(e.Value) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(e.Value)
}

// IsLifecycle reports whether e is an Init or Dead entry, the two categories
// that must propagate through merges even when shadowed.
func (e Entry) IsLifecycle() bool {
	return e.Type == TypeInit || e.Type == TypeDead
}

// Compare orders entries by key ascending.
func Compare(a, b Entry) int {
	return bytes.Compare(a.Key, b.Key)
}
