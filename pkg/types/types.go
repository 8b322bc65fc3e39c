package types

import (
	"encoding/hex"
	"fmt"
)

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// LedgerSeq is a ledger sequence number assigned by the consensus layer.
type LedgerSeq = uint32

// ProtocolVersion selects the bucket/merge semantics in force at a ledger.
type ProtocolVersion = uint32

// HashSize is the size of a content digest in bytes.
const HashSize = 32

// Hash is a SHA-256 content digest identifying a bucket or a ledger header.
type Hash [HashSize]byte

// ZeroHash is the well-known hash of the canonical empty bucket.
var ZeroHash Hash

// IsZero reports whether h is the all-zero digest.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Hex returns the lowercase hex encoding of h.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String implements fmt.Stringer with an abbreviated digest for logs.
func (h Hash) String() string {
	if h.IsZero() {
		return "[empty]"
	}
	return h.Hex()[:8]
}

// MarshalText encodes h as lowercase hex for JSON and friends.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText decodes a hex digest, accepting the empty string as the zero
// hash.
func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := HashFromHex(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashFromHex parses a full lowercase hex digest. An empty string decodes to
// the zero hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	if s == "" {
		return h, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("failed to decode hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("bad hash length %d for %q", len(b), s)
	}
	copy(h[:], b)
	return h, nil
}
