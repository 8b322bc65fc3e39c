package bucket

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"ledgerdb/pkg/entry"
	"ledgerdb/pkg/types"
)

// Manager abstracts the process-wide bucket registry. The concrete
// implementation lives in pkg/manager; the merge machinery only needs file
// adoption, temp space and counter accumulation.
type Manager interface {
	// AdoptFile moves a finished temp file into the bucket directory under
	// its content hash, deduplicating against an identical existing bucket
	// (in which case the temp file is removed). The returned handle is
	// retained for the caller.
	AdoptFile(tmpPath string, hash types.Hash, entryCount int, protocolVersion types.ProtocolVersion) (*Bucket, error)
	// TmpDir is scratch space for in-progress merge outputs.
	TmpDir() string
	// CompressOutput selects zstd framing for newly written bucket files.
	CompressOutput() bool
	// IncrMergeCounters folds a finished merge's counters into the
	// process-wide totals.
	IncrMergeCounters(delta MergeCounters)
}

// Bucket is an immutable, disk-resident, hash-identified sorted sequence of
// entries. Identity is the SHA-256 of the canonical (uncompressed) entry
// stream; the file may be stored zstd-compressed without changing identity.
//
// Reference counts are explicit: every level slot, future and caller handle
// holds one reference, and the manager's cache entry holds one more. The
// backing file is removed only by the manager once the count falls back to
// the cache's own reference.
type Bucket struct {
	hash            types.Hash
	path            string
	entryCount      int
	protocolVersion types.ProtocolVersion

	refs atomic.Int64

	filterOnce sync.Once
	filter     *keyFilter
	filterErr  error
}

var emptyBucket = &Bucket{}

// Empty returns the canonical empty bucket: a process-wide singleton with the
// zero hash and no backing file. Retain/Release are no-ops on it.
func Empty() *Bucket {
	return emptyBucket
}

// New wraps an existing on-disk bucket file. Used by the manager when
// adopting or re-attaching buckets; the returned bucket has a zero reference
// count and the manager accounts for its own cache reference.
func New(hash types.Hash, path string, entryCount int, protocolVersion types.ProtocolVersion) *Bucket {
	return &Bucket{
		hash:            hash,
		path:            path,
		entryCount:      entryCount,
		protocolVersion: protocolVersion,
	}
}

// Hash returns the bucket's content digest.
func (b *Bucket) Hash() types.Hash {
	return b.hash
}

// Path returns the backing file path, empty for the canonical empty bucket.
func (b *Bucket) Path() string {
	return b.path
}

// EntryCount returns the number of non-metadata entries.
func (b *Bucket) EntryCount() int {
	return b.entryCount
}

// ProtocolVersion returns the format version recorded in the bucket's
// metadata entry, zero for pre-metadata buckets and the empty bucket.
func (b *Bucket) ProtocolVersion() types.ProtocolVersion {
	return b.protocolVersion
}

// IsEmpty reports whether b is the canonical empty bucket.
func (b *Bucket) IsEmpty() bool {
	return b == emptyBucket || b.hash.IsZero()
}

// Retain adds one reference and returns b for chaining.
func (b *Bucket) Retain() *Bucket {
	if !b.IsEmpty() {
		b.refs.Add(1)
	}
	return b
}

// Release drops one reference.
func (b *Bucket) Release() {
	if b.IsEmpty() {
		return
	}
	if n := b.refs.Add(-1); n < 0 {
		panic(fmt.Sprintf("bucket %s released below zero", b.hash))
	}
}

// RefCount reports the current reference count, including the manager's own
// cache reference.
func (b *Bucket) RefCount() int64 {
	return b.refs.Load()
}

// Get scans for key and returns its freshest entry within this bucket. The
// in-memory key filter is built lazily from the file on first use; entries
// are sorted so the scan stops at the first key past the target.
func (b *Bucket) Get(key types.Key) (entry.Entry, bool, error) {
	if b.IsEmpty() {
		return entry.Entry{}, false, nil
	}

	b.filterOnce.Do(func() {
		b.filterErr = b.buildFilter()
	})
	if b.filterErr != nil {
		return entry.Entry{}, false, b.filterErr
	}
	if !b.filter.mayContain(key) {
		return entry.Entry{}, false, nil
	}

	it, err := b.NewIterator()
	if err != nil {
		return entry.Entry{}, false, err
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		e := it.Entry()
		switch bytes.Compare(e.Key, key) {
		case 0:
			return e, true, nil
		case 1:
			return entry.Entry{}, false, it.Err()
		}
	}
	return entry.Entry{}, false, it.Err()
}

func (b *Bucket) buildFilter() error {
	f := newKeyFilter(b.entryCount)

	it, err := b.NewIterator()
	if err != nil {
		return fmt.Errorf("failed to build key filter for %s: %w", b.hash, err)
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		f.add(it.Entry().Key)
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("failed to build key filter for %s: %w", b.hash, err)
	}

	b.filter = f
	return nil
}
