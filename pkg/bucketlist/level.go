package bucketlist

import (
	"crypto/sha256"
	"fmt"

	"ledgerdb/pkg/bucket"
	"ledgerdb/pkg/dberrors"
	"ledgerdb/pkg/types"
)

// Level is one tier of the leveled list: a queryable curr bucket, a snap
// bucket awaiting incorporation into the level below, and the next slot
// holding the pending merge that will replace curr.
type Level struct {
	index int
	curr  *bucket.Bucket
	snap  *bucket.Bucket
	next  *FutureMerge
}

func newLevel(index int) *Level {
	return &Level{
		index: index,
		curr:  bucket.Empty(),
		snap:  bucket.Empty(),
	}
}

// Index returns the level's position, 0 being the youngest.
func (l *Level) Index() int {
	return l.index
}

// Curr returns the level's queryable bucket (borrowed reference).
func (l *Level) Curr() *bucket.Bucket {
	return l.curr
}

// Snap returns the bucket awaiting incorporation below (borrowed reference).
func (l *Level) Snap() *bucket.Bucket {
	return l.snap
}

// Next returns the pending merge handle, nil when clear.
func (l *Level) Next() *FutureMerge {
	return l.next
}

// Hash combines the level's curr and snap digests.
func (l *Level) Hash() types.Hash {
	h := sha256.New()
	ch := l.curr.Hash()
	sh := l.snap.Hash()
	h.Write(ch[:])
	h.Write(sh[:])
	var out types.Hash
	h.Sum(out[:0])
	return out
}

// keepDead reports whether this level retains tombstones. The bottom level
// has nothing below it that a tombstone could still shadow, so it drops them.
func (l *Level) keepDead() bool {
	return l.index < NumLevels-1
}

// spill rotates curr into snap and resets curr to the canonical empty
// bucket. It returns the new snap as a borrowed reference for the caller to
// feed into the level below.
func (l *Level) spill() *bucket.Bucket {
	l.snap.Release()
	l.snap = l.curr
	l.curr = bucket.Empty()
	return l.snap
}

// commit installs the pending merge output as curr, blocking on the merge if
// it has not finished. A clear next slot is a no-op.
func (l *Level) commit() error {
	if l.next == nil {
		return nil
	}
	out, err := l.next.Resolve()
	if err != nil {
		return fmt.Errorf("failed to commit level %d: %w", l.index, err)
	}
	l.curr.Release()
	l.curr = out
	l.next = nil
	return nil
}

// prepare dispatches the merge of incoming (the snap spilled from the level
// above, or the fresh level-0 bucket) into this level's curr. The previous
// merge must have been committed first; overlapping merges into one level are
// a scheduling error.
func (l *Level) prepare(backend Backend, seq types.LedgerSeq, maxProtocol types.ProtocolVersion, incoming *bucket.Bucket, shadows []*bucket.Bucket, countMergeEvents bool) error {
	if l.next != nil {
		return fmt.Errorf("%w: level %d next slot still occupied at ledger %d",
			dberrors.ErrMergeInProgress, l.index, seq)
	}

	curr := l.curr
	if shouldMergeWithEmptyCurr(seq, l.index) {
		curr = bucket.Empty()
	}
	l.next = startMerge(backend, maxProtocol, curr, incoming, shadows, l.keepDead(), countMergeEvents)
	return nil
}
