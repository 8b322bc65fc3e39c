package bucketlist

import (
	"crypto/sha256"
	"fmt"
	"log/slog"

	"ledgerdb/pkg/bucket"
	"ledgerdb/pkg/dberrors"
	"ledgerdb/pkg/entry"
	"ledgerdb/pkg/types"
)

// NumLevels is the fixed number of tiers in the list.
const NumLevels = 11

// SpillFrequency is the spill cadence of level i in ledger-sequence units:
// level i rotates curr into snap every 2^(i+1) ledgers.
func SpillFrequency(level int) types.LedgerSeq {
	return 1 << (level + 1)
}

// LevelShouldSpill reports whether level spills when ledger seq closes.
// The schedule is a pure function of the sequence number; the bottom level
// never spills.
func LevelShouldSpill(seq types.LedgerSeq, level int) bool {
	if level == NumLevels-1 {
		return false
	}
	return seq > 0 && seq%SpillFrequency(level) == 0
}

func roundDown(seq, freq types.LedgerSeq) types.LedgerSeq {
	return seq - seq%freq
}

// shouldMergeWithEmptyCurr reports whether the merge prepared at seq for
// level should take an empty bucket in place of the level's curr. The merge
// commits at the next spill boundary of the feeding level; if that commit
// lands on this level's own spill boundary, curr will have rotated away by
// then and must not be folded in twice.
func shouldMergeWithEmptyCurr(seq types.LedgerSeq, level int) bool {
	if level == 0 {
		return false
	}
	feed := SpillFrequency(level - 1)
	commitSeq := roundDown(seq, feed) + feed
	return LevelShouldSpill(commitSeq, level)
}

// List is the leveled bucket list: the authoritative, content-addressed view
// of all live ledger records. Not safe for concurrent use; background merges
// run concurrently but install only through AddBatch/commit on the caller's
// goroutine.
type List struct {
	backend          Backend
	maxProtocol      types.ProtocolVersion
	countMergeEvents bool
	log              *slog.Logger

	levels  [NumLevels]*Level
	lastSeq types.LedgerSeq
}

// New returns an all-empty list.
func New(backend Backend, maxProtocol types.ProtocolVersion, countMergeEvents bool, log *slog.Logger) *List {
	if log == nil {
		log = slog.Default()
	}
	l := &List{
		backend:          backend,
		maxProtocol:      maxProtocol,
		countMergeEvents: countMergeEvents,
		log:              log.With("component", "bucket-list"),
	}
	for i := range l.levels {
		l.levels[i] = newLevel(i)
	}
	return l
}

// LastSeq returns the highest ledger sequence absorbed so far.
func (l *List) LastSeq() types.LedgerSeq {
	return l.lastSeq
}

// GetLevel returns the level at index i.
func (l *List) GetLevel(i int) *Level {
	return l.levels[i]
}

// AddBatch absorbs one ledger close: it cascades the spill schedule across
// all levels for seq and folds the batch into level 0. Called at most once
// per sequence, in increasing order.
func (l *List) AddBatch(seq types.LedgerSeq, protocol types.ProtocolVersion, initRecords, liveRecords []entry.Record, deadKeys []types.Key) error {
	if seq == 0 || seq <= l.lastSeq {
		return fmt.Errorf("%w: got ledger %d after %d", dberrors.ErrOutOfOrderLedger, seq, l.lastSeq)
	}
	if protocol > l.maxProtocol {
		return fmt.Errorf("%w: ledger protocol %d exceeds supported %d",
			dberrors.ErrProtocolTooNew, protocol, l.maxProtocol)
	}

	// Shadows are captured before any rotation: the merge into level i may
	// only elide entries that levels strictly above its inputs still cover.
	allShadows := make([]*bucket.Bucket, 0, 2*NumLevels)
	for _, lvl := range l.levels {
		allShadows = append(allShadows, lvl.Curr(), lvl.Snap())
	}

	for i := NumLevels - 1; i > 0; i-- {
		if !LevelShouldSpill(seq, i-1) {
			continue
		}
		if err := l.levels[i].commit(); err != nil {
			return err
		}
		snap := l.levels[i-1].spill()
		l.log.Debug("level spilled", "ledger", seq, "level", i-1, "snap", snap.Hash())
		if err := l.levels[i].prepare(l.backend, seq, l.maxProtocol, snap, allShadows[:2*(i-1)], l.countMergeEvents); err != nil {
			return err
		}
	}

	fresh, err := bucket.Fresh(l.backend, protocol, initRecords, liveRecords, deadKeys, nil, l.countMergeEvents)
	if err != nil {
		return fmt.Errorf("failed to build fresh bucket for ledger %d: %w", seq, err)
	}
	if err := l.levels[0].prepare(l.backend, seq, l.maxProtocol, fresh, nil, l.countMergeEvents); err != nil {
		fresh.Release()
		return err
	}
	fresh.Release()
	if err := l.levels[0].commit(); err != nil {
		return err
	}

	l.lastSeq = seq
	return nil
}

// Hash returns the aggregate digest: SHA-256 over every level's combined
// curr/snap hash, in level order. Pending merges do not affect it until they
// are committed into a level slot.
func (l *List) Hash() types.Hash {
	h := sha256.New()
	for _, lvl := range l.levels {
		lh := lvl.Hash()
		h.Write(lh[:])
	}
	var out types.Hash
	h.Sum(out[:0])
	return out
}

// ResolveAllMerges blocks until every pending merge has finished. Comparing
// two lists' post-commit hashes is only meaningful once both have resolved.
func (l *List) ResolveAllMerges() error {
	for _, lvl := range l.levels {
		if next := lvl.Next(); next != nil {
			if err := next.Wait(); err != nil {
				return fmt.Errorf("merge for level %d failed: %w", lvl.index, err)
			}
		}
	}
	return nil
}

// Get returns the freshest record stored under key, walking levels young to
// old and curr before snap within each level. A tombstone reports the record
// as absent.
func (l *List) Get(key types.Key) (types.Value, bool, error) {
	for _, lvl := range l.levels {
		for _, b := range []*bucket.Bucket{lvl.Curr(), lvl.Snap()} {
			e, ok, err := b.Get(key)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				continue
			}
			switch e.Type {
			case entry.TypeDead:
				return nil, false, nil
			default:
				return e.Value, true, nil
			}
		}
	}
	return nil, false, nil
}
