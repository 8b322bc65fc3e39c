package bucket

import (
	"bytes"
	"fmt"
	"sort"

	"ledgerdb/pkg/dberrors"
	"ledgerdb/pkg/entry"
	"ledgerdb/pkg/types"
)

// Fresh builds the level-0 bucket for one ledger's batch of changes. The
// three input lists are sorted into a single stream and run through the
// standard merge loop against an empty base, so policy demotions, shadow
// elision and counters behave exactly as in level merges. An empty batch
// yields the canonical empty bucket.
//
// A key may appear at most once across the three lists; duplicates fail with
// ErrDuplicateKey.
func Fresh(mgr Manager, protocol types.ProtocolVersion, initRecords, liveRecords []entry.Record, deadKeys []types.Key, shadows []*Bucket, countMergeEvents bool) (*Bucket, error) {
	entries := make([]entry.Entry, 0, len(initRecords)+len(liveRecords)+len(deadKeys))
	for _, r := range initRecords {
		entries = append(entries, entry.NewInit(r))
	}
	for _, r := range liveRecords {
		entries = append(entries, entry.NewLive(r))
	}
	for _, k := range deadKeys {
		entries = append(entries, entry.NewDead(k))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entry.Compare(entries[i], entries[j]) < 0
	})
	for i := 1; i < len(entries); i++ {
		if bytes.Equal(entries[i-1].Key, entries[i].Key) {
			return nil, fmt.Errorf("%w: key %x appears twice in one batch",
				dberrors.ErrDuplicateKey, entries[i].Key)
		}
	}

	var ctrs MergeCounters
	out, err := runMerge(mgr, protocol, &sliceStream{}, &sliceStream{entries: entries}, shadows, true, &ctrs)
	if err != nil {
		return nil, err
	}
	if countMergeEvents {
		mgr.IncrMergeCounters(ctrs)
	}
	return out, nil
}
