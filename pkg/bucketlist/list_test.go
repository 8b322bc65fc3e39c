package bucketlist_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"ledgerdb/pkg/bucket"
	"ledgerdb/pkg/bucketlist"
	"ledgerdb/pkg/dberrors"
	"ledgerdb/pkg/entry"
	"ledgerdb/pkg/manager"
	"ledgerdb/pkg/types"
)

const proto = bucket.FirstProtocolSupportingInitAndMetaEntry

func newBackend(t *testing.T) *manager.BucketManager {
	t.Helper()
	mgr, err := manager.New(manager.Options{BucketDir: t.TempDir(), WorkerThreads: 4})
	require.NoError(t, err)
	t.Cleanup(mgr.Shutdown)
	return mgr
}

// genBatch builds a deterministic batch of ten creations for seq plus one
// deletion of a record from two ledgers back.
func genBatch(seq types.LedgerSeq) (inits []entry.Record, dead []types.Key) {
	for i := 0; i < 10; i++ {
		inits = append(inits, entry.Record{
			Key:   []byte(fmt.Sprintf("rec-%06d-%d", seq, i)),
			Value: []byte(fmt.Sprintf("val-%d", seq)),
		})
	}
	if seq > 2 {
		dead = append(dead, []byte(fmt.Sprintf("rec-%06d-0", seq-2)))
	}
	return inits, dead
}

func addBatches(t *testing.T, l *bucketlist.List, from, to types.LedgerSeq) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		inits, dead := genBatch(seq)
		require.NoError(t, l.AddBatch(seq, proto, inits, nil, dead))
	}
}

func TestSpillSchedule(t *testing.T) {
	require.Equal(t, types.LedgerSeq(2), bucketlist.SpillFrequency(0))
	require.Equal(t, types.LedgerSeq(4), bucketlist.SpillFrequency(1))
	require.Equal(t, types.LedgerSeq(1024), bucketlist.SpillFrequency(9))

	require.False(t, bucketlist.LevelShouldSpill(0, 0))
	require.True(t, bucketlist.LevelShouldSpill(2, 0))
	require.False(t, bucketlist.LevelShouldSpill(3, 0))
	require.True(t, bucketlist.LevelShouldSpill(8, 1))
	require.False(t, bucketlist.LevelShouldSpill(6, 1))

	// The bottom level never spills, whatever the sequence.
	for seq := types.LedgerSeq(1); seq <= 1<<12; seq <<= 1 {
		require.False(t, bucketlist.LevelShouldSpill(seq, bucketlist.NumLevels-1))
	}
}

func TestAddBatchRejectsOutOfOrderSequences(t *testing.T) {
	mgr := newBackend(t)
	l := bucketlist.New(mgr, proto, false, nil)

	inits, _ := genBatch(1)
	require.NoError(t, l.AddBatch(1, proto, inits, nil, nil))
	require.ErrorIs(t, l.AddBatch(1, proto, inits, nil, nil), dberrors.ErrOutOfOrderLedger)
	require.ErrorIs(t, l.AddBatch(0, proto, inits, nil, nil), dberrors.ErrOutOfOrderLedger)
	require.EqualValues(t, 1, l.LastSeq())
}

func TestAddBatchRejectsUnsupportedProtocol(t *testing.T) {
	mgr := newBackend(t)
	l := bucketlist.New(mgr, proto, false, nil)

	inits, _ := genBatch(1)
	require.ErrorIs(t, l.AddBatch(1, proto+1, inits, nil, nil), dberrors.ErrProtocolTooNew)
}

func TestBatchesCascadeIntoDeeperLevels(t *testing.T) {
	mgr := newBackend(t)
	l := bucketlist.New(mgr, proto, false, nil)

	addBatches(t, l, 1, 32)
	require.NoError(t, l.ResolveAllMerges())

	require.False(t, l.GetLevel(0).Curr().IsEmpty())
	require.False(t, l.GetLevel(1).Curr().IsEmpty())
	require.False(t, l.GetLevel(2).Curr().IsEmpty())
}

func TestIdenticalBatchSequencesConverge(t *testing.T) {
	l1 := bucketlist.New(newBackend(t), proto, false, nil)
	l2 := bucketlist.New(newBackend(t), proto, false, nil)

	addBatches(t, l1, 1, 40)
	addBatches(t, l2, 1, 40)
	require.NoError(t, l1.ResolveAllMerges())
	require.NoError(t, l2.ResolveAllMerges())

	require.Equal(t, l1.Hash(), l2.Hash())
	require.NotEqual(t, types.ZeroHash, l1.Hash())
}

func TestAggregateHashTracksState(t *testing.T) {
	mgr := newBackend(t)
	l := bucketlist.New(mgr, proto, false, nil)

	before := l.Hash()
	addBatches(t, l, 1, 4)
	after := l.Hash()
	require.NotEqual(t, before, after)
}

func TestGetReturnsFreshestRecord(t *testing.T) {
	mgr := newBackend(t)
	l := bucketlist.New(mgr, proto, false, nil)

	key := []byte("user-alice")
	require.NoError(t, l.AddBatch(1, proto,
		[]entry.Record{{Key: key, Value: []byte("v1")}}, nil, nil))

	v, ok, err := l.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	// Update through several spill boundaries, then read back the latest.
	require.NoError(t, l.AddBatch(2, proto, nil,
		[]entry.Record{{Key: key, Value: []byte("v2")}}, nil))
	for seq := types.LedgerSeq(3); seq <= 9; seq++ {
		inits, _ := genBatch(seq)
		require.NoError(t, l.AddBatch(seq, proto, inits, nil, nil))
	}

	v, ok, err = l.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)

	// Deletion is visible through the tombstone.
	require.NoError(t, l.AddBatch(10, proto, nil, nil, []types.Key{key}))
	_, ok, err = l.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = l.Get([]byte("never-written"))
	require.NoError(t, err)
	require.False(t, ok)
}
