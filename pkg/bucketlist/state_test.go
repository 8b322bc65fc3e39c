package bucketlist_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ledgerdb/pkg/bucket"
	"ledgerdb/pkg/bucketlist"
	"ledgerdb/pkg/dberrors"
	"ledgerdb/pkg/entry"
	"ledgerdb/pkg/manager"
	"ledgerdb/pkg/types"
)

func TestStateFileRoundTrip(t *testing.T) {
	mgr := newBackend(t)
	l := bucketlist.New(mgr, proto, false, nil)
	addBatches(t, l, 1, 12)

	st := l.Snapshot()
	require.Len(t, st.Levels, bucketlist.NumLevels)
	require.EqualValues(t, 12, st.LastSeq)

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, bucketlist.WriteStateFile(path, st))
	loaded, err := bucketlist.ReadStateFile(path)
	require.NoError(t, err)
	require.Equal(t, st, loaded)
}

func TestRestoreAcrossManagerRestart(t *testing.T) {
	dir := t.TempDir()

	mgr1, err := manager.New(manager.Options{BucketDir: dir, WorkerThreads: 4})
	require.NoError(t, err)
	l := bucketlist.New(mgr1, proto, false, nil)
	addBatches(t, l, 1, 20)
	st := l.Snapshot()
	mgr1.Shutdown()

	// A fresh manager over the same directory reattaches the bucket files.
	mgr2, err := manager.New(manager.Options{BucketDir: dir, WorkerThreads: 4})
	require.NoError(t, err)
	defer mgr2.Shutdown()

	restored, err := bucketlist.Restore(mgr2, st, proto, false, nil)
	require.NoError(t, err)
	require.EqualValues(t, 20, restored.LastSeq())

	// Continue on the restored list and on an uninterrupted control run.
	addBatches(t, restored, 21, 40)
	require.NoError(t, restored.ResolveAllMerges())

	control := bucketlist.New(newBackend(t), proto, false, nil)
	addBatches(t, control, 1, 40)
	require.NoError(t, control.ResolveAllMerges())

	require.Equal(t, control.Hash(), restored.Hash())
}

func TestRestoreMissingBucketIsFatal(t *testing.T) {
	mgr := newBackend(t)

	var absent types.Hash
	absent[0] = 0xaa

	st := emptyState()
	st.Levels[3].Curr = absent.Hex()

	_, err := bucketlist.Restore(mgr, st, proto, false, nil)
	require.ErrorIs(t, err, dberrors.ErrBucketMissing)
}

func TestResumedMergeIsHashIdentical(t *testing.T) {
	mgr := newBackend(t)

	oldIn, err := bucket.Fresh(mgr, proto,
		[]entry.Record{{Key: []byte("a"), Value: []byte("1")}, {Key: []byte("b"), Value: []byte("2")}},
		nil, nil, nil, false)
	require.NoError(t, err)
	newIn, err := bucket.Fresh(mgr, proto,
		nil, []entry.Record{{Key: []byte("a"), Value: []byte("3")}},
		[]types.Key{[]byte("b")}, nil, false)
	require.NoError(t, err)

	direct, err := bucket.Merge(mgr, proto, oldIn, newIn, nil, true, false)
	require.NoError(t, err)

	// A state whose level 1 recorded the same merge as still in flight.
	st := emptyState()
	st.Levels[1].Next = &bucketlist.SavedMerge{
		Curr: oldIn.Hash().Hex(),
		Snap: newIn.Hash().Hex(),
	}

	restored, err := bucketlist.Restore(mgr, st, proto, false, nil)
	require.NoError(t, err)

	next := restored.GetLevel(1).Next()
	require.NotNil(t, next)
	require.NotEqual(t, bucketlist.MergeClear, next.State())

	resumed, err := next.Resolve()
	require.NoError(t, err)
	require.Equal(t, direct.Hash(), resumed.Hash())
}

func TestRestoreResolvedMergeFromOutputHash(t *testing.T) {
	mgr := newBackend(t)

	out, err := bucket.Fresh(mgr, proto,
		[]entry.Record{{Key: []byte("x"), Value: []byte("1")}}, nil, nil, nil, false)
	require.NoError(t, err)

	st := emptyState()
	st.Levels[2].Next = &bucketlist.SavedMerge{Output: out.Hash().Hex()}

	restored, err := bucketlist.Restore(mgr, st, proto, false, nil)
	require.NoError(t, err)

	next := restored.GetLevel(2).Next()
	require.Equal(t, bucketlist.MergeResolved, next.State())
	got, err := next.Resolve()
	require.NoError(t, err)
	require.Equal(t, out.Hash(), got.Hash())
}

func emptyState() *bucketlist.State {
	st := &bucketlist.State{}
	for i := 0; i < bucketlist.NumLevels; i++ {
		st.Levels = append(st.Levels, bucketlist.LevelState{})
	}
	return st
}
