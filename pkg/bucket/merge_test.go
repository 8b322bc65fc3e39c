package bucket_test

import (
	"bytes"
	"errors"
	"testing"

	"ledgerdb/pkg/bucket"
	"ledgerdb/pkg/dberrors"
	"ledgerdb/pkg/entry"
	"ledgerdb/pkg/manager"
	"ledgerdb/pkg/types"
)

const (
	protoPost = bucket.FirstProtocolSupportingInitAndMetaEntry
	protoPre  = bucket.FirstProtocolSupportingInitAndMetaEntry - 1
)

func newTestManager(t *testing.T, compress bool) *manager.BucketManager {
	t.Helper()
	mgr, err := manager.New(manager.Options{
		BucketDir:     t.TempDir(),
		Compress:      compress,
		WorkerThreads: 2,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(mgr.Shutdown)
	return mgr
}

func rec(k, v string) entry.Record {
	return entry.Record{Key: []byte(k), Value: []byte(v)}
}

func mustFresh(t *testing.T, mgr *manager.BucketManager, protocol types.ProtocolVersion, inits, lives []entry.Record, dead ...string) *bucket.Bucket {
	t.Helper()
	var deadKeys []types.Key
	for _, k := range dead {
		deadKeys = append(deadKeys, []byte(k))
	}
	b, err := bucket.Fresh(mgr, protocol, inits, lives, deadKeys, nil, false)
	if err != nil {
		t.Fatalf("Fresh failed: %v", err)
	}
	return b
}

func readAll(t *testing.T, b *bucket.Bucket) []entry.Entry {
	t.Helper()
	it, err := b.NewIterator()
	if err != nil {
		t.Fatalf("failed to open iterator: %v", err)
	}
	defer it.Close()

	var out []entry.Entry
	for ; it.Valid(); it.Next() {
		out = append(out, it.Entry())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	return out
}

func TestMergeOfEmptiesIsCanonicalEmpty(t *testing.T) {
	mgr := newTestManager(t, false)

	out, err := bucket.Merge(mgr, protoPost, bucket.Empty(), bucket.Empty(), nil, true, true)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !out.IsEmpty() {
		t.Fatal("merging two empty buckets must yield the canonical empty bucket")
	}
	if !out.Hash().IsZero() {
		t.Fatalf("expected zero hash, got %s", out.Hash().Hex())
	}
}

func TestMergeAnnihilatesCreatedThenDeleted(t *testing.T) {
	mgr := newTestManager(t, false)

	old := mustFresh(t, mgr, protoPost, []entry.Record{rec("a", "1"), rec("b", "2")}, nil)
	del := mustFresh(t, mgr, protoPost, nil, nil, "a", "b")

	out, err := bucket.Merge(mgr, protoPost, old, del, nil, true, true)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !out.IsEmpty() {
		t.Fatalf("init+dead pairs must annihilate to the empty bucket, got %d entries", out.EntryCount())
	}

	mc := mgr.ReadMergeCounters()
	if mc.OldInitEntriesMergedWithNewDead != 2 {
		t.Fatalf("expected 2 annihilations, got %d", mc.OldInitEntriesMergedWithNewDead)
	}
}

func TestMergeRevivalDemotesToLive(t *testing.T) {
	mgr := newTestManager(t, false)

	old := mustFresh(t, mgr, protoPost, nil, nil, "a")
	revived := mustFresh(t, mgr, protoPost, []entry.Record{rec("a", "v2")}, nil)

	out, err := bucket.Merge(mgr, protoPost, old, revived, nil, true, true)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	entries := readAll(t, out)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Type != entry.TypeLive {
		t.Fatalf("revived record must be Live, got %s", entries[0].Type)
	}
	if !bytes.Equal(entries[0].Value, []byte("v2")) {
		t.Fatalf("expected revived value v2, got %q", entries[0].Value)
	}

	mc := mgr.ReadMergeCounters()
	if mc.NewInitEntriesMergedWithOldDead != 1 {
		t.Fatalf("expected 1 revival, got %d", mc.NewInitEntriesMergedWithOldDead)
	}
}

func TestMergeInitOverUpdateStaysInit(t *testing.T) {
	mgr := newTestManager(t, false)

	old := mustFresh(t, mgr, protoPost, []entry.Record{rec("a", "v1")}, nil)
	upd := mustFresh(t, mgr, protoPost, nil, []entry.Record{rec("a", "v2")})

	out, err := bucket.Merge(mgr, protoPost, old, upd, nil, true, false)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	entries := readAll(t, out)
	if len(entries) != 1 || entries[0].Type != entry.TypeInit {
		t.Fatalf("create+update must stay a create, got %+v", entries)
	}
	if !bytes.Equal(entries[0].Value, []byte("v2")) {
		t.Fatalf("expected updated value v2, got %q", entries[0].Value)
	}
}

func TestMergeInitOverExistingIsMalformed(t *testing.T) {
	mgr := newTestManager(t, false)

	old := mustFresh(t, mgr, protoPost, nil, []entry.Record{rec("a", "v1")})
	dup := mustFresh(t, mgr, protoPost, []entry.Record{rec("a", "v2")}, nil)

	_, err := bucket.Merge(mgr, protoPost, old, dup, nil, true, false)
	if !errors.Is(err, dberrors.ErrMalformedBucket) {
		t.Fatalf("expected ErrMalformedBucket, got %v", err)
	}
}

func TestMergeCountersAllCategoriesPostProtocol(t *testing.T) {
	mgr := newTestManager(t, false)

	old := mustFresh(t, mgr, protoPost,
		[]entry.Record{rec("oa", "1")}, []entry.Record{rec("ob", "2")}, "oc")
	fresh := mustFresh(t, mgr, protoPost,
		[]entry.Record{rec("na", "3")}, []entry.Record{rec("nb", "4")}, "nc")

	if _, err := bucket.Merge(mgr, protoPost, old, fresh, nil, true, true); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	mc := mgr.ReadMergeCounters()
	if mc.PostInitEntryProtocolMerges != 1 || mc.PreInitEntryProtocolMerges != 0 {
		t.Fatalf("expected one post-tracking merge, got pre=%d post=%d",
			mc.PreInitEntryProtocolMerges, mc.PostInitEntryProtocolMerges)
	}
	for name, v := range map[string]uint64{
		"OldInitEntries": mc.OldInitEntries,
		"OldLiveEntries": mc.OldLiveEntries,
		"OldDeadEntries": mc.OldDeadEntries,
		"NewInitEntries": mc.NewInitEntries,
		"NewLiveEntries": mc.NewLiveEntries,
		"NewDeadEntries": mc.NewDeadEntries,
	} {
		if v == 0 {
			t.Fatalf("expected %s to be nonzero", name)
		}
	}
	if mc.OldMetaEntries != 0 || mc.NewMetaEntries != 0 {
		t.Fatalf("head metadata must not be counted, got old=%d new=%d",
			mc.OldMetaEntries, mc.NewMetaEntries)
	}
}

func TestMergeCountersPreProtocolHasNoInits(t *testing.T) {
	mgr := newTestManager(t, false)

	old := mustFresh(t, mgr, protoPre,
		[]entry.Record{rec("oa", "1")}, []entry.Record{rec("ob", "2")}, "oc")
	fresh := mustFresh(t, mgr, protoPre,
		[]entry.Record{rec("na", "3")}, []entry.Record{rec("nb", "4")}, "nc")

	if _, err := bucket.Merge(mgr, protoPre, old, fresh, nil, true, true); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	mc := mgr.ReadMergeCounters()
	if mc.PreInitEntryProtocolMerges != 1 || mc.PostInitEntryProtocolMerges != 0 {
		t.Fatalf("expected one pre-tracking merge, got pre=%d post=%d",
			mc.PreInitEntryProtocolMerges, mc.PostInitEntryProtocolMerges)
	}
	if mc.OldInitEntries != 0 || mc.NewInitEntries != 0 {
		t.Fatalf("pre-tracking merges must see no init entries, got old=%d new=%d",
			mc.OldInitEntries, mc.NewInitEntries)
	}
	if mc.OldLiveEntries == 0 || mc.NewLiveEntries == 0 || mc.OldDeadEntries == 0 || mc.NewDeadEntries == 0 {
		t.Fatal("expected live and dead categories to be counted")
	}
}

func TestShadowElisionPostProtocolKeepsLifecycleEntries(t *testing.T) {
	mgr := newTestManager(t, false)

	old := mustFresh(t, mgr, protoPost,
		[]entry.Record{rec("d", "init")},
		[]entry.Record{rec("a", "live"), rec("b", "live")},
		"e")
	fresh := mustFresh(t, mgr, protoPost, nil, []entry.Record{rec("c", "live")})
	shadow := mustFresh(t, mgr, protoPost, nil,
		[]entry.Record{rec("a", "newer"), rec("d", "newer"), rec("e", "newer")})

	out, err := bucket.Merge(mgr, protoPost, old, fresh, []*bucket.Bucket{shadow}, true, true)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	var keys []string
	for _, e := range readAll(t, out) {
		keys = append(keys, string(e.Key))
	}
	want := []string{"b", "c", "d", "e"}
	if len(keys) != len(want) {
		t.Fatalf("expected keys %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected keys %v, got %v", want, keys)
		}
	}

	mc := mgr.ReadMergeCounters()
	if mc.LiveEntryShadowElisions != 1 {
		t.Fatalf("expected 1 live elision, got %d", mc.LiveEntryShadowElisions)
	}
	if mc.InitEntryShadowElisions != 0 || mc.DeadEntryShadowElisions != 0 {
		t.Fatal("lifecycle entries must survive shadowing under creation tracking")
	}
}

func TestShadowElisionPreProtocolElidesDeadToo(t *testing.T) {
	mgr := newTestManager(t, false)

	old := mustFresh(t, mgr, protoPre, nil,
		[]entry.Record{rec("a", "live"), rec("b", "live")}, "e")
	fresh := mustFresh(t, mgr, protoPre, nil, []entry.Record{rec("c", "live")})
	shadow := mustFresh(t, mgr, protoPre, nil,
		[]entry.Record{rec("a", "newer"), rec("e", "newer")})

	out, err := bucket.Merge(mgr, protoPre, old, fresh, []*bucket.Bucket{shadow}, true, true)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	entries := readAll(t, out)
	if len(entries) != 2 {
		t.Fatalf("expected only b and c to survive, got %d entries", len(entries))
	}

	mc := mgr.ReadMergeCounters()
	if mc.LiveEntryShadowElisions != 1 || mc.DeadEntryShadowElisions != 1 {
		t.Fatalf("expected live and dead elisions, got live=%d dead=%d",
			mc.LiveEntryShadowElisions, mc.DeadEntryShadowElisions)
	}
}

func TestBottomLevelDropsTombstones(t *testing.T) {
	mgr := newTestManager(t, false)

	old := mustFresh(t, mgr, protoPost, nil, []entry.Record{rec("a", "1"), rec("b", "2")})
	fresh := mustFresh(t, mgr, protoPost, nil, nil, "a")

	out, err := bucket.Merge(mgr, protoPost, old, fresh, nil, false, true)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	entries := readAll(t, out)
	if len(entries) != 1 || string(entries[0].Key) != "b" {
		t.Fatalf("expected only b to survive, got %+v", entries)
	}
	mc := mgr.ReadMergeCounters()
	if mc.OutputIteratorTombstoneElisions != 1 {
		t.Fatalf("expected 1 tombstone elision, got %d", mc.OutputIteratorTombstoneElisions)
	}
}

func TestMergeProtocolTooNew(t *testing.T) {
	mgr := newTestManager(t, false)

	old := mustFresh(t, mgr, protoPost, []entry.Record{rec("a", "1")}, nil)
	fresh := mustFresh(t, mgr, protoPost, []entry.Record{rec("b", "2")}, nil)

	_, err := bucket.Merge(mgr, protoPost-1, old, fresh, nil, true, false)
	if !errors.Is(err, dberrors.ErrProtocolTooNew) {
		t.Fatalf("expected ErrProtocolTooNew, got %v", err)
	}
}

func TestMergeDeterministicAcrossCompression(t *testing.T) {
	plain := newTestManager(t, false)
	compressed := newTestManager(t, true)

	build := func(mgr *manager.BucketManager) types.Hash {
		old := mustFresh(t, mgr, protoPost,
			[]entry.Record{rec("a", "1"), rec("b", "2")}, nil)
		fresh := mustFresh(t, mgr, protoPost,
			nil, []entry.Record{rec("a", "3")}, "b")
		out, err := bucket.Merge(mgr, protoPost, old, fresh, nil, true, false)
		if err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		// Compressed files must decode to the identical logical stream.
		if n := len(readAll(t, out)); n != out.EntryCount() {
			t.Fatalf("iterator saw %d entries, bucket claims %d", n, out.EntryCount())
		}
		return out.Hash()
	}

	h1 := build(plain)
	h2 := build(compressed)
	if h1 != h2 {
		t.Fatalf("bucket identity must be codec independent: %s != %s", h1.Hex(), h2.Hex())
	}
}

func TestBucketGet(t *testing.T) {
	mgr := newTestManager(t, false)

	b := mustFresh(t, mgr, protoPost,
		[]entry.Record{rec("a", "1")}, []entry.Record{rec("c", "3")}, "e")

	e, ok, err := b.Get([]byte("c"))
	if err != nil || !ok {
		t.Fatalf("expected to find c, ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(e.Value, []byte("3")) {
		t.Fatalf("expected value 3, got %q", e.Value)
	}

	e, ok, err = b.Get([]byte("e"))
	if err != nil || !ok {
		t.Fatalf("expected to find tombstone for e, ok=%v err=%v", ok, err)
	}
	if e.Type != entry.TypeDead {
		t.Fatalf("expected tombstone, got %s", e.Type)
	}

	if _, ok, err = b.Get([]byte("zz")); err != nil || ok {
		t.Fatalf("expected zz to be absent, ok=%v err=%v", ok, err)
	}
}
