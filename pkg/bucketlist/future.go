package bucketlist

import (
	"fmt"
	"sync"

	"ledgerdb/pkg/bucket"
	"ledgerdb/pkg/types"
)

// Backend is the slice of the bucket manager the list machinery needs:
// merge-output adoption, background dispatch and hash lookup.
type Backend interface {
	bucket.Manager
	Submit(task func())
	GetByHash(h types.Hash) (*bucket.Bucket, error)
}

// MergeState is the lifecycle of a FutureMerge.
type MergeState int

const (
	// MergeClear means no merge is attached.
	MergeClear MergeState = iota
	// MergeMerging means a merge is dispatched and still running.
	MergeMerging
	// MergeResolved means the output bucket is available (or already claimed).
	MergeResolved
)

func (s MergeState) String() string {
	switch s {
	case MergeClear:
		return "clear"
	case MergeMerging:
		return "merging"
	case MergeResolved:
		return "resolved"
	}
	return "unknown"
}

// FutureMerge is a handle to one background merge. It retains its input
// buckets for the duration of the merge and holds the output until Resolve
// claims it. A still-running merge serializes to its input hashes and can be
// re-dispatched from them after a restart; determinism of the merge makes the
// resumed output hash-identical to the uninterrupted one.
type FutureMerge struct {
	done chan struct{}

	mu       sync.Mutex
	out      *bucket.Bucket
	err      error
	claimed  bool
	inCurr   *bucket.Bucket
	inSnap   *bucket.Bucket
	inShadow []*bucket.Bucket
}

// startMerge dispatches merge(curr, snap, shadows) on the backend's pool and
// returns the handle in Merging state. All inputs are retained by the future.
func startMerge(backend Backend, maxProtocol types.ProtocolVersion, curr, snap *bucket.Bucket, shadows []*bucket.Bucket, keepDead, countMergeEvents bool) *FutureMerge {
	f := &FutureMerge{
		done:   make(chan struct{}),
		inCurr: curr.Retain(),
		inSnap: snap.Retain(),
	}
	for _, sh := range shadows {
		f.inShadow = append(f.inShadow, sh.Retain())
	}

	backend.Submit(func() {
		out, err := bucket.Merge(backend, maxProtocol, f.inCurr, f.inSnap, f.inShadow, keepDead, countMergeEvents)
		f.mu.Lock()
		f.out = out
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
	return f
}

// resolvedMerge wraps an already-known output, used when restoring a state
// whose merge had completed before shutdown. Takes ownership of out's
// reference.
func resolvedMerge(out *bucket.Bucket) *FutureMerge {
	f := &FutureMerge{done: make(chan struct{}), out: out}
	close(f.done)
	return f
}

// State reports the merge lifecycle without blocking.
func (f *FutureMerge) State() MergeState {
	if f == nil {
		return MergeClear
	}
	select {
	case <-f.done:
		return MergeResolved
	default:
		return MergeMerging
	}
}

// Resolve blocks until the merge completes and claims the output bucket,
// transferring its reference to the caller. The future's input references are
// released. Resolving twice is a logic error.
func (f *FutureMerge) Resolve() (*bucket.Bucket, error) {
	<-f.done

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed {
		return nil, fmt.Errorf("merge output already claimed")
	}
	f.claimed = true
	f.releaseInputsLocked()

	if f.err != nil {
		return nil, fmt.Errorf("failed to resolve merge: %w", f.err)
	}
	out := f.out
	f.out = nil
	return out, nil
}

// Wait blocks until the background job finishes without claiming the output.
func (f *FutureMerge) Wait() error {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Clear abandons the future, releasing inputs and any unclaimed output. The
// background job, if still running, keeps its own references until done; the
// caller must only Clear futures that are not running.
func (f *FutureMerge) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseInputsLocked()
	if f.out != nil && !f.claimed {
		f.out.Release()
		f.out = nil
	}
}

func (f *FutureMerge) releaseInputsLocked() {
	if f.inCurr != nil {
		f.inCurr.Release()
		f.inCurr = nil
	}
	if f.inSnap != nil {
		f.inSnap.Release()
		f.inSnap = nil
	}
	for _, sh := range f.inShadow {
		sh.Release()
	}
	f.inShadow = nil
}

// snapshot captures the future for the persisted list state: the output hash
// when the merge has finished, otherwise the exact input hashes needed to
// re-dispatch an equivalent merge.
func (f *FutureMerge) snapshot() *SavedMerge {
	if f == nil {
		return nil
	}

	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.err != nil || f.out == nil {
			return nil
		}
		return &SavedMerge{Output: f.out.Hash().Hex()}
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	sm := &SavedMerge{
		Curr: f.inCurr.Hash().Hex(),
		Snap: f.inSnap.Hash().Hex(),
	}
	for _, sh := range f.inShadow {
		sm.Shadows = append(sm.Shadows, sh.Hash().Hex())
	}
	return sm
}
