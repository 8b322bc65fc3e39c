package bucketlist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"ledgerdb/pkg/bucket"
	"ledgerdb/pkg/types"
)

// SavedMerge is the persisted form of a next slot. A finished merge is saved
// as its output hash; a still-running one as the exact inputs needed to
// re-dispatch an equivalent merge after restart.
type SavedMerge struct {
	Output  string   `json:"output,omitempty"`
	Curr    string   `json:"curr,omitempty"`
	Snap    string   `json:"snap,omitempty"`
	Shadows []string `json:"shadows,omitempty"`
}

// LevelState is the persisted form of one level.
type LevelState struct {
	Curr string      `json:"curr"`
	Snap string      `json:"snap"`
	Next *SavedMerge `json:"next,omitempty"`
}

// State is the persisted form of the whole list. Together with the bucket
// files it names, it reconstructs an equivalent list after restart.
type State struct {
	LastSeq types.LedgerSeq `json:"last_ledger_seq"`
	Levels  []LevelState    `json:"levels"`
}

// Snapshot captures the list for persistence. In-flight merges are recorded
// by their inputs without waiting for them.
func (l *List) Snapshot() *State {
	st := &State{LastSeq: l.lastSeq}
	for _, lvl := range l.levels {
		st.Levels = append(st.Levels, LevelState{
			Curr: lvl.Curr().Hash().Hex(),
			Snap: lvl.Snap().Hash().Hex(),
			Next: lvl.Next().snapshot(),
		})
	}
	return st
}

// Restore rebuilds a list from a persisted state. Every referenced bucket
// must already be present in the manager; a missing bucket is fatal and the
// caller must repair it (ImportBucket) before retrying. Still-running merges
// from the snapshot are re-dispatched immediately and are in Merging state
// when Restore returns; counters for redone work are not double-counted.
func Restore(backend Backend, st *State, maxProtocol types.ProtocolVersion, countMergeEvents bool, log *slog.Logger) (*List, error) {
	if len(st.Levels) != NumLevels {
		return nil, fmt.Errorf("state has %d levels, want %d", len(st.Levels), NumLevels)
	}

	l := New(backend, maxProtocol, countMergeEvents, log)
	l.lastSeq = st.LastSeq

	for i, ls := range st.Levels {
		lvl := l.levels[i]

		curr, err := lookupBucket(backend, ls.Curr)
		if err != nil {
			return nil, fmt.Errorf("failed to restore level %d curr: %w", i, err)
		}
		lvl.curr = curr

		snap, err := lookupBucket(backend, ls.Snap)
		if err != nil {
			return nil, fmt.Errorf("failed to restore level %d snap: %w", i, err)
		}
		lvl.snap = snap

		if ls.Next == nil {
			continue
		}
		next, err := restoreMerge(backend, ls.Next, maxProtocol, lvl.keepDead())
		if err != nil {
			return nil, fmt.Errorf("failed to restore level %d merge: %w", i, err)
		}
		lvl.next = next
		l.log.Info("merge restarted", "level", i, "state", next.State())
	}
	return l, nil
}

func restoreMerge(backend Backend, sm *SavedMerge, maxProtocol types.ProtocolVersion, keepDead bool) (*FutureMerge, error) {
	if sm.Output != "" {
		out, err := lookupBucket(backend, sm.Output)
		if err != nil {
			return nil, err
		}
		return resolvedMerge(out), nil
	}

	curr, err := lookupBucket(backend, sm.Curr)
	if err != nil {
		return nil, err
	}
	defer curr.Release()
	snap, err := lookupBucket(backend, sm.Snap)
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	shadows := make([]*bucket.Bucket, 0, len(sm.Shadows))
	defer func() {
		for _, sh := range shadows {
			sh.Release()
		}
	}()
	for _, hx := range sm.Shadows {
		sh, err := lookupBucket(backend, hx)
		if err != nil {
			return nil, err
		}
		shadows = append(shadows, sh)
	}

	// The redone merge is deterministic, so its counters would double-count
	// work already recorded before the restart.
	return startMerge(backend, maxProtocol, curr, snap, shadows, keepDead, false), nil
}

func lookupBucket(backend Backend, hexHash string) (*bucket.Bucket, error) {
	h, err := types.HashFromHex(hexHash)
	if err != nil {
		return nil, err
	}
	return backend.GetByHash(h)
}

// WriteStateFile persists st as indented JSON at path.
func WriteStateFile(path string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode list state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write list state: %w", err)
	}
	return nil
}

// ReadStateFile loads a persisted list state from path.
func ReadStateFile(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read list state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode list state: %w", err)
	}
	return &st, nil
}
