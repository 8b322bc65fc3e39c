package bucket

import (
	"bytes"
	"fmt"

	"ledgerdb/pkg/dberrors"
	"ledgerdb/pkg/entry"
	"ledgerdb/pkg/types"
)

// stream is a forward cursor over a sorted entry sequence. Both file-backed
// buckets and in-memory batches feed the merge through it.
type stream interface {
	valid() bool
	cur() entry.Entry
	next() error
	close()
}

type fileStream struct {
	it *Iterator
}

func newFileStream(b *Bucket) (*fileStream, error) {
	it, err := b.NewIterator()
	if err != nil {
		return nil, err
	}
	return &fileStream{it: it}, nil
}

func (s *fileStream) valid() bool      { return s.it.Valid() }
func (s *fileStream) cur() entry.Entry { return s.it.Entry() }
func (s *fileStream) next() error {
	s.it.Next()
	return s.it.Err()
}
func (s *fileStream) close() { s.it.Close() }

type sliceStream struct {
	entries []entry.Entry
	pos     int
}

func (s *sliceStream) valid() bool      { return s.pos < len(s.entries) }
func (s *sliceStream) cur() entry.Entry { return s.entries[s.pos] }
func (s *sliceStream) next() error {
	s.pos++
	return nil
}
func (s *sliceStream) close() {}

// shadowCursor scans one shadow bucket forward in lockstep with the merge.
// Merge keys arrive in ascending order, so each shadow is walked at most once
// per merge regardless of how many keys are probed.
type shadowCursor struct {
	it *Iterator
}

func (c *shadowCursor) covers(key types.Key, ctrs *MergeCounters) (bool, error) {
	for c.it.Valid() && bytes.Compare(c.it.Entry().Key, key) < 0 {
		ctrs.ShadowScanSteps++
		c.it.Next()
	}
	if err := c.it.Err(); err != nil {
		return false, err
	}
	return c.it.Valid() && bytes.Equal(c.it.Entry().Key, key), nil
}

// Merge combines an older and a newer bucket into a fresh output bucket,
// giving the newer stream precedence on equal keys and eliding entries whose
// keys are covered by the shadow buckets of fresher levels. The result is
// deterministic in the inputs: same old, new, shadows and policy inputs
// always produce the same output hash.
//
// The merge runs at the highest protocol version any input was written under;
// if that exceeds maxProtocol the merge fails with ErrProtocolTooNew.
func Merge(mgr Manager, maxProtocol types.ProtocolVersion, oldBucket, newBucket *Bucket, shadows []*Bucket, keepDead, countMergeEvents bool) (*Bucket, error) {
	protocol := oldBucket.ProtocolVersion()
	if v := newBucket.ProtocolVersion(); v > protocol {
		protocol = v
	}
	for _, sh := range shadows {
		if v := sh.ProtocolVersion(); v > protocol {
			protocol = v
		}
	}
	if protocol > maxProtocol {
		return nil, fmt.Errorf("%w: bucket protocol %d exceeds supported %d",
			dberrors.ErrProtocolTooNew, protocol, maxProtocol)
	}

	oldStream, err := newFileStream(oldBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open old merge input: %w", err)
	}
	defer oldStream.close()

	newStream, err := newFileStream(newBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open new merge input: %w", err)
	}
	defer newStream.close()

	var ctrs MergeCounters
	out, err := runMerge(mgr, protocol, oldStream, newStream, shadows, keepDead, &ctrs)
	if err != nil {
		return nil, err
	}
	if countMergeEvents {
		mgr.IncrMergeCounters(ctrs)
	}
	return out, nil
}

func runMerge(mgr Manager, protocol types.ProtocolVersion, oldStream, newStream stream, shadows []*Bucket, keepDead bool, ctrs *MergeCounters) (*Bucket, error) {
	policy := policyForProtocol(protocol)
	if policy.initEntryTracking {
		ctrs.PostInitEntryProtocolMerges++
	} else {
		ctrs.PreInitEntryProtocolMerges++
	}

	cursors := make([]*shadowCursor, 0, len(shadows))
	for _, sh := range shadows {
		if sh.IsEmpty() {
			continue
		}
		it, err := sh.NewIterator()
		if err != nil {
			return nil, fmt.Errorf("failed to open shadow bucket: %w", err)
		}
		defer it.Close()
		cursors = append(cursors, &shadowCursor{it: it})
	}

	w, err := newOutputWriter(mgr, protocol, keepDead, ctrs)
	if err != nil {
		return nil, err
	}

	if err := mergeStreams(w, policy, oldStream, newStream, cursors, ctrs); err != nil {
		w.abort()
		return nil, err
	}
	return w.finish()
}

func mergeStreams(w *outputWriter, policy mergePolicy, oldStream, newStream stream, shadows []*shadowCursor, ctrs *MergeCounters) error {
	for oldStream.valid() || newStream.valid() {
		// Metadata is only meaningful at the head of a stream; stray markers
		// further in are counted and dropped.
		if oldStream.valid() && oldStream.cur().Type == entry.TypeMetadata {
			ctrs.OldMetaEntries++
			if err := oldStream.next(); err != nil {
				return err
			}
			continue
		}
		if newStream.valid() && newStream.cur().Type == entry.TypeMetadata {
			ctrs.NewMetaEntries++
			if err := newStream.next(); err != nil {
				return err
			}
			continue
		}
		switch {
		case !newStream.valid():
			e := readEntry(oldStream, policy, true, ctrs)
			ctrs.OldEntriesDefaultAccepted++
			if err := maybePut(w, policy, e, shadows, ctrs); err != nil {
				return err
			}
			if err := oldStream.next(); err != nil {
				return err
			}

		case !oldStream.valid():
			e := readEntry(newStream, policy, false, ctrs)
			ctrs.NewEntriesDefaultAccepted++
			if err := maybePut(w, policy, e, shadows, ctrs); err != nil {
				return err
			}
			if err := newStream.next(); err != nil {
				return err
			}

		default:
			oldE := readEntry(oldStream, policy, true, ctrs)
			newE := readEntry(newStream, policy, false, ctrs)
			switch entry.Compare(oldE, newE) {
			case -1:
				ctrs.OldEntriesDefaultAccepted++
				if err := maybePut(w, policy, oldE, shadows, ctrs); err != nil {
					return err
				}
				if err := oldStream.next(); err != nil {
					return err
				}
			case 1:
				ctrs.NewEntriesDefaultAccepted++
				if err := maybePut(w, policy, newE, shadows, ctrs); err != nil {
					return err
				}
				if err := newStream.next(); err != nil {
					return err
				}
			default:
				if err := mergeEqualKeys(w, policy, oldE, newE, shadows, ctrs); err != nil {
					return err
				}
				if err := oldStream.next(); err != nil {
					return err
				}
				if err := newStream.next(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// readEntry observes the stream's current entry, counting it and demoting
// creation entries to plain updates under pre-tracking protocols.
func readEntry(s stream, policy mergePolicy, fromOld bool, ctrs *MergeCounters) entry.Entry {
	e := s.cur()
	if fromOld {
		switch e.Type {
		case entry.TypeInit:
			ctrs.OldInitEntries++
		case entry.TypeLive:
			ctrs.OldLiveEntries++
		case entry.TypeDead:
			ctrs.OldDeadEntries++
		}
	} else {
		switch e.Type {
		case entry.TypeInit:
			ctrs.NewInitEntries++
		case entry.TypeLive:
			ctrs.NewLiveEntries++
		case entry.TypeDead:
			ctrs.NewDeadEntries++
		}
	}
	if e.Type == entry.TypeInit && !policy.initEntryTracking {
		e.Type = entry.TypeLive
	}
	return e
}

// mergeEqualKeys resolves a key present in both inputs. With creation
// tracking the lifecycle pairings collapse or transform; without it the newer
// entry always wins.
func mergeEqualKeys(w *outputWriter, policy mergePolicy, oldE, newE entry.Entry, shadows []*shadowCursor, ctrs *MergeCounters) error {
	if policy.initEntryTracking {
		switch {
		case oldE.Type == entry.TypeInit && newE.Type == entry.TypeLive:
			// The record was created in the old span and updated in the new:
			// still a creation overall, at the updated value.
			ctrs.OldInitEntriesMergedWithNewLive++
			return maybePut(w, policy, entry.Entry{Type: entry.TypeInit, Key: newE.Key, Value: newE.Value}, shadows, ctrs)

		case oldE.Type == entry.TypeInit && newE.Type == entry.TypeDead:
			// Created and deleted within the merged span: both sides vanish.
			ctrs.OldInitEntriesMergedWithNewDead++
			return nil

		case oldE.Type == entry.TypeDead && newE.Type == entry.TypeInit:
			// Deleted and recreated: the pair nets out to a plain update over
			// whatever older state survives below.
			ctrs.NewInitEntriesMergedWithOldDead++
			return maybePut(w, policy, entry.Entry{Type: entry.TypeLive, Key: newE.Key, Value: newE.Value}, shadows, ctrs)

		case newE.Type == entry.TypeInit:
			return fmt.Errorf("%w: init entry for key already live in older bucket",
				dberrors.ErrMalformedBucket)
		}
	}

	ctrs.NewEntriesMergedWithOldNeitherInit++
	return maybePut(w, policy, newE, shadows, ctrs)
}

// maybePut writes e unless a shadow covers its key. Lifecycle entries survive
// shadowing under creation-tracking protocols so that later merges can cancel
// them against their counterparts.
func maybePut(w *outputWriter, policy mergePolicy, e entry.Entry, shadows []*shadowCursor, ctrs *MergeCounters) error {
	if len(shadows) > 0 && e.Type != entry.TypeMetadata {
		if policy.keepShadowedLifecycleEntries && e.IsLifecycle() {
			return w.put(e)
		}
		for _, sh := range shadows {
			covered, err := sh.covers(e.Key, ctrs)
			if err != nil {
				return fmt.Errorf("failed to scan shadow bucket: %w", err)
			}
			if covered {
				switch e.Type {
				case entry.TypeInit:
					ctrs.InitEntryShadowElisions++
				case entry.TypeLive:
					ctrs.LiveEntryShadowElisions++
				case entry.TypeDead:
					ctrs.DeadEntryShadowElisions++
				}
				return nil
			}
		}
	}
	return w.put(e)
}
