package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"ledgerdb/pkg/bucketlist"
	"ledgerdb/pkg/types"
)

// Closer drives ledger closes: it folds each batch into the bucket list,
// captures the resulting aggregate hash and chains a new header with updated
// skip values. One Closer owns its list; it is not safe for concurrent use.
type Closer struct {
	list     *bucketlist.List
	protocol types.ProtocolVersion
	head     Header
	log      *slog.Logger
}

// NewCloser starts a chain at the genesis (all-zero) header.
func NewCloser(list *bucketlist.List, protocol types.ProtocolVersion, log *slog.Logger) *Closer {
	if log == nil {
		log = slog.Default()
	}
	return &Closer{
		list:     list,
		protocol: protocol,
		log:      log.With("component", "ledger-closer"),
	}
}

// List exposes the underlying bucket list for queries.
func (c *Closer) List() *bucketlist.List {
	return c.list
}

// Head returns the most recently closed header.
func (c *Closer) Head() Header {
	return c.head
}

// CloseLedger absorbs batch as the next ledger in sequence and returns the
// new head header.
func (c *Closer) CloseLedger(batch Batch) (Header, error) {
	seq := c.head.Seq + 1
	if err := c.list.AddBatch(seq, c.protocol, batch.InitRecords, batch.LiveRecords, batch.DeadKeys); err != nil {
		return Header{}, fmt.Errorf("failed to close ledger %d: %w", seq, err)
	}

	h := Header{
		Seq:            seq,
		PrevHash:       c.head.Hash(),
		BucketListHash: c.list.Hash(),
		SkipList:       c.head.SkipList,
	}
	h.CalculateSkipValues()
	c.head = h

	c.log.Debug("ledger closed", "seq", seq, "bucket_list_hash", h.BucketListHash)
	return h, nil
}

// SavedState is the durable form of a closer: the head header plus the
// bucket-list state, which together with the bucket files reproduce an
// equivalent process after restart.
type SavedState struct {
	Header Header            `json:"header"`
	List   *bucketlist.State `json:"bucket_list"`
}

// Snapshot captures the closer for persistence without waiting for pending
// merges.
func (c *Closer) Snapshot() *SavedState {
	return &SavedState{
		Header: c.head,
		List:   c.list.Snapshot(),
	}
}

// Restore rebuilds a closer from a saved state. Pending merges recorded in
// the state are re-dispatched before this returns.
func Restore(backend bucketlist.Backend, saved *SavedState, protocol types.ProtocolVersion, countMergeEvents bool, log *slog.Logger) (*Closer, error) {
	list, err := bucketlist.Restore(backend, saved.List, protocol, countMergeEvents, log)
	if err != nil {
		return nil, err
	}
	c := NewCloser(list, protocol, log)
	c.head = saved.Header
	return c, nil
}

// WriteStateFile persists saved as indented JSON at path.
func WriteStateFile(path string, saved *SavedState) error {
	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write ledger state: %w", err)
	}
	return nil
}

// ReadStateFile loads a saved closer state, reporting os.ErrNotExist
// untouched when no state file is present.
func ReadStateFile(path string) (*SavedState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var saved SavedState
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("failed to decode ledger state: %w", err)
	}
	return &saved, nil
}
