package ledger

import (
	"ledgerdb/pkg/entry"
	"ledgerdb/pkg/types"
)

// Batch is one ledger close worth of record changes as produced by the
// transaction layer: fresh creations, updates to existing records and
// deletions by key.
type Batch struct {
	InitRecords []entry.Record
	LiveRecords []entry.Record
	DeadKeys    []types.Key
}

// Empty reports whether the batch carries no changes.
func (b Batch) Empty() bool {
	return len(b.InitRecords) == 0 && len(b.LiveRecords) == 0 && len(b.DeadKeys) == 0
}

// BatchSource produces the change batch for each ledger sequence. The
// transaction/consensus layer sits behind this interface; tests and the demo
// loop supply synthetic implementations.
type BatchSource interface {
	NextBatch(seq types.LedgerSeq) (Batch, error)
}

// BatchSourceFunc adapts a function to the BatchSource interface.
type BatchSourceFunc func(seq types.LedgerSeq) (Batch, error)

func (f BatchSourceFunc) NextBatch(seq types.LedgerSeq) (Batch, error) {
	return f(seq)
}
