package ledger

import (
	"crypto/sha256"
	"encoding/binary"

	"ledgerdb/pkg/types"
)

// Skip-list cadence constants. Each is a power of two and divides the next,
// so the nested boundary checks in CalculateSkipValues line up.
const (
	Skip1 types.LedgerSeq = 64
	Skip2 types.LedgerSeq = 4096
	Skip3 types.LedgerSeq = 65536
	Skip4 types.LedgerSeq = 1048576
)

// Header chains one closed ledger to its predecessor. The skip list holds
// bucket-list hashes at exponentially sparser checkpoints, giving
// logarithmic backward verification jumps without full history.
type Header struct {
	Seq            types.LedgerSeq `json:"seq"`
	PrevHash       types.Hash      `json:"prev_hash"`
	BucketListHash types.Hash      `json:"bucket_list_hash"`
	SkipList       [4]types.Hash   `json:"skip_list"`
}

// Hash returns the header's chaining digest. The value receiver keeps it
// callable on captured copies, map elements included.
func (h Header) Hash() types.Hash {
	d := sha256.New()
	var seq [4]byte
	binary.LittleEndian.PutUint32(seq[:], h.Seq)
	d.Write(seq[:])
	d.Write(h.PrevHash[:])
	d.Write(h.BucketListHash[:])
	for _, s := range h.SkipList {
		d.Write(s[:])
	}
	var out types.Hash
	d.Sum(out[:0])
	return out
}

// CalculateSkipValues updates the skip list in place. The header starts with
// its predecessor's skip list; at each Skip1 boundary slot 0 takes the new
// bucket-list hash, with the displaced values shifting up only at the
// correspondingly sparser boundaries.
func (h *Header) CalculateSkipValues() {
	if h.Seq%Skip1 != 0 {
		return
	}
	if v := h.Seq - Skip1; v > 0 && v%Skip2 == 0 {
		if v := h.Seq - Skip2 - Skip1; v > 0 && v%Skip3 == 0 {
			if v := h.Seq - Skip3 - Skip2 - Skip1; v > 0 && v%Skip4 == 0 {
				h.SkipList[3] = h.SkipList[2]
			}
			h.SkipList[2] = h.SkipList[1]
		}
		h.SkipList[1] = h.SkipList[0]
	}
	h.SkipList[0] = h.BucketListHash
}
