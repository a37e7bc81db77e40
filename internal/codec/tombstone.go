package codec

import "math"

// TombstoneBits is the quiet-NaN bit pattern reserved to mark a deleted
// point. It lives here, next to Sample, so every package that merges or
// decodes samples (memtable, sstable, compaction, the root engine) shares
// one definition instead of each re-deriving it.
const TombstoneBits uint64 = 0x7ff8000000000001

// TombstoneValue is the float64 value bit-identical to TombstoneBits.
var TombstoneValue = math.Float64frombits(TombstoneBits)

// IsTombstone reports whether v is the reserved tombstone bit pattern. It
// compares bit patterns, not float equality, since NaN != NaN under ==.
func IsTombstone(v float64) bool {
	return math.Float64bits(v) == TombstoneBits
}
