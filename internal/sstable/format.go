// Package sstable implements the immutable, memory-mapped on-disk series
// file produced by flushing a memtable snapshot or by compaction (spec
// §4.3).
//
// On-disk layout (all integers little-endian):
//
//	magic:        4B  = "TSDB"
//	version:      2B
//	flags:        2B  (bit 0: series blocks and the footer are each
//	                    followed by an 8-byte XXH3-64 checksum)
//	series_count: 4B
//	[series block], repeated series_count times, in ascending series-key
//	order
//	[index entry], repeated series_count times
//	footer:
//	  index_offset: 8B  (absolute offset of the first index entry)
//	  index_count:  4B  (equals series_count)
//	  footer_magic: 4B  = "FTER"
//	  [checksum: 8B]    (present iff flags bit 0 is set)
//
// Each series block:
//
//	series_key_len: 2B
//	series_key:     N bytes UTF-8
//	point_count:    4B
//	min_ts: 8B, max_ts: 8B
//	tag_count: 2B
//	[tag_key_len: 2B, tag_key, tag_val_len: 2B, tag_val] x tag_count
//	payload_len: 4B
//	payload:     compressed bytes per the Gorilla codec (internal/codec),
//	             optionally wrapped in a secondary compression envelope
//	             (internal/compression): [type: 1B][orig_len: 4B][bytes]
//	[checksum: 8B] (present iff flags bit 0 is set)
//
// Each index entry:
//
//	series_key_len: 2B, series_key: N bytes, block_offset: 8B,
//	point_count: 4B, min_ts: 8B, max_ts: 8B
package sstable

import "errors"

const (
	Magic       = "TSDB"
	FooterMagic = "FTER"
	Version     = uint16(1)

	// FlagChecksums marks that every series block and the footer are
	// followed by an 8-byte XXH3-64 trailer covering the bytes before it.
	FlagChecksums uint16 = 1 << 0

	headerSize   = 4 + 2 + 2 + 4 // magic+version+flags+series_count
	footerSize   = 8 + 4 + 4     // index_offset+index_count+footer_magic
	checksumSize = 8
)

// Errors returned by the sstable package.
var (
	ErrBadMagic           = errors.New("sstable: bad magic")
	ErrBadFooterMagic     = errors.New("sstable: bad footer magic")
	ErrUnsupportedVersion = errors.New("sstable: unsupported version")
	ErrIndexMismatch      = errors.New("sstable: index_count does not match series_count")
	ErrTruncated          = errors.New("sstable: file truncated")
	ErrChecksum           = errors.New("sstable: checksum mismatch")
)

// IndexEntry describes one series' location and metadata, as recorded in
// the footer index and held in memory by a Reader.
type IndexEntry struct {
	SeriesKey   string
	BlockOffset int64
	PointCount  uint32
	MinTS       int64
	MaxTS       int64
}
