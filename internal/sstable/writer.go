package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/flowmetrics/tsdb/internal/checksum"
	"github.com/flowmetrics/tsdb/internal/codec"
	"github.com/flowmetrics/tsdb/internal/compression"
	"github.com/flowmetrics/tsdb/internal/vfs"
)

// Series is one series' worth of data to write into a block. Points must
// be non-empty; Writer sorts them by timestamp and, like the memtable,
// keeps only the last point for a given timestamp.
type Series struct {
	Key    string
	Points []codec.Sample
	Tags   map[string]string
}

// WriteOptions controls how Write encodes an SSTable.
type WriteOptions struct {
	// Compression is the secondary compression applied to each series
	// block's Gorilla payload. Zero value is compression.None.
	Compression compression.Type
	// Checksums, if true, appends an XXH3-64 trailer after every series
	// block and after the footer, and sets FlagChecksums.
	Checksums bool
}

// Write encodes series into an SSTable file at path using fs, following
// the atomic write-to-tmp/fsync/rename/fsync-dir sequence (spec §4.3,
// "Writer"). Series are emitted in ascending lexicographic key order so
// that two writers given the same input produce byte-identical files.
func Write(fs vfs.FS, path string, series []Series, opts WriteOptions) error {
	sorted := make([]Series, len(series))
	copy(sorted, series)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	var buf bytes.Buffer
	var flags uint16
	if opts.Checksums {
		flags |= FlagChecksums
	}

	writeHeader(&buf, uint32(len(sorted)), flags)

	entries := make([]IndexEntry, 0, len(sorted))
	for _, s := range sorted {
		offset := int64(buf.Len())
		pc, minTS, maxTS, err := writeSeriesBlock(&buf, s, opts)
		if err != nil {
			return fmt.Errorf("sstable: encode series %q: %w", s.Key, err)
		}
		entries = append(entries, IndexEntry{
			SeriesKey:   s.Key,
			BlockOffset: offset,
			PointCount:  pc,
			MinTS:       minTS,
			MaxTS:       maxTS,
		})
	}

	indexOffset := int64(buf.Len())
	for _, e := range entries {
		writeIndexEntry(&buf, e)
	}

	writeFooter(&buf, indexOffset, uint32(len(entries)), opts.Checksums)

	return vfs.WriteFileAtomic(fs, path, buf.Bytes())
}

func writeHeader(buf *bytes.Buffer, seriesCount uint32, flags uint16) {
	buf.WriteString(Magic)
	writeU16(buf, Version)
	writeU16(buf, flags)
	writeU32(buf, seriesCount)
}

// writeSeriesBlock sorts s.Points, encodes them with the Gorilla codec,
// optionally compresses the payload, and appends the complete series
// block (and its checksum trailer, if enabled) to buf.
func writeSeriesBlock(buf *bytes.Buffer, s Series, opts WriteOptions) (pointCount uint32, minTS, maxTS int64, err error) {
	start := buf.Len()

	points := dedupSortPoints(s.Points)
	if len(points) == 0 {
		return 0, 0, 0, fmt.Errorf("series %q has no points", s.Key)
	}
	minTS, maxTS = points[0].TS, points[len(points)-1].TS

	gorillaPayload, err := codec.Encode(points)
	if err != nil {
		return 0, 0, 0, err
	}

	payload, err := wrapPayload(gorillaPayload, opts.Compression)
	if err != nil {
		return 0, 0, 0, err
	}

	writeU16(buf, uint16(len(s.Key)))
	buf.WriteString(s.Key)
	writeU32(buf, uint32(len(points)))
	writeI64(buf, minTS)
	writeI64(buf, maxTS)

	writeU16(buf, uint16(len(s.Tags)))
	for _, k := range sortedTagKeys(s.Tags) {
		v := s.Tags[k]
		writeU16(buf, uint16(len(k)))
		buf.WriteString(k)
		writeU16(buf, uint16(len(v)))
		buf.WriteString(v)
	}

	writeU32(buf, uint32(len(payload)))
	buf.Write(payload)

	if opts.Checksums {
		sum := checksum.Sum(buf.Bytes()[start:buf.Len()])
		writeU64(buf, sum)
	}

	return uint32(len(points)), minTS, maxTS, nil
}

func writeFooter(buf *bytes.Buffer, indexOffset int64, indexCount uint32, withChecksum bool) {
	start := buf.Len()
	writeI64(buf, indexOffset)
	writeU32(buf, indexCount)
	buf.WriteString(FooterMagic)
	if withChecksum {
		sum := checksum.Sum(buf.Bytes()[start:buf.Len()])
		writeU64(buf, sum)
	}
}

func writeIndexEntry(buf *bytes.Buffer, e IndexEntry) {
	writeU16(buf, uint16(len(e.SeriesKey)))
	buf.WriteString(e.SeriesKey)
	writeI64(buf, e.BlockOffset)
	writeU32(buf, e.PointCount)
	writeI64(buf, e.MinTS)
	writeI64(buf, e.MaxTS)
}

// wrapPayload applies secondary compression to an encoded Gorilla stream,
// prefixing the result with a 1-byte compression.Type and a 4-byte
// original length so Decompress can size its destination buffer.
func wrapPayload(gorillaPayload []byte, t compression.Type) ([]byte, error) {
	compressed, err := compression.Compress(t, gorillaPayload)
	if err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	out := make([]byte, 0, 1+4+len(compressed))
	out = append(out, byte(t))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(gorillaPayload)))
	out = append(out, lenBuf[:]...)
	out = append(out, compressed...)
	return out, nil
}

// dedupSortPoints sorts points by timestamp and keeps only the last point
// written for a given timestamp (matching memtable.Insert's overwrite
// semantics, needed because compaction's merged input can repeat a
// timestamp across input sources).
func dedupSortPoints(points []codec.Sample) []codec.Sample {
	if len(points) == 0 {
		return nil
	}
	byTS := make(map[int64]codec.Sample, len(points))
	for _, p := range points {
		byTS[p.TS] = p
	}
	out := make([]codec.Sample, 0, len(byTS))
	for _, p := range byTS {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out
}

func sortedTagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	writeU64(buf, uint64(v))
}
