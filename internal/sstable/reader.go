package sstable

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/flowmetrics/tsdb/internal/checksum"
	"github.com/flowmetrics/tsdb/internal/codec"
	"github.com/flowmetrics/tsdb/internal/compression"
)

// Reader is a read-only, memory-mapped view of an SSTable file (spec §4.3,
// "Reader"). The footer is validated and the index parsed into memory on
// Open; series block payloads are decoded lazily, on Range.
type Reader struct {
	Path  string
	file  *os.File
	data  mmap.MMap
	flags uint16
	index map[string]IndexEntry
	// order preserves index declaration order for List, which is the
	// deterministic lexicographic-by-key order the writer produced.
	order []string
}

// Open memory-maps path read-only, validates the header and footer, and
// parses the index into memory.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: mmap %s: %w", path, err)
	}

	r := &Reader{Path: path, file: f, data: data}
	if err := r.parse(); err != nil {
		_ = data.Unmap()
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// Close unmaps the file and closes the underlying file descriptor. It must
// be called only once every concurrent reader of this Reader has finished
// (spec §5, "Shared resources").
func (r *Reader) Close() error {
	unmapErr := r.data.Unmap()
	closeErr := r.file.Close()
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

func (r *Reader) parse() error {
	b := []byte(r.data)
	if len(b) < headerSize+footerSize {
		return ErrTruncated
	}
	if string(b[0:4]) != Magic {
		return ErrBadMagic
	}
	version := binary.LittleEndian.Uint16(b[4:6])
	if version != Version {
		return ErrUnsupportedVersion
	}
	flags := binary.LittleEndian.Uint16(b[6:8])
	seriesCount := binary.LittleEndian.Uint32(b[8:12])
	r.flags = flags

	fEnd := len(b)
	fStart := fEnd - footerSize
	if flags&FlagChecksums != 0 {
		fStart -= checksumSize
	}
	if fStart < headerSize {
		return ErrTruncated
	}
	footer := b[fStart:]
	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	indexCount := binary.LittleEndian.Uint32(footer[8:12])
	if string(footer[12:16]) != FooterMagic {
		return ErrBadFooterMagic
	}
	if indexCount != seriesCount {
		return ErrIndexMismatch
	}
	if flags&FlagChecksums != 0 {
		want := binary.LittleEndian.Uint64(footer[16:24])
		if !checksum.Verify(b[fStart:fStart+footerSize], want) {
			return ErrChecksum
		}
	}

	r.index = make(map[string]IndexEntry, indexCount)
	r.order = make([]string, 0, indexCount)
	pos := indexOffset
	for i := uint32(0); i < indexCount; i++ {
		e, next, err := parseIndexEntry(b, pos)
		if err != nil {
			return err
		}
		r.index[e.SeriesKey] = e
		r.order = append(r.order, e.SeriesKey)
		pos = next
	}
	return nil
}

func parseIndexEntry(b []byte, pos int64) (IndexEntry, int64, error) {
	if pos < 0 || int(pos)+2 > len(b) {
		return IndexEntry{}, 0, ErrTruncated
	}
	keyLen := int(binary.LittleEndian.Uint16(b[pos : pos+2]))
	pos += 2
	if int(pos)+keyLen+8+4+8+8 > len(b) {
		return IndexEntry{}, 0, ErrTruncated
	}
	key := string(b[pos : pos+int64(keyLen)])
	pos += int64(keyLen)
	blockOffset := int64(binary.LittleEndian.Uint64(b[pos : pos+8]))
	pos += 8
	pointCount := binary.LittleEndian.Uint32(b[pos : pos+4])
	pos += 4
	minTS := int64(binary.LittleEndian.Uint64(b[pos : pos+8]))
	pos += 8
	maxTS := int64(binary.LittleEndian.Uint64(b[pos : pos+8]))
	pos += 8
	return IndexEntry{SeriesKey: key, BlockOffset: blockOffset, PointCount: pointCount, MinTS: minTS, MaxTS: maxTS}, pos, nil
}

// Contains reports whether series has a block in this SSTable.
func (r *Reader) Contains(series string) bool {
	_, ok := r.index[series]
	return ok
}

// List returns every series' index entry, in the file's declaration order.
func (r *Reader) List() []IndexEntry {
	out := make([]IndexEntry, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.index[k])
	}
	return out
}

// Entry returns the index entry for series, if present.
func (r *Reader) Entry(series string) (IndexEntry, bool) {
	e, ok := r.index[series]
	return e, ok
}

// Range decodes series' block and returns the points whose timestamp
// falls in [tLo, tHi], plus the series' tags. If the index's [min_ts,
// max_ts] does not overlap the requested window, it returns immediately
// without decoding (spec §4.3, "Reader").
func (r *Reader) Range(series string, tLo, tHi int64) ([]codec.Sample, map[string]string, error) {
	e, ok := r.index[series]
	if !ok {
		return nil, nil, nil
	}
	if tHi < e.MinTS || tLo > e.MaxTS {
		return nil, nil, nil
	}

	tags, samples, err := r.decodeBlock(e)
	if err != nil {
		return nil, nil, err
	}

	out := make([]codec.Sample, 0, len(samples))
	for _, s := range samples {
		if s.TS >= tLo && s.TS <= tHi {
			out = append(out, s)
		}
	}
	return out, tags, nil
}

// decodeBlock fully decodes the series block at e.BlockOffset: its tags
// and its Gorilla-encoded (and possibly secondary-compressed) payload.
func (r *Reader) decodeBlock(e IndexEntry) (map[string]string, []codec.Sample, error) {
	b := []byte(r.data)
	pos := e.BlockOffset
	if pos < 0 || int(pos)+2 > len(b) {
		return nil, nil, ErrTruncated
	}
	start := pos

	keyLen := int(binary.LittleEndian.Uint16(b[pos : pos+2]))
	pos += 2 + int64(keyLen)
	if int(pos)+4+8+8+2 > len(b) {
		return nil, nil, ErrTruncated
	}
	pos += 4 // point_count
	pos += 8 // min_ts
	pos += 8 // max_ts

	tagCount := int(binary.LittleEndian.Uint16(b[pos : pos+2]))
	pos += 2

	tags := make(map[string]string, tagCount)
	for i := 0; i < tagCount; i++ {
		if int(pos)+2 > len(b) {
			return nil, nil, ErrTruncated
		}
		kLen := int(binary.LittleEndian.Uint16(b[pos : pos+2]))
		pos += 2
		if int(pos)+kLen+2 > len(b) {
			return nil, nil, ErrTruncated
		}
		k := string(b[pos : pos+int64(kLen)])
		pos += int64(kLen)
		vLen := int(binary.LittleEndian.Uint16(b[pos : pos+2]))
		pos += 2
		if int(pos)+vLen > len(b) {
			return nil, nil, ErrTruncated
		}
		v := string(b[pos : pos+int64(vLen)])
		pos += int64(vLen)
		tags[k] = v
	}

	if int(pos)+4 > len(b) {
		return nil, nil, ErrTruncated
	}
	payloadLen := int(binary.LittleEndian.Uint32(b[pos : pos+4]))
	pos += 4
	if int(pos)+payloadLen > len(b) {
		return nil, nil, ErrTruncated
	}
	payload := b[pos : pos+int64(payloadLen)]
	pos += int64(payloadLen)

	if r.flags&FlagChecksums != 0 {
		if int(pos)+checksumSize > len(b) {
			return nil, nil, ErrTruncated
		}
		want := binary.LittleEndian.Uint64(b[pos : pos+checksumSize])
		if !checksum.Verify(b[start:pos], want) {
			return nil, nil, ErrChecksum
		}
	}

	gorillaPayload, err := unwrapPayload(payload)
	if err != nil {
		return nil, nil, err
	}
	samples, err := codec.Decode(gorillaPayload)
	if err != nil {
		return nil, nil, fmt.Errorf("sstable: decode series block at offset %d: %w", e.BlockOffset, err)
	}
	return tags, samples, nil
}

// unwrapPayload reverses wrapPayload: it reads the leading compression.Type
// and original-length prefix, then decompresses the remaining bytes.
func unwrapPayload(payload []byte) ([]byte, error) {
	if len(payload) < 1+4 {
		return nil, ErrTruncated
	}
	t := compression.Type(payload[0])
	origLen := int(binary.LittleEndian.Uint32(payload[1:5]))
	compressed := payload[5:]
	return compression.Decompress(t, compressed, origLen)
}
