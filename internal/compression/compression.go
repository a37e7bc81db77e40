// Package compression provides the optional secondary compression applied
// to an SSTable series block.
//
// The Gorilla codec (internal/codec) already squeezes the timestamp/value
// pairs themselves; this package compresses that Gorilla payload a second
// time, which still pays off on highly repetitive series. The block's key,
// metadata and tag section are stored uncompressed. Each series block records its own
// Type byte so a reader decompresses only the series it touches.
package compression

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies the secondary compression applied to a series block.
type Type uint8

const (
	// None stores the block verbatim.
	None Type = 0x0
	// Snappy uses Google Snappy: fast, modest ratio.
	Snappy Type = 0x1
	// Flate uses raw DEFLATE: slower, better ratio than Snappy.
	Flate Type = 0x2
	// LZ4 trades ratio for very fast decompression.
	LZ4 Type = 0x3
	// Zstd gives the best ratio at the highest CPU cost.
	Zstd Type = 0x4
)

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case None:
		return "None"
	case Snappy:
		return "Snappy"
	case Flate:
		return "Flate"
	case LZ4:
		return "LZ4"
	case Zstd:
		return "Zstd"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// IsSupported returns true if the compression type is a value this package
// can encode and decode.
func (t Type) IsSupported() bool {
	switch t {
	case None, Snappy, Flate, LZ4, Zstd:
		return true
	default:
		return false
	}
}

// Compress compresses data using the specified compression type.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case Flate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("compression: flate writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("compression: flate write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compression: flate close: %w", err)
		}
		return buf.Bytes(), nil
	case LZ4:
		return compressLZ4(data)
	case Zstd:
		return compressZstd(data)
	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

// compressLZ4 compresses data in LZ4's raw block format (no frame header).
func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(data, dst, ht[:])
	if err != nil {
		return nil, fmt.Errorf("compression: lz4 compress block: %w", err)
	}
	if n == 0 {
		// Incompressible input: lz4 signals this by writing nothing.
		return append([]byte{0}, data...), nil
	}
	return append([]byte{1}, dst[:n]...), nil
}

// compressZstd compresses data using the default Zstandard level.
func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("compression: zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// Decompress decompresses data that was produced by Compress with the same
// type and uncompressedSize (needed to size the LZ4 destination buffer).
func Decompress(t Type, data []byte, uncompressedSize int) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case Snappy:
		return snappy.Decode(nil, data)
	case Flate:
		r := flate.NewReader(bytes.NewReader(data))
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)
	case LZ4:
		return decompressLZ4(data, uncompressedSize)
	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("compression: zstd decoder: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

func decompressLZ4(data []byte, uncompressedSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("compression: empty lz4 block")
	}
	stored, payload := data[0], data[1:]
	if stored == 0 {
		return payload, nil
	}
	dst := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return nil, fmt.Errorf("compression: lz4 uncompress block: %w", err)
	}
	return dst[:n], nil
}
