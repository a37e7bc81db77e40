// Package checksum computes the integrity checksums stored in SSTable
// series blocks and footers.
//
// The on-disk format (see internal/sstable) reserves flags bit 0 to mean
// "every series block and the footer are followed by an 8-byte XXH3-64
// checksum of that block's or footer's own bytes". This package is the only place
// that knows the hash algorithm; callers just call Sum/Verify.
package checksum

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Size is the width in bytes of a stored checksum.
const Size = 8

// Sum returns the XXH3-64 checksum of data, ready to be appended to a file
// as Size little-endian bytes.
func Sum(data []byte) uint64 {
	return xxh3.Hash(data)
}

// Append computes the checksum of data and appends it in little-endian
// form, returning the extended slice.
func Append(dst, data []byte) []byte {
	var buf [Size]byte
	binary.LittleEndian.PutUint64(buf[:], Sum(data))
	return append(dst, buf[:]...)
}

// Verify reports whether want, a stored checksum (see Decode), equals the
// checksum of data.
func Verify(data []byte, want uint64) bool {
	return Sum(data) == want
}

// Decode reads a little-endian checksum from the first Size bytes of b.
func Decode(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b[:Size])
}
