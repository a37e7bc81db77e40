// Package codec implements the Gorilla-style timestamp/value compression
// codec: delta-of-delta for timestamps, XOR-with-window-reuse for the
// IEEE-754 value bits. It has no I/O and no locking — it is a pure
// transform from a sorted sample slice to a byte buffer and back.
//
// Reference: Pelkonen et al., "Gorilla: A Fast, Scalable, In-Memory Time
// Series Database" (Facebook, 2015), §4.1.
package codec

import (
	"encoding/binary"
	"errors"
	"math"
)

// Errors returned by Encode and Decode.
var (
	// ErrEmpty is returned by Encode when given no samples.
	ErrEmpty = errors.New("codec: cannot encode an empty sample sequence")
	// ErrTruncated is returned by Decode when the stream ends before the
	// recorded sample count has been reconstructed.
	ErrTruncated = errors.New("codec: stream truncated before count exhausted")
	// ErrInvalidPrefix is returned by Decode when a timestamp prefix code
	// does not match any defined pattern.
	ErrInvalidPrefix = errors.New("codec: invalid delta-of-delta prefix")
)

// Sample is one (timestamp, value) pair as seen by the codec. Timestamps
// are caller-defined units (the engine uses Unix seconds); the codec only
// requires they be strictly increasing.
type Sample struct {
	TS    int64
	Value float64
}

const (
	literalHeaderLen = 4 + 8     // count + first ts, written as plain little-endian bytes
	headerLen        = 4 + 8 + 8 // count + first ts + first value
)

// Encode compresses an ordered, non-empty, strictly-increasing-timestamp
// sequence of samples into a self-contained byte buffer.
func Encode(samples []Sample) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrEmpty
	}

	out := make([]byte, literalHeaderLen)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(samples)))
	binary.LittleEndian.PutUint64(out[4:12], uint64(samples[0].TS))
	// First value is appended below, once the bit writer takes over so the
	// whole tail past the 12-byte literal header is one contiguous stream.

	w := newBitWriter()
	w.writeBits(math.Float64bits(samples[0].Value), 64)

	if len(samples) == 1 {
		return append(out, w.bytes()...), nil
	}

	tLast := samples[0].TS
	vLast := math.Float64bits(samples[0].Value)

	// Second sample: literal 64-bit first delta, then windowed XOR value.
	delta := samples[1].TS - tLast
	w.writeBits(uint64(delta), 64)
	enc := newValueEncoder(w)
	enc.encode(vLast, math.Float64bits(samples[1].Value))
	vLast = math.Float64bits(samples[1].Value)
	tDeltaLast := delta
	tLast = samples[1].TS

	for i := 2; i < len(samples); i++ {
		delta = samples[i].TS - tLast
		dod := delta - tDeltaLast
		encodeDoD(w, dod)
		enc.encode(vLast, math.Float64bits(samples[i].Value))

		tDeltaLast = delta
		tLast = samples[i].TS
		vLast = math.Float64bits(samples[i].Value)
	}

	return append(out, w.bytes()...), nil
}

// Decode reverses Encode, reconstructing the original sample sequence
// exactly.
func Decode(buf []byte) ([]Sample, error) {
	if len(buf) < literalHeaderLen {
		return nil, ErrTruncated
	}
	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	t0 := int64(binary.LittleEndian.Uint64(buf[4:12]))
	if count == 0 {
		return nil, nil
	}

	r := newBitReader(buf[literalHeaderLen:])
	v0Bits, err := r.readBits(64)
	if err != nil {
		return nil, ErrTruncated
	}
	out := make([]Sample, 0, count)
	out = append(out, Sample{TS: t0, Value: math.Float64frombits(v0Bits)})
	if count == 1 {
		return out, nil
	}

	tDeltaBits, err := r.readBits(64)
	if err != nil {
		return nil, ErrTruncated
	}
	tDeltaLast := int64(tDeltaBits)
	tLast := t0 + tDeltaLast

	dec := newValueDecoder(r)
	vLast := v0Bits
	vBits, err := dec.decode(vLast)
	if err != nil {
		return nil, err
	}
	vLast = vBits
	out = append(out, Sample{TS: tLast, Value: math.Float64frombits(vLast)})

	for i := 2; i < count; i++ {
		dod, err := decodeDoD(r)
		if err != nil {
			return nil, err
		}
		tDeltaLast += dod
		tLast += tDeltaLast

		vBits, err = dec.decode(vLast)
		if err != nil {
			return nil, err
		}
		vLast = vBits

		out = append(out, Sample{TS: tLast, Value: math.Float64frombits(vLast)})
	}

	return out, nil
}

// encodeDoD writes a delta-of-delta using the Gorilla prefix code (§4.1):
//
//	DD == 0                 -> "0"
//	DD in [-63, 64]         -> "10"   + 7-bit two's complement
//	DD in [-255, 256]       -> "110"  + 9-bit two's complement
//	DD in [-2047, 2048]     -> "1110" + 12-bit two's complement
//	otherwise               -> "1111" + 32-bit two's complement
func encodeDoD(w *bitWriter, dod int64) {
	switch {
	case dod == 0:
		w.writeBit(0)
	case dod >= -63 && dod <= 64:
		w.writeBits(0b10, 2)
		w.writeBits(uint64(dod)&mask(7), 7)
	case dod >= -255 && dod <= 256:
		w.writeBits(0b110, 3)
		w.writeBits(uint64(dod)&mask(9), 9)
	case dod >= -2047 && dod <= 2048:
		w.writeBits(0b1110, 4)
		w.writeBits(uint64(dod)&mask(12), 12)
	default:
		w.writeBits(0b1111, 4)
		w.writeBits(uint64(dod)&mask(32), 32)
	}
}

// decodeDoD mirrors encodeDoD.
func decodeDoD(r *bitReader) (int64, error) {
	b, err := r.readBit()
	if err != nil {
		return 0, err
	}
	if b == 0 {
		return 0, nil
	}
	b, err = r.readBit()
	if err != nil {
		return 0, err
	}
	if b == 0 {
		v, err := r.readBits(7)
		if err != nil {
			return 0, err
		}
		return signExtend(v, 7), nil
	}
	b, err = r.readBit()
	if err != nil {
		return 0, err
	}
	if b == 0 {
		v, err := r.readBits(9)
		if err != nil {
			return 0, err
		}
		return signExtend(v, 9), nil
	}
	b, err = r.readBit()
	if err != nil {
		return 0, err
	}
	if b == 0 {
		v, err := r.readBits(12)
		if err != nil {
			return 0, err
		}
		return signExtend(v, 12), nil
	}
	v, err := r.readBits(32)
	if err != nil {
		return 0, err
	}
	return signExtend(v, 32), nil
}

// mask returns the low-n-bits mask, used to take the two's-complement
// representation of a (possibly negative) value in n bits.
func mask(n int) uint64 {
	return (uint64(1) << uint(n)) - 1
}

// signExtend interprets the low n bits of v as a two's-complement integer.
func signExtend(v uint64, n int) int64 {
	signBit := uint64(1) << uint(n-1)
	if v&signBit != 0 {
		return int64(v) - int64(uint64(1)<<uint(n))
	}
	return int64(v)
}
