package codec

import "math/bits"

// valueEncoder XOR-compresses a stream of float64 bit patterns against the
// previous value, reusing the previous non-zero XOR's leading/trailing
// zero window when the new XOR fits inside it (§4.1 of the spec).
type valueEncoder struct {
	w          *bitWriter
	haveWindow bool
	leadPrev   int
	trailPrev  int
}

func newValueEncoder(w *bitWriter) *valueEncoder {
	return &valueEncoder{w: w}
}

// encode writes the XOR of cur against prev (both as float64 bit patterns).
func (e *valueEncoder) encode(prevBits, curBits uint64) {
	xor := prevBits ^ curBits
	if xor == 0 {
		e.w.writeBit(0)
		return
	}
	e.w.writeBit(1)

	lead := bits.LeadingZeros64(xor)
	trail := bits.TrailingZeros64(xor)

	if e.haveWindow && lead >= e.leadPrev && trail >= e.trailPrev {
		// Reuse the previous window's (clamped) bounds verbatim so the
		// decoder, which only ever learns the clamped value, stays in sync.
		e.w.writeBit(0)
		meaningful := 64 - e.leadPrev - e.trailPrev
		e.w.writeBits(xor>>uint(e.trailPrev), meaningful)
		return
	}

	// Leading-zero count is transmitted in 5 bits (0..31); clamp so an
	// all-but-the-low-bit XOR (lead up to 63) still encodes, at the cost
	// of a few redundant zero bits in the payload. Standard Gorilla trick.
	if lead > 31 {
		lead = 31
	}

	e.w.writeBit(1)
	e.w.writeBits(uint64(lead), 5)
	meaningful := 64 - lead - trail
	// meaningful ranges 1..64; store meaningful-1 so it fits the 6-bit field.
	e.w.writeBits(uint64(meaningful-1), 6)
	e.w.writeBits(xor>>uint(trail), meaningful)

	e.leadPrev, e.trailPrev = lead, trail
	e.haveWindow = true
}

// valueDecoder mirrors valueEncoder.
type valueDecoder struct {
	r         *bitReader
	leadPrev  int
	trailPrev int
}

func newValueDecoder(r *bitReader) *valueDecoder {
	return &valueDecoder{r: r}
}

// decode reconstructs the next value's bit pattern given the previous
// value's bit pattern.
func (d *valueDecoder) decode(prevBits uint64) (uint64, error) {
	b, err := d.r.readBit()
	if err != nil {
		return 0, err
	}
	if b == 0 {
		return prevBits, nil
	}

	control, err := d.r.readBit()
	if err != nil {
		return 0, err
	}

	var lead, meaningful int
	if control == 0 {
		lead, meaningful = d.leadPrev, 64-d.leadPrev-d.trailPrev
	} else {
		leadBits, err := d.r.readBits(5)
		if err != nil {
			return 0, err
		}
		meanBits, err := d.r.readBits(6)
		if err != nil {
			return 0, err
		}
		lead = int(leadBits)
		meaningful = int(meanBits) + 1
		d.leadPrev = lead
		d.trailPrev = 64 - lead - meaningful
	}

	payload, err := d.r.readBits(meaningful)
	if err != nil {
		return 0, err
	}
	trail := 64 - lead - meaningful
	xor := payload << uint(trail)
	return prevBits ^ xor, nil
}
