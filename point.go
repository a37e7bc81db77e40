package tsdb

import (
	"math"

	"github.com/flowmetrics/tsdb/internal/codec"
)

// Limits on the data model (spec §3).
const (
	// MinSeriesKeyLen and MaxSeriesKeyLen bound a series_key's length in bytes.
	MinSeriesKeyLen = 1
	MaxSeriesKeyLen = 255

	// MaxTagCount bounds the number of tags a single point may carry.
	MaxTagCount = 20
	// MinTagLen and MaxTagLen bound a tag key's or value's length in bytes.
	MinTagLen = 1
	MaxTagLen = 100
)

// tombstoneValue is distinguishable from any value a legitimate insert can
// produce only by convention: insert rejects NaN values outright (see
// validatePoint), so this pattern never collides with user data.
var tombstoneValue = codec.TombstoneValue

// Tags is opaque string metadata attached to a point. The zero value is an
// empty tag set.
type Tags map[string]string

// Clone returns a copy of t, or nil if t is empty.
func (t Tags) Clone() Tags {
	if len(t) == 0 {
		return nil
	}
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Point is a single (series, timestamp, value) measurement plus its tags
// (spec §3, "Point").
type Point struct {
	SeriesKey string
	Timestamp int64
	Value     float64
	Tags      Tags
}

// isTombstone reports whether v is the reserved tombstone bit pattern.
func isTombstone(v float64) bool {
	return codec.IsTombstone(v)
}

// tombstone returns a point at (series, ts) carrying the tombstone value.
func tombstone(series string, ts int64) Point {
	return Point{SeriesKey: series, Timestamp: ts, Value: tombstoneValue}
}

// validatePoint enforces spec §3's limits, returning a *Error of
// KindValidation describing the first violation found.
func validatePoint(p Point) error {
	if l := len(p.SeriesKey); l < MinSeriesKeyLen || l > MaxSeriesKeyLen {
		return newError(KindValidation, "series_key length %d out of range [%d,%d]", l, MinSeriesKeyLen, MaxSeriesKeyLen)
	}
	if math.IsNaN(p.Value) {
		return newError(KindValidation, "NaN value is reserved for tombstones and cannot be inserted")
	}
	if len(p.Tags) > MaxTagCount {
		return newError(KindValidation, "tag count %d exceeds maximum %d", len(p.Tags), MaxTagCount)
	}
	for k, v := range p.Tags {
		if l := len(k); l < MinTagLen || l > MaxTagLen {
			return newError(KindValidation, "tag key %q length %d out of range [%d,%d]", k, l, MinTagLen, MaxTagLen)
		}
		if l := len(v); l < MinTagLen || l > MaxTagLen {
			return newError(KindValidation, "tag value for key %q length %d out of range [%d,%d]", k, l, MinTagLen, MaxTagLen)
		}
	}
	return nil
}
