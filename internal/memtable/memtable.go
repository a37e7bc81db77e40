// Package memtable implements the engine's mutable write buffer: a mapping
// from series key to an ordered sequence of points, plus a running count of
// all points across every series.
package memtable

import (
	"sort"
	"sync"

	"github.com/flowmetrics/tsdb/internal/logging"
)

// Point is the codec-free point shape the memtable and engine share. It is
// deliberately independent of the root tsdb.Point type so this package has
// no import-cycle dependency on the root package.
type Point struct {
	Timestamp int64
	Value     float64
	Tags      map[string]string
}

// Memtable holds a bounded number of points across all series (spec §4.2).
// Buckets are append-only between sorts: Insert appends or overwrites in
// place; ordering is restored lazily by sortBucket before a bucket is
// handed to a reader.
type Memtable struct {
	mu      sync.RWMutex
	buckets map[string][]Point
	count   int
	log     logging.Logger
}

// New returns an empty Memtable.
func New(log logging.Logger) *Memtable {
	return &Memtable{
		buckets: make(map[string][]Point),
		log:     logging.OrDefault(log),
	}
}

// Insert appends p to series' bucket, incrementing the total counter. If a
// point with the same timestamp already exists in the bucket, the new value
// (and tags) overwrite the old one in place and the counter is unchanged.
func (m *Memtable) Insert(series string, p Point) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.buckets[series]
	for i := range bucket {
		if bucket[i].Timestamp == p.Timestamp {
			bucket[i] = p
			return
		}
	}
	m.buckets[series] = append(bucket, p)
	m.count++
}

// Query returns series' points with timestamps in the closed interval
// [tLo, tHi], in ascending order, clipped to limit (limit <= 0 means
// unlimited). The returned slice is a defensive copy.
func (m *Memtable) Query(series string, tLo, tHi int64, limit int) []Point {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.buckets[series]
	if len(bucket) == 0 {
		return nil
	}
	sortBucket(bucket)

	out := make([]Point, 0, len(bucket))
	for _, p := range bucket {
		if p.Timestamp < tLo || p.Timestamp > tHi {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ListSeries returns the series keys currently resident, in no particular
// order.
func (m *Memtable) ListSeries() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.buckets))
	for k := range m.buckets {
		out = append(out, k)
	}
	return out
}

// Has reports whether series has any points resident, including tombstones.
func (m *Memtable) Has(series string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.buckets[series]
	return ok
}

// Count returns the total number of points across all series.
func (m *Memtable) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// IsFull reports whether the total counter has reached threshold.
func (m *Memtable) IsFull(threshold int) bool {
	return m.Count() >= threshold
}

// DeleteSeries removes series entirely from the memtable, as used by
// Engine.DeleteSeries (spec §4.4). It returns true if the series was
// resident.
func (m *Memtable) DeleteSeries(series string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.buckets[series]
	if !ok {
		return false
	}
	m.count -= len(bucket)
	delete(m.buckets, series)
	return true
}

// Snapshot is the drained, sorted contents of a Memtable, organized for the
// SSTable writer: one sorted bucket per series key.
type Snapshot struct {
	Buckets map[string][]Point
}

// Drain atomically returns the full contents and empties the structure.
// Every returned bucket is sorted ascending by timestamp.
func (m *Memtable) Drain() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	buckets := m.buckets
	m.buckets = make(map[string][]Point)
	m.count = 0

	for series, bucket := range buckets {
		sortBucket(bucket)
		buckets[series] = bucket
	}
	return Snapshot{Buckets: buckets}
}

// Restore merges a previously drained Snapshot back into the memtable. Used
// when a flush fails after Drain: points inserted into the new memtable
// during the failed flush attempt take precedence over the restored
// snapshot, since they are newer writes (spec §4.4, "Flush").
func (m *Memtable) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for series, bucket := range snap.Buckets {
		existing := m.buckets[series]
		merged := make(map[int64]Point, len(bucket)+len(existing))
		for _, p := range bucket {
			merged[p.Timestamp] = p
		}
		// Points already in the live memtable are newer than the restored
		// snapshot and win on conflict.
		for _, p := range existing {
			merged[p.Timestamp] = p
		}
		out := make([]Point, 0, len(merged))
		for _, p := range merged {
			out = append(out, p)
		}
		sortBucket(out)
		m.count += len(out) - len(existing)
		m.buckets[series] = out
	}
}

func sortBucket(bucket []Point) {
	sort.Slice(bucket, func(i, j int) bool { return bucket[i].Timestamp < bucket[j].Timestamp })
}
