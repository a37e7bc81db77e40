package memtable

import (
	"reflect"
	"sort"
	"testing"

	"github.com/flowmetrics/tsdb/internal/logging"
)

func newTestMemtable() *Memtable {
	return New(logging.Discard)
}

func TestInsertAndQuery(t *testing.T) {
	m := newTestMemtable()
	m.Insert("cpu", Point{Timestamp: 20, Value: 2})
	m.Insert("cpu", Point{Timestamp: 10, Value: 1})
	m.Insert("cpu", Point{Timestamp: 30, Value: 3})

	got := m.Query("cpu", 0, 100, 0)
	want := []Point{{Timestamp: 10, Value: 1}, {Timestamp: 20, Value: 2}, {Timestamp: 30, Value: 3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Query = %+v, want %+v", got, want)
	}
}

func TestInsertOverwritesSameTimestamp(t *testing.T) {
	m := newTestMemtable()
	m.Insert("cpu", Point{Timestamp: 10, Value: 1})
	m.Insert("cpu", Point{Timestamp: 10, Value: 2})

	if c := m.Count(); c != 1 {
		t.Fatalf("Count = %d, want 1", c)
	}
	got := m.Query("cpu", 0, 100, 0)
	if len(got) != 1 || got[0].Value != 2 {
		t.Fatalf("Query = %+v, want single point with value 2", got)
	}
}

func TestQueryClipsToLimit(t *testing.T) {
	m := newTestMemtable()
	for i := int64(0); i < 10; i++ {
		m.Insert("cpu", Point{Timestamp: i, Value: float64(i)})
	}
	got := m.Query("cpu", 0, 100, 3)
	if len(got) != 3 {
		t.Fatalf("Query limit=3 returned %d points", len(got))
	}
	if got[0].Timestamp != 0 || got[2].Timestamp != 2 {
		t.Fatalf("Query limit=3 = %+v, want ascending first 3", got)
	}
}

func TestQueryWindowExcludesOutOfRange(t *testing.T) {
	m := newTestMemtable()
	m.Insert("cpu", Point{Timestamp: 5, Value: 1})
	m.Insert("cpu", Point{Timestamp: 15, Value: 2})
	m.Insert("cpu", Point{Timestamp: 25, Value: 3})

	got := m.Query("cpu", 10, 20, 0)
	if len(got) != 1 || got[0].Timestamp != 15 {
		t.Fatalf("Query window [10,20] = %+v, want only ts=15", got)
	}
}

func TestListSeries(t *testing.T) {
	m := newTestMemtable()
	m.Insert("cpu", Point{Timestamp: 1, Value: 1})
	m.Insert("mem", Point{Timestamp: 1, Value: 1})

	got := m.ListSeries()
	sort.Strings(got)
	want := []string{"cpu", "mem"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ListSeries = %v, want %v", got, want)
	}
}

func TestIsFull(t *testing.T) {
	m := newTestMemtable()
	if m.IsFull(1) {
		t.Fatal("empty memtable reported full for threshold 1")
	}
	m.Insert("cpu", Point{Timestamp: 1, Value: 1})
	if !m.IsFull(1) {
		t.Fatal("memtable with 1 point not full for threshold 1")
	}
}

func TestDrainEmptiesAndSorts(t *testing.T) {
	m := newTestMemtable()
	m.Insert("cpu", Point{Timestamp: 30, Value: 3})
	m.Insert("cpu", Point{Timestamp: 10, Value: 1})

	snap := m.Drain()
	if m.Count() != 0 {
		t.Fatalf("Count after Drain = %d, want 0", m.Count())
	}
	if len(m.ListSeries()) != 0 {
		t.Fatal("ListSeries after Drain is non-empty")
	}
	bucket := snap.Buckets["cpu"]
	if len(bucket) != 2 || bucket[0].Timestamp != 10 || bucket[1].Timestamp != 30 {
		t.Fatalf("drained bucket = %+v, want sorted [10,30]", bucket)
	}
}

func TestRestoreMergesAndKeepsNewerWrites(t *testing.T) {
	m := newTestMemtable()
	snap := m.Drain() // empty baseline, unused

	snap.Buckets = map[string][]Point{
		"cpu": {{Timestamp: 1, Value: 100}, {Timestamp: 2, Value: 200}},
	}

	// Simulate writes that landed in the new memtable during the failed flush.
	m.Insert("cpu", Point{Timestamp: 2, Value: 999})
	m.Insert("cpu", Point{Timestamp: 3, Value: 300})

	m.Restore(snap)

	got := m.Query("cpu", 0, 100, 0)
	if len(got) != 3 {
		t.Fatalf("Query after Restore = %+v, want 3 points", got)
	}
	for _, p := range got {
		if p.Timestamp == 2 && p.Value != 999 {
			t.Fatalf("ts=2 value = %v, want 999 (live write should win over restored snapshot)", p.Value)
		}
	}
}

func TestDeleteSeries(t *testing.T) {
	m := newTestMemtable()
	m.Insert("cpu", Point{Timestamp: 1, Value: 1})
	m.Insert("cpu", Point{Timestamp: 2, Value: 2})
	m.Insert("mem", Point{Timestamp: 1, Value: 1})

	if !m.DeleteSeries("cpu") {
		t.Fatal("DeleteSeries(cpu) = false, want true")
	}
	if m.Has("cpu") {
		t.Fatal("series cpu still resident after DeleteSeries")
	}
	if m.Count() != 1 {
		t.Fatalf("Count after DeleteSeries = %d, want 1", m.Count())
	}
	if m.DeleteSeries("cpu") {
		t.Fatal("DeleteSeries(cpu) second call = true, want false")
	}
}
