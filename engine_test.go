package tsdb

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/flowmetrics/tsdb/internal/logging"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions()
	opts.DataDir = t.TempDir()
	opts.Logger = logging.Discard
	opts.CompactionInterval = 0 // tests drive compaction explicitly
	opts.MemtableThreshold = 1000
	return opts
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(testOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return e
}

// Scenario A — basic insert/query.
func TestScenarioA_BasicInsertQuery(t *testing.T) {
	e := openTestEngine(t)

	err := e.Insert(Point{SeriesKey: "s1", Timestamp: 1609459200, Value: 23.5, Tags: Tags{"loc": "r1"}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	points, err := e.Query("s1", math.MinInt64, math.MaxInt64, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}
	if points[0].Value != 23.5 || points[0].Timestamp != 1609459200 || points[0].Tags["loc"] != "r1" {
		t.Fatalf("point = %+v, want value 23.5 ts 1609459200 tag loc=r1", points[0])
	}
}

// Scenario B — batch insert across two series.
func TestScenarioB_Batch(t *testing.T) {
	e := openTestEngine(t)

	ok, failed := e.InsertBatch([]Point{
		{SeriesKey: "s1", Timestamp: 1609459260, Value: 23.6},
		{SeriesKey: "s2", Timestamp: 1609459200, Value: 65.2},
	})
	if ok != 2 || failed != 0 {
		t.Fatalf("InsertBatch = (%d, %d), want (2, 0)", ok, failed)
	}

	series := e.ListSeries()
	if len(series) != 2 || series[0] != "s1" || series[1] != "s2" {
		t.Fatalf("ListSeries = %v, want [s1 s2]", series)
	}
}

// Scenario C — update preserves tags.
func TestScenarioC_Update(t *testing.T) {
	e := openTestEngine(t)

	if err := e.Insert(Point{SeriesKey: "s1", Timestamp: 1609459200, Value: 23.5, Tags: Tags{"loc": "r1"}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Update("s1", 1609459200, 25.0); err != nil {
		t.Fatalf("Update: %v", err)
	}

	points, err := e.Query("s1", math.MinInt64, math.MaxInt64, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(points) != 1 || points[0].Value != 25.0 || points[0].Tags["loc"] != "r1" {
		t.Fatalf("point = %+v, want value 25.0 tag loc=r1 preserved", points[0])
	}
}

func TestUpdate_UnknownSeriesReturnsNotFound(t *testing.T) {
	e := openTestEngine(t)
	err := e.Update("nope", 1, 1.0)
	if kind, ok := KindOf(err); !ok || kind != KindNotFound {
		t.Fatalf("Update on unknown series = %v, want KindNotFound", err)
	}
}

// Scenario D — delete then re-insert.
func TestScenarioD_DeleteThenReinsert(t *testing.T) {
	e := openTestEngine(t)

	if err := e.Insert(Point{SeriesKey: "s1", Timestamp: 1609459200, Value: 23.5}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.DeletePoint("s1", 1609459200); err != nil {
		t.Fatalf("DeletePoint: %v", err)
	}

	points, err := e.Query("s1", math.MinInt64, math.MaxInt64, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("Query after delete = %+v, want empty", points)
	}

	// Delete idempotence (testable property 4): deleting twice changes nothing further.
	if err := e.DeletePoint("s1", 1609459200); err != nil {
		t.Fatalf("DeletePoint (again): %v", err)
	}
	points, err = e.Query("s1", math.MinInt64, math.MaxInt64, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("Query after second delete = %+v, want empty", points)
	}

	if err := e.Insert(Point{SeriesKey: "s1", Timestamp: 1609459200, Value: 99.0}); err != nil {
		t.Fatalf("re-Insert: %v", err)
	}
	points, err = e.Query("s1", math.MinInt64, math.MaxInt64, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(points) != 1 || points[0].Value != 99.0 {
		t.Fatalf("Query after re-insert = %+v, want single point value 99.0", points)
	}
}

// Scenario E — flush + compact.
func TestScenarioE_FlushAndCompact(t *testing.T) {
	opts := testOptions(t)
	opts.MemtableThreshold = 4
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	for i := 0; i < 5; i++ {
		if err := e.Insert(Point{SeriesKey: "s1", Timestamp: int64(i), Value: float64(i)}); err != nil {
			t.Fatalf("Insert s1@%d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := e.Insert(Point{SeriesKey: "s2", Timestamp: int64(i), Value: float64(i) * 10}); err != nil {
			t.Fatalf("Insert s2@%d: %v", i, err)
		}
	}

	before, err := e.Query("s1", math.MinInt64, math.MaxInt64, 0)
	if err != nil {
		t.Fatalf("Query before compact: %v", err)
	}

	e.mu.RLock()
	sstCount := len(e.readers)
	e.mu.RUnlock()
	if sstCount < 2 {
		t.Fatalf("sstable count after inserts = %d, want >= 2", sstCount)
	}

	if err := e.Compact(true); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	e.mu.RLock()
	sstCountAfter := len(e.readers)
	e.mu.RUnlock()
	if sstCountAfter != 1 {
		t.Fatalf("sstable count after forced compact = %d, want 1", sstCountAfter)
	}

	after, err := e.Query("s1", math.MinInt64, math.MaxInt64, 0)
	if err != nil {
		t.Fatalf("Query after compact: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("query result changed across compaction: before=%+v after=%+v", before, after)
	}
	for i := range before {
		b, a := before[i], after[i]
		if b.SeriesKey != a.SeriesKey || b.Timestamp != a.Timestamp || b.Value != a.Value || !reflect.DeepEqual(b.Tags, a.Tags) {
			t.Fatalf("query result changed across compaction at %d: before=%+v after=%+v", i, before[i], after[i])
		}
	}
}

// Scenario F — range filter with limit.
func TestScenarioF_RangeWithLimit(t *testing.T) {
	e := openTestEngine(t)

	for i := int64(1); i <= 100; i++ {
		if err := e.Insert(Point{SeriesKey: "s", Timestamp: i, Value: float64(i)}); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	points, err := e.Query("s", 20, 30, 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(points) != 5 {
		t.Fatalf("got %d points, want 5", len(points))
	}
	want := []int64{20, 21, 22, 23, 24}
	for i, p := range points {
		if p.Timestamp != want[i] {
			t.Fatalf("points[%d].Timestamp = %d, want %d", i, p.Timestamp, want[i])
		}
	}
}

func TestQuery_UnknownSeriesReturnsNotFound(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.Query("nope", math.MinInt64, math.MaxInt64, 0)
	if kind, ok := KindOf(err); !ok || kind != KindNotFound {
		t.Fatalf("Query on unknown series = %v, want KindNotFound", err)
	}
}

func TestDeleteSeries_RemovesFromListAndQuery(t *testing.T) {
	e := openTestEngine(t)

	if err := e.Insert(Point{SeriesKey: "s1", Timestamp: 1, Value: 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := e.DeleteSeries("s1"); err != nil {
		t.Fatalf("DeleteSeries: %v", err)
	}

	for _, s := range e.ListSeries() {
		if s == "s1" {
			t.Fatalf("ListSeries still contains deleted series s1")
		}
	}
	if _, err := e.Query("s1", math.MinInt64, math.MaxInt64, 0); err == nil {
		t.Fatalf("Query on deleted series succeeded, want NotFound")
	}
}

func TestSeriesInfo_AggregatesAcrossMemtableAndSSTable(t *testing.T) {
	opts := testOptions(t)
	opts.MemtableThreshold = 2
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	if err := e.Insert(Point{SeriesKey: "s1", Timestamp: 1, Value: 5, Tags: Tags{"a": "1"}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Insert(Point{SeriesKey: "s1", Timestamp: 2, Value: 10}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// threshold=2 triggers a flush here; insert one more into the fresh memtable.
	if err := e.Insert(Point{SeriesKey: "s1", Timestamp: 3, Value: -1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	info, err := e.SeriesInfo("s1")
	if err != nil {
		t.Fatalf("SeriesInfo: %v", err)
	}
	if info.Count != 3 || info.MinTS != 1 || info.MaxTS != 3 || info.MinValue != -1 || info.MaxValue != 10 {
		t.Fatalf("SeriesInfo = %+v, want count=3 min_ts=1 max_ts=3 min=-1 max=10", info)
	}
	if info.Tags["a"] != "1" {
		t.Fatalf("SeriesInfo tags = %v, want a=1 retained", info.Tags)
	}
}

func TestOpen_QuarantinesCorruptSSTable(t *testing.T) {
	opts := testOptions(t)
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Insert(Point{SeriesKey: "s1", Timestamp: 1, Value: 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Corrupt the one sstable file on disk.
	entries, err := os.ReadDir(opts.DataDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var sstName string
	for _, ent := range entries {
		if _, ok := parseSeq(ent.Name()); ok {
			sstName = ent.Name()
		}
	}
	if sstName == "" {
		t.Fatalf("no sstable file found in %s", opts.DataDir)
	}
	sstPath := filepath.Join(opts.DataDir, sstName)
	if err := os.WriteFile(sstPath, []byte("not a valid sstable"), 0o644); err != nil {
		t.Fatalf("corrupt sstable file: %v", err)
	}

	e2, err := Open(opts)
	if err != nil {
		t.Fatalf("reOpen: %v", err)
	}
	defer func() { _ = e2.Close() }()

	if _, err := os.Stat(sstPath + ".corrupt"); err != nil {
		t.Fatalf("corrupt sstable was not quarantined with .corrupt suffix: %v", err)
	}
}
