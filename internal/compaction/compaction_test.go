package compaction

import (
	"reflect"
	"sort"
	"testing"

	"github.com/flowmetrics/tsdb/internal/codec"
	"github.com/flowmetrics/tsdb/internal/logging"
	"github.com/flowmetrics/tsdb/internal/memtable"
	"github.com/flowmetrics/tsdb/internal/sstable"
)

// fakeReader is an in-memory stand-in for *sstable.Reader.
type fakeReader struct {
	entries map[string]sstable.IndexEntry
	samples map[string][]codec.Sample
	tags    map[string]map[string]string
}

func (f *fakeReader) List() []sstable.IndexEntry {
	out := make([]sstable.IndexEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out
}

func (f *fakeReader) Range(series string, tLo, tHi int64) ([]codec.Sample, map[string]string, error) {
	var out []codec.Sample
	for _, s := range f.samples[series] {
		if s.TS >= tLo && s.TS <= tHi {
			out = append(out, s)
		}
	}
	return out, f.tags[series], nil
}

func newFakeReader(series string, samples []codec.Sample, tags map[string]string) *fakeReader {
	return &fakeReader{
		entries: map[string]sstable.IndexEntry{series: {SeriesKey: series}},
		samples: map[string][]codec.Sample{series: samples},
		tags:    map[string]map[string]string{series: tags},
	}
}

func sortSamples(s []codec.Sample) {
	sort.Slice(s, func(i, j int) bool { return s[i].TS < s[j].TS })
}

func TestPlan_NewerSSTableWinsOverOlder(t *testing.T) {
	older := newFakeReader("cpu", []codec.Sample{{TS: 1, Value: 1}, {TS: 2, Value: 2}}, nil)
	newer := newFakeReader("cpu", []codec.Sample{{TS: 2, Value: 200}}, nil)

	mt := memtable.New(logging.Discard)
	out, err := Plan(mt, []SourceReader{older, newer})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Plan returned %d series, want 1", len(out))
	}
	sortSamples(out[0].Points)
	want := []codec.Sample{{TS: 1, Value: 1}, {TS: 2, Value: 200}}
	if !reflect.DeepEqual(out[0].Points, want) {
		t.Fatalf("Points = %+v, want %+v", out[0].Points, want)
	}
}

func TestPlan_MemtableWinsOverEverySSTable(t *testing.T) {
	r := newFakeReader("cpu", []codec.Sample{{TS: 1, Value: 1}}, nil)

	mt := memtable.New(logging.Discard)
	mt.Insert("cpu", memtable.Point{Timestamp: 1, Value: 999})

	out, err := Plan(mt, []SourceReader{r})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(out) != 1 || len(out[0].Points) != 1 || out[0].Points[0].Value != 999 {
		t.Fatalf("Plan = %+v, want single point with memtable's value 999", out)
	}
}

func TestPlan_TombstoneDropsPointAndEmptySeriesOmitted(t *testing.T) {
	r := newFakeReader("cpu", []codec.Sample{{TS: 1, Value: 1}}, nil)

	mt := memtable.New(logging.Discard)
	mt.Insert("cpu", memtable.Point{Timestamp: 1, Value: codec.TombstoneValue})

	out, err := Plan(mt, []SourceReader{r})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("Plan = %+v, want no series (fully tombstoned)", out)
	}
}

func TestPlan_TagsUnionLastWriterWins(t *testing.T) {
	r := newFakeReader("cpu", []codec.Sample{{TS: 1, Value: 1}}, map[string]string{"host": "a", "region": "us"})

	mt := memtable.New(logging.Discard)
	mt.Insert("cpu", memtable.Point{Timestamp: 2, Value: 2, Tags: map[string]string{"host": "b"}})

	out, err := Plan(mt, []SourceReader{r})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Plan returned %d series, want 1", len(out))
	}
	if out[0].Tags["host"] != "b" || out[0].Tags["region"] != "us" {
		t.Fatalf("Tags = %v, want host=b (memtable wins) region=us (retained)", out[0].Tags)
	}
}

func TestPlan_MultipleSeriesSortedByKey(t *testing.T) {
	a := newFakeReader("mem.used", []codec.Sample{{TS: 1, Value: 1}}, nil)
	b := newFakeReader("cpu.load", []codec.Sample{{TS: 1, Value: 1}}, nil)

	mt := memtable.New(logging.Discard)
	out, err := Plan(mt, []SourceReader{a, b})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(out) != 2 || out[0].Key != "cpu.load" || out[1].Key != "mem.used" {
		t.Fatalf("Plan order = %+v, want [cpu.load, mem.used]", out)
	}
}
