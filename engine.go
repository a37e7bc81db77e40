package tsdb

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowmetrics/tsdb/internal/codec"
	"github.com/flowmetrics/tsdb/internal/compaction"
	"github.com/flowmetrics/tsdb/internal/logging"
	"github.com/flowmetrics/tsdb/internal/memtable"
	"github.com/flowmetrics/tsdb/internal/sstable"
	"github.com/flowmetrics/tsdb/internal/vfs"
)

const (
	sstablePrefix = "sst-"
	sstableSuffix = ".sst"
	seqWidth      = 10
)

// Engine is the LSM coordinator (spec §4.4): a mutable memtable, an ordered
// (oldest to newest) list of SSTable readers, a monotonic sequence counter
// persisted by file naming, and a per-series tag cache. A single
// reader-writer lock protects the tuple (memtable, reader list, tag cache,
// shadowed set); mutators hold the writer side only for in-memory
// bookkeeping, never across file I/O (spec §5).
type Engine struct {
	mu       sync.RWMutex
	opts     Options
	fs       vfs.FS
	log      logging.Logger
	mt       *memtable.Memtable
	readers  []*sstable.Reader // oldest to newest
	nextSeq  uint64
	tagCache map[string]Tags
	// shadowed holds series deleted by DeleteSeries whose SSTable blocks
	// have not yet been rewritten away by a compaction. The read path
	// treats a shadowed series as absent regardless of what its stale
	// SSTable blocks still contain.
	shadowed map[string]struct{}

	poisoned atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Open scans opts.DataDir for SSTable files, validates and memory-maps each,
// quarantines any that fail validation, and starts the background
// compaction loop if opts.CompactionInterval is nonzero (spec §4.4
// "Startup", §4.5).
func Open(opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	fs := vfs.Default()
	if err := fs.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, wrapError(KindIO, err, "create data directory %s", opts.DataDir)
	}

	e := &Engine{
		opts:     opts,
		fs:       fs,
		log:      opts.Logger,
		mt:       memtable.New(opts.Logger),
		tagCache: make(map[string]Tags),
		shadowed: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}

	if err := e.loadSSTables(); err != nil {
		return nil, err
	}

	if dl, ok := opts.Logger.(*logging.DefaultLogger); ok {
		userHandler := opts.FatalHandler
		dl.SetFatalHandler(func(msg string) {
			e.poisoned.Store(true)
			if userHandler != nil {
				userHandler(msg)
			}
		})
	}

	if opts.CompactionInterval > 0 {
		e.wg.Add(1)
		go e.compactionLoop()
	}

	return e, nil
}

// loadSSTables implements spec §4.4 "Startup": scan the data directory,
// sort by sequence number, validate each footer via sstable.Open, and
// quarantine files that fail. It also removes "*.sst.tmp" leftovers from an
// atomic write interrupted mid-rename — the one orphan a manifest-less,
// flat SSTable list can identify unambiguously at startup.
func (e *Engine) loadSSTables() error {
	names, err := e.fs.ListDir(e.opts.DataDir)
	if err != nil {
		return wrapError(KindIO, err, "list data directory %s", e.opts.DataDir)
	}

	type seqFile struct {
		seq  uint64
		name string
	}
	var files []seqFile
	for _, name := range names {
		if strings.HasSuffix(name, sstableSuffix+".tmp") {
			path := filepath.Join(e.opts.DataDir, name)
			if err := e.fs.Remove(path); err != nil {
				e.log.Warnf(logging.NSEngine + fmt.Sprintf("remove orphan temp file %s: %v", name, err))
			} else {
				e.log.Infof(logging.NSEngine + fmt.Sprintf("removed orphan temp file %s", name))
			}
			continue
		}
		if seq, ok := parseSeq(name); ok {
			files = append(files, seqFile{seq: seq, name: name})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

	haveMax := false
	var maxSeq uint64
	for _, sf := range files {
		path := filepath.Join(e.opts.DataDir, sf.name)
		r, err := sstable.Open(path)
		if err != nil {
			e.log.Warnf(logging.NSEngine + fmt.Sprintf("quarantining corrupt sstable %s: %v", sf.name, err))
			if rerr := os.Rename(path, path+".corrupt"); rerr != nil {
				e.log.Errorf(logging.NSEngine + fmt.Sprintf("quarantine rename failed for %s: %v", sf.name, rerr))
			}
			continue
		}
		e.readers = append(e.readers, r)
		if !haveMax || sf.seq > maxSeq {
			maxSeq, haveMax = sf.seq, true
		}
	}
	if haveMax {
		e.nextSeq = maxSeq + 1
	}
	return nil
}

func parseSeq(name string) (uint64, bool) {
	if !strings.HasPrefix(name, sstablePrefix) || !strings.HasSuffix(name, sstableSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, sstablePrefix), sstableSuffix)
	if len(digits) != seqWidth {
		return 0, false
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func sstableName(seq uint64) string {
	return fmt.Sprintf("%s%0*d%s", sstablePrefix, seqWidth, seq, sstableSuffix)
}

func (e *Engine) checkWritable() error {
	if e.poisoned.Load() {
		return wrapError(KindInternal, logging.ErrFatal, "engine is poisoned, rejecting writes")
	}
	return nil
}

// hasSeriesLocked reports whether series is known to the engine from any
// source: the live memtable, the tag cache (which outlives a flush), or any
// resident SSTable reader. Callers must hold e.mu (read or write side).
func (e *Engine) hasSeriesLocked(series string) bool {
	if e.mt.Has(series) {
		return true
	}
	if _, ok := e.tagCache[series]; ok {
		return true
	}
	for _, r := range e.readers {
		if r.Contains(series) {
			return true
		}
	}
	return false
}

// mergeTagsLocked folds tags into series' cached tag set (new values win on
// key conflict) and returns the merged result. Callers must hold e.mu for
// writing.
func (e *Engine) mergeTagsLocked(series string, tags Tags) map[string]string {
	existing := e.tagCache[series]
	merged := make(Tags, len(existing)+len(tags))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range tags {
		merged[k] = v
	}
	if len(merged) == 0 {
		merged = nil
	}
	e.tagCache[series] = merged
	return merged
}

// Insert validates p, merges its tags into the series' tag cache, and
// writes it into the memtable, triggering a synchronous flush if the
// memtable threshold is reached (spec §4.4 "insert").
func (e *Engine) Insert(p Point) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if err := validatePoint(p); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.shadowed, p.SeriesKey)
	tags := e.mergeTagsLocked(p.SeriesKey, p.Tags)
	e.mt.Insert(p.SeriesKey, memtable.Point{Timestamp: p.Timestamp, Value: p.Value, Tags: tags})
	full := e.mt.IsFull(e.opts.MemtableThreshold)
	e.mu.Unlock()

	if full {
		return e.Flush()
	}
	return nil
}

// InsertBatch inserts every point, never aborting on a single failure, and
// reports how many succeeded and how many failed (spec §4.4
// "insert_batch").
func (e *Engine) InsertBatch(points []Point) (ok, failed int) {
	for _, p := range points {
		if err := e.Insert(p); err != nil {
			failed++
			continue
		}
		ok++
	}
	return ok, failed
}

// Update is equivalent to inserting newValue at (series, ts) with the
// series' existing tags, and requires the series to already be known (spec
// §4.4 "update").
func (e *Engine) Update(series string, ts int64, newValue float64) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if math.IsNaN(newValue) {
		return newError(KindValidation, "NaN value is reserved for tombstones and cannot be inserted")
	}

	e.mu.Lock()
	_, dead := e.shadowed[series]
	if dead || !e.hasSeriesLocked(series) {
		e.mu.Unlock()
		return newError(KindNotFound, "series %q not found", series)
	}
	tags := e.tagCache[series]
	e.mt.Insert(series, memtable.Point{Timestamp: ts, Value: newValue, Tags: tags})
	full := e.mt.IsFull(e.opts.MemtableThreshold)
	e.mu.Unlock()

	if full {
		return e.Flush()
	}
	return nil
}

// DeletePoint writes a tombstone at (series, ts). Idempotent: deleting the
// same point twice leaves the same observable state (spec §4.4
// "delete_point", §8 property 4).
func (e *Engine) DeletePoint(series string, ts int64) error {
	if err := e.checkWritable(); err != nil {
		return err
	}

	e.mu.Lock()
	e.mt.Insert(series, memtable.Point{Timestamp: ts, Value: tombstoneValue})
	full := e.mt.IsFull(e.opts.MemtableThreshold)
	e.mu.Unlock()

	if full {
		return e.Flush()
	}
	return nil
}

// DeleteSeries removes series from the memtable and tag cache and marks it
// shadowed, so the read path treats it as absent even though its SSTable
// blocks may still hold data until a compaction rewrites them away (spec
// §4.4 "delete_series").
func (e *Engine) DeleteSeries(series string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.mt.DeleteSeries(series)
	delete(e.tagCache, series)
	e.shadowed[series] = struct{}{}
	return nil
}

// Query produces the merged, ascending-timestamp sequence for series over
// [tLo, tHi], clipped to limit (limit <= 0 means unlimited) (spec §4.4
// "Merged read").
func (e *Engine) Query(series string, tLo, tHi int64, limit int) ([]Point, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, dead := e.shadowed[series]; dead {
		return nil, newError(KindNotFound, "series %q not found", series)
	}
	if !e.hasSeriesLocked(series) {
		return nil, newError(KindNotFound, "series %q not found", series)
	}

	samples, tags, err := compaction.MergeSeries(series, tLo, tHi, e.mt, e.sourceReadersLocked())
	if err != nil {
		return nil, wrapError(KindCorruption, err, "query series %q", series)
	}
	if limit > 0 && len(samples) > limit {
		samples = samples[:limit]
	}

	out := make([]Point, len(samples))
	for i, s := range samples {
		out[i] = Point{SeriesKey: series, Timestamp: s.TS, Value: s.Value, Tags: Tags(tags).Clone()}
	}
	return out, nil
}

// ListSeries returns the union of series keys across the memtable, every
// SSTable, and the tag cache, minus any currently shadowed (spec §4.4
// "list_series").
func (e *Engine) ListSeries() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	set := make(map[string]struct{})
	for _, s := range e.mt.ListSeries() {
		set[s] = struct{}{}
	}
	for _, r := range e.readers {
		for _, ent := range r.List() {
			set[ent.SeriesKey] = struct{}{}
		}
	}
	for s := range e.tagCache {
		set[s] = struct{}{}
	}
	for s := range e.shadowed {
		delete(set, s)
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SeriesInfo is the aggregate view returned by Engine.SeriesInfo: count,
// timestamp and value extrema, and the series' current tags, computed over
// one pass of the merged read view (spec §4.4 "series_info").
type SeriesInfo struct {
	SeriesKey string
	Count     int
	MinTS     int64
	MaxTS     int64
	MinValue  float64
	MaxValue  float64
	Tags      Tags
}

// SeriesInfo computes aggregate statistics for series over its full merged
// view.
func (e *Engine) SeriesInfo(series string) (SeriesInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, dead := e.shadowed[series]; dead {
		return SeriesInfo{}, newError(KindNotFound, "series %q not found", series)
	}
	if !e.hasSeriesLocked(series) {
		return SeriesInfo{}, newError(KindNotFound, "series %q not found", series)
	}

	samples, tags, err := compaction.MergeSeries(series, math.MinInt64, math.MaxInt64, e.mt, e.sourceReadersLocked())
	if err != nil {
		return SeriesInfo{}, wrapError(KindCorruption, err, "series_info %q", series)
	}
	if len(samples) == 0 {
		return SeriesInfo{SeriesKey: series, Tags: Tags(tags).Clone()}, nil
	}

	info := SeriesInfo{
		SeriesKey: series,
		Count:     len(samples),
		MinTS:     samples[0].TS,
		MaxTS:     samples[len(samples)-1].TS,
		MinValue:  samples[0].Value,
		MaxValue:  samples[0].Value,
		Tags:      Tags(tags).Clone(),
	}
	for _, s := range samples[1:] {
		if s.Value < info.MinValue {
			info.MinValue = s.Value
		}
		if s.Value > info.MaxValue {
			info.MaxValue = s.Value
		}
	}
	return info, nil
}

// sourceReadersLocked adapts the engine's *sstable.Reader list to
// compaction.SourceReader. Callers must hold e.mu.
func (e *Engine) sourceReadersLocked() []compaction.SourceReader {
	out := make([]compaction.SourceReader, len(e.readers))
	for i, r := range e.readers {
		out[i] = r
	}
	return out
}

// Flush drains the memtable into a new SSTable (spec §4.4 "Flush"). On
// write or reopen failure, the drained snapshot is restored into the live
// memtable, so points inserted while the flush was in flight are not lost
// and win over the restored snapshot on a timestamp conflict.
func (e *Engine) Flush() error {
	e.mu.Lock()
	if e.mt.Count() == 0 {
		e.mu.Unlock()
		return nil
	}
	snap := e.mt.Drain()
	seq := e.nextSeq
	e.nextSeq++
	e.mu.Unlock()

	series := make([]sstable.Series, 0, len(snap.Buckets))
	for key, bucket := range snap.Buckets {
		points := make([]codec.Sample, len(bucket))
		var tags map[string]string
		for i, p := range bucket {
			points[i] = codec.Sample{TS: p.Timestamp, Value: p.Value}
			if len(p.Tags) > 0 {
				tags = p.Tags
			}
		}
		series = append(series, sstable.Series{Key: key, Points: points, Tags: tags})
	}

	path := filepath.Join(e.opts.DataDir, sstableName(seq))
	writeOpts := sstable.WriteOptions{Compression: e.opts.BlockCompression, Checksums: true}
	if err := sstable.Write(e.fs, path, series, writeOpts); err != nil {
		e.mu.Lock()
		e.mt.Restore(snap)
		e.mu.Unlock()
		e.log.Errorf(logging.NSFlush + fmt.Sprintf("flush to %s failed, restored memtable: %v", path, err))
		return wrapError(KindIO, err, "flush memtable to %s", path)
	}

	r, err := sstable.Open(path)
	if err != nil {
		e.mu.Lock()
		e.mt.Restore(snap)
		e.mu.Unlock()
		e.log.Errorf(logging.NSFlush + fmt.Sprintf("reopen %s after write failed, restored memtable: %v", path, err))
		return wrapError(KindIO, err, "open sstable %s after write", path)
	}

	e.mu.Lock()
	e.readers = append(e.readers, r)
	e.mu.Unlock()

	e.log.Infof(logging.NSFlush + fmt.Sprintf("flushed %d series to %s", len(series), path))
	return nil
}

// Compact runs the compaction scheduler's single tick (spec §4.5): unless
// force is true, it exits early when opts.MaxSSTables is set and the
// current SSTable count has not exceeded it. Otherwise it merges every
// snapshotted SSTable plus the current (not drained) memtable into one new
// SSTable, swaps the engine's reader list under the writer lock, and
// unlinks the old files.
func (e *Engine) Compact(force bool) error {
	e.mu.RLock()
	readers := make([]*sstable.Reader, len(e.readers))
	copy(readers, e.readers)
	shadowed := make(map[string]struct{}, len(e.shadowed))
	for s := range e.shadowed {
		shadowed[s] = struct{}{}
	}
	e.mu.RUnlock()

	if !force && e.opts.MaxSSTables > 0 && len(readers) <= e.opts.MaxSSTables {
		return nil
	}

	sourceReaders := make([]compaction.SourceReader, len(readers))
	for i, r := range readers {
		sourceReaders[i] = r
	}

	e.mu.RLock()
	plan, err := compaction.Plan(e.mt, sourceReaders)
	e.mu.RUnlock()
	if err != nil {
		e.log.Errorf(logging.NSCompact + fmt.Sprintf("plan failed: %v", err))
		return wrapError(KindCorruption, err, "compaction plan")
	}

	filtered := plan[:0:0]
	for _, s := range plan {
		if _, dead := shadowed[s.Key]; dead {
			continue
		}
		filtered = append(filtered, s)
	}

	if len(filtered) == 0 {
		e.mu.Lock()
		old := e.readers
		e.readers = nil
		for s := range shadowed {
			delete(e.shadowed, s)
		}
		e.mu.Unlock()
		e.closeAndUnlink(old)
		e.log.Infof(logging.NSCompact + "compaction produced no surviving series; old sstables retired")
		return nil
	}

	e.mu.Lock()
	seq := e.nextSeq
	e.nextSeq++
	e.mu.Unlock()

	path := filepath.Join(e.opts.DataDir, sstableName(seq))
	writeOpts := sstable.WriteOptions{Compression: e.opts.BlockCompression, Checksums: true}
	if err := sstable.Write(e.fs, path, filtered, writeOpts); err != nil {
		e.log.Errorf(logging.NSCompact + fmt.Sprintf("write %s failed: %v", path, err))
		return wrapError(KindIO, err, "compaction write %s", path)
	}

	newReader, err := sstable.Open(path)
	if err != nil {
		e.log.Errorf(logging.NSCompact + fmt.Sprintf("open %s failed: %v", path, err))
		return wrapError(KindIO, err, "compaction open %s", path)
	}

	e.mu.Lock()
	old := e.readers
	e.readers = []*sstable.Reader{newReader}
	for s := range shadowed {
		delete(e.shadowed, s)
	}
	e.mu.Unlock()

	e.closeAndUnlink(old)
	e.log.Infof(logging.NSCompact + fmt.Sprintf("compacted %d sstables into %s (%d series)", len(old), path, len(filtered)))
	return nil
}

// closeAndUnlink drops mmap handles and unlinks the file for each reader in
// readers, logging (but not failing on) unlink errors (spec §4.5 step 6,
// §5 "Shared resources").
func (e *Engine) closeAndUnlink(readers []*sstable.Reader) {
	for _, r := range readers {
		path := r.Path
		if err := r.Close(); err != nil {
			e.log.Warnf(logging.NSCompact + fmt.Sprintf("close %s: %v", path, err))
		}
		if err := e.fs.Remove(path); err != nil {
			e.log.Warnf(logging.NSCompact + fmt.Sprintf("unlink %s: %v", path, err))
		}
	}
}

// Stats summarizes engine state for the /stats HTTP endpoint.
type Stats struct {
	MemtableSize int
	SSTableCount int
	TotalSeries  int
	Compression  string
}

// Stats reports the current memtable size, SSTable count, and total known
// series count.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	set := make(map[string]struct{})
	for _, s := range e.mt.ListSeries() {
		set[s] = struct{}{}
	}
	for _, r := range e.readers {
		for _, ent := range r.List() {
			set[ent.SeriesKey] = struct{}{}
		}
	}
	for s := range e.shadowed {
		delete(set, s)
	}

	return Stats{
		MemtableSize: e.mt.Count(),
		SSTableCount: len(e.readers),
		TotalSeries:  len(set),
		Compression:  e.opts.BlockCompression.String(),
	}
}

func (e *Engine) compactionLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.Compact(false); err != nil {
				e.log.Errorf(logging.NSCompact + fmt.Sprintf("scheduled compaction failed: %v", err))
			}
		case <-e.stopCh:
			return
		}
	}
}

// Close stops the background compaction loop and unmaps every SSTable
// reader. After Close returns, the Engine must not be used again.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, r := range e.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.readers = nil
	return firstErr
}
