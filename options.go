package tsdb

import (
	"time"

	"github.com/flowmetrics/tsdb/internal/compression"
	"github.com/flowmetrics/tsdb/internal/logging"
)

// Defaults for Options, taken from spec §6 and §4.5.
const (
	DefaultMemtableThreshold  = 1000
	DefaultCompactionInterval = 5 * time.Minute
	DefaultMaxSSTables        = 0 // 0 means "compact on interval only, no count trigger"
	DefaultHTTPPort           = 6364
)

// Options configures an Engine. Zero-value fields are filled in by
// DefaultOptions; a caller typically starts from DefaultOptions and
// overrides only what it needs.
type Options struct {
	// DataDir is the directory SSTables and quarantined/orphaned files live
	// under. It is created on Open if missing.
	DataDir string

	// MemtableThreshold is the number of points buffered in the active
	// memtable before Insert triggers a synchronous flush (spec §4.4).
	MemtableThreshold int

	// CompactionInterval is how often the background compactor wakes up to
	// consider merging SSTables (spec §4.5). Zero disables the timer;
	// compaction still runs on explicit Engine.Compact(true) calls.
	CompactionInterval time.Duration

	// MaxSSTables, if nonzero, makes a scheduled compaction tick (and
	// Engine.Compact(false)) skip unless the SSTable count exceeds it; zero
	// lets every tick compact. The count alone never starts a compaction.
	MaxSSTables int

	// BlockCompression selects the secondary compression applied to each
	// SSTable series block's encoded payload (see internal/compression).
	// Defaults to compression.None.
	BlockCompression compression.Type

	// Logger receives structured log lines from every subsystem. Defaults
	// to logging.DefaultLogger at logging.LevelInfo.
	Logger logging.Logger

	// FatalHandler is invoked instead of the process exiting when the
	// engine detects an unrecoverable invariant violation (spec §5,
	// "poisoned" engine state). Defaults to nil (no-op beyond logging).
	FatalHandler logging.FatalHandler
}

// DefaultOptions returns an Options with every field set to its default,
// including DataDir ("./tsdb_data").
func DefaultOptions() Options {
	return Options{
		DataDir:            "./tsdb_data",
		MemtableThreshold:  DefaultMemtableThreshold,
		CompactionInterval: DefaultCompactionInterval,
		MaxSSTables:        DefaultMaxSSTables,
		BlockCompression:   compression.None,
		Logger:             logging.NewDefaultLogger(logging.LevelInfo),
	}
}

// withDefaults fills zero-valued fields of o with DefaultOptions' values,
// returning the merged Options. It never overrides an explicitly-set field.
// CompactionInterval is left as given, since zero disables the timer.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DataDir == "" {
		o.DataDir = d.DataDir
	}
	if o.MemtableThreshold <= 0 {
		o.MemtableThreshold = d.MemtableThreshold
	}
	if logging.IsNil(o.Logger) {
		o.Logger = d.Logger
	}
	return o
}
