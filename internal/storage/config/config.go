// Package config holds the storage engine configuration.
package config

import (
	"os"
	"path/filepath"
	"time"

	defaults "github.com/vigil-sh/vigil/config"
	"github.com/vigil-sh/vigil/internal/errors"
)

// Config configures the storage engine.
type Config struct {
	// DataDir is the root of the durable storage layout. It contains a
	// block/ directory of sealed, immutable block files and a wal/
	// directory with the write-ahead log for the open window.
	DataDir string

	// BlockWindow is the wall-clock span covered by the open head buffer
	// before it is sealed into an immutable block.
	BlockWindow time.Duration

	// Retention is the process-wide retention horizon. A block whose
	// maximum timestamp is older than now-Retention is deleted whole.
	Retention time.Duration

	// RetentionInterval is how often the retention sweep runs.
	RetentionInterval time.Duration

	// CompactionInterval is how often the compaction engine runs.
	CompactionInterval time.Duration

	// MaxBlockSpan caps the time range of a compacted block.
	MaxBlockSpan time.Duration

	// WAL tuning.
	WAL WALConfig
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// MaxSegmentSize is the maximum size of a segment file before rotation.
	MaxSegmentSize int64

	// SyncMode controls how writes reach disk:
	// "async" - buffered, flushed on interval and on seal
	// "sync"  - flushed after each write batch
	// "fsync" - fsynced after each write batch
	SyncMode string

	// SyncInterval is the flush interval for async mode.
	SyncInterval time.Duration
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:            "data",
		BlockWindow:        defaults.DefaultBlockWindow,
		Retention:          defaults.DefaultRetention,
		RetentionInterval:  defaults.DefaultRetentionInterval,
		CompactionInterval: defaults.DefaultCompactionInterval,
		MaxBlockSpan:       defaults.DefaultMaxBlockSpan,
		WAL: WALConfig{
			MaxSegmentSize: 64 * 1024 * 1024,
			SyncMode:       "async",
			SyncInterval:   time.Second,
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	errs := errors.NewValidationErrors()

	if c.DataDir == "" {
		errs.AddMissing("storage.data_dir")
	}
	if c.BlockWindow <= 0 {
		errs.AddField("storage.block_window", "must be positive")
	}
	if c.Retention <= 0 {
		errs.AddField("storage.retention", "must be positive")
	}
	if c.Retention < c.BlockWindow {
		errs.AddField("storage.retention", "must not be shorter than the block window")
	}
	if c.MaxBlockSpan < c.BlockWindow {
		errs.AddField("storage.max_block_span", "must not be shorter than the block window")
	}
	switch c.WAL.SyncMode {
	case "async", "sync", "fsync":
	default:
		errs.AddField("storage.wal.sync_mode", "must be async, sync or fsync")
	}

	return errs.Err()
}

// BlockDir returns the directory holding sealed block files.
func (c *Config) BlockDir() string {
	return filepath.Join(c.DataDir, "block")
}

// WALDir returns the directory holding WAL segments for the open window.
func (c *Config) WALDir() string {
	return filepath.Join(c.DataDir, "wal")
}

// EnsureDirectories creates the storage layout if it does not exist.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.BlockDir(), c.WALDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	return nil
}
