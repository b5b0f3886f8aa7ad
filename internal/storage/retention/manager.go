// Package retention implements the background sweep that deletes sealed
// blocks past the retention horizon. Deletion is block-granular: a block
// is removed only when its entire window precedes now-horizon, so a block
// straddling the boundary survives until its newest sample ages out.
package retention

import (
	"sync"
	"time"

	"github.com/vigil-sh/vigil/internal/errors"
	"github.com/vigil-sh/vigil/internal/logging"
	"github.com/vigil-sh/vigil/internal/storage/block"
	"github.com/vigil-sh/vigil/internal/storage/config"
)

var log = logging.Component("retention")

// Manager handles deletion of expired blocks.
type Manager struct {
	mu     sync.Mutex
	config *config.Config
	stats  Stats

	// now is swappable for tests.
	now func() time.Time

	// remove is called for each expired block path.
	remove func(path string) error
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime   time.Time
	BlocksDeleted int64
	BytesFreed    int64
	BlocksKept    int64
	Errors        int64
}

// SweepResult holds the result of one sweep.
type SweepResult struct {
	BlocksDeleted int
	BytesFreed    int64
	BlocksKept    int
	Errors        []error
}

// New creates a retention manager. remove performs the actual deletion
// (the storage service routes it through its block index so queries never
// observe a half-deleted block).
func New(cfg *config.Config, remove func(path string) error) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Manager{
		config: cfg,
		now:    time.Now,
		remove: remove,
	}
}

// Sweep scans sealed blocks and deletes every block whose entire window
// precedes the retention horizon.
func (m *Manager) Sweep() SweepResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRunTime = m.now()
	horizonMs := m.now().Add(-m.config.Retention).UnixMilli()

	var result SweepResult

	blocks, err := block.List(m.config.BlockDir())
	if err != nil {
		result.Errors = append(result.Errors, errors.Wrap(err, "list blocks"))
		m.stats.Errors++
		return result
	}

	for _, b := range blocks {
		// MaxMs is exclusive: every sample in the block is older than
		// MaxMs, so the block is expired once MaxMs itself has aged out.
		if b.MaxMs > horizonMs {
			result.BlocksKept++
			continue
		}

		if err := m.remove(b.Path); err != nil {
			result.Errors = append(result.Errors, errors.Wrapf(err, "delete %s", b.Path))
			m.stats.Errors++
			continue
		}

		log.Info("block expired",
			"path", b.Path,
			"max_ms", b.MaxMs,
			"bytes", b.Size)

		result.BlocksDeleted++
		result.BytesFreed += b.Size
	}

	m.stats.BlocksDeleted += int64(result.BlocksDeleted)
	m.stats.BytesFreed += result.BytesFreed
	m.stats.BlocksKept += int64(result.BlocksKept)

	return result
}

// DryRun reports what a sweep would delete without deleting anything.
func (m *Manager) DryRun() SweepResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	horizonMs := m.now().Add(-m.config.Retention).UnixMilli()

	var result SweepResult

	blocks, err := block.List(m.config.BlockDir())
	if err != nil {
		result.Errors = append(result.Errors, errors.Wrap(err, "list blocks"))
		return result
	}

	for _, b := range blocks {
		if b.MaxMs > horizonMs {
			result.BlocksKept++
			continue
		}
		result.BlocksDeleted++
		result.BytesFreed += b.Size
	}
	return result
}

// Stats returns cumulative retention statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// SetNowFunc overrides the clock. Test hook.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
