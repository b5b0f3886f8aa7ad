// Package block implements the immutable, time-bounded block files of the
// storage engine. A block covers a half-open window [MinMs, MaxMs) of wall
// clock time and is published atomically: written under a temporary name
// and renamed into place once complete. Partially written files are
// discarded on startup. Sealed blocks are never mutated, only merged by
// compaction or deleted by retention.
package block

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// Ext is the extension of sealed block files.
	Ext = ".parquet"

	// tmpExt marks in-progress block writes. Files carrying this suffix
	// are partial and removed during recovery.
	tmpExt = ".tmp"
)

// Meta describes one sealed block file.
type Meta struct {
	Path  string
	MinMs int64 // window start, inclusive
	MaxMs int64 // window end, exclusive
	Size  int64
}

// Span returns the wall-clock span covered by the block.
func (m Meta) Span() time.Duration {
	return time.Duration(m.MaxMs-m.MinMs) * time.Millisecond
}

// Overlaps reports whether the block window intersects [startMs, endMs).
func (m Meta) Overlaps(startMs, endMs int64) bool {
	return m.MinMs < endMs && startMs < m.MaxMs
}

// Filename renders the canonical block file name for a window.
// Fixed-width decimal keeps lexical and chronological order identical.
func Filename(minMs, maxMs int64) string {
	return fmt.Sprintf("%013d-%013d%s", minMs, maxMs, Ext)
}

// ParseFilename extracts the window bounds from a block file name.
func ParseFilename(name string) (minMs, maxMs int64, err error) {
	base := strings.TrimSuffix(name, Ext)
	if base == name {
		return 0, 0, fmt.Errorf("not a block file: %s", name)
	}
	if _, err := fmt.Sscanf(base, "%013d-%013d", &minMs, &maxMs); err != nil {
		return 0, 0, fmt.Errorf("malformed block name %s: %w", name, err)
	}
	if maxMs <= minMs {
		return 0, 0, fmt.Errorf("inverted block window in %s", name)
	}
	return minMs, maxMs, nil
}

// List returns the sealed blocks in dir ordered by window start.
// Temporary and foreign files are ignored.
func List(dir string) ([]Meta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var blocks []Meta
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != Ext {
			continue
		}

		minMs, maxMs, err := ParseFilename(name)
		if err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		blocks = append(blocks, Meta{
			Path:  filepath.Join(dir, name),
			MinMs: minMs,
			MaxMs: maxMs,
			Size:  info.Size(),
		})
	}

	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].MinMs < blocks[j].MinMs
	})

	return blocks, nil
}

// RemovePartial deletes leftover temporary files from interrupted block
// writes. Called once during storage recovery, before the block list is
// trusted.
func RemovePartial(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), tmpExt) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
