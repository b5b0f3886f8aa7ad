// Package compaction implements the background merge of adjacent sealed
// blocks. Merging bounds the number of block files a range query has to
// scan. Only blocks entirely outside the currently open window are
// candidates, and a merged block never exceeds the configured maximum
// span.
package compaction

import (
	"sync/atomic"

	"github.com/vigil-sh/vigil/internal/errors"
	"github.com/vigil-sh/vigil/internal/logging"
	"github.com/vigil-sh/vigil/internal/storage/block"
	"github.com/vigil-sh/vigil/internal/storage/config"
	"github.com/vigil-sh/vigil/internal/storage/types"
)

var log = logging.Component("compaction")

// minRunLength is the smallest number of adjacent blocks worth merging.
const minRunLength = 2

// PublishFunc atomically replaces source blocks with their merged result.
// The storage service implements it under its block-index lock so queries
// never observe sources and the merged block at the same time.
type PublishFunc func(sources []block.Meta, merged block.Meta) error

// Engine plans and executes compaction passes.
type Engine struct {
	config  *config.Config
	opts    block.Options
	publish PublishFunc

	stats engineCounters
}

type engineCounters struct {
	runsCompleted atomic.Int64
	blocksMerged  atomic.Int64
	blocksWritten atomic.Int64
	samplesCopied atomic.Int64
	errors        atomic.Int64
}

// Stats is a point-in-time snapshot of compaction activity.
type Stats struct {
	RunsCompleted int64
	BlocksMerged  int64
	BlocksWritten int64
	SamplesCopied int64
	Errors        int64
}

// Result summarizes one compaction pass.
type Result struct {
	Merges        int
	BlocksMerged  int
	SamplesCopied int
}

// New creates a compaction engine.
func New(cfg *config.Config, opts block.Options, publish PublishFunc) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Engine{
		config:  cfg,
		opts:    opts,
		publish: publish,
	}
}

// Run executes one compaction pass over the blocks in blocks, which the
// caller lists from its index. openMinMs is the start of the currently
// open window; blocks reaching into it are never touched.
func (e *Engine) Run(blocks []block.Meta, openMinMs int64) (Result, error) {
	var result Result

	for _, run := range e.plan(blocks, openMinMs) {
		copied, err := e.merge(run)
		if err != nil {
			e.stats.errors.Add(1)
			return result, err
		}
		result.Merges++
		result.BlocksMerged += len(run)
		result.SamplesCopied += copied
	}

	e.stats.runsCompleted.Add(1)
	e.stats.blocksMerged.Add(int64(result.BlocksMerged))
	e.stats.blocksWritten.Add(int64(result.Merges))
	e.stats.samplesCopied.Add(int64(result.SamplesCopied))

	return result, nil
}

// plan groups adjacent candidate blocks into merge runs. Greedy: walk the
// blocks in window order, extend the current run while the combined span
// stays within MaxBlockSpan, emit runs of at least minRunLength.
func (e *Engine) plan(blocks []block.Meta, openMinMs int64) [][]block.Meta {
	maxSpanMs := e.config.MaxBlockSpan.Milliseconds()

	var runs [][]block.Meta
	var current []block.Meta

	flush := func() {
		if len(current) >= minRunLength {
			runs = append(runs, current)
		}
		current = nil
	}

	for _, b := range blocks {
		// Never merge into the open window.
		if b.MaxMs > openMinMs {
			break
		}
		// A block already at the span cap is done compacting.
		if b.MaxMs-b.MinMs >= maxSpanMs {
			flush()
			continue
		}

		if len(current) > 0 && b.MaxMs-current[0].MinMs > maxSpanMs {
			flush()
		}
		current = append(current, b)
	}
	flush()

	return runs
}

// merge reads every sample of the run's source blocks and publishes one
// block covering the union of their windows.
func (e *Engine) merge(sources []block.Meta) (int, error) {
	minMs := sources[0].MinMs
	maxMs := sources[len(sources)-1].MaxMs

	var samples []types.Sample
	for _, src := range sources {
		s, err := block.ReadFile(src.Path)
		if err != nil {
			return 0, errors.Wrapf(errors.ErrStorageIO, "read %s: %v", src.Path, err)
		}
		samples = append(samples, s...)
	}

	dir := e.config.BlockDir()
	merged, err := block.Write(dir, minMs, maxMs, samples, e.opts)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrStorageIO, "write merged block: %v", err)
	}

	if err := e.publish(sources, merged); err != nil {
		return 0, errors.Wrap(err, "publish merged block")
	}

	log.Info("blocks compacted",
		"sources", len(sources),
		"min_ms", minMs,
		"max_ms", maxMs,
		"samples", len(samples))

	return len(samples), nil
}

// Stats returns cumulative compaction statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		RunsCompleted: e.stats.runsCompleted.Load(),
		BlocksMerged:  e.stats.blocksMerged.Load(),
		BlocksWritten: e.stats.blocksWritten.Load(),
		SamplesCopied: e.stats.samplesCopied.Load(),
		Errors:        e.stats.errors.Load(),
	}
}
