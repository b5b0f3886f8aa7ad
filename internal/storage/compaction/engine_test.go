package compaction

import (
	"os"
	"testing"
	"time"

	"github.com/vigil-sh/vigil/internal/storage/block"
	"github.com/vigil-sh/vigil/internal/storage/config"
	"github.com/vigil-sh/vigil/internal/storage/types"
)

const hourMs = int64(time.Hour / time.Millisecond)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.MaxBlockSpan = 6 * time.Hour
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("dirs: %v", err)
	}
	return cfg
}

func writeWindow(t *testing.T, cfg *config.Config, minMs, maxMs int64, n int) block.Meta {
	t.Helper()
	samples := make([]types.Sample, 0, n)
	step := (maxMs - minMs) / int64(n+1)
	for i := 0; i < n; i++ {
		samples = append(samples, types.Sample{
			Metric:      "up",
			Labels:      types.Labels{"instance": "a"},
			TimestampMs: minMs + int64(i+1)*step,
			Value:       1,
		})
	}
	meta, err := block.Write(cfg.BlockDir(), minMs, maxMs, samples, block.DefaultOptions())
	if err != nil {
		t.Fatalf("write block: %v", err)
	}
	return meta
}

// deletingPublish mimics the storage service: drop sources after the
// merged block is in place.
func deletingPublish(t *testing.T) PublishFunc {
	return func(sources []block.Meta, merged block.Meta) error {
		t.Helper()
		for _, s := range sources {
			if err := os.Remove(s.Path); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestPlanRespectsOpenWindowAndSpan(t *testing.T) {
	cfg := testConfig(t)
	e := New(cfg, block.DefaultOptions(), deletingPublish(t))

	var blocks []block.Meta
	// Eight contiguous 2h windows: 0..16h.
	for i := int64(0); i < 8; i++ {
		blocks = append(blocks, block.Meta{
			MinMs: i * 2 * hourMs,
			MaxMs: (i + 1) * 2 * hourMs,
		})
	}

	// Open window starts at 14h: the last block (14h..16h) is untouchable.
	runs := e.plan(blocks, 14*hourMs)

	// 6h cap over 2h blocks: runs of three: [0..6h), [6h..12h); the
	// 12h..14h block is a lone trailing candidate and stays as is.
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d: %+v", len(runs), runs)
	}
	for _, run := range runs {
		if len(run) != 3 {
			t.Errorf("expected runs of 3 blocks, got %d", len(run))
		}
		span := run[len(run)-1].MaxMs - run[0].MinMs
		if span > cfg.MaxBlockSpan.Milliseconds() {
			t.Errorf("run span %d exceeds cap", span)
		}
	}
}

func TestPlanSkipsFullyCompactedBlocks(t *testing.T) {
	cfg := testConfig(t)
	e := New(cfg, block.DefaultOptions(), deletingPublish(t))

	blocks := []block.Meta{
		{MinMs: 0, MaxMs: 6 * hourMs}, // already at span cap
		{MinMs: 6 * hourMs, MaxMs: 8 * hourMs},
		{MinMs: 8 * hourMs, MaxMs: 10 * hourMs},
	}

	runs := e.plan(blocks, 100*hourMs)
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0][0].MinMs != 6*hourMs {
		t.Errorf("capped block must not join a run: %+v", runs[0])
	}
}

func TestRunMergesAdjacentBlocks(t *testing.T) {
	cfg := testConfig(t)
	e := New(cfg, block.DefaultOptions(), deletingPublish(t))

	b1 := writeWindow(t, cfg, 0, 2*hourMs, 10)
	b2 := writeWindow(t, cfg, 2*hourMs, 4*hourMs, 10)
	open := writeWindow(t, cfg, 4*hourMs, 6*hourMs, 10)

	result, err := e.Run([]block.Meta{b1, b2, open}, 4*hourMs)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Merges != 1 || result.BlocksMerged != 2 {
		t.Fatalf("expected one 2-block merge, got %+v", result)
	}
	if result.SamplesCopied != 20 {
		t.Errorf("expected 20 samples copied, got %d", result.SamplesCopied)
	}

	blocks, err := block.List(cfg.BlockDir())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected merged + untouched block, got %d", len(blocks))
	}
	if blocks[0].MinMs != 0 || blocks[0].MaxMs != 4*hourMs {
		t.Errorf("merged window [%d, %d)", blocks[0].MinMs, blocks[0].MaxMs)
	}

	// Merged content is complete and per-series ordered.
	samples, err := block.ReadFile(blocks[0].Path)
	if err != nil {
		t.Fatalf("read merged: %v", err)
	}
	if len(samples) != 20 {
		t.Fatalf("expected 20 samples in merged block, got %d", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].TimestampMs <= samples[i-1].TimestampMs {
			t.Errorf("merged samples out of order at %d", i)
		}
	}

	st := e.Stats()
	if st.RunsCompleted != 1 || st.BlocksMerged != 2 || st.BlocksWritten != 1 {
		t.Errorf("stats must reflect the pass: %+v", st)
	}
	if st.SamplesCopied != 20 || st.Errors != 0 {
		t.Errorf("stats counters wrong: %+v", st)
	}
}
