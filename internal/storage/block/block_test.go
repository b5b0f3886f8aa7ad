package block

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vigil-sh/vigil/internal/storage/types"
)

func TestFilenameRoundTrip(t *testing.T) {
	name := Filename(1700000000000, 1700007200000)

	minMs, maxMs, err := ParseFilename(name)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if minMs != 1700000000000 || maxMs != 1700007200000 {
		t.Errorf("got [%d, %d)", minMs, maxMs)
	}
}

func TestParseFilenameRejects(t *testing.T) {
	for _, name := range []string{
		"notablock.txt",
		"0000000000001-0000000000001.parquet", // empty window
		"0000000000002-0000000000001.parquet", // inverted
		"garbage.parquet",
	} {
		if _, _, err := ParseFilename(name); err == nil {
			t.Errorf("ParseFilename(%q): expected error", name)
		}
	}
}

func TestOverlaps(t *testing.T) {
	m := Meta{MinMs: 100, MaxMs: 200}

	tests := []struct {
		start, end int64
		want       bool
	}{
		{0, 100, false},   // touches start, half-open
		{200, 300, false}, // touches end, half-open
		{0, 101, true},
		{199, 300, true},
		{120, 180, true},
		{0, 1000, true},
	}
	for _, tt := range tests {
		if got := m.Overlaps(tt.start, tt.end); got != tt.want {
			t.Errorf("Overlaps(%d, %d) = %v, want %v", tt.start, tt.end, got, tt.want)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	samples := []types.Sample{
		{Metric: "up", Labels: types.Labels{"job": "node", "instance": "b"}, TimestampMs: 150, Value: 1},
		{Metric: "up", Labels: types.Labels{"job": "node", "instance": "a"}, TimestampMs: 160, Value: 0},
		{Metric: "up", Labels: types.Labels{"job": "node", "instance": "a"}, TimestampMs: 110, Value: 1},
	}

	meta, err := Write(dir, 100, 200, samples, DefaultOptions())
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if meta.MinMs != 100 || meta.MaxMs != 200 {
		t.Errorf("meta window [%d, %d)", meta.MinMs, meta.MaxMs)
	}

	got, err := ReadFile(meta.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(got))
	}

	// Rows are sorted by series then timestamp inside the block.
	if got[0].Labels["instance"] != "a" || got[0].TimestampMs != 110 {
		t.Errorf("unexpected first row: %+v", got[0])
	}
	if got[1].Labels["instance"] != "a" || got[1].TimestampMs != 160 {
		t.Errorf("unexpected second row: %+v", got[1])
	}
	if got[2].Labels["instance"] != "b" {
		t.Errorf("unexpected third row: %+v", got[2])
	}
}

func TestListIgnoresPartialAndForeign(t *testing.T) {
	dir := t.TempDir()

	if _, err := Write(dir, 100, 200, nil, DefaultOptions()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Write(dir, 200, 300, nil, DefaultOptions()); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Simulate a crash mid-write plus an unrelated file.
	for _, name := range []string{Filename(300, 400) + ".tmp", "README"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("plant %s: %v", name, err)
		}
	}

	blocks, err := List(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].MinMs != 100 || blocks[1].MinMs != 200 {
		t.Errorf("blocks not ordered by window start: %+v", blocks)
	}

	removed, err := RemovePartial(dir)
	if err != nil {
		t.Fatalf("remove partial: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 partial removed, got %d", removed)
	}
}
