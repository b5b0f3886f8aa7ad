package retention

import (
	"os"
	"testing"
	"time"

	"github.com/vigil-sh/vigil/internal/storage/block"
	"github.com/vigil-sh/vigil/internal/storage/config"
)

func writeBlock(t *testing.T, dir string, minMs, maxMs int64) block.Meta {
	t.Helper()
	meta, err := block.Write(dir, minMs, maxMs, nil, block.DefaultOptions())
	if err != nil {
		t.Fatalf("write block [%d, %d): %v", minMs, maxMs, err)
	}
	return meta
}

func TestSweepBlockGranular(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Retention = 24 * time.Hour
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("dirs: %v", err)
	}

	now := time.UnixMilli(1700000000000)
	day := int64(24 * time.Hour / time.Millisecond)
	halfDay := day / 2

	// Fully expired: [now-2d, now-1.5d).
	expired := writeBlock(t, cfg.BlockDir(), now.UnixMilli()-2*day, now.UnixMilli()-3*halfDay)
	// Straddles the horizon: [now-1.1d, now-0.9d). Must survive whole.
	straddling := writeBlock(t, cfg.BlockDir(),
		now.UnixMilli()-day-day/10, now.UnixMilli()-9*day/10)
	// Fresh block.
	fresh := writeBlock(t, cfg.BlockDir(), now.UnixMilli()-halfDay, now.UnixMilli())

	m := New(cfg, os.Remove)
	m.SetNowFunc(func() time.Time { return now })

	result := m.Sweep()
	if len(result.Errors) > 0 {
		t.Fatalf("sweep errors: %v", result.Errors)
	}
	if result.BlocksDeleted != 1 {
		t.Errorf("expected 1 deleted block, got %d", result.BlocksDeleted)
	}
	if result.BlocksKept != 2 {
		t.Errorf("expected 2 kept blocks, got %d", result.BlocksKept)
	}

	if _, err := os.Stat(expired.Path); !os.IsNotExist(err) {
		t.Errorf("expired block still present: %s", expired.Path)
	}
	for _, path := range []string{straddling.Path, fresh.Path} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("block %s must be retained: %v", path, err)
		}
	}

	// Once the straddling block's whole range has aged past the horizon
	// it goes too.
	later := now.Add(4 * time.Hour)
	m.SetNowFunc(func() time.Time { return later })
	result = m.Sweep()
	if result.BlocksDeleted != 1 {
		t.Errorf("expected straddling block deleted after aging, got %d deletions", result.BlocksDeleted)
	}
	if _, err := os.Stat(straddling.Path); !os.IsNotExist(err) {
		t.Errorf("straddling block should be deleted once fully aged")
	}
}

func TestDryRunDeletesNothing(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Retention = time.Hour
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("dirs: %v", err)
	}

	now := time.UnixMilli(1700000000000)
	old := writeBlock(t, cfg.BlockDir(), now.UnixMilli()-7200000, now.UnixMilli()-7100000)

	m := New(cfg, os.Remove)
	m.SetNowFunc(func() time.Time { return now })

	result := m.DryRun()
	if result.BlocksDeleted != 1 {
		t.Errorf("dry run should report 1 deletable block, got %d", result.BlocksDeleted)
	}
	if _, err := os.Stat(old.Path); err != nil {
		t.Errorf("dry run must not delete: %v", err)
	}
}
