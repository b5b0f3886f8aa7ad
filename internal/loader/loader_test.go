package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigil-sh/vigil/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
targets:
  - name: node
    address: "localhost:9100"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Listen == "" {
		t.Error("listen default missing")
	}
	tgt := cfg.Targets[0]
	if tgt.Scheme != "http" {
		t.Errorf("scheme default: got %q", tgt.Scheme)
	}
	if tgt.Path != "/metrics" {
		t.Errorf("path default: got %q", tgt.Path)
	}
	if tgt.Interval.Duration() != 15*time.Second {
		t.Errorf("interval default: got %v", tgt.Interval.Duration())
	}
	if tgt.Timeout.Duration() != 10*time.Second {
		t.Errorf("timeout default: got %v", tgt.Timeout.Duration())
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
listen: "127.0.0.1:9000"
data_dir: /var/lib/vigil
storage:
  block_window: 1h
  retention: 240h
  wal:
    sync_mode: fsync
    max_segment_size: 16MB
scrape:
  interval: 30s
targets:
  - name: api
    address: "api:8080"
    scheme: https
    interval: 5s
    timeout: 2s
    labels:
      env: prod
probes:
  - name: gateway
    module: tcp
    target: "gw:443"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Listen != "127.0.0.1:9000" {
		t.Errorf("listen: got %q", cfg.Listen)
	}
	if cfg.Storage.BlockWindow.Duration() != time.Hour {
		t.Errorf("block_window: got %v", cfg.Storage.BlockWindow.Duration())
	}
	if cfg.Storage.WAL.SyncMode != "fsync" {
		t.Errorf("sync_mode: got %q", cfg.Storage.WAL.SyncMode)
	}
	if cfg.Storage.WAL.MaxSegmentSize.Bytes() != 16*1024*1024 {
		t.Errorf("max_segment_size: got %d", cfg.Storage.WAL.MaxSegmentSize.Bytes())
	}
	if cfg.Targets[0].Labels["env"] != "prod" {
		t.Errorf("labels: got %v", cfg.Targets[0].Labels)
	}
	if cfg.Probes[0].Timeout.Duration() != 5*time.Second {
		t.Errorf("probe timeout default: got %v", cfg.Probes[0].Timeout.Duration())
	}
	if cfg.Probes[0].Community != "public" {
		t.Errorf("probe community default: got %q", cfg.Probes[0].Community)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("VIGIL_TEST_ADDR", "envhost:9100")
	path := writeConfig(t, `
targets:
  - name: node
    address: "${VIGIL_TEST_ADDR}"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Targets[0].Address != "envhost:9100" {
		t.Errorf("env expansion: got %q", cfg.Targets[0].Address)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing target name", `
targets:
  - address: "localhost:9100"
`},
		{"missing target address", `
targets:
  - name: node
`},
		{"bad scheme", `
targets:
  - name: node
    address: "localhost:9100"
    scheme: gopher
`},
		{"unknown probe module", `
probes:
  - name: p
    module: icmp
    target: "host:1"
`},
		{"probe missing module", `
probes:
  - name: p
    target: "host:1"
`},
		{"http probe target not a url", `
probes:
  - name: p
    module: http
    target: "not a url"
`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := Load(path); !errors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "targets: [unclosed")
	if _, err := Load(path); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestDurationForms(t *testing.T) {
	path := writeConfig(t, `
scrape:
  interval: 45
targets:
  - name: node
    address: "localhost:9100"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// A bare number is seconds.
	if cfg.Scrape.Interval.Duration() != 45*time.Second {
		t.Errorf("numeric duration: got %v", cfg.Scrape.Interval.Duration())
	}
}
