package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/vigil-sh/vigil/internal/errors"
	"github.com/vigil-sh/vigil/internal/loader"
)

func targetConfig(name, address string) loader.TargetConfig {
	return loader.TargetConfig{
		Name:     name,
		Address:  address,
		Scheme:   "http",
		Path:     "/metrics",
		Interval: loader.Duration(15 * time.Second),
		Timeout:  loader.Duration(10 * time.Second),
	}
}

func TestLoadInstallsSetAndBumpsGeneration(t *testing.T) {
	r := New("127.0.0.1:9464")

	cfg := &loader.Config{Targets: []loader.TargetConfig{
		targetConfig("node", "localhost:9100"),
		targetConfig("api", "localhost:8080"),
	}}

	set, err := r.Load(cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("expected 2 targets, got %d", set.Len())
	}

	current, gen := r.Current()
	if gen != 1 {
		t.Errorf("expected generation 1, got %d", gen)
	}
	if current != set {
		t.Error("current set is not the loaded set")
	}

	tgt, ok := current.Lookup("node")
	if !ok {
		t.Fatal("node target missing")
	}
	if tgt.URL() != "http://localhost:9100/metrics" {
		t.Errorf("target url: got %q", tgt.URL())
	}
	if tgt.Labels["instance"] != "localhost:9100" || tgt.Labels["job"] != "node" {
		t.Errorf("implicit labels wrong: %v", tgt.Labels)
	}

	if _, err := r.Load(cfg); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, gen := r.Current(); gen != 2 {
		t.Errorf("expected generation 2 after reload, got %d", gen)
	}
}

func TestLoadRejectsDuplicateAddress(t *testing.T) {
	r := New("127.0.0.1:9464")

	good := &loader.Config{Targets: []loader.TargetConfig{targetConfig("node", "localhost:9100")}}
	if _, err := r.Load(good); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	prev, prevGen := r.Current()

	bad := &loader.Config{Targets: []loader.TargetConfig{
		targetConfig("a", "localhost:9100"),
		targetConfig("b", "localhost:9100"),
	}}
	_, err := r.Load(bad)
	if !errors.Is(err, errors.ErrDuplicateTarget) {
		t.Fatalf("expected ErrDuplicateTarget, got %v", err)
	}

	// The previous generation stays active.
	current, gen := r.Current()
	if current != prev || gen != prevGen {
		t.Errorf("failed load must not swap the set: gen %d -> %d", prevGen, gen)
	}
}

func TestLoadRejectsSubMinimumInterval(t *testing.T) {
	r := New("127.0.0.1:9464")

	tc := targetConfig("fast", "localhost:9100")
	tc.Interval = loader.Duration(100 * time.Millisecond)

	_, err := r.Load(&loader.Config{Targets: []loader.TargetConfig{tc}})
	if !errors.Is(err, errors.ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
	if _, gen := r.Current(); gen != 0 {
		t.Errorf("generation must stay 0 after failed load, got %d", gen)
	}
}

func TestProbesBecomeVirtualTargets(t *testing.T) {
	r := New("127.0.0.1:9464")

	cfg := &loader.Config{Probes: []loader.ProbeConfig{{
		Name:      "gateway",
		Module:    "tcp",
		Target:    "gw:443",
		Interval:  loader.Duration(30 * time.Second),
		Timeout:   loader.Duration(5 * time.Second),
		Community: "public",
	}}}

	set, err := r.Load(cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tgt, ok := set.Lookup("gateway")
	if !ok {
		t.Fatal("probe target missing")
	}
	if !tgt.Probe {
		t.Error("probe target must be marked as probe")
	}
	url := tgt.URL()
	if !strings.HasPrefix(url, "http://127.0.0.1:9464/probe?") {
		t.Errorf("probe url must point at the local prober: %q", url)
	}
	for _, want := range []string{"module=tcp", "target=gw%3A443", "timeout=5s"} {
		if !strings.Contains(url, want) {
			t.Errorf("probe url missing %q: %q", want, url)
		}
	}
	// Scrape timeout leaves headroom over the probe deadline.
	if tgt.Timeout <= 5*time.Second {
		t.Errorf("scrape timeout must exceed probe timeout, got %v", tgt.Timeout)
	}
}

func TestReconcileCallback(t *testing.T) {
	r := New("127.0.0.1:9464")

	var gotGen uint64
	var gotLen int
	r.SetReconcileFunc(func(set *TargetSet, generation uint64) {
		gotGen = generation
		gotLen = set.Len()
	})

	cfg := &loader.Config{Targets: []loader.TargetConfig{targetConfig("node", "localhost:9100")}}
	if _, err := r.Load(cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if gotGen != 1 || gotLen != 1 {
		t.Errorf("reconcile saw gen=%d len=%d", gotGen, gotLen)
	}
}
