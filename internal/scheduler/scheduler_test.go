package scheduler

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vigil-sh/vigil/internal/registry"
	"github.com/vigil-sh/vigil/internal/scraper"
)

func testConfig() *Config {
	return &Config{
		Workers:      4,
		QueueSize:    16,
		TickInterval: 5 * time.Millisecond,
		DrainTimeout: 2 * time.Second,
	}
}

func testSet(targets ...*registry.Target) *registry.TargetSet {
	return &registry.TargetSet{Targets: targets}
}

func testTarget(name string, interval time.Duration) *registry.Target {
	return &registry.Target{
		Name:     name,
		Address:  name + ":9100",
		Scheme:   "http",
		Path:     "/metrics",
		Interval: interval,
		Timeout:  time.Second,
	}
}

func okScrape(ctx context.Context, t *registry.Target) scraper.Result {
	return scraper.Result{Target: t, Start: time.Now(), Duration: time.Millisecond}
}

func TestInitialJitterWithinInterval(t *testing.T) {
	s := New(testConfig(), okScrape)

	interval := time.Hour
	before := time.Now()
	s.Reconcile(testSet(testTarget("a", interval)), 1)
	after := time.Now()

	targets := s.Targets()
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	next := targets[0].NextScrape
	if next.Before(before) || next.After(after.Add(interval)) {
		t.Errorf("first scrape must land within one interval: %v", next)
	}
}

func TestDispatchDeliversResults(t *testing.T) {
	s := New(testConfig(), okScrape)
	s.Start()
	defer s.Stop()

	s.Reconcile(testSet(testTarget("a", 10*time.Millisecond)), 1)

	select {
	case r := <-s.Results():
		if r.Target.Name != "a" {
			t.Errorf("result for wrong target: %s", r.Target.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result within deadline")
	}

	if st := s.Stats(); st.ScrapesTotal == 0 {
		t.Error("stats must count completed scrapes")
	}
}

func TestOverlapSkippedAndCountedAsFailure(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32

	slow := func(ctx context.Context, tgt *registry.Target) scraper.Result {
		started.Add(1)
		<-release
		return scraper.Result{Target: tgt, Start: time.Now()}
	}

	s := New(testConfig(), slow)
	s.Start()
	defer s.Stop()

	s.Reconcile(testSet(testTarget("a", 20*time.Millisecond)), 1)

	// Wait for the first dispatch, then let several ticks fire while the
	// scrape is still blocked.
	deadline := time.After(2 * time.Second)
	for started.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("scrape never started")
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(100 * time.Millisecond)

	// While the scrape is blocked, no second dispatch may happen.
	if n := started.Load(); n != 1 {
		t.Errorf("expected exactly 1 in-flight scrape, got %d", n)
	}

	close(release)
	<-s.Results()

	st := s.Stats()
	if st.SkipsTotal == 0 {
		t.Error("overlapping ticks must be counted as skips")
	}
	if st.FailuresTotal < st.SkipsTotal {
		t.Errorf("every skip counts as a failure: skips=%d failures=%d",
			st.SkipsTotal, st.FailuresTotal)
	}
}

func TestFailureTracking(t *testing.T) {
	fail := func(ctx context.Context, tgt *registry.Target) scraper.Result {
		return scraper.Result{
			Target: tgt,
			Start:  time.Now(),
			Err:    context.DeadlineExceeded,
		}
	}

	s := New(testConfig(), fail)
	s.Start()
	defer s.Stop()

	s.Reconcile(testSet(testTarget("a", 10*time.Millisecond)), 1)

	<-s.Results()
	<-s.Results()

	var status TargetStatus
	for _, ts := range s.Targets() {
		if ts.Name == "a" {
			status = ts
		}
	}
	if status.ConsecutiveFailures < 1 {
		t.Errorf("failures must accumulate: %+v", status)
	}
	if status.LastError == "" {
		t.Error("last error must be recorded")
	}
}

func TestReconcileRemovesAndKeepsTargets(t *testing.T) {
	s := New(testConfig(), okScrape)

	a := testTarget("a", time.Hour)
	b := testTarget("b", time.Hour)
	s.Reconcile(testSet(a, b), 1)

	if len(s.Targets()) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(s.Targets()))
	}
	var nextA time.Time
	for _, ts := range s.Targets() {
		if ts.Name == "a" {
			nextA = ts.NextScrape
		}
	}

	// Reload with an identical "a" and without "b". The unchanged target
	// keeps its slot.
	s.Reconcile(testSet(testTarget("a", time.Hour)), 2)

	targets := s.Targets()
	if len(targets) != 1 || targets[0].Name != "a" {
		t.Fatalf("expected only target a, got %+v", targets)
	}
	if !targets[0].NextScrape.Equal(nextA) {
		t.Errorf("unchanged target must keep its schedule: %v vs %v",
			targets[0].NextScrape, nextA)
	}
	if s.Generation() != 2 {
		t.Errorf("generation not updated: %d", s.Generation())
	}
}

func TestReconcileReschedulesChangedTarget(t *testing.T) {
	s := New(testConfig(), okScrape)

	s.Reconcile(testSet(testTarget("a", time.Hour)), 1)
	first := s.Targets()[0].NextScrape

	changed := testTarget("a", time.Hour)
	changed.Address = "other:9100"
	s.Reconcile(testSet(changed), 2)

	got := s.Targets()[0]
	if got.Address != "other:9100" {
		t.Fatalf("target not replaced: %+v", got)
	}
	// Rescheduling with fresh jitter makes an identical slot vanishingly
	// unlikely at millisecond resolution over an hour interval.
	if got.NextScrape.Equal(first) {
		t.Error("changed target should be rescheduled")
	}
}

func TestPanicRecovered(t *testing.T) {
	boom := func(ctx context.Context, tgt *registry.Target) scraper.Result {
		panic("scrape exploded")
	}

	s := New(testConfig(), boom)
	s.Start()
	defer s.Stop()

	s.Reconcile(testSet(testTarget("a", 10*time.Millisecond)), 1)

	select {
	case r := <-s.Results():
		if r.Err == nil || !strings.Contains(r.Err.Error(), "panic") {
			t.Errorf("panic must surface as an error result: %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result after panic")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(testConfig(), okScrape)
	s.Start()
	s.Stop()
	s.Stop()
}

func TestDrainTimeoutKeepsResultsOpenUntilWorkersExit(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32

	slow := func(ctx context.Context, tgt *registry.Target) scraper.Result {
		started.Add(1)
		<-release
		return scraper.Result{Target: tgt, Start: time.Now()}
	}

	cfg := testConfig()
	cfg.DrainTimeout = 20 * time.Millisecond
	s := New(cfg, slow)
	s.Start()

	s.Reconcile(testSet(testTarget("a", 10*time.Millisecond)), 1)

	deadline := time.After(2 * time.Second)
	for started.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("scrape never started")
		case <-time.After(time.Millisecond):
		}
	}

	// Stop returns at the drain timeout with the scrape still blocked.
	s.Stop()

	// The results channel must stay open while a worker is in flight; a
	// close here would let that worker panic on its send.
	select {
	case _, ok := <-s.Results():
		if !ok {
			t.Fatal("results closed while a worker was still in flight")
		}
		t.Fatal("no result should exist before the scrape is released")
	default:
	}

	close(release)

	// Once the worker exits, the channel delivers or closes cleanly.
	closeDeadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Results():
			if !ok {
				return
			}
		case <-closeDeadline:
			t.Fatal("results channel never closed after workers exited")
		}
	}
}
