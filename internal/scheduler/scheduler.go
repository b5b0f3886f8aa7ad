// Package scheduler drives the scrape loop. A min-heap tracks when each
// target is next due; workers execute scrapes concurrently and push
// results to a channel consumed by the collect loop.
//
// Every target keeps its own schedule: the first scrape lands at a
// uniformly random offset within one interval to spread load, and each
// subsequent tick is due one interval after the previous one. A tick that
// arrives while the previous scrape is still in flight is skipped and
// counted as a failure for that target; nothing is dispatched and no
// sample is written for the skipped tick.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	defaults "github.com/vigil-sh/vigil/config"
	"github.com/vigil-sh/vigil/internal/logging"
	"github.com/vigil-sh/vigil/internal/registry"
	"github.com/vigil-sh/vigil/internal/scraper"
)

var log = logging.Component("scheduler")

// backpressureDelayMs is the delay applied when the job queue is full.
const backpressureDelayMs = 1000

// scrapeItem is one target's entry in the schedule heap.
type scrapeItem struct {
	target *registry.Target

	nextMs     int64 // unix ms when the next tick is due
	intervalMs int64
	polling    bool
	index      int // heap index

	// Health, guarded by the scheduler mutex.
	consecutiveFailures int
	lastAttemptMs       int64
	lastSuccessMs       int64
	lastError           string
}

type scrapeHeap []*scrapeItem

func (h scrapeHeap) Len() int           { return len(h) }
func (h scrapeHeap) Less(i, j int) bool { return h[i].nextMs < h[j].nextMs }
func (h scrapeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *scrapeHeap) Push(x interface{}) {
	item := x.(*scrapeItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *scrapeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

func (h scrapeHeap) Peek() *scrapeItem {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// Config holds scheduler configuration.
type Config struct {
	// Workers is the number of concurrent scrape workers.
	Workers int

	// QueueSize is the job queue capacity.
	QueueSize int

	// TickInterval is how often the scheduler checks for due scrapes.
	TickInterval time.Duration

	// DrainTimeout bounds the wait for in-flight scrapes at shutdown.
	DrainTimeout time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:      defaults.DefaultScrapeWorkers,
		QueueSize:    defaults.DefaultScrapeQueueSize,
		TickInterval: defaults.DefaultSchedulerTickInterval,
		DrainTimeout: time.Duration(defaults.DefaultDrainTimeoutSec) * time.Second,
	}
}

// ScrapeFunc executes one scrape of a target.
type ScrapeFunc func(ctx context.Context, t *registry.Target) scraper.Result

// TargetStatus is the externally visible health of one scheduled target.
type TargetStatus struct {
	Name                string    `json:"name"`
	Address             string    `json:"address"`
	Probe               bool      `json:"probe,omitempty"`
	Interval            string    `json:"interval"`
	NextScrape          time.Time `json:"next_scrape"`
	LastScrape          time.Time `json:"last_scrape,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Stats holds scheduler statistics. Latency quantiles come from a
// DDSketch over observed scrape durations.
type Stats struct {
	Targets       int     `json:"targets"`
	QueueUsed     int     `json:"queue_used"`
	Active        int     `json:"active"`
	ScrapesTotal  int64   `json:"scrapes_total"`
	FailuresTotal int64   `json:"failures_total"`
	SkipsTotal    int64   `json:"skips_total"`
	Backpressure  int64   `json:"backpressure_total"`
	LatencyP50    float64 `json:"latency_p50_seconds"`
	LatencyP90    float64 `json:"latency_p90_seconds"`
	LatencyP99    float64 `json:"latency_p99_seconds"`
}

// Scheduler manages scrape scheduling. Safe for concurrent use.
type Scheduler struct {
	mu   sync.Mutex
	heap scrapeHeap
	idx  map[string]*scrapeItem // target name -> item

	generation uint64

	jobs    chan *registry.Target
	results chan scraper.Result

	scrapeFunc ScrapeFunc

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	activeWorkers atomic.Int32
	wakeup        chan struct{}

	workers      int
	tickInterval time.Duration
	drainTimeout time.Duration

	scrapesTotal  atomic.Int64
	failuresTotal atomic.Int64
	skipsTotal    atomic.Int64
	backpressure  atomic.Int64

	sketchMu sync.Mutex
	sketch   *ddsketch.DDSketch
}

// New creates a scheduler.
func New(cfg *Config, scrape ScrapeFunc) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		// Only possible with an invalid relative accuracy constant.
		panic(fmt.Sprintf("create ddsketch: %v", err))
	}

	return &Scheduler{
		idx:          make(map[string]*scrapeItem),
		jobs:         make(chan *registry.Target, cfg.QueueSize),
		results:      make(chan scraper.Result, cfg.QueueSize),
		scrapeFunc:   scrape,
		shutdown:     make(chan struct{}),
		wakeup:       make(chan struct{}, 1),
		workers:      cfg.Workers,
		tickInterval: cfg.TickInterval,
		drainTimeout: cfg.DrainTimeout,
		sketch:       sketch,
	}
}

// Results returns the channel of completed scrapes.
func (s *Scheduler) Results() <-chan scraper.Result {
	return s.results
}

// Start launches the workers and the schedule loop.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(context.Background())
	}

	s.wg.Add(1)
	go s.scheduleLoop()

	log.Info("scheduler started", "workers", s.workers)
}

// Stop stops the scheduler, waiting up to the drain timeout for
// in-flight scrapes.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		log.Info("scheduler stopping")
		close(s.shutdown)

		// The results channel closes only after every worker has exited,
		// even when the drain deadline passes first, so a straggling
		// worker can never send on a closed channel.
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(s.results)
			close(done)
		}()

		select {
		case <-done:
			log.Info("scheduler stopped")
		case <-time.After(s.drainTimeout):
			log.Warn("scheduler drain timeout",
				"active_workers", s.activeWorkers.Load())
		}
	})
}

// Reconcile replaces the schedule with the given target set. Unchanged
// targets keep their schedule and health; new and modified targets start
// with fresh jitter.
func (s *Scheduler) Reconcile(set *registry.TargetSet, generation uint64) {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation = generation

	keep := make(map[string]bool, set.Len())
	for _, t := range set.Targets {
		keep[t.Name] = true

		item, ok := s.idx[t.Name]
		if ok && sameTarget(item.target, t) {
			item.target = t
			continue
		}
		if ok {
			// Definition changed: reschedule from scratch.
			s.removeLocked(item)
		}
		s.addLocked(t, now)
	}

	for name, item := range s.idx {
		if !keep[name] {
			s.removeLocked(item)
		}
	}

	log.Info("schedule reconciled",
		"generation", generation, "targets", len(s.idx))
	s.signalWakeup()
}

// addLocked schedules a target with random initial jitter.
func (s *Scheduler) addLocked(t *registry.Target, nowMs int64) {
	intervalMs := t.Interval.Milliseconds()
	item := &scrapeItem{
		target:     t,
		nextMs:     nowMs + rand.Int63n(intervalMs),
		intervalMs: intervalMs,
	}
	heap.Push(&s.heap, item)
	s.idx[t.Name] = item
	log.Debug("target scheduled", "target", t.Name, "interval", t.Interval)
}

func (s *Scheduler) removeLocked(item *scrapeItem) {
	if item.index >= 0 {
		heap.Remove(&s.heap, item.index)
	}
	delete(s.idx, item.target.Name)
	log.Debug("target unscheduled", "target", item.target.Name)
}

// sameTarget reports whether a reloaded definition leaves the schedule
// untouched.
func sameTarget(a, b *registry.Target) bool {
	return a.Address == b.Address &&
		a.Scheme == b.Scheme &&
		a.Path == b.Path &&
		a.RawQuery == b.RawQuery &&
		a.Interval == b.Interval &&
		a.Timeout == b.Timeout &&
		a.Labels.Equal(b.Labels)
}

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processDue()
		case <-s.wakeup:
			s.processDue()
		case <-s.shutdown:
			return
		}
	}
}

// processDue dispatches every due target. The next tick is set at
// dispatch time, so the cadence does not stretch with scrape duration.
func (s *Scheduler) processDue() {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		item := s.heap.Peek()
		if item.nextMs > now {
			break
		}

		if item.polling {
			// Previous scrape still in flight: skip this tick and count
			// it against the target.
			item.consecutiveFailures++
			item.lastError = "previous scrape still in flight"
			s.skipsTotal.Add(1)
			s.failuresTotal.Add(1)
			log.Warn("scrape tick skipped, previous still in flight",
				"target", item.target.Name,
				"consecutive_failures", item.consecutiveFailures)
			s.advanceLocked(item, now)
			continue
		}

		select {
		case s.jobs <- item.target:
			item.polling = true
			item.lastAttemptMs = now
			s.advanceLocked(item, now)
		default:
			// Queue full: back off without counting a tick.
			item.nextMs = now + backpressureDelayMs
			heap.Fix(&s.heap, item.index)
			s.backpressure.Add(1)
		}
	}
}

// advanceLocked moves the item to its next tick, catching up if the
// schedule fell more than one interval behind.
func (s *Scheduler) advanceLocked(item *scrapeItem, nowMs int64) {
	item.nextMs += item.intervalMs
	for item.nextMs <= nowMs {
		item.nextMs += item.intervalMs
	}
	heap.Fix(&s.heap, item.index)
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case t := <-s.jobs:
			result := s.executeWithRecovery(ctx, t)
			s.recordResult(t, result)

			select {
			case s.results <- result:
			case <-s.shutdown:
				return
			}

		case <-s.shutdown:
			return
		}
	}
}

// executeWithRecovery runs one scrape with a hard deadline and panic
// recovery. The deadline sits above the target timeout so the scraper
// reports its own timeout before the hard stop fires.
func (s *Scheduler) executeWithRecovery(ctx context.Context, t *registry.Target) (result scraper.Result) {
	s.activeWorkers.Add(1)

	defer func() {
		s.activeWorkers.Add(-1)

		if r := recover(); r != nil {
			log.Error("panic in scrape execution", "target", t.Name, "panic", r)
			result = scraper.Result{
				Target: t,
				Start:  time.Now(),
				Err:    fmt.Errorf("panic: %v", r),
			}
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, t.Timeout+time.Second)
	defer cancel()

	return s.scrapeFunc(jobCtx, t)
}

// recordResult updates per-target health and latency statistics.
func (s *Scheduler) recordResult(t *registry.Target, result scraper.Result) {
	s.scrapesTotal.Add(1)
	if result.Err != nil {
		s.failuresTotal.Add(1)
	}

	s.sketchMu.Lock()
	if err := s.sketch.Add(result.Duration.Seconds()); err != nil {
		log.Debug("latency sketch rejected value", "value", result.Duration.Seconds())
	}
	s.sketchMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Match by name: a reload may have swapped in a fresh pointer for an
	// unchanged target while the scrape ran.
	item, ok := s.idx[t.Name]
	if !ok {
		return
	}
	item.polling = false
	if result.Err != nil {
		item.consecutiveFailures++
		item.lastError = result.Err.Error()
	} else {
		item.consecutiveFailures = 0
		item.lastError = ""
		item.lastSuccessMs = result.Start.UnixMilli()
	}
}

func (s *Scheduler) signalWakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Targets returns the status of every scheduled target.
func (s *Scheduler) Targets() []TargetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TargetStatus, 0, len(s.idx))
	for _, item := range s.idx {
		st := TargetStatus{
			Name:                item.target.Name,
			Address:             item.target.Address,
			Probe:               item.target.Probe,
			Interval:            item.target.Interval.String(),
			NextScrape:          time.UnixMilli(item.nextMs),
			LastError:           item.lastError,
			ConsecutiveFailures: item.consecutiveFailures,
		}
		if item.lastAttemptMs > 0 {
			st.LastScrape = time.UnixMilli(item.lastAttemptMs)
		}
		if item.lastSuccessMs > 0 {
			st.LastSuccess = time.UnixMilli(item.lastSuccessMs)
		}
		out = append(out, st)
	}
	return out
}

// Generation returns the target-set generation the schedule reflects.
func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	targets := len(s.idx)
	s.mu.Unlock()

	st := Stats{
		Targets:       targets,
		QueueUsed:     len(s.jobs),
		Active:        int(s.activeWorkers.Load()),
		ScrapesTotal:  s.scrapesTotal.Load(),
		FailuresTotal: s.failuresTotal.Load(),
		SkipsTotal:    s.skipsTotal.Load(),
		Backpressure:  s.backpressure.Load(),
	}

	s.sketchMu.Lock()
	defer s.sketchMu.Unlock()
	if s.sketch.GetCount() > 0 {
		if v, err := s.sketch.GetValueAtQuantile(0.50); err == nil {
			st.LatencyP50 = v
		}
		if v, err := s.sketch.GetValueAtQuantile(0.90); err == nil {
			st.LatencyP90 = v
		}
		if v, err := s.sketch.GetValueAtQuantile(0.99); err == nil {
			st.LatencyP99 = v
		}
	}
	return st
}
