// Package collect is the sink of the scrape pipeline. It drains the
// scheduler's result channel and writes samples to storage. A failed or
// timed-out scrape produces exactly one up=0 sample carrying the
// target's labels, timestamped at the cycle start, so every executed
// cycle leaves a record of target health.
package collect

import (
	"sync"

	"github.com/vigil-sh/vigil/internal/logging"
	"github.com/vigil-sh/vigil/internal/scraper"
	"github.com/vigil-sh/vigil/internal/storage/types"
)

var log = logging.Component("collect")

// Appender accepts sample batches. Implemented by the storage service.
type Appender interface {
	AppendBatch(samples []types.Sample) error
}

// Stats holds collect loop counters.
type Stats struct {
	BatchesWritten int64 `json:"batches_written"`
	SamplesWritten int64 `json:"samples_written"`
	DownSamples    int64 `json:"down_samples"`
	WriteErrors    int64 `json:"write_errors"`
}

// Collector writes scrape results to storage.
type Collector struct {
	store Appender

	mu    sync.Mutex
	stats Stats

	done chan struct{}
}

// New creates a collector writing to the given store.
func New(store Appender) *Collector {
	return &Collector{store: store, done: make(chan struct{})}
}

// Run consumes results until the channel closes. Storage errors are
// logged and do not stop the loop; a bad batch never takes down the
// pipeline.
func (c *Collector) Run(results <-chan scraper.Result) {
	defer close(c.done)

	for result := range results {
		c.write(result)
	}
	log.Info("collect loop stopped")
}

// Wait blocks until Run has returned.
func (c *Collector) Wait() {
	<-c.done
}

func (c *Collector) write(result scraper.Result) {
	batch := result.Samples
	if result.Err != nil {
		// The scraper produced no samples; record the target as down at
		// the cycle timestamp.
		batch = []types.Sample{{
			Metric:      "up",
			Labels:      result.Target.Labels.Clone(),
			TimestampMs: result.Start.UnixMilli(),
			Value:       0,
		}}
		c.mu.Lock()
		c.stats.DownSamples++
		c.mu.Unlock()

		log.Debug("scrape failed, writing up=0",
			"target", result.Target.Name,
			"timed_out", result.TimedOut,
			"error", result.Err)
	}

	if len(batch) == 0 {
		return
	}

	if err := c.store.AppendBatch(batch); err != nil {
		c.mu.Lock()
		c.stats.WriteErrors++
		c.mu.Unlock()

		log.Error("batch write failed",
			"target", result.Target.Name,
			"samples", len(batch),
			"error", err)
		return
	}

	c.mu.Lock()
	c.stats.BatchesWritten++
	c.stats.SamplesWritten += int64(len(batch))
	c.mu.Unlock()
}

// Stats returns collect loop counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
