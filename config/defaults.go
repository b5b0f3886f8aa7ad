// Package config provides configuration defaults and utilities
// for the vigil daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command-line flags.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default HTTP listen address for the
	// admin/query API, the prober handler, and self-telemetry.
	// Override via config: listen
	DefaultListenAddress = "0.0.0.0:9464"
)

// =============================================================================
// Scrape Defaults
// =============================================================================

const (
	// DefaultScrapeInterval is the per-target scrape cadence used when a
	// target does not declare its own interval.
	// Override via config: scrape.interval
	DefaultScrapeInterval = 15 * time.Second

	// DefaultScrapeTimeout is the hard deadline for a single scrape
	// round-trip, including connection setup and body read.
	// Override via config: scrape.timeout
	DefaultScrapeTimeout = 10 * time.Second

	// MinScrapeInterval is the minimum accepted scrape resolution.
	// Target intervals below this value are rejected at config load.
	MinScrapeInterval = time.Second

	// DefaultScrapeWorkers is the number of concurrent scrape workers.
	// Each worker executes one scrape or probe at a time.
	// Override via config: scrape.workers
	DefaultScrapeWorkers = 50

	// DefaultScrapeQueueSize is the scrape job queue capacity.
	// When full, due scrapes are delayed (backpressure).
	// Override via config: scrape.queue_size
	DefaultScrapeQueueSize = 1000

	// DefaultSchedulerTickInterval is how often the scheduler checks for
	// due scrapes.
	DefaultSchedulerTickInterval = 10 * time.Millisecond
)

// =============================================================================
// Probe Defaults
// =============================================================================

const (
	// DefaultProbeTimeout is the hard deadline for a single reachability
	// probe. On expiry the probe reports failure with latency equal to
	// this value.
	// Override via config: probes[].timeout
	DefaultProbeTimeout = 5 * time.Second

	// DefaultSNMPCommunity is the community string used by the snmp probe
	// module when none is configured.
	DefaultSNMPCommunity = "public"
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultBlockWindow is the wall-clock span covered by one storage
	// block. The open head buffer is sealed into an immutable block file
	// at each window boundary.
	// Override via config: storage.block_window
	DefaultBlockWindow = 2 * time.Hour

	// DefaultRetention is the process-wide retention horizon. Blocks whose
	// entire time range precedes now-retention are deleted by the sweep.
	// Override via config: storage.retention
	DefaultRetention = 90 * 24 * time.Hour

	// DefaultRetentionInterval is how often the retention sweep runs.
	DefaultRetentionInterval = time.Hour

	// DefaultCompactionInterval is how often the compaction engine looks
	// for adjacent sealed blocks to merge.
	DefaultCompactionInterval = 30 * time.Minute

	// DefaultMaxBlockSpan caps the time range of a compacted block.
	// Compaction never merges blocks into a span larger than this.
	DefaultMaxBlockSpan = 24 * time.Hour

	// DefaultQueryTimeout bounds one range-query execution. Collapsed
	// concurrent queries share a single execution, so it runs detached
	// from any one caller's context under this deadline instead.
	DefaultQueryTimeout = time.Minute
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeoutSec is how long to wait for in-flight scrapes
	// during shutdown. After this timeout, remaining jobs are abandoned.
	// Override via config: shutdown.drain_timeout_sec
	DefaultDrainTimeoutSec = 30
)
