package storage

import (
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigil-sh/vigil/internal/errors"
	"github.com/vigil-sh/vigil/internal/logging"
	"github.com/vigil-sh/vigil/internal/storage/block"
	"github.com/vigil-sh/vigil/internal/storage/compaction"
	"github.com/vigil-sh/vigil/internal/storage/config"
	"github.com/vigil-sh/vigil/internal/storage/head"
	"github.com/vigil-sh/vigil/internal/storage/query"
	"github.com/vigil-sh/vigil/internal/storage/retention"
	"github.com/vigil-sh/vigil/internal/storage/types"
	"github.com/vigil-sh/vigil/internal/storage/wal"
)

var log = logging.Component("storage")

// sealCheckInterval is how often the background worker checks whether the
// wall clock has passed the open window's end with no append to trigger
// the seal.
const sealCheckInterval = 30 * time.Second

// Service orchestrates the storage engine: WAL, open head window, sealed
// block index, retention, compaction, and the query layer. Appends are
// written to the WAL before they are acknowledged into the head.
type Service struct {
	mu sync.RWMutex

	config *config.Config

	wal    *wal.Writer
	head   *head.Head
	blocks []block.Meta // sorted by MinMs

	retention  *retention.Manager
	compaction *compaction.Engine
	query      *query.Service

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startTime time.Time

	// now is swappable for tests.
	now func() time.Time

	health healthState
	stats  serviceCounters
}

type healthState struct {
	lastSealErr  error
	lastWALErr   error
	lastSealTime time.Time
}

type serviceCounters struct {
	samplesAppended   atomic.Int64
	outOfOrderDropped atomic.Int64
	batches           atomic.Int64
	blocksSealed      atomic.Int64
}

// Health reports whether the engine can currently persist data, with the
// seal and WAL failure causes kept apart so an operator can tell a full
// disk at flush time from a failing log device.
type Health struct {
	Healthy      bool      `json:"healthy"`
	LastSealErr  string    `json:"last_seal_error,omitempty"`
	LastWALErr   string    `json:"last_wal_error,omitempty"`
	LastSealTime time.Time `json:"last_seal_time,omitempty"`
}

// ServiceStats holds combined storage statistics.
type ServiceStats struct {
	Running           bool
	Uptime            time.Duration
	SamplesAppended   int64
	OutOfOrderDropped int64
	Batches           int64
	BlocksSealed      int64
	BlockCount        int
	HeadSamples       int
	HeadSeries        int
	WAL               wal.WriterStats
	Query             query.Stats
	Retention         retention.Stats
	Compaction        compaction.Stats
}

// New creates a storage service rooted at cfg.DataDir and recovers any
// state a previous process left behind: partial block files are removed,
// superseded blocks from an interrupted compaction are dropped, and the
// WAL is replayed into sealed blocks plus a reconstructed head.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, errors.Wrapf(errors.ErrStorageIO, "ensure directories: %v", err)
	}

	s := &Service{
		config: cfg,
		now:    time.Now,
	}

	if err := s.recover(); err != nil {
		return nil, err
	}

	s.retention = retention.New(cfg, s.removeBlock)
	s.compaction = compaction.New(cfg, block.DefaultOptions(), s.publishMerged)

	q, err := query.New(cfg, s, s)
	if err != nil {
		s.wal.Close()
		return nil, err
	}
	s.query = q

	return s, nil
}

// recover rebuilds the on-disk and in-memory state at startup.
func (s *Service) recover() error {
	blockDir := s.config.BlockDir()

	removed, err := block.RemovePartial(blockDir)
	if err != nil {
		return errors.Wrapf(errors.ErrStorageIO, "remove partial blocks: %v", err)
	}
	if removed > 0 {
		log.Info("removed partial block files", "count", removed)
	}

	blocks, err := block.List(blockDir)
	if err != nil {
		return errors.Wrapf(errors.ErrStorageIO, "list blocks: %v", err)
	}
	s.blocks = dropContained(blocks)

	// Replay unsealed samples. Windows older than the newest are sealed
	// into blocks right away; the newest window becomes the head.
	samples, err := wal.Replay(s.config.WALDir())
	if err != nil {
		return errors.Wrapf(errors.ErrCorrupt, "replay wal: %v", err)
	}

	windowMs := s.config.BlockWindow.Milliseconds()
	byWindow := make(map[int64][]types.Sample)
	for _, smp := range samples {
		byWindow[windowStart(smp.TimestampMs, windowMs)] = append(
			byWindow[windowStart(smp.TimestampMs, windowMs)], smp)
	}

	starts := make([]int64, 0, len(byWindow))
	for ws := range byWindow {
		starts = append(starts, ws)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for i, ws := range starts {
		we := ws + windowMs
		if i == len(starts)-1 {
			// Newest window reopens as the head. A partial block from an
			// earlier flush may cover the window's start; the head begins
			// where sealed data ends.
			s.head = head.New(s.unsealedFrom(ws, we), we)
			replayed, dropped := 0, 0
			for _, smp := range byWindow[ws] {
				if err := s.head.Append(smp); err != nil {
					dropped++
					continue
				}
				replayed++
			}
			log.Info("head recovered from wal",
				"window_start_ms", ws, "samples", replayed, "dropped", dropped)
			continue
		}
		sealMin := s.unsealedFrom(ws, we)
		if sealMin >= we {
			log.Info("wal window already sealed, skipping",
				"window_start_ms", ws, "samples", len(byWindow[ws]))
			continue
		}
		unsealed := byWindow[ws][:0]
		for _, smp := range byWindow[ws] {
			if smp.TimestampMs >= sealMin {
				unsealed = append(unsealed, smp)
			}
		}
		meta, err := block.Write(blockDir, sealMin, we, unsealed, block.DefaultOptions())
		if err != nil {
			return errors.Wrapf(errors.ErrStorageIO, "seal recovered window: %v", err)
		}
		s.insertBlock(meta)
		log.Info("sealed recovered window",
			"window_start_ms", sealMin, "samples", len(unsealed))
	}

	if s.head == nil {
		ws := windowStart(s.now().UnixMilli(), windowMs)
		s.head = head.New(s.unsealedFrom(ws, ws+windowMs), ws+windowMs)
	}

	w, err := wal.NewWriter(s.config.WALDir(), walOptions(s.config))
	if err != nil {
		return errors.Wrapf(errors.ErrStorageIO, "open wal: %v", err)
	}
	s.wal = w

	// Re-log the reconstructed head into the fresh segment, then drop the
	// replayed segments. Everything older is now covered by blocks.
	if snap := s.head.Snapshot(); len(snap) > 0 {
		if err := w.Write(snap); err != nil {
			return errors.Wrapf(errors.ErrStorageIO, "rewrite head to wal: %v", err)
		}
		if err := w.Sync(); err != nil {
			return errors.Wrapf(errors.ErrStorageIO, "sync wal: %v", err)
		}
	}
	if _, err := w.Truncate(); err != nil {
		log.Warn("truncate replayed wal segments", "error", err)
	}

	return nil
}

func walOptions(cfg *config.Config) wal.Options {
	opts := wal.DefaultOptions()
	if cfg.WAL.MaxSegmentSize > 0 {
		opts.MaxSegmentSize = cfg.WAL.MaxSegmentSize
	}
	if cfg.WAL.SyncMode != "" {
		opts.SyncMode = cfg.WAL.SyncMode
	}
	if cfg.WAL.SyncInterval > 0 {
		opts.SyncInterval = cfg.WAL.SyncInterval
	}
	return opts
}

// Start launches the background workers.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("storage service already running")
	}
	s.startTime = s.now()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.sealWorker()

	s.wg.Add(1)
	go s.retentionWorker()

	s.wg.Add(1)
	go s.compactionWorker()

	if s.config.WAL.SyncMode == "async" || s.config.WAL.SyncMode == "" {
		s.wg.Add(1)
		go s.walSyncWorker()
	}

	log.Info("storage started",
		"data_dir", s.config.DataDir,
		"blocks", len(s.blocks),
		"head_samples", s.head.NumSamples())
	return nil
}

// Stop stops the workers and closes the WAL and query layer. Unsealed
// head samples stay in the WAL and are recovered on next start.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.wg.Wait()

	var firstErr error
	if err := s.wal.Sync(); err != nil {
		firstErr = errors.Wrap(err, "sync wal")
	}
	if err := s.wal.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "close wal")
	}
	if err := s.query.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "close query")
	}

	log.Info("storage stopped")
	return firstErr
}

// Append persists a single sample.
func (s *Service) Append(sample types.Sample) error {
	return s.AppendBatch([]types.Sample{sample})
}

// AppendBatch persists a batch of samples. The batch is logged to the WAL
// before any sample reaches the head; a WAL failure rejects the whole
// batch. Out-of-order samples are dropped and counted without failing the
// rest of the batch.
func (s *Service) AppendBatch(samples []types.Sample) error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	maxTs := samples[0].TimestampMs
	for _, smp := range samples[1:] {
		if smp.TimestampMs > maxTs {
			maxTs = smp.TimestampMs
		}
	}

	// Sealing happens before the batch is logged so the truncated WAL
	// never held samples of the new window.
	if _, headMax := s.head.Window(); maxTs >= headMax {
		if err := s.sealLocked(); err != nil {
			return err
		}
		s.resetHeadLocked(maxTs)
	}

	if err := s.wal.Write(samples); err != nil {
		s.health.lastWALErr = err
		return errors.Wrapf(errors.ErrStorageIO, "wal append: %v", err)
	}
	s.health.lastWALErr = nil

	appended := 0
	for _, smp := range samples {
		if err := s.head.Append(smp); err != nil {
			s.stats.outOfOrderDropped.Add(1)
			log.Debug("out-of-order sample dropped",
				"series", smp.SeriesKey(), "ts_ms", smp.TimestampMs)
			continue
		}
		appended++
	}

	s.stats.samplesAppended.Add(int64(appended))
	s.stats.batches.Add(1)
	return nil
}

// sealLocked flushes the head to a block and truncates the WAL. Caller
// holds s.mu.
func (s *Service) sealLocked() error {
	minMs, maxMs := s.head.Window()

	if s.head.NumSamples() > 0 {
		snap := s.head.Snapshot()
		meta, err := block.Write(s.config.BlockDir(), minMs, maxMs, snap, block.DefaultOptions())
		if err != nil {
			s.health.lastSealErr = err
			return errors.Wrapf(errors.ErrStorageIO, "seal window [%d, %d): %v", minMs, maxMs, err)
		}
		s.insertBlock(meta)
		s.stats.blocksSealed.Add(1)
		log.Info("window sealed",
			"min_ms", minMs, "max_ms", maxMs,
			"samples", len(snap), "bytes", meta.Size)
	}

	if err := s.wal.Rotate(); err != nil {
		s.health.lastSealErr = err
		return errors.Wrapf(errors.ErrStorageIO, "rotate wal: %v", err)
	}
	if _, err := s.wal.Truncate(); err != nil {
		log.Warn("truncate sealed wal segments", "error", err)
	}

	s.health.lastSealErr = nil
	s.health.lastSealTime = s.now()
	return nil
}

func (s *Service) resetHeadLocked(ts int64) {
	windowMs := s.config.BlockWindow.Milliseconds()
	ws := windowStart(ts, windowMs)
	s.head = head.New(ws, ws+windowMs)
}

// Flush seals the head's samples into a partial block even though the
// window has not elapsed. The block covers the head up to its newest
// sample; the head reopens on the remainder of the window so later
// appends cannot collide with what was just sealed. Used on demand by
// the admin surface.
func (s *Service) Flush() error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.head.NumSamples() == 0 {
		return nil
	}

	minMs, maxMs := s.head.Window()
	snap := s.head.Snapshot()
	sealMax := minMs
	for _, smp := range snap {
		if smp.TimestampMs >= sealMax {
			sealMax = smp.TimestampMs + 1
		}
	}

	meta, err := block.Write(s.config.BlockDir(), minMs, sealMax, snap, block.DefaultOptions())
	if err != nil {
		s.health.lastSealErr = err
		return errors.Wrapf(errors.ErrStorageIO, "flush window [%d, %d): %v", minMs, sealMax, err)
	}
	s.insertBlock(meta)
	s.stats.blocksSealed.Add(1)

	if err := s.wal.Rotate(); err != nil {
		s.health.lastSealErr = err
		return errors.Wrapf(errors.ErrStorageIO, "rotate wal: %v", err)
	}
	if _, err := s.wal.Truncate(); err != nil {
		log.Warn("truncate sealed wal segments", "error", err)
	}

	s.health.lastSealErr = nil
	s.health.lastSealTime = s.now()
	s.head = head.New(sealMax, maxMs)

	log.Info("head flushed",
		"min_ms", minMs, "max_ms", sealMax,
		"samples", len(snap), "bytes", meta.Size)
	return nil
}

// QueryRange answers a range query over sealed blocks and the head.
func (s *Service) QueryRange(ctx context.Context, selector string, startMs, endMs int64) ([]types.Series, error) {
	if !s.running.Load() {
		return nil, errors.ErrNotRunning
	}
	return s.query.QueryRange(ctx, selector, startMs, endMs)
}

// Blocks returns the sealed blocks overlapping [startMs, endMs).
// Implements the query layer's block source.
func (s *Service) Blocks(startMs, endMs int64) []block.Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []block.Meta
	for _, b := range s.blocks {
		if b.Overlaps(startMs, endMs) {
			out = append(out, b)
		}
	}
	return out
}

// SelectHead selects matching series from the open window. Implements the
// query layer's head source.
func (s *Service) SelectHead(match func(metric string, labels types.Labels) bool, startMs, endMs int64) []types.Series {
	s.mu.RLock()
	h := s.head
	s.mu.RUnlock()
	return h.Select(match, startMs, endMs)
}

// HeadWindow returns the bounds of the currently open window.
func (s *Service) HeadWindow() (minMs, maxMs int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head.Window()
}

// removeBlock deletes a block file and drops it from the index. Retention
// routes deletions through here so a query never sees a dangling entry.
func (s *Service) removeBlock(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil {
		return err
	}
	for i, b := range s.blocks {
		if b.Path == path {
			s.blocks = append(s.blocks[:i], s.blocks[i+1:]...)
			break
		}
	}
	return nil
}

// publishMerged swaps compacted source blocks for their merged result in
// one index update, then deletes the source files. A crash between the
// swap and the deletes leaves contained blocks on disk; recovery drops
// them.
func (s *Service) publishMerged(sources []block.Meta, merged block.Meta) error {
	s.mu.Lock()
	kept := s.blocks[:0]
	for _, b := range s.blocks {
		if containsBlock(sources, b) {
			continue
		}
		kept = append(kept, b)
	}
	s.blocks = kept
	s.insertBlock(merged)
	s.mu.Unlock()

	for _, src := range sources {
		if err := os.Remove(src.Path); err != nil {
			log.Warn("remove compacted source", "path", src.Path, "error", err)
		}
	}
	return nil
}

func containsBlock(set []block.Meta, b block.Meta) bool {
	for _, m := range set {
		if m.Path == b.Path {
			return true
		}
	}
	return false
}

// insertBlock adds meta to the index keeping MinMs order. Caller holds
// s.mu.
func (s *Service) insertBlock(meta block.Meta) {
	i := sort.Search(len(s.blocks), func(i int) bool { return s.blocks[i].MinMs > meta.MinMs })
	s.blocks = append(s.blocks, block.Meta{})
	copy(s.blocks[i+1:], s.blocks[i:])
	s.blocks[i] = meta
}

// unsealedFrom returns the first timestamp in [ws, we) not covered by a
// sealed block. Caller holds s.mu or runs before concurrency starts.
func (s *Service) unsealedFrom(ws, we int64) int64 {
	start := ws
	for _, b := range s.blocks {
		if b.MaxMs > start && b.MaxMs <= we && b.MinMs <= start {
			start = b.MaxMs
		}
	}
	return start
}

// dropContained removes blocks whose window sits inside another block's
// window, deleting their files. These are compaction sources that
// survived a crash after the merged block was published.
func dropContained(blocks []block.Meta) []block.Meta {
	kept := blocks[:0]
	for i, b := range blocks {
		contained := false
		for j, other := range blocks {
			if i == j {
				continue
			}
			if other.MinMs <= b.MinMs && other.MaxMs >= b.MaxMs && other.Span() > b.Span() {
				contained = true
				break
			}
		}
		if contained {
			log.Info("removing superseded block", "path", b.Path)
			if err := os.Remove(b.Path); err != nil {
				log.Warn("remove superseded block", "path", b.Path, "error", err)
			}
			continue
		}
		kept = append(kept, b)
	}
	return kept
}

// Health reports the engine's ability to persist data.
func (s *Service) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := Health{
		Healthy:      s.running.Load() && s.health.lastSealErr == nil && s.health.lastWALErr == nil,
		LastSealTime: s.health.lastSealTime,
	}
	if s.health.lastSealErr != nil {
		h.LastSealErr = s.health.lastSealErr.Error()
	}
	if s.health.lastWALErr != nil {
		h.LastWALErr = s.health.lastWALErr.Error()
	}
	return h
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	blockCount := len(s.blocks)
	headSamples := s.head.NumSamples()
	headSeries := s.head.NumSeries()
	s.mu.RUnlock()

	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = s.now().Sub(s.startTime)
	}

	return ServiceStats{
		Running:           s.running.Load(),
		Uptime:            uptime,
		SamplesAppended:   s.stats.samplesAppended.Load(),
		OutOfOrderDropped: s.stats.outOfOrderDropped.Load(),
		Batches:           s.stats.batches.Load(),
		BlocksSealed:      s.stats.blocksSealed.Load(),
		BlockCount:        blockCount,
		HeadSamples:       headSamples,
		HeadSeries:        headSeries,
		WAL:               s.wal.Stats(),
		Query:             s.query.Stats(),
		Retention:         s.retention.Stats(),
		Compaction:        s.compaction.Stats(),
	}
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// IsRunning reports whether the service has been started.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// RunRetention triggers a retention sweep outside the regular schedule.
func (s *Service) RunRetention() retention.SweepResult {
	return s.retention.Sweep()
}

// RunCompaction triggers a compaction pass outside the regular schedule.
func (s *Service) RunCompaction() (compaction.Result, error) {
	s.mu.RLock()
	blocks := make([]block.Meta, len(s.blocks))
	copy(blocks, s.blocks)
	openMin, _ := s.head.Window()
	s.mu.RUnlock()

	return s.compaction.Run(blocks, openMin)
}

// sealWorker seals the head once the wall clock passes the window end,
// covering targets that stop reporting before the next append would
// trigger the seal.
func (s *Service) sealWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(sealCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			nowMs := s.now().UnixMilli()
			s.mu.Lock()
			if _, maxMs := s.head.Window(); nowMs >= maxMs {
				if err := s.sealLocked(); err != nil {
					log.Error("background seal failed", "error", err)
				} else {
					s.resetHeadLocked(nowMs)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Service) retentionWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			result := s.retention.Sweep()
			if len(result.Errors) > 0 {
				log.Error("retention sweep errors",
					"errors", len(result.Errors), "first", result.Errors[0])
			}
		}
	}
}

func (s *Service) compactionWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunCompaction(); err != nil {
				log.Error("compaction pass failed", "error", err)
			}
		}
	}
}

func (s *Service) walSyncWorker() {
	defer s.wg.Done()

	interval := s.config.WAL.SyncInterval
	if interval <= 0 {
		interval = wal.DefaultOptions().SyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.wal.Sync(); err != nil {
				log.Error("wal sync failed", "error", err)
			}
		}
	}
}

// windowStart aligns ts down to its block window start.
func windowStart(ts, windowMs int64) int64 {
	ws := ts - ts%windowMs
	if ts < 0 && ts%windowMs != 0 {
		ws -= windowMs
	}
	return ws
}

// SetNowFunc overrides the clock. Test hook.
func (s *Service) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
