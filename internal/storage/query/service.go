package query

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"
	"golang.org/x/sync/singleflight"

	defaults "github.com/vigil-sh/vigil/config"
	"github.com/vigil-sh/vigil/internal/errors"
	"github.com/vigil-sh/vigil/internal/logging"
	"github.com/vigil-sh/vigil/internal/storage/block"
	"github.com/vigil-sh/vigil/internal/storage/config"
	"github.com/vigil-sh/vigil/internal/storage/types"
)

var log = logging.Component("query")

// BlockSource lists sealed blocks overlapping a time range. The storage
// service implements it over its block index so a query never races a
// compaction publish or a retention delete.
type BlockSource interface {
	Blocks(startMs, endMs int64) []block.Meta
}

// HeadSource selects in-memory series overlapping a time range.
type HeadSource interface {
	SelectHead(match func(metric string, labels types.Labels) bool, startMs, endMs int64) []types.Series
}

// Service answers range queries by scanning sealed Parquet blocks with
// DuckDB and merging the result with the open in-memory window. Identical
// concurrent queries are collapsed into a single execution.
type Service struct {
	mu sync.RWMutex

	config *config.Config
	db     *sql.DB
	blocks BlockSource
	head   HeadSource

	group singleflight.Group

	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	SeriesReturned  int64
	PointsReturned  int64
	BlocksScanned   int64
	SharedResults   int64
	Errors          int64
}

// New creates a query service backed by an in-memory DuckDB instance.
func New(cfg *config.Config, blocks BlockSource, head HeadSource) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	return &Service{
		config: cfg,
		db:     db,
		blocks: blocks,
		head:   head,
	}, nil
}

// Close releases the DuckDB instance.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// QueryRange returns every series matching the selector with the points
// falling in [startMs, endMs). Points within a series are in timestamp
// order; series are ordered by key.
func (s *Service) QueryRange(ctx context.Context, selector string, startMs, endMs int64) ([]types.Series, error) {
	if endMs <= startMs {
		return nil, errors.Wrapf(errors.ErrBadTimeRange, "start %d, end %d", startMs, endMs)
	}

	sel, err := ParseSelector(selector)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s\x00%d\x00%d", selector, startMs, endMs)
	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		// The execution is shared by every caller holding this key, so
		// it must not die with the first caller's context. Run it
		// detached under the query deadline instead.
		execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaults.DefaultQueryTimeout)
		defer cancel()
		return s.queryRange(execCtx, sel, startMs, endMs)
	})
	if err != nil {
		s.addError()
		return nil, err
	}

	result := v.([]types.Series)

	s.mu.Lock()
	s.stats.QueriesExecuted++
	s.stats.SeriesReturned += int64(len(result))
	for _, sr := range result {
		s.stats.PointsReturned += int64(len(sr.Points))
	}
	if shared {
		s.stats.SharedResults++
	}
	s.mu.Unlock()

	return result, nil
}

func (s *Service) queryRange(ctx context.Context, sel *Selector, startMs, endMs int64) ([]types.Series, error) {
	overlapping := s.blocks.Blocks(startMs, endMs)

	byKey := make(map[string]*types.Series)

	if len(overlapping) > 0 {
		if err := s.scanBlocks(ctx, sel, overlapping, startMs, endMs, byKey); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.stats.BlocksScanned += int64(len(overlapping))
		s.mu.Unlock()
	}

	// The open window holds everything newer than any sealed block, so
	// its points always append after the block points of the same series.
	for _, hs := range s.head.SelectHead(sel.Match, startMs, endMs) {
		key := hs.Key()
		if existing, ok := byKey[key]; ok {
			existing.Points = append(existing.Points, hs.Points...)
		} else {
			cp := hs
			byKey[key] = &cp
		}
	}

	result := make([]types.Series, 0, len(byKey))
	for _, sr := range byKey {
		result = append(result, *sr)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key() < result[j].Key() })

	return result, nil
}

// scanBlocks reads the overlapping block files through DuckDB and folds
// matching rows into byKey. Time filtering happens in SQL; label matching
// happens here after the labels column is parsed back.
func (s *Service) scanBlocks(ctx context.Context, sel *Selector, blocks []block.Meta, startMs, endMs int64, byKey map[string]*types.Series) error {
	var sb strings.Builder
	sb.WriteString("SELECT metric, labels, timestamp_ms, value FROM read_parquet([")
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('\'')
		sb.WriteString(strings.ReplaceAll(b.Path, "'", "''"))
		sb.WriteByte('\'')
	}
	sb.WriteString("]) WHERE timestamp_ms >= ? AND timestamp_ms < ?")
	args := []interface{}{startMs, endMs}
	if sel.Metric != "" {
		sb.WriteString(" AND metric = ?")
		args = append(args, sel.Metric)
	}
	sb.WriteString(" ORDER BY metric, labels, timestamp_ms")

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return errors.Wrapf(errors.ErrStorageIO, "scan blocks: %v", err)
	}
	defer rows.Close()

	// Label parsing is the expensive part of a scan; rows arrive grouped
	// by series, so cache the parse for consecutive identical label sets.
	var (
		lastLabelsRaw string
		lastLabels    types.Labels
		lastMatched   bool
		lastMetric    string
	)

	for rows.Next() {
		var (
			metric    string
			labelsRaw string
			ts        int64
			value     float64
		)
		if err := rows.Scan(&metric, &labelsRaw, &ts, &value); err != nil {
			return errors.Wrapf(errors.ErrStorageIO, "scan row: %v", err)
		}

		if metric != lastMetric || labelsRaw != lastLabelsRaw {
			labels, err := types.ParseLabels(labelsRaw)
			if err != nil {
				log.Warn("unparseable labels in block row", "labels", labelsRaw, "error", err)
				lastMatched = false
			} else {
				lastLabels = labels
				lastMatched = sel.Match(metric, labels)
			}
			lastMetric = metric
			lastLabelsRaw = labelsRaw
		}
		if !lastMatched {
			continue
		}

		key := metric + lastLabelsRaw
		sr, ok := byKey[key]
		if !ok {
			sr = &types.Series{Metric: metric, Labels: lastLabels.Clone()}
			byKey[key] = sr
		}
		sr.Points = append(sr.Points, types.Point{TimestampMs: ts, Value: value})
	}

	return rows.Err()
}

func (s *Service) addError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}

// Stats returns cumulative query statistics.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
