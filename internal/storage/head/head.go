// Package head implements the open write window of the storage engine:
// an in-memory buffer holding the samples of the current block window.
// Appends enforce strictly increasing timestamps per series; anything at
// or before a series' last written timestamp, or before the window start
// (already covered by sealed blocks), is rejected as out of order.
//
// The head is the only mutable shared structure in the engine. It is
// guarded by a single mutex; the seal-and-flush transition swaps in a
// fresh head so appends block only for the instant of the swap.
package head

import (
	"sort"
	"sync"

	"github.com/vigil-sh/vigil/internal/errors"
	"github.com/vigil-sh/vigil/internal/storage/types"
)

// Head buffers the samples of the currently open block window [MinMs, MaxMs).
type Head struct {
	mu sync.RWMutex

	minMs int64
	maxMs int64

	series     map[string]*memSeries
	numSamples int
}

type memSeries struct {
	metric string
	labels types.Labels
	lastMs int64
	points []types.Point
}

// New creates an empty head for the window [minMs, maxMs).
func New(minMs, maxMs int64) *Head {
	return &Head{
		minMs:  minMs,
		maxMs:  maxMs,
		series: make(map[string]*memSeries),
	}
}

// Window returns the head's window bounds.
func (h *Head) Window() (minMs, maxMs int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.minMs, h.maxMs
}

// Contains reports whether ts falls inside the open window.
func (h *Head) Contains(ts int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return ts >= h.minMs && ts < h.maxMs
}

// Append adds a sample to the head. The caller guarantees the timestamp is
// below the window end (sealing happens first otherwise). Samples before
// the window start or not after the series' last timestamp return
// ErrOutOfOrder.
func (h *Head) Append(s types.Sample) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.TimestampMs < h.minMs {
		return errors.Wrapf(errors.ErrOutOfOrder,
			"sample at %d precedes open window start %d", s.TimestampMs, h.minMs)
	}

	key := s.SeriesKey()
	ms, ok := h.series[key]
	if !ok {
		ms = &memSeries{
			metric: s.Metric,
			labels: s.Labels.Clone(),
			lastMs: -1,
		}
		h.series[key] = ms
	}

	if s.TimestampMs <= ms.lastMs {
		return errors.Wrapf(errors.ErrOutOfOrder,
			"series %s: sample at %d not after last %d", key, s.TimestampMs, ms.lastMs)
	}

	ms.points = append(ms.points, types.Point{TimestampMs: s.TimestampMs, Value: s.Value})
	ms.lastMs = s.TimestampMs
	h.numSamples++
	return nil
}

// NumSamples returns the number of buffered samples.
func (h *Head) NumSamples() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.numSamples
}

// NumSeries returns the number of distinct series in the head.
func (h *Head) NumSeries() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.series)
}

// Snapshot returns every buffered sample. Used when sealing the window
// into a block.
func (h *Head) Snapshot() []types.Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]types.Sample, 0, h.numSamples)
	for _, ms := range h.series {
		for _, p := range ms.points {
			out = append(out, types.Sample{
				Metric:      ms.metric,
				Labels:      ms.labels,
				TimestampMs: p.TimestampMs,
				Value:       p.Value,
			})
		}
	}
	return out
}

// Select returns the head's series matching the given predicate,
// restricted to points within [startMs, endMs). Points within a series
// are in timestamp order by construction.
func (h *Head) Select(match func(metric string, labels types.Labels) bool, startMs, endMs int64) []types.Series {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []types.Series
	for _, ms := range h.series {
		if !match(ms.metric, ms.labels) {
			continue
		}

		var points []types.Point
		for _, p := range ms.points {
			if p.TimestampMs >= startMs && p.TimestampMs < endMs {
				points = append(points, p)
			}
		}
		if len(points) == 0 {
			continue
		}

		out = append(out, types.Series{
			Metric: ms.metric,
			Labels: ms.labels.Clone(),
			Points: points,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
