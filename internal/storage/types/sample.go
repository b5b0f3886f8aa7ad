// Package types defines the data units flowing through the storage engine.
package types

import "time"

// Sample represents a single measurement produced by a scrape.
// Immutable once written.
type Sample struct {
	// Identity
	Metric string // Metric name (e.g. "up", "latency_ms")
	Labels Labels // Label set; together with Metric it identifies the series

	// Timestamp
	TimestampMs int64 // Unix timestamp in milliseconds (scrape start time)

	// Value
	Value float64
}

// TimestampTime returns the timestamp as a time.Time.
func (s *Sample) TimestampTime() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// SeriesKey returns the canonical series identity: metric name plus the
// canonical label rendering. Samples with equal SeriesKey belong to the
// same stream and must carry strictly increasing timestamps.
func (s *Sample) SeriesKey() string {
	return s.Metric + s.Labels.String()
}

// Point is one (timestamp, value) pair inside a series.
type Point struct {
	TimestampMs int64   `json:"t"`
	Value       float64 `json:"v"`
}

// Series is a uniquely labeled stream of points ordered by timestamp.
// Returned by queries.
type Series struct {
	Metric string  `json:"metric"`
	Labels Labels  `json:"labels"`
	Points []Point `json:"points"`
}

// Key returns the canonical series identity for a Series.
func (s *Series) Key() string {
	return s.Metric + s.Labels.String()
}
