package block

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/vigil-sh/vigil/internal/storage/types"
)

// Options configures block file writing.
type Options struct {
	// Compression algorithm for the parquet columns.
	Compression CompressionType

	// RowGroupSize is the target number of rows per row group.
	RowGroupSize int
}

// CompressionType represents a parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default block writer options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// SampleRow is the parquet row layout of a sample. Labels are stored in
// their canonical string rendering so a row maps back to exactly one
// series.
type SampleRow struct {
	Metric      string  `parquet:"metric,zstd"`
	Labels      string  `parquet:"labels,zstd"`
	TimestampMs int64   `parquet:"timestamp_ms"`
	Value       float64 `parquet:"value"`
}

// SampleToRow converts a Sample to its parquet row.
func SampleToRow(s *types.Sample) SampleRow {
	return SampleRow{
		Metric:      s.Metric,
		Labels:      s.Labels.String(),
		TimestampMs: s.TimestampMs,
		Value:       s.Value,
	}
}

// RowToSample converts a parquet row back to a Sample.
func RowToSample(r *SampleRow) (types.Sample, error) {
	labels, err := types.ParseLabels(r.Labels)
	if err != nil {
		return types.Sample{}, err
	}
	return types.Sample{
		Metric:      r.Metric,
		Labels:      labels,
		TimestampMs: r.TimestampMs,
		Value:       r.Value,
	}, nil
}

// Write seals samples into an immutable block covering [minMs, maxMs).
// Rows are sorted by series then timestamp, written to a temporary file,
// synced, and renamed into place, so a crash leaves either no block or a
// complete one.
func Write(dir string, minMs, maxMs int64, samples []types.Sample, opts Options) (Meta, error) {
	if maxMs <= minMs {
		return Meta{}, fmt.Errorf("inverted block window [%d, %d)", minMs, maxMs)
	}

	rows := make([]SampleRow, len(samples))
	for i := range samples {
		rows[i] = SampleToRow(&samples[i])
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Metric != rows[j].Metric {
			return rows[i].Metric < rows[j].Metric
		}
		if rows[i].Labels != rows[j].Labels {
			return rows[i].Labels < rows[j].Labels
		}
		return rows[i].TimestampMs < rows[j].TimestampMs
	})

	finalPath := filepath.Join(dir, Filename(minMs, maxMs))
	tmpPath := finalPath + tmpExt

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Meta{}, fmt.Errorf("create block file: %w", err)
	}

	writer := parquet.NewGenericWriter[SampleRow](f,
		parquet.Compression(getCompression(opts.Compression)),
		parquet.MaxRowsPerRowGroup(int64(opts.RowGroupSize)),
	)

	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return Meta{}, fmt.Errorf("write rows: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("close writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("sync block file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("close block file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("publish block: %w", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return Meta{}, fmt.Errorf("stat block: %w", err)
	}

	return Meta{
		Path:  finalPath,
		MinMs: minMs,
		MaxMs: maxMs,
		Size:  info.Size(),
	}, nil
}
