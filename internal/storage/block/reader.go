package block

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/vigil-sh/vigil/internal/storage/types"
)

// Reader reads samples from a sealed block file.
type Reader struct {
	file   *os.File
	reader *parquet.GenericReader[SampleRow]
	path   string
}

// NewReader opens a block file for reading.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open block: %w", err)
	}

	reader := parquet.NewGenericReader[SampleRow](f)

	return &Reader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n samples from the block.
func (r *Reader) Read(n int) ([]types.Sample, error) {
	rows := make([]SampleRow, n)
	count, err := r.reader.Read(rows)
	if count == 0 && err != nil {
		return nil, err
	}

	samples := make([]types.Sample, 0, count)
	for i := 0; i < count; i++ {
		s, convErr := RowToSample(&rows[i])
		if convErr != nil {
			return nil, fmt.Errorf("row %d: %w", i, convErr)
		}
		samples = append(samples, s)
	}
	return samples, err
}

// ReadAll reads every sample in the block.
func (r *Reader) ReadAll() ([]types.Sample, error) {
	numRows := int(r.reader.NumRows())
	if numRows == 0 {
		return nil, nil
	}

	rows := make([]SampleRow, numRows)
	n, err := r.reader.Read(rows)
	if n == 0 && err != nil {
		return nil, err
	}

	samples := make([]types.Sample, 0, n)
	for i := 0; i < n; i++ {
		s, convErr := RowToSample(&rows[i])
		if convErr != nil {
			return nil, fmt.Errorf("row %d: %w", i, convErr)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// NumRows returns the total number of rows in the block.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the block file path.
func (r *Reader) Path() string {
	return r.path
}

// ReadFile reads all samples from one block file.
func ReadFile(path string) ([]types.Sample, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}
