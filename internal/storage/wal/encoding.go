package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vigil-sh/vigil/internal/storage/types"
)

// Sample encoding format (binary, little-endian):
//   - Metric length (2 bytes) + Metric string
//   - Label count (2 bytes), then per label:
//     key length (2 bytes) + key, value length (2 bytes) + value
//   - TimestampMs (8 bytes)
//   - Value (8 bytes, float64 bits)

// encodeSamples encodes a slice of samples into a binary record payload.
func encodeSamples(samples []types.Sample) ([]byte, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	// ~64 bytes per sample average
	buf := make([]byte, 0, len(samples)*64)

	// Sample count
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(samples)))

	for _, s := range samples {
		if len(s.Labels) > math.MaxUint16 {
			return nil, fmt.Errorf("too many labels: %d", len(s.Labels))
		}
		// Every string carries a 2-byte length prefix; anything longer
		// would silently wrap and corrupt the record framing.
		if len(s.Metric) > math.MaxUint16 {
			return nil, fmt.Errorf("metric name too long: %d bytes", len(s.Metric))
		}

		buf = appendString(buf, s.Metric)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s.Labels)))
		for k, v := range s.Labels {
			if len(k) > math.MaxUint16 || len(v) > math.MaxUint16 {
				return nil, fmt.Errorf("label too long: key %d bytes, value %d bytes", len(k), len(v))
			}
			buf = appendString(buf, k)
			buf = appendString(buf, v)
		}
		buf = binary.LittleEndian.AppendUint64(buf, uint64(s.TimestampMs))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(s.Value))
	}

	return buf, nil
}

// decodeSamples decodes a record payload into samples.
func decodeSamples(data []byte) ([]types.Sample, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for sample count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}

	samples := make([]types.Sample, count)
	offset := 4

	for i := 0; i < count; i++ {
		var s types.Sample
		var err error

		s.Metric, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("sample %d metric: %w", i, err)
		}

		if offset+2 > len(data) {
			return nil, fmt.Errorf("sample %d: data too short for label count", i)
		}
		labelCount := int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2

		if labelCount > 0 {
			s.Labels = make(types.Labels, labelCount)
			for j := 0; j < labelCount; j++ {
				var k, v string
				k, offset, err = readString(data, offset)
				if err != nil {
					return nil, fmt.Errorf("sample %d label key: %w", i, err)
				}
				v, offset, err = readString(data, offset)
				if err != nil {
					return nil, fmt.Errorf("sample %d label value: %w", i, err)
				}
				s.Labels[k] = v
			}
		}

		if offset+16 > len(data) {
			return nil, fmt.Errorf("sample %d: data too short for timestamp+value", i)
		}
		s.TimestampMs = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		s.Value = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8

		samples[i] = s
	}

	return samples, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}
