package storage

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

const seriesEncoding = "zstd+f64le"

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	decoder, _ = zstd.NewReader(nil)
)

// EncodeSeries packs values as little-endian float64 and compresses them.
func EncodeSeries(values []float64) ([]byte, error) {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
	}
	return encoder.EncodeAll(raw, nil), nil
}

// DecodeSeries reverses EncodeSeries.
func DecodeSeries(blob []byte) ([]float64, error) {
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress series: %w", err)
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("corrupt series: %d bytes", len(raw))
	}
	values := make([]float64, len(raw)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return values, nil
}
