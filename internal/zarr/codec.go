package zarr

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// codec encodes chunk payloads. The zstd encoder and decoder are safe for
// concurrent EncodeAll/DecodeAll calls.
type codec struct {
	level int
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func newCodec(level int) (*codec, error) {
	if level <= 0 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &codec{level: level, enc: enc, dec: dec}, nil
}

func (c *codec) meta() *compressor {
	return &compressor{ID: "zstd", Level: c.level}
}

func (c *codec) encode(dtype string, data []float64) ([]byte, error) {
	raw, err := toBytes(dtype, data)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (c *codec) decode(m arrayMeta, payload []byte) ([]float64, error) {
	raw := payload
	if m.Compressor != nil {
		if m.Compressor.ID != "zstd" {
			return nil, fmt.Errorf("unsupported compressor %q", m.Compressor.ID)
		}
		var err error
		raw, err = c.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
	}
	return fromBytes(m.DType, raw, m.chunkSize())
}

func toBytes(dtype string, data []float64) ([]byte, error) {
	size, err := itemSize(dtype)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(data)*size)
	for i, x := range data {
		switch dtype {
		case Float32:
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(x)))
		case Float64:
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(x))
		case Int64:
			binary.LittleEndian.PutUint64(buf[i*8:], uint64(int64(x)))
		}
	}
	return buf, nil
}

func fromBytes(dtype string, raw []byte, n int) ([]float64, error) {
	size, err := itemSize(dtype)
	if err != nil {
		return nil, err
	}
	if len(raw) != n*size {
		return nil, fmt.Errorf("chunk has %d bytes, want %d", len(raw), n*size)
	}
	out := make([]float64, n)
	for i := range out {
		switch dtype {
		case Float32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		case Float64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		case Int64:
			out[i] = float64(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	}
	return out, nil
}
