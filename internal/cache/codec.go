package cache

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Codec converts cached values to and from their shared payload.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec encodes values as zstd-compressed JSON. The zero value is not
// usable; call NewJSONCodec.
type JSONCodec[T any] struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewJSONCodec returns a codec for T.
func NewJSONCodec[T any]() (*JSONCodec[T], error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &JSONCodec[T]{enc: enc, dec: dec}, nil
}

// Encode implements Codec.
func (c *JSONCodec[T]) Encode(v T) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal cache value: %w", err)
	}
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

// Decode implements Codec.
func (c *JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return v, fmt.Errorf("decompress cache value: %w", err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("unmarshal cache value: %w", err)
	}
	return v, nil
}
