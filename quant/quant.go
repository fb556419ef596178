// Package quant provides symmetric 8-bit scalar quantization for
// embedding vectors. It compresses float32 components (4 bytes/dim)
// to int8 (1 byte/dim) for 4x memory savings in the local cache.
package quant

import (
	"encoding/binary"
	"errors"
	"math"
)

// DefaultScale maps the unit interval onto the full int8 range.
const DefaultScale float32 = 127

// ErrInvalidScale is returned when a codec is constructed with a
// non-positive scale.
var ErrInvalidScale = errors.New("quantization scale must be positive")

// Codec quantizes float32 vectors to int8 with a fixed symmetric scale.
// Components are expected to lie roughly in [-1, 1]; values outside
// that range are clamped.
type Codec struct {
	scale float32
}

// New creates a codec with the given scale. A zero scale selects
// DefaultScale.
func New(scale float32) (*Codec, error) {
	if scale == 0 {
		scale = DefaultScale
	}
	if scale < 0 {
		return nil, ErrInvalidScale
	}
	return &Codec{scale: scale}, nil
}

// Scale returns the configured scale factor.
func (c *Codec) Scale() float32 {
	return c.scale
}

// Quantize maps each component to round(v*scale), clamped to
// [-127, 127].
func (c *Codec) Quantize(v []float32) []int8 {
	q := make([]int8, len(v))
	for i, val := range v {
		scaled := float64(val) * float64(c.scale)
		r := math.Round(scaled)
		if r > 127 {
			r = 127
		} else if r < -127 {
			r = -127
		}
		q[i] = int8(r)
	}
	return q
}

// Dequantize reconstructs an approximate float32 vector. The per
// component error is bounded by 1/(2*scale) for in-range inputs.
func (c *Codec) Dequantize(q []int8) []float32 {
	v := make([]float32, len(q))
	for i, val := range q {
		v[i] = float32(val) / c.scale
	}
	return v
}

// Bytes reinterprets a quantized vector as raw bytes for storage.
func Bytes(q []int8) []byte {
	b := make([]byte, len(q))
	for i, val := range q {
		b[i] = byte(val)
	}
	return b
}

// FromBytes reinterprets stored bytes as a quantized vector.
func FromBytes(b []byte) []int8 {
	q := make([]int8, len(b))
	for i, val := range b {
		q[i] = int8(val)
	}
	return q
}

// BytesPerDimension returns 1 (int8 storage).
func (c *Codec) BytesPerDimension() int {
	return 1
}

// MarshalBinary implements encoding.BinaryMarshaler.
// Format (little-endian): [scale:float32]
func (c *Codec) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(c.scale))
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (c *Codec) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return errors.New("invalid quantization codec binary length")
	}
	scale := math.Float32frombits(binary.LittleEndian.Uint32(data))
	if scale <= 0 {
		return ErrInvalidScale
	}
	c.scale = scale
	return nil
}
