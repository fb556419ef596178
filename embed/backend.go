// Package embed turns catalog text into embedding vectors. A Backend
// produces raw vectors; the Codec adds lazy initialization, query
// caching, batching and a deterministic degraded mode on backend
// failure. The asynchronous Worker serializes query traffic through a
// priority queue.
package embed

import (
	"context"
	"errors"
	"math"
)

// DefaultDimension is the embedding dimensionality used when none is
// configured.
const DefaultDimension = 384

// ErrTerminated is returned for requests still pending when the worker
// is disposed.
var ErrTerminated = errors.New("embedding worker terminated")

// Backend produces embedding vectors for batches of texts.
type Backend interface {
	// EmbedBatch returns one vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimensionality this backend emits.
	Dimension() int
}

// FallbackBackend produces deterministic pseudo-embeddings from a text
// hash. It has no semantic power but keeps the pipeline flowing when
// the real backend is down, and gives tests a fully deterministic
// backend.
type FallbackBackend struct {
	dim int
}

// NewFallbackBackend creates a fallback backend. A dim of 0 selects
// DefaultDimension.
func NewFallbackBackend(dim int) *FallbackBackend {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &FallbackBackend{dim: dim}
}

// Dimension returns the configured dimensionality.
func (f *FallbackBackend) Dimension() int {
	return f.dim
}

// EmbedBatch never fails.
func (f *FallbackBackend) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = FallbackVector(text, f.dim)
	}
	return out, nil
}

// FallbackVector derives a deterministic vector from text. The hash is
// a 32-bit rolling hash (h = h*31 + c with wrap-around) and each
// component is a small sine of the hash shifted by its index, so equal
// texts always produce equal vectors.
func FallbackVector(text string, dim int) []float32 {
	var h int32
	for _, c := range text {
		h = (h << 5) - h + int32(c)
	}

	v := make([]float32, dim)
	for i := range v {
		x := float64(h+int32(i)) / float64(0xffffffff)
		v[i] = float32(math.Sin(x*2*math.Pi) * 0.1)
	}
	return v
}
