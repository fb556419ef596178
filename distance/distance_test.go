package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	assert.InDelta(t, 32.0, Dot([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-6)
	assert.InDelta(t, 0.0, Dot([]float32{1, 0}, []float32{0, 1}), 1e-6)
}

func TestSquaredL2(t *testing.T) {
	assert.InDelta(t, 0.0, SquaredL2([]float32{1, 2}, []float32{1, 2}), 1e-6)
	assert.InDelta(t, 8.0, SquaredL2([]float32{0, 0}, []float32{2, 2}), 1e-6)
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}

	assert.InDelta(t, 0.0, Cosine(a, a), 1e-6)
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)
	assert.InDelta(t, 2.0, Cosine(a, []float32{-1, 0, 0}), 1e-6)
}

func TestNormalizeL2InPlace(t *testing.T) {
	v := []float32{3, 4}
	ok := NormalizeL2InPlace(v)
	require.True(t, ok)

	norm := math.Sqrt(float64(Dot(v, v)))
	assert.InDelta(t, 1.0, norm, 1e-6)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
}

func TestNormalizeL2InPlaceZeroNorm(t *testing.T) {
	assert.False(t, NormalizeL2InPlace([]float32{0, 0, 0}))
	assert.False(t, NormalizeL2InPlace(nil))
}

func TestNormalizeL2Copy(t *testing.T) {
	src := []float32{3, 4}
	dst, ok := NormalizeL2Copy(src)
	require.True(t, ok)

	// Source untouched.
	assert.Equal(t, []float32{3, 4}, src)
	assert.InDelta(t, 1.0, Dot(dst, dst), 1e-6)
}

func TestProvider(t *testing.T) {
	for _, m := range []Metric{MetricCosine, MetricL2, MetricDot} {
		fn, err := Provider(m)
		require.NoError(t, err, m.String())
		require.NotNil(t, fn)
	}

	_, err := Provider(Metric(99))
	assert.Error(t, err)
}
