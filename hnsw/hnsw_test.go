package hnsw

import (
	"math/rand"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmart/semdex/distance"
)

func randomUnitVectors(t *testing.T, n, dim int, seed int64) [][]float32 {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		require.True(t, distance.NormalizeL2InPlace(v))
		out[i] = v
	}
	return out
}

func TestStateTransitions(t *testing.T) {
	idx := New(4)
	assert.Equal(t, StateEmpty, idx.State())

	_, err := idx.Add([]float32{1, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, StateReady, idx.State())
}

func TestAddAssignsDenseIDs(t *testing.T) {
	idx := New(4)
	for i := 0; i < 10; i++ {
		id, err := idx.Add([]float32{1, 0, 0, 0})
		require.NoError(t, err)
		assert.Equal(t, uint32(i), id)
	}
	assert.Equal(t, 10, idx.Len())
}

func TestAddDimensionMismatch(t *testing.T) {
	idx := New(4)
	_, err := idx.Add([]float32{1, 0})

	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	err = idx.AddBatch([][]float32{{1, 0, 0, 0}, {1, 0}})
	assert.ErrorAs(t, err, &dm)
}

func TestSearchExactNeighbour(t *testing.T) {
	const dim = 16
	vectors := randomUnitVectors(t, 500, dim, 1)

	idx := New(dim)
	require.NoError(t, idx.AddBatch(vectors))

	// Searching with an indexed vector must return it first with
	// distance ~0.
	for _, probe := range []int{0, 42, 499} {
		hits, err := idx.Search(vectors[probe], 5)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, uint32(probe), hits[0].ID)
		assert.InDelta(t, 0.0, hits[0].Distance, 1e-5)
	}
}

func TestSearchOrdering(t *testing.T) {
	const dim = 8
	vectors := randomUnitVectors(t, 200, dim, 2)

	idx := New(dim)
	require.NoError(t, idx.AddBatch(vectors))

	q := randomUnitVectors(t, 1, dim, 3)[0]
	hits, err := idx.Search(q, 20)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i-1].Distance, hits[i].Distance)
	}
}

func TestSearchKLargerThanSize(t *testing.T) {
	const dim = 4
	vectors := randomUnitVectors(t, 3, dim, 4)

	idx := New(dim)
	require.NoError(t, idx.AddBatch(vectors))

	hits, err := idx.Search(vectors[0], 50)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestSearchInvalidArguments(t *testing.T) {
	idx := New(4)
	_, err := idx.Search([]float32{1, 0, 0, 0}, 0)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = idx.Search([]float32{1, 0}, 5)
	var dm *ErrDimensionMismatch
	assert.ErrorAs(t, err, &dm)
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := New(4)
	hits, err := idx.Search([]float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchFiltered(t *testing.T) {
	const dim = 8
	vectors := randomUnitVectors(t, 100, dim, 5)

	idx := New(dim)
	require.NoError(t, idx.AddBatch(vectors))

	allow := roaring.New()
	allow.AddMany([]uint32{3, 7, 11})

	hits, err := idx.SearchFiltered(vectors[7], 10, allow)
	require.NoError(t, err)
	for _, hit := range hits {
		assert.True(t, allow.Contains(hit.ID), "id %d not in allow list", hit.ID)
	}
}

func TestDeleteTombstones(t *testing.T) {
	const dim = 8
	vectors := randomUnitVectors(t, 50, dim, 6)

	idx := New(dim)
	require.NoError(t, idx.AddBatch(vectors))

	require.True(t, idx.Delete(10))
	assert.False(t, idx.Delete(10), "double delete")
	assert.False(t, idx.Delete(9999), "out of range")
	assert.Equal(t, 49, idx.Len())

	hits, err := idx.Search(vectors[10], 50)
	require.NoError(t, err)
	for _, hit := range hits {
		assert.NotEqual(t, uint32(10), hit.ID)
	}
}

func TestVector(t *testing.T) {
	idx := New(4)
	id, err := idx.Add([]float32{0, 1, 0, 0})
	require.NoError(t, err)

	vec, ok := idx.Vector(id)
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1, 0, 0}, vec)

	_, ok = idx.Vector(99)
	assert.False(t, ok)
}

func TestRecallAgainstBruteForce(t *testing.T) {
	const (
		dim = 16
		n   = 1000
		k   = 10
	)
	vectors := randomUnitVectors(t, n, dim, 7)

	idx := New(dim, func(o *Options) {
		o.EFSearch = 128
	})
	require.NoError(t, idx.AddBatch(vectors))

	queries := randomUnitVectors(t, 20, dim, 8)

	var found, total int
	for _, q := range queries {
		exact := bruteForce(q, vectors, k)
		hits, err := idx.Search(q, k)
		require.NoError(t, err)

		got := make(map[uint32]bool, len(hits))
		for _, hit := range hits {
			got[hit.ID] = true
		}
		for _, id := range exact {
			total++
			if got[id] {
				found++
			}
		}
	}

	recall := float64(found) / float64(total)
	assert.Greater(t, recall, 0.85, "recall %.3f too low", recall)
}

func bruteForce(q []float32, vectors [][]float32, k int) []uint32 {
	type pair struct {
		id   uint32
		dist float32
	}
	pairs := make([]pair, len(vectors))
	for i, v := range vectors {
		pairs[i] = pair{id: uint32(i), dist: distance.Cosine(q, v)}
	}
	for i := 0; i < k && i < len(pairs); i++ {
		best := i
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].dist < pairs[best].dist {
				best = j
			}
		}
		pairs[i], pairs[best] = pairs[best], pairs[i]
	}
	out := make([]uint32, 0, k)
	for i := 0; i < k && i < len(pairs); i++ {
		out = append(out, pairs[i].id)
	}
	return out
}

func TestSearchRejectedDuringBuild(t *testing.T) {
	h := New(4)
	h.mu.Lock()
	h.building = true
	h.mu.Unlock()

	_, err := h.Search([]float32{1, 0, 0, 0}, 3)
	assert.ErrorIs(t, err, ErrBuilding)
}
