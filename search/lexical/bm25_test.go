package lexical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchRanksByRelevance(t *testing.T) {
	idx := New()
	idx.Add(0, "whole bean arabica coffee dark roast")
	idx.Add(1, "green tea loose leaf")
	idx.Add(2, "coffee filter papers")
	idx.Add(3, "decaf coffee instant coffee blend")

	got := idx.Search("coffee", 10)
	require.NotEmpty(t, got)

	labels := make([]uint32, len(got))
	for i, c := range got {
		labels[i] = c.Label
	}
	assert.NotContains(t, labels, uint32(1))

	// Double term frequency in a short doc wins.
	assert.Equal(t, uint32(3), got[0].Label)

	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i].Score, got[i-1].Score)
	}
}

func TestSearchTopK(t *testing.T) {
	idx := New()
	for i := uint32(0); i < 20; i++ {
		idx.Add(i, "sparkling water")
	}
	got := idx.Search("sparkling", 5)
	assert.Len(t, got, 5)
}

func TestSearchUnknownTerm(t *testing.T) {
	idx := New()
	idx.Add(0, "olive oil")
	assert.Empty(t, idx.Search("vinegar", 10))
	assert.Empty(t, New().Search("anything", 10))
}

func TestAddReplacesAndDelete(t *testing.T) {
	idx := New()
	idx.Add(7, "chocolate bar")
	idx.Add(7, "protein bar")
	assert.Equal(t, 1, idx.Len())

	assert.Empty(t, idx.Search("chocolate", 10))
	require.NotEmpty(t, idx.Search("protein", 10))

	idx.Delete(7)
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.Search("protein", 10))
}

func TestCaseInsensitive(t *testing.T) {
	idx := New()
	idx.Add(0, "Sourdough Bread")
	got := idx.Search("SOURDOUGH", 5)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(0), got[0].Label)
}

func TestReset(t *testing.T) {
	idx := New()
	idx.Add(0, "almond butter")
	idx.Reset()
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.Search("almond", 5))
}
