package embed

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmart/semdex/catalog"
)

type countingBackend struct {
	mu      sync.Mutex
	dim     int
	calls   int
	batches [][]string
	fail    bool
}

func (b *countingBackend) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.batches = append(b.batches, texts)
	if b.fail {
		return nil, errors.New("upstream down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = FallbackVector(t, b.dim)
	}
	return out, nil
}

func (b *countingBackend) Dimension() int { return b.dim }

func TestFallbackVectorDeterministic(t *testing.T) {
	a := FallbackVector("wireless mouse", 384)
	b := FallbackVector("wireless mouse", 384)
	c := FallbackVector("wired mouse", 384)

	require.Len(t, a, 384)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	for _, v := range a {
		assert.LessOrEqual(t, math.Abs(float64(v)), 0.1)
	}
}

func TestEmbedQueryNormalizedAndCached(t *testing.T) {
	backend := &countingBackend{dim: 16}
	codec := NewCodec(func(o *CodecOptions) { o.Backend = backend })
	defer codec.Dispose()

	vec, err := codec.EmbedQuery(context.Background(), "organic honey", PriorityInteractive)
	require.NoError(t, err)
	require.Len(t, vec, 16)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	again, err := codec.EmbedQuery(context.Background(), "organic honey", PriorityInteractive)
	require.NoError(t, err)
	assert.Equal(t, vec, again)
	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, 1, codec.CacheLen())
}

func TestEmbedQueryCacheEviction(t *testing.T) {
	backend := &countingBackend{dim: 8}
	codec := NewCodec(func(o *CodecOptions) {
		o.Backend = backend
		o.CacheCapacity = 10
	})
	defer codec.Dispose()

	for i := 0; i < 12; i++ {
		_, err := codec.EmbedQuery(context.Background(), fmt.Sprintf("query %d", i), PriorityBackground)
		require.NoError(t, err)
	}
	assert.Less(t, codec.CacheLen(), 12)
}

func TestEmbedTextsBatching(t *testing.T) {
	backend := &countingBackend{dim: 8}
	codec := NewCodec(func(o *CodecOptions) { o.Backend = backend })
	defer codec.Dispose()

	texts := make([]string, 70)
	for i := range texts {
		texts[i] = fmt.Sprintf("product %d", i)
	}

	vecs, err := codec.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 70)
	assert.Equal(t, 3, backend.calls)

	for i, v := range vecs {
		require.Len(t, v, 8, "vector %d", i)
	}

	// Alignment: each output must match its own text.
	want := FallbackVector("product 42", 8)
	var norm float32
	for _, x := range want {
		norm += x * x
	}
	inv := 1 / float32(math.Sqrt(float64(norm)))
	for i := range want {
		want[i] *= inv
	}
	assert.InDeltaSlice(t, want, vecs[42], 1e-6)
}

func TestEmbedTextsDegradesToFallback(t *testing.T) {
	backend := &countingBackend{dim: 8, fail: true}
	codec := NewCodec(func(o *CodecOptions) { o.Backend = backend })
	defer codec.Dispose()

	vecs, err := codec.EmbedTexts(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		require.Len(t, v, 8)
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, norm, 1e-5)
	}
}

func TestEmbedRowsAttachesVectors(t *testing.T) {
	backend := &countingBackend{dim: 8}
	codec := NewCodec(func(o *CodecOptions) { o.Backend = backend })
	defer codec.Dispose()

	rows := []catalog.Row{
		{Name: "espresso beans", Category: "coffee"},
		{Name: "green tea", Category: "tea"},
	}
	require.NoError(t, codec.EmbedRows(context.Background(), rows))
	for i := range rows {
		assert.Len(t, rows[i].Vector, 8)
	}
	assert.NotEqual(t, rows[0].Vector, rows[1].Vector)
}

func TestWorkerPriorityOrdering(t *testing.T) {
	h := &requestHeap{}
	now := time.Now()
	push := func(id string, prio int, at time.Time) {
		*h = append(*h, &workerRequest{id: id, priority: prio, enqueued: at})
	}
	push("old-low", PriorityBackground, now)
	push("new-high", PriorityInteractive, now.Add(time.Second))
	push("old-high", PriorityInteractive, now)

	heap.Init(h)

	assert.Equal(t, "old-high", heap.Pop(h).(*workerRequest).id)
	assert.Equal(t, "new-high", heap.Pop(h).(*workerRequest).id)
	assert.Equal(t, "old-low", heap.Pop(h).(*workerRequest).id)
}

func TestWorkerDispose(t *testing.T) {
	backend := &countingBackend{dim: 8}
	w := NewWorker(backend, nil)
	w.Dispose()

	_, err := w.Embed(context.Background(), "after close", PriorityInteractive)
	assert.ErrorIs(t, err, ErrTerminated)

	// Second Dispose is a no-op.
	w.Dispose()
}

func TestWorkerEmbedContextCancel(t *testing.T) {
	backend := &countingBackend{dim: 8}
	w := NewWorker(backend, nil)
	defer w.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Embed(ctx, "cancelled", PriorityInteractive)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
