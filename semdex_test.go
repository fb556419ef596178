package semdex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmart/semdex/blobstore"
	"github.com/gridmart/semdex/bootstrap"
	"github.com/gridmart/semdex/catalog"
	"github.com/gridmart/semdex/descriptor"
	"github.com/gridmart/semdex/embed"
)

const testDim = 8

type sliceSource struct {
	rows []catalog.Row
}

func (s *sliceSource) FetchAll(context.Context) ([]catalog.Row, error) {
	out := make([]catalog.Row, len(s.rows))
	copy(out, s.rows)
	return out, nil
}

func groceries() *sliceSource {
	return &sliceSource{rows: []catalog.Row{
		{ExternalID: "p0", Name: "arabica coffee beans", Category: "coffee", Price: 12.5},
		{ExternalID: "p1", Name: "green tea loose leaf", Category: "tea", Price: 4.2},
		{ExternalID: "p2", Name: "sparkling mineral water", Category: "drinks", Price: 1.1},
		{ExternalID: "p3", Name: "instant coffee jar", Category: "coffee", Price: 6.8},
	}}
}

func newEngine(t *testing.T, blobs blobstore.ContentStore, channel descriptor.Channel) *Engine {
	t.Helper()
	e, err := New(func(o *Options) {
		o.DataDir = t.TempDir()
		o.Dimension = testDim
		o.Backend = embed.NewFallbackBackend(testDim)
		o.Blobs = blobs
		o.Channel = channel
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngineBootstrapIdleWithoutData(t *testing.T) {
	e := newEngine(t, nil, nil)

	state, err := e.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bootstrap.StateIdle, state)
	assert.False(t, e.Ready())
}

func TestEngineBuildThenSearch(t *testing.T) {
	e := newEngine(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, e.Build(ctx, groceries()))
	require.True(t, e.Ready())
	require.Len(t, e.Rows(), 4)

	rows := e.Rows()
	got, err := e.Search(ctx, catalog.EmbeddingText(&rows[0]), 3)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "p0", got[0].Row.ExternalID)

	sugg, err := e.Autocomplete(ctx, "coffee", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, sugg)
}

func TestEnginePublishAndRemoteBootstrap(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	channel := descriptor.NewMemoryChannel()

	producer := newEngine(t, blobs, channel)
	require.NoError(t, producer.Build(ctx, groceries()))

	consumer := newEngine(t, blobs, channel)
	state, err := consumer.Bootstrap(ctx)
	require.NoError(t, err)
	require.Equal(t, bootstrap.StateLocalReady, state)
	assert.True(t, consumer.Ready())
	assert.Len(t, consumer.Rows(), 4)

	rows := consumer.Rows()
	got, err := consumer.Search(ctx, catalog.EmbeddingText(&rows[3]), 3)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "p3", got[0].Row.ExternalID)
}

func TestEngineSecondBootstrapUsesLocalCache(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	channel := descriptor.NewMemoryChannel()

	producer := newEngine(t, blobs, channel)
	require.NoError(t, producer.Build(ctx, groceries()))

	state, err := producer.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, bootstrap.StateLocalReady, state)
}
