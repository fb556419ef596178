package embed

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gridmart/semdex/catalog"
	"github.com/gridmart/semdex/distance"
)

const (
	batchSize       = 32
	maxBatchWorkers = 4
	queryCacheCap   = 1000
)

// CodecOptions configures a Codec.
type CodecOptions struct {
	// Backend produces embeddings. Defaults to the deterministic
	// fallback backend.
	Backend Backend

	// Logger receives warnings about degraded batches. Defaults to a
	// no-op logger.
	Logger *slog.Logger

	// CacheCapacity bounds the query vector cache.
	CacheCapacity int
}

type cachedVector struct {
	vec   []float32
	added time.Time
}

// Codec turns catalog text into L2-normalized embedding vectors. Query
// embeddings go through a prioritized worker and a bounded cache; bulk
// row embeddings run in batches with fallback degradation per batch.
type Codec struct {
	opts    CodecOptions
	backend Backend

	initGroup singleflight.Group
	worker    *Worker

	mu    sync.Mutex
	cache map[string]cachedVector
}

// NewCodec creates a codec.
func NewCodec(optFns ...func(o *CodecOptions)) *Codec {
	opts := CodecOptions{
		Logger:        slog.New(slog.DiscardHandler),
		CacheCapacity: queryCacheCap,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Backend == nil {
		opts.Backend = NewFallbackBackend(DefaultDimension)
	}
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = queryCacheCap
	}
	return &Codec{
		opts:    opts,
		backend: opts.Backend,
		cache:   make(map[string]cachedVector),
	}
}

// Dimension returns the backend vector dimension.
func (c *Codec) Dimension() int {
	return c.backend.Dimension()
}

// ensureWorker lazily starts the query worker. Concurrent first calls
// share one initialization.
func (c *Codec) ensureWorker() *Worker {
	c.initGroup.Do("worker", func() (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.worker == nil {
			c.worker = NewWorker(c.backend, c.opts.Logger)
		}
		return nil, nil
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.worker
}

// EmbedQuery embeds a single query string, serving repeats from the
// cache. The result is L2-normalized.
func (c *Codec) EmbedQuery(ctx context.Context, text string, priority int) ([]float32, error) {
	c.mu.Lock()
	if hit, ok := c.cache[text]; ok {
		vec := hit.vec
		c.mu.Unlock()
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}
	c.mu.Unlock()

	vec, err := c.ensureWorker().Embed(ctx, text, priority)
	if err != nil {
		return nil, err
	}
	distance.NormalizeL2InPlace(vec)

	c.mu.Lock()
	c.evictLocked()
	stored := make([]float32, len(vec))
	copy(stored, vec)
	c.cache[text] = cachedVector{vec: stored, added: time.Now()}
	c.mu.Unlock()

	return vec, nil
}

// evictLocked drops the oldest fifth of cache entries once the cache
// is full. Caller holds c.mu.
func (c *Codec) evictLocked() {
	if len(c.cache) < c.opts.CacheCapacity {
		return
	}
	type entry struct {
		key   string
		added time.Time
	}
	entries := make([]entry, 0, len(c.cache))
	for k, v := range c.cache {
		entries = append(entries, entry{key: k, added: v.added})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].added.Before(entries[j].added)
	})
	drop := len(entries) / 5
	if drop < 1 {
		drop = 1
	}
	for _, e := range entries[:drop] {
		delete(c.cache, e.key)
	}
}

// EmbedTexts embeds texts in batches. A batch whose backend call fails
// degrades to deterministic fallback vectors instead of failing the
// whole run. Results are L2-normalized and positionally aligned with
// the input.
func (c *Codec) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	dim := c.backend.Dimension()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchWorkers)

	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			batch := texts[start:end]
			vecs, err := c.backend.EmbedBatch(gctx, batch)
			if err != nil || len(vecs) != len(batch) {
				c.opts.Logger.Warn("embedding batch degraded to fallback",
					"offset", start, "size", len(batch), "error", err)
				vecs = make([][]float32, len(batch))
				for i, t := range batch {
					vecs[i] = FallbackVector(t, dim)
				}
			}
			for i, v := range vecs {
				distance.NormalizeL2InPlace(v)
				out[start+i] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedRows embeds catalog rows via their embedding text and attaches
// the vectors to the rows in place.
func (c *Codec) EmbedRows(ctx context.Context, rows []catalog.Row) error {
	texts := make([]string, len(rows))
	for i := range rows {
		texts[i] = catalog.EmbeddingText(&rows[i])
	}
	vecs, err := c.EmbedTexts(ctx, texts)
	if err != nil {
		return err
	}
	for i := range rows {
		rows[i].Vector = vecs[i]
	}
	return nil
}

// CacheLen reports the number of cached query vectors.
func (c *Codec) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Dispose stops the query worker, failing in-flight queries with
// ErrTerminated.
func (c *Codec) Dispose() {
	c.mu.Lock()
	w := c.worker
	c.mu.Unlock()
	if w != nil {
		w.Dispose()
	}
}
