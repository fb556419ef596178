package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gridmart/semdex/cache"
	"github.com/gridmart/semdex/catalog"
	"github.com/gridmart/semdex/descriptor"
	"github.com/gridmart/semdex/embed"
	"github.com/gridmart/semdex/hnsw"
	"github.com/gridmart/semdex/snapshot"
	"github.com/gridmart/semdex/transport"
)

// ErrNotReady means no index generation has been built or loaded yet.
var ErrNotReady = errors.New("index not ready")

// ErrNoRows means the source produced nothing to index.
var ErrNoRows = errors.New("no rows to index")

// RowSource is the upstream catalog ledger. FetchAll returns every raw
// row for a full rebuild, without embeddings.
type RowSource interface {
	FetchAll(ctx context.Context) ([]catalog.Row, error)
}

// Ranked is one search hit mapped back onto its catalog row.
type Ranked struct {
	Row        catalog.Row
	Label      uint32
	Distance   float32
	Similarity float32
}

// Options configures a Coordinator.
type Options struct {
	// Dimension of the embedding vectors. Rows whose vector has any
	// other length are kept in the cache but left out of the index.
	Dimension int

	// IndexPath is where the built index is persisted. Empty disables
	// persistence.
	IndexPath string

	// Ephemeral skips persistence even when IndexPath is set. Used for
	// throwaway candidate indexes.
	Ephemeral bool

	// HNSW tuning applied to every index this coordinator builds.
	HNSW []func(o *hnsw.Options)

	Logger *slog.Logger
}

// Coordinator owns the ANN index for one catalog generation and maps
// index labels back to row positions.
type Coordinator struct {
	opts Options

	mu     sync.RWMutex
	index  *hnsw.Index
	rows   []catalog.Row
	labels []uint32
}

// New creates a coordinator.
func New(dimension int, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		Dimension: dimension,
		Logger:    slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Coordinator{opts: opts}
}

// sameRows reports whether rows is the exact slice the current index
// was built from. Identity, not content: a re-fetched equal list still
// triggers a rebuild.
func (c *Coordinator) sameRows(rows []catalog.Row) bool {
	if len(rows) != len(c.rows) || len(rows) == 0 {
		return false
	}
	return &rows[0] == &c.rows[0]
}

// EnsureReady builds (or reuses) the index over rows. Rows without a
// vector of the configured dimension stay retrievable through the
// cache but are not indexed; label N is position N's entry in the
// filtered point list mapped back to its original row position.
func (c *Coordinator) EnsureReady(ctx context.Context, rows []catalog.Row, forceRebuild bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRebuild && c.index != nil && c.index.State() == hnsw.StateReady && c.sameRows(rows) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	vectors := make([][]float32, 0, len(rows))
	labels := make([]uint32, 0, len(rows))
	for i := range rows {
		if len(rows[i].Vector) != c.opts.Dimension {
			continue
		}
		vectors = append(vectors, rows[i].Vector)
		labels = append(labels, uint32(i))
	}
	if len(vectors) == 0 {
		return ErrNoRows
	}

	idx, loaded := c.loadPersisted(len(vectors))
	if !loaded {
		idx = hnsw.New(c.opts.Dimension, c.opts.HNSW...)
		if err := idx.AddBatch(vectors); err != nil {
			return fmt.Errorf("bulk insert: %w", err)
		}
		c.persistAsync(idx)
	}

	c.index = idx
	c.rows = rows
	c.labels = labels
	return nil
}

// loadPersisted tries the configured index file. The file wins only
// when its point count matches the current filtered row set, otherwise
// the label mapping would be stale.
func (c *Coordinator) loadPersisted(wantLen int) (*hnsw.Index, bool) {
	if c.opts.IndexPath == "" || c.opts.Ephemeral {
		return nil, false
	}
	if _, err := os.Stat(c.opts.IndexPath); err != nil {
		return nil, false
	}
	idx, err := hnsw.LoadFromFile(c.opts.IndexPath, c.opts.HNSW...)
	if err != nil {
		c.opts.Logger.Warn("persisted index unreadable, rebuilding",
			"path", c.opts.IndexPath, "error", err)
		return nil, false
	}
	if idx.Len() != wantLen {
		c.opts.Logger.Warn("persisted index size mismatch, rebuilding",
			"path", c.opts.IndexPath, "persisted", idx.Len(), "want", wantLen)
		return nil, false
	}
	c.opts.Logger.Info("loaded persisted index", "path", c.opts.IndexPath, "points", idx.Len())
	return idx, true
}

// persistAsync saves the index in the background. Failure is logged,
// never propagated; search stays usable either way.
func (c *Coordinator) persistAsync(idx *hnsw.Index) {
	if c.opts.IndexPath == "" || c.opts.Ephemeral {
		return
	}
	path := c.opts.IndexPath
	log := c.opts.Logger
	go func() {
		if err := idx.SaveToFile(path); err != nil {
			log.Warn("index persistence failed", "path", path, "error", err)
			return
		}
		log.Debug("index persisted", "path", path)
	}()
}

// Ready reports whether the coordinator can serve Rank calls.
func (c *Coordinator) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index != nil && c.index.State() == hnsw.StateReady
}

// Len reports the number of indexed points.
func (c *Coordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.index == nil {
		return 0
	}
	return c.index.Len()
}

// Rank searches the index and maps hits back onto catalog rows,
// ascending by distance.
func (c *Coordinator) Rank(ctx context.Context, queryVec []float32, limit int) ([]Ranked, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.index == nil || c.index.State() != hnsw.StateReady {
		return nil, ErrNotReady
	}

	hits, err := c.index.Search(queryVec, limit)
	if err != nil {
		return nil, err
	}

	out := make([]Ranked, 0, len(hits))
	for _, h := range hits {
		pos := c.labels[h.ID]
		out = append(out, Ranked{
			Row:        c.rows[pos],
			Label:      pos,
			Distance:   h.Distance,
			Similarity: 1 - h.Distance,
		})
	}
	return out, nil
}

// Rows returns the row list of the current generation.
func (c *Coordinator) Rows() []catalog.Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rows
}

// Builder runs the full generation pipeline: fetch, embed, cache,
// index, snapshot, publish.
type Builder struct {
	Source      RowSource
	Codec       *embed.Codec
	Cache       *cache.Store
	Coordinator *Coordinator
	Transport   *transport.Transport
	Logger      *slog.Logger
}

// Build produces and publishes a new catalog generation. The published
// descriptor is returned; with no transport configured the generation
// stays local and the descriptor is nil.
func (b *Builder) Build(ctx context.Context) ([]catalog.Row, *descriptor.Descriptor, error) {
	log := b.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	started := time.Now()
	rows, err := b.Source.FetchAll(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, ErrNoRows
	}
	log.Info("fetched catalog rows", "count", len(rows))

	for i := range rows {
		catalog.Normalize(&rows[i])
	}
	if err := b.Codec.EmbedRows(ctx, rows); err != nil {
		return nil, nil, fmt.Errorf("embed rows: %w", err)
	}

	interner := catalog.NewInterner()
	for i := range rows {
		interner.InternRow(&rows[i])
	}
	if err := b.Cache.ReplaceAll(ctx, rows, interner); err != nil {
		return nil, nil, fmt.Errorf("write cache: %w", err)
	}

	if err := b.Coordinator.EnsureReady(ctx, rows, true); err != nil {
		return nil, nil, fmt.Errorf("build index: %w", err)
	}
	log.Info("generation built", "rows", len(rows),
		"indexed", b.Coordinator.Len(), "took", time.Since(started))

	if b.Transport == nil {
		return rows, nil, nil
	}

	blob, err := b.snapshotBlob(ctx, len(rows))
	if err != nil {
		return nil, nil, err
	}
	host, _ := os.Hostname()
	desc, err := b.Transport.Upload(ctx, blob, transport.UploadMeta{
		RowCount:  len(rows),
		CreatedBy: host,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("publish snapshot: %w", err)
	}
	log.Info("snapshot published", "version", desc.Version,
		"address", desc.Address, "rows", desc.RowCount)
	return rows, desc, nil
}

func (b *Builder) snapshotBlob(ctx context.Context, rowCount int) ([]byte, error) {
	export, err := b.Cache.Export(ctx)
	if err != nil {
		return nil, fmt.Errorf("export cache: %w", err)
	}

	b.Coordinator.mu.RLock()
	indexBytes, err := b.Coordinator.index.MarshalBinary()
	b.Coordinator.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("marshal index: %w", err)
	}

	return snapshot.Build(&snapshot.Snapshot{
		Version:   snapshot.FormatVersion,
		RowCount:  rowCount,
		CreatedAt: time.Now().UTC(),
		Cache:     export,
		Index:     indexBytes,
	})
}

// Restore installs a generation recovered from a snapshot: the cache
// rows are loaded and the index is rebuilt over them.
func (c *Coordinator) Restore(ctx context.Context, store *cache.Store) ([]catalog.Row, error) {
	rows, _, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cache: %w", err)
	}
	if err := c.EnsureReady(ctx, rows, true); err != nil {
		return nil, err
	}
	return rows, nil
}
