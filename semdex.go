// Package semdex is a semantic search engine for product catalogs.
//
// A node builds (or imports) a generation: every catalog row embedded,
// normalized, interned and cached in a local SQLite file, plus an HNSW
// index over the vectors. Generations travel between nodes as a single
// compressed snapshot blob in a content-addressed store, discovered
// through an append-only descriptor channel.
//
// Quick start:
//
//	engine, err := semdex.New(func(o *semdex.Options) {
//	    o.DataDir = "./data"
//	    o.Blobs = blobs       // content-addressed store
//	    o.Channel = channel   // descriptor channel
//	})
//	if err != nil {
//	    panic(err)
//	}
//	defer engine.Close()
//
//	state, _ := engine.Bootstrap(ctx)
//	if state != bootstrap.StateLocalReady {
//	    engine.Build(ctx, source) // manual build
//	}
//
//	results, err := engine.Search(ctx, "fair trade espresso", 10)
package semdex

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gridmart/semdex/blobstore"
	"github.com/gridmart/semdex/bootstrap"
	"github.com/gridmart/semdex/cache"
	"github.com/gridmart/semdex/catalog"
	"github.com/gridmart/semdex/descriptor"
	"github.com/gridmart/semdex/embed"
	"github.com/gridmart/semdex/hnsw"
	"github.com/gridmart/semdex/index"
	"github.com/gridmart/semdex/search"
	"github.com/gridmart/semdex/transport"
)

const (
	cacheFile = "catalog.db"
	indexFile = "catalog.idx"
)

// Options configures an Engine.
type Options struct {
	// DataDir holds the cache database and the persisted index file.
	DataDir string

	// Dimension of the embedding vectors.
	Dimension int

	// Backend produces embeddings. Defaults to the deterministic
	// fallback backend.
	Backend embed.Backend

	// Blobs and Channel wire the engine to remote snapshot exchange.
	// Leave nil for a purely local node.
	Blobs   blobstore.ContentStore
	Channel descriptor.Channel

	// HNSW tuning for every index the engine builds.
	HNSW []func(o *hnsw.Options)

	Logger *Logger
}

// Engine ties the embedding codec, the local cache, the ANN index and
// the blended search surface together for one node.
type Engine struct {
	opts      Options
	cache     *cache.Store
	codec     *embed.Codec
	coord     *index.Coordinator
	transport *transport.Transport
	boot      *bootstrap.Protocol
	search    *search.Orchestrator
}

// New creates an engine rooted at o.DataDir.
func New(optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		DataDir:   ".",
		Dimension: embed.DefaultDimension,
		Logger:    NoopLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Backend == nil {
		opts.Backend = embed.NewFallbackBackend(opts.Dimension)
	}
	log := opts.Logger.Logger

	store, err := cache.Open(filepath.Join(opts.DataDir, cacheFile), func(o *cache.Options) {
		o.Dimension = opts.Dimension
		o.Logger = log
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog cache: %w", err)
	}

	codec := embed.NewCodec(func(o *embed.CodecOptions) {
		o.Backend = opts.Backend
		o.Logger = log
	})

	indexPath := filepath.Join(opts.DataDir, indexFile)
	coord := index.New(opts.Dimension, func(o *index.Options) {
		o.IndexPath = indexPath
		o.HNSW = opts.HNSW
		o.Logger = log
	})

	var tr *transport.Transport
	if opts.Blobs != nil && opts.Channel != nil {
		tr, err = transport.New(opts.Blobs, opts.Channel, func(o *transport.Options) {
			o.Logger = log
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("init transport: %w", err)
		}
	}

	boot := bootstrap.New(store, codec, coord, tr, func(o *bootstrap.Options) {
		o.IndexPath = indexPath
		o.Logger = log
	})

	orch := search.New(codec, coord, func(o *search.Options) {
		o.Logger = log
	})

	return &Engine{
		opts:      opts,
		cache:     store,
		codec:     codec,
		coord:     coord,
		transport: tr,
		boot:      boot,
		search:    orch,
	}, nil
}

// Bootstrap drives the node to a servable state: local cache first,
// then the latest published snapshot, otherwise Idle awaiting Build.
func (e *Engine) Bootstrap(ctx context.Context) (bootstrap.State, error) {
	state, err := e.boot.Run(ctx)
	if state == bootstrap.StateLocalReady {
		e.search.Reindex(e.coord.Rows())
	}
	return state, err
}

// State returns the bootstrap phase and, for Idle, why.
func (e *Engine) State() (bootstrap.State, string) {
	return e.boot.State()
}

// Build runs the full generation pipeline from source and, when a
// transport is configured, publishes the snapshot.
func (e *Engine) Build(ctx context.Context, source index.RowSource) error {
	b := &index.Builder{
		Source:      source,
		Codec:       e.codec,
		Cache:       e.cache,
		Coordinator: e.coord,
		Transport:   e.transport,
		Logger:      e.opts.Logger.Logger,
	}
	rows, desc, err := b.Build(ctx)
	if err != nil {
		return err
	}
	e.search.Reindex(rows)

	log := e.opts.Logger.WithRows(len(rows))
	if desc != nil {
		log = log.WithGeneration(desc.Version)
	}
	log.Info("generation ready")
	return nil
}

// Search runs a blended semantic and lexical query.
func (e *Engine) Search(ctx context.Context, text string, limit int) ([]search.Result, error) {
	log := e.opts.Logger.WithQuery(text)
	results, err := e.search.Query(ctx, text, limit)
	if err != nil {
		return nil, err
	}
	log.Debug("search served", "results", len(results))
	return results, nil
}

// Autocomplete serves interactive suggestions over a lexically
// pre-filtered candidate set.
func (e *Engine) Autocomplete(ctx context.Context, text string, limit int) ([]search.Result, error) {
	log := e.opts.Logger.WithQuery(text)
	results, err := e.search.Autocomplete(ctx, text, limit)
	if err != nil {
		return nil, err
	}
	log.Debug("autocomplete served", "results", len(results))
	return results, nil
}

// Rows returns the rows of the current generation.
func (e *Engine) Rows() []catalog.Row {
	return e.coord.Rows()
}

// Ready reports whether semantic search is servable.
func (e *Engine) Ready() bool {
	return e.coord.Ready()
}

// Close releases the cache and fails pending embedding work with
// ErrTerminated.
func (e *Engine) Close() error {
	e.codec.Dispose()
	return e.cache.Close()
}
