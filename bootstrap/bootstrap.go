package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/gridmart/semdex/cache"
	"github.com/gridmart/semdex/descriptor"
	"github.com/gridmart/semdex/embed"
	"github.com/gridmart/semdex/index"
	"github.com/gridmart/semdex/snapshot"
	"github.com/gridmart/semdex/transport"
)

// State is a bootstrap phase. Terminal states are LocalReady and Idle.
type State int

const (
	StateCheckingLocal State = iota
	StateCheckingRemote
	StateImporting
	StateLocalReady
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateCheckingLocal:
		return "CheckingLocal"
	case StateCheckingRemote:
		return "CheckingRemote"
	case StateImporting:
		return "Importing"
	case StateLocalReady:
		return "LocalReady"
	case StateIdle:
		return "Idle"
	default:
		return "Unknown"
	}
}

const (
	downloadAttempts = 4
	probeQuery       = "fresh organic produce"
	selfTestK        = 5
)

// Options configures a Protocol.
type Options struct {
	// IndexPath is where the imported index file is written before the
	// coordinator reloads it.
	IndexPath string

	Logger *slog.Logger

	// backoff base, overridable in tests
	RetryBase time.Duration
}

// Protocol brings a node to a servable state: local cache first, then
// a published snapshot, otherwise Idle awaiting a manual build.
type Protocol struct {
	cache       *cache.Store
	codec       *embed.Codec
	coordinator *index.Coordinator
	transport   *transport.Transport
	opts        Options

	mu     sync.RWMutex
	state  State
	reason string
}

// New creates a bootstrap protocol. transport may be nil for nodes
// with no remote discovery.
func New(store *cache.Store, codec *embed.Codec, coordinator *index.Coordinator, tr *transport.Transport, optFns ...func(o *Options)) *Protocol {
	opts := Options{
		Logger:    slog.New(slog.DiscardHandler),
		RetryBase: time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Protocol{
		cache:       store,
		codec:       codec,
		coordinator: coordinator,
		transport:   tr,
		opts:        opts,
		state:       StateCheckingLocal,
	}
}

// State returns the current phase and, for Idle, why.
func (p *Protocol) State() (State, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state, p.reason
}

func (p *Protocol) transition(s State, reason string) {
	p.mu.Lock()
	p.state = s
	p.reason = reason
	p.mu.Unlock()
	if reason != "" {
		p.opts.Logger.Info("bootstrap state", "state", s.String(), "reason", reason)
		return
	}
	p.opts.Logger.Info("bootstrap state", "state", s.String())
}

// Run drives the state machine to a terminal state. It never loops: a
// failed import lands in Idle with the failure recorded instead of
// silently retrying forever.
func (p *Protocol) Run(ctx context.Context) (State, error) {
	p.transition(StateCheckingLocal, "")
	err := p.tryLocal(ctx)
	if err == nil {
		p.transition(StateLocalReady, "")
		return StateLocalReady, nil
	}
	p.opts.Logger.Info("local cache not servable", "error", err)

	if p.transport == nil {
		p.transition(StateIdle, "no remote transport configured; manual build required")
		return StateIdle, nil
	}

	p.transition(StateCheckingRemote, "")
	desc, err := p.transport.Latest(ctx)
	if err != nil {
		if errors.Is(err, descriptor.ErrEmpty) {
			p.transition(StateIdle, "no published snapshot; manual build required")
			return StateIdle, nil
		}
		p.transition(StateIdle, fmt.Sprintf("descriptor lookup failed: %v", err))
		return StateIdle, err
	}

	p.transition(StateImporting, "")
	if err := p.importSnapshot(ctx, desc); err != nil {
		p.transition(StateIdle, fmt.Sprintf("snapshot import failed: %v", err))
		return StateIdle, err
	}

	if err := p.selfTest(ctx); err != nil {
		p.transition(StateIdle, fmt.Sprintf("post-import self-test failed: %v", err))
		return StateIdle, err
	}

	p.transition(StateLocalReady, "")
	return StateLocalReady, nil
}

// tryLocal serves from the existing cache when it validates and the
// resulting index passes the self-test.
func (p *Protocol) tryLocal(ctx context.Context) error {
	if err := p.cache.Validate(ctx); err != nil {
		return err
	}
	if _, err := p.coordinator.Restore(ctx, p.cache); err != nil {
		return err
	}
	return p.selfTest(ctx)
}

// importSnapshot downloads and restores a published generation. The
// download is retried with capped exponential backoff and jitter;
// everything after a successful download fails the import outright.
func (p *Protocol) importSnapshot(ctx context.Context, desc *descriptor.Descriptor) error {
	blob, err := p.downloadWithRetry(ctx, desc)
	if err != nil {
		return err
	}

	snap, err := snapshot.Open(blob)
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	if err := p.cache.Import(ctx, snap.Cache); err != nil {
		return fmt.Errorf("import cache: %w", err)
	}
	if p.opts.IndexPath != "" {
		if err := os.WriteFile(p.opts.IndexPath, snap.Index, 0o644); err != nil {
			return fmt.Errorf("write index file: %w", err)
		}
	}
	if _, err := p.coordinator.Restore(ctx, p.cache); err != nil {
		return fmt.Errorf("restore index: %w", err)
	}

	p.opts.Logger.Info("snapshot imported",
		"version", desc.Version, "rows", snap.RowCount)
	return nil
}

func (p *Protocol) downloadWithRetry(ctx context.Context, desc *descriptor.Descriptor) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < downloadAttempts; attempt++ {
		if attempt > 0 {
			backoff := p.opts.RetryBase << (attempt - 1)
			if backoff > 8*p.opts.RetryBase {
				backoff = 8 * p.opts.RetryBase
			}
			backoff += time.Duration(rand.Int63n(int64(p.opts.RetryBase)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		blob, err := p.transport.Download(ctx, desc)
		if err == nil {
			return blob, nil
		}
		lastErr = err
		p.opts.Logger.Warn("snapshot download failed",
			"attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("download snapshot after %d attempts: %w", downloadAttempts, lastErr)
}

// selfTest embeds a fixed probe and requires the index to answer with
// at least one hit.
func (p *Protocol) selfTest(ctx context.Context) error {
	qv, err := p.codec.EmbedQuery(ctx, probeQuery, embed.PriorityInteractive)
	if err != nil {
		return fmt.Errorf("probe embedding: %w", err)
	}
	hits, err := p.coordinator.Rank(ctx, qv, selfTestK)
	if err != nil {
		return fmt.Errorf("probe search: %w", err)
	}
	if len(hits) == 0 {
		return errors.New("probe search returned no results")
	}
	return nil
}
