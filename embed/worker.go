package embed

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priorities for worker requests. Interactive queries should preempt
// background batch work.
const (
	PriorityBackground  = 0
	PriorityInteractive = 10
)

type workerResult struct {
	vec []float32
	err error
}

type workerRequest struct {
	id       string
	text     string
	priority int
	enqueued time.Time
	result   chan workerResult
}

// requestHeap orders by priority descending, enqueue time ascending.
type requestHeap []*workerRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].enqueued.Before(h[j].enqueued)
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*workerRequest)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Worker serializes embedding requests through a single consumer. Each
// request gets a unique id and a spot in the priority queue; responses
// resolve the pending request by id.
type Worker struct {
	backend Backend
	log     *slog.Logger

	mu      sync.Mutex
	queue   requestHeap
	pending map[string]*workerRequest
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewWorker starts a worker over backend.
func NewWorker(backend Backend, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	w := &Worker{
		backend: backend,
		log:     log,
		pending: make(map[string]*workerRequest),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.consume()
	return w
}

// Embed enqueues text and waits for its vector. Higher priority
// requests are served first; ties go to the earlier request.
func (w *Worker) Embed(ctx context.Context, text string, priority int) ([]float32, error) {
	req := &workerRequest{
		id:       uuid.NewString(),
		text:     text,
		priority: priority,
		enqueued: time.Now(),
		result:   make(chan workerResult, 1),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrTerminated
	}
	heap.Push(&w.queue, req)
	w.pending[req.id] = req
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		w.cancel(req.id)
		return nil, ctx.Err()
	case <-w.done:
		return nil, ErrTerminated
	case res := <-req.result:
		return res.vec, res.err
	}
}

// cancel forgets a request whose caller gave up.
func (w *Worker) cancel(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

func (w *Worker) consume() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		for {
			w.mu.Lock()
			if w.queue.Len() == 0 {
				w.mu.Unlock()
				break
			}
			req := heap.Pop(&w.queue).(*workerRequest)
			w.mu.Unlock()

			vecs, err := w.backend.EmbedBatch(context.Background(), []string{req.text})

			var res workerResult
			switch {
			case err != nil:
				res = workerResult{err: err}
			case len(vecs) != 1:
				res = workerResult{err: errEmbeddingCountMismatch}
			default:
				res = workerResult{vec: vecs[0]}
			}
			w.deliver(req.id, res)
		}
	}
}

// deliver resolves a pending request by id. Responses for ids no
// longer pending (cancelled callers) are dropped.
func (w *Worker) deliver(id string, res workerResult) {
	w.mu.Lock()
	req, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()

	if !ok {
		w.log.Warn("dropping response for unknown request", "id", id)
		return
	}
	req.result <- res
}

// Dispose stops the worker and fails every queued and pending request
// with ErrTerminated.
func (w *Worker) Dispose() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	pending := w.pending
	w.pending = make(map[string]*workerRequest)
	w.queue = nil
	w.mu.Unlock()

	close(w.done)
	for _, req := range pending {
		select {
		case req.result <- workerResult{err: ErrTerminated}:
		default:
		}
	}
}
