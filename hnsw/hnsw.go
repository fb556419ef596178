// Package hnsw implements a Hierarchical Navigable Small World graph
// for approximate nearest neighbor search over catalog embeddings.
//
// Node ids are assigned densely in insertion order, so callers can use
// them directly as positions into the row slice the index was built
// from. Distances are cosine distances over L2-normalized vectors:
// similarity = 1 - distance.
package hnsw

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/gridmart/semdex/distance"
	"github.com/gridmart/semdex/internal/queue"
	"github.com/gridmart/semdex/internal/visited"
)

// State describes the index lifecycle.
type State int

const (
	// StateEmpty means no points have been added.
	StateEmpty State = iota
	// StateBuilding means a bulk add is in progress.
	StateBuilding
	// StateReady means the index holds points and can serve searches.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrInvalidK is returned when k is not positive.
var ErrInvalidK = fmt.Errorf("k must be positive")

// ErrBuilding is returned for searches issued while a bulk build is in
// progress. Callers should wait for the build to finish rather than
// consume partial results.
var ErrBuilding = fmt.Errorf("index build in progress")

// Options configures the graph.
type Options struct {
	// Dimension is the expected vector dimensionality.
	Dimension int

	// M is the number of established connections per element during
	// construction. The range M=12-48 is fine for most embedding
	// workloads; layer 0 allows 2*M.
	M int

	// EFConstruction is the size of the dynamic candidate list while
	// building. Larger values improve graph quality at build cost.
	EFConstruction int

	// EFSearch is the default size of the dynamic candidate list while
	// searching. Raised to k when k is larger.
	EFSearch int

	// Heuristic selects the neighbour-diversity heuristic over naive
	// nearest selection when linking.
	Heuristic bool

	// Metric selects the distance metric. Cosine assumes normalized
	// vectors.
	Metric distance.Metric
}

// DefaultOptions are tuned for ~100k 384-dim text embeddings.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
	EFSearch:       64,
	Heuristic:      true,
	Metric:         distance.MetricCosine,
}

// Result is a single search hit.
type Result struct {
	ID       uint32
	Distance float32
}

type node struct {
	vector      []float32
	connections [][]uint32 // per level
	layer       int
}

// Index is the HNSW graph.
type Index struct {
	mu sync.RWMutex

	opts     Options
	distFunc distance.Func

	nodes    []*node
	ep       uint32
	maxLevel int
	ml       float64 // level generation normalization factor
	mmax     int
	mmax0    int

	deleted  *roaring.Bitmap
	building bool

	visitedPool sync.Pool
}

// New creates an index for vectors of the given dimension.
func New(dimension int, optFns ...func(o *Options)) *Index {
	opts := DefaultOptions
	opts.Dimension = dimension

	for _, fn := range optFns {
		fn(&opts)
	}

	// M == 1 would make the level multiplier divide by zero.
	if opts.M < 2 {
		opts.M = 2
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}
	if opts.EFSearch < 1 {
		opts.EFSearch = 1
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		distFunc = distance.Cosine
	}

	idx := &Index{
		opts:     opts,
		distFunc: distFunc,
		mmax:     opts.M,
		mmax0:    2 * opts.M,
		ml:       1 / math.Log(float64(opts.M)),
		deleted:  roaring.New(),
	}
	idx.visitedPool.New = func() any { return visited.New(1024) }
	return idx
}

// Options returns the effective options.
func (h *Index) Options() Options {
	return h.opts
}

// Len returns the number of live (non-deleted) points.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes) - int(h.deleted.GetCardinality())
}

// State reports the current lifecycle state.
func (h *Index) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch {
	case h.building:
		return StateBuilding
	case len(h.nodes) == 0:
		return StateEmpty
	default:
		return StateReady
	}
}

// Add inserts a vector and returns its id. Ids are assigned densely in
// insertion order starting at 0.
func (h *Index) Add(v []float32) (uint32, error) {
	if len(v) != h.opts.Dimension {
		return 0, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(v)}
	}

	vec := make([]float32, len(v))
	copy(vec, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.insert(vec), nil
}

// AddBatch inserts vectors in order. The id of vectors[i] is the
// current size plus i, so a batch over a fresh index labels each point
// with its slice position. The index reports StateBuilding for the
// duration.
func (h *Index) AddBatch(vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) != h.opts.Dimension {
			return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(v)}
		}
	}

	h.mu.Lock()
	h.building = true
	h.mu.Unlock()

	for _, v := range vectors {
		vec := make([]float32, len(v))
		copy(vec, v)

		h.mu.Lock()
		h.insert(vec)
		h.mu.Unlock()
	}

	h.mu.Lock()
	h.building = false
	h.mu.Unlock()
	return nil
}

// insert adds vec to the graph. Caller holds the write lock.
func (h *Index) insert(vec []float32) uint32 {
	id := uint32(len(h.nodes))
	layer := int(math.Floor(-math.Log(rand.Float64()) * h.ml))

	n := &node{
		vector:      vec,
		layer:       layer,
		connections: make([][]uint32, layer+1),
	}

	if len(h.nodes) == 0 {
		h.nodes = append(h.nodes, n)
		h.ep = 0
		h.maxLevel = layer
		return id
	}

	// Greedy descent through the layers above the node's top layer.
	currID := h.ep
	currDist := h.distFunc(h.nodes[currID].vector, vec)
	for level := h.maxLevel; level > layer; level-- {
		currID, currDist = h.greedyStep(vec, currID, currDist, level)
	}

	// Link on every level at and below the node's top layer.
	for level := min(layer, h.maxLevel); level >= 0; level-- {
		top := queue.NewMax(h.opts.EFConstruction)
		h.searchLayer(vec, queue.Item{Ref: currID, Priority: currDist}, top, h.opts.EFConstruction, level)

		m := h.mmax
		if h.opts.Heuristic {
			h.selectNeighboursHeuristic(top, m)
		} else {
			h.selectNeighboursSimple(top, m)
		}

		conns := make([]uint32, 0, top.Len())
		for top.Len() > 0 {
			item, _ := top.Pop()
			conns = append(conns, item.Ref)
		}
		n.connections[level] = conns

		if len(conns) > 0 {
			// Continue the descent from the best neighbour found.
			best := conns[len(conns)-1]
			currID = best
			currDist = h.distFunc(h.nodes[best].vector, vec)
		}
	}

	h.nodes = append(h.nodes, n)

	// Back-link neighbours, pruning their connection lists when full.
	for level := min(layer, h.maxLevel); level >= 0; level-- {
		for _, neighbour := range n.connections[level] {
			h.link(neighbour, id, level)
		}
	}

	if layer > h.maxLevel {
		h.ep = id
		h.maxLevel = layer
	}
	return id
}

// greedyStep walks level greedily toward vec and returns the closest
// node reached.
func (h *Index) greedyStep(vec []float32, currID uint32, currDist float32, level int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		curr := h.nodes[currID]
		if level >= len(curr.connections) {
			break
		}
		for _, next := range curr.connections[level] {
			d := h.distFunc(h.nodes[next].vector, vec)
			if d < currDist {
				currID = next
				currDist = d
				changed = true
			}
		}
	}
	return currID, currDist
}

// link connects first -> second on level, pruning when the list
// exceeds the per-level connection limit.
func (h *Index) link(first, second uint32, level int) {
	maxConns := h.mmax
	if level == 0 {
		maxConns = h.mmax0
	}

	n := h.nodes[first]
	n.connections[level] = append(n.connections[level], second)
	if len(n.connections[level]) <= maxConns {
		return
	}

	top := queue.NewMax(len(n.connections[level]))
	for _, id := range n.connections[level] {
		top.Push(queue.Item{Ref: id, Priority: h.distFunc(n.vector, h.nodes[id].vector)})
	}

	if h.opts.Heuristic {
		h.selectNeighboursHeuristic(top, maxConns)
	} else {
		h.selectNeighboursSimple(top, maxConns)
	}

	conns := make([]uint32, 0, top.Len())
	for top.Len() > 0 {
		item, _ := top.Pop()
		conns = append(conns, item.Ref)
	}
	n.connections[level] = conns
}

// searchLayer fills top (a max-heap) with the ef closest nodes to q on
// level, starting from ep.
func (h *Index) searchLayer(q []float32, ep queue.Item, top *queue.PriorityQueue, ef, level int) {
	vis := h.visitedPool.Get().(*visited.Set)
	defer func() {
		vis.Reset()
		h.visitedPool.Put(vis)
	}()

	vis.Visit(ep.Ref)

	candidates := queue.NewMin(ef)
	candidates.Push(ep)
	top.Push(ep)

	for candidates.Len() > 0 {
		lower, _ := top.Top()
		candidate, _ := candidates.Pop()
		if candidate.Priority > lower.Priority && top.Len() >= ef {
			break
		}

		n := h.nodes[candidate.Ref]
		if level >= len(n.connections) {
			continue
		}

		for _, next := range n.connections[level] {
			if vis.Visited(next) {
				continue
			}
			vis.Visit(next)

			d := h.distFunc(q, h.nodes[next].vector)
			item := queue.Item{Ref: next, Priority: d}

			if top.Len() < ef {
				top.Push(item)
				candidates.Push(item)
			} else if worst, _ := top.Top(); d < worst.Priority {
				top.Pop()
				top.Push(item)
				candidates.Push(item)
			}
		}
	}
}

// selectNeighboursSimple keeps the m closest candidates.
func (h *Index) selectNeighboursSimple(top *queue.PriorityQueue, m int) {
	for top.Len() > m {
		top.Pop()
	}
}

// selectNeighboursHeuristic keeps up to m candidates preferring
// diversity: a candidate is kept only if it is closer to the query
// than to any already-kept neighbour.
func (h *Index) selectNeighboursHeuristic(top *queue.PriorityQueue, m int) {
	if top.Len() <= m {
		return
	}

	// Re-order closest first.
	byDist := queue.NewMin(top.Len())
	for top.Len() > 0 {
		item, _ := top.Pop()
		byDist.Push(item)
	}

	kept := make([]queue.Item, 0, m)
	spares := make([]queue.Item, 0, byDist.Len())

	for byDist.Len() > 0 && len(kept) < m {
		item, _ := byDist.Pop()
		hit := true
		for _, k := range kept {
			if h.distFunc(h.nodes[k.Ref].vector, h.nodes[item.Ref].vector) < item.Priority {
				hit = false
				break
			}
		}
		if hit {
			kept = append(kept, item)
		} else {
			spares = append(spares, item)
		}
	}

	for _, s := range spares {
		if len(kept) >= m {
			break
		}
		kept = append(kept, s)
	}

	for _, k := range kept {
		top.Push(k)
	}
}

// Search returns the k nearest live points to q, closest first.
func (h *Index) Search(q []float32, k int) ([]Result, error) {
	return h.SearchFiltered(q, k, nil)
}

// SearchFiltered is Search restricted to ids present in allow. A nil
// allow bitmap admits every id. Deleted points are never returned.
func (h *Index) SearchFiltered(q []float32, k int, allow *roaring.Bitmap) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(q) != h.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(q)}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.building {
		return nil, ErrBuilding
	}
	if len(h.nodes) == 0 {
		return nil, nil
	}

	ef := h.opts.EFSearch
	if ef < k {
		ef = k
	}

	// Greedy descent to layer 0.
	currID := h.ep
	currDist := h.distFunc(h.nodes[currID].vector, q)
	for level := h.maxLevel; level > 0; level-- {
		currID, currDist = h.greedyStep(q, currID, currDist, level)
	}

	top := queue.NewMax(ef)
	h.searchLayer(q, queue.Item{Ref: currID, Priority: currDist}, top, ef, 0)

	// Collect admissible hits, worst first off the max-heap.
	hits := make([]Result, 0, top.Len())
	for top.Len() > 0 {
		item, _ := top.Pop()
		if h.deleted.Contains(item.Ref) {
			continue
		}
		if allow != nil && !allow.Contains(item.Ref) {
			continue
		}
		hits = append(hits, Result{ID: item.Ref, Distance: item.Priority})
	}

	// Reverse into ascending distance order and cut to k.
	for i, j := 0, len(hits)-1; i < j; i, j = i+1, j-1 {
		hits[i], hits[j] = hits[j], hits[i]
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete tombstones a point. The point stays in the graph for routing
// but is never returned from searches.
func (h *Index) Delete(id uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(id) >= len(h.nodes) {
		return false
	}
	return h.deleted.CheckedAdd(id)
}

// Vector returns the stored vector for id.
func (h *Index) Vector(id uint32) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if int(id) >= len(h.nodes) {
		return nil, false
	}
	vec := make([]float32, len(h.nodes[id].vector))
	copy(vec, h.nodes[id].vector)
	return vec, true
}
