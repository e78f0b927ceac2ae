// Package hnsw implements the Hierarchical Navigable Small World graph used
// for approximate nearest neighbor search: a node arena addressed by dense
// internal ids, an exponentially distributed layer hierarchy, and beam
// searches bounded by the ef parameter.
//
// Concurrency discipline: one RWMutex guards the whole graph. Searches take
// the read lock for the duration of the traversal; Insert and Delete take
// the write lock, so partial mutations are never visible. Fine-grained
// per-node locking is deliberately not implemented; write throughput is
// bounded by the single writer, which keeps the rewiring logic simple and
// obviously correct.
package hnsw

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/annexdb/annex/pkg/core/distance"
	"github.com/annexdb/annex/pkg/core/types"
)

var (
	// ErrDuplicateID is returned by Insert for an id that is already live.
	ErrDuplicateID = errors.New("hnsw: id already exists")
	// ErrNotFound is returned by Delete for an id that is not live.
	ErrNotFound = errors.New("hnsw: id not found")
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the dimensionality fixed by the first insert.
	ErrDimensionMismatch = errors.New("hnsw: vector dimension mismatch")
	// ErrCorrupt is returned by Restore when a snapshot fails validation.
	ErrCorrupt = errors.New("hnsw: corrupt snapshot")
)

const (
	// DefaultM bounds the neighbor list size per node per layer (doubled
	// at the base layer).
	DefaultM = 16
	// DefaultEfConstruction is the beam width used while inserting.
	DefaultEfConstruction = 200
)

// Options configures a new index. Zero values select the defaults.
type Options struct {
	M              int
	EfConstruction int
	Metric         distance.Metric
	// Seed makes layer assignment deterministic when non-zero. Tests use
	// it; production leaves it zero.
	Seed int64
}

// Hit is a single ranked search result.
type Hit struct {
	ID       uint64
	Distance float64
}

// SearchParams bounds a single Search call.
type SearchParams struct {
	K  int
	Ef int
	// Allow, when non-nil, restricts traversal and results to the given
	// external ids (the pre-filter mechanism).
	Allow map[uint64]struct{}
	// MaxVisits caps the number of distance evaluations. When exceeded
	// the search returns its best candidates so far with truncated=true.
	// Zero means unbounded.
	MaxVisits int
}

// Index is the graph. The arena (nodes) is indexed by internal id; deleted
// slots are nil and internal ids are never reused.
type Index struct {
	mu sync.RWMutex

	m              int
	mMax0          int
	efConstruction int
	ml             float64

	metric distance.Metric
	distFn distance.Func
	// dim is fixed by the first insert (or by Restore) and enforced on
	// every vector after that, so stored vectors always have equal length.
	dim int

	rng *rand.Rand

	entrypoint uint32
	maxLevel   int // -1 while the graph is empty

	nodes        []*Node
	idToInternal map[uint64]uint32
	liveCount    int

	visitedPool sync.Pool
	minHeapPool sync.Pool
	maxHeapPool sync.Pool
}

// New creates an empty index.
func New(opts Options) (*Index, error) {
	if opts.M <= 0 {
		opts.M = DefaultM
	}
	if opts.EfConstruction <= 0 {
		opts.EfConstruction = DefaultEfConstruction
	}
	if opts.Metric == "" {
		opts.Metric = distance.Euclidean
	}

	distFn, err := distance.For(opts.Metric)
	if err != nil {
		return nil, err
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	h := &Index{
		m:              opts.M,
		mMax0:          opts.M * 2,
		efConstruction: opts.EfConstruction,
		ml:             1.0 / math.Log(float64(opts.M)),
		metric:         opts.Metric,
		distFn:         distFn,
		rng:            rand.New(rand.NewSource(seed)),
		maxLevel:       -1,
		nodes:          make([]*Node, 0, 1024),
		idToInternal:   make(map[uint64]uint32),
	}
	h.visitedPool = sync.Pool{New: func() any { return newBitSet(1024) }}
	h.minHeapPool = sync.Pool{New: func() any { return newMinHeap(h.efConstruction) }}
	h.maxHeapPool = sync.Pool{New: func() any { return newMaxHeap(h.efConstruction) }}
	return h, nil
}

// Metric returns the distance metric the index was created with.
func (h *Index) Metric() distance.Metric { return h.metric }

// Params returns the M and efConstruction parameters.
func (h *Index) Params() (m, efConstruction int) { return h.m, h.efConstruction }

// Len returns the number of live nodes.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.liveCount
}

// Contains reports whether id is live.
func (h *Index) Contains(id uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.idToInternal[id]
	return ok
}

func (h *Index) maxConns(level int) int {
	if level == 0 {
		return h.mMax0
	}
	return h.m
}

// randomLevel draws a layer from the exponential distribution with the
// index's level multiplier. Capped one above the current top layer so a
// single insert cannot skip levels.
func (h *Index) randomLevel() int {
	u := h.rng.Float64()
	for u == 0 {
		u = h.rng.Float64()
	}
	level := int(-math.Log(u) * h.ml)
	if level > h.maxLevel+1 {
		level = h.maxLevel + 1
	}
	return level
}

// Insert adds a vector under a new id. The index takes ownership of the
// slice (cosine indexes normalize it in place).
func (h *Index) Insert(id uint64, vector []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.idToInternal[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	if h.dim == 0 {
		h.dim = len(vector)
	} else if len(vector) != h.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), h.dim)
	}

	if distance.NeedsNormalization(h.metric) {
		distance.Normalize(vector)
	}

	internal := uint32(len(h.nodes))
	level := h.randomLevel()

	node := &Node{
		ID:          id,
		Internal:    internal,
		Vector:      vector,
		Connections: make([][]uint32, level+1),
	}
	h.nodes = append(h.nodes, node)
	h.idToInternal[id] = internal
	h.liveCount++

	if h.maxLevel < 0 {
		h.entrypoint = internal
		h.maxLevel = level
		return nil
	}

	// Greedy descent through the layers above the new node's level.
	entry := h.entrypoint
	st := searchState{}
	for l := h.maxLevel; l > level; l-- {
		nearest := h.searchLayer(vector, entry, 1, l, nil, &st)
		if st.err != nil {
			return st.err
		}
		if len(nearest) > 0 {
			entry = nearest[0].ID
		}
	}

	// Beam search and diversity selection from the node's level down.
	for l := minInt(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(vector, entry, h.efConstruction, l, nil, &st)
		if st.err != nil {
			return st.err
		}
		if len(candidates) == 0 {
			continue
		}

		maxConns := h.maxConns(l)
		selected, err := h.selectNeighbors(node, candidates, maxConns)
		if err != nil {
			return err
		}

		links := make([]uint32, len(selected))
		for i, c := range selected {
			links[i] = c.ID
		}
		node.Connections[l] = links

		for _, c := range selected {
			nb := h.nodes[c.ID]
			if nb == nil || l > nb.Level() {
				continue
			}
			nb.Connections[l] = append(nb.Connections[l], internal)
			if len(nb.Connections[l]) > maxConns {
				if err := h.pruneNeighbors(nb, l, maxConns); err != nil {
					return err
				}
			}
		}

		entry = candidates[0].ID
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entrypoint = internal
	}
	return nil
}

// Search returns up to K hits ordered by ascending distance, ties broken by
// ascending id. truncated reports that the visit budget was exhausted and
// the hits are the best found so far.
func (h *Index) Search(query []float32, p SearchParams) (hits []Hit, truncated bool, err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.dim > 0 && len(query) != h.dim {
		return nil, false, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), h.dim)
	}
	if h.maxLevel < 0 || p.K <= 0 {
		return nil, false, nil
	}
	if p.Ef < p.K {
		p.Ef = p.K
	}

	var allow map[uint32]struct{}
	entry := h.entrypoint
	if p.Allow != nil {
		allow = make(map[uint32]struct{}, len(p.Allow))
		for id := range p.Allow {
			if internal, ok := h.idToInternal[id]; ok {
				allow[internal] = struct{}{}
			}
		}
		if len(allow) == 0 {
			return nil, false, nil
		}
		if _, ok := allow[entry]; !ok {
			// The entry point itself is filtered out; start from any
			// allowed node instead.
			for internal := range allow {
				entry = internal
				break
			}
		}
	}

	st := searchState{maxVisits: p.MaxVisits}
	for l := h.maxLevel; l > 0; l-- {
		nearest := h.searchLayer(query, entry, 1, l, allow, &st)
		if st.err != nil {
			return nil, false, st.err
		}
		if len(nearest) > 0 {
			entry = nearest[0].ID
		}
		if st.truncated {
			break
		}
	}

	candidates := h.searchLayer(query, entry, p.Ef, 0, allow, &st)
	if st.err != nil {
		return nil, false, st.err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		return h.nodes[candidates[i].ID].ID < h.nodes[candidates[j].ID].ID
	})
	if len(candidates) > p.K {
		candidates = candidates[:p.K]
	}

	hits = make([]Hit, len(candidates))
	for i, c := range candidates {
		hits[i] = Hit{ID: h.nodes[c.ID].ID, Distance: c.Distance}
	}
	return hits, st.truncated, nil
}

// Delete removes id from every layer, repairs the neighborhoods it leaves
// behind, and frees the arena slot. Deleting an absent id is an error so
// callers can tell "not present" from "already removed".
func (h *Index) Delete(id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	internal, ok := h.idToInternal[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	node := h.nodes[internal]

	// Unlink: sweep every layer the node participates in. Edges are not
	// guaranteed symmetric, so the sweep covers the whole arena, not just
	// the node's own adjacency.
	type repairTarget struct {
		node  *Node
		level int
	}
	var repairs []repairTarget
	for l := 0; l <= node.Level(); l++ {
		for _, other := range h.nodes {
			if other == nil || other == node || l > other.Level() {
				continue
			}
			if removeID(&other.Connections[l], internal) {
				repairs = append(repairs, repairTarget{node: other, level: l})
			}
		}
	}

	// Reconnect: offer each affected neighbor the deleted node's other
	// neighbors at that layer and re-run the diversity selection over the
	// union. Best effort; a neighbor may legitimately end up with a
	// shorter list.
	for _, r := range repairs {
		if err := h.repairNode(r.node, r.level, node.Connections[r.level], internal); err != nil {
			return err
		}
	}

	delete(h.idToInternal, id)
	h.nodes[internal] = nil
	h.liveCount--

	if internal == h.entrypoint {
		h.electEntrypoint()
	}
	return nil
}

// electEntrypoint picks the live node with the highest layer as the new
// entry point. Called after the previous entry point was deleted.
func (h *Index) electEntrypoint() {
	h.entrypoint = 0
	h.maxLevel = -1
	for _, n := range h.nodes {
		if n == nil {
			continue
		}
		if n.Level() > h.maxLevel {
			h.maxLevel = n.Level()
			h.entrypoint = n.Internal
		}
	}
}

// repairNode rebuilds n's neighbor list at the given layer from the union
// of its current neighbors and the deleted node's former neighbors.
func (h *Index) repairNode(n *Node, level int, donated []uint32, deleted uint32) error {
	seen := map[uint32]struct{}{n.Internal: {}, deleted: {}}
	var pool []uint32
	for _, id := range n.Connections[level] {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		pool = append(pool, id)
	}
	for _, id := range donated {
		if _, dup := seen[id]; dup {
			continue
		}
		if h.nodes[id] == nil || level > h.nodes[id].Level() {
			continue
		}
		seen[id] = struct{}{}
		pool = append(pool, id)
	}

	candidates := make([]types.Candidate, 0, len(pool))
	for _, id := range pool {
		other := h.nodes[id]
		if other == nil {
			continue
		}
		d, err := h.distFn(n.Vector, other.Vector)
		if err != nil {
			return fmt.Errorf("repairing node %d: %w", n.ID, err)
		}
		candidates = append(candidates, types.Candidate{ID: id, Distance: d})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Distance < candidates[j].Distance
	})

	selected, err := h.selectNeighbors(n, candidates, h.maxConns(level))
	if err != nil {
		return err
	}
	links := make([]uint32, len(selected))
	for i, c := range selected {
		links[i] = c.ID
	}
	n.Connections[level] = links
	return nil
}

// pruneNeighbors shrinks a node's over-full neighbor list back to the cap
// using the same diversity heuristic used at selection time.
func (h *Index) pruneNeighbors(n *Node, level, maxConns int) error {
	candidates := make([]types.Candidate, 0, len(n.Connections[level]))
	for _, id := range n.Connections[level] {
		other := h.nodes[id]
		if other == nil {
			continue
		}
		d, err := h.distFn(n.Vector, other.Vector)
		if err != nil {
			return fmt.Errorf("pruning node %d: %w", n.ID, err)
		}
		candidates = append(candidates, types.Candidate{ID: id, Distance: d})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Distance < candidates[j].Distance
	})

	selected, err := h.selectNeighbors(n, candidates, maxConns)
	if err != nil {
		return err
	}
	links := make([]uint32, len(selected))
	for i, c := range selected {
		links[i] = c.ID
	}
	n.Connections[level] = links
	return nil
}

// selectNeighbors implements the HNSW diversity heuristic: walk candidates
// in ascending distance to target and keep one only if it is not closer to
// an already-kept neighbor than to the target. If the heuristic is too
// aggressive, backfill with the best discarded candidates so nodes do not
// end up weakly connected.
func (h *Index) selectNeighbors(target *Node, candidates []types.Candidate, m int) ([]types.Candidate, error) {
	if len(candidates) <= m {
		return candidates, nil
	}

	selected := make([]types.Candidate, 0, m)
	discarded := make([]types.Candidate, 0, len(candidates)-m)

	for _, e := range candidates {
		if len(selected) >= m {
			break
		}
		node := h.nodes[e.ID]
		if node == nil || node == target {
			continue
		}

		keep := true
		for _, r := range selected {
			d, err := h.distFn(node.Vector, h.nodes[r.ID].Vector)
			if err != nil {
				return nil, fmt.Errorf("selecting neighbors of %d: %w", target.ID, err)
			}
			if d < e.Distance {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, e)
		} else {
			discarded = append(discarded, e)
		}
	}

	for _, e := range discarded {
		if len(selected) >= m {
			break
		}
		selected = append(selected, e)
	}
	return selected, nil
}

// searchState carries the visit budget, and any distance failure, across
// the layers of one search.
type searchState struct {
	visits    int
	maxVisits int
	truncated bool
	err       error
}

func (st *searchState) spend() bool {
	st.visits++
	if st.maxVisits > 0 && st.visits > st.maxVisits {
		st.truncated = true
		return false
	}
	return true
}

// searchLayer runs the bounded beam search on one layer and returns up to
// ef candidates ordered by ascending distance. Callers hold at least the
// read lock.
func (h *Index) searchLayer(query []float32, entry uint32, ef, level int, allow map[uint32]struct{}, st *searchState) []types.Candidate {
	visited := h.visitedPool.Get().(*bitSet)
	frontier := h.minHeapPool.Get().(*minHeap)
	results := h.maxHeapPool.Get().(*maxHeap)
	*frontier = (*frontier)[:0]
	*results = (*results)[:0]
	defer func() {
		visited.Clear()
		h.visitedPool.Put(visited)
		h.minHeapPool.Put(frontier)
		h.maxHeapPool.Put(results)
	}()
	visited.EnsureCapacity(uint32(len(h.nodes)))

	entryNode := h.nodes[entry]
	if entryNode == nil {
		return nil
	}
	dist, err := h.distFn(query, entryNode.Vector)
	if err != nil {
		// Stored vectors share one dimension, so this is internal
		// corruption, not a bad query. Abort rather than return a
		// silently empty layer.
		st.err = err
		return nil
	}
	st.spend()

	ep := types.Candidate{ID: entry, Distance: dist}
	frontier.Push(ep)
	visited.Add(entry)

	allowed := true
	if allow != nil {
		_, allowed = allow[entry]
	}
	if allowed {
		results.Push(ep)
	}

	for frontier.Len() > 0 {
		current := frontier.Pop()

		// The closest unexplored candidate is already worse than the
		// worst kept result; the frontier cannot improve anything.
		if results.Len() >= ef && current.Distance > results.Peek().Distance {
			break
		}
		if st.truncated {
			break
		}

		currentNode := h.nodes[current.ID]
		if currentNode == nil || level > currentNode.Level() {
			continue
		}

		for _, neighborID := range currentNode.Connections[level] {
			if visited.Has(neighborID) {
				continue
			}
			visited.Add(neighborID)

			if allow != nil {
				if _, ok := allow[neighborID]; !ok {
					continue
				}
			}

			neighbor := h.nodes[neighborID]
			if neighbor == nil {
				continue
			}

			if !st.spend() {
				break
			}
			d, err := h.distFn(query, neighbor.Vector)
			if err != nil {
				st.err = err
				return nil
			}

			if results.Len() < ef || d < results.Peek().Distance {
				c := types.Candidate{ID: neighborID, Distance: d}
				frontier.Push(c)
				results.Push(c)
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}

	out := make([]types.Candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = results.Pop()
	}
	return out
}

func removeID(list *[]uint32, id uint32) bool {
	for i, x := range *list {
		if x == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
