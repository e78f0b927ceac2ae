package hnsw

import (
	"fmt"

	"github.com/annexdb/annex/pkg/core/distance"
)

// NodeSnapshot is one node in portable form: external ids only, no arena
// slots. Neighbors[l] is the adjacency at layer l; len(Neighbors)-1 is the
// node's top layer.
type NodeSnapshot struct {
	ID        uint64
	Vector    []float32
	Neighbors [][]uint64
}

// Snapshot is a point-in-time copy of the whole graph, sufficient to
// restore an index that answers every query exactly as the original did.
type Snapshot struct {
	Metric         distance.Metric
	M              int
	EfConstruction int
	// Dim is the vector dimensionality shared by every node. Zero only
	// for an index that never saw an insert.
	Dim     int
	EntryID uint64
	Nodes   []NodeSnapshot
}

// Snapshot copies the graph out under the read lock. Vectors and adjacency
// lists are deep-copied so the caller can serialize without holding any
// lock.
func (h *Index) Snapshot() *Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := &Snapshot{
		Metric:         h.metric,
		M:              h.m,
		EfConstruction: h.efConstruction,
		Dim:            h.dim,
		Nodes:          make([]NodeSnapshot, 0, h.liveCount),
	}
	if h.maxLevel >= 0 {
		snap.EntryID = h.nodes[h.entrypoint].ID
	}

	for _, n := range h.nodes {
		if n == nil {
			continue
		}
		ns := NodeSnapshot{
			ID:        n.ID,
			Vector:    append([]float32(nil), n.Vector...),
			Neighbors: make([][]uint64, len(n.Connections)),
		}
		for l, conns := range n.Connections {
			ext := make([]uint64, 0, len(conns))
			for _, internal := range conns {
				if nb := h.nodes[internal]; nb != nil {
					ext = append(ext, nb.ID)
				}
			}
			ns.Neighbors[l] = ext
		}
		snap.Nodes = append(snap.Nodes, ns)
	}
	return snap
}

// Restore builds an index from a snapshot. Every edge must point at a node
// present in the snapshot and the entry point must exist and sit on the
// highest layer; any violation fails with ErrCorrupt and leaves no partial
// index behind.
func Restore(snap *Snapshot) (*Index, error) {
	h, err := New(Options{
		M:              snap.M,
		EfConstruction: snap.EfConstruction,
		Metric:         snap.Metric,
	})
	if err != nil {
		return nil, err
	}

	// First pass: allocate arena slots so edges can be resolved. Every
	// vector must match the snapshot's dimension (derived from the first
	// node when the snapshot predates the field).
	dim := snap.Dim
	for _, ns := range snap.Nodes {
		if _, dup := h.idToInternal[ns.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %d", ErrCorrupt, ns.ID)
		}
		if len(ns.Neighbors) == 0 {
			return nil, fmt.Errorf("%w: node %d has no layers", ErrCorrupt, ns.ID)
		}
		if dim == 0 {
			dim = len(ns.Vector)
		}
		if len(ns.Vector) != dim {
			return nil, fmt.Errorf("%w: node %d has dimension %d, want %d",
				ErrCorrupt, ns.ID, len(ns.Vector), dim)
		}
		internal := uint32(len(h.nodes))
		h.nodes = append(h.nodes, &Node{
			ID:          ns.ID,
			Internal:    internal,
			Vector:      ns.Vector,
			Connections: make([][]uint32, len(ns.Neighbors)),
		})
		h.idToInternal[ns.ID] = internal
	}
	h.liveCount = len(snap.Nodes)
	h.dim = dim

	// Second pass: resolve adjacency to internal ids.
	for i, ns := range snap.Nodes {
		node := h.nodes[h.idToInternal[ns.ID]]
		for l, ext := range ns.Neighbors {
			conns := make([]uint32, 0, len(ext))
			for _, id := range ext {
				internal, ok := h.idToInternal[id]
				if !ok {
					return nil, fmt.Errorf("%w: node %d layer %d references unknown node %d",
						ErrCorrupt, ns.ID, l, id)
				}
				if int(internal) == i && id == ns.ID {
					return nil, fmt.Errorf("%w: node %d links to itself", ErrCorrupt, ns.ID)
				}
				conns = append(conns, internal)
			}
			node.Connections[l] = conns
		}
	}

	if len(snap.Nodes) == 0 {
		return h, nil
	}

	top := -1
	for _, n := range h.nodes {
		if n.Level() > top {
			top = n.Level()
		}
	}
	entry, ok := h.idToInternal[snap.EntryID]
	if !ok {
		return nil, fmt.Errorf("%w: entry point %d not in snapshot", ErrCorrupt, snap.EntryID)
	}
	if h.nodes[entry].Level() != top {
		return nil, fmt.Errorf("%w: entry point %d is on layer %d, want top layer %d",
			ErrCorrupt, snap.EntryID, h.nodes[entry].Level(), top)
	}
	h.entrypoint = entry
	h.maxLevel = top
	return h, nil
}
