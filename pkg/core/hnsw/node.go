package hnsw

// Node is a single entry in the graph arena. Nodes are addressed by a dense
// internal uint32 id (the arena slot), while callers only ever see the
// stable external uint64 id. Neighbor lists store internal ids, never
// pointers, so the adjacency structure has no ownership cycles and maps
// directly onto the persistence format.
type Node struct {
	// ID is the caller-assigned external identifier, the join key with
	// the vec:/meta: families in the storage engine.
	ID uint64
	// Internal is the arena slot of this node.
	Internal uint32
	// Vector is the stored vector. For the cosine metric it is the
	// normalized copy. Treated as immutable once published.
	Vector []float32
	// Connections holds one neighbor list per layer the node participates
	// in; Connections[0] is the base layer. len(Connections)-1 is the
	// node's top layer.
	Connections [][]uint32
}

// Level returns the node's top layer.
func (n *Node) Level() int {
	return len(n.Connections) - 1
}
