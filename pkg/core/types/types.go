// Package types holds the small value types shared between the graph, the
// engine and the server so that none of them has to import the others.
package types

// Document is a schema-less metadata document associated with a vector id.
// Any value representable in the structured encoding (msgpack) is allowed.
type Document map[string]any

// Candidate is the graph-internal search unit: a dense internal node id
// paired with its distance to the current query.
type Candidate struct {
	ID       uint32
	Distance float64
}

// SearchResult is a single ranked hit as seen by callers: the external id,
// the distance under the collection metric, and the decoded metadata.
type SearchResult struct {
	ID       uint64   `json:"id"`
	Distance float64  `json:"distance"`
	Metadata Document `json:"metadata,omitempty"`
}
