package server

import "github.com/annexdb/annex/pkg/core/types"

// Wire types for the REST API.

type insertRequest struct {
	ID       uint64         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata types.Document `json:"metadata,omitempty"`
}

type batchInsertRequest struct {
	Items []insertRequest `json:"items"`
}

type searchRequest struct {
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
	Ef     int       `json:"ef,omitempty"`
	Filter string    `json:"filter,omitempty"`
	// FilterMode is "pre" (default) or "post".
	FilterMode string `json:"filter_mode,omitempty"`
	// MaxVisits caps the search's distance evaluations. -1 disables the
	// server default budget.
	MaxVisits int `json:"max_visits,omitempty"`
}

type searchResponse struct {
	Results   []types.SearchResult `json:"results"`
	Truncated bool                 `json:"truncated"`
}

type vectorResponse struct {
	ID       uint64         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata types.Document `json:"metadata,omitempty"`
}

// artifactRequest names an artifact path; empty means the engine default.
type artifactRequest struct {
	Path string `json:"path,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type statsResponse struct {
	Vectors   int    `json:"vectors"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
}

type taskAcceptedResponse struct {
	TaskID string `json:"task_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}
