package engine

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annexdb/annex/pkg/core/distance"
	"github.com/annexdb/annex/pkg/core/types"
)

func testOptions(dim int) Options {
	opts := DefaultOptions("", dim)
	opts.InMemory = true
	opts.Seed = 42
	opts.AutoSaveInterval = 0
	opts.Logger = log.New(io.Discard)
	return opts
}

func openTestEngine(t *testing.T, dim int) *Engine {
	t.Helper()
	e, err := Open(testOptions(dim))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestInsertSearchRoundTrip(t *testing.T) {
	e := openTestEngine(t, 2)

	require.NoError(t, e.Insert(1, []float32{0, 0}, types.Document{"name": "origin"}))
	require.NoError(t, e.Insert(2, []float32{1, 0}, types.Document{"name": "east"}))
	require.NoError(t, e.Insert(3, []float32{0, 5}, nil))
	assert.Equal(t, 3, e.Count())

	resp, err := e.Search(SearchRequest{Vector: []float32{0.1, 0}, K: 2})
	require.NoError(t, err)
	assert.False(t, resp.Truncated)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, uint64(1), resp.Results[0].ID)
	assert.InDelta(t, 0.1, resp.Results[0].Distance, 1e-6)
	assert.Equal(t, "origin", resp.Results[0].Metadata["name"])

	assert.Equal(t, uint64(2), resp.Results[1].ID)
	assert.InDelta(t, 0.9, resp.Results[1].Distance, 1e-6)
}

func TestInsertValidation(t *testing.T) {
	e := openTestEngine(t, 3)

	assert.ErrorIs(t, e.Insert(1, []float32{1, 2}, nil), ErrDimensionMismatch)

	require.NoError(t, e.Insert(1, []float32{1, 2, 3}, nil))
	assert.ErrorIs(t, e.Insert(1, []float32{4, 5, 6}, nil), ErrDuplicateID)

	_, err := e.Search(SearchRequest{Vector: []float32{1}, K: 1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = e.Search(SearchRequest{Vector: []float32{1, 2, 3}, K: 0})
	assert.Error(t, err)
}

func TestDeleteAndGet(t *testing.T) {
	e := openTestEngine(t, 2)
	require.NoError(t, e.Insert(7, []float32{1, 2}, types.Document{"tag": "x"}))

	vec, doc, err := e.Get(7)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)
	assert.Equal(t, "x", doc["tag"])

	require.NoError(t, e.Delete(7))
	assert.Equal(t, 0, e.Count())
	assert.ErrorIs(t, e.Delete(7), ErrNotFound)

	_, _, err = e.Get(7)
	assert.ErrorIs(t, err, ErrNotFound)

	// The filter index forgot the document too.
	require.NoError(t, e.Insert(8, []float32{3, 4}, types.Document{"tag": "y"}))
	resp, err := e.Search(SearchRequest{Vector: []float32{1, 2}, K: 5, Filter: "tag=x"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestInsertBatch(t *testing.T) {
	e := openTestEngine(t, 2)

	items := []BatchItem{
		{ID: 1, Vector: []float32{0, 0}, Metadata: types.Document{"n": 1}},
		{ID: 2, Vector: []float32{1, 1}, Metadata: types.Document{"n": 2}},
		{ID: 3, Vector: []float32{2, 2}},
	}
	require.NoError(t, e.InsertBatch(items))
	assert.Equal(t, 3, e.Count())

	// A bad item stops the batch but keeps earlier inserts.
	err := e.InsertBatch([]BatchItem{
		{ID: 4, Vector: []float32{3, 3}},
		{ID: 2, Vector: []float32{9, 9}},
	})
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 4, e.Count())
}

func seedMusic(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.InsertBatch([]BatchItem{
		{ID: 1, Vector: []float32{0.1, 0.1}, Metadata: types.Document{"genre": "rock", "year": 1969}},
		{ID: 2, Vector: []float32{0.2, 0.2}, Metadata: types.Document{"genre": "rock", "year": 1991}},
		{ID: 3, Vector: []float32{0.3, 0.3}, Metadata: types.Document{"genre": "jazz", "year": 1959}},
		{ID: 4, Vector: []float32{0.4, 0.4}, Metadata: types.Document{"genre": "jazz", "year": 2015}},
	}))
}

func TestSearchPreFilter(t *testing.T) {
	e := openTestEngine(t, 2)
	seedMusic(t, e)

	resp, err := e.Search(SearchRequest{
		Vector: []float32{0, 0},
		K:      4,
		Filter: "genre=jazz",
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, uint64(3), resp.Results[0].ID)
	assert.Equal(t, uint64(4), resp.Results[1].ID)

	// Nothing matches: empty result, no error.
	resp, err = e.Search(SearchRequest{Vector: []float32{0, 0}, K: 4, Filter: "genre=polka"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	_, err = e.Search(SearchRequest{Vector: []float32{0, 0}, K: 4, Filter: "genre"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestSearchPostFilter(t *testing.T) {
	e := openTestEngine(t, 2)
	seedMusic(t, e)

	resp, err := e.Search(SearchRequest{
		Vector: []float32{0, 0},
		K:      2,
		Filter: "genre=rock AND year>=1990",
		Mode:   FilterPost,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(2), resp.Results[0].ID)

	_, err = e.Search(SearchRequest{Vector: []float32{0, 0}, K: 2, Filter: "genre=rock", Mode: "sideways"})
	assert.Error(t, err)
}

func TestSearchVisitBudget(t *testing.T) {
	e := openTestEngine(t, 2)
	for i := uint64(1); i <= 300; i++ {
		require.NoError(t, e.Insert(i, []float32{float32(i % 17), float32(i % 23)}, nil))
	}

	resp, err := e.Search(SearchRequest{Vector: []float32{1, 1}, K: 10, MaxVisits: 2})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)

	resp, err = e.Search(SearchRequest{Vector: []float32{1, 1}, K: 10, MaxVisits: -1})
	require.NoError(t, err)
	assert.False(t, resp.Truncated)
	assert.Len(t, resp.Results, 10)
}

func TestCosineEngine(t *testing.T) {
	opts := testOptions(2)
	opts.Metric = distance.Cosine
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Insert(1, []float32{5, 0}, nil))
	require.NoError(t, e.Insert(2, []float32{0, 5}, nil))

	// The engine normalizes the query; callers pass raw vectors.
	resp, err := e.Search(SearchRequest{Vector: []float32{100, 1}, K: 2})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, uint64(1), resp.Results[0].ID)
	assert.InDelta(t, 0.0, resp.Results[0].Distance, 1e-3)

	// The stored vector is returned as written, not normalized.
	vec, _, err := e.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 0}, vec)
}

func TestReindexPreservesData(t *testing.T) {
	e := openTestEngine(t, 2)
	seedMusic(t, e)
	require.NoError(t, e.Delete(3))

	before, err := e.Search(SearchRequest{Vector: []float32{0, 0}, K: 4})
	require.NoError(t, err)

	require.NoError(t, e.Reindex(context.Background()))
	assert.Equal(t, 3, e.Count())

	after, err := e.Search(SearchRequest{Vector: []float32{0, 0}, K: 4})
	require.NoError(t, err)
	assert.Equal(t, before.Results, after.Results)
}

func TestReindexCancellation(t *testing.T) {
	e := openTestEngine(t, 2)
	seedMusic(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Reindex(ctx)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
	// Either way the live index is intact.
	assert.Equal(t, 4, e.Count())
}

func TestDumpLoadRoundTrip(t *testing.T) {
	e := openTestEngine(t, 2)
	seedMusic(t, e)
	path := filepath.Join(t.TempDir(), "index.annex")

	require.NoError(t, e.DumpIndex(path))

	before, err := e.Search(SearchRequest{Vector: []float32{0.15, 0.15}, K: 4})
	require.NoError(t, err)

	require.NoError(t, e.LoadIndex(path))
	after, err := e.Search(SearchRequest{Vector: []float32{0.15, 0.15}, K: 4})
	require.NoError(t, err)
	assert.Equal(t, before.Results, after.Results)
}

func TestLoadIndexRejectsDimensionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.annex")

	src := openTestEngine(t, 2)
	require.NoError(t, src.Insert(1, []float32{0, 0}, nil))
	require.NoError(t, src.Insert(2, []float32{1, 0}, nil))
	require.NoError(t, src.DumpIndex(path))

	dst := openTestEngine(t, 3)
	require.NoError(t, dst.Insert(9, []float32{1, 1, 1}, nil))

	err := dst.LoadIndex(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")

	// The mismatched artifact was never installed.
	assert.Equal(t, 1, dst.Count())
	resp, err := dst.Search(SearchRequest{Vector: []float32{1, 1, 1}, K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(9), resp.Results[0].ID)
}

func TestDurableReopen(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir, 2)
	opts.Seed = 42
	opts.AutoSaveInterval = 0
	opts.Logger = log.New(io.Discard)

	e, err := Open(opts)
	require.NoError(t, err)
	seedMusic(t, e)
	require.NoError(t, e.Close())

	// Reopen: graph comes back from the artifact written at Close,
	// metadata from the store.
	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()

	assert.Equal(t, 4, e2.Count())
	resp, err := e2.Search(SearchRequest{Vector: []float32{0, 0}, K: 1, Filter: "genre=jazz"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(3), resp.Results[0].ID)
	assert.Equal(t, "jazz", resp.Results[0].Metadata["genre"])
}

func TestDeleteSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir, 2)
	opts.Seed = 42
	opts.AutoSaveInterval = 0
	opts.Logger = log.New(io.Discard)

	e, err := Open(opts)
	require.NoError(t, err)
	seedMusic(t, e)
	require.NoError(t, e.Delete(2))
	require.NoError(t, e.Close())

	// The pair left the store before the graph, so no rebuild can bring
	// the id back.
	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()

	assert.Equal(t, 3, e2.Count())
	_, _, err = e2.Get(2)
	assert.ErrorIs(t, err, ErrNotFound)

	resp, err := e2.Search(SearchRequest{Vector: []float32{0.2, 0.2}, K: 4})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, uint64(2), r.ID)
	}
}

func TestClosedEngineRejectsOps(t *testing.T) {
	e, err := Open(testOptions(2))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Insert(1, []float32{0, 0}, nil), ErrClosed)
	assert.ErrorIs(t, e.Delete(1), ErrClosed)
	_, err = e.Search(SearchRequest{Vector: []float32{0, 0}, K: 1})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Reindex(context.Background()), ErrClosed)
	assert.ErrorIs(t, e.DumpIndex(""), ErrClosed)
}
