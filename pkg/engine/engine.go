// Package engine is the embedded database: it owns the durable key-value
// store, the in-memory proximity graph, the metadata filter index and the
// index artifact on disk, and keeps the four consistent across inserts,
// deletes, searches and background rebuilds.
//
// Basic usage:
//
//	opts := engine.DefaultOptions("./data", 128)
//	db, err := engine.Open(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/annexdb/annex/pkg/codec"
	"github.com/annexdb/annex/pkg/core/distance"
	"github.com/annexdb/annex/pkg/core/hnsw"
	"github.com/annexdb/annex/pkg/core/types"
	"github.com/annexdb/annex/pkg/metrics"
	"github.com/annexdb/annex/pkg/persistence"
	"github.com/annexdb/annex/pkg/storage"
)

// Options configures an Engine.
type Options struct {
	// DataDir holds the key-value store and the index artifact. Created
	// if missing.
	DataDir string
	// InMemory keeps the key-value store off disk. Artifact dump and load
	// still work if given explicit paths. Meant for tests.
	InMemory bool

	// Dimension is the fixed vector dimensionality of the collection.
	Dimension int
	// Metric selects the distance function. Default euclidean.
	Metric distance.Metric
	// Layout selects the stored vector precision. Default float32.
	Layout codec.Layout

	// M and EfConstruction are the graph build parameters.
	M              int
	EfConstruction int
	// Seed fixes the graph's level draws. Zero means time-seeded.
	Seed int64

	// DefaultEf is the beam width used when a search does not specify
	// one. Default 100.
	DefaultEf int
	// MaxVisits bounds distance evaluations per search when the request
	// does not set its own budget. Zero means unbounded.
	MaxVisits int

	// AutoSaveInterval enables periodic artifact dumps when positive.
	AutoSaveInterval time.Duration

	Logger *log.Logger
}

// DefaultOptions returns the options used by the server binary.
func DefaultOptions(dataDir string, dimension int) Options {
	return Options{
		DataDir:          dataDir,
		Dimension:        dimension,
		Metric:           distance.Euclidean,
		Layout:           codec.LayoutFloat32,
		M:                hnsw.DefaultM,
		EfConstruction:   hnsw.DefaultEfConstruction,
		DefaultEf:        100,
		AutoSaveInterval: 5 * time.Minute,
	}
}

// postFilterMultiplier sizes the candidate pool for post-filtered searches:
// the graph is asked for multiplier*k results before the filter is applied.
const postFilterMultiplier = 3

// Engine is safe for concurrent use. Mutations serialize on writeMu; the
// graph pointer swaps atomically under indexMu during rebuilds and loads so
// searches never observe a half-built graph.
type Engine struct {
	opts Options
	log  *log.Logger

	store   *storage.Engine
	filters *filterIndex

	indexMu sync.RWMutex
	index   *hnsw.Index

	// writeMu serializes Insert/Delete against each other and against the
	// journal replay that finishes a rebuild.
	writeMu sync.Mutex
	// journal records writes that land while a rebuild is scanning, so
	// the fresh graph can catch up before it is swapped in. Nil when no
	// rebuild is in flight. Guarded by writeMu.
	journal []journalOp

	reindexGroup singleflight.Group

	closed       atomic.Bool
	stopAutosave chan struct{}
	wg           sync.WaitGroup
}

type journalOp struct {
	delete bool
	id     uint64
	vector []float32
}

// Open brings up the store, rebuilds the filter index from the meta family,
// and installs the graph: from the on-disk artifact when it is present and
// intact, otherwise by a full rebuild from the vector family.
func Open(opts Options) (*Engine, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("engine: dimension must be positive, got %d", opts.Dimension)
	}
	if opts.Metric == "" {
		opts.Metric = distance.Euclidean
	}
	if opts.Layout == 0 {
		opts.Layout = codec.LayoutFloat32
	}
	if opts.DefaultEf <= 0 {
		opts.DefaultEf = 100
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr)
	}

	storeDir := ""
	if !opts.InMemory {
		storeDir = filepath.Join(opts.DataDir, "store")
		if err := os.MkdirAll(storeDir, 0o755); err != nil {
			return nil, err
		}
	}
	store, err := storage.Open(storeDir, opts.InMemory)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	e := &Engine{
		opts:         opts,
		log:          opts.Logger.With("component", "engine"),
		store:        store,
		filters:      newFilterIndex(),
		stopAutosave: make(chan struct{}),
	}

	if err := e.warmFilterIndex(); err != nil {
		store.Close()
		return nil, err
	}

	if err := e.installIndex(); err != nil {
		store.Close()
		return nil, err
	}
	metrics.VectorsTotal.Set(float64(e.index.Len()))

	if opts.AutoSaveInterval > 0 && !opts.InMemory {
		e.wg.Add(1)
		go e.autosaveLoop()
	}
	return e, nil
}

// IndexPath is where the engine dumps and loads its artifact by default.
func (e *Engine) IndexPath() string {
	return filepath.Join(e.opts.DataDir, "index.annex")
}

// Metric returns the configured distance metric.
func (e *Engine) Metric() distance.Metric { return e.opts.Metric }

// Dimension returns the configured vector dimensionality.
func (e *Engine) Dimension() int { return e.opts.Dimension }

// Count returns the number of live vectors.
func (e *Engine) Count() int {
	return e.currentIndex().Len()
}

func (e *Engine) currentIndex() *hnsw.Index {
	e.indexMu.RLock()
	defer e.indexMu.RUnlock()
	return e.index
}

func (e *Engine) warmFilterIndex() error {
	return e.store.Scan(storage.FamilyMeta, 0, func(id uint64, value []byte) error {
		doc, err := codec.DecodeDocument(value)
		if err != nil {
			return fmt.Errorf("decoding metadata for id %d: %w", id, err)
		}
		e.filters.Add(id, doc)
		return nil
	})
}

// installIndex restores the artifact if possible, falling back to a rebuild
// from the store. A stale artifact (vector count drifted from the store) is
// treated the same as a corrupt one.
func (e *Engine) installIndex() error {
	path := e.IndexPath()
	if !e.opts.InMemory {
		snap, err := persistence.ReadSnapshot(path)
		switch {
		case err == nil:
			idx, rerr := hnsw.Restore(snap)
			switch {
			case rerr != nil:
				e.log.Warn("artifact failed validation, rebuilding", "err", rerr)
			case snap.Metric != e.opts.Metric:
				e.log.Warn("artifact metric mismatch, rebuilding",
					"artifact", snap.Metric, "configured", e.opts.Metric)
			case snap.Dim != e.opts.Dimension:
				e.log.Warn("artifact dimension mismatch, rebuilding",
					"artifact", snap.Dim, "configured", e.opts.Dimension)
			default:
				count, cerr := e.store.Count(storage.FamilyVector)
				if cerr != nil {
					return cerr
				}
				if idx.Len() == count {
					e.index = idx
					e.log.Info("index restored from artifact", "path", path, "vectors", idx.Len())
					return nil
				}
				e.log.Warn("artifact out of sync with store, rebuilding",
					"artifact_vectors", idx.Len(), "store_vectors", count)
			}
		case errors.Is(err, os.ErrNotExist):
			e.log.Info("no index artifact, building from store", "path", path)
		default:
			e.log.Warn("unreadable index artifact, rebuilding", "err", err)
		}
	}

	idx, err := e.buildFromStore(context.Background())
	if err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}
	e.index = idx
	e.log.Info("index built from store", "vectors", idx.Len())
	return nil
}

func (e *Engine) newIndex() (*hnsw.Index, error) {
	return hnsw.New(hnsw.Options{
		M:              e.opts.M,
		EfConstruction: e.opts.EfConstruction,
		Metric:         e.opts.Metric,
		Seed:           e.opts.Seed,
	})
}

// Insert stores the vector and metadata durably, then links the vector into
// the graph and the metadata into the filter index.
func (e *Engine) Insert(id uint64, vector []float32, meta types.Document) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if len(vector) != e.opts.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), e.opts.Dimension)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	idx := e.currentIndex()
	if idx.Contains(id) {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	vecBytes, err := codec.EncodeVector(vector, e.opts.Layout)
	if err != nil {
		return err
	}
	metaBytes, err := codec.EncodeDocument(meta)
	if err != nil {
		return err
	}
	// Durability first: if the store write fails the graph is untouched.
	if err := e.store.PutPair(id, vecBytes, metaBytes); err != nil {
		return err
	}

	// The graph may normalize in place, so it gets its own copy.
	if err := idx.Insert(id, append([]float32(nil), vector...)); err != nil {
		return err
	}
	e.filters.Add(id, meta)
	e.journalAppend(journalOp{id: id, vector: vector})

	metrics.VectorsTotal.Set(float64(idx.Len()))
	return nil
}

// BatchItem is one entry of an InsertBatch call.
type BatchItem struct {
	ID       uint64
	Vector   []float32
	Metadata types.Document
}

// InsertBatch inserts items in order, stopping at the first failure. Items
// already inserted stay inserted; the error names the offending id.
func (e *Engine) InsertBatch(items []BatchItem) error {
	for _, item := range items {
		if err := e.Insert(item.ID, item.Vector, item.Metadata); err != nil {
			return fmt.Errorf("inserting id %d: %w", item.ID, err)
		}
	}
	return nil
}

// Delete removes the id from the graph, the store and the filter index.
func (e *Engine) Delete(id uint64) error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	idx := e.currentIndex()
	if !idx.Contains(id) {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	// Pull the metadata before the pair is gone so the filter index can
	// unindex the exact document.
	var doc types.Document
	if metaBytes, err := e.store.Get(storage.FamilyMeta, id); err == nil {
		doc, _ = codec.DecodeDocument(metaBytes)
	}

	// Store first, mirroring Insert: if the durable delete fails the graph
	// keeps the vector, so the error is visible and a later rebuild cannot
	// resurrect an id the caller believes gone.
	if err := e.store.DeletePair(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := idx.Delete(id); err != nil {
		return err
	}
	if doc != nil {
		e.filters.Remove(id, doc)
	}
	e.journalAppend(journalOp{delete: true, id: id})

	metrics.VectorsTotal.Set(float64(idx.Len()))
	return nil
}

// Get returns the stored vector and metadata for one id.
func (e *Engine) Get(id uint64) ([]float32, types.Document, error) {
	if e.closed.Load() {
		return nil, nil, ErrClosed
	}
	vecBytes, err := e.store.Get(storage.FamilyVector, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, nil, err
	}
	vector, err := codec.DecodeVector(vecBytes, e.opts.Dimension)
	if err != nil {
		return nil, nil, err
	}
	metaBytes, err := e.store.Get(storage.FamilyMeta, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return vector, nil, nil
		}
		return nil, nil, err
	}
	doc, err := codec.DecodeDocument(metaBytes)
	if err != nil {
		return nil, nil, err
	}
	return vector, doc, nil
}

// FilterMode selects when the metadata filter is applied.
type FilterMode string

const (
	// FilterPre restricts the graph traversal to matching ids.
	FilterPre FilterMode = "pre"
	// FilterPost searches unrestricted over an enlarged candidate pool
	// and filters the results.
	FilterPost FilterMode = "post"
)

// SearchRequest describes one query.
type SearchRequest struct {
	Vector []float32
	K      int
	// Ef is the search beam width. Zero means the engine default;
	// values below K are raised to K.
	Ef int
	// Filter is a metadata expression like "genre=rock AND year>=1990".
	// Empty means unfiltered.
	Filter string
	// Mode defaults to FilterPre when a filter is set.
	Mode FilterMode
	// MaxVisits overrides the engine's default visit budget. Zero means
	// use the default; negative means explicitly unbounded.
	MaxVisits int
}

// SearchResponse carries the ranked results. Truncated means the visit
// budget ran out and Results holds the best candidates found so far.
type SearchResponse struct {
	Results   []types.SearchResult
	Truncated bool
}

// Search runs a K-nearest-neighbor query.
func (e *Engine) Search(req SearchRequest) (*SearchResponse, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if len(req.Vector) != e.opts.Dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(req.Vector), e.opts.Dimension)
	}
	if req.K <= 0 {
		return nil, fmt.Errorf("engine: k must be positive, got %d", req.K)
	}
	if req.Ef <= 0 {
		req.Ef = e.opts.DefaultEf
	}
	if req.Ef < req.K {
		req.Ef = req.K
	}

	maxVisits := req.MaxVisits
	switch {
	case maxVisits == 0:
		maxVisits = e.opts.MaxVisits
	case maxVisits < 0:
		maxVisits = 0
	}

	query := req.Vector
	if distance.NeedsNormalization(e.opts.Metric) {
		query = append([]float32(nil), req.Vector...)
		distance.Normalize(query)
	}

	mode := req.Mode
	if mode == "" {
		mode = FilterPre
	}

	params := hnsw.SearchParams{K: req.K, Ef: req.Ef, MaxVisits: maxVisits}

	var postSet map[uint64]struct{}
	if req.Filter != "" {
		matched, err := e.filters.Eval(req.Filter)
		if err != nil {
			return nil, err
		}
		switch mode {
		case FilterPre:
			if len(matched) == 0 {
				return &SearchResponse{}, nil
			}
			params.Allow = matched
		case FilterPost:
			if len(matched) == 0 {
				return &SearchResponse{}, nil
			}
			postSet = matched
			// Over-fetch so the filter has candidates to discard.
			pool := req.K * postFilterMultiplier
			if pool < req.Ef {
				pool = req.Ef
			}
			params.K = pool
			params.Ef = pool
		default:
			return nil, fmt.Errorf("engine: unknown filter mode %q", mode)
		}
	}

	hits, truncated, err := e.currentIndex().Search(query, params)
	if err != nil {
		return nil, err
	}
	if truncated {
		metrics.SearchesTruncatedTotal.Inc()
	}

	results := make([]types.SearchResult, 0, req.K)
	for _, hit := range hits {
		if postSet != nil {
			if _, ok := postSet[hit.ID]; !ok {
				continue
			}
		}
		doc, err := e.loadMetadata(hit.ID)
		if err != nil {
			return nil, err
		}
		results = append(results, types.SearchResult{
			ID:       hit.ID,
			Distance: hit.Distance,
			Metadata: doc,
		})
		if len(results) == req.K {
			break
		}
	}
	return &SearchResponse{Results: results, Truncated: truncated}, nil
}

func (e *Engine) loadMetadata(id uint64) (types.Document, error) {
	metaBytes, err := e.store.Get(storage.FamilyMeta, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return codec.DecodeDocument(metaBytes)
}

// snapshot exports the live graph with the collection dimension stamped on,
// so even an empty index produces a dimension-checked artifact.
func (e *Engine) snapshot() *hnsw.Snapshot {
	snap := e.currentIndex().Snapshot()
	snap.Dim = e.opts.Dimension
	return snap
}

// DumpIndex writes the current graph to path ("" means the default
// artifact location).
func (e *Engine) DumpIndex(path string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if path == "" {
		path = e.IndexPath()
	}
	start := time.Now()
	snap := e.snapshot()
	if err := persistence.WriteSnapshot(path, snap); err != nil {
		return err
	}
	metrics.DumpDuration.Observe(time.Since(start).Seconds())
	e.log.Info("index dumped", "path", path, "vectors", len(snap.Nodes),
		"took", time.Since(start))
	return nil
}

// LoadIndex replaces the live graph with the artifact at path ("" means
// the default location). The artifact must carry the configured metric.
func (e *Engine) LoadIndex(path string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if path == "" {
		path = e.IndexPath()
	}
	snap, err := persistence.ReadSnapshot(path)
	if err != nil {
		return err
	}
	if snap.Metric != e.opts.Metric {
		return fmt.Errorf("engine: artifact metric %q does not match configured %q",
			snap.Metric, e.opts.Metric)
	}
	if snap.Dim != e.opts.Dimension {
		return fmt.Errorf("engine: artifact dimension %d does not match configured %d",
			snap.Dim, e.opts.Dimension)
	}
	idx, err := hnsw.Restore(snap)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	e.indexMu.Lock()
	e.index = idx
	e.indexMu.Unlock()
	e.writeMu.Unlock()

	metrics.VectorsTotal.Set(float64(idx.Len()))
	e.log.Info("index loaded", "path", path, "vectors", idx.Len())
	return nil
}

func (e *Engine) autosaveLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.AutoSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.DumpIndex(""); err != nil {
				e.log.Error("periodic index dump failed", "err", err)
			}
		case <-e.stopAutosave:
			return
		}
	}
}

// Close stops background work, writes a final artifact for durable engines,
// and closes the store. Safe to call once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopAutosave)
	e.wg.Wait()

	var firstErr error
	if !e.opts.InMemory {
		snap := e.snapshot()
		if err := persistence.WriteSnapshot(e.IndexPath(), snap); err != nil {
			firstErr = err
			e.log.Error("final index dump failed", "err", err)
		}
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
