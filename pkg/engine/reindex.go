package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/annexdb/annex/pkg/codec"
	"github.com/annexdb/annex/pkg/core/hnsw"
	"github.com/annexdb/annex/pkg/metrics"
	"github.com/annexdb/annex/pkg/storage"
)

// Reindex rebuilds the graph from the vector family and swaps it in.
// Searches keep running against the old graph for the whole rebuild;
// inserts and deletes keep landing on the old graph and are journaled, then
// replayed onto the fresh graph just before the swap, so nothing written
// during the rebuild is lost. Concurrent calls coalesce into one rebuild.
func (e *Engine) Reindex(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	_, err, shared := e.reindexGroup.Do("reindex", func() (any, error) {
		return nil, e.reindex(ctx)
	})
	if shared {
		e.log.Debug("reindex call coalesced into running rebuild")
	}
	return err
}

func (e *Engine) reindex(ctx context.Context) error {
	start := time.Now()
	e.log.Info("reindex started", "vectors", e.Count())

	e.writeMu.Lock()
	e.journal = make([]journalOp, 0, 64)
	e.writeMu.Unlock()
	defer func() {
		e.writeMu.Lock()
		e.journal = nil
		e.writeMu.Unlock()
	}()

	fresh, err := e.buildFromStore(ctx)
	if err != nil {
		metrics.ReindexRunsTotal.WithLabelValues("error").Inc()
		e.log.Error("reindex failed", "err", err, "took", time.Since(start))
		return err
	}

	// Catch-up and swap. Holding writeMu here means no new writes can
	// slip in between the replay and the swap.
	e.writeMu.Lock()
	replayed := len(e.journal)
	for _, op := range e.journal {
		if op.delete {
			if err := fresh.Delete(op.id); err != nil && !errors.Is(err, hnsw.ErrNotFound) {
				e.writeMu.Unlock()
				metrics.ReindexRunsTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("replaying delete of %d: %w", op.id, err)
			}
			continue
		}
		// The scan snapshot may already contain this insert.
		if err := fresh.Insert(op.id, append([]float32(nil), op.vector...)); err != nil &&
			!errors.Is(err, hnsw.ErrDuplicateID) {
			e.writeMu.Unlock()
			metrics.ReindexRunsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("replaying insert of %d: %w", op.id, err)
		}
	}
	e.indexMu.Lock()
	e.index = fresh
	e.indexMu.Unlock()
	e.journal = nil
	e.writeMu.Unlock()

	took := time.Since(start)
	metrics.ReindexRunsTotal.WithLabelValues("ok").Inc()
	metrics.ReindexDuration.Observe(took.Seconds())
	metrics.VectorsTotal.Set(float64(fresh.Len()))
	e.log.Info("reindex finished", "vectors", fresh.Len(), "replayed", replayed, "took", took)
	return nil
}

// buildFromStore constructs a fresh graph from every record in the vector
// family. The scan and the graph inserts run as a two-stage pipeline so
// decoding overlaps with linking.
func (e *Engine) buildFromStore(ctx context.Context) (*hnsw.Index, error) {
	idx, err := e.newIndex()
	if err != nil {
		return nil, err
	}

	type record struct {
		id     uint64
		vector []float32
	}

	g, ctx := errgroup.WithContext(ctx)
	records := make(chan record, 256)

	g.Go(func() error {
		defer close(records)
		return e.store.Scan(storage.FamilyVector, 0, func(id uint64, value []byte) error {
			vector, err := codec.DecodeVector(value, e.opts.Dimension)
			if err != nil {
				return fmt.Errorf("decoding vector %d: %w", id, err)
			}
			select {
			case records <- record{id: id, vector: vector}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	g.Go(func() error {
		for rec := range records {
			if err := idx.Insert(rec.id, rec.vector); err != nil {
				return fmt.Errorf("linking vector %d: %w", rec.id, err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return idx, nil
}

// journalAppend records a write for catch-up replay. Callers hold writeMu.
func (e *Engine) journalAppend(op journalOp) {
	if e.journal == nil {
		return
	}
	if op.vector != nil {
		op.vector = append([]float32(nil), op.vector...)
	}
	e.journal = append(e.journal, op)
}
