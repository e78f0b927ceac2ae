package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/annexdb/annex/pkg/engine"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /vectors", s.handleInsert)
	mux.HandleFunc("POST /vectors/batch", s.handleInsertBatch)
	mux.HandleFunc("GET /vectors/{id}", s.handleGetVector)
	mux.HandleFunc("DELETE /vectors/{id}", s.handleDeleteVector)

	mux.HandleFunc("POST /search", s.handleSearch)

	mux.HandleFunc("POST /index/dump", s.handleDump)
	mux.HandleFunc("POST /index/load", s.handleLoad)
	mux.HandleFunc("POST /index/reindex", s.handleReindex)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)

	mux.HandleFunc("GET /stats", s.handleStats)
}

// registerUnprotectedRoutes mounts the endpoints that skip auth, logging
// and metrics middleware.
func (s *Server) registerUnprotectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /debug/pprof/", pprof.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if err := s.engine.Insert(req.ID, req.Vector, req.Metadata); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, statusResponse{Status: "created"})
}

func (s *Server) handleInsertBatch(w http.ResponseWriter, r *http.Request) {
	var req batchInsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Items) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty batch")
		return
	}

	items := make([]engine.BatchItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = engine.BatchItem{ID: item.ID, Vector: item.Vector, Metadata: item.Metadata}
	}
	if err := s.engine.InsertBatch(items); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, statusResponse{Status: "created"})
}

func (s *Server) handleGetVector(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	vector, meta, err := s.engine.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vectorResponse{ID: id, Vector: vector, Metadata: meta})
}

func (s *Server) handleDeleteVector(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.engine.Delete(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "deleted"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if req.K <= 0 {
		s.writeError(w, http.StatusBadRequest, "k must be positive")
		return
	}
	if req.FilterMode != "" && req.FilterMode != string(engine.FilterPre) && req.FilterMode != string(engine.FilterPost) {
		s.writeError(w, http.StatusBadRequest, "filter_mode must be \"pre\" or \"post\"")
		return
	}

	resp, err := s.engine.Search(engine.SearchRequest{
		Vector:    req.Vector,
		K:         req.K,
		Ef:        req.Ef,
		Filter:    req.Filter,
		Mode:      engine.FilterMode(req.FilterMode),
		MaxVisits: req.MaxVisits,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, searchResponse{Results: resp.Results, Truncated: resp.Truncated})
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	var req artifactRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	if err := s.engine.DumpIndex(req.Path); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "dumped"})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req artifactRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	if err := s.engine.LoadIndex(req.Path); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "loaded"})
}

// handleReindex kicks off a background rebuild and returns 202 with a task
// id the client can poll. Concurrent requests each get their own task, but
// the engine coalesces the underlying rebuilds.
func (s *Server) handleReindex(w http.ResponseWriter, _ *http.Request) {
	task := s.taskManager.NewTask()

	go func() {
		task.SetStatus(TaskStatusRunning)
		if err := s.engine.Reindex(context.Background()); err != nil {
			s.log.Error("reindex task failed", "task", task.ID, "err", err)
			task.Fail(err)
			return
		}
		task.SetStatus(TaskStatusCompleted)
	}()

	s.writeJSON(w, http.StatusAccepted, taskAcceptedResponse{TaskID: task.ID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.taskManager.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown task id")
		return
	}
	s.writeJSON(w, http.StatusOK, task.View())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statsResponse{
		Vectors:   s.engine.Count(),
		Dimension: s.engine.Dimension(),
		Metric:    string(s.engine.Metric()),
	})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "id must be an unsigned integer")
		return 0, false
	}
	return id, true
}

// writeEngineError maps engine sentinels onto HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrDuplicateID):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrDimensionMismatch),
		errors.Is(err, engine.ErrInvalidFilter):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("encoding response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
