// Package server exposes the trigger API: a small JSON surface for starting,
// inspecting, and controlling pipeline runs. The heavy lifting stays in the
// ingest package; handlers only translate HTTP to pipeline calls.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/weftworks/loom/internal/ingest"
	"github.com/weftworks/loom/pkg/pipeline/dispatcher"
	"github.com/weftworks/loom/pkg/pipeline/model"
	"github.com/weftworks/loom/pkg/pipeline/repository"
	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

const moduleName = "server"

// Server is the trigger API.
type Server struct {
	pipelines *ingest.Pipelines
	http      *http.Server
}

// New creates the Server listening on addr.
func New(addr string, pipelines *ingest.Pipelines) *Server {
	s := &Server{pipelines: pipelines}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs/{kind}", s.handleTrigger)
	mux.HandleFunc("GET /runs/{kind}/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{kind}/{id}/pause", s.handleControl(pipelines.PauseRun))
	mux.HandleFunc("POST /runs/{kind}/{id}/resume", s.handleControl(pipelines.ResumeRun))
	mux.HandleFunc("POST /runs/{kind}/{id}/stop", s.handleControl(pipelines.StopRun))
	mux.HandleFunc("POST /runs/{kind}/{id}/ack", s.handleControl(pipelines.AcknowledgeRun))
	mux.HandleFunc("GET /healthz", handleHealth)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start begins serving on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return exception.New(moduleName, "failed to listen on "+s.http.Addr, err, false)
	}
	logger.Infof("Trigger API listening on %s.", ln.Addr())
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Trigger API stopped: %v", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// triggerRequest is the POST /runs/{kind} payload. Zero values fall back to
// the dispatcher defaults.
type triggerRequest struct {
	Scope            string `json:"scope"`
	Resume           bool   `json:"resume"`
	DrainBatch       int    `json:"drainBatch"`
	DrainConcurrency int    `json:"drainConcurrency"`
	DrainMaxMs       int64  `json:"drainMaxMs"`
	ForceReclaim     bool   `json:"forceReclaim"`
}

// runResponse is the shared response shape for trigger and lookup.
type runResponse struct {
	Run     *model.Run              `json:"run"`
	Summary *model.Summary          `json:"summary"`
	Report  *dispatcher.DrainReport `json:"report,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}

	var req triggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}

	opts := dispatcher.DrainOptions{
		Batch:        req.DrainBatch,
		Concurrency:  req.DrainConcurrency,
		MaxWait:      time.Duration(req.DrainMaxMs) * time.Millisecond,
		ForceReclaim: req.ForceReclaim,
	}
	run, report, err := s.pipelines.Trigger(r.Context(), kind, req.Scope, req.Resume, opts)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	summary, err := s.pipelines.Summary(r.Context(), run.ID)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Summary: summary, Report: report})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if _, ok := parseKind(w, r); !ok {
		return
	}
	runID := r.PathValue("id")
	run, err := s.pipelines.GetRun(r.Context(), runID)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	summary, err := s.pipelines.Summary(r.Context(), runID)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Summary: summary})
}

// handleControl adapts a run-control operation into a handler.
func (s *Server) handleControl(op func(ctx context.Context, runID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := parseKind(w, r); !ok {
			return
		}
		runID := r.PathValue("id")
		if err := op(r.Context(), runID); err != nil {
			writePipelineError(w, err)
			return
		}
		run, err := s.pipelines.GetRun(r.Context(), runID)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runResponse{Run: run})
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseKind(w http.ResponseWriter, r *http.Request) (model.PipelineKind, bool) {
	switch kind := model.PipelineKind(r.PathValue("kind")); kind {
	case model.KindCatalog, model.KindEnrichment, model.KindExport:
		return kind, true
	default:
		writeError(w, http.StatusNotFound, "unknown pipeline kind "+string(kind))
		return "", false
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writePipelineError maps store and pipeline errors onto HTTP statuses.
func writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrScopeBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrRunNotFound), errors.Is(err, repository.ErrItemNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case exception.IsTemporary(err):
		writeError(w, http.StatusServiceUnavailable, exception.ExtractErrorMessage(err))
	default:
		writeError(w, http.StatusUnprocessableEntity, exception.ExtractErrorMessage(err))
	}
}
