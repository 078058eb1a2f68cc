// Package server exposes the polling HTTP API. All result normalization for
// clients happens here, in the JSON projection of the model types; handlers
// never reshape results themselves.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/caselens/citeminer/internal/job"
	"github.com/caselens/citeminer/internal/learning"
	"github.com/caselens/citeminer/internal/model"
	"github.com/caselens/citeminer/internal/pipeline"
	"github.com/caselens/citeminer/internal/store"
	"github.com/caselens/citeminer/internal/textsource"
	"github.com/caselens/citeminer/internal/verify"
)

// Config carries the server tuning knobs.
type Config struct {
	AllowedOrigins []string
	// SyncThreshold is the text size in bytes under which analysis runs
	// inline instead of as an async job.
	SyncThreshold int
}

// Server wires the HTTP surface to the job manager and pipeline.
type Server struct {
	cfg        Config
	st         store.Store
	manager    *job.Manager
	pipeline   *pipeline.Pipeline
	resolver   *textsource.Resolver
	orch       *verify.Orchestrator // nil when verification is disabled
	learnStore *learning.Store
	router     chi.Router
}

// New creates a Server and mounts its routes.
func New(
	cfg Config,
	st store.Store,
	manager *job.Manager,
	p *pipeline.Pipeline,
	resolver *textsource.Resolver,
	orch *verify.Orchestrator,
	learnStore *learning.Store,
) *Server {
	if cfg.SyncThreshold <= 0 {
		cfg.SyncThreshold = 64 << 10
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		cfg:        cfg,
		st:         st,
		manager:    manager,
		pipeline:   p,
		resolver:   resolver,
		orch:       orch,
		learnStore: learnStore,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/task_status/{task_id}", s.handleTaskStatus)
		r.Get("/processing_progress", s.handleProgress)
		r.Get("/health", s.handleHealth)
	})

	s.router = r
	return s
}

// Handler returns the mounted router.
func (s *Server) Handler() http.Handler {
	return s.router
}

type errorResponse struct {
	Error string `json:"error"`
}

type submitResponse struct {
	TaskID string          `json:"task_id"`
	Status model.JobStatus `json:"status"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req model.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" && req.Text != "" {
		req.Type = model.SourceText
	}

	if err := s.resolver.Validate(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Small direct-text submissions run inline: the caller gets the result
	// without a polling round-trip.
	if req.Type == model.SourceText && len(req.Text) < s.cfg.SyncThreshold {
		result, outcome := s.pipeline.Analyze(r.Context(), req.Text, req, nil)
		s.pipeline.Learn(outcome)
		writeJSON(w, http.StatusOK, result)
		return
	}

	j, err := s.manager.Submit(r.Context(), req)
	if eris.Is(err, job.ErrQueueFull) {
		writeError(w, http.StatusServiceUnavailable, "server busy, try again later")
		return
	}
	if err != nil {
		zap.L().Error("server: submit job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: j.ID, Status: j.Status})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	j, err := s.manager.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type progressView struct {
	TaskID      string          `json:"task_id"`
	Status      model.JobStatus `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"current_step,omitempty"`
	ETASeconds  int             `json:"estimated_time_remaining,omitempty"`
}

type progressSummary struct {
	Active     int            `json:"active"`
	Processing int            `json:"processing"`
	Queued     int            `json:"queued"`
	Tasks      []progressView `json:"tasks"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		j, err := s.manager.Get(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, progressView{
			TaskID:      j.ID,
			Status:      j.Status,
			Progress:    j.Progress,
			CurrentStep: j.CurrentStep,
			ETASeconds:  j.ETASeconds,
		})
		return
	}

	active, err := s.manager.Active(r.Context())
	if err != nil {
		zap.L().Error("server: list active jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	summary := progressSummary{Active: len(active), Tasks: make([]progressView, 0, len(active))}
	for _, j := range active {
		switch j.Status {
		case model.JobStatusProcessing:
			summary.Processing++
		case model.JobStatusQueued:
			summary.Queued++
		}
		summary.Tasks = append(summary.Tasks, progressView{
			TaskID:      j.ID,
			Status:      j.Status,
			Progress:    j.Progress,
			CurrentStep: j.CurrentStep,
			ETASeconds:  j.ETASeconds,
		})
	}
	writeJSON(w, http.StatusOK, summary)
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Time       time.Time         `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Components: map[string]string{},
		Time:       time.Now().UTC(),
	}

	if _, err := s.st.ListJobs(r.Context(), store.JobFilter{Limit: 1}); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = err.Error()
	} else {
		resp.Components["store"] = "ok"
	}

	if s.learnStore != nil {
		if err := s.learnStore.Health(); err != nil {
			resp.Status = "degraded"
			resp.Components["learning"] = err.Error()
		} else {
			resp.Components["learning"] = "ok"
		}
	}

	if s.orch != nil {
		state := s.orch.CircuitState()
		resp.Components["verifier_circuit"] = state.String()
	} else {
		resp.Components["verifier_circuit"] = "disabled"
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
