package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"genflow/internal/config"
	"genflow/internal/engine"
	"genflow/internal/models"
	"genflow/internal/notify"
	"genflow/internal/store"
	"genflow/internal/telemetry"
)

// Server wires the HTTP surface the extension UI talks to.
type Server struct {
	cfg         config.Config
	baseCtx     context.Context
	ctrl        *engine.Controller
	store       *store.Store
	broadcaster *notify.Broadcaster
	log         zerolog.Logger
}

// New constructs the API server. baseCtx bounds the lifetime of work started
// through the lifecycle endpoints, not of individual requests.
func New(baseCtx context.Context, cfg config.Config, ctrl *engine.Controller, st *store.Store, b *notify.Broadcaster, log zerolog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		baseCtx:     baseCtx,
		ctrl:        ctrl,
		store:       st,
		broadcaster: b,
		log:         log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmitBatch)
	r.Post("/jobs/import", s.handleImportCSV)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/start", s.handleLifecycle(s.start))
	r.Post("/jobs/{id}/pause", s.handleLifecycle(s.ctrl.Pause))
	r.Post("/jobs/{id}/resume", s.handleLifecycle(s.ctrl.Resume))
	r.Post("/jobs/{id}/cancel", s.handleLifecycle(s.ctrl.Cancel))

	r.Post("/workflows", s.handleSubmitWorkflow)
	r.Get("/workflows/{id}", s.handleGetWorkflow)
	r.Post("/workflows/{id}/pause", s.handleLifecycle(s.ctrl.Pause))
	r.Post("/workflows/{id}/resume", s.handleLifecycle(s.ctrl.Resume))
	r.Post("/workflows/{id}/cancel", s.handleLifecycle(s.ctrl.Cancel))
	r.Post("/workflows/{id}/start", s.handleLifecycle(s.start))

	r.Get("/events", s.handleEvents)

	r.Route("/providers", func(r chi.Router) {
		r.Get("/{provider}", s.handleGetProviderSetting)
		r.Put("/{provider}", s.handlePutProviderSetting)
	})

	r.Route("/templates", func(r chi.Router) {
		r.Get("/", s.handleListTemplates)
		r.Post("/", s.handleCreateTemplate)
		r.Get("/{id}", s.handleGetTemplate)
		r.Put("/{id}", s.handleUpdateTemplate)
		r.Delete("/{id}", s.handleDeleteTemplate)
	})

	return r
}

// batchConfig distinguishes absent retry fields from an explicit zero:
// absent inherits the engine defaults, zero means no retries or no delay.
type batchConfig struct {
	MaxConcurrent int  `json:"max_concurrent"`
	RetryCount    *int `json:"retry_count"`
	RetryDelayMS  *int `json:"retry_delay_ms"`
}

func (c batchConfig) options() engine.SubmitOptions {
	sub := engine.SubmitOptions{
		MaxConcurrent: c.MaxConcurrent,
		RetryCount:    c.RetryCount,
	}
	if c.RetryDelayMS != nil {
		d := time.Duration(*c.RetryDelayMS) * time.Millisecond
		sub.RetryDelay = &d
	}
	return sub
}

type submitBatchRequest struct {
	Name   string              `json:"name"`
	Kind   models.TaskKind     `json:"kind"`
	Items  []engine.SubmitItem `json:"items"`
	Config batchConfig         `json:"config"`
	Start  bool                `json:"start"`
}

type submitResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !req.Kind.Valid() {
		http.Error(w, fmt.Sprintf("unknown task kind %q", req.Kind), http.StatusBadRequest)
		return
	}
	for i, item := range req.Items {
		if item.Kind != "" && !item.Kind.Valid() {
			http.Error(w, fmt.Sprintf("item %d: unknown task kind %q", i, item.Kind), http.StatusBadRequest)
			return
		}
	}

	id, err := s.ctrl.SubmitBatch(req.Name, req.Kind, req.Items, req.Config.options())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if req.Start {
		_ = s.start(id)
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

// handleImportCSV builds a batch from CSV rows. The first record names the
// payload columns; each following row becomes one work item.
func (s *Server) handleImportCSV(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	kind := models.TaskKind(r.URL.Query().Get("kind"))
	if !kind.Valid() {
		http.Error(w, fmt.Sprintf("unknown task kind %q", kind), http.StatusBadRequest)
		return
	}

	reader := csv.NewReader(r.Body)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		http.Error(w, "invalid csv: missing header row", http.StatusBadRequest)
		return
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var items []engine.SubmitItem
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid csv: %v", err), http.StatusBadRequest)
			return
		}
		payload := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(record) && col != "" {
				payload[col] = record[i]
			}
		}
		items = append(items, engine.SubmitItem{Payload: payload})
	}

	id, err := s.ctrl.SubmitBatch(name, kind, items, engine.SubmitOptions{})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info().Str("job_id", id).Int("rows", len(items)).Msg("csv batch imported")
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.ctrl.ListJobs()})
}

type jobResponse struct {
	Job   models.BatchJob   `json:"job"`
	Items []models.WorkItem `json:"items,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, items, err := s.ctrl.JobSnapshot(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, Items: items})
}

type submitWorkflowRequest struct {
	Steps  []models.WorkflowStep `json:"steps"`
	Params map[string]any        `json:"params"`
	Start  bool                  `json:"start"`
}

func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req submitWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	for _, step := range req.Steps {
		if !step.StepKind.Valid() {
			http.Error(w, fmt.Sprintf("step %q: unknown task kind %q", step.ID, step.StepKind), http.StatusBadRequest)
			return
		}
	}

	id, err := s.ctrl.SubmitWorkflow(req.Steps, req.Params)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if req.Start {
		_ = s.start(id)
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.ctrl.ExecutionSnapshot(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// start launches work bounded by the server's base context, so a drain
// outlives the request that triggered it.
func (s *Server) start(id string) error {
	return s.ctrl.Start(s.baseCtx, id)
}

func (s *Server) handleLifecycle(verb func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := verb(id); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleEvents streams progress snapshots as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, cancel := s.broadcaster.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-sub:
			if !ok {
				return
			}
			raw, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var knownProviders = map[string]bool{"chat": true, "image": true, "video": true}

// providerSettingRequest updates a provider's connection settings. APIKeyRef
// names a secret elsewhere; the key itself never travels through here.
type providerSettingRequest struct {
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	APIKeyRef string `json:"api_key_ref"`
}

func (s *Server) handleGetProviderSetting(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "provider settings store not configured", http.StatusServiceUnavailable)
		return
	}
	provider := chi.URLParam(r, "provider")
	if !knownProviders[provider] {
		http.Error(w, fmt.Sprintf("unknown provider %q", provider), http.StatusBadRequest)
		return
	}
	setting, err := s.store.GetProviderSetting(r.Context(), provider)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

func (s *Server) handlePutProviderSetting(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "provider settings store not configured", http.StatusServiceUnavailable)
		return
	}
	provider := chi.URLParam(r, "provider")
	if !knownProviders[provider] {
		http.Error(w, fmt.Sprintf("unknown provider %q", provider), http.StatusBadRequest)
		return
	}
	var req providerSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	setting := store.ProviderSetting{
		Provider:  provider,
		BaseURL:   req.BaseURL,
		Model:     req.Model,
		APIKeyRef: req.APIKeyRef,
	}
	if err := s.store.UpsertProviderSetting(r.Context(), setting); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info().Str("provider", provider).Msg("provider settings updated")
	writeJSON(w, http.StatusOK, setting)
}

type templateRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Body string `json:"body"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "template store not configured", http.StatusServiceUnavailable)
		return
	}
	templates, err := s.store.ListTemplates(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "template store not configured", http.StatusServiceUnavailable)
		return
	}
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tpl, err := s.store.CreateTemplate(r.Context(), req.Name, req.Kind, req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "template store not configured", http.StatusServiceUnavailable)
		return
	}
	tpl, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "template store not configured", http.StatusServiceUnavailable)
		return
	}
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tpl, err := s.store.UpdateTemplate(r.Context(), chi.URLParam(r, "id"), req.Name, req.Kind, req.Body)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "template store not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.store.DeleteTemplate(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrJobNotFound), errors.Is(err, engine.ErrExecutionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrJobTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrEmptyJob),
		errors.Is(err, engine.ErrInvalidConcurrency),
		errors.Is(err, engine.ErrInvalidRetry),
		errors.Is(err, engine.ErrNoSteps),
		errors.Is(err, engine.ErrForwardDependency),
		errors.Is(err, engine.ErrUnknownDependency):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
