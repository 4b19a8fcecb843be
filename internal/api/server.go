package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/syllogic-ai/genai-datavis-sub001/internal/agent"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/config"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/models"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/ratelimit"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/realtime"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/store"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/telemetry"
)

// Server wires the HTTP mutation-submission boundary: every confirmed widget
// mutation is persisted, then published to the change feed and mirrored to
// sibling contexts.
type Server struct {
	cfg     config.Config
	store   *store.Store
	rt      *realtime.Redis
	queue   *agent.Queue
	limiter *ratelimit.Limiter
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, rt *realtime.Redis, q *agent.Queue, limiter *ratelimit.Limiter) *Server {
	return &Server{cfg: cfg, store: st, rt: rt, queue: q, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/dashboards/{dashboardID}", func(r chi.Router) {
		r.Get("/widgets", s.handleListWidgets)
		r.Post("/widgets", s.handleCreateWidget)
		r.Patch("/widgets/{widgetID}", s.handleUpdateWidget)
		r.Delete("/widgets/{widgetID}", s.handleDeleteWidget)
		r.Post("/jobs", s.handleSubmitJob)
	})
	r.Get("/jobs/{id}", s.handleGetJob)
	return r
}

func (s *Server) handleListWidgets(w http.ResponseWriter, r *http.Request) {
	dashboardID := chi.URLParam(r, "dashboardID")
	widgets, err := s.store.ListWidgets(r.Context(), dashboardID)
	if err != nil {
		http.Error(w, "failed to list widgets", http.StatusInternalServerError)
		return
	}
	if widgets == nil {
		widgets = []models.Widget{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"widgets": widgets})
}

type widgetRequest struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position *int           `json:"position"`
	Config   map[string]any `json:"config"`
	Data     map[string]any `json:"data"`
}

func (s *Server) handleCreateWidget(w http.ResponseWriter, r *http.Request) {
	dashboardID := chi.URLParam(r, "dashboardID")
	if !s.allow(w, r, dashboardID) {
		return
	}
	var req widgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	position := 0
	if req.Position != nil {
		position = *req.Position
	}

	widget, err := s.store.CreateWidget(r.Context(), store.CreateWidgetParams{
		ID:          req.ID,
		DashboardID: dashboardID,
		Type:        req.Type,
		Position:    position,
		Config:      req.Config,
		Data:        req.Data,
	})
	if err != nil {
		http.Error(w, "failed to create widget", http.StatusInternalServerError)
		return
	}

	s.publishWidget(r, realtime.EventInsert, widget)
	writeJSON(w, http.StatusCreated, widget)
}

func (s *Server) handleUpdateWidget(w http.ResponseWriter, r *http.Request) {
	dashboardID := chi.URLParam(r, "dashboardID")
	widgetID := chi.URLParam(r, "widgetID")
	if !s.allow(w, r, dashboardID) {
		return
	}
	var req widgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	upd := store.UpdateWidgetParams{Position: req.Position, Config: req.Config, Data: req.Data}
	if req.Type != "" {
		upd.Type = &req.Type
	}

	widget, err := s.store.UpdateWidget(r.Context(), dashboardID, widgetID, upd)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "widget not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to update widget", http.StatusInternalServerError)
		return
	}

	s.publishWidget(r, realtime.EventUpdate, widget)
	writeJSON(w, http.StatusOK, widget)
}

func (s *Server) handleDeleteWidget(w http.ResponseWriter, r *http.Request) {
	dashboardID := chi.URLParam(r, "dashboardID")
	widgetID := chi.URLParam(r, "widgetID")
	if !s.allow(w, r, dashboardID) {
		return
	}

	widget, err := s.store.DeleteWidget(r.Context(), dashboardID, widgetID)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "widget not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to delete widget", http.StatusInternalServerError)
		return
	}

	s.publishWidget(r, realtime.EventDelete, widget)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type submitJobRequest struct {
	OwnerID string         `json:"owner_id"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	dashboardID := chi.URLParam(r, "dashboardID")
	if !s.allow(w, r, dashboardID) {
		return
	}
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		OwnerID:     req.OwnerID,
		DashboardID: dashboardID,
		Payload:     req.Payload,
	})
	if err != nil {
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
		msg := err.Error()
		_, _ = s.store.FailJob(r.Context(), job.ID, msg)
		http.Error(w, "failed to enqueue job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to fetch job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// allow applies the per-dashboard mutation limiter, writing a 429 with a
// Retry-After hint on rejection.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, dashboardID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, wait, err := s.limiter.Allow(r.Context(), dashboardID)
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

// publishWidget fans a confirmed mutation out: change event on the primary
// feed, then a mirror for sibling contexts. The mutation is already durable;
// publish failures are not surfaced to the caller.
func (s *Server) publishWidget(r *http.Request, eventType string, widget models.Widget) {
	ctx := r.Context()
	ev := realtime.Event{Type: eventType}
	m := realtime.Mirror{Origin: originFromRequest(r)}
	switch eventType {
	case realtime.EventInsert:
		ev.New = &widget
		m.Type = realtime.MirrorCreated
		m.Widget = &widget
	case realtime.EventUpdate:
		ev.New = &widget
		m.Type = realtime.MirrorUpdated
		m.Widget = &widget
	case realtime.EventDelete:
		ev.Old = &widget
		m.Type = realtime.MirrorDeleted
		m.WidgetID = widget.ID
	}
	if _, err := s.rt.PublishEvent(ctx, widget.DashboardID, ev); err == nil {
		telemetry.EventsPublished.Inc()
	}
	if err := s.rt.Publish(ctx, widget.DashboardID, m); err == nil {
		telemetry.MirrorsPublished.Inc()
	}
}

// originFromRequest lets a submitting client stamp mirrors with its own
// instance id so it can skip its echo; confirmation for the submitter rides
// the primary feed.
func originFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-Instance"); v != "" {
		return v
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
