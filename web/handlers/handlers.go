// Package handlers provides the HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/engine"
	"github.com/alienxp03/soulsync/internal/export"
	"github.com/alienxp03/soulsync/internal/persona"
	"github.com/alienxp03/soulsync/internal/progress"
	"github.com/alienxp03/soulsync/internal/provider"
	"github.com/alienxp03/soulsync/internal/storage"
	"github.com/alienxp03/soulsync/internal/tournament"
)

// UserHeader carries the caller's user ID. Authentication happens upstream.
const UserHeader = "X-User-ID"

// Simulator starts classic single-opponent runs.
type Simulator interface {
	StartSimulation(ctx context.Context, userID string) (*engine.Simulation, error)
}

// TournamentStarter starts elimination tournaments.
type TournamentStarter interface {
	StartTournament(ctx context.Context, userID string, count int) (*tournament.Started, error)
}

// Options wires a Handler.
type Options struct {
	Storage         storage.Storage
	Simulations     Simulator
	Tournaments     TournamentStarter
	Registry        *provider.Registry
	Metrics         http.Handler
	PollInterval    time.Duration
	HealthCachePath string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	storage      storage.Storage
	simulations  Simulator
	tournaments  TournamentStarter
	registry     *provider.Registry
	metrics      http.Handler
	pollInterval time.Duration
	healthCache  *providerHealthCache
	now          func() time.Time
}

// New creates a new Handler.
func New(opts Options) *Handler {
	registry := opts.Registry
	if registry == nil {
		registry = provider.NewRegistry()
	}
	return &Handler{
		storage:      opts.Storage,
		simulations:  opts.Simulations,
		tournaments:  opts.Tournaments,
		registry:     registry,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		healthCache:  newProviderHealthCache(opts.HealthCachePath, 0),
		now:          time.Now,
	}
}

// Routes returns the router serving every endpoint.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/providers/health", h.handleAPIProvidersHealth)
		r.Get("/agents", h.handleAPIListAgents)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Post("/agents", h.handleAPICreateAgent)
			r.Get("/user/matchable", h.handleAPIGetMatchable)
			r.Put("/user/matchable", h.handleAPISetMatchable)

			r.Post("/simulations", h.handleAPICreateSimulation)
			r.Get("/simulations/{id}", h.handleAPIGetSimulation)
			r.Get("/simulations/{id}/events", h.handleSimulationEvents)

			r.Post("/tournaments", h.handleAPICreateTournament)
			r.Get("/tournaments/{id}", h.handleAPIGetTournament)
			r.Get("/tournaments/{id}/events", h.handleTournamentEvents)

			r.Get("/reports/{sessionId}", h.handleAPIGetReport)
			r.Get("/reports/{sessionId}/export/{format}", h.handleExportReport)
		})
	})
	return r
}

type userKey struct{}

// requireUser rejects requests without a caller identity.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Health

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) handleAPIProvidersHealth(w http.ResponseWriter, r *http.Request) {
	result := make(map[string]provider.HealthStatus)
	for _, name := range h.registry.Names() {
		if status, ok := h.healthCache.GetFresh(name); ok {
			result[name] = status
			continue
		}

		p, err := h.registry.Get(name)
		if err != nil {
			continue
		}
		checker, ok := p.(provider.HealthChecker)
		if !ok {
			continue
		}
		status := checker.HealthCheck(r.Context())
		h.healthCache.Set(name, status)
		result[name] = status
	}

	writeJSON(w, map[string]any{"providers": result})
}

// Agents and users

func (h *Handler) handleAPIListAgents(w http.ResponseWriter, r *http.Request) {
	source := core.AgentSource(strings.ToUpper(r.URL.Query().Get("source")))
	agents, err := h.storage.ListAgents(source)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if agents == nil {
		agents = []*core.Agent{}
	}
	writeJSON(w, agents)
}

type createAgentRequest struct {
	Name   string `json:"name"`
	MBTI   string `json:"mbti"`
	Intent string `json:"intent"`
}

// handleAPICreateAgent creates or replaces the caller's agent. Unknown
// callers get a user record on first use.
func (h *Handler) handleAPICreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MBTI == "" || req.Intent == "" {
		jsonError(w, "mbti and intent required", http.StatusBadRequest)
		return
	}

	now := h.now()
	user, err := h.storage.GetUser(userID(r))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if user == nil {
		user = &core.User{ID: userID(r), CreatedAt: now}
	}
	if req.Name != "" {
		user.DisplayName = req.Name
	}
	if user.DisplayName == "" {
		user.DisplayName = "My Agent"
	}

	agent := &core.Agent{
		ID:            user.AgentID,
		DisplayName:   user.DisplayName,
		PromptPersona: persona.BuildAgentPersona(strings.ToUpper(req.MBTI), req.Intent, user.DisplayName),
		MBTI:          strings.ToUpper(req.MBTI),
		Intent:        req.Intent,
		Source:        core.SourceRegistered,
		UserID:        user.ID,
		CreatedAt:     now,
	}
	if agent.ID == "" {
		agent.ID = core.GenerateID()
	}
	if err := h.storage.UpsertAgent(agent); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	user.AgentID = agent.ID
	user.LastActiveAt = now
	if err := h.storage.UpsertUser(user); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("Agent saved", "user_id", user.ID, "agent_id", agent.ID)
	writeJSON(w, agent)
}

func (h *Handler) handleAPIGetMatchable(w http.ResponseWriter, r *http.Request) {
	user, err := h.storage.GetUser(userID(r))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if user == nil {
		jsonError(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]bool{"matchable": user.Matchable})
}

func (h *Handler) handleAPISetMatchable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Matchable bool `json:"matchable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.storage.GetUser(userID(r))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if user == nil {
		jsonError(w, "user not found", http.StatusNotFound)
		return
	}

	user.Matchable = req.Matchable
	user.LastActiveAt = h.now()
	if err := h.storage.UpsertUser(user); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"matchable": user.Matchable})
}

// Simulations

type opponentView struct {
	DisplayName string `json:"displayName"`
	MBTI        string `json:"mbti"`
}

func (h *Handler) handleAPICreateSimulation(w http.ResponseWriter, r *http.Request) {
	sim, err := h.simulations.StartSimulation(r.Context(), userID(r))
	switch {
	case errors.Is(err, engine.ErrNoAgent):
		jsonError(w, "create an agent first", http.StatusUnauthorized)
		return
	case errors.Is(err, engine.ErrNoOpponent):
		jsonError(w, "no opponent available", http.StatusServiceUnavailable)
		return
	case err != nil:
		slog.Error("Failed to start simulation", "user_id", userID(r), "error", err)
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"sessionId": sim.Session.ID,
		"opponent":  opponentView{DisplayName: sim.Opponent.DisplayName, MBTI: sim.Opponent.MBTI},
	})
}

func (h *Handler) handleAPIGetSimulation(w http.ResponseWriter, r *http.Request) {
	state, err := h.storage.GetSessionState(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if state == nil || state.Session.UserID != userID(r) {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, state)
}

// Tournaments

type createTournamentRequest struct {
	CandidateCount int `json:"candidateCount"`
}

type tournamentCandidateView struct {
	CandidateID string `json:"candidateId"`
	DisplayName string `json:"displayName"`
	MBTI        string `json:"mbti"`
	AgentID     string `json:"agentId"`
}

func (h *Handler) handleAPICreateTournament(w http.ResponseWriter, r *http.Request) {
	var req createTournamentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	started, err := h.tournaments.StartTournament(r.Context(), userID(r), req.CandidateCount)
	switch {
	case errors.Is(err, tournament.ErrInvalidCandidateCount), errors.Is(err, tournament.ErrNotEnoughCandidates):
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, tournament.ErrNoAgent):
		jsonError(w, "create an agent first", http.StatusUnauthorized)
		return
	case err != nil:
		slog.Error("Failed to start tournament", "user_id", userID(r), "error", err)
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	candidates := make([]tournamentCandidateView, 0, len(started.Candidates))
	for _, c := range started.Candidates {
		candidates = append(candidates, tournamentCandidateView{
			CandidateID: c.CandidateID,
			DisplayName: c.DisplayName,
			MBTI:        c.MBTI,
			AgentID:     c.AgentID,
		})
	}
	writeJSON(w, map[string]any{
		"tournamentId": started.Tournament.ID,
		"candidates":   candidates,
	})
}

func (h *Handler) handleAPIGetTournament(w http.ResponseWriter, r *http.Request) {
	state, err := h.storage.GetTournamentState(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if state == nil || state.Tournament.UserID != userID(r) {
		jsonError(w, "tournament not found", http.StatusNotFound)
		return
	}
	writeJSON(w, state)
}

// Reports

// loadDocument returns the caller's report with its session, or nil.
func (h *Handler) loadDocument(r *http.Request) (*export.Document, error) {
	report, err := h.storage.GetReportBySession(chi.URLParam(r, "sessionId"))
	if err != nil || report == nil || report.UserID != userID(r) {
		return nil, err
	}
	state, err := h.storage.GetSessionState(report.SessionID)
	if err != nil {
		return nil, err
	}
	return &export.Document{Report: report, Session: state}, nil
}

func (h *Handler) handleAPIGetReport(w http.ResponseWriter, r *http.Request) {
	doc, err := h.loadDocument(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if doc == nil {
		jsonError(w, "report not found", http.StatusNotFound)
		return
	}
	writeJSON(w, doc)
}

func (h *Handler) handleExportReport(w http.ResponseWriter, r *http.Request) {
	format := chi.URLParam(r, "format")
	exporter, err := export.GetExporter(export.Format(format))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	doc, err := h.loadDocument(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if doc == nil {
		jsonError(w, "report not found", http.StatusNotFound)
		return
	}

	filename := export.GenerateFilename(doc, exporter.FileExtension())
	w.Header().Set("Content-Type", exporter.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))

	if err := exporter.Export(doc, w); err != nil {
		slog.Error("Export failed", "session_id", doc.Report.SessionID, "format", format, "error", err)
		http.Error(w, "Export failed", http.StatusInternalServerError)
	}
}

// Helper methods

func (h *Handler) streamInterval() time.Duration {
	if h.pollInterval > 0 {
		return h.pollInterval
	}
	return progress.DefaultPollInterval
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
