package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alienxp03/soulsync/internal/candidate"
	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/engine"
	"github.com/alienxp03/soulsync/internal/judge"
	"github.com/alienxp03/soulsync/internal/metrics"
	"github.com/alienxp03/soulsync/internal/progress"
	"github.com/alienxp03/soulsync/internal/provider"
	"github.com/alienxp03/soulsync/internal/storage"
	"github.com/alienxp03/soulsync/internal/tournament"
)

type testEnv struct {
	handler     *Handler
	server      http.Handler
	store       *storage.SQLiteStorage
	simulations *engine.Engine
	tournaments *tournament.Orchestrator
}

// setupTestHandler wires a handler over a temp SQLite store and the mock provider.
func setupTestHandler(t *testing.T) (*testEnv, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "soulsync-handlers-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	store, err := storage.NewSQLiteStorage(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create storage: %v", err)
	}
	if err := store.Initialize(); err != nil {
		store.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to initialize storage: %v", err)
	}
	if _, err := candidate.EnsureSeeds(store); err != nil {
		store.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to seed agents: %v", err)
	}

	completer := provider.NewMockProvider(0)
	registry := provider.NewRegistry()
	registry.Register(completer)
	m := metrics.NewManager()

	runner := engine.NewRunner(store, completer, judge.New(completer), nil, engine.RunnerOptions{})
	pool := candidate.NewPool(store, nil, nil)
	sims := engine.New(store, runner, pool, engine.Settings{}, engine.WithRecorder(m))
	orch := tournament.New(store, runner, pool, progress.NewLog(store, m),
		tournament.Settings{Turns: tournament.DefaultTurns}, tournament.WithRecorder(m))

	h := New(Options{
		Storage:         store,
		Simulations:     sims,
		Tournaments:     orch,
		Registry:        registry,
		Metrics:         m.Handler(),
		PollInterval:    10 * time.Millisecond,
		HealthCachePath: filepath.Join(tmpDir, "health.json"),
	})

	env := &testEnv{handler: h, server: h.Routes(), store: store, simulations: sims, tournaments: orch}
	cleanup := func() {
		sims.Wait()
		orch.Wait()
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return env, cleanup
}

func (e *testEnv) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
	return v
}

func createAgent(t *testing.T, env *testEnv, user string) {
	t.Helper()
	w := env.do(t, "POST", "/api/agents", user, `{"name":"Ada","mbti":"intj","intent":"long-term partner"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 creating agent, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRequireUser(t *testing.T) {
	env, cleanup := setupTestHandler(t)
	defer cleanup()

	for _, path := range []string{"/api/simulations/x", "/api/tournaments/x", "/api/reports/x", "/api/user/matchable"} {
		if w := env.do(t, "GET", path, "", ""); w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, w.Code)
		}
	}

	if w := env.do(t, "GET", "/healthz", "", ""); w.Code != http.StatusOK {
		t.Errorf("expected healthz 200, got %d", w.Code)
	}
}

func TestAgentsAndMatchable(t *testing.T) {
	env, cleanup := setupTestHandler(t)
	defer cleanup()

	t.Run("validation", func(t *testing.T) {
		w := env.do(t, "POST", "/api/agents", "user-1", `{"mbti":"INTJ"}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	createAgent(t, env, "user-1")
	user, err := env.store.GetUser("user-1")
	if err != nil || user == nil {
		t.Fatalf("expected user to be created: %v", err)
	}
	agent, err := env.store.GetAgent(user.AgentID)
	if err != nil || agent == nil {
		t.Fatalf("expected agent to be linked: %v", err)
	}
	if agent.MBTI != "INTJ" || agent.Source != core.SourceRegistered || !strings.Contains(agent.PromptPersona, "long-term partner") {
		t.Errorf("unexpected agent: %+v", agent)
	}

	createAgent(t, env, "user-1")
	again, _ := env.store.GetUser("user-1")
	if again.AgentID != user.AgentID {
		t.Errorf("expected agent to be replaced in place, got %s and %s", user.AgentID, again.AgentID)
	}

	if got := decode[map[string]bool](t, env.do(t, "GET", "/api/user/matchable", "user-1", "")); got["matchable"] {
		t.Error("expected new users to be unmatchable")
	}
	if got := decode[map[string]bool](t, env.do(t, "PUT", "/api/user/matchable", "user-1", `{"matchable":true}`)); !got["matchable"] {
		t.Error("expected matchable after update")
	}

	agents := decode[[]core.Agent](t, env.do(t, "GET", "/api/agents?source=registered", "", ""))
	if len(agents) != 1 || agents[0].ID != user.AgentID {
		t.Errorf("expected only the registered agent, got %+v", agents)
	}
}

func TestSimulationFlow(t *testing.T) {
	env, cleanup := setupTestHandler(t)
	defer cleanup()

	if w := env.do(t, "POST", "/api/simulations", "nobody", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without agent, got %d", w.Code)
	}

	createAgent(t, env, "user-1")
	w := env.do(t, "POST", "/api/simulations", "user-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	created := decode[struct {
		SessionID string `json:"sessionId"`
		Opponent  struct {
			DisplayName string `json:"displayName"`
			MBTI        string `json:"mbti"`
		} `json:"opponent"`
	}](t, w)
	if created.SessionID == "" || created.Opponent.DisplayName == "" {
		t.Fatalf("unexpected response: %s", w.Body.String())
	}
	env.simulations.Wait()

	state := decode[core.SessionState](t, env.do(t, "GET", "/api/simulations/"+created.SessionID, "user-1", ""))
	if !state.Session.Status.IsTerminal() || len(state.Rounds) == 0 {
		t.Errorf("expected a finished session with rounds, got %s with %d rounds", state.Session.Status, len(state.Rounds))
	}

	if w := env.do(t, "GET", "/api/simulations/"+created.SessionID, "user-2", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another user, got %d", w.Code)
	}

	events := env.do(t, "GET", "/api/simulations/"+created.SessionID+"/events", "user-1", "")
	if ct := events.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %s", ct)
	}
	body := events.Body.String()
	if !strings.Contains(body, "event: message\n") || !strings.HasSuffix(body, "\n\n") || !strings.Contains(body, "event: done\n") {
		t.Errorf("unexpected stream body: %q", body)
	}
}

func TestTournamentFlow(t *testing.T) {
	env, cleanup := setupTestHandler(t)
	defer cleanup()
	createAgent(t, env, "user-1")

	tests := []struct {
		name string
		body string
		code int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"invalid count", `{"candidateCount":4}`, http.StatusBadRequest},
		{"not enough candidates", `{"candidateCount":10}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/api/tournaments", "user-1", tt.body); w.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
		})
	}

	w := env.do(t, "POST", "/api/tournaments", "user-1", `{"candidateCount":3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	started := decode[struct {
		TournamentID string                    `json:"tournamentId"`
		Candidates   []tournamentCandidateView `json:"candidates"`
	}](t, w)
	if len(started.Candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(started.Candidates))
	}
	env.tournaments.Wait()

	state := decode[core.TournamentState](t, env.do(t, "GET", "/api/tournaments/"+started.TournamentID, "user-1", ""))
	if state.Tournament.Status != core.TournamentCompleted || state.Tournament.WinnerID == "" {
		t.Errorf("expected a completed tournament with a winner, got %+v", state.Tournament)
	}

	body := env.do(t, "GET", "/api/tournaments/"+started.TournamentID+"/events", "user-1", "").Body.String()
	for _, want := range []string{"event: candidates\n", "event: phase_start\n", "event: candidate_message\n", "event: done\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected stream to contain %q", want)
		}
	}

	rounds := make(map[string]int)
	for _, frame := range strings.Split(body, "\n\n") {
		data, ok := strings.CutPrefix(frame, "event: candidate_round\ndata: ")
		if !ok {
			continue
		}
		var payload struct {
			RoundID string `json:"roundId"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil || payload.RoundID == "" {
			t.Fatalf("bad candidate_round frame %q: %v", data, err)
		}
		rounds[payload.RoundID]++
	}
	if len(rounds) == 0 {
		t.Error("expected candidate_round frames")
	}
	for id, n := range rounds {
		if n != 1 {
			t.Errorf("round %s streamed %d times", id, n)
		}
	}

	if !strings.Contains(env.do(t, "GET", "/metrics", "", "").Body.String(), "soulsync_engine_tournaments_total") {
		t.Error("expected tournament metric to be exported")
	}
}

func TestStatePollingIsIdempotent(t *testing.T) {
	env, cleanup := setupTestHandler(t)
	defer cleanup()
	createAgent(t, env, "user-1")

	sim := decode[struct {
		SessionID string `json:"sessionId"`
	}](t, env.do(t, "POST", "/api/simulations", "user-1", ""))
	tour := decode[struct {
		TournamentID string `json:"tournamentId"`
	}](t, env.do(t, "POST", "/api/tournaments", "user-1", `{"candidateCount":3}`))
	env.simulations.Wait()
	env.tournaments.Wait()

	for _, path := range []string{"/api/simulations/" + sim.SessionID, "/api/tournaments/" + tour.TournamentID} {
		first := env.do(t, "GET", path, "user-1", "")
		second := env.do(t, "GET", path, "user-1", "")
		if first.Code != http.StatusOK || second.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 twice, got %d and %d", path, first.Code, second.Code)
		}
		if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
			t.Errorf("%s: responses differ:\n%s\n%s", path, first.Body.String(), second.Body.String())
		}
	}
}

func TestReports(t *testing.T) {
	env, cleanup := setupTestHandler(t)
	defer cleanup()
	createAgent(t, env, "user-1")

	user, _ := env.store.GetUser("user-1")
	now := time.Now()
	session := &core.Session{ID: "s-1", UserID: "user-1", UserAgentID: user.AgentID, OpponentAgentID: "seed_gentle_artist", Status: core.SessionCompleted, CreatedAt: now}
	if err := env.store.CreateSession(session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	report := &core.MatchReport{ID: "rep-1", SessionID: "s-1", UserID: "user-1", CompatibilityScore: 81, Recommendation: "Overall compatibility 81%", CreatedAt: now}
	if err := env.store.CreateReport(report); err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}

	w := env.do(t, "GET", "/api/reports/s-1", "user-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"compatibility_score":81`) {
		t.Errorf("unexpected report body: %s", w.Body.String())
	}

	if w := env.do(t, "GET", "/api/reports/s-1", "user-2", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another user, got %d", w.Code)
	}

	tests := []struct {
		format      string
		code        int
		contentType string
	}{
		{"markdown", http.StatusOK, "text/markdown; charset=utf-8"},
		{"json", http.StatusOK, "application/json"},
		{"pdf", http.StatusOK, "application/pdf"},
		{"docx", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			w := env.do(t, "GET", "/api/reports/s-1/export/"+tt.format, "user-1", "")
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, w.Code)
			}
			if tt.contentType == "" {
				return
			}
			if got := w.Header().Get("Content-Type"); got != tt.contentType {
				t.Errorf("expected %s, got %s", tt.contentType, got)
			}
			if !strings.HasPrefix(w.Header().Get("Content-Disposition"), "attachment; filename=\"report_") {
				t.Errorf("unexpected disposition: %s", w.Header().Get("Content-Disposition"))
			}
		})
	}
}

type countingProvider struct {
	name   string
	checks int32
}

func (p *countingProvider) Name() string { return p.name }

func (p *countingProvider) Complete(ctx context.Context, req provider.Request) (string, error) {
	return "ok", nil
}

func (p *countingProvider) HealthCheck(ctx context.Context) provider.HealthStatus {
	atomic.AddInt32(&p.checks, 1)
	return provider.HealthStatus{
		Available:    true,
		ResponseTime: 50 * time.Millisecond,
		CheckedAt:    time.Now(),
	}
}

func TestProvidersHealthUsesCache(t *testing.T) {
	env, cleanup := setupTestHandler(t)
	defer cleanup()

	cachePath := filepath.Join(t.TempDir(), "provider-health.json")
	env.handler.healthCache = newProviderHealthCache(cachePath, 30*time.Minute)

	prov := &countingProvider{name: "counting"}
	env.handler.registry.Register(prov)

	for range 2 {
		w := env.do(t, "GET", "/api/providers/health", "", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		payload := decode[struct {
			Providers map[string]provider.HealthStatus `json:"providers"`
		}](t, w)
		if !payload.Providers["counting"].Available || !payload.Providers["mock"].Available {
			t.Fatalf("expected both providers available, got %+v", payload.Providers)
		}
	}

	if got := atomic.LoadInt32(&prov.checks); got != 1 {
		t.Fatalf("expected 1 health check call, got %d", got)
	}
	if _, err := os.Stat(cachePath); err != nil {
		t.Fatalf("expected cache file to be created, got error: %v", err)
	}

	t.Run("failures expire sooner", func(t *testing.T) {
		cache := newProviderHealthCache(filepath.Join(t.TempDir(), "health.json"), 0)
		checked := time.Now().Add(-2 * time.Minute)
		cache.Set("up", provider.HealthStatus{Available: true, CheckedAt: checked})
		cache.Set("down", provider.HealthStatus{Error: "timeout", CheckedAt: checked})

		if _, ok := cache.GetFresh("up"); !ok {
			t.Error("expected healthy entry to be fresh")
		}
		if _, ok := cache.GetFresh("down"); ok {
			t.Error("expected failed entry to be stale")
		}
	})

	t.Run("stale entries are re-probed", func(t *testing.T) {
		cache := newProviderHealthCache(cachePath, time.Nanosecond)
		time.Sleep(time.Millisecond)
		if _, ok := cache.GetFresh("counting"); ok {
			t.Error("expected stale entry to be ignored")
		}
	})
}
