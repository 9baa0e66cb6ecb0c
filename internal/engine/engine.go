// Package engine runs scripted conversations between agents: the dialogue
// runner shared by every mode and the classic single-opponent simulation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alienxp03/soulsync/internal/candidate"
	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/scenario"
	"github.com/alienxp03/soulsync/internal/secondme"
	"github.com/alienxp03/soulsync/internal/storage"
)

var (
	// ErrNoAgent is returned when the requesting user has not created an agent.
	ErrNoAgent = errors.New("user has no agent")
	// ErrNoOpponent is returned when candidate sourcing finds nobody.
	ErrNoOpponent = errors.New("no opponent available")
)

// DefaultMatchThreshold is the overall score at which a pairing counts as a match.
const DefaultMatchThreshold = 70.0

// Settings are the classic simulation thresholds.
type Settings struct {
	PassThreshold  int
	MatchThreshold float64
	Turns          int
}

// CandidateSelector picks opponents. candidate.Pool implements it.
type CandidateSelector interface {
	SelectCandidates(ctx context.Context, userID, userToken string, count int) []candidate.PoolCandidate
}

// ReportSink is notified after a match report is stored.
type ReportSink interface {
	ReportCreated(ctx context.Context, report *core.MatchReport)
}

// Recorder counts finished simulations.
type Recorder interface {
	RecordSimulation(status core.SessionStatus)
}

// Engine runs classic simulations.
type Engine struct {
	store    storage.Storage
	runner   *Runner
	pool     CandidateSelector
	tokens   secondme.TokenSource
	sink     ReportSink
	recorder Recorder
	settings Settings
	now      func() time.Time
	wg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithTokens supplies live chat tokens for users.
func WithTokens(tokens secondme.TokenSource) Option {
	return func(e *Engine) {
		if tokens != nil {
			e.tokens = tokens
		}
	}
}

// WithReportSink registers a sink for created match reports.
func WithReportSink(sink ReportSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithRecorder registers a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// New creates a new simulation engine.
func New(store storage.Storage, runner *Runner, pool CandidateSelector, settings Settings, opts ...Option) *Engine {
	if settings.PassThreshold <= 0 {
		settings.PassThreshold = DefaultPassThreshold
	}
	if settings.MatchThreshold <= 0 {
		settings.MatchThreshold = DefaultMatchThreshold
	}
	if settings.Turns <= 0 {
		settings.Turns = 3
	}

	e := &Engine{
		store:    store,
		runner:   runner,
		pool:     pool,
		tokens:   secondme.NoTokens{},
		settings: settings,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Simulation is a queued classic session ready to run.
type Simulation struct {
	Session  *core.Session
	Opponent *core.Agent
	TokenA   string
	TokenB   string
}

// CreateSimulation picks one opponent for the user's agent and creates a QUEUED session.
func (e *Engine) CreateSimulation(ctx context.Context, userID string) (*Simulation, error) {
	user, err := e.store.GetUser(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil || user.AgentID == "" {
		return nil, ErrNoAgent
	}
	agent, err := e.store.GetAgent(user.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if agent == nil {
		return nil, ErrNoAgent
	}

	tokenA := e.tokens.ValidToken(ctx, userID)
	picks := e.pool.SelectCandidates(ctx, userID, tokenA, 1)
	if len(picks) == 0 {
		return nil, ErrNoOpponent
	}
	opponent, err := e.store.GetAgent(picks[0].AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get opponent: %w", err)
	}
	if opponent == nil {
		return nil, ErrNoOpponent
	}

	session := &core.Session{
		ID:              core.GenerateID(),
		UserID:          userID,
		UserAgentID:     agent.ID,
		OpponentAgentID: opponent.ID,
		Status:          core.SessionQueued,
		CreatedAt:       e.now(),
	}
	if err := e.store.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Debug("Simulation created", "session_id", session.ID, "opponent", opponent.ID, "source", picks[0].Source)
	return &Simulation{Session: session, Opponent: opponent, TokenA: tokenA, TokenB: picks[0].LiveToken}, nil
}

// StartSimulation creates a simulation and runs it in the background. The run
// outlives ctx's cancellation.
func (e *Engine) StartSimulation(ctx context.Context, userID string) (*Simulation, error) {
	sim, err := e.CreateSimulation(ctx, userID)
	if err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.RunSimulation(runCtx, sim.Session.ID, sim.TokenA, sim.TokenB); err != nil {
			slog.Error("Simulation failed", "session_id", sim.Session.ID, "error", err)
		}
	}()
	return sim, nil
}

// Wait blocks until every background simulation has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// RunSimulation plays the classic scenarios in order and stops at the first
// score below the pass threshold. Unexpected errors terminate the session.
func (e *Engine) RunSimulation(ctx context.Context, sessionID, tokenA, tokenB string) error {
	session, err := e.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	started := e.now()
	session.Status = core.SessionRunning
	session.StartedAt = &started
	if err := e.store.UpdateSession(session); err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	scores := make([]int, 0, len(core.ClassicScenarios))
	fail := func(err error) error {
		if ferr := e.finish(session, core.SessionTerminated, "engine error: "+err.Error(), core.Mean(scores), false); ferr != nil {
			slog.Error("Failed to record simulation failure", "session_id", session.ID, "error", ferr)
		}
		return err
	}

	agentA, agentB, err := e.loadPair(session)
	if err != nil {
		return fail(err)
	}

	for _, sc := range core.ClassicScenarios {
		verdict, _, err := e.runner.RunScenario(ctx, ScenarioRequest{
			SessionID: session.ID,
			Scenario:  sc,
			AgentA:    agentA,
			AgentB:    agentB,
			Turns:     e.settings.Turns,
			TokenA:    tokenA,
			TokenB:    tokenB,
		})
		if err != nil {
			return fail(err)
		}

		scores = append(scores, verdict.Score)
		if verdict.Score < e.settings.PassThreshold {
			reason := fmt.Sprintf("%s score %d < %d", scenario.Label(sc), verdict.Score, e.settings.PassThreshold)
			return e.finish(session, core.SessionTerminated, reason, core.Mean(scores), false)
		}
	}

	overall := core.Mean(scores)
	matched := overall >= e.settings.MatchThreshold
	if err := e.finish(session, core.SessionCompleted, "", overall, matched); err != nil {
		return err
	}
	if !matched {
		return nil
	}

	report := &core.MatchReport{
		ID:                 core.GenerateID(),
		SessionID:          session.ID,
		UserID:             session.UserID,
		CompatibilityScore: overall,
		Recommendation:     fmt.Sprintf("Overall compatibility %.0f%%", overall),
		CreatedAt:          e.now(),
	}
	if err := e.store.CreateReport(report); err != nil {
		return fmt.Errorf("failed to create match report: %w", err)
	}
	if e.sink != nil {
		e.sink.ReportCreated(ctx, report)
	}
	return nil
}

func (e *Engine) loadPair(session *core.Session) (*core.Agent, *core.Agent, error) {
	a, err := e.store.GetAgent(session.UserAgentID)
	if err != nil {
		return nil, nil, err
	}
	b, err := e.store.GetAgent(session.OpponentAgentID)
	if err != nil {
		return nil, nil, err
	}
	if a == nil || b == nil {
		return nil, nil, fmt.Errorf("agents missing for session %s", session.ID)
	}
	return a, b, nil
}

func (e *Engine) finish(session *core.Session, status core.SessionStatus, reason string, overall float64, matched bool) error {
	finished := e.now()
	session.Status = status
	session.TerminateReason = reason
	session.OverallScore = &overall
	session.Matched = &matched
	session.FinishedAt = &finished
	if err := e.store.UpdateSession(session); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if e.recorder != nil {
		e.recorder.RecordSimulation(status)
	}
	slog.Info("Simulation finished", "session_id", session.ID, "status", status, "overall", overall, "matched", matched)
	return nil
}
