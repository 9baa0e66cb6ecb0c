// Package tournament runs elimination tournaments: one user's agent against
// several candidates over the fixed phase order, cutting the field between phases.
package tournament

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/engine"
	"github.com/alienxp03/soulsync/internal/scenario"
	"github.com/alienxp03/soulsync/internal/secondme"
	"github.com/alienxp03/soulsync/internal/storage"
)

var (
	// ErrInvalidCandidateCount is returned for counts outside AllowedCounts.
	ErrInvalidCandidateCount = errors.New("candidate count must be 3, 5 or 10")
	// ErrNotEnoughCandidates is returned when sourcing finds fewer candidates than requested.
	ErrNotEnoughCandidates = errors.New("not enough candidates")
	// ErrNoAgent is returned when the requesting user has not created an agent.
	ErrNoAgent = engine.ErrNoAgent
)

// DefaultTurns is the dialogue length of each tournament scenario.
func DefaultTurns(sc core.Scenario) int {
	switch sc {
	case core.ScenarioIcebreak:
		return 3
	case core.ScenarioDeepValue:
		return 4
	case core.ScenarioEmpathy:
		return 5
	}
	return 0
}

// Settings tune tournament scoring.
type Settings struct {
	MatchThreshold float64
	Turns          func(core.Scenario) int
}

// Orchestrator starts tournaments and drives them through every phase.
type Orchestrator struct {
	store     storage.Storage
	pool      engine.CandidateSelector
	publisher Publisher
	executor  *Executor
	tokens    secondme.TokenSource
	sink      engine.ReportSink
	recorder  Recorder
	settings  Settings
	now       func() time.Time
	wg        sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTokens supplies live chat tokens for the user and registered candidates.
func WithTokens(tokens secondme.TokenSource) Option {
	return func(o *Orchestrator) {
		if tokens != nil {
			o.tokens = tokens
		}
	}
}

// WithReportSink registers a sink for the winner's match report.
func WithReportSink(sink engine.ReportSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithRecorder registers a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// New creates an orchestrator.
func New(store storage.Storage, runner *engine.Runner, pool engine.CandidateSelector, publisher Publisher, settings Settings, opts ...Option) *Orchestrator {
	if settings.MatchThreshold <= 0 {
		settings.MatchThreshold = engine.DefaultMatchThreshold
	}
	if settings.Turns == nil {
		settings.Turns = DefaultTurns
	}

	o := &Orchestrator{
		store:     store,
		pool:      pool,
		publisher: publisher,
		tokens:    secondme.NoTokens{},
		recorder:  noopRecorder{},
		settings:  settings,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.executor = NewExecutor(store, runner, publisher, settings.Turns)
	o.executor.tokens = o.tokens
	o.executor.recorder = o.recorder
	return o
}

// CandidateView is a started tournament's candidate as shown to the caller.
type CandidateView struct {
	CandidateID string           `json:"candidateId"`
	AgentID     string           `json:"agentId"`
	DisplayName string           `json:"displayName"`
	MBTI        string           `json:"mbti"`
	Source      core.AgentSource `json:"source"`
}

// Started is the result of StartTournament.
type Started struct {
	Tournament *core.Tournament `json:"tournament"`
	Candidates []CandidateView  `json:"candidates"`
}

// StartTournament sources count candidates for the user's agent, stores a
// PENDING tournament and runs it in the background. The run outlives ctx.
func (o *Orchestrator) StartTournament(ctx context.Context, userID string, count int) (*Started, error) {
	if !slices.Contains(AllowedCounts, count) {
		return nil, ErrInvalidCandidateCount
	}

	user, err := o.store.GetUser(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil || user.AgentID == "" {
		return nil, ErrNoAgent
	}
	userAgent, err := o.store.GetAgent(user.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if userAgent == nil {
		return nil, ErrNoAgent
	}

	token := o.tokens.ValidToken(ctx, userID)
	picks := o.pool.SelectCandidates(ctx, userID, token, count)
	if len(picks) < count {
		return nil, fmt.Errorf("%w: need %d, found %d", ErrNotEnoughCandidates, count, len(picks))
	}

	now := o.now()
	t := &core.Tournament{
		ID:             core.GenerateID(),
		UserID:         userID,
		UserAgentID:    userAgent.ID,
		CandidateCount: count,
		Status:         core.TournamentPending,
		CreatedAt:      now,
	}

	candidates := make([]*core.Candidate, 0, count)
	views := make([]CandidateView, 0, count)
	for i, pick := range picks[:count] {
		agent, err := o.store.GetAgent(pick.AgentID)
		if err != nil {
			return nil, fmt.Errorf("failed to get candidate agent: %w", err)
		}
		if agent == nil {
			return nil, fmt.Errorf("%w: agent %s missing", ErrNotEnoughCandidates, pick.AgentID)
		}

		c := &core.Candidate{
			ID:           core.GenerateID(),
			TournamentID: t.ID,
			AgentID:      agent.ID,
			Source:       pick.Source,
			SourceUserID: pick.UserID,
			Position:     i,
			Status:       core.CandidateActive,
			CreatedAt:    now,
		}
		candidates = append(candidates, c)
		views = append(views, CandidateView{
			CandidateID: c.ID,
			AgentID:     agent.ID,
			DisplayName: agent.DisplayName,
			MBTI:        agent.MBTI,
			Source:      pick.Source,
		})
	}

	if err := o.store.CreateTournament(t, candidates); err != nil {
		return nil, fmt.Errorf("failed to create tournament: %w", err)
	}

	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Run(runCtx, t.ID); err != nil {
			slog.Error("Tournament failed", "tournament_id", t.ID, "error", err)
		}
	}()

	slog.Info("Tournament started", "tournament_id", t.ID, "candidates", count)
	return &Started{Tournament: t, Candidates: views}, nil
}

// Wait blocks until every background tournament has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Run drives a stored tournament to COMPLETED, or to FAILED on an
// orchestration error. Candidate failures never fail the tournament.
func (o *Orchestrator) Run(ctx context.Context, tournamentID string) error {
	t, err := o.store.GetTournament(tournamentID)
	if err != nil {
		return fmt.Errorf("failed to get tournament: %w", err)
	}
	if t == nil {
		return fmt.Errorf("tournament not found: %s", tournamentID)
	}

	if err := o.run(ctx, t); err != nil {
		o.fail(ctx, t, err)
		return err
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, t *core.Tournament) error {
	userAgent, err := o.store.GetAgent(t.UserAgentID)
	if err != nil {
		return fmt.Errorf("failed to get user agent: %w", err)
	}
	if userAgent == nil {
		return ErrNoAgent
	}

	contenders, err := o.materialize(t)
	if err != nil {
		return err
	}

	t.Status = core.TournamentRunning
	if err := o.store.UpdateTournament(t); err != nil {
		return fmt.Errorf("failed to update tournament status: %w", err)
	}

	entries := make([]CandidateEntry, 0, len(contenders))
	for _, c := range contenders {
		entries = append(entries, CandidateEntry{
			CandidateID: c.Candidate.ID,
			AgentID:     c.Candidate.AgentID,
			DisplayName: c.displayName(),
			SessionID:   c.SessionID,
		})
	}
	if err := o.publisher.Publish(ctx, t.ID, EventCandidates, entries); err != nil {
		return err
	}

	retain := RetainCounts(t.CandidateCount)
	userToken := o.tokens.ValidToken(ctx, t.UserID)
	last := len(core.PhaseOrder) - 1
	var label string

	for i, sc := range core.PhaseOrder {
		active := Active(contenders)
		if len(active) <= 1 {
			break
		}

		label = scenario.Label(sc)
		ids := make([]string, len(active))
		for j, c := range active {
			ids[j] = c.Candidate.ID
		}
		if err := o.publisher.Publish(ctx, t.ID, EventPhaseStart, PhaseStart{
			Phase:            i,
			Scenario:         sc,
			Label:            label,
			ActiveCandidates: ids,
		}); err != nil {
			return err
		}

		o.executor.Run(ctx, Phase{TournamentID: t.ID, Scenario: sc, UserAgent: userAgent, UserToken: userToken}, active)

		if i == last {
			break
		}

		eliminated := Eliminate(active, retain[i])
		if err := o.publisher.Publish(ctx, t.ID, EventElimination, Elimination{
			Phase:      i,
			Eliminated: standings(eliminated),
			Surviving:  standings(Active(contenders)),
		}); err != nil {
			return err
		}
		for _, c := range eliminated {
			if err := o.retire(c, label); err != nil {
				return err
			}
		}
	}

	return o.finalize(ctx, t, contenders, label)
}

// materialize creates one RUNNING session per candidate.
func (o *Orchestrator) materialize(t *core.Tournament) ([]*Contender, error) {
	candidates, err := o.store.ListCandidates(t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	contenders := make([]*Contender, 0, len(candidates))
	for _, c := range candidates {
		agent, err := o.store.GetAgent(c.AgentID)
		if err != nil {
			return nil, fmt.Errorf("failed to get candidate agent: %w", err)
		}
		if agent == nil {
			return nil, fmt.Errorf("candidate agent not found: %s", c.AgentID)
		}

		started := o.now()
		session := &core.Session{
			ID:              core.GenerateID(),
			UserID:          t.UserID,
			UserAgentID:     t.UserAgentID,
			OpponentAgentID: c.AgentID,
			TournamentID:    t.ID,
			CandidateID:     c.ID,
			Status:          core.SessionRunning,
			CreatedAt:       started,
			StartedAt:       &started,
		}
		if err := o.store.CreateSession(session); err != nil {
			return nil, fmt.Errorf("failed to create candidate session: %w", err)
		}

		c.SessionID = session.ID
		if err := o.store.UpdateCandidate(c); err != nil {
			return nil, fmt.Errorf("failed to link candidate session: %w", err)
		}
		contenders = append(contenders, NewContender(c, agent))
	}
	return contenders, nil
}

// retire persists an elimination on the candidate and its session.
func (o *Orchestrator) retire(c *Contender, label string) error {
	c.Candidate.Status = core.CandidateEliminated
	c.Candidate.TotalScore = c.Total()
	c.Candidate.EliminatedAtPhase = label
	if err := o.store.UpdateCandidate(c.Candidate); err != nil {
		return fmt.Errorf("failed to eliminate candidate: %w", err)
	}

	session, err := o.store.GetSession(c.SessionID)
	if err != nil {
		return fmt.Errorf("failed to get candidate session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("candidate session not found: %s", c.SessionID)
	}
	finished := o.now()
	session.Status = core.SessionTerminated
	session.TerminateReason = "eliminated in " + label
	session.FinishedAt = &finished
	if err := o.store.UpdateSession(session); err != nil {
		return fmt.Errorf("failed to terminate candidate session: %w", err)
	}
	return nil
}

// finalize crowns the best active contender. Runners-up of the last played
// phase are retired with that phase's label.
func (o *Orchestrator) finalize(ctx context.Context, t *core.Tournament, contenders []*Contender, lastLabel string) error {
	active := Rank(Active(contenders))
	if len(active) > 1 {
		for _, c := range active[1:] {
			c.eliminate()
			if err := o.retire(c, lastLabel); err != nil {
				return err
			}
		}
	}

	var winner *Contender
	if len(active) > 0 {
		winner = active[0]
	}
	ranked := finalOrder(contenders, winner)
	rankings := make([]Ranking, 0, len(ranked))
	for i, c := range ranked {
		rankings = append(rankings, Ranking{
			Rank:        i + 1,
			CandidateID: c.Candidate.ID,
			SessionID:   c.SessionID,
			DisplayName: c.displayName(),
			TotalScore:  c.Total(),
			Eliminated:  c.Eliminated(),
		})
	}

	if winner == nil {
		if err := o.publisher.Publish(ctx, t.ID, EventDone, Done{Rankings: rankings}); err != nil {
			return err
		}
		return o.complete(t, "")
	}

	overall := float64(winner.Total()) / float64(max(winner.Rounds(), 1))
	matched := overall >= o.settings.MatchThreshold
	dims := core.AverageDimensions(winner.Dimensions())

	winner.Candidate.Status = core.CandidateWinner
	winner.Candidate.TotalScore = winner.Total()
	winner.Candidate.Rank = 1
	if err := o.store.UpdateCandidate(winner.Candidate); err != nil {
		return fmt.Errorf("failed to crown winner: %w", err)
	}

	session, err := o.store.GetSession(winner.SessionID)
	if err != nil {
		return fmt.Errorf("failed to get winner session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("winner session not found: %s", winner.SessionID)
	}
	finished := o.now()
	session.Status = core.SessionCompleted
	session.OverallScore = &overall
	session.Matched = &matched
	session.FinishedAt = &finished
	if err := o.store.UpdateSession(session); err != nil {
		return fmt.Errorf("failed to complete winner session: %w", err)
	}

	report := &core.MatchReport{
		ID:                 core.GenerateID(),
		SessionID:          session.ID,
		UserID:             t.UserID,
		TournamentID:       t.ID,
		CompatibilityScore: overall,
		DimensionScores:    &dims,
		Recommendation:     fmt.Sprintf("Tournament winner! Overall compatibility %.0f%%", overall),
		CreatedAt:          o.now(),
	}
	if err := o.store.CreateReport(report); err != nil {
		return fmt.Errorf("failed to create match report: %w", err)
	}
	if o.sink != nil {
		o.sink.ReportCreated(ctx, report)
	}

	for i, c := range ranked {
		if c == winner {
			continue
		}
		c.Candidate.Rank = i + 1
		c.Candidate.TotalScore = c.Total()
		if err := o.store.UpdateCandidate(c.Candidate); err != nil {
			return fmt.Errorf("failed to rank candidate: %w", err)
		}
	}

	if err := o.publisher.Publish(ctx, t.ID, EventDone, Done{
		WinnerID:        winner.Candidate.ID,
		WinnerSessionID: winner.SessionID,
		WinnerName:      winner.displayName(),
		OverallScore:    overall,
		DimensionScores: &dims,
		Rankings:        rankings,
	}); err != nil {
		return err
	}
	return o.complete(t, winner.Candidate.AgentID)
}

// finalOrder puts the winner first and everyone else by total score.
func finalOrder(contenders []*Contender, winner *Contender) []*Contender {
	if winner == nil {
		return Rank(contenders)
	}
	rest := make([]*Contender, 0, len(contenders))
	for _, c := range contenders {
		if c != winner {
			rest = append(rest, c)
		}
	}
	return append([]*Contender{winner}, Rank(rest)...)
}

// complete marks the tournament COMPLETED. The done event is already in the
// log, so readers that see the terminal status have it too.
func (o *Orchestrator) complete(t *core.Tournament, winnerAgentID string) error {
	finished := o.now()
	t.Status = core.TournamentCompleted
	t.WinnerID = winnerAgentID
	t.FinishedAt = &finished
	if err := o.store.UpdateTournament(t); err != nil {
		return fmt.Errorf("failed to complete tournament: %w", err)
	}
	o.recorder.RecordTournament(core.TournamentCompleted)
	slog.Info("Tournament completed", "tournament_id", t.ID, "winner", winnerAgentID)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, t *core.Tournament, cause error) {
	if err := o.publisher.Publish(ctx, t.ID, EventError, ErrorPayload{Message: cause.Error()}); err != nil {
		slog.Error("Failed to publish tournament error", "tournament_id", t.ID, "error", err)
	}

	finished := o.now()
	t.Status = core.TournamentFailed
	t.ErrorMessage = cause.Error()
	t.FinishedAt = &finished
	if err := o.store.UpdateTournament(t); err != nil {
		slog.Error("Failed to mark tournament failed", "tournament_id", t.ID, "error", err)
	}
	o.recorder.RecordTournament(core.TournamentFailed)
}
