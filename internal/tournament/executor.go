package tournament

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/engine"
	"github.com/alienxp03/soulsync/internal/judge"
	"github.com/alienxp03/soulsync/internal/secondme"
	"github.com/alienxp03/soulsync/internal/storage"
)

// Publisher appends an event to a stream. progress.Log implements it.
type Publisher interface {
	Publish(ctx context.Context, streamID, name string, payload any) error
}

// Recorder receives tournament metrics. metrics.Manager implements it.
type Recorder interface {
	RecordTournament(status core.TournamentStatus)
	RecordCandidateFailure(sc core.Scenario)
	RecordPhaseDuration(sc core.Scenario, d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordTournament(core.TournamentStatus)           {}
func (noopRecorder) RecordCandidateFailure(core.Scenario)             {}
func (noopRecorder) RecordPhaseDuration(core.Scenario, time.Duration) {}

// Executor plays one phase for every active contender concurrently.
type Executor struct {
	store     storage.Storage
	runner    *engine.Runner
	publisher Publisher
	tokens    secondme.TokenSource
	recorder  Recorder
	turns     func(core.Scenario) int
}

// NewExecutor creates a phase executor. turns gives the dialogue length per scenario.
func NewExecutor(store storage.Storage, runner *engine.Runner, publisher Publisher, turns func(core.Scenario) int) *Executor {
	return &Executor{
		store:     store,
		runner:    runner,
		publisher: publisher,
		tokens:    secondme.NoTokens{},
		recorder:  noopRecorder{},
		turns:     turns,
	}
}

// Phase is one phase's shared inputs.
type Phase struct {
	TournamentID string
	Scenario     core.Scenario
	UserAgent    *core.Agent
	UserToken    string
}

// Run plays the phase for every contender and waits for all of them to
// settle. A contender's failure is logged and costs it this phase's score.
func (x *Executor) Run(ctx context.Context, phase Phase, active []*Contender) {
	start := time.Now()

	var wg sync.WaitGroup
	for _, c := range active {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := x.runContender(ctx, phase, c); err != nil {
				x.recorder.RecordCandidateFailure(phase.Scenario)
				slog.Error("Candidate failed phase",
					"tournament_id", phase.TournamentID,
					"candidate_id", c.Candidate.ID,
					"scenario", phase.Scenario,
					"error", err)
			}
		}()
	}
	wg.Wait()

	x.recorder.RecordPhaseDuration(phase.Scenario, time.Since(start))
}

func (x *Executor) runContender(ctx context.Context, phase Phase, c *Contender) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var (
		result judge.MultiDimResult
		round  *core.Round
	)
	if phase.Scenario == core.ScenarioGame {
		result, round, err = x.runner.RunGame(ctx, engine.GameRequest{
			SessionID: c.SessionID,
			AgentA:    phase.UserAgent,
			AgentB:    c.Agent,
		})
	} else {
		result, round, err = x.runDialogue(ctx, phase, c)
	}
	if err != nil {
		return err
	}

	c.record(result)
	detail := result.Dimensions
	return x.publisher.Publish(ctx, phase.TournamentID, EventCandidateRound, CandidateRound{
		CandidateID: c.Candidate.ID,
		DisplayName: c.displayName(),
		SessionID:   c.SessionID,
		RoundID:     round.ID,
		Scenario:    phase.Scenario,
		Score:       result.WeightedScore,
		ScoreReason: result.Reason,
		ScoreDetail: &detail,
		Result:      round.Result,
	})
}

// runDialogue plays a dialogue round and scores it on every dimension.
func (x *Executor) runDialogue(ctx context.Context, phase Phase, c *Contender) (judge.MultiDimResult, *core.Round, error) {
	_, _, err := x.runner.RunScenario(ctx, engine.ScenarioRequest{
		SessionID: c.SessionID,
		Scenario:  phase.Scenario,
		AgentA:    phase.UserAgent,
		AgentB:    c.Agent,
		Turns:     x.turns(phase.Scenario),
		TokenA:    phase.UserToken,
		TokenB:    x.candidateToken(ctx, c.Candidate),
	})
	if err != nil {
		return judge.MultiDimResult{}, nil, err
	}

	round, err := x.store.LatestRound(c.SessionID, phase.Scenario)
	if err != nil {
		return judge.MultiDimResult{}, nil, err
	}
	if round == nil {
		return judge.MultiDimResult{}, nil, fmt.Errorf("round for %s not found", phase.Scenario)
	}

	result, err := x.runner.ScoreRound(ctx, round)
	if err != nil {
		return judge.MultiDimResult{}, nil, err
	}
	return result, round, nil
}

func (x *Executor) candidateToken(ctx context.Context, c *core.Candidate) string {
	if c.Source != core.SourceRegistered || c.SourceUserID == "" {
		return ""
	}
	return x.tokens.ValidToken(ctx, c.SourceUserID)
}
