package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/judge"
	"github.com/alienxp03/soulsync/internal/provider"
	"github.com/alienxp03/soulsync/internal/scenario"
	"github.com/alienxp03/soulsync/internal/storage"
)

// DefaultPassThreshold is the minimum round score that keeps a classic simulation going.
const DefaultPassThreshold = 60

// RunnerOptions tunes generation and the round verdict.
type RunnerOptions struct {
	PassThreshold int
	Temperature   *float64
	MaxTokens     int
}

// Runner plays scripted rounds between two agents and persists every turn.
type Runner struct {
	store      storage.Storage
	completer  provider.Completer
	completion *CompletionSpeaker
	chatter    Chatter
	judge      *judge.Judge
	opts       RunnerOptions
	now        func() time.Time
}

// NewRunner creates a dialogue runner. A nil chatter disables live speakers.
func NewRunner(store storage.Storage, completer provider.Completer, j *judge.Judge, chatter Chatter, opts RunnerOptions) *Runner {
	if opts.PassThreshold <= 0 {
		opts.PassThreshold = DefaultPassThreshold
	}
	return &Runner{
		store:      store,
		completer:  completer,
		completion: NewCompletionSpeaker(completer, opts.Temperature, opts.MaxTokens),
		chatter:    chatter,
		judge:      j,
		opts:       opts,
		now:        time.Now,
	}
}

// ScenarioRequest describes one dialogue round. TokenA and TokenB are live chat
// tokens; an empty token voices that side through the completion service.
type ScenarioRequest struct {
	SessionID string
	Scenario  core.Scenario
	AgentA    *core.Agent
	AgentB    *core.Agent
	Turns     int
	TokenA    string
	TokenB    string
}

// RunScenario plays req.Turns exchanges, A then B, judges the transcript and
// finalizes the round. The round is created PENDING before the first turn.
func (r *Runner) RunScenario(ctx context.Context, req ScenarioRequest) (judge.SingleResult, *core.Round, error) {
	def, err := scenario.Get(req.Scenario)
	if err != nil {
		return judge.SingleResult{}, nil, err
	}
	if req.Turns <= 0 {
		return judge.SingleResult{}, nil, fmt.Errorf("invalid turn count %d for %s", req.Turns, req.Scenario)
	}

	round := &core.Round{
		ID:         core.GenerateID(),
		SessionID:  req.SessionID,
		Scenario:   req.Scenario,
		Result:     core.RoundPending,
		RoundCount: req.Turns,
		CreatedAt:  r.now(),
	}
	if err := r.store.CreateRound(round); err != nil {
		return judge.SingleResult{}, nil, fmt.Errorf("failed to create round: %w", err)
	}

	sides := []struct {
		role    core.Role
		agent   *core.Agent
		speaker Speaker
	}{
		{core.RoleSideA, req.AgentA, r.speakerFor(req.TokenA)},
		{core.RoleSideB, req.AgentB, r.speakerFor(req.TokenB)},
	}

	var transcript []*core.Message
	seq := 0
	for turn := 0; turn < req.Turns; turn++ {
		for _, side := range sides {
			text, err := side.speaker.Speak(ctx, SpeakRequest{
				Definition: def,
				Agent:      side.agent,
				Side:       side.role,
				Turn:       turn,
				Transcript: transcript,
			})
			if err != nil {
				return judge.SingleResult{}, round, fmt.Errorf("%s turn %d in %s: %w", side.role, turn+1, req.Scenario, err)
			}

			msg, err := r.addMessage(round.ID, side.role, text, seq)
			if err != nil {
				return judge.SingleResult{}, round, err
			}
			seq++
			transcript = append(transcript, msg)
		}
	}

	verdict := r.judge.ScoreSingle(ctx, req.Scenario, Lines(transcript))

	score := verdict.Score
	round.Score = &score
	round.ScoreReason = verdict.Reason
	round.Result = core.RoundPass
	if score < r.opts.PassThreshold {
		round.Result = core.RoundStopLowScore
	}
	if err := r.store.FinalizeRound(round); err != nil {
		return verdict, round, fmt.Errorf("failed to finalize round: %w", err)
	}

	slog.Debug("Round finished", "session_id", req.SessionID, "scenario", req.Scenario, "score", score, "result", round.Result)
	return verdict, round, nil
}

// ScoreRound re-reads a finished round's transcript, judges it on four
// dimensions and attaches the scores to the round.
func (r *Runner) ScoreRound(ctx context.Context, round *core.Round) (judge.MultiDimResult, error) {
	messages, err := r.store.ListMessages(round.ID)
	if err != nil {
		return judge.MultiDimResult{}, fmt.Errorf("failed to load transcript: %w", err)
	}

	result := r.judge.ScoreMultiDim(ctx, round.Scenario, Lines(messages))
	if err := r.store.SetRoundDetail(round.ID, result.Dimensions); err != nil {
		return result, fmt.Errorf("failed to store round detail: %w", err)
	}
	detail := result.Dimensions
	round.ScoreDetail = &detail
	return result, nil
}

// GameRequest describes one rapport game round.
type GameRequest struct {
	SessionID string
	AgentA    *core.Agent
	AgentB    *core.Agent
}

// RunGame asks both agents every game question independently, judges the
// paired answers once and finalizes the round as PASS.
func (r *Runner) RunGame(ctx context.Context, req GameRequest) (judge.MultiDimResult, *core.Round, error) {
	def, err := scenario.Get(core.ScenarioGame)
	if err != nil {
		return judge.MultiDimResult{}, nil, err
	}
	questions := scenario.GameQuestions()

	round := &core.Round{
		ID:         core.GenerateID(),
		SessionID:  req.SessionID,
		Scenario:   core.ScenarioGame,
		Result:     core.RoundPending,
		RoundCount: len(questions),
		CreatedAt:  r.now(),
	}
	if err := r.store.CreateRound(round); err != nil {
		return judge.MultiDimResult{}, nil, fmt.Errorf("failed to create round: %w", err)
	}

	var lines []scenario.Line
	seq := 0
	for _, q := range questions {
		prompt := scenario.GameQuestionPrompt(q)
		for _, side := range []struct {
			role  core.Role
			agent *core.Agent
		}{{core.RoleSideA, req.AgentA}, {core.RoleSideB, req.AgentB}} {
			answer, err := r.answer(ctx, side.agent, def, prompt)
			if err != nil {
				return judge.MultiDimResult{}, round, fmt.Errorf("%s question %d: %w", side.role, q.ID, err)
			}
			if _, err := r.addMessage(round.ID, side.role, answer, seq); err != nil {
				return judge.MultiDimResult{}, round, err
			}
			seq++
			lines = append(lines, scenario.Line{
				Role:    string(side.role),
				Content: fmt.Sprintf("[Question: %s] %s", q.Question, answer),
			})
		}
	}

	result := r.judge.ScoreMultiDim(ctx, core.ScenarioGame, lines)

	score := result.WeightedScore
	detail := result.Dimensions
	round.Score = &score
	round.ScoreReason = result.Reason
	round.ScoreDetail = &detail
	round.Result = core.RoundPass
	if err := r.store.FinalizeRound(round); err != nil {
		return result, round, fmt.Errorf("failed to finalize round: %w", err)
	}
	return result, round, nil
}

func (r *Runner) answer(ctx context.Context, agent *core.Agent, def scenario.Definition, question string) (string, error) {
	reply, err := r.completer.Complete(ctx, provider.Request{
		System:      scenario.GameSystemPrompt(agent.PromptPersona, def),
		Turns:       []provider.Turn{{Role: provider.RoleUser, Content: question}},
		Temperature: r.opts.Temperature,
		MaxTokens:   r.opts.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("completion for %s failed: %w", agent.ID, err)
	}
	return reply, nil
}

func (r *Runner) speakerFor(token string) Speaker {
	if token != "" && r.chatter != nil {
		return NewLiveSpeaker(r.chatter, token)
	}
	return r.completion
}

func (r *Runner) addMessage(roundID string, role core.Role, content string, seq int) (*core.Message, error) {
	msg := &core.Message{
		ID:        core.GenerateID(),
		RoundID:   roundID,
		Role:      role,
		Content:   content,
		Seq:       seq,
		CreatedAt: r.now(),
	}
	if err := r.store.AddMessage(msg); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return msg, nil
}

// Lines converts persisted messages into judge transcript lines.
func Lines(messages []*core.Message) []scenario.Line {
	lines := make([]scenario.Line, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, scenario.Line{Role: string(m.Role), Content: m.Content})
	}
	return lines
}
