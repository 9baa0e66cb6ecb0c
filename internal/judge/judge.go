// Package judge scores finished conversations through the completion service.
// A judge never fails: unusable verdicts collapse to neutral fallback scores.
package judge

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strings"

	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/provider"
	"github.com/alienxp03/soulsync/internal/scenario"
)

const (
	// FallbackScore is used when a verdict cannot be parsed.
	FallbackScore = 50
	// FallbackReason is reported alongside fallback scores.
	FallbackReason = "evaluation parse failed"
	// DefaultReason is used when a parsed verdict carries no reason.
	DefaultReason = "evaluation complete"
	// DefaultTemperature keeps verdicts stable across calls.
	DefaultTemperature = 0.2
)

// MultiDimResult is the four-dimension verdict of one round.
type MultiDimResult struct {
	Dimensions    core.DimensionScores `json:"dimensions"`
	WeightedScore int                  `json:"weightedScore"`
	Reason        string               `json:"reason"`
	Fallback      bool                 `json:"-"`
}

// SingleResult is the legacy one-score verdict.
type SingleResult struct {
	Score    int    `json:"score"`
	Reason   string `json:"reason"`
	Fallback bool   `json:"-"`
}

// Observer is notified of every verdict. Metrics implement it.
type Observer interface {
	ObserveVerdict(sc core.Scenario, fallback bool)
}

// Judge scores transcripts.
type Judge struct {
	completer   provider.Completer
	temperature float64
	observer    Observer
}

// Option configures a Judge.
type Option func(*Judge)

// WithTemperature overrides the judging temperature.
func WithTemperature(t float64) Option {
	return func(j *Judge) { j.temperature = t }
}

// WithObserver registers a verdict observer.
func WithObserver(o Observer) Option {
	return func(j *Judge) { j.observer = o }
}

// New creates a judge backed by the given completer.
func New(completer provider.Completer, opts ...Option) *Judge {
	j := &Judge{completer: completer, temperature: DefaultTemperature}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Weighted returns round(sum of clamped dimensions times the scenario weights).
func Weighted(sc core.Scenario, d core.DimensionScores) int {
	w, err := scenario.WeightsFor(sc)
	if err != nil {
		return FallbackScore
	}
	return int(math.Round(w.Apply(d.Clamp())))
}

// Fallback returns the neutral verdict.
func Fallback() MultiDimResult {
	return MultiDimResult{
		Dimensions:    core.NeutralScores,
		WeightedScore: FallbackScore,
		Reason:        FallbackReason,
		Fallback:      true,
	}
}

// ScoreMultiDim scores a transcript on four dimensions and weights them for the scenario.
func (j *Judge) ScoreMultiDim(ctx context.Context, sc core.Scenario, lines []scenario.Line) MultiDimResult {
	result := j.scoreMultiDim(ctx, sc, lines)
	j.observe(sc, result.Fallback)
	return result
}

func (j *Judge) scoreMultiDim(ctx context.Context, sc core.Scenario, lines []scenario.Line) MultiDimResult {
	prompt, err := scenario.MultiDimJudgePrompt(scenario.Label(sc), lines)
	if err != nil {
		slog.Error("Failed to build judge prompt", "scenario", sc, "error", err)
		return Fallback()
	}

	raw, err := j.ask(ctx, prompt)
	if err != nil {
		slog.Warn("Judge call failed, using fallback scores", "scenario", sc, "error", err)
		return Fallback()
	}

	v, ok := parseVerdict(raw)
	if !ok {
		slog.Warn("Unparsable judge verdict, using fallback scores", "scenario", sc, "raw", truncate(raw, 200))
		return Fallback()
	}

	dims := core.DimensionScores{
		Humor:         dimension(v.Humor),
		Depth:         dimension(v.Depth),
		Resonance:     dimension(v.Resonance),
		Compatibility: dimension(v.Compatibility),
	}
	return MultiDimResult{
		Dimensions:    dims,
		WeightedScore: Weighted(sc, dims),
		Reason:        reasonOrDefault(v.Reason),
	}
}

// ScoreSingle is the legacy single-score judge used by classic simulations.
func (j *Judge) ScoreSingle(ctx context.Context, sc core.Scenario, lines []scenario.Line) SingleResult {
	result := j.scoreSingle(ctx, sc, lines)
	j.observe(sc, result.Fallback)
	return result
}

func (j *Judge) scoreSingle(ctx context.Context, sc core.Scenario, lines []scenario.Line) SingleResult {
	fallback := SingleResult{Score: FallbackScore, Reason: FallbackReason, Fallback: true}

	prompt, err := scenario.SingleJudgePrompt(scenario.Label(sc), lines)
	if err != nil {
		slog.Error("Failed to build judge prompt", "scenario", sc, "error", err)
		return fallback
	}

	raw, err := j.ask(ctx, prompt)
	if err != nil {
		slog.Warn("Judge call failed, using fallback score", "scenario", sc, "error", err)
		return fallback
	}

	v, ok := parseVerdict(raw)
	if !ok || v.Score == nil {
		slog.Warn("Unparsable judge verdict, using fallback score", "scenario", sc, "raw", truncate(raw, 200))
		return fallback
	}
	return SingleResult{Score: core.ClampScore(*v.Score), Reason: reasonOrDefault(v.Reason)}
}

func (j *Judge) ask(ctx context.Context, prompt string) (string, error) {
	return j.completer.Complete(ctx, provider.Request{
		System:      scenario.JudgeSystemPrompt,
		Turns:       []provider.Turn{{Role: provider.RoleUser, Content: prompt}},
		Temperature: provider.Temperature(j.temperature),
	})
}

func (j *Judge) observe(sc core.Scenario, fallback bool) {
	if j.observer != nil {
		j.observer.ObserveVerdict(sc, fallback)
	}
}

// verdict is the normalized shape of a judge answer. Absent fields stay nil.
type verdict struct {
	Score         *float64 `json:"score"`
	Humor         *float64 `json:"humor"`
	Depth         *float64 `json:"depth"`
	Resonance     *float64 `json:"resonance"`
	Compatibility *float64 `json:"compatibility"`
	Reason        string   `json:"reason"`
}

// parseVerdict accepts bare JSON, fenced JSON, or a JSON object embedded in prose.
func parseVerdict(raw string) (verdict, bool) {
	var v verdict
	s := strings.TrimSpace(raw)
	if s == "" {
		return v, false
	}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, true
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return v, false
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return verdict{}, false
	}
	return v, true
}

// dimension maps a missing value to the neutral score and clamps the rest.
func dimension(v *float64) int {
	if v == nil || math.IsNaN(*v) {
		return FallbackScore
	}
	return core.ClampScore(*v)
}

func reasonOrDefault(r string) string {
	if strings.TrimSpace(r) == "" {
		return DefaultReason
	}
	return r
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
