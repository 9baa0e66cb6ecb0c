// Package scenario defines the conversation scenarios, their scoring weights
// and the prompts used to drive and judge them.
package scenario

import (
	"fmt"

	"github.com/alienxp03/soulsync/internal/core"
)

// Definition describes how a scenario is framed to both agents.
type Definition struct {
	Key    core.Scenario `json:"key"`
	Label  string        `json:"label"`
	System string        `json:"system"`
}

// Weights are the per-dimension multipliers for a scenario. Each row sums to 1.
type Weights struct {
	Humor         float64 `json:"humor"`
	Depth         float64 `json:"depth"`
	Resonance     float64 `json:"resonance"`
	Compatibility float64 `json:"compatibility"`
}

// Apply returns the weighted sum of d, unrounded.
func (w Weights) Apply(d core.DimensionScores) float64 {
	return float64(d.Humor)*w.Humor +
		float64(d.Depth)*w.Depth +
		float64(d.Resonance)*w.Resonance +
		float64(d.Compatibility)*w.Compatibility
}

// GameQuestion is one situational multiple-choice prompt of the rapport game.
type GameQuestion struct {
	ID       int      `json:"id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

var definitions = map[core.Scenario]Definition{
	core.ScenarioIcebreak: {
		Key:    core.ScenarioIcebreak,
		Label:  "Icebreak: interests & taste",
		System: "This is a relaxed icebreaker conversation. Both sides talk about hobbies, aesthetic preferences and daily life. The goal is to discover common ground.",
	},
	core.ScenarioDeepValue: {
		Key:    core.ScenarioDeepValue,
		Label:  "Depth: values & money",
		System: "This is an in-depth conversation. Both sides discuss life goals, attitudes to money, career plans and family. The goal is to test whether their values fit.",
	},
	core.ScenarioEmpathy: {
		Key:    core.ScenarioEmpathy,
		Label:  "Empathy: reactions under pressure",
		System: "This is a pressure-test conversation. One side describes a difficulty or stress they are facing and the other responds. The goal is to test empathy and emotional stability.",
	},
	core.ScenarioGame: {
		Key:    core.ScenarioGame,
		Label:  "Rapport game: situational choices",
		System: "This is a rapport quiz. Both sides answer situational multiple-choice questions independently and the answers are compared afterwards. The goal is to test how in sync their thinking is.",
	},
}

var weights = map[core.Scenario]Weights{
	core.ScenarioIcebreak:  {Humor: 0.35, Depth: 0.15, Resonance: 0.25, Compatibility: 0.25},
	core.ScenarioDeepValue: {Humor: 0.10, Depth: 0.40, Resonance: 0.20, Compatibility: 0.30},
	core.ScenarioEmpathy:   {Humor: 0.10, Depth: 0.20, Resonance: 0.50, Compatibility: 0.20},
	core.ScenarioGame:      {Humor: 0.30, Depth: 0.15, Resonance: 0.25, Compatibility: 0.30},
}

var gameQuestions = []GameQuestion{
	{
		ID:       1,
		Question: "You wake up on a weekend morning and it is raining outside. What do you most want to do?",
		Options:  []string{"A. Stay in bed and watch a movie", "B. Go read at a cafe", "C. Get friends together for a game", "D. Cook a big breakfast at home"},
	},
	{
		ID:       2,
		Question: "You unexpectedly receive a windfall of 100,000. How do you use it?",
		Options:  []string{"A. Save or invest it", "B. Take a spontaneous trip", "C. Buy gifts for family and friends", "D. Invest in yourself (courses or gear)"},
	},
	{
		ID:       3,
		Question: "Your partner works late and gets home very late. What is your first reaction?",
		Options:  []string{"A. Have a hot meal ready and wait", "B. Text to check in without disturbing them", "C. Feel a bit annoyed but say nothing", "D. Call right away to find out what happened"},
	},
	{
		ID:       4,
		Question: "The two of you disagree about something. What do you tend to do?",
		Options:  []string{"A. Lay out facts and reason them round", "B. Listen first, then share your view", "C. Agree to disagree and drop it", "D. Ask a third party to weigh in"},
	},
	{
		ID:       5,
		Question: "If you could have one superpower, which would you choose?",
		Options:  []string{"A. Mind reading", "B. Stopping time", "C. Teleportation", "D. Healing"},
	},
}

// Get returns the definition for a scenario.
func Get(key core.Scenario) (Definition, error) {
	d, ok := definitions[key]
	if !ok {
		return Definition{}, fmt.Errorf("unknown scenario: %s", key)
	}
	return d, nil
}

// Label returns the human-readable label for a scenario, or the key itself when unknown.
func Label(key core.Scenario) string {
	if d, ok := definitions[key]; ok {
		return d.Label
	}
	return string(key)
}

// All returns every scenario definition in phase order.
func All() []Definition {
	out := make([]Definition, 0, len(core.PhaseOrder))
	for _, key := range core.PhaseOrder {
		out = append(out, definitions[key])
	}
	return out
}

// WeightsFor returns the scoring weights of a scenario.
func WeightsFor(key core.Scenario) (Weights, error) {
	w, ok := weights[key]
	if !ok {
		return Weights{}, fmt.Errorf("no weights for scenario: %s", key)
	}
	return w, nil
}

// GameQuestions returns a copy of the fixed rapport game question set.
func GameQuestions() []GameQuestion {
	out := make([]GameQuestion, len(gameQuestions))
	copy(out, gameQuestions)
	return out
}
