package core

import "math"

// DimensionScores are the four judged qualities of a conversation, each in [0,100].
type DimensionScores struct {
	Humor         int `json:"humor"`
	Depth         int `json:"depth"`
	Resonance     int `json:"resonance"`
	Compatibility int `json:"compatibility"`
}

// NeutralScores is returned whenever a verdict cannot be obtained.
var NeutralScores = DimensionScores{Humor: 50, Depth: 50, Resonance: 50, Compatibility: 50}

// ClampScore bounds v to [0,100] and rounds it to the nearest integer.
func ClampScore(v float64) int {
	return int(math.Round(math.Max(0, math.Min(100, v))))
}

// Clamp returns a copy with every field bounded to [0,100].
func (d DimensionScores) Clamp() DimensionScores {
	return DimensionScores{
		Humor:         ClampScore(float64(d.Humor)),
		Depth:         ClampScore(float64(d.Depth)),
		Resonance:     ClampScore(float64(d.Resonance)),
		Compatibility: ClampScore(float64(d.Compatibility)),
	}
}

// AverageDimensions returns the per-field rounded mean. An empty input yields zero scores.
func AverageDimensions(scores []DimensionScores) DimensionScores {
	if len(scores) == 0 {
		return DimensionScores{}
	}
	var h, d, r, c float64
	for _, s := range scores {
		h += float64(s.Humor)
		d += float64(s.Depth)
		r += float64(s.Resonance)
		c += float64(s.Compatibility)
	}
	n := float64(len(scores))
	return DimensionScores{
		Humor:         int(math.Round(h / n)),
		Depth:         int(math.Round(d / n)),
		Resonance:     int(math.Round(r / n)),
		Compatibility: int(math.Round(c / n)),
	}
}

// Mean returns the arithmetic mean of scores, or 0 for none.
func Mean(scores []int) float64 {
	if len(scores) == 0 {
		return 0
	}
	sum := 0
	for _, s := range scores {
		sum += s
	}
	return float64(sum) / float64(len(scores))
}
