package tournament

import (
	"math"
	"slices"
	"sync"

	"github.com/alienxp03/soulsync/internal/core"
	"github.com/alienxp03/soulsync/internal/judge"
)

// AllowedCounts are the candidate counts a tournament may start with.
var AllowedCounts = []int{3, 5, 10}

var retainTable = map[int][]int{
	3:  {2, 1, 1, 1},
	5:  {3, 2, 1, 1},
	10: {5, 3, 2, 1},
}

// RetainCounts returns how many candidates survive each phase of PhaseOrder.
// The last entry is informational; nobody is eliminated after the final phase.
func RetainCounts(n int) []int {
	if counts, ok := retainTable[n]; ok {
		return slices.Clone(counts)
	}
	r1 := int(math.Ceil(float64(n) * 0.5))
	r2 := int(math.Ceil(float64(r1) * 0.6))
	r3 := max(int(math.Ceil(float64(r2)*0.5)), 1)
	return []int{r1, r2, r3, r3}
}

// Contender is a candidate's in-memory tournament state. Its results are
// written by one phase goroutine at a time; the mutex covers event readers.
type Contender struct {
	Candidate *core.Candidate
	Agent     *core.Agent
	SessionID string

	mu         sync.Mutex
	results    []judge.MultiDimResult
	total      int
	eliminated bool
}

// NewContender wraps a persisted candidate.
func NewContender(c *core.Candidate, agent *core.Agent) *Contender {
	return &Contender{Candidate: c, Agent: agent, SessionID: c.SessionID}
}

func (c *Contender) record(r judge.MultiDimResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	c.total += r.WeightedScore
}

// Total is the cumulative weighted score.
func (c *Contender) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Rounds is the number of scored rounds.
func (c *Contender) Rounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// Eliminated reports whether the contender has been knocked out.
func (c *Contender) Eliminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eliminated
}

// Dimensions returns the per-round dimension scores.
func (c *Contender) Dimensions() []core.DimensionScores {
	c.mu.Lock()
	defer c.mu.Unlock()
	dims := make([]core.DimensionScores, len(c.results))
	for i, r := range c.results {
		dims[i] = r.Dimensions
	}
	return dims
}

func (c *Contender) eliminate() {
	c.mu.Lock()
	c.eliminated = true
	c.mu.Unlock()
}

func (c *Contender) displayName() string {
	if c.Agent != nil {
		return c.Agent.DisplayName
	}
	return c.Candidate.AgentID
}

// Rank orders contenders by total score, highest first. Equal totals keep
// their input order, which is candidate creation order.
func Rank(contenders []*Contender) []*Contender {
	ranked := slices.Clone(contenders)
	slices.SortStableFunc(ranked, func(a, b *Contender) int {
		return b.Total() - a.Total()
	})
	return ranked
}

// Eliminate keeps the top retain contenders of active and marks the rest
// eliminated. It returns the newly eliminated contenders in rank order.
func Eliminate(active []*Contender, retain int) []*Contender {
	ranked := Rank(active)
	if retain < 0 {
		retain = 0
	}
	if retain >= len(ranked) {
		return nil
	}

	out := ranked[retain:]
	for _, c := range out {
		c.eliminate()
	}
	return out
}

// Active returns the contenders that are still in the running.
func Active(contenders []*Contender) []*Contender {
	var active []*Contender
	for _, c := range contenders {
		if !c.Eliminated() {
			active = append(active, c)
		}
	}
	return active
}
