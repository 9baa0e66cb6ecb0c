package tournament

import "github.com/alienxp03/soulsync/internal/core"

// Event names published on a tournament stream.
const (
	EventCandidates     = "candidates"
	EventPhaseStart     = "phase_start"
	EventCandidateRound = "candidate_round"
	EventElimination    = "elimination"
	EventDone           = "done"
	EventError          = "error"
)

// CandidateEntry is one row of the candidates event.
type CandidateEntry struct {
	CandidateID string `json:"candidateId"`
	AgentID     string `json:"agentId"`
	DisplayName string `json:"displayName"`
	SessionID   string `json:"sessionId"`
}

// PhaseStart announces a phase and who plays it.
type PhaseStart struct {
	Phase            int           `json:"phase"`
	Scenario         core.Scenario `json:"scenario"`
	Label            string        `json:"label"`
	ActiveCandidates []string      `json:"activeCandidates"`
}

// CandidateRound is one candidate's scored round. Score is the weighted
// score of ScoreDetail.
type CandidateRound struct {
	CandidateID string                `json:"candidateId"`
	DisplayName string                `json:"displayName"`
	SessionID   string                `json:"sessionId"`
	RoundID     string                `json:"roundId"`
	Scenario    core.Scenario         `json:"scenario"`
	Score       int                   `json:"score"`
	ScoreReason string                `json:"scoreReason"`
	ScoreDetail *core.DimensionScores `json:"scoreDetail"`
	Result      core.RoundResult      `json:"result"`
}

// Standing is a candidate's score at an elimination.
type Standing struct {
	CandidateID string `json:"candidateId"`
	DisplayName string `json:"displayName"`
	TotalScore  int    `json:"totalScore"`
}

// Elimination reports who left and who stays after a phase.
type Elimination struct {
	Phase      int        `json:"phase"`
	Eliminated []Standing `json:"eliminated"`
	Surviving  []Standing `json:"surviving"`
}

// Ranking is one row of the final ranking.
type Ranking struct {
	Rank        int    `json:"rank"`
	CandidateID string `json:"candidateId"`
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
	TotalScore  int    `json:"totalScore"`
	Eliminated  bool   `json:"eliminated"`
}

// Done is the final tournament result. Winner fields are empty without a winner.
type Done struct {
	WinnerID        string                `json:"winnerId,omitempty"`
	WinnerSessionID string                `json:"winnerSessionId,omitempty"`
	WinnerName      string                `json:"winnerName,omitempty"`
	OverallScore    float64               `json:"overallScore"`
	DimensionScores *core.DimensionScores `json:"dimensionScores,omitempty"`
	Rankings        []Ranking             `json:"rankings"`
}

// ErrorPayload carries an orchestration failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

func standings(contenders []*Contender) []Standing {
	out := make([]Standing, 0, len(contenders))
	for _, c := range contenders {
		out = append(out, Standing{CandidateID: c.Candidate.ID, DisplayName: c.displayName(), TotalScore: c.Total()})
	}
	return out
}
