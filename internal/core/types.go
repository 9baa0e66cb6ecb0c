// Package core contains the core domain types for soulsync.
package core

import (
	"encoding/json"
	"time"
)

// Scenario identifies one of the fixed conversation modes.
type Scenario string

const (
	ScenarioIcebreak  Scenario = "ICEBREAK"
	ScenarioDeepValue Scenario = "DEEPVALUE"
	ScenarioEmpathy   Scenario = "EMPATHY"
	ScenarioGame      Scenario = "GAME"
)

// PhaseOrder is the tournament phase sequence.
var PhaseOrder = []Scenario{ScenarioIcebreak, ScenarioDeepValue, ScenarioEmpathy, ScenarioGame}

// ClassicScenarios are played by a single-opponent simulation. GAME is tournament only.
var ClassicScenarios = []Scenario{ScenarioIcebreak, ScenarioDeepValue, ScenarioEmpathy}

// Role identifies which side of a pairing produced a message.
type Role string

const (
	RoleSideA Role = "SIDE_A" // the requesting user's agent
	RoleSideB Role = "SIDE_B" // the opponent
)

// AgentSource records where an agent persona came from.
type AgentSource string

const (
	SourceSeed       AgentSource = "SEED"
	SourceBook       AgentSource = "BOOK"
	SourceRegistered AgentSource = "REGISTERED"
)

// Agent is a scripted personality profile driving one side of a conversation.
type Agent struct {
	ID            string      `json:"id"`
	DisplayName   string      `json:"display_name"`
	PromptPersona string      `json:"prompt_persona"`
	MBTI          string      `json:"mbti"`
	Intent        string      `json:"intent,omitempty"`
	Source        AgentSource `json:"source"`
	UserID        string      `json:"user_id,omitempty"`
	AvatarURL     string      `json:"avatar_url,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// User is an account that owns an agent and, optionally, live chat credentials.
type User struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"display_name"`
	AgentID        string    `json:"agent_id,omitempty"`
	Matchable      bool      `json:"matchable"`
	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	TokenExpiresAt time.Time `json:"-"`
	LastActiveAt   time.Time `json:"last_active_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// SessionStatus represents the lifecycle of a conversation session.
type SessionStatus string

const (
	SessionQueued     SessionStatus = "QUEUED"
	SessionRunning    SessionStatus = "RUNNING"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionTerminated SessionStatus = "TERMINATED"
)

// IsTerminal reports whether no further writes will happen to the session.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionTerminated
}

// Session is one agent pair's running dialogue context.
type Session struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	UserAgentID     string        `json:"user_agent_id"`
	OpponentAgentID string        `json:"opponent_agent_id"`
	TournamentID    string        `json:"tournament_id,omitempty"`
	CandidateID     string        `json:"candidate_id,omitempty"`
	Status          SessionStatus `json:"status"`
	OverallScore    *float64      `json:"overall_score,omitempty"`
	Matched         *bool         `json:"matched,omitempty"`
	TerminateReason string        `json:"terminate_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
}

// RoundResult is the terminal verdict of a round.
type RoundResult string

const (
	RoundPending      RoundResult = "PENDING"
	RoundPass         RoundResult = "PASS"
	RoundStopLowScore RoundResult = "STOP_LOW_SCORE"
)

// Round is one scenario's transcript within a session.
type Round struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	Scenario    Scenario         `json:"scenario"`
	Score       *int             `json:"score,omitempty"`
	ScoreReason string           `json:"score_reason,omitempty"`
	ScoreDetail *DimensionScores `json:"score_detail,omitempty"`
	Result      RoundResult      `json:"result"`
	RoundCount  int              `json:"round_count"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Message is one turn of a round. Seq is the only ordering guarantee.
type Message struct {
	ID        string    `json:"id"`
	RoundID   string    `json:"round_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// TournamentStatus represents the lifecycle of a tournament.
type TournamentStatus string

const (
	TournamentPending   TournamentStatus = "PENDING"
	TournamentRunning   TournamentStatus = "RUNNING"
	TournamentCompleted TournamentStatus = "COMPLETED"
	TournamentFailed    TournamentStatus = "FAILED"
)

// IsTerminal reports whether the tournament has finished.
func (s TournamentStatus) IsTerminal() bool {
	return s == TournamentCompleted || s == TournamentFailed
}

// PhaseSnapshot is the last event published for a tournament.
type PhaseSnapshot struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"ts"`
}

// Tournament is an elimination run of one user's agent against N candidates.
type Tournament struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	UserAgentID    string           `json:"user_agent_id"`
	CandidateCount int              `json:"candidate_count"`
	Status         TournamentStatus `json:"status"`
	CurrentPhase   *PhaseSnapshot   `json:"current_phase,omitempty"`
	WinnerID       string           `json:"winner_id,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
}

// CandidateStatus is monotonic: ACTIVE moves to ELIMINATED or WINNER and stays there.
type CandidateStatus string

const (
	CandidateActive     CandidateStatus = "ACTIVE"
	CandidateEliminated CandidateStatus = "ELIMINATED"
	CandidateWinner     CandidateStatus = "WINNER"
)

// Candidate is one opponent competing in a tournament.
type Candidate struct {
	ID                string          `json:"id"`
	TournamentID      string          `json:"tournament_id"`
	AgentID           string          `json:"agent_id"`
	SessionID         string          `json:"session_id,omitempty"`
	Source            AgentSource     `json:"source"`
	SourceUserID      string          `json:"source_user_id,omitempty"`
	Position          int             `json:"position"`
	Status            CandidateStatus `json:"status"`
	TotalScore        int             `json:"total_score"`
	EliminatedAtPhase string          `json:"eliminated_at_phase,omitempty"`
	Rank              int             `json:"rank,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// MatchReport summarizes a successful pairing.
type MatchReport struct {
	ID                 string           `json:"id"`
	SessionID          string           `json:"session_id"`
	UserID             string           `json:"user_id"`
	TournamentID       string           `json:"tournament_id,omitempty"`
	CompatibilityScore float64          `json:"compatibility_score"`
	DimensionScores    *DimensionScores `json:"dimension_scores,omitempty"`
	Recommendation     string           `json:"recommendation"`
	ArchiveURL         string           `json:"archive_url,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// Event is one entry of a stream's append-only progress log.
type Event struct {
	StreamID  string          `json:"stream_id"`
	Seq       int64           `json:"seq"`
	Name      string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// RoundState is a round with its ordered transcript.
type RoundState struct {
	Round    *Round     `json:"round"`
	Messages []*Message `json:"messages"`
}

// SessionState is the nested read model of a session.
type SessionState struct {
	Session   *Session      `json:"session"`
	UserAgent *Agent        `json:"user_agent,omitempty"`
	Opponent  *Agent        `json:"opponent,omitempty"`
	Rounds    []*RoundState `json:"rounds"`
}

// CandidateState is a candidate with its agent and session progress.
type CandidateState struct {
	Candidate *Candidate    `json:"candidate"`
	Agent     *Agent        `json:"agent,omitempty"`
	Session   *SessionState `json:"session,omitempty"`
}

// TournamentState is the nested read model of a tournament.
type TournamentState struct {
	Tournament *Tournament       `json:"tournament"`
	Candidates []*CandidateState `json:"candidates"`
}
