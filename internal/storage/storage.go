// Package storage provides persistence for agents, sessions and tournaments.
package storage

import (
	"errors"
	"time"

	"github.com/alienxp03/soulsync/internal/core"
)

// ErrNotFound is returned by updates that target a missing row.
// Lookups return (nil, nil) instead.
var ErrNotFound = errors.New("not found")

// Storage defines the interface for matchmaking persistence.
type Storage interface {
	// Initialize sets up the storage (creates tables, etc.)
	Initialize() error

	// Close closes the storage connection.
	Close() error

	// User operations
	UpsertUser(user *core.User) error
	GetUser(id string) (*core.User, error)
	UpdateUserTokens(id, accessToken, refreshToken string, expiresAt time.Time) error
	ListMatchableUsers(excludeUserID string, limit int) ([]*core.User, error)

	// Agent operations
	UpsertAgent(agent *core.Agent) error
	GetAgent(id string) (*core.Agent, error)
	ListAgents(source core.AgentSource) ([]*core.Agent, error)

	// Session operations
	CreateSession(session *core.Session) error
	GetSession(id string) (*core.Session, error)
	UpdateSession(session *core.Session) error

	// Round and message operations
	CreateRound(round *core.Round) error
	FinalizeRound(round *core.Round) error
	SetRoundDetail(roundID string, detail core.DimensionScores) error
	GetRound(id string) (*core.Round, error)
	LatestRound(sessionID string, scenario core.Scenario) (*core.Round, error)
	ListRounds(sessionID string) ([]*core.Round, error)
	AddMessage(msg *core.Message) error
	ListMessages(roundID string) ([]*core.Message, error)

	// Tournament operations
	CreateTournament(t *core.Tournament, candidates []*core.Candidate) error
	GetTournament(id string) (*core.Tournament, error)
	UpdateTournament(t *core.Tournament) error
	SetTournamentSnapshot(id string, snap *core.PhaseSnapshot) error
	ListCandidates(tournamentID string) ([]*core.Candidate, error)
	UpdateCandidate(c *core.Candidate) error

	// Report operations
	CreateReport(report *core.MatchReport) error
	GetReportBySession(sessionID string) (*core.MatchReport, error)
	SetReportArchiveURL(id, url string) error

	// Event log operations
	AppendEvent(streamID, name string, data []byte) (*core.Event, error)
	ListEvents(streamID string, afterSeq int64) ([]*core.Event, error)
	PruneEvents(olderThan time.Time) (int64, error)

	// Nested read models
	GetSessionState(id string) (*core.SessionState, error)
	GetTournamentState(id string) (*core.TournamentState, error)
}
