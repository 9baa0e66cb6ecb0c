package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alienxp03/soulsync/internal/core"
)

// CreateTournament inserts a tournament and its candidates atomically.
func (s *SQLiteStorage) CreateTournament(t *core.Tournament, candidates []*core.Candidate) error {
	snap, err := marshalSnapshot(t.CurrentPhase)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
	INSERT INTO tournaments (id, user_id, user_agent_id, candidate_count, status, current_phase_json, winner_id, error_message, created_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID,
		t.UserID,
		t.UserAgentID,
		t.CandidateCount,
		t.Status,
		snap,
		nullString(t.WinnerID),
		t.ErrorMessage,
		t.CreatedAt,
		nullTimePtr(t.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert tournament: %w", err)
	}

	for _, c := range candidates {
		_, err := tx.Exec(`
		INSERT INTO candidates (id, tournament_id, agent_id, session_id, source, source_user_id, position, status, total_score, eliminated_at_phase, rank, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			c.ID,
			t.ID,
			c.AgentID,
			nullString(c.SessionID),
			c.Source,
			nullString(c.SourceUserID),
			c.Position,
			c.Status,
			c.TotalScore,
			nullString(c.EliminatedAtPhase),
			nullRank(c.Rank),
			c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert candidate: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tournament: %w", err)
	}
	return nil
}

const tournamentColumns = `id, user_id, user_agent_id, candidate_count, status, current_phase_json, winner_id, error_message, created_at, finished_at`

// GetTournament retrieves a tournament by ID.
func (s *SQLiteStorage) GetTournament(id string) (*core.Tournament, error) {
	var t core.Tournament
	var snap, winnerID sql.NullString
	var finishedAt sql.NullTime

	err := s.db.QueryRow(`SELECT `+tournamentColumns+` FROM tournaments WHERE id = ?`, id).Scan(
		&t.ID,
		&t.UserID,
		&t.UserAgentID,
		&t.CandidateCount,
		&t.Status,
		&snap,
		&winnerID,
		&t.ErrorMessage,
		&t.CreatedAt,
		&finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tournament: %w", err)
	}

	if snap.Valid {
		var ps core.PhaseSnapshot
		if err := json.Unmarshal([]byte(snap.String), &ps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal phase snapshot: %w", err)
		}
		t.CurrentPhase = &ps
	}
	t.WinnerID = winnerID.String
	t.FinishedAt = timePtr(finishedAt)
	return &t, nil
}

// UpdateTournament writes status, winner, error and finish time.
func (s *SQLiteStorage) UpdateTournament(t *core.Tournament) error {
	res, err := s.db.Exec(`
	UPDATE tournaments
	SET status = ?, winner_id = ?, error_message = ?, finished_at = ?
	WHERE id = ?
	`,
		t.Status,
		nullString(t.WinnerID),
		t.ErrorMessage,
		nullTimePtr(t.FinishedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tournament: %w", err)
	}
	return expectRow(res, "tournament", t.ID)
}

// SetTournamentSnapshot replaces the last-event snapshot of a tournament.
func (s *SQLiteStorage) SetTournamentSnapshot(id string, snap *core.PhaseSnapshot) error {
	data, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`UPDATE tournaments SET current_phase_json = ? WHERE id = ?`, data, id)
	if err != nil {
		return fmt.Errorf("failed to set tournament snapshot: %w", err)
	}
	return expectRow(res, "tournament", id)
}

// ListCandidates returns a tournament's candidates in creation order.
func (s *SQLiteStorage) ListCandidates(tournamentID string) ([]*core.Candidate, error) {
	query := `
	SELECT id, tournament_id, agent_id, session_id, source, source_user_id, position, status, total_score, eliminated_at_phase, rank, created_at
	FROM candidates
	WHERE tournament_id = ?
	ORDER BY position ASC
	`

	rows, err := s.db.Query(query, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*core.Candidate
	for rows.Next() {
		var c core.Candidate
		var sessionID, sourceUserID, eliminatedAt sql.NullString
		var rank sql.NullInt64

		err := rows.Scan(
			&c.ID,
			&c.TournamentID,
			&c.AgentID,
			&sessionID,
			&c.Source,
			&sourceUserID,
			&c.Position,
			&c.Status,
			&c.TotalScore,
			&eliminatedAt,
			&rank,
			&c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		c.SessionID = sessionID.String
		c.SourceUserID = sourceUserID.String
		c.EliminatedAtPhase = eliminatedAt.String
		c.Rank = int(rank.Int64)
		candidates = append(candidates, &c)
	}
	return candidates, rows.Err()
}

// UpdateCandidate writes the mutable candidate fields.
func (s *SQLiteStorage) UpdateCandidate(c *core.Candidate) error {
	res, err := s.db.Exec(`
	UPDATE candidates
	SET session_id = ?, status = ?, total_score = ?, eliminated_at_phase = ?, rank = ?
	WHERE id = ?
	`,
		nullString(c.SessionID),
		c.Status,
		c.TotalScore,
		nullString(c.EliminatedAtPhase),
		nullRank(c.Rank),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update candidate: %w", err)
	}
	return expectRow(res, "candidate", c.ID)
}

// CreateReport stores a match report. A session has at most one.
func (s *SQLiteStorage) CreateReport(report *core.MatchReport) error {
	dims, err := marshalDetail(report.DimensionScores)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
	INSERT INTO reports (id, session_id, user_id, tournament_id, compatibility_score, dimension_scores_json, recommendation, archive_url, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.ID,
		report.SessionID,
		report.UserID,
		nullString(report.TournamentID),
		report.CompatibilityScore,
		dims,
		report.Recommendation,
		report.ArchiveURL,
		report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

// GetReportBySession retrieves the match report of a session.
func (s *SQLiteStorage) GetReportBySession(sessionID string) (*core.MatchReport, error) {
	var r core.MatchReport
	var tournamentID, dims sql.NullString

	err := s.db.QueryRow(`
	SELECT id, session_id, user_id, tournament_id, compatibility_score, dimension_scores_json, recommendation, archive_url, created_at
	FROM reports
	WHERE session_id = ?
	`, sessionID).Scan(
		&r.ID,
		&r.SessionID,
		&r.UserID,
		&tournamentID,
		&r.CompatibilityScore,
		&dims,
		&r.Recommendation,
		&r.ArchiveURL,
		&r.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	r.TournamentID = tournamentID.String
	if dims.Valid {
		var d core.DimensionScores
		if err := json.Unmarshal([]byte(dims.String), &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dimension scores: %w", err)
		}
		r.DimensionScores = &d
	}
	return &r, nil
}

// SetReportArchiveURL records where a report was archived.
func (s *SQLiteStorage) SetReportArchiveURL(id, url string) error {
	res, err := s.db.Exec(`UPDATE reports SET archive_url = ? WHERE id = ?`, url, id)
	if err != nil {
		return fmt.Errorf("failed to set report archive url: %w", err)
	}
	return expectRow(res, "report", id)
}

// AppendEvent adds an event to a stream's log with the next sequence number.
func (s *SQLiteStorage) AppendEvent(streamID, name string, data []byte) (*core.Event, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE stream_id = ?`, streamID).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to read event sequence: %w", err)
	}

	ev := &core.Event{
		StreamID:  streamID,
		Seq:       last + 1,
		Name:      name,
		Data:      json.RawMessage(data),
		CreatedAt: time.Now(),
	}
	_, err = tx.Exec(`INSERT INTO events (stream_id, seq, name, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.StreamID, ev.Seq, ev.Name, string(data), ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}
	return ev, nil
}

// ListEvents returns a stream's events after the given sequence number.
func (s *SQLiteStorage) ListEvents(streamID string, afterSeq int64) ([]*core.Event, error) {
	rows, err := s.db.Query(`
	SELECT stream_id, seq, name, data, created_at
	FROM events
	WHERE stream_id = ? AND seq > ?
	ORDER BY seq ASC
	`, streamID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*core.Event
	for rows.Next() {
		var ev core.Event
		var data string
		if err := rows.Scan(&ev.StreamID, &ev.Seq, &ev.Name, &data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Data = json.RawMessage(data)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// PruneEvents deletes events older than the cutoff. Streams whose tournament
// or session is still in flight are kept.
func (s *SQLiteStorage) PruneEvents(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`
	DELETE FROM events
	WHERE created_at < ?
	AND stream_id NOT IN (SELECT id FROM tournaments WHERE status IN (?, ?))
	AND stream_id NOT IN (SELECT id FROM sessions WHERE status IN (?, ?))
	`, olderThan, core.TournamentPending, core.TournamentRunning, core.SessionQueued, core.SessionRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// GetTournamentState returns a tournament with every candidate's agent and session progress.
func (s *SQLiteStorage) GetTournamentState(id string) (*core.TournamentState, error) {
	t, err := s.GetTournament(id)
	if err != nil || t == nil {
		return nil, err
	}

	candidates, err := s.ListCandidates(id)
	if err != nil {
		return nil, err
	}

	state := &core.TournamentState{Tournament: t, Candidates: []*core.CandidateState{}}
	for _, c := range candidates {
		cs := &core.CandidateState{Candidate: c}
		if cs.Agent, err = s.GetAgent(c.AgentID); err != nil {
			return nil, err
		}
		if c.SessionID != "" {
			if cs.Session, err = s.GetSessionState(c.SessionID); err != nil {
				return nil, err
			}
		}
		state.Candidates = append(state.Candidates, cs)
	}
	return state, nil
}

func marshalSnapshot(snap *core.PhaseSnapshot) (sql.NullString, error) {
	if snap == nil {
		return sql.NullString{}, nil
	}
	ns, err := marshalNullable(snap)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal phase snapshot: %w", err)
	}
	return ns, nil
}

func nullRank(rank int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(rank), Valid: rank > 0}
}
