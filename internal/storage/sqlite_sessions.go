package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alienxp03/soulsync/internal/core"
)

// CreateSession creates a new conversation session.
func (s *SQLiteStorage) CreateSession(session *core.Session) error {
	query := `
	INSERT INTO sessions (id, user_id, user_agent_id, opponent_agent_id, tournament_id, candidate_id, status, overall_score, matched, terminate_reason, created_at, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		session.ID,
		session.UserID,
		session.UserAgentID,
		session.OpponentAgentID,
		nullString(session.TournamentID),
		nullString(session.CandidateID),
		session.Status,
		nullFloat(session.OverallScore),
		nullBool(session.Matched),
		session.TerminateReason,
		session.CreatedAt,
		nullTimePtr(session.StartedAt),
		nullTimePtr(session.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, user_agent_id, opponent_agent_id, tournament_id, candidate_id, status, overall_score, matched, terminate_reason, created_at, started_at, finished_at`

// GetSession retrieves a session by ID.
func (s *SQLiteStorage) GetSession(id string) (*core.Session, error) {
	session, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// UpdateSession writes the mutable session fields.
func (s *SQLiteStorage) UpdateSession(session *core.Session) error {
	query := `
	UPDATE sessions
	SET status = ?, overall_score = ?, matched = ?, terminate_reason = ?, started_at = ?, finished_at = ?
	WHERE id = ?
	`

	res, err := s.db.Exec(query,
		session.Status,
		nullFloat(session.OverallScore),
		nullBool(session.Matched),
		session.TerminateReason,
		nullTimePtr(session.StartedAt),
		nullTimePtr(session.FinishedAt),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return expectRow(res, "session", session.ID)
}

// CreateRound creates a round, normally in PENDING state.
func (s *SQLiteStorage) CreateRound(round *core.Round) error {
	detail, err := marshalDetail(round.ScoreDetail)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO rounds (id, session_id, scenario, score, score_reason, score_detail_json, result, round_count, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.Exec(query,
		round.ID,
		round.SessionID,
		round.Scenario,
		nullInt(round.Score),
		round.ScoreReason,
		detail,
		round.Result,
		round.RoundCount,
		round.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert round: %w", err)
	}
	return nil
}

// FinalizeRound writes the score, reason, detail and result of a pending round.
func (s *SQLiteStorage) FinalizeRound(round *core.Round) error {
	detail, err := marshalDetail(round.ScoreDetail)
	if err != nil {
		return err
	}

	query := `
	UPDATE rounds
	SET score = ?, score_reason = ?, score_detail_json = ?, result = ?
	WHERE id = ? AND result = ?
	`

	res, err := s.db.Exec(query,
		nullInt(round.Score),
		round.ScoreReason,
		detail,
		round.Result,
		round.ID,
		core.RoundPending,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize round: %w", err)
	}
	return expectRow(res, "pending round", round.ID)
}

// SetRoundDetail attaches dimension scores to a round.
func (s *SQLiteStorage) SetRoundDetail(roundID string, detail core.DimensionScores) error {
	data, err := marshalDetail(&detail)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`UPDATE rounds SET score_detail_json = ? WHERE id = ?`, data, roundID)
	if err != nil {
		return fmt.Errorf("failed to set round detail: %w", err)
	}
	return expectRow(res, "round", roundID)
}

const roundColumns = `id, session_id, scenario, score, score_reason, score_detail_json, result, round_count, created_at`

// GetRound retrieves a round by ID.
func (s *SQLiteStorage) GetRound(id string) (*core.Round, error) {
	round, err := scanRound(s.db.QueryRow(`SELECT `+roundColumns+` FROM rounds WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	return round, nil
}

// LatestRound returns the most recently created round of a scenario in a session.
func (s *SQLiteStorage) LatestRound(sessionID string, scenario core.Scenario) (*core.Round, error) {
	query := `
	SELECT ` + roundColumns + `
	FROM rounds
	WHERE session_id = ? AND scenario = ?
	ORDER BY created_at DESC, rowid DESC
	LIMIT 1
	`

	round, err := scanRound(s.db.QueryRow(query, sessionID, scenario))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest round: %w", err)
	}
	return round, nil
}

// ListRounds returns a session's rounds in creation order.
func (s *SQLiteStorage) ListRounds(sessionID string) ([]*core.Round, error) {
	rows, err := s.db.Query(`SELECT `+roundColumns+` FROM rounds WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []*core.Round
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		rounds = append(rounds, round)
	}
	return rounds, rows.Err()
}

// AddMessage appends a message to a round. Duplicate seqs are rejected.
func (s *SQLiteStorage) AddMessage(msg *core.Message) error {
	query := `
	INSERT INTO messages (id, round_id, role, content, seq, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		msg.ID,
		msg.RoundID,
		msg.Role,
		msg.Content,
		msg.Seq,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListMessages returns a round's messages ordered by seq.
func (s *SQLiteStorage) ListMessages(roundID string) ([]*core.Message, error) {
	query := `
	SELECT id, round_id, role, content, seq, created_at
	FROM messages
	WHERE round_id = ?
	ORDER BY seq ASC
	`

	rows, err := s.db.Query(query, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*core.Message
	for rows.Next() {
		var msg core.Message
		err := rows.Scan(
			&msg.ID,
			&msg.RoundID,
			&msg.Role,
			&msg.Content,
			&msg.Seq,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// GetSessionState returns a session with its agents, rounds and ordered messages.
func (s *SQLiteStorage) GetSessionState(id string) (*core.SessionState, error) {
	session, err := s.GetSession(id)
	if err != nil || session == nil {
		return nil, err
	}
	return s.sessionState(session)
}

func (s *SQLiteStorage) sessionState(session *core.Session) (*core.SessionState, error) {
	state := &core.SessionState{Session: session, Rounds: []*core.RoundState{}}

	var err error
	if state.UserAgent, err = s.GetAgent(session.UserAgentID); err != nil {
		return nil, err
	}
	if state.Opponent, err = s.GetAgent(session.OpponentAgentID); err != nil {
		return nil, err
	}

	rounds, err := s.ListRounds(session.ID)
	if err != nil {
		return nil, err
	}
	for _, round := range rounds {
		messages, err := s.ListMessages(round.ID)
		if err != nil {
			return nil, err
		}
		if messages == nil {
			messages = []*core.Message{}
		}
		state.Rounds = append(state.Rounds, &core.RoundState{Round: round, Messages: messages})
	}
	return state, nil
}

func scanSession(row scanner) (*core.Session, error) {
	var session core.Session
	var tournamentID, candidateID sql.NullString
	var overall sql.NullFloat64
	var matched sql.NullBool
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.UserAgentID,
		&session.OpponentAgentID,
		&tournamentID,
		&candidateID,
		&session.Status,
		&overall,
		&matched,
		&session.TerminateReason,
		&session.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	session.TournamentID = tournamentID.String
	session.CandidateID = candidateID.String
	if overall.Valid {
		v := overall.Float64
		session.OverallScore = &v
	}
	if matched.Valid {
		v := matched.Bool
		session.Matched = &v
	}
	session.StartedAt = timePtr(startedAt)
	session.FinishedAt = timePtr(finishedAt)
	return &session, nil
}

func scanRound(row scanner) (*core.Round, error) {
	var round core.Round
	var score sql.NullInt64
	var detail sql.NullString

	err := row.Scan(
		&round.ID,
		&round.SessionID,
		&round.Scenario,
		&score,
		&round.ScoreReason,
		&detail,
		&round.Result,
		&round.RoundCount,
		&round.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if score.Valid {
		v := int(score.Int64)
		round.Score = &v
	}
	if detail.Valid {
		var d core.DimensionScores
		if err := json.Unmarshal([]byte(detail.String), &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal score detail: %w", err)
		}
		round.ScoreDetail = &d
	}
	return &round, nil
}

func marshalDetail(d *core.DimensionScores) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}
	ns, err := marshalNullable(d)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal score detail: %w", err)
	}
	return ns, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}
