package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alienxp03/soulsync/internal/core"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Candidates write concurrently within a phase; SQLite allows one writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &SQLiteStorage{
		db:   db,
		path: dbPath,
	}, nil
}

// Initialize creates the database schema.
func (s *SQLiteStorage) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		agent_id TEXT,
		matchable INTEGER NOT NULL DEFAULT 0,
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		token_expires_at DATETIME,
		last_active_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		prompt_persona TEXT NOT NULL,
		mbti TEXT NOT NULL,
		intent TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		user_id TEXT,
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tournaments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		user_agent_id TEXT NOT NULL,
		candidate_count INTEGER NOT NULL,
		status TEXT NOT NULL,
		current_phase_json TEXT,
		winner_id TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS candidates (
		id TEXT PRIMARY KEY,
		tournament_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		session_id TEXT,
		source TEXT NOT NULL,
		source_user_id TEXT,
		position INTEGER NOT NULL,
		status TEXT NOT NULL,
		total_score INTEGER NOT NULL DEFAULT 0,
		eliminated_at_phase TEXT,
		rank INTEGER,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (tournament_id) REFERENCES tournaments(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		user_agent_id TEXT NOT NULL,
		opponent_agent_id TEXT NOT NULL,
		tournament_id TEXT,
		candidate_id TEXT,
		status TEXT NOT NULL,
		overall_score REAL,
		matched INTEGER,
		terminate_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS rounds (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		scenario TEXT NOT NULL,
		score INTEGER,
		score_reason TEXT NOT NULL DEFAULT '',
		score_detail_json TEXT,
		result TEXT NOT NULL,
		round_count INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		round_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		seq INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (round_id, seq),
		FOREIGN KEY (round_id) REFERENCES rounds(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		tournament_id TEXT,
		compatibility_score REAL NOT NULL,
		dimension_scores_json TEXT,
		recommendation TEXT NOT NULL,
		archive_url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		stream_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		name TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (stream_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_users_matchable ON users(matchable, last_active_at DESC);
	CREATE INDEX IF NOT EXISTS idx_agents_source ON agents(source);
	CREATE INDEX IF NOT EXISTS idx_candidates_tournament_id ON candidates(tournament_id, position);
	CREATE INDEX IF NOT EXISTS idx_sessions_tournament_id ON sessions(tournament_id);
	CREATE INDEX IF NOT EXISTS idx_rounds_session_id ON rounds(session_id, scenario);
	CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// UpsertUser creates or replaces a user.
func (s *SQLiteStorage) UpsertUser(user *core.User) error {
	query := `
	INSERT INTO users (id, display_name, agent_id, matchable, access_token, refresh_token, token_expires_at, last_active_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		display_name = excluded.display_name,
		agent_id = excluded.agent_id,
		matchable = excluded.matchable,
		access_token = excluded.access_token,
		refresh_token = excluded.refresh_token,
		token_expires_at = excluded.token_expires_at,
		last_active_at = excluded.last_active_at
	`

	_, err := s.db.Exec(query,
		user.ID,
		user.DisplayName,
		nullString(user.AgentID),
		user.Matchable,
		user.AccessToken,
		user.RefreshToken,
		nullTime(user.TokenExpiresAt),
		user.LastActiveAt,
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

const userColumns = `u.id, u.display_name, u.agent_id, u.matchable, u.access_token, u.refresh_token, u.token_expires_at, u.last_active_at, u.created_at`

// GetUser retrieves a user by ID.
func (s *SQLiteStorage) GetUser(id string) (*core.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users u WHERE u.id = ?`, id)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateUserTokens stores refreshed credentials.
func (s *SQLiteStorage) UpdateUserTokens(id, accessToken, refreshToken string, expiresAt time.Time) error {
	res, err := s.db.Exec(`UPDATE users SET access_token = ?, refresh_token = ?, token_expires_at = ? WHERE id = ?`,
		accessToken, refreshToken, nullTime(expiresAt), id)
	if err != nil {
		return fmt.Errorf("failed to update user tokens: %w", err)
	}
	return expectRow(res, "user", id)
}

// ListMatchableUsers returns matchable users owning an agent, most recently active first.
func (s *SQLiteStorage) ListMatchableUsers(excludeUserID string, limit int) ([]*core.User, error) {
	query := `
	SELECT ` + userColumns + `
	FROM users u
	JOIN agents a ON a.id = u.agent_id
	WHERE u.matchable = 1 AND u.id != ?
	ORDER BY u.last_active_at DESC
	LIMIT ?
	`

	rows, err := s.db.Query(query, excludeUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list matchable users: %w", err)
	}
	defer rows.Close()

	var users []*core.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// UpsertAgent creates or replaces an agent persona.
func (s *SQLiteStorage) UpsertAgent(agent *core.Agent) error {
	query := `
	INSERT INTO agents (id, display_name, prompt_persona, mbti, intent, source, user_id, avatar_url, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		display_name = excluded.display_name,
		prompt_persona = excluded.prompt_persona,
		mbti = excluded.mbti,
		intent = excluded.intent,
		avatar_url = excluded.avatar_url
	`

	_, err := s.db.Exec(query,
		agent.ID,
		agent.DisplayName,
		agent.PromptPersona,
		agent.MBTI,
		agent.Intent,
		agent.Source,
		nullString(agent.UserID),
		agent.AvatarURL,
		agent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

const agentColumns = `id, display_name, prompt_persona, mbti, intent, source, user_id, avatar_url, created_at`

// GetAgent retrieves an agent by ID.
func (s *SQLiteStorage) GetAgent(id string) (*core.Agent, error) {
	agent, err := scanAgent(s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns agents of one source, or all agents when source is empty.
func (s *SQLiteStorage) ListAgents(source core.AgentSource) ([]*core.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE ? = '' OR source = ? ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, source, source)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*core.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "soulsync.db"
	}
	return filepath.Join(home, ".soulsync", "soulsync.db")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*core.User, error) {
	var user core.User
	var agentID sql.NullString
	var expiresAt sql.NullTime

	err := row.Scan(
		&user.ID,
		&user.DisplayName,
		&agentID,
		&user.Matchable,
		&user.AccessToken,
		&user.RefreshToken,
		&expiresAt,
		&user.LastActiveAt,
		&user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.AgentID = agentID.String
	if expiresAt.Valid {
		user.TokenExpiresAt = expiresAt.Time
	}
	return &user, nil
}

func scanAgent(row scanner) (*core.Agent, error) {
	var agent core.Agent
	var userID sql.NullString

	err := row.Scan(
		&agent.ID,
		&agent.DisplayName,
		&agent.PromptPersona,
		&agent.MBTI,
		&agent.Intent,
		&agent.Source,
		&userID,
		&agent.AvatarURL,
		&agent.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	agent.UserID = userID.String
	return &agent, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
