// Package store provides SQLite-backed persistence for audit sessions,
// agent executions, findings, retrieval logs, and the per-session event log.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	auditerrors "github.com/ctxaudit/auditcore/internal/errors"
	"github.com/ctxaudit/auditcore/internal/models"
)

// Config configures the store.
type Config struct {
	DataDir       string // Directory for audit.db
	RetentionDays int    // Days to keep terminal sessions (default 90, 0 = forever)
}

// Store implements persistence with a single SQLite database.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	dbPath        string
	retentionDays int
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// New opens (creating if needed) the audit database.
func New(cfg Config) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "audit.db")

	// Open database with pragmas in DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	retentionDays := cfg.RetentionDays
	if retentionDays == 0 {
		retentionDays = 90
	} else if retentionDays < 0 {
		retentionDays = 0
	}

	s := &Store{
		db:            db,
		dbPath:        dbPath,
		retentionDays: retentionDays,
		stopChan:      make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if retentionDays > 0 {
		s.wg.Add(1)
		go s.retentionWorker()
	}

	log.Info().
		Str("dbPath", dbPath).
		Int("retentionDays", retentionDays).
		Msg("Audit store initialized")

	return s, nil
}

// initSchema creates the database tables and indexes.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		audit_type TEXT NOT NULL,
		status TEXT NOT NULL,
		config TEXT NOT NULL,
		error TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS agent_executions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		agent TEXT NOT NULL,
		status TEXT NOT NULL,
		input TEXT,
		output TEXT,
		reasoning TEXT,
		error TEXT,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_executions_session ON agent_executions(session_id, started_at);

	CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		agent TEXT NOT NULL,
		rule_id TEXT,
		vuln_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		confidence REAL NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		file_path TEXT,
		line_number INTEGER,
		code_snippet TEXT,
		remediation TEXT,
		refs TEXT,
		verified INTEGER NOT NULL DEFAULT 0,
		is_false_positive INTEGER NOT NULL DEFAULT 0,
		needs_review INTEGER NOT NULL DEFAULT 0,
		duplicate_of TEXT,
		evidence TEXT,
		verified_by TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_findings_session ON findings(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(session_id, severity);

	CREATE TABLE IF NOT EXISTS retrieval_queries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		finding_id TEXT,
		corpus TEXT NOT NULL,
		query TEXT NOT NULL,
		results TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_retrieval_session ON retrieval_queries(session_id);

	CREATE TABLE IF NOT EXISTS audit_events (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sequence INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		agent TEXT,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	_, err = s.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().Unix())
	return err
}

// Close gracefully shuts down the store.
func (s *Store) Close() error {
	close(s.stopChan)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close audit database: %w", err)
	}
	log.Info().Msg("Audit store closed")
	return nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(sess *models.AuditSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal session config: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, project_id, audit_type, status, config, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, string(sess.Mode), string(sess.Status),
		string(cfg), sess.Error, sess.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(id string) (*models.AuditSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSessionLocked(id)
}

func (s *Store) getSessionLocked(id string) (*models.AuditSession, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, audit_type, status, config, error, created_at, started_at, completed_at
		FROM sessions WHERE id = ?`, id)

	var sess models.AuditSession
	var cfg string
	var errMsg sql.NullString
	var created int64
	var started, completed sql.NullInt64

	err := row.Scan(&sess.ID, &sess.ProjectID, (*string)(&sess.Mode), (*string)(&sess.Status),
		&cfg, &errMsg, &created, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, auditerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if err := json.Unmarshal([]byte(cfg), &sess.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session config: %w", err)
	}
	sess.Error = errMsg.String
	sess.CreatedAt = time.Unix(created, 0)
	if started.Valid {
		t := time.Unix(started.Int64, 0)
		sess.StartedAt = &t
	}
	if completed.Valid {
		t := time.Unix(completed.Int64, 0)
		sess.CompletedAt = &t
	}
	return &sess, nil
}

// ListSessions returns sessions newest-first. Limit <= 0 means no limit.
func (s *Store) ListSessions(limit int) ([]models.AuditSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, project_id, audit_type, status, config, error, created_at, started_at, completed_at
		FROM sessions ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.AuditSession
	for rows.Next() {
		var sess models.AuditSession
		var cfg string
		var errMsg sql.NullString
		var created int64
		var started, completed sql.NullInt64

		if err := rows.Scan(&sess.ID, &sess.ProjectID, (*string)(&sess.Mode), (*string)(&sess.Status),
			&cfg, &errMsg, &created, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(cfg), &sess.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session config: %w", err)
		}
		sess.Error = errMsg.String
		sess.CreatedAt = time.Unix(created, 0)
		if started.Valid {
			t := time.Unix(started.Int64, 0)
			sess.StartedAt = &t
		}
		if completed.Valid {
			t := time.Unix(completed.Int64, 0)
			sess.CompletedAt = &t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus moves a session to a new status, rejecting backward or
// post-terminal transitions. The error message is recorded for failed
// sessions only.
func (s *Store) UpdateSessionStatus(id string, status models.SessionStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getSessionLocked(id)
	if err != nil {
		return err
	}
	if sess.Status == status {
		return nil
	}
	if sess.Status.Terminal() {
		return auditerrors.ErrSessionTerminal
	}
	if !sess.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: cannot move session %s from %s to %s",
			auditerrors.ErrInvalidInput, id, sess.Status, status)
	}

	now := time.Now().Unix()
	switch {
	case status == models.SessionRunning && sess.StartedAt == nil:
		_, err = s.db.Exec(`UPDATE sessions SET status = ?, started_at = ? WHERE id = ?`,
			string(status), now, id)
	case status.Terminal():
		_, err = s.db.Exec(`UPDATE sessions SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
			string(status), errMsg, now, id)
	default:
		_, err = s.db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// AppendExecution inserts a running agent execution row.
func (s *Store) AppendExecution(exec *models.AgentExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO agent_executions (id, session_id, agent, status, input, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.SessionID, string(exec.Agent), string(exec.Status),
		nullableJSON(exec.Input), exec.StartedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent execution: %w", err)
	}
	return nil
}

// FinishExecution records the terminal state of an agent execution.
func (s *Store) FinishExecution(exec *models.AgentExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completed interface{}
	if exec.CompletedAt != nil {
		completed = exec.CompletedAt.Unix()
	}
	_, err := s.db.Exec(`
		UPDATE agent_executions
		SET status = ?, output = ?, reasoning = ?, error = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		string(exec.Status), nullableJSON(exec.Output), exec.Reasoning, exec.Error,
		completed, exec.DurationMS, exec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish agent execution: %w", err)
	}
	return nil
}

// ListExecutions returns all executions of a session ordered by start time.
func (s *Store) ListExecutions(sessionID string) ([]models.AgentExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, agent, status, input, output, reasoning, error, started_at, completed_at, duration_ms
		FROM agent_executions WHERE session_id = ? ORDER BY started_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var execs []models.AgentExecution
	for rows.Next() {
		var e models.AgentExecution
		var input, output, reasoning, errMsg sql.NullString
		var started int64
		var completed sql.NullInt64

		err := rows.Scan(&e.ID, &e.SessionID, (*string)(&e.Agent), (*string)(&e.Status),
			&input, &output, &reasoning, &errMsg, &started, &completed, &e.DurationMS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if input.Valid {
			e.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			e.Output = json.RawMessage(output.String)
		}
		e.Reasoning = reasoning.String
		e.Error = errMsg.String
		e.StartedAt = time.Unix(started, 0)
		if completed.Valid {
			t := time.Unix(completed.Int64, 0)
			e.CompletedAt = &t
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// executionExists checks an execution row of the given agent type.
func (s *Store) executionExists(id string, agent models.AgentType) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM agent_executions WHERE id = ? AND agent = ?`,
		id, string(agent)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check execution: %w", err)
	}
	return n > 0, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
