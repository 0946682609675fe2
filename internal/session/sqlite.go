package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/kandev/coordinator/internal/common/errors"
	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

// SQLiteStore is the SQLite-backed Session Store implementation.
type SQLiteStore struct {
	db       *sql.DB
	notifier ChangeNotifier
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) the session database at
// dbPath and initializes its schema. notifier may be nil.
func NewSQLiteStore(dbPath string, notifier ChangeNotifier) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite only supports one writer
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, notifier: notifier}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_resumed_at DATETIME,
		project_dir TEXT DEFAULT '',
		agent_name TEXT DEFAULT '',
		parent_session_id TEXT,
		execution_mode TEXT NOT NULL,
		hostname TEXT DEFAULT '',
		executor_profile TEXT DEFAULT '',
		executor_session_id TEXT DEFAULT '',
		FOREIGN KEY (parent_session_id) REFERENCES sessions(session_id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		payload TEXT DEFAULT '{}',
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_executor_session_id ON sessions(executor_session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *v1.Session) error {
	if sess.Status == "" {
		sess.Status = v1.SessionPending
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	var parent sql.NullString
	if sess.ParentSessionID != "" {
		parent = sql.NullString{String: sess.ParentSessionID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, status, created_at, project_dir, agent_name, parent_session_id, execution_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.SessionID, sess.Status, sess.CreatedAt, sess.ProjectDir, sess.AgentName, parent, sess.ExecutionMode)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return apperrors.AlreadyExists("session", sess.SessionID)
		}
		return apperrors.InternalError("failed to create session", err)
	}

	s.notifyCreated(sess)
	return nil
}

func (s *SQLiteStore) BindExecutor(ctx context.Context, sessionID, executorSessionID, hostname, executorProfile, projectDir string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.InternalError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	sess, err := s.getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		return apperrors.BadState("session", string(sess.Status), "bind executor to")
	}

	projectDirVal := projectDir
	if projectDirVal == "" {
		projectDirVal = sess.ProjectDir
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, hostname = ?, executor_profile = ?, executor_session_id = ?, project_dir = ?
		WHERE session_id = ?
	`, v1.SessionRunning, hostname, executorProfile, executorSessionID, projectDirVal, sessionID)
	if err != nil {
		return apperrors.InternalError("failed to bind executor", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.InternalError("failed to commit bind", err)
	}

	sess.Status = v1.SessionRunning
	sess.Hostname = hostname
	sess.ExecutorProfile = executorProfile
	sess.ExecutorSessionID = executorSessionID
	sess.ProjectDir = projectDirVal
	s.notify(sess)
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event v1.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.InternalError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	sess, err := s.getSessionTx(ctx, tx, event.SessionID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (session_id, event_type, timestamp, payload) VALUES (?, ?, ?, ?)
	`, event.SessionID, event.EventType, event.Timestamp, string(payload))
	if err != nil {
		return apperrors.InternalError("failed to append event", err)
	}

	statusChanged := false
	if event.EventType == v1.EventSessionStop && sess.Status != v1.SessionFinished && !sess.Status.IsTerminal() {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE session_id = ?`, v1.SessionFinished, event.SessionID); err != nil {
			return apperrors.InternalError("failed to transition session on session_stop", err)
		}
		statusChanged = true
	}

	if err := tx.Commit(); err != nil {
		return apperrors.InternalError("failed to commit event append", err)
	}

	s.notifyEvent(event)
	if statusChanged {
		sess.Status = v1.SessionFinished
		s.notify(sess)
	}
	return nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, sessionID string, status v1.SessionStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.InternalError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	sess, err := s.getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if !transitionAllowed(sess.Status, status) {
		return apperrors.BadState("session", string(sess.Status), fmt.Sprintf("transition to %s", status))
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE session_id = ?`, status, sessionID); err != nil {
		return apperrors.InternalError("failed to set session status", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.InternalError("failed to commit status change", err)
	}

	sess.Status = status
	s.notify(sess)
	return nil
}

// GetResult returns the text of the most recent role=assistant message
// event. It scans message events newest-first rather than relying on a
// SQLite JSON1 predicate, since payload shape is caller-defined.
func (s *SQLiteStore) GetResult(ctx context.Context, sessionID string) (string, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM events
		WHERE session_id = ? AND event_type = 'message'
		ORDER BY id DESC
	`, sessionID)
	if err != nil {
		return "", false, apperrors.InternalError("failed to get session result", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return "", false, apperrors.InternalError("failed to scan session result", err)
		}
		var p map[string]interface{}
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			continue
		}
		if role, _ := p["role"].(string); role == "assistant" {
			text, _ := p["text"].(string)
			return text, true, nil
		}
	}
	return "", false, rows.Err()
}

func (s *SQLiteStore) GetByExecutorSessionID(ctx context.Context, executorSessionID string) (*v1.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelectColumns+` FROM sessions WHERE executor_session_id = ?`, executorSessionID)
	return scanSession(row)
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*v1.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelectColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return sess, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*v1.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelectColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperrors.InternalError("failed to list sessions", err)
	}
	defer rows.Close()

	var result []*v1.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, apperrors.InternalError("failed to scan session", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string) ([]v1.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, event_type, timestamp, payload FROM events WHERE session_id = ? ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, apperrors.InternalError("failed to list events", err)
	}
	defer rows.Close()

	var result []v1.Event
	for rows.Next() {
		var e v1.Event
		var payload string
		if err := rows.Scan(&e.SessionID, &e.EventType, &e.Timestamp, &payload); err != nil {
			return nil, apperrors.InternalError("failed to scan event", err)
		}
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return apperrors.InternalError("failed to delete session", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", sessionID)
	}
	s.notifyDeleted(sessionID)
	return nil
}

func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return apperrors.InternalError("failed to delete all sessions", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMetadata(ctx context.Context, sessionID string, projectDir, agentName *string, lastResumedAt *time.Time) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if projectDir != nil {
		sess.ProjectDir = *projectDir
	}
	if agentName != nil {
		sess.AgentName = *agentName
	}
	if lastResumedAt != nil {
		sess.LastResumedAt = lastResumedAt
	}

	var lastResumedCol sql.NullTime
	if sess.LastResumedAt != nil {
		lastResumedCol = sql.NullTime{Time: *sess.LastResumedAt, Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET project_dir = ?, agent_name = ?, last_resumed_at = ? WHERE session_id = ?
	`, sess.ProjectDir, sess.AgentName, lastResumedCol, sessionID); err != nil {
		return apperrors.InternalError("failed to update session metadata", err)
	}

	s.notify(sess)
	return nil
}

func (s *SQLiteStore) GetAffinity(ctx context.Context, sessionID string) (Affinity, error) {
	var a Affinity
	err := s.db.QueryRowContext(ctx, `
		SELECT hostname, project_dir, executor_profile, executor_session_id FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&a.Hostname, &a.ProjectDir, &a.ExecutorProfile, &a.ExecutorSessionID)
	if err == sql.ErrNoRows {
		return a, apperrors.NotFound("session", sessionID)
	}
	if err != nil {
		return a, apperrors.InternalError("failed to get affinity", err)
	}
	return a, nil
}

// WouldCycle walks the full ancestor chain of candidateParent, checking
// for child at each step. A shallow (grandparent-only) check is
// insufficient: a deep reparenting could still create a cycle several
// generations up.
func (s *SQLiteStore) WouldCycle(ctx context.Context, child, candidateParent string) (bool, error) {
	if child == candidateParent {
		return true, nil
	}
	current := candidateParent
	const maxDepth = 10000 // defensive backstop against a corrupted forest
	for i := 0; i < maxDepth; i++ {
		var parent sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT parent_session_id FROM sessions WHERE session_id = ?`, current).Scan(&parent)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, apperrors.InternalError("failed to walk ancestor chain", err)
		}
		if !parent.Valid || parent.String == "" {
			return false, nil
		}
		if parent.String == child {
			return true, nil
		}
		current = parent.String
	}
	return true, nil
}

const sessionSelectColumns = `SELECT session_id, status, created_at, last_resumed_at, project_dir, agent_name,
	parent_session_id, execution_mode, hostname, executor_profile, executor_session_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*v1.Session, error) {
	return scanSessionRows(row)
}

func scanSessionRows(row rowScanner) (*v1.Session, error) {
	sess := &v1.Session{}
	var lastResumed sql.NullTime
	var parent sql.NullString

	err := row.Scan(&sess.SessionID, &sess.Status, &sess.CreatedAt, &lastResumed, &sess.ProjectDir,
		&sess.AgentName, &parent, &sess.ExecutionMode, &sess.Hostname, &sess.ExecutorProfile, &sess.ExecutorSessionID)
	if err != nil {
		return nil, err
	}
	if lastResumed.Valid {
		sess.LastResumedAt = &lastResumed.Time
	}
	if parent.Valid {
		sess.ParentSessionID = parent.String
	}
	return sess, nil
}

func (s *SQLiteStore) getSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (*v1.Session, error) {
	row := tx.QueryRowContext(ctx, sessionSelectColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", sessionID)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to read session", err)
	}
	return sess, nil
}

func (s *SQLiteStore) notify(sess *v1.Session) {
	if s.notifier != nil {
		s.notifier.NotifySessionChanged(sess)
	}
}

func (s *SQLiteStore) notifyCreated(sess *v1.Session) {
	if s.notifier != nil {
		s.notifier.NotifySessionCreated(sess)
	}
}

func (s *SQLiteStore) notifyDeleted(sessionID string) {
	if s.notifier != nil {
		s.notifier.NotifySessionDeleted(sessionID)
	}
}

func (s *SQLiteStore) notifyEvent(event v1.Event) {
	if s.notifier != nil {
		s.notifier.NotifyEvent(event)
	}
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "PRIMARY KEY"))
}
