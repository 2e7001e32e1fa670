// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Session persistence with version-guarded CAS transitions and expiry sweep

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/parley-gateway/internal/session"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Wait for row locks instead of failing fast; racing transitions are
	// resolved by the version guard, not by SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			state         TEXT NOT NULL,
			purpose       TEXT NOT NULL DEFAULT '',
			provider      TEXT NOT NULL DEFAULT '',
			subjects      TEXT NOT NULL DEFAULT '[]',
			attributes    BLOB,
			version       INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			expires_at    TEXT NOT NULL,
			last_activity TEXT NOT NULL,

			CHECK (state IN ('created', 'awaiting_auth', 'authenticated', 'active',
				'closed', 'expired', 'revoked'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

		-- One-time OAuth2 state values (anti-CSRF/anti-replay)
		CREATE TABLE IF NOT EXISTS auth_states (
			state      TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			used_at    TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_auth_states_session ON auth_states(session_id);
		CREATE INDEX IF NOT EXISTS idx_auth_states_expires ON auth_states(expires_at);

		-- Spent token ids for single-use scopes
		CREATE TABLE IF NOT EXISTS used_tokens (
			token_id TEXT PRIMARY KEY,
			used_at  TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateSession persists a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	subjects, err := json.Marshal(sess.Subjects)
	if err != nil {
		return fmt.Errorf("marshaling subjects: %w", err)
	}

	query := `
		INSERT INTO sessions (id, state, purpose, provider, subjects, attributes,
			version, created_at, expires_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		string(sess.State),
		sess.Purpose,
		sess.Provider,
		string(subjects),
		sess.Attributes,
		sess.Version,
		formatTime(sess.CreatedAt),
		formatTime(sess.ExpiresAt),
		formatTime(sess.LastActivity),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateSession, sess.ID)
		}
		return fmt.Errorf("%w: inserting session: %v", ErrStorageUnavailable, err)
	}

	s.logger.Info("created session", "id", sess.ID, "purpose", sess.Purpose,
		"expires_at", sess.ExpiresAt)
	return nil
}

// GetSession retrieves a session, bumping its last-activity timestamp in the
// same statement. The bump deliberately leaves the version untouched: activity
// carries no lifecycle meaning, and a guarded transition racing this read must
// still succeed.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		UPDATE sessions
		SET last_activity = ?
		WHERE id = ?
		RETURNING id, state, purpose, provider, subjects, attributes, version,
			created_at, expires_at, last_activity
	`

	row := s.db.QueryRowContext(ctx, query, formatTime(time.Now().UTC()), id)
	return scanSession(row, id)
}

// getSession reads a session row without side effects.
func (s *SQLiteStore) getSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, state, purpose, provider, subjects, attributes, version,
			created_at, expires_at, last_activity
		FROM sessions
		WHERE id = ?
	`

	return scanSession(s.db.QueryRowContext(ctx, query, id), id)
}

// scanSession decodes a single session row.
func scanSession(row *sql.Row, id string) (*Session, error) {
	var sess Session
	var state, subjectsJSON, createdAt, expiresAt, lastActivity string
	var attributes []byte

	err := row.Scan(
		&sess.ID, &state, &sess.Purpose, &sess.Provider, &subjectsJSON,
		&attributes, &sess.Version, &createdAt, &expiresAt, &lastActivity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying session: %v", ErrStorageUnavailable, err)
	}

	sess.State = session.State(state)
	sess.Attributes = attributes

	if err := json.Unmarshal([]byte(subjectsJSON), &sess.Subjects); err != nil {
		return nil, fmt.Errorf("unmarshaling subjects: %w", err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if sess.LastActivity, err = parseTime(lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}

	return &sess, nil
}

// TransitionSession performs a version-guarded compare-and-swap state change.
// Exactly one of two racing writers with the same expected state succeeds;
// the other observes ErrConflict and must re-read before retrying.
func (s *SQLiteStore) TransitionSession(ctx context.Context, id string, expected, next session.State, effect *TransitionEffect) (*Session, error) {
	if err := session.Validate(expected, next); err != nil {
		return nil, err
	}

	cur, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State != expected {
		return nil, fmt.Errorf("%w: session %s is %s, expected %s",
			ErrConflict, id, cur.State, expected)
	}

	subjects, attributes := mergeEffect(cur, effect)

	subjectsJSON, err := json.Marshal(subjects)
	if err != nil {
		return nil, fmt.Errorf("marshaling subjects: %w", err)
	}

	now := time.Now().UTC()
	query := `
		UPDATE sessions
		SET state = ?, subjects = ?, attributes = ?, version = version + 1,
			last_activity = ?
		WHERE id = ? AND state = ? AND version = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		string(next), string(subjectsJSON), attributes, formatTime(now),
		id, string(expected), cur.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: updating session: %v", ErrStorageUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: rows affected: %v", ErrStorageUnavailable, err)
	}
	if n == 0 {
		// Row changed under us between the read and the write.
		return nil, fmt.Errorf("%w: session %s", ErrConflict, id)
	}

	s.logger.Debug("session transition", "id", id, "from", expected, "to", next)

	updated := *cur
	updated.State = next
	updated.Subjects = subjects
	updated.Attributes = attributes
	updated.Version = cur.Version + 1
	updated.LastActivity = now
	return &updated, nil
}

// ApplyEffect applies a record effect to a session whose state stays put.
// The write carries the same state-and-version guard as TransitionSession, so
// it only lands on the state the caller observed.
func (s *SQLiteStore) ApplyEffect(ctx context.Context, id string, state session.State, effect *TransitionEffect) (*Session, error) {
	cur, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State != state {
		return nil, fmt.Errorf("%w: session %s is %s, expected %s",
			ErrConflict, id, cur.State, state)
	}

	subjects, attributes := mergeEffect(cur, effect)

	subjectsJSON, err := json.Marshal(subjects)
	if err != nil {
		return nil, fmt.Errorf("marshaling subjects: %w", err)
	}

	now := time.Now().UTC()
	query := `
		UPDATE sessions
		SET subjects = ?, attributes = ?, version = version + 1,
			last_activity = ?
		WHERE id = ? AND state = ? AND version = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		string(subjectsJSON), attributes, formatTime(now),
		id, string(state), cur.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: updating session: %v", ErrStorageUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: rows affected: %v", ErrStorageUnavailable, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: session %s", ErrConflict, id)
	}

	s.logger.Debug("session effect applied", "id", id, "state", state)

	updated := *cur
	updated.Subjects = subjects
	updated.Attributes = attributes
	updated.Version = cur.Version + 1
	updated.LastActivity = now
	return &updated, nil
}

// mergeEffect folds a transition effect into the current record values.
func mergeEffect(cur *Session, effect *TransitionEffect) (subjects []string, attributes []byte) {
	subjects = cur.Subjects
	if effect != nil && effect.AddSubject != "" && !containsString(subjects, effect.AddSubject) {
		subjects = append(subjects, effect.AddSubject)
	}
	attributes = cur.Attributes
	if effect != nil && effect.SetAttributes != nil {
		attributes = effect.SetAttributes
	}
	return subjects, attributes
}

// SweepExpired moves sessions past their deadline into the Expired state and
// prunes stale one-time auth states. A single guarded UPDATE makes the sweep
// idempotent and safe alongside in-flight transitions: a session that already
// left the expirable states is simply not matched.
func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE sessions
		SET state = ?, version = version + 1, last_activity = ?
		WHERE expires_at <= ?
		AND state NOT IN ('closed', 'expired', 'revoked')
	`

	res, err := s.db.ExecContext(ctx, query,
		string(session.StateExpired), formatTime(now.UTC()), formatTime(now.UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: sweeping sessions: %v", ErrStorageUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", ErrStorageUnavailable, err)
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_states WHERE expires_at <= ?`, formatTime(now.UTC()),
	); err != nil {
		return int(n), fmt.Errorf("%w: pruning auth states: %v", ErrStorageUnavailable, err)
	}

	if n > 0 {
		s.logger.Info("expired sessions", "count", n)
	}
	return int(n), nil
}

// CreateAuthState records a one-time OAuth2 state value.
func (s *SQLiteStore) CreateAuthState(ctx context.Context, st *AuthState) error {
	query := `
		INSERT INTO auth_states (state, session_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		st.State, st.SessionID, formatTime(st.CreatedAt), formatTime(st.ExpiresAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: auth state", ErrDuplicateSession)
		}
		return fmt.Errorf("%w: inserting auth state: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// ConsumeAuthState atomically claims a one-time state value. The guarded
// UPDATE is the claim: only the caller whose write matches the unused,
// unexpired row wins, every later caller sees ErrNotFound.
func (s *SQLiteStore) ConsumeAuthState(ctx context.Context, state string, now time.Time) (*AuthState, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_states
		SET used_at = ?
		WHERE state = ? AND used_at IS NULL AND expires_at > ?
	`, formatTime(now.UTC()), state, formatTime(now.UTC()))
	if err != nil {
		return nil, fmt.Errorf("%w: consuming auth state: %v", ErrStorageUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: rows affected: %v", ErrStorageUnavailable, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: auth state", ErrNotFound)
	}

	var st AuthState
	var createdAt, expiresAt string
	err = s.db.QueryRowContext(ctx, `
		SELECT state, session_id, created_at, expires_at
		FROM auth_states
		WHERE state = ?
	`, state).Scan(&st.State, &st.SessionID, &createdAt, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("%w: reading auth state: %v", ErrStorageUnavailable, err)
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if st.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return &st, nil
}

// MarkTokenUsed records a token id as spent. The primary key makes the
// second insert fail, which is the replay signal.
func (s *SQLiteStore) MarkTokenUsed(ctx context.Context, tokenID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO used_tokens (token_id, used_at) VALUES (?, ?)`,
		tokenID, formatTime(now.UTC()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrTokenAlreadyUsed, tokenID)
		}
		return fmt.Errorf("%w: marking token used: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// formatTime stores timestamps as RFC3339 UTC strings, which compare
// chronologically under SQLite's lexicographic string ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
