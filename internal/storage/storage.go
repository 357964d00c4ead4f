// Package storage keeps a SQLite journal of debug sessions: when each one
// opened, which adapter it ran and how it ended.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	_ "modernc.org/sqlite"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/session"
)

// DefaultFileName is the journal database created inside the data directory.
const DefaultFileName = "debugrelay.db"

const schema = `
CREATE TABLE IF NOT EXISTS debug_sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    debug_type TEXT NOT NULL DEFAULT '',
    command TEXT NOT NULL DEFAULT '',
    pid INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    close_reason TEXT NOT NULL DEFAULT '',
    exit_code INTEGER,
    error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    closed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_debug_sessions_session ON debug_sessions(session_id);
CREATE INDEX IF NOT EXISTS idx_debug_sessions_created ON debug_sessions(created_at);
`

// latestRow selects the most recent journal row of a session id; ids are
// reused once a session has closed.
const latestRow = `(SELECT MAX(id) FROM debug_sessions WHERE session_id = ?)`

// Entry is one journaled session.
type Entry struct {
	SessionID   string
	DebugType   string
	Command     string
	Pid         int
	State       string
	CloseReason string
	// ExitCode is nil when the adapter's exit status was never observed.
	ExitCode  *int
	Error     string
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// Store is the SQLite-backed session journal. It implements session.Journal.
type Store struct {
	db        *sql.DB
	dbPath    string
	retention time.Duration
	log       logr.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ session.Journal = (*Store)(nil)

// Options tune a Store.
type Options struct {
	// Retention is how long closed entries are kept. Zero keeps them forever.
	Retention time.Duration

	// PruneInterval is how often expired entries are deleted. Defaults to an hour.
	PruneInterval time.Duration

	Logger logr.Logger
}

// OpenInDir opens the journal in dataDir, creating the directory if needed.
func OpenInDir(dataDir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return NewStore(filepath.Join(dataDir, DefaultFileName), opts)
}

// NewStore opens (or creates) the journal database at dbPath.
func NewStore(dbPath string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection keeps the per-connection pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)

	// Enable WAL mode so readers (the sessions command) never block the relay
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:        db,
		dbPath:    dbPath,
		retention: opts.Retention,
		log:       log.WithName("storage"),
		ctx:       ctx,
		cancel:    cancel,
	}

	if s.retention > 0 {
		interval := opts.PruneInterval
		if interval <= 0 {
			interval = time.Hour
		}
		s.wg.Add(1)
		go s.pruneLoop(interval)
	}

	s.log.Info("Initialized session journal", "path", dbPath)
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Opened records a new session.
func (s *Store) Opened(sessionID string, openedAt time.Time) error {
	_, err := s.db.ExecContext(s.ctx,
		`INSERT INTO debug_sessions (session_id, state, created_at) VALUES (?, ?, ?)`,
		sessionID, session.StateAwaitingBootstrap.String(), openedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", sessionID, err)
	}
	return nil
}

// Spawned records the adapter started for a session.
func (s *Store) Spawned(sessionID, debugType, command string, pid int) error {
	_, err := s.db.ExecContext(s.ctx,
		`UPDATE debug_sessions SET debug_type = ?, command = ?, pid = ?, state = ?
		 WHERE id = `+latestRow,
		debugType, command, pid, session.StateActive.String(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to record adapter for session %s: %w", sessionID, err)
	}
	return nil
}

// Closed records how a session ended.
func (s *Store) Closed(sessionID string, summary session.Summary) error {
	var exitCode sql.NullInt64
	if summary.ExitCode >= 0 {
		exitCode = sql.NullInt64{Int64: int64(summary.ExitCode), Valid: true}
	}
	errText := ""
	if summary.Err != nil {
		errText = summary.Err.Error()
	}

	result, err := s.db.ExecContext(s.ctx,
		`UPDATE debug_sessions SET state = ?, close_reason = ?, exit_code = ?, error = ?, closed_at = ?
		 WHERE id = `+latestRow,
		session.StateClosed.String(), summary.Reason.String(), exitCode, errText,
		summary.ClosedAt.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to record close of session %s: %w", sessionID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to record close of session %s: %w", sessionID, sql.ErrNoRows)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT session_id, debug_type, command, pid, state, close_reason, exit_code, error, created_at, closed_at
		 FROM debug_sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			exitCode  sql.NullInt64
			createdAt int64
			closedAt  sql.NullInt64
		)
		if err := rows.Scan(&e.SessionID, &e.DebugType, &e.Command, &e.Pid, &e.State,
			&e.CloseReason, &exitCode, &e.Error, &createdAt, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			e.ExitCode = &code
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		if closedAt.Valid {
			t := time.UnixMilli(closedAt.Int64)
			e.ClosedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes closed entries that ended before cutoff and returns how many were removed.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM debug_sessions WHERE closed_at IS NOT NULL AND closed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) pruneLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Prune(time.Now().Add(-s.retention))
			if err != nil {
				s.log.Error(err, "Periodic prune failed")
				continue
			}
			if removed > 0 {
				s.log.V(1).Info("Pruned expired session entries", "count", removed)
			}
		}
	}
}

// Close stops the prune loop and closes the database.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.log.Info("Session journal closed")
	return nil
}

