// Package persistence records round and session history in SQLite.
// tasks.json holds only current state; the store is where "what
// happened across runs" lives, for the status and logs commands.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath is the history database location under the project root.
const DefaultPath = ".forge/history.db"

// RoundRecord summarizes one completed scheduling round.
type RoundRecord struct {
	ID         int64
	Round      int
	Mode       string
	Claimed    int
	Done       int
	Reopened   int
	Blocked    int
	StartedAt  time.Time
	FinishedAt time.Time
}

// SessionRecord summarizes one agent session.
type SessionRecord struct {
	ID       int64
	RoundID  int64
	TaskID   string
	AgentID  string
	Backend  string
	State    string
	ExitCode int
	Duration time.Duration
	LogPath  string
}

// VerifyRecord stores one verify result tied to a round.
type VerifyRecord struct {
	RoundID  int64
	TaskID   string
	Passed   bool
	ExitCode int
}

// Summary aggregates history for the status command.
type Summary struct {
	Rounds        int
	Sessions      int
	SessionsOK    int
	VerifyPassed  int
	VerifyFailed  int
	LastRoundTime time.Time
}

// Store is a SQLite-backed history store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at dbPath. Enables WAL
// mode and foreign keys; caps connections at 2 so a reader and a
// writer never deadlock each other.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	db.SetMaxOpenConns(2)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory store for testing.
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	db.SetMaxOpenConns(2)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rounds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		round INTEGER NOT NULL,
		mode TEXT NOT NULL,
		claimed INTEGER NOT NULL,
		done INTEGER NOT NULL,
		reopened INTEGER NOT NULL,
		blocked INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		round_id INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		backend TEXT NOT NULL,
		state TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		log_path TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (round_id) REFERENCES rounds(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions(task_id);

	CREATE TABLE IF NOT EXISTS verify_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		round_id INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		passed INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (round_id) REFERENCES rounds(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_verify_results_round ON verify_results(round_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveRound persists a round record and returns its row ID.
func (s *Store) SaveRound(ctx context.Context, r *RoundRecord) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rounds (round, mode, claimed, done, reopened, blocked, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Round, r.Mode, r.Claimed, r.Done, r.Reopened, r.Blocked, r.StartedAt, r.FinishedAt)
	if err != nil {
		return 0, fmt.Errorf("saving round: %w", err)
	}
	return res.LastInsertId()
}

// SaveSession persists one session record.
func (s *Store) SaveSession(ctx context.Context, rec *SessionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (round_id, task_id, agent_id, backend, state, exit_code, duration_ms, log_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RoundID, rec.TaskID, rec.AgentID, rec.Backend, rec.State, rec.ExitCode, rec.Duration.Milliseconds(), rec.LogPath)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// SaveVerifyResults persists a round's verify results in one transaction.
func (s *Store) SaveVerifyResults(ctx context.Context, roundID int64, results []VerifyRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO verify_results (round_id, task_id, passed, exit_code)
			VALUES (?, ?, ?, ?)
		`, roundID, r.TaskID, r.Passed, r.ExitCode); err != nil {
			return fmt.Errorf("saving verify result for %s: %w", r.TaskID, err)
		}
	}
	return tx.Commit()
}

// RecentRounds returns up to limit rounds, newest first.
func (s *Store) RecentRounds(ctx context.Context, limit int) ([]RoundRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, round, mode, claimed, done, reopened, blocked, started_at, finished_at
		FROM rounds ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying rounds: %w", err)
	}
	defer rows.Close()

	var out []RoundRecord
	for rows.Next() {
		var r RoundRecord
		if err := rows.Scan(&r.ID, &r.Round, &r.Mode, &r.Claimed, &r.Done, &r.Reopened, &r.Blocked, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning round: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionsForTask returns a task's session history, newest first.
func (s *Store) SessionsForTask(ctx context.Context, taskID string) ([]SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, round_id, task_id, agent_id, backend, state, exit_code, duration_ms, log_path
		FROM sessions WHERE task_id = ? ORDER BY id DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var durationMS int64
		if err := rows.Scan(&rec.ID, &rec.RoundID, &rec.TaskID, &rec.AgentID, &rec.Backend, &rec.State, &rec.ExitCode, &durationMS, &rec.LogPath); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summarize aggregates the stored history.
func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sum := &Summary{}
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rounds`).Scan(&sum.Rounds)
	if err != nil {
		return nil, fmt.Errorf("summarizing rounds: %w", err)
	}
	if sum.Rounds > 0 {
		// MAX(finished_at) loses the column's DATETIME decltype and
		// scans as a string, so read the newest row's column directly.
		err = s.db.QueryRowContext(ctx, `
			SELECT finished_at FROM rounds ORDER BY id DESC LIMIT 1
		`).Scan(&sum.LastRoundTime)
		if err != nil {
			return nil, fmt.Errorf("summarizing rounds: %w", err)
		}
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN state = 'success' THEN 1 ELSE 0 END), 0) FROM sessions
	`).Scan(&sum.Sessions, &sum.SessionsOK)
	if err != nil {
		return nil, fmt.Errorf("summarizing sessions: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(passed), 0), COALESCE(SUM(1 - passed), 0) FROM verify_results
	`).Scan(&sum.VerifyPassed, &sum.VerifyFailed)
	if err != nil {
		return nil, fmt.Errorf("summarizing verify results: %w", err)
	}
	return sum, nil
}
