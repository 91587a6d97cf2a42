package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the shared on-disk state: the process-wide rate-limit budget snapshot
// and the log of applied actions. Partitioned workers open the same file, so
// everything here must be safe for concurrent writers (WAL + busy timeout).
type DB struct {
	conn *sql.DB
}

// Budget is the last-known rate-limit snapshot plus the number of API calls
// made since it was refreshed from the server.
type Budget struct {
	Remaining    int
	Limit        int
	ResetAt      time.Time
	QueryCounter int
	FetchedAt    time.Time
}

// ActionEntry is one applied mutation, recorded for post-hoc inspection.
type ActionEntry struct {
	ID        string
	Repo      string
	Number    int
	Action    string
	Detail    string
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS rate_limit (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	remaining INTEGER NOT NULL DEFAULT 0,
	rate_limit INTEGER NOT NULL DEFAULT 0,
	reset_at TEXT NOT NULL DEFAULT '',
	query_counter INTEGER NOT NULL DEFAULT 0,
	fetched_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS action_log (
	id TEXT PRIMARY KEY,
	repo TEXT NOT NULL,
	number INTEGER NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_action_log_issue ON action_log(repo, number);
`

// Open opens (creating if needed) the shared database at path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// GetBudget returns the stored budget snapshot, or ok=false when no snapshot
// has ever been stored.
func (db *DB) GetBudget() (Budget, bool, error) {
	row := db.conn.QueryRow(`
		SELECT remaining, rate_limit, reset_at, query_counter, fetched_at
		FROM rate_limit WHERE id = 1`)

	var b Budget
	var resetAt, fetchedAt string
	err := row.Scan(&b.Remaining, &b.Limit, &resetAt, &b.QueryCounter, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Budget{}, false, nil
	}
	if err != nil {
		return Budget{}, false, fmt.Errorf("reading budget: %w", err)
	}
	b.ResetAt, _ = time.Parse(time.RFC3339, resetAt)
	b.FetchedAt, _ = time.Parse(time.RFC3339, fetchedAt)
	return b, true, nil
}

// SetBudget overwrites the budget snapshot and resets the query counter.
func (db *DB) SetBudget(remaining, limit int, resetAt time.Time) error {
	_, err := db.conn.Exec(`
		INSERT INTO rate_limit (id, remaining, rate_limit, reset_at, query_counter, fetched_at)
		VALUES (1, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			remaining = excluded.remaining,
			rate_limit = excluded.rate_limit,
			reset_at = excluded.reset_at,
			query_counter = 0,
			fetched_at = excluded.fetched_at`,
		remaining, limit, resetAt.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storing budget: %w", err)
	}
	return nil
}

// IncrementQueryCounter bumps the call counter and returns the new value.
// Returns 0 when no snapshot exists yet.
func (db *DB) IncrementQueryCounter() (int, error) {
	res, err := db.conn.Exec(`UPDATE rate_limit SET query_counter = query_counter + 1 WHERE id = 1`)
	if err != nil {
		return 0, fmt.Errorf("incrementing query counter: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, nil
	}
	var counter int
	if err := db.conn.QueryRow(`SELECT query_counter FROM rate_limit WHERE id = 1`).Scan(&counter); err != nil {
		return 0, fmt.Errorf("reading query counter: %w", err)
	}
	return counter, nil
}

// LogAction records one applied mutation.
func (db *DB) LogAction(id, repo string, number int, action, detail string) error {
	_, err := db.conn.Exec(`
		INSERT INTO action_log (id, repo, number, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, repo, number, action, detail, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("logging action: %w", err)
	}
	return nil
}

// ListActions returns the recorded actions for one issue, most recent first.
func (db *DB) ListActions(repo string, number int, limit int) ([]ActionEntry, error) {
	rows, err := db.conn.Query(`
		SELECT id, repo, number, action, detail, created_at
		FROM action_log WHERE repo = ? AND number = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, repo, number, limit)
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	defer rows.Close()

	var entries []ActionEntry
	for rows.Next() {
		var e ActionEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Repo, &e.Number, &e.Action, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
