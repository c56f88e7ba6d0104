// Package transcript stores the raw interpreter lines of every run in
// SQLite so a run can be listed and replayed later.
package transcript

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"csv-inspector/internal/interp"

	_ "modernc.org/sqlite"
)

// ErrRunNotFound indicates the requested run doesn't exist.
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	token       TEXT NOT NULL,
	script      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS runs_session ON runs (session_id, started_at);
CREATE TABLE IF NOT EXISTS lines (
	run_id TEXT NOT NULL REFERENCES runs (id),
	seq    INTEGER NOT NULL,
	stream TEXT NOT NULL,
	text   TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);`

// Run is one recorded script execution.
type Run struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	Token      string     `json:"-"`
	Script     string     `json:"script"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Line is one raw line read from the interpreter during a run.
type Line struct {
	Seq    int           `json:"seq"`
	Stream interp.Stream `json:"stream"`
	Text   string        `json:"text"`
}

// Store is a SQLite-backed run transcript.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu  sync.Mutex
	seq map[string]int // run ID → last line sequence
}

// Open opens or creates the transcript database at path. Use ":memory:"
// for a throwaway store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// ":memory:" databases exist per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Store{db: db, logger: logger, seq: make(map[string]int)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records the start of a run.
func (s *Store) BeginRun(runID, sessionID, tok, script string, at time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO runs (id, session_id, token, script, started_at) VALUES (?, ?, ?, ?, ?)",
		runID, sessionID, tok, script, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	s.mu.Lock()
	s.seq[runID] = 0
	s.mu.Unlock()
	return nil
}

// AppendLine records one raw line of a run.
func (s *Store) AppendLine(runID string, stream interp.Stream, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq[runID] + 1
	_, err := s.db.Exec(
		"INSERT INTO lines (run_id, seq, stream, text) VALUES (?, ?, ?, ?)",
		runID, seq, string(stream), line,
	)
	if err != nil {
		return fmt.Errorf("saving line: %w", err)
	}
	s.seq[runID] = seq
	return nil
}

// FinishRun marks a run complete, recording runErr if it failed.
func (s *Store) FinishRun(runID string, runErr error, at time.Time) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.db.Exec(
		"UPDATE runs SET finished_at = ?, error = ? WHERE id = ?",
		at.UnixNano(), msg, runID,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	s.mu.Lock()
	delete(s.seq, runID)
	s.mu.Unlock()

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Runs lists the runs of a session, oldest first.
func (s *Store) Runs(sessionID string) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, token, script, started_at, finished_at, error
		 FROM runs WHERE session_id = ? ORDER BY started_at, rowid`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Run returns a single run.
func (s *Store) Run(runID string) (Run, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, token, script, started_at, finished_at, error
		 FROM runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// Lines returns the raw lines of a run in the order they were read.
func (s *Store) Lines(runID string) ([]Line, error) {
	rows, err := s.db.Query(
		"SELECT seq, stream, text FROM lines WHERE run_id = ? ORDER BY seq",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying lines: %w", err)
	}
	defer rows.Close()

	lines := []Line{}
	for rows.Next() {
		var l Line
		var stream string
		if err := rows.Scan(&l.Seq, &stream, &l.Text); err != nil {
			return nil, fmt.Errorf("scanning line: %w", err)
		}
		l.Stream = interp.Stream(stream)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// Replay re-publishes the events of a recorded run to sink.
func (s *Store) Replay(runID string, sink interp.Sink) error {
	run, err := s.Run(runID)
	if err != nil {
		return err
	}
	lines, err := s.Lines(runID)
	if err != nil {
		return err
	}

	var stdout, stderr []string
	for _, l := range lines {
		if l.Stream == interp.StreamStderr {
			stderr = append(stderr, l.Text)
		} else {
			stdout = append(stdout, l.Text)
		}
	}
	return interp.Replay(run.Token, stdout, stderr, sink, s.logger.With("run", runID))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var run Run
	var started int64
	var finished sql.NullInt64
	if err := sc.Scan(&run.ID, &run.SessionID, &run.Token, &run.Script, &started, &finished, &run.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scanning run: %w", err)
	}
	run.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		run.FinishedAt = &t
	}
	return run, nil
}
