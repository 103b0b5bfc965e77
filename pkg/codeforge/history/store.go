// Package history persists generation runs and the files they produced in
// SQLite, and prunes old runs on a schedule.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Config holds history settings.
type Config struct {
	// Enabled turns recording on.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// Retention is how long runs are kept. Zero keeps runs forever.
	Retention time.Duration `yaml:"retention"`

	// PruneSchedule is the cron expression of the prune job.
	PruneSchedule string `yaml:"prune_schedule"`
}

// DefaultConfig returns history defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Path:          "./data/codeforge.db",
		Retention:     30 * 24 * time.Hour,
		PruneSchedule: "@daily",
	}
}

// Run is one recorded generation.
type Run struct {
	ID         string       `json:"id"`
	Kind       string       `json:"kind"`
	Prompt     string       `json:"prompt,omitempty"`
	Family     string       `json:"model,omitempty"`
	Status     string       `json:"status"`
	Message    string       `json:"message,omitempty"`
	FilesCount int          `json:"files_count"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Files      []FileRecord `json:"files,omitempty"`
}

// FileRecord is the last known state of one file of a run.
type FileRecord struct {
	Path      string `json:"path"`
	Language  string `json:"language,omitempty"`
	Status    string `json:"status"`
	SizeBytes int    `json:"size_bytes"`
	Error     string `json:"error,omitempty"`
}

// Store is the SQLite-backed run history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL DEFAULT 'generate',
	prompt      TEXT NOT NULL DEFAULT '',
	family      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	files_count INTEGER NOT NULL DEFAULT 0,
	started_at  TEXT NOT NULL,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS run_files (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	path       TEXT NOT NULL,
	language   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (run_id, path)
);
`

// Open opens or creates the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultConfig().Path
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "history")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a run in the running state. Starting an existing ID
// resets it.
func (s *Store) StartRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if r.Kind == "" {
		r.Kind = "generate"
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, kind, prompt, family, status, message, files_count, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, '', 0, ?, NULL)`,
		r.ID, r.Kind, r.Prompt, r.Family, StatusRunning, formatTime(r.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// RecordFile upserts the state of one file of a run.
func (s *Store) RecordFile(ctx context.Context, runID string, f FileRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_files (run_id, path, language, status, size_bytes, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, f.Path, f.Language, f.Status, f.SizeBytes, f.Error, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("record file %s: %w", f.Path, err)
	}
	return nil
}

// FinishRun sets the terminal status of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status, message string, filesCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, message = ?, files_count = ?, finished_at = ?
		WHERE id = ?`,
		status, message, filesCount, formatTime(time.Now()), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// Get returns a run with its files.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, prompt, family, status, message, files_count, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, language, status, size_bytes, error
		FROM run_files WHERE run_id = ?
		ORDER BY updated_at ASC, path ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load run files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f FileRecord
		if err := rows.Scan(&f.Path, &f.Language, &f.Status, &f.SizeBytes, &f.Error); err != nil {
			return nil, fmt.Errorf("scan run file: %w", err)
		}
		r.Files = append(r.Files, f)
	}
	return r, rows.Err()
}

// List returns the most recent runs first, without their files.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, prompt, family, status, message, files_count, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Prune deletes runs started before cutoff and returns how many were
// removed. Their files go with them.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned runs", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r        Run
		started  string
		finished sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Kind, &r.Prompt, &r.Family, &r.Status, &r.Message, &r.FilesCount, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finished.String)
		r.FinishedAt = &t
	}
	return &r, nil
}

// formatTime stores UTC with fixed-width fractional seconds so lexical order
// matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
