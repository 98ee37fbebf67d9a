// Package history keeps a SQLite record of training runs and their
// per-epoch metrics.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tsawler/go-adapt/training"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Run describes one Fit invocation.
type Run struct {
	ID         string
	Method     string
	Config     string // free-form description, usually YAML
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Status     string
	// TargetAccuracy is the accuracy on the labelled target set, negative
	// when it was not measured.
	TargetAccuracy float64
}

// RunSummary is a run with the metrics of its last recorded epoch.
type RunSummary struct {
	Run
	Epochs     int
	FinalEpoch training.TrainingMetrics
}

// Store is a SQLite backed training.EpochRecorder.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps an in-memory database alive and serialises writers
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		status TEXT NOT NULL,
		target_accuracy REAL NOT NULL DEFAULT -1
	);

	CREATE TABLE IF NOT EXISTS epochs (
		run_id TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		train_loss REAL NOT NULL,
		task_loss REAL NOT NULL,
		align_loss REAL NOT NULL,
		train_accuracy REAL NOT NULL,
		valid_loss REAL NOT NULL,
		valid_accuracy REAL NOT NULL,
		learning_rate REAL NOT NULL,
		duration_ns INTEGER NOT NULL,
		batch_count INTEGER NOT NULL,
		PRIMARY KEY (run_id, epoch),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// StartRun inserts a running run. StartedAt defaults to now.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, method, config, started_at, status, target_accuracy)
		VALUES (?, ?, ?, ?, ?, -1)
	`, run.ID, run.Method, run.Config, run.StartedAt.UnixNano(), StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun marks a run finished or failed. targetAccuracy < 0 means not
// measured.
func (s *Store) FinishRun(ctx context.Context, id, status string, targetAccuracy float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, target_accuracy = ?
		WHERE id = ?
	`, status, time.Now().UnixNano(), targetAccuracy, id)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// RecordEpoch stores the metrics of one epoch, replacing an earlier record
// of the same epoch. The run must exist.
func (s *Store) RecordEpoch(ctx context.Context, runID string, m training.TrainingMetrics) error {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO epochs (
			run_id, epoch, train_loss, task_loss, align_loss, train_accuracy,
			valid_loss, valid_accuracy, learning_rate, duration_ns, batch_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, m.Epoch, m.TrainLoss, m.TaskLoss, m.AlignLoss, m.TrainAccuracy,
		m.ValidLoss, m.ValidAccuracy, m.LearningRate, int64(m.EpochDuration), m.BatchCount)
	if err != nil {
		return fmt.Errorf("failed to record epoch %d of run %s: %w", m.Epoch, runID, err)
	}
	return nil
}

const runColumns = `id, method, config, started_at, finished_at, status, target_accuracy`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run              Run
		started          int64
		finished         sql.NullInt64
		method, cfg, sts string
	)
	if err := row.Scan(&run.ID, &method, &cfg, &started, &finished, &sts, &run.TargetAccuracy); err != nil {
		return Run{}, err
	}
	run.Method, run.Config, run.Status = method, cfg, sts
	run.StartedAt = time.Unix(0, started)
	if finished.Valid {
		run.FinishedAt = time.Unix(0, finished.Int64)
	}
	return run, nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return run, nil
}

// Epochs returns the recorded epochs of a run in order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]training.TrainingMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch, train_loss, task_loss, align_loss, train_accuracy,
			valid_loss, valid_accuracy, learning_rate, duration_ns, batch_count
		FROM epochs WHERE run_id = ? ORDER BY epoch
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query epochs: %w", err)
	}
	defer rows.Close()

	var out []training.TrainingMetrics
	for rows.Next() {
		var (
			m        training.TrainingMetrics
			duration int64
		)
		if err := rows.Scan(&m.Epoch, &m.TrainLoss, &m.TaskLoss, &m.AlignLoss, &m.TrainAccuracy,
			&m.ValidLoss, &m.ValidAccuracy, &m.LearningRate, &duration, &m.BatchCount); err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		m.EpochDuration = time.Duration(duration)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListRuns returns the most recent runs first, at most limit of them
// (all when limit <= 0), each with its last epoch.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// epochs are read after the runs cursor is closed, the pool has one connection
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		epochs, err := s.Epochs(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		summary := RunSummary{Run: run, Epochs: len(epochs)}
		if len(epochs) > 0 {
			summary.FinalEpoch = epochs[len(epochs)-1]
		}
		out = append(out, summary)
	}
	return out, nil
}

// DeleteRun removes a run and its epochs.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM epochs WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete epochs of run %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

var _ training.EpochRecorder = (*Store)(nil)
