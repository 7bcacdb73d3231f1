// Package store provides SQLite-backed persistence for waypoint.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/waypoint/internal/checkpoint"
	"github.com/fentz26/waypoint/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the waypoint SQLite database.
type Store struct {
	db *sql.DB
}

var _ checkpoint.Store = (*Store)(nil)

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT PRIMARY KEY,
		blob TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_locks (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL UNIQUE,
		holder_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_updated_at ON checkpoints(updated_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_run_id ON decisions(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Checkpoint Operations ---

// Save upserts the checkpoint blob for a run. The last write wins.
func (s *Store) Save(ctx context.Context, runID string, blob []byte) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, blob, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		runID, string(blob), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint blob for a run, or checkpoint.ErrNotFound.
func (s *Store) Load(ctx context.Context, runID string) ([]byte, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM checkpoints WHERE run_id = ?`, runID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	return []byte(blob), nil
}

// ListRuns returns a summary of every checkpointed run, newest first,
// optionally filtered by run status.
func (s *Store) ListRuns(ctx context.Context, status string) ([]models.RunSummary, error) {
	query := `SELECT run_id,
		json_extract(blob, '$.goal.text'),
		json_extract(blob, '$.last_status'),
		json_extract(blob, '$.iteration_count'),
		created_at, updated_at
		FROM checkpoints`
	var args []interface{}

	if status != "" {
		query += ` WHERE json_extract(blob, '$.last_status') = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunSummary
	for rows.Next() {
		var run models.RunSummary
		var goal, runStatus sql.NullString
		var iterations sql.NullInt64
		if err := rows.Scan(&run.RunID, &goal, &runStatus, &iterations, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Goal = goal.String
		run.Status = models.RunStatus(runStatus.String)
		run.IterationCount = int(iterations.Int64)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run's checkpoint and decisions.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return checkpoint.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM decisions WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete decisions: %w", err)
	}
	return tx.Commit()
}

// --- Decision Operations ---

// WriteDecision records a controller decision for a run.
func (s *Store) WriteDecision(ctx context.Context, runID, action, inputsHash, outcome, details string) (*models.Decision, error) {
	d := &models.Decision{
		ID:         uuid.New().String(),
		RunID:      runID,
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, run_id, action, inputs_hash, outcome, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RunID, d.Action, d.InputsHash, d.Outcome, d.Details, d.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert decision: %w", err)
	}
	return d, nil
}

// ListDecisions returns the decisions of a run in the order they were made.
func (s *Store) ListDecisions(ctx context.Context, runID string) ([]models.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, action, inputs_hash, outcome, details, timestamp
		 FROM decisions WHERE run_id = ? ORDER BY timestamp ASC, rowid ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []models.Decision
	for rows.Next() {
		var d models.Decision
		var details sql.NullString
		if err := rows.Scan(&d.ID, &d.RunID, &d.Action, &d.InputsHash, &d.Outcome, &details, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Details = details.String
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// --- Run Lock Operations ---

// ErrRunLocked indicates the run is already being driven by another holder.
var ErrRunLocked = fmt.Errorf("run already locked")

// ErrLockLost is reported when a held run lock was taken over by another
// holder after it expired. It wraps checkpoint.ErrSuperseded.
var ErrLockLost = fmt.Errorf("run lock lost: %w", checkpoint.ErrSuperseded)

// AcquireRunLock claims a run for holderID until ttl elapses. Expired locks
// are cleared first. Returns ErrRunLocked when another unexpired lock exists.
func (s *Store) AcquireRunLock(ctx context.Context, runID, holderID string, ttl time.Duration) (*models.RunLock, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_locks WHERE run_id = ? AND expires_at <= ?`, runID, now); err != nil {
		return nil, fmt.Errorf("clean expired locks: %w", err)
	}

	var existingHolder string
	err = tx.QueryRowContext(ctx,
		`SELECT holder_id FROM run_locks WHERE run_id = ? AND expires_at > ?`,
		runID, now,
	).Scan(&existingHolder)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check existing lock: %w", err)
	}
	if err == nil {
		return nil, ErrRunLocked
	}

	lock := &models.RunLock{
		ID:        uuid.New().String(),
		RunID:     runID,
		HolderID:  holderID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_locks (id, run_id, holder_id, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		lock.ID, lock.RunID, lock.HolderID, lock.CreatedAt, lock.ExpiresAt,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return nil, ErrRunLocked
		}
		return nil, fmt.Errorf("insert lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return lock, nil
}

// GetRunLock returns the unexpired lock on a run, or nil.
func (s *Store) GetRunLock(ctx context.Context, runID string) (*models.RunLock, error) {
	lock := &models.RunLock{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, holder_id, created_at, expires_at
		 FROM run_locks WHERE run_id = ? AND expires_at > ?`,
		runID, time.Now().UTC(),
	).Scan(&lock.ID, &lock.RunID, &lock.HolderID, &lock.CreatedAt, &lock.ExpiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	return lock, nil
}

// RenewRunLock extends a lock's expiry. Returns an error wrapping
// ErrLockLost when the lock no longer exists because it expired and was
// taken over.
func (s *Store) RenewRunLock(ctx context.Context, lockID string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_locks SET expires_at = ? WHERE id = ?`,
		time.Now().UTC().Add(ttl), lockID,
	)
	if err != nil {
		return fmt.Errorf("renew lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: lock %s", ErrLockLost, lockID)
	}
	return nil
}

// ReleaseRunLock releases a lock.
func (s *Store) ReleaseRunLock(ctx context.Context, lockID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_locks WHERE id = ?`, lockID)
	return err
}

// HoldRunLock acquires the run lock and keeps renewing it until the returned
// release func is called. If a renewal finds the lock gone, renewing stops
// and onLost, when non-nil, is called once with an error wrapping
// ErrLockLost. Transient renewal errors are retried on the next tick until
// the lock would have expired, after which the lock counts as lost.
func (s *Store) HoldRunLock(ctx context.Context, runID, holderID string, ttl time.Duration, onLost func(error)) (func(), error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	lock, err := s.AcquireRunLock(ctx, runID, holderID, ttl)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		renewed := time.Now()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := s.RenewRunLock(context.Background(), lock.ID, ttl)
				if err != nil && !errors.Is(err, ErrLockLost) && time.Since(renewed) >= ttl {
					err = fmt.Errorf("%w: renewal failing past expiry: %w", ErrLockLost, err)
				}
				if errors.Is(err, ErrLockLost) {
					if onLost != nil {
						onLost(err)
					}
					return
				}
				if err == nil {
					renewed = time.Now()
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
			_ = s.ReleaseRunLock(context.Background(), lock.ID)
		})
	}, nil
}
