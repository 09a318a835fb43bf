package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/froyoflow/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	now  func() time.Time
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg:  cfg,
		now:  time.Now,
		path: cfg.Path,
	}, nil
}

// Init opens the database with foreign keys, WAL and a busy timeout.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path
	if s.path != ":memory:" {
		dsn = "file:" + s.path
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	if s.path == ":memory:" {
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	now := s.now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Variables == "" {
		run.Variables = "[]"
	}

	query := `
		INSERT INTO runs (id, workflow, state, started_at, completed_at, error, variables, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Workflow,
		run.State,
		run.StartedAt.UTC(),
		run.CompletedAt,
		run.Error,
		run.Variables,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, workflow, state, started_at, completed_at, error, variables, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// CompleteRun records the final state of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id, state string, completedAt time.Time, errMsg *string, variables string) error {
	if variables == "" {
		variables = "[]"
	}

	query := `
		UPDATE runs
		SET state = ?, completed_at = ?, error = ?, variables = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, state, completedAt.UTC(), errMsg, variables, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListRuns lists runs newest first, optionally for one workflow.
func (s *SQLiteStore) ListRuns(ctx context.Context, workflow *string, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, workflow, state, started_at, completed_at, error, variables, created_at, updated_at
		FROM runs
	`
	var args []interface{}
	if workflow != nil {
		query += " WHERE workflow = ?"
		args = append(args, *workflow)
	}
	query += " ORDER BY started_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limitOrAll(limit), offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and, by cascade, its step records.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// PruneRuns deletes runs started before the cutoff and their events.
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := before.UTC()
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM events WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)", cutoff); err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return n, nil
}

// AddStepRecord appends the outcome of one step.
func (s *SQLiteStore) AddStepRecord(ctx context.Context, step *StepRecord) error {
	if step.Outputs == "" {
		step.Outputs = "{}"
	}

	query := `
		INSERT INTO step_results (
			run_id, step_id, action, remote, state, error_code, error_message,
			outputs, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		step.RunID,
		step.StepID,
		step.Action,
		step.Remote,
		step.State,
		step.ErrorCode,
		step.ErrorMessage,
		step.Outputs,
		step.StartedAt.UTC(),
		step.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add step record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get step record ID: %w", err)
	}
	step.ID = id

	return nil
}

// ListStepRecords returns the step records of a run in execution order.
func (s *SQLiteStore) ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	query := `
		SELECT id, run_id, step_id, action, remote, state, error_code, error_message,
			   outputs, started_at, completed_at
		FROM step_results
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step records: %w", err)
	}
	defer rows.Close()

	var steps []*StepRecord
	for rows.Next() {
		step := &StepRecord{}
		if err := rows.Scan(
			&step.ID,
			&step.RunID,
			&step.StepID,
			&step.Action,
			&step.Remote,
			&step.State,
			&step.ErrorCode,
			&step.ErrorMessage,
			&step.Outputs,
			&step.StartedAt,
			&step.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step record: %w", err)
		}
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step records: %w", err)
	}

	return steps, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	query := `
		INSERT INTO events (run_id, step_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.StepID,
		event.Type,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id

	return nil
}

// GetEvents retrieves events in insertion order.
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	query := `
		SELECT id, run_id, step_id, type, level, message, details, timestamp
		FROM events
	`
	var where []string
	var args []interface{}
	if q.RunID != nil {
		where = append(where, "run_id = ?")
		args = append(args, *q.RunID)
	}
	if q.Type != nil {
		where = append(where, "type = ?")
		args = append(args, *q.Type)
	}
	if q.Level != nil {
		where = append(where, "level = ?")
		args = append(args, *q.Level)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limitOrAll(q.Limit), q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		if err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.StepID,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck checks database connectivity
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// RunStarted implements engine.Recorder.
func (s *SQLiteStore) RunStarted(ctx context.Context, run *engine.RunResult) error {
	return s.CreateRun(ctx, &Run{
		ID:        run.RunID,
		Workflow:  run.Workflow,
		State:     engine.StateRunning.String(),
		StartedAt: run.StartedAt,
	})
}

// StepCompleted implements engine.Recorder.
func (s *SQLiteStore) StepCompleted(ctx context.Context, runID string, step *engine.StepResult) error {
	outputs := "{}"
	if len(step.Outputs) > 0 {
		data, err := json.Marshal(step.Outputs)
		if err != nil {
			return fmt.Errorf("failed to encode outputs: %w", err)
		}
		outputs = string(data)
	}

	return s.AddStepRecord(ctx, &StepRecord{
		RunID:        runID,
		StepID:       step.StepID,
		Action:       step.Action,
		Remote:       step.Remote,
		State:        step.State.String(),
		ErrorCode:    optional(step.ErrorCode()),
		ErrorMessage: optional(step.ErrorMessage),
		Outputs:      outputs,
		StartedAt:    step.StartedAt,
		CompletedAt:  step.CompletedAt,
	})
}

// RunCompleted implements engine.Recorder.
func (s *SQLiteStore) RunCompleted(ctx context.Context, run *engine.RunResult) error {
	variables := "[]"
	if len(run.Variables) > 0 {
		data, err := json.Marshal(run.Variables)
		if err != nil {
			return fmt.Errorf("failed to encode variables: %w", err)
		}
		variables = string(data)
	}

	var errMsg *string
	if run.Err != nil {
		errMsg = optional(run.Err.Error())
	}
	return s.CompleteRun(ctx, run.RunID, run.State.String(), run.CompletedAt, errMsg, variables)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Workflow,
		&run.State,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Variables,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
