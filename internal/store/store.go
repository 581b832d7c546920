// Package store persists the run mirror and failed prompts in SQLite so the
// status, history and retry commands can read them after the fact.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/kernel/flowkit/internal/model"
)

// Status is the persisted lifecycle state of a run.
type Status string

const (
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusComplete Status = "complete"
	StatusStopped  Status = "stopped"
	// StatusStale is never written. It is reported for running or paused runs
	// whose heartbeat is older than StaleAfter.
	StatusStale Status = "stale"
)

// StaleAfter is how old a heartbeat may be before an unfinished run is stale.
const StaleAfter = time.Minute

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

const (
	tblRuns     = "runs"
	tblFailures = "failures"

	colID            = "id"
	colStartedAt     = "started_at"
	colUpdatedAt     = "updated_at"
	colCompletedAt   = "completed_at"
	colStatus        = "status"
	colTotal         = "total"
	colCurrentIndex  = "current_index"
	colCurrentPrompt = "current_prompt"
	colSuccessCount  = "success_count"
	colFailCount     = "fail_count"
	colIsPaused      = "is_paused"
	colPauseEndTime  = "pause_end_time"
	colSubfolder     = "subfolder"
	colConfigJSON    = "config_json"

	colRunID  = "run_id"
	colIdx    = "idx"
	colPrompt = "prompt"
	colError  = "error"
)

var runColumns = []string{
	colID, colStartedAt, colUpdatedAt, colCompletedAt, colStatus, colTotal,
	colCurrentIndex, colCurrentPrompt, colSuccessCount, colFailCount,
	colIsPaused, colPauseEndTime, colSubfolder, colConfigJSON,
}

// Run is a persisted run mirror.
type Run struct {
	ID            string          `json:"id"`
	Status        Status          `json:"status"`
	Total         int             `json:"total"`
	CurrentIndex  int             `json:"currentIndex"`
	CurrentPrompt string          `json:"currentPrompt,omitempty"`
	SuccessCount  int             `json:"successCount"`
	FailCount     int             `json:"failCount"`
	IsPaused      bool            `json:"isPaused"`
	PauseEndTime  *time.Time      `json:"pauseEndTime,omitempty"`
	Subfolder     string          `json:"subfolder"`
	StartedAt     time.Time       `json:"startedAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	Config        model.RunConfig `json:"config"`
}

// Finished reports whether the run reached a terminal status.
func (r *Run) Finished() bool {
	return r.Status == StatusComplete || r.Status == StatusStopped
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; the heartbeat and the coordinator share it.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// SetNow replaces the clock used for timestamps and stale detection.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER,
		status TEXT NOT NULL DEFAULT 'running',
		total INTEGER NOT NULL DEFAULT 0,
		current_index INTEGER NOT NULL DEFAULT 0,
		current_prompt TEXT NOT NULL DEFAULT '',
		success_count INTEGER NOT NULL DEFAULT 0,
		fail_count INTEGER NOT NULL DEFAULT 0,
		is_paused INTEGER NOT NULL DEFAULT 0,
		pause_end_time INTEGER,
		subfolder TEXT NOT NULL DEFAULT '',
		config_json TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS failures (
		run_id TEXT NOT NULL REFERENCES runs(id),
		idx INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		UNIQUE(run_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts the mirror of a freshly started run.
func (s *Store) CreateRun(ctx context.Context, st model.RunState, cfg model.RunConfig) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode run config: %w", err)
	}
	started := st.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	prompt := ""
	if st.CurrentIndex < len(cfg.Prompts) {
		prompt = cfg.Prompts[st.CurrentIndex]
	}

	query := squirrel.
		Insert(tblRuns).
		Columns(runColumns...).
		Values(
			st.RunID, millis(started), millis(s.now()), nil, statusOf(st), st.Total,
			st.CurrentIndex, prompt, st.SuccessCount, st.FailCount,
			st.IsPaused, millisPtr(st.PauseEndTime), cfg.Subfolder, string(cfgJSON),
		).
		RunWith(s.db)

	if _, err := query.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to create run %s: %w", st.RunID, err)
	}
	return nil
}

// UpdateProgress writes the cursor, counters and pause fields of a run.
func (s *Store) UpdateProgress(ctx context.Context, st model.RunState, currentPrompt string) error {
	query := squirrel.
		Update(tblRuns).
		SetMap(map[string]any{
			colUpdatedAt:     millis(s.now()),
			colStatus:        statusOf(st),
			colCurrentIndex:  st.CurrentIndex,
			colCurrentPrompt: currentPrompt,
			colSuccessCount:  st.SuccessCount,
			colFailCount:     st.FailCount,
			colIsPaused:      st.IsPaused,
			colPauseEndTime:  millisPtr(st.PauseEndTime),
		}).
		Where(squirrel.Eq{colID: st.RunID}).
		RunWith(s.db)

	return s.execOne(ctx, query, st.RunID)
}

// Touch refreshes the heartbeat of a run.
func (s *Store) Touch(ctx context.Context, runID string) error {
	query := squirrel.
		Update(tblRuns).
		Set(colUpdatedAt, millis(s.now())).
		Where(squirrel.Eq{colID: runID}).
		RunWith(s.db)

	return s.execOne(ctx, query, runID)
}

// CompleteRun marks a run finished with status.
func (s *Store) CompleteRun(ctx context.Context, st model.RunState, status Status) error {
	now := millis(s.now())
	query := squirrel.
		Update(tblRuns).
		SetMap(map[string]any{
			colUpdatedAt:    now,
			colCompletedAt:  now,
			colStatus:       status,
			colCurrentIndex: st.CurrentIndex,
			colSuccessCount: st.SuccessCount,
			colFailCount:    st.FailCount,
			colIsPaused:     false,
			colPauseEndTime: nil,
		}).
		Where(squirrel.Eq{colID: st.RunID}).
		RunWith(s.db)

	return s.execOne(ctx, query, st.RunID)
}

// AddFailure records a failed prompt of a run. Recording the same index twice
// keeps the latest error.
func (s *Store) AddFailure(ctx context.Context, runID string, item model.FailedItem) error {
	query := squirrel.
		Insert(tblFailures).
		Options("OR REPLACE").
		Columns(colRunID, colIdx, colPrompt, colError).
		Values(runID, item.Index, item.Prompt, item.Error).
		RunWith(s.db)

	if _, err := query.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to record failure for run %s: %w", runID, err)
	}
	return nil
}

// GetRun returns a run by ID, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	query := squirrel.
		Select(runColumns...).
		From(tblRuns).
		Where(squirrel.Eq{colID: id}).
		RunWith(s.db)

	return s.scanRun(query.QueryRowContext(ctx))
}

// LatestRun returns the most recently started run, or ErrNotFound.
func (s *Store) LatestRun(ctx context.Context) (*Run, error) {
	query := squirrel.
		Select(runColumns...).
		From(tblRuns).
		OrderBy(colStartedAt + " DESC").
		Limit(1).
		RunWith(s.db)

	return s.scanRun(query.QueryRowContext(ctx))
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := squirrel.
		Select(runColumns...).
		From(tblRuns).
		OrderBy(colStartedAt + " DESC")
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}

	rows, err := query.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Failures returns the failed prompts of a run ordered by index.
func (s *Store) Failures(ctx context.Context, runID string) ([]model.FailedItem, error) {
	rows, err := squirrel.
		Select(colIdx, colPrompt, colError).
		From(tblFailures).
		Where(squirrel.Eq{colRunID: runID}).
		OrderBy(colIdx).
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var items []model.FailedItem
	for rows.Next() {
		var item model.FailedItem
		if err := rows.Scan(&item.Index, &item.Prompt, &item.Error); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context) (sql.Result, error)
}

func (s *Store) execOne(ctx context.Context, query execer, runID string) error {
	res, err := query.ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRun(row scanner) (*Run, error) {
	var (
		run                 Run
		started, updated    int64
		completed, pauseEnd sql.NullInt64
		status, cfgJSON     string
	)
	err := row.Scan(
		&run.ID, &started, &updated, &completed, &status, &run.Total,
		&run.CurrentIndex, &run.CurrentPrompt, &run.SuccessCount, &run.FailCount,
		&run.IsPaused, &pauseEnd, &run.Subfolder, &cfgJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", err)
	}

	run.StartedAt = time.UnixMilli(started)
	run.UpdatedAt = time.UnixMilli(updated)
	if completed.Valid {
		t := time.UnixMilli(completed.Int64)
		run.CompletedAt = &t
	}
	if pauseEnd.Valid {
		t := time.UnixMilli(pauseEnd.Int64)
		run.PauseEndTime = &t
	}
	if err := json.Unmarshal([]byte(cfgJSON), &run.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config of run %s: %w", run.ID, err)
	}

	run.Status = Status(status)
	if !run.Finished() && s.now().Sub(run.UpdatedAt) > StaleAfter {
		run.Status = StatusStale
	}
	return &run, nil
}

func statusOf(st model.RunState) Status {
	if st.IsPaused {
		return StatusPaused
	}
	return StatusRunning
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
