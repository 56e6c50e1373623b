// Package runstore persists alignment runs in a SQLite database.
//
// Every run is stored as one row of metadata plus one row per fiber and step.
// The schema is created and upgraded by embedded migrations when the store
// is opened.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/microalign/go-mac/align"
	"github.com/microalign/go-mac/coords"
	"github.com/microalign/go-mac/frame"
	"github.com/microalign/go-mac/logger"
)

// ErrRunNotFound indicates an unknown run id.
var ErrRunNotFound = errors.New("runstore: run not found")

// timeLayout is fixed width so that started_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RunMeta describes a stored run.
type RunMeta struct {
	ID          string
	Port        string
	Identity    string
	Start       frame.StartConfig
	StartedAt   time.Time
	Note        string
	Fibers      int
	Capacity    int
	Steps       int
	Calibration coords.Calibration
}

// Store is a SQLite-backed run store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger logger.Logger
}

// Option is a functional option for Open.
type Option interface {
	apply(*Store) error
}

type optFunc func(*Store) error

func (f optFunc) apply(s *Store) error { return f(s) }

// WithLogger sets the logger of the store.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(s *Store) error {
		if l == nil {
			return errors.New("runstore: logger must not be nil")
		}
		s.logger = l

		return nil
	})
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Open opens (or creates) the database at path and migrates it to the
// latest schema version.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{logger: logger.GetLogger()}
	for _, opt := range opts {
		if err := opt.apply(s); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runstore: open %s: %w", path, err)
	}
	// a single connection keeps the per-connection pragmas in effect
	db.SetMaxOpenConns(1)
	s.db = db

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("runstore: %s: %w", pragma, err)
		}
	}

	if err := s.MigrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Debug("run store opened", "path", path)

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun stores meta and every sample of table in one transaction and
// returns the new run id. meta.ID, Fibers, Capacity, Steps and Calibration
// are taken from the table and the generated id.
func (s *Store) SaveRun(ctx context.Context, meta RunMeta, table *align.Table) (string, error) {
	if table == nil {
		return "", errors.New("runstore: nil table")
	}

	id := uuid.New().String()
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}
	cal := table.Calibration()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("runstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, port, identity, fibers, capacity, steps,
			samples, min_step_bits, hysteresis_kick, initial_step_bits,
			max_x, max_y, started_at, note
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, meta.Port, meta.Identity, table.Fibers(), table.Capacity(), table.Len(),
		meta.Start.Samples, meta.Start.MinStepBits, nullInt(meta.Start.HysteresisKick), nullInt(meta.Start.InitialStepBits),
		cal.MaxX, cal.MaxY, meta.StartedAt.UTC().Format(timeLayout), meta.Note,
	)
	if err != nil {
		return "", fmt.Errorf("runstore: insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_samples (run_id, fiber, step, coupling, bias_left, bias_right, x, y)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("runstore: prepare samples: %w", err)
	}
	defer stmt.Close()

	for fiber := 1; fiber <= table.Fibers(); fiber++ {
		for step := 0; step < table.Len(); step++ {
			sample, err := table.At(fiber, step)
			if err != nil {
				return "", err
			}
			_, err = stmt.ExecContext(ctx, id, fiber, step, sample.Coupling, sample.Left, sample.Right,
				sample.Position.X, sample.Position.Y)
			if err != nil {
				return "", fmt.Errorf("runstore: insert sample fiber %d step %d: %w", fiber, step, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("runstore: commit: %w", err)
	}

	s.logger.Info("run saved", "run_id", id, "fibers", table.Fibers(), "steps", table.Len())

	return id, nil
}

// LoadRun returns the metadata and table of run id.
func (s *Store) LoadRun(ctx context.Context, id string) (RunMeta, *align.Table, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+` WHERE run_id = ?`, id)

	meta, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunMeta{}, nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return RunMeta{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT fiber, step, coupling, bias_left, bias_right
		FROM run_samples WHERE run_id = ? ORDER BY step, fiber`, id)
	if err != nil {
		return RunMeta{}, nil, fmt.Errorf("runstore: query samples: %w", err)
	}
	defer rows.Close()

	coupling := make([][]int, meta.Steps)
	left := make([][]int, meta.Steps)
	right := make([][]int, meta.Steps)
	for i := 0; i < meta.Steps; i++ {
		coupling[i] = make([]int, meta.Fibers)
		left[i] = make([]int, meta.Fibers)
		right[i] = make([]int, meta.Fibers)
	}

	for rows.Next() {
		var fiber, step, c, l, r int
		if err := rows.Scan(&fiber, &step, &c, &l, &r); err != nil {
			return RunMeta{}, nil, fmt.Errorf("runstore: scan sample: %w", err)
		}
		if fiber < 1 || fiber > meta.Fibers || step < 0 || step >= meta.Steps {
			return RunMeta{}, nil, fmt.Errorf("runstore: run %s: sample fiber %d step %d outside table", id, fiber, step)
		}
		coupling[step][fiber-1] = c
		left[step][fiber-1] = l
		right[step][fiber-1] = r
	}
	if err := rows.Err(); err != nil {
		return RunMeta{}, nil, fmt.Errorf("runstore: read samples: %w", err)
	}

	table, err := align.LoadTable(meta.Fibers, meta.Capacity, meta.Calibration, coupling, left, right)
	if err != nil {
		return RunMeta{}, nil, fmt.Errorf("runstore: run %s: %w", id, err)
	}

	return meta, table, nil
}

// ListRuns returns the metadata of all runs, most recent first.
func (s *Store) ListRuns(ctx context.Context) ([]RunMeta, error) {
	rows, err := s.db.QueryContext(ctx, selectRuns+` ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("runstore: query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunMeta
	for rows.Next() {
		meta, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runstore: read runs: %w", err)
	}

	return runs, nil
}

// DeleteRun removes run id and its samples.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, id)
	if err != nil {
		return fmt.Errorf("runstore: delete run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("runstore: delete run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return nil
}

const selectRuns = `
	SELECT run_id, port, identity, fibers, capacity, steps,
		samples, min_step_bits, hysteresis_kick, initial_step_bits,
		max_x, max_y, started_at, note
	FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunMeta, error) {
	var (
		meta      RunMeta
		kick      sql.NullInt64
		initial   sql.NullInt64
		startedAt string
	)

	err := row.Scan(
		&meta.ID, &meta.Port, &meta.Identity, &meta.Fibers, &meta.Capacity, &meta.Steps,
		&meta.Start.Samples, &meta.Start.MinStepBits, &kick, &initial,
		&meta.Calibration.MaxX, &meta.Calibration.MaxY, &startedAt, &meta.Note,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunMeta{}, err
		}
		return RunMeta{}, fmt.Errorf("runstore: scan run: %w", err)
	}

	if kick.Valid {
		meta.Start.HysteresisKick = frame.Int(int(kick.Int64))
	}
	if initial.Valid {
		meta.Start.InitialStepBits = frame.Int(int(initial.Int64))
	}

	meta.StartedAt, err = time.Parse(timeLayout, startedAt)
	if err != nil {
		return RunMeta{}, fmt.Errorf("runstore: run %s: started_at %q: %w", meta.ID, startedAt, err)
	}

	return meta, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
