package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Kind classifies an appended record.
type Kind string

const (
	KindOD         Kind = "od"
	KindGrowthRate Kind = "growth_rate"
	KindDose       Kind = "dose"
	KindGeneration Kind = "generation"
)

// Record is one append-only measurement or bookkeeping entry. Aux carries
// the raw signal for OD records, the standard error for growth rates and
// the generation increment for doses.
type Record struct {
	ID         string    `json:"id"`
	Experiment string    `json:"experiment"`
	Vial       int       `json:"vial"`
	Kind       Kind      `json:"kind"`
	Value      float64   `json:"value"`
	Aux        float64   `json:"aux"`
	Time       time.Time `json:"time"`
}

// Latest holds the most recent value of every record kind for one vial.
// Zero times mean the kind was never recorded; GrowthRate is NaN then.
type Latest struct {
	OD             float64
	ODTime         time.Time
	GrowthRate     float64
	GrowthTime     time.Time
	Concentration  float64
	Generation     float64
	LastDilution   time.Time
	HasDilution    bool
	HasMeasurement bool
}

// ExperimentInfo is the persisted lifecycle row of one experiment.
type ExperimentInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

var ErrNotFound = errors.New("storage: not found")

// Store is the SQLite-backed record log.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (and creates if needed) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "morbidostat.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		experiment TEXT NOT NULL,
		vial INTEGER NOT NULL,
		kind TEXT NOT NULL,
		value REAL NOT NULL,
		aux REAL NOT NULL,
		time INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS records_lookup ON records (experiment, vial, kind, time)`,
	`CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

// AppendRecord inserts r; the write is committed before it returns.
func (s *Store) AppendRecord(ctx context.Context, r Record) error {
	return s.AppendRecords(ctx, r)
}

// AppendRecords inserts all records in one transaction.
func (s *Store) AppendRecords(ctx context.Context, records ...Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if math.IsNaN(r.Aux) || math.IsInf(r.Aux, 0) {
			r.Aux = 0
		}
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			return fmt.Errorf("append %s record for vial %d: non-finite value", r.Kind, r.Vial)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO records (id, experiment, vial, kind, value, aux, time) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Experiment, r.Vial, string(r.Kind), r.Value, r.Aux, r.Time.UnixNano())
		if err != nil {
			return fmt.Errorf("append %s record for vial %d: %w", r.Kind, r.Vial, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// History returns every record of kind for one vial ordered by time.
func (s *Store) History(ctx context.Context, experiment string, vial int, kind Kind) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, value, aux, time FROM records WHERE experiment = ? AND vial = ? AND kind = ? ORDER BY time, rowid`,
		experiment, vial, string(kind))
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r := Record{Experiment: experiment, Vial: vial, Kind: kind}
		var ns int64
		if err := rows.Scan(&r.ID, &r.Value, &r.Aux, &ns); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		r.Time = time.Unix(0, ns)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) latest(ctx context.Context, experiment string, vial int, kind Kind) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, value, aux, time FROM records WHERE experiment = ? AND vial = ? AND kind = ? ORDER BY time DESC, rowid DESC LIMIT 1`,
		experiment, vial, string(kind))
	r := Record{Experiment: experiment, Vial: vial, Kind: kind}
	var ns int64
	if err := row.Scan(&r.ID, &r.Value, &r.Aux, &ns); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, ErrNotFound
		}
		return r, err
	}
	r.Time = time.Unix(0, ns)
	return r, nil
}

// Latest returns the last known culture fields of one vial.
func (s *Store) Latest(ctx context.Context, experiment string, vial int) (Latest, error) {
	l := Latest{GrowthRate: math.NaN()}

	if r, err := s.latest(ctx, experiment, vial, KindOD); err == nil {
		l.OD, l.ODTime, l.HasMeasurement = r.Value, r.Time, true
	} else if !errors.Is(err, ErrNotFound) {
		return l, err
	}
	if r, err := s.latest(ctx, experiment, vial, KindGrowthRate); err == nil {
		l.GrowthRate, l.GrowthTime = r.Value, r.Time
	} else if !errors.Is(err, ErrNotFound) {
		return l, err
	}
	if r, err := s.latest(ctx, experiment, vial, KindDose); err == nil {
		l.Concentration, l.LastDilution, l.HasDilution = r.Value, r.Time, true
	} else if !errors.Is(err, ErrNotFound) {
		return l, err
	}
	if r, err := s.latest(ctx, experiment, vial, KindGeneration); err == nil {
		l.Generation = r.Value
	} else if !errors.Is(err, ErrNotFound) {
		return l, err
	}
	return l, nil
}

// DeleteHistory removes every record of one vial. It is the only way
// histories shrink.
func (s *Store) DeleteHistory(ctx context.Context, experiment string, vial int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE experiment = ? AND vial = ?`, experiment, vial)
	if err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) SetExperimentStatus(ctx context.Context, id, name, status string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, name, status, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		id, name, status, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("set experiment status: %w", err)
	}
	return nil
}

func (s *Store) Experiment(ctx context.Context, id string) (ExperimentInfo, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, status, updated_at FROM experiments WHERE id = ?`, id)
	return scanExperiment(row)
}

// LatestExperiment returns the most recently updated experiment with the
// given name.
func (s *Store) LatestExperiment(ctx context.Context, name string) (ExperimentInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, updated_at FROM experiments WHERE name = ? ORDER BY updated_at DESC LIMIT 1`, name)
	return scanExperiment(row)
}

func (s *Store) ListExperiments(ctx context.Context) ([]ExperimentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, status, updated_at FROM experiments ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ExperimentInfo
	for rows.Next() {
		info, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (ExperimentInfo, error) {
	var info ExperimentInfo
	var ns int64
	if err := row.Scan(&info.ID, &info.Name, &info.Status, &ns); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return info, ErrNotFound
		}
		return info, fmt.Errorf("scan experiment: %w", err)
	}
	info.UpdatedAt = time.Unix(0, ns)
	return info, nil
}
