package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/samogod/tagtrain/pkg/config"

	_ "github.com/lib/pq"
)

var DebugLog func(string, ...interface{})

var ErrDisabled = errors.New("database is not enabled")

const DBName = "tagtrain_runs"

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type DB struct {
	conn    *sql.DB
	enabled bool
}

type RunRecord struct {
	ID          string
	Fingerprint string
	Args        string
	Status      string
	StartedAt   time.Time
	FinishedAt  *time.Time
	BestEpoch   int
	BestF1      float64
	TestF1      float64
	Error       string
}

type EpochRecord struct {
	RunID         string
	Epoch         int
	LearningRate  float64
	TrainLoss     float64
	ValidLoss     float64
	ValidAccuracy float64
	ValidF1       float64
	Duration      time.Duration
}

// Outcome is what FinishRun stores once a run has ended.
type Outcome struct {
	Status    string
	BestEpoch int
	BestF1    float64
	TestF1    float64
	Error     string
}

func New(cfg *config.Database) (*DB, error) {
	db := &DB{
		enabled: cfg.Enabled,
	}

	if !cfg.Enabled {
		if DebugLog != nil {
			DebugLog("database tracking disabled")
		}
		return db, nil
	}

	adminConn, err := sql.Open("postgres", connString(cfg, "postgres"))
	if err != nil {
		return db, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer adminConn.Close()

	if err := adminConn.Ping(); err != nil {
		return db, fmt.Errorf("failed to ping postgres: %w", err)
	}

	var exists bool
	err = adminConn.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", DBName).Scan(&exists)
	if err != nil {
		return db, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		if _, err := adminConn.Exec(fmt.Sprintf("CREATE DATABASE %s", DBName)); err != nil {
			return db, fmt.Errorf("failed to create database: %w", err)
		}
		if DebugLog != nil {
			DebugLog("database %s created", DBName)
		}
	}

	conn, err := sql.Open("postgres", connString(cfg, DBName))
	if err != nil {
		return db, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return db, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewWithConn(conn)
}

// NewWithConn wraps an open connection and makes sure the schema exists.
func NewWithConn(conn *sql.DB) (*DB, error) {
	db := &DB{conn: conn, enabled: true}
	if err := db.initSchema(); err != nil {
		return db, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func connString(cfg *config.Database, dbname string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, dbname)
}

func (db *DB) initSchema() error {
	if !db.enabled || db.conn == nil {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id VARCHAR(64) PRIMARY KEY,
		fingerprint VARCHAR(32) NOT NULL,
		args TEXT NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'running',
		started_at TIMESTAMP NOT NULL DEFAULT NOW(),
		finished_at TIMESTAMP,
		best_epoch INTEGER NOT NULL DEFAULT -1,
		best_f1 DOUBLE PRECISION NOT NULL DEFAULT 0,
		test_f1 DOUBLE PRECISION NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS epochs (
		run_id VARCHAR(64) NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		epoch INTEGER NOT NULL,
		lr DOUBLE PRECISION NOT NULL,
		train_loss DOUBLE PRECISION NOT NULL,
		valid_loss DOUBLE PRECISION NOT NULL,
		valid_accuracy DOUBLE PRECISION NOT NULL,
		valid_f1 DOUBLE PRECISION NOT NULL,
		duration_ms BIGINT NOT NULL,
		PRIMARY KEY (run_id, epoch)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_fingerprint ON runs(fingerprint);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) IsEnabled() bool {
	return db.enabled && db.conn != nil
}

func (db *DB) StartRun(r RunRecord) error {
	if !db.IsEnabled() {
		return nil
	}

	if DebugLog != nil {
		DebugLog("recording run %s (%s) in database", r.ID, r.Fingerprint)
	}
	_, err := db.conn.Exec(`
		INSERT INTO runs (id, fingerprint, args, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.Fingerprint, r.Args, StatusRunning, r.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", r.ID, err)
	}
	return nil
}

// RecordEpoch upserts so a resumed or repeated epoch overwrites its row.
func (db *DB) RecordEpoch(e EpochRecord) error {
	if !db.IsEnabled() {
		return nil
	}

	_, err := db.conn.Exec(`
		INSERT INTO epochs (run_id, epoch, lr, train_loss, valid_loss, valid_accuracy, valid_f1, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, epoch) DO UPDATE
		SET lr = EXCLUDED.lr, train_loss = EXCLUDED.train_loss, valid_loss = EXCLUDED.valid_loss,
			valid_accuracy = EXCLUDED.valid_accuracy, valid_f1 = EXCLUDED.valid_f1,
			duration_ms = EXCLUDED.duration_ms
	`, e.RunID, e.Epoch, e.LearningRate, e.TrainLoss, e.ValidLoss, e.ValidAccuracy, e.ValidF1, e.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record epoch %d of run %s: %w", e.Epoch, e.RunID, err)
	}
	return nil
}

func (db *DB) FinishRun(id string, o Outcome) error {
	if !db.IsEnabled() {
		return nil
	}

	if DebugLog != nil {
		DebugLog("marking run %s as %s in database", id, o.Status)
	}
	res, err := db.conn.Exec(`
		UPDATE runs
		SET status = $2, finished_at = NOW(), best_epoch = $3, best_f1 = $4, test_f1 = $5, error = $6
		WHERE id = $1
	`, id, o.Status, o.BestEpoch, o.BestF1, o.TestF1, o.Error)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

func (db *DB) QueryRuns(status string) ([]RunRecord, error) {
	if !db.IsEnabled() {
		return nil, ErrDisabled
	}

	query := `
		SELECT id, fingerprint, args, status, started_at, finished_at, best_epoch, best_f1, test_f1, error
		FROM runs
	`
	var args []interface{}

	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}

	query += " ORDER BY started_at DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var (
			r        RunRecord
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Fingerprint, &r.Args, &r.Status, &r.StartedAt, &finished,
			&r.BestEpoch, &r.BestF1, &r.TestF1, &r.Error); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (db *DB) QueryEpochs(runID string) ([]EpochRecord, error) {
	if !db.IsEnabled() {
		return nil, ErrDisabled
	}

	rows, err := db.conn.Query(`
		SELECT run_id, epoch, lr, train_loss, valid_loss, valid_accuracy, valid_f1, duration_ms
		FROM epochs
		WHERE run_id = $1
		ORDER BY epoch
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []EpochRecord
	for rows.Next() {
		var (
			e  EpochRecord
			ms int64
		)
		if err := rows.Scan(&e.RunID, &e.Epoch, &e.LearningRate, &e.TrainLoss, &e.ValidLoss,
			&e.ValidAccuracy, &e.ValidF1, &ms); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		records = append(records, e)
	}

	return records, rows.Err()
}
