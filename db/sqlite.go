package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"irisserve/ml"
)

const schema = `
    CREATE TABLE IF NOT EXISTS training_runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        dataset_path TEXT NOT NULL,
        samples INTEGER NOT NULL,
        train_size INTEGER NOT NULL,
        test_size INTEGER NOT NULL,
        classes TEXT NOT NULL,
        n_estimators INTEGER NOT NULL,
        seed INTEGER NOT NULL,
        train_accuracy REAL NOT NULL,
        test_accuracy REAL NOT NULL,
        duration_ms INTEGER NOT NULL,
        trained_at DATETIME NOT NULL,
        UNIQUE(run_id)
    );
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        request_id TEXT NOT NULL,
        run_id TEXT NOT NULL,
        sepal_length REAL NOT NULL,
        sepal_width REAL NOT NULL,
        petal_length REAL NOT NULL,
        petal_width REAL NOT NULL,
        label TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions(created_at);
    `

var ErrClosed = errors.New("database not initialized")

// Store is the SQLite-backed training run log and prediction audit.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and applies the schema.
func Open(path string) (*Store, error) {
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	database.SetMaxOpenConns(1)

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, err
	}
	return &Store{db: database}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TrainingRun is one completed training pipeline execution.
type TrainingRun struct {
	RunID         string        `json:"run_id"`
	DatasetPath   string        `json:"dataset_path"`
	Samples       int           `json:"samples"`
	TrainSize     int           `json:"train_size"`
	TestSize      int           `json:"test_size"`
	Classes       []string      `json:"classes"`
	NEstimators   int           `json:"n_estimators"`
	Seed          int64         `json:"seed"`
	TrainAccuracy float64       `json:"train_accuracy"`
	TestAccuracy  float64       `json:"test_accuracy"`
	Duration      time.Duration `json:"duration_ns"`
	TrainedAt     time.Time     `json:"trained_at"`
}

func (s *Store) RecordRun(ctx context.Context, run TrainingRun) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if run.RunID == "" {
		return errors.New("run id required")
	}
	classes, err := json.Marshal(run.Classes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO training_runs (
            run_id, dataset_path, samples, train_size, test_size, classes,
            n_estimators, seed, train_accuracy, test_accuracy, duration_ms, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		run.RunID,
		run.DatasetPath,
		run.Samples,
		run.TrainSize,
		run.TestSize,
		string(classes),
		run.NEstimators,
		run.Seed,
		run.TrainAccuracy,
		run.TestAccuracy,
		run.Duration.Milliseconds(),
		run.TrainedAt.UTC(),
	)
	return err
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]TrainingRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT run_id, dataset_path, samples, train_size, test_size, classes,
               n_estimators, seed, train_accuracy, test_accuracy, duration_ms, trained_at
        FROM training_runs
        ORDER BY trained_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var run TrainingRun
		var classes string
		var durationMS int64
		if err := rows.Scan(&run.RunID, &run.DatasetPath, &run.Samples, &run.TrainSize, &run.TestSize,
			&classes, &run.NEstimators, &run.Seed, &run.TrainAccuracy, &run.TestAccuracy,
			&durationMS, &run.TrainedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(classes), &run.Classes); err != nil {
			return nil, err
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PredictionRecord is one served prediction.
type PredictionRecord struct {
	RequestID string           `json:"request_id"`
	RunID     string           `json:"run_id"`
	Features  ml.FeatureVector `json:"features"`
	Label     string           `json:"label"`
	CreatedAt time.Time        `json:"created_at"`
}

func (s *Store) RecordPrediction(ctx context.Context, p PredictionRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO predictions (
            request_id, run_id, sepal_length, sepal_width, petal_length, petal_width, label, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `,
		p.RequestID, p.RunID,
		p.Features[0], p.Features[1], p.Features[2], p.Features[3],
		p.Label, p.CreatedAt.UTC(),
	)
	return err
}

// RecentPredictions returns the latest audit rows, newest first.
func (s *Store) RecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT request_id, run_id, sepal_length, sepal_width, petal_length, petal_width, label, created_at
        FROM predictions
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]PredictionRecord, 0)
	for rows.Next() {
		var p PredictionRecord
		if err := rows.Scan(&p.RequestID, &p.RunID,
			&p.Features[0], &p.Features[1], &p.Features[2], &p.Features[3],
			&p.Label, &p.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, p)
	}
	return records, rows.Err()
}
