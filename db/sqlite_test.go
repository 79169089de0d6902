package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"irisserve/ml"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTrainingRuns(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b"} {
		require.NoError(t, store.RecordRun(ctx, TrainingRun{
			RunID:         id,
			DatasetPath:   "data/iris.csv",
			Samples:       150,
			TrainSize:     120,
			TestSize:      30,
			Classes:       []string{"Iris-setosa", "Iris-versicolor", "Iris-virginica"},
			NEstimators:   200,
			Seed:          42,
			TrainAccuracy: 1,
			TestAccuracy:  0.9667,
			Duration:      1500 * time.Millisecond,
			TrainedAt:     base.Add(time.Duration(i) * time.Hour),
		}))
	}

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-b", runs[0].RunID)
	assert.Equal(t, "run-a", runs[1].RunID)
	assert.Equal(t, []string{"Iris-setosa", "Iris-versicolor", "Iris-virginica"}, runs[0].Classes)
	assert.Equal(t, 1500*time.Millisecond, runs[0].Duration)
	assert.Equal(t, 120, runs[0].TrainSize)
	assert.True(t, runs[0].TrainedAt.Equal(base.Add(time.Hour)))

	limited, err := store.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordRunRejectsDuplicateAndEmpty(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	run := TrainingRun{RunID: "dup", TrainedAt: time.Now()}
	require.NoError(t, store.RecordRun(ctx, run))
	assert.Error(t, store.RecordRun(ctx, run))
	assert.Error(t, store.RecordRun(ctx, TrainingRun{}))
}

func TestPredictions(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordPrediction(ctx, PredictionRecord{
		RequestID: "req-1",
		RunID:     "run-a",
		Features:  ml.FeatureVector{5.1, 3.5, 1.4, 0.2},
		Label:     "Iris-setosa",
	}))
	require.NoError(t, store.RecordPrediction(ctx, PredictionRecord{
		RequestID: "req-2",
		RunID:     "run-a",
		Features:  ml.FeatureVector{6.3, 3.3, 6.0, 2.5},
		Label:     "Iris-virginica",
	}))

	records, err := store.RecentPredictions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "req-2", records[0].RequestID)
	assert.Equal(t, ml.FeatureVector{6.3, 3.3, 6.0, 2.5}, records[0].Features)
	assert.False(t, records[1].CreatedAt.IsZero())
}

func TestNilStore(t *testing.T) {
	var store *Store
	assert.ErrorIs(t, store.RecordRun(context.Background(), TrainingRun{RunID: "x"}), ErrClosed)
	_, err := store.ListRuns(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, store.Close())
}
