package training

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchRetrainsOnWrite(t *testing.T) {
	dir := t.TempDir()
	data, err := os.ReadFile(irisPath)
	require.NoError(t, err)
	datasetPath := filepath.Join(dir, "iris.csv")
	require.NoError(t, os.WriteFile(datasetPath, data, 0o644))

	p := newTestPipeline(t, dir)
	p.cfg.NEstimators = 10

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := make(chan error, 4)
	done := make(chan error, 1)
	go func() {
		done <- p.Watch(ctx, datasetPath, 50*time.Millisecond, func(_ *Result, err error) {
			runs <- err
		})
	}()

	// Give the watcher time to register before touching the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(datasetPath, data, 0o644))

	select {
	case err := <-runs:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("no retrain after dataset write")
	}
	assert.FileExists(t, filepath.Join(dir, "iris_model.json"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	datasetPath := filepath.Join(dir, "iris.csv")

	p := newTestPipeline(t, dir)
	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	runs := make(chan error, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	}()
	require.NoError(t, p.Watch(ctx, datasetPath, 20*time.Millisecond, func(_ *Result, err error) {
		runs <- err
	}))
	assert.Empty(t, runs)
}
