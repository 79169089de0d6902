package training

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"irisserve/errors"
)

// Watch retrains whenever datasetPath is written, once the file has been quiet for
// debounce. The parent directory is watched so editors that replace the file are
// seen too. onRun, if set, receives every outcome. Watch returns when ctx is done.
func (p *Pipeline) Watch(ctx context.Context, datasetPath string, debounce time.Duration, onRun func(*Result, error)) error {
	target, err := filepath.Abs(datasetPath)
	if err != nil {
		return errors.WrapInvalid(err, "Pipeline", "Watch", "resolve path")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapTransient(err, "Pipeline", "Watch", "create watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return errors.WrapInvalid(err, "Pipeline", "Watch", "watch "+filepath.Dir(target))
	}
	p.logger.Info("watching dataset", zap.String("path", target), zap.Duration("debounce", debounce))

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			res, err := p.Train(ctx, target)
			if err != nil {
				p.logger.Error("retraining failed, keeping previous artifacts", zap.Error(err))
			} else {
				p.logger.Info("retrained",
					zap.String("run_id", res.RunID),
					zap.Float64("test_accuracy", res.TestAccuracy),
				)
			}
			if onRun != nil {
				onRun(res, err)
			}
		}
	}
}
