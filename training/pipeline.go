// Package training turns the labeled dataset into a persisted classifier and label
// codec.
package training

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"irisserve/config"
	"irisserve/dataset"
	"irisserve/db"
	"irisserve/errors"
	"irisserve/ml"
)

type Config struct {
	ModelPath   string
	EncoderPath string
	Seed        int64
	TestRatio   float64
	NEstimators int
	MaxDepth    int
}

// ConfigFrom picks the training settings out of the shared configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		ModelPath:   c.Paths.ModelPath,
		EncoderPath: c.Paths.EncoderPath,
		Seed:        c.Training.Seed,
		TestRatio:   c.Training.TestRatio,
		NEstimators: c.Training.NEstimators,
		MaxDepth:    c.Training.MaxDepth,
	}
}

// RunRecorder stores a summary of every successful run.
type RunRecorder interface {
	RecordRun(ctx context.Context, run db.TrainingRun) error
}

type Pipeline struct {
	cfg      Config
	logger   *zap.Logger
	recorder RunRecorder
	progress func()
	newRunID func() string
}

type Option func(*Pipeline)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func WithRecorder(r RunRecorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithProgress is called once per fitted tree.
func WithProgress(fn func()) Option {
	return func(p *Pipeline) { p.progress = fn }
}

func NewPipeline(cfg Config, opts ...Option) (*Pipeline, error) {
	if cfg.ModelPath == "" || cfg.EncoderPath == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Pipeline", "New", "artifact paths")
	}
	if cfg.NEstimators <= 0 {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Pipeline", "New", "n_estimators")
	}
	p := &Pipeline{
		cfg:      cfg,
		logger:   zap.NewNop(),
		newRunID: uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Result describes a completed run. The artifacts on disk hold Model and Codec.
type Result struct {
	RunID         string
	Model         *ml.RandomForest
	Codec         *ml.LabelCodec
	Summary       dataset.Summary
	TrainSize     int
	TestSize      int
	TrainAccuracy float64
	TestAccuracy  float64
	Duration      time.Duration
}

// Train runs load, encode, split, fit, evaluate and persist. Artifacts are
// written only after evaluation, and both are replaced together or not at all.
func (p *Pipeline) Train(ctx context.Context, datasetPath string) (*Result, error) {
	start := time.Now()
	log := p.logger.With(zap.String("dataset", datasetPath))

	ds, err := dataset.Load(datasetPath)
	if err != nil {
		return nil, err
	}
	summary := dataset.Summarize(ds)
	log.Info("loaded dataset",
		zap.Int("samples", summary.Rows),
		zap.Any("classes", summary.ClassCounts),
	)
	for _, f := range summary.Features {
		log.Debug("feature",
			zap.String("name", f.Name),
			zap.Float64("mean", f.Mean),
			zap.Float64("std", f.StdDev),
			zap.Float64("min", f.Min),
			zap.Float64("max", f.Max),
		)
	}

	codec, labels, err := ml.FitTransform(ds.Labels)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Pipeline", "Train", "encode labels")
	}
	trainIdx, testIdx, err := ml.TrainTestSplit(ds.Len(), p.cfg.TestRatio, p.cfg.Seed)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Pipeline", "Train", "split")
	}
	features := ds.Rows()
	trainX, trainY := ml.Subset(features, labels, trainIdx)
	testX, testY := ml.Subset(features, labels, testIdx)

	forest := ml.NewRandomForest(
		ml.WithNEstimators(p.cfg.NEstimators),
		ml.WithSeed(p.cfg.Seed),
		ml.WithMaxDepth(p.cfg.MaxDepth),
		ml.WithProgress(p.progress),
	)
	if err := forest.Fit(ctx, trainX, trainY, codec.Len()); err != nil {
		return nil, errors.Wrap(err, "Pipeline", "Train", "fit")
	}

	trainAcc, err := ml.Score(forest, trainX, trainY)
	if err != nil {
		return nil, errors.WrapFatal(err, "Pipeline", "Train", "score train")
	}
	testAcc, err := ml.Score(forest, testX, testY)
	if err != nil {
		return nil, errors.WrapFatal(err, "Pipeline", "Train", "score test")
	}
	log.Info("evaluated model",
		zap.Float64("train_accuracy", trainAcc),
		zap.Float64("test_accuracy", testAcc),
	)

	runID := p.newRunID()
	set := ml.NewArtifactSet(runID)
	if err := set.Stage(p.cfg.ModelPath, ml.KindRandomForest, forest); err != nil {
		return nil, errors.WrapFatal(err, "Pipeline", "Train", "stage model")
	}
	if err := set.Stage(p.cfg.EncoderPath, ml.KindLabelCodec, codec); err != nil {
		return nil, errors.WrapFatal(err, "Pipeline", "Train", "stage codec")
	}
	if err := set.Commit(); err != nil {
		return nil, errors.WrapFatal(err, "Pipeline", "Train", "commit artifacts")
	}

	res := &Result{
		RunID:         runID,
		Model:         forest,
		Codec:         codec,
		Summary:       summary,
		TrainSize:     len(trainIdx),
		TestSize:      len(testIdx),
		TrainAccuracy: trainAcc,
		TestAccuracy:  testAcc,
		Duration:      time.Since(start),
	}
	log.Info("saved artifacts",
		zap.String("run_id", runID),
		zap.String("model", p.cfg.ModelPath),
		zap.String("encoder", p.cfg.EncoderPath),
		zap.Duration("duration", res.Duration),
	)

	if p.recorder != nil {
		err := p.recorder.RecordRun(ctx, db.TrainingRun{
			RunID:         runID,
			DatasetPath:   datasetPath,
			Samples:       ds.Len(),
			TrainSize:     res.TrainSize,
			TestSize:      res.TestSize,
			Classes:       codec.Classes(),
			NEstimators:   p.cfg.NEstimators,
			Seed:          p.cfg.Seed,
			TrainAccuracy: trainAcc,
			TestAccuracy:  testAcc,
			Duration:      res.Duration,
			TrainedAt:     start,
		})
		// Artifacts are committed at this point; the run log is best effort.
		if err != nil {
			log.Warn("failed to record training run", zap.String("run_id", runID), zap.Error(err))
		}
	}
	return res, nil
}
