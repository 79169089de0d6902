package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"

	"irisserve/config"
	"irisserve/db"
	"irisserve/logging"
	"irisserve/training"
)

type args struct {
	Config      string        `arg:"-c,--config" default:"config.yaml" help:"path to config file"`
	Dataset     string        `arg:"-d,--dataset" help:"labeled CSV; defaults to <data_dir>/iris.csv"`
	Seed        *int64        `arg:"--seed" help:"override the split and forest seed"`
	NEstimators int           `arg:"-n,--n-estimators" help:"override the number of trees"`
	NoProgress  bool          `arg:"--no-progress" help:"do not draw a progress bar"`
	NoRecord    bool          `arg:"--no-record" help:"do not write the run to the database"`
	Watch       bool          `arg:"-w,--watch" help:"retrain whenever the dataset changes"`
	Debounce    time.Duration `arg:"--debounce" default:"2s" help:"quiet period before a watched retrain"`
}

func (args) Description() string {
	return "Trains the iris random forest and writes the model and label encoder artifacts."
}

func main() {
	var a args
	arg.MustParse(&a)

	if err := run(a); err != nil {
		fmt.Fprintf(os.Stderr, "train_model: %v\n", err)
		os.Exit(1)
	}
}

func run(a args) error {
	cfg, err := config.Load(a.Config)
	if err != nil {
		return err
	}
	if a.Seed != nil {
		cfg.Training.Seed = *a.Seed
	}
	if a.NEstimators > 0 {
		cfg.Training.NEstimators = a.NEstimators
	}
	datasetPath := a.Dataset
	if datasetPath == "" {
		datasetPath = cfg.DatasetPath()
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Encoding:   cfg.Log.Encoding,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := []training.Option{training.WithLogger(logger)}
	if !a.NoRecord && cfg.Database.Path != "" {
		store, err := db.Open(cfg.Database.Path)
		if err != nil {
			logger.Warn("database unavailable, run will not be recorded", zap.Error(err))
		} else {
			defer store.Close()
			opts = append(opts, training.WithRecorder(store))
		}
	}

	var bar *pb.ProgressBar
	if !a.NoProgress && !a.Watch {
		bar = pb.New(cfg.Training.NEstimators)
		bar.SetTemplateString(`{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{etime . }}`)
		bar.Set("prefix", "fitting trees ")
		bar.SetWriter(os.Stderr)
		opts = append(opts, training.WithProgress(func() { bar.Increment() }))
	}

	pipeline, err := training.NewPipeline(training.ConfigFrom(cfg), opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if bar != nil {
		bar.Start()
	}
	res, err := pipeline.Train(ctx, datasetPath)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		if !a.Watch {
			return err
		}
		logger.Error("initial training failed", zap.Error(err))
	} else {
		fmt.Printf("run %s: train accuracy %.4f, test accuracy %.4f (%d/%d samples)\n",
			res.RunID, res.TrainAccuracy, res.TestAccuracy, res.TrainSize, res.TestSize)
		fmt.Printf("model saved to %s\nlabel encoder saved to %s\n", cfg.Paths.ModelPath, cfg.Paths.EncoderPath)
	}

	if !a.Watch {
		return nil
	}
	return pipeline.Watch(ctx, datasetPath, a.Debounce, nil)
}
