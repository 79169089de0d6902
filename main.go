package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"irisserve/config"
	"irisserve/db"
	ierrors "irisserve/errors"
	qhttp "irisserve/http"
	"irisserve/logging"
	"irisserve/monitoring"
	"irisserve/serving"
)

type args struct {
	Config string `arg:"-c,--config" default:"config.yaml" help:"path to config file"`
}

func main() {
	var a args
	arg.MustParse(&a)

	if err := run(a.Config); err != nil {
		fmt.Fprintf(os.Stderr, "irisserve: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
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
		return ierrors.WrapFatal(err, "main", "run", "build logger")
	}
	defer logger.Sync()
	logger.Info("config loaded",
		zap.String("path", configPath),
		zap.String("addr", cfg.Addr()),
		zap.String("model", cfg.Paths.ModelPath),
	)

	// 2. Load model artifacts; a server without them must not start
	predictor, err := serving.Initialize(serving.Options{
		ModelPath:   cfg.Paths.ModelPath,
		EncoderPath: cfg.Paths.EncoderPath,
		CacheSize:   cfg.HTTP.PredictionCache,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to load model artifacts", zap.Error(err))
		return err
	}

	// 3. Initialize database
	var store *db.Store
	if cfg.Database.Path != "" {
		store, err = db.Open(cfg.Database.Path)
		if err != nil {
			logger.Warn("database unavailable, run log and audit disabled",
				zap.String("path", cfg.Database.Path), zap.Error(err))
		} else {
			defer store.Close()
			logger.Info("database initialized", zap.String("path", cfg.Database.Path))
		}
	}

	hub := monitoring.NewHub(logger, cfg.HTTP.AllowedOrigins)
	go hub.Start()
	defer hub.Stop()

	deps := qhttp.Deps{
		Predictor: predictor,
		Metrics:   monitoring.NewMetrics(),
		Hub:       hub,
		Logger:    logger,
	}
	if store != nil {
		deps.Store = store
	}

	// 4. Start HTTP server
	server := qhttp.NewServer(qhttp.ServerConfigFrom(cfg), deps)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	// 5. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var exitErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			return err
		}
		return nil
	case err := <-server.Fatal():
		logger.Error("integrity failure, shutting down", zap.Error(err))
		exitErr = err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}

	logger.Info("exiting")
	return exitErr
}
