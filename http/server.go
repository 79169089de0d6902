// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"irisserve/config"
	"irisserve/db"
	"irisserve/ml"
	"irisserve/monitoring"
	"irisserve/serving"
)

// ServerConfig 服务器配置
type ServerConfig struct {
	Host             string
	Port             int
	Timeout          time.Duration
	MaxBodyBytes     int64
	RateLimit        float64 // requests per second; 0 disables limiting
	RateBurst        int
	AllowedOrigins   []string
	EnablePredictLog bool
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "0.0.0.0",
		Port:           8000,
		Timeout:        30 * time.Second,
		MaxBodyBytes:   1 << 20,
		AllowedOrigins: []string{"*"},
	}
}

// ServerConfigFrom maps the shared configuration onto the server settings.
func ServerConfigFrom(c *config.Config) ServerConfig {
	return ServerConfig{
		Host:             c.HTTP.Host,
		Port:             c.HTTP.Port,
		Timeout:          c.HTTP.Timeout,
		MaxBodyBytes:     c.HTTP.MaxBodyBytes,
		RateLimit:        c.HTTP.RateLimit,
		RateBurst:        c.HTTP.RateBurst,
		AllowedOrigins:   c.HTTP.AllowedOrigins,
		EnablePredictLog: c.HTTP.EnablePredictLog,
	}
}

// Predictor is the serving side the handlers need.
type Predictor interface {
	Predict(ctx context.Context, x ml.FeatureVector) (string, error)
	Info() serving.ModelInfo
	RunID() string
}

// Store is the optional run log and prediction audit.
type Store interface {
	ListRuns(ctx context.Context, limit int) ([]db.TrainingRun, error)
	RecordPrediction(ctx context.Context, p db.PredictionRecord) error
	RecentPredictions(ctx context.Context, limit int) ([]db.PredictionRecord, error)
}

// Deps are the collaborators a Server routes to. Predictor is required.
type Deps struct {
	Predictor Predictor
	Store     Store
	Metrics   *monitoring.Metrics
	Hub       *monitoring.Hub
	Logger    *zap.Logger
}

// Server HTTP服务器
type Server struct {
	server *http.Server
	config ServerConfig
	logger *zap.Logger
	fatal  chan error
}

// NewServer 创建HTTP服务器
func NewServer(cfg ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.NewMetrics()
	}

	s := &Server{
		config: cfg,
		logger: deps.Logger,
		fatal:  make(chan error, 1),
	}

	a := &api{
		predictor:  deps.Predictor,
		store:      deps.Store,
		metrics:    deps.Metrics,
		hub:        deps.Hub,
		logger:     deps.Logger,
		predictLog: cfg.EnablePredictLog,
		onFatal:    s.reportFatal,
	}
	info := deps.Predictor.Info()
	deps.Metrics.SetModel(info.RunID, info.Trees)

	apiMux := http.NewServeMux()
	a.register(apiMux)

	// 创建中间件链
	apiChain := Chain(
		RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst),
		RequestSizeMiddleware(cfg.MaxBodyBytes),
		TimeoutMiddleware(cfg.Timeout),
	)

	mux := http.NewServeMux()
	mux.Handle("/", apiChain(apiMux))
	if deps.Hub != nil {
		// websocket connections outlive the request timeout
		mux.HandleFunc("GET /api/ws/predictions", deps.Hub.HandleWebSocket)
	}

	chain := Chain(
		RecoveryMiddleware(deps.Logger),
		RequestIDMiddleware,
		LoggerMiddleware(deps.Logger, deps.Metrics),
		SecurityHeadersMiddleware,
		CORSMiddleware(cfg.AllowedOrigins),
	)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           chain(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Timeout,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Fatal delivers the first integrity error seen while serving. The process is
// expected to shut down when it fires.
func (s *Server) Fatal() <-chan error {
	return s.fatal
}

func (s *Server) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down http server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
