package monitoring

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "irisserve"

// Metrics owns a private Prometheus registry for the serving process.
type Metrics struct {
	registry *prometheus.Registry

	predictions      *prometheus.CounterVec
	predictLatency   prometheus.Histogram
	validationErrors prometheus.Counter
	integrityErrors  prometheus.Counter
	requests         *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	modelInfo        *prometheus.GaugeVec

	startTime time.Time
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions served, by predicted label.",
		}, []string{"label"}),
		predictLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Time spent in the classifier per prediction.",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025},
		}),
		validationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_errors_total",
			Help:      "Prediction requests rejected before reaching the classifier.",
		}),
		integrityErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_errors_total",
			Help:      "Predictions that failed because model and codec disagree.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "path", "code"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
		modelInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_info",
			Help:      "Loaded model; the value is the number of trees.",
		}, []string{"run_id"}),
		startTime: time.Now(),
	}

	m.registry.MustRegister(
		m.predictions,
		m.predictLatency,
		m.validationErrors,
		m.integrityErrors,
		m.requests,
		m.requestLatency,
		m.modelInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObservePrediction(label string, d time.Duration) {
	m.predictions.WithLabelValues(label).Inc()
	m.predictLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveValidationError() {
	m.validationErrors.Inc()
}

func (m *Metrics) ObserveIntegrityError() {
	m.integrityErrors.Inc()
}

func (m *Metrics) ObserveRequest(method, path string, code int, d time.Duration) {
	m.requests.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	m.requestLatency.WithLabelValues(path).Observe(d.Seconds())
}

func (m *Metrics) SetModel(runID string, trees int) {
	m.modelInfo.Reset()
	m.modelInfo.WithLabelValues(runID).Set(float64(trees))
}

// GetUptime 获取运行时间
func (m *Metrics) GetUptime() time.Duration {
	return time.Since(m.startTime)
}

// GetSystemStats 获取系统统计
func (m *Metrics) GetSystemStats() map[string]interface{} {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return map[string]interface{}{
		"uptime":     m.GetUptime().String(),
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc":      ms.Alloc,
			"sys":        ms.Sys,
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"gc_count":   ms.NumGC,
		},
		"num_cpu": runtime.NumCPU(),
	}
}
