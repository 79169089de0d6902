package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"irisserve/db"
	ierrors "irisserve/errors"
	"irisserve/ml"
	"irisserve/monitoring"
	"irisserve/serving"
)

const validBody = `{"SepalLengthCm":5.1,"SepalWidthCm":3.5,"PetalLengthCm":1.4,"PetalWidthCm":0.2}`

type fakePredictor struct {
	calls atomic.Int32
	label string
	err   error
	last  ml.FeatureVector
}

func (f *fakePredictor) Predict(_ context.Context, x ml.FeatureVector) (string, error) {
	f.calls.Add(1)
	f.last = x
	return f.label, f.err
}

func (f *fakePredictor) Info() serving.ModelInfo {
	return serving.ModelInfo{
		RunID:    "run-test",
		Kind:     ml.KindRandomForest,
		Classes:  []string{"Iris-setosa", "Iris-versicolor", "Iris-virginica"},
		Features: ml.FeatureNames(),
		Trees:    200,
	}
}

func (f *fakePredictor) RunID() string {
	return "run-test"
}

func newTestServer(t *testing.T, cfg ServerConfig, deps Deps) *Server {
	t.Helper()
	if deps.Predictor == nil {
		deps.Predictor = &fakePredictor{label: "Iris-setosa"}
	}
	return NewServer(cfg, deps)
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler(t *testing.T) {
	req, err := http.NewRequest("GET", "/api/health", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	handler := http.HandlerFunc(handleHealth)

	handler.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	expected := `{"status":"ok"}`
	if rr.Body.String() != expected+"\n" && rr.Body.String() != expected {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), expected)
	}
}

func TestRootHandler(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig(), Deps{})

	rr := do(s, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"message":"Iris classifier is running"}`, rr.Body.String())

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/nope", "").Code)
}

func TestHandlePredict(t *testing.T) {
	predictor := &fakePredictor{label: "Iris-setosa"}
	metrics := monitoring.NewMetrics()
	s := newTestServer(t, DefaultServerConfig(), Deps{Predictor: predictor, Metrics: metrics})

	rr := do(s, http.MethodPost, "/predict", validBody)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"prediction":"Iris-setosa"}`, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get(RequestIDHeader))
	assert.Equal(t, ml.FeatureVector{5.1, 3.5, 1.4, 0.2}, predictor.last)

	metricsBody := do(s, http.MethodGet, "/metrics", "").Body.String()
	assert.Contains(t, metricsBody, `irisserve_predictions_total{label="Iris-setosa"} 1`)
	assert.Contains(t, metricsBody, `irisserve_model_info{run_id="run-test"} 200`)
}

func TestHandlePredictValidation(t *testing.T) {
	predictor := &fakePredictor{label: "Iris-setosa"}
	s := newTestServer(t, DefaultServerConfig(), Deps{Predictor: predictor})

	bodies := []string{
		`{"SepalLengthCm":5.1,"SepalWidthCm":3.5,"PetalLengthCm":1.4}`,
		`{"SepalLengthCm":"five","SepalWidthCm":3.5,"PetalLengthCm":1.4,"PetalWidthCm":0.2}`,
		`{"SepalLengthCm":null,"SepalWidthCm":3.5,"PetalLengthCm":1.4,"PetalWidthCm":0.2}`,
		`not json`,
		`[]`,
	}
	for _, body := range bodies {
		rr := do(s, http.MethodPost, "/predict", body)
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, body)

		var payload struct {
			Detail []serving.FieldError `json:"detail"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), body)
		assert.NotEmpty(t, payload.Detail, body)
	}
	assert.Equal(t, int32(0), predictor.calls.Load())
}

func TestHandlePredictMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig(), Deps{})
	assert.Equal(t, http.StatusMethodNotAllowed, do(s, http.MethodGet, "/predict", "").Code)
}

func TestHandlePredictIntegrityFailure(t *testing.T) {
	err := ierrors.WrapFatal(ml.ErrUnknownClassIndex, "Serving", "Predict", "decode class")
	s := newTestServer(t, DefaultServerConfig(), Deps{Predictor: &fakePredictor{err: err}})

	rr := do(s, http.MethodPost, "/predict", validBody)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	select {
	case got := <-s.Fatal():
		assert.ErrorIs(t, got, ml.ErrUnknownClassIndex)
	case <-time.After(time.Second):
		t.Fatal("integrity failure was not escalated")
	}
}

func TestHandlePredictTransientFailure(t *testing.T) {
	err := ierrors.WrapTransient(context.Canceled, "Serving", "Predict", "check context")
	s := newTestServer(t, DefaultServerConfig(), Deps{Predictor: &fakePredictor{err: err}})

	rr := do(s, http.MethodPost, "/predict", validBody)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Empty(t, s.Fatal())
}

func TestHandlePredictBodyTooLarge(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxBodyBytes = 16
	predictor := &fakePredictor{label: "Iris-setosa"}
	s := newTestServer(t, cfg, Deps{Predictor: predictor})

	rr := do(s, http.MethodPost, "/predict", validBody)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, int32(0), predictor.calls.Load())
}

func TestHandleModel(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig(), Deps{})

	rr := do(s, http.MethodGet, "/api/model", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var info serving.ModelInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, "run-test", info.RunID)
	assert.Equal(t, 200, info.Trees)
	assert.Len(t, info.Classes, 3)
}

func TestHandleSystem(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig(), Deps{})

	rr := do(s, http.MethodGet, "/api/system", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, "run-test", stats["run_id"])
	assert.Contains(t, stats, "uptime")
	assert.Contains(t, stats, "goroutines")
	assert.NotContains(t, stats, "ws_clients")
}

func TestHandleTrainingRuns(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.RecordRun(context.Background(), db.TrainingRun{
		RunID:        "run-test",
		DatasetPath:  "data/iris.csv",
		Samples:      150,
		Classes:      []string{"a", "b"},
		TestAccuracy: 0.95,
		TrainedAt:    time.Now(),
	}))

	s := newTestServer(t, DefaultServerConfig(), Deps{Store: store})
	rr := do(s, http.MethodGet, "/api/training/runs?limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var payload struct {
		Runs []db.TrainingRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	require.Len(t, payload.Runs, 1)
	assert.Equal(t, "run-test", payload.Runs[0].RunID)
}

func TestStoreEndpointsWithoutStore(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig(), Deps{})
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/api/training/runs", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/api/predictions/recent", "").Code)
}

func TestPredictionAudit(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	cfg := DefaultServerConfig()
	cfg.EnablePredictLog = true
	s := newTestServer(t, cfg, Deps{Store: store})

	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(validBody))
	req.Header.Set(RequestIDHeader, "req-audit")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "req-audit", rr.Header().Get(RequestIDHeader))

	rr = do(s, http.MethodGet, "/api/predictions/recent", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var payload struct {
		Predictions []db.PredictionRecord `json:"predictions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	require.Len(t, payload.Predictions, 1)
	assert.Equal(t, "req-audit", payload.Predictions[0].RequestID)
	assert.Equal(t, "run-test", payload.Predictions[0].RunID)
	assert.Equal(t, "Iris-setosa", payload.Predictions[0].Label)
}
