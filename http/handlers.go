package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"irisserve/db"
	ierrors "irisserve/errors"
	"irisserve/ml"
	"irisserve/monitoring"
	"irisserve/serving"
)

type api struct {
	predictor  Predictor
	store      Store
	metrics    *monitoring.Metrics
	hub        *monitoring.Hub
	logger     *zap.Logger
	predictLog bool
	onFatal    func(error)
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", handleRoot)
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /predict", a.handlePredict)
	mux.HandleFunc("GET /api/model", a.handleModel)
	mux.HandleFunc("GET /api/training/runs", a.handleTrainingRuns)
	mux.HandleFunc("GET /api/predictions/recent", a.handleRecentPredictions)
	mux.HandleFunc("GET /api/system", a.handleSystem)
	mux.Handle("GET /metrics", a.metrics.Handler())
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type predictResponse struct {
	Prediction string `json:"prediction"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Iris classifier is running"})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handlePredict(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Detail: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "failed to read request body"})
		return
	}

	x, err := serving.ParseRequest(body)
	if err != nil {
		a.metrics.ObserveValidationError()
		var verr *serving.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, verr)
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: err.Error()})
		return
	}

	start := time.Now()
	label, err := a.predictor.Predict(r.Context(), x)
	if err != nil {
		requestID := GetRequestID(r.Context())
		switch ierrors.Classify(err) {
		case ierrors.ErrorFatal:
			a.metrics.ObserveIntegrityError()
			a.logger.Error("prediction integrity failure", zap.String("request_id", requestID), zap.Error(err))
			a.onFatal(err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "internal server error"})
		case ierrors.ErrorInvalid:
			a.metrics.ObserveValidationError()
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: err.Error()})
		default:
			a.logger.Warn("prediction failed", zap.String("request_id", requestID), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "prediction unavailable"})
		}
		return
	}
	a.metrics.ObservePrediction(label, time.Since(start))
	a.publish(r, x, label)

	writeJSON(w, http.StatusOK, predictResponse{Prediction: label})
}

// publish forwards a served prediction to the live feed and the audit table.
// Neither may fail the request.
func (a *api) publish(r *http.Request, x ml.FeatureVector, label string) {
	ts := GetStartTime(r.Context())
	if ts.IsZero() {
		ts = time.Now()
	}
	requestID := GetRequestID(r.Context())
	runID := a.predictor.RunID()

	if a.hub != nil {
		err := a.hub.PublishPrediction(monitoring.PredictionEvent{
			RequestID: requestID,
			RunID:     runID,
			Features:  x,
			Label:     label,
			Timestamp: ts.UTC(),
		})
		if err != nil {
			a.logger.Warn("failed to publish prediction", zap.Error(err))
		}
	}
	if a.predictLog && a.store != nil {
		err := a.store.RecordPrediction(r.Context(), db.PredictionRecord{
			RequestID: requestID,
			RunID:     runID,
			Features:  x,
			Label:     label,
			CreatedAt: ts,
		})
		if err != nil {
			a.logger.Warn("failed to record prediction", zap.String("request_id", requestID), zap.Error(err))
		}
	}
}

func (a *api) handleModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.predictor.Info())
}

// handleSystem 运行时状态
func (a *api) handleSystem(w http.ResponseWriter, r *http.Request) {
	stats := a.metrics.GetSystemStats()
	stats["run_id"] = a.predictor.RunID()
	if a.hub != nil {
		stats["ws_clients"] = a.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

func (a *api) handleTrainingRuns(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "run log not configured"})
		return
	}
	runs, err := a.store.ListRuns(r.Context(), queryLimit(r, 20, 500))
	if err != nil {
		a.logger.Error("failed to list training runs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "failed to list training runs"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (a *api) handleRecentPredictions(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "prediction log not configured"})
		return
	}
	records, err := a.store.RecentPredictions(r.Context(), queryLimit(r, 50, 1000))
	if err != nil {
		a.logger.Error("failed to list predictions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "failed to list predictions"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"predictions": records})
}
