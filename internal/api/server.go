package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/smukkama/usms-stats/internal/aggregation"
	"github.com/smukkama/usms-stats/internal/backfill"
	"github.com/smukkama/usms-stats/internal/coordinator"
	"github.com/smukkama/usms-stats/internal/metrics"
	"github.com/smukkama/usms-stats/internal/reconcile"
	"github.com/smukkama/usms-stats/internal/sensor"
	"github.com/smukkama/usms-stats/internal/statistics"
	"github.com/smukkama/usms-stats/internal/tariff"
)

// ValueReader lists current sensor values.
type ValueReader interface {
	Values(ctx context.Context) ([]sensor.Value, error)
}

// Server exposes the account's services and read-only views over HTTP.
type Server struct {
	coord     *coordinator.Coordinator
	store     statistics.Store
	tariff    *tariff.Calculator
	collector *aggregation.Collector
	values    ValueReader
	log       *zap.Logger
}

// NewServer creates the API server.
func NewServer(coord *coordinator.Coordinator, store statistics.Store, calc *tariff.Calculator, collector *aggregation.Collector, values ValueReader, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		coord:     coord,
		store:     store,
		tariff:    calc,
		collector: collector,
		values:    values,
		log:       log,
	}
}

// NewRouter registers every route.
func (s *Server) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID)

	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.status).Methods("GET")
	v1.HandleFunc("/meters", s.listMeters).Methods("GET")
	v1.HandleFunc("/meters/{meterNo}/statistics", s.meterStatistics).Methods("GET")
	v1.HandleFunc("/meters/{meterNo}/history", s.meterHistory).Methods("GET")

	services := v1.PathPrefix("/services").Subrouter()
	services.HandleFunc("/update_meters", s.updateMeters).Methods("POST")
	services.HandleFunc("/download_meter_consumption_history", s.downloadHistory).Methods("POST")
	services.HandleFunc("/recalculate_meter_sum_statistics", s.recalculate).Methods("POST")
	services.HandleFunc("/calculate_utility_cost", s.calculateCost).Methods("POST")

	return r
}

// Handler wraps the router with panic recovery and access logging.
func (s *Server) Handler() http.Handler {
	accessLog := zap.NewStdLog(s.log.Named("http")).Writer()
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.CombinedLoggingHandler(accessLog, s.NewRouter()),
	)
}

type ctxKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// errBadRequest marks client input errors.
var errBadRequest = errors.New("bad request")

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, tariff.ErrInvalidUtilityType):
		return http.StatusBadRequest
	case errors.Is(err, backfill.ErrMeterNotFound), errors.Is(err, backfill.ErrNoStatisticalData):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrSourceUnavailable), errors.Is(err, reconcile.ErrStalenessDetected):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, service string, err error) {
	status := statusFor(err)
	if service != "" {
		metrics.ObserveServiceCall(service, metrics.ResultError)
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.String("request_id", requestIDFrom(r.Context())), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), RequestID: requestIDFrom(r.Context())})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func mustVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}
