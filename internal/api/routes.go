package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// SetupRoutes configures all API routes. metrics serves /metrics when set.
func SetupRoutes(handler *Handler, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(handler.logger))

	// Health check
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	// Scan universe
	api.HandleFunc("/markets", handler.GetMarkets).Methods("GET")
	api.HandleFunc("/markets", handler.AddMarket).Methods("POST")
	api.HandleFunc("/markets/{symbol}", handler.RemoveMarket).Methods("DELETE")

	// Per-user trading state
	api.HandleFunc("/users/{userID:[0-9]+}/signals", handler.GetUserSignals).Methods("GET")
	api.HandleFunc("/users/{userID:[0-9]+}/positions", handler.GetUserPositions).Methods("GET")
	api.HandleFunc("/users/{userID:[0-9]+}/quota", handler.GetUserQuota).Methods("GET")

	// Operations
	api.HandleFunc("/positions/intervention", handler.GetInterventions).Methods("GET")

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}
