package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// NewRouter wires the HTTP surface over the handler.
func NewRouter(handler *Handler, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware)

	router.HandleFunc("/api/v1/health", handler.HealthCheck).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/jobs", handler.CreateJob).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/jobs", handler.ListJobs).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/jobs/{jobID}", handler.GetJob).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/jobs/{jobID}", handler.UpdateJob).Methods(http.MethodPut)
	router.HandleFunc("/api/v1/jobs/{jobID}", handler.DeleteJob).Methods(http.MethodDelete)

	router.HandleFunc("/api/v1/executions/{jobID}", handler.ListExecutions).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/executions/{jobID}/latest", handler.LatestExecution).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/executions/{jobID}/stats", handler.ExecutionStats).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/debug/execute", handler.DispatchNow).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/debug/refresh_schedule", handler.RefreshSchedule).Methods(http.MethodPost)

	return router
}
