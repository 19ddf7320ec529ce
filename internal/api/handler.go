package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/0xPuncker/cronhook/internal/cronexpr"
	"github.com/0xPuncker/cronhook/internal/store"
	"github.com/0xPuncker/cronhook/internal/worker"
	"github.com/0xPuncker/cronhook/pkg/types"
)

const (
	defaultExecutionsLimit = 5
	maxExecutionsLimit     = 100
	statsCacheTTL          = 10 * time.Second
)

// SchedulerControl is the slice of the scheduler the HTTP surface
// needs.
type SchedulerControl interface {
	ReloadJobs()
	DispatchNow(ctx context.Context, jobID string) (string, error)
	IsRunning() bool
}

type Handler struct {
	store      store.Store
	scheduler  SchedulerControl
	logger     *logrus.Logger
	statsCache *cache.Cache
	titler     cases.Caser
}

func NewHandler(st store.Store, scheduler SchedulerControl, logger *logrus.Logger) *Handler {
	return &Handler{
		store:      st,
		scheduler:  scheduler,
		logger:     logger,
		statsCache: cache.New(statsCacheTTL, time.Minute),
		titler:     cases.Title(language.English),
	}
}

type createJobRequest struct {
	Schedule      string `json:"schedule"`
	TargetURL     string `json:"target_url"`
	ExecutionType string `json:"execution_type"`
}

type updateJobRequest struct {
	Schedule  *string `json:"schedule"`
	TargetURL *string `json:"target_url"`
	Active    *bool   `json:"active"`
}

type jobResponse struct {
	types.Job
	NextRunTime *string `json:"next_run_time"`
	Description string  `json:"description"`
}

type executionResponse struct {
	types.Execution
	DriftMS *int64 `json:"drift_ms"`
}

func (h *Handler) jobResponse(job *types.Job) jobResponse {
	resp := jobResponse{
		Job:         *job,
		Description: h.titler.String(cronexpr.Describe(job.Schedule)),
	}
	if next, err := cronexpr.NextAfter(job.Schedule, time.Now().UTC()); err == nil {
		formatted := next.Format(time.RFC3339)
		resp.NextRunTime = &formatted
	}
	return resp
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := cronexpr.Validate(req.Schedule); err != nil {
		h.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid CRON expression %q: expected 'second minute hour day month weekday'", req.Schedule))
		return
	}
	if err := validateTargetURL(req.TargetURL); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	execType := types.ExecutionType(req.ExecutionType)
	if req.ExecutionType == "" {
		execType = types.AtLeastOnce
	}
	if !execType.Valid() {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown execution_type %q", req.ExecutionType))
		return
	}

	now := time.Now().UTC()
	job := &types.Job{
		ID:            uuid.NewString(),
		Schedule:      req.Schedule,
		TargetURL:     req.TargetURL,
		ExecutionType: execType,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := h.store.CreateJob(r.Context(), job); err != nil {
		h.storeError(w, err)
		return
	}

	h.scheduler.ReloadJobs()
	h.writeJSON(w, http.StatusCreated, h.jobResponse(job))
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var active *bool
	if raw := r.URL.Query().Get("active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		active = &parsed
	}

	jobs, err := h.store.ListJobs(r.Context(), active)
	if err != nil {
		h.storeError(w, err)
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, h.jobResponse(&jobs[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), mux.Vars(r)["jobID"])
	if err != nil {
		h.storeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.jobResponse(job))
}

func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var req updateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Schedule != nil {
		if err := cronexpr.Validate(*req.Schedule); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid CRON expression %q", *req.Schedule))
			return
		}
	}
	if req.TargetURL != nil {
		if err := validateTargetURL(*req.TargetURL); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	job, err := h.store.GetJob(r.Context(), mux.Vars(r)["jobID"])
	if err != nil {
		h.storeError(w, err)
		return
	}

	if req.Schedule != nil {
		job.Schedule = *req.Schedule
	}
	if req.TargetURL != nil {
		job.TargetURL = *req.TargetURL
	}
	if req.Active != nil {
		job.Active = *req.Active
	}
	job.UpdatedAt = time.Now().UTC()

	if err := h.store.UpdateJob(r.Context(), job); err != nil {
		h.storeError(w, err)
		return
	}

	h.scheduler.ReloadJobs()
	h.writeJSON(w, http.StatusOK, h.jobResponse(job))
}

func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteJob(r.Context(), mux.Vars(r)["jobID"]); err != nil {
		h.storeError(w, err)
		return
	}
	h.scheduler.ReloadJobs()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]

	limit := defaultExecutionsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > maxExecutionsLimit {
			limit = maxExecutionsLimit
		}
	}

	execs, err := h.store.ListExecutions(r.Context(), jobID, limit)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if len(execs) == 0 {
		if _, err := h.store.GetJob(r.Context(), jobID); err != nil {
			h.storeError(w, err)
			return
		}
	}

	resp := make([]executionResponse, 0, len(execs))
	for i := range execs {
		resp = append(resp, executionResponse{Execution: execs[i], DriftMS: execs[i].DriftMS()})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) LatestExecution(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]

	exec, err := h.store.LatestExecution(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		if _, jobErr := h.store.GetJob(r.Context(), jobID); jobErr != nil {
			h.storeError(w, jobErr)
			return
		}
		h.writeError(w, http.StatusNotFound, "no executions found for this job")
		return
	}
	if err != nil {
		h.storeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, executionResponse{Execution: *exec, DriftMS: exec.DriftMS()})
}

func (h *Handler) ExecutionStats(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]

	if cached, found := h.statsCache.Get(jobID); found {
		h.writeJSON(w, http.StatusOK, cached)
		return
	}

	stats, err := h.store.ExecutionStats(r.Context(), jobID)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if stats.TotalExecutions == 0 {
		if _, err := h.store.GetJob(r.Context(), jobID); err != nil {
			h.storeError(w, err)
			return
		}
	}

	h.statsCache.Set(jobID, stats, cache.DefaultExpiration)
	h.writeJSON(w, http.StatusOK, stats)
}

type dispatchRequest struct {
	JobID string `json:"job_id"`
}

func (h *Handler) DispatchNow(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		h.writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	execID, err := h.scheduler.DispatchNow(r.Context(), req.JobID)
	if errors.Is(err, worker.ErrSaturated) {
		h.writeError(w, http.StatusServiceUnavailable, "worker pool saturated")
		return
	}
	if err != nil {
		h.storeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":       req.JobID,
		"execution_id": execID,
		"status":       "SUBMITTED",
	})
}

func (h *Handler) RefreshSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduler.ReloadJobs()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "SCHEDULE_REFRESHED"})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "UP",
		"scheduler_running": h.scheduler.IsRunning(),
	})
}

func validateTargetURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid target_url: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("target_url must be absolute http(s), got %q", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("target_url %q has no host", raw)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflicting write, retry")
	default:
		h.logger.Errorf("Store error: %v", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
