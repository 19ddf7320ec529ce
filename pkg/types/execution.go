package types

import "time"

// ExecutionStatus is the lifecycle state of a single attempt.
type ExecutionStatus string

const (
	StatusPending  ExecutionStatus = "PENDING"
	StatusRunning  ExecutionStatus = "RUNNING"
	StatusSuccess  ExecutionStatus = "SUCCESS"
	StatusFailed   ExecutionStatus = "FAILED"
	StatusRetrying ExecutionStatus = "RETRYING"
)

// Terminal reports whether the status may never be rewritten.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Execution records one attempt of one occurrence of a job.
type Execution struct {
	ID              string          `json:"execution_id"`
	JobID           string          `json:"job_id"`
	ScheduledTime   time.Time       `json:"scheduled_time"`
	ActualStartTime *time.Time      `json:"actual_start_time,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Status          ExecutionStatus `json:"status"`
	HTTPStatus      *int            `json:"http_status,omitempty"`
	DurationMS      *int64          `json:"duration_ms,omitempty"`
	Attempt         int             `json:"attempt"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// DriftMS is actual_start_time minus scheduled_time in milliseconds.
// It is derived, never stored, and undefined until the attempt started.
func (e *Execution) DriftMS() *int64 {
	if e.ActualStartTime == nil {
		return nil
	}
	d := e.ActualStartTime.Sub(e.ScheduledTime).Milliseconds()
	return &d
}

// ExecutionStats aggregates a job's execution history.
type ExecutionStats struct {
	JobID           string   `json:"job_id"`
	TotalExecutions int      `json:"total_executions"`
	SuccessCount    int      `json:"success_count"`
	FailureCount    int      `json:"failure_count"`
	SuccessRate     float64  `json:"success_rate"`
	AvgDurationMS   *int64   `json:"avg_duration_ms"`
	AvgDriftMS      *int64   `json:"avg_drift_ms"`
}
