// Package store is the durable-state contract for jobs and their
// execution history. The scheduler only ever sees the Store interface;
// implementations supply transactions and consistency.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xPuncker/cronhook/pkg/types"
)

var (
	// ErrNotFound marks point reads and updates against missing rows.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks optimistic or uniqueness failures.
	ErrConflict = errors.New("conflict")
)

// TransientError wraps retryable I/O failures so callers can
// distinguish them from logic errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// TerminalUpdate is the final write for one attempt. The update only
// takes effect while the row's status is still non-terminal.
type TerminalUpdate struct {
	Status       types.ExecutionStatus
	HTTPStatus   *int
	DurationMS   *int64
	FinishedAt   time.Time
	ErrorMessage *string
}

// Store is the capability set the core needs over durable storage.
type Store interface {
	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, jobID string) (*types.Job, error)
	// ListJobs returns all jobs, optionally filtered by active state.
	ListJobs(ctx context.Context, active *bool) ([]types.Job, error)
	// ListActiveJobs is the scheduler's refresh snapshot.
	ListActiveJobs(ctx context.Context) ([]types.Job, error)
	UpdateJob(ctx context.Context, job *types.Job) error
	// DeleteJob removes a job and cascades to its executions.
	DeleteJob(ctx context.Context, jobID string) error

	// UpsertExecution is idempotent by execution id.
	UpsertExecution(ctx context.Context, exec *types.Execution) error
	// RecordAttemptStart transitions PENDING -> RUNNING.
	RecordAttemptStart(ctx context.Context, executionID string, startedAt time.Time) error
	// UpdateExecutionTerminal applies upd iff the row is still
	// non-terminal, and reports whether the write took effect.
	UpdateExecutionTerminal(ctx context.Context, executionID string, upd TerminalUpdate) (bool, error)

	ListExecutions(ctx context.Context, jobID string, limit int) ([]types.Execution, error)
	LatestExecution(ctx context.Context, jobID string) (*types.Execution, error)
	ExecutionStats(ctx context.Context, jobID string) (*types.ExecutionStats, error)

	Close() error
}
