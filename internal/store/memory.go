package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/0xPuncker/cronhook/pkg/types"
)

// MemoryStore is an in-memory Store for tests. It mirrors the SQLite
// implementation's semantics, including the terminal-status guard and
// execution cascade on job deletion.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]types.Job
	executions map[string]types.Execution

	// FailNext injects a transient error into the next n calls.
	failNext int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]types.Job),
		executions: make(map[string]types.Execution),
	}
}

// FailNext makes the next n calls to CreateJob, ListJobs,
// ListActiveJobs, UpdateJob, UpsertExecution or UpdateExecutionTerminal
// return a transient error. Other methods never fail this way.
func (m *MemoryStore) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *MemoryStore) takeFailure() error {
	if m.failNext > 0 {
		m.failNext--
		return &TransientError{Err: context.DeadlineExceeded}
	}
	return nil
}

func (m *MemoryStore) CreateJob(_ context.Context, job *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.jobs[job.ID]; ok {
		return ErrConflict
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, active *bool) ([]types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	var jobs []types.Job
	for _, job := range m.jobs {
		if active != nil && job.Active != *active {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (m *MemoryStore) ListActiveJobs(ctx context.Context) ([]types.Job, error) {
	active := true
	return m.ListJobs(ctx, &active)
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, jobID)
	for id, exec := range m.executions {
		if exec.JobID == jobID {
			delete(m.executions, id)
		}
	}
	return nil
}

func (m *MemoryStore) UpsertExecution(_ context.Context, exec *types.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.executions[exec.ID] = *exec
	return nil
}

func (m *MemoryStore) RecordAttemptStart(_ context.Context, executionID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	if exec.Status != types.StatusPending {
		return ErrConflict
	}
	exec.Status = types.StatusRunning
	t := startedAt.UTC()
	exec.ActualStartTime = &t
	m.executions[executionID] = exec
	return nil
}

func (m *MemoryStore) UpdateExecutionTerminal(_ context.Context, executionID string, upd TerminalUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, err
	}
	exec, ok := m.executions[executionID]
	if !ok || exec.Status.Terminal() {
		return false, nil
	}
	exec.Status = upd.Status
	exec.HTTPStatus = upd.HTTPStatus
	exec.DurationMS = upd.DurationMS
	finished := upd.FinishedAt.UTC()
	exec.FinishedAt = &finished
	exec.ErrorMessage = upd.ErrorMessage
	m.executions[executionID] = exec
	return true, nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, jobID string, limit int) ([]types.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	execs := m.executionsOf(jobID)
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return execs, nil
}

func (m *MemoryStore) LatestExecution(ctx context.Context, jobID string) (*types.Execution, error) {
	execs, err := m.ListExecutions(ctx, jobID, 1)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, ErrNotFound
	}
	return &execs[0], nil
}

func (m *MemoryStore) ExecutionStats(_ context.Context, jobID string) (*types.ExecutionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return AggregateStats(jobID, m.executionsOf(jobID)), nil
}

func (m *MemoryStore) Close() error { return nil }

// executionsOf returns a job's executions newest first; callers must
// hold at least a read lock.
func (m *MemoryStore) executionsOf(jobID string) []types.Execution {
	var execs []types.Execution
	for _, exec := range m.executions {
		if exec.JobID == jobID {
			execs = append(execs, exec)
		}
	}
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].Attempt > execs[j].Attempt
		}
		return execs[i].CreatedAt.After(execs[j].CreatedAt)
	})
	return execs
}

// Executions snapshots every stored execution, for test assertions.
func (m *MemoryStore) Executions() []types.Execution {
	m.mu.RLock()
	defer m.mu.RUnlock()
	execs := make([]types.Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		execs = append(execs, exec)
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].CreatedAt.Before(execs[j].CreatedAt) })
	return execs
}
