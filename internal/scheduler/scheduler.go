// Package scheduler owns the in-memory schedule: it seeds the queue
// from the store, dispatches due occurrences to the worker pool,
// records every attempt, and applies the retry/backoff state machine.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/0xPuncker/cronhook/internal/cronexpr"
	"github.com/0xPuncker/cronhook/internal/queue"
	"github.com/0xPuncker/cronhook/internal/store"
	"github.com/0xPuncker/cronhook/internal/worker"
	"github.com/0xPuncker/cronhook/pkg/types"
)

// Config carries the scheduler's tunables. Zero values fall back to
// the documented defaults, except MaxRetries: zero means no retries,
// and only a negative value falls back to the default of 3.
type Config struct {
	MaxWorkers      int
	RequestTimeout  time.Duration
	MaxRetries      int
	RefreshInterval time.Duration
	BackoffCap      time.Duration
	CaptureBytes    int
	DrainTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 20
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 60 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 64 * time.Second
	}
	if c.CaptureBytes <= 0 {
		c.CaptureBytes = 4096
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// saturationDelay is how long a refused dispatch waits before the
// entry is offered again.
const saturationDelay = 100 * time.Millisecond

// scheduledJob is the in-memory view of an active job.
type scheduledJob struct {
	job      types.Job
	schedule *cronexpr.Schedule
}

// Scheduler is the single owner of the priority queue and of every
// execution-status write.
type Scheduler struct {
	store  store.Store
	queue  *queue.Queue
	pool   *worker.Pool
	logger *logrus.Logger
	cfg    Config

	mu   sync.RWMutex
	jobs map[string]*scheduledJob

	reload   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	draining bool
	lifeMu   sync.Mutex
}

func New(st store.Store, logger *logrus.Logger, cfg Config) *Scheduler {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:  st,
		queue:  queue.New(),
		logger: logger,
		cfg:    cfg,
		jobs:   make(map[string]*scheduledJob),
		reload: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	s.pool = worker.NewPool(logger, worker.Config{
		MaxWorkers:   cfg.MaxWorkers,
		CaptureBytes: cfg.CaptureBytes,
		OnStart:      s.recordAttemptStart,
	})
	return s
}

// Start seeds the queue from the store and spawns the dispatch,
// outcome, and refresh loops.
func (s *Scheduler) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	firstInterval := s.cfg.RefreshInterval
	if err := s.refresh(s.ctx); err != nil {
		if !store.IsTransient(err) {
			return fmt.Errorf("initial job refresh failed: %w", err)
		}
		// The refresh loop retries at half interval.
		s.logger.Errorf("Initial job refresh failed, continuing: %v", err)
		firstInterval = s.cfg.RefreshInterval / 2
	}

	s.pool.Start()

	s.wg.Add(3)
	go s.dispatchLoop()
	go s.outcomeLoop()
	go s.refreshLoop(firstInterval)

	s.started = true
	s.logger.Infof("Scheduler started with %d jobs", s.queue.Len())
	return nil
}

// Stop shuts the scheduler down. With drain, in-flight attempts finish
// (up to the drain timeout) and their outcomes are recorded; without,
// they are cancelled and written as FAILED.
func (s *Scheduler) Stop(drain bool) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.started {
		return
	}
	s.started = false

	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	s.cancel()
	s.queue.Close()
	s.pool.Shutdown(drain, s.cfg.DrainTimeout)
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// IsRunning reports whether the loops are live.
func (s *Scheduler) IsRunning() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.started
}

// ReloadJobs triggers an immediate reconciliation with the store.
func (s *Scheduler) ReloadJobs() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// DispatchNow fires an ad-hoc occurrence of jobID immediately,
// bypassing the CRON expression, and returns the execution id. Ad-hoc
// occurrences get a single attempt and never advance the cadence.
func (s *Scheduler) DispatchNow(ctx context.Context, jobID string) (string, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}

	if !s.pool.CanAccept() {
		return "", worker.ErrSaturated
	}

	now := time.Now().UTC()
	exec := &types.Execution{
		ID:            uuid.NewString(),
		JobID:         job.ID,
		ScheduledTime: now,
		Status:        types.StatusPending,
		Attempt:       1,
		CreatedAt:     now,
	}
	if err := s.persistExecution(exec); err != nil {
		return "", err
	}

	task := worker.Task{
		ExecutionID:  exec.ID,
		JobID:        job.ID,
		TargetURL:    job.TargetURL,
		Attempt:      1,
		ScheduledFor: now,
		Timeout:      s.cfg.RequestTimeout,
		AdHoc:        true,
	}
	if err := s.pool.Submit(task); err != nil {
		msg := "worker pool saturated"
		_, _ = s.store.UpdateExecutionTerminal(ctx, exec.ID, store.TerminalUpdate{
			Status: types.StatusFailed, FinishedAt: now, ErrorMessage: &msg,
		})
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"execution_id": exec.ID,
	}).Info("Dispatched ad-hoc execution")
	return exec.ID, nil
}

// Pause deactivates a job and removes its queue entry. In-flight
// attempts complete.
func (s *Scheduler) Pause(ctx context.Context, jobID string) error {
	return s.setActive(ctx, jobID, false)
}

// Resume reactivates a job; its next occurrence is computed from now.
func (s *Scheduler) Resume(ctx context.Context, jobID string) error {
	return s.setActive(ctx, jobID, true)
}

func (s *Scheduler) setActive(ctx context.Context, jobID string, active bool) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Active = active
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	s.ReloadJobs()
	return nil
}

// NextRun reports the queued fire time for a job, if any.
func (s *Scheduler) NextRun(jobID string) (time.Time, bool) {
	entry, ok := s.queue.Get(jobID)
	if !ok {
		return time.Time{}, false
	}
	return entry.ScheduledFor, true
}

// dispatchLoop waits for the earliest due entry and hands it to the
// worker pool, persisting the PENDING row first.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	for {
		if err := s.queue.WaitUntilDue(s.ctx); err != nil {
			return
		}

		now := time.Now().UTC()
		for {
			entry, ok := s.queue.PopIfDue(now)
			if !ok {
				break
			}
			s.dispatch(entry, now)
		}
	}
}

func (s *Scheduler) dispatch(entry queue.Entry, now time.Time) {
	s.mu.RLock()
	sj, ok := s.jobs[entry.JobID]
	s.mu.RUnlock()
	if !ok {
		// Removed between enqueue and dispatch.
		return
	}

	// Refusal before any row exists: offer the entry again shortly.
	if !s.pool.CanAccept() {
		s.logger.WithField("job_id", entry.JobID).Warn("Worker pool saturated, delaying dispatch")
		entry.ScheduledFor = now.Add(saturationDelay)
		s.queue.Push(entry)
		return
	}

	exec := &types.Execution{
		ID:            uuid.NewString(),
		JobID:         entry.JobID,
		ScheduledTime: entry.OriginScheduledFor,
		Status:        types.StatusPending,
		Attempt:       entry.Attempt,
		CreatedAt:     now,
	}
	if err := s.persistExecution(exec); err != nil {
		// Known degraded mode: the attempt still runs, its row may be
		// missing from history.
		s.logger.WithFields(logrus.Fields{
			"job_id":       entry.JobID,
			"execution_id": exec.ID,
		}).Errorf("Failed to persist execution record: %v", err)
	}

	task := worker.Task{
		ExecutionID:  exec.ID,
		JobID:        entry.JobID,
		TargetURL:    sj.job.TargetURL,
		Attempt:      entry.Attempt,
		ScheduledFor: entry.OriginScheduledFor,
		Timeout:      s.cfg.RequestTimeout,
	}
	if err := s.pool.Submit(task); err != nil {
		// Lost the race for the last slot; retire the orphan row so the
		// re-dispatch gets a fresh one.
		msg := "worker pool saturated"
		_, _ = s.store.UpdateExecutionTerminal(s.lifeCtx(), exec.ID, store.TerminalUpdate{
			Status: types.StatusFailed, FinishedAt: now, ErrorMessage: &msg,
		})
		entry.ScheduledFor = now.Add(saturationDelay)
		s.queue.Push(entry)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":       entry.JobID,
		"execution_id": exec.ID,
		"attempt":      entry.Attempt,
		"scheduled":    entry.OriginScheduledFor.Format(time.RFC3339),
	}).Debug("Dispatched execution to worker pool")
}

// outcomeLoop records attempt results and drives retries and the next
// occurrence. It exits when the pool closes its outcomes channel.
func (s *Scheduler) outcomeLoop() {
	defer s.wg.Done()

	for outcome := range s.pool.Outcomes() {
		s.handleOutcome(outcome)
	}
}

func (s *Scheduler) handleOutcome(o worker.Outcome) {
	now := time.Now().UTC()

	s.mu.RLock()
	sj, known := s.jobs[o.Task.JobID]
	draining := s.draining
	s.mu.RUnlock()

	switch {
	case o.Success:
		s.writeTerminal(o, types.StatusSuccess, now)
		s.logger.WithFields(logrus.Fields{
			"job_id":      o.Task.JobID,
			"http_status": o.HTTPStatus,
			"duration":    fmt.Sprintf("%dms", o.DurationMS),
			"attempt":     o.Task.Attempt,
		}).Info("Job execution succeeded")
		if known && !o.Task.AdHoc {
			s.scheduleNext(sj, o.Task.ScheduledFor, now)
		}

	case s.shouldRetry(sj, known, o, draining):
		s.writeTerminal(o, types.StatusRetrying, now)
		delay := jitter(backoffDelay(o.Task.Attempt, s.cfg.BackoffCap))
		s.queue.Push(queue.Entry{
			JobID:              o.Task.JobID,
			ScheduledFor:       now.Add(delay),
			Attempt:            o.Task.Attempt + 1,
			OriginScheduledFor: o.Task.ScheduledFor,
		})
		s.logger.WithFields(logrus.Fields{
			"job_id":     o.Task.JobID,
			"attempt":    o.Task.Attempt,
			"error_kind": string(o.ErrorKind),
			"retry_in":   delay.Round(time.Millisecond).String(),
		}).Warn("Job execution failed, retrying")

	default:
		s.writeTerminal(o, types.StatusFailed, now)
		s.logger.WithFields(logrus.Fields{
			"job_id":     o.Task.JobID,
			"attempt":    o.Task.Attempt,
			"error_kind": string(o.ErrorKind),
			"error":      o.ErrorMessage,
		}).Error("Job execution failed permanently")
		if known && !o.Task.AdHoc {
			s.scheduleNext(sj, o.Task.ScheduledFor, now)
		}
	}
}

// shouldRetry applies the at-least-once retry policy: more attempts
// remain, the job still exists, and the scheduler is not draining.
func (s *Scheduler) shouldRetry(sj *scheduledJob, known bool, o worker.Outcome, draining bool) bool {
	if draining || !known || o.Task.AdHoc {
		return false
	}
	if sj.job.ExecutionType != types.AtLeastOnce {
		return false
	}
	return o.Task.Attempt < s.cfg.MaxRetries+1
}

func (s *Scheduler) writeTerminal(o worker.Outcome, status types.ExecutionStatus, now time.Time) {
	upd := store.TerminalUpdate{
		Status:     status,
		FinishedAt: now,
	}
	if o.HTTPStatus != 0 {
		v := o.HTTPStatus
		upd.HTTPStatus = &v
	}
	if o.DurationMS > 0 || o.Success {
		v := o.DurationMS
		upd.DurationMS = &v
	}
	if o.ErrorMessage != "" {
		v := o.ErrorMessage
		upd.ErrorMessage = &v
	}

	err := s.retryStoreWrite(func() error {
		applied, err := s.store.UpdateExecutionTerminal(s.lifeCtx(), o.Task.ExecutionID, upd)
		if err != nil {
			return err
		}
		if !applied {
			s.logger.WithField("execution_id", o.Task.ExecutionID).Warn("Terminal update skipped, row already terminal or missing")
		}
		return nil
	})
	if err != nil {
		s.logger.WithField("execution_id", o.Task.ExecutionID).Errorf("Failed to record outcome: %v", err)
	}
}

// scheduleNext plans the occurrence after origin. When the clock has
// run past several occurrences, only the most recent missed one fires;
// earlier ones are skipped.
func (s *Scheduler) scheduleNext(sj *scheduledJob, origin, now time.Time) {
	next, err := sj.schedule.Next(origin)
	if err != nil {
		s.logger.WithField("job_id", sj.job.ID).Warnf("No further occurrences: %v", err)
		return
	}

	if next.Before(now) {
		for {
			after, err := sj.schedule.Next(next)
			if err != nil || after.After(now) {
				break
			}
			next = after
		}
	}

	s.queue.Push(queue.Entry{
		JobID:              sj.job.ID,
		ScheduledFor:       next,
		Attempt:            1,
		OriginScheduledFor: next,
	})
}

// refreshLoop reconciles the in-memory schedule with the store every
// RefreshInterval, on demand via ReloadJobs, and at half interval
// after a transient failure.
func (s *Scheduler) refreshLoop(interval time.Duration) {
	defer s.wg.Done()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.reload:
		case <-timer.C:
		}

		if err := s.refresh(s.ctx); err != nil {
			s.logger.Errorf("Job refresh failed: %v", err)
			if store.IsTransient(err) {
				interval = s.cfg.RefreshInterval / 2
			}
		} else {
			interval = s.cfg.RefreshInterval
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

// refresh reconciles the queue with list_active_jobs: new jobs are
// scheduled from now, changed schedules are replanned from now,
// unchanged jobs keep their entries, and vanished or deactivated jobs
// are removed. In-flight executions are left to complete.
func (s *Scheduler) refresh(ctx context.Context) error {
	active, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(active))

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range active {
		job := active[i]
		seen[job.ID] = struct{}{}

		existing, ok := s.jobs[job.ID]
		if ok && existing.job.Schedule == job.Schedule {
			// Pick up URL and semantics changes without replanning.
			existing.job = job
			continue
		}

		schedule, err := cronexpr.Parse(job.Schedule)
		if err != nil {
			s.logger.WithField("job_id", job.ID).Errorf("Skipping job with invalid schedule: %v", err)
			continue
		}

		next, err := schedule.Next(now)
		if err != nil {
			s.logger.WithField("job_id", job.ID).Warnf("Skipping unschedulable job: %v", err)
			continue
		}

		s.jobs[job.ID] = &scheduledJob{job: job, schedule: schedule}
		if ok {
			s.queue.Remove(job.ID)
		}
		s.queue.Push(queue.Entry{
			JobID:              job.ID,
			ScheduledFor:       next,
			Attempt:            1,
			OriginScheduledFor: next,
		})

		s.logger.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"schedule": job.Schedule,
			"next_run": next.Format(time.RFC3339),
		}).Info("Job scheduled")
	}

	for id := range s.jobs {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(s.jobs, id)
		s.queue.Remove(id)
		s.logger.WithField("job_id", id).Info("Job unscheduled")
	}

	s.logger.Debugf("Refreshed schedule with %d active jobs", len(active))
	return nil
}

func (s *Scheduler) recordAttemptStart(executionID string, startedAt time.Time) {
	err := s.retryStoreWrite(func() error {
		return s.store.RecordAttemptStart(s.lifeCtx(), executionID, startedAt)
	})
	if err != nil {
		s.logger.WithField("execution_id", executionID).Warnf("Failed to record attempt start: %v", err)
	}
}

func (s *Scheduler) persistExecution(exec *types.Execution) error {
	return s.retryStoreWrite(func() error {
		return s.store.UpsertExecution(s.lifeCtx(), exec)
	})
}

// retryStoreWrite retries transient store failures three times with
// 100/300/900 ms backoff, then gives up; callers degrade to logging.
func (s *Scheduler) retryStoreWrite(op func() error) error {
	policy := backoff.WithMaxRetries(newStoreBackoff(), 3)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !store.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func newStoreBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 3
	b.RandomizationFactor = 0
	b.MaxInterval = time.Second
	return b
}

// lifeCtx is used for store writes so records survive the cancellation
// of the dispatch context during drain.
func (s *Scheduler) lifeCtx() context.Context {
	return context.Background()
}

// backoffDelay is 2^(attempt-1) seconds, clamped to limit.
func backoffDelay(attempt int, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > limit {
		return limit
	}
	return d
}

// jitter picks uniformly in [0.5x, 1.0x] to defeat thundering herds.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + 0.5*rand.Float64()))
}
