// Package worker executes HTTP callback attempts with bounded
// concurrency. One task is one attempt; retry policy lives in the
// scheduler, not here.
package worker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrSaturated is returned by Submit when the backlog is full.
	ErrSaturated = errors.New("worker pool saturated")
	// ErrStopped is returned by Submit after Shutdown has begun.
	ErrStopped = errors.New("worker pool stopped")
)

// ErrorKind classifies why an attempt failed.
type ErrorKind string

const (
	ErrorNone              ErrorKind = ""
	ErrorTimeout           ErrorKind = "Timeout"
	ErrorConnectionRefused ErrorKind = "ConnectionRefused"
	ErrorDNS               ErrorKind = "DNS"
	ErrorTLS               ErrorKind = "TLS"
	ErrorBadStatus         ErrorKind = "BadStatus"
	ErrorOther             ErrorKind = "Other"
)

// Task is one attempt against a job's target URL.
type Task struct {
	ExecutionID  string
	JobID        string
	TargetURL    string
	Attempt      int
	ScheduledFor time.Time
	Timeout      time.Duration
	// AdHoc marks executions triggered outside the CRON cadence.
	AdHoc bool
}

// Outcome is the structured result of one attempt.
type Outcome struct {
	Task         Task
	Success      bool
	HTTPStatus   int // 0 when no response was received
	DurationMS   int64
	ErrorKind    ErrorKind
	ErrorMessage string
}

// Config sizes and times the pool.
type Config struct {
	MaxWorkers   int
	Backlog      int
	CaptureBytes int
	// OnStart fires just before the HTTP call of each attempt.
	OnStart func(executionID string, startedAt time.Time)
}

// Pool runs up to MaxWorkers attempts concurrently. Outcomes are
// delivered on the Outcomes channel, which closes after Shutdown once
// every in-flight attempt has reported.
type Pool struct {
	logger   *logrus.Logger
	client   *http.Client
	cfg      Config
	sem      *semaphore.Weighted
	tasks    chan Task
	outcomes chan Outcome

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

func NewPool(logger *logrus.Logger, cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 20
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = cfg.MaxWorkers * 2
	}
	if cfg.CaptureBytes <= 0 {
		cfg.CaptureBytes = 4096
	}

	client := cleanhttp.DefaultPooledClient()
	// 3xx responses are recorded as-is, never followed.
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:   logger,
		client:   client,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		tasks:    make(chan Task, cfg.Backlog),
		outcomes: make(chan Outcome, cfg.MaxWorkers+cfg.Backlog),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start spawns the dispatcher. Workers are spawned per task, gated by
// the semaphore.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.wg.Add(1)
	go p.dispatch()

	p.logger.Infof("Worker pool started with %d workers", p.cfg.MaxWorkers)
}

// Submit queues a task without blocking. Once the backlog is full it
// refuses with ErrSaturated; no outcome is produced for a refusal.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrSaturated
	}
}

// CanAccept reports whether Submit would currently succeed. A
// concurrent Submit from another goroutine can take the last slot
// before the caller acts, in which case Submit returns ErrSaturated.
func (p *Pool) CanAccept() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.stopped && len(p.tasks) < cap(p.tasks)
}

// Outcomes is the channel attempt results are delivered on.
func (p *Pool) Outcomes() <-chan Outcome {
	return p.outcomes
}

// Shutdown stops the pool. With drain, in-flight attempts may finish
// until the deadline; without, they are cancelled immediately and
// report an Outcome with kind Other and message "cancelled". The
// outcomes channel closes once every accepted task has reported.
func (p *Pool) Shutdown(drain bool, deadline time.Duration) {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.tasks)
	if !drain {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		p.logger.Warn("Worker pool drain deadline exceeded, cancelling in-flight attempts")
		p.cancel()
		<-done
	}

	p.cancel()
	close(p.outcomes)
	p.logger.Info("Worker pool stopped")
}

// dispatch acquires a worker slot before dequeuing, so a full backlog
// means exactly Backlog tasks are waiting.
func (p *Pool) dispatch() {
	defer p.wg.Done()

	for {
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			// Shutdown without drain: report queued tasks cancelled.
			for task := range p.tasks {
				p.outcomes <- cancelledOutcome(task)
			}
			return
		}

		task, ok := <-p.tasks
		if !ok {
			p.sem.Release(1)
			return
		}

		p.wg.Add(1)
		go func(task Task) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.outcomes <- p.execute(task)
		}(task)
	}
}

func (p *Pool) execute(task Task) Outcome {
	ctx, cancel := context.WithTimeout(p.ctx, task.Timeout)
	defer cancel()

	if p.cfg.OnStart != nil {
		p.cfg.OnStart(task.ExecutionID, time.Now().UTC())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.TargetURL, http.NoBody)
	if err != nil {
		return Outcome{Task: task, ErrorKind: ErrorOther, ErrorMessage: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		kind, message := classify(p.ctx, ctx, err)
		p.logger.WithFields(logrus.Fields{
			"job_id":       task.JobID,
			"execution_id": task.ExecutionID,
			"attempt":      task.Attempt,
			"error_kind":   string(kind),
		}).Warnf("Attempt failed: %v", err)
		return Outcome{Task: task, DurationMS: durationMS, ErrorKind: kind, ErrorMessage: message}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, int64(p.cfg.CaptureBytes)))
		return Outcome{Task: task, Success: true, HTTPStatus: resp.StatusCode, DurationMS: durationMS}
	}

	// Redirects are not followed into success; anything outside 2xx is
	// a failed attempt with the body captured for the record.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(p.cfg.CaptureBytes)))
	return Outcome{
		Task:         task,
		HTTPStatus:   resp.StatusCode,
		DurationMS:   durationMS,
		ErrorKind:    ErrorBadStatus,
		ErrorMessage: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)),
	}
}

func cancelledOutcome(task Task) Outcome {
	return Outcome{Task: task, ErrorKind: ErrorOther, ErrorMessage: "cancelled"}
}

func classify(poolCtx, attemptCtx context.Context, err error) (ErrorKind, string) {
	if poolCtx.Err() != nil {
		return ErrorOther, "cancelled"
	}
	if attemptCtx.Err() == context.DeadlineExceeded {
		return ErrorTimeout, "request timeout"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout, "request timeout"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorDNS, dnsErr.Error()
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrorConnectionRefused, "connection refused"
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) || errors.As(err, &recordErr) {
		return ErrorTLS, err.Error()
	}

	return ErrorOther, err.Error()
}
