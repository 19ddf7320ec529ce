package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/0xPuncker/cronhook/pkg/types"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeFormat keeps millisecond precision and stays parseable by
// SQLite's date functions.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type sqliteStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// OpenSQLite opens (creating if needed) the SQLite database at path
// and applies the embedded schema.
func OpenSQLite(path string, logger *logrus.Logger) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Warnf("Failed to apply %q: %v", pragma, err)
		}
	}

	s := &sqliteStore{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	ddl, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(ddl))
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) CreateJob(ctx context.Context, job *types.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, schedule, target_url, execution_type, active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		job.ID, job.Schedule, job.TargetURL, string(job.ExecutionType), boolInt(job.Active),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	return classify(err)
}

func (s *sqliteStore) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, schedule, target_url, execution_type, active, created_at, updated_at
		 FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

func (s *sqliteStore) ListJobs(ctx context.Context, active *bool) ([]types.Job, error) {
	query := `SELECT job_id, schedule, target_url, execution_type, active, created_at, updated_at
	          FROM jobs ORDER BY created_at`
	var args []any
	if active != nil {
		query = `SELECT job_id, schedule, target_url, execution_type, active, created_at, updated_at
		         FROM jobs WHERE active = ? ORDER BY created_at`
		args = append(args, boolInt(*active))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, classify(rows.Err())
}

func (s *sqliteStore) ListActiveJobs(ctx context.Context) ([]types.Job, error) {
	active := true
	return s.ListJobs(ctx, &active)
}

func (s *sqliteStore) UpdateJob(ctx context.Context, job *types.Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET schedule = ?, target_url = ?, execution_type = ?, active = ?, updated_at = ?
		 WHERE job_id = ?`,
		job.Schedule, job.TargetURL, string(job.ExecutionType), boolInt(job.Active),
		formatTime(job.UpdatedAt), job.ID,
	)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpsertExecution(ctx context.Context, exec *types.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_executions(execution_id, job_id, scheduled_time, actual_start_time, finished_at,
		                            status, http_status, duration_ms, attempt, error_message, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		     status = excluded.status,
		     actual_start_time = excluded.actual_start_time,
		     finished_at = excluded.finished_at,
		     http_status = excluded.http_status,
		     duration_ms = excluded.duration_ms,
		     error_message = excluded.error_message`,
		exec.ID, exec.JobID, formatTime(exec.ScheduledTime), formatTimePtr(exec.ActualStartTime),
		formatTimePtr(exec.FinishedAt), string(exec.Status), nullInt(exec.HTTPStatus),
		nullInt64(exec.DurationMS), exec.Attempt, nullStr(exec.ErrorMessage), formatTime(exec.CreatedAt),
	)
	return classify(err)
}

func (s *sqliteStore) RecordAttemptStart(ctx context.Context, executionID string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_executions SET status = ?, actual_start_time = ?
		 WHERE execution_id = ? AND status = ?`,
		string(types.StatusRunning), formatTime(startedAt), executionID, string(types.StatusPending),
	)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) UpdateExecutionTerminal(ctx context.Context, executionID string, upd TerminalUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_executions
		 SET status = ?, http_status = ?, duration_ms = ?, finished_at = ?, error_message = ?
		 WHERE execution_id = ? AND status NOT IN (?, ?)`,
		string(upd.Status), nullInt(upd.HTTPStatus), nullInt64(upd.DurationMS),
		formatTime(upd.FinishedAt), nullStr(upd.ErrorMessage),
		executionID, string(types.StatusSuccess), string(types.StatusFailed),
	)
	if err != nil {
		return false, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return affected > 0, nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, jobID string, limit int) ([]types.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, job_id, scheduled_time, actual_start_time, finished_at, status,
		        http_status, duration_ms, attempt, error_message, created_at
		 FROM job_executions WHERE job_id = ?
		 ORDER BY created_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var execs []types.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *exec)
	}
	return execs, classify(rows.Err())
}

func (s *sqliteStore) LatestExecution(ctx context.Context, jobID string) (*types.Execution, error) {
	execs, err := s.ListExecutions(ctx, jobID, 1)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, ErrNotFound
	}
	return &execs[0], nil
}

func (s *sqliteStore) ExecutionStats(ctx context.Context, jobID string) (*types.ExecutionStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, job_id, scheduled_time, actual_start_time, finished_at, status,
		        http_status, duration_ms, attempt, error_message, created_at
		 FROM job_executions WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var execs []types.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return AggregateStats(jobID, execs), nil
}

// AggregateStats folds an execution history into summary statistics.
// Shared by store implementations so the numbers always agree.
func AggregateStats(jobID string, execs []types.Execution) *types.ExecutionStats {
	stats := &types.ExecutionStats{JobID: jobID, TotalExecutions: len(execs)}
	if len(execs) == 0 {
		return stats
	}

	var durSum, durCount, driftSum, driftCount int64
	for i := range execs {
		e := &execs[i]
		if e.Status == types.StatusSuccess {
			stats.SuccessCount++
		}
		if e.DurationMS != nil {
			durSum += *e.DurationMS
			durCount++
		}
		if drift := e.DriftMS(); drift != nil {
			driftSum += *drift
			driftCount++
		}
	}
	stats.FailureCount = stats.TotalExecutions - stats.SuccessCount
	stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalExecutions) * 100

	if durCount > 0 {
		avg := durSum / durCount
		stats.AvgDurationMS = &avg
	}
	if driftCount > 0 {
		avg := driftSum / driftCount
		stats.AvgDriftMS = &avg
	}
	return stats
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var job types.Job
	var execType string
	var active int
	var createdAt, updatedAt string

	err := row.Scan(&job.ID, &job.Schedule, &job.TargetURL, &execType, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}

	job.ExecutionType = types.ExecutionType(execType)
	job.Active = active != 0
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}

func scanExecution(row rowScanner) (*types.Execution, error) {
	var exec types.Execution
	var status, scheduledAt, createdAt string
	var startedAt, finishedAt, errMsg sql.NullString
	var httpStatus sql.NullInt64
	var durationMS sql.NullInt64

	err := row.Scan(&exec.ID, &exec.JobID, &scheduledAt, &startedAt, &finishedAt, &status,
		&httpStatus, &durationMS, &exec.Attempt, &errMsg, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}

	exec.Status = types.ExecutionStatus(status)
	if exec.ScheduledTime, err = parseTime(scheduledAt); err != nil {
		return nil, err
	}
	if exec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return nil, err
		}
		exec.ActualStartTime = &t
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		exec.FinishedAt = &t
	}
	if httpStatus.Valid {
		v := int(httpStatus.Int64)
		exec.HTTPStatus = &v
	}
	if durationMS.Valid {
		v := durationMS.Int64
		exec.DurationMS = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		exec.ErrorMessage = &v
	}
	return &exec, nil
}

// classify buckets driver errors into the store's taxonomy. Anything
// that is not a constraint violation is treated as retryable I/O.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	if strings.Contains(strings.ToLower(err.Error()), "constraint") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return &TransientError{Err: err}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
