package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xPuncker/cronhook/pkg/types"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		logger := logrus.New()
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "cronhook.db"), logger)
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func newJob(active bool) *types.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.Job{
		ID:            uuid.NewString(),
		Schedule:      "0 * * * * *",
		TargetURL:     "http://example.com/hook",
		ExecutionType: types.AtLeastOnce,
		Active:        active,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newExecution(jobID string, attempt int) *types.Execution {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.Execution{
		ID:            uuid.NewString(),
		JobID:         jobID,
		ScheduledTime: now,
		Status:        types.StatusPending,
		Attempt:       attempt,
		CreatedAt:     now,
	}
}

func TestJobRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(true)

		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.Schedule, got.Schedule)
		assert.Equal(t, job.TargetURL, got.TargetURL)
		assert.Equal(t, types.AtLeastOnce, got.ExecutionType)
		assert.True(t, got.Active)
		assert.True(t, job.CreatedAt.Equal(got.CreatedAt))

		got.Schedule = "*/5 * * * * *"
		got.Active = false
		require.NoError(t, s.UpdateJob(ctx, got))

		updated, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "*/5 * * * * *", updated.Schedule)
		assert.False(t, updated.Active)
	})
}

func TestCreateJobConflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(true)
		require.NoError(t, s.CreateJob(ctx, job))
		assert.ErrorIs(t, s.CreateJob(ctx, job), ErrConflict)
	})
}

func TestGetJobNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetJob(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListActiveJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateJob(ctx, newJob(true)))
		require.NoError(t, s.CreateJob(ctx, newJob(true)))
		require.NoError(t, s.CreateJob(ctx, newJob(false)))

		active, err := s.ListActiveJobs(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 2)

		all, err := s.ListJobs(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestDeleteJobCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(true)
		require.NoError(t, s.CreateJob(ctx, job))
		require.NoError(t, s.UpsertExecution(ctx, newExecution(job.ID, 1)))
		require.NoError(t, s.UpsertExecution(ctx, newExecution(job.ID, 2)))

		require.NoError(t, s.DeleteJob(ctx, job.ID))

		_, err := s.GetJob(ctx, job.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		execs, err := s.ListExecutions(ctx, job.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, execs)

		assert.ErrorIs(t, s.DeleteJob(ctx, job.ID), ErrNotFound)
	})
}

func TestExecutionLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(true)
		require.NoError(t, s.CreateJob(ctx, job))

		exec := newExecution(job.ID, 1)
		require.NoError(t, s.UpsertExecution(ctx, exec))

		started := exec.ScheduledTime.Add(120 * time.Millisecond)
		require.NoError(t, s.RecordAttemptStart(ctx, exec.ID, started))

		latest, err := s.LatestExecution(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusRunning, latest.Status)
		require.NotNil(t, latest.ActualStartTime)
		require.NotNil(t, latest.DriftMS())
		assert.Equal(t, int64(120), *latest.DriftMS())

		status := 200
		duration := int64(45)
		applied, err := s.UpdateExecutionTerminal(ctx, exec.ID, TerminalUpdate{
			Status:     types.StatusSuccess,
			HTTPStatus: &status,
			DurationMS: &duration,
			FinishedAt: started.Add(45 * time.Millisecond),
		})
		require.NoError(t, err)
		assert.True(t, applied)

		latest, err = s.LatestExecution(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSuccess, latest.Status)
		require.NotNil(t, latest.HTTPStatus)
		assert.Equal(t, 200, *latest.HTTPStatus)
		require.NotNil(t, latest.FinishedAt)
	})
}

func TestTerminalStatusIsMonotone(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(true)
		require.NoError(t, s.CreateJob(ctx, job))

		exec := newExecution(job.ID, 1)
		require.NoError(t, s.UpsertExecution(ctx, exec))

		applied, err := s.UpdateExecutionTerminal(ctx, exec.ID, TerminalUpdate{
			Status:     types.StatusSuccess,
			FinishedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = s.UpdateExecutionTerminal(ctx, exec.ID, TerminalUpdate{
			Status:     types.StatusFailed,
			FinishedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		assert.False(t, applied, "terminal rows must never be rewritten")

		latest, err := s.LatestExecution(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSuccess, latest.Status)
	})
}

func TestRecordAttemptStartGuard(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(true)
		require.NoError(t, s.CreateJob(ctx, job))

		exec := newExecution(job.ID, 1)
		require.NoError(t, s.UpsertExecution(ctx, exec))
		require.NoError(t, s.RecordAttemptStart(ctx, exec.ID, time.Now().UTC()))

		err := s.RecordAttemptStart(ctx, exec.ID, time.Now().UTC())
		assert.Error(t, err, "PENDING -> RUNNING only fires once")
	})
}

func TestListExecutionsNewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(true)
		require.NoError(t, s.CreateJob(ctx, job))

		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 5; i++ {
			exec := newExecution(job.ID, 1)
			exec.CreatedAt = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.UpsertExecution(ctx, exec))
		}

		execs, err := s.ListExecutions(ctx, job.ID, 3)
		require.NoError(t, err)
		require.Len(t, execs, 3)
		assert.True(t, execs[0].CreatedAt.After(execs[1].CreatedAt))
		assert.True(t, execs[1].CreatedAt.After(execs[2].CreatedAt))
	})
}

func TestExecutionStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob(true)
		require.NoError(t, s.CreateJob(ctx, job))

		base := time.Now().UTC().Truncate(time.Millisecond)
		durations := []int64{100, 200}
		for i, status := range []types.ExecutionStatus{types.StatusSuccess, types.StatusSuccess, types.StatusFailed} {
			exec := newExecution(job.ID, 1)
			exec.ScheduledTime = base
			exec.Status = status
			start := base.Add(50 * time.Millisecond)
			exec.ActualStartTime = &start
			if i < len(durations) {
				exec.DurationMS = &durations[i]
			}
			require.NoError(t, s.UpsertExecution(ctx, exec))
		}

		stats, err := s.ExecutionStats(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.TotalExecutions)
		assert.Equal(t, 2, stats.SuccessCount)
		assert.Equal(t, 1, stats.FailureCount)
		assert.InDelta(t, 66.66, stats.SuccessRate, 0.1)
		require.NotNil(t, stats.AvgDurationMS)
		assert.Equal(t, int64(150), *stats.AvgDurationMS)
		require.NotNil(t, stats.AvgDriftMS)
		assert.Equal(t, int64(50), *stats.AvgDriftMS)
	})
}

func TestStatsEmptyHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		stats, err := s.ExecutionStats(context.Background(), uuid.NewString())
		require.NoError(t, err)
		assert.Equal(t, 0, stats.TotalExecutions)
		assert.Zero(t, stats.SuccessRate)
		assert.Nil(t, stats.AvgDurationMS)
	})
}

func TestTransientErrorClassification(t *testing.T) {
	m := NewMemoryStore()
	m.FailNext(1)

	_, err := m.ListActiveJobs(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	_, err = m.ListActiveJobs(context.Background())
	assert.NoError(t, err)
}
