package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushOrdersByScheduledTime(t *testing.T) {
	q := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	q.Push(Entry{JobID: "c", ScheduledFor: base.Add(3 * time.Second), Attempt: 1})
	q.Push(Entry{JobID: "a", ScheduledFor: base.Add(1 * time.Second), Attempt: 1})
	q.Push(Entry{JobID: "b", ScheduledFor: base.Add(2 * time.Second), Attempt: 1})

	var order []string
	for {
		e, ok := q.PopIfDue(base.Add(time.Minute))
		if !ok {
			break
		}
		order = append(order, e.JobID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestPushTiesBreakByJobID(t *testing.T) {
	q := New()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	q.Push(Entry{JobID: "zeta", ScheduledFor: at})
	q.Push(Entry{JobID: "alpha", ScheduledFor: at})
	q.Push(Entry{JobID: "mid", ScheduledFor: at})

	first, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "alpha", first.JobID)
}

func TestPushReplacesExistingEntry(t *testing.T) {
	q := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	q.Push(Entry{JobID: "job-1", ScheduledFor: base.Add(10 * time.Second), Attempt: 1})
	q.Push(Entry{JobID: "job-1", ScheduledFor: base.Add(2 * time.Second), Attempt: 2})

	assert.Equal(t, 1, q.Len())
	e, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 2, e.Attempt)
	assert.Equal(t, base.Add(2*time.Second), e.ScheduledFor)
}

func TestPopIfDueRespectsNow(t *testing.T) {
	q := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.Push(Entry{JobID: "job-1", ScheduledFor: base.Add(5 * time.Second)})

	_, ok := q.PopIfDue(base)
	assert.False(t, ok)

	e, ok := q.PopIfDue(base.Add(5 * time.Second))
	require.True(t, ok)
	assert.Equal(t, "job-1", e.JobID)
	assert.Equal(t, 0, q.Len())
}

func TestRemove(t *testing.T) {
	q := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c", "d"} {
		q.Push(Entry{JobID: id, ScheduledFor: base.Add(time.Duration(i) * time.Second)})
	}

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.False(t, q.Contains("b"))
	assert.Equal(t, 3, q.Len())

	var order []string
	for {
		e, ok := q.PopIfDue(base.Add(time.Minute))
		if !ok {
			break
		}
		order = append(order, e.JobID)
	}
	assert.Equal(t, []string{"a", "c", "d"}, order)
}

func TestWaitUntilDueReturnsWhenRootDue(t *testing.T) {
	q := New()
	q.Push(Entry{JobID: "due", ScheduledFor: time.Now().Add(-time.Second)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, q.WaitUntilDue(ctx))
}

func TestWaitUntilDueWakesOnEarlierPush(t *testing.T) {
	q := New()
	q.Push(Entry{JobID: "late", ScheduledFor: time.Now().Add(time.Hour)})

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- q.WaitUntilDue(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	q.Push(Entry{JobID: "early", ScheduledFor: time.Now().Add(200 * time.Millisecond)})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by an earlier entry")
	}
}

func TestWaitUntilDueEmptyQueueBlocksUntilCancel(t *testing.T) {
	q := New()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := q.WaitUntilDue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitUntilDueClose(t *testing.T) {
	q := New()

	done := make(chan error, 1)
	go func() {
		done <- q.WaitUntilDue(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("close did not wake the waiter")
	}
}
