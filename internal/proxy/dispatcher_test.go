package proxy

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type runnerFunc func(ctx context.Context, e *Event) ([]*Violation, error)

func (f runnerFunc) Verify(ctx context.Context, e *Event) ([]*Violation, error) { return f(ctx, e) }

func TestDispatcher_RunsSubmittedEvents(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	d := NewDispatcher(runnerFunc(func(_ context.Context, e *Event) ([]*Violation, error) {
		mu.Lock()
		seen = append(seen, e.StudentID)
		mu.Unlock()
		return nil, nil
	}), 2, 10, time.Second, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	for _, s := range []string{"s1", "s2", "s3"} {
		require.NoError(t, d.Submit(&Event{StudentID: s}))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, seen)
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := NewDispatcher(runnerFunc(func(context.Context, *Event) ([]*Violation, error) {
		return nil, nil
	}), 1, 2, time.Second, discardLogger())

	// not started: nothing drains the queue
	require.NoError(t, d.Submit(&Event{StudentID: "s1"}))
	require.NoError(t, d.Submit(&Event{StudentID: "s2"}))
	assert.ErrorIs(t, d.Submit(&Event{StudentID: "s3"}), ErrQueueFull)
	assert.Equal(t, int64(1), d.Dropped())
	assert.Equal(t, 2, d.Pending())
}

func TestDispatcher_PanicDoesNotKillWorker(t *testing.T) {
	var ran atomic.Int32
	d := NewDispatcher(runnerFunc(func(_ context.Context, e *Event) ([]*Violation, error) {
		if e.StudentID == "bad" {
			panic("boom")
		}
		ran.Add(1)
		return nil, nil
	}), 1, 10, time.Second, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	require.NoError(t, d.Submit(&Event{StudentID: "bad"}))
	require.NoError(t, d.Submit(&Event{StudentID: "good"}))

	assert.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_TaskTimeout(t *testing.T) {
	done := make(chan error, 1)
	d := NewDispatcher(runnerFunc(func(ctx context.Context, _ *Event) ([]*Violation, error) {
		<-ctx.Done()
		done <- ctx.Err()
		return nil, ctx.Err()
	}), 1, 1, 20*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	require.NoError(t, d.Submit(&Event{StudentID: "slow"}))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task was not timed out")
	}
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	var ran atomic.Int32
	release := make(chan struct{})
	d := NewDispatcher(runnerFunc(func(context.Context, *Event) ([]*Violation, error) {
		<-release
		ran.Add(1)
		return nil, nil
	}), 1, 10, time.Second, discardLogger())

	stopped := make(chan struct{})
	go func() {
		d.Start(context.Background())
		close(stopped)
	}()
	assert.Eventually(t, d.Running, time.Second, time.Millisecond)

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Submit(&Event{StudentID: "s"}))
	}
	d.Stop()
	d.Stop()
	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Equal(t, int32(4), ran.Load())
	assert.False(t, d.Running())
}

func TestDispatcher_CancelledParentDoesNotCancelTask(t *testing.T) {
	errs := make(chan error, 1)
	started := make(chan struct{})
	d := NewDispatcher(runnerFunc(func(ctx context.Context, _ *Event) ([]*Violation, error) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		errs <- ctx.Err()
		return nil, nil
	}), 1, 1, time.Second, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go d.Start(ctx)
	require.NoError(t, d.Submit(&Event{StudentID: "s1"}))
	<-started
	cancel()

	assert.NoError(t, <-errs)
}

func TestJanitor_Sweep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.RecordSighting(ctx, &Sighting{ID: "old", StudentID: "s1", OccurredAt: t0}))
	require.NoError(t, store.RecordSighting(ctx, &Sighting{ID: "new", StudentID: "s1", OccurredAt: t0.Add(23 * time.Hour)}))

	j := NewJanitor(store, 0, discardLogger())
	j.now = func() time.Time { return t0.Add(25 * time.Hour) }

	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	left, err := store.SightingsByStudent(ctx, "s1", time.Time{}, t0.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].ID)
}

func TestJanitor_StartStop(t *testing.T) {
	j := NewJanitor(NewMemoryStore(), time.Hour, discardLogger())
	j.interval = time.Millisecond

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()
	assert.Eventually(t, j.Running, time.Second, time.Millisecond)
	j.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
	assert.False(t, j.Running())
}
