package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-custody/internal/logging"
)

func newTestRunner(workers, queueSize int) *Runner {
	logger := logging.NewLogger(logging.LevelError, logging.FormatText)
	return NewRunner(workers, queueSize, time.Second, logger)
}

func TestRunnerExecutesTasks(t *testing.T) {
	r := newTestRunner(2, 16)

	var count int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := r.Submit(Task{Name: "count", Run: func(context.Context) error {
			defer wg.Done()
			atomic.AddInt32(&count, 1)
			return nil
		}})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int32(10), atomic.LoadInt32(&count))
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRunnerSurvivesPanics(t *testing.T) {
	r := newTestRunner(1, 4)

	done := make(chan struct{})
	require.NoError(t, r.Submit(Task{Name: "boom", Run: func(context.Context) error {
		panic("task exploded")
	}}))
	require.NoError(t, r.Submit(Task{Name: "after", Run: func(context.Context) error {
		close(done)
		return nil
	}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRunnerDrainsOnShutdown(t *testing.T) {
	r := newTestRunner(1, 16)

	var count int32
	block := make(chan struct{})
	require.NoError(t, r.Submit(Task{Name: "block", Run: func(context.Context) error {
		<-block
		atomic.AddInt32(&count, 1)
		return nil
	}}))
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Submit(Task{Name: "queued", Run: func(context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		}}))
	}
	close(block)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, int32(6), atomic.LoadInt32(&count), "queued tasks must drain before shutdown returns")

	err := r.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestRunnerRejectsWhenQueueFull(t *testing.T) {
	r := newTestRunner(1, 1)

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, r.Submit(Task{Name: "hold", Run: func(context.Context) error {
		<-block
		return nil
	}}))

	// Occupies the single queue slot, then overflow
	filled := false
	for i := 0; i < 10; i++ {
		if err := r.Submit(Task{Name: "fill", Run: func(context.Context) error {
			<-block
			return nil
		}}); err != nil {
			filled = true
			break
		}
	}
	assert.True(t, filled, "a full queue must reject, not block")
}

func TestRunnerLogsFailures(t *testing.T) {
	r := newTestRunner(1, 4)

	done := make(chan struct{})
	require.NoError(t, r.Submit(Task{Name: "fails", Run: func(context.Context) error {
		defer close(done)
		return errors.New("remote unavailable")
	}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("failing task did not complete")
	}
	require.NoError(t, r.Shutdown(context.Background()))
}
