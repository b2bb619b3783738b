package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-custody/internal/logging"
	"github.com/token-custody/internal/types"
	"github.com/token-custody/internal/worker"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []*JournalEvent
}

func (c *captureRecorder) Record(_ context.Context, event *JournalEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureRecorder) all() []*JournalEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*JournalEvent(nil), c.events...)
}

func TestAsyncJournalRecordsThroughRunner(t *testing.T) {
	logger := logging.NewLogger(logging.LevelError, logging.FormatText)
	runner := worker.NewRunner(1, 8, time.Second, logger)
	inner := &captureRecorder{}
	journal := NewAsyncJournal(inner, runner)

	event := &JournalEvent{UserID: "u1", Kind: JournalTip, Status: types.StatusCompleted, Amount: types.ZeroAmount()}
	require.NoError(t, journal.Record(context.Background(), event))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(ctx))

	events := inner.all()
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].UserID)
	assert.Equal(t, JournalTip, events[0].Kind)
	assert.False(t, events[0].OccurredAt.IsZero(), "queued events are stamped at submission time")
}

func TestAsyncJournalWritesInlineWhenRunnerClosed(t *testing.T) {
	logger := logging.NewLogger(logging.LevelError, logging.FormatText)
	runner := worker.NewRunner(1, 1, time.Second, logger)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(ctx))

	inner := &captureRecorder{}
	journal := NewAsyncJournal(inner, runner)

	event := &JournalEvent{UserID: "u2", Kind: JournalSweep, Status: types.StatusCompleted, Amount: types.ZeroAmount()}
	require.NoError(t, journal.Record(context.Background(), event))
	require.Len(t, inner.all(), 1, "an unqueueable event is written inline, not dropped")
}
