// Package worker runs fire-and-forget background tasks under supervision.
// Settlement handlers use it for post-reply reconciliation: the caller's
// response is never blocked, task panics are contained, and shutdown drains
// queued tasks instead of silently dropping them.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/token-custody/internal/logging"
)

// Task is one named unit of background work
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner executes submitted tasks on a fixed pool of workers
type Runner struct {
	tasks   chan Task
	logger  *logging.Logger
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	timeout time.Duration
}

// NewRunner starts workers goroutines draining a queue of queueSize tasks.
// taskTimeout bounds each task's context.
func NewRunner(workers, queueSize int, taskTimeout time.Duration, logger *logging.Logger) *Runner {
	r := &Runner{
		tasks:   make(chan Task, queueSize),
		logger:  logger,
		timeout: taskTimeout,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	return r
}

// Submit enqueues a task. It fails when the runner is shut down or the queue
// is full; background work is best-effort and a full queue must not block the
// submitting request.
func (r *Runner) Submit(task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("runner is shut down")
	}
	select {
	case r.tasks <- task:
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// Shutdown stops accepting tasks, drains the queue, and waits for in-flight
// tasks to finish or ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.tasks)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) worker(id int) {
	defer r.wg.Done()
	for task := range r.tasks {
		r.run(id, task)
	}
}

func (r *Runner) run(id int, task Task) {
	logger := r.logger.WithFields(map[string]interface{}{
		"worker": id,
		"task":   task.Name,
	})

	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Background task panicked: %v", rec)
		}
	}()

	ctx := context.Background()
	cancel := func() {}
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		// Background failures are logged, never retried
		logger.WithError(err).Warn("Background task failed")
		return
	}
	logger.WithField("duration", time.Since(start).String()).Debug("Background task finished")
}
