package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrSchedulerClosed is returned by Go once Drain has been called.
var ErrSchedulerClosed = errors.New("workflow: scheduler is shutting down")

// Scheduler runs detached workflow tasks with bounded concurrency. Tasks are
// queued on the semaphore inside their own goroutine, so Go never blocks the
// caller.
type Scheduler struct {
	sem      *semaphore.Weighted
	logger   *slog.Logger
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// NewScheduler creates a scheduler that runs at most limit tasks at once.
func NewScheduler(limit int, logger *slog.Logger) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	return &Scheduler{sem: semaphore.NewWeighted(int64(limit)), logger: logger}
}

// Go schedules task. The task's context is detached from ctx's cancellation
// but keeps its values (trace span, request id) so logs and traces correlate.
func (s *Scheduler) Go(ctx context.Context, task func(ctx context.Context)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	taskCtx := context.WithoutCancel(ctx)
	s.inFlight.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Add(-1)
		// Acquire cannot fail on a context that is never cancelled.
		_ = s.sem.Acquire(taskCtx, 1)
		defer s.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("workflow: task panicked", "panic", r)
			}
		}()
		task(taskCtx)
	}()
	return nil
}

// InFlight reports tasks that are queued or running.
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// Drain stops accepting tasks and waits for queued and running ones to
// finish, or for ctx to expire.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("workflow: drain timed out", "in_flight", s.InFlight())
		return ctx.Err()
	}
}
