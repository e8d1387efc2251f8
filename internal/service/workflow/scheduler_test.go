package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/testutil"
)

func TestSchedulerBoundsConcurrency(t *testing.T) {
	s := NewScheduler(2, testutil.TestLogger())
	var running, peak atomic.Int64
	release := make(chan struct{})

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Go(context.Background(), func(context.Context) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		}))
	}
	assert.Equal(t, 6, s.InFlight())
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, 0, s.InFlight())
}

func TestSchedulerDetachesCancellation(t *testing.T) {
	s := NewScheduler(1, testutil.TestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var taskErr error
	require.NoError(t, s.Go(ctx, func(taskCtx context.Context) {
		defer wg.Done()
		cancel()
		taskErr = taskCtx.Err()
	}))
	wg.Wait()
	assert.NoError(t, taskErr)
}

func TestSchedulerRecoversPanics(t *testing.T) {
	s := NewScheduler(1, testutil.TestLogger())
	require.NoError(t, s.Go(context.Background(), func(context.Context) { panic("boom") }))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))
}

func TestSchedulerRejectsAfterDrain(t *testing.T) {
	s := NewScheduler(1, testutil.TestLogger())
	require.NoError(t, s.Drain(context.Background()))
	assert.ErrorIs(t, s.Go(context.Background(), func(context.Context) {}), ErrSchedulerClosed)
}

func TestSchedulerDrainTimesOut(t *testing.T) {
	s := NewScheduler(1, testutil.TestLogger())
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, s.Go(context.Background(), func(context.Context) { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Drain(ctx), context.DeadlineExceeded)
}
