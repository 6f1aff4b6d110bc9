package backfill

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFunc func(ctx context.Context, job Job) error

func (f runnerFunc) Run(ctx context.Context, job Job) error { return f(ctx, job) }

func TestPool_DeduplicatesWaitingJobs(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 1, QueueSize: 4}, runnerFunc(func(context.Context, Job) error { return nil }), logging.Discard(), nil)

	assert.True(t, p.EnqueueAccount("a1"))
	assert.False(t, p.EnqueueAccount("a1"))
	assert.True(t, p.EnqueueThread("a1", "t1"))
	assert.False(t, p.EnqueueThread("a1", "t1"))
	assert.True(t, p.EnqueueThread("a1", "t2"))
	assert.Equal(t, 3, p.Depth())
}

func TestPool_DropsWhenFull(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 1, QueueSize: 1}, runnerFunc(func(context.Context, Job) error { return nil }), logging.Discard(), nil)
	assert.True(t, p.EnqueueAccount("a1"))
	assert.False(t, p.EnqueueAccount("a2"))
}

func TestPool_RunsJobsAndSurvivesFailures(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	runner := runnerFunc(func(_ context.Context, job Job) error {
		mu.Lock()
		seen = append(seen, job.AccountID)
		mu.Unlock()
		switch job.AccountID {
		case "boom":
			panic("proxy exploded")
		case "fail":
			return errors.New("unreachable")
		}
		return nil
	})
	p := NewPool(PoolConfig{Workers: 2, QueueSize: 8}, runner, logging.Discard(), nil)
	p.Start()

	for _, id := range []string{"boom", "fail", "ok-1", "ok-2"} {
		require.True(t, p.EnqueueAccount(id))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, p.EnqueueAccount("ok-1"), "finished jobs can be queued again")
	require.NoError(t, p.Shutdown(context.Background()))
	assert.False(t, p.EnqueueAccount("late"))
}

func TestPool_JobTimeoutReleasesWorker(t *testing.T) {
	var finished atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job Job) error {
		if job.AccountID == "hung" {
			<-ctx.Done()
			return ctx.Err()
		}
		finished.Add(1)
		return nil
	})
	p := NewPool(PoolConfig{Workers: 1, QueueSize: 4, JobTimeout: 50 * time.Millisecond}, runner, logging.Discard(), nil)
	p.Start()
	defer p.Shutdown(context.Background())

	p.EnqueueAccount("hung")
	p.EnqueueAccount("next")
	assert.Eventually(t, func() bool { return finished.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPool_ShutdownTimesOut(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	runner := runnerFunc(func(context.Context, Job) error {
		close(started)
		<-release
		return nil
	})
	p := NewPool(PoolConfig{Workers: 1, QueueSize: 1, JobTimeout: time.Minute}, runner, logging.Discard(), nil)
	p.Start()
	p.EnqueueAccount("a1")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Shutdown(ctx))
	close(release)
}
