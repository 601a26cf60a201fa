package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsJobs(t *testing.T) {
	wp := NewWorkerPool(4, 16)
	var n int32
	for i := 0; i < 10; i++ {
		require.True(t, wp.AddJob(func(context.Context) { atomic.AddInt32(&n, 1) }))
	}
	wp.Wait()
	assert.EqualValues(t, 10, atomic.LoadInt32(&n))
	require.NoError(t, wp.Stop(context.Background()))
}

func TestWorkerPoolDropsWhenFull(t *testing.T) {
	wp := NewWorkerPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	require.True(t, wp.AddJob(func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.True(t, wp.AddJob(func(context.Context) {}))
	assert.False(t, wp.AddJob(func(context.Context) {}))

	close(release)
	require.NoError(t, wp.Stop(context.Background()))
	assert.False(t, wp.AddJob(func(context.Context) {}))
}

func TestWorkerPoolSurvivesPanics(t *testing.T) {
	wp := NewWorkerPool(1, 4)
	var ran int32
	wp.AddJob(func(context.Context) { panic("boom") })
	wp.AddJob(func(context.Context) { atomic.StoreInt32(&ran, 1) })
	wp.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
	require.NoError(t, wp.Stop(context.Background()))
}

func TestWorkerPoolStopCancelsSlowJobs(t *testing.T) {
	wp := NewWorkerPool(1, 1)
	started := make(chan struct{})
	wp.AddJob(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, wp.Stop(ctx), context.DeadlineExceeded)
}
