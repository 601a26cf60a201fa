package workers

import (
	"context"
	"sync"

	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"go.uber.org/zap"
)

// Job is one unit of background work. The context is cancelled when the pool stops.
type Job func(ctx context.Context)

// WorkerPool manages a pool of workers that execute jobs concurrently.
type WorkerPool struct {
	jobCh  chan Job
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool
	pending sync.WaitGroup
	workers sync.WaitGroup
	once    sync.Once
}

// NewWorkerPool initializes a worker pool with a fixed number of workers.
func NewWorkerPool(workerCount, jobBufferSize int) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	wp := &WorkerPool{
		jobCh:  make(chan Job, jobBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	wp.workers.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for job := range wp.jobCh {
		wp.run(job)
	}
}

func (wp *WorkerPool) run(job Job) {
	defer wp.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Background job panicked", zap.Any("panic", r))
		}
	}()
	job(wp.ctx)
}

// AddJob enqueues a job without blocking. It returns false when the queue is
// full or the pool has stopped.
func (wp *WorkerPool) AddJob(job Job) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}

	wp.pending.Add(1)
	select {
	case wp.jobCh <- job:
		return true
	default: // Drop the job if queue is full
		wp.pending.Done()
		return false
	}
}

// Wait blocks until all queued jobs are completed.
func (wp *WorkerPool) Wait() {
	wp.pending.Wait()
}

// Stop drains the queue and waits for the workers. Jobs still running when ctx
// ends see their own context cancelled.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.once.Do(func() {
		wp.mu.Lock()
		wp.stopped = true
		close(wp.jobCh)
		wp.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		wp.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		return nil
	case <-ctx.Done():
		wp.cancel()
		<-done
		return ctx.Err()
	}
}
