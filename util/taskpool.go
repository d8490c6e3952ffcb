package util

import (
	"sync"
	"sync/atomic"
)

// TaskPool runs submitted functions on a fixed number of goroutines
//
// Work is queued up to a fixed size; anything beyond that is discarded instead of growing the queue, so that a
// burst of submissions (e.g. reconnects to an unavailable peer) can't exhaust memory or goroutines.
type TaskPool struct {
	tasks    chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup
	dropped  atomic.Int64
}

// NewTaskPool creates a TaskPool and starts its workers
func NewTaskPool(numWorkers int, queueSize int) *TaskPool {
	pool := &TaskPool{
		tasks:   make(chan func(), queueSize),
		stopped: make(chan struct{}),
	}
	pool.workers.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go pool.runWorker()
	}
	return pool
}

// Submit queues a task, returns false if the task is discarded because the queue is full or the pool is shut down
func (pool *TaskPool) Submit(task func()) bool {
	select {
	case <-pool.stopped:
		pool.dropped.Add(1)
		return false
	default:
	}
	select {
	case pool.tasks <- task:
		return true
	default:
		pool.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of discarded tasks
func (pool *TaskPool) Dropped() int64 {
	return pool.dropped.Load()
}

// Shutdown stops the workers after their current tasks; queued tasks are abandoned
//
// Shutdown may be called more than once
func (pool *TaskPool) Shutdown() {
	pool.stopOnce.Do(func() {
		close(pool.stopped)
	})
	pool.workers.Wait()
}

func (pool *TaskPool) runWorker() {
	defer pool.workers.Done()
	for {
		select {
		case <-pool.stopped:
			return
		case task := <-pool.tasks:
			task()
		}
	}
}
