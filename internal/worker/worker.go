package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is a function that represents a background job
type Task func(ctx context.Context) error

type WorkerPool struct {
	taskQueue   chan Task
	wg          sync.WaitGroup
	mu          sync.RWMutex // guards close(taskQueue) against concurrent sends
	isClosing   atomic.Bool
	taskTimeout time.Duration
}

func NewWorkerPool(size int, taskTimeout time.Duration) *WorkerPool {
	wp := &WorkerPool{
		taskQueue:   make(chan Task, 1000), // Buffer for 1000 pending tasks
		taskTimeout: taskTimeout,
	}

	for range size {
		wp.wg.Add(1)
		go wp.startWorker()
	}

	return wp
}

func (wp *WorkerPool) startWorker() {
	defer wp.wg.Done()
	for task := range wp.taskQueue {
		wp.run(task)
	}
}

func (wp *WorkerPool) run(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), wp.taskTimeout)
	defer cancel()
	if err := task(ctx); err != nil {
		log.Warn().Err(err).Msg("worker task failed")
	}
}

// Submit queues t. Tasks submitted during shutdown or to a full queue are dropped.
func (wp *WorkerPool) Submit(t Task) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.isClosing.Load() {
		log.Warn().Msg("task submitted during shutdown, dropping")
		return false
	}
	select {
	case wp.taskQueue <- t:
		return true
	default:
		log.Warn().Msg("task queue full, dropping task")
		return false
	}
}

// Shutdown closes the queue and waits for workers to finish
func (wp *WorkerPool) Shutdown() {
	wp.mu.Lock()
	if wp.isClosing.Swap(true) {
		wp.mu.Unlock()
		return
	}
	close(wp.taskQueue)
	wp.mu.Unlock()
	wp.wg.Wait()
}
