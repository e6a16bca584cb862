package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Handler runs the next step of a task. Returned errors are logged; the
// handler owns retry decisions.
type Handler func(ctx context.Context, taskID string) error

// WorkerPool manages a pool of workers processing task deliveries.
// Delivery is at least once: the same id may arrive more than once.
type WorkerPool struct {
	jobQueue    chan string
	workerCount int
	handler     Handler
	logger      *slog.Logger

	mu      sync.Mutex
	queued  map[string]struct{}
	timers  map[*time.Timer]struct{}
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(workerCount, queueSize int, handler Handler, logger *slog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	return &WorkerPool{
		jobQueue:    make(chan string, queueSize),
		workerCount: workerCount,
		handler:     handler,
		logger:      logger.With("component", "queue"),
		queued:      make(map[string]struct{}),
		timers:      make(map[*time.Timer]struct{}),
		done:        make(chan struct{}),
	}
}

// Start initializes all workers
func (wp *WorkerPool) Start() {
	wp.logger.Info("starting worker pool", "workers", wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Enqueue adds a task delivery to the queue without blocking. An id that is
// already waiting in the queue is not added twice. It reports false when the
// queue is full or the pool is stopped; the store still holds the task and
// the recovery sweep delivers it later.
func (wp *WorkerPool) Enqueue(taskID string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped {
		return false
	}
	if _, ok := wp.queued[taskID]; ok {
		return true
	}
	select {
	case wp.jobQueue <- taskID:
		wp.queued[taskID] = struct{}{}
		wp.logger.Debug("task enqueued", "task_id", taskID)
		return true
	default:
		wp.logger.Warn("queue full, leaving task for recovery sweep", "task_id", taskID)
		return false
	}
}

// EnqueueAfter delivers the task once delay has elapsed
func (wp *WorkerPool) EnqueueAfter(taskID string, delay time.Duration) {
	if delay <= 0 {
		wp.Enqueue(taskID)
		return
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		wp.mu.Lock()
		delete(wp.timers, timer)
		wp.mu.Unlock()
		wp.Enqueue(taskID)
	})
	wp.timers[timer] = struct{}{}
}

// Pending returns the number of deliveries waiting in the queue
func (wp *WorkerPool) Pending() int {
	return len(wp.jobQueue)
}

// Stop stops accepting deliveries, cancels delayed ones and waits for
// in-flight handlers to return. Undelivered ids are recovered by the sweep.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.stopped {
		wp.stopped = true
		for t := range wp.timers {
			t.Stop()
		}
		wp.timers = nil
		close(wp.done)
	}
	wp.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

// worker processes deliveries until the pool stops
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	logger := wp.logger.With("worker", id)
	logger.Debug("worker started")

	for {
		select {
		case <-wp.done:
			return
		case taskID := <-wp.jobQueue:
			wp.mu.Lock()
			delete(wp.queued, taskID)
			wp.mu.Unlock()
			wp.run(logger, taskID)
		}
	}
}

func (wp *WorkerPool) run(logger *slog.Logger, taskID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic processing task", "task_id", taskID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := wp.handler(context.Background(), taskID); err != nil {
		logger.Error("task processing failed", "task_id", taskID, "error", err)
	}
}
