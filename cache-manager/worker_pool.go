package cachemanager

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foldcache/foldcache/pkg/logging"
	"github.com/foldcache/foldcache/pkg/models"
)

// Task is a unit of work run by the pool. ctx is the context passed to
// Submit.
type Task func(ctx context.Context)

type queuedTask struct {
	ctx context.Context
	run Task
}

// WorkerPool runs tasks on a fixed set of workers fed by a bounded queue.
// Submit blocks while the queue is full; Shutdown stops intake, drains the
// queue and waits for the workers.
type WorkerPool struct {
	workers     []*Worker
	taskQueue   chan queuedTask
	activeCount atomic.Int32
	completed   atomic.Int64
	logger      *slog.Logger

	mu     sync.RWMutex // guards closed against concurrent Submit
	closed bool
	wg     sync.WaitGroup
}

// Worker is a single pool goroutine.
type Worker struct {
	id        int
	state     string // "idle", "busy", "stopped"
	startedAt *time.Time
	mu        sync.RWMutex
}

// WorkerStatus is a point-in-time view of a worker.
type WorkerStatus struct {
	ID        int        `json:"id"`
	State     string     `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// NewWorkerPool starts numWorkers workers with a queue of queueSize tasks.
func NewWorkerPool(numWorkers, queueSize int, logger *slog.Logger) *WorkerPool {
	pool := &WorkerPool{
		workers:   make([]*Worker, numWorkers),
		taskQueue: make(chan queuedTask, queueSize),
		logger:    logging.OrDiscard(logger),
	}

	for i := 0; i < numWorkers; i++ {
		worker := &Worker{id: i, state: "idle"}
		pool.workers[i] = worker

		pool.wg.Add(1)
		go pool.runWorker(worker)
	}

	return pool
}

// Submit queues task, blocking while the queue is full. It fails with
// models.ErrEngineClosed after Shutdown, or with ctx's error if ctx ends
// first.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return models.ErrEngineClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case p.taskQueue <- queuedTask{ctx: ctx, run: task}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWorker is the main worker loop. It exits once the queue is closed
// and drained.
func (p *WorkerPool) runWorker(worker *Worker) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		worker.startTask()
		p.activeCount.Add(1)

		p.execute(task)

		p.activeCount.Add(-1)
		p.completed.Add(1)
		worker.finishTask()
	}
	worker.setState("stopped")
}

// execute runs one task, converting a panic into a log line so one bad
// task cannot take down the worker.
func (p *WorkerPool) execute(task queuedTask) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(task.ctx, p.logger).Error("worker task panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	task.run(task.ctx)
}

// ActiveCount returns the number of workers running a task.
func (p *WorkerPool) ActiveCount() int {
	return int(p.activeCount.Load())
}

// Completed returns the number of tasks finished since start.
func (p *WorkerPool) Completed() int64 {
	return p.completed.Load()
}

// QueueSize returns the number of tasks waiting in the queue.
func (p *WorkerPool) QueueSize() int {
	return len(p.taskQueue)
}

// WorkerStatus returns the status of every worker.
func (p *WorkerPool) WorkerStatus() []WorkerStatus {
	status := make([]WorkerStatus, len(p.workers))
	for i, worker := range p.workers {
		worker.mu.RLock()
		status[i] = WorkerStatus{
			ID:        worker.id,
			State:     worker.state,
			StartedAt: worker.startedAt,
		}
		worker.mu.RUnlock()
	}
	return status
}

// Shutdown stops intake, runs every queued task, and waits for the
// workers to exit. Calling it more than once is a no-op.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

func (w *Worker) startTask() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.state = "busy"
	w.startedAt = &now
}

func (w *Worker) finishTask() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = "idle"
	w.startedAt = nil
}

func (w *Worker) setState(state string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
}
