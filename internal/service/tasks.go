package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// taskQueueSize bounds the background task backlog; overflow drops
	// tasks rather than blocking the caller.
	taskQueueSize = 256
	// taskTimeout caps a single background task.
	taskTimeout = 30 * time.Second
)

// Task is one unit of post-store side-effect work. Failures are logged,
// never surfaced.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// TaskRunner executes post-store work off the request path. Close drains
// the queue before returning.
type TaskRunner struct {
	tasks  chan Task
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger

	mu      sync.Mutex
	dropped int
	closed  bool
}

func NewTaskRunner(logger *zap.Logger) *TaskRunner {
	return &TaskRunner{
		tasks:  make(chan Task, taskQueueSize),
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

// Start begins the background worker.
func (r *TaskRunner) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case task := <-r.tasks:
				r.run(task)
			case <-r.stopCh:
				// Drain whatever was queued before the stop.
				for {
					select {
					case task := <-r.tasks:
						r.run(task)
					default:
						r.logger.Debug("task runner stopped")
						return
					}
				}
			}
		}
	}()
}

func (r *TaskRunner) run(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()
	if err := task.Run(ctx); err != nil {
		r.logger.Warn("background task failed",
			zap.String("task", task.Name),
			zap.Error(err))
	}
}

// Submit enqueues a task. A full queue or a stopped runner drops the task
// with a log line; callers never block.
func (r *TaskRunner) Submit(task Task) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	select {
	case r.tasks <- task:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("task queue full, dropping task", zap.String("task", task.Name))
	}
}

// Dropped reports how many tasks were shed due to backlog.
func (r *TaskRunner) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops the worker after draining queued tasks.
func (r *TaskRunner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
}
