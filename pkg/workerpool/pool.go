// Package workerpool runs a known set of tasks with bounded concurrency.
// Used by the missed-dose sweep to commit independent batches in parallel.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     interface{}
	Attempts int
	// Skipped is set when the task never started because the context ended
	Skipped bool
}

// WorkerFunc processes one task. A nil error marks success.
type WorkerFunc func(ctx context.Context, task *Task) (interface{}, error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

// DefaultConfig returns defaults sized for sweep batches
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		MaxRetries: 2,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Pool runs tasks with at most Workers in flight
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	tasksSkipped   int64
	activeWorkers  int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Pool{config: cfg, workerFunc: fn, logger: logger}, nil
}

// Run processes every task and returns one result per task in input order.
// Once ctx is done no new task starts; tasks not yet started come back
// with Skipped set. Tasks already running see the cancelled ctx.
func (p *Pool) Run(ctx context.Context, tasks []*Task) []*Result {
	results := make([]*Result, len(tasks))
	atomic.AddInt64(&p.tasksSubmitted, int64(len(tasks)))

	sem := make(chan struct{}, p.config.Workers)
	var wg sync.WaitGroup

dispatch:
	for i, task := range tasks {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		// the semaphore may win the race against a just-cancelled ctx
		if ctx.Err() != nil {
			<-sem
			break dispatch
		}

		wg.Add(1)
		go func(i int, task *Task) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.process(ctx, task)
		}(i, task)
	}
	wg.Wait()

	for i, r := range results {
		if r == nil {
			atomic.AddInt64(&p.tasksSkipped, 1)
			results[i] = &Result{TaskID: tasks[i].ID, Skipped: true, Error: ctx.Err()}
		}
	}
	return results
}

// process handles a single task with retries
func (p *Pool) process(ctx context.Context, task *Task) *Result {
	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	result := &Result{TaskID: task.ID}
retry:
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1
		data, err := p.workerFunc(ctx, task)
		if err == nil {
			result.Success = true
			result.Data = data
			result.Error = nil
			break
		}
		result.Error = err

		if attempt == p.config.MaxRetries || !p.retryable(ctx, err) {
			break
		}
		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			result.Error = errors.Join(err, ctx.Err())
			break retry
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Error))
	}
	return result
}

func (p *Pool) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.config.Retryable == nil {
		return true
	}
	return p.config.Retryable(err)
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	TasksSkipped   int64
	ActiveWorkers  int64
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		TasksSkipped:   atomic.LoadInt64(&p.tasksSkipped),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		Workers:        p.config.Workers,
	}
}
