// Package runner is the single-node worker pool that pulls queued
// coordinator invocations and executes them.
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BramAlkema/svg2pptx-batch/internal/convert"
	"github.com/BramAlkema/svg2pptx-batch/internal/logging"
	"github.com/BramAlkema/svg2pptx-batch/internal/metrics"
)

// Task is one queued coordinator invocation. Resume tasks re-drive
// only the upload stage of a job whose quota backoff has passed.
type Task struct {
	JobID   string
	URLs    []string
	Options convert.Options
	Resume  bool
}

// Executor runs one task to completion.
type Executor interface {
	Execute(ctx context.Context, task Task) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) error

func (f ExecutorFunc) Execute(ctx context.Context, task Task) error { return f(ctx, task) }

// Dispatcher accepts tasks. The Runner queues them on a worker pool;
// SyncDispatcher runs them inline for tests and one-shot CLI use.
type Dispatcher interface {
	Submit(task Task) error
}

// SyncDispatcher executes each task synchronously in the caller's
// goroutine.
type SyncDispatcher struct {
	Exec Executor
}

func (d *SyncDispatcher) Submit(task Task) error {
	return d.Exec.Execute(context.Background(), task)
}

// adjustInterval is the cadence of the periodic limit-adjustment tick.
const adjustInterval = 5 * time.Second

// Runner is the bounded worker pool.
type Runner struct {
	exec    Executor
	workers int
	queue   chan Task
	tick    func()

	active   atomic.Int32
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopTick chan struct{}
	started  atomic.Bool
	closed   atomic.Bool
	logger   *logging.Logger

	// submitMu orders Submit's queue send against Shutdown's close so a
	// concurrent Submit can never hit a closed channel.
	submitMu sync.Mutex
}

// New builds a Runner with the given worker count and queue depth.
// tick, if non-nil, runs every five seconds while the runner lives
// (used for periodic rate-limit adjustment).
func New(workers, queueDepth int, exec Executor, tick func()) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = workers * 4
	}
	return &Runner{
		exec:     exec,
		workers:  workers,
		queue:    make(chan Task, queueDepth),
		tick:     tick,
		stopTick: make(chan struct{}),
		logger:   logging.NewLogger("runner"),
	}
}

// Start launches the worker pool. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}

	if r.tick != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(adjustInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-r.stopTick:
					return
				case <-ticker.C:
					r.tick()
				}
			}
		}()
	}

	r.logger.Info().Int("workers", r.workers).Msg("Task runner started")
}

func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-r.queue:
			if !ok {
				return
			}
			r.run(ctx, id, task)
		}
	}
}

func (r *Runner) run(ctx context.Context, workerID int, task Task) {
	r.active.Add(1)
	metrics.SetActiveWorkers(int(r.active.Load()))
	defer func() {
		r.active.Add(-1)
		metrics.SetActiveWorkers(int(r.active.Load()))
		if rec := recover(); rec != nil {
			r.logger.Error().
				Int("worker", workerID).
				Str("job_id", task.JobID).
				Interface("panic", rec).
				Msg("Worker panicked")
		}
	}()

	if err := r.exec.Execute(ctx, task); err != nil {
		r.logger.Error().Str("job_id", task.JobID).Err(err).Msg("Task failed")
		return
	}
	r.logger.Debug().Str("job_id", task.JobID).Msg("Task finished")
}

// Submit queues a task. It fails fast when the queue is full or the
// runner has shut down.
func (r *Runner) Submit(task Task) error {
	r.submitMu.Lock()
	defer r.submitMu.Unlock()
	if r.closed.Load() {
		return fmt.Errorf("runner is shut down")
	}
	select {
	case r.queue <- task:
		return nil
	default:
		return fmt.Errorf("task queue is full (%d pending)", cap(r.queue))
	}
}

// Active returns the number of tasks currently executing.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Shutdown stops intake, drains in-flight work, and waits up to ctx's
// deadline for workers to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.submitMu.Lock()
	close(r.queue)
	r.submitMu.Unlock()
	close(r.stopTick)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if r.cancel != nil {
			r.cancel()
		}
		<-done
		return ctx.Err()
	}
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}
