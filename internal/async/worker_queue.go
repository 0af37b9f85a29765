package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerQueue runs jobs on a fixed pool of workers, each executing one job
// at a time.
type WorkerQueue struct {
	handler Handler
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool

	alive     atomic.Int32
	busy      atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
}

type Option func(*WorkerQueue)

func WithWorkers(n int) Option {
	return func(q *WorkerQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}
func WithQueueSize(n int) Option {
	return func(q *WorkerQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}
func WithProcessTimeout(d time.Duration) Option {
	return func(q *WorkerQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewWorkerQueue(handler Handler, logger *slog.Logger, opts ...Option) *WorkerQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &WorkerQueue{
		handler: handler,
		logger:  logger,
		workers: 5,
		timeout: 2*time.Hour + time.Minute,
		ch:      make(chan Job, 256),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *WorkerQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.alive.Add(1)
				defer q.alive.Add(-1)
				q.logger.Info("async.worker.started", "worker_id", workerID)

				for job := range q.ch {
					q.run(workerID, job)
				}

				q.logger.Info("async.worker.stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *WorkerQueue) run(workerID int, job Job) {
	timeout := q.timeout
	if job.Timeout > 0 {
		timeout = job.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	q.busy.Add(1)
	defer q.busy.Add(-1)
	start := time.Now()
	err := q.safeHandle(ctx, job)
	if err != nil {
		q.failed.Add(1)
		q.logger.Error("async.job.failed", "worker_id", workerID, "task_id", job.TaskID, "error", err)
		return
	}
	q.completed.Add(1)
	q.logger.Info("async.job.ok", "worker_id", workerID, "task_id", job.TaskID,
		"elapsed_ms", time.Since(start).Milliseconds(),
		"waited_ms", start.Sub(job.SubmittedAt).Milliseconds())
}

// safeHandle keeps a panicking job from taking its worker down.
func (q *WorkerQueue) safeHandle(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return q.handler.Handle(ctx, job)
}

// Enqueue hands a job to the pool. When the buffer is full it blocks until
// a slot frees up or ctx is done.
func (q *WorkerQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("async.enqueue.closed", "task_id", job.TaskID)
		return ErrQueueClosed
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	select {
	case q.ch <- job:
		q.logger.Info("async.job.queued", "task_id", job.TaskID, "paths", len(job.Paths))
		return nil
	default:
	}
	q.logger.Warn("async.queue.full", "task_id", job.TaskID, "capacity", cap(q.ch))
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports pool occupancy and job counters.
func (q *WorkerQueue) Stats() Stats {
	return Stats{
		Size:      q.workers,
		Workers:   int(q.alive.Load()),
		Busy:      int(q.busy.Load()),
		Queued:    len(q.ch),
		Capacity:  cap(q.ch),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}
}

// Shutdown stops accepting jobs and waits for queued ones to drain, or for
// ctx to end.
func (q *WorkerQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("async.shutdown.interrupted")
	case <-done:
		q.logger.Info("async.shutdown.ok")
	}
}
