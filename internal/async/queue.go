package async

import (
	"context"
	"errors"
	"time"
)

// ErrQueueClosed is returned by Enqueue after Shutdown has started.
var ErrQueueClosed = errors.New("queue is shutting down")

// Job asks a worker to run one processing task end to end.
type Job struct {
	TaskID      string
	Paths       []string
	WorkDir     string
	SubmittedAt time.Time
	// Timeout is the hard limit for the job. Zero uses the queue default.
	Timeout time.Duration
}

// Handler executes a job. The context carries the job's hard deadline.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Stats is a point-in-time view of a worker pool.
type Stats struct {
	Size      int // configured workers
	Workers   int // workers currently running their loop
	Busy      int
	Queued    int
	Capacity  int
	Completed int64
	Failed    int64
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}
