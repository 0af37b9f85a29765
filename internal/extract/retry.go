package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

// RetryPolicy bounds attempts at a collaborator call. The delay after the
// n-th failed attempt is min(BaseDelay*2^(n-1), MaxDelay).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is three attempts with 4s, 8s delays capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 4 * time.Second, MaxDelay: 10 * time.Second}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// ExtractionServiceError is returned once a collaborator call has failed
// on every allowed attempt, or failed permanently.
type ExtractionServiceError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExtractionServiceError) Error() string {
	return fmt.Sprintf("extraction service: %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ExtractionServiceError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable reports whether a collaborator error is transient.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 429 || gerr.Code >= 500
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied,
			codes.Unauthenticated, codes.FailedPrecondition, codes.Unimplemented:
			return false
		}
	}
	return true
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retrier applies a RetryPolicy to collaborator calls.
type Retrier struct {
	Policy RetryPolicy
	Sleep  Sleeper
	Logger *slog.Logger
}

func NewRetrier(p RetryPolicy, logger *slog.Logger) *Retrier {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{Policy: p, Sleep: contextSleep, Logger: logger}
}

// Do runs fn until it succeeds, fails permanently or runs out of attempts.
// Every attempt sees the same request id. Context cancellation is returned
// as-is.
func (r *Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if common.RequestIDFromContext(ctx) == "" {
		ctx = common.WithRequestID(ctx, uuid.NewString())
	}
	var err error
	for attempt := 1; attempt <= r.Policy.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !Retryable(err) {
			return &ExtractionServiceError{Op: op, Attempts: attempt, Err: err}
		}
		if attempt == r.Policy.MaxAttempts {
			break
		}
		d := r.Policy.Delay(attempt)
		r.Logger.Warn("extract.retry.attempt",
			"op", op,
			"attempt", attempt,
			"delay_ms", d.Milliseconds(),
			"request_id", common.RequestIDFromContext(ctx),
			"task_id", common.TaskIDFromContext(ctx),
			"content_hash", common.ContentHashFromContext(ctx),
			"error", err,
		)
		if serr := r.Sleep(ctx, d); serr != nil {
			return serr
		}
	}
	return &ExtractionServiceError{Op: op, Attempts: r.Policy.MaxAttempts, Err: err}
}
