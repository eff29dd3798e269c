package wizard

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// TaskRunner runs best-effort side calls outside the request. Failures are
// logged, never surfaced.
type TaskRunner struct {
	wg      sync.WaitGroup
	timeout time.Duration
	logger  *logging.Logger
}

func NewTaskRunner(timeout time.Duration, logger *logging.Logger) *TaskRunner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &TaskRunner{timeout: timeout, logger: logger.Component("tasks")}
}

// Go starts fn with its own timeout, detached from any request context.
func (r *TaskRunner) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("detached task panicked", "task", name, "panic", rec)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Warn("detached task failed", "task", name, "error", err)
		}
	}()
}

// Drain waits for running tasks or until ctx is done.
func (r *TaskRunner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
