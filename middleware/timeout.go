package middleware

import (
	"context"
	"log/slog"

	"github.com/ankurrokad/distributed-job-runner/handler"
)

// Timeout returns middleware that enforces a per-step execution deadline.
// If the task has a non-zero Timeout, a context.WithTimeout wraps the
// handler call. When the deadline is exceeded the context is cancelled and
// the handler should return context.DeadlineExceeded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *handler.Task, next Handler) ([]byte, error) {
		if t.Timeout > 0 {
			logger.Debug("step deadline set",
				slog.String("step_id", t.StepID.String()),
				slog.Duration("timeout", t.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
