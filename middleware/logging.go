package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/ankurrokad/distributed-job-runner/handler"
)

// Logging returns middleware that logs step start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *handler.Task, next Handler) ([]byte, error) {
		logger.Info("step started",
			slog.String("step_name", t.Name),
			slog.String("step_id", t.StepID.String()),
			slog.String("workflow_id", t.WorkflowID.String()),
			slog.Int("attempt", t.Attempt),
		)

		start := time.Now()
		result, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("step failed",
				slog.String("step_name", t.Name),
				slog.String("step_id", t.StepID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("step completed",
				slog.String("step_name", t.Name),
				slog.String("step_id", t.StepID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return result, err
	}
}
