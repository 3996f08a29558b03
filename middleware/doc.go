// Package middleware provides composable middleware for step execution.
//
// A [Middleware] is a function that wraps a step handler. Middleware are
// composed into a chain using [Chain] and applied around each handler call.
// They are applied right-to-left: the first middleware in the slice is the
// outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs step name, workflow, duration, and outcome
//   - [Recover]: catches handler panics and converts them to errors
//   - [Timeout]: cancels the handler context after the step's deadline
//   - [Tracing]: wraps execution in an OpenTelemetry span
//   - [Metrics]: records per-step duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, t *handler.Task, next middleware.Handler) ([]byte, error) {
//	        // pre-processing
//	        result, err := next(ctx)
//	        // post-processing
//	        return result, err
//	    }
//	}
package middleware
