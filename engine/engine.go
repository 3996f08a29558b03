// Package engine wires all subsystems together: the state machine, the
// idempotency guard, the dispatcher, the worker pool, the timer scheduler,
// and the schedule registrar.
//
// This package exists to break the import cycle: the root djr package
// defines Entity and Config (imported by workflow, timer, etc.) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/attempt"
	"github.com/ankurrokad/distributed-job-runner/backoff"
	"github.com/ankurrokad/distributed-job-runner/channel"
	"github.com/ankurrokad/distributed-job-runner/dispatcher"
	"github.com/ankurrokad/distributed-job-runner/handler"
	"github.com/ankurrokad/distributed-job-runner/id"
	"github.com/ankurrokad/distributed-job-runner/idempotency"
	mw "github.com/ankurrokad/distributed-job-runner/middleware"
	"github.com/ankurrokad/distributed-job-runner/schedule"
	"github.com/ankurrokad/distributed-job-runner/timer"
	"github.com/ankurrokad/distributed-job-runner/worker"
	"github.com/ankurrokad/distributed-job-runner/workflow"
)

// defaultIdempotencyTTL bounds how long a reserved idempotency key and its
// cached response survive before Purge can reclaim them.
const defaultIdempotencyTTL = 24 * time.Hour

// Engine wraps a Runner with typed subsystem access.
// Use Build() to create one from a Runner.
type Engine struct {
	r        *djr.Runner
	defs     *workflow.Registry
	handlers *handler.Registry
	machine  *workflow.Machine
	guard    *idempotency.Guard
	timers   timer.Store
	ch       channel.Channel
	disp     *dispatcher.Dispatcher
	executor *worker.Executor
	pool     *worker.Pool
	sweeper  *timer.Scheduler
	sched    *schedule.Registrar
	bo       backoff.Strategy
	mws      []mw.Middleware
	idemTTL  time.Duration
	logger   *slog.Logger

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithMiddleware adds middleware to the engine's step execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy for the engine.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithIdempotencyTTL sets how long reserved idempotency keys are retained.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(eng *Engine) {
		eng.idemTTL = d
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the metrics middleware uses this provider instead of the global one.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Runner.
// The Runner's store must implement the workflow, timer, idempotency, and
// attempt store interfaces, and its channel must implement channel.Channel.
func Build(r *djr.Runner, opts ...Option) (*Engine, error) {
	logger := r.Logger()

	store := r.Store()
	if store == nil {
		return nil, djr.ErrNoStore
	}
	chAny := r.Channel()
	if chAny == nil {
		return nil, djr.ErrNoChannel
	}

	ch, ok := chAny.(channel.Channel)
	if !ok {
		return nil, fmt.Errorf("djr: channel does not implement channel.Channel")
	}

	ws, ok := store.(workflow.Store)
	if !ok {
		return nil, fmt.Errorf("djr: store does not implement workflow.Store")
	}
	ts, ok := store.(timer.Store)
	if !ok {
		return nil, fmt.Errorf("djr: store does not implement timer.Store")
	}
	is, ok := store.(idempotency.Store)
	if !ok {
		return nil, fmt.Errorf("djr: store does not implement idempotency.Store")
	}
	as, ok := store.(attempt.Store)
	if !ok {
		return nil, fmt.Errorf("djr: store does not implement attempt.Store")
	}

	eng := &Engine{
		r:        r,
		defs:     workflow.NewRegistry(),
		handlers: handler.NewRegistry(),
		timers:   ts,
		ch:       ch,
		idemTTL:  defaultIdempotencyTTL,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Default backoff strategy if none provided.
	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	eng.machine = workflow.NewMachine(ws, eng.defs, eng.bo, logger)
	eng.guard = idempotency.NewGuard(is, eng.idemTTL)
	eng.disp = dispatcher.New(eng.machine, ts, ch, logger)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/ankurrokad/distributed-job-runner")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/ankurrokad/distributed-job-runner")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	config := r.Config()
	eng.executor = worker.NewExecutor(eng.machine, eng.guard, as, ts, eng.disp, eng.handlers, ch, logger, allMws...)
	eng.pool = worker.NewPool(ch, eng.executor, logger,
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPollInterval(config.PollInterval),
	)

	eng.sched = schedule.NewRegistrar(ts, func(ctx context.Context, workflowType string, input []byte) error {
		_, err := eng.StartWorkflow(ctx, workflowType, input)
		return err
	}, logger)

	eng.sweeper = timer.NewScheduler(ts, &timerActions{eng: eng}, logger,
		timer.WithSweepInterval(config.SweepInterval),
		timer.WithSweepBatch(config.SweepBatch),
	)

	// Wire back into the Runner.
	r.SetPool(eng.pool)
	r.SetScheduler(eng.sweeper)

	return eng, nil
}

// RegisterWorkflow registers a workflow definition with the engine.
func (eng *Engine) RegisterWorkflow(def *workflow.Definition) error {
	return eng.defs.Register(def)
}

// RegisterHandler registers a step handler function by name.
func (eng *Engine) RegisterHandler(name string, fn handler.Func) error {
	return eng.handlers.Register(name, fn)
}

// RegisterSchedule registers a recurring schedule that starts a workflow of
// the given type on each cron occurrence. Re-registration of the same name
// is idempotent while a SCHEDULE timer for it is still pending.
func (eng *Engine) RegisterSchedule(ctx context.Context, name, workflowType, expr string, input []byte) error {
	if _, ok := eng.defs.Get(workflowType); !ok {
		return fmt.Errorf("djr: unknown workflow type %q for schedule %q", workflowType, name)
	}
	return eng.sched.Register(ctx, name, workflowType, expr, input)
}

// StartWorkflow creates a workflow and dispatches its initial steps.
func (eng *Engine) StartWorkflow(ctx context.Context, workflowType string, input []byte) (*workflow.Workflow, error) {
	wf, initial, err := eng.machine.Start(ctx, workflowType, input)
	if err != nil {
		return nil, err
	}
	if err := eng.disp.DispatchAll(ctx, initial); err != nil {
		// The workflow row is durable; a failed dispatch is recoverable by
		// redriving the pending steps, so surface it without rolling back.
		return wf, fmt.Errorf("dispatch initial steps of %s: %w", wf.ID, err)
	}
	return wf, nil
}

// PauseWorkflow sets the workflow's pause flag.
func (eng *Engine) PauseWorkflow(ctx context.Context, wfID id.WorkflowID) (bool, error) {
	return eng.machine.Pause(ctx, wfID)
}

// ResumeWorkflow clears the pause flag and re-dispatches runnable steps.
func (eng *Engine) ResumeWorkflow(ctx context.Context, wfID id.WorkflowID) error {
	steps, err := eng.machine.Resume(ctx, wfID)
	if err != nil {
		return err
	}
	return eng.disp.DispatchAll(ctx, steps)
}

// CancelWorkflow transitions the workflow to CANCELLED and cancels its
// outstanding timers.
func (eng *Engine) CancelWorkflow(ctx context.Context, wfID id.WorkflowID) (bool, error) {
	return eng.machine.Cancel(ctx, wfID, eng.timers)
}

// Start begins processing by starting the Runner's timer scheduler and
// worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.r.Start(ctx)
}

// Stop gracefully shuts down the engine.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.r.Stop(ctx)
}

// Runner returns the underlying Runner.
func (eng *Engine) Runner() *djr.Runner { return eng.r }

// Machine returns the workflow state machine.
func (eng *Engine) Machine() *workflow.Machine { return eng.machine }

// Dispatcher returns the step dispatcher.
func (eng *Engine) Dispatcher() *dispatcher.Dispatcher { return eng.disp }

// Executor returns the worker executor.
func (eng *Engine) Executor() *worker.Executor { return eng.executor }

// Scheduler returns the timer scheduler.
func (eng *Engine) Scheduler() *timer.Scheduler { return eng.sweeper }

// Schedules returns the schedule registrar.
func (eng *Engine) Schedules() *schedule.Registrar { return eng.sched }

// Handlers returns the handler registry.
func (eng *Engine) Handlers() *handler.Registry { return eng.handlers }

// Registry returns the workflow definition registry.
func (eng *Engine) Registry() *workflow.Registry { return eng.defs }

// Guard returns the idempotency guard.
func (eng *Engine) Guard() *idempotency.Guard { return eng.guard }

// timerActions adapts the engine to timer.Actions. Every action resolves
// against durable state through conditional updates, so a timer that fires
// against a step that has already moved on is a no-op, not an error.
type timerActions struct {
	eng *Engine
}

var _ timer.Actions = (*timerActions)(nil)

// DispatchStep handles DELAY timers. For TIMER-type steps the fired delay
// IS the step's work: claim it and mark it succeeded, then dispatch
// whatever the completion unlocks. Any other step type is re-enqueued.
func (a *timerActions) DispatchStep(ctx context.Context, stepID id.StepID) error {
	eng := a.eng

	step, err := eng.machine.Store().GetStep(ctx, stepID)
	if err != nil {
		return err
	}

	if step.Type != workflow.StepTimer {
		return eng.disp.Dispatch(ctx, step)
	}

	if _, err := eng.machine.Claim(ctx, stepID); err != nil {
		if errors.Is(err, djr.ErrAlreadyClaimed) {
			return nil
		}
		return err
	}
	out, err := eng.machine.MarkStepSuccess(ctx, stepID, nil)
	if err != nil {
		return err
	}
	return a.resolve(ctx, step.WorkflowID, out, nil)
}

// RetryStep handles RETRY timers: re-enter the FAILED step as PENDING and
// re-dispatch it.
func (a *timerActions) RetryStep(ctx context.Context, stepID id.StepID) error {
	step, err := a.eng.machine.RetryStep(ctx, stepID)
	if err != nil {
		if errors.Is(err, djr.ErrInvalidTransition) {
			// The step moved on (skipped, or the workflow was cancelled)
			// between the failure and the timer firing.
			return nil
		}
		return err
	}
	return a.eng.disp.Dispatch(ctx, step)
}

// TimeoutStep handles TIMEOUT timers: force the stuck step to FAILED and
// let the normal retry rule decide what happens next.
func (a *timerActions) TimeoutStep(ctx context.Context, stepID id.StepID) error {
	step, err := a.eng.machine.Store().GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	out, err := a.eng.machine.TimeoutStep(ctx, stepID)
	if err != nil {
		return err
	}
	return a.resolve(ctx, step.WorkflowID, out, errors.New("execution deadline exceeded"))
}

// RunSchedule handles SCHEDULE timers.
func (a *timerActions) RunSchedule(ctx context.Context, name string, payload []byte) error {
	return a.eng.sched.Run(ctx, name, payload)
}

// resolve acts on a state machine outcome produced outside the worker
// executor: dispatch unlocked steps and propagate terminal workflow states
// to a parent SUBWORKFLOW step.
func (a *timerActions) resolve(ctx context.Context, wfID id.WorkflowID, out *workflow.Outcome, cause error) error {
	switch out.Decision {
	case workflow.DecisionDispatch:
		return a.eng.disp.DispatchAll(ctx, out.Steps)
	case workflow.DecisionWorkflowCompleted:
		a.eng.executor.LinkParent(ctx, wfID, nil)
	case workflow.DecisionWorkflowFailed:
		a.eng.executor.LinkParent(ctx, wfID, cause)
	}
	return nil
}
